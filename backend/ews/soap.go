package ews

import (
	"encoding/xml"
	"fmt"
	"strings"
	"time"

	"github.com/migadu/popbridge/backend"
)

const (
	nsSoap     = "http://schemas.xmlsoap.org/soap/envelope/"
	nsTypes    = "http://schemas.microsoft.com/exchange/services/2006/types"
	nsMessages = "http://schemas.microsoft.com/exchange/services/2006/messages"
)

// Request side. Element names carry their namespace prefix literally; the
// prefixes are bound on the envelope.

type requestEnvelope struct {
	XMLName   xml.Name      `xml:"soap:Envelope"`
	XmlnsSoap string        `xml:"xmlns:soap,attr"`
	XmlnsT    string        `xml:"xmlns:t,attr"`
	XmlnsM    string        `xml:"xmlns:m,attr"`
	Header    requestHeader `xml:"soap:Header"`
	Body      requestBody   `xml:"soap:Body"`
}

type requestHeader struct {
	Version serverVersion `xml:"t:RequestServerVersion"`
}

type serverVersion struct {
	Version string `xml:"Version,attr"`
}

type requestBody struct {
	Operation any
}

func newEnvelope(version string, op any) requestEnvelope {
	return requestEnvelope{
		XmlnsSoap: nsSoap,
		XmlnsT:    nsTypes,
		XmlnsM:    nsMessages,
		Header:    requestHeader{Version: serverVersion{Version: version}},
		Body:      requestBody{Operation: op},
	}
}

type fieldURI struct {
	XMLName  xml.Name `xml:"t:FieldURI"`
	FieldURI string   `xml:"FieldURI,attr"`
}

type additionalProperties struct {
	Fields []fieldURI `xml:"t:FieldURI"`
}

type shape struct {
	BaseShape            string                `xml:"t:BaseShape"`
	BodyType             string                `xml:"t:BodyType,omitempty"`
	AdditionalProperties *additionalProperties `xml:"t:AdditionalProperties,omitempty"`
}

func fields(uris ...string) *additionalProperties {
	props := &additionalProperties{}
	for _, u := range uris {
		props.Fields = append(props.Fields, fieldURI{FieldURI: u})
	}
	return props
}

type distinguishedFolderID struct {
	ID      string        `xml:"Id,attr"`
	Mailbox *emailMailbox `xml:"t:Mailbox,omitempty"`
}

type emailMailbox struct {
	EmailAddress string `xml:"t:EmailAddress"`
}

type folderIDs struct {
	Distinguished distinguishedFolderID `xml:"t:DistinguishedFolderId"`
}

type requestItemID struct {
	ID        string `xml:"Id,attr"`
	ChangeKey string `xml:"ChangeKey,attr,omitempty"`
}

type getFolderRequest struct {
	XMLName     xml.Name  `xml:"m:GetFolder"`
	FolderShape shape     `xml:"m:FolderShape"`
	FolderIDs   folderIDs `xml:"m:FolderIds"`
}

type indexedPageView struct {
	MaxEntriesReturned int    `xml:"MaxEntriesReturned,attr"`
	Offset             int    `xml:"Offset,attr"`
	BasePoint          string `xml:"BasePoint,attr"`
}

type constantValue struct {
	Value string `xml:"Value,attr"`
}

type isEqualTo struct {
	Field    fieldURI      `xml:"t:FieldURI"`
	Constant constantValue `xml:"t:FieldURIOrConstant>t:Constant"`
}

type restriction struct {
	IsEqualTo isEqualTo `xml:"t:IsEqualTo"`
}

type fieldOrder struct {
	Order string   `xml:"Order,attr"`
	Field fieldURI `xml:"t:FieldURI"`
}

type findItemRequest struct {
	XMLName         xml.Name        `xml:"m:FindItem"`
	Traversal       string          `xml:"Traversal,attr"`
	ItemShape       shape           `xml:"m:ItemShape"`
	PageView        indexedPageView `xml:"m:IndexedPageItemView"`
	Restriction     restriction     `xml:"m:Restriction"`
	SortOrder       fieldOrder      `xml:"m:SortOrder>t:FieldOrder"`
	ParentFolderIDs folderIDs       `xml:"m:ParentFolderIds"`
}

type getItemRequest struct {
	XMLName   xml.Name        `xml:"m:GetItem"`
	ItemShape shape           `xml:"m:ItemShape"`
	ItemIDs   []requestItemID `xml:"m:ItemIds>t:ItemId"`
}

type getAttachmentRequest struct {
	XMLName       xml.Name        `xml:"m:GetAttachment"`
	AttachmentIDs []requestItemID `xml:"m:AttachmentIds>t:AttachmentId"`
}

// itemIsRead is the item element inside SetItemField. Its name depends on
// the item type being updated (t:Message, t:MeetingRequest).
type itemIsRead struct {
	XMLName xml.Name
	IsRead  bool `xml:"t:IsRead"`
}

type setItemField struct {
	Field fieldURI   `xml:"t:FieldURI"`
	Item  itemIsRead
}

type itemChange struct {
	ItemID  requestItemID `xml:"t:ItemId"`
	Updates setItemField  `xml:"t:Updates>t:SetItemField"`
}

type updateItemRequest struct {
	XMLName            xml.Name   `xml:"m:UpdateItem"`
	MessageDisposition string     `xml:"MessageDisposition,attr"`
	ConflictResolution string     `xml:"ConflictResolution,attr"`
	Change             itemChange `xml:"m:ItemChanges>t:ItemChange"`
}

type textBody struct {
	BodyType string `xml:"BodyType,attr"`
	Content  string `xml:",chardata"`
}

// responseItem is an AcceptItem or TentativelyAcceptItem.
type responseItem struct {
	XMLName         xml.Name
	Body            *textBody     `xml:"t:Body,omitempty"`
	ReferenceItemID requestItemID `xml:"t:ReferenceItemId"`
}

type responseItems struct {
	Item responseItem
}

type createItemRequest struct {
	XMLName            xml.Name      `xml:"m:CreateItem"`
	MessageDisposition string        `xml:"MessageDisposition,attr"`
	Items              responseItems `xml:"m:Items"`
}

// Response side. Tags carry local names only, which match any namespace.

type responseEnvelope struct {
	Body struct {
		Fault *soapFault `xml:"Fault"`
		Inner []byte     `xml:",innerxml"`
	} `xml:"Body"`
}

type soapFault struct {
	Code   string `xml:"faultcode"`
	String string `xml:"faultstring"`
	Detail struct {
		ResponseCode string `xml:"ResponseCode"`
		Message      string `xml:"Message"`
	} `xml:"detail"`
}

func (f *soapFault) Error() string {
	msg := strings.TrimSpace(f.String)
	if f.Detail.ResponseCode != "" {
		msg = fmt.Sprintf("%s (%s)", msg, f.Detail.ResponseCode)
	}
	return fmt.Sprintf("soap fault %s: %s", f.Code, msg)
}

type responseStatus struct {
	ResponseClass string `xml:"ResponseClass,attr"`
	ResponseCode  string `xml:"ResponseCode"`
	MessageText   string `xml:"MessageText"`
}

func (r responseStatus) check(op string) error {
	if r.ResponseClass == "Success" {
		return nil
	}
	return fmt.Errorf("%w: %s: %s %s: %s", backend.ErrBackend, op, r.ResponseClass, r.ResponseCode, strings.TrimSpace(r.MessageText))
}

type responseItemID struct {
	ID        string `xml:"Id,attr"`
	ChangeKey string `xml:"ChangeKey,attr"`
}

type getFolderResponse struct {
	Messages []struct {
		responseStatus
		Folders []struct {
			UnreadCount int `xml:"UnreadCount"`
		} `xml:"Folders>Folder"`
	} `xml:"ResponseMessages>GetFolderResponseMessage"`
}

type findItemResponse struct {
	Messages []struct {
		responseStatus
		RootFolder struct {
			IndexedPagingOffset     int        `xml:"IndexedPagingOffset,attr"`
			TotalItemsInView        int        `xml:"TotalItemsInView,attr"`
			IncludesLastItemInRange bool       `xml:"IncludesLastItemInRange,attr"`
			Items                   headerList `xml:"Items"`
		} `xml:"RootFolder"`
	} `xml:"ResponseMessages>FindItemResponseMessage"`
}

// itemHeader is one entry of a FindItem result. Message, MeetingRequest
// and the other item types share these fields.
type itemHeader struct {
	XMLName          xml.Name
	ItemID           responseItemID `xml:"ItemId"`
	ItemClass        string         `xml:"ItemClass"`
	Size             int64          `xml:"Size"`
	DateTimeReceived string         `xml:"DateTimeReceived"`
}

// headerList keeps the server order across the different item elements.
type headerList struct {
	Items []itemHeader `xml:",any"`
}

func (h itemHeader) ref() backend.Ref {
	return backend.Ref{
		ID:        h.ItemID.ID,
		ChangeKey: h.ItemID.ChangeKey,
		Size:      h.Size,
		Received:  parseTime(h.DateTimeReceived),
	}
}

type mailboxElem struct {
	Name         string `xml:"Name"`
	EmailAddress string `xml:"EmailAddress"`
}

func (m mailboxElem) address() backend.Address {
	return backend.Address{Name: strings.TrimSpace(m.Name), Email: strings.TrimSpace(m.EmailAddress)}
}

type singleRecipient struct {
	Mailbox mailboxElem `xml:"Mailbox"`
}

type bodyElem struct {
	BodyType string `xml:"BodyType,attr"`
	Content  string `xml:",chardata"`
}

type attachmentRef struct {
	AttachmentID responseItemID `xml:"AttachmentId"`
	Name         string         `xml:"Name"`
	ContentType  string         `xml:"ContentType"`
	Size         int64          `xml:"Size"`
}

type item struct {
	XMLName                 xml.Name
	ItemID                  responseItemID   `xml:"ItemId"`
	ItemClass               string           `xml:"ItemClass"`
	Subject                 string           `xml:"Subject"`
	Body                    *bodyElem        `xml:"Body"`
	TextBody                *bodyElem        `xml:"TextBody"`
	FileAttachments         []attachmentRef  `xml:"Attachments>FileAttachment"`
	ItemAttachments         []attachmentRef  `xml:"Attachments>ItemAttachment"`
	Size                    int64            `xml:"Size"`
	DateTimeReceived        string           `xml:"DateTimeReceived"`
	From                    *singleRecipient `xml:"From"`
	Sender                  *singleRecipient `xml:"Sender"`
	ToRecipients            []mailboxElem    `xml:"ToRecipients>Mailbox"`
	CcRecipients            []mailboxElem    `xml:"CcRecipients>Mailbox"`
	BccRecipients           []mailboxElem    `xml:"BccRecipients>Mailbox"`
	ReplyTo                 []mailboxElem    `xml:"ReplyTo>Mailbox"`
	MeetingRequestType      string           `xml:"MeetingRequestType"`
	ConflictingMeetingCount int              `xml:"ConflictingMeetingCount"`
}

func (it *item) isMeetingRequest() bool {
	return it.XMLName.Local == "MeetingRequest" || strings.HasPrefix(it.ItemClass, "IPM.Schedule.Meeting.Request")
}

type itemList struct {
	Items []item `xml:",any"`
}

type getItemResponse struct {
	Messages []struct {
		responseStatus
		Items itemList `xml:"Items"`
	} `xml:"ResponseMessages>GetItemResponseMessage"`
}

type getAttachmentResponse struct {
	Messages []struct {
		responseStatus
		Files []struct {
			Name        string `xml:"Name"`
			ContentType string `xml:"ContentType"`
			Content     string `xml:"Content"`
		} `xml:"Attachments>FileAttachment"`
	} `xml:"ResponseMessages>GetAttachmentResponseMessage"`
}

type updateItemResponse struct {
	Messages []responseStatus `xml:"ResponseMessages>UpdateItemResponseMessage"`
}

type createItemResponse struct {
	Messages []responseStatus `xml:"ResponseMessages>CreateItemResponseMessage"`
}

func toAddresses(in []mailboxElem) []backend.Address {
	if len(in) == 0 {
		return nil
	}
	out := make([]backend.Address, 0, len(in))
	for _, m := range in {
		out = append(out, m.address())
	}
	return out
}

func parseTime(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339, strings.TrimSpace(s))
	if err != nil {
		return time.Time{}
	}
	return t
}

func xmlName(local string) xml.Name {
	return xml.Name{Local: local}
}
