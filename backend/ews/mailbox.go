package ews

import (
	"context"
	"encoding/base64"
	"fmt"
	"strings"

	"github.com/migadu/popbridge/backend"
	"github.com/migadu/popbridge/logger"
)

type mailbox struct {
	c        *client
	pageSize int
}

func (m *mailbox) UnreadCount(ctx context.Context) (int, error) {
	req := getFolderRequest{
		FolderShape: shape{BaseShape: "IdOnly", AdditionalProperties: fields("folder:UnreadCount")},
		FolderIDs:   m.c.inbox(),
	}
	var resp getFolderResponse
	if err := m.c.call(ctx, "GetFolder", req, &resp); err != nil {
		return 0, err
	}
	if len(resp.Messages) == 0 {
		return 0, fmt.Errorf("%w: GetFolder: empty response", backend.ErrBackend)
	}
	msg := resp.Messages[0]
	if err := msg.check("GetFolder"); err != nil {
		return 0, err
	}
	if len(msg.Folders) == 0 {
		return 0, fmt.Errorf("%w: GetFolder: inbox missing from response", backend.ErrBackend)
	}
	return msg.Folders[0].UnreadCount, nil
}

// ListUnread pages through the unread inbox items, newest first.
func (m *mailbox) ListUnread(ctx context.Context) ([]backend.Ref, error) {
	var refs []backend.Ref
	offset := 0
	for {
		req := findItemRequest{
			Traversal: "Shallow",
			ItemShape: shape{
				BaseShape:            "IdOnly",
				AdditionalProperties: fields("item:ItemClass", "item:Size", "item:DateTimeReceived"),
			},
			PageView: indexedPageView{MaxEntriesReturned: m.pageSize, Offset: offset, BasePoint: "Beginning"},
			Restriction: restriction{IsEqualTo: isEqualTo{
				Field:    fieldURI{FieldURI: "message:IsRead"},
				Constant: constantValue{Value: "false"},
			}},
			SortOrder:       fieldOrder{Order: "Descending", Field: fieldURI{FieldURI: "item:DateTimeReceived"}},
			ParentFolderIDs: m.c.inbox(),
		}
		var resp findItemResponse
		if err := m.c.call(ctx, "FindItem", req, &resp); err != nil {
			return nil, err
		}
		if len(resp.Messages) == 0 {
			return nil, fmt.Errorf("%w: FindItem: empty response", backend.ErrBackend)
		}
		msg := resp.Messages[0]
		if err := msg.check("FindItem"); err != nil {
			return nil, err
		}

		page := msg.RootFolder.Items.Items
		for _, h := range page {
			if h.ItemID.ID == "" {
				continue
			}
			refs = append(refs, h.ref())
		}
		if msg.RootFolder.IncludesLastItemInRange || len(page) == 0 {
			break
		}
		offset += len(page)
	}
	logger.Debug("EWS: listed unread items", "user", m.c.username, "count", len(refs))
	return refs, nil
}

func (m *mailbox) getItem(ctx context.Context, op string, ref backend.Ref, s shape) (*item, error) {
	req := getItemRequest{
		ItemShape: s,
		ItemIDs:   []requestItemID{{ID: ref.ID}},
	}
	var resp getItemResponse
	if err := m.c.call(ctx, op, req, &resp); err != nil {
		return nil, err
	}
	if len(resp.Messages) == 0 {
		return nil, fmt.Errorf("%w: %s: empty response", backend.ErrBackend, op)
	}
	msg := resp.Messages[0]
	if err := msg.check(op); err != nil {
		return nil, err
	}
	if len(msg.Items.Items) == 0 {
		return nil, fmt.Errorf("%w: %s: item %s missing from response", backend.ErrBackend, op, ref.ID)
	}
	return &msg.Items.Items[0], nil
}

func (m *mailbox) Fetch(ctx context.Context, ref backend.Ref) (*backend.Message, error) {
	it, err := m.getItem(ctx, "GetItem", ref, shape{
		BaseShape:            "AllProperties",
		BodyType:             "Best",
		AdditionalProperties: fields("item:TextBody"),
	})
	if err != nil {
		return nil, err
	}

	msg := convertItem(it, ref)

	if it.isMeetingRequest() {
		details, err := m.getItem(ctx, "GetItem", ref, shape{
			BaseShape:            "IdOnly",
			AdditionalProperties: fields("meetingRequest:MeetingRequestType", "calendar:ConflictingMeetingCount"),
		})
		if err != nil {
			return nil, fmt.Errorf("failed to load meeting request details: %w", err)
		}
		msg.Kind = backend.KindMeetingRequest
		msg.Invitation = &backend.Invitation{
			Type:          details.MeetingRequestType,
			ConflictCount: details.ConflictingMeetingCount,
		}
	}

	if len(it.FileAttachments) > 0 {
		atts, err := m.attachments(ctx, it.FileAttachments)
		if err != nil {
			return nil, err
		}
		msg.Attachments = atts
	}
	if len(it.ItemAttachments) > 0 {
		logger.Debug("EWS: skipping item attachments", "item", ref.ID, "count", len(it.ItemAttachments))
	}
	return msg, nil
}

func convertItem(it *item, ref backend.Ref) *backend.Message {
	msg := &backend.Message{
		Ref:     ref,
		Kind:    backend.KindMessage,
		Subject: it.Subject,
		ReplyTo: toAddresses(it.ReplyTo),
		To:      toAddresses(it.ToRecipients),
		Cc:      toAddresses(it.CcRecipients),
		Bcc:     toAddresses(it.BccRecipients),
	}
	if it.ItemID.ID != "" {
		msg.Ref.ID = it.ItemID.ID
		msg.Ref.ChangeKey = it.ItemID.ChangeKey
	}
	if it.Size > 0 {
		msg.Ref.Size = it.Size
	}
	msg.Received = parseTime(it.DateTimeReceived)
	if msg.Received.IsZero() {
		msg.Received = ref.Received
	}

	switch {
	case it.From != nil && it.From.Mailbox.EmailAddress != "":
		a := it.From.Mailbox.address()
		msg.Sender = &a
	case it.Sender != nil && it.Sender.Mailbox.EmailAddress != "":
		a := it.Sender.Mailbox.address()
		msg.Sender = &a
	}

	if it.TextBody != nil {
		text := it.TextBody.Content
		msg.TextBody = &text
	}
	if it.Body != nil {
		msg.Body = &backend.Body{
			Content: it.Body.Content,
			HTML:    strings.EqualFold(it.Body.BodyType, "HTML"),
		}
	}
	return msg
}

func (m *mailbox) attachments(ctx context.Context, refs []attachmentRef) ([]backend.Attachment, error) {
	req := getAttachmentRequest{}
	for _, r := range refs {
		req.AttachmentIDs = append(req.AttachmentIDs, requestItemID{ID: r.AttachmentID.ID})
	}
	var resp getAttachmentResponse
	if err := m.c.call(ctx, "GetAttachment", req, &resp); err != nil {
		return nil, err
	}

	var out []backend.Attachment
	for _, msg := range resp.Messages {
		if err := msg.check("GetAttachment"); err != nil {
			return nil, err
		}
		for _, f := range msg.Files {
			content, err := base64.StdEncoding.DecodeString(strings.Join(strings.Fields(f.Content), ""))
			if err != nil {
				return nil, fmt.Errorf("%w: GetAttachment: attachment %q: %w", backend.ErrBackend, f.Name, err)
			}
			out = append(out, backend.Attachment{Name: f.Name, ContentType: f.ContentType, Content: content})
		}
	}
	return out, nil
}

// itemElement names the item type in UpdateItem requests.
func itemElement(msg *backend.Message) string {
	if msg.Kind == backend.KindMeetingRequest {
		return "t:MeetingRequest"
	}
	return "t:Message"
}

func (m *mailbox) MarkRead(ctx context.Context, msg *backend.Message) error {
	req := updateItemRequest{
		MessageDisposition: "SaveOnly",
		ConflictResolution: "AlwaysOverwrite",
		Change: itemChange{
			ItemID: requestItemID{ID: msg.Ref.ID},
			Updates: setItemField{
				Field: fieldURI{FieldURI: "message:IsRead"},
				Item:  itemIsRead{XMLName: xmlName(itemElement(msg)), IsRead: true},
			},
		},
	}
	var resp updateItemResponse
	if err := m.c.call(ctx, "UpdateItem", req, &resp); err != nil {
		return err
	}
	return checkAll("UpdateItem", resp.Messages)
}

func (m *mailbox) AcceptInvitation(ctx context.Context, msg *backend.Message) error {
	return m.respond(ctx, "t:AcceptItem", msg, "")
}

func (m *mailbox) TentativelyAccept(ctx context.Context, msg *backend.Message, comment string) error {
	return m.respond(ctx, "t:TentativelyAcceptItem", msg, comment)
}

func (m *mailbox) respond(ctx context.Context, element string, msg *backend.Message, comment string) error {
	item := responseItem{
		XMLName:         xmlName(element),
		ReferenceItemID: requestItemID{ID: msg.Ref.ID, ChangeKey: msg.Ref.ChangeKey},
	}
	if comment != "" {
		item.Body = &textBody{BodyType: "Text", Content: comment}
	}
	req := createItemRequest{
		MessageDisposition: "SendAndSaveCopy",
		Items:              responseItems{Item: item},
	}
	var resp createItemResponse
	if err := m.c.call(ctx, "CreateItem", req, &resp); err != nil {
		return err
	}
	if err := checkAll("CreateItem", resp.Messages); err != nil {
		return err
	}
	logger.Debug("EWS: answered meeting request", "user", m.c.username, "item", msg.Ref.ID, "response", strings.TrimPrefix(element, "t:"))
	return nil
}

func checkAll(op string, statuses []responseStatus) error {
	if len(statuses) == 0 {
		return fmt.Errorf("%w: %s: empty response", backend.ErrBackend, op)
	}
	for _, s := range statuses {
		if err := s.check(op); err != nil {
			return err
		}
	}
	return nil
}

func (m *mailbox) Close() error {
	if m.c == nil {
		return nil
	}
	m.c.closeIdleConnections()
	m.c = nil
	return nil
}
