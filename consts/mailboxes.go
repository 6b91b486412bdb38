package consts

// DefaultMailbox is the folder whose unread messages are exposed over POP3.
const DefaultMailbox = "INBOX"

// EWSInboxFolderID is the distinguished folder id of the inbox in Exchange Web Services.
const EWSInboxFolderID = "inbox"

// TentativeAcceptComment is sent with tentative meeting responses when no
// comment is configured.
const TentativeAcceptComment = "Meeting conflict, will review"
