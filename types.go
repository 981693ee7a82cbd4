package threadsync

// ============================================================================
// Shared Types
// ============================================================================

// APIError represents an error body returned by the messaging backend.
type APIError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *APIError) Error() string {
	if e.Code == "" {
		return e.Message
	}
	return e.Code + ": " + e.Message
}

// ============================================================================
// Thread / Message Types
// ============================================================================

// DeliveryState tracks where a message is in the optimistic send lifecycle.
type DeliveryState string

const (
	DeliveryCommitted  DeliveryState = "committed"
	DeliveryPending    DeliveryState = "pending"
	DeliveryRolledBack DeliveryState = "rolled_back"
)

// Thread is conversation metadata.
// UnreadCount is nil when the server did not report one.
type Thread struct {
	ID           string   `json:"id"`
	Title        string   `json:"title,omitempty"`
	Participants []string `json:"participants,omitempty"`
	UnreadCount  *int     `json:"unreadCount,omitempty"`
	UpdatedAt    string   `json:"updatedAt,omitempty"`
}

// Attachment describes a file attached to a message.
type Attachment struct {
	Name     string `json:"name,omitempty"`
	URL      string `json:"url,omitempty"`
	MimeType string `json:"mimeType,omitempty"`
	Size     int64  `json:"size,omitempty"`
}

// Message is a single chat entry in a thread bucket.
type Message struct {
	ID          string        `json:"id"`
	ThreadID    string        `json:"threadId"`
	SenderID    string        `json:"senderId"`
	Text        string        `json:"text"`
	Attachments []Attachment  `json:"attachments,omitempty"`
	CreatedAt   string        `json:"createdAt"`
	Read        *bool         `json:"read,omitempty"`
	ReadBy      []string      `json:"readBy,omitempty"`
	State       DeliveryState `json:"state,omitempty"`
}

// Pending reports whether the message is an optimistic entry awaiting confirmation.
func (m Message) Pending() bool {
	return m.State == DeliveryPending
}

// Cursors is the pagination state of one thread. A nil cursor means no further page.
type Cursors struct {
	NextCursor *string `json:"nextCursor"`
	PrevCursor *string `json:"prevCursor"`
}

// Direction selects which way a message page is loaded.
type Direction string

const (
	DirectionOlder Direction = "older"
	DirectionNewer Direction = "newer"
)

// MessagePage is one page of a thread's history.
type MessagePage struct {
	Messages []Message `json:"messages"`
	Cursors
}

// ============================================================================
// Request Options
// ============================================================================

type FetchMessagesOptions struct {
	Cursor    string
	Limit     int
	Direction Direction
}

type CreateThreadOptions struct {
	RecipientIDs   []string
	Subject        string
	InitialMessage string
}

// OutgoingAttachment is a file to upload with a message.
type OutgoingAttachment struct {
	FileName string
	MimeType string
	Data     []byte
}

type SendOptions struct {
	ThreadID     string
	RecipientIDs []string
	Text         string
	Attachments  []OutgoingAttachment
}

// CreatedThread is the result of POST /threads.
type CreatedThread struct {
	Thread  Thread
	Message *Message
}

// SentMessage is the result of POST /messages. Thread is set when the
// server created a thread for the message.
type SentMessage struct {
	Message  Message
	Thread   *Thread
	ThreadID string
}

func intPtr(v int) *int { return &v }

func strPtr(v string) *string { return &v }
