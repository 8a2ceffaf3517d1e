package chatsync

// SenderType identifies which side of a conversation authored a message.
type SenderType string

const (
	SenderUser   SenderType = "user"
	SenderAdmin  SenderType = "admin"
	SenderSystem SenderType = "system"
)

// Message is one chat message within a support conversation. ID is
// assigned by the server; an optimistic local echo has ID zero until the
// send path reconciles it with the server-confirmed copy.
type Message struct {
	ID         int64      `json:"id,omitempty"`
	RequestID  int64      `json:"request_id"`
	SenderID   int64      `json:"sender_id"`
	SenderType SenderType `json:"sender_type"`
	Body       string     `json:"message"`
	Timestamp  string     `json:"timestamp"`

	// LocalKey correlates an optimistic echo with its server-confirmed
	// replacement. Empty for messages delivered by polling.
	LocalKey string `json:"-"`

	// Unconfirmed marks an optimistic echo whose POST has not succeeded.
	Unconfirmed bool `json:"-"`
}

// History is the full conversation snapshot returned by the history
// endpoint, including request metadata the UI renders alongside the
// transcript.
type History struct {
	RequestID int64     `json:"request_id"`
	Status    string    `json:"status"`
	Issue     string    `json:"issue,omitempty"`
	CreatedAt string    `json:"created_at,omitempty"`
	UpdatedAt string    `json:"updated_at,omitempty"`
	Messages  []Message `json:"messages"`
}

// OutgoingMessage is the body of a send request.
type OutgoingMessage struct {
	SenderID   int64      `json:"sender_id"`
	SenderType SenderType `json:"sender_type"`
	Body       string     `json:"message"`
	Timestamp  string     `json:"timestamp"`
}

// SendReceipt is the server's acknowledgement of a sent message. The
// server-assigned id and timestamp are authoritative and replace the
// optimistic values.
type SendReceipt struct {
	ID        int64  `json:"id"`
	Timestamp string `json:"timestamp"`
}

// ConversationContext carries the identity under which the engine
// operates on one conversation. It is passed explicitly into the poller
// and the send path; there is no ambient session state.
type ConversationContext struct {
	RequestID       int64
	CurrentUserID   int64
	CurrentUserType SenderType
}
