package store

// MessageType classifies message content.
type MessageType string

const (
	TypeText     MessageType = "TEXT"
	TypeImage    MessageType = "IMAGE"
	TypeVideo    MessageType = "VIDEO"
	TypeAudio    MessageType = "AUDIO"
	TypeDocument MessageType = "DOCUMENT"
	TypeSticker  MessageType = "STICKER"
	TypeLocation MessageType = "LOCATION"
	TypeContact  MessageType = "CONTACT"
	TypeUnknown  MessageType = "UNKNOWN"
)

// HasMedia reports whether messages of this type carry a downloadable file.
func (t MessageType) HasMedia() bool {
	switch t {
	case TypeImage, TypeVideo, TypeAudio, TypeDocument, TypeSticker:
		return true
	}
	return false
}

// Status is a message delivery status.
type Status string

const (
	StatusPending   Status = "PENDING"
	StatusSent      Status = "SENT"
	StatusDelivered Status = "DELIVERED"
	StatusRead      Status = "READ"
	StatusPlayed    Status = "PLAYED"
	StatusFailed    Status = "FAILED"
)

func (s Status) rank() int {
	switch s {
	case StatusPending:
		return 1
	case StatusSent:
		return 2
	case StatusDelivered:
		return 3
	case StatusRead:
		return 4
	case StatusPlayed:
		return 5
	}
	return 0
}

// Advances reports whether moving from s to next is a forward transition.
// Delivery never regresses; FAILED only replaces a message that has not been
// delivered yet.
func (s Status) Advances(next Status) bool {
	if next == "" || next == s {
		return false
	}
	if next == StatusFailed {
		return s == "" || s == StatusPending || s == StatusSent
	}
	if s == StatusFailed {
		return next.rank() >= StatusDelivered.rank()
	}
	return next.rank() > s.rank()
}

// Instance is a gateway connection scope.
type Instance struct {
	Name      string
	Status    string
	CreatedAt int64
	UpdatedAt int64
}

// Conversation is one chat with a remote identity within an instance.
type Conversation struct {
	ID            string
	InstanceID    string
	RemoteJID     string
	IsGroup       bool
	Name          string
	PictureURL    string
	LastMessage   string
	LastMessageAt int64
	UnreadCount   int
	IsArchived    bool
	IsPinned      bool
	CreatedAt     int64
	UpdatedAt     int64
}

// Message is a single message keyed by the gateway's external id.
type Message struct {
	ID             string
	InstanceID     string
	ConversationID string
	RemoteJID      string
	Participant    string
	FromMe         bool
	Type           MessageType
	Content        string
	MediaURL       string
	MediaMime      string
	ExternalID     string
	Status         Status
	Timestamp      int64
	CreatedAt      int64
	UpdatedAt      int64
}

// Change describes what an upsert did.
type Change int

const (
	Unchanged Change = iota
	Created
	Updated
)

func (c Change) String() string {
	switch c {
	case Created:
		return "created"
	case Updated:
		return "updated"
	default:
		return "unchanged"
	}
}

// UnreadRule tells RecomputeUnread how to move the counter.
type UnreadRule int

const (
	UnreadKeep UnreadRule = iota
	UnreadIncrement
	UnreadReset
)

// Fold is the result of folding an alias conversation into its canonical one.
type Fold struct {
	Conversation *Conversation
	// RemovedID is the alias conversation deleted by a merge; empty when the
	// alias conversation was renamed in place.
	RemovedID string
}

// OutboxEntry represents a pending outgoing message.
type OutboxEntry struct {
	ID           int64
	ClientMsgID  string
	InstanceID   string
	RemoteJID    string
	Body         string
	Status       string // queued, sending, sent, failed
	ErrorMessage string
	ServerMsgID  string
	CreatedAt    int64
}

// ListOptions pages conversation listings.
type ListOptions struct {
	Limit    int
	Offset   int
	Archived *bool
}
