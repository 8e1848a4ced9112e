// ABOUTME: Store interface and data types for coven-relay persistence
// ABOUTME: Defines app/SMS conversations, messages and the Store interface for database operations

package store

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"
)

// ErrNotFound is returned when a requested entity does not exist
var ErrNotFound = errors.New("not found")

// ErrDuplicateConversation is returned when creating an SMS conversation whose
// (owner, phone) key already exists
var ErrDuplicateConversation = errors.New("conversation already exists")

// ErrUnavailable wraps any failure of the backing database itself
var ErrUnavailable = errors.New("storage unavailable")

// Channel identifies which conversation family a message belongs to.
type Channel string

const (
	ChannelApp Channel = "app"
	ChannelSMS Channel = "sms"
)

// AppIDDelimiter joins the sorted participants of an app conversation id.
// Identities may not contain it.
const AppIDDelimiter = ":"

// smsRefPrefix marks the string form of an SMS conversation reference.
const smsRefPrefix = "sms_"

// MessageType enumerates message payload kinds.
type MessageType string

const (
	MessageTypeText     MessageType = "text"
	MessageTypeImage    MessageType = "image"
	MessageTypeVideo    MessageType = "video"
	MessageTypeAudio    MessageType = "audio"
	MessageTypeDocument MessageType = "document"
	MessageTypeLocation MessageType = "location"
)

// Valid reports whether t is one of the known message types.
func (t MessageType) Valid() bool {
	switch t {
	case MessageTypeText, MessageTypeImage, MessageTypeVideo,
		MessageTypeAudio, MessageTypeDocument, MessageTypeLocation:
		return true
	}
	return false
}

// AppConversationID returns the canonical id for the pair: both identities
// sorted and joined with AppIDDelimiter, so the id is the same whichever side
// asks.
func AppConversationID(a, b string) string {
	pair := []string{a, b}
	sort.Strings(pair)
	return pair[0] + AppIDDelimiter + pair[1]
}

// ConversationRef names a conversation of either channel.
type ConversationRef struct {
	Channel Channel
	ID      string
}

// AppRef returns the reference for an app conversation id.
func AppRef(id string) ConversationRef {
	return ConversationRef{Channel: ChannelApp, ID: id}
}

// SmsRef returns the reference for an SMS conversation id.
func SmsRef(id string) ConversationRef {
	return ConversationRef{Channel: ChannelSMS, ID: id}
}

// String returns the external form: the app id as-is, or "sms_"+id.
func (r ConversationRef) String() string {
	if r.Channel == ChannelSMS {
		return smsRefPrefix + r.ID
	}
	return r.ID
}

// ParseConversationRef parses the external form produced by String.
// App ids always carry the delimiter; SMS ids never do.
func ParseConversationRef(s string) (ConversationRef, error) {
	if strings.Contains(s, AppIDDelimiter) {
		parts := strings.Split(s, AppIDDelimiter)
		if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
			return ConversationRef{}, fmt.Errorf("malformed conversation ref %q", s)
		}
		return AppRef(s), nil
	}
	if id, ok := strings.CutPrefix(s, smsRefPrefix); ok && id != "" {
		return SmsRef(id), nil
	}
	return ConversationRef{}, fmt.Errorf("malformed conversation ref %q", s)
}

// AppConversation is the single conversation between two app identities.
type AppConversation struct {
	ID                string
	Participants      [2]string // sorted
	LastMessage       string
	LastMessageTime   time.Time // zero until the first message
	LastMessageSender string
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// HasParticipant reports whether identity is one of the two participants.
func (c *AppConversation) HasParticipant(identity string) bool {
	return c.Participants[0] == identity || c.Participants[1] == identity
}

// SmsConversation is an identity's conversation with one external phone number.
type SmsConversation struct {
	ID                string
	OwnerIdentity     string
	PhoneNumber       string
	ContactName       string
	LastMessage       string
	LastMessageTime   time.Time
	LastMessageSender string
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// Message is one entry of the append-only message log.
type Message struct {
	ID             string
	ConversationID string
	Channel        Channel
	Sender         string
	Receiver       string
	Content        string
	Type           MessageType
	MediaRef       string
	IsRead         bool
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// Ref returns the conversation this message belongs to.
func (m *Message) Ref() ConversationRef {
	return ConversationRef{Channel: m.Channel, ID: m.ConversationID}
}

// Store defines the backend operations the messaging core relies on.
// Cross-request correctness comes from the atomicity of these operations,
// not from locking in the caller.
type Store interface {
	// App conversations. UpsertAppConversation inserts the row if its id is
	// absent and returns whatever row is stored afterwards.
	UpsertAppConversation(ctx context.Context, conv *AppConversation) (*AppConversation, error)
	GetAppConversation(ctx context.Context, id string) (*AppConversation, error)
	ListAppConversations(ctx context.Context, identity string) ([]*AppConversation, error)

	// SMS conversations. CreateSmsConversation returns ErrDuplicateConversation
	// when (owner, phone) already exists.
	CreateSmsConversation(ctx context.Context, conv *SmsConversation) error
	GetSmsConversation(ctx context.Context, id string) (*SmsConversation, error)
	GetSmsConversationByKey(ctx context.Context, owner, phone string) (*SmsConversation, error)
	ListSmsConversations(ctx context.Context, owner string) ([]*SmsConversation, error)

	// Messages. AppendMessage inserts msg and overwrites the owning
	// conversation's summary in one transaction; ErrNotFound if the
	// conversation does not exist.
	AppendMessage(ctx context.Context, msg *Message) error
	ListMessages(ctx context.Context, ref ConversationRef) ([]*Message, error)

	// MarkRead flips is_read for every unread message in ref addressed to
	// reader and returns how many rows changed.
	MarkRead(ctx context.Context, ref ConversationRef, reader string, at time.Time) (int64, error)

	// Ping checks that the backend is reachable
	Ping(ctx context.Context) error

	// Close releases any resources held by the store
	Close() error
}
