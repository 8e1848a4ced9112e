// ABOUTME: Typed real-time fan-out for conversations and per-user conversation lists
// ABOUTME: Conversation topics carry full messages; user topics carry refetch signals only

package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/2389/coven-relay/internal/store"
)

// EventKind distinguishes message pushes from list invalidation signals.
type EventKind string

const (
	// EventMessage carries a newly appended message to conversation subscribers.
	EventMessage EventKind = "message"
	// EventListChanged tells a user's subscribers to refetch their conversation list.
	EventListChanged EventKind = "conversations_changed"
)

// Event is what the messaging core publishes after a committed write.
type Event struct {
	Kind EventKind
	// Message is set for EventMessage.
	Message *store.Message
	// Identity is the user whose list changed, for EventListChanged.
	Identity string
	// Conversation optionally names the conversation that changed.
	Conversation store.ConversationRef
}

// ListSignal is delivered to user-level subscribers. It carries no state;
// receivers refetch the list.
type ListSignal struct {
	Identity     string
	Conversation string // external ref form, may be empty
	At           time.Time
}

// Subscription is returned by the Subscribe methods and passed to Unsubscribe.
type Subscription struct {
	handle Handle
}

// Topic returns the transport topic this subscription listens on.
func (s *Subscription) Topic() string {
	return s.handle.Topic
}

// Fanout maps subjects (conversations, users) onto transport topics.
type Fanout struct {
	transport Transport
	logger    *slog.Logger
}

// NewFanout creates a fan-out over transport. Pass nil logger for default.
func NewFanout(transport Transport, logger *slog.Logger) *Fanout {
	if logger == nil {
		logger = slog.Default()
	}
	return &Fanout{
		transport: transport,
		logger:    logger.With("component", "fanout"),
	}
}

func conversationTopic(ref store.ConversationRef) string {
	return "conversation:" + ref.String()
}

func userTopic(identity string) string {
	return "user:" + identity
}

// wireMessage is the JSON form of a store.Message on the transport.
type wireMessage struct {
	ID             string    `json:"id"`
	ConversationID string    `json:"conversation_id"`
	Channel        string    `json:"channel"`
	Sender         string    `json:"sender"`
	Receiver       string    `json:"receiver"`
	Content        string    `json:"content"`
	Type           string    `json:"type"`
	MediaRef       string    `json:"media_ref,omitempty"`
	IsRead         bool      `json:"is_read"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

type wireEvent struct {
	Kind         EventKind    `json:"kind"`
	Message      *wireMessage `json:"message,omitempty"`
	Identity     string       `json:"identity,omitempty"`
	Conversation string       `json:"conversation,omitempty"`
	At           time.Time    `json:"at"`
}

func toWire(m *store.Message) *wireMessage {
	return &wireMessage{
		ID:             m.ID,
		ConversationID: m.ConversationID,
		Channel:        string(m.Channel),
		Sender:         m.Sender,
		Receiver:       m.Receiver,
		Content:        m.Content,
		Type:           string(m.Type),
		MediaRef:       m.MediaRef,
		IsRead:         m.IsRead,
		CreatedAt:      m.CreatedAt,
		UpdatedAt:      m.UpdatedAt,
	}
}

func (w *wireMessage) toStore() *store.Message {
	return &store.Message{
		ID:             w.ID,
		ConversationID: w.ConversationID,
		Channel:        store.Channel(w.Channel),
		Sender:         w.Sender,
		Receiver:       w.Receiver,
		Content:        w.Content,
		Type:           store.MessageType(w.Type),
		MediaRef:       w.MediaRef,
		IsRead:         w.IsRead,
		CreatedAt:      w.CreatedAt,
		UpdatedAt:      w.UpdatedAt,
	}
}

// Publish encodes ev and hands it to the transport topic for its subject.
func (f *Fanout) Publish(ctx context.Context, ev Event) error {
	var topic string
	wire := wireEvent{Kind: ev.Kind, At: time.Now().UTC()}

	switch ev.Kind {
	case EventMessage:
		if ev.Message == nil {
			return errors.New("message event without message")
		}
		topic = conversationTopic(ev.Message.Ref())
		wire.Message = toWire(ev.Message)
		wire.Conversation = ev.Message.Ref().String()
	case EventListChanged:
		if ev.Identity == "" {
			return errors.New("list event without identity")
		}
		topic = userTopic(ev.Identity)
		wire.Identity = ev.Identity
		if ev.Conversation.ID != "" {
			wire.Conversation = ev.Conversation.String()
		}
	default:
		return fmt.Errorf("unknown event kind %q", ev.Kind)
	}

	payload, err := json.Marshal(wire)
	if err != nil {
		return fmt.Errorf("encoding %s event: %w", ev.Kind, err)
	}
	if err := f.transport.Publish(ctx, topic, payload); err != nil {
		return fmt.Errorf("publishing %s event: %w", ev.Kind, err)
	}
	return nil
}

func (f *Fanout) decode(topic string, payload []byte) (*wireEvent, bool) {
	var ev wireEvent
	if err := json.Unmarshal(payload, &ev); err != nil {
		f.logger.Warn("discarding undecodable event", "topic", topic, "error", err)
		return nil, false
	}
	return &ev, true
}

// SubscribeToConversation delivers every new message in ref to handler.
func (f *Fanout) SubscribeToConversation(ref store.ConversationRef, handler func(*store.Message)) (*Subscription, error) {
	topic := conversationTopic(ref)
	h, err := f.transport.Subscribe(topic, func(payload []byte) {
		ev, ok := f.decode(topic, payload)
		if !ok || ev.Kind != EventMessage || ev.Message == nil {
			return
		}
		handler(ev.Message.toStore())
	})
	if err != nil {
		return nil, fmt.Errorf("subscribing to %s: %w", topic, err)
	}
	return &Subscription{handle: h}, nil
}

// SubscribeToUserConversations delivers list-changed signals for identity.
func (f *Fanout) SubscribeToUserConversations(identity string, handler func(ListSignal)) (*Subscription, error) {
	topic := userTopic(identity)
	h, err := f.transport.Subscribe(topic, func(payload []byte) {
		ev, ok := f.decode(topic, payload)
		if !ok || ev.Kind != EventListChanged {
			return
		}
		handler(ListSignal{Identity: ev.Identity, Conversation: ev.Conversation, At: ev.At})
	})
	if err != nil {
		return nil, fmt.Errorf("subscribing to %s: %w", topic, err)
	}
	return &Subscription{handle: h}, nil
}

// Unsubscribe stops delivery to sub. When it returns the handler will not be
// invoked again. Safe to call more than once.
func (f *Fanout) Unsubscribe(sub *Subscription) {
	if sub == nil {
		return
	}
	f.transport.Unsubscribe(sub.handle)
}

// Close shuts down the underlying transport.
func (f *Fanout) Close() error {
	return f.transport.Close()
}
