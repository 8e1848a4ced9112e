// ABOUTME: Appends messages to the log and moves the conversation summary with them
// ABOUTME: Publishes the message and list-change signals only after the write commits

package conversation

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/2389/coven-relay/internal/realtime"
	"github.com/2389/coven-relay/internal/store"
)

// MessageLog is the append side of conversations.
type MessageLog struct {
	store  store.Store
	notify Notifier
	logger *slog.Logger
	now    func() time.Time
}

// NewMessageLog creates a MessageLog. Pass nil logger for default.
func NewMessageLog(s store.Store, notify Notifier, logger *slog.Logger) *MessageLog {
	if logger == nil {
		logger = slog.Default()
	}
	return &MessageLog{
		store:  s,
		notify: notify,
		logger: logger.With("component", "messages"),
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// normalizeType defaults an empty type to text and rejects unknown types and
// messages that carry neither content nor media.
func normalizeType(content string, typ store.MessageType, mediaRef string) (store.MessageType, error) {
	if content == "" && mediaRef == "" {
		return "", fmt.Errorf("%w: content or media_ref is required", ErrInvalidMessage)
	}
	if typ == "" {
		return store.MessageTypeText, nil
	}
	if !typ.Valid() {
		return "", fmt.Errorf("%w: unknown type %q", ErrInvalidMessage, typ)
	}
	return typ, nil
}

// Append records a message in ref. The insert and the summary overwrite are
// one store transaction; a missing conversation yields
// ErrConversationNotFound and nothing is written.
func (l *MessageLog) Append(ctx context.Context, ref store.ConversationRef, sender, receiver, content string, typ store.MessageType, mediaRef string) (*store.Message, error) {
	typ, err := normalizeType(content, typ, mediaRef)
	if err != nil {
		return nil, err
	}

	now := l.now()
	msg := &store.Message{
		ID:             uuid.New().String(),
		ConversationID: ref.ID,
		Channel:        ref.Channel,
		Sender:         sender,
		Receiver:       receiver,
		Content:        content,
		Type:           typ,
		MediaRef:       mediaRef,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := l.store.AppendMessage(ctx, msg); err != nil {
		return nil, fmt.Errorf("appending message: %w", notFound(ref, err))
	}

	l.logger.Debug("message recorded",
		"conversation", ref.String(),
		"message_id", msg.ID,
		"sender", sender)

	l.publish(ctx, msg)
	return msg, nil
}

// publish pushes msg to conversation subscribers and signals every identity
// participant. Phone numbers have no subscribers.
func (l *MessageLog) publish(ctx context.Context, msg *store.Message) {
	if l.notify == nil {
		return
	}
	ctx = context.WithoutCancel(ctx)
	if err := l.notify.Publish(ctx, realtime.Event{Kind: realtime.EventMessage, Message: msg}); err != nil {
		l.logger.Warn("failed to publish message",
			"conversation", msg.Ref().String(),
			"message_id", msg.ID,
			"error", err)
	}
	publishListChanged(ctx, l.notify, l.logger, msg.Ref(), audience(msg)...)
}

// audience returns the identities whose conversation list msg changes.
func audience(msg *store.Message) []string {
	var ids []string
	for _, party := range []string{msg.Sender, msg.Receiver} {
		if party == "" || strings.HasPrefix(party, "+") {
			continue
		}
		ids = append(ids, party)
	}
	return ids
}
