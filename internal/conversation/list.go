// ABOUTME: Builds one user's merged, recency-sorted view of app and SMS conversations
// ABOUTME: Rows that cannot be shown from the user's side are logged and skipped

package conversation

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/2389/coven-relay/internal/store"
)

// UnifiedConversation is one row of a user's conversation list.
type UnifiedConversation struct {
	ID                string        `json:"id"`
	Channel           store.Channel `json:"channel"`
	OtherIdentity     string        `json:"other_identity"`
	ContactName       string        `json:"contact_name,omitempty"`
	LastMessage       string        `json:"last_message"`
	LastMessageTime   time.Time     `json:"last_message_time,omitzero"`
	LastMessageSender string        `json:"last_message_sender,omitempty"`
}

// ListAssembler reads both conversation families for a user.
type ListAssembler struct {
	store  store.Store
	logger *slog.Logger
}

// NewListAssembler creates a ListAssembler. Pass nil logger for default.
func NewListAssembler(s store.Store, logger *slog.Logger) *ListAssembler {
	if logger == nil {
		logger = slog.Default()
	}
	return &ListAssembler{
		store:  s,
		logger: logger.With("component", "list"),
	}
}

// ListForUser returns identity's conversations, most recent first, ties by
// id. It is a point-in-time snapshot.
func (a *ListAssembler) ListForUser(ctx context.Context, identity string) ([]UnifiedConversation, error) {
	apps, err := a.store.ListAppConversations(ctx, identity)
	if err != nil {
		return nil, fmt.Errorf("listing app conversations: %w", err)
	}
	smss, err := a.store.ListSmsConversations(ctx, identity)
	if err != nil {
		return nil, fmt.Errorf("listing sms conversations: %w", err)
	}

	result := make([]UnifiedConversation, 0, len(apps)+len(smss))
	for _, c := range apps {
		other, ok := otherParticipant(c, identity)
		if !ok {
			a.logger.Error("skipping corrupt app conversation",
				"conversation_id", c.ID,
				"identity", identity,
				"participants", c.Participants)
			continue
		}
		result = append(result, UnifiedConversation{
			ID:                c.ID,
			Channel:           store.ChannelApp,
			OtherIdentity:     other,
			LastMessage:       c.LastMessage,
			LastMessageTime:   c.LastMessageTime,
			LastMessageSender: c.LastMessageSender,
		})
	}
	for _, c := range smss {
		result = append(result, UnifiedConversation{
			ID:                store.SmsRef(c.ID).String(),
			Channel:           store.ChannelSMS,
			OtherIdentity:     c.PhoneNumber,
			ContactName:       c.ContactName,
			LastMessage:       c.LastMessage,
			LastMessageTime:   c.LastMessageTime,
			LastMessageSender: c.LastMessageSender,
		})
	}

	sort.Slice(result, func(i, j int) bool {
		if !result[i].LastMessageTime.Equal(result[j].LastMessageTime) {
			return result[i].LastMessageTime.After(result[j].LastMessageTime)
		}
		return result[i].ID < result[j].ID
	})
	return result, nil
}

// otherParticipant returns the participant of c that is not identity. It
// fails when identity is absent or both participants are identity.
func otherParticipant(c *store.AppConversation, identity string) (string, bool) {
	p := c.Participants
	switch {
	case p[0] == identity && p[1] != identity:
		return p[1], true
	case p[1] == identity && p[0] != identity:
		return p[0], true
	}
	return "", false
}
