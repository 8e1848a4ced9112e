// ABOUTME: Resolves or lazily creates the one conversation between two parties
// ABOUTME: App ids are canonical pairs; SMS conversations rely on the store's unique key

package conversation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/google/uuid"

	"github.com/2389/coven-relay/internal/realtime"
	"github.com/2389/coven-relay/internal/routing"
	"github.com/2389/coven-relay/internal/store"
)

// Notifier is the publishing half of realtime.Fanout.
type Notifier interface {
	Publish(ctx context.Context, ev realtime.Event) error
}

// Registry owns conversation identity. It holds no locks; concurrent callers
// converge through the store's conditional insert and unique constraints.
type Registry struct {
	store  store.Store
	notify Notifier
	logger *slog.Logger
	now    func() time.Time
}

// NewRegistry creates a Registry. Pass nil logger for default.
func NewRegistry(s store.Store, notify Notifier, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		store:  s,
		notify: notify,
		logger: logger.With("component", "registry"),
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// ResolveAppConversation returns the conversation between a and b, creating
// it on first contact. Argument order does not matter.
func (r *Registry) ResolveAppConversation(ctx context.Context, a, b string) (*store.AppConversation, error) {
	if a == b {
		return nil, fmt.Errorf("%w: cannot start a conversation with yourself", ErrInvalidRecipient)
	}

	id := store.AppConversationID(a, b)
	pair := [2]string{a, b}
	slices.Sort(pair[:])

	now := r.now()
	conv, err := r.store.UpsertAppConversation(ctx, &store.AppConversation{
		ID:           id,
		Participants: pair,
		CreatedAt:    now,
		UpdatedAt:    now,
	})
	if err != nil {
		return nil, fmt.Errorf("resolving app conversation %s: %w", id, err)
	}

	// A row carrying our timestamp is the one we just inserted
	if conv.CreatedAt.Equal(now) {
		r.logger.Debug("app conversation created", "conversation_id", id)
		r.announce(ctx, store.AppRef(id), pair[0], pair[1])
	}
	return conv, nil
}

// ResolveSmsConversation returns owner's conversation with phone, creating it
// on first contact. contactName is only used on creation and defaults to the
// phone number.
func (r *Registry) ResolveSmsConversation(ctx context.Context, owner, phone, contactName string) (*store.SmsConversation, error) {
	phone, err := routing.NormalizePhone(phone)
	if err != nil {
		return nil, err
	}

	conv, err := r.store.GetSmsConversationByKey(ctx, owner, phone)
	if err == nil {
		return conv, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("looking up sms conversation: %w", err)
	}

	if contactName == "" {
		contactName = phone
	}
	now := r.now()
	conv = &store.SmsConversation{
		ID:            uuid.New().String(),
		OwnerIdentity: owner,
		PhoneNumber:   phone,
		ContactName:   contactName,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := r.store.CreateSmsConversation(ctx, conv); err != nil {
		if !errors.Is(err, store.ErrDuplicateConversation) {
			return nil, fmt.Errorf("creating sms conversation: %w", err)
		}
		// Another request created it between our lookup and insert
		r.logger.Debug("sms conversation creation hit duplicate, retrying lookup", "owner", owner)
		existing, lookupErr := r.store.GetSmsConversationByKey(ctx, owner, phone)
		if lookupErr != nil {
			r.logger.Error("retry lookup failed after duplicate error", "lookup_error", lookupErr)
			return nil, fmt.Errorf("looking up sms conversation after conflict: %w", lookupErr)
		}
		return existing, nil
	}

	r.logger.Debug("sms conversation created", "conversation_id", conv.ID, "owner", owner)
	r.announce(ctx, store.SmsRef(conv.ID), owner)
	return conv, nil
}

// Members returns the identities allowed to read ref: both participants of
// an app conversation, or the owner of an SMS conversation.
func (r *Registry) Members(ctx context.Context, ref store.ConversationRef) ([]string, error) {
	switch ref.Channel {
	case store.ChannelApp:
		conv, err := r.store.GetAppConversation(ctx, ref.ID)
		if err != nil {
			return nil, notFound(ref, err)
		}
		return conv.Participants[:], nil
	case store.ChannelSMS:
		conv, err := r.store.GetSmsConversation(ctx, ref.ID)
		if err != nil {
			return nil, notFound(ref, err)
		}
		return []string{conv.OwnerIdentity}, nil
	default:
		return nil, fmt.Errorf("%w: unknown channel %q", ErrConversationNotFound, ref.Channel)
	}
}

// Authorize returns ErrUnauthorized unless identity is a member of ref.
func (r *Registry) Authorize(ctx context.Context, ref store.ConversationRef, identity string) error {
	members, err := r.Members(ctx, ref)
	if err != nil {
		return err
	}
	if !slices.Contains(members, identity) {
		return fmt.Errorf("%w: %s", ErrUnauthorized, ref)
	}
	return nil
}

func (r *Registry) announce(ctx context.Context, ref store.ConversationRef, identities ...string) {
	publishListChanged(ctx, r.notify, r.logger, ref, identities...)
}

// publishListChanged signals each identity to refetch its list. Failures
// are logged; delivery is best effort.
func publishListChanged(ctx context.Context, notify Notifier, logger *slog.Logger, ref store.ConversationRef, identities ...string) {
	if notify == nil {
		return
	}
	ctx = context.WithoutCancel(ctx)
	for _, identity := range identities {
		err := notify.Publish(ctx, realtime.Event{
			Kind:         realtime.EventListChanged,
			Identity:     identity,
			Conversation: ref,
		})
		if err != nil {
			logger.Warn("failed to publish list change",
				"identity", identity,
				"conversation", ref.String(),
				"error", err)
		}
	}
}
