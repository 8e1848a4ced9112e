// ABOUTME: Service is the messaging core's entry point for every client action
// ABOUTME: Routes the recipient, resolves the conversation, appends, then fans out

package conversation

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/2389/coven-relay/internal/realtime"
	"github.com/2389/coven-relay/internal/routing"
	"github.com/2389/coven-relay/internal/store"
)

// Service ties the registry, message log, read tracker and list assembler
// together over one store and one fan-out.
type Service struct {
	registry *Registry
	messages *MessageLog
	reads    *ReadTracker
	lists    *ListAssembler
	fanout   *realtime.Fanout
	logger   *slog.Logger
}

// New creates a Service. A nil fanout gets an in-process one; pass nil
// logger for default.
func New(s store.Store, fanout *realtime.Fanout, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	if fanout == nil {
		fanout = realtime.NewFanout(realtime.NewLocalTransport(0, logger), logger)
	}
	registry := NewRegistry(s, fanout, logger)
	return &Service{
		registry: registry,
		messages: NewMessageLog(s, fanout, logger),
		reads:    NewReadTracker(s, registry, fanout, logger),
		lists:    NewListAssembler(s, logger),
		fanout:   fanout,
		logger:   logger.With("component", "conversation"),
	}
}

// SendRequest is one outbound message from an authenticated identity.
type SendRequest struct {
	Sender    string
	Recipient string // identity, or phone number starting with "+"
	Content   string
	Type      store.MessageType
	MediaRef  string
	// ContactName labels a newly created SMS conversation
	ContactName string
}

// InboundSMS is a text received from a phone number for Owner.
type InboundSMS struct {
	Owner       string
	Phone       string
	Content     string
	Type        store.MessageType
	MediaRef    string
	ContactName string
}

// SendMessage delivers req to its recipient's conversation, creating the
// conversation on first contact.
func (s *Service) SendMessage(ctx context.Context, req *SendRequest) (*store.Message, error) {
	if err := routing.ValidateIdentity(req.Sender); err != nil {
		return nil, fmt.Errorf("invalid sender: %w", err)
	}
	// Reject bad payloads before any conversation gets created
	if _, err := normalizeType(req.Content, req.Type, req.MediaRef); err != nil {
		return nil, err
	}

	route, err := routing.Classify(req.Recipient)
	if err != nil {
		return nil, err
	}

	var (
		ref      store.ConversationRef
		receiver string
	)
	switch route.Channel {
	case store.ChannelApp:
		conv, err := s.registry.ResolveAppConversation(ctx, req.Sender, route.Identity)
		if err != nil {
			return nil, fmt.Errorf("conversation resolution failed: %w", err)
		}
		ref, receiver = store.AppRef(conv.ID), route.Identity
	case store.ChannelSMS:
		conv, err := s.registry.ResolveSmsConversation(ctx, req.Sender, route.Phone, req.ContactName)
		if err != nil {
			return nil, fmt.Errorf("conversation resolution failed: %w", err)
		}
		ref, receiver = store.SmsRef(conv.ID), route.Phone
	default:
		return nil, fmt.Errorf("%w: unroutable channel %q", ErrInvalidRecipient, route.Channel)
	}

	return s.messages.Append(ctx, ref, req.Sender, receiver, req.Content, req.Type, req.MediaRef)
}

// ReceiveSMS records a text from a phone number into the owner's SMS
// conversation with that number. The owner is the receiver, so it shows up
// as unread until the owner opens the conversation.
func (s *Service) ReceiveSMS(ctx context.Context, in *InboundSMS) (*store.Message, error) {
	if err := routing.ValidateIdentity(in.Owner); err != nil {
		return nil, fmt.Errorf("invalid owner: %w", err)
	}
	if _, err := normalizeType(in.Content, in.Type, in.MediaRef); err != nil {
		return nil, err
	}
	phone, err := routing.NormalizePhone(in.Phone)
	if err != nil {
		return nil, err
	}

	conv, err := s.registry.ResolveSmsConversation(ctx, in.Owner, phone, in.ContactName)
	if err != nil {
		return nil, fmt.Errorf("conversation resolution failed: %w", err)
	}
	return s.messages.Append(ctx, store.SmsRef(conv.ID), phone, in.Owner, in.Content, in.Type, in.MediaRef)
}

// ListConversations returns identity's unified conversation list.
func (s *Service) ListConversations(ctx context.Context, identity string) ([]UnifiedConversation, error) {
	return s.lists.ListForUser(ctx, identity)
}

// FetchMessages returns the messages of ref oldest first.
func (s *Service) FetchMessages(ctx context.Context, ref string) ([]*store.Message, error) {
	r, err := parseRef(ref)
	if err != nil {
		return nil, err
	}
	if _, err := s.registry.Members(ctx, r); err != nil {
		return nil, err
	}
	msgs, err := s.registry.store.ListMessages(ctx, r)
	if err != nil {
		return nil, fmt.Errorf("fetching messages: %w", err)
	}
	return msgs, nil
}

// OpenConversation marks ref read for reader and returns how many messages
// changed.
func (s *Service) OpenConversation(ctx context.Context, ref, reader string) (int64, error) {
	r, err := parseRef(ref)
	if err != nil {
		return 0, err
	}
	return s.reads.MarkRead(ctx, r, reader)
}

// Authorize returns ErrUnauthorized unless identity is a member of ref.
func (s *Service) Authorize(ctx context.Context, ref, identity string) error {
	r, err := parseRef(ref)
	if err != nil {
		return err
	}
	return s.registry.Authorize(ctx, r, identity)
}

// SubscribeConversation delivers new messages in ref to handler until
// Unsubscribe. It does not check membership; callers Authorize first.
func (s *Service) SubscribeConversation(ref string, handler func(*store.Message)) (*realtime.Subscription, error) {
	r, err := parseRef(ref)
	if err != nil {
		return nil, err
	}
	return s.fanout.SubscribeToConversation(r, handler)
}

// SubscribeUserList delivers list-changed signals for identity to handler.
func (s *Service) SubscribeUserList(identity string, handler func(realtime.ListSignal)) (*realtime.Subscription, error) {
	return s.fanout.SubscribeToUserConversations(identity, handler)
}

// Unsubscribe stops a subscription. No handler call happens after it returns.
func (s *Service) Unsubscribe(sub *realtime.Subscription) {
	s.fanout.Unsubscribe(sub)
}
