// ABOUTME: Mock Store implementation for testing
// ABOUTME: Allows tests to run without SQLite while keeping the same atomicity guarantees

package store

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MockStore is an in-memory Store implementation for testing.
// Each method holds the lock for its whole body, which gives it the same
// per-operation atomicity the SQLite store gets from its statements.
type MockStore struct {
	mu       sync.RWMutex
	apps     map[string]*AppConversation // keyed by canonical id
	sms      map[string]*SmsConversation // keyed by id
	smsIndex map[string]string           // keyed by "owner\x00phone" -> id
	messages map[ConversationRef][]*Message

	err error // simulated outage, see SetErr
}

var _ Store = (*MockStore)(nil)

// NewMockStore creates a new MockStore.
func NewMockStore() *MockStore {
	return &MockStore{
		apps:     make(map[string]*AppConversation),
		sms:      make(map[string]*SmsConversation),
		smsIndex: make(map[string]string),
		messages: make(map[ConversationRef][]*Message),
	}
}

func smsKey(owner, phone string) string {
	return owner + "\x00" + phone
}

// SetErr makes every following operation fail with err wrapped in
// ErrUnavailable. Pass nil to recover.
func (m *MockStore) SetErr(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.err = err
}

// fail must be called with m.mu held.
func (m *MockStore) fail(op string) error {
	if m.err != nil {
		return unavailable(op, m.err)
	}
	return nil
}

// UpsertAppConversation stores conv if its id is new and returns the stored row.
func (m *MockStore) UpsertAppConversation(ctx context.Context, conv *AppConversation) (*AppConversation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.fail("upserting app conversation"); err != nil {
		return nil, err
	}

	existing, ok := m.apps[conv.ID]
	if !ok {
		// Make a copy to avoid external modification
		c := *conv
		m.apps[c.ID] = &c
		existing = &c
	}

	result := *existing
	return &result, nil
}

// GetAppConversation retrieves an app conversation by ID.
func (m *MockStore) GetAppConversation(ctx context.Context, id string) (*AppConversation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if err := m.fail("querying app conversation"); err != nil {
		return nil, err
	}

	c, ok := m.apps[id]
	if !ok {
		return nil, ErrNotFound
	}
	result := *c
	return &result, nil
}

// ListAppConversations returns the app conversations identity takes part in.
func (m *MockStore) ListAppConversations(ctx context.Context, identity string) ([]*AppConversation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if err := m.fail("querying app conversations"); err != nil {
		return nil, err
	}

	var result []*AppConversation
	for _, c := range m.apps {
		if c.HasParticipant(identity) {
			cp := *c
			result = append(result, &cp)
		}
	}
	sort.Slice(result, func(i, j int) bool {
		if !result[i].LastMessageTime.Equal(result[j].LastMessageTime) {
			return result[i].LastMessageTime.After(result[j].LastMessageTime)
		}
		return result[i].ID < result[j].ID
	})
	return result, nil
}

// CreateSmsConversation stores a new SMS conversation, enforcing the
// (owner, phone) uniqueness constraint.
func (m *MockStore) CreateSmsConversation(ctx context.Context, conv *SmsConversation) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.fail("inserting sms conversation"); err != nil {
		return err
	}

	key := smsKey(conv.OwnerIdentity, conv.PhoneNumber)
	if _, exists := m.smsIndex[key]; exists {
		return ErrDuplicateConversation
	}
	if _, exists := m.sms[conv.ID]; exists {
		return ErrDuplicateConversation
	}

	c := *conv
	m.sms[c.ID] = &c
	m.smsIndex[key] = c.ID
	return nil
}

// GetSmsConversation retrieves an SMS conversation by ID.
func (m *MockStore) GetSmsConversation(ctx context.Context, id string) (*SmsConversation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if err := m.fail("querying sms conversation"); err != nil {
		return nil, err
	}

	c, ok := m.sms[id]
	if !ok {
		return nil, ErrNotFound
	}
	result := *c
	return &result, nil
}

// GetSmsConversationByKey retrieves an SMS conversation by owner and phone.
func (m *MockStore) GetSmsConversationByKey(ctx context.Context, owner, phone string) (*SmsConversation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if err := m.fail("querying sms conversation by key"); err != nil {
		return nil, err
	}

	id, ok := m.smsIndex[smsKey(owner, phone)]
	if !ok {
		return nil, ErrNotFound
	}
	result := *m.sms[id]
	return &result, nil
}

// ListSmsConversations returns the SMS conversations owned by owner.
func (m *MockStore) ListSmsConversations(ctx context.Context, owner string) ([]*SmsConversation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if err := m.fail("querying sms conversations"); err != nil {
		return nil, err
	}

	var result []*SmsConversation
	for _, c := range m.sms {
		if c.OwnerIdentity == owner {
			cp := *c
			result = append(result, &cp)
		}
	}
	sort.Slice(result, func(i, j int) bool {
		if !result[i].LastMessageTime.Equal(result[j].LastMessageTime) {
			return result[i].LastMessageTime.After(result[j].LastMessageTime)
		}
		return result[i].ID < result[j].ID
	})
	return result, nil
}

// AppendMessage stores msg and moves the conversation summary forward under
// one lock, mirroring the SQLite transaction.
func (m *MockStore) AppendMessage(ctx context.Context, msg *Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.fail("inserting message"); err != nil {
		return err
	}

	newer := func(last time.Time) bool {
		return last.IsZero() || !msg.CreatedAt.Before(last)
	}

	switch msg.Channel {
	case ChannelApp:
		c, ok := m.apps[msg.ConversationID]
		if !ok {
			return ErrNotFound
		}
		if newer(c.LastMessageTime) {
			c.LastMessage = msg.Content
			c.LastMessageTime = msg.CreatedAt
			c.LastMessageSender = msg.Sender
			c.UpdatedAt = msg.CreatedAt
		}
	case ChannelSMS:
		c, ok := m.sms[msg.ConversationID]
		if !ok {
			return ErrNotFound
		}
		if newer(c.LastMessageTime) {
			c.LastMessage = msg.Content
			c.LastMessageTime = msg.CreatedAt
			c.LastMessageSender = msg.Sender
			c.UpdatedAt = msg.CreatedAt
		}
	default:
		return ErrNotFound
	}

	cp := *msg
	ref := msg.Ref()
	m.messages[ref] = append(m.messages[ref], &cp)
	return nil
}

// ListMessages returns the messages of ref in chronological order.
func (m *MockStore) ListMessages(ctx context.Context, ref ConversationRef) ([]*Message, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if err := m.fail("querying messages"); err != nil {
		return nil, err
	}

	msgs := m.messages[ref]
	result := make([]*Message, 0, len(msgs))
	for _, msg := range msgs {
		cp := *msg
		result = append(result, &cp)
	}
	// Stable keeps insertion order for equal timestamps, like rowid in SQLite
	sort.SliceStable(result, func(i, j int) bool {
		return result[i].CreatedAt.Before(result[j].CreatedAt)
	})
	return result, nil
}

// MarkRead flips is_read on unread messages in ref addressed to reader.
func (m *MockStore) MarkRead(ctx context.Context, ref ConversationRef, reader string, at time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.fail("marking messages read"); err != nil {
		return 0, err
	}

	var n int64
	for _, msg := range m.messages[ref] {
		if msg.Receiver == reader && !msg.IsRead {
			msg.IsRead = true
			msg.UpdatedAt = at
			n++
		}
	}
	return n, nil
}

// Ping reports the simulated outage, if any.
func (m *MockStore) Ping(ctx context.Context) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.fail("pinging store")
}

// Close is a no-op for MockStore.
func (m *MockStore) Close() error {
	return nil
}
