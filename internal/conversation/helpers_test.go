// ABOUTME: Shared fixtures for conversation tests
// ABOUTME: Test stores, a stepping clock, and notifiers that record or fail

package conversation

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/2389/coven-relay/internal/realtime"
	"github.com/2389/coven-relay/internal/store"
)

func createTestStore(t *testing.T) *store.SQLiteStore {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "test.db")
	s, err := store.NewSQLiteStore(dbPath)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

// stepClock returns a clock that advances one second per call.
func stepClock() func() time.Time {
	var mu sync.Mutex
	t := time.Date(2026, 1, 1, 9, 0, 0, 0, time.UTC)
	return func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		t = t.Add(time.Second)
		return t
	}
}

// newTestService builds a Service over s with a deterministic clock.
func newTestService(t *testing.T, s store.Store) (*Service, *realtime.Fanout) {
	t.Helper()
	fanout := realtime.NewFanout(realtime.NewLocalTransport(0, nil), nil)
	t.Cleanup(func() { _ = fanout.Close() })

	svc := New(s, fanout, nil)
	clock := stepClock()
	svc.registry.now = clock
	svc.messages.now = clock
	svc.reads.now = clock
	return svc, fanout
}

// recordingNotifier captures published events.
type recordingNotifier struct {
	mu     sync.Mutex
	events []realtime.Event
}

func (n *recordingNotifier) Publish(ctx context.Context, ev realtime.Event) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, ev)
	return nil
}

func (n *recordingNotifier) listChanged() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	var ids []string
	for _, ev := range n.events {
		if ev.Kind == realtime.EventListChanged {
			ids = append(ids, ev.Identity)
		}
	}
	return ids
}

func (n *recordingNotifier) messages() []*store.Message {
	n.mu.Lock()
	defer n.mu.Unlock()
	var msgs []*store.Message
	for _, ev := range n.events {
		if ev.Kind == realtime.EventMessage {
			msgs = append(msgs, ev.Message)
		}
	}
	return msgs
}

func (n *recordingNotifier) reset() {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = nil
}

// failingNotifier rejects every publish.
type failingNotifier struct{}

func (failingNotifier) Publish(ctx context.Context, ev realtime.Event) error {
	return errors.New("transport down")
}
