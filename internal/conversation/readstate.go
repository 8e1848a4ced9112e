// ABOUTME: Marks a conversation's messages read for one recipient
// ABOUTME: A single bulk update; repeating it is harmless and read never reverts

package conversation

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/2389/coven-relay/internal/store"
)

// ReadTracker flips is_read for the messages a reader has received.
type ReadTracker struct {
	store    store.Store
	registry *Registry
	notify   Notifier
	logger   *slog.Logger
	now      func() time.Time
}

// NewReadTracker creates a ReadTracker. Pass nil logger for default.
func NewReadTracker(s store.Store, registry *Registry, notify Notifier, logger *slog.Logger) *ReadTracker {
	if logger == nil {
		logger = slog.Default()
	}
	return &ReadTracker{
		store:    s,
		registry: registry,
		notify:   notify,
		logger:   logger.With("component", "readstate"),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// MarkRead marks every unread message in ref addressed to reader as read and
// returns how many changed. Messages reader sent are untouched.
func (t *ReadTracker) MarkRead(ctx context.Context, ref store.ConversationRef, reader string) (int64, error) {
	if err := t.registry.Authorize(ctx, ref, reader); err != nil {
		return 0, err
	}

	n, err := t.store.MarkRead(ctx, ref, reader, t.now())
	if err != nil {
		return 0, fmt.Errorf("marking read: %w", err)
	}

	if n > 0 {
		t.logger.Debug("messages marked read",
			"conversation", ref.String(),
			"reader", reader,
			"count", n)
		publishListChanged(ctx, t.notify, t.logger, ref, reader)
	}
	return n, nil
}
