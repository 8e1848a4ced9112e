// ABOUTME: Sentinel errors returned by the messaging core
// ABOUTME: Callers match them with errors.Is; storage and routing sentinels are re-exported

package conversation

import (
	"errors"
	"fmt"

	"github.com/2389/coven-relay/internal/routing"
	"github.com/2389/coven-relay/internal/store"
)

var (
	// ErrInvalidRecipient is returned when a recipient descriptor (or sender
	// identity) is malformed, or names the sender itself.
	ErrInvalidRecipient = routing.ErrInvalidRecipient

	// ErrConversationNotFound is returned for a reference that names no
	// existing conversation, including malformed references.
	ErrConversationNotFound = errors.New("conversation not found")

	// ErrStorageUnavailable wraps any failure of the backing store.
	ErrStorageUnavailable = store.ErrUnavailable

	// ErrUnauthorized is returned when an identity acts on a conversation it
	// does not take part in.
	ErrUnauthorized = errors.New("not a participant of this conversation")

	// ErrInvalidMessage is returned for messages with no payload or an
	// unknown type.
	ErrInvalidMessage = errors.New("invalid message")
)

// parseRef turns the external reference form into a ConversationRef.
func parseRef(ref string) (store.ConversationRef, error) {
	r, err := store.ParseConversationRef(ref)
	if err != nil {
		return store.ConversationRef{}, fmt.Errorf("%w: %w", ErrConversationNotFound, err)
	}
	return r, nil
}

// notFound maps store.ErrNotFound onto ErrConversationNotFound and leaves
// every other error alone.
func notFound(ref store.ConversationRef, err error) error {
	if errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("%w: %s", ErrConversationNotFound, ref)
	}
	return err
}
