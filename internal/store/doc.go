// Package store provides persistent storage for coven-relay.
//
// # Architecture
//
// Store is the backend contract the messaging core depends on. It is small on
// purpose: every cross-request guarantee of the core is one of its methods.
//
//   - UpsertAppConversation: conditional insert keyed by the canonical pair id
//   - CreateSmsConversation: insert guarded by UNIQUE(owner_identity, phone_number),
//     reporting ErrDuplicateConversation on conflict
//   - AppendMessage: message insert plus summary overwrite in one transaction
//   - MarkRead: one bulk UPDATE ... WHERE is_read = 0
//
// SQLiteStore implements Store on modernc.org/sqlite. MockStore is an in-memory
// implementation with the same semantics, used by tests in other packages.
//
// # Data Models
//
//   - AppConversation: the single conversation between two identities; its id
//     is the sorted pair joined with AppIDDelimiter
//   - SmsConversation: an identity's thread with one phone number; opaque id
//   - Message: append-only log entry; only IsRead/UpdatedAt ever change
//   - ConversationRef: (channel, id) pair; String/ParseConversationRef give the
//     external form used in URLs and topics ("sms_" prefix for SMS)
//
// # Errors
//
//   - ErrNotFound: entity missing
//   - ErrDuplicateConversation: SMS (owner, phone) already exists
//   - ErrUnavailable: wraps any database failure; match with errors.Is
//
// # Timestamps
//
// Times are stored as fixed-width UTC text with nanoseconds so that ORDER BY on
// the text column is chronological.
package store
