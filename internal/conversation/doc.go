// Package conversation is the messaging core: conversation identity, the
// message log, read state and the per-user conversation list.
//
// # Overview
//
// Every client action enters through Service:
//
//	svc := conversation.New(store, fanout, logger)
//	msg, err := svc.SendMessage(ctx, &conversation.SendRequest{
//	    Sender:    "alice",
//	    Recipient: "bob",          // or "+15551234567" for SMS
//	    Content:   "hi",
//	})
//
// The flow for a send is: routing.Classify picks the channel, the Registry
// resolves or creates the conversation, the MessageLog appends the message
// and overwrites the conversation summary in one store transaction, and only
// then are events published.
//
// # Conversation identity
//
// An app conversation's id is its two participants sorted and joined with
// ":", so both sides derive the same id without coordination. An SMS
// conversation has a generated id and is unique per (owner, phone); when two
// first messages race, the loser's insert hits the unique key and it
// re-fetches the winner's row.
//
// # References
//
// Conversations are addressed externally by a single string: the app id
// itself, or "sms_" followed by the SMS id.
//
// # Events
//
// Conversation subscribers receive each new message. User subscribers
// receive a bare "conversations changed" signal and refetch their list.
// Publishing is best effort; failures are logged and never fail a write.
package conversation
