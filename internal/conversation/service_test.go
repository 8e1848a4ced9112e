// ABOUTME: End-to-end tests for Service over a real SQLite store
// ABOUTME: Walks the send, reply, SMS, open and list flows plus subscriptions

package conversation

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/coven-relay/internal/realtime"
	"github.com/2389/coven-relay/internal/store"
)

func send(t *testing.T, svc *Service, sender, recipient, content string) *store.Message {
	t.Helper()
	msg, err := svc.SendMessage(context.Background(), &SendRequest{
		Sender:    sender,
		Recipient: recipient,
		Content:   content,
	})
	require.NoError(t, err)
	return msg
}

func TestService_Scenarios(t *testing.T) {
	s := createTestStore(t)
	svc, _ := newTestService(t, s)
	ctx := context.Background()

	// A sends "hi" to B
	hi := send(t, svc, "alice", "bob", "hi")
	assert.Equal(t, "alice:bob", hi.ConversationID)
	assert.Equal(t, store.ChannelApp, hi.Channel)

	conv, err := s.GetAppConversation(ctx, "alice:bob")
	require.NoError(t, err)
	assert.Equal(t, "hi", conv.LastMessage)
	assert.Equal(t, "alice", conv.LastMessageSender)

	// B replies to A
	hey := send(t, svc, "bob", "alice", "hey")
	assert.Equal(t, hi.ConversationID, hey.ConversationID)

	conv, err = s.GetAppConversation(ctx, "alice:bob")
	require.NoError(t, err)
	assert.Equal(t, "hey", conv.LastMessage)
	assert.Equal(t, "bob", conv.LastMessageSender)

	// A texts a phone twice
	sms1 := send(t, svc, "alice", "+15551234567", "one")
	sms2 := send(t, svc, "alice", "+1 555 123 4567", "two")
	assert.Equal(t, store.ChannelSMS, sms1.Channel)
	assert.Equal(t, sms1.ConversationID, sms2.ConversationID)
	assert.Equal(t, "+15551234567", sms1.Receiver)

	smsConvs, err := s.ListSmsConversations(ctx, "alice")
	require.NoError(t, err)
	require.Len(t, smsConvs, 1)
	assert.Equal(t, "+15551234567", smsConvs[0].PhoneNumber)

	// A's list: SMS is the most recent
	list, err := svc.ListConversations(ctx, "alice")
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "sms_"+sms1.ConversationID, list[0].ID)
	assert.Equal(t, "+15551234567", list[0].OtherIdentity)
	assert.Equal(t, "two", list[0].LastMessage)
	assert.Equal(t, "alice:bob", list[1].ID)
	assert.Equal(t, "bob", list[1].OtherIdentity)
	assert.True(t, list[0].LastMessageTime.After(list[1].LastMessageTime))
}

func TestService_OpenConversationMarksThree(t *testing.T) {
	svc, _ := newTestService(t, createTestStore(t))
	ctx := context.Background()

	for _, c := range []string{"one", "two", "three"} {
		send(t, svc, "alice", "bob", c)
	}
	send(t, svc, "bob", "alice", "reply")

	marked, err := svc.OpenConversation(ctx, "alice:bob", "bob")
	require.NoError(t, err)
	assert.Equal(t, int64(3), marked)

	marked, err = svc.OpenConversation(ctx, "alice:bob", "bob")
	require.NoError(t, err)
	assert.Equal(t, int64(0), marked)

	marked, err = svc.OpenConversation(ctx, "alice:bob", "alice")
	require.NoError(t, err)
	assert.Equal(t, int64(1), marked)
}

func TestService_FetchMessagesInOrder(t *testing.T) {
	svc, _ := newTestService(t, createTestStore(t))
	ctx := context.Background()

	send(t, svc, "alice", "bob", "1")
	send(t, svc, "bob", "alice", "2")
	send(t, svc, "alice", "bob", "3")

	msgs, err := svc.FetchMessages(ctx, "alice:bob")
	require.NoError(t, err)
	require.Len(t, msgs, 3)
	for i, want := range []string{"1", "2", "3"} {
		assert.Equal(t, want, msgs[i].Content)
	}

	_, err = svc.FetchMessages(ctx, "alice:carol")
	assert.ErrorIs(t, err, ErrConversationNotFound)

	_, err = svc.FetchMessages(ctx, "garbage")
	assert.ErrorIs(t, err, ErrConversationNotFound)
}

func TestService_SendValidation(t *testing.T) {
	s := store.NewMockStore()
	svc, _ := newTestService(t, s)
	ctx := context.Background()

	tests := []struct {
		name string
		req  SendRequest
		want error
	}{
		{"bad recipient", SendRequest{Sender: "alice", Recipient: "bad:id", Content: "x"}, ErrInvalidRecipient},
		{"empty recipient", SendRequest{Sender: "alice", Recipient: "", Content: "x"}, ErrInvalidRecipient},
		{"short phone", SendRequest{Sender: "alice", Recipient: "+123", Content: "x"}, ErrInvalidRecipient},
		{"self", SendRequest{Sender: "alice", Recipient: "alice", Content: "x"}, ErrInvalidRecipient},
		{"bad sender", SendRequest{Sender: "", Recipient: "bob", Content: "x"}, ErrInvalidRecipient},
		{"empty message", SendRequest{Sender: "alice", Recipient: "bob"}, ErrInvalidMessage},
		{"unknown type", SendRequest{Sender: "alice", Recipient: "bob", Content: "x", Type: "gif"}, ErrInvalidMessage},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := svc.SendMessage(ctx, &tt.req)
			assert.ErrorIs(t, err, tt.want)
		})
	}

	// None of the rejected sends left a conversation behind
	list, err := svc.ListConversations(ctx, "alice")
	require.NoError(t, err)
	assert.Empty(t, list)
}

func TestService_StorageUnavailable(t *testing.T) {
	s := store.NewMockStore()
	svc, _ := newTestService(t, s)
	s.SetErr(errors.New("database is locked"))

	_, err := svc.SendMessage(context.Background(), &SendRequest{Sender: "alice", Recipient: "bob", Content: "x"})
	assert.ErrorIs(t, err, ErrStorageUnavailable)

	_, err = svc.ListConversations(context.Background(), "alice")
	assert.ErrorIs(t, err, ErrStorageUnavailable)
}

func TestService_ReceiveSMS(t *testing.T) {
	s := createTestStore(t)
	svc, _ := newTestService(t, s)
	ctx := context.Background()

	out := send(t, svc, "alice", "+15551234567", "are you there?")

	in, err := svc.ReceiveSMS(ctx, &InboundSMS{Owner: "alice", Phone: "+1 (555) 123-4567", Content: "yes"})
	require.NoError(t, err)
	assert.Equal(t, out.ConversationID, in.ConversationID)
	assert.Equal(t, "+15551234567", in.Sender)
	assert.Equal(t, "alice", in.Receiver)

	list, err := svc.ListConversations(ctx, "alice")
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "yes", list[0].LastMessage)
	assert.Equal(t, "+15551234567", list[0].LastMessageSender)

	marked, err := svc.OpenConversation(ctx, list[0].ID, "alice")
	require.NoError(t, err)
	assert.Equal(t, int64(1), marked)

	_, err = svc.ReceiveSMS(ctx, &InboundSMS{Owner: "alice", Phone: "5551234567", Content: "x"})
	assert.ErrorIs(t, err, ErrInvalidRecipient)
}

func TestService_AuthorizeByRef(t *testing.T) {
	svc, _ := newTestService(t, store.NewMockStore())
	ctx := context.Background()

	sms := send(t, svc, "alice", "+15551234567", "hi")
	send(t, svc, "alice", "bob", "hi")

	assert.NoError(t, svc.Authorize(ctx, "alice:bob", "bob"))
	assert.ErrorIs(t, svc.Authorize(ctx, "alice:bob", "carol"), ErrUnauthorized)
	assert.NoError(t, svc.Authorize(ctx, "sms_"+sms.ConversationID, "alice"))
	assert.ErrorIs(t, svc.Authorize(ctx, "sms_"+sms.ConversationID, "bob"), ErrUnauthorized)
	assert.ErrorIs(t, svc.Authorize(ctx, "sms_", "alice"), ErrConversationNotFound)
}

func TestService_SubscriptionsDeliverAndStop(t *testing.T) {
	svc, _ := newTestService(t, store.NewMockStore())
	send(t, svc, "alice", "bob", "first")

	msgs := make(chan *store.Message, 4)
	convSub, err := svc.SubscribeConversation("alice:bob", func(m *store.Message) { msgs <- m })
	require.NoError(t, err)

	signals := make(chan realtime.ListSignal, 4)
	listSub, err := svc.SubscribeUserList("bob", func(s realtime.ListSignal) { signals <- s })
	require.NoError(t, err)

	sent := send(t, svc, "alice", "bob", "second")

	select {
	case m := <-msgs:
		assert.Equal(t, sent.ID, m.ID)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for message")
	}
	select {
	case s := <-signals:
		assert.Equal(t, "bob", s.Identity)
		assert.Equal(t, "alice:bob", s.Conversation)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for list signal")
	}

	svc.Unsubscribe(convSub)
	svc.Unsubscribe(listSub)
	send(t, svc, "alice", "bob", "third")

	select {
	case m := <-msgs:
		t.Fatalf("received %q after unsubscribe", m.Content)
	case s := <-signals:
		t.Fatalf("received signal %+v after unsubscribe", s)
	case <-time.After(100 * time.Millisecond):
	}

	_, err = svc.SubscribeConversation("not-a-ref", func(*store.Message) {})
	assert.ErrorIs(t, err, ErrConversationNotFound)
}
