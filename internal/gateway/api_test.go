// ABOUTME: Tests for the relay HTTP API handlers
// ABOUTME: Drives the full mux (auth included) with httptest against MockStore

package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/coven-relay/internal/config"
	"github.com/2389/coven-relay/internal/conversation"
	"github.com/2389/coven-relay/internal/media"
	"github.com/2389/coven-relay/internal/realtime"
	"github.com/2389/coven-relay/internal/store"
)

const testSecret = "test-secret-key-for-jwt-signing!"

// testLogger creates a silent logger for tests.
func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testConfig() *config.Config {
	return &config.Config{
		Server:   config.ServerConfig{HTTPAddr: "127.0.0.1:0"},
		Database: config.DatabaseConfig{Path: ":memory:"},
		Auth:     config.AuthConfig{JWTSecret: testSecret},
		Idempotency: config.IdempotencyConfig{
			TTL:        time.Minute,
			MaxEntries: 100,
		},
		Media: config.MediaConfig{MaxUploadBytes: 64},
	}
}

// memoryObjects is an in-memory media.ObjectStore.
type memoryObjects struct {
	mu      sync.Mutex
	objects map[string][]byte
	err     error
}

func newMemoryObjects() *memoryObjects {
	return &memoryObjects{objects: make(map[string][]byte)}
}

func (m *memoryObjects) Put(ctx context.Context, key string, data []byte, contentType string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return "", m.err
	}
	m.objects[key] = data
	return "mem://" + key, nil
}

var pngBytes = []byte{0x89, 'P', 'N', 'G', '\r', '\n', 0x1a, '\n', 0, 0, 0, 0x0d, 'I', 'H', 'D', 'R'}

// harness drives the gateway's HTTP handler as an authenticated client.
type harness struct {
	t     *testing.T
	gw    *Gateway
	store *store.MockStore
}

// newHarness builds a gateway over MockStore and an in-process transport.
// A nil objects store leaves media uploads unconfigured.
func newHarness(t *testing.T, objects media.ObjectStore) *harness {
	t.Helper()

	s := store.NewMockStore()
	gw, err := newGateway(testConfig(), components{
		store:     s,
		transport: realtime.NewLocalTransport(0, testLogger()),
		objects:   objects,
	}, testLogger())
	require.NoError(t, err)
	t.Cleanup(func() { _ = gw.Shutdown(context.Background()) })

	return &harness{t: t, gw: gw, store: s}
}

func (h *harness) token(identity string) string {
	h.t.Helper()
	tok, err := h.gw.verifier.Generate(identity, time.Hour)
	require.NoError(h.t, err)
	return tok
}

// request sends method/path as identity. body may be nil, a string (sent
// raw) or any value (sent as JSON). An empty identity sends no token.
func (h *harness) request(method, path, identity string, body any, headers ...string) *httptest.ResponseRecorder {
	h.t.Helper()

	var reader io.Reader
	switch b := body.(type) {
	case nil:
	case string:
		reader = strings.NewReader(b)
	case []byte:
		reader = bytes.NewReader(b)
	default:
		data, err := json.Marshal(b)
		require.NoError(h.t, err)
		reader = bytes.NewReader(data)
	}

	req := httptest.NewRequest(method, path, reader)
	if identity != "" {
		req.Header.Set("Authorization", "Bearer "+h.token(identity))
	}
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}

	rec := httptest.NewRecorder()
	h.gw.Handler().ServeHTTP(rec, req)
	return rec
}

func (h *harness) send(sender, recipient, content string) MessageResponse {
	h.t.Helper()
	rec := h.request(http.MethodPost, "/api/messages", sender, SendMessageRequest{
		Recipient: recipient,
		Content:   content,
	})
	require.Equal(h.t, http.StatusCreated, rec.Code, rec.Body.String())
	var msg MessageResponse
	require.NoError(h.t, json.Unmarshal(rec.Body.Bytes(), &msg))
	return msg
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	var body map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body), rec.Body.String())
	return body["error"]
}

func TestSendMessage_AppConversation(t *testing.T) {
	h := newHarness(t, nil)

	msg := h.send("alice", "bob", "hi")

	assert.NotEmpty(t, msg.ID)
	assert.Equal(t, "alice:bob", msg.Conversation)
	assert.Equal(t, "app", msg.Channel)
	assert.Equal(t, "alice", msg.Sender)
	assert.Equal(t, "bob", msg.Receiver)
	assert.Equal(t, "text", msg.Type)
	assert.False(t, msg.IsRead)

	_, err := time.Parse(time.RFC3339Nano, msg.CreatedAt)
	assert.NoError(t, err)
}

func TestSendMessage_SmsRecipient(t *testing.T) {
	h := newHarness(t, nil)

	rec := h.request(http.MethodPost, "/api/messages", "alice", SendMessageRequest{
		Recipient:   "+15551234567",
		Content:     "running late",
		ContactName: "Dentist",
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	var msg MessageResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &msg))
	assert.Equal(t, "sms", msg.Channel)
	assert.True(t, strings.HasPrefix(msg.Conversation, "sms_"), msg.Conversation)
	assert.Equal(t, "+15551234567", msg.Receiver)
}

func TestSendMessage_Unauthenticated(t *testing.T) {
	h := newHarness(t, nil)

	rec := h.request(http.MethodPost, "/api/messages", "", SendMessageRequest{Recipient: "bob", Content: "hi"})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	req := httptest.NewRequest(http.MethodPost, "/api/messages", strings.NewReader(`{}`))
	req.Header.Set("Authorization", "Bearer not-a-jwt")
	rec = httptest.NewRecorder()
	h.gw.Handler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestSendMessage_MethodNotAllowed(t *testing.T) {
	h := newHarness(t, nil)

	rec := h.request(http.MethodGet, "/api/messages", "alice", nil)
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestSendMessage_Errors(t *testing.T) {
	tests := []struct {
		name   string
		body   any
		status int
	}{
		{"invalid JSON", "{not json", http.StatusBadRequest},
		{"empty recipient", SendMessageRequest{Content: "hi"}, http.StatusBadRequest},
		{"self conversation", SendMessageRequest{Recipient: "alice", Content: "hi"}, http.StatusBadRequest},
		{"malformed phone", SendMessageRequest{Recipient: "+12", Content: "hi"}, http.StatusBadRequest},
		{"empty content", SendMessageRequest{Recipient: "bob"}, http.StatusBadRequest},
		{"unknown type", SendMessageRequest{Recipient: "bob", Content: "hi", Type: "sticker"}, http.StatusBadRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, nil)

			rec := h.request(http.MethodPost, "/api/messages", "alice", tt.body)
			assert.Equal(t, tt.status, rec.Code, rec.Body.String())
			assert.NotEmpty(t, decodeError(t, rec))

			list, err := h.store.ListAppConversations(context.Background(), "alice")
			require.NoError(t, err)
			assert.Empty(t, list, "rejected sends leave no conversation behind")
		})
	}
}

func TestSendMessage_StorageUnavailable(t *testing.T) {
	h := newHarness(t, nil)
	h.store.SetErr(errors.New("disk on fire"))

	rec := h.request(http.MethodPost, "/api/messages", "alice", SendMessageRequest{Recipient: "bob", Content: "hi"})
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, "storage unavailable", decodeError(t, rec))
}

func TestSendMessage_IdempotencyKey(t *testing.T) {
	h := newHarness(t, nil)
	body := SendMessageRequest{Recipient: "bob", Content: "only once"}

	first := h.request(http.MethodPost, "/api/messages", "alice", body, IdempotencyKeyHeader, "k1")
	require.Equal(t, http.StatusCreated, first.Code)

	again := h.request(http.MethodPost, "/api/messages", "alice", body, IdempotencyKeyHeader, "k1")
	assert.Equal(t, http.StatusConflict, again.Code)

	// Keys are scoped per caller
	other := h.request(http.MethodPost, "/api/messages", "bob", SendMessageRequest{Recipient: "alice", Content: "hey"}, IdempotencyKeyHeader, "k1")
	assert.Equal(t, http.StatusCreated, other.Code)

	msgs, err := h.store.ListMessages(context.Background(), store.AppRef("alice:bob"))
	require.NoError(t, err)
	assert.Len(t, msgs, 2)
}

func TestSendMessage_FailedSendReleasesKey(t *testing.T) {
	h := newHarness(t, nil)

	bad := h.request(http.MethodPost, "/api/messages", "alice", SendMessageRequest{Recipient: "bob"}, IdempotencyKeyHeader, "retry-me")
	require.Equal(t, http.StatusBadRequest, bad.Code)

	good := h.request(http.MethodPost, "/api/messages", "alice", SendMessageRequest{Recipient: "bob", Content: "fixed"}, IdempotencyKeyHeader, "retry-me")
	assert.Equal(t, http.StatusCreated, good.Code)
}

func TestListConversations(t *testing.T) {
	h := newHarness(t, nil)

	h.send("alice", "bob", "hi bob")
	h.send("alice", "+15551234567", "hi phone")

	rec := h.request(http.MethodGet, "/api/conversations", "alice", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp ConversationsResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Len(t, resp.Conversations, 2)

	byChannel := map[store.Channel]conversation.UnifiedConversation{}
	for _, c := range resp.Conversations {
		byChannel[c.Channel] = c
	}
	assert.Equal(t, "bob", byChannel[store.ChannelApp].OtherIdentity)
	assert.Equal(t, "hi bob", byChannel[store.ChannelApp].LastMessage)
	assert.Equal(t, "+15551234567", byChannel[store.ChannelSMS].OtherIdentity)

	// bob only sees the app conversation
	rec = h.request(http.MethodGet, "/api/conversations", "bob", nil)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Len(t, resp.Conversations, 1)
	assert.Equal(t, "alice", resp.Conversations[0].OtherIdentity)
}

func TestListConversations_EmptyIsArray(t *testing.T) {
	h := newHarness(t, nil)

	rec := h.request(http.MethodGet, "/api/conversations", "nobody", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"conversations":[]}`, rec.Body.String())
}

func TestConversationMessages(t *testing.T) {
	h := newHarness(t, nil)

	h.send("alice", "bob", "one")
	h.send("bob", "alice", "two")
	h.send("alice", "bob", "three")

	rec := h.request(http.MethodGet, "/api/conversations/alice:bob/messages", "bob", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var resp ConversationMessagesResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "alice:bob", resp.Conversation)
	require.Len(t, resp.Messages, 3)
	assert.Equal(t, "one", resp.Messages[0].Content)
	assert.Equal(t, "two", resp.Messages[1].Content)
	assert.Equal(t, "three", resp.Messages[2].Content)
}

func TestConversationMessages_Access(t *testing.T) {
	h := newHarness(t, nil)
	h.send("alice", "bob", "private")

	tests := []struct {
		name     string
		path     string
		identity string
		status   int
	}{
		{"stranger", "/api/conversations/alice:bob/messages", "mallory", http.StatusForbidden},
		{"missing conversation", "/api/conversations/carol:dave/messages", "carol", http.StatusNotFound},
		{"malformed ref", "/api/conversations/garbage/messages", "alice", http.StatusNotFound},
		{"unknown sms ref", "/api/conversations/sms_nope/messages", "alice", http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := h.request(http.MethodGet, tt.path, tt.identity, nil)
			assert.Equal(t, tt.status, rec.Code, rec.Body.String())
		})
	}
}

func TestMarkRead(t *testing.T) {
	h := newHarness(t, nil)
	h.send("alice", "bob", "one")
	h.send("alice", "bob", "two")
	h.send("bob", "alice", "reply")

	rec := h.request(http.MethodPost, "/api/conversations/alice:bob/read", "bob", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.JSONEq(t, `{"marked":2}`, rec.Body.String())

	rec = h.request(http.MethodPost, "/api/conversations/alice:bob/read", "bob", nil)
	assert.JSONEq(t, `{"marked":0}`, rec.Body.String())

	rec = h.request(http.MethodPost, "/api/conversations/alice:bob/read", "alice", nil)
	assert.JSONEq(t, `{"marked":1}`, rec.Body.String())

	rec = h.request(http.MethodPost, "/api/conversations/alice:bob/read", "mallory", nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestInboundSMS(t *testing.T) {
	h := newHarness(t, nil)

	rec := h.request(http.MethodPost, "/api/sms/inbound", "alice", InboundSMSRequest{
		Phone:       "+1 (555) 123-4567",
		Content:     "your table is ready",
		ContactName: "Bistro",
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	var msg MessageResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &msg))
	assert.Equal(t, "+15551234567", msg.Sender)
	assert.Equal(t, "alice", msg.Receiver)

	// An outbound text to the same number lands in the same conversation
	out := h.send("alice", "+15551234567", "on my way")
	assert.Equal(t, msg.Conversation, out.Conversation)

	rec = h.request(http.MethodPost, "/api/conversations/"+msg.Conversation+"/read", "alice", nil)
	assert.JSONEq(t, `{"marked":1}`, rec.Body.String())
}

func TestInboundSMS_BadPhone(t *testing.T) {
	h := newHarness(t, nil)

	rec := h.request(http.MethodPost, "/api/sms/inbound", "alice", InboundSMSRequest{Phone: "5551234567", Content: "hi"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestMediaUpload_NotConfigured(t *testing.T) {
	h := newHarness(t, nil)

	rec := h.request(http.MethodPost, "/api/media", "alice", pngBytes)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestMediaUpload(t *testing.T) {
	objects := newMemoryObjects()
	h := newHarness(t, objects)

	rec := h.request(http.MethodPost, "/api/media?filename=cat.png", "alice", pngBytes)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	var res media.Result
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &res))
	assert.Equal(t, store.MessageTypeImage, res.Type)
	assert.Equal(t, "image/png", res.ContentType)
	assert.True(t, strings.HasPrefix(res.MediaRef, "mem://alice/"), res.MediaRef)

	// The returned ref can be sent as a media-only message
	send := h.request(http.MethodPost, "/api/messages", "alice", SendMessageRequest{
		Recipient: "bob",
		Type:      string(res.Type),
		MediaRef:  res.MediaRef,
	})
	assert.Equal(t, http.StatusCreated, send.Code, send.Body.String())
}

func TestMediaUpload_Errors(t *testing.T) {
	objects := newMemoryObjects()
	h := newHarness(t, objects)

	rec := h.request(http.MethodPost, "/api/media", "alice", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = h.request(http.MethodPost, "/api/media", "alice", bytes.Repeat([]byte("x"), 65))
	assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)

	objects.err = errors.New("bucket gone")
	rec = h.request(http.MethodPost, "/api/media", "alice", pngBytes)
	assert.Equal(t, http.StatusBadGateway, rec.Code)
}

func TestHealthEndpoints(t *testing.T) {
	h := newHarness(t, nil)

	rec := h.request(http.MethodGet, "/health", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "OK", rec.Body.String())

	rec = h.request(http.MethodGet, "/health/ready", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	h.store.SetErr(errors.New("gone"))
	rec = h.request(http.MethodGet, "/health/ready", "", nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}
