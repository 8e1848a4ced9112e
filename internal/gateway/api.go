// ABOUTME: HTTP API handlers for the relay: send, list, history, read state, SMS and media
// ABOUTME: Every /api route runs behind bearer JWT auth; identity comes from the token

package gateway

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/2389/coven-relay/internal/auth"
	"github.com/2389/coven-relay/internal/conversation"
	"github.com/2389/coven-relay/internal/media"
	"github.com/2389/coven-relay/internal/store"
)

// maxJSONBodyBytes bounds JSON request bodies.
const maxJSONBodyBytes = 1 << 20

// IdempotencyKeyHeader lets clients retry a send without duplicating it.
const IdempotencyKeyHeader = "Idempotency-Key"

// SendMessageRequest is the JSON request body for POST /api/messages.
type SendMessageRequest struct {
	Recipient   string `json:"recipient"`
	Content     string `json:"content"`
	Type        string `json:"type,omitempty"`
	MediaRef    string `json:"media_ref,omitempty"`
	ContactName string `json:"contact_name,omitempty"`
}

// InboundSMSRequest is the JSON request body for POST /api/sms/inbound.
type InboundSMSRequest struct {
	Phone       string `json:"phone"`
	Content     string `json:"content"`
	Type        string `json:"type,omitempty"`
	MediaRef    string `json:"media_ref,omitempty"`
	ContactName string `json:"contact_name,omitempty"`
}

// MessageResponse is the JSON form of a stored message.
type MessageResponse struct {
	ID           string `json:"id"`
	Conversation string `json:"conversation"`
	Channel      string `json:"channel"`
	Sender       string `json:"sender"`
	Receiver     string `json:"receiver"`
	Content      string `json:"content"`
	Type         string `json:"type"`
	MediaRef     string `json:"media_ref,omitempty"`
	IsRead       bool   `json:"is_read"`
	CreatedAt    string `json:"created_at"`
}

// ConversationsResponse is the JSON response for GET /api/conversations.
type ConversationsResponse struct {
	Conversations []conversation.UnifiedConversation `json:"conversations"`
}

// ConversationMessagesResponse is the JSON response for GET /api/conversations/{ref}/messages.
type ConversationMessagesResponse struct {
	Conversation string            `json:"conversation"`
	Messages     []MessageResponse `json:"messages"`
}

// MarkReadResponse is the JSON response for POST /api/conversations/{ref}/read.
type MarkReadResponse struct {
	Marked int64 `json:"marked"`
}

// ListChangedEvent is the data of a conversations_changed SSE event.
type ListChangedEvent struct {
	Conversation string `json:"conversation,omitempty"`
	At           string `json:"at"`
}

func toMessageResponse(m *store.Message) MessageResponse {
	return MessageResponse{
		ID:           m.ID,
		Conversation: m.Ref().String(),
		Channel:      string(m.Channel),
		Sender:       m.Sender,
		Receiver:     m.Receiver,
		Content:      m.Content,
		Type:         string(m.Type),
		MediaRef:     m.MediaRef,
		IsRead:       m.IsRead,
		CreatedAt:    m.CreatedAt.UTC().Format(time.RFC3339Nano),
	}
}

// registerAPIRoutes mounts the authenticated API on mux.
func (g *Gateway) registerAPIRoutes(mux *http.ServeMux) {
	authed := auth.HTTPAuthMiddleware(g.verifier, g.logger)
	route := func(pattern string, h http.HandlerFunc) {
		mux.Handle(pattern, authed(h))
	}

	route("POST /api/messages", g.handleSendMessage)
	route("GET /api/conversations", g.handleListConversations)
	route("GET /api/conversations/{ref}/messages", g.handleConversationMessages)
	route("POST /api/conversations/{ref}/read", g.handleMarkRead)
	route("GET /api/conversations/{ref}/events", g.handleConversationEvents)
	route("GET /api/events", g.handleUserEvents)
	route("POST /api/sms/inbound", g.handleInboundSMS)
	route("POST /api/media", g.handleMediaUpload)
}

// requestIdentity returns the authenticated caller. The auth middleware
// guarantees it is present, but a handler mounted without it gets a 401.
func (g *Gateway) requestIdentity(w http.ResponseWriter, r *http.Request) (string, bool) {
	identity, ok := auth.IdentityFromContext(r.Context())
	if !ok {
		g.sendJSONError(w, http.StatusUnauthorized, "unauthenticated")
		return "", false
	}
	return identity, true
}

// decodeJSON reads a bounded JSON body into v.
func decodeJSON(w http.ResponseWriter, r *http.Request, v any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxJSONBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return errors.New("invalid JSON body")
	}
	return nil
}

// writeServiceError maps messaging errors onto HTTP statuses.
func (g *Gateway) writeServiceError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, conversation.ErrInvalidRecipient), errors.Is(err, conversation.ErrInvalidMessage):
		g.sendJSONError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, conversation.ErrUnauthorized):
		g.sendJSONError(w, http.StatusForbidden, "not a participant of this conversation")
	case errors.Is(err, conversation.ErrConversationNotFound):
		g.sendJSONError(w, http.StatusNotFound, "conversation not found")
	case errors.Is(err, conversation.ErrStorageUnavailable):
		g.logger.Error("storage unavailable", "error", err)
		g.sendJSONError(w, http.StatusServiceUnavailable, "storage unavailable")
	default:
		g.logger.Error("request failed", "error", err)
		g.sendJSONError(w, http.StatusInternalServerError, "internal server error")
	}
}

// handleSendMessage handles POST /api/messages.
func (g *Gateway) handleSendMessage(w http.ResponseWriter, r *http.Request) {
	identity, ok := g.requestIdentity(w, r)
	if !ok {
		return
	}

	var req SendMessageRequest
	if err := decodeJSON(w, r, &req); err != nil {
		g.sendJSONError(w, http.StatusBadRequest, err.Error())
		return
	}

	key := r.Header.Get(IdempotencyKeyHeader)
	if key != "" && !g.idempotency.Claim(identity, key) {
		g.logger.Debug("duplicate send suppressed", "identity", identity, "key", key)
		g.sendJSONError(w, http.StatusConflict, "duplicate request")
		return
	}

	msg, err := g.conversation.SendMessage(r.Context(), &conversation.SendRequest{
		Sender:      identity,
		Recipient:   req.Recipient,
		Content:     req.Content,
		Type:        store.MessageType(req.Type),
		MediaRef:    req.MediaRef,
		ContactName: req.ContactName,
	})
	if err != nil {
		if key != "" {
			// A failed send must stay retryable under the same key
			g.idempotency.Release(identity, key)
		}
		g.writeServiceError(w, err)
		return
	}

	g.writeJSON(w, http.StatusCreated, toMessageResponse(msg))
}

// handleListConversations handles GET /api/conversations.
func (g *Gateway) handleListConversations(w http.ResponseWriter, r *http.Request) {
	identity, ok := g.requestIdentity(w, r)
	if !ok {
		return
	}

	list, err := g.conversation.ListConversations(r.Context(), identity)
	if err != nil {
		g.writeServiceError(w, err)
		return
	}
	if list == nil {
		list = []conversation.UnifiedConversation{}
	}
	g.writeJSON(w, http.StatusOK, ConversationsResponse{Conversations: list})
}

// handleConversationMessages handles GET /api/conversations/{ref}/messages.
func (g *Gateway) handleConversationMessages(w http.ResponseWriter, r *http.Request) {
	identity, ok := g.requestIdentity(w, r)
	if !ok {
		return
	}
	ref := r.PathValue("ref")

	if err := g.conversation.Authorize(r.Context(), ref, identity); err != nil {
		g.writeServiceError(w, err)
		return
	}

	msgs, err := g.conversation.FetchMessages(r.Context(), ref)
	if err != nil {
		g.writeServiceError(w, err)
		return
	}

	resp := ConversationMessagesResponse{
		Conversation: ref,
		Messages:     make([]MessageResponse, len(msgs)),
	}
	for i, m := range msgs {
		resp.Messages[i] = toMessageResponse(m)
	}
	g.writeJSON(w, http.StatusOK, resp)
}

// handleMarkRead handles POST /api/conversations/{ref}/read.
func (g *Gateway) handleMarkRead(w http.ResponseWriter, r *http.Request) {
	identity, ok := g.requestIdentity(w, r)
	if !ok {
		return
	}

	n, err := g.conversation.OpenConversation(r.Context(), r.PathValue("ref"), identity)
	if err != nil {
		g.writeServiceError(w, err)
		return
	}
	g.writeJSON(w, http.StatusOK, MarkReadResponse{Marked: n})
}

// handleInboundSMS handles POST /api/sms/inbound. The caller is the owner
// of the SMS conversation the text lands in.
func (g *Gateway) handleInboundSMS(w http.ResponseWriter, r *http.Request) {
	identity, ok := g.requestIdentity(w, r)
	if !ok {
		return
	}

	var req InboundSMSRequest
	if err := decodeJSON(w, r, &req); err != nil {
		g.sendJSONError(w, http.StatusBadRequest, err.Error())
		return
	}

	msg, err := g.conversation.ReceiveSMS(r.Context(), &conversation.InboundSMS{
		Owner:       identity,
		Phone:       req.Phone,
		Content:     req.Content,
		Type:        store.MessageType(req.Type),
		MediaRef:    req.MediaRef,
		ContactName: req.ContactName,
	})
	if err != nil {
		g.writeServiceError(w, err)
		return
	}
	g.writeJSON(w, http.StatusCreated, toMessageResponse(msg))
}

// handleMediaUpload handles POST /api/media. The body is the raw file; the
// optional ?filename= only contributes the object name and extension.
func (g *Gateway) handleMediaUpload(w http.ResponseWriter, r *http.Request) {
	identity, ok := g.requestIdentity(w, r)
	if !ok {
		return
	}
	if g.uploader == nil {
		g.sendJSONError(w, http.StatusServiceUnavailable, "media uploads not configured")
		return
	}

	body := http.MaxBytesReader(w, r.Body, g.uploader.MaxBytes())
	data, err := io.ReadAll(body)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			g.sendJSONError(w, http.StatusRequestEntityTooLarge, media.ErrTooLarge.Error())
			return
		}
		g.sendJSONError(w, http.StatusBadRequest, "reading upload body")
		return
	}

	result, err := g.uploader.Upload(r.Context(), identity, r.URL.Query().Get("filename"), data)
	switch {
	case errors.Is(err, media.ErrEmpty):
		g.sendJSONError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, media.ErrTooLarge):
		g.sendJSONError(w, http.StatusRequestEntityTooLarge, err.Error())
	case err != nil:
		g.logger.Error("media upload failed", "identity", identity, "error", err)
		g.sendJSONError(w, http.StatusBadGateway, "media storage failed")
	default:
		g.writeJSON(w, http.StatusCreated, result)
	}
}

// writeJSON writes v as a JSON response with status.
func (g *Gateway) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		g.logger.Error("failed to encode response", "error", err)
	}
}

// sendJSONError writes a JSON error response.
func (g *Gateway) sendJSONError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": message})
}

// formatSSEEvent renders one SSE frame.
func formatSSEEvent(eventType string, data []byte) string {
	return fmt.Sprintf("event: %s\ndata: %s\n\n", eventType, data)
}
