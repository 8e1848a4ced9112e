// ABOUTME: Server-Sent Event streams backed by realtime fan-out subscriptions
// ABOUTME: One stream per open conversation, one per user for list-changed signals

package gateway

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/2389/coven-relay/internal/realtime"
	"github.com/2389/coven-relay/internal/store"
)

// sseHeartbeatInterval keeps idle streams alive through proxies.
const sseHeartbeatInterval = 25 * time.Second

// sseBuffer is how many events a stream holds while the client is slow.
const sseBuffer = 32

// sseFrame is one pending event for a stream.
type sseFrame struct {
	event string
	data  any
}

// sseStream owns one open event stream response.
type sseStream struct {
	w       http.ResponseWriter
	flusher http.Flusher
	frames  chan sseFrame
}

// startSSE writes the stream headers. It reports false (after writing an
// error) when the response cannot be streamed.
func (g *Gateway) startSSE(w http.ResponseWriter) (*sseStream, bool) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		g.sendJSONError(w, http.StatusInternalServerError, "streaming not supported")
		return nil, false
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	return &sseStream{w: w, flusher: flusher, frames: make(chan sseFrame, sseBuffer)}, true
}

// offer queues a frame without blocking the fan-out goroutine. A full buffer
// drops the frame; clients refetch on the next event anyway.
func (s *sseStream) offer(f sseFrame) bool {
	select {
	case s.frames <- f:
		return true
	default:
		return false
	}
}

// writeSSEEvent writes a single SSE event to the response writer.
func (g *Gateway) writeSSEEvent(w http.ResponseWriter, event string, data any) {
	dataJSON, err := json.Marshal(data)
	if err != nil {
		g.logger.Error("failed to marshal SSE data", "error", err)
		return
	}
	_, _ = w.Write([]byte(formatSSEEvent(event, dataJSON)))
}

// pump writes queued frames until the client goes away or the gateway
// shuts down.
func (g *Gateway) pump(r *http.Request, s *sseStream) {
	heartbeat := time.NewTicker(sseHeartbeatInterval)
	defer heartbeat.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-g.closing:
			return
		case f := <-s.frames:
			g.writeSSEEvent(s.w, f.event, f.data)
			s.flusher.Flush()
		case <-heartbeat.C:
			_, _ = s.w.Write([]byte(": ping\n\n"))
			s.flusher.Flush()
		}
	}
}

// handleConversationEvents handles GET /api/conversations/{ref}/events,
// streaming each new message in the conversation as a "message" event.
func (g *Gateway) handleConversationEvents(w http.ResponseWriter, r *http.Request) {
	identity, ok := g.requestIdentity(w, r)
	if !ok {
		return
	}
	ref := r.PathValue("ref")

	if err := g.conversation.Authorize(r.Context(), ref, identity); err != nil {
		g.writeServiceError(w, err)
		return
	}

	stream, ok := g.startSSE(w)
	if !ok {
		return
	}

	sub, err := g.conversation.SubscribeConversation(ref, func(m *store.Message) {
		if !stream.offer(sseFrame{event: "message", data: toMessageResponse(m)}) {
			g.logger.Warn("dropping message event for slow stream", "conversation", ref, "identity", identity)
		}
	})
	if err != nil {
		g.writeSSEEvent(w, "error", map[string]string{"error": "subscription failed"})
		return
	}
	defer g.conversation.Unsubscribe(sub)

	g.logger.Debug("conversation stream opened", "conversation", ref, "identity", identity)
	g.writeSSEEvent(w, "ready", map[string]string{"conversation": ref})
	stream.flusher.Flush()

	g.pump(r, stream)
	g.logger.Debug("conversation stream closed", "conversation", ref, "identity", identity)
}

// handleUserEvents handles GET /api/events, streaming a
// "conversations_changed" event whenever the caller's list should be refetched.
func (g *Gateway) handleUserEvents(w http.ResponseWriter, r *http.Request) {
	identity, ok := g.requestIdentity(w, r)
	if !ok {
		return
	}

	stream, ok := g.startSSE(w)
	if !ok {
		return
	}

	sub, err := g.conversation.SubscribeUserList(identity, func(sig realtime.ListSignal) {
		ev := ListChangedEvent{
			Conversation: sig.Conversation,
			At:           sig.At.UTC().Format(time.RFC3339Nano),
		}
		if !stream.offer(sseFrame{event: "conversations_changed", data: ev}) {
			g.logger.Warn("dropping list event for slow stream", "identity", identity)
		}
	})
	if err != nil {
		g.writeSSEEvent(w, "error", map[string]string{"error": "subscription failed"})
		return
	}
	defer g.conversation.Unsubscribe(sub)

	g.writeSSEEvent(w, "ready", map[string]string{"identity": identity})
	stream.flusher.Flush()

	g.pump(r, stream)
}
