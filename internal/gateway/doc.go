// Package gateway runs the coven-relay server.
//
// # Overview
//
// The Gateway owns every long-lived component: the store, the realtime
// fan-out (in-process or Redis), the conversation service, the idempotency
// guard, the optional media uploader, and the HTTP and gRPC servers.
//
// # HTTP API
//
// All /api routes require a bearer JWT; the token's subject is the caller.
//
//   - POST /api/messages - Send a message to an identity or phone number
//   - GET /api/conversations - Unified conversation list
//   - GET /api/conversations/{ref}/messages - Message history (participants only)
//   - POST /api/conversations/{ref}/read - Mark the caller's messages read
//   - GET /api/conversations/{ref}/events - SSE stream of new messages
//   - GET /api/events - SSE stream of list-changed signals for the caller
//   - POST /api/sms/inbound - Record a text received from a phone number
//   - POST /api/media - Upload raw media bytes, returns a media_ref
//   - GET /health - Liveness check
//   - GET /health/ready - Readiness check (store ping)
//
// POST /api/messages honors an Idempotency-Key header: a repeated key from the
// same caller within the configured TTL gets 409 instead of a second message.
//
// # SSE Streaming
//
// Streams open with a "ready" event and then carry:
//
//	event: message
//	data: {"id": "...", "conversation": "alice:bob", "content": "hi", ...}
//
//	event: conversations_changed
//	data: {"conversation": "alice:bob", "at": "..."}
//
// conversations_changed carries no list state; clients refetch
// GET /api/conversations.
//
// # gRPC
//
// The gRPC listener serves only grpc.health.v1.Health. The status of "" and
// "coven.relay" follows the store's Ping.
//
// # Lifecycle
//
//	gw, err := gateway.New(cfg, logger)
//	err = gw.Run(ctx) // blocks until ctx is canceled, then shuts down
package gateway
