// Package idempotency guards against duplicate sends.
//
// Clients may attach an Idempotency-Key header to POST /api/messages. The
// gateway claims the key for the caller's identity before sending; a second
// request with the same key inside the TTL is rejected. If the send fails,
// the claim is released so the client can retry with the same key.
//
// The guard is in-memory and per instance.
package idempotency
