// Package realtime pushes conversation events to live subscribers.
//
// # Layers
//
// Transport is the raw push primitive (topic -> bytes). Two implementations:
//
//   - LocalTransport: in-process; each subscriber has a buffered queue and its
//     own delivery goroutine, so a blocked handler only fills its own queue
//   - RedisTransport: Redis Pub/Sub for multi-instance deployments, delivering
//     locally through an embedded LocalTransport
//
// Fanout sits on top and speaks in subjects:
//
//	sub, _ := fanout.SubscribeToConversation(ref, func(m *store.Message) { ... })
//	defer fanout.Unsubscribe(sub)
//
// # Delivery semantics
//
// Conversation topics carry the full message. User topics carry only an
// invalidation signal; the receiver refetches its list. Delivery is
// at-most-once: a full subscriber queue drops the event for that subscriber.
// A missed list signal heals on the next fetch.
//
// Unsubscribe is synchronous. It waits for an in-flight handler call and no
// call starts after it returns, so it must not be called from inside the
// subscription's own handler.
package realtime
