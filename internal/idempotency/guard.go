// ABOUTME: Bounded TTL guard that lets each Idempotency-Key through once per identity
// ABOUTME: Claims are released when the guarded send fails so the client may retry

package idempotency

import (
	"container/list"
	"sync"
	"time"
)

// claim stores when a key was taken and its place in eviction order.
type claim struct {
	at      time.Time
	element *list.Element
}

// Guard remembers recently used keys, scoped per identity. It is
// size-limited; the oldest claim is evicted first.
type Guard struct {
	mu      sync.Mutex
	claims  map[string]*claim
	order   *list.List // keys, oldest at front
	ttl     time.Duration
	maxSize int
	now     func() time.Time
	done    chan struct{}
	closed  bool
}

// New creates a Guard. A background goroutine sweeps expired claims until
// Close.
func New(ttl time.Duration, maxSize int) *Guard {
	g := &Guard{
		claims:  make(map[string]*claim),
		order:   list.New(),
		ttl:     ttl,
		maxSize: maxSize,
		now:     time.Now,
		done:    make(chan struct{}),
	}
	go g.sweep()
	return g
}

func scopedKey(identity, key string) string {
	return identity + "\x00" + key
}

// Claim takes key for identity. It returns false if the same identity
// already claimed key within the TTL.
func (g *Guard) Claim(identity, key string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	k := scopedKey(identity, key)
	now := g.now()
	if c, ok := g.claims[k]; ok {
		if now.Sub(c.at) < g.ttl {
			return false
		}
		// Expired: take it over in place
		c.at = now
		g.order.MoveToBack(c.element)
		return true
	}

	if len(g.claims) >= g.maxSize {
		g.evictOldest()
	}
	g.claims[k] = &claim{at: now, element: g.order.PushBack(k)}
	return true
}

// Release drops a claim so the key can be used again.
func (g *Guard) Release(identity, key string) {
	g.mu.Lock()
	defer g.mu.Unlock()

	k := scopedKey(identity, key)
	if c, ok := g.claims[k]; ok {
		g.order.Remove(c.element)
		delete(g.claims, k)
	}
}

// Len returns the number of claims held, including expired ones not yet swept.
func (g *Guard) Len() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.claims)
}

// evictOldest must be called with mu held.
func (g *Guard) evictOldest() {
	front := g.order.Front()
	if front == nil {
		return
	}
	k, _ := front.Value.(string)
	g.order.Remove(front)
	delete(g.claims, k)
}

func (g *Guard) sweep() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			g.removeExpired()
		case <-g.done:
			return
		}
	}
}

// removeExpired walks from the oldest claim and stops at the first live one.
func (g *Guard) removeExpired() {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.now()
	for e := g.order.Front(); e != nil; {
		k, _ := e.Value.(string)
		if now.Sub(g.claims[k].at) < g.ttl {
			return
		}
		next := e.Next()
		g.order.Remove(e)
		delete(g.claims, k)
		e = next
	}
}

// Close stops the sweeper. Safe to call more than once.
func (g *Guard) Close() {
	g.mu.Lock()
	defer g.mu.Unlock()

	if !g.closed {
		close(g.done)
		g.closed = true
	}
}
