// Package registry tracks live push-capable connections keyed by credential.
package registry

import (
	"context"
	"log"
	"sync"
)

// Conn is one live push connection. Send must be safe to call from multiple
// goroutines; Kill tears the connection down after a failed delivery.
type Conn interface {
	Send(ctx context.Context, msg interface{}) error
	Kill()
}

// Registry is shared mutable state across request goroutines; a single mutex
// guards the whole map. Fan-out works on a snapshot taken under the lock so a
// send never observes a half-removed set.
type Registry struct {
	mu    sync.Mutex
	conns map[string][]Conn
}

func NewRegistry() *Registry {
	return &Registry{conns: make(map[string][]Conn)}
}

func (r *Registry) Connect(key string, c Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.conns[key] = append(r.conns[key], c)
}

// Disconnect removes exactly one instance of c under key. The key entry is
// dropped once its set empties, so stale keys never accumulate.
func (r *Registry) Disconnect(key string, c Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.removeLocked(key, c)
}

func (r *Registry) removeLocked(key string, c Conn) {
	set := r.conns[key]
	for i, existing := range set {
		if existing == c {
			set = append(set[:i], set[i+1:]...)
			break
		}
	}
	if len(set) == 0 {
		delete(r.conns, key)
	} else {
		r.conns[key] = set
	}
}

// SendTo delivers msg to every connection registered under key and returns
// how many deliveries succeeded. A failing connection is killed and removed
// without affecting its siblings.
func (r *Registry) SendTo(ctx context.Context, key string, msg interface{}) int {
	r.mu.Lock()
	snapshot := make([]Conn, len(r.conns[key]))
	copy(snapshot, r.conns[key])
	r.mu.Unlock()

	delivered := 0
	for _, c := range snapshot {
		if err := c.Send(ctx, msg); err != nil {
			log.Printf("WARN: dropping dead connection: %v", err)
			c.Kill()
			r.mu.Lock()
			r.removeLocked(key, c)
			r.mu.Unlock()
			continue
		}
		delivered++
	}
	return delivered
}

// Broadcast delivers msg to every registered connection.
func (r *Registry) Broadcast(ctx context.Context, msg interface{}) {
	r.mu.Lock()
	keys := make([]string, 0, len(r.conns))
	for key := range r.conns {
		keys = append(keys, key)
	}
	r.mu.Unlock()

	for _, key := range keys {
		r.SendTo(ctx, key, msg)
	}
}

// Len reports the number of live connections under key.
func (r *Registry) Len(key string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.conns[key])
}
