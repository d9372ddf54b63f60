package registry

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeConn struct {
	mu       sync.Mutex
	received []interface{}
	failSend bool
	killed   bool
}

func (c *fakeConn) Send(_ context.Context, msg interface{}) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.failSend {
		return errors.New("broken pipe")
	}
	c.received = append(c.received, msg)
	return nil
}

func (c *fakeConn) Kill() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.killed = true
}

func TestConnectAndDisconnect(t *testing.T) {
	r := NewRegistry()
	a, b := &fakeConn{}, &fakeConn{}

	r.Connect("key", a)
	r.Connect("key", b)
	assert.Equal(t, 2, r.Len("key"))

	r.Disconnect("key", a)
	assert.Equal(t, 1, r.Len("key"))

	// Removing the last connection drops the key entry entirely.
	r.Disconnect("key", b)
	r.mu.Lock()
	_, exists := r.conns["key"]
	r.mu.Unlock()
	assert.False(t, exists)
}

func TestSendToFanOut(t *testing.T) {
	r := NewRegistry()
	a, b := &fakeConn{}, &fakeConn{}
	r.Connect("key", a)
	r.Connect("key", b)

	delivered := r.SendTo(context.Background(), "key", "hello")

	assert.Equal(t, 2, delivered)
	assert.Equal(t, []interface{}{"hello"}, a.received)
	assert.Equal(t, []interface{}{"hello"}, b.received)
}

// A failing peer must not block its siblings and must be removed.
func TestSendToRemovesFailingConn(t *testing.T) {
	r := NewRegistry()
	healthy := &fakeConn{}
	broken := &fakeConn{failSend: true}
	r.Connect("key", broken)
	r.Connect("key", healthy)

	delivered := r.SendTo(context.Background(), "key", "hello")

	assert.Equal(t, 1, delivered)
	assert.Equal(t, []interface{}{"hello"}, healthy.received)
	assert.True(t, broken.killed)
	assert.Equal(t, 1, r.Len("key"))

	// Next fan-out only reaches the survivor.
	delivered = r.SendTo(context.Background(), "key", "again")
	assert.Equal(t, 1, delivered)
	assert.Len(t, healthy.received, 2)
}

func TestSendToUnknownKey(t *testing.T) {
	r := NewRegistry()
	assert.Equal(t, 0, r.SendTo(context.Background(), "ghost", "hello"))
}

func TestBroadcast(t *testing.T) {
	r := NewRegistry()
	a, b := &fakeConn{}, &fakeConn{}
	r.Connect("k1", a)
	r.Connect("k2", b)

	r.Broadcast(context.Background(), "ping")

	assert.Equal(t, []interface{}{"ping"}, a.received)
	assert.Equal(t, []interface{}{"ping"}, b.received)
}

func TestConcurrentChurn(t *testing.T) {
	r := NewRegistry()
	var wg sync.WaitGroup

	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c := &fakeConn{}
			r.Connect("key", c)
			r.SendTo(context.Background(), "key", "msg")
			r.Disconnect("key", c)
		}()
	}
	wg.Wait()

	require.Equal(t, 0, r.Len("key"))
}
