package publisher

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vpnkit/connector/internal/state"
)

func TestRegister_Idempotent(t *testing.T) {
	p := New()
	var calls int
	fn := func(*state.State) { calls++ }

	require.NoError(t, p.Register(fn))
	require.NoError(t, p.Register(fn))
	assert.Len(t, p.order, 1, "duplicate registration must be a no-op, not a second entry")

	p.Notify(state.New(state.Disconnected, nil))
	assert.Equal(t, 1, calls)
}

func TestRegister_NilRejected(t *testing.T) {
	p := New()
	err := p.Register(nil)
	assert.ErrorIs(t, err, ErrNilSubscriber)
}

func TestUnregister_UnknownIsNoOp(t *testing.T) {
	p := New()
	fn := func(*state.State) {}
	assert.NotPanics(t, func() { p.Unregister(fn) })
}

func TestUnregister_StopsDelivery(t *testing.T) {
	p := New()
	var calls int
	fn := func(*state.State) { calls++ }

	require.NoError(t, p.Register(fn))
	p.Unregister(fn)
	p.Notify(state.New(state.Disconnected, nil))
	assert.Equal(t, 0, calls)
}

func TestNotify_InsertionOrder(t *testing.T) {
	p := New()
	var order []string

	// Distinct function literals: closures over a shared literal collapse
	// to one identity (see identity's doc comment) and would not register
	// separately.
	a := func(*state.State) { order = append(order, "a") }
	b := func(*state.State) { order = append(order, "b") }
	c := func(*state.State) { order = append(order, "c") }
	require.NoError(t, p.Register(a))
	require.NoError(t, p.Register(b))
	require.NoError(t, p.Register(c))

	p.Notify(state.New(state.Connected, nil))
	assert.Equal(t, []string{"a", "b", "c"}, order)
}

// A panicking subscriber must not prevent later subscribers from being
// notified.
func TestNotify_SubscriberIsolation(t *testing.T) {
	p := New()
	var secondCalled bool

	require.NoError(t, p.Register(func(*state.State) { panic("boom") }))
	require.NoError(t, p.Register(func(*state.State) { secondCalled = true }))

	assert.NotPanics(t, func() { p.Notify(state.New(state.Connected, nil)) })
	assert.True(t, secondCalled)
}

// TestNotify_ConcurrentModificationSafe covers the requirement that a
// subscriber may register/unregister from within its own callback
// without corrupting the in-flight notification (snapshot-before-iterate).
func TestNotify_ConcurrentModificationSafe(t *testing.T) {
	p := New()
	var mu sync.Mutex
	var seen []string

	var second Subscriber = func(*state.State) {
		mu.Lock()
		seen = append(seen, "second")
		mu.Unlock()
	}
	first := func(*state.State) {
		p.Unregister(second) // unregister mid-notification
		mu.Lock()
		seen = append(seen, "first")
		mu.Unlock()
	}

	require.NoError(t, p.Register(first))
	require.NoError(t, p.Register(second))

	assert.NotPanics(t, func() { p.Notify(state.New(state.Connected, nil)) })
	assert.Equal(t, []string{"first", "second"}, seen, "unregistering mid-notify must not affect the current pass")

	seen = nil
	p.Notify(state.New(state.Connected, nil))
	assert.Equal(t, []string{"first"}, seen, "the unregister takes effect on the next notification")
}
