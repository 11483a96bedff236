package presence

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"watchparty/internal/infrastructure/clock/clocktest"
	"watchparty/internal/infrastructure/eventbus"
	"watchparty/internal/infrastructure/realtime"
)

type busSubscriber struct{ bus *eventbus.Bus }

func (b busSubscriber) On(event string, h eventbus.Handler) func() {
	return b.bus.On(event, h)
}

func newTestFeed(t *testing.T) (*Feed, *eventbus.Bus, *clocktest.ManualClock) {
	t.Helper()
	bus := eventbus.New()
	clk := clocktest.NewManualClock(time.Unix(1700000000, 0))
	f := NewFeed(busSubscriber{bus}, clk)
	t.Cleanup(f.Close)
	return f, bus, clk
}

func TestFeed_BadgeSelfClears(t *testing.T) {
	f, bus, clk := newTestFeed(t)

	bus.Trigger(realtime.EventBuffering, &realtime.UserBuffering{UserID: "u1"})
	assert.True(t, f.IsBuffering("u1"))

	clk.Advance(4 * time.Second)
	assert.True(t, f.IsBuffering("u1"))

	clk.Advance(time.Second)
	assert.False(t, f.IsBuffering("u1"), "badge clears after the liveness timeout")
}

func TestFeed_FreshSignalExtendsBadge(t *testing.T) {
	f, bus, clk := newTestFeed(t)

	bus.Trigger(realtime.EventBuffering, &realtime.UserBuffering{UserID: "u1"})
	clk.Advance(3 * time.Second)
	bus.Trigger(realtime.EventBuffering, &realtime.UserBuffering{UserID: "u1"})

	clk.Advance(3 * time.Second)
	assert.True(t, f.IsBuffering("u1"))

	clk.Advance(2 * time.Second)
	assert.False(t, f.IsBuffering("u1"))
}

func TestFeed_UserLeftClearsBadge(t *testing.T) {
	f, bus, _ := newTestFeed(t)

	bus.Trigger(realtime.EventBuffering, &realtime.UserBuffering{UserID: "u1"})
	bus.Trigger(realtime.EventBuffering, &realtime.UserBuffering{UserID: "u2"})
	require.Equal(t, []string{"u1", "u2"}, f.Buffering())

	bus.Trigger(realtime.EventUserLeft, &realtime.UserLeft{UserID: "u1"})
	assert.Equal(t, []string{"u2"}, f.Buffering())
}

func TestFeed_DisconnectClearsAll(t *testing.T) {
	f, bus, _ := newTestFeed(t)

	bus.Trigger(realtime.EventBuffering, &realtime.UserBuffering{UserID: "u1"})
	bus.Trigger(realtime.EventSocketDisconnected, &realtime.SocketDisconnected{Reason: "read error"})

	assert.Empty(t, f.Buffering())
}
