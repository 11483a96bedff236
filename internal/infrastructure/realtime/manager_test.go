package realtime

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	clockAdapter "watchparty/internal/infrastructure/clock/adapter"
	"watchparty/internal/infrastructure/clock/clocktest"
	"watchparty/internal/infrastructure/eventbus"
	"watchparty/internal/partytest"
	"watchparty/internal/pkg/party/domain"
)

type recorder struct {
	mu       sync.Mutex
	payloads []any
}

func (r *recorder) handler(p any) {
	r.mu.Lock()
	r.payloads = append(r.payloads, p)
	r.mu.Unlock()
}

func (r *recorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.payloads)
}

func (r *recorder) last() any {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.payloads) == 0 {
		return nil
	}
	return r.payloads[len(r.payloads)-1]
}

func testServer(t *testing.T) *partytest.Server {
	t.Helper()
	srv := partytest.NewServer()
	t.Cleanup(srv.Close)
	srv.Register("tok-1", "user-1", "ada")
	srv.SeedParty(domain.Party{
		ID:              "party-1",
		Code:            "AB12",
		HostID:          "user-1",
		Speed:           1,
		MaxParticipants: 8,
	})
	return srv
}

func newTestManager(t *testing.T, srv *partytest.Server, token string) (*Manager, *eventbus.Bus) {
	t.Helper()
	bus := eventbus.New()
	m := NewManager(Config{
		URL:         srv.WSURL(),
		Token:       token,
		MaxAttempts: 2,
		BackoffMin:  5 * time.Millisecond,
		BackoffMax:  10 * time.Millisecond,
	}, bus, clockAdapter.NewSystemClock(), nil)
	t.Cleanup(m.Disconnect)
	return m, bus
}

func TestManager_ConnectEmitsSocketConnected(t *testing.T) {
	srv := testServer(t)
	m, bus := newTestManager(t, srv, "tok-1")

	connected := &recorder{}
	bus.On(EventSocketConnected, connected.handler)

	require.NoError(t, m.Connect(context.Background()))
	assert.True(t, m.Connected())

	require.Equal(t, 1, connected.count())
	payload, ok := connected.last().(*SocketConnected)
	require.True(t, ok)
	assert.NotEmpty(t, payload.SocketID)

	// Idempotent: a second connect is a no-op.
	require.NoError(t, m.Connect(context.Background()))
	assert.Equal(t, 1, connected.count())
}

func TestManager_JoinPartyRoundTrip(t *testing.T) {
	srv := testServer(t)
	m, _ := newTestManager(t, srv, "tok-1")

	joined := &recorder{}
	m.On(EventPartyJoined, joined.handler)

	require.NoError(t, m.Connect(context.Background()))
	require.NoError(t, m.Send(EventJoinParty, JoinParty{Code: "AB12"}))

	require.Eventually(t, func() bool { return joined.count() == 1 }, 2*time.Second, 10*time.Millisecond)

	payload, ok := joined.last().(*PartyJoined)
	require.True(t, ok)
	assert.Equal(t, "AB12", payload.Party.Code)
	assert.True(t, payload.IsHost)
	require.Len(t, payload.Participants, 1)
	assert.Equal(t, "user-1", payload.Participants[0].UserID)
}

func TestManager_JoinUnknownCodeYieldsPartyError(t *testing.T) {
	srv := testServer(t)
	m, _ := newTestManager(t, srv, "tok-1")

	errs := &recorder{}
	m.On(EventPartyError, errs.handler)

	require.NoError(t, m.Connect(context.Background()))
	require.NoError(t, m.Send(EventJoinParty, JoinParty{Code: "NOPE"}))

	require.Eventually(t, func() bool { return errs.count() == 1 }, 2*time.Second, 10*time.Millisecond)
	payload := errs.last().(*PartyError)
	assert.Contains(t, payload.Message, "NOPE")
}

func TestManager_DisconnectClearsSubscriptions(t *testing.T) {
	srv := testServer(t)
	m, bus := newTestManager(t, srv, "tok-1")

	events := &recorder{}
	m.On(EventPartyJoined, events.handler)

	require.NoError(t, m.Connect(context.Background()))
	m.Disconnect()
	assert.False(t, m.Connected())

	// Subscriptions registered through the manager are gone.
	bus.Trigger(EventPartyJoined, &PartyJoined{})
	assert.Zero(t, events.count())

	require.Error(t, m.Send(EventJoinParty, JoinParty{Code: "AB12"}))
}

func TestManager_SendWhileDisconnected(t *testing.T) {
	srv := testServer(t)
	m, _ := newTestManager(t, srv, "tok-1")

	err := m.Send(EventJoinParty, JoinParty{Code: "AB12"})
	assert.Error(t, err)
}

func TestManager_DisconnectAbortsReconnect(t *testing.T) {
	srv := testServer(t)
	bus := eventbus.New()
	clk := clocktest.NewManualClock(time.Unix(1700000000, 0))
	m := NewManager(Config{
		URL:         srv.WSURL(),
		Token:       "tok-1",
		MaxAttempts: 5,
		BackoffMin:  time.Second,
		BackoffMax:  5 * time.Second,
	}, bus, clk, nil)
	t.Cleanup(m.Disconnect)

	connected := &recorder{}
	bus.On(EventSocketConnected, connected.handler)

	require.NoError(t, m.Connect(context.Background()))
	require.Equal(t, 1, connected.count())

	// Sever the session with the next dial refused: the reconnect cycle ends
	// up parked in its backoff wait on the injected clock.
	srv.RefuseDials(1)
	srv.DropConnections()
	require.Eventually(t, func() bool { return !m.Connected() }, 2*time.Second, 10*time.Millisecond)

	m.Disconnect()
	clk.Advance(time.Minute)

	// Give a runaway reconnect goroutine every chance to attach.
	time.Sleep(300 * time.Millisecond)
	assert.False(t, m.Connected(), "session resurrected after Disconnect")
	assert.Equal(t, 1, connected.count(), "socket-connected fired after Disconnect")
}

func TestManager_ExhaustedRetriesReported(t *testing.T) {
	bus := eventbus.New()
	m := NewManager(Config{
		URL:         "ws://127.0.0.1:1/ws", // nothing listens here
		Token:       "tok-1",
		MaxAttempts: 2,
		BackoffMin:  time.Millisecond,
		BackoffMax:  2 * time.Millisecond,
	}, bus, clockAdapter.NewSystemClock(), nil)

	failures := &recorder{}
	bus.On(EventSocketError, failures.handler)

	err := m.Connect(context.Background())
	require.Error(t, err)
	assert.False(t, m.Connected())
	assert.Equal(t, 1, failures.count(), "exhausting retries is reported, not swallowed")
}
