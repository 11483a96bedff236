package player

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"watchparty/internal/infrastructure/clock/clocktest"
	"watchparty/internal/infrastructure/eventbus"
	"watchparty/internal/infrastructure/realtime"
)

// fakeSurface mimics a real media element: every applied mutation fires the
// corresponding Registry notification synchronously, exactly the feedback
// path the echo gate has to suppress.
type fakeSurface struct {
	reg *Registry

	mu       sync.Mutex
	playing  bool
	position float64
	speed    float64
}

func newFakeSurface(reg *Registry) *fakeSurface {
	return &fakeSurface{reg: reg, speed: 1}
}

func (f *fakeSurface) Play() {
	f.mu.Lock()
	f.playing = true
	f.mu.Unlock()
	f.reg.NotifyPlay()
}

func (f *fakeSurface) Pause() {
	f.mu.Lock()
	f.playing = false
	f.mu.Unlock()
	f.reg.NotifyPause()
}

func (f *fakeSurface) Seek(seconds float64) {
	f.mu.Lock()
	f.position = seconds
	f.mu.Unlock()
	f.reg.NotifySeek(seconds)
}

func (f *fakeSurface) SetSpeed(speed float64) {
	f.mu.Lock()
	f.speed = speed
	f.mu.Unlock()
	f.reg.NotifySpeed(speed)
}

func (f *fakeSurface) CurrentTime() float64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.position
}

func (f *fakeSurface) Duration() float64 { return 7200 }

func (f *fakeSurface) state() (playing bool, position, speed float64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.playing, f.position, f.speed
}

type sentFrame struct {
	event string
	data  any
}

type fakeSender struct {
	mu   sync.Mutex
	sent []sentFrame
}

func (f *fakeSender) Send(event string, data any) error {
	f.mu.Lock()
	f.sent = append(f.sent, sentFrame{event: event, data: data})
	f.mu.Unlock()
	return nil
}

func (f *fakeSender) frames() []sentFrame {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]sentFrame, len(f.sent))
	copy(out, f.sent)
	return out
}

type fakePerms struct {
	partyID string
	allowed bool
	ok      bool
}

func (f fakePerms) ControlContext() (string, bool, bool) {
	return f.partyID, f.allowed, f.ok
}

func newTestEngine(t *testing.T, perms fakePerms) (*fakeSurface, *fakeSender, *eventbus.Bus, *clocktest.ManualClock) {
	t.Helper()
	bus := eventbus.New()
	clk := clocktest.NewManualClock(time.Unix(1700000000, 0))
	reg := NewRegistry()
	out := &fakeSender{}
	e := NewEngine(reg, bus, out, perms, clk, nil)
	t.Cleanup(e.Close)

	s := newFakeSurface(reg)
	reg.Attach(s)
	return s, out, bus, clk
}

func TestEngine_LocalActionBroadcastExactlyOnce(t *testing.T) {
	s, out, _, _ := newTestEngine(t, fakePerms{partyID: "p1", allowed: true, ok: true})

	// The surface fires its callback as a side effect of the user action;
	// that callback is the broadcast path and must fire exactly once.
	s.Seek(42.5)
	s.Play()
	s.Pause()
	s.SetSpeed(1.5)

	frames := out.frames()
	require.Len(t, frames, 4)
	assert.Equal(t, realtime.EventPlayerSeek, frames[0].event)
	assert.Equal(t, realtime.PlayerState{PartyID: "p1", CurrentTime: 42.5}, frames[0].data)
	assert.Equal(t, realtime.EventPlayerPlay, frames[1].event)
	assert.Equal(t, realtime.EventPlayerPause, frames[2].event)
	assert.Equal(t, realtime.EventPlayerSpeed, frames[3].event)
	assert.Equal(t, realtime.PlayerSpeedChange{PartyID: "p1", Speed: 1.5, CurrentTime: 42.5}, frames[3].data)
}

func TestEngine_RemotePauseAppliedWithoutEcho(t *testing.T) {
	s, out, bus, _ := newTestEngine(t, fakePerms{partyID: "p1", allowed: true, ok: true})

	bus.Trigger(realtime.EventPlayerPause, &realtime.PlayerPause{CurrentTime: 120.5})

	playing, position, _ := s.state()
	assert.False(t, playing)
	assert.Equal(t, 120.5, position)
	assert.Empty(t, out.frames(), "applying a remote instruction must not re-emit a protocol message")
}

func TestEngine_RemoteSeekOverwritesPosition(t *testing.T) {
	s, out, bus, _ := newTestEngine(t, fakePerms{partyID: "p1", allowed: true, ok: true})

	s.Seek(10) // genuine local seek, broadcast
	bus.Trigger(realtime.EventPlayerSeek, &realtime.PlayerSeek{CurrentTime: 300})

	_, position, _ := s.state()
	assert.Equal(t, float64(300), position, "remote position is authoritative, not a relative adjustment")
	require.Len(t, out.frames(), 1)
}

func TestEngine_RemoteSpeedAppliedWithoutEcho(t *testing.T) {
	s, out, bus, _ := newTestEngine(t, fakePerms{partyID: "p1", allowed: true, ok: true})

	bus.Trigger(realtime.EventSpeedChanged, &realtime.SpeedChanged{Speed: 2})

	_, _, speed := s.state()
	assert.Equal(t, float64(2), speed)
	assert.Empty(t, out.frames())
}

func TestEngine_GuestWithoutControlEmitsNothing(t *testing.T) {
	s, out, bus, _ := newTestEngine(t, fakePerms{partyID: "p1", allowed: false, ok: true})

	var rejected []string
	bus.On(EventControlRejected, func(p any) {
		rejected = append(rejected, p.(*ControlRejected).Action)
	})

	s.Play()
	s.Seek(50)
	s.SetSpeed(2)

	assert.Empty(t, out.frames(), "non-privileged guest must produce zero outbound player messages")
	assert.Contains(t, rejected, "play")
	assert.Contains(t, rejected, "seek")
	assert.Contains(t, rejected, "speed")

	// The forbidden play was reverted to keep the guest aligned.
	playing, _, _ := s.state()
	assert.False(t, playing)
}

func TestEngine_NoPartyNoBroadcast(t *testing.T) {
	s, out, _, _ := newTestEngine(t, fakePerms{ok: false})

	s.Play()
	s.Seek(10)

	assert.Empty(t, out.frames())
}

// muteSurface applies mutations without ever firing the Registry callbacks,
// modeling a surface whose expected echo never arrives.
type muteSurface struct{ position float64 }

func (m *muteSurface) Play()                {}
func (m *muteSurface) Pause()               {}
func (m *muteSurface) Seek(seconds float64) { m.position = seconds }
func (m *muteSurface) SetSpeed(float64)     {}
func (m *muteSurface) CurrentTime() float64 { return m.position }
func (m *muteSurface) Duration() float64    { return 7200 }

func TestEngine_EchoGateTimeoutUnsticks(t *testing.T) {
	bus := eventbus.New()
	clk := clocktest.NewManualClock(time.Unix(1700000000, 0))
	reg := NewRegistry()
	out := &fakeSender{}
	e := NewEngine(reg, bus, out, fakePerms{partyID: "p1", allowed: true, ok: true}, clk, nil)
	t.Cleanup(e.Close)
	reg.Attach(&muteSurface{})

	// The surface never fires the expected echo, so the pause lane stays
	// armed and would swallow the next genuine local pause.
	bus.Trigger(realtime.EventPlayerPause, &realtime.PlayerPause{CurrentTime: 5})
	require.Empty(t, out.frames())

	clk.Advance(time.Second)

	// The lane expired; a genuine local pause now broadcasts.
	reg.NotifyPause()
	frames := out.frames()
	require.Len(t, frames, 1)
	assert.Equal(t, realtime.EventPlayerPause, frames[0].event)
}

func TestEngine_BufferSignal(t *testing.T) {
	s, out, _, _ := newTestEngine(t, fakePerms{partyID: "p1", allowed: false, ok: true})

	s.Seek(0) // rejected: guest control off
	s.reg.NotifyStall()

	frames := out.frames()
	require.Len(t, frames, 1, "buffering is not permission gated")
	assert.Equal(t, realtime.EventPlayerBuffer, frames[0].event)
}

func TestEngine_CloseDetaches(t *testing.T) {
	bus := eventbus.New()
	clk := clocktest.NewManualClock(time.Unix(1700000000, 0))
	reg := NewRegistry()
	out := &fakeSender{}
	e := NewEngine(reg, bus, out, fakePerms{partyID: "p1", allowed: true, ok: true}, clk, nil)
	s := newFakeSurface(reg)
	reg.Attach(s)

	e.Close()

	bus.Trigger(realtime.EventPlayerSeek, &realtime.PlayerSeek{CurrentTime: 99})
	s.Play()

	_, position, _ := s.state()
	assert.Equal(t, float64(0), position, "closed engine must not touch the surface")
	assert.Empty(t, out.frames())
}
