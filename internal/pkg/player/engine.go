package player

import (
	"log/slog"
	"sync"
	"time"

	"watchparty/internal/infrastructure/clock/port"
	"watchparty/internal/infrastructure/eventbus"
	"watchparty/internal/infrastructure/realtime"
)

// EventControlRejected is published locally when a non-privileged guest
// attempts a control action. UI layers subscribe to it to show the rejection.
const EventControlRejected = "control-rejected"

// ControlRejected is the payload for EventControlRejected.
type ControlRejected struct {
	Action string `json:"action"`
}

// echoWait is how long the engine waits for the surface callback produced by
// an applied remote instruction before assuming it is not coming.
const echoWait = 250 * time.Millisecond

// Sender pushes outbound protocol messages onto the wire.
type Sender interface {
	Send(event string, data any) error
}

// PermissionSource answers whether the local client may broadcast control
// actions right now. ok is false when no party is joined.
type PermissionSource interface {
	ControlContext() (partyID string, allowed bool, ok bool)
}

// Engine keeps the local media surface aligned with the party without
// creating local -> remote -> local echo loops. Local user intents (observed
// through the Registry) become outbound protocol messages; inbound remote
// messages become surface calls, with the resulting surface callbacks
// swallowed by the echo gate. Every physical state change is therefore
// broadcast exactly once, regardless of where it originated.
type Engine struct {
	reg   *Registry
	bus   *eventbus.Bus
	out   Sender
	perms PermissionSource
	log   *slog.Logger

	gate   *echoGate
	unsubs []func()
}

func NewEngine(reg *Registry, bus *eventbus.Bus, out Sender, perms PermissionSource, clk port.Clock, log *slog.Logger) *Engine {
	if log == nil {
		log = slog.Default()
	}
	e := &Engine{
		reg:   reg,
		bus:   bus,
		out:   out,
		perms: perms,
		log:   log,
		gate:  newEchoGate(clk, echoWait),
	}

	reg.bind(handlers{
		onPlay:  e.localPlay,
		onPause: e.localPause,
		onSeek:  e.localSeek,
		onSpeed: e.localSpeed,
		onStall: e.localStall,
	})

	e.unsubs = append(e.unsubs,
		bus.On(realtime.EventPlayerPlay, e.remotePlay),
		bus.On(realtime.EventPlayerPause, e.remotePause),
		bus.On(realtime.EventPlayerSeek, e.remoteSeek),
		bus.On(realtime.EventSpeedChanged, e.remoteSpeed),
	)
	return e
}

// Close releases bus subscriptions and detaches from the registry.
func (e *Engine) Close() {
	for _, u := range e.unsubs {
		u()
	}
	e.unsubs = nil
	e.reg.bind(handlers{})
	e.gate.reset()
}

// Remote instructions. Every play/pause/seek carries an authoritative
// position; the local position is overwritten unconditionally before the
// play state toggles. Trusting local elapsed time instead would let clock
// drift accumulate across clients.

func (e *Engine) remotePlay(payload any) {
	p, okp := payload.(*realtime.PlayerPlay)
	s := e.reg.Surface()
	if !okp || s == nil {
		return
	}
	e.gate.arm(actionSeek)
	s.Seek(p.CurrentTime)
	e.gate.arm(actionPlay)
	s.Play()
}

func (e *Engine) remotePause(payload any) {
	p, okp := payload.(*realtime.PlayerPause)
	s := e.reg.Surface()
	if !okp || s == nil {
		return
	}
	e.gate.arm(actionSeek)
	s.Seek(p.CurrentTime)
	e.gate.arm(actionPause)
	s.Pause()
}

func (e *Engine) remoteSeek(payload any) {
	p, okp := payload.(*realtime.PlayerSeek)
	s := e.reg.Surface()
	if !okp || s == nil {
		return
	}
	e.gate.arm(actionSeek)
	s.Seek(p.CurrentTime)
}

func (e *Engine) remoteSpeed(payload any) {
	p, okp := payload.(*realtime.SpeedChanged)
	s := e.reg.Surface()
	if !okp || s == nil {
		return
	}
	e.gate.arm(actionSpeed)
	s.SetSpeed(p.Speed)
}

// Local surface callbacks. A consumed gate entry means the change was the
// echo of an applied remote instruction and must not be re-broadcast.

func (e *Engine) localPlay() {
	if e.gate.consume(actionPlay) {
		return
	}
	pid, allowed, ok := e.perms.ControlContext()
	if !ok {
		return
	}
	if !allowed {
		e.revertPlay()
		return
	}
	e.send(realtime.EventPlayerPlay, realtime.PlayerState{PartyID: pid, CurrentTime: e.position()})
}

func (e *Engine) localPause() {
	if e.gate.consume(actionPause) {
		return
	}
	pid, allowed, ok := e.perms.ControlContext()
	if !ok {
		return
	}
	if !allowed {
		e.revertPause()
		return
	}
	e.send(realtime.EventPlayerPause, realtime.PlayerState{PartyID: pid, CurrentTime: e.position()})
}

func (e *Engine) localSeek(seconds float64) {
	if e.gate.consume(actionSeek) {
		return
	}
	pid, allowed, ok := e.perms.ControlContext()
	if !ok {
		return
	}
	if !allowed {
		e.reject("seek")
		return
	}
	e.send(realtime.EventPlayerSeek, realtime.PlayerState{PartyID: pid, CurrentTime: seconds})
}

func (e *Engine) localSpeed(speed float64) {
	if e.gate.consume(actionSpeed) {
		return
	}
	pid, allowed, ok := e.perms.ControlContext()
	if !ok {
		return
	}
	if !allowed {
		e.reject("speed")
		return
	}
	e.send(realtime.EventPlayerSpeed, realtime.PlayerSpeedChange{PartyID: pid, Speed: speed, CurrentTime: e.position()})
}

// localStall has no echo concern: stalls are never applied remotely. Any
// participant may signal buffering, privileged or not.
func (e *Engine) localStall() {
	pid, _, ok := e.perms.ControlContext()
	if !ok {
		return
	}
	e.send(realtime.EventPlayerBuffer, realtime.PlayerState{PartyID: pid, CurrentTime: e.position()})
}

// revertPlay undoes a forbidden play so the guest stays aligned with the
// party. The undo is armed so its own callback is not broadcast either.
func (e *Engine) revertPlay() {
	if s := e.reg.Surface(); s != nil {
		e.gate.arm(actionPause)
		s.Pause()
	}
	e.reject("play")
}

func (e *Engine) revertPause() {
	if s := e.reg.Surface(); s != nil {
		e.gate.arm(actionPlay)
		s.Play()
	}
	e.reject("pause")
}

func (e *Engine) reject(action string) {
	e.log.Debug("control rejected", "action", action)
	e.bus.Trigger(EventControlRejected, &ControlRejected{Action: action})
}

func (e *Engine) send(event string, data any) {
	if err := e.out.Send(event, data); err != nil {
		e.log.Warn("send failed", "event", event, "err", err)
	}
}

func (e *Engine) position() float64 {
	if s := e.reg.Surface(); s != nil {
		return s.CurrentTime()
	}
	return 0
}

// echo gate

type action string

const (
	actionPlay  action = "play"
	actionPause action = "pause"
	actionSeek  action = "seek"
	actionSpeed action = "speed"
)

// echoGate is the explicit idle -> awaiting-echo -> idle state machine for
// echo suppression, one lane per action kind. Arming starts a timeout so a
// surface that never fires the expected callback cannot leave the gate
// permanently stuck in the suppressed state.
type echoGate struct {
	mu      sync.Mutex
	clk     port.Clock
	ttl     time.Duration
	pending map[action]port.Timer
}

func newEchoGate(clk port.Clock, ttl time.Duration) *echoGate {
	return &echoGate{clk: clk, ttl: ttl, pending: make(map[action]port.Timer)}
}

func (g *echoGate) arm(a action) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if t, ok := g.pending[a]; ok {
		t.Stop()
	}
	g.pending[a] = g.clk.AfterFunc(g.ttl, func() { g.expire(a) })
}

// consume reports whether lane a was awaiting an echo, clearing it if so.
func (g *echoGate) consume(a action) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	t, ok := g.pending[a]
	if !ok {
		return false
	}
	t.Stop()
	delete(g.pending, a)
	return true
}

func (g *echoGate) expire(a action) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.pending, a)
}

func (g *echoGate) reset() {
	g.mu.Lock()
	defer g.mu.Unlock()
	for a, t := range g.pending {
		t.Stop()
		delete(g.pending, a)
	}
}
