package party

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"watchparty/internal/infrastructure/clock/port"
	"watchparty/internal/infrastructure/eventbus"
	"watchparty/internal/infrastructure/realtime"
	"watchparty/internal/pkg/party/domain"
)

// State is the lifecycle position of the client within a party.
type State int

const (
	StateIdle State = iota
	StateJoining
	StateJoined
)

func (s State) String() string {
	switch s {
	case StateJoining:
		return "joining"
	case StateJoined:
		return "joined"
	default:
		return "idle"
	}
}

// endedGrace is how long the party-ended message stays on screen before the
// local session is forcibly torn down.
const endedGrace = 3 * time.Second

// Conn is the slice of the transport layer the machine depends on.
type Conn interface {
	Send(event string, data any) error
	On(event string, h eventbus.Handler) func()
}

// Ender performs the request/response party-end call. Ending a party locally
// is only allowed once this call has succeeded.
type Ender interface {
	EndParty(ctx context.Context, partyID string) error
}

// Machine holds the client's view of the current party: metadata, roster and
// host identity. It is the only component that mutates this state; everything
// else reads snapshots. Errors are an overlay, not a state: an error received
// while joined is surfaced but does not tear the session down — only an
// explicit leave or a party-ended event does.
type Machine struct {
	selfID string
	conn   Conn
	clk    port.Clock
	log    *slog.Logger

	mu      sync.RWMutex
	state   State
	party   *domain.Party
	roster  map[string]domain.Participant
	isHost  bool
	lastErr string
	grace   port.Timer
	onReset []func()
	unsubs  []func()
}

// NewMachine wires the state machine to the transport. selfID is the local
// user's identifier; it is needed to recognize a host-changed event that
// promotes this client.
func NewMachine(selfID string, conn Conn, clk port.Clock, log *slog.Logger) *Machine {
	if log == nil {
		log = slog.Default()
	}
	m := &Machine{
		selfID: selfID,
		conn:   conn,
		clk:    clk,
		log:    log,
		roster: make(map[string]domain.Participant),
	}
	m.unsubs = append(m.unsubs,
		conn.On(realtime.EventPartyJoined, m.onPartyJoined),
		conn.On(realtime.EventPartyError, m.onPartyError),
		conn.On(realtime.EventUserJoined, m.onUserJoined),
		conn.On(realtime.EventUserLeft, m.onUserLeft),
		conn.On(realtime.EventHostChanged, m.onHostChanged),
		conn.On(realtime.EventPartyEnded, m.onPartyEnded),
	)
	return m
}

// RegisterResetHook adds fn to the local-teardown path. Hooks run whenever
// the party is discarded (leave, end, forced leave after party-ended).
func (m *Machine) RegisterResetHook(fn func()) {
	m.mu.Lock()
	m.onReset = append(m.onReset, fn)
	m.mu.Unlock()
}

// JoinParty sends a join intent for the given party code and moves to
// joining. The outcome arrives as party-joined or party-error.
func (m *Machine) JoinParty(code string) error {
	m.mu.Lock()
	if m.state != StateIdle {
		m.mu.Unlock()
		return domain.ErrAlreadyInParty
	}
	m.state = StateJoining
	m.lastErr = ""
	m.mu.Unlock()

	if err := m.conn.Send(realtime.EventJoinParty, realtime.JoinParty{Code: code}); err != nil {
		m.mu.Lock()
		m.state = StateIdle
		m.mu.Unlock()
		return err
	}
	return nil
}

// LeaveParty notifies the server (best-effort) and unconditionally clears the
// local party, roster and message state.
func (m *Machine) LeaveParty() {
	m.mu.Lock()
	var partyID string
	if m.party != nil {
		partyID = m.party.ID
	}
	m.mu.Unlock()

	if partyID != "" {
		if err := m.conn.Send(realtime.EventLeaveParty, realtime.LeaveParty{PartyID: partyID}); err != nil {
			m.log.Warn("leave notification failed", "err", err)
		}
	}
	m.reset()
}

// EndParty terminates the party for everyone. Host-only, and local teardown
// happens only after the request/response end call has succeeded.
func (m *Machine) EndParty(ctx context.Context, ender Ender) error {
	m.mu.RLock()
	if m.party == nil {
		m.mu.RUnlock()
		return domain.ErrNoParty
	}
	if !m.isHost {
		m.mu.RUnlock()
		return domain.ErrNotHost
	}
	partyID := m.party.ID
	m.mu.RUnlock()

	if err := ender.EndParty(ctx, partyID); err != nil {
		return err
	}
	m.reset()
	return nil
}

// Close releases the machine's bus subscriptions and pending timers. It does
// not send anything; use LeaveParty for an orderly exit.
func (m *Machine) Close() {
	for _, u := range m.unsubs {
		u()
	}
	m.unsubs = nil
	m.mu.Lock()
	if m.grace != nil {
		m.grace.Stop()
		m.grace = nil
	}
	m.mu.Unlock()
}

// Snapshot accessors.

func (m *Machine) State() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}

// Party returns a copy of the current party snapshot.
func (m *Machine) Party() (domain.Party, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.party == nil {
		return domain.Party{}, false
	}
	return *m.party, true
}

// Roster returns the participants ordered by user id for stable display.
func (m *Machine) Roster() []domain.Participant {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]domain.Participant, 0, len(m.roster))
	for _, p := range m.roster {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out
}

func (m *Machine) IsHost() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.isHost
}

// LastError returns the currently surfaced error message, if any.
func (m *Machine) LastError() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.lastErr
}

// ClearError dismisses the surfaced error message.
func (m *Machine) ClearError() {
	m.mu.Lock()
	m.lastErr = ""
	m.mu.Unlock()
}

// ControlContext implements the playback engine's permission gate: control
// actions may be broadcast when the client is host or the party allows guest
// control.
func (m *Machine) ControlContext() (partyID string, allowed bool, ok bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.state != StateJoined || m.party == nil {
		return "", false, false
	}
	return m.party.ID, m.isHost || m.party.AllowGuestsControl, true
}

// Event handlers. These run on the transport's dispatch goroutine.

func (m *Machine) onPartyJoined(payload any) {
	p, ok := payload.(*realtime.PartyJoined)
	if !ok {
		return
	}
	m.mu.Lock()
	if m.grace != nil {
		m.grace.Stop()
		m.grace = nil
	}
	snapshot := p.Party
	m.party = &snapshot
	m.roster = make(map[string]domain.Participant, len(p.Participants))
	for _, part := range p.Participants {
		m.roster[part.UserID] = part
	}
	m.isHost = p.IsHost
	m.state = StateJoined
	m.lastErr = ""
	m.mu.Unlock()

	m.log.Info("joined party", "code", snapshot.Code, "participants", len(p.Participants), "host", p.IsHost)
}

func (m *Machine) onPartyError(payload any) {
	p, ok := payload.(*realtime.PartyError)
	if !ok {
		return
	}
	m.mu.Lock()
	m.lastErr = p.Message
	// A failed join falls back to idle; an error while joined is surfaced
	// without tearing the session down.
	if m.state == StateJoining {
		m.state = StateIdle
	}
	m.mu.Unlock()
	m.log.Warn("party error", "message", p.Message)
}

func (m *Machine) onUserJoined(payload any) {
	p, ok := payload.(*domain.Participant)
	if !ok {
		return
	}
	m.mu.Lock()
	if m.state == StateJoined {
		m.roster[p.UserID] = *p
	}
	m.mu.Unlock()
}

func (m *Machine) onUserLeft(payload any) {
	p, ok := payload.(*realtime.UserLeft)
	if !ok {
		return
	}
	m.mu.Lock()
	delete(m.roster, p.UserID)
	m.mu.Unlock()
}

func (m *Machine) onHostChanged(payload any) {
	p, ok := payload.(*realtime.HostChanged)
	if !ok {
		return
	}
	m.mu.Lock()
	if m.party != nil {
		m.party.HostID = p.NewHostID
	}
	for id, part := range m.roster {
		part.IsHost = id == p.NewHostID
		m.roster[id] = part
	}
	m.isHost = p.NewHostID == m.selfID
	becameHost := m.isHost
	m.mu.Unlock()

	m.log.Info("host changed", "new_host", p.NewHostID, "is_self", becameHost)
}

func (m *Machine) onPartyEnded(payload any) {
	p, ok := payload.(*realtime.PartyEnded)
	if !ok {
		return
	}
	m.mu.Lock()
	m.lastErr = p.Message
	if m.grace != nil {
		m.grace.Stop()
	}
	// The message stays visible for the grace period, then the local session
	// is discarded no matter what else arrived in between.
	m.grace = m.clk.AfterFunc(endedGrace, m.reset)
	m.mu.Unlock()

	m.log.Info("party ended", "message", p.Message)
}

// reset clears party, roster and registered dependent state (messages),
// returning to idle. The surfaced error message is kept so the user still
// sees why the party went away.
func (m *Machine) reset() {
	m.mu.Lock()
	if m.grace != nil {
		m.grace.Stop()
		m.grace = nil
	}
	m.state = StateIdle
	m.party = nil
	m.roster = make(map[string]domain.Participant)
	m.isHost = false
	hooks := make([]func(), len(m.onReset))
	copy(hooks, m.onReset)
	m.mu.Unlock()

	for _, fn := range hooks {
		fn()
	}
}
