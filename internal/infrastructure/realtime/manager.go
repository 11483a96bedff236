package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"watchparty/internal/infrastructure/clock/port"
	"watchparty/internal/infrastructure/eventbus"
)

const (
	defaultMaxAttempts = 5
	defaultBackoffMin  = 1 * time.Second
	defaultBackoffMax  = 5 * time.Second
	defaultReadTimeout = 60 * time.Second
)

// Config carries the transport settings for a Manager.
type Config struct {
	// URL is the websocket endpoint, e.g. ws://host/ws.
	URL string
	// Token authenticates the session as a bearer credential.
	Token string

	// MaxAttempts bounds dial retries per connect/reconnect cycle.
	MaxAttempts int
	BackoffMin  time.Duration
	BackoffMax  time.Duration
}

// Manager owns the lifetime of one real-time transport connection per
// browsing session. It dials, authenticates, pumps inbound frames onto the
// event bus, and reconnects with bounded backoff when the session drops.
//
// Inbound frames are dispatched from a single reader goroutine, so handlers
// for one event always run to completion before the next event is delivered.
type Manager struct {
	cfg    Config
	bus    *eventbus.Bus
	clk    port.Clock
	log    *slog.Logger
	dialer *websocket.Dialer

	mu      sync.Mutex
	active  *conn
	closing bool
	cancel  chan struct{}
	unsubs  []func()
}

// errConnectAborted marks a dial cycle cut short by Disconnect rather than by
// dial failures.
var errConnectAborted = errors.New("realtime: connect aborted: client disconnected")

func NewManager(cfg Config, bus *eventbus.Bus, clk port.Clock, log *slog.Logger) *Manager {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = defaultMaxAttempts
	}
	if cfg.BackoffMin <= 0 {
		cfg.BackoffMin = defaultBackoffMin
	}
	if cfg.BackoffMax <= 0 {
		cfg.BackoffMax = defaultBackoffMax
	}
	if log == nil {
		log = slog.Default()
	}
	return &Manager{
		cfg:    cfg,
		bus:    bus,
		clk:    clk,
		log:    log,
		dialer: &websocket.Dialer{HandshakeTimeout: 10 * time.Second},
	}
}

// Connect establishes the transport session. Calling it while already
// connected is a no-op. It retries up to MaxAttempts with backoff between
// BackoffMin and BackoffMax; exhausting the retries emits socket-error on
// the bus and returns the last dial error.
func (m *Manager) Connect(ctx context.Context) error {
	m.mu.Lock()
	if m.active != nil {
		m.mu.Unlock()
		return nil
	}
	m.closing = false
	// A fresh cancel channel starts a new connect generation; any reconnect
	// goroutine still holding the previous one can no longer attach.
	m.cancel = make(chan struct{})
	stop := m.cancel
	m.mu.Unlock()

	return m.dialLoop(ctx, stop)
}

// Disconnect tears the session down, aborts any in-flight reconnect cycle,
// and releases every bus subscription registered through On. It is the single
// point that guarantees neither transport subscriptions nor a resurrected
// session outlive the teardown.
func (m *Manager) Disconnect() {
	m.mu.Lock()
	m.closing = true
	if m.cancel != nil {
		close(m.cancel)
		m.cancel = nil
	}
	c := m.active
	m.active = nil
	unsubs := m.unsubs
	m.unsubs = nil
	m.mu.Unlock()

	for _, u := range unsubs {
		u()
	}
	if c != nil {
		c.shutdown(websocket.CloseNormalClosure, "client disconnect")
		m.bus.Trigger(EventSocketDisconnected, &SocketDisconnected{Reason: "client disconnect"})
	}
}

// Connected reports whether a live session exists. A supervising caller
// should re-check this a couple of seconds after Connect as a fallback
// liveness probe in case the connected event was missed.
func (m *Manager) Connected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.active != nil
}

// On registers handler on the event bus and records the subscription so
// Disconnect can release it.
func (m *Manager) On(event string, h eventbus.Handler) func() {
	u := m.bus.On(event, h)
	m.mu.Lock()
	m.unsubs = append(m.unsubs, u)
	m.mu.Unlock()
	return u
}

// Send marshals data into a wire frame and queues it on the session.
func (m *Manager) Send(event string, data any) error {
	raw, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("realtime: encode %s: %w", event, err)
	}
	payload, err := json.Marshal(frame{Event: event, Data: raw})
	if err != nil {
		return fmt.Errorf("realtime: encode frame: %w", err)
	}

	m.mu.Lock()
	c := m.active
	m.mu.Unlock()
	if c == nil {
		return errors.New("realtime: not connected")
	}
	return c.enqueue(payload)
}

func (m *Manager) dialLoop(ctx context.Context, stop chan struct{}) error {
	var lastErr error
	for attempt := 1; attempt <= m.cfg.MaxAttempts; attempt++ {
		if attempt > 1 {
			if err := m.wait(ctx, stop, m.backoff(attempt-1)); err != nil {
				return err
			}
		}
		select {
		case <-stop:
			return errConnectAborted
		default:
		}

		header := http.Header{}
		if m.cfg.Token != "" {
			header.Set("Authorization", "Bearer "+m.cfg.Token)
		}
		ws, resp, err := m.dialer.DialContext(ctx, m.cfg.URL, header)
		if resp != nil && resp.Body != nil {
			_ = resp.Body.Close()
		}
		if err != nil {
			lastErr = err
			m.log.Warn("dial failed", "attempt", attempt, "err", err)
			continue
		}

		if !m.attach(ws, stop) {
			_ = ws.Close()
			return errConnectAborted
		}
		return nil
	}

	m.bus.Trigger(EventSocketError, &SocketError{Err: lastErr.Error()})
	return fmt.Errorf("realtime: connect after %d attempts: %w", m.cfg.MaxAttempts, lastErr)
}

// attach installs the dialed socket as the active session. It refuses when
// the manager is closing or when stop belongs to a superseded connect
// generation, so a dial that lands after Disconnect cannot resurrect the
// session.
func (m *Manager) attach(ws *websocket.Conn, stop chan struct{}) bool {
	c := newConn(ws)

	ws.SetReadLimit(1 << 20)
	_ = ws.SetReadDeadline(time.Now().Add(defaultReadTimeout))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(defaultReadTimeout))
	})

	m.mu.Lock()
	if m.closing || m.cancel != stop {
		m.mu.Unlock()
		return false
	}
	m.active = c
	m.mu.Unlock()

	go c.writePump()
	go m.readLoop(c)

	m.log.Info("connected", "session", c.id)
	m.bus.Trigger(EventSocketConnected, &SocketConnected{SocketID: c.id})
	return true
}

func (m *Manager) readLoop(c *conn) {
	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			m.handleReadError(c, err)
			return
		}

		var f frame
		if err := json.Unmarshal(data, &f); err != nil {
			m.log.Warn("malformed frame", "err", err)
			continue
		}
		payload, err := decodePayload(f)
		if err != nil {
			m.log.Warn("undecodable payload", "event", f.Event, "err", err)
			continue
		}
		m.bus.Trigger(f.Event, payload)
	}
}

func (m *Manager) handleReadError(c *conn, err error) {
	m.mu.Lock()
	stale := m.closing || m.active != c
	if !stale {
		m.active = nil
	}
	stop := m.cancel
	m.mu.Unlock()
	if stale {
		return
	}

	c.shutdown(websocket.CloseGoingAway, "read error")
	m.log.Warn("connection lost", "session", c.id, "err", err)
	m.bus.Trigger(EventSocketDisconnected, &SocketDisconnected{Reason: err.Error()})

	// Reconnect off the reader goroutine, bound to the current connect
	// generation so Disconnect can abort it mid-backoff. dialLoop reports
	// exhaustion as a socket-error event.
	go func() {
		rerr := m.dialLoop(context.Background(), stop)
		switch {
		case rerr == nil:
		case errors.Is(rerr, errConnectAborted):
			m.log.Debug("reconnect aborted", "err", rerr)
		default:
			m.log.Error("reconnect failed", "err", rerr)
		}
	}()
}

// backoff grows exponentially from BackoffMin and saturates at BackoffMax.
func (m *Manager) backoff(n int) time.Duration {
	d := m.cfg.BackoffMin << (n - 1)
	if d > m.cfg.BackoffMax || d <= 0 {
		d = m.cfg.BackoffMax
	}
	return d
}

func (m *Manager) wait(ctx context.Context, stop chan struct{}, d time.Duration) error {
	done := make(chan struct{})
	t := m.clk.AfterFunc(d, func() { close(done) })
	select {
	case <-done:
		return nil
	case <-stop:
		t.Stop()
		return errConnectAborted
	case <-ctx.Done():
		t.Stop()
		return ctx.Err()
	}
}
