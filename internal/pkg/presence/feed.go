package presence

import (
	"sort"
	"sync"
	"time"

	"watchparty/internal/infrastructure/clock/port"
	"watchparty/internal/infrastructure/eventbus"
	"watchparty/internal/infrastructure/realtime"
)

// badgeTTL is how long a buffering badge stays up without a fresh signal.
// Peers never send an explicit "recovered" event, so expiry is a liveness
// heuristic, not a guarantee.
const badgeTTL = 5 * time.Second

// Subscriber registers bus handlers; satisfied by the realtime Manager.
type Subscriber interface {
	On(event string, h eventbus.Handler) func()
}

// Feed derives per-participant buffering indicators from bus signals for
// display. It owns no state beyond the transient badge timers.
type Feed struct {
	clk port.Clock

	mu        sync.Mutex
	buffering map[string]port.Timer
	unsubs    []func()
}

func NewFeed(conn Subscriber, clk port.Clock) *Feed {
	f := &Feed{
		clk:       clk,
		buffering: make(map[string]port.Timer),
	}
	f.unsubs = append(f.unsubs,
		conn.On(realtime.EventBuffering, f.onBuffering),
		conn.On(realtime.EventUserLeft, f.onUserLeft),
		conn.On(realtime.EventPartyEnded, func(any) { f.clearAll() }),
		conn.On(realtime.EventSocketDisconnected, func(any) { f.clearAll() }),
	)
	return f
}

// Buffering lists user ids currently showing a buffering badge.
func (f *Feed) Buffering() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, 0, len(f.buffering))
	for id := range f.buffering {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// IsBuffering reports whether userID currently shows a buffering badge.
func (f *Feed) IsBuffering(userID string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.buffering[userID]
	return ok
}

// Close releases subscriptions and pending badge timers.
func (f *Feed) Close() {
	for _, u := range f.unsubs {
		u()
	}
	f.unsubs = nil
	f.clearAll()
}

func (f *Feed) onBuffering(payload any) {
	p, ok := payload.(*realtime.UserBuffering)
	if !ok {
		return
	}
	f.mu.Lock()
	if t, exists := f.buffering[p.UserID]; exists {
		t.Stop()
	}
	f.buffering[p.UserID] = f.clk.AfterFunc(badgeTTL, func() { f.expire(p.UserID) })
	f.mu.Unlock()
}

func (f *Feed) onUserLeft(payload any) {
	p, ok := payload.(*realtime.UserLeft)
	if !ok {
		return
	}
	f.mu.Lock()
	if t, exists := f.buffering[p.UserID]; exists {
		t.Stop()
		delete(f.buffering, p.UserID)
	}
	f.mu.Unlock()
}

func (f *Feed) expire(userID string) {
	f.mu.Lock()
	delete(f.buffering, userID)
	f.mu.Unlock()
}

func (f *Feed) clearAll() {
	f.mu.Lock()
	for id, t := range f.buffering {
		t.Stop()
		delete(f.buffering, id)
	}
	f.mu.Unlock()
}
