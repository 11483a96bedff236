package party

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"watchparty/internal/infrastructure/api"
	"watchparty/internal/infrastructure/clock/port"
	"watchparty/internal/pkg/party/domain"
)

// defaultPollInterval is how often the pending-request list is refreshed
// while the local client hosts a party.
const defaultPollInterval = 5 * time.Second

// RequestAPI is the slice of the request/response surface the inbox uses.
type RequestAPI interface {
	ListJoinRequests(ctx context.Context, partyID string) ([]domain.JoinRequest, error)
	RespondJoinRequest(ctx context.Context, partyID, requestID string, accept bool) error
}

// RequestInbox is the host-side approval queue for users asking to enter a
// restricted party. It polls on start and every interval thereafter; the
// request panel's visibility is derived solely from HasPending.
type RequestInbox struct {
	api      RequestAPI
	machine  *Machine
	clk      port.Clock
	log      *slog.Logger
	interval time.Duration

	mu      sync.Mutex
	pending []domain.JoinRequest
	timer   port.Timer
	closed  bool
}

// NewRequestInbox wires the inbox to the request/response surface. interval
// is the polling period; zero or negative falls back to the default.
func NewRequestInbox(reqAPI RequestAPI, machine *Machine, interval time.Duration, clk port.Clock, log *slog.Logger) *RequestInbox {
	if log == nil {
		log = slog.Default()
	}
	if interval <= 0 {
		interval = defaultPollInterval
	}
	return &RequestInbox{
		api:      reqAPI,
		machine:  machine,
		clk:      clk,
		log:      log,
		interval: interval,
	}
}

// Start performs the initial fetch and arms the polling loop.
func (r *RequestInbox) Start() {
	r.cycle()
}

// Close cancels the polling loop.
func (r *RequestInbox) Close() {
	r.mu.Lock()
	r.closed = true
	if r.timer != nil {
		r.timer.Stop()
		r.timer = nil
	}
	r.mu.Unlock()
}

// Respond accepts or rejects one pending request. The removal is optimistic:
// on success exactly the matching request leaves the local list immediately;
// on failure the list is untouched and the error is returned for the caller
// to surface — retrying is left to the user.
func (r *RequestInbox) Respond(ctx context.Context, requestID string, accept bool) error {
	p, ok := r.machine.Party()
	if !ok {
		return domain.ErrNoParty
	}
	if err := r.api.RespondJoinRequest(ctx, p.ID, requestID, accept); err != nil {
		return err
	}

	r.mu.Lock()
	for i, req := range r.pending {
		if req.ID == requestID {
			r.pending = append(r.pending[:i:i], r.pending[i+1:]...)
			break
		}
	}
	r.mu.Unlock()
	return nil
}

// Pending returns the current pending requests.
func (r *RequestInbox) Pending() []domain.JoinRequest {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]domain.JoinRequest, len(r.pending))
	copy(out, r.pending)
	return out
}

// HasPending drives the visibility of the host's request panel.
func (r *RequestInbox) HasPending() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.pending) > 0
}

func (r *RequestInbox) cycle() {
	r.poll()

	r.mu.Lock()
	if !r.closed {
		r.timer = r.clk.AfterFunc(r.interval, r.cycle)
	}
	r.mu.Unlock()
}

func (r *RequestInbox) poll() {
	p, ok := r.machine.Party()
	if !ok || !r.machine.IsHost() {
		// Not hosting: nothing to approve. Drop anything left over from a
		// previous hosting stint.
		r.replace(nil)
		return
	}

	reqs, err := r.api.ListJoinRequests(context.Background(), p.ID)
	if err != nil {
		if errors.Is(err, api.ErrUnauthorized) {
			// A 401/403 mid-poll usually means the credential is being
			// refreshed; treat it as benign and let the session guard at a
			// higher layer decide whether re-authentication is needed.
			r.log.Debug("join request poll unauthorized", "party", p.ID)
			r.replace(nil)
			return
		}
		r.log.Warn("join request poll failed", "err", err)
		return
	}
	r.replace(reqs)
}

func (r *RequestInbox) replace(reqs []domain.JoinRequest) {
	r.mu.Lock()
	r.pending = reqs
	r.mu.Unlock()
}
