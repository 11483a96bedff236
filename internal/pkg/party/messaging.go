package party

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"watchparty/internal/infrastructure/clock/port"
	"watchparty/internal/infrastructure/realtime"
	"watchparty/internal/pkg/party/domain"
)

// historyPageSize is the page size for paginated history fetches.
const historyPageSize = 50

// reactionTTL is how long a received reaction stays in the transient display
// list before it is dropped.
const reactionTTL = 5 * time.Second

// History fetches older messages from the request/response surface.
type History interface {
	Messages(ctx context.Context, partyID string, before time.Time, limit int) ([]domain.Message, error)
}

// Messenger is the ordered chat log plus ephemeral reactions for the current
// party. Inbound messages are appended in arrival order with no dedup and no
// reordering; the log only ever grows until the party is left or ended.
type Messenger struct {
	conn    Conn
	machine *Machine
	hist    History
	clk     port.Clock
	log     *slog.Logger

	mu        sync.RWMutex
	msgs      []domain.Message
	reactions []domain.Reaction
	unsubs    []func()
}

func NewMessenger(conn Conn, machine *Machine, hist History, clk port.Clock, log *slog.Logger) *Messenger {
	if log == nil {
		log = slog.Default()
	}
	ms := &Messenger{
		conn:    conn,
		machine: machine,
		hist:    hist,
		clk:     clk,
		log:     log,
	}
	ms.unsubs = append(ms.unsubs,
		conn.On(realtime.EventNewMessage, ms.onNewMessage),
		conn.On(realtime.EventNewReaction, ms.onNewReaction),
	)
	machine.RegisterResetHook(ms.clear)
	return ms
}

// SendMessage validates text locally and transmits it. Empty and over-length
// bodies are rejected before any network call; the message itself appears in
// the log when the server echoes it back as new-message.
func (ms *Messenger) SendMessage(text string) error {
	if err := domain.ValidateBody(text); err != nil {
		return err
	}
	p, ok := ms.machine.Party()
	if !ok {
		return domain.ErrNoParty
	}
	return ms.conn.Send(realtime.EventSendMessage, realtime.SendMessage{PartyID: p.ID, Message: text})
}

// SendReaction transmits a fire-and-forget ephemeral reaction pinned to a
// playback position. Reactions never enter the message log.
func (ms *Messenger) SendReaction(emoji string, atTime float64) error {
	p, ok := ms.machine.Party()
	if !ok {
		return domain.ErrNoParty
	}
	return ms.conn.Send(realtime.EventSendReaction, realtime.SendReaction{PartyID: p.ID, Emoji: emoji, CurrentTime: atTime})
}

// LoadOlder fetches the page preceding the oldest loaded message and prepends
// it without disturbing already-loaded messages. It returns how many messages
// were added.
func (ms *Messenger) LoadOlder(ctx context.Context) (int, error) {
	p, ok := ms.machine.Party()
	if !ok {
		return 0, domain.ErrNoParty
	}

	ms.mu.RLock()
	var before time.Time
	if len(ms.msgs) > 0 {
		before = ms.msgs[0].SentAt
	}
	ms.mu.RUnlock()

	page, err := ms.hist.Messages(ctx, p.ID, before, historyPageSize)
	if err != nil {
		return 0, err
	}

	ms.mu.Lock()
	ms.msgs = append(page[:len(page):len(page)], ms.msgs...)
	ms.mu.Unlock()
	return len(page), nil
}

// Messages returns the log in display order (arrival order).
func (ms *Messenger) Messages() []domain.Message {
	ms.mu.RLock()
	defer ms.mu.RUnlock()
	out := make([]domain.Message, len(ms.msgs))
	copy(out, ms.msgs)
	return out
}

// Reactions returns the reactions currently in their display window.
func (ms *Messenger) Reactions() []domain.Reaction {
	ms.mu.RLock()
	defer ms.mu.RUnlock()
	out := make([]domain.Reaction, len(ms.reactions))
	copy(out, ms.reactions)
	return out
}

// Close releases the messenger's bus subscriptions.
func (ms *Messenger) Close() {
	for _, u := range ms.unsubs {
		u()
	}
	ms.unsubs = nil
}

func (ms *Messenger) onNewMessage(payload any) {
	p, ok := payload.(*realtime.NewMessage)
	if !ok {
		return
	}
	ms.mu.Lock()
	ms.msgs = append(ms.msgs, domain.Message{
		Username: p.Username,
		Body:     p.Message,
		SentAt:   p.SentAt,
		Image:    p.Image,
	})
	ms.mu.Unlock()
}

func (ms *Messenger) onNewReaction(payload any) {
	p, ok := payload.(*realtime.NewReaction)
	if !ok {
		return
	}
	r := domain.Reaction{Emoji: p.Emoji, CurrentTime: p.CurrentTime}
	ms.mu.Lock()
	ms.reactions = append(ms.reactions, r)
	ms.mu.Unlock()

	ms.clk.AfterFunc(reactionTTL, func() { ms.dropReaction(r) })
}

func (ms *Messenger) dropReaction(r domain.Reaction) {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	for i, cur := range ms.reactions {
		if cur == r {
			ms.reactions = append(ms.reactions[:i:i], ms.reactions[i+1:]...)
			return
		}
	}
}

func (ms *Messenger) clear() {
	ms.mu.Lock()
	ms.msgs = nil
	ms.reactions = nil
	ms.mu.Unlock()
}
