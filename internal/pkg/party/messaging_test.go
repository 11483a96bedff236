package party

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"watchparty/internal/infrastructure/clock/clocktest"
	"watchparty/internal/infrastructure/realtime"
	"watchparty/internal/pkg/party/domain"
)

type fakeHistory struct {
	pages  [][]domain.Message
	calls  []time.Time
	err    error
	limits []int
}

func (f *fakeHistory) Messages(_ context.Context, _ string, before time.Time, limit int) ([]domain.Message, error) {
	f.calls = append(f.calls, before)
	f.limits = append(f.limits, limit)
	if f.err != nil {
		return nil, f.err
	}
	if len(f.pages) == 0 {
		return nil, nil
	}
	page := f.pages[0]
	f.pages = f.pages[1:]
	return page, nil
}

func joinedMessenger(t *testing.T) (*Messenger, *Machine, *fakeConn, *fakeHistory, *clocktest.ManualClock) {
	t.Helper()
	conn := newFakeConn()
	clk := clocktest.NewManualClock(time.Unix(1700000000, 0))
	m := NewMachine("guest-1", conn, clk, nil)
	t.Cleanup(m.Close)
	hist := &fakeHistory{}
	ms := NewMessenger(conn, m, hist, clk, nil)
	t.Cleanup(ms.Close)

	require.NoError(t, m.JoinParty("AB12"))
	conn.bus.Trigger(realtime.EventPartyJoined, &realtime.PartyJoined{
		Party:        testParty(),
		Participants: []domain.Participant{{UserID: "host-1", Username: "ada", IsHost: true}},
	})
	return ms, m, conn, hist, clk
}

func TestMessenger_SendMessageValidation(t *testing.T) {
	ms, _, conn, _, _ := joinedMessenger(t)
	before := len(conn.frames())

	assert.ErrorIs(t, ms.SendMessage(""), domain.ErrEmptyMessage)
	assert.ErrorIs(t, ms.SendMessage("   "), domain.ErrEmptyMessage)
	assert.ErrorIs(t, ms.SendMessage(strings.Repeat("x", 501)), domain.ErrMessageTooLong)

	assert.Len(t, conn.frames(), before, "rejected input never reaches the network")
	assert.Empty(t, ms.Messages(), "rejected input never mutates the log")

	require.NoError(t, ms.SendMessage(strings.Repeat("x", 500)))
	frames := conn.frames()
	last := frames[len(frames)-1]
	assert.Equal(t, realtime.EventSendMessage, last.event)
}

func TestMessenger_SendRequiresParty(t *testing.T) {
	conn := newFakeConn()
	clk := clocktest.NewManualClock(time.Unix(1700000000, 0))
	m := NewMachine("guest-1", conn, clk, nil)
	t.Cleanup(m.Close)
	ms := NewMessenger(conn, m, &fakeHistory{}, clk, nil)
	t.Cleanup(ms.Close)

	assert.ErrorIs(t, ms.SendMessage("hi"), domain.ErrNoParty)
	assert.ErrorIs(t, ms.SendReaction("🔥", 12), domain.ErrNoParty)
}

func TestMessenger_AppendInArrivalOrder(t *testing.T) {
	ms, _, conn, _, _ := joinedMessenger(t)

	base := time.Unix(1700000100, 0).UTC()
	// Deliberately out of timestamp order: arrival order wins.
	conn.bus.Trigger(realtime.EventNewMessage, &realtime.NewMessage{Username: "ada", Message: "second", SentAt: base.Add(time.Minute)})
	conn.bus.Trigger(realtime.EventNewMessage, &realtime.NewMessage{Username: "lin", Message: "first", SentAt: base})

	msgs := ms.Messages()
	require.Len(t, msgs, 2)
	assert.Equal(t, "second", msgs[0].Body)
	assert.Equal(t, "first", msgs[1].Body)
}

func TestMessenger_ClearedOnLeaveAndEnd(t *testing.T) {
	t.Run("leave", func(t *testing.T) {
		ms, m, conn, _, _ := joinedMessenger(t)
		conn.bus.Trigger(realtime.EventNewMessage, &realtime.NewMessage{Username: "ada", Message: "hello"})
		require.Len(t, ms.Messages(), 1)

		m.LeaveParty()
		assert.Empty(t, ms.Messages())
	})

	t.Run("party-ended grace", func(t *testing.T) {
		ms, _, conn, _, clk := joinedMessenger(t)
		conn.bus.Trigger(realtime.EventNewMessage, &realtime.NewMessage{Username: "ada", Message: "hello"})
		conn.bus.Trigger(realtime.EventPartyEnded, &realtime.PartyEnded{Message: "Host left"})

		require.Len(t, ms.Messages(), 1, "log survives the grace window")
		clk.Advance(3 * time.Second)
		assert.Empty(t, ms.Messages())
	})
}

func TestMessenger_LoadOlderPrepends(t *testing.T) {
	ms, _, conn, hist, _ := joinedMessenger(t)

	base := time.Unix(1700000100, 0).UTC()
	conn.bus.Trigger(realtime.EventNewMessage, &realtime.NewMessage{Username: "ada", Message: "live", SentAt: base})

	hist.pages = [][]domain.Message{{
		{Username: "lin", Body: "old-1", SentAt: base.Add(-2 * time.Minute)},
		{Username: "ada", Body: "old-2", SentAt: base.Add(-time.Minute)},
	}}

	n, err := ms.LoadOlder(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	msgs := ms.Messages()
	require.Len(t, msgs, 3)
	assert.Equal(t, []string{"old-1", "old-2", "live"}, []string{msgs[0].Body, msgs[1].Body, msgs[2].Body})

	require.Len(t, hist.calls, 1)
	assert.Equal(t, base, hist.calls[0], "cursor is the oldest loaded message")
	assert.Equal(t, 50, hist.limits[0])

	// Next page uses the new oldest message as cursor.
	hist.pages = [][]domain.Message{nil}
	_, err = ms.LoadOlder(context.Background())
	require.NoError(t, err)
	assert.Equal(t, base.Add(-2*time.Minute), hist.calls[1])
}

func TestMessenger_ReactionsEphemeral(t *testing.T) {
	ms, _, conn, _, clk := joinedMessenger(t)

	conn.bus.Trigger(realtime.EventNewReaction, &realtime.NewReaction{Emoji: "🔥", CurrentTime: 42})

	require.Len(t, ms.Reactions(), 1)
	assert.Empty(t, ms.Messages(), "reactions never enter the message log")

	clk.Advance(5 * time.Second)
	assert.Empty(t, ms.Reactions())
}

func TestMessenger_SendReaction(t *testing.T) {
	ms, _, conn, _, _ := joinedMessenger(t)
	before := len(conn.frames())

	require.NoError(t, ms.SendReaction("🍿", 99.5))

	frames := conn.frames()
	require.Len(t, frames, before+1)
	assert.Equal(t, realtime.EventSendReaction, frames[before].event)
	assert.Equal(t, realtime.SendReaction{PartyID: "party-1", Emoji: "🍿", CurrentTime: 99.5}, frames[before].data)
}
