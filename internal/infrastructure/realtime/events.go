package realtime

import (
	"encoding/json"
	"fmt"
	"time"

	"watchparty/internal/pkg/party/domain"
)

// Event names on the real-time channel. The socket-* events are synthesized
// locally by the Manager; everything else arrives on (or is written to) the
// wire.
const (
	EventSocketConnected    = "socket-connected"
	EventSocketDisconnected = "socket-disconnected"
	EventSocketError        = "socket-error"

	EventPartyJoined  = "party-joined"
	EventPartyError   = "party-error"
	EventPartyEnded   = "party-ended"
	EventUserJoined   = "user-joined"
	EventUserLeft     = "user-left"
	EventHostChanged  = "host-changed"
	EventPlayerPlay   = "player-play"
	EventPlayerPause  = "player-pause"
	EventPlayerSeek   = "player-seek"
	EventSpeedChanged = "player-speed-changed"
	EventBuffering    = "user-buffering"
	EventNewMessage   = "new-message"
	EventNewReaction  = "new-reaction"

	EventJoinParty    = "join-party"
	EventLeaveParty   = "leave-party"
	EventPlayerSpeed  = "player-speed"
	EventPlayerBuffer = "player-buffer"
	EventSendMessage  = "send-message"
	EventSendReaction = "send-reaction"
)

// frame is the envelope every wire message travels in.
type frame struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// Client-received payloads.

type SocketConnected struct {
	SocketID string `json:"socket_id"`
}

type SocketDisconnected struct {
	Reason string `json:"reason"`
}

type SocketError struct {
	Err string `json:"error"`
}

type PartyJoined struct {
	Party        domain.Party         `json:"party"`
	Participants []domain.Participant `json:"participants"`
	IsHost       bool                 `json:"is_host"`
}

type PartyError struct {
	Message string `json:"message"`
}

type PartyEnded struct {
	Message string `json:"message"`
}

type UserLeft struct {
	UserID string `json:"user_id"`
}

type HostChanged struct {
	NewHostID string `json:"new_host_id"`
}

type PlayerPlay struct {
	CurrentTime float64 `json:"current_time"`
}

type PlayerPause struct {
	CurrentTime float64 `json:"current_time"`
}

type PlayerSeek struct {
	CurrentTime float64 `json:"current_time"`
}

type SpeedChanged struct {
	Speed float64 `json:"speed"`
}

type UserBuffering struct {
	UserID string `json:"user_id"`
}

type NewMessage struct {
	Username string    `json:"username"`
	Message  string    `json:"message"`
	SentAt   time.Time `json:"sent_at"`
	Image    string    `json:"image,omitempty"`
}

type NewReaction struct {
	Emoji       string  `json:"emoji"`
	CurrentTime float64 `json:"current_time"`
}

// Client-sent payloads.

type JoinParty struct {
	Code string `json:"code"`
}

type LeaveParty struct {
	PartyID string `json:"party_id"`
}

type PlayerState struct {
	PartyID     string  `json:"party_id"`
	CurrentTime float64 `json:"current_time"`
}

type PlayerSpeedChange struct {
	PartyID     string  `json:"party_id"`
	Speed       float64 `json:"speed"`
	CurrentTime float64 `json:"current_time"`
}

type SendMessage struct {
	PartyID string `json:"party_id"`
	Message string `json:"message"`
}

type SendReaction struct {
	PartyID     string  `json:"party_id"`
	Emoji       string  `json:"emoji"`
	CurrentTime float64 `json:"current_time"`
}

// decodePayload maps a wire frame to the typed payload published on the bus.
// Unknown events are passed through as raw JSON so future server events do
// not break existing clients.
func decodePayload(f frame) (any, error) {
	var payload any
	switch f.Event {
	case EventPartyJoined:
		payload = &PartyJoined{}
	case EventPartyError:
		payload = &PartyError{}
	case EventPartyEnded:
		payload = &PartyEnded{}
	case EventUserJoined:
		payload = &domain.Participant{}
	case EventUserLeft:
		payload = &UserLeft{}
	case EventHostChanged:
		payload = &HostChanged{}
	case EventPlayerPlay:
		payload = &PlayerPlay{}
	case EventPlayerPause:
		payload = &PlayerPause{}
	case EventPlayerSeek:
		payload = &PlayerSeek{}
	case EventSpeedChanged:
		payload = &SpeedChanged{}
	case EventBuffering:
		payload = &UserBuffering{}
	case EventNewMessage:
		payload = &NewMessage{}
	case EventNewReaction:
		payload = &NewReaction{}
	default:
		return f.Data, nil
	}

	if len(f.Data) > 0 {
		if err := json.Unmarshal(f.Data, payload); err != nil {
			return nil, fmt.Errorf("realtime: decode %s: %w", f.Event, err)
		}
	}
	return payload, nil
}
