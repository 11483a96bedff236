package domain

// ContentRef points at the catalog entry a party is playing: either a movie
// or a single episode of a series. The catalog service itself is outside this
// module; the reference is opaque here.
type ContentRef struct {
	MovieID   string `json:"movie_id,omitempty"`
	SeriesID  string `json:"series_id,omitempty"`
	EpisodeID string `json:"episode_id,omitempty"`
}

// Party is the client-side projection of a shared playback session. The
// authoritative copy lives server-side; this snapshot is updated by wire
// events and must never be treated as authoritative for control decisions
// that have not been mirrored to the server.
type Party struct {
	ID                 string     `json:"id"`
	Code               string     `json:"code"`
	HostID             string     `json:"host_id"`
	Content            ContentRef `json:"content"`
	CurrentTime        float64    `json:"current_time"`
	Speed              float64    `json:"speed"`
	Playing            bool       `json:"playing"`
	AllowGuestsControl bool       `json:"allow_guests_control"`
	MaxParticipants    int        `json:"max_participants"`
}

// Participant is one member of a party, uniquely keyed by UserID within the
// party. At most one participant carries IsHost at any time; during a
// host-changed transition there may briefly be none.
type Participant struct {
	UserID    string `json:"user_id"`
	Username  string `json:"username"`
	AvatarURL string `json:"avatar_url,omitempty"`
	IsHost    bool   `json:"is_host"`
}
