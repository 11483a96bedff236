// Package partytest provides an in-memory party authority implementing the
// wire protocol and the request/response surface, for use in tests. It is a
// protocol double, not a production server: no persistence, no conflict
// resolution beyond last-write-wins relay.
package partytest

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"watchparty/internal/pkg/party/domain"
)

type frame struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

type account struct {
	userID   string
	username string
}

// session is one connected websocket client. Writes are serialized by wmu.
type session struct {
	acct account
	ws   *websocket.Conn
	wmu  sync.Mutex
}

func (s *session) emit(event string, data any) {
	raw, err := json.Marshal(data)
	if err != nil {
		return
	}
	payload, err := json.Marshal(frame{Event: event, Data: raw})
	if err != nil {
		return
	}
	s.wmu.Lock()
	defer s.wmu.Unlock()
	_ = s.ws.SetWriteDeadline(time.Now().Add(5 * time.Second))
	_ = s.ws.WriteMessage(websocket.TextMessage, payload)
}

type partyState struct {
	party    domain.Party
	members  map[string]*session // userID -> session
	requests []domain.JoinRequest
	messages []domain.Message
}

// Server is the test double. Register accounts and seed parties before
// connecting clients.
type Server struct {
	http *httptest.Server

	mu       sync.Mutex
	accounts map[string]account // token -> account
	parties  map[string]*partyState
	byCode   map[string]string // code -> partyID
	conns    map[*websocket.Conn]struct{}
	refuse   int
}

func NewServer() *Server {
	gin.SetMode(gin.TestMode)
	s := &Server{
		accounts: make(map[string]account),
		parties:  make(map[string]*partyState),
		byCode:   make(map[string]string),
		conns:    make(map[*websocket.Conn]struct{}),
	}

	r := gin.New()
	r.GET("/ws", s.handleSocket)

	v1 := r.Group("/api/v1", s.requireAuth)
	v1.POST("/parties", s.handleCreateParty)
	v1.GET("/parties", s.handleListParties)
	v1.DELETE("/parties/:partyId", s.handleEndParty)
	v1.GET("/parties/:partyId/requests", s.handleListRequests)
	v1.POST("/parties/:partyId/requests/:requestId", s.handleRespondRequest)
	v1.GET("/parties/:partyId/messages", s.handleMessages)

	s.http = httptest.NewServer(r)
	return s
}

func (s *Server) Close() { s.http.Close() }

// URL is the request/response base URL.
func (s *Server) URL() string { return s.http.URL }

// WSURL is the real-time channel endpoint.
func (s *Server) WSURL() string {
	return "ws" + strings.TrimPrefix(s.http.URL, "http") + "/ws"
}

// Register associates a bearer token with a user identity.
func (s *Server) Register(token, userID, username string) {
	s.mu.Lock()
	s.accounts[token] = account{userID: userID, username: username}
	s.mu.Unlock()
}

// SeedParty installs a party without going through the create endpoint.
func (s *Server) SeedParty(p domain.Party) {
	s.mu.Lock()
	s.parties[p.ID] = &partyState{party: p, members: make(map[string]*session)}
	s.byCode[p.Code] = p.ID
	s.mu.Unlock()
}

// SeedJoinRequest appends a pending join request to a seeded party.
func (s *Server) SeedJoinRequest(partyID string, req domain.JoinRequest) {
	s.mu.Lock()
	if st, ok := s.parties[partyID]; ok {
		st.requests = append(st.requests, req)
	}
	s.mu.Unlock()
}

// RefuseDials makes the next n websocket upgrade attempts fail with 503, for
// exercising client reconnect backoff.
func (s *Server) RefuseDials(n int) {
	s.mu.Lock()
	s.refuse = n
	s.mu.Unlock()
}

// DropConnections severs every live websocket without shutting the server
// down, simulating a network fault.
func (s *Server) DropConnections() {
	s.mu.Lock()
	conns := make([]*websocket.Conn, 0, len(s.conns))
	for ws := range s.conns {
		conns = append(conns, ws)
	}
	s.mu.Unlock()

	for _, ws := range conns {
		_ = ws.Close()
	}
}

// SeedMessages installs message history for pagination tests.
func (s *Server) SeedMessages(partyID string, msgs []domain.Message) {
	s.mu.Lock()
	if st, ok := s.parties[partyID]; ok {
		st.messages = append(st.messages, msgs...)
	}
	s.mu.Unlock()
}

func (s *Server) authenticate(header string) (account, bool) {
	token := strings.TrimPrefix(header, "Bearer ")
	if token == header || token == "" {
		return account{}, false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	acct, ok := s.accounts[token]
	return acct, ok
}

func (s *Server) requireAuth(c *gin.Context) {
	acct, ok := s.authenticate(c.GetHeader("Authorization"))
	if !ok {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid credential"})
		return
	}
	c.Set("account", acct)
	c.Next()
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(*http.Request) bool { return true },
}

func (s *Server) handleSocket(c *gin.Context) {
	acct, ok := s.authenticate(c.GetHeader("Authorization"))
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid credential"})
		return
	}
	s.mu.Lock()
	if s.refuse > 0 {
		s.refuse--
		s.mu.Unlock()
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "try again later"})
		return
	}
	s.mu.Unlock()

	ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		return
	}
	s.mu.Lock()
	s.conns[ws] = struct{}{}
	s.mu.Unlock()

	sess := &session{acct: acct, ws: ws}
	defer func() {
		s.dropSession(sess)
		s.mu.Lock()
		delete(s.conns, ws)
		s.mu.Unlock()
		_ = ws.Close()
	}()

	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			return
		}
		var f frame
		if err := json.Unmarshal(data, &f); err != nil {
			continue
		}
		s.dispatch(sess, f)
	}
}

func (s *Server) dispatch(sess *session, f frame) {
	switch f.Event {
	case "join-party":
		var in struct {
			Code string `json:"code"`
		}
		_ = json.Unmarshal(f.Data, &in)
		s.joinParty(sess, in.Code)
	case "leave-party":
		var in struct {
			PartyID string `json:"party_id"`
		}
		_ = json.Unmarshal(f.Data, &in)
		s.leaveParty(sess, in.PartyID)
	case "player-play", "player-pause", "player-seek":
		var in struct {
			PartyID     string  `json:"party_id"`
			CurrentTime float64 `json:"current_time"`
		}
		_ = json.Unmarshal(f.Data, &in)
		s.relayPlayback(sess, f.Event, in.PartyID, in.CurrentTime)
	case "player-speed":
		var in struct {
			PartyID     string  `json:"party_id"`
			Speed       float64 `json:"speed"`
			CurrentTime float64 `json:"current_time"`
		}
		_ = json.Unmarshal(f.Data, &in)
		s.relaySpeed(sess, in.PartyID, in.Speed)
	case "player-buffer":
		var in struct {
			PartyID string `json:"party_id"`
		}
		_ = json.Unmarshal(f.Data, &in)
		s.broadcast(in.PartyID, "user-buffering", gin.H{"user_id": sess.acct.userID}, sess.acct.userID)
	case "send-message":
		var in struct {
			PartyID string `json:"party_id"`
			Message string `json:"message"`
		}
		_ = json.Unmarshal(f.Data, &in)
		s.newMessage(sess, in.PartyID, in.Message)
	case "send-reaction":
		var in struct {
			PartyID     string  `json:"party_id"`
			Emoji       string  `json:"emoji"`
			CurrentTime float64 `json:"current_time"`
		}
		_ = json.Unmarshal(f.Data, &in)
		s.broadcast(in.PartyID, "new-reaction", gin.H{"emoji": in.Emoji, "current_time": in.CurrentTime}, "")
	}
}

func (s *Server) joinParty(sess *session, code string) {
	s.mu.Lock()
	id, ok := s.byCode[code]
	st := s.parties[id]
	if !ok || st == nil {
		s.mu.Unlock()
		sess.emit("party-error", gin.H{"message": "party not found: " + code})
		return
	}
	if len(st.members) >= st.party.MaxParticipants && st.party.MaxParticipants > 0 {
		s.mu.Unlock()
		sess.emit("party-error", gin.H{"message": "party is full"})
		return
	}
	st.members[sess.acct.userID] = sess

	joiner := domain.Participant{
		UserID:   sess.acct.userID,
		Username: sess.acct.username,
		IsHost:   sess.acct.userID == st.party.HostID,
	}
	roster := make([]domain.Participant, 0, len(st.members))
	for uid, member := range st.members {
		roster = append(roster, domain.Participant{
			UserID:   uid,
			Username: member.acct.username,
			IsHost:   uid == st.party.HostID,
		})
	}
	sort.Slice(roster, func(i, j int) bool { return roster[i].UserID < roster[j].UserID })
	party := st.party
	others := s.peersLocked(st, sess.acct.userID)
	s.mu.Unlock()

	sess.emit("party-joined", gin.H{
		"party":        party,
		"participants": roster,
		"is_host":      joiner.IsHost,
	})
	for _, peer := range others {
		peer.emit("user-joined", joiner)
	}
}

func (s *Server) leaveParty(sess *session, partyID string) {
	s.removeMember(sess, partyID)
}

func (s *Server) dropSession(sess *session) {
	s.mu.Lock()
	var partyIDs []string
	for id, st := range s.parties {
		if st.members[sess.acct.userID] == sess {
			partyIDs = append(partyIDs, id)
		}
	}
	s.mu.Unlock()
	for _, id := range partyIDs {
		s.removeMember(sess, id)
	}
}

func (s *Server) removeMember(sess *session, partyID string) {
	s.mu.Lock()
	st := s.parties[partyID]
	if st == nil || st.members[sess.acct.userID] != sess {
		s.mu.Unlock()
		return
	}
	delete(st.members, sess.acct.userID)

	var newHost string
	if st.party.HostID == sess.acct.userID && len(st.members) > 0 {
		// Deterministic transfer: lowest remaining user id becomes host.
		ids := make([]string, 0, len(st.members))
		for uid := range st.members {
			ids = append(ids, uid)
		}
		sort.Strings(ids)
		newHost = ids[0]
		st.party.HostID = newHost
	}
	others := s.peersLocked(st, "")
	s.mu.Unlock()

	for _, peer := range others {
		peer.emit("user-left", gin.H{"user_id": sess.acct.userID})
		if newHost != "" {
			peer.emit("host-changed", gin.H{"new_host_id": newHost})
		}
	}
}

func (s *Server) relayPlayback(sess *session, event, partyID string, currentTime float64) {
	s.mu.Lock()
	st := s.parties[partyID]
	if st == nil {
		s.mu.Unlock()
		return
	}
	st.party.CurrentTime = currentTime
	st.party.Playing = event == "player-play"
	others := s.peersLocked(st, sess.acct.userID)
	s.mu.Unlock()

	for _, peer := range others {
		peer.emit(event, gin.H{"current_time": currentTime})
	}
}

func (s *Server) relaySpeed(sess *session, partyID string, speed float64) {
	s.mu.Lock()
	st := s.parties[partyID]
	if st == nil {
		s.mu.Unlock()
		return
	}
	st.party.Speed = speed
	others := s.peersLocked(st, sess.acct.userID)
	s.mu.Unlock()

	for _, peer := range others {
		peer.emit("player-speed-changed", gin.H{"speed": speed})
	}
}

func (s *Server) newMessage(sess *session, partyID, body string) {
	msg := domain.Message{
		Username: sess.acct.username,
		Body:     body,
		SentAt:   time.Now().UTC(),
	}
	s.mu.Lock()
	st := s.parties[partyID]
	if st == nil {
		s.mu.Unlock()
		return
	}
	st.messages = append(st.messages, msg)
	all := s.peersLocked(st, "")
	s.mu.Unlock()

	// Messages echo to the sender too; the client log is fed purely by
	// new-message events.
	for _, peer := range all {
		peer.emit("new-message", msg)
	}
}

func (s *Server) broadcast(partyID, event string, data any, excludeUserID string) {
	s.mu.Lock()
	st := s.parties[partyID]
	if st == nil {
		s.mu.Unlock()
		return
	}
	peers := s.peersLocked(st, excludeUserID)
	s.mu.Unlock()

	for _, peer := range peers {
		peer.emit(event, data)
	}
}

func (s *Server) peersLocked(st *partyState, excludeUserID string) []*session {
	out := make([]*session, 0, len(st.members))
	for uid, member := range st.members {
		if excludeUserID != "" && uid == excludeUserID {
			continue
		}
		out = append(out, member)
	}
	return out
}

// Request/response handlers.

func (s *Server) handleCreateParty(c *gin.Context) {
	acct := c.MustGet("account").(account)
	var in struct {
		MovieID            string `json:"movie_id"`
		SeriesID           string `json:"series_id"`
		EpisodeID          string `json:"episode_id"`
		AllowGuestsControl bool   `json:"allow_guests_control"`
		MaxParticipants    int    `json:"max_participants"`
	}
	if err := c.ShouldBindJSON(&in); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	id := uuid.NewString()
	p := domain.Party{
		ID:     id,
		Code:   strings.ToUpper(id[:4]),
		HostID: acct.userID,
		Content: domain.ContentRef{
			MovieID:   in.MovieID,
			SeriesID:  in.SeriesID,
			EpisodeID: in.EpisodeID,
		},
		Speed:              1,
		AllowGuestsControl: in.AllowGuestsControl,
		MaxParticipants:    in.MaxParticipants,
	}
	s.SeedParty(p)
	c.JSON(http.StatusCreated, p)
}

func (s *Server) handleListParties(c *gin.Context) {
	s.mu.Lock()
	out := make([]domain.Party, 0, len(s.parties))
	for _, st := range s.parties {
		out = append(out, st.party)
	}
	s.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	c.JSON(http.StatusOK, out)
}

func (s *Server) handleEndParty(c *gin.Context) {
	acct := c.MustGet("account").(account)
	partyID := c.Param("partyId")

	s.mu.Lock()
	st := s.parties[partyID]
	if st == nil {
		s.mu.Unlock()
		c.JSON(http.StatusNotFound, gin.H{"error": "party not found"})
		return
	}
	if st.party.HostID != acct.userID {
		s.mu.Unlock()
		c.JSON(http.StatusForbidden, gin.H{"error": "only the host may end the party"})
		return
	}
	members := s.peersLocked(st, "")
	delete(s.parties, partyID)
	delete(s.byCode, st.party.Code)
	s.mu.Unlock()

	for _, peer := range members {
		peer.emit("party-ended", gin.H{"message": "Host ended the party"})
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) handleListRequests(c *gin.Context) {
	acct := c.MustGet("account").(account)
	partyID := c.Param("partyId")

	s.mu.Lock()
	st := s.parties[partyID]
	if st == nil {
		s.mu.Unlock()
		c.JSON(http.StatusNotFound, gin.H{"error": "party not found"})
		return
	}
	if st.party.HostID != acct.userID {
		s.mu.Unlock()
		c.JSON(http.StatusForbidden, gin.H{"error": "only the host may list join requests"})
		return
	}
	out := make([]domain.JoinRequest, len(st.requests))
	copy(out, st.requests)
	s.mu.Unlock()
	c.JSON(http.StatusOK, out)
}

func (s *Server) handleRespondRequest(c *gin.Context) {
	acct := c.MustGet("account").(account)
	partyID := c.Param("partyId")
	requestID := c.Param("requestId")
	var in struct {
		Accept bool `json:"accept"`
	}
	if err := c.ShouldBindJSON(&in); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	s.mu.Lock()
	st := s.parties[partyID]
	if st == nil {
		s.mu.Unlock()
		c.JSON(http.StatusNotFound, gin.H{"error": "party not found"})
		return
	}
	if st.party.HostID != acct.userID {
		s.mu.Unlock()
		c.JSON(http.StatusForbidden, gin.H{"error": "only the host may respond"})
		return
	}
	found := false
	for i, req := range st.requests {
		if req.ID == requestID {
			st.requests = append(st.requests[:i:i], st.requests[i+1:]...)
			found = true
			break
		}
	}
	s.mu.Unlock()

	if !found {
		c.JSON(http.StatusNotFound, gin.H{"error": "request not found"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"accepted": in.Accept})
}

func (s *Server) handleMessages(c *gin.Context) {
	partyID := c.Param("partyId")
	limit := 50
	if v := c.Query("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}
	var before time.Time
	if v := c.Query("before"); v != "" {
		t, err := time.Parse(time.RFC3339Nano, v)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid before cursor"})
			return
		}
		before = t
	}

	s.mu.Lock()
	st := s.parties[partyID]
	if st == nil {
		s.mu.Unlock()
		c.JSON(http.StatusNotFound, gin.H{"error": "party not found"})
		return
	}
	var eligible []domain.Message
	for _, m := range st.messages {
		if before.IsZero() || m.SentAt.Before(before) {
			eligible = append(eligible, m)
		}
	}
	s.mu.Unlock()

	sort.Slice(eligible, func(i, j int) bool { return eligible[i].SentAt.Before(eligible[j].SentAt) })
	if len(eligible) > limit {
		eligible = eligible[len(eligible)-limit:]
	}
	if eligible == nil {
		eligible = []domain.Message{}
	}
	c.JSON(http.StatusOK, eligible)
}
