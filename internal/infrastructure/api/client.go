package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	"watchparty/internal/pkg/party/domain"
)

// ErrUnauthorized marks a 401/403 response. Higher layers treat it as
// "session needs re-authentication"; the join-request poller treats it as
// benign while a credential may be mid-refresh.
var ErrUnauthorized = errors.New("api: unauthorized")

// Client talks to the party authority's request/response surface. Every call
// carries the bearer credential; it never holds party state of its own.
type Client struct {
	baseURL  string
	token    string
	http     *http.Client
	validate *validator.Validate
}

func NewClient(baseURL, token string) *Client {
	return &Client{
		baseURL:  strings.TrimRight(baseURL, "/"),
		token:    token,
		http:     &http.Client{Timeout: 5 * time.Second},
		validate: validator.New(),
	}
}

// CreatePartyInput is validated locally before transmission. Exactly one of
// MovieID or EpisodeID must reference the content to play.
type CreatePartyInput struct {
	MovieID            string `json:"movie_id,omitempty" validate:"required_without=EpisodeID,excluded_with=EpisodeID"`
	SeriesID           string `json:"series_id,omitempty" validate:"required_with=EpisodeID"`
	EpisodeID          string `json:"episode_id,omitempty"`
	AllowGuestsControl bool   `json:"allow_guests_control"`
	MaxParticipants    int    `json:"max_participants" validate:"required,min=2,max=64"`
}

// CreateParty asks the server to open a new party and returns the snapshot
// including the short human-entry code.
func (c *Client) CreateParty(ctx context.Context, in CreatePartyInput) (*domain.Party, error) {
	if err := c.validate.Struct(in); err != nil {
		return nil, fmt.Errorf("api: create party input: %w", err)
	}
	var out domain.Party
	if err := c.do(ctx, http.MethodPost, "/api/v1/parties", in, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// EndParty terminates the party server-side. Host-only; the caller must not
// tear down local state unless this succeeds.
func (c *Client) EndParty(ctx context.Context, partyID string) error {
	return c.do(ctx, http.MethodDelete, "/api/v1/parties/"+url.PathEscape(partyID), nil, nil)
}

// ListParties returns the active parties visible to the caller.
func (c *Client) ListParties(ctx context.Context) ([]domain.Party, error) {
	var out []domain.Party
	if err := c.do(ctx, http.MethodGet, "/api/v1/parties", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// ListJoinRequests returns the pending join requests for a party. Host-only.
func (c *Client) ListJoinRequests(ctx context.Context, partyID string) ([]domain.JoinRequest, error) {
	var out []domain.JoinRequest
	path := "/api/v1/parties/" + url.PathEscape(partyID) + "/requests"
	if err := c.do(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// RespondJoinRequest accepts or rejects one pending request.
func (c *Client) RespondJoinRequest(ctx context.Context, partyID, requestID string, accept bool) error {
	path := "/api/v1/parties/" + url.PathEscape(partyID) + "/requests/" + url.PathEscape(requestID)
	body := struct {
		Accept bool `json:"accept"`
	}{Accept: accept}
	return c.do(ctx, http.MethodPost, path, body, nil)
}

// Messages fetches up to limit messages sent strictly before the cursor,
// newest-last. A zero cursor means "latest page".
func (c *Client) Messages(ctx context.Context, partyID string, before time.Time, limit int) ([]domain.Message, error) {
	if limit <= 0 {
		limit = 50
	}
	q := url.Values{}
	q.Set("limit", strconv.Itoa(limit))
	if !before.IsZero() {
		q.Set("before", before.UTC().Format(time.RFC3339Nano))
	}
	path := "/api/v1/parties/" + url.PathEscape(partyID) + "/messages?" + q.Encode()

	var out []domain.Message
	if err := c.do(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		raw, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("api: encode request: %w", err)
		}
		body = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("api: build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("api: %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return fmt.Errorf("api: %s %s: %w", method, path, ErrUnauthorized)
	case resp.StatusCode >= 400:
		var apiErr struct {
			Error string `json:"error"`
		}
		if derr := json.NewDecoder(resp.Body).Decode(&apiErr); derr == nil && apiErr.Error != "" {
			return fmt.Errorf("api: %s %s: status %d: %s", method, path, resp.StatusCode, apiErr.Error)
		}
		return fmt.Errorf("api: %s %s: status %d", method, path, resp.StatusCode)
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("api: decode response: %w", err)
		}
	}
	return nil
}
