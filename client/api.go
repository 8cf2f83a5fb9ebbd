package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"

	"github.com/akinalp/medicall/models"
)

// ErrAPI is wrapped by every non-2xx REST response.
var ErrAPI = errors.New("api request failed")

// envelope mirrors the coordinator's REST response wrapper.
type envelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Error   string          `json:"error"`
}

// API is the REST half of the coordinator: contact summaries and message
// history. Everything live goes over the transport channel instead.
type API struct {
	baseURL string
	http    *http.Client

	mu    sync.RWMutex
	token string
}

// NewAPI creates a REST client for baseURL, e.g. "https://example.org".
func NewAPI(baseURL string, httpClient *http.Client) *API {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &API{baseURL: strings.TrimRight(baseURL, "/"), http: httpClient}
}

// SetToken sets the bearer token sent with every request.
func (a *API) SetToken(token string) {
	a.mu.Lock()
	a.token = token
	a.mu.Unlock()
}

// Contacts returns the contact summaries, most recent activity first.
func (a *API) Contacts(ctx context.Context) ([]models.Contact, error) {
	var contacts []models.Contact
	if err := a.get(ctx, "/api/contacts", nil, &contacts); err != nil {
		return nil, err
	}
	return contacts, nil
}

// History returns one page of the conversation with peerID, oldest first.
// before is a message id cursor; empty means the latest page.
func (a *API) History(ctx context.Context, peerID, before string, limit int) (models.MessagePage, error) {
	q := url.Values{}
	if before != "" {
		q.Set("before", before)
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}

	var page models.MessagePage
	err := a.get(ctx, "/api/messages/"+url.PathEscape(peerID), q, &page)
	return page, err
}

func (a *API) get(ctx context.Context, path string, query url.Values, out any) error {
	target := a.baseURL + path
	if len(query) > 0 {
		target += "?" + query.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	a.mu.RLock()
	if a.token != "" {
		req.Header.Set("Authorization", "Bearer "+a.token)
	}
	a.mu.RUnlock()

	resp, err := a.http.Do(req)
	if err != nil {
		return fmt.Errorf("GET %s: %w", path, err)
	}
	defer resp.Body.Close()

	var env envelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		return fmt.Errorf("GET %s: decode response: %w", path, err)
	}
	if resp.StatusCode/100 != 2 || !env.Success {
		return fmt.Errorf("%w: GET %s: %d %s", ErrAPI, path, resp.StatusCode, env.Error)
	}
	if err := json.Unmarshal(env.Data, out); err != nil {
		return fmt.Errorf("GET %s: decode data: %w", path, err)
	}
	return nil
}
