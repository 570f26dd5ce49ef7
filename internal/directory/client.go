// Package directory resolves groups and their rosters from the family
// backend, which owns all identity and membership state.
package directory

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/famcall/famcall/internal/call"
)

// envelope is the standard family backend response wrapper.
type envelope struct {
	Data  json.RawMessage `json:"data"`
	Error string          `json:"error,omitempty"`
}

// groupData is the wire form of a group returned by the backend's
// internal service API.
type groupData struct {
	ID       string       `json:"id"`
	ReadOnly bool         `json:"read_only"`
	Members  []memberData `json:"members"`
}

type memberData struct {
	MemberID    string `json:"member_id"`
	UserID      string `json:"user_id"`
	Role        string `json:"role"`
	DisplayName string `json:"display_name"`
	Email       string `json:"email"`
}

type cachedGroup struct {
	group     *call.Group
	fetchedAt time.Time
}

// Client fetches group rosters over HTTP and caches them briefly. Roster
// reads sit on the hot path of every call initiation, so a short TTL
// keeps load off the family backend without serving stale membership
// for long. It implements call.Directory.
type Client struct {
	httpClient *http.Client
	baseURL    string
	authToken  string
	ttl        time.Duration
	logger     *slog.Logger

	mu    sync.RWMutex
	cache map[string]cachedGroup
}

// NewClient creates a directory client for the family backend at baseURL.
// authToken is the shared service token sent with each request. ttl bounds
// how long a fetched roster may be reused; zero disables caching.
func NewClient(baseURL, authToken string, ttl time.Duration, logger *slog.Logger) *Client {
	return &Client{
		httpClient: &http.Client{Timeout: 10 * time.Second},
		baseURL:    strings.TrimRight(baseURL, "/"),
		authToken:  authToken,
		ttl:        ttl,
		logger:     logger.With("subsystem", "directory"),
		cache:      make(map[string]cachedGroup),
	}
}

// Group returns the group's settings and roster, from cache when fresh.
func (c *Client) Group(ctx context.Context, groupID string) (*call.Group, error) {
	if g := c.cached(groupID); g != nil {
		return g, nil
	}

	g, err := c.fetch(ctx, groupID)
	if err != nil {
		return nil, err
	}

	if c.ttl > 0 {
		c.mu.Lock()
		c.cache[groupID] = cachedGroup{group: g, fetchedAt: time.Now()}
		c.mu.Unlock()
	}
	return g, nil
}

// Invalidate drops any cached roster for the group so the next read
// refetches. Called when the backend signals a membership change.
func (c *Client) Invalidate(groupID string) {
	c.mu.Lock()
	delete(c.cache, groupID)
	c.mu.Unlock()
}

func (c *Client) cached(groupID string) *call.Group {
	if c.ttl <= 0 {
		return nil
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	entry, ok := c.cache[groupID]
	if !ok || time.Since(entry.fetchedAt) >= c.ttl {
		return nil
	}
	return entry.group
}

func (c *Client) fetch(ctx context.Context, groupID string) (*call.Group, error) {
	reqURL := c.baseURL + "/internal/v1/groups/" + url.PathEscape(groupID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, fmt.Errorf("directory: creating request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if c.authToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.authToken)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("directory: sending request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("directory: reading response: %w", err)
	}

	if resp.StatusCode == http.StatusNotFound {
		return nil, fmt.Errorf("%w: %s", call.ErrGroupNotFound, groupID)
	}
	if resp.StatusCode != http.StatusOK {
		var env envelope
		if json.Unmarshal(body, &env) == nil && env.Error != "" {
			return nil, fmt.Errorf("directory: backend error (status %d): %s", resp.StatusCode, env.Error)
		}
		return nil, fmt.Errorf("directory: backend returned status %d", resp.StatusCode)
	}

	var env envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, fmt.Errorf("directory: decoding response: %w", err)
	}
	var data groupData
	if err := json.Unmarshal(env.Data, &data); err != nil {
		return nil, fmt.Errorf("directory: decoding group data: %w", err)
	}

	g := &call.Group{
		ID: data.ID,
		Settings: call.GroupSettings{
			ReadOnly: data.ReadOnly,
		},
		Members: make(map[string]call.Member, len(data.Members)),
	}
	for _, m := range data.Members {
		g.Members[m.MemberID] = call.Member{
			MemberID:    m.MemberID,
			UserID:      m.UserID,
			Role:        call.Role(m.Role),
			DisplayName: m.DisplayName,
			Email:       m.Email,
		}
	}

	c.logger.Debug("group roster fetched", "group_id", groupID, "members", len(g.Members))
	return g, nil
}
