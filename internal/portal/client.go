// Package portal talks to the portal's read-mostly REST surface (users,
// spaces, chat rooms, presence, provider configuration) and builds the call
// contexts providers bind their buttons to.
package portal

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	logging "github.com/ipfs/go-log/v2"
)

var log = logging.Logger("webconf/portal")

// Presence statuses reported by the portal.
const (
	StatusAvailable    = "available"
	StatusAway         = "away"
	StatusDoNotDisturb = "donotdisturb"
	StatusInvisible    = "invisible"
)

// User is a portal user profile.
type User struct {
	ID     string `json:"id"`
	Title  string `json:"title"`
	Status string `json:"status,omitempty"`
}

// Group is a space or chat room with its member list.
type Group struct {
	ID      string `json:"id"`
	Title   string `json:"title"`
	Members []User `json:"members"`
}

// ProviderConfig is the administrative configuration of one call provider.
// Settings carries the provider-specific part verbatim; each provider
// decodes its own.
type ProviderConfig struct {
	Type     string          `json:"type"`
	Title    string          `json:"title"`
	Active   bool            `json:"active"`
	Settings json.RawMessage `json:"settings,omitempty"`
}

// Client is the portal REST client.
type Client struct {
	BaseURL string
	HTTP    *http.Client
}

// NewClient creates a portal client for the given base URL.
func NewClient(baseURL string) *Client {
	return &Client{
		BaseURL: strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		HTTP:    &http.Client{Timeout: 10 * time.Second},
	}
}

// getJSON performs a GET, drains the body, and decodes JSON into v.
func (c *Client) getJSON(ctx context.Context, path string, v any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.BaseURL+path, nil)
	if err != nil {
		return err
	}
	resp, err := c.HTTP.Do(req)
	if err != nil {
		return err
	}
	defer func() {
		io.Copy(io.Discard, resp.Body)
		resp.Body.Close()
	}()

	if resp.StatusCode/100 != 2 {
		return fmt.Errorf("GET %s: status %s", path, resp.Status)
	}
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		return fmt.Errorf("GET %s: decode: %w", path, err)
	}
	return nil
}

// GetUser fetches a user profile.
func (c *Client) GetUser(ctx context.Context, id string) (*User, error) {
	var u User
	if err := c.getJSON(ctx, "/user/"+url.PathEscape(id), &u); err != nil {
		return nil, err
	}
	return &u, nil
}

// GetUserStatus fetches the user's presence status ("available", "away", ...).
func (c *Client) GetUserStatus(ctx context.Context, id string) (*User, error) {
	var u User
	if err := c.getJSON(ctx, "/status/"+url.PathEscape(id), &u); err != nil {
		return nil, err
	}
	return &u, nil
}

// GetSpace fetches a space with its member list.
func (c *Client) GetSpace(ctx context.Context, id string) (*Group, error) {
	var g Group
	if err := c.getJSON(ctx, "/space/"+url.PathEscape(id), &g); err != nil {
		return nil, err
	}
	return &g, nil
}

// GetRoom fetches a chat room; title and member names are passed through so
// the server can resolve rooms that exist only in the chat backend.
func (c *Client) GetRoom(ctx context.Context, id, title string, members []string) (*Group, error) {
	q := url.Values{}
	if title != "" {
		q.Set("title", title)
	}
	if len(members) > 0 {
		q.Set("members", strings.Join(members, ";"))
	}
	path := "/room/" + url.PathEscape(id)
	if enc := q.Encode(); enc != "" {
		path += "?" + enc
	}
	var g Group
	if err := c.getJSON(ctx, path, &g); err != nil {
		return nil, err
	}
	return &g, nil
}

// GetProvidersConfig fetches the configuration of all registered providers.
func (c *Client) GetProvidersConfig(ctx context.Context) ([]ProviderConfig, error) {
	var configs []ProviderConfig
	if err := c.getJSON(ctx, "/providers/configuration", &configs); err != nil {
		return nil, err
	}
	return configs, nil
}

// GetProviderConfig fetches the configuration of one provider type.
func (c *Client) GetProviderConfig(ctx context.Context, providerType string) (*ProviderConfig, error) {
	var config ProviderConfig
	if err := c.getJSON(ctx, "/provider/"+url.PathEscape(providerType)+"/configuration", &config); err != nil {
		return nil, err
	}
	return &config, nil
}

// SetProviderActive flips the administrative activation flag of a provider.
func (c *Client) SetProviderActive(ctx context.Context, providerType string, active bool) error {
	body, _ := json.Marshal(map[string]bool{"active": active})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.BaseURL+"/provider/"+url.PathEscape(providerType)+"/configuration",
		strings.NewReader(string(body)))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.HTTP.Do(req)
	if err != nil {
		return err
	}
	defer func() {
		io.Copy(io.Discard, resp.Body)
		resp.Body.Close()
	}()
	if resp.StatusCode/100 != 2 {
		return fmt.Errorf("POST provider configuration: status %s", resp.Status)
	}
	return nil
}
