package disconnect

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"time"
)

// ErrNoActiveSession is returned by the router channel when the user has
// no session on the router.
var ErrNoActiveSession = errors.New("no active session on router")

// RouterAPIConfig configures the RouterOS REST channel.
type RouterAPIConfig struct {
	// Scheme is https (default) or http.
	Scheme   string `yaml:"scheme"`
	Port     int    `yaml:"port"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`

	// InsecureSkipVerify accepts the self-signed router certificate.
	InsecureSkipVerify bool `yaml:"insecure_skip_verify"`

	Timeout time.Duration `yaml:"timeout"`
}

// routerMenu is an active-session menu and the field holding the username.
type routerMenu struct {
	path      string
	userField string
}

var routerMenus = []routerMenu{
	{path: "ppp/active", userField: "name"},
	{path: "ip/hotspot/active", userField: "user"},
}

// RouterAPIChannel disconnects by username through the router's REST API:
// it lists the active PPP and hotspot sessions of the user and removes them.
type RouterAPIChannel struct {
	config     RouterAPIConfig
	httpClient *http.Client
}

// NewRouterAPIChannel creates the router API channel.
func NewRouterAPIChannel(config RouterAPIConfig) *RouterAPIChannel {
	if config.Scheme == "" {
		config.Scheme = "https"
	}
	if config.Timeout == 0 {
		config.Timeout = 10 * time.Second
	}
	transport := http.DefaultTransport.(*http.Transport).Clone()
	if config.InsecureSkipVerify {
		transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true} //nolint:gosec // routers ship self-signed certificates
	}
	return &RouterAPIChannel{
		config: config,
		httpClient: &http.Client{
			Timeout:   config.Timeout,
			Transport: transport,
		},
	}
}

// Name implements Channel.
func (c *RouterAPIChannel) Name() string { return "router_api" }

// Disconnect implements Channel.
func (c *RouterAPIChannel) Disconnect(ctx context.Context, target Target, reason string) error {
	if target.Username == "" {
		return fmt.Errorf("username required")
	}
	base, err := c.baseURL(target.NASAddress)
	if err != nil {
		return err
	}

	removed := 0
	for _, menu := range routerMenus {
		ids, err := c.list(ctx, base, menu, target.Username)
		if err != nil {
			return fmt.Errorf("list %s: %w", menu.path, err)
		}
		for _, id := range ids {
			if err := c.remove(ctx, base, menu, id); err != nil {
				return fmt.Errorf("remove %s %s: %w", menu.path, id, err)
			}
			removed++
		}
	}
	if removed == 0 {
		return ErrNoActiveSession
	}
	return nil
}

func (c *RouterAPIChannel) baseURL(nas string) (string, error) {
	if nas == "" {
		return "", fmt.Errorf("NAS address required")
	}
	host := nas
	if h, _, err := net.SplitHostPort(nas); err == nil {
		host = h
	}
	if c.config.Port > 0 {
		host = net.JoinHostPort(host, strconv.Itoa(c.config.Port))
	}
	return c.config.Scheme + "://" + host + "/rest/", nil
}

func (c *RouterAPIChannel) list(ctx context.Context, base string, menu routerMenu, username string) ([]string, error) {
	q := url.Values{}
	q.Set(menu.userField, username)
	q.Set(".proplist", ".id")

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, base+menu.path+"?"+q.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	var entries []map[string]string
	if err := c.do(req, &entries); err != nil {
		return nil, err
	}

	ids := make([]string, 0, len(entries))
	for _, e := range entries {
		if id := e[".id"]; id != "" {
			ids = append(ids, id)
		}
	}
	return ids, nil
}

func (c *RouterAPIChannel) remove(ctx context.Context, base string, menu routerMenu, id string) error {
	body, err := json.Marshal(map[string]string{".id": id})
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, base+menu.path+"/remove", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, nil)
}

func (c *RouterAPIChannel) do(req *http.Request, out interface{}) error {
	if c.config.Username != "" {
		req.SetBasicAuth(c.config.Username, c.config.Password)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("router returned status %d: %s", resp.StatusCode, bytes.TrimSpace(msg))
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
