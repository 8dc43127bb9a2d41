package client

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/cuemby/colony/pkg/api"
	"github.com/cuemby/colony/pkg/controller"
	"github.com/cuemby/colony/pkg/events"
	"github.com/cuemby/colony/pkg/types"
)

const defaultTimeout = 10 * time.Second

// Client talks to a Colony master status server or an agent status page
type Client struct {
	baseURL string
	http    *http.Client
}

// APIError is a non-2xx reply from the server. It unwraps to the matching
// controller or configuration error so callers can use errors.Is.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("status API returned %d: %s", e.StatusCode, e.Message)
}

func (e *APIError) Unwrap() error {
	switch e.StatusCode {
	case http.StatusNotFound:
		return controller.ErrServiceNotFound
	case http.StatusConflict:
		return controller.ErrNodeOffline
	case http.StatusBadRequest:
		return types.ErrInvalidConfig
	}
	return nil
}

// NewClient creates a client for addr, given as host:port or a full URL
func NewClient(addr string) (*Client, error) {
	if addr == "" {
		return nil, fmt.Errorf("server address is required")
	}
	if !strings.Contains(addr, "://") {
		addr = "http://" + addr
	}
	u, err := url.Parse(addr)
	if err != nil {
		return nil, fmt.Errorf("invalid server address %q: %w", addr, err)
	}

	return &Client{
		baseURL: strings.TrimRight(u.String(), "/"),
		http:    &http.Client{},
	}, nil
}

// Close releases idle connections
func (c *Client) Close() error {
	c.http.CloseIdleConnections()
	return nil
}

// ListServices returns every descriptor keyed by id. host and state are
// optional filters.
func (c *Client) ListServices(host, state string) (map[string]types.ServiceDescriptor, error) {
	q := url.Values{}
	if host != "" {
		q.Set("host", host)
	}
	if state != "" {
		q.Set("state", state)
	}

	var out map[string]types.ServiceDescriptor
	if err := c.do(http.MethodGet, "/api/v1/services", q, nil, "", &out); err != nil {
		return nil, err
	}
	return out, nil
}

// StartService asks the master to start a replica
func (c *Client) StartService(id string) error {
	return c.do(http.MethodPost, "/api/v1/services/"+url.PathEscape(id)+"/start", nil, nil, "", nil)
}

// ShutdownService asks the master to stop a replica without restart
func (c *Client) ShutdownService(id string) error {
	return c.do(http.MethodPost, "/api/v1/services/"+url.PathEscape(id)+"/shutdown", nil, nil, "", nil)
}

// ConfiguredNodes maps each configured host to whether it is online
func (c *Client) ConfiguredNodes() (map[string]bool, error) {
	var out map[string]bool
	if err := c.do(http.MethodGet, "/api/v1/nodes/configured", nil, nil, "", &out); err != nil {
		return nil, err
	}
	return out, nil
}

// AvailableNodes lists the hosts of every agent in view
func (c *Client) AvailableNodes() ([]string, error) {
	var out []string
	if err := c.do(http.MethodGet, "/api/v1/nodes/available", nil, nil, "", &out); err != nil {
		return nil, err
	}
	return out, nil
}

// GetConfig returns the desired configuration
func (c *Client) GetConfig() ([]types.NodeEntry, error) {
	var out []types.NodeEntry
	if err := c.do(http.MethodGet, "/api/v1/config", nil, nil, "", &out); err != nil {
		return nil, err
	}
	return out, nil
}

// ApplyConfig replaces the desired configuration
func (c *Client) ApplyConfig(entries []types.NodeEntry) error {
	body, err := json.Marshal(entries)
	if err != nil {
		return fmt.Errorf("failed to encode configuration: %w", err)
	}
	return c.do(http.MethodPut, "/api/v1/config", nil, body, "application/json", nil)
}

// ApplyConfigYAML replaces the desired configuration with a YAML document
func (c *Client) ApplyConfigYAML(doc []byte) error {
	return c.do(http.MethodPut, "/api/v1/config", nil, doc, "application/yaml", nil)
}

// ReloadConfig makes the master re-read its configuration store
func (c *Client) ReloadConfig() error {
	return c.do(http.MethodPost, "/api/v1/config/reload", nil, nil, "", nil)
}

// AgentServices lists the replicas supervised by an agent. The client must
// point at the agent's status page.
func (c *Client) AgentServices() ([]types.ServiceDescriptor, error) {
	var out []types.ServiceDescriptor
	if err := c.do(http.MethodGet, "/services", nil, nil, "", &out); err != nil {
		return nil, err
	}
	return out, nil
}

// StopLocal stops a replica directly on the agent
func (c *Client) StopLocal(id string) error {
	return c.do(http.MethodPost, "/services/"+url.PathEscape(id)+"/stop", nil, nil, "", nil)
}

// WatchEvents follows the master's event stream until ctx is cancelled,
// the server closes the stream or fn returns an error. typePrefix filters
// events server side and may be empty.
func (c *Client) WatchEvents(ctx context.Context, typePrefix string, fn func(*events.Event) error) error {
	u := c.baseURL + "/api/v1/events"
	if typePrefix != "" {
		u += "?type=" + url.QueryEscape(typePrefix)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Accept", "text/event-stream")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("failed to open event stream: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return decodeError(resp)
	}

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for scanner.Scan() {
		line := scanner.Text()
		data, ok := strings.CutPrefix(line, "data: ")
		if !ok {
			continue
		}

		var event events.Event
		if err := json.Unmarshal([]byte(data), &event); err != nil {
			return fmt.Errorf("failed to decode event: %w", err)
		}
		if err := fn(&event); err != nil {
			return err
		}
	}

	if err := scanner.Err(); err != nil && ctx.Err() == nil {
		return fmt.Errorf("event stream failed: %w", err)
	}
	return nil
}

func (c *Client) do(method, path string, query url.Values, body []byte, contentType string, out any) error {
	ctx, cancel := context.WithTimeout(context.Background(), defaultTimeout)
	defer cancel()

	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, u, reader)
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("failed to call %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return decodeError(resp)
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

func decodeError(resp *http.Response) error {
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))

	var body api.ErrorResponse
	msg := strings.TrimSpace(string(data))
	if err := json.Unmarshal(data, &body); err == nil && body.Error != "" {
		msg = body.Error
	}
	return &APIError{StatusCode: resp.StatusCode, Message: msg}
}

// IsNotFound reports whether err is a 404 from the server
func IsNotFound(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusNotFound
}
