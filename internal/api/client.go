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
	"strings"

	"github.com/kingkillery/ubuntu-on-android-sub000/internal/agent"
	"github.com/kingkillery/ubuntu-on-android-sub000/internal/devservice"
	"github.com/kingkillery/ubuntu-on-android-sub000/internal/session"
)

// Client talks to a running control API.
type Client struct {
	base string
	http *http.Client
}

// NewClient returns a client for addr, either host:port or a full URL.
func NewClient(addr string) *Client {
	if addr == "" {
		addr = DefaultListen
	}
	if !strings.Contains(addr, "://") {
		addr = "http://" + addr
	}
	return &Client{base: strings.TrimRight(addr, "/"), http: &http.Client{}}
}

// do sends body as JSON and decodes a 2xx response into out. Non-2xx
// responses become *Error.
func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var rd io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		rd = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, rd)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("failed to reach udroid server at %s: %w", c.base, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode/100 != 2 {
		return decodeError(resp)
	}
	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

func decodeError(resp *http.Response) error {
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	var body errorBody
	if err := json.Unmarshal(data, &body); err != nil || body.Code == "" {
		return &Error{Status: resp.StatusCode, Message: strings.TrimSpace(string(data))}
	}
	return &Error{Status: resp.StatusCode, Code: body.Code, Message: body.Error}
}

func sessionPath(ref string, parts ...string) string {
	p := "/v1/sessions/" + url.PathEscape(ref)
	for _, part := range parts {
		p += "/" + part
	}
	return p
}

// ListSessions returns every session.
func (c *Client) ListSessions(ctx context.Context) ([]Session, error) {
	var out []Session
	err := c.do(ctx, http.MethodGet, "/v1/sessions", nil, &out)
	return out, err
}

// CreateSession creates a session.
func (c *Client) CreateSession(ctx context.Context, req CreateSessionRequest) (Session, error) {
	var out Session
	err := c.do(ctx, http.MethodPost, "/v1/sessions", req, &out)
	return out, err
}

// GetSession looks a session up by id or name.
func (c *Client) GetSession(ctx context.Context, ref string) (Session, error) {
	var out Session
	err := c.do(ctx, http.MethodGet, sessionPath(ref), nil, &out)
	return out, err
}

// DeleteSession stops and removes a session.
func (c *Client) DeleteSession(ctx context.Context, ref string) error {
	return c.do(ctx, http.MethodDelete, sessionPath(ref), nil, nil)
}

// StartSession starts a session and returns its new record.
func (c *Client) StartSession(ctx context.Context, ref string) (Session, error) {
	var out Session
	err := c.do(ctx, http.MethodPost, sessionPath(ref, "start"), nil, &out)
	return out, err
}

// StopSession stops a session and returns its new record.
func (c *Client) StopSession(ctx context.Context, ref string) (Session, error) {
	var out Session
	err := c.do(ctx, http.MethodPost, sessionPath(ref, "stop"), nil, &out)
	return out, err
}

// Exec runs a command. On a timeout the partial result is returned together
// with an error wrapping launcher.ErrTimeout.
func (c *Client) Exec(ctx context.Context, ref string, req ExecRequest) (ExecResult, error) {
	var out ExecResult
	err := c.do(ctx, http.MethodPost, sessionPath(ref, "exec"), req, &out)

	var apiErr *Error
	if errors.As(err, &apiErr) && apiErr.Status == http.StatusGatewayTimeout {
		// The 504 body is an ExecResult, not an errorBody.
		var res ExecResult
		if jerr := json.Unmarshal([]byte(apiErr.Message), &res); jerr == nil {
			return res, &Error{Status: apiErr.Status, Code: "timeout", Message: res.Error}
		}
	}
	return out, err
}

// Distros returns the distro catalog.
func (c *Client) Distros(ctx context.Context) ([]session.Distro, error) {
	var out []session.Distro
	err := c.do(ctx, http.MethodGet, "/v1/distros", nil, &out)
	return out, err
}

// Proxy reports the shared relay.
func (c *Client) Proxy(ctx context.Context) (ProxyStatus, error) {
	var out ProxyStatus
	err := c.do(ctx, http.MethodGet, "/v1/proxy", nil, &out)
	return out, err
}

// Services lists service instances, optionally for one session.
func (c *Client) Services(ctx context.Context, sessionRef string) ([]devservice.Instance, error) {
	path := "/v1/services"
	if sessionRef != "" {
		path += "?session=" + url.QueryEscape(sessionRef)
	}
	var out []devservice.Instance
	err := c.do(ctx, http.MethodGet, path, nil, &out)
	return out, err
}

// Templates lists the built-in service templates.
func (c *Client) Templates(ctx context.Context) ([]devservice.Template, error) {
	var out []devservice.Template
	err := c.do(ctx, http.MethodGet, "/v1/services/templates", nil, &out)
	return out, err
}

// StartService starts a service instance.
func (c *Client) StartService(ctx context.Context, req StartServiceRequest) (devservice.Instance, error) {
	var out devservice.Instance
	err := c.do(ctx, http.MethodPost, "/v1/services", req, &out)
	return out, err
}

// InstallService installs a template's packages into a session.
func (c *Client) InstallService(ctx context.Context, req InstallServiceRequest) error {
	return c.do(ctx, http.MethodPost, "/v1/services/install", req, nil)
}

// StopService stops a service instance.
func (c *Client) StopService(ctx context.Context, id string) (devservice.Instance, error) {
	var out devservice.Instance
	err := c.do(ctx, http.MethodPost, "/v1/services/"+url.PathEscape(id)+"/stop", nil, &out)
	return out, err
}

// ConnectInfo returns how to reach a service.
func (c *Client) ConnectInfo(ctx context.Context, id string) (devservice.ConnectInfo, error) {
	var out devservice.ConnectInfo
	err := c.do(ctx, http.MethodGet, "/v1/services/"+url.PathEscape(id)+"/connect", nil, &out)
	return out, err
}

// AgentStatus reports agent tooling in a session.
func (c *Client) AgentStatus(ctx context.Context, ref string) (AgentStatus, error) {
	var out AgentStatus
	err := c.do(ctx, http.MethodGet, sessionPath(ref, "agent"), nil, &out)
	return out, err
}

// InstallAgent installs agent tooling and blocks until it finishes.
func (c *Client) InstallAgent(ctx context.Context, ref string) (AgentStatus, error) {
	var out AgentStatus
	err := c.do(ctx, http.MethodPost, sessionPath(ref, "agent", "install"), nil, &out)
	return out, err
}

// RunAgent runs one agent invocation.
func (c *Client) RunAgent(ctx context.Context, ref string, req RunAgentRequest) (agent.TaskResult, error) {
	var out agent.TaskResult
	err := c.do(ctx, http.MethodPost, sessionPath(ref, "agent", "run"), req, &out)
	return out, err
}
