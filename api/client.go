package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gammadia/nimbus/cloud"
)

// StatusError is returned by the client when the server answered with a
// non-2xx status.
type StatusError struct {
	Code    int
	Message string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s (%d)", e.Message, e.Code)
}

type Client struct {
	base string
	http *http.Client
}

// NewClient talks to the server at base. A nil transport uses
// http.DefaultTransport.
func NewClient(base string, timeout time.Duration, transport http.RoundTripper) *Client {
	return &Client{
		base: strings.TrimSuffix(base, "/"),
		http: &http.Client{Timeout: timeout, Transport: transport},
	}
}

func (c *Client) Status(ctx context.Context) (*Status, error) {
	var status Status
	if err := c.do(ctx, http.MethodGet, "/v1/status", nil, &status); err != nil {
		return nil, err
	}
	return &status, nil
}

func (c *Client) Templates(ctx context.Context) ([]Cloud, error) {
	var clouds []Cloud
	if err := c.do(ctx, http.MethodGet, "/v1/templates", nil, &clouds); err != nil {
		return nil, err
	}
	return clouds, nil
}

// Provision blocks until the agent is online or provisioning failed.
func (c *Client) Provision(ctx context.Context, cloudName, template string) (*cloud.Agent, error) {
	var agent cloud.Agent
	path := fmt.Sprintf("/v1/clouds/%s/templates/%s/provision", url.PathEscape(cloudName), url.PathEscape(template))
	if err := c.do(ctx, http.MethodPost, path, nil, &agent); err != nil {
		return nil, err
	}
	return &agent, nil
}

func (c *Client) ResetTemplate(ctx context.Context, cloudName, template string) error {
	path := fmt.Sprintf("/v1/clouds/%s/templates/%s/reset", url.PathEscape(cloudName), url.PathEscape(template))
	return c.do(ctx, http.MethodPost, path, nil, nil)
}

func (c *Client) Demand(ctx context.Context, label string, workload int) error {
	return c.do(ctx, http.MethodPut, "/v1/demand", DemandRequest{Label: label, Workload: workload}, nil)
}

func (c *Client) Release(ctx context.Context, agent string) error {
	return c.do(ctx, http.MethodDelete, "/v1/agents/"+url.PathEscape(agent), nil, nil)
}

func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("failed to encode request: %w", err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.base+path, body)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	res, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("failed to reach server: %w", err)
	}
	defer res.Body.Close()

	if res.StatusCode < 200 || res.StatusCode > 299 {
		var e ErrorResponse
		if err := json.NewDecoder(res.Body).Decode(&e); err != nil || e.Error == "" {
			e.Error = http.StatusText(res.StatusCode)
		}
		return &StatusError{Code: res.StatusCode, Message: e.Error}
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(res.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}
