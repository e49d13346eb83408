// Package controlplane is a REST client for the service that owns request state.
package controlplane

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/mattjoyce/taproom/internal/protocol"
)

// Instance statuses reported by admin commands.
const (
	InstanceRunning = "RUNNING"
	InstanceStopped = "STOPPED"
)

// Options configures an HTTPClient.
type Options struct {
	URL     string
	Token   string
	Timeout time.Duration
	// Tracing wraps the transport with otelhttp.
	Tracing bool
	// Transport overrides the base round tripper. Mostly for tests.
	Transport http.RoundTripper
	Logger    *slog.Logger
}

// HTTPClient talks to the control plane over REST.
type HTTPClient struct {
	baseURL *url.URL
	token   string
	http    *http.Client
	logger  *slog.Logger
}

// Version is the body of GET /version.
type Version struct {
	Server string `json:"server_version"`
	API    string `json:"api_version"`
}

type patchOp struct {
	Operation string `json:"operation"`
	Path      string `json:"path,omitempty"`
	Value     any    `json:"value,omitempty"`
}

type patchBody struct {
	Operations []patchOp `json:"operations"`
}

// New validates opts and builds a client.
func New(opts Options) (*HTTPClient, error) {
	u, err := url.Parse(strings.TrimRight(opts.URL, "/"))
	if err != nil {
		return nil, fmt.Errorf("parse control plane url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("control plane url must be http or https (got %q)", opts.URL)
	}

	transport := opts.Transport
	if transport == nil {
		transport = http.DefaultTransport
	}
	if opts.Tracing {
		transport = otelhttp.NewTransport(transport)
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &HTTPClient{
		baseURL: u,
		token:   opts.Token,
		http:    &http.Client{Transport: transport, Timeout: timeout},
		logger:  logger.With("component", "controlplane"),
	}, nil
}

// GetVersion is the cheapest call the control plane serves; it doubles as a
// connectivity probe.
func (c *HTTPClient) GetVersion(ctx context.Context) (Version, error) {
	var v Version
	body, err := c.do(ctx, http.MethodGet, "/version", nil, "")
	if err != nil {
		return v, err
	}
	if err := json.Unmarshal(body, &v); err != nil {
		return v, fmt.Errorf("decode version: %w", err)
	}
	return v, nil
}

// CreateRequest submits a new request and returns the stored copy.
func (c *HTTPClient) CreateRequest(ctx context.Context, req *protocol.Request) (*protocol.Request, error) {
	payload, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("encode request: %w", err)
	}
	body, err := c.do(ctx, http.MethodPost, "/api/v1/requests", payload, "application/json")
	if err != nil {
		return nil, err
	}
	var created protocol.Request
	if err := json.Unmarshal(body, &created); err != nil {
		return nil, fmt.Errorf("decode created request: %w", err)
	}
	return &created, nil
}

// UpdateRequest replaces status, output and error class of a stored request.
func (c *HTTPClient) UpdateRequest(ctx context.Context, req *protocol.Request) error {
	if req.ID == "" {
		return &ClientError{StatusCode: http.StatusBadRequest, Message: "request has no id"}
	}
	ops := []patchOp{
		{Operation: "replace", Path: "/status", Value: string(req.Status())},
	}
	if req.Output != "" {
		ops = append(ops, patchOp{Operation: "replace", Path: "/output", Value: req.Output})
	}
	if req.ErrorClass != "" {
		ops = append(ops, patchOp{Operation: "replace", Path: "/error_class", Value: req.ErrorClass})
	}
	return c.patch(ctx, "/api/v1/requests/"+url.PathEscape(req.ID), ops)
}

// UpdateInstanceStatus sets the lifecycle status of a plugin instance.
func (c *HTTPClient) UpdateInstanceStatus(ctx context.Context, instanceID, status string) error {
	return c.patch(ctx, "/api/v1/instances/"+url.PathEscape(instanceID),
		[]patchOp{{Operation: "replace", Path: "/status", Value: status}})
}

// InstanceHeartbeat records that the instance is alive.
func (c *HTTPClient) InstanceHeartbeat(ctx context.Context, instanceID string) error {
	return c.patch(ctx, "/api/v1/instances/"+url.PathEscape(instanceID),
		[]patchOp{{Operation: "heartbeat"}})
}

type uploadResponse struct {
	ID string `json:"id"`
}

// Upload stores data as a file on the control plane and returns its id.
func (c *HTTPClient) Upload(ctx context.Context, data []byte, filename string) (string, error) {
	path := "/api/v1/files"
	if filename != "" {
		path += "?filename=" + url.QueryEscape(filename)
	}
	body, err := c.do(ctx, http.MethodPost, path, data, "application/octet-stream")
	if err != nil {
		return "", err
	}
	var out uploadResponse
	if err := json.Unmarshal(body, &out); err != nil {
		return "", fmt.Errorf("decode upload response: %w", err)
	}
	if out.ID == "" {
		return "", fmt.Errorf("upload response has no id")
	}
	return out.ID, nil
}

// Download fetches the file stored under id.
func (c *HTTPClient) Download(ctx context.Context, id string) ([]byte, error) {
	return c.do(ctx, http.MethodGet, "/api/v1/files/"+url.PathEscape(id), nil, "")
}

func (c *HTTPClient) patch(ctx context.Context, path string, ops []patchOp) error {
	payload, err := json.Marshal(patchBody{Operations: ops})
	if err != nil {
		return fmt.Errorf("encode patch: %w", err)
	}
	_, err = c.do(ctx, http.MethodPatch, path, payload, "application/json")
	return err
}

func (c *HTTPClient) do(ctx context.Context, method, path string, payload []byte, contentType string) ([]byte, error) {
	target := c.baseURL.String() + path

	var reader io.Reader
	if payload != nil {
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, target, reader)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	req.Header.Set("X-Request-ID", uuid.NewString())

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, &ConnectionError{Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &ConnectionError{Err: fmt.Errorf("read response: %w", err)}
	}

	c.logger.Debug("control plane call",
		"method", method,
		"path", path,
		"status", resp.StatusCode,
		"duration_ms", time.Since(start).Milliseconds(),
	)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, errorForStatus(resp.StatusCode, body)
	}
	return body, nil
}
