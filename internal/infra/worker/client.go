// Package worker is the HTTP client for the sandboxed agent worker: it
// launches and resumes worker invocations and relays cancel signals.
package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/walkerhughes/agent-sandboxing/internal/domain/task"
	sherrors "github.com/walkerhughes/agent-sandboxing/internal/shared/errors"
	"github.com/walkerhughes/agent-sandboxing/internal/shared/logging"
)

const (
	defaultTimeout  = 30 * time.Second
	maxResponseBody = 64 << 10
	statusSpawned   = "spawned"
)

// Config locates the worker endpoints.
type Config struct {
	SpawnURL  string
	CancelURL string // optional; cancel signals are dropped when empty
	Token     string // optional bearer token
	Timeout   time.Duration
}

// Client implements task.Spawner over HTTP.
type Client struct {
	spawnURL  string
	cancelURL string
	token     string
	http      *http.Client
	logger    logging.Logger
}

var _ task.Spawner = (*Client)(nil)

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the underlying HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(cl *Client) {
		if c != nil {
			cl.http = c
		}
	}
}

// WithLogger sets the client logger.
func WithLogger(logger logging.Logger) Option {
	return func(cl *Client) { cl.logger = logging.OrNop(logger) }
}

// NewClient validates cfg and builds a Client.
func NewClient(cfg Config, opts ...Option) (*Client, error) {
	spawnURL, err := validateEndpoint("spawn url", cfg.SpawnURL)
	if err != nil {
		return nil, err
	}
	cancelURL := ""
	if strings.TrimSpace(cfg.CancelURL) != "" {
		parsed, err := validateEndpoint("cancel url", cfg.CancelURL)
		if err != nil {
			return nil, err
		}
		cancelURL = parsed.String()
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}

	c := &Client{
		spawnURL:  spawnURL.String(),
		cancelURL: cancelURL,
		token:     strings.TrimSpace(cfg.Token),
		logger:    logging.NewComponentLogger("Worker"),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	if c.http == nil {
		c.http = newHTTPClient(timeout, c.logger)
	}
	return c, nil
}

type spawnPayload struct {
	TaskID           string `json:"task_id"`
	Prompt           string `json:"prompt"`
	WebhookURL       string `json:"webhook_url"`
	ResumeSessionID  string `json:"resume_session_id,omitempty"`
	ExecutionSegment int    `json:"execution_segment"`
}

type spawnResponse struct {
	Status string `json:"status"`
	Error  string `json:"error"`
}

type cancelPayload struct {
	TaskID          string `json:"task_id"`
	ResumeSessionID string `json:"resume_session_id,omitempty"`
}

// Spawn launches one worker invocation. It makes exactly one request; every
// failure is returned wrapped in task.ErrSpawnFailure.
func (c *Client) Spawn(ctx context.Context, req task.SpawnRequest) error {
	logger := logging.FromContext(ctx, c.logger)
	segment := req.ExecutionSegment
	if segment <= 0 {
		segment = 1
	}
	payload := spawnPayload{
		TaskID:           req.TaskID,
		Prompt:           req.Prompt,
		WebhookURL:       req.CallbackURL,
		ResumeSessionID:  req.ResumeHandle,
		ExecutionSegment: segment,
	}

	status, body, err := c.post(ctx, c.spawnURL, payload)
	if err != nil {
		return spawnFailure(err)
	}

	var resp spawnResponse
	decodeErr := json.Unmarshal(body, &resp)
	if status < 200 || status >= 300 {
		msg := strings.TrimSpace(resp.Error)
		if msg == "" {
			msg = strings.TrimSpace(string(body))
		}
		return spawnFailure(sherrors.FromHTTPStatus(status, fmt.Sprintf("worker returned status %d: %s", status, msg)))
	}
	if decodeErr != nil {
		return spawnFailure(fmt.Errorf("decode worker response: %w", decodeErr))
	}
	if resp.Error != "" {
		return spawnFailure(fmt.Errorf("worker rejected task: %s", resp.Error))
	}
	if resp.Status != statusSpawned {
		return spawnFailure(fmt.Errorf("unexpected worker status %q", resp.Status))
	}

	logger.Info("[Worker] spawned task %s segment %d (resume=%t)", req.TaskID, segment, req.ResumeHandle != "")
	return nil
}

// Signal relays a cancel to the worker when a cancel URL is configured.
func (c *Client) Signal(ctx context.Context, sig task.CancelSignal) error {
	if c.cancelURL == "" {
		logging.FromContext(ctx, c.logger).Debug("[Worker] no cancel url configured; cancel of task %s not relayed", sig.TaskID)
		return nil
	}
	status, body, err := c.post(ctx, c.cancelURL, cancelPayload{TaskID: sig.TaskID, ResumeSessionID: sig.WorkerSessionID})
	if err != nil {
		return fmt.Errorf("cancel signal: %w", err)
	}
	if status < 200 || status >= 300 {
		return sherrors.FromHTTPStatus(status, fmt.Sprintf("cancel signal returned status %d: %s", status, strings.TrimSpace(string(body))))
	}
	return nil
}

func (c *Client) post(ctx context.Context, endpoint string, payload any) (int, []byte, error) {
	encoded, err := json.Marshal(payload)
	if err != nil {
		return 0, nil, fmt.Errorf("encode request: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(encoded))
	if err != nil {
		return 0, nil, fmt.Errorf("build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return 0, nil, fmt.Errorf("call worker: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if err != nil {
		return resp.StatusCode, nil, fmt.Errorf("read worker response: %w", err)
	}
	return resp.StatusCode, body, nil
}

func spawnFailure(err error) error {
	return fmt.Errorf("%w: %w", task.ErrSpawnFailure, err)
}
