package queue

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/cuemby/kiln/pkg/log"
	"github.com/cuemby/kiln/pkg/metrics"
	"github.com/cuemby/kiln/pkg/types"
	"github.com/rs/zerolog"
)

// API is the part of the coordinator the worker talks to
type API interface {
	BuildQueue(ctx context.Context, queueID int) ([]types.QueueItem, error)
	UpdateStatus(ctx context.Context, queueID int, update types.StatusUpdate) error
	UpdateQueue(ctx context.Context, queueID int, position types.QueuePosition) error
}

// StatusError is returned for non-2xx responses
type StatusError struct {
	Method     string
	Path       string
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	msg := fmt.Sprintf("%s %s: unexpected status %d", e.Method, e.Path, e.StatusCode)
	if e.Body != "" {
		msg = fmt.Sprintf("%s: %s", msg, e.Body)
	}
	return msg
}

// Config holds the coordinator location and credentials
type Config struct {
	// BaseURL is the API root, e.g. http://builds.example.com/api
	BaseURL  string
	Username string
	Password string
	Timeout  time.Duration
}

// BaseURLForHost builds the API root from the frontend host name
func BaseURLForHost(host string) string {
	host = strings.TrimSuffix(host, "/")
	if !strings.Contains(host, "://") {
		host = "http://" + host
	}
	return host + "/api"
}

// Client talks JSON over HTTP with basic authentication
type Client struct {
	cfg    Config
	http   *http.Client
	logger zerolog.Logger
}

// NewClient creates a coordinator client
func NewClient(cfg Config) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	cfg.BaseURL = strings.TrimSuffix(cfg.BaseURL, "/")
	return &Client{
		cfg:    cfg,
		http:   &http.Client{Timeout: cfg.Timeout},
		logger: log.WithComponent("queue"),
	}
}

// BuildQueue fetches the ordered queue
func (c *Client) BuildQueue(ctx context.Context, queueID int) ([]types.QueueItem, error) {
	var items []types.QueueItem
	if err := c.do(ctx, http.MethodGet, "queue/"+strconv.Itoa(queueID), nil, &items); err != nil {
		return nil, fmt.Errorf("failed to fetch queue %d: %w", queueID, err)
	}
	return items, nil
}

// UpdateStatus pushes the build status of one package
func (c *Client) UpdateStatus(ctx context.Context, queueID int, update types.StatusUpdate) error {
	if err := c.do(ctx, http.MethodPut, "queue/"+strconv.Itoa(queueID)+"/", update, nil); err != nil {
		return fmt.Errorf("failed to update status of %s: %w", update.Name, err)
	}
	return nil
}

// UpdateQueue pushes the position of the package being processed
func (c *Client) UpdateQueue(ctx context.Context, queueID int, position types.QueuePosition) error {
	if err := c.do(ctx, http.MethodPut, "queuestatus/"+strconv.Itoa(queueID)+"/", position, nil); err != nil {
		return fmt.Errorf("failed to update queue position: %w", err)
	}
	return nil
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to encode request: %w", err)
		}
		reader = bytes.NewReader(buf)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.cfg.BaseURL+"/"+path, reader)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.cfg.Username != "" || c.cfg.Password != "" {
		req.SetBasicAuth(c.cfg.Username, c.cfg.Password)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		metrics.QueueRequestsTotal.WithLabelValues(method, "error").Inc()
		return err
	}
	defer resp.Body.Close()
	metrics.QueueRequestsTotal.WithLabelValues(method, strconv.Itoa(resp.StatusCode)).Inc()

	c.logger.Debug().
		Str("method", method).
		Str("path", path).
		Int("status_code", resp.StatusCode).
		Msg("Coordinator response")

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		text, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return &StatusError{
			Method:     method,
			Path:       path,
			StatusCode: resp.StatusCode,
			Body:       strings.TrimSpace(string(text)),
		}
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}
