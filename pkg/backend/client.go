package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/3leaps/benchstage/pkg/params"
)

// DefaultBaseURL is the backend API root used when none is configured.
const DefaultBaseURL = "http://localhost:8080/api/v1"

// Config configures a Client.
type Config struct {
	// BaseURL is the API root, e.g. http://localhost:8080/api/v1.
	BaseURL string

	// Timeout bounds each request. Zero leaves requests bounded only by ctx.
	Timeout time.Duration

	// AuthToken is sent as a bearer token when set.
	AuthToken string

	// HTTPClient overrides the transport. Streaming calls ignore Timeout.
	HTTPClient *http.Client

	// Logger receives debug request logs. Nil disables logging.
	Logger *zap.Logger
}

// Client talks to the benchmark backend.
type Client struct {
	base      *url.URL
	http      *http.Client
	stream    *http.Client
	authToken string
	logger    *zap.Logger
}

// New creates a Client.
func New(cfg Config) (*Client, error) {
	raw := strings.TrimSpace(cfg.BaseURL)
	if raw == "" {
		raw = DefaultBaseURL
	}
	base, err := url.Parse(strings.TrimRight(raw, "/"))
	if err != nil {
		return nil, fmt.Errorf("parse backend base url: %w", err)
	}
	if base.Scheme != "http" && base.Scheme != "https" {
		return nil, fmt.Errorf("backend base url must be http or https: %q", raw)
	}

	hc := cfg.HTTPClient
	if hc == nil {
		hc = &http.Client{}
	}
	stream := *hc
	stream.Timeout = 0

	bounded := *hc
	if cfg.Timeout > 0 {
		bounded.Timeout = cfg.Timeout
	}

	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Client{
		base:      base,
		http:      &bounded,
		stream:    &stream,
		authToken: strings.TrimSpace(cfg.AuthToken),
		logger:    logger,
	}, nil
}

// BaseURL returns the configured API root.
func (c *Client) BaseURL() string {
	return c.base.String()
}

// Algorithms fetches the algorithm catalog (GET /methods).
func (c *Client) Algorithms(ctx context.Context) ([]params.Algorithm, error) {
	var out []params.Algorithm
	if err := c.getJSON(ctx, "algorithms", "/methods", nil, FallbackCatalog, &out); err != nil {
		return nil, err
	}
	if out == nil {
		out = []params.Algorithm{}
	}
	return out, nil
}

// Submit posts one optimization request (POST /optimization).
func (c *Client) Submit(ctx context.Context, req SubmitRequest) (SubmitResponse, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return SubmitResponse{}, fmt.Errorf("encode submission: %w", err)
	}

	var out SubmitResponse
	if err := c.do(ctx, "submit", http.MethodPost, "/optimization", nil, bytes.NewReader(body), FallbackSubmit, &out); err != nil {
		return SubmitResponse{}, err
	}
	return out, nil
}

// Search finds stored results matching query (GET /optimization/search).
//
// An empty match set returns an empty slice, never nil.
func (c *Client) Search(ctx context.Context, query url.Values) ([]StoredResult, error) {
	var out []StoredResult
	if err := c.getJSON(ctx, "search", "/optimization/search", query, FallbackSearch, &out); err != nil {
		return nil, err
	}
	if out == nil {
		out = []StoredResult{}
	}
	return out, nil
}

// Result fetches one stored result (GET /optimization/results/{id}).
func (c *Client) Result(ctx context.Context, id string) (StoredResult, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return StoredResult{}, errors.New("result id is required")
	}
	var out StoredResult
	if err := c.getJSON(ctx, "result", "/optimization/results/"+url.PathEscape(id), nil, FallbackResult, &out); err != nil {
		return StoredResult{}, err
	}
	if out.ResultID == "" {
		out.ResultID = id
	}
	return out, nil
}

// History lists the caller's stored results (GET /optimization/results).
func (c *Client) History(ctx context.Context, limit, offset int) ([]StoredResult, error) {
	q := url.Values{}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	if offset > 0 {
		q.Set("offset", strconv.Itoa(offset))
	}
	var out []StoredResult
	if err := c.getJSON(ctx, "history", "/optimization/results", q, FallbackHistory, &out); err != nil {
		return nil, err
	}
	if out == nil {
		out = []StoredResult{}
	}
	return out, nil
}

// Download opens the CSV artifact of a stored result.
//
// The caller closes the returned body. Size is -1 when unknown.
func (c *Client) Download(ctx context.Context, id string) (io.ReadCloser, int64, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return nil, 0, errors.New("result id is required")
	}
	resp, err := c.send(ctx, c.stream, http.MethodGet, "/optimization/results/"+url.PathEscape(id)+"/download", nil, nil)
	if err != nil {
		return nil, 0, &APIError{Op: "download", Message: err.Error()}
	}
	if resp.StatusCode != http.StatusOK {
		defer func() { _ = resp.Body.Close() }()
		return nil, 0, decodeFailure("download", resp, FallbackDownload)
	}
	return resp.Body, resp.ContentLength, nil
}

func (c *Client) getJSON(ctx context.Context, op, path string, query url.Values, fallback string, out any) error {
	return c.do(ctx, op, http.MethodGet, path, query, nil, fallback, out)
}

func (c *Client) do(ctx context.Context, op, method, path string, query url.Values, body io.Reader, fallback string, out any) error {
	start := time.Now()
	resp, err := c.send(ctx, c.http, method, path, query, body)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		return &APIError{Op: op, Message: err.Error()}
	}
	defer func() { _ = resp.Body.Close() }()

	c.logger.Debug("backend request",
		zap.String("op", op),
		zap.String("method", method),
		zap.String("path", path),
		zap.Int("status", resp.StatusCode),
		zap.Duration("elapsed", time.Since(start)),
	)

	env, err := decodeEnvelope(resp.Body)
	if err != nil {
		if resp.StatusCode >= http.StatusBadRequest {
			return &APIError{Op: op, StatusCode: resp.StatusCode, Message: fallback}
		}
		return fmt.Errorf("%s: decode response: %w", op, err)
	}
	if !env.Success || resp.StatusCode >= http.StatusBadRequest {
		msg := env.Message()
		if msg == "" {
			msg = fallback
		}
		return &APIError{Op: op, StatusCode: resp.StatusCode, Message: msg}
	}

	if out == nil || len(env.Data) == 0 || string(env.Data) == "null" {
		return nil
	}
	if err := json.Unmarshal(env.Data, out); err != nil {
		return fmt.Errorf("%s: decode data: %w", op, err)
	}
	return nil
}

func (c *Client) send(ctx context.Context, hc *http.Client, method, path string, query url.Values, body io.Reader) (*http.Response, error) {
	u := *c.base
	u.Path = strings.TrimRight(u.Path, "/") + path
	if len(query) > 0 {
		u.RawQuery = query.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, method, u.String(), body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.authToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.authToken)
	}
	return hc.Do(req)
}

func decodeEnvelope(r io.Reader) (Envelope, error) {
	var env Envelope
	if err := json.NewDecoder(r).Decode(&env); err != nil {
		return Envelope{}, err
	}
	return env, nil
}

func decodeFailure(op string, resp *http.Response, fallback string) error {
	msg := fallback
	if env, err := decodeEnvelope(io.LimitReader(resp.Body, 64<<10)); err == nil && env.Message() != "" {
		msg = env.Message()
	}
	return &APIError{Op: op, StatusCode: resp.StatusCode, Message: msg}
}
