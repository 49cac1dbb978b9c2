// Package transport talks to the central sync server.
package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/noah-isme/election-sync/internal/dto"
	"github.com/noah-isme/election-sync/internal/models"
	appErrors "github.com/noah-isme/election-sync/pkg/errors"
	"github.com/noah-isme/election-sync/pkg/middleware/requestid"
)

// Client pushes and pulls change batches.
type Client interface {
	Push(ctx context.Context, req dto.PushRequest) (*dto.PushResponse, error)
	Pull(ctx context.Context, query dto.PullQuery) (*dto.PullResponse, error)
}

// TokenSource yields the bearer credential for each request.
type TokenSource func() string

// StaticToken returns a TokenSource for a fixed credential.
func StaticToken(token string) TokenSource {
	return func() string { return token }
}

// HTTPClient implements Client over the server's JSON envelope API.
type HTTPClient struct {
	baseURL string
	token   TokenSource
	http    *http.Client
	logger  *zap.Logger
}

// NewHTTPClient constructs a client. timeout bounds every request.
func NewHTTPClient(baseURL string, token TokenSource, timeout time.Duration, logger *zap.Logger) *HTTPClient {
	if logger == nil {
		logger = zap.NewNop()
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	if token == nil {
		token = StaticToken("")
	}
	return &HTTPClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		http:    &http.Client{Timeout: timeout},
		logger:  logger,
	}
}

type envelope struct {
	Data  json.RawMessage  `json:"data"`
	Error *appErrors.Error `json:"error"`
}

// Push sends one batch.
func (c *HTTPClient) Push(ctx context.Context, req dto.PushRequest) (*dto.PushResponse, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "encode push request")
	}
	var out dto.PushResponse
	if err := c.do(ctx, http.MethodPost, "/sync/push", nil, body, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Pull fetches one page of changes newer than the cursor.
func (c *HTTPClient) Pull(ctx context.Context, query dto.PullQuery) (*dto.PullResponse, error) {
	params := url.Values{}
	if query.LastSync != nil {
		params.Set("last_sync", models.FormatTime(*query.LastSync))
	}
	if query.Limit > 0 {
		params.Set("limit", strconv.Itoa(query.Limit))
	}
	if query.Offset > 0 {
		params.Set("offset", strconv.Itoa(query.Offset))
	}
	var out dto.PullResponse
	if err := c.do(ctx, http.MethodGet, "/sync/pull", params, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *HTTPClient) do(ctx context.Context, method, path string, params url.Values, body []byte, dest interface{}) error {
	target := c.baseURL + path
	if len(params) > 0 {
		target += "?" + params.Encode()
	}
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, target, reader)
	if err != nil {
		return appErrors.Wrap(err, appErrors.ErrTransport.Code, appErrors.ErrTransport.Status, "build request")
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token := c.token(); token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	if id := requestid.FromContext(ctx); id != "" {
		req.Header.Set(requestid.HeaderKey, id)
	}

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		c.logger.Warn("sync request failed", zap.String("method", method), zap.String("path", path), zap.Error(err))
		return appErrors.Wrap(err, appErrors.ErrTransport.Code, appErrors.ErrTransport.Status, fmt.Sprintf("%s %s", method, path))
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return appErrors.Wrap(err, appErrors.ErrTransport.Code, appErrors.ErrTransport.Status, "read response body")
	}
	c.logger.Debug("sync request",
		zap.String("method", method),
		zap.String("path", path),
		zap.Int("status", resp.StatusCode),
		zap.Duration("duration", time.Since(start)))

	var env envelope
	decodeErr := json.Unmarshal(raw, &env)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return statusError(resp.StatusCode, env.Error)
	}
	if decodeErr != nil {
		return appErrors.Wrap(decodeErr, appErrors.ErrTransport.Code, appErrors.ErrTransport.Status, "decode response envelope")
	}
	if len(env.Data) == 0 || string(env.Data) == "null" {
		return appErrors.Clone(appErrors.ErrTransport, "response envelope has no data")
	}
	if err := json.Unmarshal(env.Data, dest); err != nil {
		return appErrors.Wrap(err, appErrors.ErrTransport.Code, appErrors.ErrTransport.Status, "decode response data")
	}
	return nil
}

// statusError maps a non-2xx response onto the error taxonomy. 409 is the
// dependency class; everything else is a recoverable transport failure.
func statusError(status int, remote *appErrors.Error) error {
	msg := http.StatusText(status)
	if remote != nil && remote.Message != "" {
		msg = remote.Message
	}
	cause := fmt.Errorf("server returned %d: %s", status, msg)

	switch {
	case status == http.StatusConflict:
		return appErrors.Wrap(cause, appErrors.ErrDependencyConflict.Code, status, msg)
	case status == http.StatusUnauthorized:
		return appErrors.Wrap(cause, appErrors.ErrUnauthorized.Code, status, msg)
	case status == http.StatusForbidden:
		return appErrors.Wrap(cause, appErrors.ErrForbidden.Code, status, msg)
	default:
		return appErrors.Wrap(cause, appErrors.ErrTransport.Code, status, msg)
	}
}
