// Package fieldclient is the field agent's side of the dispatch API: it
// executes queued actions remotely and serves cached remote reads.
package fieldclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/joe14all/lab-portal-sub002/internal/queue"
)

const DefaultTimeout = 10 * time.Second

// ErrStatus marks a non-2xx response.
var ErrStatus = errors.New("fieldclient: unexpected status")

// StatusError carries the response of a failed call.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("fieldclient: status %d: %s", e.Code, e.Body)
}

func (e *StatusError) Unwrap() error { return ErrStatus }

type Config struct {
	BaseURL string
	Token   string
	// Secret enables the X-Signature header.
	Secret string
	HTTP   *http.Client
	Logger zerolog.Logger
}

func (c Config) httpClient() *http.Client {
	if c.HTTP != nil {
		return c.HTTP
	}
	return &http.Client{Timeout: DefaultTimeout}
}

// Executor applies actions against the dispatch API.
type Executor struct {
	cfg  Config
	http *http.Client
}

func NewExecutor(cfg Config) *Executor {
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	return &Executor{cfg: cfg, http: cfg.httpClient()}
}

// Execute POSTs payload to {base}/v1/field-actions/{type} and returns the
// decoded response body. It satisfies queue.Executor as a method value.
func (e *Executor) Execute(ctx context.Context, t queue.ActionType, payload json.RawMessage) (any, error) {
	url := e.cfg.BaseURL + "/v1/field-actions/" + string(t)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if e.cfg.Token != "" {
		req.Header.Set("Authorization", "Bearer "+e.cfg.Token)
	}
	if e.cfg.Secret != "" {
		req.Header.Set(SignatureHeader, Sign(e.cfg.Secret, payload))
	}

	start := time.Now()
	resp, err := e.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fieldclient: %s: %w", t, err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("fieldclient: read %s response: %w", t, err)
	}
	e.cfg.Logger.Debug().
		Str("action_type", string(t)).
		Int("status", resp.StatusCode).
		Dur("latency", time.Since(start)).
		Msg("field action executed")
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &StatusError{Code: resp.StatusCode, Body: strings.TrimSpace(string(body))}
	}
	if len(bytes.TrimSpace(body)) == 0 {
		return nil, nil
	}
	return json.RawMessage(body), nil
}
