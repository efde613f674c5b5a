package fieldclient

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/joe14all/lab-portal-sub002/internal/cache"
)

// Client performs cached GETs against the dispatch API. Concurrent reads of
// one path share a single request.
type Client struct {
	cfg    Config
	http   *http.Client
	cache  *cache.MultiLevel[json.RawMessage]
	dedupe cache.Deduplicator[json.RawMessage]
}

// NewClient uses store as its cache; a nil store disables caching.
func NewClient(cfg Config, store *cache.MultiLevel[json.RawMessage]) *Client {
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	return &Client{cfg: cfg, http: cfg.httpClient(), cache: store}
}

// OpenCache builds an in-memory cache backed by a bolt file at path.
// The returned closer releases the file and stops the sweeper.
func OpenCache(path string, log zerolog.Logger) (*cache.MultiLevel[json.RawMessage], io.Closer, error) {
	tier, err := cache.OpenBoltTier(path)
	if err != nil {
		return nil, nil, err
	}
	l1 := cache.NewMemory[json.RawMessage](cache.Options{Name: "fieldclient"})
	ml := cache.NewMultiLevel(l1, tier, cache.MultiLevelOptions{
		L1TTL:  cache.DefaultTTL,
		L2TTL:  24 * time.Hour,
		Logger: log,
	})
	return ml, closerFunc(func() error {
		l1.Close()
		return tier.Close()
	}), nil
}

type closerFunc func() error

func (f closerFunc) Close() error { return f() }

// Get returns the body of GET {base}{path}, served from cache when present.
// A successful fetch is cached for ttl (zero uses the cache defaults).
func (c *Client) Get(ctx context.Context, path string, ttl time.Duration) (json.RawMessage, error) {
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	if c.cache != nil {
		if v, ok := c.cache.Get(ctx, path); ok {
			return v, nil
		}
	}
	return c.dedupe.Dedupe(path, func() (json.RawMessage, error) {
		body, err := c.fetch(ctx, path)
		if err != nil {
			return nil, err
		}
		if c.cache != nil {
			if err := c.cache.SetTTL(ctx, path, body, ttl); err != nil {
				c.cfg.Logger.Warn().Err(err).Str("path", path).Msg("cache write failed")
			}
		}
		return body, nil
	})
}

// Invalidate drops path from every cache level.
func (c *Client) Invalidate(ctx context.Context, path string) error {
	if c.cache == nil {
		return nil
	}
	return c.cache.Delete(ctx, path)
}

func (c *Client) fetch(ctx context.Context, path string) (json.RawMessage, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.cfg.BaseURL+path, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	if c.cfg.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.Token)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fieldclient: get %s: %w", path, err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, fmt.Errorf("fieldclient: read %s: %w", path, err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, &StatusError{Code: resp.StatusCode, Body: strings.TrimSpace(string(body))}
	}
	if !json.Valid(body) {
		return nil, fmt.Errorf("fieldclient: %s returned invalid json", path)
	}
	return json.RawMessage(body), nil
}
