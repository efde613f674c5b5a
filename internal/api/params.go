package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"
)

var errBadRequest = errors.New("api: bad request")

func floatParam(q url.Values, name string, def float64, required bool) (float64, error) {
	v := strings.TrimSpace(q.Get(name))
	if v == "" {
		if required {
			return 0, fmt.Errorf("%w: %s is required", errBadRequest, name)
		}
		return def, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: %s: %v", errBadRequest, name, err)
	}
	return f, nil
}

func intParam(q url.Values, name string, def int) (int, error) {
	v := strings.TrimSpace(q.Get(name))
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%w: %s: %v", errBadRequest, name, err)
	}
	return n, nil
}

// cacheKey and tagKey scope cache entries to a lab.
func cacheKey(lab, kind, id string) string { return lab + "/" + kind + "/" + id }

func tagKey(lab, tag string) string { return lab + "/" + tag }

// cachedJSON serves key from the response cache, building and storing it on
// a miss. Concurrent misses for one key share a single build.
func (s *Server) cachedJSON(ctx context.Context, key string, tags []string, build func() (any, error)) (json.RawMessage, error) {
	if raw, ok := s.responses.Get(ctx, key); ok {
		return raw, nil
	}
	return s.dedupe.Dedupe(key, func() (json.RawMessage, error) {
		v, err := build()
		if err != nil {
			return nil, err
		}
		raw, err := json.Marshal(v)
		if err != nil {
			return nil, err
		}
		s.invalidator.Register(key, tags...)
		if err := s.responses.Set(ctx, key, raw); err != nil {
			s.log.Warn().Err(err).Str("key", key).Msg("response cache write failed")
		}
		return raw, nil
	})
}
