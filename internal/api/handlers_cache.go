package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"regexp"
	"strings"
)

// CacheStatsHandler reports response cache counters.
func (s *Server) CacheStatsHandler(w http.ResponseWriter, r *http.Request) {
	p, ok := s.requireDispatcher(w, r)
	if !ok {
		return
	}
	out := map[string]any{
		"l1":       s.responses.L1().Stats(),
		"l2":       s.opts.CacheTier != nil,
		"inFlight": s.dedupe.InFlight(),
		"waiting":  s.dedupe.Waiting(),
	}
	prefix := p.LabID + "/"
	tags := []string{}
	for _, t := range s.invalidator.Tags() {
		if p.IsAdmin() || strings.HasPrefix(t, prefix) {
			tags = append(tags, t)
		}
	}
	out["tags"] = tags
	writeJSON(w, http.StatusOK, out)
}

type invalidateRequest struct {
	Tag     string `json:"tag,omitempty"`
	Pattern string `json:"pattern,omitempty"`
}

// CacheInvalidateHandler handles POST /v1/cache/invalidate. Tags are scoped
// to the caller's lab; patterns match raw keys and need an admin.
func (s *Server) CacheInvalidateHandler(w http.ResponseWriter, r *http.Request) {
	p, ok := s.requireDispatcher(w, r)
	if !ok {
		return
	}
	var req invalidateRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 64<<10)).Decode(&req); err != nil {
		writeError(w, r, fmt.Errorf("%w: %v", errBadRequest, err))
		return
	}
	switch {
	case req.Tag != "" && req.Pattern != "":
		writeError(w, r, fmt.Errorf("%w: tag and pattern are exclusive", errBadRequest))
	case req.Tag != "":
		n := s.invalidator.Invalidate(tagKey(p.LabID, req.Tag))
		s.log.Info().Str("lab_id", p.LabID).Str("tag", req.Tag).Int("removed", n).Msg("cache tag invalidated")
		writeJSON(w, http.StatusOK, map[string]any{"tag": req.Tag, "removed": n})
	case req.Pattern != "":
		if !p.IsAdmin() {
			writeProblem(w, http.StatusForbidden, "Forbidden", "pattern invalidation requires admin", r.URL.Path)
			return
		}
		re, err := regexp.Compile(req.Pattern)
		if err != nil {
			writeError(w, r, fmt.Errorf("%w: pattern: %v", errBadRequest, err))
			return
		}
		n := s.invalidator.InvalidatePattern(re)
		s.log.Info().Str("pattern", req.Pattern).Int("removed", n).Msg("cache pattern invalidated")
		writeJSON(w, http.StatusOK, map[string]any{"pattern": req.Pattern, "removed": n})
	default:
		writeError(w, r, fmt.Errorf("%w: tag or pattern is required", errBadRequest))
	}
}
