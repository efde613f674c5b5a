package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/joe14all/lab-portal-sub002/internal/geo"
)

// GeoEncodeHandler handles GET /v1/geo/encode?lat&lon[&precision].
func (s *Server) GeoEncodeHandler(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	lat, err := floatParam(q, "lat", 0, true)
	if err != nil {
		writeError(w, r, err)
		return
	}
	lon, err := floatParam(q, "lon", 0, true)
	if err != nil {
		writeError(w, r, err)
		return
	}
	precision, err := intParam(q, "precision", locationPrecision)
	if err != nil {
		writeError(w, r, err)
		return
	}
	hash, err := geo.Encode(lat, lon, precision)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"geohash":   hash,
		"precision": precision,
		"errorKm":   geo.PrecisionError(precision),
	})
}

// GeoDecodeHandler handles GET /v1/geo/decode?hash.
func (s *Server) GeoDecodeHandler(w http.ResponseWriter, r *http.Request) {
	cell, err := geo.Decode(r.URL.Query().Get("hash"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, cell)
}

// GeoNeighborsHandler handles GET /v1/geo/neighbors?hash.
func (s *Server) GeoNeighborsHandler(w http.ResponseWriter, r *http.Request) {
	hash := strings.ToLower(strings.TrimSpace(r.URL.Query().Get("hash")))
	ns, err := geo.Neighbors(hash)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"geohash": hash, "neighbors": ns})
}

type validateRequest struct {
	Actual          *geo.Coordinate `json:"actual"`
	Expected        *geo.Coordinate `json:"expected"`
	ToleranceMeters float64         `json:"toleranceMeters"`
}

// GeoValidateHandler handles POST /v1/geo/validate, the delivery-location check.
func (s *Server) GeoValidateHandler(w http.ResponseWriter, r *http.Request) {
	var req validateRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 64<<10))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		writeError(w, r, fmt.Errorf("%w: %v", errBadRequest, err))
		return
	}
	if req.Actual == nil || req.Expected == nil {
		writeError(w, r, fmt.Errorf("%w: actual and expected are required", errBadRequest))
		return
	}
	if req.ToleranceMeters < 0 {
		writeError(w, r, fmt.Errorf("%w: toleranceMeters must not be negative", errBadRequest))
		return
	}
	if req.ToleranceMeters == 0 {
		req.ToleranceMeters = DefaultToleranceMeters
	}
	res, err := geo.ValidateProximity(*req.Actual, *req.Expected, req.ToleranceMeters)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}
