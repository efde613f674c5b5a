package api

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/joe14all/lab-portal-sub002/internal/auth"
	"github.com/joe14all/lab-portal-sub002/internal/fieldclient"
	"github.com/joe14all/lab-portal-sub002/internal/geo"
	"github.com/joe14all/lab-portal-sub002/internal/queue"
	"github.com/joe14all/lab-portal-sub002/internal/realtime"
)

// ActionEvent is the realtime payload emitted for an applied field action.
// Signature and photo bodies are not forwarded.
type ActionEvent struct {
	ActionType   string          `json:"actionType"`
	DriverID     string          `json:"driverId,omitempty"`
	RouteID      string          `json:"routeId,omitempty"`
	StopID       string          `json:"stopId,omitempty"`
	PickupID     string          `json:"pickupId,omitempty"`
	Status       string          `json:"status,omitempty"`
	Reason       string          `json:"reason,omitempty"`
	Notes        string          `json:"notes,omitempty"`
	Location     *geo.Coordinate `json:"location,omitempty"`
	Geohash      string          `json:"geohash,omitempty"`
	HasSignature bool            `json:"hasSignature,omitempty"`
	HasPhoto     bool            `json:"hasPhoto,omitempty"`
	At           time.Time       `json:"at"`
}

// eventFor maps an action onto the realtime event dispatchers see.
func eventFor(t queue.ActionType, status string) realtime.MessageType {
	switch t {
	case queue.ActionUpdateStopStatus:
		switch status {
		case "arrived":
			return realtime.StopArrived
		case "completed", "delivered":
			return realtime.StopCompleted
		}
		return realtime.StopStatus
	case queue.ActionUploadSignature, queue.ActionUploadPhoto:
		return realtime.StopStatus
	case queue.ActionUpdateLocation:
		return realtime.DriverLocation
	case queue.ActionCompletePickup:
		return realtime.PickupCompleted
	case queue.ActionStartRoute:
		return realtime.RouteStarted
	case queue.ActionEndRoute:
		return realtime.RouteCompleted
	}
	return realtime.Notification
}

// FieldActionHandler handles POST /v1/field-actions/{type}, the remote
// executor target of the field agent's queue.
func (s *Server) FieldActionHandler(w http.ResponseWriter, r *http.Request) {
	p, ok := s.requirePrincipal(w, r)
	if !ok {
		return
	}
	t, err := queue.ParseActionType(r.PathValue("type"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxActionBody))
	if err != nil {
		var mbe *http.MaxBytesError
		if errors.As(err, &mbe) {
			writeProblem(w, http.StatusRequestEntityTooLarge, "Payload too large", err.Error(), r.URL.Path)
			return
		}
		writeProblem(w, http.StatusBadRequest, "Unreadable body", err.Error(), r.URL.Path)
		return
	}
	if s.opts.ActionSecret != "" && !fieldclient.Verify(s.opts.ActionSecret, body, r.Header.Get(fieldclient.SignatureHeader)) {
		writeProblem(w, http.StatusUnauthorized, "Bad signature", "X-Signature does not match body", r.URL.Path)
		return
	}
	payload, err := queue.DecodePayload(t, body)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if payload.DriverID == "" && p.IsDriver() {
		payload.DriverID = p.UserID
	}
	if p.IsDriver() && p.UserID != "" && payload.DriverID != p.UserID {
		writeProblem(w, http.StatusForbidden, "Forbidden", "drivers may only report their own actions", r.URL.Path)
		return
	}

	evt, err := s.applyAction(r.Context(), p, t, payload)
	if err != nil {
		writeError(w, r, err)
		return
	}
	s.log.Debug().Str("lab_id", p.LabID).Str("action_type", string(t)).Str("event", string(evt)).Msg("field action applied")
	writeJSON(w, http.StatusOK, map[string]any{"applied": true, "actionType": t, "event": evt})
}

func (s *Server) applyAction(ctx context.Context, p auth.Principal, t queue.ActionType, fp queue.FieldPayload) (realtime.MessageType, error) {
	now := time.Now().UTC()
	evt := eventFor(t, fp.Status)

	var data any
	if t == queue.ActionUpdateLocation {
		loc, err := s.recordLocation(p.LabID, realtime.LocationData{
			DriverID: fp.DriverID,
			Lat:      fp.Location.Lat,
			Lon:      fp.Location.Lon,
			Geohash:  fp.Geohash,
			Heading:  fp.Heading,
			SpeedKph: fp.SpeedKph,
		}, fp.RouteID, now)
		if err != nil {
			return evt, err
		}
		data = realtime.LocationData{
			DriverID: loc.DriverID, Lat: loc.Lat, Lon: loc.Lon,
			Geohash: loc.Geohash, Heading: loc.Heading, SpeedKph: loc.SpeedKph,
		}
	} else {
		data = ActionEvent{
			ActionType:   string(t),
			DriverID:     fp.DriverID,
			RouteID:      fp.RouteID,
			StopID:       fp.StopID,
			PickupID:     fp.PickupID,
			Status:       fp.Status,
			Reason:       fp.Reason,
			Notes:        fp.Notes,
			Location:     fp.Location,
			Geohash:      fp.Geohash,
			HasSignature: fp.Signature != "",
			HasPhoto:     fp.Photo != "",
			At:           now,
		}
		s.activity.Add(p.LabID, fp.RouteID, ActivityEntry{
			ActionType: string(t),
			Event:      string(evt),
			DriverID:   fp.DriverID,
			StopID:     fp.StopID,
			PickupID:   fp.PickupID,
			Status:     fp.Status,
			At:         now,
		})
		if fp.RouteID != "" {
			s.invalidator.Invalidate(tagKey(p.LabID, "route:"+fp.RouteID))
		}
		if fp.StopID != "" {
			s.invalidator.Invalidate(tagKey(p.LabID, "stop:"+fp.StopID))
		}
	}

	msg, err := realtime.NewMessage(evt, data)
	if err != nil {
		return evt, err
	}
	if err := s.hub.Publish(ctx, realtime.Delivery{LabID: p.LabID, Message: msg}); err != nil {
		return evt, fmt.Errorf("publish %s: %w", evt, err)
	}
	return evt, nil
}

// recordLocation validates and stores a driver position, then drops cached
// proximity results for the lab.
func (s *Server) recordLocation(lab string, d realtime.LocationData, route string, at time.Time) (LatestLocation, error) {
	c := geo.Coordinate{Lat: d.Lat, Lon: d.Lon}
	if err := c.Validate(); err != nil {
		return LatestLocation{}, err
	}
	if d.DriverID == "" {
		return LatestLocation{}, fmt.Errorf("%w: driverId is required", queue.ErrValidation)
	}
	hash := d.Geohash
	if hash == "" {
		var err error
		if hash, err = geo.EncodeCoordinate(c, locationPrecision); err != nil {
			return LatestLocation{}, err
		}
	}
	loc := LatestLocation{
		LabID:    lab,
		DriverID: d.DriverID,
		RouteID:  route,
		Lat:      d.Lat,
		Lon:      d.Lon,
		Geohash:  hash,
		Heading:  d.Heading,
		SpeedKph: d.SpeedKph,
		At:       at,
	}
	if s.locations.Upsert(loc) {
		s.invalidator.Invalidate(tagKey(lab, "drivers"))
	}
	return loc, nil
}

// onInbound keeps the location cache current from websocket reports.
func (s *Server) onInbound(info realtime.ConnInfo, msg realtime.Message) {
	if msg.Type != realtime.DriverLocation || info.Role != auth.RoleDriver {
		return
	}
	var d realtime.LocationData
	if err := msg.Decode(&d); err != nil {
		s.log.Debug().Err(err).Str("lab_id", info.LabID).Msg("bad driver location")
		return
	}
	if info.UserID != "" {
		d.DriverID = info.UserID
	}
	at := msg.Timestamp
	if at.IsZero() {
		at = time.Now().UTC()
	}
	if _, err := s.recordLocation(info.LabID, d, "", at); err != nil {
		s.log.Debug().Err(err).Str("lab_id", info.LabID).Msg("driver location rejected")
	}
}

// RouteActivityHandler handles GET /v1/routes/{id}/activity.
func (s *Server) RouteActivityHandler(w http.ResponseWriter, r *http.Request) {
	p, ok := s.requirePrincipal(w, r)
	if !ok {
		return
	}
	route := r.PathValue("id")
	key := cacheKey(p.LabID, "route-activity", route)
	raw, err := s.cachedJSON(r.Context(), key, []string{tagKey(p.LabID, "route:"+route)}, func() (any, error) {
		return map[string]any{"routeId": route, "entries": s.activity.Route(p.LabID, route)}, nil
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeRawJSON(w, http.StatusOK, raw)
}

// DriversHandler handles GET /v1/drivers: latest locations in the caller's lab.
func (s *Server) DriversHandler(w http.ResponseWriter, r *http.Request) {
	p, ok := s.requirePrincipal(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": s.locations.ListByLab(p.LabID)})
}

// NearbyDriver is a driver location with its distance from the query center.
type NearbyDriver struct {
	LatestLocation
	DistanceKm float64 `json:"distanceKm"`
}

// NearbyDriversHandler handles GET /v1/drivers/nearby?lat&lon&radiusKm[&precision].
func (s *Server) NearbyDriversHandler(w http.ResponseWriter, r *http.Request) {
	p, ok := s.requirePrincipal(w, r)
	if !ok {
		return
	}
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
	radius, err := floatParam(q, "radiusKm", DefaultNearbyRadiusKm, false)
	if err != nil || radius <= 0 {
		writeError(w, r, fmt.Errorf("%w: radiusKm must be positive", errBadRequest))
		return
	}
	precision, err := intParam(q, "precision", geo.PrecisionForRadius(radius))
	if err != nil {
		writeError(w, r, err)
		return
	}
	center := geo.Coordinate{Lat: lat, Lon: lon}
	if err := center.Validate(); err != nil {
		writeError(w, r, err)
		return
	}

	key := cacheKey(p.LabID, "nearby", fmt.Sprintf("%.5f,%.5f,%g,%d", lat, lon, radius, precision))
	raw, err := s.cachedJSON(r.Context(), key, []string{tagKey(p.LabID, "drivers")}, func() (any, error) {
		locs := s.locations.ListByLab(p.LabID)
		byID := make(map[string]LatestLocation, len(locs))
		for _, l := range locs {
			byID[l.DriverID] = l
		}
		matches, err := geo.FindNearby(center, radius, s.locations.Points(p.LabID), precision)
		if err != nil {
			return nil, err
		}
		out := make([]NearbyDriver, 0, len(matches))
		for _, m := range matches {
			out = append(out, NearbyDriver{LatestLocation: byID[m.ID], DistanceKm: m.DistanceKm})
		}
		return map[string]any{"center": center, "radiusKm": radius, "precision": precision, "drivers": out}, nil
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeRawJSON(w, http.StatusOK, raw)
}
