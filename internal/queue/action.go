// Package queue is the field client's durable offline action queue and the
// engine that drains it against a remote executor once connectivity returns.
package queue

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/joe14all/lab-portal-sub002/internal/geo"
)

// ActionType names a field action the driver can perform offline.
type ActionType string

const (
	ActionUpdateStopStatus ActionType = "UPDATE_STOP_STATUS"
	ActionUploadSignature  ActionType = "UPLOAD_SIGNATURE"
	ActionUploadPhoto      ActionType = "UPLOAD_PHOTO"
	ActionUpdateLocation   ActionType = "UPDATE_LOCATION"
	ActionReportException  ActionType = "REPORT_EXCEPTION"
	ActionCompletePickup   ActionType = "COMPLETE_PICKUP"
	ActionStartRoute       ActionType = "START_ROUTE"
	ActionEndRoute         ActionType = "END_ROUTE"
)

var actionTypes = []ActionType{
	ActionUpdateStopStatus,
	ActionUploadSignature,
	ActionUploadPhoto,
	ActionUpdateLocation,
	ActionReportException,
	ActionCompletePickup,
	ActionStartRoute,
	ActionEndRoute,
}

// ActionTypes returns every known action type.
func ActionTypes() []ActionType {
	return append([]ActionType(nil), actionTypes...)
}

func (t ActionType) Valid() bool {
	for _, at := range actionTypes {
		if at == t {
			return true
		}
	}
	return false
}

// ParseActionType accepts the canonical upper-case name or its lower-case form.
func ParseActionType(s string) (ActionType, error) {
	t := ActionType(strings.ToUpper(strings.TrimSpace(s)))
	if !t.Valid() {
		return "", fmt.Errorf("%w: unknown action type %q", ErrValidation, s)
	}
	return t, nil
}

type Status string

const (
	StatusPending Status = "pending"
	StatusSyncing Status = "syncing"
	StatusSynced  Status = "synced"
	StatusFailed  Status = "failed"
)

func ParseStatus(s string) (Status, error) {
	switch st := Status(strings.ToLower(s)); st {
	case StatusPending, StatusSyncing, StatusSynced, StatusFailed:
		return st, nil
	}
	return "", fmt.Errorf("%w: unknown status %q", ErrValidation, s)
}

type Priority string

const (
	PriorityNormal Priority = "normal"
	PriorityHigh   Priority = "high"
)

func (p Priority) rank() int {
	if p == PriorityHigh {
		return 0
	}
	return 1
}

// Action is the persisted queue record.
type Action struct {
	ID         string            `json:"id"`
	Type       ActionType        `json:"actionType"`
	Payload    json.RawMessage   `json:"payload"`
	Status     Status            `json:"status"`
	Timestamp  time.Time         `json:"timestamp"`
	CreatedAt  time.Time         `json:"createdAt"`
	Retries    int               `json:"retries"`
	RetryLimit int               `json:"retryLimit"`
	Priority   Priority          `json:"priority"`
	Metadata   map[string]string `json:"metadata,omitempty"`
	LastError  string            `json:"lastError,omitempty"`
	SyncedAt   *time.Time        `json:"syncedAt,omitempty"`
}

// clone returns a copy that shares nothing mutable with a.
func (a Action) clone() Action {
	out := a
	out.Payload = append(json.RawMessage(nil), a.Payload...)
	if a.Metadata != nil {
		out.Metadata = make(map[string]string, len(a.Metadata))
		for k, v := range a.Metadata {
			out.Metadata[k] = v
		}
	}
	if a.SyncedAt != nil {
		t := *a.SyncedAt
		out.SyncedAt = &t
	}
	return out
}

// FieldPayload is the union of fields carried by field action payloads.
// Which fields are required depends on the action type.
type FieldPayload struct {
	RouteID   string          `json:"routeId,omitempty"`
	StopID    string          `json:"stopId,omitempty"`
	PickupID  string          `json:"pickupId,omitempty"`
	DriverID  string          `json:"driverId,omitempty"`
	Status    string          `json:"status,omitempty"`
	Reason    string          `json:"reason,omitempty"`
	Notes     string          `json:"notes,omitempty"`
	Signature string          `json:"signature,omitempty"`
	Photo     string          `json:"photo,omitempty"`
	Location  *geo.Coordinate `json:"location,omitempty"`
	Geohash   string          `json:"geohash,omitempty"`
	Heading   float64         `json:"heading,omitempty"`
	SpeedKph  float64         `json:"speedKph,omitempty"`
}

// DecodePayload parses raw as a FieldPayload and checks the fields t requires.
// Any location present must be a valid coordinate.
func DecodePayload(t ActionType, raw json.RawMessage) (FieldPayload, error) {
	var p FieldPayload
	if !t.Valid() {
		return p, fmt.Errorf("%w: unknown action type %q", ErrValidation, t)
	}
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return p, fmt.Errorf("%w: payload must be a JSON object", ErrValidation)
	}
	if err := json.Unmarshal(trimmed, &p); err != nil {
		return p, fmt.Errorf("%w: payload: %v", ErrValidation, err)
	}
	if p.Location != nil {
		if err := p.Location.Validate(); err != nil {
			return p, fmt.Errorf("%w: %w", ErrValidation, err)
		}
	}
	if p.Geohash != "" {
		if _, err := geo.Decode(p.Geohash); err != nil {
			return p, fmt.Errorf("%w: %w", ErrValidation, err)
		}
	}

	var missing []string
	need := func(name, v string) {
		if strings.TrimSpace(v) == "" {
			missing = append(missing, name)
		}
	}
	switch t {
	case ActionUpdateStopStatus:
		need("stopId", p.StopID)
		need("status", p.Status)
	case ActionUploadSignature:
		need("stopId", p.StopID)
		need("signature", p.Signature)
	case ActionUploadPhoto:
		need("stopId", p.StopID)
		need("photo", p.Photo)
	case ActionUpdateLocation:
		if p.Location == nil {
			missing = append(missing, "location")
		}
	case ActionReportException:
		need("stopId", p.StopID)
		need("reason", p.Reason)
	case ActionCompletePickup:
		need("pickupId", p.PickupID)
	case ActionStartRoute, ActionEndRoute:
		need("routeId", p.RouteID)
	}
	if len(missing) > 0 {
		return p, fmt.Errorf("%w: %s requires %s", ErrValidation, t, strings.Join(missing, ", "))
	}
	return p, nil
}
