package api

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/joe14all/lab-portal-sub002/internal/realtime"
)

// RealtimeHandler upgrades GET /ws for the caller's lab.
func (s *Server) RealtimeHandler(w http.ResponseWriter, r *http.Request) {
	p, ok := s.requirePrincipal(w, r)
	if !ok {
		return
	}
	s.hub.ServeWS(w, r, realtime.ConnInfo{LabID: p.LabID, UserID: p.UserID, Role: p.Role})
}

type broadcastRequest struct {
	Type   realtime.MessageType `json:"type"`
	Data   json.RawMessage      `json:"data,omitempty"`
	Role   string               `json:"role,omitempty"`
	UserID string               `json:"userId,omitempty"`
}

// BroadcastHandler handles POST /v1/realtime/broadcast. Dispatchers may only
// reach their own lab.
func (s *Server) BroadcastHandler(w http.ResponseWriter, r *http.Request) {
	p, ok := s.requireDispatcher(w, r)
	if !ok {
		return
	}
	var req broadcastRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20)).Decode(&req); err != nil {
		writeError(w, r, fmt.Errorf("%w: %v", errBadRequest, err))
		return
	}
	if !req.Type.Valid() || req.Type.Control() {
		writeError(w, r, fmt.Errorf("%w: unsupported message type %q", errBadRequest, req.Type))
		return
	}
	var data any
	if len(req.Data) > 0 {
		data = req.Data
	}
	msg, err := realtime.NewMessage(req.Type, data)
	if err != nil {
		writeError(w, r, err)
		return
	}
	d := realtime.Delivery{LabID: p.LabID, Role: req.Role, UserID: req.UserID, Message: msg}
	if err := s.hub.Publish(r.Context(), d); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"queued": true, "type": req.Type})
}

// RealtimeStatsHandler reports pool counts. Non-admins see only their lab.
func (s *Server) RealtimeStatsHandler(w http.ResponseWriter, r *http.Request) {
	p, ok := s.requireDispatcher(w, r)
	if !ok {
		return
	}
	st := s.hub.Pool().Stats()
	if p.IsAdmin() {
		writeJSON(w, http.StatusOK, st)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"labId":       p.LabID,
		"connections": st.ByLab[p.LabID],
	})
}
