package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/joe14all/lab-portal-sub002/internal/realtime"
)

const sseHeartbeat = 15 * time.Second

var errStreamFull = errors.New("api: event stream queue full")

// streamSender queues realtime messages for one event-stream client.
type streamSender struct {
	ch chan realtime.Message
}

func (s streamSender) Send(msg realtime.Message) error {
	select {
	case s.ch <- msg:
		return nil
	default:
		return errStreamFull
	}
}

// EventStreamHandler handles GET /v1/events/stream, a server-sent events
// view of the caller's lab for clients that cannot hold a websocket. It
// joins the same pool as websocket connections, so lab, role and user
// targeting apply unchanged.
func (s *Server) EventStreamHandler(w http.ResponseWriter, r *http.Request) {
	p, ok := s.requirePrincipal(w, r)
	if !ok {
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeProblem(w, http.StatusInternalServerError, "Streaming unsupported", "", r.URL.Path)
		return
	}

	id := uuid.NewString()
	sender := streamSender{ch: make(chan realtime.Message, 16)}
	pool := s.hub.Pool()
	pool.Register(id, realtime.ConnInfo{LabID: p.LabID, UserID: p.UserID, Role: p.Role, ConnectedAt: time.Now().UTC()}, sender)
	defer pool.Unregister(id)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	writeEvent(w, realtime.Connection, realtime.ConnectionData{ConnectionID: id})
	flusher.Flush()

	tick := time.NewTicker(sseHeartbeat)
	defer tick.Stop()
	for {
		select {
		case <-r.Context().Done():
			return
		case msg := <-sender.ch:
			fmt.Fprintf(w, "event: %s\n", msg.Type)
			b, _ := json.Marshal(msg)
			fmt.Fprintf(w, "data: %s\n\n", b)
			flusher.Flush()
		case now := <-tick.C:
			writeEvent(w, realtime.Ping, map[string]string{"ts": now.UTC().Format(time.RFC3339)})
			flusher.Flush()
		}
	}
}

func writeEvent(w http.ResponseWriter, t realtime.MessageType, data any) {
	msg, err := realtime.NewMessage(t, data)
	if err != nil {
		return
	}
	b, _ := json.Marshal(msg)
	fmt.Fprintf(w, "event: %s\n", t)
	fmt.Fprintf(w, "data: %s\n\n", b)
}
