package realtime

import (
	"github.com/rs/zerolog"

	"github.com/joe14all/lab-portal-sub002/internal/metrics"
)

// Result counts per-connection send outcomes of one broadcast.
type Result struct {
	Sent   int `json:"sent"`
	Failed int `json:"failed"`
}

// Broadcaster sends one message to many pooled connections. Failures are
// counted, never returned, and never retried.
type Broadcaster struct {
	pool *Pool
	log  zerolog.Logger
}

func NewBroadcaster(pool *Pool, log zerolog.Logger) *Broadcaster {
	return &Broadcaster{pool: pool, log: log}
}

// Broadcast sends a message built from t and data to every id.
func (b *Broadcaster) Broadcast(ids []string, t MessageType, data any) Result {
	msg, err := NewMessage(t, data)
	if err != nil {
		b.log.Warn().Err(err).Str("type", string(t)).Msg("broadcast encode failed")
		metrics.RealtimeBroadcasts.WithLabelValues("failed").Add(float64(len(ids)))
		return Result{Failed: len(ids)}
	}
	return b.Send(ids, msg)
}

// Send delivers a prepared message to every id.
func (b *Broadcaster) Send(ids []string, msg Message) Result {
	var res Result
	for _, id := range ids {
		s, ok := b.pool.sender(id)
		if !ok {
			res.Failed++
			continue
		}
		if err := s.Send(msg); err != nil {
			b.log.Debug().Err(err).Str("connection_id", id).Str("type", string(msg.Type)).Msg("broadcast send failed")
			res.Failed++
			continue
		}
		res.Sent++
	}
	metrics.RealtimeBroadcasts.WithLabelValues("sent").Add(float64(res.Sent))
	metrics.RealtimeBroadcasts.WithLabelValues("failed").Add(float64(res.Failed))
	return res
}

func (b *Broadcaster) BroadcastToLab(lab string, t MessageType, data any) Result {
	return b.Broadcast(b.pool.LabConnections(lab), t, data)
}

func (b *Broadcaster) BroadcastToRole(lab, role string, t MessageType, data any) Result {
	return b.Broadcast(b.pool.ConnectionsByRole(lab, role), t, data)
}

func (b *Broadcaster) BroadcastToUser(user string, t MessageType, data any) Result {
	return b.Broadcast(b.pool.UserConnections(user), t, data)
}

// Deliver routes d by its most specific scope: user, then role in lab, then
// lab. A user delivery that names a lab reaches only that lab's connections.
func (b *Broadcaster) Deliver(d Delivery) Result {
	switch {
	case d.UserID != "" && d.LabID != "":
		return b.Send(b.pool.LabUserConnections(d.LabID, d.UserID), d.Message)
	case d.UserID != "":
		return b.Send(b.pool.UserConnections(d.UserID), d.Message)
	case d.Role != "":
		return b.Send(b.pool.ConnectionsByRole(d.LabID, d.Role), d.Message)
	default:
		return b.Send(b.pool.LabConnections(d.LabID), d.Message)
	}
}
