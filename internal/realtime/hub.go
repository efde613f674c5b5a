package realtime

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

const (
	DefaultSendBuffer   = 32
	DefaultPingInterval = 20 * time.Second
	DefaultPongWait     = 60 * time.Second
	DefaultWriteWait    = 10 * time.Second
	maxInboundBytes     = 1 << 20
)

var (
	errSendQueueFull = errors.New("realtime: send queue full")
	errConnClosed    = errors.New("realtime: connection closed")
)

type HubOptions struct {
	Logger zerolog.Logger
	// Relay fans deliveries across instances. Nil delivers in-process only.
	Relay        Relay
	SendBuffer   int
	PingInterval time.Duration
	PongWait     time.Duration
	WriteWait    time.Duration
	CheckOrigin  func(r *http.Request) bool
	// OnInbound sees every application message a client sends.
	OnInbound func(info ConnInfo, msg Message)
}

// Hub terminates server-side websocket connections and feeds them into a Pool.
type Hub struct {
	pool     *Pool
	bc       *Broadcaster
	relay    Relay
	log      zerolog.Logger
	upgrader websocket.Upgrader
	opts     HubOptions
}

func NewHub(opts HubOptions) *Hub {
	if opts.SendBuffer <= 0 {
		opts.SendBuffer = DefaultSendBuffer
	}
	if opts.PingInterval <= 0 {
		opts.PingInterval = DefaultPingInterval
	}
	if opts.PongWait <= 0 {
		opts.PongWait = DefaultPongWait
	}
	if opts.WriteWait <= 0 {
		opts.WriteWait = DefaultWriteWait
	}
	check := opts.CheckOrigin
	if check == nil {
		check = func(*http.Request) bool { return true }
	}
	pool := NewPool()
	return &Hub{
		pool:     pool,
		bc:       NewBroadcaster(pool, opts.Logger),
		relay:    opts.Relay,
		log:      opts.Logger,
		upgrader: websocket.Upgrader{CheckOrigin: check},
		opts:     opts,
	}
}

func (h *Hub) Pool() *Pool               { return h.pool }
func (h *Hub) Broadcaster() *Broadcaster { return h.bc }

// Publish hands d to the relay, or delivers it locally when there is none.
func (h *Hub) Publish(ctx context.Context, d Delivery) error {
	if h.relay == nil {
		h.bc.Deliver(d)
		return nil
	}
	return h.relay.Publish(ctx, d)
}

// Run consumes relay deliveries until ctx is done.
func (h *Hub) Run(ctx context.Context) error {
	if h.relay == nil {
		<-ctx.Done()
		return nil
	}
	return h.relay.Subscribe(ctx, func(d Delivery) { h.bc.Deliver(d) })
}

type hubClient struct {
	id   string
	info ConnInfo
	conn *websocket.Conn
	send chan Message
	done chan struct{}
	once sync.Once
}

// Send queues msg without blocking. A full queue is a failed send.
func (c *hubClient) Send(msg Message) error {
	select {
	case <-c.done:
		return errConnClosed
	default:
	}
	select {
	case c.send <- msg:
		return nil
	default:
		return errSendQueueFull
	}
}

func (c *hubClient) close() {
	c.once.Do(func() {
		close(c.done)
		_ = c.conn.Close()
	})
}

// ServeWS upgrades the request and serves the connection until it closes.
// The caller authenticates and supplies info.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request, info ConnInfo) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Debug().Err(err).Msg("websocket upgrade failed")
		return
	}
	c := &hubClient{
		id:   uuid.NewString(),
		info: info,
		conn: conn,
		send: make(chan Message, h.opts.SendBuffer),
		done: make(chan struct{}),
	}
	if c.info.ConnectedAt.IsZero() {
		c.info.ConnectedAt = time.Now().UTC()
	}
	hello, _ := NewMessage(Connection, ConnectionData{ConnectionID: c.id})
	_ = c.Send(hello)

	h.pool.Register(c.id, c.info, c)
	log := h.log.With().Str("connection_id", c.id).Str("lab_id", info.LabID).Str("role", info.Role).Logger()
	log.Debug().Msg("websocket connected")

	go h.writePump(c)
	h.readPump(c, log)

	h.pool.Unregister(c.id)
	c.close()
	log.Debug().Msg("websocket disconnected")
}

func (h *Hub) readPump(c *hubClient, log zerolog.Logger) {
	c.conn.SetReadLimit(maxInboundBytes)
	_ = c.conn.SetReadDeadline(time.Now().Add(h.opts.PongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(h.opts.PongWait))
	})
	for {
		var msg Message
		if err := c.conn.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.Debug().Err(err).Msg("websocket read")
			}
			return
		}
		_ = c.conn.SetReadDeadline(time.Now().Add(h.opts.PongWait))
		if !msg.Type.Valid() {
			log.Debug().Str("type", string(msg.Type)).Msg("unknown message type")
			continue
		}
		if msg.Timestamp.IsZero() {
			msg.Timestamp = time.Now().UTC()
		}
		switch msg.Type {
		case Ping:
			pong, _ := NewMessage(Pong, nil)
			_ = c.Send(pong)
			continue
		case Pong, Connection:
			continue
		case DriverLocation, DriverStatus:
			if c.info.Role == "driver" {
				ctx, cancel := context.WithTimeout(context.Background(), h.opts.WriteWait)
				if err := h.Publish(ctx, Delivery{LabID: c.info.LabID, Message: msg}); err != nil {
					log.Warn().Err(err).Str("type", string(msg.Type)).Msg("relay publish failed")
				}
				cancel()
			}
		}
		if h.opts.OnInbound != nil {
			h.opts.OnInbound(c.info, msg)
		}
	}
}

func (h *Hub) writePump(c *hubClient) {
	ticker := time.NewTicker(h.opts.PingInterval)
	defer func() {
		ticker.Stop()
		c.close()
	}()
	for {
		select {
		case <-c.done:
			return
		case msg := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(h.opts.WriteWait))
			if err := c.conn.WriteJSON(msg); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(h.opts.WriteWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
