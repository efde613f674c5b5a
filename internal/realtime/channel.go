package realtime

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/joe14all/lab-portal-sub002/internal/metrics"
)

// State is the client channel's connection state.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateReconnecting
	// StateFailed is terminal until Connect is called again.
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	case StateFailed:
		return "failed"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

var ErrChannelClosed = errors.New("realtime: channel disconnected")

// Config configures a Channel. Zero durations and counts take defaults.
type Config struct {
	URL    string
	Header http.Header
	Dialer Dialer

	HeartbeatInterval    time.Duration
	ReconnectBase        time.Duration
	ReconnectMax         time.Duration
	MaxReconnectAttempts int

	Logger zerolog.Logger
	// OnReconnect is called each time a reconnect is scheduled, with the
	// 1-based attempt number and the delay before it runs.
	OnReconnect func(attempt int, delay time.Duration)
}

// Handler receives a dispatched message.
type Handler func(Message)

type handlerEntry struct {
	id int
	fn Handler
}

type stateListener struct {
	id int
	fn func(from, to State)
}

// Channel is a client connection that reconnects after unclean closes with a
// 1.5x growing, capped delay and sends heartbeats while connected. Every
// timer and goroutine belongs to one connection epoch and is stopped when
// the channel leaves that epoch.
type Channel struct {
	cfg Config
	log zerolog.Logger

	mu         sync.Mutex
	state      State
	epoch      uint64
	conn       Conn
	connID     string
	attempt    int
	bo         *backoff.ExponentialBackOff
	retryTimer *time.Timer
	stopBeat   chan struct{}
	ctx        context.Context
	stopCtx    func() bool
	notes      []func()

	writeMu sync.Mutex

	hmu       sync.RWMutex
	nextID    int
	handlers  map[MessageType][]handlerEntry
	wildcard  []handlerEntry
	listeners []stateListener
}

func NewChannel(cfg Config) *Channel {
	if cfg.Dialer == nil {
		cfg.Dialer = WebsocketDialer{}
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = 30 * time.Second
	}
	if cfg.ReconnectBase <= 0 {
		cfg.ReconnectBase = time.Second
	}
	if cfg.ReconnectMax <= 0 {
		cfg.ReconnectMax = 30 * time.Second
	}
	if cfg.MaxReconnectAttempts <= 0 {
		cfg.MaxReconnectAttempts = 10
	}
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = cfg.ReconnectBase
	bo.Multiplier = 1.5
	bo.RandomizationFactor = 0
	bo.MaxInterval = cfg.ReconnectMax
	bo.MaxElapsedTime = 0
	bo.Reset()
	return &Channel{
		cfg:      cfg,
		log:      cfg.Logger,
		bo:       bo,
		handlers: map[MessageType][]handlerEntry{},
	}
}

func (c *Channel) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// ConnectionID is the id assigned by the server handshake, empty until received.
func (c *Channel) ConnectionID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connID
}

// Connect dials the server. It is a no-op while connecting, connected or
// reconnecting. A failed first dial moves the channel to Reconnecting and
// the error is returned. Cancelling ctx disconnects the channel.
func (c *Channel) Connect(ctx context.Context) error {
	c.mu.Lock()
	switch c.state {
	case StateConnecting, StateConnected, StateReconnecting:
		c.unlockAndNotify()
		return nil
	}
	c.epoch++
	epoch := c.epoch
	c.attempt = 0
	c.bo.Reset()
	c.ctx = ctx
	if c.stopCtx != nil {
		c.stopCtx()
	}
	c.stopCtx = context.AfterFunc(ctx, c.Disconnect)
	c.setStateLocked(StateConnecting)
	c.unlockAndNotify()

	conn, err := c.cfg.Dialer.Dial(ctx, c.cfg.URL, c.cfg.Header)

	c.mu.Lock()
	defer c.unlockAndNotify()
	if epoch != c.epoch {
		if conn != nil {
			_ = conn.Close()
		}
		return ErrChannelClosed
	}
	if err != nil {
		c.log.Warn().Err(err).Str("url", c.cfg.URL).Msg("realtime dial failed")
		c.scheduleReconnectLocked()
		return fmt.Errorf("realtime: dial %s: %w", c.cfg.URL, err)
	}
	c.openLocked(conn)
	return nil
}

// Disconnect closes the connection cleanly and cancels every timer.
func (c *Channel) Disconnect() {
	c.mu.Lock()
	defer c.unlockAndNotify()
	c.epoch++
	c.stopTimersLocked()
	if c.stopCtx != nil {
		c.stopCtx()
		c.stopCtx = nil
	}
	if c.conn != nil {
		conn := c.conn
		c.conn = nil
		go func() {
			c.writeMu.Lock()
			_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			c.writeMu.Unlock()
			_ = conn.Close()
		}()
	}
	c.connID = ""
	if c.state != StateDisconnected {
		c.setStateLocked(StateDisconnected)
	}
}

// Send writes a message when connected and reports whether it was written.
func (c *Channel) Send(t MessageType, data any) bool {
	c.mu.Lock()
	conn := c.conn
	ok := c.state == StateConnected && conn != nil
	c.mu.Unlock()
	if !ok {
		return false
	}
	msg, err := NewMessage(t, data)
	if err != nil {
		c.log.Warn().Err(err).Str("type", string(t)).Msg("realtime send encode failed")
		return false
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := conn.WriteJSON(msg); err != nil {
		c.log.Debug().Err(err).Str("type", string(t)).Msg("realtime send failed")
		return false
	}
	return true
}

// On registers h for messages of type t and returns its unregister function.
func (c *Channel) On(t MessageType, h Handler) (off func()) {
	c.hmu.Lock()
	defer c.hmu.Unlock()
	c.nextID++
	id := c.nextID
	c.handlers[t] = append(c.handlers[t], handlerEntry{id: id, fn: h})
	return func() {
		c.hmu.Lock()
		defer c.hmu.Unlock()
		c.handlers[t] = removeHandler(c.handlers[t], id)
		if len(c.handlers[t]) == 0 {
			delete(c.handlers, t)
		}
	}
}

// OnAny registers h for every message.
func (c *Channel) OnAny(h Handler) (off func()) {
	c.hmu.Lock()
	defer c.hmu.Unlock()
	c.nextID++
	id := c.nextID
	c.wildcard = append(c.wildcard, handlerEntry{id: id, fn: h})
	return func() {
		c.hmu.Lock()
		defer c.hmu.Unlock()
		c.wildcard = removeHandler(c.wildcard, id)
	}
}

// OnStateChange registers fn for state transitions.
func (c *Channel) OnStateChange(fn func(from, to State)) (off func()) {
	c.hmu.Lock()
	defer c.hmu.Unlock()
	c.nextID++
	id := c.nextID
	c.listeners = append(c.listeners, stateListener{id: id, fn: fn})
	return func() {
		c.hmu.Lock()
		defer c.hmu.Unlock()
		for i, l := range c.listeners {
			if l.id == id {
				c.listeners = append(c.listeners[:i:i], c.listeners[i+1:]...)
				return
			}
		}
	}
}

func removeHandler(list []handlerEntry, id int) []handlerEntry {
	for i, e := range list {
		if e.id == id {
			return append(list[:i:i], list[i+1:]...)
		}
	}
	return list
}

func (c *Channel) dispatch(msg Message) {
	c.hmu.RLock()
	targets := make([]Handler, 0, len(c.handlers[msg.Type])+len(c.wildcard))
	for _, e := range c.handlers[msg.Type] {
		targets = append(targets, e.fn)
	}
	for _, e := range c.wildcard {
		targets = append(targets, e.fn)
	}
	c.hmu.RUnlock()
	for _, h := range targets {
		h(msg)
	}
}

// setStateLocked records a transition and queues listener calls for
// unlockAndNotify.
func (c *Channel) setStateLocked(to State) {
	from := c.state
	if from == to {
		return
	}
	c.state = to
	c.log.Debug().Str("from", from.String()).Str("to", to.String()).Msg("realtime state")
	c.notes = append(c.notes, func() {
		c.hmu.RLock()
		ls := append([]stateListener(nil), c.listeners...)
		c.hmu.RUnlock()
		for _, l := range ls {
			l.fn(from, to)
		}
	})
}

// unlockAndNotify releases c.mu and then runs queued state notifications.
func (c *Channel) unlockAndNotify() {
	notes := c.notes
	c.notes = nil
	c.mu.Unlock()
	for _, n := range notes {
		n()
	}
}

func (c *Channel) openLocked(conn Conn) {
	c.conn = conn
	c.attempt = 0
	c.bo.Reset()
	c.setStateLocked(StateConnected)
	stop := make(chan struct{})
	c.stopBeat = stop
	epoch := c.epoch
	go c.readLoop(epoch, conn)
	go c.heartbeat(conn, stop)
	c.log.Info().Str("url", c.cfg.URL).Msg("realtime connected")
}

func (c *Channel) stopTimersLocked() {
	if c.retryTimer != nil {
		c.retryTimer.Stop()
		c.retryTimer = nil
	}
	if c.stopBeat != nil {
		close(c.stopBeat)
		c.stopBeat = nil
	}
}

func (c *Channel) scheduleReconnectLocked() {
	c.stopTimersLocked()
	if c.attempt >= c.cfg.MaxReconnectAttempts {
		c.log.Error().Int("attempts", c.attempt).Msg("realtime reconnect attempts exhausted")
		c.setStateLocked(StateFailed)
		return
	}
	delay := c.bo.NextBackOff()
	c.attempt++
	attempt := c.attempt
	c.setStateLocked(StateReconnecting)
	metrics.RealtimeReconnects.Inc()
	if c.cfg.OnReconnect != nil {
		cb := c.cfg.OnReconnect
		c.notes = append(c.notes, func() { cb(attempt, delay) })
	}
	epoch := c.epoch
	c.retryTimer = time.AfterFunc(delay, func() { c.reconnect(epoch) })
}

func (c *Channel) reconnect(epoch uint64) {
	c.mu.Lock()
	if epoch != c.epoch || c.state != StateReconnecting {
		c.unlockAndNotify()
		return
	}
	c.retryTimer = nil
	ctx := c.ctx
	c.unlockAndNotify()

	conn, err := c.cfg.Dialer.Dial(ctx, c.cfg.URL, c.cfg.Header)

	c.mu.Lock()
	defer c.unlockAndNotify()
	if epoch != c.epoch {
		if conn != nil {
			_ = conn.Close()
		}
		return
	}
	if err != nil {
		c.log.Debug().Err(err).Int("attempt", c.attempt).Msg("realtime reconnect failed")
		c.scheduleReconnectLocked()
		return
	}
	c.openLocked(conn)
}

func (c *Channel) readLoop(epoch uint64, conn Conn) {
	for {
		var msg Message
		if err := conn.ReadJSON(&msg); err != nil {
			c.closed(epoch, conn, err)
			return
		}
		switch msg.Type {
		case Connection:
			var hs ConnectionData
			if err := msg.Decode(&hs); err == nil {
				c.mu.Lock()
				if epoch == c.epoch {
					c.connID = hs.ConnectionID
				}
				c.mu.Unlock()
			}
		case Ping:
			c.Send(Pong, nil)
		}
		c.dispatch(msg)
	}
}

func (c *Channel) heartbeat(conn Conn, stop <-chan struct{}) {
	ticker := time.NewTicker(c.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			select {
			case <-stop:
				return
			default:
			}
			msg, _ := NewMessage(Ping, nil)
			c.writeMu.Lock()
			err := conn.WriteJSON(msg)
			c.writeMu.Unlock()
			if err != nil {
				return
			}
		}
	}
}

// closed handles the end of a connection's read loop. A normal-closure
// frame from the server is a clean close; anything else reconnects.
func (c *Channel) closed(epoch uint64, conn Conn, err error) {
	c.mu.Lock()
	defer c.unlockAndNotify()
	if epoch != c.epoch || c.conn != conn {
		return
	}
	c.stopTimersLocked()
	_ = conn.Close()
	c.conn = nil
	c.connID = ""
	if websocket.IsCloseError(err, websocket.CloseNormalClosure) {
		c.log.Info().Msg("realtime closed by server")
		c.setStateLocked(StateDisconnected)
		return
	}
	c.log.Warn().Err(err).Msg("realtime connection lost")
	c.scheduleReconnectLocked()
}
