// Package realtime carries live dispatch events: the field/dispatcher client
// channel with reconnect and heartbeat, and the server-side connection pool,
// broadcaster, websocket hub and cross-instance relays.
package realtime

import (
	"encoding/json"
	"fmt"
	"time"
)

// MessageType is the closed set of envelope types.
type MessageType string

const (
	RouteStarted    MessageType = "route:started"
	RouteUpdated    MessageType = "route:updated"
	RouteCompleted  MessageType = "route:completed"
	StopArrived     MessageType = "stop:arrived"
	StopStatus      MessageType = "stop:status"
	StopCompleted   MessageType = "stop:completed"
	DriverLocation  MessageType = "driver:location"
	DriverStatus    MessageType = "driver:status"
	PickupRequested MessageType = "pickup:requested"
	PickupCompleted MessageType = "pickup:completed"
	Notification    MessageType = "notification"
	// Connection is the server handshake carrying the assigned connection id.
	Connection MessageType = "connection"
	Ping       MessageType = "ping"
	Pong       MessageType = "pong"
)

var messageTypes = map[MessageType]struct{}{
	RouteStarted: {}, RouteUpdated: {}, RouteCompleted: {},
	StopArrived: {}, StopStatus: {}, StopCompleted: {},
	DriverLocation: {}, DriverStatus: {},
	PickupRequested: {}, PickupCompleted: {},
	Notification: {}, Connection: {}, Ping: {}, Pong: {},
}

func (t MessageType) Valid() bool {
	_, ok := messageTypes[t]
	return ok
}

// Control reports whether t is protocol traffic rather than an application event.
func (t MessageType) Control() bool {
	return t == Connection || t == Ping || t == Pong
}

// Message is the wire envelope.
type Message struct {
	Type      MessageType     `json:"type"`
	Data      json.RawMessage `json:"data,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

// NewMessage encodes data into an envelope stamped with the current time.
// A nil data leaves Data empty.
func NewMessage(t MessageType, data any) (Message, error) {
	msg := Message{Type: t, Timestamp: time.Now().UTC()}
	if data == nil {
		return msg, nil
	}
	if raw, ok := data.(json.RawMessage); ok {
		msg.Data = raw
		return msg, nil
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return Message{}, fmt.Errorf("realtime: encode %s: %w", t, err)
	}
	msg.Data = raw
	return msg, nil
}

// Decode unmarshals Data into v.
func (m Message) Decode(v any) error {
	if len(m.Data) == 0 {
		return fmt.Errorf("realtime: %s has no data", m.Type)
	}
	return json.Unmarshal(m.Data, v)
}

// ConnectionData is the payload of a Connection handshake.
type ConnectionData struct {
	ConnectionID string `json:"connectionId"`
}

// LocationData is the payload of driver:location.
type LocationData struct {
	DriverID string  `json:"driverId"`
	Lat      float64 `json:"lat"`
	Lon      float64 `json:"lon"`
	Geohash  string  `json:"geohash,omitempty"`
	Heading  float64 `json:"heading,omitempty"`
	SpeedKph float64 `json:"speedKph,omitempty"`
}
