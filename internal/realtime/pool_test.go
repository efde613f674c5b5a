package realtime

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

type recorder struct {
	mu   sync.Mutex
	got  map[string][]Message
	fail map[string]bool
}

func newRecorder() *recorder {
	return &recorder{got: map[string][]Message{}, fail: map[string]bool{}}
}

func (r *recorder) sender(id string) Sender {
	return SenderFunc(func(m Message) error {
		r.mu.Lock()
		defer r.mu.Unlock()
		if r.fail[id] {
			return errors.New("closed")
		}
		r.got[id] = append(r.got[id], m)
		return nil
	})
}

func (r *recorder) count(id string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.got[id])
}

func TestBroadcastReachesOnlyLab(t *testing.T) {
	p := NewPool()
	rec := newRecorder()
	p.Register("c1", ConnInfo{LabID: "labA", Role: "dispatcher", UserID: "u1"}, rec.sender("c1"))
	p.Register("c2", ConnInfo{LabID: "labA", Role: "driver", UserID: "u2"}, rec.sender("c2"))
	p.Register("c3", ConnInfo{LabID: "labB", Role: "dispatcher", UserID: "u1"}, rec.sender("c3"))
	b := NewBroadcaster(p, zerolog.Nop())

	res := b.BroadcastToLab("labA", RouteUpdated, map[string]string{"routeId": "r1"})
	if res.Sent != 2 || res.Failed != 0 {
		t.Fatalf("result = %+v", res)
	}
	if rec.count("c1") != 1 || rec.count("c2") != 1 || rec.count("c3") != 0 {
		t.Fatalf("deliveries c1=%d c2=%d c3=%d", rec.count("c1"), rec.count("c2"), rec.count("c3"))
	}

	res = b.BroadcastToRole("labA", "driver", Notification, map[string]string{"msg": "hi"})
	if res.Sent != 1 || rec.count("c2") != 2 {
		t.Fatalf("role broadcast = %+v", res)
	}

	res = b.BroadcastToUser("u1", Notification, nil)
	if res.Sent != 2 || rec.count("c1") != 2 || rec.count("c3") != 1 {
		t.Fatalf("user broadcast = %+v", res)
	}
}

func TestBroadcastCountsFailures(t *testing.T) {
	p := NewPool()
	rec := newRecorder()
	rec.fail["c2"] = true
	p.Register("c1", ConnInfo{LabID: "labA"}, rec.sender("c1"))
	p.Register("c2", ConnInfo{LabID: "labA"}, rec.sender("c2"))
	b := NewBroadcaster(p, zerolog.Nop())

	res := b.Broadcast([]string{"c1", "c2", "gone"}, StopStatus, nil)
	if res.Sent != 1 || res.Failed != 2 {
		t.Fatalf("result = %+v", res)
	}
}

func TestPoolBuckets(t *testing.T) {
	p := NewPool()
	noop := SenderFunc(func(Message) error { return nil })
	p.Register("c1", ConnInfo{LabID: "labA", Role: "driver"}, noop)
	p.Register("c2", ConnInfo{LabID: "labA", Role: "dispatcher"}, noop)

	p.Register("c1", ConnInfo{LabID: "labB", Role: "driver"}, noop)
	if got := p.LabConnections("labA"); len(got) != 1 || got[0] != "c2" {
		t.Fatalf("labA = %v", got)
	}
	if got := p.LabConnections("labB"); len(got) != 1 || got[0] != "c1" {
		t.Fatalf("labB = %v", got)
	}

	if !p.Unregister("c1") {
		t.Fatalf("unregister c1")
	}
	if p.Unregister("c1") {
		t.Fatalf("second unregister should report false")
	}
	st := p.Stats()
	if st.Connections != 1 || st.Labs != 1 {
		t.Fatalf("stats = %+v", st)
	}
	if _, ok := st.ByLab["labB"]; ok {
		t.Fatalf("empty bucket kept: %+v", st.ByLab)
	}
	if st.ByRole["dispatcher"] != 1 {
		t.Fatalf("by role = %+v", st.ByRole)
	}
	if info, ok := p.Info("c2"); !ok || info.ConnectedAt.IsZero() {
		t.Fatalf("info = %+v %v", info, ok)
	}
}

func newTestHub(t *testing.T, opts HubOptions) (*Hub, string) {
	t.Helper()
	h := NewHub(opts)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		h.ServeWS(w, r, ConnInfo{LabID: q.Get("lab"), Role: q.Get("role"), UserID: q.Get("user")})
	}))
	t.Cleanup(srv.Close)
	return h, "ws" + strings.TrimPrefix(srv.URL, "http")
}

func dialHub(t *testing.T, url, query string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(url+"?"+query, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	var hello Message
	if err := conn.ReadJSON(&hello); err != nil || hello.Type != Connection {
		t.Fatalf("handshake = %+v (%v)", hello, err)
	}
	var data ConnectionData
	if err := hello.Decode(&data); err != nil || data.ConnectionID == "" {
		t.Fatalf("handshake data = %+v (%v)", data, err)
	}
	return conn
}

func waitConnections(t *testing.T, p *Pool, n int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if p.Stats().Connections == n {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("connections = %d, want %d", p.Stats().Connections, n)
}

func TestHubFansDriverLocationToLab(t *testing.T) {
	inbound := make(chan Message, 4)
	h, url := newTestHub(t, HubOptions{
		Logger:    zerolog.Nop(),
		OnInbound: func(_ ConnInfo, m Message) { inbound <- m },
	})
	driver := dialHub(t, url, "lab=labA&role=driver&user=d1")
	dispatcher := dialHub(t, url, "lab=labA&role=dispatcher&user=u1")
	other := dialHub(t, url, "lab=labB&role=dispatcher&user=u2")
	waitConnections(t, h.Pool(), 3)

	loc, _ := NewMessage(DriverLocation, LocationData{DriverID: "d1", Lat: 40.7, Lon: -74.0})
	if err := driver.WriteJSON(loc); err != nil {
		t.Fatalf("write: %v", err)
	}

	var got Message
	_ = dispatcher.SetReadDeadline(time.Now().Add(2 * time.Second))
	if err := dispatcher.ReadJSON(&got); err != nil || got.Type != DriverLocation {
		t.Fatalf("dispatcher got %+v (%v)", got, err)
	}
	var body LocationData
	if err := got.Decode(&body); err != nil || body.DriverID != "d1" {
		t.Fatalf("location = %+v (%v)", body, err)
	}
	select {
	case m := <-inbound:
		if m.Type != DriverLocation {
			t.Fatalf("inbound = %s", m.Type)
		}
	case <-time.After(time.Second):
		t.Fatalf("inbound hook not called")
	}

	_ = other.SetReadDeadline(time.Now().Add(100 * time.Millisecond))
	if err := other.ReadJSON(&got); err == nil {
		t.Fatalf("labB received %+v", got)
	}
}

func TestHubAnswersPingAndUnregisters(t *testing.T) {
	h, url := newTestHub(t, HubOptions{Logger: zerolog.Nop()})
	conn := dialHub(t, url, "lab=labA&role=dispatcher")
	waitConnections(t, h.Pool(), 1)

	ping, _ := NewMessage(Ping, nil)
	if err := conn.WriteJSON(ping); err != nil {
		t.Fatalf("write: %v", err)
	}
	var got Message
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if err := conn.ReadJSON(&got); err != nil || got.Type != Pong {
		t.Fatalf("got %+v (%v)", got, err)
	}

	_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	_ = conn.Close()
	waitConnections(t, h.Pool(), 0)
	if st := h.Pool().Stats(); st.Labs != 0 {
		t.Fatalf("stats after close = %+v", st)
	}
}

func TestHubRelayAcrossInstances(t *testing.T) {
	relay := NewLocalRelay()
	h1, url1 := newTestHub(t, HubOptions{Logger: zerolog.Nop(), Relay: relay})
	h2, url2 := newTestHub(t, HubOptions{Logger: zerolog.Nop(), Relay: relay})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = h1.Run(ctx) }()
	go func() { _ = h2.Run(ctx) }()

	a := dialHub(t, url1, "lab=labA&role=dispatcher")
	b := dialHub(t, url2, "lab=labA&role=dispatcher")
	waitConnections(t, h1.Pool(), 1)
	waitConnections(t, h2.Pool(), 1)
	// both Run loops must be subscribed before publishing
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		relay.mu.RLock()
		n := len(relay.subs)
		relay.mu.RUnlock()
		if n == 2 {
			break
		}
		time.Sleep(time.Millisecond)
	}

	msg, _ := NewMessage(PickupRequested, map[string]string{"pickupId": "p1"})
	if err := h1.Publish(ctx, Delivery{LabID: "labA", Message: msg}); err != nil {
		t.Fatalf("publish: %v", err)
	}
	for _, c := range []*websocket.Conn{a, b} {
		var got Message
		_ = c.SetReadDeadline(time.Now().Add(2 * time.Second))
		if err := c.ReadJSON(&got); err != nil || got.Type != PickupRequested {
			t.Fatalf("got %+v (%v)", got, err)
		}
	}
}

func TestChannelAgainstHub(t *testing.T) {
	h, url := newTestHub(t, HubOptions{Logger: zerolog.Nop()})
	ch := NewChannel(Config{URL: url + "?lab=labA&role=dispatcher"})
	got := make(chan Message, 4)
	ch.On(StopCompleted, func(m Message) { got <- m })
	if err := ch.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer ch.Disconnect()
	waitConnections(t, h.Pool(), 1)

	res := h.Broadcaster().BroadcastToLab("labA", StopCompleted, map[string]string{"stopId": "s9"})
	if res.Sent != 1 {
		t.Fatalf("broadcast = %+v", res)
	}
	select {
	case m := <-got:
		var body map[string]string
		if err := m.Decode(&body); err != nil || body["stopId"] != "s9" {
			t.Fatalf("body = %v (%v)", body, err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("message not received")
	}
	if ch.ConnectionID() == "" {
		t.Fatalf("no connection id from handshake")
	}
	if ch.State() != StateConnected {
		t.Fatalf("state = %s", ch.State())
	}
}
