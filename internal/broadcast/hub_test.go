package broadcast

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/goodtune/restatus/internal/presence"
	"github.com/goodtune/restatus/internal/storage/file"
	"github.com/goodtune/restatus/internal/usage"
)

type staticSource presence.Snapshot

func (s staticSource) WithSnapshot(fn func(presence.Snapshot)) { fn(presence.Snapshot(s)) }

func setupTestHub(t *testing.T, origins []string) (*Hub, *httptest.Server) {
	t.Helper()

	snap := staticSource{presence.SlotPC: {ID: "pc", Status: presence.StatusOffline}}
	hub := NewHub(snap, origins, zerolog.Nop())

	srv := httptest.NewServer(hub)
	t.Cleanup(func() {
		hub.Close()
		srv.Close()
	})
	return hub, srv
}

func dial(t *testing.T, srv *httptest.Server, header http.Header) *websocket.Conn {
	t.Helper()

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, header)
	if err != nil {
		t.Fatalf("Dial failed: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func readMessage(t *testing.T, conn *websocket.Conn) Message {
	t.Helper()

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("Read failed: %v", err)
	}
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		t.Fatalf("Invalid message %s: %v", data, err)
	}
	return msg
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("Condition not met before deadline")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestSnapshotOnConnect(t *testing.T) {
	_, srv := setupTestHub(t, nil)
	conn := dial(t, srv, nil)

	msg := readMessage(t, conn)
	if msg.Type != MessageTypeDeviceStatus {
		t.Errorf("Expected type %q, got %q", MessageTypeDeviceStatus, msg.Type)
	}
	if msg.Data[presence.SlotPC].Status != presence.StatusOffline {
		t.Errorf("Unexpected initial snapshot %+v", msg.Data)
	}
	if msg.Timestamp.IsZero() {
		t.Error("Expected a timestamp")
	}
}

func TestBroadcastReachesAllSubscribers(t *testing.T) {
	hub, srv := setupTestHub(t, nil)
	a := dial(t, srv, nil)
	b := dial(t, srv, nil)
	readMessage(t, a)
	readMessage(t, b)

	waitFor(t, func() bool { return hub.Len() == 2 })

	hub.DeviceStatusChanged(presence.Snapshot{presence.SlotMobile: {ID: "mobile", Status: presence.StatusOnline}})

	for _, conn := range []*websocket.Conn{a, b} {
		msg := readMessage(t, conn)
		if msg.Data[presence.SlotMobile].Status != presence.StatusOnline {
			t.Errorf("Unexpected broadcast %+v", msg.Data)
		}
	}
}

func TestClosedSubscriberIsDropped(t *testing.T) {
	hub, srv := setupTestHub(t, nil)
	conn := dial(t, srv, nil)
	readMessage(t, conn)
	waitFor(t, func() bool { return hub.Len() == 1 })

	_ = conn.Close()
	waitFor(t, func() bool { return hub.Len() == 0 })

	// Broadcasting with no subscribers is a no-op.
	hub.DeviceStatusChanged(presence.Snapshot{})
}

func TestOriginCheck(t *testing.T) {
	_, srv := setupTestHub(t, []string{"https://status.example.com"})

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	_, resp, err := websocket.DefaultDialer.Dial(url, http.Header{"Origin": {"https://evil.example.com"}})
	if err == nil {
		t.Fatal("Expected a foreign origin to be rejected")
	}
	if resp == nil || resp.StatusCode != http.StatusForbidden {
		t.Errorf("Expected 403, got %v", resp)
	}

	conn := dial(t, srv, http.Header{"Origin": {"https://status.example.com"}})
	readMessage(t, conn)
}

func TestOriginAllowed(t *testing.T) {
	tests := []struct {
		origin  string
		allowed []string
		want    bool
	}{
		{"", []string{"https://a"}, true},
		{"https://a", nil, true},
		{"https://a", []string{"*"}, true},
		{"https://a", []string{"https://a"}, true},
		{"https://b", []string{"https://a"}, false},
	}
	for _, tt := range tests {
		if got := originAllowed(tt.origin, tt.allowed); got != tt.want {
			t.Errorf("originAllowed(%q, %v) = %v, want %v", tt.origin, tt.allowed, got, tt.want)
		}
	}
}

type blockFirst struct {
	calls   atomic.Int32
	entered chan struct{}
	release chan struct{}
}

func (b *blockFirst) DeviceStatusChanged(presence.Snapshot) {
	if b.calls.Add(1) == 1 {
		close(b.entered)
		<-b.release
	}
}

func TestConnectDuringBroadcastKeepsOrder(t *testing.T) {
	store, err := file.Open(t.TempDir())
	if err != nil {
		t.Fatalf("Failed to open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	ledger := usage.NewLedger(store, usage.Options{Location: time.UTC}, zerolog.Nop())
	engine := presence.NewEngine(store, ledger, presence.Options{Location: time.UTC}, zerolog.Nop())

	blocker := &blockFirst{entered: make(chan struct{}), release: make(chan struct{})}
	engine.Subscribe(blocker)

	hub := NewHub(engine, nil, zerolog.Nop())
	engine.Subscribe(hub)
	srv := httptest.NewServer(hub)
	t.Cleanup(func() {
		hub.Close()
		srv.Close()
	})

	report := func(app string) {
		_ = engine.Report(context.Background(), presence.Report{
			Type:       "status",
			DeviceType: "pc",
			Status:     presence.StatusOnline,
			CurrentApp: &presence.App{Name: app},
		})
	}

	// The first report is held mid-broadcast while a second one lands.
	go report("first")
	<-blocker.entered
	go report("second")
	waitFor(t, func() bool { return engine.Snapshot()[presence.SlotPC].CurrentApp.Name == "second" })

	conn := dial(t, srv, nil)
	close(blocker.release)

	if got := readMessage(t, conn).Data[presence.SlotPC].CurrentApp.Name; got != "second" {
		t.Fatalf("Expected the initial frame to hold the latest report, got %q", got)
	}

	for {
		_ = conn.SetReadDeadline(time.Now().Add(300 * time.Millisecond))
		_, data, err := conn.ReadMessage()
		if err != nil {
			break
		}
		var msg Message
		if err := json.Unmarshal(data, &msg); err != nil {
			t.Fatalf("Invalid message %s: %v", data, err)
		}
		if got := msg.Data[presence.SlotPC].CurrentApp.Name; got != "second" {
			t.Fatalf("Received an older snapshot %q after a newer one", got)
		}
	}
}
