package gateway

import (
	"context"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/lumenlabs/lumen/internal/logfeed"
	"github.com/lumenlabs/lumen/internal/media"
	"github.com/lumenlabs/lumen/internal/memory"
	"github.com/lumenlabs/lumen/internal/overlay"
	"github.com/lumenlabs/lumen/internal/session"
)

type fakeSession struct {
	mu          sync.Mutex
	events      chan session.Event
	connects    [][2]string
	disconnects int
	selected    [][2]string
	published   int
}

func newFakeSession() *fakeSession {
	return &fakeSession{events: make(chan session.Event, 16)}
}

func (f *fakeSession) Connect(audio, video string) {
	f.mu.Lock()
	f.connects = append(f.connects, [2]string{audio, video})
	f.mu.Unlock()
}

func (f *fakeSession) Disconnect() {
	f.mu.Lock()
	f.disconnects++
	f.mu.Unlock()
}

func (f *fakeSession) SelectDevices(audio, video string) {
	f.mu.Lock()
	f.selected = append(f.selected, [2]string{audio, video})
	f.mu.Unlock()
}

func (f *fakeSession) PublishMemory() {
	f.mu.Lock()
	f.published++
	f.mu.Unlock()
}

func (f *fakeSession) Events() <-chan session.Event      { return f.events }
func (f *fakeSession) State() session.State              { return session.StateIdle }
func (f *fakeSession) ActiveOverlays() []overlay.Overlay { return nil }

func (f *fakeSession) connectCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.connects)
}

func (f *fakeSession) publishCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.published
}

type testRig struct {
	srv  *Server
	sess *fakeSession
	feed *logfeed.Feed
	http *httptest.Server
}

func newTestRig(t *testing.T) *testRig {
	t.Helper()
	store, err := memory.OpenFileStore(filepath.Join(t.TempDir(), "memory.json"))
	if err != nil {
		t.Fatalf("OpenFileStore: %v", err)
	}
	sess := newFakeSession()
	feed := logfeed.New(50)
	srv := New(Config{
		Feed:    feed,
		Session: sess,
		Memory:  store,
		ListDevices: func() ([]media.CaptureDevice, error) {
			return []media.CaptureDevice{{ID: "mic-1", Name: "Built-in"}}, nil
		},
	})
	ctx, cancel := context.WithCancel(context.Background())
	go srv.Run(ctx)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(func() {
		cancel()
		ts.Close()
	})
	return &testRig{srv: srv, sess: sess, feed: feed, http: ts}
}

func (r *testRig) dial(t *testing.T) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(r.http.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func mustWriteJSON(t *testing.T, conn *websocket.Conn, v any) {
	t.Helper()
	if err := conn.WriteJSON(v); err != nil {
		t.Fatalf("write: %v", err)
	}
}

func mustReadJSON(t *testing.T, conn *websocket.Conn) map[string]any {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var msg map[string]any
	if err := conn.ReadJSON(&msg); err != nil {
		t.Fatalf("read: %v", err)
	}
	return msg
}

// handshake sends hello, checks the ack, and drains the snapshot frames
// (state, log_history, overlays, memory).
func handshake(t *testing.T, conn *websocket.Conn) {
	t.Helper()
	mustWriteJSON(t, conn, map[string]any{"type": "hello", "protocol_version": "1", "client_name": "test"})
	ack := mustReadJSON(t, conn)
	if ack["type"] != "hello_ack" {
		t.Fatalf("got %v, want hello_ack", ack["type"])
	}
	for _, want := range []string{"state", "log_history", "overlays", "memory"} {
		frame := mustReadJSON(t, conn)
		if frame["type"] != want {
			t.Fatalf("snapshot frame %v, want %s", frame["type"], want)
		}
	}
}

func TestServer_HelloAckCarriesAccentColor(t *testing.T) {
	rig := newTestRig(t)
	conn := rig.dial(t)

	mustWriteJSON(t, conn, map[string]any{"type": "hello", "protocol_version": "1"})
	ack := mustReadJSON(t, conn)
	if ack["type"] != "hello_ack" {
		t.Fatalf("got %v, want hello_ack", ack["type"])
	}
	if ack["accent_color"] != overlay.AccentColor {
		t.Fatalf("accent_color=%v, want %s", ack["accent_color"], overlay.AccentColor)
	}
	if ack["session_id"] == "" {
		t.Fatalf("missing session_id")
	}
}

func TestServer_FirstFrameMustBeHello(t *testing.T) {
	rig := newTestRig(t)
	conn := rig.dial(t)

	mustWriteJSON(t, conn, map[string]any{"type": "connect"})
	frame := mustReadJSON(t, conn)
	if frame["type"] != "error" {
		t.Fatalf("got %v, want error", frame["type"])
	}
	if frame["close"] != true {
		t.Fatalf("error frame should request close: %v", frame)
	}
}

func TestServer_CommandsReachSession(t *testing.T) {
	rig := newTestRig(t)
	conn := rig.dial(t)
	handshake(t, conn)

	mustWriteJSON(t, conn, map[string]any{"type": "connect", "audio_device_id": "mic-1", "video_device_id": "http://cam"})
	waitFor(t, "connect command", func() bool { return rig.sess.connectCount() == 1 })

	mustWriteJSON(t, conn, map[string]any{"type": "disconnect"})
	waitFor(t, "disconnect command", func() bool {
		rig.sess.mu.Lock()
		defer rig.sess.mu.Unlock()
		return rig.sess.disconnects == 1
	})
}

func TestServer_ListDevices(t *testing.T) {
	rig := newTestRig(t)
	conn := rig.dial(t)
	handshake(t, conn)

	mustWriteJSON(t, conn, map[string]any{"type": "list_devices"})
	frame := mustReadJSON(t, conn)
	if frame["type"] != "devices" {
		t.Fatalf("got %v, want devices", frame["type"])
	}
	audio, ok := frame["audio"].([]any)
	if !ok || len(audio) != 1 {
		t.Fatalf("audio devices=%v, want one entry", frame["audio"])
	}
}

func TestServer_BroadcastsSessionEvents(t *testing.T) {
	rig := newTestRig(t)
	conn := rig.dial(t)
	handshake(t, conn)

	rig.sess.events <- session.Event{Kind: session.EventState, State: session.StateLive}
	frame := mustReadJSON(t, conn)
	if frame["type"] != "state" || frame["state"] != "live" {
		t.Fatalf("got %v, want live state frame", frame)
	}
}

func TestServer_BroadcastsLogEntries(t *testing.T) {
	rig := newTestRig(t)
	conn := rig.dial(t)
	handshake(t, conn)

	rig.feed.Append(logfeed.SourceSystem, logfeed.SeverityInfo, "hello there")
	frame := mustReadJSON(t, conn)
	if frame["type"] != "log" {
		t.Fatalf("got %v, want log", frame["type"])
	}
	entry, ok := frame["entry"].(map[string]any)
	if !ok || entry["message"] != "hello there" {
		t.Fatalf("unexpected log frame: %v", frame)
	}
}

func TestServer_MemoryClearPublishesFreshSnapshot(t *testing.T) {
	rig := newTestRig(t)
	conn := rig.dial(t)
	handshake(t, conn)

	mustWriteJSON(t, conn, map[string]any{"type": "memory_clear"})
	waitFor(t, "memory republish", func() bool { return rig.sess.publishCount() == 1 })
}

func TestServer_MalformedFrameGetsErrorWithoutClosing(t *testing.T) {
	rig := newTestRig(t)
	conn := rig.dial(t)
	handshake(t, conn)

	mustWriteJSON(t, conn, map[string]any{"type": "selfdestruct"})
	frame := mustReadJSON(t, conn)
	if frame["type"] != "error" {
		t.Fatalf("got %v, want error", frame["type"])
	}

	// The connection stays usable.
	mustWriteJSON(t, conn, map[string]any{"type": "list_devices"})
	frame = mustReadJSON(t, conn)
	if frame["type"] != "devices" {
		t.Fatalf("got %v after recoverable error, want devices", frame["type"])
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}
