package session

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/lumenlabs/lumen/internal/logfeed"
	"github.com/lumenlabs/lumen/internal/media"
	"github.com/lumenlabs/lumen/internal/memory"
	"github.com/lumenlabs/lumen/internal/tools"
	"github.com/lumenlabs/lumen/internal/upstream"
)

type fakeConn struct {
	mu          sync.Mutex
	inbox       chan *upstream.ServerMessage
	done        chan struct{}
	closeOnce   sync.Once
	audioChunks int
	frames      int
	toolBatches [][]upstream.ToolResult
	closed      bool
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		inbox: make(chan *upstream.ServerMessage, 16),
		done:  make(chan struct{}),
	}
}

func (c *fakeConn) SendAudio(pcm []byte) error {
	c.mu.Lock()
	c.audioChunks++
	c.mu.Unlock()
	return nil
}

func (c *fakeConn) SendFrame(jpeg []byte) error {
	c.mu.Lock()
	c.frames++
	c.mu.Unlock()
	return nil
}

func (c *fakeConn) SendToolResults(results []upstream.ToolResult) error {
	c.mu.Lock()
	c.toolBatches = append(c.toolBatches, results)
	c.mu.Unlock()
	return nil
}

func (c *fakeConn) Receive() (*upstream.ServerMessage, error) {
	select {
	case msg := <-c.inbox:
		return msg, nil
	case <-c.done:
		return nil, errors.New("link closed")
	}
}

func (c *fakeConn) Close() error {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	c.dropLink()
	return nil
}

// dropLink simulates the remote end going away: Receive fails without the
// manager having asked for a close.
func (c *fakeConn) dropLink() {
	c.closeOnce.Do(func() { close(c.done) })
}

func (c *fakeConn) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *fakeConn) batches() [][]upstream.ToolResult {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([][]upstream.ToolResult, len(c.toolBatches))
	copy(out, c.toolBatches)
	return out
}

type fakeDialer struct {
	mu    sync.Mutex
	gate  chan struct{} // when set, Dial blocks until the gate is closed
	err   error
	conns []*fakeConn
}

func (d *fakeDialer) Dial(ctx context.Context, cfg upstream.SessionConfig) (upstream.Conn, error) {
	d.mu.Lock()
	gate := d.gate
	err := d.err
	d.mu.Unlock()
	if gate != nil {
		<-gate
	}
	if err != nil {
		return nil, err
	}
	conn := newFakeConn()
	d.mu.Lock()
	d.conns = append(d.conns, conn)
	d.mu.Unlock()
	return conn, nil
}

func (d *fakeDialer) dialCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.conns)
}

func (d *fakeDialer) conn(i int) *fakeConn {
	d.mu.Lock()
	defer d.mu.Unlock()
	if i >= len(d.conns) {
		return nil
	}
	return d.conns[i]
}

type fakeSpeaker struct {
	mu      sync.Mutex
	flushes int
}

func (s *fakeSpeaker) Write(pcm []byte) {}
func (s *fakeSpeaker) Flush() {
	s.mu.Lock()
	s.flushes++
	s.mu.Unlock()
}
func (s *fakeSpeaker) Suspend() error { return nil }
func (s *fakeSpeaker) Resume() error  { return nil }
func (s *fakeSpeaker) flushCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.flushes
}

type fakeMic struct{}

func (fakeMic) Start(onChunk func(pcm []byte)) error { return nil }
func (fakeMic) Stop() error                          { return nil }
func (fakeMic) Close() error                         { return nil }

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type harness struct {
	m       *Manager
	dialer  *fakeDialer
	speaker *fakeSpeaker
	feed    *logfeed.Feed
}

func newHarness(t *testing.T, mutate func(*Deps)) *harness {
	t.Helper()

	store, err := memory.OpenFileStore(filepath.Join(t.TempDir(), "memory.json"))
	if err != nil {
		t.Fatalf("OpenFileStore: %v", err)
	}
	dialer := &fakeDialer{}
	speaker := &fakeSpeaker{}
	feed := logfeed.New(100)
	deps := Deps{
		Logger:  discardLogger(),
		Feed:    feed,
		Dialer:  dialer,
		Memory:  store,
		Tools:   tools.NewDispatcher(discardLogger(), feed, tools.SmartHomeTool{}),
		Speaker: speaker,
		NewMic: func(deviceID string) (media.MicSource, error) {
			return fakeMic{}, nil
		},
		Config: Config{
			APIKey:         "test-key",
			ReconnectDelay: 20 * time.Millisecond,
			FrameInterval:  time.Hour, // keep the sampler quiet unless a test wants it
		},
	}
	if mutate != nil {
		mutate(&deps)
	}

	m, err := New(deps)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	go m.Run(ctx)
	t.Cleanup(cancel)
	return &harness{m: m, dialer: dialer, speaker: speaker, feed: feed}
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

func waitState(t *testing.T, m *Manager, want State) {
	t.Helper()
	waitFor(t, "state "+want.String(), func() bool { return m.State() == want })
}

func TestManager_ConnectReachesLive(t *testing.T) {
	h := newHarness(t, nil)

	h.m.Connect("default", "")
	waitState(t, h.m, StateLive)

	if got := h.dialer.dialCount(); got != 1 {
		t.Fatalf("dials=%d, want 1", got)
	}
}

func TestManager_MissingCredentialFailsWithoutDialing(t *testing.T) {
	h := newHarness(t, func(d *Deps) { d.Config.APIKey = "" })

	h.m.Connect("default", "")

	waitFor(t, "failure log entry", func() bool {
		for _, e := range h.feed.Snapshot() {
			if e.Severity == logfeed.SeverityError {
				return true
			}
		}
		return false
	})
	if got := h.m.State(); got != StateIdle {
		t.Fatalf("state=%v, want idle", got)
	}
	if got := h.dialer.dialCount(); got != 0 {
		t.Fatalf("dials=%d, want 0", got)
	}
}

func TestManager_LinkLossSchedulesExactlyOneReconnect(t *testing.T) {
	h := newHarness(t, nil)

	h.m.Connect("default", "")
	waitState(t, h.m, StateLive)

	h.dialer.conn(0).dropLink()
	waitFor(t, "second dial", func() bool { return h.dialer.dialCount() == 2 })
	waitState(t, h.m, StateLive)

	// Give a would-be duplicate timer time to fire.
	time.Sleep(100 * time.Millisecond)
	if got := h.dialer.dialCount(); got != 2 {
		t.Fatalf("dials=%d, want exactly 2", got)
	}
}

func TestManager_DisconnectCancelsPendingReconnect(t *testing.T) {
	h := newHarness(t, func(d *Deps) { d.Config.ReconnectDelay = 200 * time.Millisecond })

	h.m.Connect("default", "")
	waitState(t, h.m, StateLive)

	h.dialer.conn(0).dropLink()
	waitState(t, h.m, StateReconnecting)

	h.m.Disconnect()
	waitState(t, h.m, StateIdle)

	// Well past the reconnect delay: the canceled timer must not dial.
	time.Sleep(400 * time.Millisecond)
	if got := h.dialer.dialCount(); got != 1 {
		t.Fatalf("dials=%d after disconnect, want 1", got)
	}
	if got := h.m.State(); got != StateIdle {
		t.Fatalf("state=%v, want idle", got)
	}
}

func TestManager_StaleDialResultIsDiscarded(t *testing.T) {
	gate := make(chan struct{})
	h := newHarness(t, func(d *Deps) {
		d.Dialer.(*fakeDialer).gate = gate
	})

	h.m.Connect("default", "")
	waitState(t, h.m, StateConnecting)

	// The user gives up while the handshake is still in flight.
	h.m.Disconnect()
	waitState(t, h.m, StateIdle)

	close(gate)
	waitFor(t, "stale session closed", func() bool {
		conn := h.dialer.conn(0)
		return conn != nil && conn.isClosed()
	})
	if got := h.m.State(); got != StateIdle {
		t.Fatalf("state=%v after stale dial completion, want idle", got)
	}
}

func TestManager_InterruptionFlushesPlayback(t *testing.T) {
	h := newHarness(t, nil)

	h.m.Connect("default", "")
	waitState(t, h.m, StateLive)
	conn := h.dialer.conn(0)

	conn.inbox <- &upstream.ServerMessage{Audio: [][]byte{make([]byte, 4800)}}
	conn.inbox <- &upstream.ServerMessage{Interrupted: true}

	waitFor(t, "playback flush", func() bool { return h.speaker.flushCount() >= 1 })
	waitFor(t, "interruption log entry", func() bool {
		for _, e := range h.feed.Snapshot() {
			if e.Source == logfeed.SourceUser {
				return true
			}
		}
		return false
	})
}

func TestManager_EveryToolCallGetsOneCorrelatedResponse(t *testing.T) {
	h := newHarness(t, nil)

	h.m.Connect("default", "")
	waitState(t, h.m, StateLive)
	conn := h.dialer.conn(0)

	conn.inbox <- &upstream.ServerMessage{ToolCalls: []upstream.ToolCall{
		{ID: "call-1", Name: tools.NameToggleDevice, Args: map[string]any{"device": "lamp", "action": "on"}},
		{ID: "call-2", Name: "definitely_not_registered"},
	}}

	waitFor(t, "tool response batch", func() bool { return len(conn.batches()) == 1 })
	results := conn.batches()[0]
	if len(results) != 2 {
		t.Fatalf("results=%d, want 2", len(results))
	}
	for i, want := range []string{"call-1", "call-2"} {
		if results[i].ID != want {
			t.Fatalf("result[%d].ID=%q, want %q", i, results[i].ID, want)
		}
		if results[i].Response["result"] == "" {
			t.Fatalf("result[%d] has empty response", i)
		}
	}
	if results[1].Response["result"] != "ok" {
		t.Fatalf("unknown tool response=%v, want generic ok", results[1].Response["result"])
	}
}

func TestManager_DetectionTokensBecomeOverlays(t *testing.T) {
	h := newHarness(t, nil)

	h.m.Connect("default", "")
	waitState(t, h.m, StateLive)
	conn := h.dialer.conn(0)

	conn.inbox <- &upstream.ServerMessage{Text: "I can see it. [OBJECT:coffee mug:10,20,45,60]"}

	waitFor(t, "overlay", func() bool { return len(h.m.ActiveOverlays()) == 1 })
	got := h.m.ActiveOverlays()[0]
	if got.Label != "coffee mug" {
		t.Fatalf("label=%q, want coffee mug", got.Label)
	}

	// Disconnect clears annotations immediately, ahead of their TTL.
	h.m.Disconnect()
	waitState(t, h.m, StateIdle)
	waitFor(t, "overlays cleared", func() bool { return len(h.m.ActiveOverlays()) == 0 })
}

func TestManager_SensorFailureTearsDownWithoutRetry(t *testing.T) {
	h := newHarness(t, func(d *Deps) {
		d.NewMic = func(deviceID string) (media.MicSource, error) {
			return nil, errors.New("device busy")
		}
	})

	h.m.Connect("default", "")
	waitFor(t, "dial", func() bool { return h.dialer.dialCount() == 1 })
	waitState(t, h.m, StateIdle)

	waitFor(t, "sensor failure log entry", func() bool {
		for _, e := range h.feed.Snapshot() {
			if e.Severity == logfeed.SeverityError {
				return true
			}
		}
		return false
	})
	time.Sleep(80 * time.Millisecond)
	if got := h.dialer.dialCount(); got != 1 {
		t.Fatalf("dials=%d, want 1 (no retry on sensor failure)", got)
	}
}
