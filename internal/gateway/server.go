// Package gateway serves the local control surface: a websocket carrying the
// typed frames in the protocol package, plus health and metrics endpoints.
package gateway

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/lumenlabs/lumen/internal/gateway/protocol"
	"github.com/lumenlabs/lumen/internal/logfeed"
	"github.com/lumenlabs/lumen/internal/media"
	"github.com/lumenlabs/lumen/internal/memory"
	"github.com/lumenlabs/lumen/internal/overlay"
	"github.com/lumenlabs/lumen/internal/session"
)

var metricClients = promauto.NewGauge(prometheus.GaugeOpts{
	Name: "lumen_gateway_clients",
	Help: "Connected control-surface clients.",
})

// Session is the slice of the session manager the gateway drives.
type Session interface {
	Connect(audioDevice, videoDevice string)
	Disconnect()
	SelectDevices(audioDevice, videoDevice string)
	PublishMemory()
	Events() <-chan session.Event
	State() session.State
	ActiveOverlays() []overlay.Overlay
}

type Config struct {
	Logger       *slog.Logger
	Feed         *logfeed.Feed
	Session      Session
	Memory       memory.Store
	ListDevices  func() ([]media.CaptureDevice, error)
	OverlayTTL   time.Duration
	PingInterval time.Duration
	WriteTimeout time.Duration
	ReadTimeout  time.Duration
	MaxMessage   int64
}

type Server struct {
	cfg    Config
	logger *slog.Logger

	mu      sync.Mutex
	clients map[*client]struct{}
}

type client struct {
	conn *websocket.Conn
	send chan any
	once sync.Once
}

// enqueue never blocks; a stalled client loses frames instead of stalling
// the broadcaster.
func (c *client) enqueue(v any) {
	select {
	case c.send <- v:
	default:
	}
}

func (c *client) close() {
	c.once.Do(func() { close(c.send) })
}

func New(cfg Config) *Server {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.OverlayTTL <= 0 {
		cfg.OverlayTTL = overlay.DefaultTTL
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = 20 * time.Second
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 10 * time.Second
	}
	return &Server{
		cfg:     cfg,
		logger:  cfg.Logger,
		clients: make(map[*client]struct{}),
	}
}

// Handler returns the HTTP mux: /ws for the control surface, /healthz, and
// /metrics for Prometheus scrapes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWS)
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	return mux
}

// Run fans session events and log entries out to every connected client
// until ctx is done. The server is this channel's only consumer.
func (s *Server) Run(ctx context.Context) {
	logCh := s.cfg.Feed.Subscribe()
	defer s.cfg.Feed.Unsubscribe(logCh)
	for {
		select {
		case <-ctx.Done():
			return
		case entry := <-logCh:
			s.broadcast(protocol.ServerLog{Type: "log", Entry: entry})
		case ev := <-s.cfg.Session.Events():
			switch ev.Kind {
			case session.EventState:
				s.broadcast(protocol.ServerState{Type: "state", State: ev.State.String()})
			case session.EventOverlays:
				s.broadcast(protocol.NewOverlaysFrame(ev.Overlays, s.cfg.OverlayTTL))
			case session.EventMemory:
				s.broadcast(protocol.ServerMemory{Type: "memory", Facts: ev.Memory})
			}
		}
	}
}

func (s *Server) broadcast(v any) {
	s.mu.Lock()
	for c := range s.clients {
		c.enqueue(v)
	}
	s.mu.Unlock()
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	upgrader := websocket.Upgrader{
		// Local single-user daemon; the listener is bound to loopback.
		CheckOrigin: func(*http.Request) bool { return true },
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	if s.cfg.MaxMessage > 0 {
		conn.SetReadLimit(s.cfg.MaxMessage)
	}

	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, firstFrame, err := conn.ReadMessage()
	if err != nil {
		s.writeError(conn, "bad_request", "failed to read hello", true)
		return
	}
	decoded, err := protocol.DecodeClientMessage(firstFrame)
	if err != nil {
		s.writeError(conn, "bad_request", err.Error(), true)
		return
	}
	hello, ok := decoded.(protocol.ClientHello)
	if !ok {
		s.writeError(conn, "bad_request", "first frame must be hello", true)
		return
	}
	if hello.ProtocolVersion != protocol.ProtocolVersion1 {
		s.writeError(conn, "unsupported_version", "unsupported protocol_version", true)
		return
	}

	ack := protocol.ServerHelloAck{
		Type:            "hello_ack",
		ProtocolVersion: protocol.ProtocolVersion1,
		SessionID:       "c_" + randHex(8),
		AccentColor:     overlay.AccentColor,
	}
	_ = conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
	if err := conn.WriteJSON(ack); err != nil {
		return
	}
	_ = conn.SetWriteDeadline(time.Time{})
	_ = conn.SetReadDeadline(time.Time{})

	c := &client{conn: conn, send: make(chan any, 256)}
	s.register(c)
	defer s.unregister(c)

	s.sendSnapshot(c)
	go s.writePump(c)
	s.readLoop(c)
}

func (s *Server) register(c *client) {
	s.mu.Lock()
	s.clients[c] = struct{}{}
	s.mu.Unlock()
	metricClients.Inc()
}

func (s *Server) unregister(c *client) {
	s.mu.Lock()
	if _, ok := s.clients[c]; ok {
		delete(s.clients, c)
		metricClients.Dec()
	}
	s.mu.Unlock()
	c.close()
}

// sendSnapshot brings a fresh client up to date: current state, retained
// log history, live overlays, and the memory facts.
func (s *Server) sendSnapshot(c *client) {
	c.enqueue(protocol.ServerState{Type: "state", State: s.cfg.Session.State().String()})
	c.enqueue(protocol.ServerLogHistory{Type: "log_history", Entries: s.cfg.Feed.Snapshot()})
	c.enqueue(protocol.NewOverlaysFrame(s.cfg.Session.ActiveOverlays(), s.cfg.OverlayTTL))
	if facts, err := s.cfg.Memory.Load(); err == nil {
		c.enqueue(protocol.ServerMemory{Type: "memory", Facts: facts})
	} else {
		s.logger.Warn("memory snapshot failed", "error", err)
	}
}

func (s *Server) readLoop(c *client) {
	for {
		if s.cfg.ReadTimeout > 0 {
			_ = c.conn.SetReadDeadline(time.Now().Add(s.cfg.ReadTimeout))
		}
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		decoded, err := protocol.DecodeClientMessage(data)
		if err != nil {
			c.enqueue(protocol.ServerError{Type: "error", Code: "bad_request", Message: err.Error()})
			continue
		}
		switch msg := decoded.(type) {
		case protocol.ClientConnect:
			s.cfg.Session.Connect(msg.AudioDeviceID, msg.VideoDeviceID)
		case protocol.ClientDisconnect:
			s.cfg.Session.Disconnect()
		case protocol.ClientSelectDevices:
			s.cfg.Session.SelectDevices(msg.AudioDeviceID, msg.VideoDeviceID)
		case protocol.ClientListDevices:
			s.handleListDevices(c)
		case protocol.ClientMemoryClear:
			s.handleMemoryClear()
		case protocol.ClientHello:
			c.enqueue(protocol.ServerError{Type: "error", Code: "bad_request", Message: "hello already received"})
		}
	}
}

func (s *Server) handleListDevices(c *client) {
	devices := []media.CaptureDevice{}
	if s.cfg.ListDevices != nil {
		found, err := s.cfg.ListDevices()
		if err != nil {
			s.logger.Warn("device enumeration failed", "error", err)
			c.enqueue(protocol.ServerError{Type: "error", Code: "device_error", Message: "device enumeration failed"})
			return
		}
		devices = found
	}
	c.enqueue(protocol.ServerDevices{Type: "devices", Audio: devices})
}

func (s *Server) handleMemoryClear() {
	if err := s.cfg.Memory.Clear(); err != nil {
		s.logger.Warn("memory clear failed", "error", err)
		return
	}
	s.cfg.Feed.Append(logfeed.SourceSystem, logfeed.SeverityInfo, "Long-term memory cleared")
	s.cfg.Session.PublishMemory()
}

func (s *Server) writePump(c *client) {
	ticker := time.NewTicker(s.cfg.PingInterval)
	defer ticker.Stop()
	defer c.conn.Close()
	for {
		select {
		case v, ok := <-c.send:
			if !ok {
				return
			}
			_ = c.conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
			if err := c.conn.WriteJSON(v); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (s *Server) writeError(conn *websocket.Conn, code, message string, close bool) {
	_ = conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
	_ = conn.WriteJSON(protocol.ServerError{Type: "error", Code: code, Message: message, Close: close})
}

func randHex(n int) string {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		return "00000000"
	}
	return hex.EncodeToString(buf)
}
