// Package session owns the live connection lifecycle: dialing the service,
// the capture pipelines, playback scheduling, tool dispatch, interruption
// handling, and reconnect-with-cancellation.
//
// All shared state lives on a single event loop (Run). Asynchronous work —
// dialing, the receive loop, the mic callback, the frame sampler — posts
// events back into the loop tagged with the connection attempt they belong
// to; the loop drops anything from a stale attempt before touching state.
// The in-flight operation itself is never forcibly canceled, its result is
// simply discarded.
package session

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"github.com/lumenlabs/lumen/internal/logfeed"
	"github.com/lumenlabs/lumen/internal/media"
	"github.com/lumenlabs/lumen/internal/memory"
	"github.com/lumenlabs/lumen/internal/overlay"
	"github.com/lumenlabs/lumen/internal/tools"
	"github.com/lumenlabs/lumen/internal/upstream"
)

type State int32

const (
	StateIdle State = iota
	StateConnecting
	StateLive
	StateReconnecting
	StateClosing
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateLive:
		return "live"
	case StateReconnecting:
		return "reconnecting"
	case StateClosing:
		return "closing"
	default:
		return "unknown"
	}
}

// EventKind tags events published to the presentation surface.
type EventKind string

const (
	EventState    EventKind = "state"
	EventOverlays EventKind = "overlays"
	EventMemory   EventKind = "memory"
)

type Event struct {
	Kind     EventKind
	State    State
	Overlays []overlay.Overlay
	Memory   []memory.Fact
}

// Speaker is the playback audio context. Suspend/Resume let a reconnect
// reuse the context instead of rebuilding it.
type Speaker interface {
	Sink
	Suspend() error
	Resume() error
}

type Config struct {
	APIKey             string
	ReconnectDelay     time.Duration
	FrameInterval      time.Duration
	CaptureSampleRate  int
	PlaybackSampleRate int
	OverlayTTL         time.Duration
}

type Deps struct {
	Logger  *slog.Logger
	Feed    *logfeed.Feed
	Dialer  upstream.Dialer
	Memory  memory.Store
	Tools   *tools.Dispatcher
	Speaker Speaker
	// NewMic builds a mic source for the selected capture device id.
	NewMic func(deviceID string) (media.MicSource, error)
	// NewCamera builds a frame source; the id is the camera endpoint. May be
	// nil for audio-only deployments.
	NewCamera func(deviceID string) (media.FrameSource, error)
	Now       func() time.Time
	Config    Config
}

const systemPromptFormat = `You are Lumen, a friendly realtime multimodal assistant with live microphone and camera access.
Keep spoken replies short and conversational.
When you clearly recognize a physical object in view and it is relevant to the conversation, annotate it by emitting a token of the form [OBJECT:<label>:<ymin>,<xmin>,<ymax>,<xmax>] inline in your text, with integer coordinates on a 0-100 scale.
Use the provided tools for reminders, smart home control, and remembering facts about the user.

What you know about the user:
%s`

type cmdKind int

const (
	cmdConnect cmdKind = iota
	cmdDisconnect
	cmdSelectDevices
	cmdPublishMemory
)

type command struct {
	kind        cmdKind
	audioDevice string
	videoDevice string
}

type evKind int

const (
	evDialDone evKind = iota
	evInbound
	evClosed
	evSendError
	evReconnect
)

type internalEvent struct {
	kind    evKind
	attempt int64
	conn    upstream.Conn
	msg     *upstream.ServerMessage
	err     error
}

type Manager struct {
	logger *slog.Logger
	feed   *logfeed.Feed
	deps   Deps
	cfg    Config
	now    func() time.Time

	cmds     chan command
	events   chan internalEvent
	uiEvents chan Event

	runCtx    context.Context
	runCancel context.CancelFunc

	statePub atomic.Int32

	// Everything below is owned by the Run loop.
	state          State
	attemptCounter int64
	current        int64 // 0 means no current attempt
	userClosing    bool
	conn           upstream.Conn
	mic            media.MicSource
	streaming      *atomic.Bool
	liveCancel     context.CancelFunc
	reconnectTimer *time.Timer
	audioDevice    string
	videoDevice    string
	playback       *Scheduler
	overlays       *overlay.Set
}

func New(deps Deps) (*Manager, error) {
	if deps.Dialer == nil {
		return nil, fmt.Errorf("dialer is required")
	}
	if deps.Memory == nil {
		return nil, fmt.Errorf("memory store is required")
	}
	if deps.Tools == nil {
		return nil, fmt.Errorf("tool dispatcher is required")
	}
	if deps.Speaker == nil {
		return nil, fmt.Errorf("speaker is required")
	}
	if deps.NewMic == nil {
		return nil, fmt.Errorf("mic factory is required")
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Feed == nil {
		deps.Feed = logfeed.New(0)
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	if deps.Config.ReconnectDelay <= 0 {
		deps.Config.ReconnectDelay = 1500 * time.Millisecond
	}
	if deps.Config.FrameInterval <= 0 {
		deps.Config.FrameInterval = time.Second
	}
	if deps.Config.CaptureSampleRate <= 0 {
		deps.Config.CaptureSampleRate = 16000
	}
	if deps.Config.PlaybackSampleRate <= 0 {
		deps.Config.PlaybackSampleRate = 24000
	}
	if deps.Config.OverlayTTL <= 0 {
		deps.Config.OverlayTTL = overlay.DefaultTTL
	}

	ctx, cancel := context.WithCancel(context.Background())
	m := &Manager{
		logger:    deps.Logger,
		feed:      deps.Feed,
		deps:      deps,
		cfg:       deps.Config,
		now:       deps.Now,
		cmds:      make(chan command, 16),
		events:    make(chan internalEvent, 64),
		uiEvents:  make(chan Event, 128),
		runCtx:    ctx,
		runCancel: cancel,
		playback:  NewScheduler(deps.Speaker, deps.Config.PlaybackSampleRate, deps.Now),
		overlays:  overlay.NewSet(deps.Config.OverlayTTL, deps.Now),
	}
	return m, nil
}

// Connect asks the loop to open a session with the given device selection.
func (m *Manager) Connect(audioDevice, videoDevice string) {
	m.post(command{kind: cmdConnect, audioDevice: audioDevice, videoDevice: videoDevice})
}

// Disconnect tears the session down and suppresses any pending reconnect.
// Safe to call in any state.
func (m *Manager) Disconnect() {
	m.post(command{kind: cmdDisconnect})
}

// SelectDevices records a new device selection. It applies to the next
// session; a live session keeps its devices until it is restarted.
func (m *Manager) SelectDevices(audioDevice, videoDevice string) {
	m.post(command{kind: cmdSelectDevices, audioDevice: audioDevice, videoDevice: videoDevice})
}

// PublishMemory pushes a fresh memory snapshot to the presentation surface.
func (m *Manager) PublishMemory() {
	m.post(command{kind: cmdPublishMemory})
}

// Events returns the stream consumed by the presentation surface. Slow
// consumers lose events rather than blocking the loop.
func (m *Manager) Events() <-chan Event {
	return m.uiEvents
}

func (m *Manager) State() State {
	return State(m.statePub.Load())
}

// ActiveOverlays returns the unexpired detection annotations.
func (m *Manager) ActiveOverlays() []overlay.Overlay {
	return m.overlays.Active()
}

func (m *Manager) post(c command) {
	select {
	case m.cmds <- c:
	default:
		m.logger.Warn("command queue full, dropping command", "kind", int(c.kind))
	}
}

func (m *Manager) postEvent(ev internalEvent) {
	select {
	case m.events <- ev:
	case <-m.runCtx.Done():
	}
}

// Run drives the event loop until ctx is done. All state transitions happen
// here, which is what makes the attempt-id staleness check sufficient — no
// further locking is needed.
func (m *Manager) Run(ctx context.Context) error {
	defer m.runCancel()
	for {
		select {
		case <-ctx.Done():
			m.teardown("shutting down")
			return nil
		case c := <-m.cmds:
			switch c.kind {
			case cmdConnect:
				m.handleConnect(c.audioDevice, c.videoDevice, false)
			case cmdDisconnect:
				m.handleDisconnect()
			case cmdSelectDevices:
				m.handleSelectDevices(c.audioDevice, c.videoDevice)
			case cmdPublishMemory:
				m.publishMemory()
			}
		case ev := <-m.events:
			switch ev.kind {
			case evDialDone:
				m.handleDialDone(ev)
			case evInbound:
				m.handleInbound(ev)
			case evClosed:
				m.handleClosed(ev)
			case evSendError:
				m.handleSendError(ev)
			case evReconnect:
				m.handleReconnect(ev)
			}
		}
	}
}

func (m *Manager) handleConnect(audioDevice, videoDevice string, isReconnect bool) {
	if !isReconnect {
		if m.state != StateIdle {
			m.log(logfeed.SourceSystem, logfeed.SeverityWarning,
				fmt.Sprintf("Connect ignored: session is %s", m.state))
			return
		}
		m.audioDevice = audioDevice
		m.videoDevice = videoDevice
	}

	if strings.TrimSpace(m.cfg.APIKey) == "" {
		err := &ConfigurationError{Reason: "missing service credential"}
		m.logger.Error("connect failed", "error", err)
		m.log(logfeed.SourceSystem, logfeed.SeverityError, "Cannot connect: no service credential configured")
		m.current = 0
		m.setState(StateIdle)
		return
	}

	m.cancelReconnectTimer()
	m.userClosing = false
	m.attemptCounter++
	att := m.attemptCounter
	m.current = att
	m.setState(StateConnecting)

	if err := m.deps.Speaker.Resume(); err != nil {
		devErr := &DeviceError{Op: "resume playback context", Err: err}
		m.logger.Error("connect failed", "error", devErr)
		m.log(logfeed.SourceSystem, logfeed.SeverityError, "Audio output unavailable")
		m.current = 0
		m.setState(StateIdle)
		return
	}

	contextStr, err := m.deps.Memory.ContextString()
	if err != nil {
		m.logger.Warn("memory context unavailable", "error", err)
		contextStr = memory.EmptyContext
	}
	cfg := upstream.SessionConfig{
		SystemInstruction: fmt.Sprintf(systemPromptFormat, contextStr),
		Tools:             m.deps.Tools.Declarations(),
		InputSampleRate:   m.cfg.CaptureSampleRate,
		OutputSampleRate:  m.cfg.PlaybackSampleRate,
	}

	m.log(logfeed.SourceSystem, logfeed.SeverityInfo, "Connecting to assistant...")
	go func() {
		conn, err := m.deps.Dialer.Dial(m.runCtx, cfg)
		m.postEvent(internalEvent{kind: evDialDone, attempt: att, conn: conn, err: err})
	}()
}

func (m *Manager) handleDialDone(ev internalEvent) {
	if ev.attempt != m.current {
		// A superseded attempt's handshake completed; drop its session.
		if ev.conn != nil {
			ev.conn.Close()
		}
		return
	}
	if ev.err != nil {
		m.logger.Error("session open failed", "error", ev.err)
		m.log(logfeed.SourceSystem, logfeed.SeverityError, fmt.Sprintf("Connection failed: %v", ev.err))
		m.current = 0
		m.setState(StateIdle)
		return
	}

	m.conn = ev.conn
	m.playback.Reset()

	streaming := &atomic.Bool{}
	streaming.Store(true)
	m.streaming = streaming

	liveCtx, cancel := context.WithCancel(m.runCtx)
	m.liveCancel = cancel

	mic, err := m.deps.NewMic(m.audioDevice)
	if err == nil {
		err = mic.Start(m.micCallback(ev.attempt, ev.conn, streaming))
	}
	if err != nil {
		m.failDevice("acquire microphone", err)
		return
	}
	m.mic = mic

	if m.videoDevice != "" && m.deps.NewCamera != nil {
		cam, err := m.deps.NewCamera(m.videoDevice)
		if err != nil {
			m.failDevice("acquire camera", err)
			return
		}
		go m.runFrameSampler(liveCtx, ev.attempt, ev.conn, cam, streaming)
	}

	go m.runReceive(ev.attempt, ev.conn)

	m.setState(StateLive)
	metricSessionsStarted.Inc()
	m.log(logfeed.SourceSystem, logfeed.SeveritySuccess, "Session live")
}

// failDevice handles media acquisition failures after the link opened:
// equivalent to a disconnect, but logged as a sensor failure rather than a
// user action. No automatic retry.
func (m *Manager) failDevice(op string, err error) {
	devErr := &DeviceError{Op: op, Err: err}
	m.logger.Error("sensor failure", "error", devErr)
	m.log(logfeed.SourceSystem, logfeed.SeverityError, fmt.Sprintf("Sensor failure: %s", op))
	m.teardown("sensor failure")
}

func (m *Manager) micCallback(att int64, conn upstream.Conn, streaming *atomic.Bool) func([]byte) {
	return func(pcm []byte) {
		// The device may fire after teardown has begun; the flag check makes
		// the late callback a no-op.
		if !streaming.Load() {
			return
		}
		if err := conn.SendAudio(pcm); err != nil && streaming.Load() {
			m.postEvent(internalEvent{kind: evSendError, attempt: att,
				err: &TransportError{Op: "send audio", Err: err}})
		}
	}
}

func (m *Manager) runFrameSampler(ctx context.Context, att int64, conn upstream.Conn, cam media.FrameSource, streaming *atomic.Bool) {
	ticker := time.NewTicker(m.cfg.FrameInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if !streaming.Load() {
				continue
			}
			img, err := cam.Capture(ctx)
			if err != nil {
				m.logger.Warn("frame capture failed", "error", err)
				continue
			}
			data, err := media.EncodeFrame(img)
			if err != nil {
				m.logger.Warn("frame encode failed", "error", err)
				continue
			}
			if !streaming.Load() {
				continue
			}
			if err := conn.SendFrame(data); err != nil {
				m.postEvent(internalEvent{kind: evSendError, attempt: att,
					err: &TransportError{Op: "send frame", Err: err}})
				continue
			}
			metricFramesSent.Inc()
		}
	}
}

func (m *Manager) runReceive(att int64, conn upstream.Conn) {
	for {
		msg, err := conn.Receive()
		if err != nil {
			m.postEvent(internalEvent{kind: evClosed, attempt: att, err: err})
			return
		}
		m.postEvent(internalEvent{kind: evInbound, attempt: att, msg: msg})
	}
}

// handleInbound fans one message out to its independent payload handlers:
// audio to the playback scheduler, text to the detection parser, tool calls
// to the dispatcher, then the interruption signal last.
func (m *Manager) handleInbound(ev internalEvent) {
	if ev.attempt != m.current || ev.msg == nil {
		return
	}
	msg := ev.msg

	for _, chunk := range msg.Audio {
		if _, err := m.playback.Schedule(chunk); err != nil {
			m.logger.Warn("dropping malformed audio chunk", "error", err)
			continue
		}
		metricAudioChunksIn.Inc()
	}

	if msg.Text != "" {
		found := overlay.Parse(msg.Text, m.now())
		if len(found) > 0 {
			m.overlays.Add(found...)
			m.publishOverlays()
		}
		if text := strings.TrimSpace(overlay.StripTokens(msg.Text)); text != "" {
			m.log(logfeed.SourceAssistant, logfeed.SeverityInfo, text)
		}
	}

	if len(msg.ToolCalls) > 0 {
		results := make([]upstream.ToolResult, 0, len(msg.ToolCalls))
		for _, call := range msg.ToolCalls {
			metricToolCalls.WithLabelValues(call.Name).Inc()
			results = append(results, m.deps.Tools.Dispatch(m.runCtx, call))
		}
		if err := m.conn.SendToolResults(results); err != nil {
			m.logger.Warn("transport error", "error", &TransportError{Op: "send tool results", Err: err})
		}
	}

	if msg.Interrupted {
		m.playback.StopAll()
		metricInterruptions.Inc()
		m.log(logfeed.SourceUser, logfeed.SeverityInfo, "Interrupted assistant playback")
	}

	if msg.TurnComplete {
		m.logger.Debug("assistant turn complete")
	}
}

func (m *Manager) handleClosed(ev internalEvent) {
	if ev.attempt != m.current {
		return
	}
	if m.userClosing {
		m.teardown("disconnected")
		return
	}

	// Link loss: halt outbound capture and schedule exactly one reconnect,
	// replacing any pending timer.
	m.logger.Warn("connection lost", "error", ev.err, "reconnect_in", m.cfg.ReconnectDelay)
	m.log(logfeed.SourceSystem, logfeed.SeverityWarning,
		fmt.Sprintf("Connection lost, reconnecting in %s", m.cfg.ReconnectDelay))

	m.stopCapture()
	m.conn = nil
	m.setState(StateReconnecting)

	m.cancelReconnectTimer()
	att := m.current
	m.reconnectTimer = time.AfterFunc(m.cfg.ReconnectDelay, func() {
		m.postEvent(internalEvent{kind: evReconnect, attempt: att})
	})
	metricReconnects.Inc()
}

func (m *Manager) handleReconnect(ev internalEvent) {
	if ev.attempt != m.current || m.state != StateReconnecting {
		return
	}
	m.handleConnect(m.audioDevice, m.videoDevice, true)
}

// handleSendError logs transport faults without acting on them: the close
// event that follows a dead link is the single authoritative recovery
// trigger.
func (m *Manager) handleSendError(ev internalEvent) {
	if ev.attempt != m.current {
		return
	}
	m.logger.Warn("transport error", "error", ev.err)
}

func (m *Manager) handleDisconnect() {
	m.userClosing = true
	m.cancelReconnectTimer()
	m.teardown("disconnected")
}

func (m *Manager) handleSelectDevices(audioDevice, videoDevice string) {
	m.audioDevice = audioDevice
	m.videoDevice = videoDevice
	if m.state != StateIdle {
		m.log(logfeed.SourceSystem, logfeed.SeverityInfo, "Device selection saved; applies to the next session")
		return
	}
	m.log(logfeed.SourceSystem, logfeed.SeverityInfo, "Device selection saved")
}

// teardown releases everything the current attempt holds and returns to
// Idle. Safe to call repeatedly; every exit path funnels through here.
func (m *Manager) teardown(reason string) {
	if m.streaming != nil {
		m.streaming.Store(false)
		m.streaming = nil
	}
	if m.liveCancel != nil {
		m.liveCancel()
		m.liveCancel = nil
	}
	if m.mic != nil {
		m.mic.Stop()
		m.mic.Close()
		m.mic = nil
	}
	if m.conn != nil {
		m.conn.Close()
		m.conn = nil
	}
	m.playback.StopAll()
	m.overlays.Clear()
	m.publishOverlays()
	if err := m.deps.Speaker.Suspend(); err != nil {
		m.logger.Warn("suspend playback context failed", "error", err)
	}
	m.cancelReconnectTimer()

	wasActive := m.current != 0 || m.state != StateIdle
	m.current = 0
	m.userClosing = false
	m.setState(StateIdle)
	if wasActive {
		m.log(logfeed.SourceSystem, logfeed.SeverityInfo, fmt.Sprintf("Session closed: %s", reason))
	}
}

func (m *Manager) stopCapture() {
	if m.streaming != nil {
		m.streaming.Store(false)
		m.streaming = nil
	}
	if m.liveCancel != nil {
		m.liveCancel()
		m.liveCancel = nil
	}
	if m.mic != nil {
		m.mic.Stop()
		m.mic.Close()
		m.mic = nil
	}
}

func (m *Manager) cancelReconnectTimer() {
	if m.reconnectTimer != nil {
		m.reconnectTimer.Stop()
		m.reconnectTimer = nil
	}
}

func (m *Manager) setState(s State) {
	if m.state == s {
		return
	}
	m.state = s
	m.statePub.Store(int32(s))
	metricState.Set(float64(s))
	m.publish(Event{Kind: EventState, State: s})
}

func (m *Manager) publishOverlays() {
	m.publish(Event{Kind: EventOverlays, Overlays: m.overlays.Active()})
}

func (m *Manager) publishMemory() {
	facts, err := m.deps.Memory.Load()
	if err != nil {
		m.logger.Warn("load memory facts failed", "error", err)
		return
	}
	m.publish(Event{Kind: EventMemory, Memory: facts})
}

func (m *Manager) publish(ev Event) {
	select {
	case m.uiEvents <- ev:
	default:
	}
}

func (m *Manager) log(src logfeed.Source, sev logfeed.Severity, message string) {
	m.feed.Append(src, sev, message)
}
