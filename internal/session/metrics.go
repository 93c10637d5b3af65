package session

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	metricSessionsStarted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "lumen_sessions_started_total",
		Help: "Live sessions that reached the open state.",
	})
	metricReconnects = promauto.NewCounter(prometheus.CounterOpts{
		Name: "lumen_reconnects_scheduled_total",
		Help: "Automatic reconnect attempts scheduled after link loss.",
	})
	metricFramesSent = promauto.NewCounter(prometheus.CounterOpts{
		Name: "lumen_video_frames_sent_total",
		Help: "Camera frames uploaded to the service.",
	})
	metricAudioChunksIn = promauto.NewCounter(prometheus.CounterOpts{
		Name: "lumen_audio_chunks_received_total",
		Help: "Inbound audio segments scheduled for playback.",
	})
	metricInterruptions = promauto.NewCounter(prometheus.CounterOpts{
		Name: "lumen_interruptions_total",
		Help: "Barge-in signals received from the service.",
	})
	metricToolCalls = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "lumen_tool_calls_total",
		Help: "Tool calls dispatched, by tool name.",
	}, []string{"tool"})
	metricState = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "lumen_connection_state",
		Help: "Current connection state (0 idle, 1 connecting, 2 live, 3 reconnecting, 4 closing).",
	})
)
