package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds everything the daemon needs. Loaded once at startup from the
// environment; the Gemini credential is deliberately allowed to be empty here —
// a missing key surfaces as a ConfigurationError when a connect is attempted,
// not as a boot failure.
type Config struct {
	Addr string

	GeminiAPIKey string
	Model        string

	// Memory store selection: DSN set => Postgres, otherwise JSON file.
	MemoryDSN  string
	MemoryPath string

	CameraURL string

	CaptureSampleRate  int
	PlaybackSampleRate int
	MicFrameDuration   time.Duration

	FrameInterval  time.Duration
	ReconnectDelay time.Duration
	OverlayTTL     time.Duration

	WSPingInterval  time.Duration
	WSWriteTimeout  time.Duration
	WSReadTimeout   time.Duration
	WSMaxMessage    int64
	LogHistoryLimit int

	ShutdownGracePeriod time.Duration

	LogLevel slog.Level
}

func LoadFromEnv() (Config, error) {
	cfg := Config{
		Addr:                envOr("LUMEN_ADDR", ":8790"),
		GeminiAPIKey:        strings.TrimSpace(os.Getenv("GEMINI_API_KEY")),
		Model:               envOr("LUMEN_MODEL", "gemini-2.0-flash-exp"),
		MemoryDSN:           strings.TrimSpace(os.Getenv("LUMEN_MEMORY_DSN")),
		MemoryPath:          envOr("LUMEN_MEMORY_PATH", "lumen-memory.json"),
		CameraURL:           strings.TrimSpace(os.Getenv("LUMEN_CAMERA_URL")),
		CaptureSampleRate:   envIntOr("LUMEN_CAPTURE_SAMPLE_RATE", 16000),
		PlaybackSampleRate:  envIntOr("LUMEN_PLAYBACK_SAMPLE_RATE", 24000),
		MicFrameDuration:    envDurationOr("LUMEN_MIC_FRAME_MS", 20*time.Millisecond),
		FrameInterval:       envDurationOr("LUMEN_FRAME_INTERVAL_MS", time.Second),
		ReconnectDelay:      envDurationOr("LUMEN_RECONNECT_DELAY_MS", 1500*time.Millisecond),
		OverlayTTL:          envDurationOr("LUMEN_OVERLAY_TTL_MS", 3*time.Second),
		WSPingInterval:      envDurationOr("LUMEN_WS_PING_INTERVAL_MS", 20*time.Second),
		WSWriteTimeout:      envDurationOr("LUMEN_WS_WRITE_TIMEOUT_MS", 5*time.Second),
		WSReadTimeout:       envDurationOr("LUMEN_WS_READ_TIMEOUT_MS", 0),
		WSMaxMessage:        envInt64Or("LUMEN_WS_MAX_MESSAGE_BYTES", 64*1024),
		LogHistoryLimit:     envIntOr("LUMEN_LOG_HISTORY", 500),
		ShutdownGracePeriod: envDurationOr("LUMEN_SHUTDOWN_GRACE_MS", 5*time.Second),
		LogLevel:            slog.LevelInfo,
	}

	switch strings.ToLower(envOr("LUMEN_LOG_LEVEL", "info")) {
	case "debug":
		cfg.LogLevel = slog.LevelDebug
	case "info":
		cfg.LogLevel = slog.LevelInfo
	case "warn", "warning":
		cfg.LogLevel = slog.LevelWarn
	case "error":
		cfg.LogLevel = slog.LevelError
	default:
		return Config{}, fmt.Errorf("invalid LUMEN_LOG_LEVEL %q", os.Getenv("LUMEN_LOG_LEVEL"))
	}

	if strings.TrimSpace(cfg.Addr) == "" {
		return Config{}, fmt.Errorf("LUMEN_ADDR must not be empty")
	}
	if strings.TrimSpace(cfg.Model) == "" {
		return Config{}, fmt.Errorf("LUMEN_MODEL must not be empty")
	}
	if cfg.CaptureSampleRate <= 0 {
		return Config{}, fmt.Errorf("LUMEN_CAPTURE_SAMPLE_RATE must be > 0")
	}
	if cfg.PlaybackSampleRate <= 0 {
		return Config{}, fmt.Errorf("LUMEN_PLAYBACK_SAMPLE_RATE must be > 0")
	}
	if cfg.FrameInterval <= 0 {
		return Config{}, fmt.Errorf("LUMEN_FRAME_INTERVAL_MS must be > 0")
	}
	if cfg.ReconnectDelay <= 0 {
		return Config{}, fmt.Errorf("LUMEN_RECONNECT_DELAY_MS must be > 0")
	}
	if cfg.OverlayTTL <= 0 {
		return Config{}, fmt.Errorf("LUMEN_OVERLAY_TTL_MS must be > 0")
	}
	if cfg.MemoryDSN == "" && strings.TrimSpace(cfg.MemoryPath) == "" {
		return Config{}, fmt.Errorf("LUMEN_MEMORY_PATH must not be empty when LUMEN_MEMORY_DSN is unset")
	}

	return cfg, nil
}

func envOr(key, def string) string {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	return v
}

func envIntOr(key string, def int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func envInt64Or(key string, def int64) int64 {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return def
	}
	return n
}

// envDurationOr reads a millisecond count.
func envDurationOr(key string, def time.Duration) time.Duration {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	ms, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return def
	}
	return time.Duration(ms) * time.Millisecond
}
