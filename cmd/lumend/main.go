// Command lumend runs the local assistant daemon: it owns the microphone,
// speaker and camera, keeps the live session with the model service, and
// exposes the control websocket the panel UI talks to.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/gen2brain/malgo"
	"github.com/joho/godotenv"

	"github.com/lumenlabs/lumen/internal/config"
	"github.com/lumenlabs/lumen/internal/gateway"
	"github.com/lumenlabs/lumen/internal/logfeed"
	"github.com/lumenlabs/lumen/internal/media"
	"github.com/lumenlabs/lumen/internal/memory"
	"github.com/lumenlabs/lumen/internal/session"
	"github.com/lumenlabs/lumen/internal/tools"
	"github.com/lumenlabs/lumen/internal/upstream/gemini"
)

type daemonDeps struct {
	loadConfig   func() (config.Config, error)
	openMemory   func(ctx context.Context, cfg config.Config) (memory.Store, error)
	signalNotify func(chan<- os.Signal, ...os.Signal)
	signalStop   func(chan<- os.Signal)
}

func defaultDaemonDeps() daemonDeps {
	return daemonDeps{
		loadConfig:   config.LoadFromEnv,
		openMemory:   openMemoryStore,
		signalNotify: func(c chan<- os.Signal, sig ...os.Signal) { signal.Notify(c, sig...) },
		signalStop:   signal.Stop,
	}
}

// openMemoryStore prefers Postgres when a DSN is configured and falls back
// to the single-file JSON store otherwise.
func openMemoryStore(ctx context.Context, cfg config.Config) (memory.Store, error) {
	if cfg.MemoryDSN != "" {
		return memory.OpenPGStore(ctx, cfg.MemoryDSN)
	}
	return memory.OpenFileStore(cfg.MemoryPath)
}

func runDaemon(ctx context.Context, logger *slog.Logger, level *slog.LevelVar, deps daemonDeps) error {
	if deps.loadConfig == nil || deps.openMemory == nil {
		return errors.New("missing dependencies")
	}
	if deps.signalNotify == nil || deps.signalStop == nil {
		return errors.New("missing signal dependency")
	}
	if logger == nil {
		logger = slog.Default()
	}

	cfg, err := deps.loadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if level != nil {
		level.Set(cfg.LogLevel)
	}

	store, err := deps.openMemory(ctx, cfg)
	if err != nil {
		return fmt.Errorf("open memory store: %w", err)
	}

	audioCtx, err := malgo.InitContext(nil, malgo.ContextConfig{}, func(message string) {
		logger.Debug("audio backend", "message", message)
	})
	if err != nil {
		return fmt.Errorf("init audio backend: %w", err)
	}
	defer func() {
		_ = audioCtx.Uninit()
		audioCtx.Free()
	}()

	speaker, err := media.NewSpeaker(cfg.PlaybackSampleRate)
	if err != nil {
		return fmt.Errorf("open speaker: %w", err)
	}
	defer speaker.Close()

	feed := logfeed.New(cfg.LogHistoryLimit)

	memTool := &tools.MemoryTool{Store: store}
	dispatcher := tools.NewDispatcher(logger, feed,
		tools.NewReminderTool(),
		tools.SmartHomeTool{},
		memTool,
	)

	manager, err := session.New(session.Deps{
		Logger: logger,
		Feed:   feed,
		Dialer: &gemini.Dialer{APIKey: cfg.GeminiAPIKey, Model: cfg.Model, Logger: logger},
		Memory: store,
		Tools:  dispatcher,
		NewMic: func(deviceID string) (media.MicSource, error) {
			return media.NewMic(audioCtx.Context, media.MicConfig{
				SampleRate: cfg.CaptureSampleRate,
				FrameMS:    int(cfg.MicFrameDuration.Milliseconds()),
				DeviceID:   deviceID,
			}), nil
		},
		NewCamera: func(deviceID string) (media.FrameSource, error) {
			url := deviceID
			if url == "" {
				url = cfg.CameraURL
			}
			if url == "" {
				return nil, errors.New("no camera endpoint configured")
			}
			return media.NewHTTPCamera(url), nil
		},
		Speaker: speaker,
		Config: session.Config{
			APIKey:             cfg.GeminiAPIKey,
			ReconnectDelay:     cfg.ReconnectDelay,
			FrameInterval:      cfg.FrameInterval,
			CaptureSampleRate:  cfg.CaptureSampleRate,
			PlaybackSampleRate: cfg.PlaybackSampleRate,
			OverlayTTL:         cfg.OverlayTTL,
		},
	})
	if err != nil {
		return fmt.Errorf("build session manager: %w", err)
	}
	// A fresh fact should show up on the panel as soon as the tool saves it.
	memTool.OnSaved = manager.PublishMemory

	runCtx, cancelRun := context.WithCancel(ctx)
	defer cancelRun()
	go func() { _ = manager.Run(runCtx) }()

	gw := gateway.New(gateway.Config{
		Logger:  logger,
		Feed:    feed,
		Session: manager,
		Memory:  store,
		ListDevices: func() ([]media.CaptureDevice, error) {
			return media.ListCaptureDevices(audioCtx.Context)
		},
		OverlayTTL:   cfg.OverlayTTL,
		PingInterval: cfg.WSPingInterval,
		WriteTimeout: cfg.WSWriteTimeout,
		ReadTimeout:  cfg.WSReadTimeout,
		MaxMessage:   cfg.WSMaxMessage,
	})
	go gw.Run(runCtx)

	httpSrv := &http.Server{
		Addr:    cfg.Addr,
		Handler: gw.Handler(),
	}

	logger.Info("starting lumend", "addr", cfg.Addr, "model", cfg.Model)
	feed.Append(logfeed.SourceSystem, logfeed.SeverityInfo, "Daemon started")

	listenErrCh := make(chan error, 1)
	go func() {
		err := httpSrv.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			listenErrCh <- err
			return
		}
		listenErrCh <- nil
	}()

	sigCh := make(chan os.Signal, 1)
	deps.signalNotify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer deps.signalStop(sigCh)

	select {
	case err := <-listenErrCh:
		if err != nil {
			return fmt.Errorf("serve: %w", err)
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case sig := <-sigCh:
		logger.Info("shutdown signal received", "signal", sig.String())
	}

	manager.Disconnect()
	cancelRun()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.ShutdownGracePeriod)
	defer shutdownCancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown http server: %w", err)
	}

	if err := <-listenErrCh; err != nil {
		return fmt.Errorf("serve: %w", err)
	}

	logger.Info("lumend stopped")
	return nil
}

func runMain(ctx context.Context, stderr io.Writer, deps daemonDeps) int {
	if stderr == nil {
		stderr = os.Stderr
	}

	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		fmt.Fprintf(stderr, "lumend: load .env: %v\n", err)
		return 1
	}

	level := new(slog.LevelVar)
	logger := slog.New(slog.NewTextHandler(stderr, &slog.HandlerOptions{Level: level}))

	if err := runDaemon(ctx, logger, level, deps); err != nil && !errors.Is(err, context.Canceled) {
		fmt.Fprintf(stderr, "lumend: %v\n", err)
		return 1
	}
	return 0
}

func main() {
	os.Exit(runMain(context.Background(), os.Stderr, defaultDaemonDeps()))
}
