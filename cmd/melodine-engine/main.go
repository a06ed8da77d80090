// Command melodine-engine runs the playback engine daemon: it spawns the
// extractor and transcoder subprocesses per session, frames the resulting
// audio onto the streaming socket, and serves the HTTP control plane.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"os/exec"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"log/slog"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/melodine/internal/config"
	"github.com/MrWong99/melodine/internal/control"
	"github.com/MrWong99/melodine/internal/engine"
	"github.com/MrWong99/melodine/internal/extract"
	"github.com/MrWong99/melodine/internal/health"
	"github.com/MrWong99/melodine/internal/observe"
	"github.com/MrWong99/melodine/internal/transcode"
	"github.com/MrWong99/melodine/internal/wire"
)

func main() {
	os.Exit(run())
}

func run() int {
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "melodine-engine: config file %q not found — copy configs/example.yaml to get started\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "melodine-engine: %v\n", err)
		}
		return 1
	}

	logger := newLogger(cfg.Server.LogLevel)
	slog.SetDefault(logger)

	slog.Info("melodine-engine starting",
		"config", *configPath,
		"socket_path", cfg.Server.SocketPath,
		"control_port", cfg.Server.ControlPort,
		"log_level", cfg.Server.LogLevel,
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownObs, err := observe.InitProvider(ctx, observe.ProviderConfig{ServiceName: "melodine-engine"})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	defer func() {
		obsCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownObs(obsCtx); err != nil {
			slog.Warn("telemetry shutdown error", "err", err)
		}
	}()

	extractor := extract.New(
		extract.WithBinary(cfg.Engine.ExtractorBin),
		extract.WithTimeout(time.Duration(cfg.Engine.ExtractTimeoutSeconds)*time.Second),
	)

	tcfg := transcode.DefaultConfig()
	tcfg.Bin = cfg.Engine.TranscoderBin

	emit := &socketEmitter{}
	mgr := engine.NewManager(ctx, extractor, tcfg, emit)

	// The streaming socket. A stale socket file from a previous run is
	// removed before listening.
	if err := os.Remove(cfg.Server.SocketPath); err != nil && !errors.Is(err, os.ErrNotExist) {
		slog.Error("failed to remove stale socket", "path", cfg.Server.SocketPath, "err", err)
		return 1
	}
	ln, err := net.Listen("unix", cfg.Server.SocketPath)
	if err != nil {
		slog.Error("failed to listen on streaming socket", "path", cfg.Server.SocketPath, "err", err)
		return 1
	}

	checkers := []health.Checker{
		{Name: "extractor", Check: func(context.Context) error {
			_, err := exec.LookPath(cfg.Engine.ExtractorBin)
			return err
		}},
		{Name: "transcoder", Check: func(context.Context) error {
			_, err := exec.LookPath(cfg.Engine.TranscoderBin)
			return err
		}},
		{Name: "consumer", Check: func(context.Context) error {
			if !emit.connected() {
				return errors.New("no consumer connected to the streaming socket")
			}
			return nil
		}},
	}

	controlSrv := control.NewServer(mgr, extractor, promhttp.Handler(), checkers...)
	httpSrv := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Server.ControlPort),
		Handler: observe.Middleware(observe.DefaultMetrics())(controlSrv),
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		slog.Info("control plane listening", "addr", httpSrv.Addr)
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("control plane: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		acceptConsumers(gctx, ln, emit)
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		slog.Info("shutdown signal received, stopping…")

		shutCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if err := httpSrv.Shutdown(shutCtx); err != nil {
			slog.Warn("control plane shutdown error", "err", err)
		}
		ln.Close()
		mgr.Shutdown()
		return nil
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("run error", "err", err)
		return 1
	}
	os.Remove(cfg.Server.SocketPath)
	slog.Info("goodbye")
	return 0
}

// acceptConsumers serves the streaming socket: one consumer at a time, each
// becoming the emitter's current writer until it disconnects.
func acceptConsumers(ctx context.Context, ln net.Listener, emit *socketEmitter) {
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			slog.Warn("streaming socket accept error", "err", err)
			continue
		}
		slog.Info("consumer connected to streaming socket")
		emit.set(wire.NewWriter(conn))

		// The consumer never writes; a read unblocking means it went away.
		io.Copy(io.Discard, conn)
		emit.set(nil)
		conn.Close()
		slog.Info("consumer disconnected from streaming socket")
	}
}

// socketEmitter routes engine output to the currently connected consumer.
// With no consumer attached, audio writes fail so sessions stop instead of
// streaming into the void.
type socketEmitter struct {
	mu sync.Mutex
	w  *wire.Writer
}

func (e *socketEmitter) set(w *wire.Writer) {
	e.mu.Lock()
	e.w = w
	e.mu.Unlock()
}

func (e *socketEmitter) connected() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.w != nil
}

func (e *socketEmitter) WriteAudio(sessionID string, payload []byte) error {
	e.mu.Lock()
	w := e.w
	e.mu.Unlock()
	if w == nil {
		return errors.New("no consumer connected")
	}
	return w.WriteAudio(sessionID, payload)
}

func (e *socketEmitter) WriteEvent(ev wire.Event) error {
	e.mu.Lock()
	w := e.w
	e.mu.Unlock()
	if w == nil {
		return errors.New("no consumer connected")
	}
	return w.WriteEvent(ev)
}

func newLogger(level config.LogLevel) *slog.Logger {
	var lvl slog.Level
	switch level {
	case config.LogDebug:
		lvl = slog.LevelDebug
	case config.LogWarn:
		lvl = slog.LevelWarn
	case config.LogError:
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}
