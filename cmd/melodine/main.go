// Command melodine runs the consumer-side daemon: it reads the engine's
// streaming socket, orchestrates per-consumer queues, serves the websocket
// gateway, and drives the configured client adapter.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"log/slog"

	"github.com/bwmarrin/discordgo"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/melodine/internal/adapter"
	"github.com/MrWong99/melodine/internal/config"
	"github.com/MrWong99/melodine/internal/control"
	"github.com/MrWong99/melodine/internal/gateway"
	"github.com/MrWong99/melodine/internal/health"
	"github.com/MrWong99/melodine/internal/observe"
	"github.com/MrWong99/melodine/internal/orchestrator"
	"github.com/MrWong99/melodine/internal/store"
	"github.com/MrWong99/melodine/internal/transcode"
	"github.com/MrWong99/melodine/internal/wire"
)

// redialDelay paces reconnect attempts to the engine's streaming socket.
const redialDelay = time.Second

func main() {
	os.Exit(run())
}

func run() int {
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "melodine: config file %q not found — copy configs/example.yaml to get started\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "melodine: %v\n", err)
		}
		return 1
	}

	logger := newLogger(cfg.Server.LogLevel)
	slog.SetDefault(logger)

	slog.Info("melodine starting",
		"config", *configPath,
		"socket_path", cfg.Server.SocketPath,
		"adapter", cfg.Orchestrator.Adapter,
		"gateway_addr", cfg.Orchestrator.GatewayAddr,
		"log_level", cfg.Server.LogLevel,
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownObs, err := observe.InitProvider(ctx, observe.ProviderConfig{ServiceName: "melodine"})
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

	st, err := store.Open(cfg.Orchestrator.DataDir)
	if err != nil {
		slog.Error("failed to open session store", "data_dir", cfg.Orchestrator.DataDir, "err", err)
		return 1
	}
	defer st.Close()

	engineClient := control.NewBreakerClient(
		control.NewClient(fmt.Sprintf("http://127.0.0.1:%d", cfg.Server.ControlPort)))

	// Discord session for the voice adapter.
	var discordSession *discordgo.Session
	if cfg.Orchestrator.Adapter == config.AdapterVoice {
		discordSession, err = discordgo.New("Bot " + cfg.Discord.Token)
		if err != nil {
			slog.Error("failed to create discord session", "err", err)
			return 1
		}
		discordSession.Identify.Intents = discordgo.IntentsGuildVoiceStates
		if err := discordSession.Open(); err != nil {
			slog.Error("failed to connect to discord gateway", "err", err)
			return 1
		}
		defer discordSession.Close()
		slog.Info("discord gateway connected", "guild_id", cfg.Discord.GuildID)
	}

	// The gateway server is created after the orchestrator but sessions are
	// only built once both exist, so closures may capture gw by reference.
	var gw *gateway.Server

	factory, format := buildAdapterFactory(ctx, cfg, discordSession, &gw)

	orch := orchestrator.NewManager(ctx, engineClient, st, format, factory,
		orchestrator.WithEventSink(func(ev orchestrator.Event) {
			if gw != nil {
				gw.Broadcast(ev)
			}
		}),
	)

	gwOpts := []gateway.Option{gateway.WithAllowedIDs(cfg.Orchestrator.AllowedIDs)}
	if cfg.Orchestrator.Adapter == config.AdapterWeb {
		gwOpts = append(gwOpts, gateway.WithPauseOnDisconnect())
	}
	gw = gateway.NewServer(orch, gwOpts...)

	if err := orch.Restore(ctx); err != nil {
		slog.Warn("session restore failed", "err", err)
	}

	g, gctx := errgroup.WithContext(ctx)

	// Streaming socket reader with reconnect.
	g.Go(func() error {
		readSocket(gctx, cfg.Server.SocketPath, orch)
		return nil
	})

	// Gateway HTTP server.
	var httpSrv *http.Server
	if cfg.Orchestrator.GatewayAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/ws", gw)
		mux.Handle("/metrics", promhttp.Handler())
		health.New(
			health.Checker{Name: "engine", Check: engineClient.Healthy},
			health.Checker{Name: "store", Check: st.Ping},
		).Register(mux)

		httpSrv = &http.Server{
			Addr:    cfg.Orchestrator.GatewayAddr,
			Handler: observe.Middleware(observe.DefaultMetrics())(mux),
		}
		g.Go(func() error {
			slog.Info("gateway listening", "addr", httpSrv.Addr)
			if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("gateway: %w", err)
			}
			return nil
		})
	}

	g.Go(func() error {
		<-gctx.Done()
		slog.Info("shutdown signal received, stopping…")

		if httpSrv != nil {
			shutCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
			defer cancel()
			if err := httpSrv.Shutdown(shutCtx); err != nil {
				slog.Warn("gateway shutdown error", "err", err)
			}
		}
		orch.Shutdown()
		return nil
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("run error", "err", err)
		return 1
	}
	slog.Info("goodbye")
	return 0
}

// buildAdapterFactory returns the adapter factory for the configured mode and
// the audio format to request from the engine.
func buildAdapterFactory(ctx context.Context, cfg *config.Config, session *discordgo.Session, gw **gateway.Server) (orchestrator.AdapterFactory, transcode.Format) {
	switch cfg.Orchestrator.Adapter {
	case config.AdapterDebug:
		return func(consumerID string) (orchestrator.Adapter, error) {
			slog.Info("creating debug adapter", "consumer_id", consumerID)
			return adapter.NewDebug(os.Stdout)
		}, transcode.FormatOpus

	case config.AdapterWeb:
		return func(consumerID string) (orchestrator.Adapter, error) {
			if *gw == nil {
				return nil, errors.New("gateway not ready")
			}
			slog.Info("creating web adapter", "consumer_id", consumerID)
			return gateway.NewWebAdapter(*gw, consumerID), nil
		}, transcode.FormatWebOpus

	default: // voice
		return func(consumerID string) (orchestrator.Adapter, error) {
			slog.Info("creating voice adapter",
				"consumer_id", consumerID,
				"guild_id", cfg.Discord.GuildID,
				"channel_id", cfg.Discord.ChannelID,
			)
			return adapter.NewVoice(ctx, session, cfg.Discord.GuildID, cfg.Discord.ChannelID)
		}, transcode.FormatOpus
	}
}

// readSocket dials the engine's streaming socket and decodes it into the
// orchestrator until ctx ends, reconnecting after failures.
func readSocket(ctx context.Context, socketPath string, h wire.Handler) {
	for {
		conn, err := (&net.Dialer{}).DialContext(ctx, "unix", socketPath)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			slog.Debug("streaming socket dial failed, retrying", "path", socketPath, "err", err)
			select {
			case <-time.After(redialDelay):
				continue
			case <-ctx.Done():
				return
			}
		}
		slog.Info("connected to engine streaming socket", "path", socketPath)

		go func() {
			<-ctx.Done()
			conn.Close()
		}()

		if err := wire.NewReader(conn, h).Run(); err != nil && ctx.Err() == nil {
			slog.Warn("streaming socket read error", "err", err)
		}
		conn.Close()
		if ctx.Err() != nil {
			return
		}
		slog.Info("engine streaming socket closed, reconnecting")
		select {
		case <-time.After(redialDelay):
		case <-ctx.Done():
			return
		}
	}
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
