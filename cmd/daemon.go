package cmd

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"teleclaude/internal/adapters/discord"
	"teleclaude/internal/adapters/peer"
	"teleclaude/internal/adapters/telegram"
	"teleclaude/internal/adapters/webui"
	"teleclaude/internal/clock"
	"teleclaude/internal/config"
	"teleclaude/internal/controlplane"
	"teleclaude/internal/controlplane/api"
	"teleclaude/internal/infrastructure/sqlite"
	"teleclaude/internal/log"
	"teleclaude/internal/mux"
	"teleclaude/internal/orchestrator"
	"teleclaude/internal/tracing"
	"teleclaude/internal/webhooks"
)

var daemonCmd = &cobra.Command{
	Use:   "daemon",
	Short: "Run the teleclaude daemon",
	Long: `Run the daemon: the session orchestrator, the durable message queues,
the chat adapters, and the unix-socket control plane.

Example:
  teleclaude daemon
  teleclaude daemon --config ~/myconfig.yaml`,
	RunE: runDaemon,
}

func init() {
	rootCmd.AddCommand(daemonCmd)
}

func runDaemon(_ *cobra.Command, _ []string) error {
	if err := config.Validate(cfg); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	logPath := os.Getenv("TELECLAUDE_LOG")
	if logPath == "" {
		logPath = filepath.Join(cfg.StateDir, "daemon.log")
	}
	cleanup, err := log.Init(logPath)
	if err != nil {
		return fmt.Errorf("initializing logging: %w", err)
	}
	defer cleanup()
	log.Info(log.CatDaemon, "teleclaude daemon starting",
		"version", version, "computer", cfg.ComputerName)

	if cfg.Tracing.Enabled && cfg.Tracing.Exporter == "file" && cfg.Tracing.FilePath == "" {
		cfg.Tracing.FilePath = config.DefaultTracesFilePath()
	}
	tracer, err := tracing.NewProvider(cfg.Tracing)
	if err != nil {
		return fmt.Errorf("initializing tracing: %w", err)
	}

	db, err := sqlite.NewDB(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("opening store: %w", err)
	}
	defer func() { _ = db.Close() }()

	clk := clock.RealClock{}
	orch := orchestrator.New(cfg, db, mux.NewTmuxClient(cfg.Mux.Binary), clk)

	whServer, err := registerAdapters(orch, db, clk)
	if err != nil {
		return err
	}

	verifier := controlplane.NewVerifier(db.Sessions(), sqlite.ErrSessionNotFound)
	server, err := api.NewServer(api.ServerConfig{
		SocketPath: cfg.SocketPath,
		Handler:    api.NewHandler(orch, verifier),
		Tracer:     tracer.Tracer(),
	})
	if err != nil {
		return fmt.Errorf("creating control plane server: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := orch.Start(ctx); err != nil {
		return fmt.Errorf("starting orchestrator: %w", err)
	}

	errCh := make(chan error, 2)
	go func() { errCh <- server.Start() }()
	if whServer != nil {
		go func() { errCh <- whServer.Start() }()
	}

	fmt.Printf("teleclaude daemon listening on %s\n", server.SocketPath())

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		log.Info(log.CatDaemon, "shutdown signal received", "signal", sig.String())
	case err := <-errCh:
		if err != nil {
			log.ErrorErr(log.CatDaemon, "server failed", err)
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Stop(shutdownCtx); err != nil {
		log.ErrorErr(log.CatDaemon, "control plane stop failed", err)
	}
	if whServer != nil {
		if err := whServer.Stop(shutdownCtx); err != nil {
			log.ErrorErr(log.CatDaemon, "webhook listener stop failed", err)
		}
	}
	if err := orch.Shutdown(shutdownCtx); err != nil {
		log.ErrorErr(log.CatDaemon, "orchestrator shutdown failed", err)
	}
	if err := tracer.Shutdown(shutdownCtx); err != nil {
		log.ErrorErr(log.CatDaemon, "tracing shutdown failed", err)
	}

	fmt.Println("daemon stopped")
	return nil
}

// registerAdapters wires the enabled chat surfaces into the orchestrator.
// Returns the webhook listener when telegram runs in webhook mode, nil
// otherwise.
func registerAdapters(orch *orchestrator.Orchestrator, db *sqlite.DB, clk clock.Clock) (*webhooks.Server, error) {
	registry := orch.Sessions().Registry()
	var whServer *webhooks.Server

	if cfg.Adapters.Telegram.Enabled {
		tg := telegram.New(cfg.Adapters.Telegram, registry, db.Directory(), orch.Queue(), clk)
		if err := orch.Adapters().Register(tg); err != nil {
			return nil, fmt.Errorf("registering telegram adapter: %w", err)
		}

		if cfg.Adapters.Telegram.WebhookAddr != "" {
			secret := cfg.Adapters.Telegram.WebhookSecret
			if secret == "" {
				var err error
				secret, err = newWebhookSecret()
				if err != nil {
					return nil, fmt.Errorf("generating webhook secret: %w", err)
				}
				if path := configFilePath(); path != "" {
					if err := config.SaveWebhookSecret(path, secret); err != nil {
						log.Warn(log.CatDaemon, "could not persist webhook secret", "error", err)
					} else {
						log.Info(log.CatDaemon, "generated webhook secret", "config", path)
					}
				}
			}
			var err error
			whServer, err = webhooks.NewServer(cfg.Adapters.Telegram.WebhookAddr, secret, tg)
			if err != nil {
				return nil, fmt.Errorf("creating webhook listener: %w", err)
			}
		}
	}

	if cfg.Adapters.Discord.Enabled {
		dc := discord.New(cfg.Adapters.Discord, registry, db.Directory(), orch.Queue(), clk)
		if err := orch.Adapters().Register(dc); err != nil {
			return nil, fmt.Errorf("registering discord adapter: %w", err)
		}
	}

	if cfg.Adapters.WebUI.Enabled {
		if err := orch.Adapters().Register(webui.New(cfg.Adapters.WebUI, orch.Queue())); err != nil {
			return nil, fmt.Errorf("registering webui adapter: %w", err)
		}
	}

	if cfg.Peer.ListenAddr != "" || len(cfg.Peer.Peers) > 0 {
		if err := orch.Adapters().Register(peer.New(cfg.Peer, cfg.ComputerName, registry)); err != nil {
			return nil, fmt.Errorf("registering peer adapter: %w", err)
		}
	}

	return whServer, nil
}

func newWebhookSecret() (string, error) {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}
