package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/tiflis-io/tiflis-hub/internal/agent"
	"github.com/tiflis-io/tiflis-hub/internal/auth"
	"github.com/tiflis-io/tiflis-hub/internal/backend"
	"github.com/tiflis-io/tiflis-hub/internal/catalog"
	"github.com/tiflis-io/tiflis-hub/internal/config"
	"github.com/tiflis-io/tiflis-hub/internal/history"
	"github.com/tiflis-io/tiflis-hub/internal/hub"
	"github.com/tiflis-io/tiflis-hub/internal/logging"
	"github.com/tiflis-io/tiflis-hub/internal/retry"
	"github.com/tiflis-io/tiflis-hub/internal/server"
	"github.com/tiflis-io/tiflis-hub/internal/speech"
	"github.com/tiflis-io/tiflis-hub/internal/terminal"
)

const stopTimeout = 10 * time.Second

func newServeCmd() *cobra.Command {
	var cfgPath string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the hub",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(cfgPath)
			if err != nil {
				return err
			}
			logging.Setup(cfg.Log.Level, cfg.Log.Format)

			if err := cfg.EnsureDataDir(); err != nil {
				return err
			}

			return runServe(cmd.Context(), cfg)
		},
	}

	cmd.Flags().StringVarP(&cfgPath, "config", "c", "", "path to config file")
	return cmd
}

func runServe(ctx context.Context, cfg *config.Config) error {
	verifier, err := newVerifier(cfg)
	if err != nil {
		return err
	}

	workspaces := make([]catalog.Workspace, 0, len(cfg.Workspaces))
	for _, w := range cfg.Workspaces {
		workspaces = append(workspaces, catalog.Workspace{Name: w.Name, Path: w.Path})
	}
	cat, err := catalog.Load(cfg.Agents.File, workspaces)
	if err != nil {
		return err
	}

	store, err := history.Open(cfg.DBPath())
	if err != nil {
		return err
	}

	events := make(chan backend.Event, 256)
	agents := agent.NewBackend(events, store)
	terminals := terminal.NewBackend(events, "")

	var speechClient *speech.Client
	var audio *speech.Cache
	if cfg.Speech.STTURL != "" || cfg.Speech.TTSURL != "" {
		speechClient = speech.NewClient(speech.Config{
			STTURL:  cfg.Speech.STTURL,
			TTSURL:  cfg.Speech.TTSURL,
			Voice:   cfg.Speech.Voice,
			Speed:   cfg.Speech.Speed,
			Timeout: cfg.Speech.Timeout,
			Retry:   retry.DefaultConfig(),
		})
		audio = speech.NewCache(cfg.Speech.CacheTTL)
	}

	h, err := hub.New(hub.Config{
		SupervisorAgent: cfg.Supervisor.Agent,
		SupervisorDir:   cfg.Supervisor.WorkingDir,
		AckTimeout:      cfg.Ack.Timeout,
		Synthesize:      cfg.Speech.Synthesize,
	}, hub.Deps{
		Catalog:   cat,
		Store:     store,
		Speech:    speechClient,
		Audio:     audio,
		Agents:    agents,
		Terminals: terminals,
		Events:    events,
	})
	if err != nil {
		store.Close()
		return err
	}
	go h.Run()

	srv := server.New(cfg, server.Deps{Hub: h, Verifier: verifier, Audio: audio})

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	go func() {
		<-ctx.Done()
		slog.Info("shutting down")
		stopCtx, cancel := context.WithTimeout(context.Background(), stopTimeout)
		defer cancel()
		if err := srv.Stop(stopCtx); err != nil {
			slog.Warn("http shutdown failed", "error", err)
		}
	}()

	err = srv.Start()

	// The listener is down; drain the hub before the store goes away.
	h.Shutdown()
	if audio != nil {
		audio.Shutdown()
	}
	if cerr := store.Close(); cerr != nil {
		slog.Warn("could not close history store", "error", cerr)
	}

	return err
}

func newVerifier(cfg *config.Config) (auth.Verifier, error) {
	switch cfg.Auth.Mode {
	case "secret":
		return auth.NewSecretVerifier(cfg.Auth.Secret), nil
	case "jwks":
		return auth.NewJWKSVerifier(cfg.Auth.JWKSURL, cfg.Auth.Issuer, cfg.Auth.Audience)
	default:
		return nil, fmt.Errorf("unsupported auth mode %q", cfg.Auth.Mode)
	}
}
