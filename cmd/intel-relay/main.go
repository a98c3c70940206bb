package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/PabloGalante/intel-relay/internal/adapters/discord"
	httpadapter "github.com/PabloGalante/intel-relay/internal/adapters/http"
	"github.com/PabloGalante/intel-relay/internal/adapters/present"
	"github.com/PabloGalante/intel-relay/internal/app/conversation"
	"github.com/PabloGalante/intel-relay/internal/config"
	"github.com/PabloGalante/intel-relay/internal/observability"
)

const shutdownTimeout = 30 * time.Second

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var configPath string

	root := &cobra.Command{
		Use:           "intel-relay",
		Short:         "Chat assistant gateway with per-user memory and rate limits",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&configPath, "config", "", "path to a YAML config file (default $RELAY_CONFIG)")

	root.AddCommand(&cobra.Command{
		Use:   "serve",
		Short: "Run the enabled gateways until interrupted",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			return serve(cmd.Context(), cfg)
		},
	})

	root.AddCommand(&cobra.Command{
		Use:   "config",
		Short: "Print the effective configuration with secrets redacted",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			out, err := cfg.Redacted().YAML()
			if err != nil {
				return err
			}
			_, err = cmd.OutOrStdout().Write(out)
			return err
		},
	})

	return root
}

func serve(parent context.Context, cfg *config.Config) error {
	if parent == nil {
		parent = context.Background()
	}
	if err := observability.SetLevel(cfg.LogLevel); err != nil {
		return err
	}
	log := observability.WithFields("component", "main")

	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	model, err := buildModel(ctx, cfg)
	if err != nil {
		return err
	}
	store, closeStore, err := buildStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeStore()
	searcher, err := buildSearcher(cfg)
	if err != nil {
		return err
	}
	limiter, closeLimiter, err := buildLimiter(cfg)
	if err != nil {
		return err
	}
	defer closeLimiter()

	svc := conversation.NewService(model, store, limiter, conversation.Options{
		ModelName:            cfg.Model.Name,
		ModelTimeout:         cfg.Model.Timeout,
		ModelAttempts:        cfg.Model.Attempts,
		RetryInitialInterval: cfg.Model.RetryInterval,
		TTL:                  cfg.Session.TTL,
		Admins:               admins(cfg.Admins),
		Searcher:             searcher,
	})
	renderer := present.NewRenderer(cfg.BotName, cfg.Discord.Prefix)

	sweeper := conversation.NewSweeper(store, limiter, cfg.Session.SweepInterval)
	if err := sweeper.Start(ctx); err != nil {
		return err
	}
	defer sweeper.Stop()

	log.Info("intel relay starting",
		"mode", cfg.Mode,
		"model_provider", cfg.Model.Provider,
		"model", cfg.Model.Name,
		"storage", cfg.Storage.Backend,
		"rate_limit", cfg.RateLimit.Backend,
	)

	eg, egCtx := errgroup.WithContext(ctx)

	if cfg.HTTP.Enabled {
		server := &http.Server{
			Addr: cfg.HTTP.Addr,
			Handler: httpadapter.NewServer(svc, renderer, httpadapter.Options{
				APIToken:     cfg.HTTP.APIToken,
				MaxBodyBytes: cfg.HTTP.MaxBodyBytes,
			}),
			ReadHeaderTimeout: 5 * time.Second,
		}
		eg.Go(func() error {
			log.Info("http gateway listening", "addr", cfg.HTTP.Addr)
			if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("http gateway: %w", err)
			}
			return nil
		})
		eg.Go(func() error {
			<-egCtx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			return server.Shutdown(shutdownCtx)
		})
	}

	if cfg.Discord.Enabled {
		gw, err := discord.NewGateway(cfg.Discord.Token, svc, renderer, discord.Options{
			Prefix:             cfg.Discord.Prefix,
			MaxAttachmentBytes: cfg.Discord.MaxAttachmentBytes,
		})
		if err != nil {
			return err
		}
		eg.Go(func() error { return gw.Run(egCtx) })
	}

	err = eg.Wait()
	log.Info("intel relay stopped")
	return err
}
