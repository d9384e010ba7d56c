package serve

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/tinyland-inc/keyrelay/pkg/config"
	"github.com/tinyland-inc/keyrelay/pkg/dispatch"
	"github.com/tinyland-inc/keyrelay/pkg/exchange"
	"github.com/tinyland-inc/keyrelay/pkg/gateway"
	"github.com/tinyland-inc/keyrelay/pkg/logging"
	"github.com/tinyland-inc/keyrelay/pkg/presence"
	"github.com/tinyland-inc/keyrelay/pkg/push"
	"github.com/tinyland-inc/keyrelay/pkg/tokens"
)

func serveCmd(configPath string, debug bool) error {
	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	level := cfg.Log.Level
	if debug {
		level = "debug"
	}
	log := logging.New(level, cfg.Log.Pretty)

	sessionDir := presence.NewDirectory()
	tokenDir := tokens.NewDirectory()

	var provider dispatch.Provider
	if cfg.Push.Enabled {
		provider = push.NewClient(push.Config{
			BaseURL: cfg.Push.BaseURL,
			APIKey:  cfg.Push.APIKey,
			Timeout: cfg.PushTimeout(),
		})
		log.Info().Str("relay", cfg.Push.BaseURL).Msg("push relay enabled")
	} else {
		log.Warn().Msg("push relay disabled; offline recipients will not be woken")
	}

	dispatcher := dispatch.NewDispatcher(sessionDir, tokenDir, provider, cfg.PushTimeout(), log)
	registry := exchange.NewRegistry(dispatcher, log,
		exchange.WithTTL(cfg.TTL()),
		exchange.WithRetention(cfg.Retention()),
	)
	sweeper := exchange.NewSweeper(registry, cfg.SweepInterval(), cfg.Exchange.GCSchedule, log)
	gw := gateway.New(cfg.ListenAddr(), registry, tokenDir, sessionDir, log)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go sweeper.Run(ctx)

	errCh := make(chan error, 1)
	go func() {
		errCh <- gw.Start()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("gateway: %w", err)
		}
		return nil
	case sig := <-sigCh:
		log.Info().Str("signal", sig.String()).Msg("shutting down")
	}

	cancel()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := gw.Stop(shutdownCtx); err != nil {
		return fmt.Errorf("gateway shutdown: %w", err)
	}
	log.Info().Msg("gateway stopped")
	return nil
}
