// Command stepcastd runs the agent step-stream gateway: a REST control
// plane for session lifecycle and one WebSocket streaming channel per
// session. The demo build wires a scripted echo agent behind the gateway;
// production deployments supply their own agent factory.
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

	"github.com/spf13/viper"
	"goa.design/clue/log"
	"golang.org/x/sync/errgroup"

	"github.com/stepcast/stepcast/agent"
	"github.com/stepcast/stepcast/agent/agenttest"
	"github.com/stepcast/stepcast/api"
	"github.com/stepcast/stepcast/session"
)

type config struct {
	Addr            string        `mapstructure:"addr"`
	HistoryCapacity int           `mapstructure:"history_capacity"`
	IdleTimeout     time.Duration `mapstructure:"idle_timeout"`
	ReapInterval    time.Duration `mapstructure:"reap_interval"`
	Debug           bool          `mapstructure:"debug"`
}

func loadConfig() (config, error) {
	v := viper.New()
	v.SetDefault("addr", ":8080")
	v.SetDefault("history_capacity", 500)
	v.SetDefault("idle_timeout", session.DefaultIdleTimeout)
	v.SetDefault("reap_interval", session.DefaultReapInterval)
	v.SetDefault("debug", false)
	v.SetEnvPrefix("STEPCAST")
	v.AutomaticEnv()
	v.SetConfigName("stepcastd")
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/stepcast")
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return config{}, fmt.Errorf("read config: %w", err)
		}
	}
	var cfg config
	if err := v.Unmarshal(&cfg); err != nil {
		return config{}, fmt.Errorf("unmarshal config: %w", err)
	}
	return cfg, nil
}

func main() {
	cfg, err := loadConfig()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	format := log.FormatJSON
	if cfg.Debug {
		format = log.FormatTerminal
	}
	ctx := log.Context(context.Background(), log.WithFormat(format))
	if cfg.Debug {
		ctx = log.Context(ctx, log.WithDebug())
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Demo factory: every agent type resolves to a scripted echo agent.
	// Replace with a factory that builds real agents per type.
	factory := func(agentType string, maxSteps int) (agent.Agent, error) {
		return agenttest.Echo{}, nil
	}

	mgr := session.NewManager(ctx, factory, session.Options{
		HistoryCapacity: cfg.HistoryCapacity,
		IdleTimeout:     cfg.IdleTimeout,
		ReapInterval:    cfg.ReapInterval,
	})

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           api.New(mgr).Handler(ctx),
		ReadHeaderTimeout: 60 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Printf(ctx, "HTTP server listening on %q", cfg.Addr)
		if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Printf(ctx, "shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
		defer cancel()
		err := srv.Shutdown(shutdownCtx)
		mgr.Shutdown(shutdownCtx)
		return err
	})
	if err := g.Wait(); err != nil {
		log.Fatal(ctx, err)
	}
}
