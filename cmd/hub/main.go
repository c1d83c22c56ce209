// Command hub is the central aggregation point: it accepts signed event
// batches from Monitors over POST /events, fans matched envelopes out to
// WebSocket subscribers on GET /ws, and answers GET /health. Grounded on
// mrf-agent-racer/backend/cmd/server/main.go's wiring style, adapted from a
// single in-process dashboard server to an ingest/broadcast split backed by
// a shared Broker.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	zlog "github.com/rs/zerolog/log"
	"github.com/vibetea/vibetea/internal/broker"
	"github.com/vibetea/vibetea/internal/config"
	"github.com/vibetea/vibetea/internal/gateway"
	"github.com/vibetea/vibetea/internal/ingress"
	"github.com/vibetea/vibetea/internal/registry"
)

const shutdownGrace = 5 * time.Second

var startedAt time.Time

func main() {
	configPath := flag.String("config", "", "Path to config file (defaults to the XDG config directory)")
	listen := flag.String("listen", "", "Override the listen address")
	verbose := flag.Bool("verbose", false, "Enable debug logging")
	flag.Parse()

	setupLogging(*verbose)
	startedAt = time.Now()

	cfgPath := *configPath
	if cfgPath == "" {
		cfgPath = config.DefaultConfigPath()
	}
	cfg, err := config.LoadHub(cfgPath)
	if err != nil {
		zlog.Fatal().Err(err).Msg("failed to load config")
	}
	if *listen != "" {
		cfg.Listen = *listen
	}
	if !cfg.UnsafeNoAuth && len(cfg.PublisherKeys) == 0 && cfg.PublisherKeysURL == "" {
		zlog.Fatal().Msg("publisher_keys or publisher_keys_url is required unless unsafe_no_auth is set")
	}

	provider, err := buildProvider(cfg)
	if err != nil {
		zlog.Fatal().Err(err).Msg("failed to build publisher registry provider")
	}
	reg, err := registry.New(provider, zlog.Logger)
	if err != nil {
		zlog.Fatal().Err(err).Msg("failed to load publisher registry")
	}

	mailboxSize := cfg.SubscriberMailbox
	if mailboxSize <= 0 {
		mailboxSize = broker.DefaultMailboxSize
	}
	dropThreshold := cfg.DropThreshold
	if dropThreshold <= 0 {
		dropThreshold = broker.DefaultDropThreshold
	}
	brk := broker.New(mailboxSize, dropThreshold)

	if cfg.UnsafeNoAuth {
		zlog.Warn().Msg("unsafe_no_auth is set: publisher signature verification and registry lookup are disabled")
	}
	ing := ingress.New(reg, brk, cfg.UnsafeNoAuth, zlog.Logger)
	gw := gateway.New(brk, cfg.SubscriberToken, zlog.Logger)

	registryStop := make(chan struct{})
	go reg.Run(registryStop)

	mux := http.NewServeMux()
	mux.Handle("/events", ing)
	mux.Handle("/ws", gw)
	mux.HandleFunc("/health", healthHandler(brk, reg))

	srv := &http.Server{Addr: cfg.Listen, Handler: mux}

	go func() {
		zlog.Info().Str("listen", cfg.Listen).Msg("hub listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			zlog.Fatal().Err(err).Msg("hub server error")
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	zlog.Info().Msg("shutting down")
	close(registryStop)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		zlog.Warn().Err(err).Msg("error during graceful shutdown")
	}
}

func buildProvider(cfg config.HubConfig) (registry.Provider, error) {
	if cfg.PublisherKeysURL != "" {
		return registry.NewHTTPProvider(cfg.PublisherKeysURL), nil
	}
	keys, err := registry.DecodeStaticKeys(cfg.PublisherKeys)
	if err != nil {
		return nil, err
	}
	return registry.StaticProvider(keys), nil
}

type healthBody struct {
	Status      string `json:"status"`
	UptimeSecs  int64  `json:"uptime_seconds"`
	Subscribers int    `json:"subscribers"`
	Publishers  int    `json:"publishers"`
}

func healthHandler(brk *broker.Broker, reg *registry.Registry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(healthBody{
			Status:      "ok",
			UptimeSecs:  int64(time.Since(startedAt).Seconds()),
			Subscribers: brk.SubscriberCount(),
			Publishers:  reg.Count(),
		})
	}
}

func setupLogging(verbose bool) {
	zerolog.SetGlobalLevel(zerolog.InfoLevel)
	if verbose {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	}
	zlog.Logger = zlog.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen})
}
