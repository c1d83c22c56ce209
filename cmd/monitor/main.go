// Command monitor watches a Claude Code home directory for session activity
// and ships a privacy-filtered event stream to a Hub. Grounded on
// mrf-agent-racer/backend/cmd/server/main.go's wiring style (flags, config
// load, component construction, signal-driven shutdown) adapted from a
// single self-hosted server to a publisher whose only outbound connection is
// the Uplink.
package main

import (
	"context"
	"crypto/ed25519"
	"encoding/base64"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	zlog "github.com/rs/zerolog/log"
	"github.com/vibetea/vibetea/internal/buffer"
	"github.com/vibetea/vibetea/internal/config"
	"github.com/vibetea/vibetea/internal/envelope"
	"github.com/vibetea/vibetea/internal/privacy"
	"github.com/vibetea/vibetea/internal/uplink"
	"github.com/vibetea/vibetea/internal/watcher"
)

const drainTimeout = 5 * time.Second

const keyFileName = "monitor.key"

func main() {
	configPath := flag.String("config", "", "Path to config file (defaults to the XDG config directory)")
	verbose := flag.Bool("verbose", false, "Enable debug logging")
	flag.Parse()

	setupLogging(*verbose)

	cfgPath := *configPath
	if cfgPath == "" {
		cfgPath = config.DefaultConfigPath()
	}
	cfg, err := config.LoadMonitor(cfgPath)
	if err != nil {
		zlog.Fatal().Err(err).Msg("failed to load config")
	}
	if cfg.ServerURL == "" {
		zlog.Fatal().Msg("server_url is required")
	}

	seed, pub, err := loadOrCreateSeed(cfg.KeyPath, cfg.PrivateKeyB64)
	if err != nil {
		zlog.Fatal().Err(err).Msg("failed to load or create signing key")
	}
	zlog.Info().
		Str("source_id", cfg.SourceID).
		Str("public_key", base64.StdEncoding.EncodeToString(pub)).
		Msg("monitor identity; register this public key with the Hub operator")

	filter := &privacy.Filter{BasenameAllowlist: cfg.BasenameAllowlist}
	buf := buffer.New(cfg.BufferSize)

	emit := func(e envelope.Envelope) {
		if buf.Push(e) {
			zlog.Warn().Int("capacity", cfg.BufferSize).Msg("uplink buffer at 80% capacity, Hub may be slow or unreachable")
		}
	}

	w := watcher.New(cfg.WatchRoot, cfg.SourceID, filter, emit)
	w.Log = zlog.Logger

	up := uplink.New(cfg.ServerURL, cfg.SourceID, buf, seed)
	up.Log = zlog.Logger

	ctx, cancel := context.WithCancel(context.Background())

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		if err := w.Run(ctx); err != nil {
			zlog.Error().Err(err).Msg("watcher stopped")
		}
	}()
	go func() {
		defer wg.Done()
		if err := up.Run(ctx, drainTimeout); err != nil {
			if errors.Is(err, uplink.ErrUnauthorized) {
				zlog.Error().Err(err).Msg("uplink rejected as unauthorized, shutting down")
				cancel()
				os.Exit(1)
			}
			zlog.Error().Err(err).Msg("uplink stopped")
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	zlog.Info().Msg("shutting down, draining uplink buffer")
	cancel()
	wg.Wait()
}

func setupLogging(verbose bool) {
	zerolog.SetGlobalLevel(zerolog.InfoLevel)
	if verbose {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	}
	zlog.Logger = zlog.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen})
}

// loadOrCreateSeed resolves the Ed25519 seed used to sign outgoing batches.
// privateKeyB64, when set, always wins over keyPath. Otherwise the seed is
// read from <keyPath>/monitor.key, generating and persisting a fresh keypair
// on first run.
func loadOrCreateSeed(keyPath, privateKeyB64 string) ([ed25519.SeedSize]byte, ed25519.PublicKey, error) {
	var seed [ed25519.SeedSize]byte

	if privateKeyB64 != "" {
		raw, err := base64.StdEncoding.DecodeString(privateKeyB64)
		if err != nil {
			return seed, nil, fmt.Errorf("private_key_b64: %w", err)
		}
		if len(raw) != ed25519.SeedSize {
			return seed, nil, fmt.Errorf("private_key_b64: expected %d bytes, got %d", ed25519.SeedSize, len(raw))
		}
		copy(seed[:], raw)
		pub := ed25519.NewKeyFromSeed(seed[:]).Public().(ed25519.PublicKey)
		return seed, pub, nil
	}

	if keyPath == "" {
		return seed, nil, fmt.Errorf("key_path must be set when private_key_b64 is not")
	}
	keyFile := filepath.Join(keyPath, keyFileName)

	data, err := os.ReadFile(keyFile)
	if err == nil {
		raw, decErr := base64.StdEncoding.DecodeString(string(data))
		if decErr != nil || len(raw) != ed25519.SeedSize {
			return seed, nil, fmt.Errorf("key_path: malformed key file %s", keyFile)
		}
		copy(seed[:], raw)
		pub := ed25519.NewKeyFromSeed(seed[:]).Public().(ed25519.PublicKey)
		return seed, pub, nil
	}
	if !os.IsNotExist(err) {
		return seed, nil, fmt.Errorf("key_path: read %s: %w", keyFile, err)
	}

	pub, priv, err := ed25519.GenerateKey(nil)
	if err != nil {
		return seed, nil, fmt.Errorf("generate key: %w", err)
	}
	copy(seed[:], priv.Seed())

	if err := os.MkdirAll(keyPath, 0o700); err != nil {
		return seed, nil, fmt.Errorf("key_path: mkdir %s: %w", keyPath, err)
	}
	encoded := base64.StdEncoding.EncodeToString(seed[:])
	if err := os.WriteFile(keyFile, []byte(encoded), 0o600); err != nil {
		return seed, nil, fmt.Errorf("key_path: write %s: %w", keyFile, err)
	}
	return seed, pub, nil
}
