// Package uplink implements the Monitor's connection to the Hub: batching
// envelopes out of the buffer, signing each batch with Ed25519, POSTing it,
// and driving a Disconnected/Connecting/Connected/Backoff/Draining state
// machine across failures. Grounded on the teacher's tui/internal/client
// HTTPClient (a thin *http.Client wrapper with a shared request-building
// helper) from mrf-agent-racer, generalized from request/response RPC into
// a retrying batch-drain loop, with backoff borrowed in spirit from
// wingedpig-trellis/pkg/client's retry handling.
package uplink

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"strconv"
	"time"

	"github.com/rs/zerolog"
	"github.com/vibetea/vibetea/internal/buffer"
	"github.com/vibetea/vibetea/internal/envelope"
)

// ErrUnauthorized is returned by send, and surfaces through Run, when the
// Hub rejects a batch with 401. Per spec §4.4 this is a configuration error
// distinct from a transient network failure: Run stops rather than backing
// off and retrying forever.
var ErrUnauthorized = errors.New("uplink: unauthorized")

// State is the Uplink's connection lifecycle, per spec §5.
type State int

const (
	Disconnected State = iota
	Connecting
	Connected
	Backoff
	Draining
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Backoff:
		return "backoff"
	case Draining:
		return "draining"
	default:
		return "unknown"
	}
}

// MaxBatchCount and MaxBatchBytes bound a single POST body, per spec §5.
const (
	MaxBatchCount = 256
	MaxBatchBytes = 64 * 1024
)

const (
	initialBackoff = 1 * time.Second
	maxBackoff     = 60 * time.Second
	backoffJitter  = 0.25
)

// Uplink drains a buffer.Buffer and delivers batches to the Hub over HTTP,
// signing each batch with an Ed25519 key derived from a 32-byte seed.
type Uplink struct {
	ServerURL string
	SourceID  string
	Buffer    *buffer.Buffer
	Seed      [ed25519.SeedSize]byte

	HTTPClient *http.Client
	Log        zerolog.Logger

	PollInterval time.Duration

	state State
}

// New constructs an Uplink. seed must be the 32-byte Ed25519 private seed.
func New(serverURL, sourceID string, buf *buffer.Buffer, seed [ed25519.SeedSize]byte) *Uplink {
	return &Uplink{
		ServerURL:    serverURL,
		SourceID:     sourceID,
		Buffer:       buf,
		Seed:         seed,
		HTTPClient:   &http.Client{Timeout: 10 * time.Second},
		PollInterval: 500 * time.Millisecond,
		state:        Disconnected,
	}
}

// sign expands the seed into a scratch private key for one signing
// operation and zeroes the scratch buffer immediately afterward, on both
// the success and error path, so the expanded key never lingers in memory
// longer than the call.
func (u *Uplink) sign(body []byte) []byte {
	key := ed25519.NewKeyFromSeed(u.Seed[:])
	defer func() {
		for i := range key {
			key[i] = 0
		}
	}()
	return ed25519.Sign(key, body)
}

// State returns the current connection state.
func (u *Uplink) State() State {
	return u.state
}

// Run drives batches from Buffer to the Hub until ctx is canceled or the Hub
// rejects a batch as unauthorized; a network or other transient failure
// requeues the batch and sends Run into backoff and retry. On cancellation it enters Draining and attempts
// one final flush bounded by drainTimeout before returning.
func (u *Uplink) Run(ctx context.Context, drainTimeout time.Duration) error {
	backoff := initialBackoff
	ticker := time.NewTicker(u.pollInterval())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			u.state = Draining
			u.drainOnShutdown(drainTimeout)
			return nil
		case <-ticker.C:
		}

		if u.Buffer.Len() == 0 {
			continue
		}

		u.state = Connecting
		batch := u.Buffer.PopBatch(MaxBatchCount, MaxBatchBytes)
		if len(batch) == 0 {
			continue
		}

		if err := u.send(ctx, batch); err != nil {
			if errors.Is(err, ErrUnauthorized) {
				u.Buffer.Requeue(batch)
				u.state = Disconnected
				u.Log.Error().Err(err).Msg("uplink unauthorized, stopping rather than retrying")
				return err
			}

			u.Buffer.Requeue(batch)
			u.state = Backoff
			u.Log.Warn().Err(err).Int("batch_size", len(batch)).Msg("uplink send failed, backing off")
			wait := jitter(backoff)
			select {
			case <-ctx.Done():
				u.state = Draining
				u.drainOnShutdown(drainTimeout)
				return nil
			case <-time.After(wait):
			}
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
			continue
		}

		u.state = Connected
		backoff = initialBackoff
	}
}

func (u *Uplink) pollInterval() time.Duration {
	if u.PollInterval <= 0 {
		return 500 * time.Millisecond
	}
	return u.PollInterval
}

// drainOnShutdown makes a best-effort attempt to flush whatever remains in
// the buffer within deadline, then gives up; envelopes still queued after
// that are simply lost on process exit, per spec §5's at-most-once delivery
// under shutdown.
func (u *Uplink) drainOnShutdown(deadline time.Duration) {
	if deadline <= 0 {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), deadline)
	defer cancel()
	for u.Buffer.Len() > 0 {
		batch := u.Buffer.PopBatch(MaxBatchCount, MaxBatchBytes)
		if len(batch) == 0 {
			return
		}
		if err := u.send(ctx, batch); err != nil {
			u.Log.Warn().Err(err).Msg("drain on shutdown failed, dropping remaining envelopes")
			return
		}
		select {
		case <-ctx.Done():
			return
		default:
		}
	}
}

// send signs and POSTs one batch. The signature covers the exact bytes sent
// on the wire: body is serialized once and reused for both the signature
// and the request, so the Hub verifies precisely what it receives.
func (u *Uplink) send(ctx context.Context, batch []envelope.Envelope) error {
	body, err := json.Marshal(batch)
	if err != nil {
		return fmt.Errorf("uplink: marshal batch: %w", err)
	}

	sig := u.sign(body)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u.ServerURL+"/events", bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Source-ID", u.SourceID)
	req.Header.Set("X-Signature", base64.StdEncoding.EncodeToString(sig))

	resp, err := u.HTTPClient.Do(req)
	if err != nil {
		return fmt.Errorf("uplink: request: %w", err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusAccepted:
		return nil
	case http.StatusUnauthorized:
		respBody, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("%w: %s", ErrUnauthorized, string(respBody))
	case http.StatusTooManyRequests:
		wait := parseRetryAfter(resp.Header.Get("Retry-After"))
		if wait > 0 {
			time.Sleep(wait)
		}
		return fmt.Errorf("uplink: rate limited")
	default:
		respBody, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("uplink: unexpected status %d: %s", resp.StatusCode, string(respBody))
	}
}

func parseRetryAfter(v string) time.Duration {
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil {
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil {
		return time.Until(t)
	}
	return 0
}

// jitter applies +/-25% randomization to d, per spec §5's jittered backoff.
func jitter(d time.Duration) time.Duration {
	delta := float64(d) * backoffJitter
	offset := (rand.Float64()*2 - 1) * delta
	return time.Duration(float64(d) + offset)
}
