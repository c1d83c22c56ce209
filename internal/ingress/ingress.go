// Package ingress implements the Hub's publisher-facing HTTP endpoint:
// POST /events. Grounded on brianly1003-cdev/internal/server/http's
// handler style (a struct holding its collaborators, one method per route,
// explicit status-code branches) generalized from repository CRUD handlers
// to envelope batch ingestion, signature verification, and two-bucket
// rate limiting.
package ingress

import (
	"crypto/ed25519"
	"encoding/base64"
	"encoding/json"
	"io"
	"net/http"
	"strconv"

	"github.com/rs/zerolog"
	"github.com/vibetea/vibetea/internal/broker"
	"github.com/vibetea/vibetea/internal/envelope"
	"github.com/vibetea/vibetea/internal/registry"
)

// MaxBatchSize is the largest array of envelopes accepted in one request,
// per spec §4.5.
const MaxBatchSize = 1000

// MaxBodyBytes bounds the request body read, independent of the per-batch
// envelope count, to keep an oversized request from exhausting memory
// before the count check even runs.
const MaxBodyBytes = 4 * 1024 * 1024

// Handler serves POST /events.
type Handler struct {
	Registry     *registry.Registry
	Broker       *broker.Broker
	UnsafeNoAuth bool
	Log          zerolog.Logger

	limiter *limiterSet
}

// New constructs a Handler with the Hub's default rate-limit buckets.
func New(reg *registry.Registry, brk *broker.Broker, unsafeNoAuth bool, log zerolog.Logger) *Handler {
	return &Handler{
		Registry:     reg,
		Broker:       brk,
		UnsafeNoAuth: unsafeNoAuth,
		Log:          log,
		limiter:      newLimiterSet(DefaultPerSourceRate, DefaultPerSourceBurst, DefaultGlobalRate, DefaultGlobalBurst),
	}
}

type errorBody struct {
	Error string `json:"error"`
}

func writeError(w http.ResponseWriter, status int, code string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(errorBody{Error: code})
}

// ServeHTTP implements the full ordered validation pipeline from spec §4.5.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "invalid_request")
		return
	}

	sourceID := r.Header.Get("X-Source-ID")
	sigHeader := r.Header.Get("X-Signature")

	if !h.UnsafeNoAuth {
		if sourceID == "" || sigHeader == "" {
			writeError(w, http.StatusUnauthorized, "missing_auth")
			return
		}
	}

	// Step 1: read the body into a contiguous buffer before any validation,
	// so signature verification covers the exact bytes received.
	body, err := io.ReadAll(io.LimitReader(r.Body, MaxBodyBytes+1))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request")
		return
	}
	if len(body) > MaxBodyBytes {
		writeError(w, http.StatusBadRequest, "invalid_request")
		return
	}

	if !h.UnsafeNoAuth {
		// Step 2: look up the publisher's key.
		pub, ok := h.Registry.Lookup(sourceID)
		if !ok {
			writeError(w, http.StatusUnauthorized, "unknown_source")
			return
		}

		// Step 3: verify the signature over the exact body bytes.
		sig, err := base64.StdEncoding.DecodeString(sigHeader)
		if err != nil || len(sig) != ed25519.SignatureSize {
			writeError(w, http.StatusUnauthorized, "invalid_signature")
			return
		}
		if !ed25519.Verify(pub, body, sig) {
			writeError(w, http.StatusUnauthorized, "invalid_signature")
			return
		}
	}

	// Step 4: parse the array.
	var batch []envelope.Envelope
	if err := json.Unmarshal(body, &batch); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request")
		return
	}
	if len(batch) == 0 || len(batch) > MaxBatchSize {
		writeError(w, http.StatusBadRequest, "invalid_request")
		return
	}
	for _, e := range batch {
		if err := e.Validate(); err != nil {
			writeError(w, http.StatusUnprocessableEntity, "invalid_event")
			return
		}
	}

	// Step 5: source-match check, skipped in unsafe mode (there is no
	// authenticated X-Source-ID to compare against).
	if !h.UnsafeNoAuth {
		for _, e := range batch {
			if e.Source != sourceID {
				writeError(w, http.StatusUnprocessableEntity, "source_mismatch")
				return
			}
		}
	}

	// Step 6: rate limit, atomically, against both buckets. The limiter key
	// is the authenticated source id in normal mode, or the envelope's own
	// claimed source in unsafe mode (there is no authenticated identity to
	// key on otherwise, and the global bucket still bounds total throughput
	// regardless).
	limitKey := sourceID
	if limitKey == "" && len(batch) > 0 {
		limitKey = batch[0].Source
	}
	ok, retryAfter := h.limiter.allow(limitKey, len(batch))
	if !ok {
		w.Header().Set("Retry-After", strconv.Itoa(int(retryAfter.Seconds())+1))
		writeError(w, http.StatusTooManyRequests, "rate_limited")
		return
	}

	// Step 7: hand off to the broker.
	for _, e := range batch {
		h.Broker.Publish(e)
	}

	if h.UnsafeNoAuth {
		h.Log.Warn().Msg("accepted batch with unsafe_no_auth enabled, signature and source registry checks skipped")
	}

	w.WriteHeader(http.StatusAccepted)
}
