// Package registry implements the Hub's publisher registry: the mapping
// from a publisher's source id to its Ed25519 public key, loaded at startup
// and refreshed from an external provider on a fixed cadence with fallback
// to the last known good set. Grounded on the teacher's config package
// pattern of a mutex-guarded in-memory map refreshed by a background
// goroutine (see brianly1003-cdev/internal/config's hot-reload watcher),
// adapted here from file-watch-triggered reload to a timer-driven pull.
package registry

import (
	"crypto/ed25519"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// DefaultRefreshInterval is the cadence at which Registry refreshes the
// publisher key set from its Provider, per spec §3.
const DefaultRefreshInterval = 30 * time.Second

// Provider fetches the current source -> public key mapping from wherever
// it is authoritatively stored (a static config map, a URL, a secrets
// store). A Provider that always returns the same map is a valid,
// degenerate implementation for unsafe/static configurations.
type Provider interface {
	Fetch() (map[string]ed25519.PublicKey, error)
}

// StaticProvider returns a fixed map unconditionally; used when
// publisher_keys in configuration is a literal map rather than a URL.
type StaticProvider map[string]ed25519.PublicKey

func (p StaticProvider) Fetch() (map[string]ed25519.PublicKey, error) {
	return map[string]ed25519.PublicKey(p), nil
}

// Registry holds the current publisher key set and refreshes it in the
// background. On refresh failure it keeps serving the last known good set.
type Registry struct {
	provider Provider
	interval time.Duration
	log      zerolog.Logger

	mu   sync.RWMutex
	keys map[string]ed25519.PublicKey
}

// New loads the initial key set synchronously from provider. A failure here
// is a startup configuration error, per spec §7.
func New(provider Provider, log zerolog.Logger) (*Registry, error) {
	keys, err := provider.Fetch()
	if err != nil {
		return nil, fmt.Errorf("registry: initial fetch: %w", err)
	}
	return &Registry{
		provider: provider,
		interval: DefaultRefreshInterval,
		log:      log,
		keys:     keys,
	}, nil
}

// Lookup returns the public key registered for source, if any.
func (r *Registry) Lookup(source string) (ed25519.PublicKey, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	key, ok := r.keys[source]
	return key, ok
}

// Count returns the number of publishers currently registered, for the
// Hub's /health endpoint.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.keys)
}

// Run refreshes the key set every refresh interval until stop is closed.
func (r *Registry) Run(stop <-chan struct{}) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			r.refresh()
		}
	}
}

func (r *Registry) refresh() {
	keys, err := r.provider.Fetch()
	if err != nil {
		r.log.Warn().Err(err).Msg("publisher registry refresh failed, keeping last known good set")
		return
	}
	r.mu.Lock()
	r.keys = keys
	r.mu.Unlock()
}

// DecodeStaticKeys converts a source -> base64-encoded-public-key map, the
// shape configuration hands over for a literal publisher_keys table, into
// the map Provider implementations and Registry deal in.
func DecodeStaticKeys(encoded map[string]string) (map[string]ed25519.PublicKey, error) {
	keys := make(map[string]ed25519.PublicKey, len(encoded))
	for source, b64 := range encoded {
		raw, err := base64.StdEncoding.DecodeString(b64)
		if err != nil {
			return nil, fmt.Errorf("registry: public key for %q: %w", source, err)
		}
		if len(raw) != ed25519.PublicKeySize {
			return nil, fmt.Errorf("registry: public key for %q: expected %d bytes, got %d", source, ed25519.PublicKeySize, len(raw))
		}
		keys[source] = ed25519.PublicKey(raw)
	}
	return keys, nil
}

// HTTPProvider fetches the source -> public key map as JSON from a URL,
// per spec §6's "publisher_keys ... or a URL to fetch it". The response body
// is the same source -> base64-public-key shape as the static configuration
// form.
type HTTPProvider struct {
	URL    string
	Client *http.Client
}

// NewHTTPProvider constructs an HTTPProvider with a bounded-timeout client.
func NewHTTPProvider(url string) *HTTPProvider {
	return &HTTPProvider{URL: url, Client: &http.Client{Timeout: 10 * time.Second}}
}

func (p *HTTPProvider) Fetch() (map[string]ed25519.PublicKey, error) {
	resp, err := p.Client.Get(p.URL)
	if err != nil {
		return nil, fmt.Errorf("registry: fetch %s: %w", p.URL, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("registry: fetch %s: status %d", p.URL, resp.StatusCode)
	}

	var encoded map[string]string
	if err := json.NewDecoder(resp.Body).Decode(&encoded); err != nil {
		return nil, fmt.Errorf("registry: decode response from %s: %w", p.URL, err)
	}
	return DecodeStaticKeys(encoded)
}
