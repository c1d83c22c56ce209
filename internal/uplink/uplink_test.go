package uplink

import (
	"context"
	"crypto/ed25519"
	"encoding/base64"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/vibetea/vibetea/internal/buffer"
	"github.com/vibetea/vibetea/internal/envelope"
)

func testSeed(t *testing.T) [ed25519.SeedSize]byte {
	t.Helper()
	pub, priv, err := ed25519.GenerateKey(nil)
	if err != nil {
		t.Fatal(err)
	}
	var seed [ed25519.SeedSize]byte
	copy(seed[:], priv.Seed())
	_ = pub
	return seed
}

func testEnvelope() envelope.Envelope {
	return envelope.New("host-a", envelope.TypeActivity, envelope.Payload{
		SessionID: "00000000-0000-0000-0000-000000000001",
	})
}

func TestSendSignsExactBodyBytes(t *testing.T) {
	seed := testSeed(t)
	pub := ed25519.NewKeyFromSeed(seed[:]).Public().(ed25519.PublicKey)

	var received []byte
	var sig string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		received = body
		sig = r.Header.Get("X-Signature")
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	buf := buffer.New(10)
	u := New(srv.URL, "host-a", buf, seed)

	env := testEnvelope()
	if err := u.send(context.Background(), []envelope.Envelope{env}); err != nil {
		t.Fatalf("send: %v", err)
	}

	sigBytes, err := base64.StdEncoding.DecodeString(sig)
	if err != nil {
		t.Fatalf("decode signature: %v", err)
	}
	if !ed25519.Verify(pub, received, sigBytes) {
		t.Fatal("signature does not verify over the exact body bytes received")
	}
}

func TestSendOnAcceptedClearsNoRequeue(t *testing.T) {
	seed := testSeed(t)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	buf := buffer.New(10)
	u := New(srv.URL, "host-a", buf, seed)
	if err := u.send(context.Background(), []envelope.Envelope{testEnvelope()}); err != nil {
		t.Fatalf("send: %v", err)
	}
}

func TestSendRateLimitedReturnsError(t *testing.T) {
	seed := testSeed(t)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "0")
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	buf := buffer.New(10)
	u := New(srv.URL, "host-a", buf, seed)
	if err := u.send(context.Background(), []envelope.Envelope{testEnvelope()}); err == nil {
		t.Fatal("expected error on 429")
	}
}

func TestSendUnauthorizedReturnsError(t *testing.T) {
	seed := testSeed(t)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	buf := buffer.New(10)
	u := New(srv.URL, "host-a", buf, seed)
	err := u.send(context.Background(), []envelope.Envelope{testEnvelope()})
	if err == nil {
		t.Fatal("expected error on 401")
	}
	if !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected errors.Is(err, ErrUnauthorized), got %v", err)
	}
}

func TestRunHaltsOnUnauthorizedRatherThanLooping(t *testing.T) {
	seed := testSeed(t)

	var mu sync.Mutex
	attempts := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		attempts++
		mu.Unlock()
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	buf := buffer.New(10)
	buf.Push(testEnvelope())

	u := New(srv.URL, "host-a", buf, seed)
	u.PollInterval = 5 * time.Millisecond

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- u.Run(ctx, 0) }()

	select {
	case err := <-done:
		if !errors.Is(err, ErrUnauthorized) {
			t.Fatalf("expected Run to return ErrUnauthorized, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Run did not halt on 401, it kept looping")
	}

	mu.Lock()
	a := attempts
	mu.Unlock()
	if a != 1 {
		t.Fatalf("expected exactly 1 attempt before halting, got %d", a)
	}
	if buf.Len() != 1 {
		t.Fatalf("expected the rejected batch requeued, got len %d", buf.Len())
	}
	if u.State() != Disconnected {
		t.Fatalf("expected state Disconnected after unauthorized halt, got %v", u.State())
	}
}

func TestRunRequeuesOnFailureAndRetries(t *testing.T) {
	seed := testSeed(t)

	var mu sync.Mutex
	attempts := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		attempts++
		n := attempts
		mu.Unlock()
		if n == 1 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		var batch []envelope.Envelope
		body, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(body, &batch)
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	buf := buffer.New(10)
	buf.Push(testEnvelope())

	u := New(srv.URL, "host-a", buf, seed)
	u.PollInterval = 5 * time.Millisecond

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- u.Run(ctx, 0) }()

	// The first retry waits out the initial 1 s backoff with +/-25% jitter.
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		mu.Lock()
		a := attempts
		mu.Unlock()
		if a >= 2 && buf.Len() == 0 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}

	mu.Lock()
	a := attempts
	mu.Unlock()
	if a < 2 {
		t.Fatalf("expected at least 2 attempts (one failure, one retry), got %d", a)
	}
	if buf.Len() != 0 {
		t.Fatalf("expected buffer drained after successful retry, got len %d", buf.Len())
	}
}

func TestJitterStaysWithinBounds(t *testing.T) {
	base := 1 * time.Second
	for i := 0; i < 100; i++ {
		d := jitter(base)
		if d < 750*time.Millisecond || d > 1250*time.Millisecond {
			t.Fatalf("jitter(%v) = %v, out of +/-25%% bounds", base, d)
		}
	}
}
