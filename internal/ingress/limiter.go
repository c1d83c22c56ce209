package ingress

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// DefaultPerSourceRate, DefaultPerSourceBurst, DefaultGlobalRate, and
// DefaultGlobalBurst are the Hub's rate-limit defaults, per spec §3.
const (
	DefaultPerSourceRate  = 100
	DefaultPerSourceBurst = 200
	DefaultGlobalRate     = 1000
	DefaultGlobalBurst    = 1000
)

// pendingOverBurst remembers a source's committed claim on future bucket
// capacity for a batch whose size exceeds a bucket's burst. A token bucket
// never holds more than burst tokens no matter how long it idles, so a
// batch larger than burst can never be granted by a fresh instantaneous
// check, however long the caller waits between attempts. Instead the first
// rejection commits the reservation once and remembers it here; the resend
// of the identical batch, once that reservation's time has arrived, is
// recognized as already paid for rather than re-run against an
// instantaneous check doomed to fail again.
type pendingOverBurst struct {
	size  int
	until time.Time
}

// limiterSet enforces a per-source token bucket and a single global token
// bucket, debiting one token per envelope from both atomically: a batch is
// accepted only if both buckets can cover it, and a failed check of a batch
// within both bursts leaves no tokens consumed. A batch larger than either
// bucket's burst is the exception: its first rejection commits its
// reservation in both buckets (see allowOverBurst). Grounded on golang.org/x/time/rate, the ecosystem-standard
// token-bucket implementation used across the retrieval pack's go.mod
// manifests; reservations give the check-then-cancel semantics the
// no-partial-acceptance rule needs, which a plain Allow/AllowN call cannot
// express across two buckets.
type limiterSet struct {
	mu        sync.Mutex
	perSource map[string]*rate.Limiter
	global    *rate.Limiter
	pending   map[string]pendingOverBurst

	sourceRate  rate.Limit
	sourceBurst int
}

func newLimiterSet(sourceRatePerSec float64, sourceBurst int, globalRatePerSec float64, globalBurst int) *limiterSet {
	return &limiterSet{
		perSource:   make(map[string]*rate.Limiter),
		global:      rate.NewLimiter(rate.Limit(globalRatePerSec), globalBurst),
		pending:     make(map[string]pendingOverBurst),
		sourceRate:  rate.Limit(sourceRatePerSec),
		sourceBurst: sourceBurst,
	}
}

func (l *limiterSet) sourceLimiter(source string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()
	lim, ok := l.perSource[source]
	if !ok {
		lim = rate.NewLimiter(l.sourceRate, l.sourceBurst)
		l.perSource[source] = lim
	}
	return lim
}

// allow attempts to debit n tokens from both the source and global buckets.
// On success both buckets are debited and retryAfter is 0. On failure of a
// batch within both bursts neither bucket is left debited, and retryAfter
// reports the wait for the larger of the two deficits.
//
// A batch whose size exceeds either bucket's burst is routed to
// allowOverBurst instead of the plain reserve-then-cancel path below, since
// no amount of waiting ever lets a single instantaneous reservation admit
// more than burst tokens at once; that path leaves its reservation
// committed when it rejects.
func (l *limiterSet) allow(source string, n int) (ok bool, retryAfter time.Duration) {
	src := l.sourceLimiter(source)
	if n > l.sourceBurst || n > l.global.Burst() {
		return l.allowOverBurst(source, src, n)
	}

	now := time.Now()
	srcRes := src.ReserveN(now, n)
	if !srcRes.OK() {
		return false, time.Second
	}

	globRes := l.global.ReserveN(now, n)
	if !globRes.OK() {
		srcRes.CancelAt(now)
		return false, time.Second
	}

	srcDelay, globDelay := srcRes.DelayFrom(now), globRes.DelayFrom(now)
	if srcDelay > 0 || globDelay > 0 {
		srcRes.CancelAt(now)
		globRes.CancelAt(now)
		if globDelay > srcDelay {
			return false, globDelay
		}
		return false, srcDelay
	}

	return true, 0
}

// allowOverBurst admits a batch too large for a single instantaneous
// reservation by draining it in burst-sized slices (see reserveBatch) and
// committing the result rather than rolling it back: the claim on future
// capacity is real, so the same batch resent from the same source, once
// the claim's time has passed, is recognized and admitted without
// re-reserving. A different size, or a different source, is an unrelated
// request and starts over.
func (l *limiterSet) allowOverBurst(source string, src *rate.Limiter, n int) (ok bool, retryAfter time.Duration) {
	now := time.Now()

	l.mu.Lock()
	p, has := l.pending[source]
	l.mu.Unlock()

	if has && p.size == n {
		if now.Before(p.until) {
			return false, p.until.Sub(now)
		}
		l.mu.Lock()
		delete(l.pending, source)
		l.mu.Unlock()
		return true, 0
	}

	srcOK, srcDelay, srcRes := reserveBatch(src, now, n, src.Burst())
	if !srcOK {
		return false, srcDelay
	}
	globOK, globDelay, globRes := reserveBatch(l.global, now, n, l.global.Burst())
	if !globOK {
		cancelAll(srcRes, now)
		return false, globDelay
	}

	delay := srcDelay
	if globDelay > delay {
		delay = globDelay
	}
	if delay == 0 {
		return true, 0
	}

	l.mu.Lock()
	l.pending[source] = pendingOverBurst{size: n, until: now.Add(delay)}
	l.mu.Unlock()
	return false, delay
}

// reserveBatch debits n tokens from lim, one burst-sized slice at a time,
// chaining each slice's act time into the next slice's reservation clock.
// Because the token bucket refills continuously, a chain of bursts
// correctly accumulates to cover any n, even though no single ReserveN call
// can reserve more than burst tokens at once. The reservations returned are
// committed against lim; it is the caller's responsibility to cancel them
// if the batch is ultimately not admitted.
func reserveBatch(lim *rate.Limiter, now time.Time, n, burst int) (ok bool, retryAfter time.Duration, reservations []*rate.Reservation) {
	if burst <= 0 {
		return false, time.Second, nil
	}

	cur := now
	remaining := n
	for remaining > 0 {
		size := remaining
		if size > burst {
			size = burst
		}
		r := lim.ReserveN(cur, size)
		reservations = append(reservations, r)
		cur = cur.Add(r.DelayFrom(cur))
		remaining -= size
	}

	return true, cur.Sub(now), reservations
}

func cancelAll(reservations []*rate.Reservation, at time.Time) {
	for i := len(reservations) - 1; i >= 0; i-- {
		reservations[i].CancelAt(at)
	}
}
