// Package tailer implements the per-session-file Tailer state machine: open,
// seek to the tracked offset, read complete JSONL lines, hand each to the
// PrivacyFilter, and suspend until the file grows or a periodic poll fires.
// Grounded on the teacher's monitor.ParseSessionJSONL byte-accounting loop
// (open, seek, bufio.Reader.ReadBytes('\n'), advance the offset only past
// complete lines), generalized from "parse once and return" into a
// long-lived suspend/resume loop — the teacher's monitor is poll-driven
// start to finish, so its reader never needed to persist across ticks; the
// Tailer here owns the file between invocations, across poll-trigger and
// filesystem-notification wakeups alike.
package tailer

import (
	"bufio"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/vibetea/vibetea/internal/envelope"
	"github.com/vibetea/vibetea/internal/privacy"
)

// SessionIDFromPath extracts the session UUID from a session file's name,
// e.g. "/root/.claude/projects/foo/<uuid>.jsonl" -> "<uuid>".
func SessionIDFromPath(path string) string {
	base := filepath.Base(path)
	return strings.TrimSuffix(base, filepath.Ext(base))
}

// DefaultPollInterval is the fallback poll cadence, per spec §4.2 ("a
// periodic poll interval (≤ 1 s)").
const DefaultPollInterval = 1 * time.Second

// Tailer streams raw records from a single append-only JSONL file.
type Tailer struct {
	Path      string
	SessionID string
	Project   string
	Source    string

	Filter *privacy.Filter
	Emit   func(envelope.Envelope)

	PollInterval time.Duration
	IdleCutoff   time.Duration // how long to keep reading after the session ends; 0 disables the cutoff

	Log zerolog.Logger

	offset      int64
	firstRecord bool
	ended       bool
	endedAt     time.Time
	parseErrors int64
}

// New creates a Tailer. initialOffset is the starting byte offset: EOF for
// files present when the Watcher started (no backfill), 0 for files created
// afterward (so the file's first line is seen as the session's first
// record).
func New(path, sessionID, project, source string, filter *privacy.Filter, emit func(envelope.Envelope), initialOffset int64) *Tailer {
	return &Tailer{
		Path:         path,
		SessionID:    sessionID,
		Project:      project,
		Source:       source,
		Filter:       filter,
		Emit:         emit,
		PollInterval: DefaultPollInterval,
		offset:       initialOffset,
		firstRecord:  initialOffset == 0,
	}
}

// Offset returns the current read offset, useful for tests and for the
// Watcher's bookkeeping.
func (t *Tailer) Offset() int64 { return t.offset }

// Ended reports whether a summary record has been observed.
func (t *Tailer) Ended() bool { return t.ended }

// ParseErrors returns the count of lines from this file that the Filter
// dropped: a line counts whenever privacy.Filter's own drop counter advanced
// while projecting it, so lines that fail to parse as JSON and records of an
// unrecognized type both count.
func (t *Tailer) ParseErrors() int64 { return t.parseErrors }

// ErrRemoved is returned by Run when the underlying file has been deleted.
var ErrRemoved = errors.New("tailer: file removed")

// Run drives the Tailer until ctx is canceled, the file is removed, or (once
// the session has ended) IdleCutoff elapses with no further growth. notify
// receives a value whenever a filesystem watcher believes the file grew;
// notify may be nil, in which case the Tailer relies solely on polling.
func (t *Tailer) Run(ctx context.Context, notify <-chan struct{}) error {
	ticker := time.NewTicker(t.pollInterval())
	defer ticker.Stop()

	if err := t.drain(); err != nil {
		return err
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := t.drain(); err != nil {
				return err
			}
		case <-notify:
			if err := t.drain(); err != nil {
				return err
			}
		}

		if t.ended && t.IdleCutoff > 0 && time.Since(t.endedAt) >= t.IdleCutoff {
			return nil
		}
	}
}

func (t *Tailer) pollInterval() time.Duration {
	if t.PollInterval <= 0 {
		return DefaultPollInterval
	}
	return t.PollInterval
}

// drain reads and processes every complete line currently available past
// the tracked offset, handling truncation and file removal.
func (t *Tailer) drain() error {
	info, statErr := os.Stat(t.Path)
	if statErr != nil {
		if os.IsNotExist(statErr) {
			return ErrRemoved
		}
		return statErr
	}

	if info.Size() < t.offset {
		// Truncation: reset to 0 and continue; the next read starts fresh
		// rather than skipping whatever was (re)written.
		t.offset = 0
	}

	f, err := os.Open(t.Path)
	if err != nil {
		if os.IsNotExist(err) {
			return ErrRemoved
		}
		return err
	}
	defer f.Close()

	if t.offset > 0 {
		if _, err := f.Seek(t.offset, io.SeekStart); err != nil {
			return err
		}
	}

	reader := bufio.NewReader(f)
	for {
		line, err := reader.ReadBytes('\n')
		if err != nil && err != io.EOF {
			return err
		}
		if len(line) == 0 {
			return nil
		}
		if line[len(line)-1] != '\n' {
			// Incomplete trailing line: leave the offset where it is so the
			// next drain re-reads these same bytes once the writer appends
			// the terminator.
			return nil
		}

		t.offset += int64(len(line))
		t.processLine(line[:len(line)-1])

		if err == io.EOF {
			return nil
		}
	}
}

func (t *Tailer) processLine(line []byte) {
	ctx := privacy.Context{
		SessionID:   t.SessionID,
		Project:     t.Project,
		FirstRecord: t.firstRecord,
	}
	t.firstRecord = false

	wasEnded := t.ended

	before := t.Filter.Dropped()
	envs := t.Filter.Project(t.Source, line, ctx)
	if t.Filter.Dropped() != before {
		t.parseErrors++
	}

	if wasEnded && len(envs) > 0 {
		// spec §9 open question: a summary mid-file followed by further
		// writes is a distinct "resumed" event, additive to the spec's
		// started/ended pair (see SPEC_FULL.md §9).
		t.ended = false
		t.emit(envelope.New(t.Source, envelope.TypeSession, envelope.Payload{
			SessionID: t.SessionID,
			Project:   t.Project,
			Action:    "resumed",
		}))
	}

	for _, e := range envs {
		t.emit(e)
		if e.Type == envelope.TypeSession && e.Payload.Action == "ended" {
			t.ended = true
			t.endedAt = time.Now()
		}
	}
}

func (t *Tailer) emit(e envelope.Envelope) {
	if t.Emit != nil {
		t.Emit(e)
	}
}
