// Package watcher discovers session JSONL files beneath a configured root
// and keeps a bounded set of tailer.Tailer instances aligned with them.
// Grounded on brianly1003-cdev's internal/adapters/watcher/watcher.go
// (fsnotify.Watcher lifecycle, recursive add-watch, an event-loop goroutine)
// paired, per spec §9, with an always-on periodic poll fallback built from
// the teacher's (mrf-agent-racer) directory-enumeration helpers in
// monitor/jsonl.go (FindAllSessionFiles, FindRecentSessionFiles).
package watcher

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/vibetea/vibetea/internal/envelope"
	"github.com/vibetea/vibetea/internal/privacy"
	"github.com/vibetea/vibetea/internal/tailer"
)

// DefaultPollInterval is the periodic directory-scan cadence. The scan runs
// whether or not filesystem notifications are available.
const DefaultPollInterval = 2 * time.Second

// DefaultMaxTailers bounds concurrent active tailers.
const DefaultMaxTailers = 256

// DefaultDeferredMaxAge bounds how long an excess file waits in the deferred
// queue before a slot frees up, after which it is simply retried on the next
// scan rather than starved forever.
const DefaultDeferredMaxAge = 5 * time.Minute

type trackedFile struct {
	cancel context.CancelFunc
	notify chan struct{}
	done   chan struct{}
}

type deferredEntry struct {
	path       string
	project    string
	discovered time.Time
}

// Watcher keeps the set of active Tailers aligned with .jsonl files beneath
// Root. One subdirectory of Root per project; one .jsonl file per session.
type Watcher struct {
	Root         string
	Source       string
	Filter       *privacy.Filter
	Emit         func(envelope.Envelope)
	MaxTailers   int
	PollInterval time.Duration
	TailerIdle   time.Duration
	Log          zerolog.Logger

	mu       sync.Mutex
	active   map[string]*trackedFile
	deferred []deferredEntry

	wg sync.WaitGroup
}

// New constructs a Watcher with default limits; override fields on the
// returned value before calling Run.
func New(root, source string, filter *privacy.Filter, emit func(envelope.Envelope)) *Watcher {
	return &Watcher{
		Root:         root,
		Source:       source,
		Filter:       filter,
		Emit:         emit,
		MaxTailers:   DefaultMaxTailers,
		PollInterval: DefaultPollInterval,
		active:       make(map[string]*trackedFile),
	}
}

// ActiveCount returns the number of currently running tailers.
func (w *Watcher) ActiveCount() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.active)
}

// Run starts the watcher and blocks until ctx is canceled. It performs the
// startup enumeration (existing files at EOF), then notifies + polls for the
// lifetime of ctx.
func (w *Watcher) Run(ctx context.Context) error {
	if err := w.initialScan(ctx); err != nil {
		return err
	}

	fsw, fsErr := fsnotify.NewWatcher()
	degraded := fsErr != nil
	if fsErr == nil {
		if err := w.addWatches(fsw); err != nil {
			degraded = true
		}
	}
	if degraded {
		w.Log.Warn().Err(fsErr).Msg("filesystem notifications degraded, falling back to polling")
	} else {
		defer fsw.Close()
		w.wg.Add(1)
		go w.eventLoop(ctx, fsw)
	}

	ticker := time.NewTicker(w.pollInterval())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			w.stopAll()
			w.wg.Wait()
			return nil
		case <-ticker.C:
			w.scan(ctx)
			w.promoteDeferred(ctx)
		}
	}
}

func (w *Watcher) pollInterval() time.Duration {
	if w.PollInterval <= 0 {
		return DefaultPollInterval
	}
	return w.PollInterval
}

func (w *Watcher) maxTailers() int {
	if w.MaxTailers <= 0 {
		return DefaultMaxTailers
	}
	return w.MaxTailers
}

// initialScan enumerates existing .jsonl files beneath Root and starts a
// Tailer for each at EOF (no backfill), per spec §4.2/§4.3.
func (w *Watcher) initialScan(ctx context.Context) error {
	files, err := discoverSessionFiles(w.Root)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	for _, f := range files {
		info, err := os.Stat(f.path)
		if err != nil {
			continue
		}
		w.startTailer(ctx, f.path, f.project, info.Size())
	}
	return nil
}

// scan is the poll-fallback pass: discover files not yet tracked (offset 0,
// since any file that appeared since the last scan is new), and stop
// tailers whose file has disappeared.
func (w *Watcher) scan(ctx context.Context) {
	files, err := discoverSessionFiles(w.Root)
	if err != nil {
		return
	}

	seen := make(map[string]bool, len(files))
	for _, f := range files {
		seen[f.path] = true
		w.mu.Lock()
		_, exists := w.active[f.path]
		w.mu.Unlock()
		if exists {
			continue
		}
		w.startTailer(ctx, f.path, f.project, 0)
	}

	w.mu.Lock()
	var removed []string
	for path := range w.active {
		if !seen[path] {
			removed = append(removed, path)
		}
	}
	w.mu.Unlock()
	for _, path := range removed {
		w.stopTailer(path)
	}
}

// startTailer starts a tailer for path if capacity allows, otherwise defers
// it in the bounded-age queue.
func (w *Watcher) startTailer(ctx context.Context, path, project string, initialOffset int64) {
	w.mu.Lock()
	if _, exists := w.active[path]; exists {
		w.mu.Unlock()
		return
	}
	if len(w.active) >= w.maxTailers() {
		w.deferred = append(w.deferred, deferredEntry{path: path, project: project, discovered: time.Now()})
		w.mu.Unlock()
		return
	}
	w.mu.Unlock()
	w.spawn(ctx, path, project, initialOffset)
}

// promoteDeferred starts tailers for deferred files once capacity frees up,
// dropping entries that have aged out past DefaultDeferredMaxAge (they will
// be picked back up by the next full scan if the file still exists).
func (w *Watcher) promoteDeferred(ctx context.Context) {
	w.mu.Lock()
	var keep []deferredEntry
	var toStart []deferredEntry
	for _, d := range w.deferred {
		if time.Since(d.discovered) > DefaultDeferredMaxAge {
			continue
		}
		if len(w.active)+len(toStart) < w.maxTailers() {
			toStart = append(toStart, d)
		} else {
			keep = append(keep, d)
		}
	}
	w.deferred = keep
	w.mu.Unlock()

	for _, d := range toStart {
		w.spawn(ctx, d.path, d.project, 0)
	}
}

func (w *Watcher) spawn(ctx context.Context, path, project string, initialOffset int64) {
	sessionID := tailer.SessionIDFromPath(path)
	if _, err := uuid.Parse(sessionID); err != nil {
		w.Log.Warn().Str("path", path).Msg("session filename is not a UUID, skipping")
		return
	}

	tctx, cancel := context.WithCancel(ctx)
	notify := make(chan struct{}, 1)
	done := make(chan struct{})

	tl := tailer.New(path, sessionID, project, w.Source, w.Filter, w.Emit, initialOffset)
	tl.Log = w.Log
	tl.IdleCutoff = w.TailerIdle

	w.mu.Lock()
	w.active[path] = &trackedFile{cancel: cancel, notify: notify, done: done}
	w.mu.Unlock()

	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		defer close(done)
		if err := tl.Run(tctx, notify); err != nil && err != context.Canceled {
			w.Log.Info().Err(err).Str("path", path).Msg("tailer stopped")
		}
		w.mu.Lock()
		delete(w.active, path)
		w.mu.Unlock()
	}()
}

func (w *Watcher) stopTailer(path string) {
	w.mu.Lock()
	tf, ok := w.active[path]
	if ok {
		delete(w.active, path)
	}
	w.mu.Unlock()
	if ok {
		tf.cancel()
	}
}

func (w *Watcher) stopAll() {
	w.mu.Lock()
	paths := make([]string, 0, len(w.active))
	for p := range w.active {
		paths = append(paths, p)
	}
	w.mu.Unlock()
	for _, p := range paths {
		w.stopTailer(p)
	}
}

func (w *Watcher) addWatches(fsw *fsnotify.Watcher) error {
	entries, err := os.ReadDir(w.Root)
	if err != nil {
		return err
	}
	if err := fsw.Add(w.Root); err != nil {
		return err
	}
	for _, e := range entries {
		if e.IsDir() {
			if err := fsw.Add(filepath.Join(w.Root, e.Name())); err != nil {
				return err
			}
		}
	}
	return nil
}

func (w *Watcher) eventLoop(ctx context.Context, fsw *fsnotify.Watcher) {
	defer w.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-fsw.Events:
			if !ok {
				return
			}
			w.handleEvent(ctx, fsw, ev)
		case _, ok := <-fsw.Errors:
			if !ok {
				return
			}
		}
	}
}

func (w *Watcher) handleEvent(ctx context.Context, fsw *fsnotify.Watcher, ev fsnotify.Event) {
	info, statErr := os.Stat(ev.Name)
	isDir := statErr == nil && info.IsDir()

	switch {
	case ev.Op&fsnotify.Create != 0 && isDir:
		_ = fsw.Add(ev.Name)

	case ev.Op&fsnotify.Create != 0 && strings.HasSuffix(ev.Name, ".jsonl"):
		project := flattenProject(filepath.Base(filepath.Dir(ev.Name)))
		w.startTailer(ctx, ev.Name, project, 0)

	case ev.Op&(fsnotify.Write|fsnotify.Chmod) != 0:
		w.mu.Lock()
		tf, ok := w.active[ev.Name]
		w.mu.Unlock()
		if ok {
			select {
			case tf.notify <- struct{}{}:
			default:
			}
		}

	case ev.Op&(fsnotify.Remove|fsnotify.Rename) != 0:
		w.stopTailer(ev.Name)
	}
}

type sessionFile struct {
	path    string
	project string
}

// discoverSessionFiles enumerates every .jsonl file one directory level
// beneath root; the parent directory's basename is the session's project.
func discoverSessionFiles(root string) ([]sessionFile, error) {
	projectDirs, err := os.ReadDir(root)
	if err != nil {
		return nil, err
	}

	var files []sessionFile
	for _, pd := range projectDirs {
		if !pd.IsDir() {
			continue
		}
		project := flattenProject(pd.Name())
		projectPath := filepath.Join(root, pd.Name())
		entries, err := os.ReadDir(projectPath)
		if err != nil {
			continue
		}
		for _, e := range entries {
			if e.IsDir() || !strings.HasSuffix(e.Name(), ".jsonl") {
				continue
			}
			files = append(files, sessionFile{
				path:    filepath.Join(projectPath, e.Name()),
				project: project,
			})
		}
	}
	return files, nil
}

// flattenProject resolves spec §9's open question: a project directory name
// containing a path separator is flattened (separators replaced with "_")
// rather than rejected, matching the teacher's never-drop-data bias (e.g.
// DecodeProjectPath's best-effort fallback chain instead of erroring).
func flattenProject(name string) string {
	name = strings.ReplaceAll(name, string(filepath.Separator), "_")
	return strings.ReplaceAll(name, "/", "_")
}
