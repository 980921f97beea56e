package ingest

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"golang.org/x/sync/errgroup"

	"alphagate/internal/logging"
	"alphagate/internal/vetting"
)

// Handler receives each document that settles in the inbox.
type Handler func(ctx context.Context, doc vetting.Document)

// InboxWatcherStats tracks watcher activity.
type InboxWatcherStats struct {
	Events        int
	Loaded        int
	Errors        int
	LastEventPath string
	LastEventTime time.Time
}

// InboxWatcher watches a directory and hands new or rewritten documents to a
// Handler once their writes have settled.
type InboxWatcher struct {
	mu          sync.Mutex
	watcher     *fsnotify.Watcher
	dir         string
	handler     Handler
	debounceMap map[string]time.Time
	debounceDur time.Duration
	seen        map[string]time.Time // path -> modtime already handed off
	inflight    map[string]bool
	concurrency int
	pool        *errgroup.Group
	stopCh      chan struct{}
	doneCh      chan struct{}
	running     bool
	stats       InboxWatcherStats
}

// DefaultConcurrency bounds how many documents are handled at once.
const DefaultConcurrency = 2

// NewInboxWatcher creates a watcher for dir. Settled documents are loaded and
// handled on a bounded pool so a slow handler never stalls the event loop.
func NewInboxWatcher(dir string, handler Handler) (*InboxWatcher, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	return &InboxWatcher{
		watcher:     w,
		dir:         dir,
		handler:     handler,
		debounceMap: make(map[string]time.Time),
		debounceDur: 500 * time.Millisecond,
		seen:        make(map[string]time.Time),
		inflight:    make(map[string]bool),
		concurrency: DefaultConcurrency,
		stopCh:      make(chan struct{}),
		doneCh:      make(chan struct{}),
	}, nil
}

// SetDebounce changes how long a file must be quiet before it is loaded.
// Call before Start.
func (iw *InboxWatcher) SetDebounce(d time.Duration) {
	iw.mu.Lock()
	iw.debounceDur = d
	iw.mu.Unlock()
}

// SetConcurrency changes how many documents may be handled at once.
// Call before Start.
func (iw *InboxWatcher) SetConcurrency(n int) {
	if n < 1 {
		n = 1
	}
	iw.mu.Lock()
	iw.concurrency = n
	iw.mu.Unlock()
}

// Start begins watching. Files already present in the directory are queued
// as well. Start does not block.
func (iw *InboxWatcher) Start(ctx context.Context) error {
	iw.mu.Lock()
	if iw.running {
		iw.mu.Unlock()
		return nil
	}
	iw.running = true
	iw.pool = &errgroup.Group{}
	iw.pool.SetLimit(iw.concurrency)
	iw.mu.Unlock()

	err := os.MkdirAll(iw.dir, 0755)
	if err == nil {
		err = iw.watcher.Add(iw.dir)
	}
	if err != nil {
		iw.mu.Lock()
		iw.running = false
		iw.mu.Unlock()
		return err
	}
	logging.Ingest("InboxWatcher: watching %s", iw.dir)

	if entries, err := os.ReadDir(iw.dir); err == nil {
		iw.mu.Lock()
		for _, e := range entries {
			if !e.IsDir() && eligible(e.Name()) {
				iw.debounceMap[filepath.Join(iw.dir, e.Name())] = time.Now()
			}
		}
		iw.mu.Unlock()
	}

	go iw.run(ctx)
	return nil
}

// Stop stops the watcher and waits for the event loop and every handler call
// in progress to finish.
func (iw *InboxWatcher) Stop() {
	iw.mu.Lock()
	if !iw.running {
		iw.mu.Unlock()
		if err := iw.watcher.Close(); err != nil {
			logging.Get(logging.CategoryIngest).Error("InboxWatcher: error closing watcher: %v", err)
		}
		return
	}
	iw.running = false
	iw.mu.Unlock()

	close(iw.stopCh)
	<-iw.doneCh
	_ = iw.pool.Wait()

	if err := iw.watcher.Close(); err != nil {
		logging.Get(logging.CategoryIngest).Error("InboxWatcher: error closing watcher: %v", err)
	}
	logging.Ingest("InboxWatcher: stopped")
}

// Stats returns a snapshot of watcher activity.
func (iw *InboxWatcher) Stats() InboxWatcherStats {
	iw.mu.Lock()
	defer iw.mu.Unlock()
	return iw.stats
}

func (iw *InboxWatcher) run(ctx context.Context) {
	defer close(iw.doneCh)

	tick := time.NewTicker(50 * time.Millisecond)
	defer tick.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-iw.stopCh:
			return
		case event, ok := <-iw.watcher.Events:
			if !ok {
				return
			}
			iw.handleEvent(event)
		case err, ok := <-iw.watcher.Errors:
			if !ok {
				return
			}
			logging.Get(logging.CategoryIngest).Error("InboxWatcher error: %v", err)
			iw.mu.Lock()
			iw.stats.Errors++
			iw.mu.Unlock()
		case <-tick.C:
			iw.processSettled(ctx)
		}
	}
}

func (iw *InboxWatcher) handleEvent(event fsnotify.Event) {
	if event.Op&(fsnotify.Create|fsnotify.Write) == 0 || !eligible(event.Name) {
		return
	}
	logging.IngestDebug("InboxWatcher: %s %s", event.Op, event.Name)

	iw.mu.Lock()
	iw.stats.Events++
	iw.stats.LastEventPath = event.Name
	iw.stats.LastEventTime = time.Now()
	iw.debounceMap[event.Name] = time.Now()
	iw.mu.Unlock()
}

func (iw *InboxWatcher) processSettled(ctx context.Context) {
	iw.mu.Lock()
	defer iw.mu.Unlock()

	now := time.Now()
	for path, at := range iw.debounceMap {
		if ctx.Err() != nil {
			return
		}
		if now.Sub(at) < iw.debounceDur || iw.inflight[path] {
			continue
		}
		// a full pool leaves the path queued for the next tick
		if !iw.pool.TryGo(func() error {
			iw.load(ctx, path)
			iw.mu.Lock()
			delete(iw.inflight, path)
			iw.mu.Unlock()
			return nil
		}) {
			return
		}
		iw.inflight[path] = true
		delete(iw.debounceMap, path)
	}
}

func (iw *InboxWatcher) load(ctx context.Context, path string) {
	info, err := os.Stat(path)
	if err != nil || info.IsDir() {
		return
	}

	iw.mu.Lock()
	if prev, ok := iw.seen[path]; ok && prev.Equal(info.ModTime()) {
		iw.mu.Unlock()
		return
	}
	iw.seen[path] = info.ModTime()
	iw.mu.Unlock()

	doc, err := LoadDocument(path)
	if err != nil {
		logging.Get(logging.CategoryIngest).Warn("InboxWatcher: skipping %s: %v", path, err)
		iw.mu.Lock()
		iw.stats.Errors++
		iw.mu.Unlock()
		return
	}

	iw.mu.Lock()
	iw.stats.Loaded++
	iw.mu.Unlock()
	logging.Ingest("InboxWatcher: new document %s (%q)", doc.ID, doc.Title)
	iw.handler(ctx, doc)
}

// eligible skips editor temp files and hidden files.
func eligible(path string) bool {
	base := filepath.Base(path)
	if strings.HasPrefix(base, ".") || strings.HasSuffix(base, "~") || strings.HasSuffix(base, ".tmp") || strings.HasSuffix(base, ".swp") {
		return false
	}
	return Supported(path)
}
