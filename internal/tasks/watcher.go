package tasks

import (
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/lookevink/srs-preprocessing/internal/fsutil"
)

// StackEvent signals that a stack directory in the inbox has gone quiet and
// is ready for processing.
type StackEvent struct {
	Dir  string    `json:"dir"`
	Time time.Time `json:"time"`
}

// InboxWatcher monitors an inbox directory for incoming frame sequences.
// Acquisition software writes frames one by one, so a directory is only
// announced after no file activity for the settle duration.
type InboxWatcher struct {
	watcher *fsnotify.Watcher
	Events  chan StackEvent
	inbox   string
	settle  time.Duration
	log     *slog.Logger

	mu     sync.Mutex
	timers map[string]*time.Timer
	done   chan struct{}
}

// NewInboxWatcher creates a watcher over inbox. settle bounds the quiet time
// before a directory is considered complete.
func NewInboxWatcher(inbox string, settle time.Duration, logger *slog.Logger) (*InboxWatcher, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if settle <= 0 {
		settle = 2 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &InboxWatcher{
		watcher: w,
		Events:  make(chan StackEvent, 16),
		inbox:   inbox,
		settle:  settle,
		log:     logger,
		timers:  make(map[string]*time.Timer),
		done:    make(chan struct{}),
	}, nil
}

// Start begins monitoring the inbox.
func (iw *InboxWatcher) Start() error {
	if err := iw.watcher.Add(iw.inbox); err != nil {
		return err
	}
	iw.log.Info("watching inbox", "dir", iw.inbox)
	go iw.processEvents()
	return nil
}

// Stop stops the watcher and drains pending settle timers.
func (iw *InboxWatcher) Stop() error {
	close(iw.done)
	iw.mu.Lock()
	for dir, t := range iw.timers {
		t.Stop()
		delete(iw.timers, dir)
	}
	iw.mu.Unlock()
	return iw.watcher.Close()
}

func (iw *InboxWatcher) processEvents() {
	for {
		select {
		case event, ok := <-iw.watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Create|fsnotify.Write) == 0 {
				continue
			}
			dir := iw.stackDirFor(event.Name)
			if dir == "" {
				continue
			}
			if event.Op&fsnotify.Create != 0 {
				// New subdirectories need their own watch so frame writes
				// inside them are seen.
				if dir == event.Name {
					_ = iw.watcher.Add(dir)
				}
			}
			iw.touch(dir)

		case err, ok := <-iw.watcher.Errors:
			if !ok {
				return
			}
			iw.log.Error("inbox watcher error", "error", err)

		case <-iw.done:
			return
		}
	}
}

// stackDirFor maps a filesystem event path to the stack directory it belongs
// to. Frame and vendor files map to their parent; direct subdirectories of
// the inbox map to themselves. Anything else is ignored.
func (iw *InboxWatcher) stackDirFor(path string) string {
	if fsutil.IsFrameFile(path) || fsutil.IsRawStackFile(path) {
		return filepath.Dir(path)
	}
	if filepath.Dir(path) == filepath.Clean(iw.inbox) {
		return path
	}
	return ""
}

// touch resets the settle timer for dir, announcing it once quiet.
func (iw *InboxWatcher) touch(dir string) {
	iw.mu.Lock()
	defer iw.mu.Unlock()
	if t, ok := iw.timers[dir]; ok {
		t.Reset(iw.settle)
		return
	}
	iw.timers[dir] = time.AfterFunc(iw.settle, func() {
		iw.mu.Lock()
		delete(iw.timers, dir)
		iw.mu.Unlock()

		select {
		case <-iw.done:
			return
		default:
		}
		select {
		case iw.Events <- StackEvent{Dir: dir, Time: time.Now()}:
		default:
			iw.log.Warn("event buffer full, dropping stack", "dir", dir)
		}
	})
}
