package remotefs

import (
	"context"
	"os"
	"path/filepath"
	"time"

	"github.com/cowritehq/cowrite/internal/protocol"
	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

const defaultDebounce = 250 * time.Millisecond

// WatcherConfig configures a host workspace watcher.
type WatcherConfig struct {
	WorkspaceRoot string
	Debounce      time.Duration
	Publish       func(changes []protocol.FileChange)
	Logger        *zap.Logger
}

// Watcher observes the host workspace recursively and publishes batched
// change events, debounced so editor save storms collapse into one batch.
type Watcher struct {
	root     string
	debounce time.Duration
	publish  func(changes []protocol.FileChange)
	logger   *zap.Logger
	notifier *fsnotify.Watcher
}

// NewWatcher constructs a Watcher over the workspace root.
func NewWatcher(cfg WatcherConfig) (*Watcher, error) {
	if cfg.WorkspaceRoot == "" {
		return nil, errMissingRoot
	}
	notifier, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	debounce := cfg.Debounce
	if debounce <= 0 {
		debounce = defaultDebounce
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	watcher := &Watcher{
		root:     filepath.Clean(cfg.WorkspaceRoot),
		debounce: debounce,
		publish:  cfg.Publish,
		logger:   logger,
		notifier: notifier,
	}
	if err := watcher.addRecursive(watcher.root); err != nil {
		notifier.Close()
		return nil, err
	}
	return watcher, nil
}

func (watcher *Watcher) addRecursive(dir string) error {
	return filepath.WalkDir(dir, func(path string, entry os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if entry.IsDir() {
			return watcher.notifier.Add(path)
		}
		return nil
	})
}

// Run pumps filesystem events until the context is cancelled.
func (watcher *Watcher) Run(ctx context.Context) {
	defer watcher.notifier.Close()

	var pending []protocol.FileChange
	var flush *time.Timer
	var flushC <-chan time.Time

	for {
		select {
		case <-ctx.Done():
			return

		case event, ok := <-watcher.notifier.Events:
			if !ok {
				return
			}
			change, relevant := watcher.changeOf(event)
			if !relevant {
				continue
			}
			pending = append(pending, change)
			if flush == nil {
				flush = time.NewTimer(watcher.debounce)
				flushC = flush.C
			} else {
				if !flush.Stop() {
					<-flush.C
				}
				flush.Reset(watcher.debounce)
			}

		case <-flushC:
			flush = nil
			flushC = nil
			batch := dedupeChanges(pending)
			pending = nil
			if watcher.publish != nil && len(batch) > 0 {
				watcher.publish(batch)
			}

		case err, ok := <-watcher.notifier.Errors:
			if !ok {
				return
			}
			watcher.logger.Warn("workspace watcher error", zap.Error(err))
		}
	}
}

func (watcher *Watcher) changeOf(event fsnotify.Event) (protocol.FileChange, bool) {
	virtual, err := ToVirtual(watcher.root, event.Name)
	if err != nil || virtual == "" {
		return protocol.FileChange{}, false
	}

	switch {
	case event.Has(fsnotify.Create):
		// New directories need their own watch for nested events.
		if info, statErr := os.Stat(event.Name); statErr == nil && info.IsDir() {
			if addErr := watcher.notifier.Add(event.Name); addErr != nil {
				watcher.logger.Warn("failed to watch new directory",
					zap.String("path", virtual), zap.Error(addErr))
			}
		}
		return protocol.FileChange{Path: virtual, Kind: protocol.ChangeCreated}, true
	case event.Has(fsnotify.Remove) || event.Has(fsnotify.Rename):
		return protocol.FileChange{Path: virtual, Kind: protocol.ChangeDeleted}, true
	case event.Has(fsnotify.Write):
		return protocol.FileChange{Path: virtual, Kind: protocol.ChangeChanged}, true
	default:
		return protocol.FileChange{}, false
	}
}

// dedupeChanges keeps the last change per path, preserving first-seen order.
func dedupeChanges(changes []protocol.FileChange) []protocol.FileChange {
	lastKind := make(map[string]protocol.ChangeKind, len(changes))
	order := make([]string, 0, len(changes))
	for _, change := range changes {
		if _, seen := lastKind[change.Path]; !seen {
			order = append(order, change.Path)
		}
		lastKind[change.Path] = change.Kind
	}
	deduped := make([]protocol.FileChange, 0, len(order))
	for _, path := range order {
		deduped = append(deduped, protocol.FileChange{Path: path, Kind: lastKind[path]})
	}
	return deduped
}
