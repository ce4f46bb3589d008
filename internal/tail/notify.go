package tail

import (
	"io/fs"
	"os"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// Notifier turns filesystem write/create events under a root into coalesced
// wake-ups. It never reads file contents; the Reader does that on the next poll.
type Notifier struct {
	fsWatcher *fsnotify.Watcher
	root      string
	log       *zap.Logger

	mu      sync.Mutex
	watched map[string]bool

	wake chan struct{}
	done chan struct{}
	wg   sync.WaitGroup
}

// NewNotifier starts an fsnotify watcher. The root does not need to exist yet;
// Sync picks it up once it appears.
func NewNotifier(root string, log *zap.Logger) (*Notifier, error) {
	if log == nil {
		log = zap.NewNop()
	}
	fsWatcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	n := &Notifier{
		fsWatcher: fsWatcher,
		root:      root,
		log:       log,
		watched:   make(map[string]bool),
		wake:      make(chan struct{}, 1),
		done:      make(chan struct{}),
	}
	n.Sync()

	n.wg.Add(1)
	go n.eventLoop()
	return n, nil
}

// Wake returns a channel that receives after relevant filesystem activity.
// Multiple events between reads collapse into one signal.
func (n *Notifier) Wake() <-chan struct{} {
	return n.wake
}

// Watched returns the number of directories being watched.
func (n *Notifier) Watched() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.watched)
}

// Sync adds watches for the root and any subdirectory not yet watched.
func (n *Notifier) Sync() {
	if _, err := os.Stat(n.root); err != nil {
		return
	}
	filepath.WalkDir(n.root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if d != nil && d.IsDir() {
				return fs.SkipDir
			}
			return nil
		}
		if d.IsDir() {
			n.add(path)
		}
		return nil
	})
}

func (n *Notifier) add(dir string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.watched[dir] {
		return
	}
	if err := n.fsWatcher.Add(dir); err != nil {
		n.log.Debug("watch directory", zap.String("dir", dir), zap.Error(err))
		return
	}
	n.watched[dir] = true
}

// Close stops the event loop and releases the watcher.
func (n *Notifier) Close() error {
	close(n.done)
	err := n.fsWatcher.Close()
	n.wg.Wait()
	return err
}

func (n *Notifier) eventLoop() {
	defer n.wg.Done()

	for {
		select {
		case <-n.done:
			return

		case event, ok := <-n.fsWatcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				if event.Op&fsnotify.Remove != 0 {
					n.mu.Lock()
					delete(n.watched, event.Name)
					n.mu.Unlock()
				}
				continue
			}
			if event.Op&fsnotify.Create != 0 {
				if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
					n.add(event.Name)
				}
			}
			select {
			case n.wake <- struct{}{}:
			default:
			}

		case err, ok := <-n.fsWatcher.Errors:
			if !ok {
				return
			}
			n.log.Warn("fsnotify error", zap.Error(err))
		}
	}
}
