package sync

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"sync"

	"github.com/rjeczalik/notify"

	"github.com/schmelczer/reconcile/internal/utils"
)

const (
	watcherBufferSize      = 256
	watcherDebounceTimeout = 50 * time.Millisecond
	watcherIgnoreTimeout   = time.Second
	// watcherMovePairWindow is how long one half of a rename waits for
	// its counterpart before surfacing as a plain delete or create.
	watcherMovePairWindow = 500 * time.Millisecond
)

// VaultEventKind classifies a filesystem change under the vault root.
type VaultEventKind int

const (
	VaultFileCreated VaultEventKind = iota
	VaultFileUpdated
	VaultFileDeleted
	VaultFileMoved
)

// VaultEvent is one debounced filesystem change, paths vault-relative.
// OldPath is set only for VaultFileMoved.
type VaultEvent struct {
	Kind    VaultEventKind
	Path    string
	OldPath string
}

// Watcher surfaces local edits as vault events. Writes arrive in
// bursts (inotify fires per chunk), so events are debounced per path;
// the kind is decided at flush time from the file's existence.
//
// A rename reaches us as two raw events: the old path going away and
// the new path appearing, both tagged Rename. Each half is parked for
// a short window and matched to its counterpart by content hash, then
// the pair folds into a single Moved event so the document keeps its
// identity instead of degrading into delete + create.
type Watcher struct {
	root   string
	ignore *IgnoreList

	raw    chan notify.EventInfo
	events chan VaultEvent

	suppressMu sync.Mutex
	suppress   map[string]time.Time

	debounceMu sync.Mutex
	timers     map[string]*time.Timer
	rawKinds   map[string]notify.Event

	// known tracks the last seen content hash per path; the hash of a
	// just-deleted file is what pairs it with its reappearing half.
	knownMu sync.Mutex
	known   map[string]string

	pairMu        sync.Mutex
	parkedDeletes map[string]*parkedHalf
	parkedCreates map[string]*parkedHalf
	recentCreates map[string]recentCreate

	done     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// parkedHalf is one half of a suspected rename waiting for its
// counterpart.
type parkedHalf struct {
	hash  string
	timer *time.Timer
}

type recentCreate struct {
	path string
	at   time.Time
}

func NewWatcher(root string, ignore *IgnoreList) *Watcher {
	return &Watcher{
		root:          root,
		ignore:        ignore,
		raw:           make(chan notify.EventInfo, watcherBufferSize),
		events:        make(chan VaultEvent, watcherBufferSize),
		suppress:      make(map[string]time.Time),
		timers:        make(map[string]*time.Timer),
		rawKinds:      make(map[string]notify.Event),
		known:         make(map[string]string),
		parkedDeletes: make(map[string]*parkedHalf),
		parkedCreates: make(map[string]*parkedHalf),
		recentCreates: make(map[string]recentCreate),
		done:          make(chan struct{}),
	}
}

// Events returns the debounced event stream. It is never closed;
// consumers stop on their own context.
func (w *Watcher) Events() <-chan VaultEvent {
	return w.events
}

// SuppressOnce drops the next event for the path within a short
// window; the engine calls it right before touching a file itself so
// its own writes, moves and deletes do not echo back as user edits.
func (w *Watcher) SuppressOnce(path string) {
	w.suppressMu.Lock()
	defer w.suppressMu.Unlock()
	w.suppress[path] = time.Now().Add(watcherIgnoreTimeout)
}

// Start begins the recursive watch. Files already on disk are primed
// with their hashes so their first write reads as an update and their
// rename pairs correctly.
func (w *Watcher) Start(ctx context.Context) error {
	slog.Info("vault watcher start", "dir", w.root)

	if err := filepath.WalkDir(w.root, func(path string, d os.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return nil
		}
		rel, relErr := filepath.Rel(w.root, path)
		if relErr != nil {
			return nil
		}
		norm := utils.NormPath(rel)
		if w.ignore.ShouldIgnore(norm) {
			return nil
		}
		w.known[norm] = hashFile(path)
		return nil
	}); err != nil {
		return err
	}

	if err := notify.Watch(filepath.Join(w.root, "..."), w.raw, notify.Create|notify.Write|notify.Remove|notify.Rename); err != nil {
		return err
	}

	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		w.loop(ctx)
	}()
	return nil
}

// Stop halts the watch and cancels every pending timer.
func (w *Watcher) Stop() {
	w.stopOnce.Do(func() {
		close(w.done)
		notify.Stop(w.raw)

		w.debounceMu.Lock()
		for _, timer := range w.timers {
			timer.Stop()
		}
		w.debounceMu.Unlock()

		w.pairMu.Lock()
		for _, half := range w.parkedDeletes {
			half.timer.Stop()
		}
		for _, half := range w.parkedCreates {
			half.timer.Stop()
		}
		w.pairMu.Unlock()

		w.wg.Wait()
	})
}

func (w *Watcher) loop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-w.done:
			return
		case event, ok := <-w.raw:
			if !ok {
				return
			}

			rel, err := filepath.Rel(w.root, event.Path())
			if err != nil {
				continue
			}
			path := utils.NormPath(rel)
			if w.ignore.ShouldIgnore(path) {
				continue
			}
			w.debounce(path, event.Event())
		}
	}
}

func (w *Watcher) debounce(path string, kind notify.Event) {
	w.debounceMu.Lock()
	defer w.debounceMu.Unlock()

	w.rawKinds[path] |= kind
	if timer, ok := w.timers[path]; ok {
		timer.Stop()
	}
	w.timers[path] = time.AfterFunc(watcherDebounceTimeout, func() {
		w.flush(path)
	})
}

func (w *Watcher) flush(path string) {
	w.debounceMu.Lock()
	delete(w.timers, path)
	renamed := w.rawKinds[path]&notify.Rename != 0
	delete(w.rawKinds, path)
	w.debounceMu.Unlock()

	if w.suppressed(path) {
		return
	}

	abs := filepath.Join(w.root, filepath.FromSlash(path))
	if utils.FileExists(abs) {
		w.flushExisting(path, hashFile(abs), renamed)
	} else {
		w.flushGone(path)
	}
}

func (w *Watcher) flushExisting(path, hash string, renamed bool) {
	w.knownMu.Lock()
	_, wasKnown := w.known[path]
	w.known[path] = hash
	w.knownMu.Unlock()

	if wasKnown {
		w.emit(VaultEvent{Kind: VaultFileUpdated, Path: path})
		return
	}

	if hash != EmptyHash {
		w.pairMu.Lock()

		// a new path whose content matches a just-deleted file is the
		// second half of a rename
		for oldPath, half := range w.parkedDeletes {
			if half.hash == hash && oldPath != path {
				half.timer.Stop()
				delete(w.parkedDeletes, oldPath)
				w.pairMu.Unlock()
				w.emit(VaultEvent{Kind: VaultFileMoved, Path: path, OldPath: oldPath})
				return
			}
		}

		if renamed {
			// rename half seen first; hold it back for its vanishing
			// counterpart
			w.parkCreateLocked(path, hash)
			w.pairMu.Unlock()
			return
		}

		for h, rc := range w.recentCreates {
			if time.Since(rc.at) >= watcherMovePairWindow {
				delete(w.recentCreates, h)
			}
		}
		w.recentCreates[hash] = recentCreate{path: path, at: time.Now()}
		w.pairMu.Unlock()
	}

	w.emit(VaultEvent{Kind: VaultFileCreated, Path: path})
}

func (w *Watcher) flushGone(path string) {
	w.knownMu.Lock()
	hash, wasKnown := w.known[path]
	delete(w.known, path)
	w.knownMu.Unlock()

	if !wasKnown {
		// an unknown path vanishing may still be the first half of a
		// rename over... nothing we track; ignore
		return
	}

	if hash == "" || hash == EmptyHash {
		w.emit(VaultEvent{Kind: VaultFileDeleted, Path: path})
		return
	}

	w.pairMu.Lock()

	for newPath, half := range w.parkedCreates {
		if half.hash == hash && newPath != path {
			half.timer.Stop()
			delete(w.parkedCreates, newPath)
			w.pairMu.Unlock()
			w.emit(VaultEvent{Kind: VaultFileMoved, Path: newPath, OldPath: path})
			return
		}
	}

	// editors "safe-save" by writing a fresh file then removing the
	// old one; a matching recent create is the same logical move
	if rc, ok := w.recentCreates[hash]; ok {
		if rc.path == path {
			delete(w.recentCreates, hash)
		} else if time.Since(rc.at) < watcherMovePairWindow {
			delete(w.recentCreates, hash)
			w.pairMu.Unlock()
			w.emit(VaultEvent{Kind: VaultFileMoved, Path: rc.path, OldPath: path})
			return
		}
	}

	// hold the delete back briefly: if the same content reappears
	// elsewhere, this was a rename
	half := &parkedHalf{hash: hash}
	half.timer = time.AfterFunc(watcherMovePairWindow, func() {
		w.pairMu.Lock()
		if w.parkedDeletes[path] != half {
			w.pairMu.Unlock()
			return
		}
		delete(w.parkedDeletes, path)
		w.pairMu.Unlock()
		w.emit(VaultEvent{Kind: VaultFileDeleted, Path: path})
	})
	w.parkedDeletes[path] = half
	w.pairMu.Unlock()
}

// parkCreateLocked holds a rename-tagged create until its delete half
// arrives or the window lapses. Callers hold pairMu.
func (w *Watcher) parkCreateLocked(path, hash string) {
	half := &parkedHalf{hash: hash}
	half.timer = time.AfterFunc(watcherMovePairWindow, func() {
		w.pairMu.Lock()
		if w.parkedCreates[path] != half {
			w.pairMu.Unlock()
			return
		}
		delete(w.parkedCreates, path)
		w.pairMu.Unlock()
		w.emit(VaultEvent{Kind: VaultFileCreated, Path: path})
	})
	w.parkedCreates[path] = half
}

func (w *Watcher) emit(event VaultEvent) {
	select {
	case <-w.done:
		return
	default:
	}

	select {
	case w.events <- event:
	default:
		slog.Warn("vault watcher dropped event", "path", event.Path)
	}
}

func (w *Watcher) suppressed(path string) bool {
	w.suppressMu.Lock()
	defer w.suppressMu.Unlock()

	expiry, ok := w.suppress[path]
	if !ok {
		return false
	}
	delete(w.suppress, path)
	return time.Now().Before(expiry)
}

// hashFile digests a file's current content; a vanished or unreadable
// file hashes as empty.
func hashFile(abs string) string {
	content, err := os.ReadFile(abs)
	if err != nil {
		return EmptyHash
	}
	return HashContent(content)
}
