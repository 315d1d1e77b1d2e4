// Package watch reloads household documents edited outside the process.
//
// It watches a file backend's data directory and, after a quiet period,
// asks the reloader to re-read every document that changed.
package watch

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog/log"

	"github.com/lazypower/pantry/internal/store"
)

// Reloader re-reads one household document. The watcher also reports the
// server's own atomic saves, so a Reloader should ignore documents it wrote
// itself (engine.Registry does).
type Reloader interface {
	Reload(householdID, fileName string) error
}

// Change names a document that changed on disk.
type Change struct {
	HouseholdID string
	FileName    string
}

// Watcher debounces fsnotify events under a data directory.
type Watcher struct {
	dir      string
	debounce time.Duration
	reloader Reloader
	fs       *fsnotify.Watcher

	// OnFlush, when set, is called after each batch is reloaded.
	OnFlush func([]Change)
}

// New watches dir and every household directory already in it.
func New(dir string, debounce time.Duration, r Reloader) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create watcher: %w", err)
	}
	w := &Watcher{dir: filepath.Clean(dir), debounce: debounce, reloader: r, fs: fw}

	if err := fw.Add(w.dir); err != nil {
		fw.Close()
		return nil, fmt.Errorf("watch %s: %w", w.dir, err)
	}
	entries, err := os.ReadDir(w.dir)
	if err != nil {
		fw.Close()
		return nil, fmt.Errorf("read %s: %w", w.dir, err)
	}
	for _, e := range entries {
		if e.IsDir() {
			w.addHousehold(filepath.Join(w.dir, e.Name()))
		}
	}
	return w, nil
}

func (w *Watcher) addHousehold(path string) {
	if store.ValidateHouseholdID(filepath.Base(path)) != nil {
		return
	}
	if err := w.fs.Add(path); err != nil {
		log.Warn().Err(err).Str("path", path).Msg("watch household dir failed")
	}
}

// classify maps an event path to the document it names. Backups, temp
// files and anything outside <dir>/<household>/ are ignored.
func (w *Watcher) classify(path string) (Change, bool) {
	rel, err := filepath.Rel(w.dir, path)
	if err != nil {
		return Change{}, false
	}
	parts := strings.Split(filepath.ToSlash(rel), "/")
	if len(parts) != 2 {
		return Change{}, false
	}
	name := parts[1]
	if strings.HasPrefix(name, ".") || !strings.HasSuffix(name, ".json") {
		return Change{}, false
	}
	key := store.Key{HouseholdID: parts[0], Name: name}
	if key.Validate() != nil {
		return Change{}, false
	}
	return Change{HouseholdID: key.HouseholdID, FileName: key.Name}, true
}

// Run processes events until ctx is cancelled, then closes the watcher.
func (w *Watcher) Run(ctx context.Context) error {
	defer w.fs.Close()

	pending := map[Change]struct{}{}
	var timer *time.Timer
	var timerC <-chan time.Time

	flush := func() {
		if len(pending) == 0 {
			return
		}
		batch := make([]Change, 0, len(pending))
		for c := range pending {
			batch = append(batch, c)
		}
		clear(pending)
		sort.Slice(batch, func(i, j int) bool {
			if batch[i].HouseholdID != batch[j].HouseholdID {
				return batch[i].HouseholdID < batch[j].HouseholdID
			}
			return batch[i].FileName < batch[j].FileName
		})
		for _, c := range batch {
			if err := w.reloader.Reload(c.HouseholdID, c.FileName); err != nil {
				log.Error().Err(err).Str("household", c.HouseholdID).Str("file", c.FileName).Msg("reload after external change failed")
				continue
			}
			log.Debug().Str("household", c.HouseholdID).Str("file", c.FileName).Msg("reloaded")
		}
		if w.OnFlush != nil {
			w.OnFlush(batch)
		}
	}

	for {
		select {
		case <-ctx.Done():
			return nil

		case ev, ok := <-w.fs.Events:
			if !ok {
				return nil
			}
			if ev.Has(fsnotify.Create) && filepath.Dir(ev.Name) == w.dir {
				if info, err := os.Stat(ev.Name); err == nil && info.IsDir() {
					w.addHousehold(ev.Name)
					continue
				}
			}
			if !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Write) {
				continue
			}
			c, ok := w.classify(ev.Name)
			if !ok {
				continue
			}
			pending[c] = struct{}{}
			if timer == nil {
				timer = time.NewTimer(w.debounce)
				timerC = timer.C
			} else {
				if !timer.Stop() {
					select {
					case <-timer.C:
					default:
					}
				}
				timer.Reset(w.debounce)
			}

		case <-timerC:
			timer, timerC = nil, nil
			flush()

		case err, ok := <-w.fs.Errors:
			if !ok {
				return nil
			}
			log.Warn().Err(err).Msg("watcher error")
		}
	}
}
