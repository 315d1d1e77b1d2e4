package engine

import (
	"crypto/sha256"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/lazypower/pantry/internal/memory"
	"github.com/lazypower/pantry/internal/store"
)

// ErrClosed is returned by a Registry after Close.
var ErrClosed = errors.New("registry closed")

type handle struct {
	mu  sync.Mutex
	eng *Engine
}

// writeLog wraps the backend handed to households and remembers a digest of
// the last bytes written per key. A file watcher sees the registry's own
// saves as changes; Reload uses the digests to tell them from outside edits.
type writeLog struct {
	store.Backend

	mu      sync.Mutex
	written map[store.Key][sha256.Size]byte
}

func (w *writeLog) Write(key store.Key, data []byte) error {
	if err := w.Backend.Write(key, data); err != nil {
		return err
	}
	w.mu.Lock()
	w.written[key] = sha256.Sum256(data)
	w.mu.Unlock()
	return nil
}

// ownWrite reports whether the stored document is exactly what this
// registry last wrote.
func (w *writeLog) ownWrite(key store.Key) bool {
	w.mu.Lock()
	sum, ok := w.written[key]
	w.mu.Unlock()
	if !ok {
		return false
	}
	data, err := w.Backend.Read(key)
	return err == nil && sha256.Sum256(data) == sum
}

// Registry opens one Engine per household on first use and serializes every
// call against the same household. Different households run concurrently.
type Registry struct {
	backend   store.Backend
	writes    *writeLog
	opts      Options
	storeOpts []store.Option

	mu      sync.Mutex
	handles map[string]*handle
	closed  bool

	stopCh   chan struct{}
	stopOnce sync.Once
}

// NewRegistry takes ownership of the backend; Close closes it.
func NewRegistry(b store.Backend, opts Options, storeOpts ...store.Option) *Registry {
	return &Registry{
		backend:   b,
		writes:    &writeLog{Backend: b, written: map[store.Key][sha256.Size]byte{}},
		opts:      opts,
		storeOpts: storeOpts,
		handles:   map[string]*handle{},
		stopCh:    make(chan struct{}),
	}
}

// Backend returns the registry's storage backend.
func (r *Registry) Backend() store.Backend { return r.backend }

func (r *Registry) acquire(householdID string) (*handle, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil, ErrClosed
	}
	if s, ok := r.handles[householdID]; ok {
		return s, nil
	}
	hh, err := memory.OpenHousehold(r.writes, householdID, r.storeOpts...)
	if err != nil {
		return nil, err
	}
	s := &handle{eng: New(hh, r.opts)}
	r.handles[householdID] = s
	log.Debug().Str("household", householdID).Msg("opened household")
	return s, nil
}

// With runs fn with exclusive access to the household's engine.
func (r *Registry) With(householdID string, fn func(e *Engine) error) error {
	s, err := r.acquire(householdID)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return fn(s.eng)
}

// Open lists the households opened so far, sorted.
func (r *Registry) Open() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	ids := make([]string, 0, len(r.handles))
	for id := range r.handles {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Reload re-reads one document of an opened household, or all of them when
// fileName is empty. Households not opened yet are skipped; they will read
// fresh data on first use. A document still holding the registry's own last
// write is not re-read.
func (r *Registry) Reload(householdID, fileName string) error {
	r.mu.Lock()
	s, ok := r.handles[householdID]
	r.mu.Unlock()
	if !ok {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if fileName == "" {
		return s.eng.Household.Reload()
	}
	if r.writes.ownWrite(store.Key{HouseholdID: householdID, Name: fileName}) {
		log.Debug().Str("household", householdID).Str("file", fileName).Msg("skipping reload of own write")
		return nil
	}
	return s.eng.Household.ReloadStore(fileName)
}

// RelearnAll relearns cadence for every opened household. Failures are
// logged and counted.
func (r *Registry) RelearnAll() (failed int) {
	for _, id := range r.Open() {
		err := r.With(id, func(e *Engine) error {
			_, err := e.RelearnCadence()
			return err
		})
		if err != nil {
			failed++
			log.Warn().Err(err).Str("household", id).Msg("relearn cadence failed")
		}
	}
	return failed
}

// StartRelearnTimer relearns cadence for opened households on an interval
// until Close. A non-positive interval disables it.
func (r *Registry) StartRelearnTimer(interval time.Duration) {
	if interval <= 0 {
		return
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				if failed := r.RelearnAll(); failed > 0 {
					log.Warn().Int("failed", failed).Msg("periodic cadence relearn incomplete")
				}
			case <-r.stopCh:
				return
			}
		}
	}()
}

// Close stops the relearn timer, waits for in-flight calls and closes the
// backend.
func (r *Registry) Close() error {
	r.stopOnce.Do(func() { close(r.stopCh) })

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	open := make([]*handle, 0, len(r.handles))
	for _, s := range r.handles {
		open = append(open, s)
	}
	r.mu.Unlock()

	for _, s := range open {
		s.mu.Lock()
		s.mu.Unlock()
	}
	if err := r.backend.Close(); err != nil {
		return fmt.Errorf("close backend: %w", err)
	}
	return nil
}
