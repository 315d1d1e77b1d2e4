// Package store implements the load/validate/migrate/save lifecycle shared by
// every household document, and the backends that persist those documents.
package store

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
)

// ErrNotLoaded is returned by Save when called before the document is loaded.
var ErrNotLoaded = errors.New("store not loaded")

// Store owns one household's document for one schema. It is not safe for
// concurrent use; callers serialize access per household.
type Store[D Document] struct {
	backend     Backend
	householdID string
	schema      Schema[D]
	now         func() time.Time

	doc    D
	loaded bool
}

// Option configures a Store.
type Option func(*options)

type options struct {
	now func() time.Time
}

// WithClock overrides the clock used to stamp updatedAt.
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

// New creates an unloaded store. Nothing is read until EnsureLoaded.
func New[D Document](backend Backend, householdID string, schema Schema[D], opts ...Option) *Store[D] {
	o := options{now: func() time.Time { return time.Now().UTC() }}
	for _, opt := range opts {
		opt(&o)
	}
	return &Store[D]{
		backend:     backend,
		householdID: householdID,
		schema:      schema,
		now:         o.now,
	}
}

// HouseholdID returns the household this store is scoped to.
func (s *Store[D]) HouseholdID() string { return s.householdID }

// Name returns the schema name.
func (s *Store[D]) Name() string { return s.schema.Name }

// Key returns the backend key of the document.
func (s *Store[D]) Key() Key {
	return Key{HouseholdID: s.householdID, Name: s.schema.FileName}
}

// Now returns the store clock's current time.
func (s *Store[D]) Now() time.Time { return s.now() }

// Loaded reports whether the document is in memory.
func (s *Store[D]) Loaded() bool { return s.loaded }

// EnsureLoaded loads the document on first use. Idempotent.
func (s *Store[D]) EnsureLoaded() error {
	if s.loaded {
		return nil
	}
	return s.Load()
}

// Load reads the document from the backend. A missing document yields an
// empty one. An older version is migrated and persisted before Load returns.
func (s *Store[D]) Load() error {
	raw, err := s.backend.Read(s.Key())
	if errors.Is(err, ErrNotExist) {
		s.doc = s.schema.New(s.householdID)
		s.loaded = true
		storeLoads.WithLabelValues(s.schema.Name, "empty").Inc()
		log.Debug().Str("store", s.schema.Name).Str("household", s.householdID).Msg("no document, starting empty")
		return nil
	}
	if err != nil {
		storeLoads.WithLabelValues(s.schema.Name, "error").Inc()
		return fmt.Errorf("load %s: %w", s.schema.Name, err)
	}

	doc, fromVersion, err := s.decode(raw)
	if err != nil {
		var se *SchemaError
		if errors.As(err, &se) {
			se.Store = s.schema.Name
			se.HouseholdID = s.householdID
			storeLoads.WithLabelValues(s.schema.Name, "schema_error").Inc()
			return se
		}
		storeLoads.WithLabelValues(s.schema.Name, "error").Inc()
		return fmt.Errorf("load %s: %w", s.schema.Name, err)
	}

	s.doc = doc
	s.loaded = true

	if fromVersion != s.schema.Version {
		if err := s.Save(); err != nil {
			s.loaded = false
			var zero D
			s.doc = zero
			return fmt.Errorf("persist migrated %s: %w", s.schema.Name, err)
		}
		storeMigrations.WithLabelValues(s.schema.Name).Inc()
		storeLoads.WithLabelValues(s.schema.Name, "migrated").Inc()
		log.Info().
			Str("store", s.schema.Name).
			Str("household", s.householdID).
			Int("from", fromVersion).
			Int("to", s.schema.Version).
			Msg("migrated document")
		return nil
	}

	storeLoads.WithLabelValues(s.schema.Name, "ok").Inc()
	return nil
}

// decode validates the header, migrates the raw object if needed, then
// decodes and validates the typed document. It returns the version found on
// disk.
func (s *Store[D]) decode(raw []byte) (D, int, error) {
	var zero D

	var obj map[string]any
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(&obj); err != nil {
		return zero, 0, &SchemaError{Reason: fmt.Sprintf("malformed document: %v", err)}
	}
	if obj == nil {
		return zero, 0, &SchemaError{Reason: "document is not a JSON object"}
	}

	version, err := headerVersion(obj)
	if err != nil {
		return zero, 0, err
	}
	if version > s.schema.Version {
		return zero, 0, &SchemaError{
			Field:  "version",
			Reason: fmt.Sprintf("version %d is newer than supported version %d", version, s.schema.Version),
		}
	}
	hh, _ := obj["householdId"].(string)
	if hh == "" {
		return zero, 0, &SchemaError{Field: "householdId", Reason: "is required"}
	}
	if hh != s.householdID {
		return zero, 0, &SchemaError{
			Field:  "householdId",
			Reason: fmt.Sprintf("document belongs to household %q", hh),
		}
	}

	if version < s.schema.Version {
		if s.schema.Migrate != nil {
			if err := s.schema.Migrate(obj, version); err != nil {
				return zero, 0, fmt.Errorf("migrate from version %d: %w", version, err)
			}
		}
		obj["version"] = s.schema.Version
	}

	upgraded, err := json.Marshal(obj)
	if err != nil {
		return zero, 0, fmt.Errorf("re-encode document: %w", err)
	}

	doc := s.schema.New(s.householdID)
	if err := json.Unmarshal(upgraded, doc); err != nil {
		var te *json.UnmarshalTypeError
		if errors.As(err, &te) {
			return zero, 0, &SchemaError{
				Field:  te.Field,
				Reason: fmt.Sprintf("expected %s, got %s", te.Type, te.Value),
			}
		}
		return zero, 0, &SchemaError{Reason: err.Error()}
	}

	if se := Validate(doc); se != nil {
		return zero, 0, se
	}
	if s.schema.Check != nil {
		if err := s.schema.Check(doc); err != nil {
			var se *SchemaError
			if errors.As(err, &se) {
				return zero, 0, se
			}
			return zero, 0, &SchemaError{Reason: err.Error()}
		}
	}
	if s.schema.Normalize != nil {
		s.schema.Normalize(doc)
	}
	return doc, version, nil
}

func headerVersion(obj map[string]any) (int, error) {
	v, ok := obj["version"]
	if !ok {
		return 0, &SchemaError{Field: "version", Reason: "is required"}
	}
	n, ok := v.(json.Number)
	if !ok {
		return 0, &SchemaError{Field: "version", Reason: fmt.Sprintf("must be an integer, got %v", v)}
	}
	i, err := n.Int64()
	if err != nil || i < 1 {
		return 0, &SchemaError{Field: "version", Reason: fmt.Sprintf("must be an integer >= 1, got %s", n)}
	}
	return int(i), nil
}

// Save stamps the header and writes the document atomically.
func (s *Store[D]) Save() error {
	if !s.loaded {
		return ErrNotLoaded
	}
	start := time.Now()

	meta := s.doc.StoreMeta()
	meta.Version = s.schema.Version
	meta.HouseholdID = s.householdID
	meta.UpdatedAt = s.now()
	meta.Revision++

	data, err := json.MarshalIndent(s.doc, "", "  ")
	if err != nil {
		storeSaves.WithLabelValues(s.schema.Name, "error").Inc()
		return fmt.Errorf("encode %s: %w", s.schema.Name, err)
	}
	if err := s.backend.Write(s.Key(), data); err != nil {
		storeSaves.WithLabelValues(s.schema.Name, "error").Inc()
		return fmt.Errorf("save %s: %w", s.schema.Name, err)
	}

	storeSaves.WithLabelValues(s.schema.Name, "ok").Inc()
	storeSaveDuration.WithLabelValues(s.schema.Name).Observe(time.Since(start).Seconds())
	return nil
}

// Doc returns the loaded document. Callers must not retain it across a
// Reload or Clear.
func (s *Store[D]) Doc() (D, error) {
	if err := s.EnsureLoaded(); err != nil {
		var zero D
		return zero, err
	}
	return s.doc, nil
}

// Update loads the document, applies fn and saves. fn must leave the
// document untouched when it returns an error.
func (s *Store[D]) Update(fn func(doc D) error) error {
	if err := s.EnsureLoaded(); err != nil {
		return err
	}
	if err := fn(s.doc); err != nil {
		return err
	}
	return s.Save()
}

// Clear resets to the empty document and persists it.
func (s *Store[D]) Clear() error {
	s.doc = s.schema.New(s.householdID)
	s.loaded = true
	return s.Save()
}

// Reload discards in-memory state and reads the backend again, picking up
// out-of-band edits.
func (s *Store[D]) Reload() error {
	var zero D
	s.doc = zero
	s.loaded = false
	return s.Load()
}
