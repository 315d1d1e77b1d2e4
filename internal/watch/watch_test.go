package watch

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"
)

type recorder struct {
	mu    sync.Mutex
	calls []Change
}

func (r *recorder) Reload(householdID, fileName string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, Change{householdID, fileName})
	return nil
}

func (r *recorder) seen() []Change {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Change(nil), r.calls...)
}

func start(t *testing.T, dir string) (*recorder, chan []Change) {
	t.Helper()
	rec := &recorder{}
	w, err := New(dir, 20*time.Millisecond, rec)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	flushed := make(chan []Change, 16)
	w.OnFlush = func(b []Change) { flushed <- b }

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		w.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return rec, flushed
}

func writeFile(t *testing.T, path, body string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(body), 0644); err != nil {
		t.Fatal(err)
	}
}

func TestClassify(t *testing.T) {
	w := &Watcher{dir: "/data"}
	tests := []struct {
		path string
		want Change
		ok   bool
	}{
		{"/data/home-1/preferences.json", Change{"home-1", "preferences.json"}, true},
		{"/data/home-1/preferences.json.bak", Change{}, false},
		{"/data/home-1/.preferences.json-123.tmp", Change{}, false},
		{"/data/home-1", Change{}, false},
		{"/data/home-1/nested/cadence.json", Change{}, false},
		{"/data/pantry.db", Change{}, false},
		{"/elsewhere/home-1/cadence.json", Change{}, false},
	}
	for _, tt := range tests {
		got, ok := w.classify(tt.path)
		if ok != tt.ok || got != tt.want {
			t.Errorf("classify(%q) = %v, %v; want %v, %v", tt.path, got, ok, tt.want, tt.ok)
		}
	}
}

func TestWatcherReloadsChangedDocuments(t *testing.T) {
	dir := t.TempDir()
	hh := filepath.Join(dir, "home-1")
	if err := os.Mkdir(hh, 0755); err != nil {
		t.Fatal(err)
	}
	rec, flushed := start(t, dir)

	writeFile(t, filepath.Join(hh, ".preferences.json-1.tmp"), "{}")
	writeFile(t, filepath.Join(hh, "preferences.json.bak"), "{}")
	writeFile(t, filepath.Join(hh, "preferences.json"), "{}")
	writeFile(t, filepath.Join(hh, "preferences.json"), `{"v":2}`)

	select {
	case batch := <-flushed:
		if len(batch) != 1 || batch[0] != (Change{"home-1", "preferences.json"}) {
			t.Errorf("batch = %v, want one preferences.json change", batch)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("no reload after write")
	}
	if got := rec.seen(); len(got) == 0 || got[0] != (Change{"home-1", "preferences.json"}) {
		t.Errorf("reload calls = %v", got)
	}
}

func TestWatcherPicksUpNewHousehold(t *testing.T) {
	dir := t.TempDir()
	_, flushed := start(t, dir)

	hh := filepath.Join(dir, "home-2")
	if err := os.Mkdir(hh, 0755); err != nil {
		t.Fatal(err)
	}

	// The directory is added asynchronously; keep writing until it is seen.
	deadline := time.After(5 * time.Second)
	tick := time.NewTicker(50 * time.Millisecond)
	defer tick.Stop()
	for {
		select {
		case batch := <-flushed:
			for _, c := range batch {
				if c == (Change{"home-2", "cadence.json"}) {
					return
				}
			}
		case <-tick.C:
			writeFile(t, filepath.Join(hh, "cadence.json"), "{}")
		case <-deadline:
			t.Fatal("new household directory never watched")
		}
	}
}

func TestNewMissingDir(t *testing.T) {
	if _, err := New(filepath.Join(t.TempDir(), "missing"), time.Millisecond, &recorder{}); err == nil {
		t.Error("expected error for missing directory")
	}
}
