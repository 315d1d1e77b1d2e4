package server

import (
	"net/http"
	"time"

	"github.com/lazypower/pantry/internal/engine"
)

func (s *Server) handleGetContext(w http.ResponseWriter, r *http.Request) {
	s.withEngine(w, r, http.StatusOK, func(e *engine.Engine) (any, error) {
		return e.BuildContext()
	})
}

// handleRestock lists restock candidates. ?asOf=YYYY-MM-DD evaluates them at
// another date; ?due=true keeps only items due for restock.
func (s *Server) handleRestock(w http.ResponseWriter, r *http.Request) {
	var asOf time.Time
	if v := r.URL.Query().Get("asOf"); v != "" {
		t, err := time.Parse(time.DateOnly, v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "asOf must be YYYY-MM-DD")
			return
		}
		asOf = t.UTC()
	}
	dueOnly := r.URL.Query().Get("due") == "true"

	s.withEngine(w, r, http.StatusOK, func(e *engine.Engine) (any, error) {
		at := asOf
		if at.IsZero() {
			at = e.Now()
		}
		items, err := e.RestockCandidates(at)
		if err != nil {
			return nil, err
		}
		if dueOnly {
			due := items[:0]
			for _, it := range items {
				if it.Due {
					due = append(due, it)
				}
			}
			items = due
		}
		return map[string]any{
			"asOf":  at,
			"count": len(items),
			"items": items,
		}, nil
	})
}
