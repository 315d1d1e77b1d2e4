package server

import (
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/lazypower/pantry/internal/engine"
	"github.com/lazypower/pantry/internal/memory"
	"github.com/lazypower/pantry/internal/orders"
	"github.com/lazypower/pantry/internal/scoring"
)

const maxOrdersBody = 16 << 20

// handleImportOrders accepts a JSON array or JSON lines of orders. Invalid
// orders are skipped and counted; the rest are imported.
func (s *Server) handleImportOrders(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxOrdersBody))
	if err != nil {
		writeError(w, http.StatusBadRequest, "read body failed")
		return
	}
	parsed, err := orders.ParseBytes(body)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	s.withEngine(w, r, http.StatusOK, func(e *engine.Engine) (any, error) {
		res, err := e.ImportOrders(parsed.Orders)
		if err != nil {
			return nil, err
		}
		return map[string]any{
			"result":  res,
			"skipped": parsed.Skipped,
		}, nil
	})
}

func (s *Server) handleRankSlots(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Slots []scoring.Slot `json:"slots"`
		// Earliest is the first useful delivery date, YYYY-MM-DD.
		Earliest string `json:"earliest"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}
	var earliest time.Time
	if req.Earliest != "" {
		t, err := time.Parse(time.DateOnly, req.Earliest)
		if err != nil {
			writeError(w, http.StatusBadRequest, "earliest must be YYYY-MM-DD")
			return
		}
		earliest = t
	}

	s.withEngine(w, r, http.StatusOK, func(e *engine.Engine) (any, error) {
		ranked, err := e.RankSlots(req.Slots, earliest)
		if err != nil {
			return nil, err
		}
		return map[string]any{"slots": ranked}, nil
	})
}

func (s *Server) handleRankSubstitutes(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Original      memory.ItemIdentifier `json:"original"`
		OriginalPrice *float64              `json:"originalPrice"`
		Candidates    []scoring.Candidate   `json:"candidates"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.Original.Name == "" {
		writeError(w, http.StatusBadRequest, "original.name required")
		return
	}

	s.withEngine(w, r, http.StatusOK, func(e *engine.Engine) (any, error) {
		ranked, err := e.RankSubstitutes(req.Original, req.OriginalPrice, req.Candidates)
		if err != nil {
			return nil, err
		}
		return map[string]any{"candidates": ranked}, nil
	})
}

func (s *Server) handleRecordSubstitution(w http.ResponseWriter, r *http.Request) {
	var req memory.SubstitutionInput
	if !decodeJSON(w, r, &req) {
		return
	}
	s.withEngine(w, r, http.StatusCreated, func(e *engine.Engine) (any, error) {
		return e.RecordSubstitutionOutcome(req.RunID, req)
	})
}

func (s *Server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	s.withEngine(w, r, http.StatusOK, func(e *engine.Engine) (any, error) {
		runs, err := e.Household.Episodes.ListRuns()
		if err != nil {
			return nil, err
		}
		return map[string]any{"count": len(runs), "runs": runs}, nil
	})
}

func (s *Server) handleStartRun(w http.ResponseWriter, r *http.Request) {
	var req struct {
		RunID string `json:"runId"`
	}
	// An empty body starts a run with a generated id.
	if r.ContentLength != 0 && !decodeJSON(w, r, &req) {
		return
	}
	s.withEngine(w, r, http.StatusCreated, func(e *engine.Engine) (any, error) {
		return e.Household.Episodes.StartRun(req.RunID)
	})
}

func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "runID")
	s.withEngine(w, r, http.StatusOK, func(e *engine.Engine) (any, error) {
		run, err := e.Household.Episodes.GetRun(runID)
		if err != nil {
			return nil, err
		}
		if run == nil {
			return nil, memory.ErrNotFound
		}
		return run, nil
	})
}

func (s *Server) handleAdvancePhase(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Phase memory.Phase `json:"phase"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}
	runID := chi.URLParam(r, "runID")
	s.withEngine(w, r, http.StatusOK, func(e *engine.Engine) (any, error) {
		return e.Household.Episodes.AdvancePhase(runID, req.Phase)
	})
}

func (s *Server) handleAddAction(w http.ResponseWriter, r *http.Request) {
	var req memory.ItemAction
	if !decodeJSON(w, r, &req) {
		return
	}
	runID := chi.URLParam(r, "runID")
	s.withEngine(w, r, http.StatusOK, func(e *engine.Engine) (any, error) {
		return e.Household.Episodes.AddAction(runID, req)
	})
}

func (s *Server) handleCompleteRun(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Outcome    memory.RunOutcome `json:"outcome"`
		FinalPhase memory.Phase      `json:"finalPhase"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}
	runID := chi.URLParam(r, "runID")
	s.withEngine(w, r, http.StatusOK, func(e *engine.Engine) (any, error) {
		return e.Household.Episodes.CompleteRun(runID, req.Outcome, req.FinalPhase)
	})
}
