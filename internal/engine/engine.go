// Package engine orchestrates household memory: it fans order imports out to
// the stores, assembles the household-context snapshot for the advisory
// layer, and feeds store data into the scoring functions.
package engine

import (
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/lazypower/pantry/internal/memory"
	"github.com/lazypower/pantry/internal/orders"
	"github.com/lazypower/pantry/internal/scoring"
)

// Options tune the engine's use of the scoring functions.
type Options struct {
	SlotWeights         scoring.SlotWeights
	SubstituteWeights   scoring.SubstituteWeights
	SimilarityThreshold float64
	RestockThreshold    float64
	UrgencyHorizonDays  int
	// ContextItems caps the frequent and recent item lists in the context.
	ContextItems int
}

func DefaultOptions() Options {
	return Options{
		SlotWeights:         scoring.DefaultSlotWeights,
		SubstituteWeights:   scoring.DefaultSubstituteWeights,
		SimilarityThreshold: memory.DefaultSimilarityThreshold,
		RestockThreshold:    memory.DefaultRestockThreshold,
		UrgencyHorizonDays:  scoring.DefaultUrgencyHorizonDays,
		ContextItems:        20,
	}
}

// Engine runs operations against one household. Not safe for concurrent use;
// Registry serializes access.
type Engine struct {
	Household *memory.Household
	opts      Options
}

// New creates an Engine over an opened household.
func New(hh *memory.Household, opts Options) *Engine {
	return &Engine{Household: hh, opts: opts}
}

// Now is the household store clock.
func (e *Engine) Now() time.Time {
	return e.Household.Signals.Now()
}

// ImportResult summarizes an ImportOrders call.
type ImportResult struct {
	Orders    int                `json:"orders"`
	Purchases int                `json:"purchases"`
	Cadence   memory.LearnResult `json:"cadence"`
	// CadenceStale is set when purchases were saved but cadence learning
	// failed. RelearnCadence repairs it.
	CadenceStale bool `json:"cadenceStale,omitempty"`
}

// ImportOrders records every order line in the purchase ledger, then
// relearns cadences from the full history. The ledger write is the
// operation's result; the cadence update is best-effort.
func (e *Engine) ImportOrders(batch []orders.Order) (ImportResult, error) {
	res := ImportResult{Orders: len(batch)}
	if len(batch) == 0 {
		return res, nil
	}

	n, err := e.Household.Signals.BulkAddPurchases(orders.Entries(batch))
	if err != nil {
		return res, fmt.Errorf("import orders: %w", err)
	}
	res.Purchases = n

	learned, err := e.RelearnCadence()
	if err != nil {
		log.Warn().Err(err).Str("household", e.Household.ID).Msg("cadence update failed after import")
		res.CadenceStale = true
		return res, nil
	}
	res.Cadence = learned

	log.Info().
		Str("household", e.Household.ID).
		Int("orders", res.Orders).
		Int("purchases", res.Purchases).
		Int("itemCadences", learned.Items).
		Int("categoryCadences", learned.Categories).
		Msg("imported orders")
	return res, nil
}

// RelearnCadence recomputes every item and category cadence from the
// purchase ledger.
func (e *Engine) RelearnCadence() (memory.LearnResult, error) {
	all, err := e.Household.Signals.AllPurchases()
	if err != nil {
		return memory.LearnResult{}, fmt.Errorf("relearn cadence: %w", err)
	}
	return e.Household.Cadence.LearnFromPurchaseHistory(all)
}

// RecordSubstitutionOutcome appends to the substitution ledger and, when the
// substitution happened during a run, logs it on the run as a substituted
// action followed by its verdict. The run is checked before anything is
// written, so an unknown or completed run leaves the ledger untouched.
func (e *Engine) RecordSubstitutionOutcome(runID string, in memory.SubstitutionInput) (*memory.SubstitutionRecord, error) {
	if runID != "" {
		run, err := e.Household.Episodes.GetRun(runID)
		if err != nil {
			return nil, err
		}
		if run == nil {
			return nil, fmt.Errorf("record substitution on run %s: %w", runID, memory.ErrNotFound)
		}
		if run.Outcome.Terminal() {
			return nil, fmt.Errorf("record substitution on run %s: %w", runID, memory.ErrRunCompleted)
		}
	}

	in.RunID = runID
	rec, err := e.Household.Substitutions.RecordSubstitution(in)
	if err != nil {
		return nil, err
	}
	if runID == "" {
		return rec, nil
	}

	verdict := memory.ActionSubstitutionRejected
	if rec.Outcome.Accepted() {
		verdict = memory.ActionSubstitutionAccepted
	}
	details := fmt.Sprintf("%s -> %s", rec.OriginalItem.Name, rec.SubstituteItem.Name)
	for _, kind := range []memory.ActionKind{memory.ActionSubstituted, verdict} {
		_, err := e.Household.Episodes.AddAction(runID, memory.ItemAction{
			Kind:    kind,
			Item:    rec.OriginalItem.Name,
			Details: details,
		})
		if err != nil {
			return rec, fmt.Errorf("record substitution on run: %w", err)
		}
	}
	return rec, nil
}
