package memory

import (
	"fmt"
	"slices"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/lazypower/pantry/internal/store"
)

const episodesVersion = 1

// Phase is a step of a planning run. Runs only move forward through phases.
type Phase string

const (
	PhaseInit          Phase = "init"
	PhaseCartLoad      Phase = "cart-load"
	PhaseStockPrune    Phase = "stock-prune"
	PhaseSubstitution  Phase = "substitution"
	PhaseSlotSelection Phase = "slot-selection"
	PhaseReview        Phase = "review"
	PhaseCheckout      Phase = "checkout"
)

// Phases lists every phase in run order.
var Phases = []Phase{PhaseInit, PhaseCartLoad, PhaseStockPrune, PhaseSubstitution, PhaseSlotSelection, PhaseReview, PhaseCheckout}

func (p Phase) index() int {
	for i, q := range Phases {
		if p == q {
			return i
		}
	}
	return -1
}

func (p Phase) Valid() bool { return p.index() >= 0 }

// RunOutcome is in-progress until the run is completed.
type RunOutcome string

const (
	RunInProgress RunOutcome = "in-progress"
	RunSuccess    RunOutcome = "success"
	RunPartial    RunOutcome = "partial"
	RunFailed     RunOutcome = "failed"
	RunAborted    RunOutcome = "aborted"
)

func (o RunOutcome) Terminal() bool {
	switch o {
	case RunSuccess, RunPartial, RunFailed, RunAborted:
		return true
	}
	return false
}

// ActionKind classifies an ItemAction. Each kind feeds exactly one counter.
type ActionKind string

const (
	ActionAdded                ActionKind = "added"
	ActionRemoved              ActionKind = "removed"
	ActionSubstituted          ActionKind = "substituted"
	ActionSubstitutionAccepted ActionKind = "substitution-accepted"
	ActionSubstitutionRejected ActionKind = "substitution-rejected"
	ActionPruned               ActionKind = "pruned"
)

type ItemAction struct {
	Kind      ActionKind `json:"kind" validate:"oneof=added removed substituted substitution-accepted substitution-rejected pruned"`
	Item      string     `json:"item" validate:"required"`
	Quantity  *float64   `json:"quantity,omitempty"`
	Details   string     `json:"details,omitempty"`
	Phase     Phase      `json:"phase,omitempty"`
	Timestamp time.Time  `json:"timestamp"`
}

type RunError struct {
	Phase     Phase     `json:"phase"`
	Message   string    `json:"message" validate:"required"`
	Timestamp time.Time `json:"timestamp"`
}

type PhaseTransition struct {
	Phase     Phase     `json:"phase" validate:"oneof=init cart-load stock-prune substitution slot-selection review checkout"`
	EnteredAt time.Time `json:"enteredAt"`
}

type UserApproval struct {
	Approved bool      `json:"approved"`
	Feedback string    `json:"feedback,omitempty"`
	At       time.Time `json:"at"`
}

// EpisodicMemoryRecord is the durable log of one run.
type EpisodicMemoryRecord struct {
	RunID        string            `json:"runId" validate:"required"`
	StartedAt    time.Time         `json:"startedAt"`
	CompletedAt  *time.Time        `json:"completedAt,omitempty"`
	DurationMs   *int64            `json:"durationMs,omitempty"`
	FinalPhase   Phase             `json:"finalPhase" validate:"oneof=init cart-load stock-prune substitution slot-selection review checkout"`
	PhaseHistory []PhaseTransition `json:"phaseHistory" validate:"dive"`
	Outcome      RunOutcome        `json:"outcome" validate:"oneof=in-progress success partial failed aborted"`
	Actions      []ItemAction      `json:"actions" validate:"dive"`
	Errors       []RunError        `json:"errors" validate:"dive"`

	ItemsAdded            int `json:"itemsAdded"`
	ItemsRemoved          int `json:"itemsRemoved"`
	SubstitutionsMade     int `json:"substitutionsMade"`
	SubstitutionsAccepted int `json:"substitutionsAccepted"`
	SubstitutionsRejected int `json:"substitutionsRejected"`
	ItemsPruned           int `json:"itemsPruned"`

	UserApproval *UserApproval `json:"userApproval,omitempty"`
	CartTotal    *float64      `json:"cartTotal,omitempty"`
	SelectedSlot string        `json:"selectedSlot,omitempty"`
	Notes        string        `json:"notes,omitempty"`
}

// counter returns the counter an action kind increments.
func (r *EpisodicMemoryRecord) counter(kind ActionKind) *int {
	switch kind {
	case ActionAdded:
		return &r.ItemsAdded
	case ActionRemoved:
		return &r.ItemsRemoved
	case ActionSubstituted:
		return &r.SubstitutionsMade
	case ActionSubstitutionAccepted:
		return &r.SubstitutionsAccepted
	case ActionSubstitutionRejected:
		return &r.SubstitutionsRejected
	case ActionPruned:
		return &r.ItemsPruned
	}
	return nil
}

// countersMatch reports the first counter that disagrees with the actions.
func (r *EpisodicMemoryRecord) countersMatch() (string, bool) {
	var want EpisodicMemoryRecord
	for _, a := range r.Actions {
		if c := want.counter(a.Kind); c != nil {
			*c++
		}
	}
	checks := []struct {
		name      string
		got, want int
	}{
		{"itemsAdded", r.ItemsAdded, want.ItemsAdded},
		{"itemsRemoved", r.ItemsRemoved, want.ItemsRemoved},
		{"substitutionsMade", r.SubstitutionsMade, want.SubstitutionsMade},
		{"substitutionsAccepted", r.SubstitutionsAccepted, want.SubstitutionsAccepted},
		{"substitutionsRejected", r.SubstitutionsRejected, want.SubstitutionsRejected},
		{"itemsPruned", r.ItemsPruned, want.ItemsPruned},
	}
	for _, c := range checks {
		if c.got != c.want {
			return fmt.Sprintf("%s is %d but actions count %d", c.name, c.got, c.want), false
		}
	}
	return "", true
}

func copyRecord(r EpisodicMemoryRecord) EpisodicMemoryRecord {
	r.PhaseHistory = slices.Clone(r.PhaseHistory)
	r.Actions = slices.Clone(r.Actions)
	r.Errors = slices.Clone(r.Errors)
	return r
}

// RunUpdate carries the mutable annotations of a run. Nil fields are left
// unchanged.
type RunUpdate struct {
	CartTotal    *float64 `json:"cartTotal,omitempty"`
	SelectedSlot *string  `json:"selectedSlot,omitempty"`
	Notes        *string  `json:"notes,omitempty"`
}

// EpisodesDocument is persisted as episodes.json.
type EpisodesDocument struct {
	store.Meta
	Runs []EpisodicMemoryRecord `json:"runs" validate:"dive"`
}

var EpisodesSchema = store.Schema[*EpisodesDocument]{
	Name:     "episodes",
	FileName: "episodes.json",
	Version:  episodesVersion,
	New: func(householdID string) *EpisodesDocument {
		return &EpisodesDocument{
			Meta: store.Meta{Version: episodesVersion, HouseholdID: householdID},
			Runs: []EpisodicMemoryRecord{},
		}
	},
	Check: func(doc *EpisodesDocument) error {
		seen := make(map[string]bool, len(doc.Runs))
		for i := range doc.Runs {
			r := &doc.Runs[i]
			if seen[r.RunID] {
				return store.Violation(fmt.Sprintf("runs[%d].runId", i), "duplicate runId %q", r.RunID)
			}
			seen[r.RunID] = true
			if msg, ok := r.countersMatch(); !ok {
				return store.Violation(fmt.Sprintf("runs[%d]", i), "%s", msg)
			}
			if r.Outcome.Terminal() != (r.CompletedAt != nil) {
				return store.Violation(fmt.Sprintf("runs[%d].completedAt", i), "must be set exactly when the run is completed (outcome %s)", r.Outcome)
			}
		}
		return nil
	},
	Normalize: func(doc *EpisodesDocument) {
		if doc.Runs == nil {
			doc.Runs = []EpisodicMemoryRecord{}
		}
		for i := range doc.Runs {
			r := &doc.Runs[i]
			if r.PhaseHistory == nil {
				r.PhaseHistory = []PhaseTransition{}
			}
			if r.Actions == nil {
				r.Actions = []ItemAction{}
			}
			if r.Errors == nil {
				r.Errors = []RunError{}
			}
		}
	},
}

// EpisodeStore is the per-run outcome ledger.
type EpisodeStore struct {
	*store.Store[*EpisodesDocument]
}

func NewEpisodeStore(b store.Backend, householdID string, opts ...store.Option) *EpisodeStore {
	return &EpisodeStore{store.New(b, householdID, EpisodesSchema, opts...)}
}

func findRun(doc *EpisodesDocument, runID string) *EpisodicMemoryRecord {
	for i := range doc.Runs {
		if doc.Runs[i].RunID == runID {
			return &doc.Runs[i]
		}
	}
	return nil
}

// mutateRun applies fn to an existing run and saves. Unknown runs are
// ErrNotFound.
func (s *EpisodeStore) mutateRun(op, runID string, fn func(r *EpisodicMemoryRecord, now time.Time) error) (*EpisodicMemoryRecord, error) {
	var out EpisodicMemoryRecord
	err := s.Update(func(doc *EpisodesDocument) error {
		r := findRun(doc, runID)
		if r == nil {
			return fmt.Errorf("%s %s: %w", op, runID, ErrNotFound)
		}
		if err := fn(r, s.Now()); err != nil {
			return fmt.Errorf("%s %s: %w", op, runID, err)
		}
		out = copyRecord(*r)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

func requireInProgress(r *EpisodicMemoryRecord) error {
	if r.Outcome.Terminal() {
		return ErrRunCompleted
	}
	return nil
}

// StartRun opens a run in phase init. An empty runID gets a generated UUID.
func (s *EpisodeStore) StartRun(runID string) (*EpisodicMemoryRecord, error) {
	if runID == "" {
		runID = uuid.NewString()
	}
	var out EpisodicMemoryRecord
	err := s.Update(func(doc *EpisodesDocument) error {
		if findRun(doc, runID) != nil {
			return fmt.Errorf("start run %s: %w", runID, ErrDuplicateRun)
		}
		now := s.Now()
		r := EpisodicMemoryRecord{
			RunID:        runID,
			StartedAt:    now,
			FinalPhase:   PhaseInit,
			PhaseHistory: []PhaseTransition{{Phase: PhaseInit, EnteredAt: now}},
			Outcome:      RunInProgress,
			Actions:      []ItemAction{},
			Errors:       []RunError{},
		}
		doc.Runs = append(doc.Runs, r)
		out = copyRecord(r)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// AdvancePhase moves an in-progress run forward. Advancing to the current
// phase is a no-op.
func (s *EpisodeStore) AdvancePhase(runID string, phase Phase) (*EpisodicMemoryRecord, error) {
	if !phase.Valid() {
		return nil, fmt.Errorf("advance phase: %w: unknown phase %q", ErrInvalid, phase)
	}
	return s.mutateRun("advance phase", runID, func(r *EpisodicMemoryRecord, now time.Time) error {
		if err := requireInProgress(r); err != nil {
			return err
		}
		return advance(r, phase, now)
	})
}

func advance(r *EpisodicMemoryRecord, phase Phase, now time.Time) error {
	switch cur := r.FinalPhase.index(); {
	case phase.index() < cur:
		return fmt.Errorf("%w: %s to %s", ErrPhaseBackward, r.FinalPhase, phase)
	case phase.index() == cur:
		return nil
	}
	r.FinalPhase = phase
	r.PhaseHistory = append(r.PhaseHistory, PhaseTransition{Phase: phase, EnteredAt: now})
	return nil
}

// AddAction appends an action and increments its counter. The action's phase
// defaults to the run's current phase.
func (s *EpisodeStore) AddAction(runID string, action ItemAction) (*EpisodicMemoryRecord, error) {
	if err := checkInput("action", action); err != nil {
		return nil, err
	}
	return s.mutateRun("add action", runID, func(r *EpisodicMemoryRecord, now time.Time) error {
		if err := requireInProgress(r); err != nil {
			return err
		}
		if action.Phase == "" {
			action.Phase = r.FinalPhase
		}
		action.Timestamp = now
		r.Actions = append(r.Actions, action)
		*r.counter(action.Kind)++
		return nil
	})
}

// AddError records a failure in a phase. The run's outcome is unchanged.
func (s *EpisodeStore) AddError(runID string, phase Phase, message string) (*EpisodicMemoryRecord, error) {
	if message == "" {
		return nil, fmt.Errorf("add error: %w: message is required", ErrInvalid)
	}
	return s.mutateRun("add error", runID, func(r *EpisodicMemoryRecord, now time.Time) error {
		if phase == "" {
			phase = r.FinalPhase
		}
		r.Errors = append(r.Errors, RunError{Phase: phase, Message: message, Timestamp: now})
		return nil
	})
}

// UpdateRun sets cart total, selected slot or notes.
func (s *EpisodeStore) UpdateRun(runID string, u RunUpdate) (*EpisodicMemoryRecord, error) {
	return s.mutateRun("update run", runID, func(r *EpisodicMemoryRecord, _ time.Time) error {
		if u.CartTotal != nil {
			r.CartTotal = copyFloat(u.CartTotal)
		}
		if u.SelectedSlot != nil {
			r.SelectedSlot = *u.SelectedSlot
		}
		if u.Notes != nil {
			r.Notes = *u.Notes
		}
		return nil
	})
}

// CompleteRun is the terminal transition. An empty finalPhase keeps the
// current phase. A completed run cannot be completed again or resumed.
func (s *EpisodeStore) CompleteRun(runID string, outcome RunOutcome, finalPhase Phase) (*EpisodicMemoryRecord, error) {
	if !outcome.Terminal() {
		return nil, fmt.Errorf("complete run: %w: outcome %q is not terminal", ErrInvalid, outcome)
	}
	if finalPhase != "" && !finalPhase.Valid() {
		return nil, fmt.Errorf("complete run: %w: unknown phase %q", ErrInvalid, finalPhase)
	}
	return s.mutateRun("complete run", runID, func(r *EpisodicMemoryRecord, now time.Time) error {
		if err := requireInProgress(r); err != nil {
			return err
		}
		if finalPhase != "" {
			if err := advance(r, finalPhase, now); err != nil {
				return err
			}
		}
		done := now
		ms := done.Sub(r.StartedAt).Milliseconds()
		r.CompletedAt = &done
		r.DurationMs = &ms
		r.Outcome = outcome
		return nil
	})
}

// SetUserApproval records the household's verdict on a run, independent of
// its outcome.
func (s *EpisodeStore) SetUserApproval(runID string, approved bool, feedback string) (*EpisodicMemoryRecord, error) {
	return s.mutateRun("set user approval", runID, func(r *EpisodicMemoryRecord, now time.Time) error {
		r.UserApproval = &UserApproval{Approved: approved, Feedback: feedback, At: now}
		return nil
	})
}

// GetRun returns a copy of a run, or nil.
func (s *EpisodeStore) GetRun(runID string) (*EpisodicMemoryRecord, error) {
	doc, err := s.Doc()
	if err != nil {
		return nil, err
	}
	r := findRun(doc, runID)
	if r == nil {
		return nil, nil
	}
	out := copyRecord(*r)
	return &out, nil
}

// ListRuns returns every run, most recently started first.
func (s *EpisodeStore) ListRuns() ([]EpisodicMemoryRecord, error) {
	doc, err := s.Doc()
	if err != nil {
		return nil, err
	}
	out := make([]EpisodicMemoryRecord, len(doc.Runs))
	for i, r := range doc.Runs {
		out[i] = copyRecord(r)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].StartedAt.After(out[j].StartedAt) })
	return out, nil
}

// LastCompletedRun returns the run completed most recently, or nil.
func (s *EpisodeStore) LastCompletedRun() (*EpisodicMemoryRecord, error) {
	doc, err := s.Doc()
	if err != nil {
		return nil, err
	}
	var last *EpisodicMemoryRecord
	for i := range doc.Runs {
		r := &doc.Runs[i]
		if r.CompletedAt == nil {
			continue
		}
		if last == nil || r.CompletedAt.After(*last.CompletedAt) {
			last = r
		}
	}
	if last == nil {
		return nil, nil
	}
	out := copyRecord(*last)
	return &out, nil
}
