package engine

import (
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/lazypower/pantry/internal/memory"
)

// acceptedPatternRate is the acceptance rate at which a substitution pattern
// is reported as one the household accepts.
const acceptedPatternRate = 0.5

// ItemContext is one item's learned state as of a point in time.
type ItemContext struct {
	Item                  memory.ItemIdentifier   `json:"item"`
	Purchases             int                     `json:"purchases"`
	AverageQuantity       *float64                `json:"averageQuantity,omitempty"`
	TypicalPrice          *float64                `json:"typicalPrice,omitempty"`
	PurchaseFrequency     *float64                `json:"purchaseFrequency,omitempty"`
	PreferredVariant      string                  `json:"preferredVariant,omitempty"`
	LastPurchasedAt       *time.Time              `json:"lastPurchasedAt,omitempty"`
	DaysSinceLastPurchase *float64                `json:"daysSinceLastPurchase,omitempty"`
	Cadence               memory.EffectiveCadence `json:"cadence"`
	Due                   bool                    `json:"due"`
}

// SubstitutionContext is what the household has tolerated before.
type SubstitutionContext struct {
	PriceTolerance   memory.PriceDeltaTolerance   `json:"priceTolerance"`
	BrandTolerance   []memory.BrandTolerance      `json:"brandTolerance"`
	AcceptedPatterns []memory.SubstitutionPattern `json:"acceptedPatterns"`
}

// HouseholdContext is the read-only snapshot handed to the advisory layer.
type HouseholdContext struct {
	HouseholdID   string                       `json:"householdId"`
	GeneratedAt   time.Time                    `json:"generatedAt"`
	Preferences   memory.HouseholdPreferences  `json:"preferences"`
	FrequentItems []ItemContext                `json:"frequentItems"`
	RecentItems   []ItemContext                `json:"recentItems"`
	Substitutions SubstitutionContext          `json:"substitutions"`
	LastRun       *memory.EpisodicMemoryRecord `json:"lastRun,omitempty"`
}

func daysSince(asOf time.Time, last *time.Time) *float64 {
	if last == nil {
		return nil
	}
	d := math.Max(0, asOf.Sub(*last).Hours()/24)
	return &d
}

func (e *Engine) itemContext(sig memory.ItemSignal, asOf time.Time) (ItemContext, error) {
	eff, err := e.Household.Cadence.GetEffectiveCadence(sig.Item)
	if err != nil {
		return ItemContext{}, err
	}
	ic := ItemContext{
		Item:                  sig.Item,
		Purchases:             len(sig.PurchaseHistory),
		AverageQuantity:       sig.AverageQuantity,
		TypicalPrice:          sig.TypicalPrice,
		PurchaseFrequency:     sig.PurchaseFrequency,
		PreferredVariant:      sig.PreferredVariant,
		LastPurchasedAt:       sig.LastPurchasedAt,
		DaysSinceLastPurchase: daysSince(asOf, sig.LastPurchasedAt),
		Cadence:               eff,
		Due:                   true,
	}
	if ic.DaysSinceLastPurchase != nil {
		ic.Due = memory.DueForRestock(eff, *ic.DaysSinceLastPurchase, e.opts.RestockThreshold)
	}
	return ic, nil
}

func (e *Engine) itemContexts(sigs []memory.ItemSignal, asOf time.Time) ([]ItemContext, error) {
	out := make([]ItemContext, 0, len(sigs))
	for _, sig := range sigs {
		ic, err := e.itemContext(sig, asOf)
		if err != nil {
			return nil, err
		}
		out = append(out, ic)
	}
	return out, nil
}

// BuildContext assembles the household-context snapshot as of now.
func (e *Engine) BuildContext() (*HouseholdContext, error) {
	hh := e.Household
	asOf := e.Now()

	prefs, err := hh.Preferences.Get()
	if err != nil {
		return nil, fmt.Errorf("build context: %w", err)
	}
	frequent, err := hh.Signals.FrequentItems(e.opts.ContextItems)
	if err != nil {
		return nil, fmt.Errorf("build context: %w", err)
	}
	recent, err := hh.Signals.RecentItems(e.opts.ContextItems)
	if err != nil {
		return nil, fmt.Errorf("build context: %w", err)
	}
	subs, err := e.substitutionContext()
	if err != nil {
		return nil, fmt.Errorf("build context: %w", err)
	}
	last, err := hh.Episodes.LastCompletedRun()
	if err != nil {
		return nil, fmt.Errorf("build context: %w", err)
	}

	hc := &HouseholdContext{
		HouseholdID:   hh.ID,
		GeneratedAt:   asOf,
		Preferences:   prefs,
		Substitutions: subs,
		LastRun:       last,
	}
	if hc.FrequentItems, err = e.itemContexts(frequent, asOf); err != nil {
		return nil, fmt.Errorf("build context: %w", err)
	}
	if hc.RecentItems, err = e.itemContexts(recent, asOf); err != nil {
		return nil, fmt.Errorf("build context: %w", err)
	}
	return hc, nil
}

func (e *Engine) substitutionContext() (SubstitutionContext, error) {
	subs := e.Household.Substitutions
	price, err := subs.GetPriceDeltaTolerance()
	if err != nil {
		return SubstitutionContext{}, err
	}
	brands, err := subs.GetBrandToleranceScores()
	if err != nil {
		return SubstitutionContext{}, err
	}
	patterns, err := subs.GetSubstitutionPatterns()
	if err != nil {
		return SubstitutionContext{}, err
	}
	accepted := []memory.SubstitutionPattern{}
	for _, p := range patterns {
		if p.TimesAccepted > 0 && p.AcceptanceRate >= acceptedPatternRate {
			accepted = append(accepted, p)
		}
	}
	return SubstitutionContext{PriceTolerance: price, BrandTolerance: brands, AcceptedPatterns: accepted}, nil
}

// RestockCandidates reports every known item with its cadence and whether it
// is due as of asOf. Due items come first, most overdue first; the rest
// follow by name.
func (e *Engine) RestockCandidates(asOf time.Time) ([]ItemContext, error) {
	sigs, err := e.Household.Signals.ListSignals()
	if err != nil {
		return nil, fmt.Errorf("restock candidates: %w", err)
	}
	out, err := e.itemContexts(sigs, asOf)
	if err != nil {
		return nil, fmt.Errorf("restock candidates: %w", err)
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Due != out[j].Due {
			return out[i].Due
		}
		if out[i].Due {
			return overdue(out[i]) > overdue(out[j])
		}
		return memory.Fold(out[i].Item.Name) < memory.Fold(out[j].Item.Name)
	})
	return out, nil
}

// overdue is elapsed time as a fraction of the typical interval. Items with
// no usable cadence sort as most overdue.
func overdue(ic ItemContext) float64 {
	if ic.DaysSinceLastPurchase == nil || ic.Cadence.TypicalRestockDays <= 0 {
		return math.Inf(1)
	}
	return *ic.DaysSinceLastPurchase / ic.Cadence.TypicalRestockDays
}
