package memory

import (
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/lazypower/pantry/internal/scoring"
	"github.com/lazypower/pantry/internal/store"
)

const cadenceVersion = 1

const (
	// DefaultRestockThreshold is the fraction of the typical interval after
	// which an item counts as due.
	DefaultRestockThreshold = 0.8
	// MinTrustedConfidence is the confidence below which restock decisions
	// ignore the learned cadence.
	MinTrustedConfidence = 0.3
	// overrideTolerance is the relative difference between an item and its
	// category at which the item overrides the category default.
	overrideTolerance = 0.2
)

// Cadence sources reported by GetEffectiveCadence.
const (
	SourceItem     = "item"
	SourceCategory = "category"
	SourceNone     = "none"
)

// Cadence is a learned restock interval for an item or a category.
type Cadence struct {
	Subject            string     `json:"subject" validate:"required"`
	TypicalRestockDays float64    `json:"typicalRestockDays" validate:"gte=0"`
	MinRestockDays     float64    `json:"minRestockDays" validate:"gte=0"`
	MaxRestockDays     float64    `json:"maxRestockDays" validate:"gte=0"`
	SampleSize         int        `json:"sampleSize" validate:"gte=0"`
	Confidence         float64    `json:"confidence" validate:"gte=0,lte=1"`
	LastPurchasedAt    *time.Time `json:"lastPurchasedAt,omitempty"`
	UpdatedAt          time.Time  `json:"updatedAt"`
}

type ItemCadence struct {
	Cadence
	Category                 string `json:"category,omitempty"`
	OverridesCategoryDefault bool   `json:"overridesCategoryDefault"`
}

type CategoryCadence struct {
	Cadence
}

// CadenceStats is the result of CalculateCadence. SampleSize counts
// intervals, not dates.
type CadenceStats struct {
	TypicalDays     float64
	MinDays         float64
	MaxDays         float64
	SampleSize      int
	Confidence      float64
	LastPurchasedAt *time.Time
}

// EffectiveCadence is the cadence that applies to an item after falling back
// from item to category.
type EffectiveCadence struct {
	Source             string  `json:"source"`
	Subject            string  `json:"subject,omitempty"`
	TypicalRestockDays float64 `json:"typicalRestockDays"`
	MinRestockDays     float64 `json:"minRestockDays"`
	MaxRestockDays     float64 `json:"maxRestockDays"`
	SampleSize         int     `json:"sampleSize"`
	Confidence         float64 `json:"confidence"`
}

// LearnResult counts cadences updated by LearnFromPurchaseHistory.
type LearnResult struct {
	Items      int `json:"items"`
	Categories int `json:"categories"`
}

// CadenceDocument is persisted as cadence.json. Both maps are keyed by the
// folded subject.
type CadenceDocument struct {
	store.Meta
	Items      map[string]ItemCadence     `json:"items" validate:"dive"`
	Categories map[string]CategoryCadence `json:"categories" validate:"dive"`
}

var CadenceSchema = store.Schema[*CadenceDocument]{
	Name:     "cadence",
	FileName: "cadence.json",
	Version:  cadenceVersion,
	New: func(householdID string) *CadenceDocument {
		return &CadenceDocument{
			Meta:       store.Meta{Version: cadenceVersion, HouseholdID: householdID},
			Items:      map[string]ItemCadence{},
			Categories: map[string]CategoryCadence{},
		}
	},
	Check: func(doc *CadenceDocument) error {
		for k, c := range doc.Items {
			if Fold(c.Subject) != k {
				return store.Violation(fmt.Sprintf("items[%s].subject", k), "subject %q does not match key", c.Subject)
			}
		}
		for k, c := range doc.Categories {
			if Fold(c.Subject) != k {
				return store.Violation(fmt.Sprintf("categories[%s].subject", k), "subject %q does not match key", c.Subject)
			}
		}
		return nil
	},
	Normalize: func(doc *CadenceDocument) {
		if doc.Items == nil {
			doc.Items = map[string]ItemCadence{}
		}
		if doc.Categories == nil {
			doc.Categories = map[string]CategoryCadence{}
		}
	},
}

// CadenceStore learns restock intervals per item and per category.
type CadenceStore struct {
	*store.Store[*CadenceDocument]
}

func NewCadenceStore(b store.Backend, householdID string, opts ...store.Option) *CadenceStore {
	return &CadenceStore{store.New(b, householdID, CadenceSchema, opts...)}
}

// CalculateCadence infers a restock interval from purchase dates. Fewer than
// two dates give zero values. Confidence is sampleFactor * consistencyFactor
// over the intervals.
func CalculateCadence(dates []time.Time) CadenceStats {
	if len(dates) < 2 {
		return CadenceStats{}
	}
	sorted := append([]time.Time(nil), dates...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Before(sorted[j]) })

	intervals := make([]float64, 0, len(sorted)-1)
	lo, hi := math.Inf(1), math.Inf(-1)
	for i := 1; i < len(sorted); i++ {
		d := sorted[i].Sub(sorted[i-1]).Hours() / 24
		intervals = append(intervals, d)
		lo = math.Min(lo, d)
		hi = math.Max(hi, d)
	}

	last := sorted[len(sorted)-1].UTC()
	return CadenceStats{
		TypicalDays:     scoring.Mean(intervals),
		MinDays:         lo,
		MaxDays:         hi,
		SampleSize:      len(intervals),
		Confidence:      scoring.IntervalConfidence(intervals),
		LastPurchasedAt: &last,
	}
}

func (st CadenceStats) cadence(subject string, now time.Time) Cadence {
	return Cadence{
		Subject:            subject,
		TypicalRestockDays: st.TypicalDays,
		MinRestockDays:     st.MinDays,
		MaxRestockDays:     st.MaxDays,
		SampleSize:         st.SampleSize,
		Confidence:         st.Confidence,
		LastPurchasedAt:    st.LastPurchasedAt,
		UpdatedAt:          now,
	}
}

// overridesCategory reports whether an item's interval differs from its
// category's by more than overrideTolerance.
func overridesCategory(item float64, cat CategoryCadence, ok bool) bool {
	if !ok || cat.TypicalRestockDays <= 0 {
		return false
	}
	return math.Abs(item-cat.TypicalRestockDays)/cat.TypicalRestockDays > overrideTolerance
}

func (s *CadenceStore) setItem(doc *CadenceDocument, item ItemIdentifier, dates []time.Time, now time.Time) ItemCadence {
	item = item.clean()
	key := Fold(item.Name)
	category := item.Category
	if category == "" {
		category = doc.Items[key].Category
	}

	st := CalculateCadence(dates)
	cat, ok := doc.Categories[Fold(category)]
	c := ItemCadence{
		Cadence:                  st.cadence(item.Name, now),
		Category:                 category,
		OverridesCategoryDefault: category != "" && overridesCategory(st.TypicalDays, cat, ok),
	}
	doc.Items[key] = c
	return c
}

func (s *CadenceStore) setCategory(doc *CadenceDocument, category string, dates []time.Time, now time.Time) CategoryCadence {
	c := CategoryCadence{Cadence: CalculateCadence(dates).cadence(category, now)}
	doc.Categories[Fold(category)] = c
	return c
}

// UpdateItemCadence recomputes an item's cadence from its purchase dates.
func (s *CadenceStore) UpdateItemCadence(item ItemIdentifier, dates []time.Time) (*ItemCadence, error) {
	if Fold(item.Name) == "" {
		return nil, fmt.Errorf("update item cadence: %w: item name is required", ErrInvalid)
	}
	var out ItemCadence
	err := s.Update(func(doc *CadenceDocument) error {
		out = s.setItem(doc, item, dates, s.Now())
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("update item cadence: %w", err)
	}
	return &out, nil
}

// UpdateCategoryCadence recomputes a category's cadence from purchase dates.
func (s *CadenceStore) UpdateCategoryCadence(category string, dates []time.Time) (*CategoryCadence, error) {
	category = ItemIdentifier{Category: category}.clean().Category
	if category == "" {
		return nil, fmt.Errorf("update category cadence: %w: category is required", ErrInvalid)
	}
	var out CategoryCadence
	err := s.Update(func(doc *CadenceDocument) error {
		out = s.setCategory(doc, category, dates, s.Now())
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("update category cadence: %w", err)
	}
	return &out, nil
}

// GetItemCadence returns the item's own cadence, or nil.
func (s *CadenceStore) GetItemCadence(name string) (*ItemCadence, error) {
	doc, err := s.Doc()
	if err != nil {
		return nil, err
	}
	c, ok := doc.Items[Fold(name)]
	if !ok {
		return nil, nil
	}
	return &c, nil
}

// GetCategoryCadence returns the category's cadence, or nil.
func (s *CadenceStore) GetCategoryCadence(category string) (*CategoryCadence, error) {
	doc, err := s.Doc()
	if err != nil {
		return nil, err
	}
	c, ok := doc.Categories[Fold(category)]
	if !ok {
		return nil, nil
	}
	return &c, nil
}

// ListItemCadences returns every item cadence ordered by subject.
func (s *CadenceStore) ListItemCadences() ([]ItemCadence, error) {
	doc, err := s.Doc()
	if err != nil {
		return nil, err
	}
	keys := make([]string, 0, len(doc.Items))
	for k := range doc.Items {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]ItemCadence, len(keys))
	for i, k := range keys {
		out[i] = doc.Items[k]
	}
	return out, nil
}

// ListCategoryCadences returns every category cadence ordered by subject.
func (s *CadenceStore) ListCategoryCadences() ([]CategoryCadence, error) {
	doc, err := s.Doc()
	if err != nil {
		return nil, err
	}
	keys := make([]string, 0, len(doc.Categories))
	for k := range doc.Categories {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]CategoryCadence, len(keys))
	for i, k := range keys {
		out[i] = doc.Categories[k]
	}
	return out, nil
}

func effective(source string, c Cadence) EffectiveCadence {
	return EffectiveCadence{
		Source:             source,
		Subject:            c.Subject,
		TypicalRestockDays: c.TypicalRestockDays,
		MinRestockDays:     c.MinRestockDays,
		MaxRestockDays:     c.MaxRestockDays,
		SampleSize:         c.SampleSize,
		Confidence:         c.Confidence,
	}
}

// GetEffectiveCadence resolves the item's cadence, falling back to its
// category, then to a zero cadence with source "none".
func (s *CadenceStore) GetEffectiveCadence(item ItemIdentifier) (EffectiveCadence, error) {
	doc, err := s.Doc()
	if err != nil {
		return EffectiveCadence{}, err
	}
	ic, ok := doc.Items[Fold(item.Name)]
	if ok {
		return effective(SourceItem, ic.Cadence), nil
	}
	if cc, ok := doc.Categories[Fold(item.Category)]; ok && item.Category != "" {
		return effective(SourceCategory, cc.Cadence), nil
	}
	return EffectiveCadence{Source: SourceNone}, nil
}

// IsDueForRestock reports whether enough days have passed since the last
// purchase. Without a trusted cadence it answers true so the item is never
// suppressed. A non-positive threshold uses DefaultRestockThreshold.
func (s *CadenceStore) IsDueForRestock(item ItemIdentifier, daysSinceLastPurchase, threshold float64) (bool, error) {
	eff, err := s.GetEffectiveCadence(item)
	if err != nil {
		return false, err
	}
	return DueForRestock(eff, daysSinceLastPurchase, threshold), nil
}

// DueForRestock is the decision behind IsDueForRestock for an already
// resolved cadence.
func DueForRestock(eff EffectiveCadence, daysSinceLastPurchase, threshold float64) bool {
	if threshold <= 0 {
		threshold = DefaultRestockThreshold
	}
	if eff.Source == SourceNone || eff.Confidence < MinTrustedConfidence {
		return true
	}
	return daysSinceLastPurchase >= eff.TypicalRestockDays*threshold
}

type dateGroup struct {
	subject ItemIdentifier
	days    map[string]time.Time
}

func (g *dateGroup) add(t time.Time) {
	t = t.UTC()
	g.days[t.Format(time.DateOnly)] = t
}

func (g *dateGroup) dates() []time.Time {
	out := make([]time.Time, 0, len(g.days))
	for _, t := range g.days {
		out = append(out, t)
	}
	return out
}

func sortedKeys(m map[string]*dateGroup) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// LearnFromPurchaseHistory updates cadences for every item and category in
// the entries with at least two distinct purchase days. Multiple purchases
// on one calendar day count once. Categories are updated first so item
// override flags compare against fresh category data. One save.
func (s *CadenceStore) LearnFromPurchaseHistory(entries []PurchaseEntry) (LearnResult, error) {
	items := map[string]*dateGroup{}
	cats := map[string]*dateGroup{}
	for _, e := range entries {
		id := e.Item.clean()
		if k := Fold(id.Name); k != "" {
			g, ok := items[k]
			if !ok {
				g = &dateGroup{subject: id, days: map[string]time.Time{}}
				items[k] = g
			}
			if g.subject.Category == "" {
				g.subject.Category = id.Category
			}
			g.add(e.Purchase.Date)
		}
		if k := Fold(id.Category); k != "" {
			g, ok := cats[k]
			if !ok {
				g = &dateGroup{subject: ItemIdentifier{Category: id.Category}, days: map[string]time.Time{}}
				cats[k] = g
			}
			g.add(e.Purchase.Date)
		}
	}

	var res LearnResult
	err := s.Update(func(doc *CadenceDocument) error {
		now := s.Now()
		for _, k := range sortedKeys(cats) {
			g := cats[k]
			if len(g.days) < 2 {
				continue
			}
			s.setCategory(doc, g.subject.Category, g.dates(), now)
			res.Categories++
		}
		for _, k := range sortedKeys(items) {
			g := items[k]
			if len(g.days) < 2 {
				continue
			}
			s.setItem(doc, g.subject, g.dates(), now)
			res.Items++
		}
		return nil
	})
	if err != nil {
		return LearnResult{}, fmt.Errorf("learn cadence: %w", err)
	}
	return res, nil
}
