package memory

import (
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/lazypower/pantry/internal/store"
)

const substitutionsVersion = 1

// Outcome is how a substitution was resolved.
type Outcome string

const (
	OutcomeAccepted     Outcome = "accepted"
	OutcomeRejected     Outcome = "rejected"
	OutcomeAutoApproved Outcome = "auto-approved"
)

// Accepted reports whether the substitute was kept.
func (o Outcome) Accepted() bool {
	return o == OutcomeAccepted || o == OutcomeAutoApproved
}

// SubstitutionRecord is one entry in the append-only substitution ledger.
// Only Outcome and UserFeedback change after it is recorded.
type SubstitutionRecord struct {
	ID                string         `json:"id" validate:"required"`
	Timestamp         time.Time      `json:"timestamp"`
	OriginalItem      ItemIdentifier `json:"originalItem"`
	SubstituteItem    ItemIdentifier `json:"substituteItem"`
	Reason            string         `json:"reason,omitempty"`
	OriginalPrice     *float64       `json:"originalPrice,omitempty"`
	SubstitutePrice   *float64       `json:"substitutePrice,omitempty"`
	PriceDelta        *float64       `json:"priceDelta,omitempty"`
	PriceDeltaPercent *float64       `json:"priceDeltaPercent,omitempty"`
	Outcome           Outcome        `json:"outcome" validate:"oneof=accepted rejected auto-approved"`
	UserFeedback      string         `json:"userFeedback,omitempty"`
	SameBrand         bool           `json:"sameBrand"`
	SameCategory      bool           `json:"sameCategory"`
	RunID             string         `json:"runId,omitempty"`
}

// SubstitutionInput is what callers supply to RecordSubstitution; the store
// derives the rest.
type SubstitutionInput struct {
	OriginalItem    ItemIdentifier `json:"originalItem"`
	SubstituteItem  ItemIdentifier `json:"substituteItem"`
	Reason          string         `json:"reason,omitempty"`
	OriginalPrice   *float64       `json:"originalPrice,omitempty" validate:"omitempty,gte=0"`
	SubstitutePrice *float64       `json:"substitutePrice,omitempty" validate:"omitempty,gte=0"`
	Outcome         Outcome        `json:"outcome" validate:"oneof=accepted rejected auto-approved"`
	UserFeedback    string         `json:"userFeedback,omitempty"`
	RunID           string         `json:"runId,omitempty"`
}

// SubstitutionPattern aggregates every record for one (original, substitute)
// pair.
type SubstitutionPattern struct {
	OriginalItem      string    `json:"originalItem"`
	SubstituteItem    string    `json:"substituteItem"`
	TimesAccepted     int       `json:"timesAccepted"`
	TimesRejected     int       `json:"timesRejected"`
	SampleSize        int       `json:"sampleSize"`
	AcceptanceRate    float64   `json:"acceptanceRate"`
	AveragePriceDelta *float64  `json:"averagePriceDelta,omitempty"`
	LastSeen          time.Time `json:"lastSeen"`
}

// BrandTolerance is how often substitutes of one brand were accepted when
// they crossed brands.
type BrandTolerance struct {
	Brand          string  `json:"brand"`
	TimesAccepted  int     `json:"timesAccepted"`
	TimesRejected  int     `json:"timesRejected"`
	SampleSize     int     `json:"sampleSize"`
	AcceptanceRate float64 `json:"acceptanceRate"`
}

// PriceDeltaTolerance bounds future substitution offers by past price
// changes.
type PriceDeltaTolerance struct {
	AverageAcceptedDelta *float64 `json:"averageAcceptedDelta,omitempty"`
	AverageRejectedDelta *float64 `json:"averageRejectedDelta,omitempty"`
	MaxAcceptedDelta     *float64 `json:"maxAcceptedDelta,omitempty"`
	MaxAcceptedPercent   *float64 `json:"maxAcceptedPercent,omitempty"`
	AcceptedSamples      int      `json:"acceptedSamples"`
	RejectedSamples      int      `json:"rejectedSamples"`
}

// SubstitutionsDocument is persisted as substitutions.json.
type SubstitutionsDocument struct {
	store.Meta
	Records []SubstitutionRecord `json:"records" validate:"dive"`
}

var SubstitutionsSchema = store.Schema[*SubstitutionsDocument]{
	Name:     "substitutions",
	FileName: "substitutions.json",
	Version:  substitutionsVersion,
	New: func(householdID string) *SubstitutionsDocument {
		return &SubstitutionsDocument{
			Meta:    store.Meta{Version: substitutionsVersion, HouseholdID: householdID},
			Records: []SubstitutionRecord{},
		}
	},
	Check: func(doc *SubstitutionsDocument) error {
		seen := make(map[string]bool, len(doc.Records))
		for i, r := range doc.Records {
			if seen[r.ID] {
				return store.Violation(fmt.Sprintf("records[%d].id", i), "duplicate id %q", r.ID)
			}
			seen[r.ID] = true
		}
		return nil
	},
	Normalize: func(doc *SubstitutionsDocument) {
		if doc.Records == nil {
			doc.Records = []SubstitutionRecord{}
		}
	},
}

// SubstitutionStore is the substitution outcome ledger.
type SubstitutionStore struct {
	*store.Store[*SubstitutionsDocument]
}

func NewSubstitutionStore(b store.Backend, householdID string, opts ...store.Option) *SubstitutionStore {
	return &SubstitutionStore{store.New(b, householdID, SubstitutionsSchema, opts...)}
}

func pairKey(original, substitute string) string {
	return Fold(original) + "\x00" + Fold(substitute)
}

func copyFloat(f *float64) *float64 {
	if f == nil {
		return nil
	}
	v := *f
	return &v
}

// RecordSubstitution appends a new record with a fresh id and timestamp.
func (s *SubstitutionStore) RecordSubstitution(in SubstitutionInput) (*SubstitutionRecord, error) {
	in.OriginalItem = in.OriginalItem.clean()
	in.SubstituteItem = in.SubstituteItem.clean()
	if err := checkInput("substitution", in); err != nil {
		return nil, err
	}

	rec := SubstitutionRecord{
		ID:              uuid.NewString(),
		OriginalItem:    in.OriginalItem,
		SubstituteItem:  in.SubstituteItem,
		Reason:          in.Reason,
		OriginalPrice:   copyFloat(in.OriginalPrice),
		SubstitutePrice: copyFloat(in.SubstitutePrice),
		Outcome:         in.Outcome,
		UserFeedback:    in.UserFeedback,
		SameBrand:       BrandToken(in.OriginalItem.Name) == BrandToken(in.SubstituteItem.Name),
		SameCategory: in.OriginalItem.Category != "" &&
			Fold(in.OriginalItem.Category) == Fold(in.SubstituteItem.Category),
		RunID: in.RunID,
	}
	if in.OriginalPrice != nil && in.SubstitutePrice != nil {
		delta := *in.SubstitutePrice - *in.OriginalPrice
		rec.PriceDelta = &delta
		if *in.OriginalPrice > 0 {
			pct := delta / *in.OriginalPrice * 100
			rec.PriceDeltaPercent = &pct
		}
	}

	err := s.Update(func(doc *SubstitutionsDocument) error {
		rec.Timestamp = s.Now()
		doc.Records = append(doc.Records, rec)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("record substitution: %w", err)
	}
	return &rec, nil
}

// AmendOutcome changes the outcome and feedback of an existing record.
func (s *SubstitutionStore) AmendOutcome(id string, outcome Outcome, feedback string) (*SubstitutionRecord, error) {
	if !outcome.Accepted() && outcome != OutcomeRejected {
		return nil, fmt.Errorf("amend outcome: %w: unknown outcome %q", ErrInvalid, outcome)
	}
	var out SubstitutionRecord
	err := s.Update(func(doc *SubstitutionsDocument) error {
		for i := range doc.Records {
			if doc.Records[i].ID == id {
				doc.Records[i].Outcome = outcome
				if feedback != "" {
					doc.Records[i].UserFeedback = feedback
				}
				out = doc.Records[i]
				return nil
			}
		}
		return fmt.Errorf("amend outcome %s: %w", id, ErrNotFound)
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// ListRecords returns every record in insertion order.
func (s *SubstitutionStore) ListRecords() ([]SubstitutionRecord, error) {
	return s.filter(func(SubstitutionRecord) bool { return true })
}

// RecordsForRun returns the records made during one run.
func (s *SubstitutionStore) RecordsForRun(runID string) ([]SubstitutionRecord, error) {
	return s.filter(func(r SubstitutionRecord) bool { return r.RunID == runID })
}

// RecordsForItem returns the records where name was the original item.
func (s *SubstitutionStore) RecordsForItem(name string) ([]SubstitutionRecord, error) {
	key := Fold(name)
	return s.filter(func(r SubstitutionRecord) bool { return Fold(r.OriginalItem.Name) == key })
}

func (s *SubstitutionStore) filter(keep func(SubstitutionRecord) bool) ([]SubstitutionRecord, error) {
	doc, err := s.Doc()
	if err != nil {
		return nil, err
	}
	out := []SubstitutionRecord{}
	for _, r := range doc.Records {
		if keep(r) {
			out = append(out, r)
		}
	}
	return out, nil
}

type deltaSum struct {
	sum float64
	n   int
}

func (d *deltaSum) add(f *float64) {
	if f != nil {
		d.sum += *f
		d.n++
	}
}

func (d deltaSum) mean() *float64 {
	if d.n == 0 {
		return nil
	}
	m := d.sum / float64(d.n)
	return &m
}

func rate(accepted, rejected int) float64 {
	if accepted+rejected == 0 {
		return 0
	}
	return float64(accepted) / float64(accepted+rejected)
}

// patterns groups records by folded (original, substitute) pair, in first
// seen order.
func patterns(records []SubstitutionRecord) []SubstitutionPattern {
	idx := map[string]int{}
	var out []SubstitutionPattern
	var deltas []deltaSum
	for _, r := range records {
		k := pairKey(r.OriginalItem.Name, r.SubstituteItem.Name)
		i, ok := idx[k]
		if !ok {
			i = len(out)
			idx[k] = i
			out = append(out, SubstitutionPattern{
				OriginalItem:   r.OriginalItem.Name,
				SubstituteItem: r.SubstituteItem.Name,
			})
			deltas = append(deltas, deltaSum{})
		}
		p := &out[i]
		if r.Outcome.Accepted() {
			p.TimesAccepted++
		} else {
			p.TimesRejected++
		}
		if r.Timestamp.After(p.LastSeen) {
			p.LastSeen = r.Timestamp
		}
		deltas[i].add(r.PriceDelta)
	}
	for i := range out {
		p := &out[i]
		p.SampleSize = p.TimesAccepted + p.TimesRejected
		p.AcceptanceRate = rate(p.TimesAccepted, p.TimesRejected)
		p.AveragePriceDelta = deltas[i].mean()
	}
	return out
}

// GetSubstitutionPatterns aggregates the ledger per (original, substitute)
// pair, largest sample first.
func (s *SubstitutionStore) GetSubstitutionPatterns() ([]SubstitutionPattern, error) {
	doc, err := s.Doc()
	if err != nil {
		return nil, err
	}
	out := patterns(doc.Records)
	sort.SliceStable(out, func(i, j int) bool { return out[i].SampleSize > out[j].SampleSize })
	return out, nil
}

// GetPattern returns the aggregate for one pair, or nil.
func (s *SubstitutionStore) GetPattern(original, substitute string) (*SubstitutionPattern, error) {
	doc, err := s.Doc()
	if err != nil {
		return nil, err
	}
	k := pairKey(original, substitute)
	var matching []SubstitutionRecord
	for _, r := range doc.Records {
		if pairKey(r.OriginalItem.Name, r.SubstituteItem.Name) == k {
			matching = append(matching, r)
		}
	}
	if len(matching) == 0 {
		return nil, nil
	}
	return &patterns(matching)[0], nil
}

// HasBeenAcceptedBefore reports whether substitute was ever accepted in place
// of original.
func (s *SubstitutionStore) HasBeenAcceptedBefore(original, substitute string) (bool, error) {
	p, err := s.GetPattern(original, substitute)
	if err != nil {
		return false, err
	}
	return p != nil && p.TimesAccepted > 0, nil
}

// GetBrandToleranceScores reports acceptance per substitute brand over
// cross-brand substitutions, largest sample first, then by brand.
func (s *SubstitutionStore) GetBrandToleranceScores() ([]BrandTolerance, error) {
	doc, err := s.Doc()
	if err != nil {
		return nil, err
	}
	byBrand := map[string]*BrandTolerance{}
	for _, r := range doc.Records {
		if r.SameBrand {
			continue
		}
		brand := BrandToken(r.SubstituteItem.Name)
		if brand == "" {
			continue
		}
		bt, ok := byBrand[brand]
		if !ok {
			bt = &BrandTolerance{Brand: brand}
			byBrand[brand] = bt
		}
		if r.Outcome.Accepted() {
			bt.TimesAccepted++
		} else {
			bt.TimesRejected++
		}
	}

	out := make([]BrandTolerance, 0, len(byBrand))
	for _, bt := range byBrand {
		bt.SampleSize = bt.TimesAccepted + bt.TimesRejected
		bt.AcceptanceRate = rate(bt.TimesAccepted, bt.TimesRejected)
		out = append(out, *bt)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].SampleSize != out[j].SampleSize {
			return out[i].SampleSize > out[j].SampleSize
		}
		return out[i].Brand < out[j].Brand
	})
	return out, nil
}

// GetPriceDeltaTolerance summarizes price changes of accepted and rejected
// substitutions. Records without a price delta are ignored.
func (s *SubstitutionStore) GetPriceDeltaTolerance() (PriceDeltaTolerance, error) {
	doc, err := s.Doc()
	if err != nil {
		return PriceDeltaTolerance{}, err
	}
	var accepted, rejected deltaSum
	var out PriceDeltaTolerance
	for _, r := range doc.Records {
		if r.PriceDelta == nil {
			continue
		}
		if !r.Outcome.Accepted() {
			rejected.add(r.PriceDelta)
			continue
		}
		accepted.add(r.PriceDelta)
		abs := math.Abs(*r.PriceDelta)
		if out.MaxAcceptedDelta == nil || abs > *out.MaxAcceptedDelta {
			out.MaxAcceptedDelta = &abs
		}
		if r.PriceDeltaPercent != nil {
			pct := math.Abs(*r.PriceDeltaPercent)
			if out.MaxAcceptedPercent == nil || pct > *out.MaxAcceptedPercent {
				out.MaxAcceptedPercent = &pct
			}
		}
	}
	out.AverageAcceptedDelta = accepted.mean()
	out.AverageRejectedDelta = rejected.mean()
	out.AcceptedSamples = accepted.n
	out.RejectedSamples = rejected.n
	return out, nil
}
