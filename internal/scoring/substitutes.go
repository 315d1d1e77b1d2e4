package scoring

import "sort"

// DefaultMaxPriceIncreasePercent bounds price increases when the household
// has not set its own limit.
const DefaultMaxPriceIncreasePercent = 25.0

// Brand stances, as stored in household preferences.
const (
	StancePreferred = "preferred"
	StanceAvoid     = "avoid"
	StanceNeutral   = "neutral"
)

// Candidate is a substitute product offered in place of an unavailable item.
// Optional inputs are nil when unknown; the engine fills Similarity,
// BrandStance and AcceptanceRate from household memory.
type Candidate struct {
	Name         string   `json:"name"`
	SKU          string   `json:"sku,omitempty"`
	Category     string   `json:"category,omitempty"`
	Price        *float64 `json:"price,omitempty"`
	Availability string   `json:"availability,omitempty"`

	Similarity     *float64 `json:"similarity,omitempty"`
	BrandStance    string   `json:"brandStance,omitempty"`
	AcceptanceRate *float64 `json:"acceptanceRate,omitempty"`
}

// SubstituteContext describes the original item being replaced.
type SubstituteContext struct {
	OriginalPrice           *float64
	MaxPriceIncreasePercent *float64
}

// SubstituteWeights weight the substitute sub-scores.
type SubstituteWeights struct {
	Similarity   float64 `json:"similarity" mapstructure:"similarity" yaml:"similarity"`
	Brand        float64 `json:"brand" mapstructure:"brand" yaml:"brand"`
	Price        float64 `json:"price" mapstructure:"price" yaml:"price"`
	History      float64 `json:"history" mapstructure:"history" yaml:"history"`
	Availability float64 `json:"availability" mapstructure:"availability" yaml:"availability"`
}

var DefaultSubstituteWeights = SubstituteWeights{Similarity: 0.30, Brand: 0.15, Price: 0.20, History: 0.20, Availability: 0.15}

func (w SubstituteWeights) values() []float64 {
	return []float64{w.Similarity, w.Brand, w.Price, w.History, w.Availability}
}

type SubstituteScores struct {
	Similarity   float64 `json:"similarity"`
	Brand        float64 `json:"brand"`
	Price        float64 `json:"price"`
	History      float64 `json:"history"`
	Availability float64 `json:"availability"`
}

type ScoredCandidate struct {
	Candidate Candidate        `json:"candidate"`
	Scores    SubstituteScores `json:"scores"`
	Overall   float64          `json:"overall"`
	Rank      int              `json:"rank"`
	Reasons   []string         `json:"reasons"`
}

// BrandScore maps a brand stance to 1 (preferred), 0 (avoid) or 0.5.
func BrandScore(stance string) float64 {
	switch stance {
	case StancePreferred:
		return 1
	case StanceAvoid:
		return 0
	default:
		return Neutral
	}
}

// PriceScore is 1 when the substitute costs no more than the original and
// decays linearly to 0 at the maximum tolerated increase.
func PriceScore(original, substitute, maxIncreasePercent *float64) float64 {
	if original == nil || substitute == nil || *original <= 0 {
		return Neutral
	}
	increase := (*substitute - *original) / *original * 100
	if increase <= 0 {
		return 1
	}
	limit := DefaultMaxPriceIncreasePercent
	if maxIncreasePercent != nil {
		limit = *maxIncreasePercent
	}
	if limit <= 0 {
		return 0
	}
	return Clamp01(1 - increase/limit)
}

func optionalScore(v *float64) float64 {
	if v == nil {
		return Neutral
	}
	return Clamp01(*v)
}

// ScoreSubstitute computes the sub-scores and weighted overall for one
// candidate.
func ScoreSubstitute(c Candidate, ctx SubstituteContext, weights SubstituteWeights) ScoredCandidate {
	s := SubstituteScores{
		Similarity:   optionalScore(c.Similarity),
		Brand:        BrandScore(c.BrandStance),
		Price:        PriceScore(ctx.OriginalPrice, c.Price, ctx.MaxPriceIncreasePercent),
		History:      optionalScore(c.AcceptanceRate),
		Availability: AvailabilityScore(c.Availability),
	}
	if c.Availability == "" {
		s.Availability = Neutral
	}
	overall := weightedMean(
		[]float64{s.Similarity, s.Brand, s.Price, s.History, s.Availability},
		weights.values(),
		DefaultSubstituteWeights.values(),
	)
	return ScoredCandidate{
		Candidate: c,
		Scores:    s,
		Overall:   overall,
		Reasons:   substituteReasons(s),
	}
}

// RankSubstitutes scores and orders candidates, best first; ties keep input
// order.
func RankSubstitutes(candidates []Candidate, ctx SubstituteContext, weights SubstituteWeights) []ScoredCandidate {
	out := make([]ScoredCandidate, len(candidates))
	for i, c := range candidates {
		out[i] = ScoreSubstitute(c, ctx, weights)
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Overall > out[j].Overall
	})
	for i := range out {
		out[i].Rank = i + 1
	}
	return out
}
