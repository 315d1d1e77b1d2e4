package scoring

import (
	"sort"
	"time"
)

// DefaultUrgencyHorizonDays is how many days past the earliest eligible date
// urgency takes to decay to 0.
const DefaultUrgencyHorizonDays = 7

// Slot is a delivery slot offered by the store.
type Slot struct {
	ID           string    `json:"id"`
	Start        time.Time `json:"start"`
	End          time.Time `json:"end"`
	Cost         float64   `json:"cost"`
	Availability string    `json:"availability"`
}

// SlotPreferences are the household constraints a slot is scored against.
// Zero values mean "no preference".
type SlotPreferences struct {
	PreferredDays   []time.Weekday
	WindowStart     string // "HH:MM"
	WindowEnd       string // "HH:MM"
	MaxDeliveryCost float64
	// EarliestDate is the first date delivery is useful. Zero means unknown.
	EarliestDate time.Time
	HorizonDays  int
}

// SlotWeights weight the slot sub-scores. Weights that do not sum to 1 are
// re-normalized; all-zero or negative weights fall back to the defaults.
type SlotWeights struct {
	Day          float64 `json:"day" mapstructure:"day" yaml:"day"`
	Time         float64 `json:"time" mapstructure:"time" yaml:"time"`
	Cost         float64 `json:"cost" mapstructure:"cost" yaml:"cost"`
	Availability float64 `json:"availability" mapstructure:"availability" yaml:"availability"`
	Urgency      float64 `json:"urgency" mapstructure:"urgency" yaml:"urgency"`
}

// DefaultSlotWeights sum to 1.0.
var DefaultSlotWeights = SlotWeights{Day: 0.20, Time: 0.25, Cost: 0.20, Availability: 0.15, Urgency: 0.20}

func (w SlotWeights) values() []float64 {
	return []float64{w.Day, w.Time, w.Cost, w.Availability, w.Urgency}
}

// SlotScores are the per-factor sub-scores, each in [0,1].
type SlotScores struct {
	Day          float64 `json:"day"`
	Time         float64 `json:"time"`
	Cost         float64 `json:"cost"`
	Availability float64 `json:"availability"`
	Urgency      float64 `json:"urgency"`
}

// ScoredSlot is a slot with its breakdown, overall score and rank.
type ScoredSlot struct {
	Slot    Slot       `json:"slot"`
	Scores  SlotScores `json:"scores"`
	Overall float64    `json:"overall"`
	Rank    int        `json:"rank"`
	Reasons []string   `json:"reasons"`
}

// DayScore is 1 on a preferred weekday, 0 otherwise, 0.5 with no preference.
func DayScore(start time.Time, preferred []time.Weekday) float64 {
	if len(preferred) == 0 || start.IsZero() {
		return Neutral
	}
	for _, d := range preferred {
		if start.Weekday() == d {
			return 1
		}
	}
	return 0
}

// TimeScore is the fraction of the slot that falls inside the preferred
// window: 1 when contained, 0 when disjoint.
func TimeScore(start, end time.Time, windowStart, windowEnd string) float64 {
	ws, ok1 := clockMinutes(windowStart)
	we, ok2 := clockMinutes(windowEnd)
	if !ok1 || !ok2 || we <= ws {
		return Neutral
	}
	dur := end.Sub(start).Minutes()
	if start.IsZero() || dur <= 0 {
		return Neutral
	}
	ss := float64(start.Hour()*60+start.Minute()) + float64(start.Second())/60
	se := ss + dur

	lo := max(ss, float64(ws))
	hi := min(se, float64(we))
	if hi <= lo {
		return 0
	}
	return Clamp01((hi - lo) / dur)
}

// CostScore is 1 for free delivery, decaying linearly to 0 at maxCost.
// Without a cap a paid slot scores 0.5.
func CostScore(cost, maxCost float64) float64 {
	if cost <= 0 {
		return 1
	}
	if maxCost <= 0 {
		return Neutral
	}
	return Clamp01(1 - cost/maxCost)
}

// UrgencyScore is 1 on the earliest eligible date and decays linearly to 0
// over horizonDays. Slots before the earliest date score 0.
func UrgencyScore(start, earliest time.Time, horizonDays int) float64 {
	if earliest.IsZero() || start.IsZero() {
		return Neutral
	}
	if horizonDays <= 0 {
		horizonDays = DefaultUrgencyHorizonDays
	}
	days := daysBetween(earliest, start)
	if days < 0 {
		return 0
	}
	return Clamp01(1 - float64(days)/float64(horizonDays))
}

// ScoreSlot computes every sub-score and the weighted overall score.
func ScoreSlot(slot Slot, prefs SlotPreferences, weights SlotWeights) ScoredSlot {
	s := SlotScores{
		Day:          DayScore(slot.Start, prefs.PreferredDays),
		Time:         TimeScore(slot.Start, slot.End, prefs.WindowStart, prefs.WindowEnd),
		Cost:         CostScore(slot.Cost, prefs.MaxDeliveryCost),
		Availability: AvailabilityScore(slot.Availability),
		Urgency:      UrgencyScore(slot.Start, prefs.EarliestDate, prefs.HorizonDays),
	}
	overall := weightedMean(
		[]float64{s.Day, s.Time, s.Cost, s.Availability, s.Urgency},
		weights.values(),
		DefaultSlotWeights.values(),
	)
	return ScoredSlot{
		Slot:    slot,
		Scores:  s,
		Overall: overall,
		Reasons: slotReasons(s),
	}
}

// RankSlots scores every slot and orders them by overall score, best first.
// Ties keep input order. Ranks are 1-based.
func RankSlots(slots []Slot, prefs SlotPreferences, weights SlotWeights) []ScoredSlot {
	out := make([]ScoredSlot, len(slots))
	for i, slot := range slots {
		out[i] = ScoreSlot(slot, prefs, weights)
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Overall > out[j].Overall
	})
	for i := range out {
		out[i].Rank = i + 1
	}
	return out
}

func clockMinutes(hhmm string) (int, bool) {
	if hhmm == "" {
		return 0, false
	}
	t, err := time.Parse("15:04", hhmm)
	if err != nil {
		return 0, false
	}
	return t.Hour()*60 + t.Minute(), true
}

// daysBetween counts calendar days from a to b, each taken in its own
// location.
func daysBetween(a, b time.Time) int {
	ad := time.Date(a.Year(), a.Month(), a.Day(), 0, 0, 0, 0, time.UTC)
	bd := time.Date(b.Year(), b.Month(), b.Day(), 0, 0, 0, 0, time.UTC)
	return int(bd.Sub(ad).Hours() / 24)
}
