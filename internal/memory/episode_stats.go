package memory

import (
	"fmt"
	"sort"
	"time"
)

// recentRunWindow is how many completed runs the learning insights treat as
// recent.
const recentRunWindow = 5

// RunStatistics aggregates every stored run.
type RunStatistics struct {
	TotalRuns      int                `json:"totalRuns"`
	CompletedRuns  int                `json:"completedRuns"`
	InProgressRuns int                `json:"inProgressRuns"`
	ByOutcome      map[RunOutcome]int `json:"byOutcome"`
	// SuccessRate is success / completed; nil with no completed runs.
	SuccessRate       *float64 `json:"successRate,omitempty"`
	AverageDurationMs *float64 `json:"averageDurationMs,omitempty"`

	TotalItemsAdded            int      `json:"totalItemsAdded"`
	TotalItemsRemoved          int      `json:"totalItemsRemoved"`
	TotalItemsPruned           int      `json:"totalItemsPruned"`
	TotalSubstitutionsMade     int      `json:"totalSubstitutionsMade"`
	SubstitutionAcceptanceRate *float64 `json:"substitutionAcceptanceRate,omitempty"`
	ApprovalRate               *float64 `json:"approvalRate,omitempty"`
}

// PhasePerformance summarizes one phase across runs.
type PhasePerformance struct {
	Phase             Phase    `json:"phase"`
	RunsReached       int      `json:"runsReached"`
	RunsEndedHere     int      `json:"runsEndedHere"`
	Errors            int      `json:"errors"`
	AverageDurationMs *float64 `json:"averageDurationMs,omitempty"`
}

type ErrorFrequency struct {
	Message  string    `json:"message"`
	Count    int       `json:"count"`
	Phases   []Phase   `json:"phases"`
	LastSeen time.Time `json:"lastSeen"`
}

type ItemCount struct {
	Item  string `json:"item"`
	Count int    `json:"count"`
}

// LearningInsights are patterns across runs worth feeding into the next
// plan.
type LearningInsights struct {
	RunsAnalyzed          int         `json:"runsAnalyzed"`
	FrequentlyAdded       []ItemCount `json:"frequentlyAdded"`
	FrequentlyRemoved     []ItemCount `json:"frequentlyRemoved"`
	FrequentlySubstituted []ItemCount `json:"frequentlySubstituted"`
	ErrorPronePhase       Phase       `json:"errorPronePhase,omitempty"`
	RecentSuccessRate     *float64    `json:"recentSuccessRate,omitempty"`
	Recommendations       []string    `json:"recommendations"`
}

func ratio(n, d int) *float64 {
	if d == 0 {
		return nil
	}
	r := float64(n) / float64(d)
	return &r
}

// GetStatistics aggregates outcomes, durations and counters over all runs.
func (s *EpisodeStore) GetStatistics() (RunStatistics, error) {
	doc, err := s.Doc()
	if err != nil {
		return RunStatistics{}, err
	}
	st := RunStatistics{ByOutcome: map[RunOutcome]int{}}
	var durTotal float64
	var durN, successes, accepted, rejected, approvals, approved int

	for _, r := range doc.Runs {
		st.TotalRuns++
		st.ByOutcome[r.Outcome]++
		if r.Outcome.Terminal() {
			st.CompletedRuns++
		} else {
			st.InProgressRuns++
		}
		if r.Outcome == RunSuccess {
			successes++
		}
		if r.DurationMs != nil {
			durTotal += float64(*r.DurationMs)
			durN++
		}
		st.TotalItemsAdded += r.ItemsAdded
		st.TotalItemsRemoved += r.ItemsRemoved
		st.TotalItemsPruned += r.ItemsPruned
		st.TotalSubstitutionsMade += r.SubstitutionsMade
		accepted += r.SubstitutionsAccepted
		rejected += r.SubstitutionsRejected
		if r.UserApproval != nil {
			approvals++
			if r.UserApproval.Approved {
				approved++
			}
		}
	}

	st.SuccessRate = ratio(successes, st.CompletedRuns)
	if durN > 0 {
		avg := durTotal / float64(durN)
		st.AverageDurationMs = &avg
	}
	st.SubstitutionAcceptanceRate = ratio(accepted, accepted+rejected)
	st.ApprovalRate = ratio(approved, approvals)
	return st, nil
}

// GetPhasePerformance reports, per phase in run order, how many runs reached
// it, how many ended there, how many errors it logged and the mean time spent
// in it. Time in a phase runs until the next transition or completion.
func (s *EpisodeStore) GetPhasePerformance() ([]PhasePerformance, error) {
	doc, err := s.Doc()
	if err != nil {
		return nil, err
	}
	out := make([]PhasePerformance, len(Phases))
	durTotal := make([]float64, len(Phases))
	durN := make([]int, len(Phases))
	for i, p := range Phases {
		out[i].Phase = p
	}

	for _, r := range doc.Runs {
		for i, tr := range r.PhaseHistory {
			pi := tr.Phase.index()
			if pi < 0 {
				continue
			}
			out[pi].RunsReached++
			var until *time.Time
			if i+1 < len(r.PhaseHistory) {
				until = &r.PhaseHistory[i+1].EnteredAt
			} else if r.CompletedAt != nil {
				until = r.CompletedAt
			}
			if until != nil {
				durTotal[pi] += float64(until.Sub(tr.EnteredAt).Milliseconds())
				durN[pi]++
			}
		}
		if r.Outcome.Terminal() {
			if pi := r.FinalPhase.index(); pi >= 0 {
				out[pi].RunsEndedHere++
			}
		}
		for _, e := range r.Errors {
			if pi := e.Phase.index(); pi >= 0 {
				out[pi].Errors++
			}
		}
	}
	for i := range out {
		if durN[i] > 0 {
			avg := durTotal[i] / float64(durN[i])
			out[i].AverageDurationMs = &avg
		}
	}
	return out, nil
}

// GetMostCommonErrors groups errors by message, most frequent first.
// limit <= 0 returns all.
func (s *EpisodeStore) GetMostCommonErrors(limit int) ([]ErrorFrequency, error) {
	doc, err := s.Doc()
	if err != nil {
		return nil, err
	}
	byMsg := map[string]*ErrorFrequency{}
	for _, r := range doc.Runs {
		for _, e := range r.Errors {
			f, ok := byMsg[e.Message]
			if !ok {
				f = &ErrorFrequency{Message: e.Message, Phases: []Phase{}}
				byMsg[e.Message] = f
			}
			f.Count++
			if e.Timestamp.After(f.LastSeen) {
				f.LastSeen = e.Timestamp
			}
			if !containsPhase(f.Phases, e.Phase) {
				f.Phases = append(f.Phases, e.Phase)
			}
		}
	}
	out := make([]ErrorFrequency, 0, len(byMsg))
	for _, f := range byMsg {
		out = append(out, *f)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Count != out[j].Count {
			return out[i].Count > out[j].Count
		}
		return out[i].Message < out[j].Message
	})
	return head(out, limit), nil
}

func containsPhase(ps []Phase, p Phase) bool {
	for _, q := range ps {
		if q == p {
			return true
		}
	}
	return false
}

func topItems(counts map[string]*ItemCount, limit int) []ItemCount {
	out := make([]ItemCount, 0, len(counts))
	for _, c := range counts {
		out = append(out, *c)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Count != out[j].Count {
			return out[i].Count > out[j].Count
		}
		return out[i].Item < out[j].Item
	})
	return head(out, limit)
}

func countItem(m map[string]*ItemCount, name string) {
	k := Fold(name)
	c, ok := m[k]
	if !ok {
		c = &ItemCount{Item: name}
		m[k] = c
	}
	c.Count++
}

// GetLearningInsights mines the action and error logs for items the
// household keeps adding, removing or substituting, the phase that fails
// most, and recent success.
func (s *EpisodeStore) GetLearningInsights() (LearningInsights, error) {
	doc, err := s.Doc()
	if err != nil {
		return LearningInsights{}, err
	}
	added := map[string]*ItemCount{}
	removed := map[string]*ItemCount{}
	substituted := map[string]*ItemCount{}
	phaseErrors := make([]int, len(Phases))

	var completed []EpisodicMemoryRecord
	for _, r := range doc.Runs {
		for _, a := range r.Actions {
			switch a.Kind {
			case ActionAdded:
				countItem(added, a.Item)
			case ActionRemoved, ActionPruned:
				countItem(removed, a.Item)
			case ActionSubstituted:
				countItem(substituted, a.Item)
			}
		}
		for _, e := range r.Errors {
			if pi := e.Phase.index(); pi >= 0 {
				phaseErrors[pi]++
			}
		}
		if r.CompletedAt != nil {
			completed = append(completed, r)
		}
	}

	in := LearningInsights{
		RunsAnalyzed:          len(doc.Runs),
		FrequentlyAdded:       topItems(added, 5),
		FrequentlyRemoved:     topItems(removed, 5),
		FrequentlySubstituted: topItems(substituted, 5),
		Recommendations:       []string{},
	}

	worst := 0
	for i, n := range phaseErrors {
		if n > worst {
			worst = n
			in.ErrorPronePhase = Phases[i]
		}
	}

	sort.Slice(completed, func(i, j int) bool { return completed[i].CompletedAt.After(*completed[j].CompletedAt) })
	recent := head(completed, recentRunWindow)
	successes := 0
	for _, r := range recent {
		if r.Outcome == RunSuccess {
			successes++
		}
	}
	in.RecentSuccessRate = ratio(successes, len(recent))

	for _, c := range in.FrequentlyRemoved {
		if c.Count >= 2 {
			in.Recommendations = append(in.Recommendations,
				fmt.Sprintf("%s was removed or pruned in %d runs; check its restock cadence", c.Item, c.Count))
		}
	}
	for _, c := range in.FrequentlySubstituted {
		if c.Count >= 2 {
			in.Recommendations = append(in.Recommendations,
				fmt.Sprintf("%s needed a substitute %d times; consider a preferred alternative", c.Item, c.Count))
		}
	}
	if in.ErrorPronePhase != "" {
		in.Recommendations = append(in.Recommendations,
			fmt.Sprintf("phase %s logged the most errors (%d)", in.ErrorPronePhase, worst))
	}
	if in.RecentSuccessRate != nil && *in.RecentSuccessRate < 0.5 {
		in.Recommendations = append(in.Recommendations, "fewer than half of recent runs succeeded")
	}
	return in, nil
}
