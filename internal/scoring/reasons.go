package scoring

// reason pairs the phrase for an ideal (1.0) sub-score with the phrase for a
// disqualifying (0.0) one.
type reason struct {
	ideal, disqualifying string
}

func collectReasons(scores []float64, phrases []reason) []string {
	out := []string{}
	for i, s := range scores {
		switch s {
		case 1:
			out = append(out, phrases[i].ideal)
		case 0:
			out = append(out, phrases[i].disqualifying)
		}
	}
	return out
}

var slotPhrases = []reason{
	{"preferred delivery day", "not a preferred day"},
	{"within preferred time window", "outside preferred time window"},
	{"free delivery", "delivery cost at or over limit"},
	{"slot available", "slot full"},
	{"earliest eligible date", "outside the useful delivery window"},
}

func slotReasons(s SlotScores) []string {
	return collectReasons([]float64{s.Day, s.Time, s.Cost, s.Availability, s.Urgency}, slotPhrases)
}

var substitutePhrases = []reason{
	{"near-identical product", "unrelated product"},
	{"preferred brand", "avoided brand"},
	{"no price increase", "price increase over tolerance"},
	{"always accepted before", "always rejected before"},
	{"in stock", "out of stock"},
}

func substituteReasons(s SubstituteScores) []string {
	return collectReasons([]float64{s.Similarity, s.Brand, s.Price, s.History, s.Availability}, substitutePhrases)
}
