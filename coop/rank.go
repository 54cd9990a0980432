package coop

import (
	"sort"

	"cooped/ledger"
	"cooped/pkg/cooped"
)

// Composite score weights.
const (
	accuracyWeight = 0.8
	speedWeight    = 0.2
)

// Ranked is one attempt's final standing.
type Ranked struct {
	Attempt    cooped.SideQuestAttempt `json:"attempt"`
	SpeedScore float64                 `json:"speed_score"`
	Composite  float64                 `json:"composite"`
	Placement  int                     `json:"placement"`
	XP         int                     `json:"xp"`
}

// SpeedScores maps each time to 0..100: the fastest time scores 100, the
// slowest 0, linear in between. When every time is equal all score 100.
func SpeedScores(times []float64) []float64 {
	scores := make([]float64, len(times))
	if len(times) == 0 {
		return scores
	}
	fastest, slowest := times[0], times[0]
	for _, t := range times[1:] {
		fastest = min(fastest, t)
		slowest = max(slowest, t)
	}
	for i, t := range times {
		if slowest == fastest {
			scores[i] = 100
			continue
		}
		scores[i] = (slowest - t) / (slowest - fastest) * 100
	}
	return scores
}

// Rank orders attempts by composite score, 0.8 x accuracy + 0.2 x speed score,
// and assigns placements 1..n with the matching XP awards. Ties fall back to
// accuracy, then time, then submission order.
func Rank(attempts []cooped.SideQuestAttempt) []Ranked {
	times := make([]float64, len(attempts))
	for i, a := range attempts {
		times[i] = a.TimeTakenSeconds
	}
	speed := SpeedScores(times)

	ranked := make([]Ranked, len(attempts))
	for i, a := range attempts {
		ranked[i] = Ranked{
			Attempt:    a,
			SpeedScore: speed[i],
			Composite:  accuracyWeight*a.AccuracyPercent + speedWeight*speed[i],
		}
	}

	sort.SliceStable(ranked, func(i, j int) bool {
		a, b := ranked[i], ranked[j]
		if a.Composite != b.Composite {
			return a.Composite > b.Composite
		}
		if a.Attempt.AccuracyPercent != b.Attempt.AccuracyPercent {
			return a.Attempt.AccuracyPercent > b.Attempt.AccuracyPercent
		}
		if a.Attempt.TimeTakenSeconds != b.Attempt.TimeTakenSeconds {
			return a.Attempt.TimeTakenSeconds < b.Attempt.TimeTakenSeconds
		}
		return a.Attempt.CreatedAt.Before(b.Attempt.CreatedAt)
	})

	for i := range ranked {
		ranked[i].Placement = i + 1
		// Placement events are always in the table.
		ranked[i].XP, _ = ledger.Delta(ledger.PlacementEvent(i+1), ledger.Meta{})
	}
	return ranked
}
