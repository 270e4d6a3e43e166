// Package reputation derives a 0-100 standing signal from a marked user's
// violation history. Scores are computed on demand and never persisted.
package reputation

import (
	"math"
	"time"

	"sentinel/agent/internal/ledger"
)

type Trend string

const (
	TrendUp     Trend = "up"
	TrendDown   Trend = "down"
	TrendStable Trend = "stable"
)

type Label string

const (
	LabelExcellent Label = "Excellent"
	LabelGood      Label = "Good"
	LabelFair      Label = "Fair"
	LabelPoor      Label = "Poor"
	LabelCritical  Label = "Critical"
)

// Score is the derived reputation signal.
type Score struct {
	Score int   `json:"score"`
	Trend Trend `json:"trend"`
	Label Label `json:"label"`
}

const dayMillis = float64(24 * time.Hour / time.Millisecond)

// Compute scores a user's violation history against the given current time.
// It is pure: same user and now always produce the same result.
func Compute(user ledger.MarkedUser, now time.Time) Score {
	total := user.TotalViolations()
	distinct := len(user.Rules)
	if total == 0 {
		return Score{Score: 100, Trend: TrendStable, Label: LabelExcellent}
	}

	score := 100.0

	// Volume penalty, logarithmic so early marks weigh heaviest.
	score -= math.Min(50, math.Log(float64(total)+1)*15)

	// Rule-diversity penalty: breaking many different rules is worse than
	// repeating one.
	if distinct > 1 {
		score -= math.Min(15, float64(distinct-1)*5)
	}

	nowMs := float64(now.UnixMilli())
	daysSinceLast := (nowMs - float64(user.LastTimestamp)) / dayMillis

	// Recency penalty inside the last week.
	if daysSinceLast < 7 {
		score -= (7 - daysSinceLast) * 2
	}

	// Frequency penalty: more than one violation per day over the active span.
	first := float64(user.FirstTimestamp())
	span := (float64(user.LastTimestamp) - first) / dayMillis
	if span > 0 && total > 1 {
		rate := float64(total) / span
		if rate > 1 {
			score -= math.Min(20, (rate-1)*10)
		}
	}

	// Recovery bonus after a month of quiet.
	if daysSinceLast > 30 {
		score += math.Min(10, (daysSinceLast-30)/10)
	}

	score = math.Max(0, math.Min(100, score))
	return Score{
		Score: int(math.Round(score)),
		Trend: trend(user, now, total, daysSinceLast),
		Label: labelFor(int(math.Round(score))),
	}
}

// trend classifies recent activity. Per-violation timestamps are not stored,
// so they are reconstructed by spacing each rule's violations evenly between
// its first-seen time and the user's last-seen time. This is a known
// approximation, kept as-is.
func trend(user ledger.MarkedUser, now time.Time, total int, daysSinceLast float64) Trend {
	weekAgo := float64(now.UnixMilli()) - 7*dayMillis
	recent := 0
	for _, entry := range user.Rules {
		for _, ts := range interpolate(entry, user.LastTimestamp) {
			if ts >= weekAgo {
				recent++
			}
		}
	}
	older := total - recent
	switch {
	case recent > older && total > 1:
		return TrendDown
	case recent == 0 && daysSinceLast > 14:
		return TrendUp
	default:
		return TrendStable
	}
}

func interpolate(entry ledger.ViolationEntry, last int64) []float64 {
	if entry.Count <= 1 {
		return []float64{float64(entry.FirstTimestamp)}
	}
	first := float64(entry.FirstTimestamp)
	end := float64(last)
	if end < first {
		end = first
	}
	step := (end - first) / float64(entry.Count-1)
	out := make([]float64, entry.Count)
	for i := 0; i < entry.Count; i++ {
		out[i] = first + step*float64(i)
	}
	return out
}

func labelFor(score int) Label {
	switch {
	case score >= 80:
		return LabelExcellent
	case score >= 60:
		return LabelGood
	case score >= 40:
		return LabelFair
	case score >= 20:
		return LabelPoor
	default:
		return LabelCritical
	}
}
