package risk

import (
	"math"
	"sort"
	"strings"

	"github.com/hexaphore/meridian/internal/domain"
)

// Risk levels, ordered by severity.
const (
	RiskLow      = "low"
	RiskMedium   = "medium"
	RiskHigh     = "high"
	RiskCritical = "critical"
)

// HHI and largest-share thresholds for the risk levels.
const (
	hhiCritical = 5000.0
	hhiHigh     = 2500.0
	hhiMedium   = 1500.0

	largestCritical = 50.0
	largestHigh     = 30.0
	largestMedium   = 20.0
)

// ConcentrationResult describes how lopsided the portfolio is.
type ConcentrationResult struct {
	HHI                  float64 `json:"hhi"`
	LargestPositionPct   float64 `json:"largest_position_pct"`
	Top3Pct              float64 `json:"top3_pct"`
	DiversificationScore float64 `json:"diversification_score"`
	RiskLevel            string  `json:"risk_level"`
	Positions            int     `json:"positions"`
}

// Concentration computes the Herfindahl-Hirschman index over absolute
// position values. Shares are percentages, so a single-position portfolio
// scores HHI 10000.
func Concentration(positions []domain.Position) *ConcentrationResult {
	result := &ConcentrationResult{RiskLevel: RiskLow, Positions: len(positions)}

	total := 0.0
	values := make([]float64, 0, len(positions))
	for i := range positions {
		v := math.Abs(positions[i].Value())
		values = append(values, v)
		total += v
	}
	if total <= 0 {
		return result
	}

	sort.Sort(sort.Reverse(sort.Float64Slice(values)))
	for i, v := range values {
		sharePct := v / total * 100
		result.HHI += sharePct * sharePct
		if i == 0 {
			result.LargestPositionPct = sharePct
		}
		if i < 3 {
			result.Top3Pct += sharePct
		}
	}
	result.DiversificationScore = math.Max(0, 100-result.HHI/100)

	switch {
	case result.LargestPositionPct > largestCritical || result.HHI > hhiCritical:
		result.RiskLevel = RiskCritical
	case result.LargestPositionPct > largestHigh || result.HHI > hhiHigh:
		result.RiskLevel = RiskHigh
	case result.LargestPositionPct > largestMedium || result.HHI > hhiMedium:
		result.RiskLevel = RiskMedium
	}
	return result
}

// CategoryExposureEntry is one category's slice of the portfolio.
type CategoryExposureEntry struct {
	Category      Category `json:"category"`
	PositionCount int      `json:"position_count"`
	TotalValue    float64  `json:"total_value"`
	ValuePercent  float64  `json:"value_percent"`
}

// CategoryExposure groups positions by category, largest value first.
func CategoryExposure(positions []domain.Position) []CategoryExposureEntry {
	byCategory := make(map[Category]*CategoryExposureEntry)
	total := 0.0
	for i := range positions {
		p := &positions[i]
		v := math.Abs(p.Value())
		total += v

		cat := Classify(p)
		entry := byCategory[cat]
		if entry == nil {
			entry = &CategoryExposureEntry{Category: cat}
			byCategory[cat] = entry
		}
		entry.PositionCount++
		entry.TotalValue += v
	}

	entries := make([]CategoryExposureEntry, 0, len(byCategory))
	for _, entry := range byCategory {
		if total > 0 {
			entry.ValuePercent = entry.TotalValue / total * 100
		}
		entries = append(entries, *entry)
	}
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].TotalValue != entries[j].TotalValue {
			return entries[i].TotalValue > entries[j].TotalValue
		}
		return entries[i].Category < entries[j].Category
	})
	return entries
}

// HedgedPair is a YES/NO pair on one market. A hedge ratio of 1 means the
// two legs are equal-sized; lower means the hedge only partially covers.
type HedgedPair struct {
	Venue      string  `json:"venue"`
	MarketID   string  `json:"market_id"`
	LongValue  float64 `json:"long_value"`
	ShortValue float64 `json:"short_value"`
	HedgeRatio float64 `json:"hedge_ratio"`
}

// FindHedgedPairs detects markets held on both sides: a YES and a NO
// outcome under the same (venue, market).
func FindHedgedPairs(positions []domain.Position) []HedgedPair {
	type sides struct {
		yes, no *domain.Position
	}
	markets := make(map[string]*sides)
	var order []string

	for i := range positions {
		p := &positions[i]
		outcome := normalizeOutcome(p.OutcomeID)
		if outcome == "" {
			continue
		}
		key := p.Venue + "|" + p.MarketID
		s := markets[key]
		if s == nil {
			s = &sides{}
			markets[key] = s
			order = append(order, key)
		}
		if outcome == "yes" {
			s.yes = p
		} else {
			s.no = p
		}
	}

	var pairs []HedgedPair
	for _, key := range order {
		s := markets[key]
		if s.yes == nil || s.no == nil {
			continue
		}
		long := math.Abs(s.yes.Value())
		short := math.Abs(s.no.Value())
		ratio := 0.0
		if max := math.Max(long, short); max > 0 {
			ratio = math.Min(long, short) / max
		}
		pairs = append(pairs, HedgedPair{
			Venue:      s.yes.Venue,
			MarketID:   s.yes.MarketID,
			LongValue:  long,
			ShortValue: short,
			HedgeRatio: ratio,
		})
	}
	return pairs
}

func normalizeOutcome(outcome string) string {
	switch {
	case strings.EqualFold(outcome, "yes"):
		return "yes"
	case strings.EqualFold(outcome, "no"):
		return "no"
	}
	return ""
}
