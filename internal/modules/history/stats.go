package history

import (
	"encoding/json"
	"math"
	"sort"
	"time"

	"github.com/markcheno/go-talib"

	"github.com/hexaphore/meridian/internal/domain"
)

// Stats periods.
const (
	PeriodDay   = "day"
	PeriodWeek  = "week"
	PeriodMonth = "month"
	PeriodAll   = "all"
)

// ProfitFactor is gross wins over gross losses. It marshals +Inf as the
// string "inf" because JSON has no infinity literal.
type ProfitFactor float64

// MarshalJSON implements json.Marshaler.
func (f ProfitFactor) MarshalJSON() ([]byte, error) {
	if math.IsInf(float64(f), 1) {
		return []byte(`"inf"`), nil
	}
	return json.Marshal(float64(f))
}

// UnmarshalJSON implements json.Unmarshaler.
func (f *ProfitFactor) UnmarshalJSON(data []byte) error {
	if string(data) == `"inf"` {
		*f = ProfitFactor(math.Inf(1))
		return nil
	}
	var v float64
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	*f = ProfitFactor(v)
	return nil
}

// Stats summarizes trading over a period. Wins and losses are counted per
// closed (venue, market, outcome) group, not per fill.
type Stats struct {
	Period       string       `json:"period"`
	TotalTrades  int          `json:"total_trades"`
	TotalVolume  float64      `json:"total_volume"`
	TotalPnl     float64      `json:"total_pnl"`
	Wins         int          `json:"wins"`
	Losses       int          `json:"losses"`
	WinRate      float64      `json:"win_rate"`
	ProfitFactor ProfitFactor `json:"profit_factor"`
	AvgWin       float64      `json:"avg_win"`
	AvgLoss      float64      `json:"avg_loss"`
	LargestWin   float64      `json:"largest_win"`
	LargestLoss  float64      `json:"largest_loss"`
	GeneratedAt  time.Time    `json:"generated_at"`
}

// DailyPnl is one UTC day's realized result.
type DailyPnl struct {
	Date   string  `json:"date"` // YYYY-MM-DD
	Pnl    float64 `json:"pnl"`
	Volume float64 `json:"volume"`
	Trades int     `json:"trades"`
}

// EquityStats describes the cumulative equity curve built from daily pnl.
// SMA and EMA are the latest smoothed values, nil while the curve is
// shorter than the smoothing window.
type EquityStats struct {
	Days           int       `json:"days"`
	Equity         []float64 `json:"equity"`
	Sma7           *float64  `json:"sma_7,omitempty"`
	Ema14          *float64  `json:"ema_14,omitempty"`
	MaxDrawdown    float64   `json:"max_drawdown"`
	MaxDrawdownPct float64   `json:"max_drawdown_pct"`
	GeneratedAt    time.Time `json:"generated_at"`
}

const (
	smaWindow = 7
	emaWindow = 14
)

// computeStats folds fills into period statistics. Pure; order of the
// input does not matter.
func computeStats(trades []domain.Trade, period string, now time.Time) *Stats {
	stats := &Stats{Period: period, GeneratedAt: now}
	if len(trades) == 0 {
		return stats
	}

	var volume kahanSum
	groups := make(map[string]*kahanSum)
	for i := range trades {
		t := &trades[i]
		volume.Add(t.Value())

		key := t.Venue + "|" + t.MarketID + "|" + t.Outcome
		g := groups[key]
		if g == nil {
			g = &kahanSum{}
			groups[key] = g
		}
		if t.Side == domain.SideSell {
			g.Add(t.Value())
		} else {
			g.Add(-t.Value())
		}
		g.Add(-t.Fee)
	}

	var total, grossWins, grossLosses kahanSum
	for _, g := range groups {
		pnl := g.Sum()
		total.Add(pnl)
		switch {
		case pnl > 0:
			stats.Wins++
			grossWins.Add(pnl)
			if pnl > stats.LargestWin {
				stats.LargestWin = pnl
			}
		case pnl < 0:
			stats.Losses++
			grossLosses.Add(pnl)
			if pnl < stats.LargestLoss {
				stats.LargestLoss = pnl
			}
		}
	}

	stats.TotalTrades = len(trades)
	stats.TotalVolume = volume.Sum()
	stats.TotalPnl = total.Sum()

	if decided := stats.Wins + stats.Losses; decided > 0 {
		stats.WinRate = float64(stats.Wins) / float64(decided) * 100
	}
	wins, losses := grossWins.Sum(), grossLosses.Sum()
	switch {
	case losses < 0:
		stats.ProfitFactor = ProfitFactor(wins / math.Abs(losses))
	case wins > 0:
		stats.ProfitFactor = ProfitFactor(math.Inf(1))
	}
	if stats.Wins > 0 {
		stats.AvgWin = wins / float64(stats.Wins)
	}
	if stats.Losses > 0 {
		stats.AvgLoss = losses / float64(stats.Losses)
	}
	return stats
}

// computeDaily buckets fills into UTC days, oldest-first. Days without
// fills are omitted.
func computeDaily(trades []domain.Trade) []DailyPnl {
	byDay := make(map[string]*DailyPnl)
	for i := range trades {
		t := &trades[i]
		date := t.Timestamp.UTC().Format("2006-01-02")
		d := byDay[date]
		if d == nil {
			d = &DailyPnl{Date: date}
			byDay[date] = d
		}
		if t.Side == domain.SideSell {
			d.Pnl += t.Value()
		} else {
			d.Pnl -= t.Value()
		}
		d.Pnl -= t.Fee
		d.Volume += t.Value()
		d.Trades++
	}

	days := make([]DailyPnl, 0, len(byDay))
	for _, d := range byDay {
		days = append(days, *d)
	}
	sort.Slice(days, func(i, j int) bool { return days[i].Date < days[j].Date })
	return days
}

// computeEquity turns the daily series into a cumulative curve with
// smoothing and drawdown. Calendar gaps are zero-filled so the smoothing
// windows mean calendar days, not trading days.
func computeEquity(daily []DailyPnl, days int, now time.Time) *EquityStats {
	stats := &EquityStats{Days: days, GeneratedAt: now}
	if len(daily) == 0 {
		return stats
	}

	start, err := time.Parse("2006-01-02", daily[0].Date)
	if err != nil {
		return stats
	}
	end := now.UTC().Truncate(24 * time.Hour)

	pnlByDate := make(map[string]float64, len(daily))
	for _, d := range daily {
		pnlByDate[d.Date] = d.Pnl
	}

	var equity []float64
	running := 0.0
	for day := start; !day.After(end); day = day.AddDate(0, 0, 1) {
		running += pnlByDate[day.Format("2006-01-02")]
		equity = append(equity, running)
	}
	stats.Equity = equity

	if len(equity) >= smaWindow {
		sma := talib.Sma(equity, smaWindow)
		if last := sma[len(sma)-1]; !math.IsNaN(last) {
			stats.Sma7 = &last
		}
	}
	if len(equity) >= emaWindow {
		ema := talib.Ema(equity, emaWindow)
		if last := ema[len(ema)-1]; !math.IsNaN(last) {
			stats.Ema14 = &last
		}
	}

	peak := equity[0]
	for _, v := range equity {
		if v > peak {
			peak = v
		}
		if dd := peak - v; dd > stats.MaxDrawdown {
			stats.MaxDrawdown = dd
			if peak > 0 {
				stats.MaxDrawdownPct = dd / peak * 100
			}
		}
	}
	return stats
}

// kahanSum is a compensated accumulator for folding many small fills.
type kahanSum struct {
	sum, c float64
}

func (k *kahanSum) Add(x float64) {
	y := x - k.c
	t := k.sum + y
	k.c = (t - k.sum) - y
	k.sum = t
}

func (k *kahanSum) Sum() float64 {
	return k.sum
}
