package risk

import (
	"math"
	"strings"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"

	"github.com/hexaphore/meridian/internal/domain"
)

// Correlation buckets, from strongest signal to weakest.
const (
	// corrSameMarketOpposite - opposite outcomes of one market settle inversely.
	corrSameMarketOpposite = -1.0
	// corrSameMarketSame - duplicate exposure to one outcome.
	corrSameMarketSame = 1.0
	// corrEntityBase / corrEntityStep / corrEntityCap - same category with
	// shared key entities.
	corrEntityBase = 0.7
	corrEntityStep = 0.1
	corrEntityCap  = 0.95
	// corrSameCategory - same category, nothing else in common.
	corrSameCategory = 0.4
	// corrPoliticsEconomics - political outcomes move markets.
	corrPoliticsEconomics = 0.3
	// corrNeutral - unrelated markets still share macro exposure.
	corrNeutral = 0.1

	// highCorrelationThreshold flags pairs worth surfacing.
	highCorrelationThreshold = 0.7
)

// Correlation estimates how two positions co-move, in [-1, 1]. The scale is
// heuristic: prediction markets have no return series to correlate, so
// structure (market identity, category, shared entities) stands in.
func Correlation(a, b *domain.Position) float64 {
	if a.Venue == b.Venue && a.MarketID == b.MarketID {
		if !strings.EqualFold(a.OutcomeID, b.OutcomeID) {
			return corrSameMarketOpposite
		}
		return corrSameMarketSame
	}

	catA, catB := Classify(a), Classify(b)
	if catA == catB && catA != CategoryOther {
		if shared := sharedEntities(a.MarketQuestion, b.MarketQuestion); shared > 0 {
			return math.Min(corrEntityBase+corrEntityStep*float64(shared), corrEntityCap)
		}
		return corrSameCategory
	}
	if (catA == CategoryPolitics && catB == CategoryEconomics) ||
		(catA == CategoryEconomics && catB == CategoryPolitics) {
		return corrPoliticsEconomics
	}
	return corrNeutral
}

// CorrelatedPair is one flagged position pair.
type CorrelatedPair struct {
	VenueA      string  `json:"venue_a"`
	MarketA     string  `json:"market_a"`
	OutcomeA    string  `json:"outcome_a,omitempty"`
	VenueB      string  `json:"venue_b"`
	MarketB     string  `json:"market_b"`
	OutcomeB    string  `json:"outcome_b,omitempty"`
	Correlation float64 `json:"correlation"`
}

// MatrixResult is the pairwise correlation structure of a portfolio.
type MatrixResult struct {
	Matrix               [][]float64      `json:"matrix"`
	HighlyCorrelated     []CorrelatedPair `json:"highly_correlated,omitempty"`
	PortfolioCorrelation float64          `json:"portfolio_correlation"`
}

// CorrelationMatrix builds the full pairwise matrix. The diagonal is 1;
// portfolio correlation is the mean absolute off-diagonal value.
func CorrelationMatrix(positions []domain.Position) *MatrixResult {
	n := len(positions)
	result := &MatrixResult{Matrix: make([][]float64, n)}
	if n == 0 {
		return result
	}

	sym := mat.NewSymDense(n, nil)
	var upper []float64
	for i := 0; i < n; i++ {
		sym.SetSym(i, i, 1)
		for j := i + 1; j < n; j++ {
			v := Correlation(&positions[i], &positions[j])
			sym.SetSym(i, j, v)
			upper = append(upper, math.Abs(v))

			if math.Abs(v) > highCorrelationThreshold {
				result.HighlyCorrelated = append(result.HighlyCorrelated, CorrelatedPair{
					VenueA:      positions[i].Venue,
					MarketA:     positions[i].MarketID,
					OutcomeA:    positions[i].OutcomeID,
					VenueB:      positions[j].Venue,
					MarketB:     positions[j].MarketID,
					OutcomeB:    positions[j].OutcomeID,
					Correlation: v,
				})
			}
		}
	}

	for i := 0; i < n; i++ {
		row := make([]float64, n)
		for j := 0; j < n; j++ {
			row[j] = sym.At(i, j)
		}
		result.Matrix[i] = row
	}
	if len(upper) > 0 {
		result.PortfolioCorrelation = stat.Mean(upper, nil)
	}
	return result
}
