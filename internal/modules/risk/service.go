package risk

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/hexaphore/meridian/internal/domain"
)

// Metrics bundles every risk view of a portfolio for one user.
type Metrics struct {
	Concentration *ConcentrationResult    `json:"concentration"`
	Correlation   *MatrixResult           `json:"correlation"`
	Categories    []CategoryExposureEntry `json:"categories"`
	HedgedPairs   []HedgedPair            `json:"hedged_pairs,omitempty"`
	Positions     int                     `json:"positions"`
	GeneratedAt   time.Time               `json:"generated_at"`
}

// Service computes risk metrics over the stored positions.
type Service struct {
	positions domain.PositionReader
	log       zerolog.Logger

	now func() time.Time
}

// NewService creates the risk service.
func NewService(positions domain.PositionReader, log zerolog.Logger) *Service {
	return &Service{
		positions: positions,
		log:       log.With().Str("component", "risk").Logger(),
		now:       time.Now,
	}
}

// Metrics analyzes the user's current positions.
func (s *Service) Metrics(ctx context.Context, userID string) (*Metrics, error) {
	positions, err := s.positions.PositionsByUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	return &Metrics{
		Concentration: Concentration(positions),
		Correlation:   CorrelationMatrix(positions),
		Categories:    CategoryExposure(positions),
		HedgedPairs:   FindHedgedPairs(positions),
		Positions:     len(positions),
		GeneratedAt:   s.now().UTC(),
	}, nil
}
