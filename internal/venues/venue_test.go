package venues

import (
	"context"
	"testing"

	"github.com/hexaphore/meridian/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubAdapter struct {
	venue string
	caps  Capabilities
}

func (s *stubAdapter) Venue() string              { return s.venue }
func (s *stubAdapter) Capabilities() Capabilities { return s.caps }

func (s *stubAdapter) FetchPositions(ctx context.Context, creds domain.Credentials) ([]domain.Position, error) {
	return nil, nil
}

func (s *stubAdapter) FetchBalances(ctx context.Context, creds domain.Credentials) ([]domain.Balance, error) {
	return nil, nil
}

func (s *stubAdapter) FetchTrades(ctx context.Context, creds domain.Credentials, q TradeQuery) ([]domain.Trade, error) {
	return nil, nil
}

func (s *stubAdapter) FetchFunding(ctx context.Context, creds domain.Credentials, q FundingQuery) ([]domain.FundingPayment, error) {
	return nil, NewNotSupported(s.venue, "funding history")
}

func (s *stubAdapter) Quote(ctx context.Context, marketID, side string, size float64) (*Quote, error) {
	return &Quote{Venue: s.venue, MarketID: marketID, Side: side, Size: size}, nil
}

type stubSearcher struct {
	stubAdapter
}

func (s *stubSearcher) SearchMarkets(ctx context.Context, query string, limit int) ([]domain.Market, error) {
	return []domain.Market{{Venue: s.venue, MarketID: "m1", Question: query}}, nil
}

func TestRegistryGetAndVenues(t *testing.T) {
	reg := NewRegistry()
	reg.Register(&stubAdapter{venue: VenueKalshi})
	reg.Register(&stubAdapter{venue: VenueBinance})

	assert.NotNil(t, reg.Get(VenueKalshi))
	assert.Nil(t, reg.Get(VenueDrift))
	assert.Equal(t, []string{VenueBinance, VenueKalshi}, reg.Venues())
	assert.Len(t, reg.All(), 2)
}

func TestRegistryReplacesDuplicate(t *testing.T) {
	reg := NewRegistry()
	first := &stubAdapter{venue: VenueManifold}
	second := &stubAdapter{venue: VenueManifold, caps: Capabilities{SupportsSearch: true}}
	reg.Register(first)
	reg.Register(second)

	require.Len(t, reg.All(), 1)
	assert.True(t, reg.Get(VenueManifold).Capabilities().SupportsSearch)
}

func TestSearchersRequireCapabilityFlag(t *testing.T) {
	reg := NewRegistry()
	// Implements the interface but does not advertise search
	reg.Register(&stubSearcher{stubAdapter{venue: VenueOrca}})
	// Implements and advertises
	reg.Register(&stubSearcher{stubAdapter{venue: VenuePolymarket, caps: Capabilities{SupportsSearch: true}}})
	// Plain adapter
	reg.Register(&stubAdapter{venue: VenueBybit})

	searchers := reg.Searchers()
	require.Len(t, searchers, 1)

	markets, err := searchers[0].SearchMarkets(context.Background(), "fed", 10)
	require.NoError(t, err)
	assert.Equal(t, VenuePolymarket, markets[0].Venue)
}
