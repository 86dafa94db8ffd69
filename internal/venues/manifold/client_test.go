package manifold

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hexaphore/meridian/internal/domain"
	"github.com/hexaphore/meridian/internal/venues"
)

func testLogger() zerolog.Logger {
	return zerolog.New(nil).Level(zerolog.Disabled)
}

func testCreds() domain.Credentials {
	return domain.Credentials{APIKey: "mf-test-key"}
}

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return New(srv.URL, 5*time.Second, testLogger())
}

func writeJSON(t *testing.T, w http.ResponseWriter, v any) {
	t.Helper()
	w.Header().Set("Content-Type", "application/json")
	require.NoError(t, json.NewEncoder(w).Encode(v))
}

func TestFetchBalancesUsesAPIKey(t *testing.T) {
	var gotAuth string
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v0/me", r.URL.Path)
		gotAuth = r.Header.Get("Authorization")
		writeJSON(t, w, map[string]any{"id": "u1", "username": "alice", "balance": 1250.5})
	})

	balances, err := client.FetchBalances(context.Background(), testCreds())
	require.NoError(t, err)
	require.Len(t, balances, 1)

	assert.Equal(t, "Key mf-test-key", gotAuth)
	assert.Equal(t, "M$", balances[0].Asset)
	assert.InDelta(t, 1250.5, balances[0].Total, 1e-9)
}

func TestFetchBalancesRequiresKey(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("no request expected")
	})

	_, err := client.FetchBalances(context.Background(), domain.Credentials{})
	require.Error(t, err)
	assert.True(t, venues.IsValidation(err))
}

func TestFetchPositionsRebuildsFromBets(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/v0/me":
			writeJSON(t, w, map[string]any{"id": "u1", "balance": 100.0})
		case "/v0/bets":
			require.Equal(t, "u1", r.URL.Query().Get("userId"))
			writeJSON(t, w, []map[string]any{
				{"id": "b1", "contractId": "c1", "outcome": "YES", "amount": 40.0, "shares": 100.0, "createdTime": 1700000000000},
				{"id": "b2", "contractId": "c1", "outcome": "YES", "amount": 24.0, "shares": 50.0, "createdTime": 1700000100000},
				// Sold out entirely, should not appear.
				{"id": "b3", "contractId": "c2", "outcome": "NO", "amount": 30.0, "shares": 60.0, "createdTime": 1700000200000},
				{"id": "b4", "contractId": "c2", "outcome": "NO", "amount": -32.0, "shares": -60.0, "createdTime": 1700000300000},
				{"id": "b5", "contractId": "c1", "outcome": "YES", "amount": 0.0, "shares": 10.0, "isRedemption": true},
			})
		case "/v0/market/c1":
			writeJSON(t, w, map[string]any{"id": "c1", "question": "Will it rain tomorrow?", "probability": 0.55})
		default:
			t.Fatalf("unexpected path %s", r.URL.Path)
		}
	})

	positions, err := client.FetchPositions(context.Background(), testCreds())
	require.NoError(t, err)
	require.Len(t, positions, 1)

	p := positions[0]
	assert.Equal(t, "c1", p.MarketID)
	assert.Equal(t, "YES", p.OutcomeID)
	assert.Equal(t, "Will it rain tomorrow?", p.MarketQuestion)
	assert.Equal(t, domain.SideLong, p.Side)
	assert.InDelta(t, 150.0, p.Size, 1e-9)
	// 64 mana for 150 shares.
	assert.InDelta(t, 64.0/150.0, p.AvgEntryPrice, 1e-9)
	assert.InDelta(t, 0.55, p.CurrentPrice, 1e-9)
}

func TestFetchPositionsInvertsNoProbability(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/v0/me":
			writeJSON(t, w, map[string]any{"id": "u1"})
		case "/v0/bets":
			writeJSON(t, w, []map[string]any{
				{"id": "b1", "contractId": "c9", "outcome": "NO", "amount": 30.0, "shares": 100.0, "createdTime": 1700000000000},
			})
		case "/v0/market/c9":
			writeJSON(t, w, map[string]any{"id": "c9", "question": "Upset win?", "probability": 0.2})
		default:
			t.Fatalf("unexpected path %s", r.URL.Path)
		}
	})

	positions, err := client.FetchPositions(context.Background(), testCreds())
	require.NoError(t, err)
	require.Len(t, positions, 1)
	assert.InDelta(t, 0.8, positions[0].CurrentPrice, 1e-9)
}

func TestFetchTradesMapsBets(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/v0/me":
			writeJSON(t, w, map[string]any{"id": "u1"})
		case "/v0/bets":
			writeJSON(t, w, []map[string]any{
				{"id": "b1", "contractId": "c1", "outcome": "YES", "amount": 40.0, "shares": 100.0, "createdTime": 1700000000000},
				{"id": "b2", "contractId": "c1", "outcome": "YES", "amount": -25.0, "shares": -50.0, "createdTime": 1700003600000},
			})
		default:
			t.Fatalf("unexpected path %s", r.URL.Path)
		}
	})

	trades, err := client.FetchTrades(context.Background(), testCreds(), venues.TradeQuery{})
	require.NoError(t, err)
	require.Len(t, trades, 2)

	buy := trades[0]
	assert.Equal(t, "b1", buy.VenueTradeID)
	assert.Equal(t, domain.SideBuy, buy.Side)
	assert.InDelta(t, 100.0, buy.Size, 1e-9)
	assert.InDelta(t, 0.40, buy.Price, 1e-9)

	sell := trades[1]
	assert.Equal(t, domain.SideSell, sell.Side)
	assert.InDelta(t, 50.0, sell.Size, 1e-9)
	assert.InDelta(t, 0.50, sell.Price, 1e-9)
}

func TestFetchTradesHonorsSince(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/v0/me":
			writeJSON(t, w, map[string]any{"id": "u1"})
		case "/v0/bets":
			writeJSON(t, w, []map[string]any{
				{"id": "old", "contractId": "c1", "outcome": "YES", "amount": 10.0, "shares": 20.0, "createdTime": 1600000000000},
				{"id": "new", "contractId": "c1", "outcome": "YES", "amount": 10.0, "shares": 20.0, "createdTime": 1700000000000},
			})
		default:
			t.Fatalf("unexpected path %s", r.URL.Path)
		}
	})

	since := time.UnixMilli(1650000000000).UTC()
	trades, err := client.FetchTrades(context.Background(), testCreds(), venues.TradeQuery{Since: &since})
	require.NoError(t, err)
	require.Len(t, trades, 1)
	assert.Equal(t, "new", trades[0].VenueTradeID)
}

func TestQuoteReturnsProbability(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v0/market/c1", r.URL.Path)
		writeJSON(t, w, map[string]any{"id": "c1", "probability": 0.62})
	})

	quote, err := client.Quote(context.Background(), "c1", "buy", 100)
	require.NoError(t, err)
	assert.InDelta(t, 0.62, quote.Price, 1e-9)
	assert.Equal(t, venues.VenueManifold, quote.Venue)
}

func TestSearchMarketsFiltersNonBinary(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v0/search-markets", r.URL.Path)
		require.Equal(t, "election", r.URL.Query().Get("term"))
		writeJSON(t, w, []map[string]any{
			{"id": "c1", "question": "Election winner A?", "outcomeType": "BINARY", "probability": 0.4, "closeTime": 1899000000000},
			{"id": "c2", "question": "Election numeric", "outcomeType": "PSEUDO_NUMERIC"},
		})
	})

	markets, err := client.SearchMarkets(context.Background(), "election", 50)
	require.NoError(t, err)
	require.Len(t, markets, 1)

	m := markets[0]
	assert.Equal(t, "c1", m.MarketID)
	assert.Equal(t, []string{"Yes", "No"}, m.Outcomes)
	require.NotNil(t, m.EndDate)
	assert.Equal(t, time.UnixMilli(1899000000000).UTC(), *m.EndDate)
}

func TestFetchFundingNotSupported(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("no request expected")
	})

	_, err := client.FetchFunding(context.Background(), testCreds(), venues.FundingQuery{})
	require.Error(t, err)
	assert.True(t, venues.IsNotSupported(err))
}
