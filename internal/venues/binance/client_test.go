package binance

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hexaphore/meridian/internal/domain"
	"github.com/hexaphore/meridian/internal/venues"
)

const (
	testAPIKey    = "test-key"
	testAPISecret = "test-secret"
)

func testLogger() zerolog.Logger {
	return zerolog.New(nil).Level(zerolog.Disabled)
}

func testCreds() domain.Credentials {
	return domain.Credentials{APIKey: testAPIKey, APISecret: testAPISecret}
}

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return New(srv.URL, 5*time.Second, testLogger())
}

// requireSigned recomputes the HMAC over the query string as received and
// checks it against the signature parameter.
func requireSigned(t *testing.T, r *http.Request) {
	t.Helper()
	require.Equal(t, testAPIKey, r.Header.Get("X-MBX-APIKEY"))

	raw := r.URL.RawQuery
	idx := strings.LastIndex(raw, "&signature=")
	require.Greater(t, idx, 0, "query %q is missing a signature", raw)

	payload := raw[:idx]
	got := raw[idx+len("&signature="):]

	mac := hmac.New(sha256.New, []byte(testAPISecret))
	mac.Write([]byte(payload))
	require.Equal(t, hex.EncodeToString(mac.Sum(nil)), got)

	assert.Contains(t, payload, "timestamp=")
	assert.Contains(t, payload, "recvWindow=5000")
}

func writeJSON(t *testing.T, w http.ResponseWriter, v any) {
	t.Helper()
	w.Header().Set("Content-Type", "application/json")
	require.NoError(t, json.NewEncoder(w).Encode(v))
}

func TestFetchPositionsTransformsRisk(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/fapi/v2/positionRisk", r.URL.Path)
		requireSigned(t, r)
		writeJSON(t, w, []map[string]any{
			{"symbol": "ETHUSDT", "positionAmt": "2.5", "entryPrice": "3000", "markPrice": "3100",
				"liquidationPrice": "2400", "leverage": "10", "marginType": "CROSSED", "notional": "7750"},
			{"symbol": "BTCUSDT", "positionAmt": "-0.1", "entryPrice": "64000", "markPrice": "63000",
				"liquidationPrice": "70000", "leverage": "5", "marginType": "isolated", "notional": "-6300"},
			{"symbol": "SOLUSDT", "positionAmt": "0", "entryPrice": "0", "markPrice": "150"},
		})
	})

	positions, err := client.FetchPositions(context.Background(), testCreds())
	require.NoError(t, err)
	require.Len(t, positions, 2)

	eth := positions[0]
	assert.Equal(t, domain.SideLong, eth.Side)
	assert.InDelta(t, 2.5, eth.Size, 1e-9)
	assert.InDelta(t, 3100.0, eth.CurrentPrice, 1e-9)
	require.NotNil(t, eth.MarginMode)
	assert.Equal(t, "crossed", *eth.MarginMode)
	require.NotNil(t, eth.Notional)
	assert.InDelta(t, 7750.0, *eth.Notional, 1e-9)

	btc := positions[1]
	assert.Equal(t, domain.SideShort, btc.Side)
	assert.InDelta(t, 0.1, btc.Size, 1e-9)
	require.NotNil(t, btc.Notional)
	assert.InDelta(t, 6300.0, *btc.Notional, 1e-9)
}

func TestSignedGetRequiresKeys(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("no request expected")
	})

	_, err := client.FetchPositions(context.Background(), domain.Credentials{APIKey: "only-key"})
	require.Error(t, err)
	assert.True(t, venues.IsValidation(err))
}

func TestFetchBalancesDropsZeroRows(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/fapi/v2/balance", r.URL.Path)
		requireSigned(t, r)
		writeJSON(t, w, []map[string]any{
			{"asset": "USDT", "balance": "1000", "availableBalance": "800"},
			{"asset": "BNB", "balance": "0", "availableBalance": "0"},
		})
	})

	balances, err := client.FetchBalances(context.Background(), testCreds())
	require.NoError(t, err)
	require.Len(t, balances, 1)

	b := balances[0]
	assert.Equal(t, "USDT", b.Asset)
	assert.InDelta(t, 800.0, b.Available, 1e-9)
	assert.InDelta(t, 200.0, b.Locked, 1e-9)
	assert.InDelta(t, 1000.0, b.Total, 1e-9)
}

func TestFetchTradesQueriesPerSymbol(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		requireSigned(t, r)
		switch r.URL.Path {
		case "/fapi/v2/positionRisk":
			writeJSON(t, w, []map[string]any{
				{"symbol": "ETHUSDT", "positionAmt": "1"},
				{"symbol": "BTCUSDT", "positionAmt": "-0.5"},
			})
		case "/fapi/v1/userTrades":
			switch r.URL.Query().Get("symbol") {
			case "ETHUSDT":
				writeJSON(t, w, []map[string]any{
					{"symbol": "ETHUSDT", "id": 11, "side": "BUY", "price": "3000", "qty": "1",
						"realizedPnl": "0", "commission": "1.2", "time": 1700000000000},
				})
			case "BTCUSDT":
				writeJSON(t, w, []map[string]any{
					{"symbol": "BTCUSDT", "id": 22, "side": "SELL", "price": "64000", "qty": "0.5",
						"realizedPnl": "120", "commission": "3.1", "time": 1700003600000},
				})
			default:
				t.Fatalf("unexpected symbol %q", r.URL.Query().Get("symbol"))
			}
		default:
			t.Fatalf("unexpected path %s", r.URL.Path)
		}
	})

	trades, err := client.FetchTrades(context.Background(), testCreds(), venues.TradeQuery{})
	require.NoError(t, err)
	require.Len(t, trades, 2)

	// Newest first across symbols.
	assert.Equal(t, "22", trades[0].VenueTradeID)
	assert.Equal(t, domain.SideSell, trades[0].Side)
	require.NotNil(t, trades[0].RealizedPnl)
	assert.InDelta(t, 120.0, *trades[0].RealizedPnl, 1e-9)

	assert.Equal(t, "11", trades[1].VenueTradeID)
	assert.Equal(t, domain.SideBuy, trades[1].Side)
}

func TestFetchFundingKeepsOnlyFundingFees(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/fapi/v1/income", r.URL.Path)
		requireSigned(t, r)
		assert.True(t, strings.HasPrefix(r.URL.RawQuery, "incomeType=FUNDING_FEE"))
		writeJSON(t, w, []map[string]any{
			{"symbol": "ETHUSDT", "incomeType": "FUNDING_FEE", "income": "-0.45", "time": 1700000000000},
			{"symbol": "", "incomeType": "TRANSFER", "income": "500", "time": 1700000100000},
		})
	})

	payments, err := client.FetchFunding(context.Background(), testCreds(), venues.FundingQuery{})
	require.NoError(t, err)
	require.Len(t, payments, 1)
	assert.Equal(t, "ETHUSDT", payments[0].Symbol)
	assert.InDelta(t, -0.45, payments[0].Amount, 1e-9)
}

func TestQuoteUsesBookTicker(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/fapi/v1/ticker/bookTicker", r.URL.Path)
		require.Equal(t, "ETHUSDT", r.URL.Query().Get("symbol"))
		writeJSON(t, w, map[string]any{
			"symbol": "ETHUSDT", "bidPrice": "3099.5", "askPrice": "3100.5",
		})
	})

	buy, err := client.Quote(context.Background(), "ETHUSDT", "buy", 1)
	require.NoError(t, err)
	assert.InDelta(t, 3100.5, buy.Price, 1e-9)

	sell, err := client.Quote(context.Background(), "ETHUSDT", "SELL", 1)
	require.NoError(t, err)
	assert.InDelta(t, 3099.5, sell.Price, 1e-9)
	assert.Equal(t, "sell", sell.Side)
}
