package bybit

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
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

const (
	testAPIKey    = "bybit-key"
	testAPISecret = "bybit-secret"
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

// requireSigned recomputes the v5 signature from the received headers and
// raw query string.
func requireSigned(t *testing.T, r *http.Request) {
	t.Helper()
	require.Equal(t, testAPIKey, r.Header.Get("X-BAPI-API-KEY"))
	require.Equal(t, "5000", r.Header.Get("X-BAPI-RECV-WINDOW"))

	timestamp := r.Header.Get("X-BAPI-TIMESTAMP")
	require.NotEmpty(t, timestamp)

	mac := hmac.New(sha256.New, []byte(testAPISecret))
	mac.Write([]byte(timestamp + testAPIKey + "5000" + r.URL.RawQuery))
	require.Equal(t, hex.EncodeToString(mac.Sum(nil)), r.Header.Get("X-BAPI-SIGN"))
}

func writeEnvelope(t *testing.T, w http.ResponseWriter, result any) {
	t.Helper()
	w.Header().Set("Content-Type", "application/json")
	require.NoError(t, json.NewEncoder(w).Encode(map[string]any{
		"retCode": 0, "retMsg": "OK", "result": result,
	}))
}

func TestFetchPositionsMapsSides(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v5/position/list", r.URL.Path)
		require.Equal(t, "category=linear&settleCoin=USDT", r.URL.RawQuery)
		requireSigned(t, r)
		writeEnvelope(t, w, map[string]any{
			"list": []map[string]any{
				{"symbol": "ETHUSDT", "side": "Buy", "size": "2", "avgPrice": "3000", "markPrice": "3100",
					"liqPrice": "2400", "leverage": "10", "positionValue": "6200", "tradeMode": 0},
				{"symbol": "BTCUSDT", "side": "Sell", "size": "0.5", "avgPrice": "64000", "markPrice": "63000",
					"leverage": "5", "tradeMode": 1},
				{"symbol": "SOLUSDT", "side": "Buy", "size": "0"},
			},
		})
	})

	positions, err := client.FetchPositions(context.Background(), testCreds())
	require.NoError(t, err)
	require.Len(t, positions, 2)

	eth := positions[0]
	assert.Equal(t, domain.SideLong, eth.Side)
	require.NotNil(t, eth.MarginMode)
	assert.Equal(t, "cross", *eth.MarginMode)
	require.NotNil(t, eth.Notional)
	assert.InDelta(t, 6200.0, *eth.Notional, 1e-9)

	btc := positions[1]
	assert.Equal(t, domain.SideShort, btc.Side)
	require.NotNil(t, btc.MarginMode)
	assert.Equal(t, "isolated", *btc.MarginMode)
	assert.Nil(t, btc.LiquidationPrice)
}

func TestRetCodeMapsToAuthError(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		require.NoError(t, json.NewEncoder(w).Encode(map[string]any{
			"retCode": 10003, "retMsg": "API key is invalid.",
		}))
	})

	_, err := client.FetchPositions(context.Background(), testCreds())
	require.Error(t, err)
	assert.True(t, venues.IsAuth(err))
}

func TestRetCodeMapsToRateLimit(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		require.NoError(t, json.NewEncoder(w).Encode(map[string]any{
			"retCode": 10006, "retMsg": "Too many visits.",
		}))
	})

	_, err := client.FetchPositions(context.Background(), testCreds())
	require.Error(t, err)
	assert.True(t, venues.IsRateLimited(err))
}

func TestFetchBalancesFlattensCoins(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v5/account/wallet-balance", r.URL.Path)
		requireSigned(t, r)
		writeEnvelope(t, w, map[string]any{
			"list": []map[string]any{
				{"coin": []map[string]any{
					{"coin": "USDT", "walletBalance": "5000", "availableToWithdraw": "4200"},
					{"coin": "BTC", "walletBalance": "0"},
				}},
			},
		})
	})

	balances, err := client.FetchBalances(context.Background(), testCreds())
	require.NoError(t, err)
	require.Len(t, balances, 1)
	assert.Equal(t, "USDT", balances[0].Asset)
	assert.InDelta(t, 800.0, balances[0].Locked, 1e-9)
}

func TestFetchTradesSkipsNonTradeExecutions(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v5/execution/list", r.URL.Path)
		requireSigned(t, r)
		writeEnvelope(t, w, map[string]any{
			"list": []map[string]any{
				{"symbol": "ETHUSDT", "execId": "e1", "side": "Buy", "execType": "Trade",
					"execPrice": "3000", "execQty": "1.5", "execFee": "2.47", "execTime": "1700000000000"},
				{"symbol": "ETHUSDT", "execId": "e2", "side": "Sell", "execType": "Funding",
					"execPrice": "0", "execQty": "0", "execTime": "1700000100000"},
			},
		})
	})

	trades, err := client.FetchTrades(context.Background(), testCreds(), venues.TradeQuery{})
	require.NoError(t, err)
	require.Len(t, trades, 1)

	tr := trades[0]
	assert.Equal(t, "e1", tr.VenueTradeID)
	assert.Equal(t, domain.SideBuy, tr.Side)
	assert.InDelta(t, 2.47, tr.Fee, 1e-9)
	assert.Equal(t, time.UnixMilli(1700000000000).UTC(), tr.Timestamp)
}

func TestFetchFundingFromTransactionLog(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v5/account/transaction-log", r.URL.Path)
		requireSigned(t, r)
		writeEnvelope(t, w, map[string]any{
			"list": []map[string]any{
				{"symbol": "ETHUSDT", "type": "SETTLEMENT", "cashFlow": "-0.31", "feeRate": "0.0001",
					"size": "-2", "transactionTime": "1700000000000"},
				{"symbol": "ETHUSDT", "type": "TRADE", "cashFlow": "10"},
			},
		})
	})

	payments, err := client.FetchFunding(context.Background(), testCreds(), venues.FundingQuery{})
	require.NoError(t, err)
	require.Len(t, payments, 1)

	p := payments[0]
	assert.InDelta(t, -0.31, p.Amount, 1e-9)
	assert.InDelta(t, 0.0001, p.Rate, 1e-12)
	assert.InDelta(t, 2.0, p.PositionSize, 1e-9)
}

func TestQuoteReadsOrderbookTop(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v5/market/orderbook", r.URL.Path)
		assert.Empty(t, r.Header.Get("X-BAPI-SIGN"))
		writeEnvelope(t, w, map[string]any{
			"a": [][]string{{"3100.5", "10"}},
			"b": [][]string{{"3099.5", "8"}},
		})
	})

	buy, err := client.Quote(context.Background(), "ETHUSDT", "buy", 1)
	require.NoError(t, err)
	assert.InDelta(t, 3100.5, buy.Price, 1e-9)

	sell, err := client.Quote(context.Background(), "ETHUSDT", "sell", 1)
	require.NoError(t, err)
	assert.InDelta(t, 3099.5, sell.Price, 1e-9)
}

func TestSignedGetRequiresKeys(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("no request expected")
	})

	_, err := client.FetchBalances(context.Background(), domain.Credentials{})
	require.Error(t, err)
	assert.True(t, venues.IsValidation(err))
}
