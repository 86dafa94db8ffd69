package kalshi

import (
	"context"
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/json"
	"encoding/pem"
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

func testKeyPEM(t *testing.T) (string, *rsa.PrivateKey) {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	der, err := x509.MarshalPKCS8PrivateKey(key)
	require.NoError(t, err)

	block := pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: der})
	return string(block), key
}

func testCreds(t *testing.T) domain.Credentials {
	pemKey, _ := testKeyPEM(t)
	return domain.Credentials{APIKey: "access-key-id", PrivateKey: pemKey}
}

func TestSignRequestVerifies(t *testing.T) {
	pemKey, key := testKeyPEM(t)

	parsed, err := parseRSAKey(pemKey)
	require.NoError(t, err)

	headers, err := signRequest(parsed, "access-key-id", "GET", "/trade-api/v2/portfolio/balance")
	require.NoError(t, err)
	assert.Equal(t, "access-key-id", headers["KALSHI-ACCESS-KEY"])

	sig, err := base64.StdEncoding.DecodeString(headers["KALSHI-ACCESS-SIGNATURE"])
	require.NoError(t, err)

	message := headers["KALSHI-ACCESS-TIMESTAMP"] + "GET" + "/trade-api/v2/portfolio/balance"
	digest := sha256.Sum256([]byte(message))
	err = rsa.VerifyPSS(&key.PublicKey, crypto.SHA256, digest[:], sig, &rsa.PSSOptions{
		SaltLength: rsa.PSSSaltLengthEqualsHash,
		Hash:       crypto.SHA256,
	})
	assert.NoError(t, err)
}

func TestParseRSAKeyRejectsGarbage(t *testing.T) {
	_, err := parseRSAKey("not a pem")
	assert.Error(t, err)
}

func TestFetchPositionsEnrichesPrices(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/portfolio/positions":
			assert.NotEmpty(t, r.Header.Get("KALSHI-ACCESS-SIGNATURE"))
			_ = json.NewEncoder(w).Encode(map[string]interface{}{
				"market_positions": []map[string]interface{}{
					{"ticker": "FED-25MAR", "position": 100, "market_exposure": 5500},
					{"ticker": "CPI-26JAN", "position": -40, "market_exposure": 1200},
					{"ticker": "FLAT", "position": 0},
				},
			})
		case "/markets":
			assert.Contains(t, r.URL.Query().Get("tickers"), "FED-25MAR")
			_ = json.NewEncoder(w).Encode(map[string]interface{}{
				"markets": []map[string]interface{}{
					{"ticker": "FED-25MAR", "title": "Fed cuts in March?", "last_price": 62},
					{"ticker": "CPI-26JAN", "title": "CPI above 3%?", "last_price": 25},
				},
			})
		default:
			t.Fatalf("unexpected path %s", r.URL.Path)
		}
	}))
	defer server.Close()

	client := New(server.URL, 0, testLogger())
	positions, err := client.FetchPositions(context.Background(), testCreds(t))
	require.NoError(t, err)
	require.Len(t, positions, 2)

	long := positions[0]
	assert.Equal(t, "FED-25MAR", long.MarketID)
	assert.Equal(t, domain.SideLong, long.Side)
	assert.Equal(t, 100.0, long.Size)
	assert.InDelta(t, 0.55, long.AvgEntryPrice, 1e-9) // 5500 cents / 100 contracts
	assert.InDelta(t, 0.62, long.CurrentPrice, 1e-9)
	assert.Equal(t, "Fed cuts in March?", long.MarketQuestion)

	short := positions[1]
	assert.Equal(t, domain.SideShort, short.Side)
	assert.Equal(t, 40.0, short.Size)
	assert.Equal(t, "No", short.OutcomeID)
}

func TestFetchBalancesConvertsCents(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/portfolio/balance", r.URL.Path)
		_, _ = w.Write([]byte(`{"balance": 123456}`))
	}))
	defer server.Close()

	client := New(server.URL, 0, testLogger())
	balances, err := client.FetchBalances(context.Background(), testCreds(t))
	require.NoError(t, err)
	require.Len(t, balances, 1)
	assert.Equal(t, 1234.56, balances[0].Total)
	assert.Equal(t, "USD", balances[0].Asset)
}

func TestFetchTradesTransformsFills(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/portfolio/fills", r.URL.Path)
		assert.Equal(t, "1750000000", r.URL.Query().Get("min_ts"))
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"fills": []map[string]interface{}{
				{
					"trade_id":     "f-1",
					"ticker":       "FED-25MAR",
					"side":         "yes",
					"action":       "buy",
					"count":        10,
					"yes_price":    55,
					"no_price":     45,
					"created_time": "2026-02-01T10:00:00Z",
				},
				{
					"trade_id":     "f-2",
					"ticker":       "FED-25MAR",
					"side":         "no",
					"action":       "sell",
					"count":        5,
					"yes_price":    60,
					"no_price":     40,
					"created_time": "2026-02-02T10:00:00Z",
				},
			},
		})
	}))
	defer server.Close()

	client := New(server.URL, 0, testLogger())
	since := time.Unix(1750000000, 0)
	trades, err := client.FetchTrades(context.Background(), testCreds(t), venues.TradeQuery{Since: &since})
	require.NoError(t, err)
	require.Len(t, trades, 2)

	assert.Equal(t, 0.55, trades[0].Price)
	assert.Equal(t, "Yes", trades[0].Outcome)
	assert.Equal(t, domain.SideBuy, trades[0].Side)

	assert.Equal(t, 0.40, trades[1].Price)
	assert.Equal(t, "No", trades[1].Outcome)
	assert.Equal(t, domain.SideSell, trades[1].Side)
}

func TestQuoteUsesBidAskSides(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/markets/FED-25MAR", r.URL.Path)
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"market": map[string]interface{}{"ticker": "FED-25MAR", "yes_bid": 61, "yes_ask": 63},
		})
	}))
	defer server.Close()

	client := New(server.URL, 0, testLogger())

	buy, err := client.Quote(context.Background(), "FED-25MAR", "buy", 10)
	require.NoError(t, err)
	assert.InDelta(t, 0.63, buy.Price, 1e-9)

	sell, err := client.Quote(context.Background(), "FED-25MAR", "sell", 10)
	require.NoError(t, err)
	assert.InDelta(t, 0.61, sell.Price, 1e-9)
}

func TestSearchMarketsFiltersByTitle(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "open", r.URL.Query().Get("status"))
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"markets": []map[string]interface{}{
				{"ticker": "FED-25MAR", "title": "Fed cuts rates in March?", "close_time": "2026-03-20T00:00:00Z", "status": "open"},
				{"ticker": "RAIN-LON", "title": "Rain in London tomorrow?", "status": "open"},
			},
		})
	}))
	defer server.Close()

	client := New(server.URL, 0, testLogger())
	markets, err := client.SearchMarkets(context.Background(), "fed", 10)
	require.NoError(t, err)
	require.Len(t, markets, 1)
	assert.Equal(t, "FED-25MAR", markets[0].MarketID)
	assert.Equal(t, []string{"Yes", "No"}, markets[0].Outcomes)
	require.NotNil(t, markets[0].EndDate)
}

func TestFetchFundingNotSupported(t *testing.T) {
	client := New("", 0, testLogger())
	_, err := client.FetchFunding(context.Background(), domain.Credentials{}, venues.FundingQuery{})
	assert.True(t, venues.IsNotSupported(err))
}
