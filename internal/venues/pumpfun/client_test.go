package pumpfun

import (
	"context"
	"crypto/ed25519"
	"encoding/base64"
	"encoding/binary"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/mr-tron/base58"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hexaphore/meridian/internal/domain"
	"github.com/hexaphore/meridian/internal/venues"
	"github.com/hexaphore/meridian/internal/venues/solana"
)

func testLogger() zerolog.Logger {
	return zerolog.New(nil).Level(zerolog.Disabled)
}

func testMint(t *testing.T) string {
	t.Helper()
	pub, _, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)
	return base58.Encode(pub)
}

// curveData builds a serialized bonding curve account.
func curveData(vTok, vSol, rTok, rSol, supply uint64, complete bool) string {
	buf := make([]byte, curveDataLen)
	binary.LittleEndian.PutUint64(buf[8:], vTok)
	binary.LittleEndian.PutUint64(buf[16:], vSol)
	binary.LittleEndian.PutUint64(buf[24:], rTok)
	binary.LittleEndian.PutUint64(buf[32:], rSol)
	binary.LittleEndian.PutUint64(buf[40:], supply)
	if complete {
		buf[48] = 1
	}
	return base64.StdEncoding.EncodeToString(buf)
}

func newTestClient(t *testing.T, results map[string]any) *Client {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			ID     uint64 `json:"id"`
			Method string `json:"method"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))

		result, ok := results[req.Method]
		require.True(t, ok, "unexpected RPC method %q", req.Method)

		w.Header().Set("Content-Type", "application/json")
		require.NoError(t, json.NewEncoder(w).Encode(map[string]any{
			"jsonrpc": "2.0", "id": req.ID, "result": result,
		}))
	}))
	t.Cleanup(srv.Close)

	return New(solana.NewClient(srv.URL, solana.WithMaxRetries(0)), testLogger())
}

func accountValue(data string) map[string]any {
	return map[string]any{
		"value": map[string]any{
			"lamports": 1000000, "owner": ProgramID,
			"data": []string{data, "base64"}, "executable": false,
		},
	}
}

func TestQuoteBuyAgainstCurve(t *testing.T) {
	// 1000 tokens and 30 SOL of virtual reserves: spot 0.03 SOL/token.
	client := newTestClient(t, map[string]any{
		"getAccountInfo": accountValue(curveData(1_000_000_000, 30_000_000_000, 800_000_000, 10_000_000_000, 1_000_000_000, false)),
	})

	quote, err := client.Quote(context.Background(), testMint(t), "buy", 100)
	require.NoError(t, err)

	// Constant product: 100 tokens cost 10/3 SOL, average 0.0333...
	assert.InDelta(t, 0.0333333, quote.Price, 1e-6)
	assert.InDelta(t, 0.111111, quote.PriceImpact, 1e-5)
}

func TestQuoteSellAgainstCurve(t *testing.T) {
	client := newTestClient(t, map[string]any{
		"getAccountInfo": accountValue(curveData(1_000_000_000, 30_000_000_000, 800_000_000, 10_000_000_000, 1_000_000_000, false)),
	})

	quote, err := client.Quote(context.Background(), testMint(t), "sell", 100)
	require.NoError(t, err)

	assert.InDelta(t, 0.0272727, quote.Price, 1e-6)
	assert.InDelta(t, 0.090909, quote.PriceImpact, 1e-5)
}

func TestQuoteRejectsGraduatedCurve(t *testing.T) {
	client := newTestClient(t, map[string]any{
		"getAccountInfo": accountValue(curveData(1_000_000_000, 30_000_000_000, 0, 0, 1_000_000_000, true)),
	})

	_, err := client.Quote(context.Background(), testMint(t), "buy", 1)
	require.Error(t, err)
	assert.True(t, venues.IsVenue(err))
	assert.Contains(t, err.Error(), "graduated")
}

func TestQuoteCurveNotFound(t *testing.T) {
	client := newTestClient(t, map[string]any{
		"getAccountInfo": map[string]any{"value": nil},
	})

	_, err := client.Quote(context.Background(), testMint(t), "buy", 1)
	require.Error(t, err)
	assert.True(t, venues.IsVenue(err))
}

func TestQuoteBuyExceedingLiquidity(t *testing.T) {
	client := newTestClient(t, map[string]any{
		"getAccountInfo": accountValue(curveData(1_000_000, 30_000_000_000, 0, 0, 0, false)),
	})

	// Reserves hold 1 token; asking for 5 cannot fill.
	_, err := client.Quote(context.Background(), testMint(t), "buy", 5)
	require.Error(t, err)
	assert.True(t, venues.IsVenue(err))
}

func TestQuoteValidatesMintAndSide(t *testing.T) {
	client := newTestClient(t, map[string]any{})

	_, err := client.Quote(context.Background(), "bad-mint", "buy", 1)
	require.Error(t, err)
	assert.True(t, venues.IsValidation(err))

	_, err = client.Quote(context.Background(), testMint(t), "hold", 1)
	require.Error(t, err)
	assert.True(t, venues.IsValidation(err))
}

func TestFetchBalancesSOL(t *testing.T) {
	client := newTestClient(t, map[string]any{
		"getBalance": map[string]any{"value": 1500000000},
	})

	wallet := testMint(t)
	balances, err := client.FetchBalances(context.Background(), domain.Credentials{WalletAddress: wallet})
	require.NoError(t, err)
	require.Len(t, balances, 1)
	assert.InDelta(t, 1.5, balances[0].Total, 1e-9)
}

func TestFetchTradesNotSupported(t *testing.T) {
	client := newTestClient(t, map[string]any{})

	_, err := client.FetchTrades(context.Background(), domain.Credentials{WalletAddress: testMint(t)}, venues.TradeQuery{})
	require.Error(t, err)
	assert.True(t, venues.IsNotSupported(err))
}

func TestParseCurveRejectsShortData(t *testing.T) {
	_, err := parseCurve(make([]byte, 10))
	assert.Error(t, err)
}
