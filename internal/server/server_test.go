package server

import (
	"bytes"
	"context"
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
	"github.com/hexaphore/meridian/internal/events"
	"github.com/hexaphore/meridian/internal/modules/alerts"
	"github.com/hexaphore/meridian/internal/modules/arbitrage"
	"github.com/hexaphore/meridian/internal/modules/history"
	"github.com/hexaphore/meridian/internal/modules/markets"
	"github.com/hexaphore/meridian/internal/modules/portfolio"
	"github.com/hexaphore/meridian/internal/modules/risk"
	"github.com/hexaphore/meridian/internal/scheduler"
	testhelpers "github.com/hexaphore/meridian/internal/testing"
	"github.com/hexaphore/meridian/internal/vault"
	"github.com/hexaphore/meridian/internal/venues"
)

func testLogger() zerolog.Logger {
	return zerolog.New(nil).Level(zerolog.Disabled)
}

// stubAdapter is a do-nothing venue used to populate the registry.
type stubAdapter struct {
	venue string
	caps  venues.Capabilities
}

func (a *stubAdapter) Venue() string                     { return a.venue }
func (a *stubAdapter) Capabilities() venues.Capabilities { return a.caps }

func (a *stubAdapter) FetchPositions(context.Context, domain.Credentials) ([]domain.Position, error) {
	return nil, nil
}

func (a *stubAdapter) FetchBalances(context.Context, domain.Credentials) ([]domain.Balance, error) {
	return nil, nil
}

func (a *stubAdapter) FetchTrades(context.Context, domain.Credentials, venues.TradeQuery) ([]domain.Trade, error) {
	return nil, nil
}

func (a *stubAdapter) FetchFunding(context.Context, domain.Credentials, venues.FundingQuery) ([]domain.FundingPayment, error) {
	return nil, nil
}

func (a *stubAdapter) Quote(context.Context, string, string, float64) (*venues.Quote, error) {
	return nil, venues.NewNotSupported(a.venue, "quotes")
}

type serverFixture struct {
	srv       *Server
	positions *portfolio.Repository
	trades    *history.Repository
	jobs      *scheduler.Repository
}

func newServerFixture(t *testing.T, adapters ...venues.Adapter) *serverFixture {
	t.Helper()
	conn := testhelpers.NewMemoryConn(t)

	_, err := conn.Exec(`INSERT INTO users (id, external_platform_id, created_at) VALUES (?, ?, ?)`,
		"u1", "tg:1001", time.Now().UTC().Format(time.RFC3339Nano))
	require.NoError(t, err)

	v, err := vault.New(conn, bytes.Repeat([]byte{0x42}, 32), vault.Options{}, testLogger())
	require.NoError(t, err)

	registry := venues.NewRegistry()
	for _, a := range adapters {
		registry.Register(a)
	}
	bus := events.NewBus(testLogger())

	posRepo := portfolio.NewRepository(conn, testLogger())
	snapRepo := portfolio.NewSnapshotRepository(conn, testLogger())
	portfolioSvc := portfolio.NewService(v, registry, posRepo, snapRepo, bus, portfolio.Options{
		FetchTimeout: 2 * time.Second,
		SummaryTTL:   time.Minute,
	}, testLogger())
	t.Cleanup(portfolioSvc.Stop)

	histRepo := history.NewRepository(conn, testLogger())
	histSvc := history.NewService(v, registry, histRepo, bus, testLogger())

	alertSvc := alerts.NewService(alerts.NewRepository(conn, testLogger()), nil, bus,
		alerts.Options{DryRun: true}, testLogger())

	engine := arbitrage.NewEngine(registry,
		arbitrage.NewMatchRepository(conn, testLogger()),
		arbitrage.NewOpportunityRepository(conn, testLogger()),
		markets.NewRepository(conn, testLogger()),
		markets.NewIndexRepository(conn),
		bus, arbitrage.Options{}, testLogger())

	jobs := scheduler.NewRepository(conn, testLogger())

	srv := New(Config{
		Log:       testLogger(),
		Registry:  registry,
		Portfolio: portfolioSvc,
		History:   histSvc,
		Risk:      risk.NewService(portfolioSvc, testLogger()),
		Alerts:    alertSvc,
		Arbitrage: engine,
		Jobs:      jobs,
		Port:      0,
		DevMode:   true,
	})

	return &serverFixture{srv: srv, positions: posRepo, trades: histRepo, jobs: jobs}
}

func (f *serverFixture) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	rec := httptest.NewRecorder()
	f.srv.router.ServeHTTP(rec, req)
	return rec
}

func (f *serverFixture) get(t *testing.T, path string) *httptest.ResponseRecorder {
	t.Helper()
	return f.do(t, http.MethodGet, path, "")
}

func TestHealthEndpoint(t *testing.T) {
	f := newServerFixture(t)

	rec := f.get(t, "/health")

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	var body map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "healthy", body["status"])
	assert.Equal(t, "meridian", body["service"])
}

func TestVenuesListsCapabilities(t *testing.T) {
	f := newServerFixture(t,
		&stubAdapter{venue: venues.VenuePolymarket, caps: venues.Capabilities{
			SupportsStream: true, SupportsSearch: true, PriceUnit: venues.PriceProbability,
		}},
		&stubAdapter{venue: venues.VenueHyperliquid, caps: venues.Capabilities{
			SupportsFutures: true, SupportsFunding: true, PriceUnit: venues.PriceQuote,
		}},
	)

	rec := f.get(t, "/api/venues")
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Venues []venueInfo `json:"venues"`
		Count  int         `json:"count"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Equal(t, 2, body.Count)

	// Registry iterates in venue-tag order.
	assert.Equal(t, venues.VenueHyperliquid, body.Venues[0].Venue)
	assert.True(t, body.Venues[0].Futures)
	assert.Equal(t, "quote", body.Venues[0].PriceUnit)
	assert.Equal(t, venues.VenuePolymarket, body.Venues[1].Venue)
	assert.True(t, body.Venues[1].Search)
	assert.Nil(t, body.Venues[1].Status)
}

func TestPortfolioSummaryRequiresUser(t *testing.T) {
	f := newServerFixture(t)

	rec := f.get(t, "/api/portfolio/summary")

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "user query parameter")
}

func TestPortfolioSummaryEmptyPortfolio(t *testing.T) {
	f := newServerFixture(t)

	rec := f.get(t, "/api/portfolio/summary?user=u1")
	require.Equal(t, http.StatusOK, rec.Code)

	var summary domain.PortfolioSummary
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &summary))
	assert.Equal(t, "u1", summary.UserID)
	assert.Zero(t, summary.TotalValue)
	assert.Zero(t, summary.TotalPnl)
	assert.Zero(t, summary.PositionsCount)
	assert.False(t, summary.GeneratedAt.IsZero())
}

func TestPortfolioPositionsReturnsStoredRows(t *testing.T) {
	f := newServerFixture(t)
	require.NoError(t, f.positions.Upsert(context.Background(), &domain.Position{
		UserID: "u1", Venue: venues.VenueKalshi, MarketID: "FED-25DEC", OutcomeID: "yes",
		Side: domain.SideLong, Size: 100, AvgEntryPrice: 0.40, CurrentPrice: 0.55,
	}))

	rec := f.get(t, "/api/portfolio/positions?user=u1")
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		UserID    string            `json:"user_id"`
		Positions []domain.Position `json:"positions"`
		Count     int               `json:"count"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Equal(t, 1, body.Count)
	assert.Equal(t, "FED-25DEC", body.Positions[0].MarketID)
	assert.InDelta(t, 100, body.Positions[0].Size, 1e-9)
}

func TestPortfolioPositionsEmptyIsAnArray(t *testing.T) {
	f := newServerFixture(t)

	rec := f.get(t, "/api/portfolio/positions?user=u1")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"positions":[]`)
}

func TestHistoryStatsRejectsUnknownPeriod(t *testing.T) {
	f := newServerFixture(t)

	rec := f.get(t, "/api/history/stats?user=u1&period=fortnight")

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "unknown period")
}

func TestHistoryStatsFlowsThroughService(t *testing.T) {
	f := newServerFixture(t)
	pnl := 14.0
	_, err := f.trades.InsertTrades(context.Background(), "u1", []domain.Trade{
		{Venue: venues.VenuePolymarket, VenueTradeID: "t1", MarketID: "mkt", Outcome: "yes",
			Side: domain.SideBuy, Size: 100, Price: 0.40, Fee: 0.10, Timestamp: time.Now().UTC().Add(-time.Hour)},
		{Venue: venues.VenuePolymarket, VenueTradeID: "t2", MarketID: "mkt", Outcome: "yes",
			Side: domain.SideSell, Size: 100, Price: 0.55, Fee: 0.10, RealizedPnl: &pnl,
			Timestamp: time.Now().UTC()},
	})
	require.NoError(t, err)

	rec := f.get(t, "/api/history/stats?user=u1")
	require.Equal(t, http.StatusOK, rec.Code)

	var stats history.Stats
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &stats))
	assert.Equal(t, history.PeriodAll, stats.Period)
	assert.Equal(t, 2, stats.TotalTrades)
}

func TestHistoryDailyEmptyIsAnArray(t *testing.T) {
	f := newServerFixture(t)

	rec := f.get(t, "/api/history/daily?user=u1")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"daily":[]`)
}

func TestHistoryTradesRejectsBadSince(t *testing.T) {
	f := newServerFixture(t)

	rec := f.get(t, "/api/history/trades?user=u1&since=yesterday")

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "RFC3339")
}

func TestRiskMetricsEmptyPortfolio(t *testing.T) {
	f := newServerFixture(t)

	rec := f.get(t, "/api/risk/metrics?user=u1")
	require.Equal(t, http.StatusOK, rec.Code)

	var metrics risk.Metrics
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &metrics))
	assert.Zero(t, metrics.Positions)
	assert.False(t, metrics.GeneratedAt.IsZero())
}

func TestMatchLifecycleOverHTTP(t *testing.T) {
	f := newServerFixture(t)

	rec := f.do(t, http.MethodPost, "/api/arbitrage/matches",
		`{"markets":[{"venue":"polymarket","market_id":"pm-1"},{"venue":"kalshi","market_id":"ks-1"}]}`)
	require.Equal(t, http.StatusCreated, rec.Code)

	var match domain.ArbMatch
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &match))
	require.NotEmpty(t, match.ID)
	assert.Equal(t, domain.MatchedManual, match.MatchedBy)

	rec = f.get(t, "/api/arbitrage/matches")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"count":1`)

	rec = f.do(t, http.MethodDelete, "/api/arbitrage/matches/"+match.ID, "")
	require.Equal(t, http.StatusOK, rec.Code)

	rec = f.get(t, "/api/arbitrage/matches")
	assert.Contains(t, rec.Body.String(), `"count":0`)
}

func TestMatchDeleteUnknownIs404(t *testing.T) {
	f := newServerFixture(t)

	rec := f.do(t, http.MethodDelete, "/api/arbitrage/matches/no-such-id", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestMatchCreateRejectsSingleMarket(t *testing.T) {
	f := newServerFixture(t)

	rec := f.do(t, http.MethodPost, "/api/arbitrage/matches",
		`{"markets":[{"venue":"polymarket","market_id":"pm-1"}]}`)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "at least two markets")
}

func TestMatchCreateRejectsBadJSON(t *testing.T) {
	f := newServerFixture(t)

	rec := f.do(t, http.MethodPost, "/api/arbitrage/matches", `{"markets": [`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestOpportunitiesEmpty(t *testing.T) {
	f := newServerFixture(t)

	rec := f.get(t, "/api/arbitrage/opportunities")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"count":0`)
}

func TestAlertLifecycleOverHTTP(t *testing.T) {
	f := newServerFixture(t)

	rec := f.do(t, http.MethodPost, "/api/alerts",
		`{"user_id":"u1","condition":{"venue":"polymarket","market_id":"pm-1","price_above":0.7},"channel":"telegram","chat_id":"42"}`)
	require.Equal(t, http.StatusCreated, rec.Code)

	var created domain.Alert
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))
	require.NotEmpty(t, created.ID)
	assert.Equal(t, domain.AlertPrice, created.Kind)
	assert.True(t, created.Enabled)

	rec = f.get(t, "/api/alerts?user=u1")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"count":1`)

	rec = f.do(t, http.MethodDelete, "/api/alerts/"+created.ID, "")
	require.Equal(t, http.StatusOK, rec.Code)

	rec = f.do(t, http.MethodDelete, "/api/alerts/"+created.ID, "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestAlertCreateRejectsMissingThreshold(t *testing.T) {
	f := newServerFixture(t)

	rec := f.do(t, http.MethodPost, "/api/alerts",
		`{"user_id":"u1","condition":{"venue":"polymarket","market_id":"pm-1"},"channel":"telegram","chat_id":"42"}`)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "exactly one threshold")
}

func TestJobsReportsSchedulerBookkeeping(t *testing.T) {
	f := newServerFixture(t)
	ctx := context.Background()
	require.NoError(t, f.jobs.Register(ctx, scheduler.JobPortfolioSnapshot, "0 */15 * * * *"))
	require.NoError(t, f.jobs.RecordRun(ctx, scheduler.JobPortfolioSnapshot, time.Now().UTC(), 1200*time.Millisecond, nil))

	rec := f.get(t, "/api/jobs")
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Jobs  []scheduler.JobStatus `json:"jobs"`
		Count int                   `json:"count"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Equal(t, 1, body.Count)
	assert.Equal(t, scheduler.JobPortfolioSnapshot, body.Jobs[0].Name)
	assert.Equal(t, "ok", body.Jobs[0].LastStatus)
	assert.EqualValues(t, 1200, body.Jobs[0].LastDurationMS)
}

func TestSystemStatusReportsHostStats(t *testing.T) {
	f := newServerFixture(t)

	rec := f.get(t, "/api/system")
	require.Equal(t, http.StatusOK, rec.Code)

	var status SystemStatus
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &status))
	assert.Equal(t, "ok", status.Status)
	assert.Positive(t, status.Goroutines)
	assert.GreaterOrEqual(t, status.UptimeHours, 0.0)
	assert.False(t, status.GeneratedAt.IsZero())
}
