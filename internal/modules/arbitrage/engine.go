package arbitrage

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/hexaphore/meridian/internal/cache"
	"github.com/hexaphore/meridian/internal/domain"
	"github.com/hexaphore/meridian/internal/events"
	"github.com/hexaphore/meridian/internal/modules/markets"
	"github.com/hexaphore/meridian/internal/venues"
)

const (
	defaultPollInterval       = 10 * time.Second
	defaultOpportunityTTL     = 60 * time.Second
	defaultPriceTTL           = 5 * time.Second
	defaultMinSpread          = 0.02
	defaultMinMatchConfidence = 0.8

	// An existing opportunity is refreshed silently unless its spread
	// percentage moved by at least this many points.
	spreadMoveThreshold = 1.0

	searchLimit      = 20
	shutdownDeadline = 5 * time.Second
)

// Options tune the engine. Zero values fall back to defaults.
type Options struct {
	PollInterval       time.Duration
	OpportunityTTL     time.Duration
	PriceTTL           time.Duration
	MinSpread          float64 // fraction of the buy price, e.g. 0.02
	MinMatchConfidence float64
}

// Engine owns match state and active opportunities. Mutations happen on
// the tick path and through the match operations; both go through the
// state mutex, ticks themselves never overlap.
type Engine struct {
	registry *venues.Registry
	matches  *MatchRepository
	opps     *OpportunityRepository
	markets  *markets.Repository
	index    *markets.IndexRepository
	bus      *events.Bus
	log      zerolog.Logger

	pollInterval       time.Duration
	opportunityTTL     time.Duration
	minSpread          float64
	minMatchConfidence float64

	prices *cache.Cache[string, float64]

	mu       sync.Mutex
	matchSet map[string]domain.ArbMatch
	active   map[string]*domain.ArbOpportunity

	tickMu sync.Mutex

	baseCtx    context.Context
	baseCancel context.CancelFunc
	stop       chan struct{}
	stopped    chan struct{}
	started    bool

	now func() time.Time
}

// NewEngine creates an engine. It subscribes to price updates so streaming
// venues keep the price cache warm between polls.
func NewEngine(
	registry *venues.Registry,
	matchRepo *MatchRepository,
	oppRepo *OpportunityRepository,
	marketRepo *markets.Repository,
	indexRepo *markets.IndexRepository,
	bus *events.Bus,
	opts Options,
	log zerolog.Logger,
) *Engine {
	if opts.PollInterval <= 0 {
		opts.PollInterval = defaultPollInterval
	}
	if opts.OpportunityTTL <= 0 {
		opts.OpportunityTTL = defaultOpportunityTTL
	}
	if opts.PriceTTL <= 0 {
		opts.PriceTTL = defaultPriceTTL
	}
	if opts.MinSpread <= 0 {
		opts.MinSpread = defaultMinSpread
	}
	if opts.MinMatchConfidence <= 0 {
		opts.MinMatchConfidence = defaultMinMatchConfidence
	}

	baseCtx, baseCancel := context.WithCancel(context.Background())
	e := &Engine{
		registry:           registry,
		matches:            matchRepo,
		opps:               oppRepo,
		markets:            marketRepo,
		index:              indexRepo,
		bus:                bus,
		log:                log.With().Str("module", "arbitrage").Logger(),
		pollInterval:       opts.PollInterval,
		opportunityTTL:     opts.OpportunityTTL,
		minSpread:          opts.MinSpread,
		minMatchConfidence: opts.MinMatchConfidence,
		prices:             cache.New[string, float64](opts.PriceTTL),
		matchSet:           make(map[string]domain.ArbMatch),
		active:             make(map[string]*domain.ArbOpportunity),
		baseCtx:            baseCtx,
		baseCancel:         baseCancel,
		stop:               make(chan struct{}),
		stopped:            make(chan struct{}),
		now:                time.Now,
	}

	bus.Subscribe(events.PriceUpdated, func(ev events.Event) {
		data, ok := ev.Data.(*events.PriceUpdatedData)
		if !ok || data == nil {
			return
		}
		e.SetPrice(data.Venue, data.MarketID, data.Price)
	})

	return e
}

// Start loads persisted state and begins ticking.
func (e *Engine) Start(ctx context.Context) error {
	if err := e.hydrate(ctx); err != nil {
		return err
	}
	e.started = true
	go e.loop()
	e.log.Info().
		Dur("poll_interval", e.pollInterval).
		Float64("min_spread", e.minSpread).
		Msg("Arbitrage engine started")
	return nil
}

// Stop halts the loop, cancels in-flight quotes and flushes active
// opportunities. Bounded by the shutdown deadline.
func (e *Engine) Stop() {
	e.log.Info().Msg("Stopping arbitrage engine")
	e.baseCancel()
	close(e.stop)
	if e.started {
		select {
		case <-e.stopped:
		case <-time.After(shutdownDeadline):
			e.log.Warn().Msg("Arbitrage loop did not stop in time")
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), shutdownDeadline)
	defer cancel()
	e.flush(ctx)
	e.log.Info().Msg("Arbitrage engine stopped")
}

func (e *Engine) loop() {
	defer close(e.stopped)

	ticker := time.NewTicker(e.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-e.stop:
			return
		case <-ticker.C:
			if err := e.Tick(e.baseCtx); err != nil && e.baseCtx.Err() == nil {
				e.log.Error().Err(err).Msg("Arbitrage tick failed")
			}
		}
	}
}

func (e *Engine) hydrate(ctx context.Context) error {
	matchList, err := e.matches.List(ctx)
	if err != nil {
		return fmt.Errorf("load matches: %w", err)
	}
	oppList, err := e.opps.ListActive(ctx)
	if err != nil {
		return fmt.Errorf("load opportunities: %w", err)
	}

	e.mu.Lock()
	for _, m := range matchList {
		e.matchSet[m.ID] = m
	}
	for i := range oppList {
		o := oppList[i]
		e.active[o.Key()] = &o
	}
	e.mu.Unlock()

	e.log.Info().
		Int("matches", len(matchList)).
		Int("opportunities", len(oppList)).
		Msg("Arbitrage state loaded")
	return nil
}

func (e *Engine) flush(ctx context.Context) {
	e.mu.Lock()
	snapshot := make([]domain.ArbOpportunity, 0, len(e.active))
	for _, o := range e.active {
		snapshot = append(snapshot, *o)
	}
	e.mu.Unlock()

	for i := range snapshot {
		if err := e.opps.Upsert(ctx, &snapshot[i]); err != nil {
			e.log.Error().Err(err).Str("opportunity", snapshot[i].ID).Msg("Failed to flush opportunity")
		}
	}
}

// SetPrice feeds the price cache directly. Streaming feeds land here via
// the event bus.
func (e *Engine) SetPrice(venue, marketID string, price float64) {
	if price <= 0 {
		return
	}
	e.prices.Put(venue+"|"+marketID, price)
}

// Tick runs one evaluation pass: expire, price, pair. A tick already in
// flight makes this a no-op, so the scheduler job and the owned loop never
// overlap.
func (e *Engine) Tick(ctx context.Context) error {
	if !e.tickMu.TryLock() {
		e.log.Debug().Msg("Tick already running, skipped")
		return nil
	}
	defer e.tickMu.Unlock()

	now := e.now().UTC()
	e.expireOpportunities(ctx, now)

	e.mu.Lock()
	matchList := make([]domain.ArbMatch, 0, len(e.matchSet))
	for _, m := range e.matchSet {
		matchList = append(matchList, m)
	}
	e.mu.Unlock()
	sort.Slice(matchList, func(i, j int) bool { return matchList[i].ID < matchList[j].ID })

	for _, m := range matchList {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		e.evaluateMatch(ctx, m, now)
	}
	return nil
}

func (e *Engine) expireOpportunities(ctx context.Context, now time.Time) {
	e.mu.Lock()
	var expired []*domain.ArbOpportunity
	for key, o := range e.active {
		if o.ExpiresAt.Before(now) {
			o.IsActive = false
			expired = append(expired, o)
			delete(e.active, key)
		}
	}
	e.mu.Unlock()

	for _, o := range expired {
		if err := e.opps.Deactivate(ctx, o.ID); err != nil {
			e.log.Error().Err(err).Str("opportunity", o.ID).Msg("Failed to deactivate opportunity")
		}
		e.bus.Emit(events.ArbOpportunityExpired, "arbitrage", opportunityEventData(o))
		e.log.Info().
			Str("opportunity", o.ID).
			Str("pair", o.Key()).
			Msg("Opportunity expired")
	}
}

type pricedLeg struct {
	ref   domain.MarketRef
	price float64
}

type pairEval struct {
	buy          pricedLeg
	sell         pricedLeg
	spread       float64
	spreadPct    float64
	profitPer100 float64
}

func (e *Engine) evaluateMatch(ctx context.Context, m domain.ArbMatch, now time.Time) {
	legs := make([]pricedLeg, 0, len(m.Markets))
	for _, ref := range m.Markets {
		price, ok := e.price(ctx, ref)
		if !ok {
			continue
		}
		legs = append(legs, pricedLeg{ref: ref, price: price})
	}
	if len(legs) < 2 {
		return
	}

	best, ok := bestPair(legs)
	if !ok || best.spreadPct < e.minSpread*100 {
		return
	}

	key := best.buy.ref.Venue + "|" + best.buy.ref.MarketID + "|" +
		best.sell.ref.Venue + "|" + best.sell.ref.MarketID

	e.mu.Lock()
	if existing, ok := e.active[key]; ok {
		prevPct := existing.SpreadPct
		existing.Buy.Price = best.buy.price
		existing.Sell.Price = best.sell.price
		existing.Spread = best.spread
		existing.SpreadPct = best.spreadPct
		existing.ProfitPer100 = best.profitPer100
		existing.ExpiresAt = now.Add(e.opportunityTTL)
		snapshot := *existing
		e.mu.Unlock()

		if err := e.opps.Upsert(ctx, &snapshot); err != nil {
			e.log.Error().Err(err).Str("opportunity", snapshot.ID).Msg("Failed to persist opportunity")
		}
		if math.Abs(best.spreadPct-prevPct) >= spreadMoveThreshold {
			e.bus.Emit(events.ArbOpportunityUpdated, "arbitrage", opportunityEventData(&snapshot))
			e.log.Info().
				Str("opportunity", snapshot.ID).
				Float64("spread_pct", snapshot.SpreadPct).
				Float64("previous_pct", prevPct).
				Msg("Opportunity updated")
		}
		return
	}

	o := &domain.ArbOpportunity{
		ID: uuid.New().String(),
		Buy: domain.ArbLeg{
			Venue:    best.buy.ref.Venue,
			MarketID: best.buy.ref.MarketID,
			Price:    best.buy.price,
		},
		Sell: domain.ArbLeg{
			Venue:    best.sell.ref.Venue,
			MarketID: best.sell.ref.MarketID,
			Price:    best.sell.price,
		},
		Spread:       best.spread,
		SpreadPct:    best.spreadPct,
		ProfitPer100: best.profitPer100,
		Confidence:   m.Similarity,
		DetectedAt:   now,
		ExpiresAt:    now.Add(e.opportunityTTL),
		IsActive:     true,
	}
	e.active[key] = o
	e.mu.Unlock()

	if err := e.opps.Upsert(ctx, o); err != nil {
		e.log.Error().Err(err).Str("opportunity", o.ID).Msg("Failed to persist opportunity")
	}
	e.bus.Emit(events.ArbOpportunityFound, "arbitrage", opportunityEventData(o))
	e.log.Info().
		Str("opportunity", o.ID).
		Str("buy", o.Buy.Venue+"/"+o.Buy.MarketID).
		Str("sell", o.Sell.Venue+"/"+o.Sell.MarketID).
		Float64("spread_pct", o.SpreadPct).
		Msg("Opportunity found")
}

// price resolves one market's current price through the cache, falling
// back to a unit quote. Poll fills are republished so alert evaluation
// sees them.
func (e *Engine) price(ctx context.Context, ref domain.MarketRef) (float64, bool) {
	key := ref.Venue + "|" + ref.MarketID
	if p, ok := e.prices.Get(key); ok {
		return p, true
	}

	adapter := e.registry.Get(ref.Venue)
	if adapter == nil {
		return 0, false
	}
	quote, err := adapter.Quote(ctx, ref.MarketID, "buy", 1)
	if err != nil {
		e.log.Warn().Err(err).
			Str("venue", ref.Venue).
			Str("market", ref.MarketID).
			Msg("Quote failed")
		return 0, false
	}
	if quote == nil || quote.Price <= 0 {
		return 0, false
	}

	e.prices.Put(key, quote.Price)
	e.bus.Emit(events.PriceUpdated, "arbitrage", &events.PriceUpdatedData{
		Venue:    ref.Venue,
		MarketID: ref.MarketID,
		Price:    quote.Price,
		Source:   "poll",
	})
	return quote.Price, true
}

// bestPair picks the ordered pair with the widest relative spread. A pair
// is valid only when the buy price is positive and the sell price exceeds
// it.
func bestPair(legs []pricedLeg) (pairEval, bool) {
	var best pairEval
	found := false
	for i := range legs {
		for j := range legs {
			if i == j {
				continue
			}
			buy, sell := legs[i], legs[j]
			if buy.price <= 0 || sell.price <= buy.price {
				continue
			}
			spread := sell.price - buy.price
			pct := spread / buy.price * 100
			if !found || pct > best.spreadPct {
				best = pairEval{
					buy:          buy,
					sell:         sell,
					spread:       spread,
					spreadPct:    pct,
					profitPer100: (100/buy.price)*sell.price - 100,
				}
				found = true
			}
		}
	}
	return best, found
}

// AddMatch declares a manual equivalence between markets.
func (e *Engine) AddMatch(ctx context.Context, refs []domain.MarketRef) (*domain.ArbMatch, error) {
	if len(refs) < 2 {
		return nil, venues.NewValidationError("", "a match needs at least two markets")
	}
	for _, ref := range refs {
		if ref.Venue == "" || ref.MarketID == "" {
			return nil, venues.NewValidationError("", "match markets need venue and market_id")
		}
	}
	if e.hasMatch(refs) {
		return nil, venues.NewValidationError("", "an equivalent match already exists")
	}

	m := &domain.ArbMatch{
		ID:         uuid.New().String(),
		Markets:    refs,
		MatchedBy:  domain.MatchedManual,
		Similarity: 1,
		CreatedAt:  e.now().UTC(),
	}
	if err := e.matches.Insert(ctx, m); err != nil {
		return nil, err
	}

	e.mu.Lock()
	e.matchSet[m.ID] = *m
	e.mu.Unlock()

	e.log.Info().Str("match", m.ID).Int("markets", len(refs)).Msg("Match added")
	return m, nil
}

// RemoveMatch deletes a match. Its opportunities are left to expire.
func (e *Engine) RemoveMatch(ctx context.Context, id string) error {
	if err := e.matches.Delete(ctx, id); err != nil {
		return err
	}
	e.mu.Lock()
	delete(e.matchSet, id)
	e.mu.Unlock()
	return nil
}

// Matches returns all persisted matches, newest first.
func (e *Engine) Matches(ctx context.Context) ([]domain.ArbMatch, error) {
	return e.matches.List(ctx)
}

// ActiveOpportunities snapshots the live set, widest spread first.
func (e *Engine) ActiveOpportunities() []domain.ArbOpportunity {
	e.mu.Lock()
	opps := make([]domain.ArbOpportunity, 0, len(e.active))
	for _, o := range e.active {
		opps = append(opps, *o)
	}
	e.mu.Unlock()

	sort.Slice(opps, func(i, j int) bool { return opps[i].SpreadPct > opps[j].SpreadPct })
	return opps
}

// AutoMatch searches every search-capable venue and pairs cross-venue
// results that clear the confidence floor. Search hits refresh the market
// cache and the index along the way.
func (e *Engine) AutoMatch(ctx context.Context, query string) ([]domain.ArbMatch, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, venues.NewValidationError("", "search query is empty")
	}

	var found []domain.Market
	for _, s := range e.registry.Searchers() {
		results, err := s.SearchMarkets(ctx, query, searchLimit)
		if err != nil {
			e.log.Warn().Err(err).Str("query", query).Msg("Market search failed")
			continue
		}
		found = append(found, results...)
	}

	for i := range found {
		m := found[i]
		if err := e.markets.Upsert(ctx, &m); err != nil {
			e.log.Warn().Err(err).Str("market", m.Venue+"/"+m.MarketID).Msg("Market cache refresh failed")
		}
		entry := &domain.MarketIndexEntry{
			Venue:    m.Venue,
			MarketID: m.MarketID,
			Question: m.Question,
		}
		if err := e.index.Upsert(ctx, entry); err != nil {
			e.log.Warn().Err(err).Str("market", m.Venue+"/"+m.MarketID).Msg("Index refresh failed")
		}
	}

	var created []domain.ArbMatch
	for i := 0; i < len(found); i++ {
		for j := i + 1; j < len(found); j++ {
			a, b := found[i], found[j]
			if a.Venue == b.Venue {
				continue
			}
			refs := []domain.MarketRef{
				{Venue: a.Venue, MarketID: a.MarketID},
				{Venue: b.Venue, MarketID: b.MarketID},
			}
			if e.hasMatch(refs) {
				continue
			}
			score, method := e.scorePair(ctx, a, b)
			if score < e.minMatchConfidence {
				continue
			}

			m := &domain.ArbMatch{
				ID:         uuid.New().String(),
				Markets:    refs,
				MatchedBy:  method,
				Similarity: score,
				CreatedAt:  e.now().UTC(),
			}
			if err := e.matches.Insert(ctx, m); err != nil {
				e.log.Warn().Err(err).Str("match", m.ID).Msg("Failed to persist match")
				continue
			}
			e.mu.Lock()
			e.matchSet[m.ID] = *m
			e.mu.Unlock()
			created = append(created, *m)

			e.log.Info().
				Str("match", m.ID).
				Str("method", string(method)).
				Float64("similarity", score).
				Msg("Markets matched")
		}
	}
	return created, nil
}

// scorePair prefers the embedding distance when both vectors exist and
// falls back to question token overlap.
func (e *Engine) scorePair(ctx context.Context, a, b domain.Market) (float64, domain.MatchedBy) {
	ae, aerr := e.index.Get(ctx, a.Venue, a.MarketID)
	be, berr := e.index.Get(ctx, b.Venue, b.MarketID)
	if aerr == nil && berr == nil &&
		ae != nil && be != nil &&
		len(ae.Embedding) > 0 && len(be.Embedding) > 0 {
		return cosineSimilarity(ae.Embedding, be.Embedding), domain.MatchedEmbedding
	}
	return questionSimilarity(a.Question, b.Question), domain.MatchedQuestion
}

func (e *Engine) hasMatch(refs []domain.MarketRef) bool {
	want := pairKey(refs)
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, m := range e.matchSet {
		if pairKey(m.Markets) == want {
			return true
		}
	}
	return false
}

// pairKey is order-insensitive so A/B and B/A are the same match.
func pairKey(refs []domain.MarketRef) string {
	keys := make([]string, len(refs))
	for i, r := range refs {
		keys[i] = r.Venue + "|" + r.MarketID
	}
	sort.Strings(keys)
	return strings.Join(keys, "||")
}

func opportunityEventData(o *domain.ArbOpportunity) *events.OpportunityEventData {
	return &events.OpportunityEventData{
		OpportunityID: o.ID,
		BuyVenue:      o.Buy.Venue,
		BuyMarketID:   o.Buy.MarketID,
		BuyPrice:      o.Buy.Price,
		SellVenue:     o.Sell.Venue,
		SellMarketID:  o.Sell.MarketID,
		SellPrice:     o.Sell.Price,
		Spread:        o.Spread,
		SpreadPct:     o.SpreadPct,
		ProfitPer100:  o.ProfitPer100,
		Confidence:    o.Confidence,
		ExpiresAt:     o.ExpiresAt,
	}
}
