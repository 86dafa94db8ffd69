package portfolio

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/hexaphore/meridian/internal/cache"
	"github.com/hexaphore/meridian/internal/domain"
	"github.com/hexaphore/meridian/internal/events"
	"github.com/hexaphore/meridian/internal/vault"
	"github.com/hexaphore/meridian/internal/venues"
)

const (
	defaultFetchTimeout = 10 * time.Second
	defaultSummaryTTL   = 30 * time.Second

	// rateLimitFallback is used when a 429 carries no Retry-After.
	rateLimitFallback = 30 * time.Second

	shutdownDeadline = 5 * time.Second
)

// Options tunes the aggregator. Zero values fall back to defaults.
type Options struct {
	FetchTimeout time.Duration
	SummaryTTL   time.Duration
}

// Service fans venue fetches out in parallel and merges whatever succeeds
// into one summary. A venue failing never fails the aggregate call.
type Service struct {
	vault     *vault.Vault
	registry  *venues.Registry
	repo      *Repository
	snapshots *SnapshotRepository
	bus       *events.Bus
	log       zerolog.Logger

	fetchTimeout time.Duration
	summaries    *cache.Cache[string, *domain.PortfolioSummary]

	mu          sync.Mutex
	userLocks   map[string]*sync.Mutex
	rateLimited map[string]time.Time          // (user|venue) -> retry after
	statuses    map[string]domain.VenueStatus // (user|venue) -> last outcome

	baseCtx context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	now func() time.Time
}

// NewService creates the aggregator.
func NewService(v *vault.Vault, registry *venues.Registry, repo *Repository, snapshots *SnapshotRepository, bus *events.Bus, opts Options, log zerolog.Logger) *Service {
	if opts.FetchTimeout <= 0 {
		opts.FetchTimeout = defaultFetchTimeout
	}
	if opts.SummaryTTL == 0 {
		opts.SummaryTTL = defaultSummaryTTL
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Service{
		vault:        v,
		registry:     registry,
		repo:         repo,
		snapshots:    snapshots,
		bus:          bus,
		log:          log.With().Str("component", "aggregator").Logger(),
		fetchTimeout: opts.FetchTimeout,
		summaries:    cache.New[string, *domain.PortfolioSummary](opts.SummaryTTL),
		userLocks:    make(map[string]*sync.Mutex),
		rateLimited:  make(map[string]time.Time),
		statuses:     make(map[string]domain.VenueStatus),
		baseCtx:      ctx,
		cancel:       cancel,
		now:          time.Now,
	}
}

// Summary returns the user's aggregated portfolio, from cache when fresh.
// Implements domain.SummaryProvider.
func (s *Service) Summary(ctx context.Context, userID string, forceRefresh bool) (*domain.PortfolioSummary, error) {
	if !forceRefresh {
		if cached, ok := s.summaries.Get(userID); ok {
			return cached, nil
		}
	}

	// One refresh in flight per user; latecomers wait and reuse the result.
	lock := s.userLock(userID)
	lock.Lock()
	defer lock.Unlock()

	if !forceRefresh {
		if cached, ok := s.summaries.Get(userID); ok {
			return cached, nil
		}
	}

	summary, err := s.refresh(ctx, userID)
	if err != nil {
		return nil, err
	}
	s.summaries.Put(userID, summary)
	return summary, nil
}

// PositionsByUser returns the stored position rows. Implements
// domain.PositionReader for risk and alert evaluation.
func (s *Service) PositionsByUser(ctx context.Context, userID string) ([]domain.Position, error) {
	return s.repo.ListByUser(ctx, userID)
}

// VenueStatuses reports the last aggregation outcome per venue for a user.
func (s *Service) VenueStatuses(userID string) []domain.VenueStatus {
	s.mu.Lock()
	defer s.mu.Unlock()

	var statuses []domain.VenueStatus
	for _, venue := range s.registry.Venues() {
		if st, ok := s.statuses[userID+"|"+venue]; ok {
			statuses = append(statuses, st)
		}
	}
	return statuses
}

// Invalidate drops the cached summary so the next call refreshes.
func (s *Service) Invalidate(userID string) {
	s.summaries.Invalidate(userID)
}

// Stop cancels in-flight fetches and waits for them within the shutdown
// deadline.
func (s *Service) Stop() {
	s.cancel()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(shutdownDeadline):
		s.log.Warn().Msg("Aggregator stop deadline exceeded")
	}
}

// fetchOutcome is one settled venue fetch: either a result or a reason.
type fetchOutcome struct {
	venue     string
	positions []domain.Position
	balances  []domain.Balance
	kind      string // positions or balances
	err       error
}

func (s *Service) refresh(ctx context.Context, userID string) (*domain.PortfolioSummary, error) {
	creds, err := s.vault.ListEnabled(ctx, userID)
	if err != nil {
		return nil, err
	}

	type job struct {
		venue   string
		adapter venues.Adapter
		creds   domain.Credentials
	}
	var jobs []job
	now := s.now()

	for _, cred := range creds {
		venue := cred.Venue
		adapter := s.registry.Get(venue)
		if adapter == nil {
			s.log.Debug().Str("venue", venue).Msg("No adapter registered, skipping")
			continue
		}
		if until, limited := s.rateLimitedUntil(userID, venue); limited && now.Before(until) {
			s.setStatus(userID, venue, domain.VenueStatus{
				Venue: venue, OK: false,
				LastError: "rate limited, retrying at " + until.UTC().Format(time.RFC3339),
			})
			continue
		}

		decrypted, err := s.vault.Get(ctx, userID, venue)
		if err != nil {
			// Cooling or disabled credentials are excluded, not fatal.
			s.log.Warn().Err(err).Str("user_id", userID).Str("venue", venue).
				Msg("Credential unavailable, venue excluded")
			s.setStatus(userID, venue, domain.VenueStatus{
				Venue: venue, OK: false, LastError: err.Error(),
			})
			continue
		}
		jobs = append(jobs, job{venue: venue, adapter: adapter, creds: decrypted})
	}

	// Positions and balances fan out independently, one task per venue
	// per kind, each with its own timeout. Settled semantics: every task
	// reports success or failure on the channel; nothing is awaited
	// beyond that.
	results := make(chan fetchOutcome, len(jobs)*2)
	for _, j := range jobs {
		j := j
		s.wg.Add(2)
		go func() {
			defer s.wg.Done()
			fetchCtx, cancel := s.fetchContext(ctx)
			defer cancel()
			positions, err := j.adapter.FetchPositions(fetchCtx, j.creds)
			results <- fetchOutcome{venue: j.venue, kind: "positions", positions: positions, err: err}
		}()
		go func() {
			defer s.wg.Done()
			fetchCtx, cancel := s.fetchContext(ctx)
			defer cancel()
			balances, err := j.adapter.FetchBalances(fetchCtx, j.creds)
			results <- fetchOutcome{venue: j.venue, kind: "balances", balances: balances, err: err}
		}()
	}

	byVenue := make(map[string]*venueResult, len(jobs))
	for i := 0; i < len(jobs)*2; i++ {
		outcome := <-results
		vr := byVenue[outcome.venue]
		if vr == nil {
			vr = &venueResult{}
			byVenue[outcome.venue] = vr
		}
		switch outcome.kind {
		case "positions":
			vr.positions, vr.positionsErr = outcome.positions, outcome.err
		case "balances":
			vr.balances, vr.balancesErr = outcome.balances, outcome.err
		}
	}

	fetchedAt := s.now()
	summary := &domain.PortfolioSummary{
		UserID:      userID,
		PerVenue:    make(map[string]domain.VenueBreakdown),
		GeneratedAt: fetchedAt,
	}
	var valueSum, costSum, pnlSum kahanSum
	failed := 0

	for _, j := range jobs {
		vr := byVenue[j.venue]
		s.settleVenue(ctx, userID, j.venue, vr)

		status := domain.VenueStatus{Venue: j.venue, OK: true, LastFetchedAt: &fetchedAt}
		if vr.positionsErr != nil {
			status.OK = false
			status.LastError = vr.positionsErr.Error()
			s.log.Warn().Err(vr.positionsErr).Str("venue", j.venue).
				Msg("Positions fetch failed, venue excluded from merge")
		} else {
			status.Positions = len(vr.positions)
			breakdown := domain.VenueBreakdown{Positions: len(vr.positions)}
			for i := range vr.positions {
				p := &vr.positions[i]
				p.UserID = userID
				p.Venue = j.venue
				valueSum.Add(p.Value())
				costSum.Add(p.CostBasis())
				pnlSum.Add(p.PnL())
				breakdown.Value += p.Value()
				breakdown.Pnl += p.PnL()
			}
			summary.PerVenue[j.venue] = breakdown
			summary.Positions = append(summary.Positions, vr.positions...)

			if err := s.repo.ReplaceForVenue(ctx, userID, j.venue, vr.positions); err != nil {
				s.log.Error().Err(err).Str("venue", j.venue).Msg("Failed to persist positions")
			}
		}

		if vr.balancesErr != nil {
			if vr.positionsErr == nil {
				// Positions made it in; note the partial failure.
				status.LastError = vr.balancesErr.Error()
			}
			s.log.Warn().Err(vr.balancesErr).Str("venue", j.venue).Msg("Balances fetch failed")
		} else {
			summary.Balances = append(summary.Balances, vr.balances...)
		}

		if !status.OK {
			failed++
		}
		s.setStatus(userID, j.venue, status)
		summary.Venues = append(summary.Venues, status)
	}

	summary.TotalValue = valueSum.Sum()
	summary.TotalCostBasis = costSum.Sum()
	summary.TotalPnl = pnlSum.Sum()
	if summary.TotalCostBasis > 0 {
		summary.TotalPnlPct = summary.TotalPnl / summary.TotalCostBasis * 100
	}
	summary.PositionsCount = len(summary.Positions)

	s.bus.Emit(events.PortfolioRefreshed, "portfolio", events.PortfolioRefreshedData{
		UserID:     userID,
		TotalValue: summary.TotalValue,
		TotalPnl:   summary.TotalPnl,
		Venues:     len(jobs),
		Failed:     failed,
	})

	return summary, nil
}

// Snapshot materializes the current summary into the snapshot series.
func (s *Service) Snapshot(ctx context.Context, userID string) (*domain.PortfolioSnapshot, error) {
	summary, err := s.Summary(ctx, userID, true)
	if err != nil {
		return nil, err
	}

	snapshot := &domain.PortfolioSnapshot{
		UserID:         userID,
		TotalValue:     summary.TotalValue,
		TotalPnl:       summary.TotalPnl,
		TotalPnlPct:    summary.TotalPnlPct,
		TotalCostBasis: summary.TotalCostBasis,
		PositionsCount: summary.PositionsCount,
		PerVenue:       summary.PerVenue,
		CreatedAt:      s.now().UTC(),
	}
	if err := s.snapshots.Insert(ctx, snapshot); err != nil {
		return nil, err
	}

	s.bus.Emit(events.SnapshotCreated, "portfolio", events.SnapshotCreatedData{
		UserID:     userID,
		SnapshotID: snapshot.ID,
		TotalValue: snapshot.TotalValue,
	})
	return snapshot, nil
}

type venueResult struct {
	positions    []domain.Position
	positionsErr error
	balances     []domain.Balance
	balancesErr  error
}

// settleVenue updates credential counters and the rate-limit skip window
// from a venue's fetch outcome.
func (s *Service) settleVenue(ctx context.Context, userID, venue string, vr *venueResult) {
	for _, err := range []error{vr.positionsErr, vr.balancesErr} {
		if err == nil {
			continue
		}
		if venues.IsAuth(err) {
			if recErr := s.vault.RecordFailure(ctx, userID, venue, err); recErr != nil {
				s.log.Error().Err(recErr).Str("venue", venue).Msg("Failed to record credential failure")
			}
			return
		}
		if ve, ok := venues.AsError(err); ok && ve.Kind == venues.KindRateLimited {
			retryAfter := ve.RetryAfter
			if retryAfter <= 0 {
				retryAfter = rateLimitFallback
			}
			s.setRateLimited(userID, venue, s.now().Add(retryAfter))
			return
		}
	}

	if vr.positionsErr == nil && vr.balancesErr == nil {
		if err := s.vault.RecordSuccess(ctx, userID, venue); err != nil {
			s.log.Error().Err(err).Str("venue", venue).Msg("Failed to record credential success")
		}
	}
}

// fetchContext bounds one venue call and ties it to the service lifetime
// so Stop() cancels stragglers.
func (s *Service) fetchContext(ctx context.Context) (context.Context, context.CancelFunc) {
	merged, cancel := context.WithTimeout(ctx, s.fetchTimeout)
	stop := context.AfterFunc(s.baseCtx, cancel)
	return merged, func() { stop(); cancel() }
}

func (s *Service) userLock(userID string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	lock, ok := s.userLocks[userID]
	if !ok {
		lock = &sync.Mutex{}
		s.userLocks[userID] = lock
	}
	return lock
}

func (s *Service) rateLimitedUntil(userID, venue string) (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	until, ok := s.rateLimited[userID+"|"+venue]
	return until, ok
}

func (s *Service) setRateLimited(userID, venue string, until time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rateLimited[userID+"|"+venue] = until
}

func (s *Service) setStatus(userID, venue string, status domain.VenueStatus) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.statuses[userID+"|"+venue] = status
}

// kahanSum is a compensated accumulator. Long position lists mix values
// spanning many orders of magnitude; naive summation loses the small ones.
type kahanSum struct {
	sum, c float64
}

func (k *kahanSum) Add(x float64) {
	y := x - k.c
	t := k.sum + y
	k.c = (t - k.sum) - y
	k.sum = t
}

func (k *kahanSum) Sum() float64 {
	return k.sum
}
