package history

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/hexaphore/meridian/internal/domain"
	"github.com/hexaphore/meridian/internal/events"
	"github.com/hexaphore/meridian/internal/vault"
	"github.com/hexaphore/meridian/internal/venues"
)

// SyncResult reports one sync pass.
type SyncResult struct {
	Venues       int `json:"venues"`
	NewTrades    int `json:"new_trades"`
	NewFunding   int `json:"new_funding"`
	FailedVenues int `json:"failed_venues"`
}

// Service pulls trade and funding history from the venues and answers
// statistics queries over the stored fills.
type Service struct {
	vault    *vault.Vault
	registry *venues.Registry
	repo     *Repository
	bus      *events.Bus
	log      zerolog.Logger

	mu        sync.Mutex
	userLocks map[string]*sync.Mutex

	now func() time.Time
}

// NewService creates the history service.
func NewService(v *vault.Vault, registry *venues.Registry, repo *Repository, bus *events.Bus, log zerolog.Logger) *Service {
	return &Service{
		vault:     v,
		registry:  registry,
		repo:      repo,
		bus:       bus,
		log:       log.With().Str("component", "history").Logger(),
		userLocks: make(map[string]*sync.Mutex),
		now:       time.Now,
	}
}

// SyncTrades pulls new fills (and funding, where supported) from every
// enabled venue, starting where the last sync left off. Safe to call
// concurrently; syncs for the same user serialize.
func (s *Service) SyncTrades(ctx context.Context, userID string) (*SyncResult, error) {
	lock := s.userLock(userID)
	lock.Lock()
	defer lock.Unlock()

	creds, err := s.vault.ListEnabled(ctx, userID)
	if err != nil {
		return nil, err
	}

	result := &SyncResult{}
	for _, cred := range creds {
		venue := cred.Venue
		adapter := s.registry.Get(venue)
		if adapter == nil {
			continue
		}

		decrypted, err := s.vault.Get(ctx, userID, venue)
		if err != nil {
			s.log.Debug().Err(err).Str("venue", venue).Msg("Credential unavailable, sync skipped")
			result.FailedVenues++
			continue
		}

		result.Venues++
		if err := s.syncVenue(ctx, userID, adapter, decrypted, result); err != nil {
			result.FailedVenues++
			if venues.IsAuth(err) {
				if recErr := s.vault.RecordFailure(ctx, userID, venue, err); recErr != nil {
					s.log.Error().Err(recErr).Str("venue", venue).Msg("Failed to record credential failure")
				}
			}
			s.log.Warn().Err(err).Str("user_id", userID).Str("venue", venue).
				Msg("History sync failed for venue")
		}
	}
	return result, nil
}

func (s *Service) syncVenue(ctx context.Context, userID string, adapter venues.Adapter, creds domain.Credentials, result *SyncResult) error {
	venue := adapter.Venue()

	since, err := s.repo.LastTradeTime(ctx, userID, venue)
	if err != nil {
		return err
	}
	trades, err := adapter.FetchTrades(ctx, creds, venues.TradeQuery{Since: since})
	if err != nil {
		if venues.IsNotSupported(err) {
			s.log.Debug().Str("venue", venue).Msg("Venue has no trade history, skipping")
			return nil
		}
		return err
	}
	for i := range trades {
		trades[i].UserID = userID
		trades[i].Venue = venue
	}
	inserted, err := s.repo.InsertTrades(ctx, userID, trades)
	if err != nil {
		return err
	}
	result.NewTrades += inserted

	if len(trades) > 0 {
		s.bus.Emit(events.TradesSynced, "history", events.TradesSyncedData{
			UserID:   userID,
			Venue:    venue,
			Fetched:  len(trades),
			Inserted: inserted,
		})
	}

	if adapter.Capabilities().SupportsFunding {
		fundingInserted, err := s.syncFunding(ctx, userID, adapter, creds)
		if err != nil {
			// Trades landed; funding failing alone is not a venue failure.
			s.log.Warn().Err(err).Str("venue", venue).Msg("Funding sync failed")
		} else {
			result.NewFunding += fundingInserted
		}
	}
	return nil
}

func (s *Service) syncFunding(ctx context.Context, userID string, adapter venues.Adapter, creds domain.Credentials) (int, error) {
	venue := adapter.Venue()

	since, err := s.repo.LastFundingTime(ctx, userID, venue)
	if err != nil {
		return 0, err
	}
	payments, err := adapter.FetchFunding(ctx, creds, venues.FundingQuery{Since: since})
	if err != nil {
		if venues.IsNotSupported(err) {
			return 0, nil
		}
		return 0, err
	}
	for i := range payments {
		payments[i].UserID = userID
		payments[i].Venue = venue
	}
	return s.repo.InsertFunding(ctx, userID, payments)
}

// GetStats computes period statistics over the stored fills.
// Period is one of day, week, month or all.
func (s *Service) GetStats(ctx context.Context, userID, period string) (*Stats, error) {
	now := s.now().UTC()
	filter := TradeFilter{}
	switch period {
	case PeriodDay:
		since := now.Add(-24 * time.Hour)
		filter.Since = &since
	case PeriodWeek:
		since := now.AddDate(0, 0, -7)
		filter.Since = &since
	case PeriodMonth:
		since := now.AddDate(0, -1, 0)
		filter.Since = &since
	case PeriodAll, "":
		period = PeriodAll
	default:
		return nil, venues.NewValidationError("", "unknown period: "+period)
	}

	trades, err := s.repo.ListTrades(ctx, userID, filter)
	if err != nil {
		return nil, err
	}
	return computeStats(trades, period, now), nil
}

// GetDailyPnl returns per-UTC-day realized pnl over the last days,
// oldest-first. Days without fills are omitted.
func (s *Service) GetDailyPnl(ctx context.Context, userID string, days int) ([]DailyPnl, error) {
	if days <= 0 {
		days = 30
	}
	since := s.now().UTC().AddDate(0, 0, -days)
	trades, err := s.repo.ListTrades(ctx, userID, TradeFilter{Since: &since})
	if err != nil {
		return nil, err
	}
	return computeDaily(trades), nil
}

// GetEquityStats builds the cumulative equity curve over the last days
// with SMA/EMA smoothing and max drawdown.
func (s *Service) GetEquityStats(ctx context.Context, userID string, days int) (*EquityStats, error) {
	daily, err := s.GetDailyPnl(ctx, userID, days)
	if err != nil {
		return nil, err
	}
	return computeEquity(daily, days, s.now()), nil
}

// ListTrades exposes the stored fills for the API layer.
func (s *Service) ListTrades(ctx context.Context, userID string, f TradeFilter) ([]domain.Trade, error) {
	return s.repo.ListTrades(ctx, userID, f)
}

// ListFunding exposes the stored funding payments for the API layer.
func (s *Service) ListFunding(ctx context.Context, userID, venue string, limit int) ([]domain.FundingPayment, error) {
	return s.repo.ListFunding(ctx, userID, venue, limit)
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
