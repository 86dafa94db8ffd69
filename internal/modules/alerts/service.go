package alerts

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/hexaphore/meridian/internal/domain"
	"github.com/hexaphore/meridian/internal/events"
	"github.com/hexaphore/meridian/internal/venues"
)

const (
	queueSize            = 256
	evalTimeout          = 10 * time.Second
	retryInterval        = 30 * time.Second
	maxPendingDeliveries = 100
	maxDeliveryAttempts  = 3
	shutdownDeadline     = 5 * time.Second
)

// MessageTransport delivers one notification. Implementations own the
// actual channel (Telegram, webhook, ...); the service only routes.
type MessageTransport interface {
	Send(ctx context.Context, userID, channel, chatID, text string) error
}

// Options tune the alert service.
type Options struct {
	// DryRun logs notifications instead of delivering them. Trigger
	// state is recorded either way.
	DryRun bool
}

type taskKind int

const (
	taskPrice taskKind = iota
	taskPnl
)

type task struct {
	kind     taskKind
	venue    string
	marketID string
	userID   string
	value    float64
}

type notification struct {
	userID   string
	channel  string
	chatID   string
	text     string
	attempts int
}

// Service arms, evaluates and fires alerts. Bus handlers only enqueue;
// evaluation and delivery run on the worker goroutine.
type Service struct {
	repo      *Repository
	transport MessageTransport
	bus       *events.Bus
	log       zerolog.Logger
	dryRun    bool

	queue   chan task
	stop    chan struct{}
	stopped chan struct{}
	started bool

	mu      sync.Mutex
	pending []notification

	now func() time.Time
}

// NewService creates the alert service and wires its bus subscriptions.
func NewService(repo *Repository, transport MessageTransport, bus *events.Bus, opts Options, log zerolog.Logger) *Service {
	s := &Service{
		repo:      repo,
		transport: transport,
		bus:       bus,
		log:       log.With().Str("module", "alerts").Logger(),
		dryRun:    opts.DryRun,
		queue:     make(chan task, queueSize),
		stop:      make(chan struct{}),
		stopped:   make(chan struct{}),
		now:       time.Now,
	}

	bus.Subscribe(events.PriceUpdated, func(ev events.Event) {
		d, ok := ev.Data.(*events.PriceUpdatedData)
		if !ok || d == nil {
			return
		}
		s.enqueue(task{kind: taskPrice, venue: d.Venue, marketID: d.MarketID, value: d.Price})
	})
	bus.Subscribe(events.PortfolioRefreshed, func(ev events.Event) {
		d, ok := ev.Data.(*events.PortfolioRefreshedData)
		if !ok || d == nil {
			return
		}
		s.enqueue(task{kind: taskPnl, userID: d.UserID, value: d.TotalPnl})
	})

	return s
}

// Start launches the worker.
func (s *Service) Start() {
	s.started = true
	go s.run()
	s.log.Info().Bool("dry_run", s.dryRun).Msg("Alert service started")
}

// Stop drains the worker within the shutdown deadline.
func (s *Service) Stop() {
	close(s.stop)
	if !s.started {
		return
	}
	select {
	case <-s.stopped:
	case <-time.After(shutdownDeadline):
		s.log.Warn().Msg("Alert worker did not stop in time")
	}
}

func (s *Service) run() {
	defer close(s.stopped)

	retry := time.NewTicker(retryInterval)
	defer retry.Stop()

	for {
		select {
		case <-s.stop:
			return
		case t := <-s.queue:
			s.evaluate(t)
		case <-retry.C:
			s.flushPending()
		}
	}
}

// enqueue never blocks the emitter. A dropped tick is re-evaluated on the
// next one.
func (s *Service) enqueue(t task) {
	select {
	case s.queue <- t:
	default:
		s.log.Warn().Msg("Alert queue full, tick dropped")
	}
}

func (s *Service) evaluate(t task) {
	ctx, cancel := context.WithTimeout(context.Background(), evalTimeout)
	defer cancel()

	switch t.kind {
	case taskPrice:
		armed, err := s.repo.ListArmedForMarket(ctx, t.venue, t.marketID)
		if err != nil {
			s.log.Error().Err(err).Msg("Failed to load armed alerts")
			return
		}
		for i := range armed {
			if hit, text := priceHit(&armed[i], t.value); hit {
				s.fire(ctx, &armed[i], t.value, text)
			}
		}
	case taskPnl:
		armed, err := s.repo.ListArmedPortfolio(ctx, t.userID)
		if err != nil {
			s.log.Error().Err(err).Msg("Failed to load armed portfolio alerts")
			return
		}
		for i := range armed {
			if hit, text := pnlHit(&armed[i], t.value); hit {
				s.fire(ctx, &armed[i], t.value, text)
			}
		}
	}
}

func priceHit(a *domain.Alert, price float64) (bool, string) {
	c := a.Condition
	if c.PriceAbove != nil && price > *c.PriceAbove {
		return true, fmt.Sprintf("%s %s at %.4f, above %.4f", c.Venue, c.MarketID, price, *c.PriceAbove)
	}
	if c.PriceBelow != nil && price < *c.PriceBelow {
		return true, fmt.Sprintf("%s %s at %.4f, below %.4f", c.Venue, c.MarketID, price, *c.PriceBelow)
	}
	return false, ""
}

func pnlHit(a *domain.Alert, pnl float64) (bool, string) {
	c := a.Condition
	if c.PnlAbove != nil && pnl > *c.PnlAbove {
		return true, fmt.Sprintf("Portfolio PnL at %.2f, above %.2f", pnl, *c.PnlAbove)
	}
	if c.PnlBelow != nil && pnl < *c.PnlBelow {
		return true, fmt.Sprintf("Portfolio PnL at %.2f, below %.2f", pnl, *c.PnlBelow)
	}
	return false, ""
}

func (s *Service) fire(ctx context.Context, a *domain.Alert, value float64, text string) {
	now := s.now().UTC()
	if err := s.repo.MarkTriggered(ctx, a.ID, now); err != nil {
		s.log.Error().Err(err).Str("alert", a.ID).Msg("Failed to record trigger")
		return
	}

	s.bus.Emit(events.AlertTriggered, "alerts", &events.AlertTriggeredData{
		AlertID: a.ID,
		UserID:  a.UserID,
		Kind:    string(a.Kind),
		Value:   value,
		Message: text,
	})
	s.log.Info().
		Str("alert", a.ID).
		Str("user", a.UserID).
		Float64("value", value).
		Msg("Alert triggered")

	s.deliver(ctx, notification{
		userID:  a.UserID,
		channel: a.Channel,
		chatID:  a.ChatID,
		text:    text,
	})
}

func (s *Service) deliver(ctx context.Context, n notification) {
	if s.dryRun {
		s.log.Info().
			Str("channel", n.channel).
			Str("chat", n.chatID).
			Str("text", n.text).
			Msg("Dry run, notification not sent")
		return
	}
	if s.transport == nil {
		return
	}

	if err := s.transport.Send(ctx, n.userID, n.channel, n.chatID, n.text); err != nil {
		n.attempts++
		s.log.Warn().Err(err).Int("attempts", n.attempts).Msg("Notification delivery failed")
		if n.attempts >= maxDeliveryAttempts {
			s.log.Error().Str("user", n.userID).Msg("Notification dropped after retries")
			return
		}
		s.mu.Lock()
		if len(s.pending) < maxPendingDeliveries {
			s.pending = append(s.pending, n)
		}
		s.mu.Unlock()
	}
}

func (s *Service) flushPending() {
	s.mu.Lock()
	pending := s.pending
	s.pending = nil
	s.mu.Unlock()

	for _, n := range pending {
		ctx, cancel := context.WithTimeout(context.Background(), evalTimeout)
		s.deliver(ctx, n)
		cancel()
	}
}

// Create validates and arms a new alert. The kind follows from which
// threshold is set.
func (s *Service) Create(ctx context.Context, a *domain.Alert) error {
	if a.UserID == "" {
		return venues.NewValidationError("", "alert needs a user")
	}

	c := a.Condition
	thresholds := 0
	for _, p := range []*float64{c.PriceAbove, c.PriceBelow, c.PnlAbove, c.PnlBelow} {
		if p != nil {
			thresholds++
		}
	}
	if thresholds != 1 {
		return venues.NewValidationError("", "alert needs exactly one threshold")
	}

	switch {
	case c.PriceAbove != nil || c.PriceBelow != nil:
		if c.Venue == "" || c.MarketID == "" {
			return venues.NewValidationError("", "price alert needs venue and market_id")
		}
		a.Kind = domain.AlertPrice
	default:
		a.Kind = domain.AlertPortfolio
	}

	a.Enabled = true
	a.Triggered = false
	a.TriggerCount = 0
	a.LastTriggeredAt = nil
	return s.repo.Insert(ctx, a)
}

// List returns a user's alerts.
func (s *Service) List(ctx context.Context, userID string) ([]domain.Alert, error) {
	return s.repo.ListByUser(ctx, userID)
}

// Delete removes an alert.
func (s *Service) Delete(ctx context.Context, id string) error {
	return s.repo.Delete(ctx, id)
}

// Rearm puts a fired alert back into evaluation.
func (s *Service) Rearm(ctx context.Context, id string) error {
	return s.repo.Rearm(ctx, id)
}

// SetEnabled pauses or resumes an alert.
func (s *Service) SetEnabled(ctx context.Context, id string, enabled bool) error {
	return s.repo.SetEnabled(ctx, id, enabled)
}
