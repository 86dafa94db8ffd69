package alerts

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hexaphore/meridian/internal/domain"
	"github.com/hexaphore/meridian/internal/events"
	testhelpers "github.com/hexaphore/meridian/internal/testing"
	"github.com/hexaphore/meridian/internal/venues"
)

type sentMessage struct {
	userID  string
	channel string
	chatID  string
	text    string
}

type fakeTransport struct {
	mu    sync.Mutex
	err   error
	sent  []sentMessage
	calls int
}

func (f *fakeTransport) Send(_ context.Context, userID, channel, chatID, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return f.err
	}
	f.sent = append(f.sent, sentMessage{userID, channel, chatID, text})
	return nil
}

func (f *fakeTransport) setErr(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.err = err
}

func (f *fakeTransport) sentCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

func (f *fakeTransport) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func newAlertFixture(t *testing.T, opts Options) (*Service, *Repository, *fakeTransport, *events.Bus) {
	t.Helper()

	conn := testhelpers.NewMemoryConn(t)
	_, err := conn.Exec(`INSERT INTO users (id, external_platform_id, created_at) VALUES (?, ?, ?)`,
		"u1", "tg:1001", time.Now().UTC().Format(time.RFC3339Nano))
	require.NoError(t, err)

	repo := NewRepository(conn, testLogger())
	transport := &fakeTransport{}
	bus := events.NewBus(testLogger())
	svc := NewService(repo, transport, bus, opts, testLogger())
	return svc, repo, transport, bus
}

func armPriceAlert(t *testing.T, svc *Service, above, below *float64) *domain.Alert {
	t.Helper()
	a := &domain.Alert{
		UserID: "u1",
		Condition: domain.AlertCondition{
			Venue:      "kalshi",
			MarketID:   "FED-25DEC",
			PriceAbove: above,
			PriceBelow: below,
		},
		Channel: "telegram",
		ChatID:  "1001",
	}
	require.NoError(t, svc.Create(context.Background(), a))
	return a
}

func TestPriceAboveTriggersOnce(t *testing.T) {
	svc, repo, transport, bus := newAlertFixture(t, Options{})
	a := armPriceAlert(t, svc, f64(0.65), nil)

	var fired []*events.AlertTriggeredData
	bus.Subscribe(events.AlertTriggered, func(ev events.Event) {
		if d, ok := ev.Data.(*events.AlertTriggeredData); ok {
			fired = append(fired, d)
		}
	})

	svc.evaluate(task{kind: taskPrice, venue: "kalshi", marketID: "FED-25DEC", value: 0.70})

	got, err := repo.Get(context.Background(), a.ID)
	require.NoError(t, err)
	assert.True(t, got.Triggered)
	assert.Equal(t, 1, got.TriggerCount)
	assert.NotNil(t, got.LastTriggeredAt)

	require.Len(t, fired, 1)
	assert.Equal(t, a.ID, fired[0].AlertID)
	assert.Equal(t, 0.70, fired[0].Value)

	require.Equal(t, 1, transport.sentCount())
	msg := transport.sent[0]
	assert.Equal(t, "u1", msg.userID)
	assert.Equal(t, "telegram", msg.channel)
	assert.Equal(t, "1001", msg.chatID)
	assert.Contains(t, msg.text, "FED-25DEC")

	// One-shot: the next tick does not fire again.
	svc.evaluate(task{kind: taskPrice, venue: "kalshi", marketID: "FED-25DEC", value: 0.72})
	assert.Equal(t, 1, transport.sentCount())
	assert.Len(t, fired, 1)
}

func TestPriceBelowTriggers(t *testing.T) {
	svc, repo, transport, _ := newAlertFixture(t, Options{})
	a := armPriceAlert(t, svc, nil, f64(0.30))

	// Above the floor: nothing happens.
	svc.evaluate(task{kind: taskPrice, venue: "kalshi", marketID: "FED-25DEC", value: 0.35})
	assert.Equal(t, 0, transport.sentCount())

	svc.evaluate(task{kind: taskPrice, venue: "kalshi", marketID: "FED-25DEC", value: 0.25})
	got, err := repo.Get(context.Background(), a.ID)
	require.NoError(t, err)
	assert.True(t, got.Triggered)
	assert.Equal(t, 1, transport.sentCount())
}

func TestAlertScopedToItsMarket(t *testing.T) {
	svc, repo, transport, _ := newAlertFixture(t, Options{})
	a := armPriceAlert(t, svc, f64(0.65), nil)

	svc.evaluate(task{kind: taskPrice, venue: "polymarket", marketID: "other", value: 0.99})

	got, err := repo.Get(context.Background(), a.ID)
	require.NoError(t, err)
	assert.False(t, got.Triggered)
	assert.Equal(t, 0, transport.sentCount())
}

func TestPortfolioPnlAlert(t *testing.T) {
	svc, repo, transport, _ := newAlertFixture(t, Options{})

	a := &domain.Alert{
		UserID:    "u1",
		Condition: domain.AlertCondition{PnlAbove: f64(1000)},
		Channel:   "telegram",
		ChatID:    "1001",
	}
	require.NoError(t, svc.Create(context.Background(), a))
	assert.Equal(t, domain.AlertPortfolio, a.Kind)

	svc.evaluate(task{kind: taskPnl, userID: "u1", value: 900})
	assert.Equal(t, 0, transport.sentCount())

	svc.evaluate(task{kind: taskPnl, userID: "u1", value: 1500})
	got, err := repo.Get(context.Background(), a.ID)
	require.NoError(t, err)
	assert.True(t, got.Triggered)
	require.Equal(t, 1, transport.sentCount())
	assert.Contains(t, transport.sent[0].text, "PnL")
}

func TestRearmRestoresEvaluation(t *testing.T) {
	svc, repo, transport, _ := newAlertFixture(t, Options{})
	a := armPriceAlert(t, svc, f64(0.65), nil)
	ctx := context.Background()

	svc.evaluate(task{kind: taskPrice, venue: "kalshi", marketID: "FED-25DEC", value: 0.70})
	require.Equal(t, 1, transport.sentCount())

	require.NoError(t, svc.Rearm(ctx, a.ID))
	svc.evaluate(task{kind: taskPrice, venue: "kalshi", marketID: "FED-25DEC", value: 0.71})

	assert.Equal(t, 2, transport.sentCount())
	got, err := repo.Get(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, got.TriggerCount)
}

func TestDryRunRecordsButDoesNotSend(t *testing.T) {
	svc, repo, transport, _ := newAlertFixture(t, Options{DryRun: true})
	a := armPriceAlert(t, svc, f64(0.65), nil)

	svc.evaluate(task{kind: taskPrice, venue: "kalshi", marketID: "FED-25DEC", value: 0.70})

	got, err := repo.Get(context.Background(), a.ID)
	require.NoError(t, err)
	assert.True(t, got.Triggered)
	assert.Equal(t, 0, transport.callCount())
}

func TestDeliveryRetriedAfterFailure(t *testing.T) {
	svc, _, transport, _ := newAlertFixture(t, Options{})
	armPriceAlert(t, svc, f64(0.65), nil)

	transport.setErr(errors.New("telegram down"))
	svc.evaluate(task{kind: taskPrice, venue: "kalshi", marketID: "FED-25DEC", value: 0.70})
	assert.Equal(t, 1, transport.callCount())
	assert.Equal(t, 0, transport.sentCount())

	transport.setErr(nil)
	svc.flushPending()

	assert.Equal(t, 2, transport.callCount())
	assert.Equal(t, 1, transport.sentCount())
}

func TestCreateValidation(t *testing.T) {
	svc, _, _, _ := newAlertFixture(t, Options{})
	ctx := context.Background()

	err := svc.Create(ctx, &domain.Alert{UserID: "u1"})
	assert.True(t, venues.IsValidation(err))

	err = svc.Create(ctx, &domain.Alert{
		UserID: "u1",
		Condition: domain.AlertCondition{
			Venue: "kalshi", MarketID: "m",
			PriceAbove: f64(0.5), PriceBelow: f64(0.4),
		},
	})
	assert.True(t, venues.IsValidation(err))

	err = svc.Create(ctx, &domain.Alert{
		UserID:    "u1",
		Condition: domain.AlertCondition{PriceAbove: f64(0.5)},
	})
	assert.True(t, venues.IsValidation(err))

	err = svc.Create(ctx, &domain.Alert{UserID: ""})
	assert.True(t, venues.IsValidation(err))
}

func TestServiceLifecycle(t *testing.T) {
	svc, repo, transport, bus := newAlertFixture(t, Options{})
	a := armPriceAlert(t, svc, f64(0.65), nil)

	svc.Start()
	bus.Emit(events.PriceUpdated, "test", &events.PriceUpdatedData{
		Venue: "kalshi", MarketID: "FED-25DEC", Price: 0.70,
	})

	deadline := time.Now().Add(2 * time.Second)
	for {
		got, err := repo.Get(context.Background(), a.ID)
		require.NoError(t, err)
		if got.Triggered {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("alert did not trigger in time")
		}
		time.Sleep(10 * time.Millisecond)
	}

	done := make(chan struct{})
	go func() {
		svc.Stop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Stop did not return in time")
	}

	assert.Equal(t, 1, transport.sentCount())
}
