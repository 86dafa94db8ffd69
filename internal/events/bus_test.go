package events

import (
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBusDeliversToSubscriber(t *testing.T) {
	bus := NewBus(zerolog.Nop())

	var received []Event
	bus.Subscribe(PriceUpdated, func(e Event) {
		received = append(received, e)
	})

	bus.Emit(PriceUpdated, "test", &PriceUpdatedData{Venue: "polymarket", MarketID: "m1", Price: 0.62})
	bus.Emit(TradesSynced, "test", nil) // No subscriber, must not reach the price handler

	require.Len(t, received, 1)
	assert.Equal(t, PriceUpdated, received[0].Type)
	assert.Equal(t, "test", received[0].Module)

	data, ok := received[0].Data.(*PriceUpdatedData)
	require.True(t, ok)
	assert.Equal(t, 0.62, data.Price)
}

func TestBusSubscribeAll(t *testing.T) {
	bus := NewBus(zerolog.Nop())

	count := 0
	bus.SubscribeAll(func(e Event) { count++ })

	bus.Emit(PriceUpdated, "test", nil)
	bus.Emit(ArbOpportunityFound, "test", nil)
	bus.Emit(JobCompleted, "test", nil)

	assert.Equal(t, 3, count)
}

func TestBusRecoversPanickingHandler(t *testing.T) {
	bus := NewBus(zerolog.Nop())

	bus.Subscribe(AlertTriggered, func(e Event) {
		panic("handler blew up")
	})
	delivered := false
	bus.Subscribe(AlertTriggered, func(e Event) {
		delivered = true
	})

	assert.NotPanics(t, func() {
		bus.Emit(AlertTriggered, "test", nil)
	})
	assert.True(t, delivered, "later handlers still run after a panic")
}
