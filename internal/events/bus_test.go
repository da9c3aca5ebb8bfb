package events

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSubscribeReceivesOnlyItsTopics(t *testing.T) {
	bus := NewBus()
	ch, unsub := bus.Subscribe(4, EventOrderPlaced)
	defer unsub()

	bus.Publish(EventPositionClosed, "ignored")
	bus.Publish(EventOrderPlaced, "BTCUSDT")

	msg := <-ch
	assert.Equal(t, EventOrderPlaced, msg.Event)
	assert.Equal(t, "BTCUSDT", msg.Payload)
	assert.Empty(t, ch)
}

func TestPublishDropsWhenFull(t *testing.T) {
	bus := NewBus()
	ch, unsub := bus.Subscribe(1)
	bus.Publish(EventCycleStarted, 1)
	bus.Publish(EventCycleFinished, 2)
	require.Len(t, ch, 1)

	unsub()
	unsub()
	_, open := <-ch
	assert.True(t, open, "buffered message is still delivered")
	_, open = <-ch
	assert.False(t, open)
}

func TestNilBusPublishIsNoop(t *testing.T) {
	var bus *Bus
	assert.NotPanics(t, func() { bus.Publish(EventOrderPlaced, nil) })
}
