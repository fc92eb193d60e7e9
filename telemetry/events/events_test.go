package events

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPublishRequiresCategory(t *testing.T) {
	b := NewBus(nil)
	require.Error(t, b.Publish(Event{Type: "x"}))
	require.NoError(t, b.Publish(Event{Category: CategoryPipeline, Type: "x"}))
}

func TestSubscribeReceivesEvents(t *testing.T) {
	b := NewBus(nil)
	sub := b.Subscribe(4)
	defer sub.Close()

	require.NoError(t, b.Publish(Event{Category: CategoryUpload, Type: "cycle_complete"}))
	ev := <-sub.C()
	assert.Equal(t, CategoryUpload, ev.Category)
	assert.False(t, ev.Time.IsZero(), "publish stamps the event time")
}

func TestSlowSubscriberDropsAreAttributed(t *testing.T) {
	b := NewBus(nil)
	slow := b.Subscribe(1)
	defer slow.Close()
	fast := b.Subscribe(8)
	defer fast.Close()

	for i := 0; i < 5; i++ {
		require.NoError(t, b.Publish(Event{Category: CategoryPipeline, Type: "tick"}))
	}
	stats := b.Stats()
	assert.EqualValues(t, 5, stats.Published)
	assert.EqualValues(t, 4, stats.Dropped)
	assert.EqualValues(t, 4, stats.PerSubscriberDrops[slow.ID()], "drops are attributed to the slow consumer")
	assert.EqualValues(t, 0, stats.PerSubscriberDrops[fast.ID()])
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	b := NewBus(nil)
	sub := b.Subscribe(1)
	b.Unsubscribe(sub)
	_, open := <-sub.C()
	assert.False(t, open)
	assert.EqualValues(t, 0, b.Stats().Subscribers)

	// Closing twice is harmless.
	assert.NotPanics(t, func() { sub.Close() })
}
