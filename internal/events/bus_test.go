package events_test

import (
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/atlas-desktop/strategy-runtime/internal/events"
	"github.com/atlas-desktop/strategy-runtime/pkg/types"
)

func TestPublishDeliversToSubscriber(t *testing.T) {
	bus := events.NewBus(zap.NewNop())
	sub := bus.Subscribe("strat-1", 4)
	defer bus.Unsubscribe(sub)

	bus.Publish("strat-1", types.StreamEvent{EventType: types.StreamEventDone, PayloadJSON: "{}"})

	select {
	case evt := <-sub.Events():
		if evt.EventType != types.StreamEventDone {
			t.Fatalf("expected done event, got %s", evt.EventType)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
	}
}

func TestPublishIsolatesTopics(t *testing.T) {
	bus := events.NewBus(zap.NewNop())
	subA := bus.Subscribe("strat-a", 4)
	subB := bus.Subscribe("strat-b", 4)
	defer bus.Unsubscribe(subA)
	defer bus.Unsubscribe(subB)

	bus.Publish("strat-a", types.StreamEvent{EventType: types.StreamEventDone})

	select {
	case <-subA.Events():
	case <-time.After(time.Second):
		t.Fatal("strat-a subscriber did not receive its event")
	}

	select {
	case evt := <-subB.Events():
		t.Fatalf("strat-b subscriber received unexpected event %v", evt)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestPublishDropsWhenBufferFull(t *testing.T) {
	bus := events.NewBus(zap.NewNop())
	sub := bus.Subscribe("strat-1", 1)
	defer bus.Unsubscribe(sub)

	bus.Publish("strat-1", types.StreamEvent{EventType: types.StreamEventDone})
	bus.Publish("strat-1", types.StreamEvent{EventType: types.StreamEventDone})

	stats := bus.Stats()
	if stats.Dropped == 0 {
		t.Fatal("expected at least one dropped event")
	}
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	bus := events.NewBus(zap.NewNop())
	sub := bus.Subscribe("strat-1", 1)
	bus.Unsubscribe(sub)

	if _, ok := <-sub.Events(); ok {
		t.Fatal("expected channel to be closed after unsubscribe")
	}
}
