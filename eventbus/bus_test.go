package eventbus

import (
	"strconv"
	"testing"
	"time"

	"github.com/fluxbroker/taskbroker/store"
)

func TestTaskEventDeliveredToSubscriberOnly(t *testing.T) {
	b := New()
	received := make(chan TaskEvent, 1)
	sub := b.SubscribeTask(func(e TaskEvent) { received <- e })
	defer sub.Unsubscribe()

	b.PublishTask(TaskEvent{Task: &store.Task{ID: "t1"}, IntendedAgentID: "a1"})

	select {
	case e := <-received:
		if e.IntendedAgentID != "a1" {
			t.Fatalf("expected a1, got %s", e.IntendedAgentID)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for task event")
	}
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	b := New()
	count := 0
	sub := b.SubscribeEviction(func(e EvictionEvent) { count++ })
	sub.Unsubscribe()
	sub.Unsubscribe() // idempotent

	b.PublishEviction(EvictionEvent{AgentID: "a1"})
	if count != 0 {
		t.Fatalf("expected no delivery after unsubscribe, got %d", count)
	}
}

func TestChannelOrderingPreserved(t *testing.T) {
	b := New()
	var order []string
	sub := b.SubscribeCompletion(func(e CompletionEvent) {
		order = append(order, e.Task.ID)
	})
	defer sub.Unsubscribe()

	for i := 0; i < 5; i++ {
		b.PublishCompletion(CompletionEvent{Task: &store.Task{ID: strconv.Itoa(i)}})
	}
	if len(order) != 5 {
		t.Fatalf("expected 5 deliveries in order, got %d", len(order))
	}
	for i, id := range order {
		if id != strconv.Itoa(i) {
			t.Fatalf("delivery %d carried task %s, want %d", i, id, i)
		}
	}
}
