package bus

import (
	"sync"
	"testing"
	"time"
)

func TestPublishDeliversToSubscribers(t *testing.T) {
	b := New(8, nil)
	defer b.Close()

	sub := b.Subscribe("indicator.new")
	b.Publish("indicator.new", "payload-1")

	select {
	case msg := <-sub.C():
		if msg.Topic != "indicator.new" {
			t.Errorf("expected topic indicator.new, got %s", msg.Topic)
		}
		if msg.Payload != "payload-1" {
			t.Errorf("expected payload-1, got %v", msg.Payload)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for message")
	}
}

func TestPublishIgnoresOtherTopics(t *testing.T) {
	b := New(8, nil)
	defer b.Close()

	sub := b.Subscribe("hunting.alert")
	b.Publish("indicator.new", "unrelated")

	select {
	case msg := <-sub.C():
		t.Errorf("unexpected message on hunting.alert: %v", msg)
	default:
	}
}

// TestSlowSubscriberDropsOldest verifies that a full subscriber queue drops
// the oldest message, the newest survives, and the producer is never blocked.
func TestSlowSubscriberDropsOldest(t *testing.T) {
	b := New(2, nil)
	defer b.Close()

	sub := b.Subscribe("hunting.alert")

	// Queue size 2; publish 5 without consuming.
	for i := 1; i <= 5; i++ {
		b.Publish("hunting.alert", i)
	}

	if sub.Dropped() != 3 {
		t.Errorf("expected 3 dropped, got %d", sub.Dropped())
	}

	// The two newest messages remain, in order.
	first := <-sub.C()
	second := <-sub.C()
	if first.Payload != 4 || second.Payload != 5 {
		t.Errorf("expected payloads 4,5 got %v,%v", first.Payload, second.Payload)
	}

	_, dropped := b.Stats()
	if dropped != 3 {
		t.Errorf("expected bus dropped counter 3, got %d", dropped)
	}
}

func TestSubscriptionCloseStopsDelivery(t *testing.T) {
	b := New(4, nil)
	defer b.Close()

	sub := b.Subscribe("feed.status_changed")
	sub.Close()

	// Publishing after close must not panic and must not deliver.
	b.Publish("feed.status_changed", "x")

	if _, ok := <-sub.C(); ok {
		t.Error("expected closed channel after subscription close")
	}
}

func TestConcurrentPublishers(t *testing.T) {
	b := New(1024, nil)
	defer b.Close()

	sub := b.Subscribe("indicator.new")

	var wg sync.WaitGroup
	const producers = 8
	const perProducer = 100
	for p := 0; p < producers; p++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < perProducer; i++ {
				b.Publish("indicator.new", i)
			}
		}()
	}
	wg.Wait()

	received := 0
	for {
		select {
		case <-sub.C():
			received++
		default:
			if received+int(sub.Dropped()) != producers*perProducer {
				t.Errorf("received %d + dropped %d != published %d",
					received, sub.Dropped(), producers*perProducer)
			}
			return
		}
	}
}
