package pubsub

import (
	"sync"
	"testing"
)

// TestTopic_publishOrder verifies delivery in subscription order.
func TestTopic_publishOrder(t *testing.T) {
	topic := NewTopic[int]()

	var got []string
	topic.Subscribe(func(v int) { got = append(got, "a") })
	topic.Subscribe(func(v int) { got = append(got, "b") })
	topic.Subscribe(func(v int) { got = append(got, "c") })

	topic.Publish(1)

	if len(got) != 3 || got[0] != "a" || got[1] != "b" || got[2] != "c" {
		t.Errorf("delivery order = %v, want [a b c]", got)
	}
}

// TestTopic_unsubscribe verifies the handle stops delivery and is idempotent.
func TestTopic_unsubscribe(t *testing.T) {
	topic := NewTopic[string]()

	count := 0
	unsub := topic.Subscribe(func(string) { count++ })
	topic.Publish("x")
	unsub()
	unsub()
	topic.Publish("y")

	if count != 1 {
		t.Errorf("count = %d, want 1", count)
	}
	if topic.Len() != 0 {
		t.Errorf("Len() = %d, want 0", topic.Len())
	}
}

// TestTopic_unsubscribeDuringPublish verifies callbacks may unsubscribe themselves.
func TestTopic_unsubscribeDuringPublish(t *testing.T) {
	topic := NewTopic[int]()

	var unsub func()
	calls := 0
	unsub = topic.Subscribe(func(int) {
		calls++
		unsub()
	})

	topic.Publish(1)
	topic.Publish(2)

	if calls != 1 {
		t.Errorf("calls = %d, want 1", calls)
	}
}

// TestTopic_panickingSubscriber verifies one bad subscriber does not block others.
func TestTopic_panickingSubscriber(t *testing.T) {
	topic := NewTopic[int]()

	delivered := false
	topic.Subscribe(func(int) { panic("boom") })
	topic.Subscribe(func(int) { delivered = true })

	topic.Publish(1)

	if !delivered {
		t.Error("second subscriber did not receive the value")
	}
}

// TestTopic_concurrent verifies concurrent subscribe and publish are safe.
func TestTopic_concurrent(t *testing.T) {
	topic := NewTopic[int]()

	var (
		mu    sync.Mutex
		total int
		wg    sync.WaitGroup
	)
	for i := 0; i < 10; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			unsub := topic.Subscribe(func(v int) {
				mu.Lock()
				total += v
				mu.Unlock()
			})
			defer unsub()
		}()
		go func() {
			defer wg.Done()
			topic.Publish(1)
		}()
	}
	wg.Wait()

	if topic.Len() != 0 {
		t.Errorf("Len() = %d, want 0", topic.Len())
	}
}
