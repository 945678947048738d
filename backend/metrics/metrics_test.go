package metrics

import (
	"sync"
	"testing"
)

func TestMetricsConcurrentInc(t *testing.T) {
	m := New()

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				m.Inc(EventsHandled)
			}
		}()
	}
	wg.Wait()

	if got := m.Get(EventsHandled); got != 800 {
		t.Fatalf("events_handled=%d, want 800", got)
	}
	if got := m.Get(QueueOverflow); got != 0 {
		t.Fatalf("queue_overflow=%d, want 0", got)
	}

	snap := m.Snapshot()
	snap[EventsHandled] = 0
	if m.Get(EventsHandled) != 800 {
		t.Fatalf("snapshot aliases internal state")
	}
}
