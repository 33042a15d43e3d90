package eventbus

import (
	"sync"
	"testing"
)

func TestSubscribeAndEmit(t *testing.T) {
	b := New()
	var got []Event
	b.Subscribe("knowledge.found", func(e Event) {
		got = append(got, e)
	})

	b.Emit("knowledge.found", map[string]interface{}{"source": "hn"})
	b.Emit("proposal.created", map[string]interface{}{"id": "p1"})

	if len(got) != 1 {
		t.Fatalf("expected 1 matching event, got %d", len(got))
	}
	if got[0].Data["source"] != "hn" {
		t.Errorf("expected source=hn, got %v", got[0].Data["source"])
	}
}

func TestWildcardSubscriberReceivesEverything(t *testing.T) {
	b := New()
	var count int
	b.Subscribe(WildcardEventType, func(e Event) { count++ })

	b.Emit("a", nil)
	b.Emit("b", nil)
	b.Emit("c", nil)

	if count != 3 {
		t.Errorf("expected wildcard to see 3 events, got %d", count)
	}
}

func TestHandlerPanicDoesNotPropagate(t *testing.T) {
	b := New()
	b.Subscribe("x", func(e Event) { panic("boom") })

	func() {
		defer func() {
			if r := recover(); r != nil {
				t.Fatalf("panic from handler leaked out of Emit: %v", r)
			}
		}()
		b.Emit("x", nil)
	}()
}

// TestRecentEventsOrderingAndCap checks that for any sequence of
// N emits, GetRecentEvents(N, "") returns the last min(N,200) events in
// emission order.
func TestRecentEventsOrderingAndCap(t *testing.T) {
	b := New()
	const total = 250
	for i := 0; i < total; i++ {
		b.Emit("tick", map[string]interface{}{"i": i})
	}

	recent := b.GetRecentEvents(total, "")
	if len(recent) != recentEventsCap {
		t.Fatalf("expected ring buffer cap %d, got %d", recentEventsCap, len(recent))
	}

	firstKept := total - recentEventsCap
	for idx, e := range recent {
		want := firstKept + idx
		if got := int(e.Data["i"].(int)); got != want {
			t.Fatalf("event %d out of order: got i=%d want i=%d", idx, got, want)
		}
	}
}

func TestGetRecentEventsFilterAndLimit(t *testing.T) {
	b := New()
	b.Emit("a", map[string]interface{}{"n": 1})
	b.Emit("b", map[string]interface{}{"n": 2})
	b.Emit("a", map[string]interface{}{"n": 3})

	filtered := b.GetRecentEvents(10, "a")
	if len(filtered) != 2 {
		t.Fatalf("expected 2 'a' events, got %d", len(filtered))
	}
	if filtered[0].Data["n"] != 1 || filtered[1].Data["n"] != 3 {
		t.Errorf("unexpected filtered order: %+v", filtered)
	}

	limited := b.GetRecentEvents(1, "")
	if len(limited) != 1 {
		t.Fatalf("expected limit=1 to return 1 event, got %d", len(limited))
	}
	if limited[0].Data["n"] != 3 {
		t.Errorf("expected most recent event last, got %v", limited[0].Data["n"])
	}
}

func TestConcurrentEmitIsRaceFree(t *testing.T) {
	b := New()
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			b.Emit("concurrent", map[string]interface{}{"n": n})
		}(i)
	}
	wg.Wait()

	if got := len(b.GetRecentEvents(1000, "concurrent")); got != 50 {
		t.Errorf("expected 50 recorded events, got %d", got)
	}
}
