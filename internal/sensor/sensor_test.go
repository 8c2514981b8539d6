package sensor

import (
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func TestLogAndExport(t *testing.T) {
	t.Run("export_is_newest_first", func(t *testing.T) {
		s := New(16, zerolog.Nop())
		s.Log("a", EventCall, "", "", nil)
		s.Log("a", EventDispatch, "", "", nil)
		s.Log("a", EventExecution, "", "", nil)

		events := s.Export(Filter{}, 0, 0)
		if len(events) != 3 {
			t.Fatalf("len(events) = %d, want 3", len(events))
		}
		if events[0].EventType != EventExecution || events[2].EventType != EventCall {
			t.Errorf("export order = %v, %v, %v; want execution, dispatch, call",
				events[0].EventType, events[1].EventType, events[2].EventType)
		}
	})

	t.Run("filter_by_type", func(t *testing.T) {
		s := New(16, zerolog.Nop())
		s.Log("a", EventCall, "", "", nil)
		s.Log("a", EventError, "", "", nil)

		events := s.Export(Filter{Types: []EventType{EventError}}, 0, 0)
		if len(events) != 1 || events[0].EventType != EventError {
			t.Fatalf("events = %v, want one error event", events)
		}
	})

	t.Run("ring_eviction_oldest_first", func(t *testing.T) {
		s := New(2, zerolog.Nop())
		s.Log("a", EventCall, "", "", nil)
		s.Log("a", EventDispatch, "", "", nil)
		s.Log("a", EventExecution, "", "", nil) // evicts the first "call"

		events := s.Export(Filter{}, 0, 0)
		if len(events) != 2 {
			t.Fatalf("len(events) = %d, want 2", len(events))
		}
		for _, e := range events {
			if e.EventType == EventCall {
				t.Errorf("evicted event still present: %v", e)
			}
		}
	})

	t.Run("limit_offset", func(t *testing.T) {
		s := New(16, zerolog.Nop())
		for i := 0; i < 5; i++ {
			s.Log("a", EventCall, "", "", nil)
		}
		events := s.Export(Filter{}, 2, 1)
		if len(events) != 2 {
			t.Fatalf("len(events) = %d, want 2", len(events))
		}
	})
}

func TestAggregates(t *testing.T) {
	s := New(16, zerolog.Nop())
	s.Log("a", EventCall, "", "", nil)
	s.Log("a", EventCall, "", "", nil)
	s.Log("a", EventError, "", "", nil)

	tot := s.ChannelTotals("a")
	if tot.Calls != 2 || tot.Errors != 1 {
		t.Errorf("ChannelTotals = %+v, want Calls=2 Errors=1", tot)
	}

	calls, errs := s.SystemTotals()
	if calls != 2 || errs != 1 {
		t.Errorf("SystemTotals = %d,%d want 2,1", calls, errs)
	}
}

func TestCallRateWindow(t *testing.T) {
	s := New(16, zerolog.Nop())
	s.Log("a", EventCall, "", "", nil)
	s.Log("a", EventCall, "", "", nil)
	if n := s.CallRate(time.Second); n != 2 {
		t.Errorf("CallRate = %d, want 2", n)
	}
	if n := s.CallRate(0); n != 0 {
		t.Errorf("CallRate with zero window = %d, want 0 (all stale)", n)
	}
}

func TestSubscribeFanOut(t *testing.T) {
	s := New(16, zerolog.Nop())
	ch, cancel := s.Subscribe(Filter{Types: []EventType{EventCall}})
	defer cancel()

	s.Log("a", EventCall, "", "", nil)
	s.Log("a", EventDispatch, "", "", nil) // filtered out

	select {
	case e := <-ch:
		if e.EventType != EventCall {
			t.Errorf("received %v, want call", e.EventType)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for subscribed event")
	}

	select {
	case e := <-ch:
		t.Errorf("unexpected second event: %v", e)
	default:
	}
}

func TestStreamDeactivatesOnPanic(t *testing.T) {
	s := New(16, zerolog.Nop())
	cancel := s.Stream(Filter{}, func(Event) {
		panic("boom")
	})
	defer cancel()

	s.Log("a", EventCall, "", "", nil)
	time.Sleep(50 * time.Millisecond)

	if n := s.SubscriberCount(); n != 0 {
		t.Errorf("SubscriberCount = %d after panicking callback, want 0", n)
	}
}

func TestForgetAndClear(t *testing.T) {
	s := New(16, zerolog.Nop())
	s.Log("a", EventCall, "", "", nil)
	s.Forget("a")
	if tot := s.ChannelTotals("a"); tot.Calls != 0 {
		t.Errorf("ChannelTotals after Forget = %+v, want zero", tot)
	}

	s.Log("b", EventCall, "", "", nil)
	s.Clear()
	calls, _ := s.SystemTotals()
	if calls != 0 {
		t.Errorf("SystemTotals after Clear = %d, want 0", calls)
	}
}
