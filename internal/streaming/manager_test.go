package streaming

import (
	"testing"
	"time"
)

func TestRingReplaySince(t *testing.T) {
	r := newRing(3)
	// Push 4 events, which will overwrite the first
	for i := 0; i < 4; i++ {
		r.push(Event{Seq: uint64(i + 1)})
	}
	// Expect ring holds seq 2,3,4
	evs := r.since(0)
	if len(evs) != 3 || evs[0].Seq != 2 || evs[2].Seq != 4 {
		t.Fatalf("unexpected ring contents: %+v", evs)
	}
	// Replay since 2 -> expect 3,4
	evs = r.since(2)
	if len(evs) != 2 || evs[0].Seq != 3 || evs[1].Seq != 4 {
		t.Fatalf("unexpected replay since 2: %+v", evs)
	}
}

func TestPublishAssignsSequence(t *testing.T) {
	m := NewManager(8)
	for i := 0; i < 3; i++ {
		m.Publish("run-1", Event{Type: EventStepStarted})
	}
	evs := m.ReplaySince("run-1", 0)
	if len(evs) != 3 {
		t.Fatalf("expected 3 events, got %d", len(evs))
	}
	for i, ev := range evs {
		if ev.Seq != uint64(i+1) {
			t.Fatalf("event %d has seq %d", i, ev.Seq)
		}
		if ev.RunID != "run-1" {
			t.Fatalf("event %d has run id %q", i, ev.RunID)
		}
		if ev.Timestamp.IsZero() {
			t.Fatalf("event %d has zero timestamp", i)
		}
	}
	if evs := m.ReplaySince("run-1", 2); len(evs) != 1 || evs[0].Seq != 3 {
		t.Fatalf("unexpected replay since 2: %+v", evs)
	}
}

func TestSubscribeReceivesEvents(t *testing.T) {
	m := NewManager(8)
	ch := m.Subscribe("run-2", 4)
	defer m.Unsubscribe("run-2", ch)

	m.Publish("run-2", Event{Type: EventToolInvoked, Tool: "research"})

	select {
	case ev := <-ch:
		if ev.Type != EventToolInvoked || ev.Tool != "research" {
			t.Fatalf("unexpected event: %+v", ev)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
	}
}

func TestPublishDoesNotBlockOnSlowSubscriber(t *testing.T) {
	m := NewManager(8)
	ch := m.Subscribe("run-3", 1)
	defer m.Unsubscribe("run-3", ch)

	done := make(chan struct{})
	go func() {
		for i := 0; i < 5; i++ {
			m.Publish("run-3", Event{Type: EventStepStarted})
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("publish blocked on a full subscriber channel")
	}

	// History keeps what the subscriber missed.
	if evs := m.ReplaySince("run-3", 0); len(evs) != 5 {
		t.Fatalf("expected 5 events in history, got %d", len(evs))
	}
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	m := NewManager(8)
	ch := m.Subscribe("run-4", 1)
	m.Unsubscribe("run-4", ch)
	if _, open := <-ch; open {
		t.Fatal("channel still open after unsubscribe")
	}
	// A second unsubscribe of the same channel must not panic.
	m.Unsubscribe("run-4", ch)
}

func TestForgetDropsHistory(t *testing.T) {
	m := NewManager(8)
	m.Publish("run-5", Event{Type: EventRunStarted})
	m.Forget("run-5")
	if evs := m.ReplaySince("run-5", 0); len(evs) != 0 {
		t.Fatalf("expected empty history, got %+v", evs)
	}
}

func TestConcurrentPublishAndReplay(t *testing.T) {
	m := NewManager(16)
	stop := make(chan struct{})
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			select {
			case <-stop:
				return
			default:
				m.Publish("run-6", Event{
					Type:    EventToolCompleted,
					Tool:    "research",
					Payload: map[string]any{"step": 1},
				})
			}
		}
	}()

	// Reconnecting clients replay while the coordinator keeps publishing;
	// every replayed batch must be internally consistent and ordered.
	deadline := time.Now().Add(200 * time.Millisecond)
	for time.Now().Before(deadline) {
		evs := m.ReplaySince("run-6", 0)
		var prev uint64
		for _, ev := range evs {
			if ev.Seq <= prev {
				t.Fatalf("replay out of order: seq %d after %d", ev.Seq, prev)
			}
			if ev.Type != EventToolCompleted || ev.Tool != "research" {
				t.Fatalf("torn event in replay: %+v", ev)
			}
			prev = ev.Seq
		}
	}
	close(stop)
	<-done
}

func TestRunsAreIndependent(t *testing.T) {
	m := NewManager(8)
	m.Publish("run-a", Event{Type: EventRunStarted})
	m.Publish("run-b", Event{Type: EventRunStarted})
	m.Publish("run-b", Event{Type: EventRunCompleted})

	if evs := m.ReplaySince("run-a", 0); len(evs) != 1 {
		t.Fatalf("run-a history: %+v", evs)
	}
	if evs := m.ReplaySince("run-b", 0); len(evs) != 2 {
		t.Fatalf("run-b history: %+v", evs)
	}
}
