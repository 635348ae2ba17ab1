package streaming

import (
    "encoding/json"
    "sync"
    "time"

    "github.com/fathomlabs/fathom/internal/metrics"
)

// EventType labels one run event.
type EventType string

const (
    EventRunStarted       EventType = "RUN_STARTED"
    EventPlanCreated      EventType = "PLAN_CREATED"
    EventStepStarted      EventType = "STEP_STARTED"
    EventToolInvoked      EventType = "TOOL_INVOKED"
    EventToolCompleted    EventType = "TOOL_COMPLETED"
    EventStepCompleted    EventType = "STEP_COMPLETED"
    EventStepFailed       EventType = "STEP_FAILED"
    EventErrorOccurred    EventType = "ERROR_OCCURRED"
    EventSynthesisStarted EventType = "SYNTHESIS_STARTED"
    EventReportWritten    EventType = "REPORT_WRITTEN"
    EventRunCompleted     EventType = "RUN_COMPLETED"
    EventRunFailed        EventType = "RUN_FAILED"
)

// Event is a minimal streaming event used by SSE and WebSocket delivery.
type Event struct {
    RunID     string         `json:"run_id"`
    Type      EventType      `json:"type"`
    AgentID   string         `json:"agent_id,omitempty"`
    Tool      string         `json:"tool,omitempty"`
    Message   string         `json:"message,omitempty"`
    Payload   map[string]any `json:"payload,omitempty"`
    Timestamp time.Time      `json:"timestamp"`
    Seq       uint64         `json:"seq"`
}

// IsToolEvent reports whether the event describes a tool invocation.
func (e Event) IsToolEvent() bool {
    return e.Type == EventToolInvoked || e.Type == EventToolCompleted
}

// Marshal returns JSON for event payloads in SSE or logs.
func (e Event) Marshal() []byte {
    b, _ := json.Marshal(e)
    return b
}

// Manager provides in-memory pub/sub for run events.
type Manager struct {
    mu          sync.RWMutex
    subscribers map[string]map[chan Event]struct{}
    // per-run ring buffer for replay and Last-Event-ID support
    history  map[string]*ring
    capacity int
}

const defaultCapacity = 256

// NewManager returns a manager with the given ring capacity per run.
func NewManager(capacity int) *Manager {
    if capacity <= 0 {
        capacity = defaultCapacity
    }
    return &Manager{
        subscribers: make(map[string]map[chan Event]struct{}),
        history:     make(map[string]*ring),
        capacity:    capacity,
    }
}

// Subscribe adds a subscriber channel for a run; caller must drain and call Unsubscribe.
func (m *Manager) Subscribe(runID string, buffer int) chan Event {
    ch := make(chan Event, buffer)
    m.mu.Lock()
    defer m.mu.Unlock()
    subs := m.subscribers[runID]
    if subs == nil {
        subs = make(map[chan Event]struct{})
        m.subscribers[runID] = subs
    }
    subs[ch] = struct{}{}
    metrics.ActiveSubscriptions.Inc()
    return ch
}

// Unsubscribe removes the subscriber channel and closes it.
func (m *Manager) Unsubscribe(runID string, ch chan Event) {
    m.mu.Lock()
    defer m.mu.Unlock()
    if subs, ok := m.subscribers[runID]; ok {
        if _, present := subs[ch]; !present {
            return
        }
        delete(subs, ch)
        close(ch)
        metrics.ActiveSubscriptions.Dec()
        if len(subs) == 0 {
            delete(m.subscribers, runID)
        }
    }
}

// Publish assigns a sequence number, records the event for replay, and fans it
// out to all subscribers of the run (non-blocking). The returned event carries
// the assigned sequence.
func (m *Manager) Publish(runID string, evt Event) Event {
    evt.RunID = runID
    if evt.Timestamp.IsZero() {
        evt.Timestamp = time.Now()
    }
    m.mu.Lock()
    rg := m.history[runID]
    if rg == nil {
        rg = newRing(m.capacity)
        m.history[runID] = rg
    }
    rg.nextSeq++
    evt.Seq = rg.nextSeq
    rg.push(evt)
    subs := m.subscribers[runID]
    targets := make([]chan Event, 0, len(subs))
    for ch := range subs {
        targets = append(targets, ch)
    }
    m.mu.Unlock()

    metrics.EventsPublished.WithLabelValues(string(evt.Type)).Inc()
    for _, ch := range targets {
        select {
        case ch <- evt:
        default:
            // Drop if subscriber is slow
            metrics.EventsDropped.Inc()
        }
    }
    return evt
}

// ReplaySince returns events with Seq > since (best-effort within ring capacity).
// The lock is held across the ring copy: Publish mutates the ring under the
// write lock, so releasing early would hand torn events to reconnecting clients.
func (m *Manager) ReplaySince(runID string, since uint64) []Event {
    m.mu.RLock()
    defer m.mu.RUnlock()
    rg := m.history[runID]
    if rg == nil {
        return nil
    }
    return rg.since(since)
}

// Forget drops the replay history for a run.
func (m *Manager) Forget(runID string) {
    m.mu.Lock()
    delete(m.history, runID)
    m.mu.Unlock()
}

// ring is a fixed-capacity ring buffer of events
type ring struct {
    buf     []Event
    start   int
    count   int
    nextSeq uint64
}

func newRing(capacity int) *ring { return &ring{buf: make([]Event, capacity)} }

func (r *ring) push(e Event) {
    if len(r.buf) == 0 {
        return
    }
    if r.count < len(r.buf) {
        r.buf[(r.start+r.count)%len(r.buf)] = e
        r.count++
        return
    }
    // overwrite oldest
    r.buf[r.start] = e
    r.start = (r.start + 1) % len(r.buf)
}

func (r *ring) since(seq uint64) []Event {
    if r.count == 0 {
        return nil
    }
    out := make([]Event, 0, r.count)
    for i := 0; i < r.count; i++ {
        idx := (r.start + i) % len(r.buf)
        ev := r.buf[idx]
        if ev.Seq > seq {
            out = append(out, ev)
        }
    }
    return out
}
