// File: internal/events/bus.go
package events

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Type tags the kind of lifecycle event flowing over the bus.
type Type string

const (
	// Session lifecycle, consumed by live relays and report writers.
	SessionStart   Type = "session:start"
	SessionEnd     Type = "session:end"
	StepRecorded   Type = "step:recorded"
	BugCreated     Type = "bug:created"
	FindingCreated Type = "finding:created"

	// Agent lifecycle.
	AgentStart      Type = "agent:start"
	AgentTurn       Type = "agent:turn"
	AgentThinking   Type = "agent:thinking"
	AgentToolCall   Type = "agent:tool_call"
	AgentToolResult Type = "agent:tool_result"
	AgentError      Type = "agent:error"
	AgentComplete   Type = "agent:complete"
)

// Event is the envelope published to subscribers. Data is a small,
// JSON-friendly payload; step:recorded payloads never carry screenshot bytes.
type Event struct {
	ID        string      `json:"id"`
	Type      Type        `json:"type"`
	SessionID string      `json:"sessionId,omitempty"`
	Timestamp time.Time   `json:"timestamp"`
	Data      interface{} `json:"data,omitempty"`
}

// Bus is a multiplexed pub/sub channel for lifecycle events. Publishing never
// blocks: when a subscriber's buffer is full the event is dropped for that
// subscriber and a warning is logged, so a slow live-relay socket cannot stall
// the recorder or the agent loop.
type Bus struct {
	logger     *zap.Logger
	mu         sync.RWMutex
	subs       map[int]chan Event
	nextID     int
	bufferSize int
	closed     bool
}

// NewBus creates a bus whose subscriber channels buffer bufferSize events.
func NewBus(logger *zap.Logger, bufferSize int) *Bus {
	if bufferSize <= 0 {
		bufferSize = 256
	}
	return &Bus{
		logger:     logger.Named("event_bus"),
		subs:       make(map[int]chan Event),
		bufferSize: bufferSize,
	}
}

// Publish stamps and fans the event out to every subscriber without blocking.
func (b *Bus) Publish(ev Event) {
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}
	for id, ch := range b.subs {
		select {
		case ch <- ev:
		default:
			b.logger.Warn("Dropping event for slow subscriber",
				zap.String("event_type", string(ev.Type)),
				zap.Int("subscriber", id))
		}
	}
}

// Subscribe registers a new consumer. The returned cancel function removes the
// subscription and closes its channel; it is safe to call more than once.
func (b *Bus) Subscribe() (<-chan Event, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan Event, b.bufferSize)
	if b.closed {
		close(ch)
		return ch, func() {}
	}

	id := b.nextID
	b.nextID++
	b.subs[id] = ch

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			if _, ok := b.subs[id]; ok {
				delete(b.subs, id)
				close(ch)
			}
		})
	}
	return ch, cancel
}

// Close tears down all subscriptions. Publish becomes a no-op afterwards.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for id, ch := range b.subs {
		delete(b.subs, id)
		close(ch)
	}
}
