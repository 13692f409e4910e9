package bridge

import (
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// EventType represents the type of bridge event.
type EventType string

const (
	// EventRunStarted indicates the monitor loop has started.
	EventRunStarted EventType = "run_started"
	// EventPhaseStarted indicates a phase became the current phase.
	EventPhaseStarted EventType = "phase_started"
	// EventPhaseCompleted indicates every task of a phase settled.
	EventPhaseCompleted EventType = "phase_completed"
	// EventTaskDispatched indicates a task was handed to its sub-agent.
	EventTaskDispatched EventType = "task_dispatched"
	// EventTaskCompleted indicates a task finished successfully.
	EventTaskCompleted EventType = "task_completed"
	// EventTaskFailed indicates a task failed.
	EventTaskFailed EventType = "task_failed"
	// EventTaskBlocked indicates a task can no longer run because a
	// dependency failed.
	EventTaskBlocked EventType = "task_blocked"
	// EventRunPaused and EventRunResumed follow the pause signal file.
	EventRunPaused  EventType = "run_paused"
	EventRunResumed EventType = "run_resumed"
	// EventRunFinished indicates the run reached a terminal status.
	EventRunFinished EventType = "run_finished"
)

// Event is emitted by the bridge as a run progresses.
type Event struct {
	Type EventType
	// RunID is the run the event belongs to.
	RunID string
	// Phase is the 1-based phase index, if applicable.
	Phase int
	// TaskID and TaskTitle identify the related task, if applicable.
	TaskID    string
	TaskTitle string
	// SubAgent is the label the task was dispatched to.
	SubAgent string
	// Message provides additional context about the event.
	Message string
	// Error contains error details for failure events.
	Error error
	// Timestamp is when the event occurred.
	Timestamp time.Time
	// Duration is the task or run wall time, for completion events.
	Duration time.Duration
	// LogFile is the path to the task's hook output.
	LogFile string
}

// Emitter delivers events to a single subscriber through a buffered channel.
// A slow subscriber loses events instead of stalling the run.
type Emitter struct {
	events       chan Event
	droppedCount atomic.Uint64
	logger       *zap.Logger
	timeout      time.Duration

	mu     sync.RWMutex
	closed bool
}

// NewEmitter creates an Emitter with the given buffer size.
func NewEmitter(bufferSize int, logger *zap.Logger) *Emitter {
	return &Emitter{
		events:  make(chan Event, bufferSize),
		logger:  logger,
		timeout: 100 * time.Millisecond,
	}
}

// Emit sends an event. If the buffer is full it waits briefly before
// dropping the event. Emit after Close is a no-op.
func (e *Emitter) Emit(event Event) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.closed {
		return
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	select {
	case e.events <- event:
		return
	default:
	}

	timer := time.NewTimer(e.timeout)
	defer timer.Stop()
	select {
	case e.events <- event:
	case <-timer.C:
		count := e.droppedCount.Add(1)
		if count%10 == 1 {
			e.logger.Warn("event buffer full, dropping events",
				zap.Uint64("dropped", count),
				zap.String("type", string(event.Type)),
			)
		}
	}
}

// DroppedCount returns the total number of events that have been dropped.
func (e *Emitter) DroppedCount() uint64 {
	return e.droppedCount.Load()
}

// Events returns a read-only channel of events. It is closed by Close.
func (e *Emitter) Events() <-chan Event {
	return e.events
}

// Close closes the events channel. It is safe to call more than once.
func (e *Emitter) Close() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.closed {
		e.closed = true
		close(e.events)
	}
}
