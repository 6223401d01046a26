package domain

import (
	"sync"
	"time"
)

// JobStatus enumerates job lifecycle states.
type JobStatus string

const (
	JobStatusQueued    JobStatus = "QUEUED"
	JobStatusRunning   JobStatus = "RUNNING"
	JobStatusCompleted JobStatus = "COMPLETED"
	JobStatusFailed    JobStatus = "FAILED"
)

// Terminal reports whether the status admits no further transitions.
func (s JobStatus) Terminal() bool {
	return s == JobStatusCompleted || s == JobStatusFailed
}

// StatusEvent is one immutable entry in a job's status log. Seq starts at 1
// and is strictly increasing within a job.
type StatusEvent struct {
	Seq           int64
	Status        JobStatus
	StatusMessage string
	Progress      int
	Timestamp     time.Time
}

// ChunkEvent is one immutable entry in a job's output-chunk log, with its own
// sequence counter independent of the status log.
type ChunkEvent struct {
	Seq       int64
	Text      string
	Timestamp time.Time
}

// Snapshot is a consistent point-in-time copy of a job's scalar state.
type Snapshot struct {
	ID            string
	Status        JobStatus
	StatusMessage string
	Progress      int
	Result        string
	Error         string
	CreatedAt     time.Time
	FinishedAt    time.Time
}

// Job is the in-memory record of one asynchronous chat request: its current
// status plus two append-only event logs that back SSE replay. A job has a
// single writer (its worker goroutine) and any number of concurrent readers
// (stream sessions); all state is guarded by one mutex so a reader never
// observes a half-appended event.
//
// Terminal transitions are first-wins: once Complete or Fail has been applied,
// every later mutation is a no-op. The event logs are never truncated while
// the job is reachable, so a session attaching after completion can still
// replay the full history.
type Job struct {
	id        string
	createdAt time.Time

	mu            sync.RWMutex
	status        JobStatus
	statusMessage string
	progress      int
	result        string
	errMsg        string
	finishedAt    time.Time

	statusSeq    int64
	statusEvents []StatusEvent
	chunkSeq     int64
	chunkEvents  []ChunkEvent
}

// NewJob constructs a queued job and records its initial status event (seq 1).
func NewJob(id string) *Job {
	j := &Job{
		id:        id,
		createdAt: time.Now(),
		status:    JobStatusQueued,
	}
	j.appendStatusEventLocked("", 0)
	return j
}

func (j *Job) ID() string { return j.id }

func (j *Job) CreatedAt() time.Time { return j.createdAt }

// Status returns the current lifecycle status.
func (j *Job) Status() JobStatus {
	j.mu.RLock()
	defer j.mu.RUnlock()
	return j.status
}

// Terminal reports whether the job has reached COMPLETED or FAILED.
func (j *Job) Terminal() bool {
	return j.Status().Terminal()
}

// FinishedAt returns the terminal transition time, zero if still in flight.
func (j *Job) FinishedAt() time.Time {
	j.mu.RLock()
	defer j.mu.RUnlock()
	return j.finishedAt
}

// Snapshot copies the scalar state under the read lock.
func (j *Job) Snapshot() Snapshot {
	j.mu.RLock()
	defer j.mu.RUnlock()
	return Snapshot{
		ID:            j.id,
		Status:        j.status,
		StatusMessage: j.statusMessage,
		Progress:      j.progress,
		Result:        j.result,
		Error:         j.errMsg,
		CreatedAt:     j.createdAt,
		FinishedAt:    j.finishedAt,
	}
}

// Begin transitions QUEUED -> RUNNING without recording a status event; the
// first progress notification carries the RUNNING event, so a replay sees
// QUEUED followed directly by the first meaningful update.
func (j *Job) Begin() {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.status != JobStatusQueued {
		return
	}
	j.status = JobStatusRunning
}

// MarkRunning records an intermediate progress update as a RUNNING status
// event. Ignored once the job is terminal.
func (j *Job) MarkRunning(message string, progress int) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.status.Terminal() {
		return
	}
	j.status = JobStatusRunning
	j.statusMessage = message
	j.progress = progress
	j.appendStatusEventLocked(message, progress)
}

// Complete applies the terminal success transition. Only the first terminal
// transition wins; it reports whether this call was the one applied.
func (j *Job) Complete(result, message string) bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.status.Terminal() {
		return false
	}
	j.status = JobStatusCompleted
	j.statusMessage = message
	j.progress = 100
	j.result = result
	j.finishedAt = time.Now()
	j.appendStatusEventLocked(message, 100)
	return true
}

// Fail applies the terminal failure transition. First-wins, like Complete.
func (j *Job) Fail(errMsg string, progress int) bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.status.Terminal() {
		return false
	}
	j.status = JobStatusFailed
	j.statusMessage = errMsg
	j.progress = progress
	j.errMsg = errMsg
	j.finishedAt = time.Now()
	j.appendStatusEventLocked(errMsg, progress)
	return true
}

// AddChunk appends one output fragment to the chunk log. Chunks never touch
// the job status.
func (j *Job) AddChunk(text string) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.chunkSeq++
	j.chunkEvents = append(j.chunkEvents, ChunkEvent{
		Seq:       j.chunkSeq,
		Text:      text,
		Timestamp: time.Now(),
	})
}

// StatusEventsSince returns all status events with Seq > after, in ascending
// Seq order. StatusEventsSince(0) replays the full log.
func (j *Job) StatusEventsSince(after int64) []StatusEvent {
	j.mu.RLock()
	defer j.mu.RUnlock()
	i := 0
	for i < len(j.statusEvents) && j.statusEvents[i].Seq <= after {
		i++
	}
	if i == len(j.statusEvents) {
		return nil
	}
	out := make([]StatusEvent, len(j.statusEvents)-i)
	copy(out, j.statusEvents[i:])
	return out
}

// ChunkEventsSince returns all chunk events with Seq > after, in ascending
// Seq order.
func (j *Job) ChunkEventsSince(after int64) []ChunkEvent {
	j.mu.RLock()
	defer j.mu.RUnlock()
	i := 0
	for i < len(j.chunkEvents) && j.chunkEvents[i].Seq <= after {
		i++
	}
	if i == len(j.chunkEvents) {
		return nil
	}
	out := make([]ChunkEvent, len(j.chunkEvents)-i)
	copy(out, j.chunkEvents[i:])
	return out
}

// appendStatusEventLocked records the current status as a new event. Callers
// must hold j.mu.
func (j *Job) appendStatusEventLocked(message string, progress int) {
	j.statusSeq++
	j.statusEvents = append(j.statusEvents, StatusEvent{
		Seq:           j.statusSeq,
		Status:        j.status,
		StatusMessage: message,
		Progress:      progress,
		Timestamp:     time.Now(),
	})
}
