package jobstore

import (
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ErrQueueFull is returned by Enqueue when the pending index is at capacity.
var ErrQueueFull = errors.New("jobstore: queue full")

// ErrNotFound is returned when a job id is unknown.
var ErrNotFound = errors.New("jobstore: job not found")

const defaultTerminalCap = 1000

// Store holds three disjoint indexes: pending (FIFO), dispatched
// (unordered), terminal (capped, oldest evicted first), plus a
// workerJobId secondary index. Every exported method takes the lock
// for a short, non-nested critical section.
type Store struct {
	mu sync.Mutex

	pending    []*Job          // FIFO order, oldest first
	dispatched map[string]*Job // id -> job, includes RUNNING
	terminal   map[string]*Job // id -> job
	terminalQ  []string        // eviction order, oldest first
	byWorkerID map[string]*Job // workerJobID -> job

	terminalCap int
	maxSize     int
	numberSeq   int64

	onArchive func(Job) // best-effort terminal archive hook
}

// Config controls capacity limits.
type Config struct {
	MaxSize     int
	TerminalCap int
}

// New creates an empty Store.
func New(cfg Config) *Store {
	terminalCap := cfg.TerminalCap
	if terminalCap <= 0 {
		terminalCap = defaultTerminalCap
	}
	return &Store{
		dispatched:  make(map[string]*Job),
		terminal:    make(map[string]*Job),
		byWorkerID:  make(map[string]*Job),
		terminalCap: terminalCap,
		maxSize:     cfg.MaxSize,
	}
}

// OnArchive registers a callback fired (outside the lock) whenever a job
// reaches a terminal state, so internal/archive can persist it.
func (s *Store) OnArchive(fn func(Job)) { s.onArchive = fn }

// Enqueue adds a new job to the pending FIFO. Rejects with ErrQueueFull
// if pending is already at maxSize.
func (s *Store) Enqueue(spec, extraData []byte, clientID string) (Job, error) {
	s.mu.Lock()
	if s.maxSize > 0 && len(s.pending) >= s.maxSize {
		s.mu.Unlock()
		return Job{}, ErrQueueFull
	}

	s.numberSeq++
	j := &Job{
		ID:        uuid.NewString(),
		Spec:      append([]byte(nil), spec...),
		ExtraData: append([]byte(nil), extraData...),
		ClientID:  clientID,
		Number:    s.numberSeq,
		State:     StateQueued,
	}
	j.CreatedAt = nowFunc()
	s.pending = append(s.pending, j)
	clone := j.Clone()
	s.mu.Unlock()
	return clone, nil
}

// PeekOldestPending returns the next FIFO-ordered pending job without
// removing it. Removal happens only via MarkDispatched.
func (s *Store) PeekOldestPending() (Job, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.pending) == 0 {
		return Job{}, false
	}
	return s.pending[0].Clone(), true
}

// MarkDispatched atomically moves a job from pending to dispatched,
// binding it to workerName. Returns ErrNotFound if id is no longer the
// head of pending (e.g. it was cancelled concurrently).
func (s *Store) MarkDispatched(id, workerName string) (Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	idx := s.findPendingIndex(id)
	if idx < 0 {
		return Job{}, ErrNotFound
	}
	j := s.pending[idx]
	s.pending = append(s.pending[:idx], s.pending[idx+1:]...)

	j.WorkerName = workerName
	j.State = StateDispatched
	j.DispatchedAt = nowFunc()
	s.dispatched[j.ID] = j
	return j.Clone(), nil
}

// BindWorkerJobID records the worker-assigned job id once submit succeeds.
func (s *Store) BindWorkerJobID(id, workerJobID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.dispatched[id]
	if !ok {
		return ErrNotFound
	}
	j.WorkerJobID = workerJobID
	s.byWorkerID[workerJobID] = j
	return nil
}

// MarkRunning transitions a dispatched job to RUNNING on a worker-start event.
func (s *Store) MarkRunning(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.dispatched[id]
	if !ok {
		return ErrNotFound
	}
	j.State = StateRunning
	return nil
}

// MarkAttemptFailed records a dispatch failure. If retries < maxRetries
// the job returns to pending with its worker binding cleared; otherwise
// it transitions to terminal FAILED. Either way the dispatch loop
// treats this attempt as handled.
func (s *Store) MarkAttemptFailed(id, errMsg string, maxRetries int) (Job, error) {
	s.mu.Lock()
	j, ok := s.dispatched[id]
	if !ok {
		s.mu.Unlock()
		return Job{}, ErrNotFound
	}
	delete(s.dispatched, id)
	if j.WorkerJobID != "" {
		delete(s.byWorkerID, j.WorkerJobID)
	}

	j.Retries++
	j.Error = errMsg
	j.WorkerName = ""
	j.WorkerJobID = ""

	if j.Retries < maxRetries {
		j.State = StateQueued
		s.pending = append(s.pending, j)
		clone := j.Clone()
		s.mu.Unlock()
		return clone, nil
	}

	j.State = StateFailed
	j.CompletedAt = nowFunc()
	clone := s.insertTerminalLocked(j)
	s.mu.Unlock()
	s.fireArchive(clone)
	return clone, nil
}

// Complete transitions a dispatched/running job to COMPLETED.
func (s *Store) Complete(id string) (Job, error) {
	return s.terminalize(id, StateCompleted, "")
}

// Fail transitions a dispatched/running job to FAILED with an error message.
func (s *Store) Fail(id, errMsg string) (Job, error) {
	return s.terminalize(id, StateFailed, errMsg)
}

// Cancel cancels a job regardless of its current non-terminal state.
// Cancelling a QUEUED job removes it from pending; cancelling a
// DISPATCHED/RUNNING job removes it from the dispatched index. Terminal
// transitions are idempotent: cancelling an already-terminal job is a no-op.
func (s *Store) Cancel(id string) (Job, error) {
	s.mu.Lock()

	if idx := s.findPendingIndex(id); idx >= 0 {
		j := s.pending[idx]
		s.pending = append(s.pending[:idx], s.pending[idx+1:]...)
		j.State = StateCancelled
		j.CompletedAt = nowFunc()
		clone := s.insertTerminalLocked(j)
		s.mu.Unlock()
		s.fireArchive(clone)
		return clone, nil
	}

	if j, ok := s.dispatched[id]; ok {
		delete(s.dispatched, id)
		if j.WorkerJobID != "" {
			delete(s.byWorkerID, j.WorkerJobID)
		}
		j.State = StateCancelled
		j.CompletedAt = nowFunc()
		clone := s.insertTerminalLocked(j)
		s.mu.Unlock()
		s.fireArchive(clone)
		return clone, nil
	}

	if j, ok := s.terminal[id]; ok {
		clone := j.Clone()
		s.mu.Unlock()
		return clone, nil // idempotent: already terminal
	}

	s.mu.Unlock()
	return Job{}, ErrNotFound
}

func (s *Store) terminalize(id string, state State, errMsg string) (Job, error) {
	s.mu.Lock()
	j, ok := s.dispatched[id]
	if !ok {
		if tj, tok := s.terminal[id]; tok {
			// idempotent terminal transition: already terminal, no-op
			clone := tj.Clone()
			s.mu.Unlock()
			return clone, nil
		}
		s.mu.Unlock()
		return Job{}, ErrNotFound
	}
	delete(s.dispatched, id)
	if j.WorkerJobID != "" {
		delete(s.byWorkerID, j.WorkerJobID)
	}
	j.State = state
	j.Error = errMsg
	j.CompletedAt = nowFunc()
	clone := s.insertTerminalLocked(j)
	s.mu.Unlock()
	s.fireArchive(clone)
	return clone, nil
}

// insertTerminalLocked inserts j into the terminal index, evicting the
// oldest entry first if at capacity. Must be called with s.mu held.
func (s *Store) insertTerminalLocked(j *Job) Job {
	s.terminal[j.ID] = j
	s.terminalQ = append(s.terminalQ, j.ID)
	if len(s.terminalQ) > s.terminalCap {
		oldest := s.terminalQ[0]
		s.terminalQ = s.terminalQ[1:]
		delete(s.terminal, oldest)
	}
	return j.Clone()
}

func (s *Store) fireArchive(j Job) {
	if s.onArchive != nil {
		s.onArchive(j)
	}
}

func (s *Store) findPendingIndex(id string) int {
	for i, j := range s.pending {
		if j.ID == id {
			return i
		}
	}
	return -1
}

// Get returns a job by balancer id, searching all three indexes.
func (s *Store) Get(id string) (Job, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if idx := s.findPendingIndex(id); idx >= 0 {
		return s.pending[idx].Clone(), true
	}
	if j, ok := s.dispatched[id]; ok {
		return j.Clone(), true
	}
	if j, ok := s.terminal[id]; ok {
		return j.Clone(), true
	}
	return Job{}, false
}

// GetByWorkerJobID resolves a worker-issued job id back to the owning
// balancer Job, used by WSHub for id translation.
func (s *Store) GetByWorkerJobID(workerJobID string) (Job, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.byWorkerID[workerJobID]
	if !ok {
		return Job{}, false
	}
	return j.Clone(), true
}

// Pending returns a FIFO-ordered snapshot of the pending index.
func (s *Store) Pending() []Job {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Job, len(s.pending))
	for i, j := range s.pending {
		out[i] = j.Clone()
	}
	return out
}

// Dispatched returns every job currently DISPATCHED or RUNNING.
func (s *Store) Dispatched() []Job {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Job, 0, len(s.dispatched))
	for _, j := range s.dispatched {
		out = append(out, j.Clone())
	}
	return out
}

// Terminal returns every terminal job currently retained (bounded by
// the terminal cap).
func (s *Store) Terminal() []Job {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Job, 0, len(s.terminal))
	for _, id := range s.terminalQ {
		if j, ok := s.terminal[id]; ok {
			out = append(out, j.Clone())
		}
	}
	return out
}

// FailByWorker terminalizes every DISPATCHED/RUNNING job bound to
// workerName as FAILED, used when that worker is destroyed out from
// under its in-flight jobs. Returns the jobs it terminalized.
func (s *Store) FailByWorker(workerName, errMsg string) []Job {
	s.mu.Lock()
	var ids []string
	for id, j := range s.dispatched {
		if j.WorkerName == workerName {
			ids = append(ids, id)
		}
	}
	s.mu.Unlock()

	out := make([]Job, 0, len(ids))
	for _, id := range ids {
		if j, err := s.terminalize(id, StateFailed, errMsg); err == nil {
			out = append(out, j)
		}
	}
	return out
}

// Counts reports the size of each index, used by ControlAPI stats.
func (s *Store) Counts() (pending, dispatched, terminal int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending), len(s.dispatched), len(s.terminal)
}

// nowFunc is a var (not a direct time.Now call) so tests can stub time.
var nowFunc = time.Now
