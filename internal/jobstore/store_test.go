package jobstore

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEnqueueAssignsFIFOOrder(t *testing.T) {
	s := New(Config{MaxSize: 10})
	a, err := s.Enqueue([]byte(`{}`), nil, "client-a")
	require.NoError(t, err)
	b, err := s.Enqueue([]byte(`{}`), nil, "client-b")
	require.NoError(t, err)

	pending := s.Pending()
	require.Len(t, pending, 2)
	assert.Equal(t, a.ID, pending[0].ID)
	assert.Equal(t, b.ID, pending[1].ID)
	assert.Equal(t, int64(1), a.Number)
	assert.Equal(t, int64(2), b.Number)
}

func TestEnqueueRejectsWhenFull(t *testing.T) {
	s := New(Config{MaxSize: 1})
	_, err := s.Enqueue([]byte(`{}`), nil, "c1")
	require.NoError(t, err)
	_, err = s.Enqueue([]byte(`{}`), nil, "c2")
	assert.ErrorIs(t, err, ErrQueueFull)
}

func TestDispatchLifecycle(t *testing.T) {
	s := New(Config{MaxSize: 10})
	j, err := s.Enqueue([]byte(`{}`), nil, "c1")
	require.NoError(t, err)

	dispatched, err := s.MarkDispatched(j.ID, "worker-1")
	require.NoError(t, err)
	assert.Equal(t, StateDispatched, dispatched.State)
	assert.Equal(t, "worker-1", dispatched.WorkerName)
	assert.Empty(t, s.Pending())

	require.NoError(t, s.BindWorkerJobID(j.ID, "wjob-123"))
	bound, ok := s.GetByWorkerJobID("wjob-123")
	require.True(t, ok)
	assert.Equal(t, j.ID, bound.ID)

	require.NoError(t, s.MarkRunning(j.ID))
	running, ok := s.Get(j.ID)
	require.True(t, ok)
	assert.Equal(t, StateRunning, running.State)

	done, err := s.Complete(j.ID)
	require.NoError(t, err)
	assert.Equal(t, StateCompleted, done.State)

	_, stillThere := s.GetByWorkerJobID("wjob-123")
	assert.False(t, stillThere, "worker job id index is cleared on terminal transition")
}

func TestMarkAttemptFailedRequeuesUnderRetryLimit(t *testing.T) {
	s := New(Config{MaxSize: 10})
	j, _ := s.Enqueue([]byte(`{}`), nil, "c1")
	s.MarkDispatched(j.ID, "worker-1")

	retried, err := s.MarkAttemptFailed(j.ID, "boom", 3)
	require.NoError(t, err)
	assert.Equal(t, StateQueued, retried.State)
	assert.Equal(t, 1, retried.Retries)
	assert.Empty(t, retried.WorkerName)

	pending := s.Pending()
	require.Len(t, pending, 1)
	assert.Equal(t, j.ID, pending[0].ID)
}

func TestMarkAttemptFailedGoesTerminalAtRetryLimit(t *testing.T) {
	s := New(Config{MaxSize: 10})
	j, _ := s.Enqueue([]byte(`{}`), nil, "c1")
	s.MarkDispatched(j.ID, "worker-1")

	failed, err := s.MarkAttemptFailed(j.ID, "boom", 1)
	require.NoError(t, err)
	assert.Equal(t, StateFailed, failed.State)
	assert.Empty(t, s.Pending())

	term := s.Terminal()
	require.Len(t, term, 1)
	assert.Equal(t, j.ID, term[0].ID)
}

func TestCancelPendingJob(t *testing.T) {
	s := New(Config{MaxSize: 10})
	j, _ := s.Enqueue([]byte(`{}`), nil, "c1")

	cancelled, err := s.Cancel(j.ID)
	require.NoError(t, err)
	assert.Equal(t, StateCancelled, cancelled.State)
	assert.Empty(t, s.Pending())
}

func TestCancelDispatchedJob(t *testing.T) {
	s := New(Config{MaxSize: 10})
	j, _ := s.Enqueue([]byte(`{}`), nil, "c1")
	s.MarkDispatched(j.ID, "worker-1")
	s.BindWorkerJobID(j.ID, "wjob-1")

	cancelled, err := s.Cancel(j.ID)
	require.NoError(t, err)
	assert.Equal(t, StateCancelled, cancelled.State)
	_, ok := s.GetByWorkerJobID("wjob-1")
	assert.False(t, ok)
}

func TestCancelIsIdempotentOnTerminalJob(t *testing.T) {
	s := New(Config{MaxSize: 10})
	j, _ := s.Enqueue([]byte(`{}`), nil, "c1")
	s.MarkDispatched(j.ID, "worker-1")
	completed, err := s.Complete(j.ID)
	require.NoError(t, err)

	again, err := s.Cancel(j.ID)
	require.NoError(t, err)
	assert.Equal(t, completed.State, again.State, "cancelling an already-terminal job is a no-op")
}

func TestTerminalizeIsIdempotent(t *testing.T) {
	s := New(Config{MaxSize: 10})
	j, _ := s.Enqueue([]byte(`{}`), nil, "c1")
	s.MarkDispatched(j.ID, "worker-1")

	first, err := s.Fail(j.ID, "err1")
	require.NoError(t, err)
	second, err := s.Fail(j.ID, "err2")
	require.NoError(t, err)
	assert.Equal(t, first.Error, second.Error, "second terminalize call is a no-op, doesn't overwrite the first error")
}

func TestTerminalCapEvictsOldestFirst(t *testing.T) {
	s := New(Config{MaxSize: 10, TerminalCap: 2})
	var ids []string
	for i := 0; i < 3; i++ {
		j, _ := s.Enqueue([]byte(`{}`), nil, "c1")
		s.MarkDispatched(j.ID, "worker-1")
		s.Complete(j.ID)
		ids = append(ids, j.ID)
	}

	term := s.Terminal()
	require.Len(t, term, 2)
	_, firstStillPresent := s.Get(ids[0])
	assert.False(t, firstStillPresent, "oldest terminal entry evicted once cap exceeded")
	_, lastPresent := s.Get(ids[2])
	assert.True(t, lastPresent)
}

func TestOnArchiveFiresOnEveryTerminalTransition(t *testing.T) {
	s := New(Config{MaxSize: 10})
	var archived []Job
	s.OnArchive(func(j Job) { archived = append(archived, j) })

	j, _ := s.Enqueue([]byte(`{}`), nil, "c1")
	s.MarkDispatched(j.ID, "worker-1")
	s.Complete(j.ID)

	require.Len(t, archived, 1)
	assert.Equal(t, j.ID, archived[0].ID)
}

func TestCountsReflectsAllThreeIndexes(t *testing.T) {
	s := New(Config{MaxSize: 10})
	s.Enqueue([]byte(`{}`), nil, "c1")
	j2, _ := s.Enqueue([]byte(`{}`), nil, "c2")
	s.MarkDispatched(j2.ID, "worker-1")
	j3, _ := s.Enqueue([]byte(`{}`), nil, "c3")
	s.MarkDispatched(j3.ID, "worker-1")
	s.Complete(j3.ID)

	pending, dispatched, terminal := s.Counts()
	assert.Equal(t, 1, pending)
	assert.Equal(t, 1, dispatched)
	assert.Equal(t, 1, terminal)
}

func TestFailByWorkerOnlyTerminalizesThatWorkersJobs(t *testing.T) {
	s := New(Config{MaxSize: 10})
	j1, _ := s.Enqueue([]byte(`{}`), nil, "c1")
	s.MarkDispatched(j1.ID, "worker-1")
	j2, _ := s.Enqueue([]byte(`{}`), nil, "c2")
	s.MarkDispatched(j2.ID, "worker-2")

	failed := s.FailByWorker("worker-1", "backend destroyed")

	require.Len(t, failed, 1)
	assert.Equal(t, j1.ID, failed[0].ID)
	assert.Equal(t, StateFailed, failed[0].State)

	stillDispatched, ok := s.Get(j2.ID)
	require.True(t, ok)
	assert.Equal(t, StateDispatched, stillDispatched.State)

	pending, dispatched, terminal := s.Counts()
	assert.Equal(t, 0, pending)
	assert.Equal(t, 1, dispatched)
	assert.Equal(t, 1, terminal)
}
