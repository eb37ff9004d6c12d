package store

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"git.home.luguber.info/inful/cifixer/internal/pipeline"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func newTestBuild(t *testing.T, s *Store) *pipeline.Build {
	t.Helper()
	b, err := s.CreateBuild(&pipeline.Build{
		Job: "svc-api", BuildNumber: 42, Branch: "main",
		RepoURL: "https://git.example.com/x/svc.git", CommitSHA: "abc1234",
	})
	require.NoError(t, err)
	return b
}

func TestMigrationsIdempotent(t *testing.T) {
	s := newTestStore(t)
	// Re-running against the same handle is a no-op.
	require.NoError(t, s.migrate())
}

func TestCreateBuildDuplicate(t *testing.T) {
	s := newTestStore(t)
	newTestBuild(t, s)

	_, err := s.CreateBuild(&pipeline.Build{Job: "svc-api", BuildNumber: 42})
	assert.ErrorIs(t, err, ErrDuplicateBuild)
}

func TestBuildTerminalStateNeverReverts(t *testing.T) {
	s := newTestStore(t)
	b := newTestBuild(t, s)

	changed, err := s.UpdateBuildStatus(b.ID, pipeline.BuildCompleted)
	require.NoError(t, err)
	assert.True(t, changed)

	changed, err = s.UpdateBuildStatus(b.ID, pipeline.BuildProcessing)
	require.NoError(t, err)
	assert.False(t, changed)

	got, err := s.GetBuild(b.ID)
	require.NoError(t, err)
	assert.Equal(t, pipeline.BuildCompleted, got.Status)
}

func TestEnqueueAndLease(t *testing.T) {
	s := newTestStore(t)
	b := newTestBuild(t, s)

	payload := pipeline.Payload{pipeline.KeyRepoURL: b.RepoURL}
	task, err := s.Enqueue(b.ID, pipeline.KindPlan, payload, 3)
	require.NoError(t, err)
	assert.Equal(t, 0, task.Attempt)

	leased, err := s.LeaseNext(pipeline.KindPlan, 15*time.Minute)
	require.NoError(t, err)
	require.NotNil(t, leased)
	assert.Equal(t, task.ID, leased.ID)
	assert.Equal(t, pipeline.TaskInProgress, leased.Status)
	// First execution runs at attempt 0.
	assert.Equal(t, 0, leased.Attempt)
	assert.Equal(t, int64(1), leased.LeaseGeneration)
	assert.Equal(t, b.RepoURL, leased.Payload.String(pipeline.KeyRepoURL))

	// Nothing else to lease.
	again, err := s.LeaseNext(pipeline.KindPlan, 15*time.Minute)
	require.NoError(t, err)
	assert.Nil(t, again)
}

func TestLeaseOrderIsFIFOWithinKind(t *testing.T) {
	s := newTestStore(t)
	b := newTestBuild(t, s)

	first, err := s.Enqueue(b.ID, pipeline.KindPlan, nil, 3)
	require.NoError(t, err)
	_, err = s.Enqueue(b.ID, pipeline.KindPlan, nil, 3)
	require.NoError(t, err)

	leased, err := s.LeaseNext(pipeline.KindPlan, 15*time.Minute)
	require.NoError(t, err)
	assert.Equal(t, first.ID, leased.ID)
}

func TestLeaseUniquenessUnderConcurrency(t *testing.T) {
	s := newTestStore(t)
	b := newTestBuild(t, s)
	_, err := s.Enqueue(b.ID, pipeline.KindPlan, nil, 3)
	require.NoError(t, err)

	const callers = 16
	var wg sync.WaitGroup
	results := make(chan *pipeline.Task, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			task, err := s.LeaseNext(pipeline.KindPlan, 15*time.Minute)
			assert.NoError(t, err)
			if task != nil {
				results <- task
			}
		}()
	}
	wg.Wait()
	close(results)

	var won int
	for range results {
		won++
	}
	assert.Equal(t, 1, won, "exactly one caller may win the lease")
}

func TestRetryBecomesLeasableAfterDelay(t *testing.T) {
	s := newTestStore(t)
	b := newTestBuild(t, s)
	_, err := s.Enqueue(b.ID, pipeline.KindPlan, nil, 3)
	require.NoError(t, err)

	base := time.Now()
	s.SetClock(func() time.Time { return base })

	leased, err := s.LeaseNext(pipeline.KindPlan, 15*time.Minute)
	require.NoError(t, err)
	require.NoError(t, s.ScheduleRetry(leased.ID, leased.LeaseGeneration, 2*time.Second, "transient"))

	// Not yet ready.
	task, err := s.LeaseNext(pipeline.KindPlan, 15*time.Minute)
	require.NoError(t, err)
	assert.Nil(t, task)

	// Backoff elapsed: re-leased with attempt incremented.
	s.SetClock(func() time.Time { return base.Add(3 * time.Second) })
	task, err = s.LeaseNext(pipeline.KindPlan, 15*time.Minute)
	require.NoError(t, err)
	require.NotNil(t, task)
	assert.Equal(t, 1, task.Attempt)
	assert.Equal(t, int64(2), task.LeaseGeneration)
}

func TestExpiredLeaseIsReLeasedWithIncrementedAttempt(t *testing.T) {
	s := newTestStore(t)
	b := newTestBuild(t, s)
	_, err := s.Enqueue(b.ID, pipeline.KindRepo, nil, 3)
	require.NoError(t, err)

	base := time.Now()
	s.SetClock(func() time.Time { return base })

	first, err := s.LeaseNext(pipeline.KindRepo, 15*time.Minute)
	require.NoError(t, err)
	require.NotNil(t, first)

	// Within the lease window the task is invisible.
	s.SetClock(func() time.Time { return base.Add(14 * time.Minute) })
	task, err := s.LeaseNext(pipeline.KindRepo, 15*time.Minute)
	require.NoError(t, err)
	assert.Nil(t, task)

	// After expiry another worker takes over.
	s.SetClock(func() time.Time { return base.Add(16 * time.Minute) })
	second, err := s.LeaseNext(pipeline.KindRepo, 15*time.Minute)
	require.NoError(t, err)
	require.NotNil(t, second)
	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, 1, second.Attempt)
	assert.Greater(t, second.LeaseGeneration, first.LeaseGeneration)
}

func TestStaleLeaseUpdateDiscarded(t *testing.T) {
	s := newTestStore(t)
	b := newTestBuild(t, s)
	_, err := s.Enqueue(b.ID, pipeline.KindRepo, nil, 3)
	require.NoError(t, err)

	base := time.Now()
	s.SetClock(func() time.Time { return base })
	first, err := s.LeaseNext(pipeline.KindRepo, 15*time.Minute)
	require.NoError(t, err)

	s.SetClock(func() time.Time { return base.Add(16 * time.Minute) })
	second, err := s.LeaseNext(pipeline.KindRepo, 15*time.Minute)
	require.NoError(t, err)
	require.NotNil(t, second)

	// The original holder finishes late; its write must be fenced off.
	err = s.UpdateStatus(first.ID, first.LeaseGeneration, pipeline.TaskCompleted, "")
	assert.ErrorIs(t, err, ErrStaleLease)

	got, err := s.Find(first.ID)
	require.NoError(t, err)
	assert.Equal(t, pipeline.TaskInProgress, got.Status)

	// The new holder's write lands.
	require.NoError(t, s.UpdateStatus(second.ID, second.LeaseGeneration, pipeline.TaskCompleted, ""))
}

func TestUpdateStatusMissingTaskIsNoOp(t *testing.T) {
	s := newTestStore(t)
	assert.NoError(t, s.UpdateStatus(9999, 1, pipeline.TaskCompleted, ""))
}

func TestResetTaskOnlyFromFailed(t *testing.T) {
	s := newTestStore(t)
	b := newTestBuild(t, s)
	task, err := s.Enqueue(b.ID, pipeline.KindPlan, nil, 3)
	require.NoError(t, err)

	// Pending tasks are not resettable.
	ok, err := s.ResetTask(task.ID)
	require.NoError(t, err)
	assert.False(t, ok)

	leased, err := s.LeaseNext(pipeline.KindPlan, 15*time.Minute)
	require.NoError(t, err)
	require.NoError(t, s.UpdateStatus(leased.ID, leased.LeaseGeneration, pipeline.TaskFailed, "boom"))

	ok, err = s.ResetTask(task.ID)
	require.NoError(t, err)
	assert.True(t, ok)

	got, err := s.Find(task.ID)
	require.NoError(t, err)
	assert.Equal(t, pipeline.TaskPending, got.Status)
	assert.Equal(t, 0, got.Attempt)
	assert.Empty(t, got.LastError)

	// Admin-reset tasks run again at attempt 0.
	released, err := s.LeaseNext(pipeline.KindPlan, 15*time.Minute)
	require.NoError(t, err)
	require.NotNil(t, released)
	assert.Equal(t, 0, released.Attempt)
}

func TestRequeueFailedReopensBuild(t *testing.T) {
	s := newTestStore(t)
	b := newTestBuild(t, s)
	_, err := s.Enqueue(b.ID, pipeline.KindValidate, nil, 3)
	require.NoError(t, err)

	leased, err := s.LeaseNext(pipeline.KindValidate, 15*time.Minute)
	require.NoError(t, err)
	require.NoError(t, s.UpdateStatus(leased.ID, leased.LeaseGeneration, pipeline.TaskFailed, "compile error"))
	_, err = s.UpdateBuildStatus(b.ID, pipeline.BuildFailed)
	require.NoError(t, err)

	n, err := s.RequeueFailed(b.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, err := s.GetBuild(b.ID)
	require.NoError(t, err)
	assert.Equal(t, pipeline.BuildProcessing, got.Status)
}

func TestReapExhaustedLeases(t *testing.T) {
	s := newTestStore(t)
	b := newTestBuild(t, s)
	_, err := s.Enqueue(b.ID, pipeline.KindPatch, nil, 1)
	require.NoError(t, err)

	base := time.Now()
	s.SetClock(func() time.Time { return base })
	leased, err := s.LeaseNext(pipeline.KindPatch, 15*time.Minute)
	require.NoError(t, err)
	require.NotNil(t, leased)

	// Force attempt to the cap via an expired lease; with max_attempts 1 the
	// first execution is the last.
	s.SetClock(func() time.Time { return base.Add(20 * time.Minute) })

	// LeaseNext must not pick it up (no attempts left).
	task, err := s.LeaseNext(pipeline.KindPatch, 15*time.Minute)
	require.NoError(t, err)
	assert.Nil(t, task)

	reaped, err := s.ReapExhaustedLeases(15 * time.Minute)
	require.NoError(t, err)
	require.Len(t, reaped, 1)
	assert.Equal(t, pipeline.TaskFailed, reaped[0].Status)
}

func TestReapFencesOffSlowHolder(t *testing.T) {
	s := newTestStore(t)
	b := newTestBuild(t, s)
	_, err := s.Enqueue(b.ID, pipeline.KindPatch, nil, 1)
	require.NoError(t, err)

	base := time.Now()
	s.SetClock(func() time.Time { return base })
	leased, err := s.LeaseNext(pipeline.KindPatch, 15*time.Minute)
	require.NoError(t, err)
	require.NotNil(t, leased)

	s.SetClock(func() time.Time { return base.Add(16 * time.Minute) })
	reaped, err := s.ReapExhaustedLeases(15 * time.Minute)
	require.NoError(t, err)
	require.Len(t, reaped, 1)

	// The holder was slow, not dead. Its late completion must bounce off the
	// bumped generation instead of reverting the terminal failure.
	err = s.UpdateStatus(leased.ID, leased.LeaseGeneration, pipeline.TaskCompleted, "")
	assert.ErrorIs(t, err, ErrStaleLease)

	got, err := s.Find(leased.ID)
	require.NoError(t, err)
	assert.Equal(t, pipeline.TaskFailed, got.Status)
}

func TestResetTaskFencesOffSlowHolder(t *testing.T) {
	s := newTestStore(t)
	b := newTestBuild(t, s)
	task, err := s.Enqueue(b.ID, pipeline.KindPlan, nil, 3)
	require.NoError(t, err)

	leased, err := s.LeaseNext(pipeline.KindPlan, 15*time.Minute)
	require.NoError(t, err)
	require.NoError(t, s.UpdateStatus(leased.ID, leased.LeaseGeneration, pipeline.TaskFailed, "boom"))

	ok, err := s.ResetTask(task.ID)
	require.NoError(t, err)
	require.True(t, ok)

	// A write still carrying the pre-reset generation is stale.
	err = s.UpdateStatus(leased.ID, leased.LeaseGeneration, pipeline.TaskCompleted, "")
	assert.ErrorIs(t, err, ErrStaleLease)

	got, err := s.Find(task.ID)
	require.NoError(t, err)
	assert.Equal(t, pipeline.TaskPending, got.Status)
}

func TestQueueCounts(t *testing.T) {
	s := newTestStore(t)
	b := newTestBuild(t, s)
	_, err := s.Enqueue(b.ID, pipeline.KindPlan, nil, 3)
	require.NoError(t, err)
	_, err = s.Enqueue(b.ID, pipeline.KindRepo, nil, 3)
	require.NoError(t, err)

	byStatus, byKind, err := s.QueueCounts()
	require.NoError(t, err)
	assert.Equal(t, 2, byStatus[pipeline.TaskPending])
	assert.Equal(t, 1, byKind[pipeline.KindPlan])
	assert.Equal(t, 1, byKind[pipeline.KindRepo])

	pending, err := s.PendingCount()
	require.NoError(t, err)
	assert.Equal(t, 2, pending)
}

func TestDeleteBuildCascades(t *testing.T) {
	s := newTestStore(t)
	b := newTestBuild(t, s)
	task, err := s.Enqueue(b.ID, pipeline.KindPlan, nil, 3)
	require.NoError(t, err)
	_, err = s.SavePlan(&pipeline.Plan{BuildID: b.ID, ErrorClass: "compile", Summary: "x"})
	require.NoError(t, err)

	require.NoError(t, s.DeleteBuild(b.ID))

	_, err = s.Find(task.ID)
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = s.PlanForBuild(b.ID)
	assert.ErrorIs(t, err, ErrNotFound)
}
