package cron

import (
	"context"
	"errors"
	"io"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/resellerhq/storefront-backend/pkg/logger"
	"github.com/resellerhq/storefront-backend/pkg/metrics"
)

type fakeLock struct {
	held      bool
	releases  int
	ttl       time.Duration
	extendErr error
	extends   atomic.Int32
}

func (f *fakeLock) TTL() time.Duration { return f.ttl }

func (f *fakeLock) Extend(context.Context) error {
	f.extends.Add(1)
	return f.extendErr
}

func (f *fakeLock) Acquire(context.Context) (bool, error) {
	if f.held {
		return false, nil
	}
	f.held = true
	return true, nil
}

func (f *fakeLock) Release(context.Context) error {
	f.held = false
	f.releases++
	return nil
}

type testJob struct {
	name     string
	err      error
	panicMsg string
	runs     int
	deadline bool
	onRun    func()
}

func (t *testJob) Name() string { return t.name }

func (t *testJob) Run(ctx context.Context) error {
	t.runs++
	_, t.deadline = ctx.Deadline()
	if t.onRun != nil {
		t.onRun()
	}
	if t.panicMsg != "" {
		panic(t.panicMsg)
	}
	return t.err
}

func newTestCronService(t *testing.T, lock Lock, jobMetrics *metrics.CronJobMetrics, jobs ...Job) *Service {
	t.Helper()
	registry, err := NewRegistry(jobs...)
	require.NoError(t, err)
	service, err := NewService(ServiceParams{
		Logger:   logger.New(logger.Options{ServiceName: "cron-test", Output: io.Discard}),
		Registry: registry,
		Lock:     lock,
		Metrics:  jobMetrics,
	})
	require.NoError(t, err)
	return service
}

func TestServiceRunCycleRunsAllJobsEvenOnFailure(t *testing.T) {
	reg := prometheus.NewRegistry()
	jobMetrics := metrics.NewCronJobMetrics(reg)
	ok := &testJob{name: "outbox-retention"}
	failing := &testJob{name: "purchase-reconcile", err: errors.New("provider down")}
	lock := &fakeLock{}
	service := newTestCronService(t, lock, jobMetrics, ok, failing)

	require.NoError(t, service.runCycle(context.Background()))

	assert.Equal(t, 1, ok.runs)
	assert.Equal(t, 1, failing.runs)
	assert.True(t, ok.deadline, "jobs run with a bounded context")
	assert.Equal(t, 1, lock.releases)
	assert.False(t, lock.held)

	count, err := testutil.GatherAndCount(reg, "storefront_cron_job_failure_total")
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestServiceRunCycleSkipsWhenLockHeld(t *testing.T) {
	job := &testJob{name: "purchase-reconcile"}
	service := newTestCronService(t, &fakeLock{held: true}, nil, job)

	require.NoError(t, service.runCycle(context.Background()))
	assert.Zero(t, job.runs)
}

func TestServiceContainsJobPanics(t *testing.T) {
	panicky := &testJob{name: "purchase-reconcile", panicMsg: "nil order"}
	after := &testJob{name: "outbox-retention"}
	lock := &fakeLock{}
	service := newTestCronService(t, lock, nil, panicky, after)

	require.NoError(t, service.runCycle(context.Background()))
	assert.Equal(t, 1, after.runs)
	assert.False(t, lock.held)
}

func TestServiceRunOnceSelectsJobs(t *testing.T) {
	retention := &testJob{name: "outbox-retention"}
	reconcile := &testJob{name: "purchase-reconcile"}
	service := newTestCronService(t, &fakeLock{}, nil, retention, reconcile)

	require.NoError(t, service.RunOnce(context.Background(), "purchase-reconcile"))
	assert.Zero(t, retention.runs)
	assert.Equal(t, 1, reconcile.runs)

	require.Error(t, service.RunOnce(context.Background(), "unknown"))
	assert.Equal(t, 1, reconcile.runs)
}

func TestServiceRunOnceReportsFailures(t *testing.T) {
	failing := &testJob{name: "purchase-reconcile", err: errors.New("provider down")}
	service := newTestCronService(t, &fakeLock{}, nil, failing)

	err := service.RunOnce(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "purchase-reconcile")
}

func TestServiceRunStopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	job := &testJob{name: "outbox-retention", onRun: cancel}
	service := newTestCronService(t, &fakeLock{}, nil, job)
	service.interval = time.Hour

	err := service.Run(ctx)
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, job.runs, "first cycle runs immediately")
}

func TestServiceRunSkipsCycleWhenAlreadyCanceled(t *testing.T) {
	job := &testJob{name: "outbox-retention"}
	lock := &fakeLock{}
	service := newTestCronService(t, lock, nil, job)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.ErrorIs(t, service.Run(ctx), context.Canceled)
	assert.Zero(t, job.runs)
	assert.Zero(t, lock.releases)
}

type blockingJob struct {
	name string
}

func (b blockingJob) Name() string { return b.name }

func (b blockingJob) Run(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(5 * time.Second):
		return errors.New("job was not interrupted")
	}
}

func TestLostLockCancelsRunningJob(t *testing.T) {
	lock := &fakeLock{ttl: 30 * time.Millisecond, extendErr: ErrLockLost}
	service := newTestCronService(t, lock, nil, blockingJob{name: "slow"})

	start := time.Now()
	err := service.RunOnce(context.Background())
	require.Error(t, err)
	assert.Less(t, time.Since(start), 2*time.Second)
	assert.GreaterOrEqual(t, lock.extends.Load(), int32(1))
	assert.Equal(t, 1, lock.releases)
}

func TestHeartbeatKeepsLockDuringLongRun(t *testing.T) {
	lock := &fakeLock{ttl: 30 * time.Millisecond}
	job := &sleepJob{name: "slow", d: 60 * time.Millisecond}
	service := newTestCronService(t, lock, nil, job)

	require.NoError(t, service.RunOnce(context.Background()))
	assert.GreaterOrEqual(t, lock.extends.Load(), int32(2))
}

type sleepJob struct {
	name string
	d    time.Duration
}

func (s *sleepJob) Name() string { return s.name }

func (s *sleepJob) Run(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(s.d):
		return nil
	}
}
