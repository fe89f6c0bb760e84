package leakcheck

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/groupscope/leakscope/scope"
)

func TestMain(m *testing.M) {
	VerifyTestMain(m)
}

// cleanResource runs one background worker and joins it on Close.
type cleanResource struct {
	stop chan struct{}
	done chan struct{}
}

func newCleanResource(ctx context.Context) (*cleanResource, error) {
	r := &cleanResource{stop: make(chan struct{}), done: make(chan struct{})}
	started := make(chan struct{})
	scope.GoWithName(ctx, "clean-worker", func(_ context.Context) {
		defer close(r.done)
		close(started)
		<-r.stop
	})
	<-started
	return r, nil
}

func (r *cleanResource) Close() error {
	close(r.stop)
	<-r.done
	return nil
}

// noopResource has no workers at all.
type noopResource struct{}

func (noopResource) Close() error { return nil }

// spawnStuck starts a goroutine that blocks until stop closes and is never
// joined by anything, the shape of a genuine leak. It returns once the
// goroutine is running.
func spawnStuck(ctx context.Context, name string, stop <-chan struct{}, exited *sync.WaitGroup) {
	exited.Add(1)
	started := make(chan struct{})
	scope.GoWithName(ctx, name, func(_ context.Context) {
		defer exited.Done()
		close(started)
		<-stop
	})
	<-started
}

func TestCleanResourcePasses(t *testing.T) {
	t.Parallel()
	err := Check(newCleanResource, func(_ context.Context, _ *cleanResource) error { return nil })
	require.NoError(t, err)
}

func TestDetectsGenuineLeak(t *testing.T) {
	t.Parallel()
	stop := make(chan struct{})
	var exited sync.WaitGroup
	t.Cleanup(func() {
		close(stop)
		exited.Wait()
	})

	create := func(ctx context.Context) (noopResource, error) {
		spawnStuck(ctx, "leaky-worker", stop, &exited)
		return noopResource{}, nil
	}
	err := Check(create, nil)
	require.Error(t, err)

	var leakErr *LeakError
	require.ErrorAs(t, err, &leakErr)
	assert.Contains(t, err.Error(), "Threads leaked:")
	assert.Contains(t, err.Error(), "leaky-worker")
	require.Len(t, leakErr.Leaks, 1)
	assert.Equal(t, "leaky-worker", leakErr.Leaks[0].Name)
	assert.Equal(t, int64(1), leakErr.Leaks[0].Count)
	assert.NotEmpty(t, leakErr.Leaks[0].Stack)
}

func TestDenylistSuppressesKnownNames(t *testing.T) {
	t.Parallel()
	stop := make(chan struct{})
	var exited sync.WaitGroup
	t.Cleanup(func() {
		close(stop)
		exited.Wait()
	})

	create := func(ctx context.Context) (noopResource, error) {
		spawnStuck(ctx, "OkHttp TaskRunner", stop, &exited)
		spawnStuck(ctx, "ForkJoinPool.commonPool-worker-3", stop, &exited)
		return noopResource{}, nil
	}
	require.NoError(t, Check(create, nil))
}

type nameObserver struct {
	mu    sync.Mutex
	names []string
}

func (o *nameObserver) ScopeCreated(_ context.Context, name string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.names = append(o.names, name)
}
func (o *nameObserver) ScopeCancelled(_ context.Context, _ error)                        {}
func (o *nameObserver) ScopeJoined(_ context.Context, _ time.Duration)                   {}
func (o *nameObserver) TaskStarted(_ context.Context)                                    {}
func (o *nameObserver) TaskFinished(_ context.Context, _ time.Duration, _ error, _ bool) {}

func TestUniqueScopePerCall(t *testing.T) {
	t.Parallel()
	obs := &nameObserver{}
	require.NoError(t, Check(newCleanResource, nil, WithObserver(obs)))
	require.NoError(t, Check(newCleanResource, nil, WithObserver(obs)))

	obs.mu.Lock()
	defer obs.mu.Unlock()
	require.Len(t, obs.names, 2)
	assert.NotEqual(t, obs.names[0], obs.names[1])
	for _, name := range obs.names {
		assert.Regexp(t, `^test-group-\d+$`, name)
	}
}

func TestWarmupAbsorbsStaticInit(t *testing.T) {
	t.Parallel()
	stop := make(chan struct{})
	var exited sync.WaitGroup
	t.Cleanup(func() {
		close(stop)
		exited.Wait()
	})

	// A lazily initialized global pool: started once, on first use, and
	// never stopped. The warm-up pass runs it outside the measured scope.
	var once sync.Once
	create := func(ctx context.Context) (noopResource, error) {
		once.Do(func() {
			spawnStuck(ctx, "static-init-worker", stop, &exited)
		})
		return noopResource{}, nil
	}
	require.NoError(t, Check(create, nil))
}

func TestExerciseFailurePropagates(t *testing.T) {
	t.Parallel()
	boom := errors.New("boom")
	err := Check(newCleanResource, func(_ context.Context, _ *cleanResource) error { return boom })
	require.Error(t, err)
	assert.ErrorIs(t, err, boom)

	var leakErr *LeakError
	assert.False(t, errors.As(err, &leakErr), "exercise failure must not be a LeakError")
	assert.NotContains(t, err.Error(), "Threads leaked:")
}

func TestCreateFailurePropagates(t *testing.T) {
	t.Parallel()
	broken := errors.New("no backend")
	create := func(_ context.Context) (noopResource, error) { return noopResource{}, broken }
	err := Check(create, nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, broken)
	assert.NotContains(t, err.Error(), "Threads leaked:")
}

type failingCloser struct {
	err error
}

func (c failingCloser) Close() error { return c.err }

func TestCloseFailurePropagates(t *testing.T) {
	t.Parallel()
	closeErr := errors.New("close failed")
	create := func(_ context.Context) (failingCloser, error) { return failingCloser{err: closeErr}, nil }
	err := Check(create, nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, closeErr)
}

func TestExerciseFailureStillCloses(t *testing.T) {
	t.Parallel()
	var closed int32
	create := func(ctx context.Context) (*countingCloser, error) {
		return &countingCloser{closed: &closed}, nil
	}
	boom := errors.New("boom")
	err := Check(create, func(_ context.Context, _ *countingCloser) error { return boom })
	require.ErrorIs(t, err, boom)
	// Warm-up pass only: it fails before the measured pass starts.
	assert.Equal(t, int32(1), closed)
}

type countingCloser struct {
	closed *int32
}

func (c *countingCloser) Close() error {
	atomic.AddInt32(c.closed, 1)
	return nil
}

type recordingTB struct {
	testing.TB
	mu     sync.Mutex
	failed bool
	msgs   []string
}

func (r *recordingTB) Helper() {}

func (r *recordingTB) Error(args ...any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failed = true
	r.msgs = append(r.msgs, fmt.Sprint(args...))
}

func TestVerifyReportsThroughTB(t *testing.T) {
	t.Parallel()
	stop := make(chan struct{})
	var exited sync.WaitGroup
	t.Cleanup(func() {
		close(stop)
		exited.Wait()
	})

	create := func(ctx context.Context) (noopResource, error) {
		spawnStuck(ctx, "verify-leak", stop, &exited)
		return noopResource{}, nil
	}
	rt := &recordingTB{TB: t}
	Verify(rt, create, nil)

	rt.mu.Lock()
	defer rt.mu.Unlock()
	require.True(t, rt.failed)
	require.NotEmpty(t, rt.msgs)
	assert.Contains(t, rt.msgs[0], "Threads leaked:")
	assert.Contains(t, rt.msgs[0], "verify-leak")
}

func TestVerifyCleanResource(t *testing.T) {
	t.Parallel()
	Verify(t, newCleanResource, nil)
}
