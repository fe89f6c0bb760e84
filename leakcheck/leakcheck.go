package leakcheck

import (
	"context"
	"fmt"
	"io"
	"sync/atomic"
	"testing"

	"github.com/groupscope/leakscope/scope"
)

// sequence numbers measurement scopes process-wide, so concurrent checks
// never share a scope identity.
var sequence atomic.Int64

type Options struct {
	Denylist Denylist
	Observer scope.Observer
}

type Option func(*Options)

// WithDenylist replaces the default denylist.
func WithDenylist(d Denylist) Option { return func(o *Options) { o.Denylist = d } }

// WithObserver forwards scope lifecycle events, for example to an
// observe/prom metrics observer.
func WithObserver(obs scope.Observer) Option { return func(o *Options) { o.Observer = obs } }

// Check verifies that the resource produced by create, used by exercise and
// then closed, leaves no goroutines running.
//
// The lifecycle runs twice. The first pass happens on the calling goroutine,
// outside any scope, so that lazily initialized global machinery can start
// its long-lived workers without being measured; a failure here returns
// immediately and no leak check happens. The second pass runs in a single
// worker inside a fresh scope named "test-group-<n>": every goroutine the
// resource starts during that pass inherits the scope label, and once the
// resource is closed the worker enumerates the scope and fails with a
// *LeakError if anything survives the denylist.
//
// The ctx passed to create and exercise carries the scope's label set during
// the measured pass. Resources that want their workers named in leak reports
// should start them via scope.GoWithName with that ctx.
//
// Check blocks until the worker finishes. There is no timeout: an exercise
// that hangs will hang the check.
func Check[T io.Closer](create func(ctx context.Context) (T, error), exercise func(ctx context.Context, r T) error, optFns ...Option) error {
	opts := Options{Denylist: Default()}
	for _, fn := range optFns {
		fn(&opts)
	}

	if err := runOnce(context.Background(), create, exercise); err != nil {
		return err
	}

	sopts := []scope.Option{scope.WithName(fmt.Sprintf("test-group-%d", sequence.Add(1)))}
	if opts.Observer != nil {
		sopts = append(sopts, scope.WithObserver(opts.Observer))
	}
	s := scope.New(context.Background(), scope.FailFast, sopts...)
	s.Go(func(ctx context.Context) error {
		if err := runOnce(ctx, create, exercise); err != nil {
			return err
		}
		return reportLeaked(s, opts.Denylist)
	})
	return s.Wait()
}

// Verify is Check for tests: any failure, setup or leak, fails t.
func Verify[T io.Closer](t testing.TB, create func(ctx context.Context) (T, error), exercise func(ctx context.Context, r T) error, optFns ...Option) {
	t.Helper()
	if err := Check(create, exercise, optFns...); err != nil {
		t.Error(err)
	}
}

// runOnce performs one full create-exercise-close pass. The resource is
// closed on every exit path; a close failure surfaces unless an earlier
// step already failed.
func runOnce[T io.Closer](ctx context.Context, create func(ctx context.Context) (T, error), exercise func(ctx context.Context, r T) error) (err error) {
	resource, err := create(ctx)
	if err != nil {
		return fmt.Errorf("create resource: %w", err)
	}
	defer func() {
		if cerr := resource.Close(); cerr != nil && err == nil {
			err = fmt.Errorf("close resource: %w", cerr)
		}
	}()
	if exercise == nil {
		return nil
	}
	if exErr := exercise(ctx, resource); exErr != nil {
		return fmt.Errorf("exercise resource: %w", exErr)
	}
	return nil
}
