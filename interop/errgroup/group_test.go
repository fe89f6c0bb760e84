package errgroup

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/groupscope/leakscope/leakcheck"
	"github.com/groupscope/leakscope/scope"
)

func TestWithContextHappy(t *testing.T) {
	t.Parallel()
	g, _ := WithContext(context.Background())
	g.Go(func() error { return nil })
	g.Go(func() error { time.Sleep(10 * time.Millisecond); return nil })
	if err := g.Wait(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestWithContextErrorCancels(t *testing.T) {
	t.Parallel()
	g, gctx := WithContext(context.Background())
	done := make(chan struct{})
	g.Go(func() error { return errors.New("boom") })
	g.Go(func() error {
		select {
		case <-gctx.Done():
			close(done)
			return nil
		case <-time.After(250 * time.Millisecond):
			t.Error("expected cancel propagation")
			return nil
		}
	})
	if err := g.Wait(); err == nil {
		t.Fatal("expected error")
	}
	select {
	case <-done:
	case <-time.After(150 * time.Millisecond):
		t.Fatal("ctx was not canceled")
	}
}

func TestWithContextParentDeadline(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	g, gctx := WithContext(ctx)
	g.Go(func() error {
		<-gctx.Done()
		return gctx.Err()
	})
	if err := g.Wait(); err == nil {
		t.Fatal("expected deadline error")
	}
}

func TestGroupScopeOptions(t *testing.T) {
	t.Parallel()
	g, _ := WithContext(context.Background(), scope.WithName("batch-7"))
	g.Go(func() error { return nil })
	if err := g.Wait(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := g.Scope().Name(); got != "batch-7" {
		t.Fatalf("Scope().Name() = %q, want %q", got, "batch-7")
	}
}

func TestGroupLeakReportable(t *testing.T) {
	t.Parallel()
	stop := make(chan struct{})
	started := make(chan struct{})
	var exited sync.WaitGroup
	exited.Add(1)

	g, gctx := WithContext(context.Background())
	g.Go(func() error {
		scope.GoWithName(gctx, "stray-worker", func(_ context.Context) {
			defer exited.Done()
			close(started)
			<-stop
		})
		return nil
	})
	if err := g.Wait(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	<-started

	err := leakcheck.ReportLeaked(g.Scope())
	if err == nil {
		t.Fatal("expected a leak report for the stray worker")
	}
	if !strings.Contains(err.Error(), "stray-worker") {
		t.Fatalf("report does not mention the stray worker: %v", err)
	}

	close(stop)
	exited.Wait()
}
