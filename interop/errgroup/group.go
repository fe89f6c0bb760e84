// Package errgroup provides an adapter that mimics golang.org/x/sync/errgroup
// semantics on top of a named scope. Groups built this way stay enumerable:
// the underlying scope is exposed so callers can run a leak report against it
// after Wait.
package errgroup

import (
	"context"

	"github.com/groupscope/leakscope/scope"
)

// Group is an errgroup-like wrapper over scope.Scope (FailFast).
type Group struct {
	s   *scope.Scope
	ctx context.Context
}

// WithContext creates a Group bound to ctx. The returned context is canceled
// when any function passed to Go returns a non-nil error. Scope options such
// as scope.WithName or scope.WithObserver apply to the underlying scope.
func WithContext(ctx context.Context, opts ...scope.Option) (*Group, context.Context) {
	s := scope.New(ctx, scope.FailFast, opts...)
	g := &Group{s: s, ctx: s.Context()}
	return g, g.ctx
}

// Go starts a function. It should return a non-nil error to signal failure.
// The goroutine carries the group's scope label.
func (g *Group) Go(f func() error) {
	if f == nil {
		return
	}
	g.s.Go(func(context.Context) error {
		return f()
	})
}

// Wait blocks until all functions have returned. It returns the first
// non-nil error (FailFast semantics) or nil on success.
func (g *Group) Wait() error {
	return g.s.Wait()
}

// Scope returns the group's underlying scope, typically to hand to
// leakcheck.ReportLeaked once the group is done.
func (g *Group) Scope() *scope.Scope {
	return g.s
}
