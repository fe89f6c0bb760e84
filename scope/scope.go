package scope

import (
	"context"
	"fmt"
	"runtime/pprof"
	"sync"
	"sync/atomic"
	"time"
)

// Label keys attached to goroutines running within a scope. The scope label
// is inherited by every goroutine spawned inside a task, so enumeration sees
// workers started by third-party code too.
const (
	labelScope     = "leakscope.scope"
	labelGoroutine = "leakscope.goroutine"
)

// nameSeq feeds default scope names. Process-wide so two scopes never share
// a name even when created concurrently.
var nameSeq atomic.Int64

type Policy int

const (
	FailFast Policy = iota
	Supervisor
)

type Option func(*Options)

type Options struct {
	Name           string
	PanicAsError   bool
	Observer       Observer
	MaxConcurrency int
}

func defaultOptions() Options { return Options{PanicAsError: true} }

// WithName fixes the scope's name instead of generating one. Names identify
// the scope in goroutine labels and leak reports, so they must be unique for
// the lifetime of the goroutines they tag.
func WithName(name string) Option { return func(o *Options) { o.Name = name } }

func WithPanicAsError(v bool) Option { return func(o *Options) { o.PanicAsError = v } }

func WithObserver(obs Observer) Option { return func(o *Options) { o.Observer = obs } }

func WithMaxConcurrency(n int) Option { return func(o *Options) { o.MaxConcurrency = n } }

type Observer interface {
	ScopeCreated(ctx context.Context, name string)
	ScopeCancelled(ctx context.Context, cause error)
	ScopeJoined(ctx context.Context, wait time.Duration)
	TaskStarted(ctx context.Context)
	TaskFinished(ctx context.Context, dur time.Duration, err error, panicked bool)
}

type Scope struct {
	name     string
	ctx      context.Context
	cancel   context.CancelFunc
	policy   Policy
	wg       sync.WaitGroup
	mu       sync.Mutex
	firstErr error
	canceled bool

	opts Options
	obs  Observer
	lim  Limiter
}

// New creates a scope. Unless WithName is given, the scope is named
// "scope-<n>" from a process-wide counter so names never collide across
// concurrent or sequential scopes.
func New(parent context.Context, policy Policy, optFns ...Option) *Scope {
	if parent == nil {
		parent = context.Background()
	}
	opts := defaultOptions()
	for _, fn := range optFns {
		fn(&opts)
	}
	name := opts.Name
	if name == "" {
		name = fmt.Sprintf("scope-%d", nameSeq.Add(1))
	}
	ctx, cancel := context.WithCancel(parent)
	ctx = pprof.WithLabels(ctx, pprof.Labels(labelScope, name))
	s := &Scope{name: name, ctx: ctx, cancel: cancel, policy: policy, opts: opts}
	s.obs = s.opts.Observer
	if s.opts.MaxConcurrency > 0 {
		s.lim = newSemaphoreLimiter(s.opts.MaxConcurrency)
	}
	if s.obs != nil {
		s.obs.ScopeCreated(ctx, name)
	}
	return s
}

// Name returns the scope's unique name.
func (s *Scope) Name() string { return s.name }

// Context returns the scope context. It carries the scope label, so passing
// it to GoWithName keeps spawned goroutines enumerable.
func (s *Scope) Context() context.Context { return s.ctx }

// Go spawns a task goroutine into the scope. The task goroutine and every
// goroutine it starts, directly or through code it calls, carry the scope
// label until they exit.
func (s *Scope) Go(fn func(ctx context.Context) error) {
	s.spawn("", fn)
}

// GoNamed is Go with an explicit goroutine name. Named goroutines show up
// under that name in enumeration, which is what denylists match against.
func (s *Scope) GoNamed(name string, fn func(ctx context.Context) error) {
	s.spawn(name, fn)
}

// GoWithName starts fn on its own goroutine labeled name. Labels already on
// ctx are preserved, so when ctx descends from a scope task the goroutine
// keeps the scope label and stays enumerable. With a plain background context
// only the name label is applied.
func GoWithName(ctx context.Context, name string, fn func(ctx context.Context)) {
	if fn == nil {
		return
	}
	if ctx == nil {
		ctx = context.Background()
	}
	go pprof.Do(ctx, pprof.Labels(labelGoroutine, name), fn)
}

func (s *Scope) spawn(name string, fn func(ctx context.Context) error) {
	if fn == nil {
		return
	}
	ctx := s.ctx
	if name != "" {
		ctx = pprof.WithLabels(ctx, pprof.Labels(labelGoroutine, name))
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		pprof.SetGoroutineLabels(ctx)
		if s.lim != nil {
			if err := s.lim.Acquire(ctx); err != nil {
				s.fail(err)
				return
			}
			defer s.lim.Release()
		}
		defer func() {
			if r := recover(); r != nil {
				if s.opts.PanicAsError {
					err := fmt.Errorf("panic: %v", r)
					s.fail(err)
					if s.obs != nil {
						s.obs.TaskFinished(ctx, 0, err, true)
					}
				} else {
					if s.obs != nil {
						s.obs.TaskFinished(ctx, 0, nil, true)
					}
					panic(r)
				}
			}
		}()

		var start time.Time
		if s.obs != nil {
			start = time.Now()
			s.obs.TaskStarted(ctx)
		}

		err := fn(ctx)
		if err != nil {
			s.fail(err)
		}
		if s.obs != nil {
			s.obs.TaskFinished(ctx, time.Since(start), err, false)
		}
	}()
}

func (s *Scope) Cancel(err error) {
	s.mu.Lock()
	wasCanceled := s.canceled
	s.canceled = true
	if s.firstErr == nil && err != nil {
		s.firstErr = err
	}
	cause := s.firstErr
	s.mu.Unlock()

	if !wasCanceled {
		s.cancel()
		if s.obs != nil {
			s.obs.ScopeCancelled(s.ctx, cause)
		}
	} else {
		s.cancel()
	}
}

// Wait blocks until every task spawned into the scope has finished and
// returns the first task error, if any. The scope resolves exactly once;
// repeated Wait calls return the same outcome.
func (s *Scope) Wait() error {
	var start time.Time
	if s.obs != nil {
		start = time.Now()
	}
	s.wg.Wait()
	if s.obs != nil {
		s.obs.ScopeJoined(s.ctx, time.Since(start))
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.firstErr
}

func (s *Scope) fail(err error) {
	if err == nil {
		return
	}
	s.mu.Lock()
	if s.firstErr == nil {
		s.firstErr = err
	}
	shouldCancel := s.policy == FailFast
	cause := s.firstErr
	s.mu.Unlock()
	if shouldCancel {
		s.Cancel(cause)
	}
}

// Child creates a nested scope named "<parent>/<name>". Goroutines in child
// scopes count as part of the parent during enumeration, mirroring how the
// parent's cancellation reaches child tasks.
func (s *Scope) Child(policy Policy, optFns ...Option) *Scope {
	childOpts := s.opts
	childOpts.Name = ""
	childOpts.Observer = s.opts.Observer
	for _, fn := range optFns {
		fn(&childOpts)
	}
	name := childOpts.Name
	if name == "" {
		name = fmt.Sprintf("scope-%d", nameSeq.Add(1))
	}
	name = s.name + "/" + name
	ctx, cancel := context.WithCancel(s.ctx)
	ctx = pprof.WithLabels(ctx, pprof.Labels(labelScope, name))
	cs := &Scope{name: name, ctx: ctx, cancel: cancel, policy: policy, opts: childOpts, obs: childOpts.Observer}
	if childOpts.MaxConcurrency > 0 {
		cs.lim = newSemaphoreLimiter(childOpts.MaxConcurrency)
	}
	if cs.obs != nil {
		cs.obs.ScopeCreated(ctx, name)
	}
	return cs
}
