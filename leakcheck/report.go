package leakcheck

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/groupscope/leakscope/scope"
)

// leakedHeader prefixes every leak failure message.
const leakedHeader = "Threads leaked:\n"

// Re-enumeration schedule for goroutines observed mid-exit: a goroutine that
// has passed its last synchronization point may still show up in one profile
// snapshot, so a non-empty report is confirmed before it is believed.
const (
	reportAttempts   = 10
	reportBackoffMin = 2 * time.Millisecond
	reportBackoffMax = 100 * time.Millisecond
)

// Scope is the capability the reporter needs from an isolation scope.
type Scope interface {
	Name() string
	Goroutines() ([]scope.Goroutine, error)
}

// Leak is one surviving goroutine group in a report.
type Leak struct {
	Name  string
	Count int64
	Stack string
}

// LeakError reports goroutines that outlived the resource lifecycle. It is
// a distinct type so callers can tell "the code under test failed" apart
// from "a leak was detected" with errors.As.
type LeakError struct {
	Scope string
	Leaks []Leak
}

func (e *LeakError) Error() string {
	traces := make([]string, len(e.Leaks))
	for i, l := range e.Leaks {
		traces[i] = fmt.Sprintf("goroutine %q [scope %s, count %d]:\n%s", l.Name, e.Scope, l.Count, l.Stack)
	}
	return leakedHeader + strings.Join(traces, "\n")
}

// ReportLeaked fails with a *LeakError when goroutines are still alive in s,
// excluding denylisted names and the calling goroutine. Callers that manage
// their own scopes can use it directly; Check runs it automatically after
// the measured pass.
func ReportLeaked(s Scope) error {
	return reportLeaked(s, Default())
}

func reportLeaked(s Scope, deny Denylist) error {
	var leaks []Leak
	backoff := reportBackoffMin
	for attempt := 0; attempt < reportAttempts; attempt++ {
		if attempt > 0 {
			time.Sleep(backoff)
			backoff *= 2
			if backoff > reportBackoffMax {
				backoff = reportBackoffMax
			}
		}
		var err error
		leaks, err = survivors(s, deny)
		if err != nil {
			return fmt.Errorf("enumerate scope %s: %w", s.Name(), err)
		}
		if len(leaks) == 0 {
			return nil
		}
	}
	// Sort here rather than trusting enumeration order, so the same set of
	// survivors always produces the same message.
	sort.Slice(leaks, func(i, j int) bool {
		if leaks[i].Name != leaks[j].Name {
			return leaks[i].Name < leaks[j].Name
		}
		return leaks[i].Stack < leaks[j].Stack
	})
	return &LeakError{Scope: s.Name(), Leaks: leaks}
}

func survivors(s Scope, deny Denylist) ([]Leak, error) {
	gs, err := s.Goroutines()
	if err != nil {
		return nil, err
	}
	var leaks []Leak
	for _, g := range gs {
		if deny.Match(g.Name) {
			continue
		}
		stack, ok := g.Trace()
		if !ok {
			// Exited concurrently, or not introspectable. Nothing useful to
			// report, so it does not count as a leak.
			continue
		}
		leaks = append(leaks, Leak{Name: g.Name, Count: g.Count, Stack: stack})
	}
	return leaks, nil
}
