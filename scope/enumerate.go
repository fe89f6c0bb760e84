package scope

import (
	"bytes"
	"errors"
	"fmt"
	"runtime/pprof"
	"sort"
	"strings"

	"github.com/google/pprof/profile"
)

// MaxEnumerate caps how many goroutines a single scope may hold at
// enumeration time. A scope that outgrows it is leaking grossly; refusing to
// enumerate is more honest than truncating the result.
const MaxEnumerate = 256

// ErrScopeOverflow is returned by Goroutines when the scope holds more than
// MaxEnumerate goroutines.
var ErrScopeOverflow = errors.New("scope: too many goroutines to enumerate")

// Goroutine describes a group of live goroutines observed within a scope.
// Goroutines with identical stacks and labels are reported as one entry with
// Count > 1, the way the runtime's goroutine profile aggregates them.
type Goroutine struct {
	// Name is the goroutine's explicit label name when it was started via
	// GoNamed or GoWithName, otherwise the first non-runtime function on its
	// stack, otherwise empty.
	Name string

	// Count is the number of live goroutines in this group.
	Count int64

	// Stack holds the symbolized stack, leaf frame first. Empty when no
	// stack could be captured, which usually means the goroutine was exiting
	// while the profile was taken.
	Stack string
}

// Trace returns the goroutine's stack and whether one was captured.
func (g Goroutine) Trace() (string, bool) {
	if g.Stack == "" {
		return "", false
	}
	return g.Stack, true
}

// Goroutines lists every goroutine currently alive in the scope, including
// those of child scopes. The calling goroutine is never part of the result,
// even when it runs inside the scope itself.
//
// Only goroutines that inherited the scope label are visible. Code that
// installs a fresh label set via pprof.SetGoroutineLabels detaches its
// goroutines from the scope and escapes enumeration.
func (s *Scope) Goroutines() ([]Goroutine, error) {
	return collect(s.name)
}

func collect(scopeName string) ([]Goroutine, error) {
	var buf bytes.Buffer
	if err := pprof.Lookup("goroutine").WriteTo(&buf, 0); err != nil {
		return nil, fmt.Errorf("write goroutine profile: %w", err)
	}
	prof, err := profile.Parse(&buf)
	if err != nil {
		return nil, fmt.Errorf("parse goroutine profile: %w", err)
	}

	var (
		gs    []Goroutine
		total int64
	)
	for _, smp := range prof.Sample {
		if !inScope(smp, scopeName) {
			continue
		}
		if isEnumerator(smp) {
			continue
		}
		n := int64(1)
		if len(smp.Value) > 0 && smp.Value[0] > 0 {
			n = smp.Value[0]
		}
		total += n
		if total > MaxEnumerate {
			return nil, fmt.Errorf("%w: scope %s holds over %d goroutines", ErrScopeOverflow, scopeName, MaxEnumerate)
		}
		gs = append(gs, Goroutine{
			Name:  sampleName(smp),
			Count: n,
			Stack: sampleStack(smp),
		})
	}
	sort.Slice(gs, func(i, j int) bool {
		if gs[i].Name != gs[j].Name {
			return gs[i].Name < gs[j].Name
		}
		return gs[i].Stack < gs[j].Stack
	})
	return gs, nil
}

// isEnumerator reports whether the sample is the goroutine taking this very
// snapshot. Its stack is the only one that can hold collect's own frame while
// the profile is written, so stack inspection tells it apart without touching
// the caller's labels.
func isEnumerator(smp *profile.Sample) bool {
	for _, loc := range smp.Location {
		for _, line := range loc.Line {
			if line.Function != nil && strings.HasSuffix(line.Function.Name, "/scope.collect") {
				return true
			}
		}
	}
	return false
}

// inScope reports whether the sample belongs to the named scope or one of
// its children. Child scopes are named "<parent>/<child>".
func inScope(smp *profile.Sample, scopeName string) bool {
	for _, v := range smp.Label[labelScope] {
		if v == scopeName || strings.HasPrefix(v, scopeName+"/") {
			return true
		}
	}
	return false
}

func sampleName(smp *profile.Sample) string {
	if vs := smp.Label[labelGoroutine]; len(vs) > 0 {
		return vs[0]
	}
	// Fall back to the first frame outside the runtime, the same notion of
	// "top function" leak checkers key on.
	for _, loc := range smp.Location {
		for _, line := range loc.Line {
			fn := line.Function
			if fn == nil || fn.Name == "" {
				continue
			}
			if strings.HasPrefix(fn.Name, "runtime.") {
				continue
			}
			return fn.Name
		}
	}
	return ""
}

func sampleStack(smp *profile.Sample) string {
	var b strings.Builder
	for _, loc := range smp.Location {
		for _, line := range loc.Line {
			fn := line.Function
			if fn == nil || fn.Name == "" {
				continue
			}
			fmt.Fprintf(&b, "%s\n\t%s:%d\n", fn.Name, fn.Filename, line.Line)
		}
	}
	return strings.TrimSuffix(b.String(), "\n")
}
