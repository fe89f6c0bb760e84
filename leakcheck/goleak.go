package leakcheck

import (
	"testing"

	"go.uber.org/goleak"
)

// Scope-local checks catch leaks per resource; the goleak gates below catch
// anything spawned outside a scope over the life of a whole test binary.

// VerifyTestMain wraps goleak.VerifyTestMain with ignore rules for runtime
// machinery that legitimately outlives individual tests.
func VerifyTestMain(m *testing.M, options ...goleak.Option) {
	goleak.VerifyTestMain(m, append(goleakOptions(), options...)...)
}

// VerifyNoLeak registers a whole-process leak check as a test cleanup, so it
// runs after every other cleanup registered by the test.
func VerifyNoLeak(t testing.TB, options ...goleak.Option) {
	t.Cleanup(func() {
		goleak.VerifyNone(t, append(goleakOptions(), options...)...)
	})
}

func goleakOptions() []goleak.Option {
	return []goleak.Option{
		// Idle network pollers linger after closed connections.
		goleak.IgnoreTopFunction("internal/poll.runtime_pollWait"),
	}
}
