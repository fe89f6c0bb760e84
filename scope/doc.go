// Package scope provides named, enumerable concurrency scopes.
// Scopes own the tasks they spawn, provide a join point (Wait), and
// propagate cancellation and errors predictably according to a policy.
//
// Every goroutine spawned within a scope, directly or transitively, carries
// the scope's pprof label and can be listed afterwards via Goroutines. This
// makes a scope the unit of accounting for goroutine-leak checks: run work
// inside a scope, join it, then ask the scope what is still alive.
package scope
