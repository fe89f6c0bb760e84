// Package leakcheck verifies that a resource's create-exercise-close
// lifecycle does not leave goroutines behind.
//
// Check runs the lifecycle twice: once on the caller's goroutine to absorb
// one-time global initialization, then again inside a fresh isolation scope
// whose surviving goroutines are enumerated after the resource is closed.
// Goroutines named after known, externally managed infrastructure are
// filtered out by a denylist; anything else still alive fails the check with
// its full stack trace.
package leakcheck
