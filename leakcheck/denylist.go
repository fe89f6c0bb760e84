package leakcheck

import "strings"

type entry struct {
	match  string
	prefix bool
}

// Denylist names goroutines spawned by infrastructure outside a test's
// control; matching goroutines are never reported as leaks. A Denylist is a
// value: Exact and Prefix return extended copies, so the default list stays
// immutable and lists can be shared across concurrent checks without
// synchronization.
type Denylist struct {
	entries []entry
}

// Exact returns d extended with exact-name matches.
func (d Denylist) Exact(names ...string) Denylist {
	return d.extend(names, false)
}

// Prefix returns d extended with name-prefix matches.
func (d Denylist) Prefix(prefixes ...string) Denylist {
	return d.extend(prefixes, true)
}

func (d Denylist) extend(matches []string, prefix bool) Denylist {
	entries := make([]entry, 0, len(d.entries)+len(matches))
	entries = append(entries, d.entries...)
	for _, m := range matches {
		entries = append(entries, entry{match: m, prefix: prefix})
	}
	return Denylist{entries: entries}
}

// Match reports whether name is denylisted. Unnamed goroutines never match.
func (d Denylist) Match(name string) bool {
	if name == "" {
		return false
	}
	for _, e := range d.entries {
		if e.prefix {
			if strings.HasPrefix(name, e.match) {
				return true
			}
		} else if name == e.match {
			return true
		}
	}
	return false
}

// defaultDenylist covers background workers of shared test and client
// infrastructure that are statically managed and outlive any single
// resource lifecycle.
var defaultDenylist = Denylist{}.
	// Shared test-framework executor.
	Prefix("AbstractTestQueryFramework-").
	// Static data-generation pool.
	Prefix("io.trino.tpch.TextPool-").
	// Static finalizer thread.
	Exact("FileSystemFinalizerService").
	// Static statistics cleaner.
	Exact("org.apache.hadoop.fs.FileSystem$Statistics$StatisticsDataReferenceCleaner").
	// Common pool workers are statically managed, not a leak.
	Prefix("ForkJoinPool.commonPool-worker-").
	// Static delay scheduler.
	Exact("CompletableFutureDelayScheduler").
	// HTTP client library background worker.
	Exact("OkHttp TaskRunner").
	// Container-test resource reaper and wait strategies.
	Exact("testcontainers-ryuk").
	Prefix("testcontainers-wait-").
	// DB client library pools.
	Prefix("ClickHouseWorker-", "ClickHouseScheduler-").
	// Statically managed third-party library workers.
	Exact("JNA Cleaner", "Okio Watchdog", "idle-connection-reaper")

// Default returns the process-wide denylist applied by Check unless
// WithDenylist overrides it.
func Default() Denylist { return defaultDenylist }
