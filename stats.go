package cachering

import "sync/atomic"

// stats holds the observability counters. Transient failures that are
// absorbed locally only show up here.
type stats struct {
	hits                atomic.Uint64
	misses              atomic.Uint64
	staleServes         atomic.Uint64
	originFetches       atomic.Uint64
	lockTimeouts        atomic.Uint64
	degradedFetches     atomic.Uint64
	coordinationErrors  atomic.Uint64
	migrationCopies     atomic.Uint64
	migrationFailures   atomic.Uint64
	migrationIncomplete atomic.Uint64
}

func (s *stats) snapshot() Stats {
	return Stats{
		Hits:                s.hits.Load(),
		Misses:              s.misses.Load(),
		StaleServes:         s.staleServes.Load(),
		OriginFetches:       s.originFetches.Load(),
		LockTimeouts:        s.lockTimeouts.Load(),
		DegradedFetches:     s.degradedFetches.Load(),
		CoordinationErrors:  s.coordinationErrors.Load(),
		MigrationCopies:     s.migrationCopies.Load(),
		MigrationFailures:   s.migrationFailures.Load(),
		MigrationIncomplete: s.migrationIncomplete.Load(),
	}
}
