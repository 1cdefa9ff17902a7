package cache

// Stats holds performance metrics for the result cache.
type Stats struct {
	Hits    int64   `json:"hits"`
	Misses  int64   `json:"misses"`
	Stale   int64   `json:"stale"`
	Errors  int64   `json:"errors"`
	HitRate float64 `json:"hit_rate"`
	Backend string  `json:"backend"`
}

// GetStats returns current cache metrics. Counters are read atomically.
func (s *Store) GetStats() Stats {
	hits := s.hits.Load()
	misses := s.misses.Load()

	var hitRate float64
	if total := hits + misses; total > 0 {
		hitRate = float64(hits) / float64(total)
	}

	stats := Stats{
		Hits:    hits,
		Misses:  misses,
		Stale:   s.stale.Load(),
		Errors:  s.errors.Load(),
		HitRate: hitRate,
		Backend: "disabled",
	}
	if n, ok := s.backend.(interface{ Name() string }); ok {
		stats.Backend = n.Name()
	}
	return stats
}
