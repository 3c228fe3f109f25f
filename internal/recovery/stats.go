package recovery

import "maps"

// Stats are process-lifetime recovery counters. They never decrease.
type Stats struct {
	TotalErrors int64            `json:"total_errors"`
	Recovered   int64            `json:"recovered"`
	Degraded    int64            `json:"degraded"`
	ByKind      map[string]int64 `json:"by_kind"`
	Successes   map[string]int64 `json:"successes"`
	SuccessRate float64          `json:"success_rate"`
}

func newStats() Stats {
	return Stats{
		ByKind:    make(map[string]int64),
		Successes: make(map[string]int64),
	}
}

func (e *Engine) record(res Result) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.stats.TotalErrors++
	e.stats.ByKind[res.Kind.String()]++
	if res.Success {
		e.stats.Recovered++
		e.stats.Successes[res.Strategy.String()]++
	}
	if res.Degraded {
		e.stats.Degraded++
	}
}

// Stats returns a copy of the counters with the success rate computed.
func (e *Engine) Stats() Stats {
	e.mu.Lock()
	defer e.mu.Unlock()

	s := e.stats
	s.ByKind = maps.Clone(e.stats.ByKind)
	s.Successes = maps.Clone(e.stats.Successes)
	if s.TotalErrors > 0 {
		s.SuccessRate = float64(s.Recovered) / float64(s.TotalErrors)
	}
	return s
}
