package scheduler

import "time"

// Batch is the result of one Submit call.
type Batch struct {
	ID        string
	StartedAt time.Time
	Elapsed   time.Duration

	outcomes     []Outcome
	repositories []RepositoryStats
	servers      []ServerStats
}

// Summary aggregates the outcomes of a batch.
type Summary struct {
	Total     int           `json:"total"`
	Succeeded int           `json:"succeeded"`
	Failed    int           `json:"failed"`
	Skipped   int           `json:"skipped"`
	Bytes     int64         `json:"bytes"`
	Elapsed   time.Duration `json:"elapsed"`
}

// Results returns one outcome per submitted request, in submission order.
func (b *Batch) Results() []Outcome {
	out := make([]Outcome, len(b.outcomes))
	copy(out, b.outcomes)

	return out
}

// Summary counts the outcomes.
func (b *Batch) Summary() Summary {
	s := Summary{Total: len(b.outcomes), Elapsed: b.Elapsed}

	for _, o := range b.outcomes {
		switch {
		case o.Skipped:
			s.Skipped++
		case o.Succeeded():
			s.Succeeded++
		default:
			s.Failed++
		}

		s.Bytes += o.Bytes
	}

	return s
}

// Repositories returns per-repository pool statistics in first-seen order.
func (b *Batch) Repositories() []RepositoryStats {
	return append([]RepositoryStats(nil), b.repositories...)
}

// Servers returns per-host pool and failure statistics in first-seen order.
func (b *Batch) Servers() []ServerStats {
	return append([]ServerStats(nil), b.servers...)
}

// Server returns the statistics of host.
func (b *Batch) Server(host string) (ServerStats, bool) {
	for _, s := range b.servers {
		if s.Host == host {
			return s, true
		}
	}

	return ServerStats{}, false
}
