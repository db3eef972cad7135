package scheduler

import "github.com/italolelis/mirror_downloader/internal/slot"

// Selection is the answer of the mirror selector for one request.
type Selection int

const (
	// SelectOK means a mirror was chosen and its server slot is held.
	SelectOK Selection = iota
	// SelectWait means untried healthy mirrors exist but all are saturated.
	SelectWait
	// SelectExhausted means no untried healthy mirror is left.
	SelectExhausted
)

func (s Selection) String() string {
	switch s {
	case SelectOK:
		return "ok"
	case SelectWait:
		return "wait"
	case SelectExhausted:
		return "exhausted"
	default:
		return "unknown"
	}
}

// selectMirror walks the candidates in the order they were given and takes the
// server slot of the first untried, healthy mirror with free capacity. The
// caller must already hold the repository slot in pair.
func selectMirror(a *attempt, pair *slot.Pair, threshold int) (int, Selection) {
	saturated := false

	for i, srv := range a.servers {
		if a.tried[i] || !srv.Healthy(threshold) {
			continue
		}

		if pair.TryServer(srv.Pool) {
			return i, SelectOK
		}

		saturated = true
	}

	if saturated {
		return -1, SelectWait
	}

	return -1, SelectExhausted
}

// ready reports whether a worker claiming a right now can make progress:
// either it is exhausted and only needs settling, or its repository and at
// least one candidate server have a free slot. The answer is a snapshot.
func ready(a *attempt, threshold int) bool {
	if a.untried(threshold) < 0 {
		return true
	}

	if a.repo.Pool.Available() == 0 {
		return false
	}

	for i, srv := range a.servers {
		if !a.tried[i] && srv.Healthy(threshold) && srv.Pool.Available() > 0 {
			return true
		}
	}

	return false
}
