package peers

import "errors"

// ErrNoCandidates is returned when a selection has nothing to choose from.
var ErrNoCandidates = errors.New("no candidate peers")

// LeastLoaded returns the candidate with the strictly smallest load. Ties
// resolve to the earliest candidate, so callers pass candidates in registry
// order. load is evaluated once per candidate on every call.
func LeastLoaded(candidates []Peer, load func(Peer) int) (Peer, error) {
	if len(candidates) == 0 {
		return Peer{}, ErrNoCandidates
	}
	best := candidates[0]
	bestLoad := load(best)
	for _, p := range candidates[1:] {
		if l := load(p); l < bestLoad {
			best, bestLoad = p, l
		}
	}
	return best, nil
}

// CountLoad adapts a per-peer session count snapshot to a load function.
func CountLoad(counts map[string]int) func(Peer) int {
	return func(p Peer) int { return counts[p.ID] }
}
