package session

import (
	"sort"

	"github.com/lbbence95/macrostepd/model"
)

// candidate is one non-finished process eligible to be stepped next.
type candidate struct {
	proc    model.Process
	ordinal int // 1-indexed position within its type, per I1's stable ordering
}

// orderedCandidates lists every non-finished process of procs, ordered by
// (type name, process id) per I1, each carrying its 1-indexed ordinal within
// its type.
func orderedCandidates(procs []model.Process) []candidate {
	sorted := make([]model.Process, len(procs))
	copy(sorted, procs)
	sort.Slice(sorted, func(i, j int) bool {
		if sorted[i].Name != sorted[j].Name {
			return sorted[i].Name < sorted[j].Name
		}
		return sorted[i].ID < sorted[j].ID
	})

	ordinals := make(map[string]int, len(sorted))
	var out []candidate
	for _, p := range sorted {
		ordinals[p.Name]++
		if !p.Finished {
			out = append(out, candidate{proc: p, ordinal: ordinals[p.Name]})
		}
	}
	return out
}

// SelectABC implements the ABC process-selection policy of §4.5: given the
// instance's current state vector and the set of state vectors already
// traversed from the current tree node, pick the process id of the first
// candidate whose hypothetical next state (its own breakpoint advanced by
// one) is not among the traversed states, scanning candidates in the stable (process type
// name, process id) order I1 mandates. If exactly one process is unfinished,
// it is returned with no further search (no branching choice to make). If no
// untraversed hypothetical next-state exists among non-finished processes
// (every sibling already explored), the first candidate in that same stable
// order is returned as a fallback so the session always makes progress.
func SelectABC(procs []model.Process, current model.StateVector, traversed []model.StateVector) model.ProcessID {
	candidates := orderedCandidates(procs)
	if len(candidates) == 0 {
		return ""
	}
	if len(candidates) == 1 {
		return candidates[0].proc.ID
	}

	for _, c := range candidates {
		hypothetical := current.Clone()
		hypothetical[c.proc.Name][c.ordinal-1]++
		if !containsState(traversed, hypothetical) {
			return c.proc.ID
		}
	}

	// Every hypothetical next state has already been traversed from here;
	// fall back to the first candidate so the caller still steps forward.
	return candidates[0].proc.ID
}

func containsState(states []model.StateVector, target model.StateVector) bool {
	for _, s := range states {
		if s.Equal(target) {
			return true
		}
	}
	return false
}
