package session

import (
	"context"
	"fmt"
	"sort"

	"github.com/lbbence95/macrostepd/eval"
	"github.com/lbbence95/macrostepd/model"
	"github.com/lbbence95/macrostepd/store"
)

// stateVectorOf builds a canonical StateVector from a process list, ordered
// stably by (name, process id) per I1.
func stateVectorOf(procs []model.Process) model.StateVector {
	sorted := make([]model.Process, len(procs))
	copy(sorted, procs)
	sort.Slice(sorted, func(i, j int) bool {
		if sorted[i].Name != sorted[j].Name {
			return sorted[i].Name < sorted[j].Name
		}
		return sorted[i].ID < sorted[j].ID
	})
	sv := make(model.StateVector)
	for _, p := range sorted {
		sv[p.Name] = append(sv[p.Name], p.CurrBP)
	}
	return sv
}

// ordinalOf returns procID's 1-indexed position within its type, per the
// same (name, id) ordering stateVectorOf uses.
func ordinalOf(procs []model.Process, procID model.ProcessID) int {
	sorted := make([]model.Process, len(procs))
	copy(sorted, procs)
	sort.Slice(sorted, func(i, j int) bool {
		if sorted[i].Name != sorted[j].Name {
			return sorted[i].Name < sorted[j].Name
		}
		return sorted[i].ID < sorted[j].ID
	})
	ordinals := make(map[string]int, len(sorted))
	for _, p := range sorted {
		ordinals[p.Name]++
		if p.ID == procID {
			return ordinals[p.Name]
		}
	}
	return 0
}

// processNameOf returns the type name of procID within procs.
func processNameOf(procs []model.Process, procID model.ProcessID) string {
	for _, p := range procs {
		if p.ID == procID {
			return p.Name
		}
	}
	return ""
}

// notFinishedCount counts processes not yet finished, the branch factor I4
// classifies a node by.
func notFinishedCount(procs []model.Process) int {
	count := 0
	for _, p := range procs {
		if !p.Finished {
			count++
		}
	}
	return count
}

// sampleOf loads each process's latest breakpoint payload into an
// eval.Sample keyed by (type, ordinal, variable).
func sampleOf(ctx context.Context, instances store.InstanceStore, instance model.InstanceID, procs []model.Process) eval.Sample {
	sorted := make([]model.Process, len(procs))
	copy(sorted, procs)
	sort.Slice(sorted, func(i, j int) bool {
		if sorted[i].Name != sorted[j].Name {
			return sorted[i].Name < sorted[j].Name
		}
		return sorted[i].ID < sorted[j].ID
	})

	sample := make(eval.Sample)
	ordinals := make(map[string]int, len(sorted))
	for _, p := range sorted {
		ordinals[p.Name]++
		ordinal := ordinals[p.Name]

		bps, err := instances.ListBreakpoints(ctx, instance, p.ID)
		if err != nil || len(bps) == 0 {
			continue
		}
		latest := bps[len(bps)-1]

		if _, ok := sample[p.Name]; !ok {
			sample[p.Name] = make(map[int]map[string]string)
		}
		vars := make(map[string]string, len(latest.Payload))
		for k, v := range latest.Payload {
			vars[k] = toString(v)
		}
		sample[p.Name][ordinal] = vars
	}
	return sample
}

func toString(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case nil:
		return ""
	default:
		return fmt.Sprintf("%v", t)
	}
}
