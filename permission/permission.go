// Package permission implements the Permission Endpoint (component D): the
// next? poll that answers each process with GO, WAIT, or REFRESH.
package permission

import (
	"context"
	"fmt"

	"github.com/lbbence95/macrostepd/coordinator"
	"github.com/lbbence95/macrostepd/macroerr"
	"github.com/lbbence95/macrostepd/metrics"
	"github.com/lbbence95/macrostepd/model"
	"github.com/lbbence95/macrostepd/store"
)

// Result is the Permission Endpoint's tri-state outcome (§4.2), mapped by
// the HTTP layer to 200/204/205.
type Result int

const (
	Go Result = iota
	Wait
	Refresh
)

func (r Result) String() string {
	switch r {
	case Go:
		return "GO"
	case Wait:
		return "WAIT"
	case Refresh:
		return "REFRESH"
	default:
		return fmt.Sprintf("Result(%d)", int(r))
	}
}

// Service answers next? polls against current Instance Store state.
type Service struct {
	Instances store.InstanceStore
	// Metrics is optional; a nil value disables metric recording.
	Metrics *metrics.Collectors
}

// New constructs a permission Service.
func New(instances store.InstanceStore) *Service {
	return &Service{Instances: instances}
}

// Decide implements the rule of §4.2, evaluated against one read of current
// store state (§5: "this is why the coordinator re-checks in a loop rather
// than trusting a one-shot read" — callers under contention should retry).
func (s *Service) Decide(ctx context.Context, instance model.InstanceID, proc model.ProcessID) (Result, error) {
	self, err := s.Instances.LoadProcess(ctx, instance, proc)
	if err != nil {
		return Wait, macroerr.Wrap(macroerr.Validation, "permission.Decide", "unknown process", macroerr.ErrProcessNotFound)
	}

	procs, err := s.Instances.ListProcesses(ctx, instance)
	if err != nil {
		return Wait, macroerr.Wrap(macroerr.External, "permission.Decide", "failed to list processes", err)
	}

	result, err := s.decide(procs, self)
	if err != nil {
		return Wait, err
	}

	if inst, err := s.Instances.LoadInstance(ctx, instance); err == nil {
		s.Metrics.RecordPermissionResult(inst.AppName, result.String())
	}
	return result, nil
}

func (s *Service) decide(procs []model.Process, self model.Process) (Result, error) {
	if coordinator.IsRootState(procs) {
		return Wait, nil // rule 2
	}

	if coordinator.IsCGS(procs) {
		if coordinator.IsRefreshCompleted(procs) {
			if self.Permit {
				return Go, nil // rule 3a, permitted
			}
			return Wait, nil // rule 3a, not permitted
		}
		// rule 3b
		if self.Refreshed {
			return Wait, nil
		}
		return Refresh, nil
	}

	// rule 4: inconsistent, at least one process still permitted and moving
	if self.Permit {
		return Go, nil
	}
	return Wait, nil
}
