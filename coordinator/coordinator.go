// Package coordinator implements the per-instance coordination state machine
// (component E): the permit/refresh handshake and consistent-global-state
// detection that §4.3 describes.
package coordinator

import (
	"context"

	"github.com/lbbence95/macrostepd/graph/emit"
	"github.com/lbbence95/macrostepd/macroerr"
	"github.com/lbbence95/macrostepd/model"
	"github.com/lbbence95/macrostepd/store"
)

// Phase is the coordinator's observable state for one instance, as defined
// by §4.3. It is never persisted directly — every transition is derived
// fresh from Instance Store state, per the Design Notes' "transitions are
// driven exclusively by observable Instance Store changes".
type Phase string

const (
	PhaseInit         Phase = "INIT"
	PhaseRoot         Phase = "ROOT"
	PhaseStepping     Phase = "STEPPING"
	PhaseCGSPending   Phase = "CGS_PENDING"
	PhaseCGSRefreshed Phase = "CGS_REFRESHED"
	PhaseFinal        Phase = "FINAL"
)

// IsCGS reports the Consistent Global State predicate: at least one process
// and every process has permit==false.
func IsCGS(procs []model.Process) bool {
	if len(procs) == 0 {
		return false
	}
	for _, p := range procs {
		if p.Permit {
			return false
		}
	}
	return true
}

// IsRootState reports CGS and every process at curr_bp==1.
func IsRootState(procs []model.Process) bool {
	if !IsCGS(procs) {
		return false
	}
	for _, p := range procs {
		if p.CurrBP != 1 {
			return false
		}
	}
	return true
}

// IsRefreshCompleted reports CGS and every process refreshed==true.
func IsRefreshCompleted(procs []model.Process) bool {
	if !IsCGS(procs) {
		return false
	}
	for _, p := range procs {
		if !p.Refreshed {
			return false
		}
	}
	return true
}

// AllFinished reports whether every process in procs is finished. An empty
// set is not considered finished (INIT, before any process has registered).
func AllFinished(procs []model.Process) bool {
	if len(procs) == 0 {
		return false
	}
	for _, p := range procs {
		if !p.Finished {
			return false
		}
	}
	return true
}

// DetectPhase derives the coordinator's current phase from observed store
// state, for logging and for the session driver's polling loops.
func DetectPhase(procs []model.Process, anyPermitted bool) Phase {
	switch {
	case len(procs) == 0:
		return PhaseInit
	case IsRootState(procs):
		return PhaseRoot
	case AllFinished(procs) && IsRefreshCompleted(procs):
		return PhaseFinal
	case IsRefreshCompleted(procs):
		return PhaseCGSRefreshed
	case IsCGS(procs):
		return PhaseCGSPending
	default:
		return PhaseStepping
	}
}

// Service exposes the permit_set/permit_all operations of §4.3.
type Service struct {
	Instances store.InstanceStore
	Emitter   emit.Emitter
}

// New constructs a coordinator Service.
func New(instances store.InstanceStore, emitter emit.Emitter) *Service {
	if emitter == nil {
		emitter = emit.NewNullEmitter()
	}
	return &Service{Instances: instances, Emitter: emitter}
}

// PermitSet marks each of procIDs permit:=true (only for non-finished
// processes) and resets every process's refreshed flag, moving the instance
// from ROOT/CGS_REFRESHED into STEPPING.
func (c *Service) PermitSet(ctx context.Context, instance model.InstanceID, procIDs []model.ProcessID) error {
	if err := c.Instances.SetPermit(ctx, instance, procIDs, true); err != nil {
		return macroerr.Wrap(macroerr.External, "coordinator.PermitSet", "failed to set permit", err)
	}
	if err := c.Instances.ResetRefreshed(ctx, instance); err != nil {
		return macroerr.Wrap(macroerr.External, "coordinator.PermitSet", "failed to reset refreshed", err)
	}
	c.Emitter.Emit(emit.Event{Msg: "permit", InstanceID: string(instance), Meta: map[string]any{"processes": procIDs}})
	return nil
}

// PermitAll permits every non-finished process of instance.
func (c *Service) PermitAll(ctx context.Context, instance model.InstanceID) error {
	procs, err := c.Instances.ListProcesses(ctx, instance)
	if err != nil {
		return macroerr.Wrap(macroerr.External, "coordinator.PermitAll", "failed to list processes", err)
	}
	var ids []model.ProcessID
	for _, p := range procs {
		if !p.Finished {
			ids = append(ids, p.ID)
		}
	}
	return c.PermitSet(ctx, instance, ids)
}

// CurrentState loads and classifies an instance's current phase.
func (c *Service) CurrentState(ctx context.Context, instance model.InstanceID) (Phase, []model.Process, error) {
	procs, err := c.Instances.ListProcesses(ctx, instance)
	if err != nil {
		return PhaseInit, nil, macroerr.Wrap(macroerr.External, "coordinator.CurrentState", "failed to list processes", err)
	}
	anyPermitted := false
	for _, p := range procs {
		if p.Permit {
			anyPermitted = true
			break
		}
	}
	return DetectPhase(procs, anyPermitted), procs, nil
}
