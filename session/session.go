// Package session implements the Session Driver (component H): the four
// debugging session kinds of §4.5, each coordinating the Orchestrator
// Adapter, Coordinator, and Tree Manager to advance one instance through the
// execution tree.
package session

import (
	"context"
	"fmt"
	"time"

	"github.com/lbbence95/macrostepd/coordinator"
	"github.com/lbbence95/macrostepd/eval"
	"github.com/lbbence95/macrostepd/graph/emit"
	"github.com/lbbence95/macrostepd/macroerr"
	"github.com/lbbence95/macrostepd/metrics"
	"github.com/lbbence95/macrostepd/model"
	"github.com/lbbence95/macrostepd/orchestrator"
	"github.com/lbbence95/macrostepd/store"
	"github.com/lbbence95/macrostepd/tree"
)

// PollInterval governs the busy-wait cadence of awaitCGS/awaitRoot, mirroring
// the original's polling sleeps, shortened for a Go service loop.
var PollInterval = 2 * time.Second

// DestroyGracePeriod is how long Destroy waits before tearing an instance
// down, the same grace window Stop_debugging_infra gives in-flight reports
// to land before the orchestrator reclaims the VMs.
var DestroyGracePeriod = 5 * time.Second

// Driver runs debugging sessions against one Application.
type Driver struct {
	Instances    store.InstanceStore
	Coordinator  *coordinator.Service
	Tree         *tree.Manager
	Orchestrator orchestrator.Adapter
	Emitter      emit.Emitter
	// Metrics is optional; a nil value disables metric recording.
	Metrics *metrics.Collectors
}

// New constructs a session Driver.
func New(instances store.InstanceStore, coord *coordinator.Service, treeMgr *tree.Manager, orch orchestrator.Adapter, emitter emit.Emitter) *Driver {
	if emitter == nil {
		emitter = emit.NewNullEmitter()
	}
	return &Driver{Instances: instances, Coordinator: coord, Tree: treeMgr, Orchestrator: orch, Emitter: emitter}
}

// NewInstance starts a fresh instance of app, waits for it to reach Root
// State, cross-checks the orchestrator-reported process-type set against
// the Application's declared types (§12's supplemented safety check), and
// either creates or adopts the Application's root Collective Breakpoint.
func (d *Driver) NewInstance(ctx context.Context, app model.Application) (model.InstanceID, error) {
	orchID, err := d.Orchestrator.Start(ctx, app.OrchestratorURL, app.InfraDescriptorRef)
	if err != nil {
		return "", macroerr.Wrap(macroerr.External, "session.NewInstance", "failed to start infrastructure instance", err)
	}
	instance := model.InstanceID(orchID)

	if err := d.Instances.CreateInstance(ctx, model.Instance{ID: instance, AppName: app.Name, CreatedAt: time.Now()}); err != nil {
		return "", macroerr.Wrap(macroerr.External, "session.NewInstance", "failed to register instance", err)
	}

	if err := d.awaitRoot(ctx, app, instance); err != nil {
		return "", err
	}

	procs, err := d.Instances.ListProcesses(ctx, instance)
	if err != nil {
		return "", macroerr.Wrap(macroerr.External, "session.NewInstance", "failed to list processes", err)
	}
	state := stateVectorOf(procs)

	rootID, err := d.Tree.EnsureRoot(ctx, app.Name, state)
	if err != nil {
		return "", err
	}
	if stored, err := d.Instances.LoadApplication(ctx, app.Name); err == nil {
		if err := d.Tree.ReconcileRoot(ctx, app.Name, stored.RootNodeID, stored.CurrentNodeID, rootID, d.Instances); err != nil {
			return "", err
		}
	}
	if err := d.Instances.SetInstanceCurrentNode(ctx, instance, rootID); err != nil {
		return "", macroerr.Wrap(macroerr.External, "session.NewInstance", "failed to set instance's current node", err)
	}

	d.Emitter.Emit(emit.Event{Msg: "instance_started", InstanceID: string(instance), ApplicationName: app.Name})
	d.reportActiveInstances(ctx)
	return instance, nil
}

// reportActiveInstances refreshes the active_instances gauge from the
// current Instance Store contents; best-effort, never fails the caller.
func (d *Driver) reportActiveInstances(ctx context.Context) {
	if d.Metrics == nil {
		return
	}
	ids, err := d.Instances.ListInstances(ctx)
	if err != nil {
		return
	}
	active := 0
	for _, id := range ids {
		inst, err := d.Instances.LoadInstance(ctx, id)
		if err == nil && !inst.Finished {
			active++
		}
	}
	d.Metrics.SetActiveInstances(active)
}

// awaitRoot polls the orchestrator for its reported process set and the
// instance store for Root State, cross-checking that the set of process
// type names that actually registered matches the Application's declared
// ProcessTypes. A mismatch is an External error: the instance is destroyed
// and a descriptive error is returned, rather than letting the session
// silently debug an infrastructure that doesn't match its descriptor.
func (d *Driver) awaitRoot(ctx context.Context, app model.Application, instance model.InstanceID) error {
	for {
		handles, err := d.Orchestrator.CheckProcesses(ctx, app.OrchestratorURL, string(instance))
		if err != nil {
			return macroerr.Wrap(macroerr.External, "session.awaitRoot", "failed to poll orchestrator process states", err)
		}
		if allRegistered(ctx, d.Instances, instance, handles) {
			break
		}
		if err := sleep(ctx, PollInterval); err != nil {
			return err
		}
	}

	for {
		procs, err := d.Instances.ListProcesses(ctx, instance)
		if err != nil {
			return macroerr.Wrap(macroerr.External, "session.awaitRoot", "failed to list processes", err)
		}
		if coordinator.IsRootState(procs) {
			if mismatch := typeSetMismatch(app.ProcessTypes, procs); mismatch != nil {
				_ = d.Destroy(ctx, app, instance)
				return macroerr.Wrap(macroerr.External, "session.awaitRoot", mismatch.Error(), mismatch)
			}
			return nil
		}
		if err := sleep(ctx, PollInterval); err != nil {
			return err
		}
	}
}

func allRegistered(ctx context.Context, instances store.InstanceStore, instance model.InstanceID, handles []orchestrator.ProcessHandle) bool {
	if len(handles) == 0 {
		return false
	}
	for _, h := range handles {
		if _, err := instances.LoadProcess(ctx, instance, model.ProcessID(h.ID)); err != nil {
			return false
		}
	}
	return true
}

func typeSetMismatch(declared []string, procs []model.Process) error {
	want := make(map[string]bool, len(declared))
	for _, t := range declared {
		want[t] = true
	}
	got := make(map[string]bool, len(procs))
	for _, p := range procs {
		got[p.Name] = true
	}
	if len(want) != len(got) {
		return fmt.Errorf("session: process type set mismatch, declared %v, registered %v", declared, got)
	}
	for t := range want {
		if !got[t] {
			return fmt.Errorf("session: process type set mismatch, declared %v, registered %v", declared, got)
		}
	}
	return nil
}

// Destroy waits DestroyGracePeriod, letting any in-flight submit land, then
// tears the instance down and removes it from the Instance Store.
func (d *Driver) Destroy(ctx context.Context, app model.Application, instance model.InstanceID) error {
	if err := sleep(ctx, DestroyGracePeriod); err != nil {
		return err
	}
	if err := d.Orchestrator.Destroy(ctx, app.OrchestratorURL, string(instance)); err != nil {
		return macroerr.Wrap(macroerr.External, "session.Destroy", "failed to destroy instance", err)
	}
	if err := d.Instances.DeleteInstance(ctx, instance); err != nil {
		return macroerr.Wrap(macroerr.External, "session.Destroy", "failed to remove instance record", err)
	}
	d.Emitter.Emit(emit.Event{Msg: "instance_destroyed", InstanceID: string(instance), ApplicationName: app.Name})
	d.reportActiveInstances(ctx)
	return nil
}

// awaitCGS polls until instance reaches Consistent Global State.
func (d *Driver) awaitCGS(ctx context.Context, instance model.InstanceID) ([]model.Process, error) {
	for {
		procs, err := d.Instances.ListProcesses(ctx, instance)
		if err != nil {
			return nil, macroerr.Wrap(macroerr.External, "session.awaitCGS", "failed to list processes", err)
		}
		if coordinator.IsCGS(procs) {
			return procs, nil
		}
		if err := sleep(ctx, PollInterval); err != nil {
			return nil, err
		}
	}
}

// recordStep permits procID alone, waits for CGS, then inserts-or-dedupes
// the resulting state into app's execution tree and advances the instance's
// current node, evaluating ev against the sampled payload if non-nil.
func (d *Driver) recordStep(ctx context.Context, app model.Application, instance model.InstanceID, procID model.ProcessID, ev *eval.Evaluator) (model.NodeID, bool, error) {
	start := time.Now()
	if err := d.Coordinator.PermitSet(ctx, instance, []model.ProcessID{procID}); err != nil {
		return "", false, err
	}

	procs, err := d.awaitCGS(ctx, instance)
	if err != nil {
		return "", false, err
	}

	inst, err := d.Instances.LoadInstance(ctx, instance)
	if err != nil {
		return "", false, macroerr.Wrap(macroerr.External, "session.recordStep", "failed to load instance", err)
	}

	steppedOrdinal := ordinalOf(procs, procID)
	state := stateVectorOf(procs)
	notFinished := notFinishedCount(procs)

	nodeID, created, err := d.Tree.Step(ctx, app.Name, instance, inst.CurrentNodeID, state, processNameOf(procs, procID), steppedOrdinal, notFinished)
	if err != nil {
		return "", false, err
	}
	if err := d.Instances.SetInstanceCurrentNode(ctx, instance, nodeID); err != nil {
		return "", false, macroerr.Wrap(macroerr.External, "session.recordStep", "failed to advance instance's current node", err)
	}

	if ev != nil {
		sample := sampleOf(ctx, d.Instances, instance, procs)
		if err := d.Tree.EvaluateAndAttach(ctx, app.Name, nodeID, ev, sample); err != nil {
			return nodeID, created, err
		}
	}

	if notFinished == 0 {
		if err := d.Instances.SetInstanceFinished(ctx, instance, true); err != nil {
			return nodeID, created, macroerr.Wrap(macroerr.External, "session.recordStep", "failed to mark instance finished", err)
		}
	}

	d.Metrics.RecordMacrostepLatency(app.Name, time.Since(start))
	return nodeID, created, nil
}

func sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
