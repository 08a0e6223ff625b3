package session

import (
	"context"
	"sort"

	"github.com/lbbence95/macrostepd/eval"
	"github.com/lbbence95/macrostepd/macroerr"
	"github.com/lbbence95/macrostepd/model"
)

// Freerun permits every non-finished process at once and lets the instance
// run to completion, recording one tree node per round. A round may advance
// several processes, so the node is stored with no stepped process type or
// ordinal; the round in which every process finishes marks the instance
// finished without recording a node (§4.5:
// "Freerun: permit_all each round, record the resulting state, repeat until
// finished").
func (d *Driver) Freerun(ctx context.Context, app model.Application, instance model.InstanceID, ev *eval.Evaluator) error {
	for {
		inst, err := d.Instances.LoadInstance(ctx, instance)
		if err != nil {
			return macroerr.Wrap(macroerr.External, "session.Freerun", "failed to load instance", err)
		}
		if inst.Finished {
			return nil
		}

		if err := d.Coordinator.PermitAll(ctx, instance); err != nil {
			return err
		}
		procs, err := d.awaitCGS(ctx, instance)
		if err != nil {
			return err
		}

		state := stateVectorOf(procs)
		notFinished := notFinishedCount(procs)
		if notFinished == 0 {
			if err := d.Instances.SetInstanceFinished(ctx, instance, true); err != nil {
				return macroerr.Wrap(macroerr.External, "session.Freerun", "failed to mark instance finished", err)
			}
			return nil
		}

		nodeID, _, err := d.Tree.Step(ctx, app.Name, instance, inst.CurrentNodeID, state, "", 0, notFinished)
		if err != nil {
			return err
		}
		if ev != nil {
			sample := sampleOf(ctx, d.Instances, instance, procs)
			if err := d.Tree.EvaluateAndAttach(ctx, app.Name, nodeID, ev, sample); err != nil {
				return err
			}
		}
		if err := d.Instances.SetInstanceCurrentNode(ctx, instance, nodeID); err != nil {
			return macroerr.Wrap(macroerr.External, "session.Freerun", "failed to advance instance's current node", err)
		}
	}
}

// ManualStep permits exactly procID and records the resulting macrostep,
// the operation a manual debugging session's prompt loop drives one process
// choice at a time.
func (d *Driver) ManualStep(ctx context.Context, app model.Application, instance model.InstanceID, procID model.ProcessID, ev *eval.Evaluator) (model.NodeID, error) {
	procs, err := d.Instances.ListProcesses(ctx, instance)
	if err != nil {
		return "", macroerr.Wrap(macroerr.External, "session.ManualStep", "failed to list processes", err)
	}
	proc := findProcess(procs, procID)
	if proc == nil {
		return "", macroerr.New(macroerr.Validation, "session.ManualStep", "no such process in this instance")
	}
	if proc.Finished {
		return "", macroerr.New(macroerr.Validation, "session.ManualStep", "process has already finished")
	}

	nodeID, _, err := d.recordStep(ctx, app, instance, procID, ev)
	return nodeID, err
}

func findProcess(procs []model.Process, id model.ProcessID) *model.Process {
	for i := range procs {
		if procs[i].ID == id {
			return &procs[i]
		}
	}
	return nil
}

// AutomaticRun drives instance to completion using the ABC selection policy
// to pick which process to step at each Collective Breakpoint (§4.5).
func (d *Driver) AutomaticRun(ctx context.Context, app model.Application, instance model.InstanceID, ev *eval.Evaluator) error {
	for {
		inst, err := d.Instances.LoadInstance(ctx, instance)
		if err != nil {
			return macroerr.Wrap(macroerr.External, "session.AutomaticRun", "failed to load instance", err)
		}
		if inst.Finished {
			return nil
		}

		procs, err := d.Instances.ListProcesses(ctx, instance)
		if err != nil {
			return macroerr.Wrap(macroerr.External, "session.AutomaticRun", "failed to list processes", err)
		}
		current := stateVectorOf(procs)

		siblings, err := d.Tree.Trees.Children(ctx, app.Name, inst.CurrentNodeID)
		if err != nil {
			return macroerr.Wrap(macroerr.External, "session.AutomaticRun", "failed to list sibling states", err)
		}
		traversed := make([]model.StateVector, 0, len(siblings))
		for _, s := range siblings {
			traversed = append(traversed, s.State)
		}

		procID := SelectABC(procs, current, traversed)
		if procID == "" {
			return macroerr.New(macroerr.State, "session.AutomaticRun", "no non-finished process to select")
		}

		if _, err := d.ManualStep(ctx, app, instance, procID, ev); err != nil {
			return err
		}
	}
}

// ReplayTo creates a new instance and drives it, one macrostep at a time,
// along the unique path from the execution tree's root to target, returning
// once the instance's current node equals target (§4.5's Replay session;
// grounded on the original's target-state comparison loop, re-expressed as
// repeated NextHopTowardTarget hops rather than raw process-state JSON
// equality).
func (d *Driver) ReplayTo(ctx context.Context, app model.Application, target model.NodeID, ev *eval.Evaluator) (model.InstanceID, error) {
	instance, err := d.NewInstance(ctx, app)
	if err != nil {
		return "", err
	}

	for {
		inst, err := d.Instances.LoadInstance(ctx, instance)
		if err != nil {
			return instance, macroerr.Wrap(macroerr.External, "session.ReplayTo", "failed to load instance", err)
		}
		if inst.CurrentNodeID == target {
			return instance, nil
		}

		hop, err := d.Tree.NextHopTowardTarget(ctx, app.Name, inst.CurrentNodeID, target)
		if err != nil {
			return instance, err
		}
		if hop == "" {
			return instance, macroerr.New(macroerr.Validation, "session.ReplayTo", "target node is not reachable from the current node")
		}

		hopNode, err := d.Tree.Trees.LoadNode(ctx, app.Name, hop)
		if err != nil {
			return instance, macroerr.Wrap(macroerr.External, "session.ReplayTo", "failed to load next-hop node", err)
		}

		procs, err := d.Instances.ListProcesses(ctx, instance)
		if err != nil {
			return instance, macroerr.Wrap(macroerr.External, "session.ReplayTo", "failed to list processes", err)
		}
		procID := procIDForOrdinal(procs, hopNode.SteppedProcessType, hopNode.SteppedOrdinal)
		if procID == "" {
			return instance, macroerr.New(macroerr.Integrity, "session.ReplayTo", "could not resolve the process to step for the next hop")
		}

		if _, _, err := d.recordStep(ctx, app, instance, procID, ev); err != nil {
			return instance, err
		}
	}
}

// procIDForOrdinal returns the id of the process of processType at its
// 1-indexed ordinal position, per I1's stable ordering.
func procIDForOrdinal(procs []model.Process, processType string, ordinal int) model.ProcessID {
	sorted := make([]model.Process, len(procs))
	copy(sorted, procs)
	sort.Slice(sorted, func(i, j int) bool {
		if sorted[i].Name != sorted[j].Name {
			return sorted[i].Name < sorted[j].Name
		}
		return sorted[i].ID < sorted[j].ID
	})

	count := 0
	for _, p := range sorted {
		if p.Name != processType {
			continue
		}
		count++
		if count == ordinal {
			return p.ID
		}
	}
	return ""
}
