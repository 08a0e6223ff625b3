// Package tree implements the Tree Manager and Evaluator orchestration
// (component F): maintaining the forest of Collective Breakpoints on top of
// a store.TreeStore, and the exhaustion-propagation algorithm of §4.4.
package tree

import (
	"context"
	"errors"

	"github.com/lbbence95/macrostepd/eval"
	"github.com/lbbence95/macrostepd/graph/emit"
	"github.com/lbbence95/macrostepd/macroerr"
	"github.com/lbbence95/macrostepd/metrics"
	"github.com/lbbence95/macrostepd/model"
	"github.com/lbbence95/macrostepd/store"
)

// Manager wraps a store.TreeStore with the tree manager's business rules:
// classification at insert, exhaustion propagation, and path queries.
type Manager struct {
	Trees   store.TreeStore
	Emitter emit.Emitter
	// Metrics is optional; a nil value disables metric recording.
	Metrics *metrics.Collectors
}

// New constructs a tree Manager.
func New(trees store.TreeStore, emitter emit.Emitter) *Manager {
	if emitter == nil {
		emitter = emit.NewNullEmitter()
	}
	return &Manager{Trees: trees, Emitter: emitter}
}

// EnsureRoot creates appName's root Collective Breakpoint if none exists, or
// returns the existing one (§4.4: "root is created once, the first time any
// instance of the Application reaches Root State").
func (m *Manager) EnsureRoot(ctx context.Context, appName string, state model.StateVector) (model.NodeID, error) {
	id, err := m.Trees.CreateRoot(ctx, appName, state)
	if err != nil {
		return "", macroerr.Wrap(macroerr.External, "tree.EnsureRoot", "failed to create root", err)
	}
	return id, nil
}

// Step inserts (or dedupes onto) the child of parent reached by stepping
// steppedOrdinal of steppedType forward, classifying the new node by I4 and
// marking it exhausted immediately if it is a final node (no process left to
// step). It records instance's visit and, on fresh exhaustion, propagates
// upward per I5.
func (m *Manager) Step(ctx context.Context, appName string, instance model.InstanceID, parent model.NodeID, state model.StateVector, steppedType string, steppedOrdinal, notFinished int) (model.NodeID, bool, error) {
	id, created, err := m.Trees.InsertOrDedupe(ctx, appName, parent, state, steppedType, steppedOrdinal, notFinished)
	if err != nil {
		return "", false, macroerr.Wrap(macroerr.External, "tree.Step", "failed to insert collective breakpoint", err)
	}

	if err := m.Trees.RecordVisit(ctx, appName, id, instance); err != nil {
		return id, created, macroerr.Wrap(macroerr.External, "tree.Step", "failed to record visit", err)
	}

	if created {
		m.Emitter.Emit(emit.Event{Msg: "node_created", NodeID: string(id), ApplicationName: appName, InstanceID: string(instance), Meta: map[string]any{
			"parent": string(parent), "not_finished": notFinished,
		}})
		if node, err := m.Trees.LoadNode(ctx, appName, id); err == nil {
			m.Metrics.RecordNodeCreated(appName, string(node.Kind))
		}
		if notFinished == 0 {
			if err := m.Trees.SetExhausted(ctx, appName, id, true); err != nil {
				return id, created, macroerr.Wrap(macroerr.External, "tree.Step", "failed to mark final node exhausted", err)
			}
			if err := m.propagateExhaustion(ctx, appName, id); err != nil {
				return id, created, err
			}
		}
	}

	return id, created, nil
}

// ReconcileRoot corrects an Application's cached root id against the
// Execution-Tree Store's authoritative one (controller.py's root_coll_bp
// reconciliation, §12): the store's id always wins. A no-op when they
// already agree.
func (m *Manager) ReconcileRoot(ctx context.Context, appName string, cachedRootID, currentID, actualRootID model.NodeID, instances store.InstanceStore) error {
	if cachedRootID == actualRootID {
		return nil
	}
	if err := instances.SetApplicationNodes(ctx, appName, actualRootID, currentID); err != nil {
		return macroerr.Wrap(macroerr.External, "tree.ReconcileRoot", "failed to correct application root", err)
	}
	m.Emitter.Emit(emit.Event{Msg: "root_reconciled", NodeID: string(actualRootID), ApplicationName: appName, Meta: map[string]any{
		"previous_root": string(cachedRootID),
	}})
	return nil
}

// AttachSample records an evaluator outcome against a node (§4.4's per-node
// collected-data and evaluation log).
func (m *Manager) AttachSample(ctx context.Context, appName string, id model.NodeID, sample model.EvalSample) error {
	if err := m.Trees.AppendSample(ctx, appName, id, sample); err != nil {
		return macroerr.Wrap(macroerr.External, "tree.AttachSample", "failed to append sample", err)
	}
	return nil
}

// propagateExhaustion implements I5/P5: mark deterministic ancestors
// exhausted automatically, then stop at the first root/alternative ancestor
// and check whether every branch from it has now been explored and
// exhausted — recursing upward if so.
func (m *Manager) propagateExhaustion(ctx context.Context, appName string, fromID model.NodeID) error {
	cur, err := m.Trees.LoadNode(ctx, appName, fromID)
	if err != nil {
		return macroerr.Wrap(macroerr.External, "tree.propagateExhaustion", "failed to load node", err)
	}

	for cur.ParentID != "" {
		parent, err := m.Trees.LoadNode(ctx, appName, cur.ParentID)
		if err != nil {
			return macroerr.Wrap(macroerr.External, "tree.propagateExhaustion", "failed to load parent", err)
		}
		if parent.Kind == model.KindRoot || parent.Kind == model.KindAlternative {
			return m.maybeExhaustBranchPoint(ctx, appName, parent)
		}
		if err := m.Trees.SetExhausted(ctx, appName, parent.ID, true); err != nil {
			return macroerr.Wrap(macroerr.External, "tree.propagateExhaustion", "failed to mark ancestor exhausted", err)
		}
		cur = parent
	}
	return nil
}

// maybeExhaustBranchPoint marks a root/alternative node exhausted once it
// has as many exhausted children as its branch factor, and recurses upward
// per the original's "no need to continue updating parent nodes" stop
// condition at root.
func (m *Manager) maybeExhaustBranchPoint(ctx context.Context, appName string, node model.Node) error {
	children, err := m.Trees.Children(ctx, appName, node.ID)
	if err != nil {
		return macroerr.Wrap(macroerr.External, "tree.maybeExhaustBranchPoint", "failed to list children", err)
	}

	if len(children) < node.BranchFactor {
		return nil // not every choice has been taken yet
	}
	for _, c := range children {
		if !c.Exhausted {
			return nil
		}
	}

	if err := m.Trees.SetExhausted(ctx, appName, node.ID, true); err != nil {
		return macroerr.Wrap(macroerr.External, "tree.maybeExhaustBranchPoint", "failed to mark branch point exhausted", err)
	}
	m.Emitter.Emit(emit.Event{Msg: "branch_exhausted", NodeID: string(node.ID), ApplicationName: appName})
	m.Metrics.RecordExhaustion(appName)

	if node.Kind == model.KindRoot {
		return nil
	}

	return m.propagateExhaustion(ctx, appName, node.ID)
}

// ClosestNonExhaustedParent walks up from id's parent until it finds a node
// that is not exhausted, returning "" if even the root is exhausted (§4.4:
// "the entire Application's search space has been exhausted").
func (m *Manager) ClosestNonExhaustedParent(ctx context.Context, appName string, id model.NodeID) (model.NodeID, error) {
	cur, err := m.Trees.Parent(ctx, appName, id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return "", nil // id is already root
		}
		return "", macroerr.Wrap(macroerr.External, "tree.ClosestNonExhaustedParent", "failed to load parent", err)
	}

	for {
		if !cur.Exhausted {
			return cur.ID, nil
		}
		if cur.Kind == model.KindRoot {
			return "", nil
		}
		cur, err = m.Trees.Parent(ctx, appName, cur.ID)
		if err != nil {
			return "", macroerr.Wrap(macroerr.External, "tree.ClosestNonExhaustedParent", "failed to load ancestor", err)
		}
	}
}

// NextHopTowardTarget returns the child of start that lies on the path to
// target, by walking backward from target to start and returning the last
// hop before start (§4.4's replay/automatic-session path resolution).
func (m *Manager) NextHopTowardTarget(ctx context.Context, appName string, start, target model.NodeID) (model.NodeID, error) {
	if start == target {
		return "", nil
	}

	path := []model.NodeID{target}
	cur, err := m.Trees.LoadNode(ctx, appName, target)
	if err != nil {
		return "", macroerr.Wrap(macroerr.External, "tree.NextHopTowardTarget", "failed to load target", err)
	}

	for cur.Kind != model.KindRoot && cur.ID != start {
		parent, err := m.Trees.Parent(ctx, appName, cur.ID)
		if err != nil {
			return "", macroerr.Wrap(macroerr.External, "tree.NextHopTowardTarget", "failed to walk toward root", err)
		}
		path = append(path, parent.ID)
		cur = parent
	}

	if cur.ID == start {
		return path[len(path)-2], nil
	}
	return path[len(path)-1], nil
}

// EvaluateAndAttach runs ev against sample and attaches the resulting
// model.EvalSample to id in one step, the combination Update_node's
// specification-evaluation call performs for every instance visit.
func (m *Manager) EvaluateAndAttach(ctx context.Context, appName string, id model.NodeID, ev *eval.Evaluator, sample eval.Sample) error {
	result, err := ev.Evaluate(sample)
	if err != nil {
		return macroerr.Wrap(macroerr.Validation, "tree.EvaluateAndAttach", "failed to evaluate specification", err)
	}
	return m.AttachSample(ctx, appName, id, result)
}
