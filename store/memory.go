package store

import (
	"context"
	"sort"
	"sync"

	"github.com/lbbence95/macrostepd/macroerr"
	"github.com/lbbence95/macrostepd/model"
)

// MemoryInstanceStore is an in-memory InstanceStore for tests and short-lived
// sessions. Thread-safe; data is lost on process exit.
type MemoryInstanceStore struct {
	mu          sync.RWMutex
	apps        map[string]model.Application
	instances   map[model.InstanceID]model.Instance
	order       []model.InstanceID // insertion order, for ListInstances
	processes   map[model.InstanceID]map[model.ProcessID]model.Process
	breakpoints map[model.InstanceID]map[model.ProcessID][]model.Breakpoint
}

// NewMemoryInstanceStore constructs an empty store.
func NewMemoryInstanceStore() *MemoryInstanceStore {
	return &MemoryInstanceStore{
		apps:        make(map[string]model.Application),
		instances:   make(map[model.InstanceID]model.Instance),
		processes:   make(map[model.InstanceID]map[model.ProcessID]model.Process),
		breakpoints: make(map[model.InstanceID]map[model.ProcessID][]model.Breakpoint),
	}
}

func (m *MemoryInstanceStore) SaveApplication(_ context.Context, app model.Application) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.apps[app.Name] = app
	return nil
}

func (m *MemoryInstanceStore) LoadApplication(_ context.Context, name string) (model.Application, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	app, ok := m.apps[name]
	if !ok {
		return model.Application{}, ErrNotFound
	}
	return app, nil
}

func (m *MemoryInstanceStore) SetApplicationNodes(_ context.Context, name string, rootID, currentID model.NodeID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	app, ok := m.apps[name]
	if !ok {
		return ErrNotFound
	}
	app.RootNodeID = rootID
	app.CurrentNodeID = currentID
	m.apps[name] = app
	return nil
}

func (m *MemoryInstanceStore) CreateInstance(_ context.Context, inst model.Instance) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.instances[inst.ID] = inst
	m.order = append(m.order, inst.ID)
	m.processes[inst.ID] = make(map[model.ProcessID]model.Process)
	m.breakpoints[inst.ID] = make(map[model.ProcessID][]model.Breakpoint)
	return nil
}

func (m *MemoryInstanceStore) LoadInstance(_ context.Context, id model.InstanceID) (model.Instance, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	inst, ok := m.instances[id]
	if !ok {
		return model.Instance{}, ErrNotFound
	}
	return inst, nil
}

func (m *MemoryInstanceStore) SetInstanceCurrentNode(_ context.Context, id model.InstanceID, node model.NodeID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	inst, ok := m.instances[id]
	if !ok {
		return ErrNotFound
	}
	inst.CurrentNodeID = node
	m.instances[id] = inst
	return nil
}

func (m *MemoryInstanceStore) SetInstanceFinished(_ context.Context, id model.InstanceID, finished bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	inst, ok := m.instances[id]
	if !ok {
		return ErrNotFound
	}
	inst.Finished = finished
	m.instances[id] = inst
	return nil
}

func (m *MemoryInstanceStore) ListInstances(_ context.Context) ([]model.InstanceID, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]model.InstanceID, len(m.order))
	for i, id := range m.order {
		out[len(out)-1-i] = id // newest first
	}
	return out, nil
}

func (m *MemoryInstanceStore) DeleteInstance(_ context.Context, id model.InstanceID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.instances, id)
	delete(m.processes, id)
	delete(m.breakpoints, id)
	for i, oid := range m.order {
		if oid == id {
			m.order = append(m.order[:i], m.order[i+1:]...)
			break
		}
	}
	return nil
}

func (m *MemoryInstanceStore) UpsertProcess(_ context.Context, proc model.Process) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	procs, ok := m.processes[proc.InstanceID]
	if !ok {
		return macroerr.ErrInstanceNotFound
	}
	procs[proc.ID] = proc
	return nil
}

func (m *MemoryInstanceStore) LoadProcess(_ context.Context, instance model.InstanceID, proc model.ProcessID) (model.Process, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	procs, ok := m.processes[instance]
	if !ok {
		return model.Process{}, ErrNotFound
	}
	p, ok := procs[proc]
	if !ok {
		return model.Process{}, ErrNotFound
	}
	return p, nil
}

func (m *MemoryInstanceStore) ListProcesses(_ context.Context, instance model.InstanceID) ([]model.Process, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	procs, ok := m.processes[instance]
	if !ok {
		return nil, ErrNotFound
	}
	out := make([]model.Process, 0, len(procs))
	for _, p := range procs {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Name != out[j].Name {
			return out[i].Name < out[j].Name
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (m *MemoryInstanceStore) SetPermit(_ context.Context, instance model.InstanceID, procIDs []model.ProcessID, permit bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	procs, ok := m.processes[instance]
	if !ok {
		return ErrNotFound
	}
	want := make(map[model.ProcessID]bool, len(procIDs))
	for _, id := range procIDs {
		want[id] = true
	}
	for id, p := range procs {
		if !want[id] {
			continue
		}
		if permit && p.Finished {
			continue // State error: no-op per §7, never permit a finished process
		}
		p.Permit = permit
		procs[id] = p
	}
	return nil
}

func (m *MemoryInstanceStore) ResetRefreshed(_ context.Context, instance model.InstanceID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	procs, ok := m.processes[instance]
	if !ok {
		return ErrNotFound
	}
	for id, p := range procs {
		p.Refreshed = false
		procs[id] = p
	}
	return nil
}

func (m *MemoryInstanceStore) SetRefreshed(_ context.Context, instance model.InstanceID, proc model.ProcessID, refreshed bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	procs, ok := m.processes[instance]
	if !ok {
		return ErrNotFound
	}
	p, ok := procs[proc]
	if !ok {
		return ErrNotFound
	}
	p.Refreshed = refreshed
	procs[proc] = p
	return nil
}

func (m *MemoryInstanceStore) AppendBreakpoint(_ context.Context, bp model.Breakpoint) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	byProc, ok := m.breakpoints[bp.InstanceID]
	if !ok {
		return macroerr.ErrInstanceNotFound
	}
	log := byProc[bp.ProcessID]
	wantNumber := len(log) + 1
	if bp.Number != wantNumber {
		return macroerr.ErrNonMonotoneBP
	}
	byProc[bp.ProcessID] = append(log, bp)
	return nil
}

func (m *MemoryInstanceStore) ListBreakpoints(_ context.Context, instance model.InstanceID, proc model.ProcessID) ([]model.Breakpoint, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	byProc, ok := m.breakpoints[instance]
	if !ok {
		return nil, ErrNotFound
	}
	out := make([]model.Breakpoint, len(byProc[proc]))
	copy(out, byProc[proc])
	return out, nil
}

func (m *MemoryInstanceStore) Close() error { return nil }

// MemoryTreeStore is an in-memory TreeStore. Thread-safe; dedup-at-insert
// runs under the store's single write lock, satisfying Open Question 3's
// "dedupe must be a single atomic operation".
type MemoryTreeStore struct {
	mu       sync.Mutex
	roots    map[string]model.NodeID
	nodes    map[string]map[model.NodeID]model.Node
	children map[string]map[model.NodeID][]model.NodeID // parent -> ordered children
}

// NewMemoryTreeStore constructs an empty store.
func NewMemoryTreeStore() *MemoryTreeStore {
	return &MemoryTreeStore{
		roots:    make(map[string]model.NodeID),
		nodes:    make(map[string]map[model.NodeID]model.Node),
		children: make(map[string]map[model.NodeID][]model.NodeID),
	}
}

func (t *MemoryTreeStore) CreateRoot(_ context.Context, appName string, state model.StateVector) (model.NodeID, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if id, ok := t.roots[appName]; ok {
		return id, nil
	}
	id := model.NewNodeID()
	t.roots[appName] = id
	t.ensureApp(appName)
	t.nodes[appName][id] = model.Node{
		ID:           id,
		AppName:      appName,
		State:        state,
		Kind:         model.KindRoot,
		BranchFactor: state.TotalSlots(),
	}
	return id, nil
}

func (t *MemoryTreeStore) ensureApp(appName string) {
	if _, ok := t.nodes[appName]; !ok {
		t.nodes[appName] = make(map[model.NodeID]model.Node)
	}
	if _, ok := t.children[appName]; !ok {
		t.children[appName] = make(map[model.NodeID][]model.NodeID)
	}
}

func (t *MemoryTreeStore) InsertOrDedupe(_ context.Context, appName string, parent model.NodeID, state model.StateVector, steppedType string, steppedOrdinal int, notFinished int) (model.NodeID, bool, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.ensureApp(appName)

	for _, childID := range t.children[appName][parent] {
		child := t.nodes[appName][childID]
		if child.State.Equal(state) {
			return child.ID, false, nil // I2 dedup
		}
	}

	id := model.NewNodeID()
	node := model.Node{
		ID:                 id,
		AppName:            appName,
		ParentID:           parent,
		State:              state,
		Kind:               model.ClassifyKind(notFinished),
		BranchFactor:       notFinished,
		SteppedProcessType: steppedType,
		SteppedOrdinal:     steppedOrdinal,
	}
	t.nodes[appName][id] = node
	t.children[appName][parent] = append(t.children[appName][parent], id)
	return id, true, nil
}

func (t *MemoryTreeStore) LoadNode(_ context.Context, appName string, id model.NodeID) (model.Node, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	nodes, ok := t.nodes[appName]
	if !ok {
		return model.Node{}, ErrNotFound
	}
	n, ok := nodes[id]
	if !ok {
		return model.Node{}, ErrNotFound
	}
	return n, nil
}

func (t *MemoryTreeStore) Children(_ context.Context, appName string, id model.NodeID) ([]model.Node, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	ids := t.children[appName][id]
	out := make([]model.Node, 0, len(ids))
	for _, cid := range ids {
		out = append(out, t.nodes[appName][cid])
	}
	return out, nil
}

func (t *MemoryTreeStore) Parent(_ context.Context, appName string, id model.NodeID) (model.Node, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	nodes, ok := t.nodes[appName]
	if !ok {
		return model.Node{}, ErrNotFound
	}
	n, ok := nodes[id]
	if !ok || n.ParentID == "" {
		return model.Node{}, ErrNotFound
	}
	p, ok := nodes[n.ParentID]
	if !ok {
		return model.Node{}, ErrNotFound
	}
	return p, nil
}

func (t *MemoryTreeStore) SetExhausted(_ context.Context, appName string, id model.NodeID, exhausted bool) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	nodes, ok := t.nodes[appName]
	if !ok {
		return ErrNotFound
	}
	n, ok := nodes[id]
	if !ok {
		return ErrNotFound
	}
	n.Exhausted = exhausted
	nodes[id] = n
	return nil
}

func (t *MemoryTreeStore) AppendSample(_ context.Context, appName string, id model.NodeID, sample model.EvalSample) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	nodes, ok := t.nodes[appName]
	if !ok {
		return ErrNotFound
	}
	n, ok := nodes[id]
	if !ok {
		return ErrNotFound
	}
	n.Samples = append(n.Samples, sample)
	nodes[id] = n
	return nil
}

func (t *MemoryTreeStore) RecordVisit(_ context.Context, appName string, id model.NodeID, instance model.InstanceID) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	nodes, ok := t.nodes[appName]
	if !ok {
		return ErrNotFound
	}
	n, ok := nodes[id]
	if !ok {
		return ErrNotFound
	}
	n.VisitedBy = append(n.VisitedBy, instance)
	nodes[id] = n
	return nil
}

func (t *MemoryTreeStore) Close() error { return nil }
