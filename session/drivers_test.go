package session

import (
	"context"
	"testing"
	"time"

	"github.com/lbbence95/macrostepd/coordinator"
	"github.com/lbbence95/macrostepd/graph/emit"
	"github.com/lbbence95/macrostepd/model"
	"github.com/lbbence95/macrostepd/orchestrator"
	"github.com/lbbence95/macrostepd/orchestrator/mock"
	"github.com/lbbence95/macrostepd/store"
	"github.com/lbbence95/macrostepd/tree"
)

// autoRegisterAdapter wraps mock.Adapter so that, once the driver has
// registered a freshly started instance in the Instance Store, its declared
// process types appear as Process rows too -- standing in for the first
// submit each process would otherwise make against the ingest endpoint.
type autoRegisterAdapter struct {
	*mock.Adapter
	instances store.InstanceStore
}

func (a *autoRegisterAdapter) Start(ctx context.Context, url, ref string) (string, error) {
	id, err := a.Adapter.Start(ctx, url, ref)
	if err != nil {
		return id, err
	}
	go func() {
		for {
			if _, err := a.instances.LoadInstance(ctx, model.InstanceID(id)); err == nil {
				break
			}
			time.Sleep(time.Millisecond)
		}
		handles, _ := a.Adapter.CheckProcesses(ctx, url, id)
		for _, h := range handles {
			_ = a.instances.UpsertProcess(ctx, model.Process{
				InstanceID: model.InstanceID(id),
				ID:         model.ProcessID(h.ID),
				Name:       h.Type,
				CurrBP:     1,
			})
		}
	}()
	return id, nil
}

var _ orchestrator.Adapter = (*autoRegisterAdapter)(nil)

// startAutoReporter simulates every process's submit/refresh report: once a
// process is permitted, it acknowledges by clearing permit, marking itself
// refreshed, and advancing curr_bp. A process finishes on its second report
// (curr_bp reaches 3), giving every test a deterministic, bounded run.
func startAutoReporter(t *testing.T, instances store.InstanceStore) {
	t.Helper()
	ctx := context.Background()
	done := make(chan struct{})
	t.Cleanup(func() { close(done) })

	go func() {
		ticker := time.NewTicker(time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
			}
			ids, err := instances.ListInstances(ctx)
			if err != nil {
				continue
			}
			for _, id := range ids {
				procs, err := instances.ListProcesses(ctx, id)
				if err != nil {
					continue
				}
				for _, p := range procs {
					if !p.Permit || p.Finished {
						continue
					}
					p.Permit = false
					p.Refreshed = true
					p.CurrBP++
					if p.CurrBP >= 3 {
						p.Finished = true
					}
					_ = instances.UpsertProcess(ctx, p)
				}
			}
		}
	}()
}

func newTestDriver(t *testing.T, processTypes ...string) (*Driver, model.Application) {
	t.Helper()
	instances := store.NewMemoryInstanceStore()
	trees := store.NewMemoryTreeStore()
	treeMgr := tree.New(trees, emit.NewNullEmitter())
	coord := coordinator.New(instances, emit.NewNullEmitter())
	orch := &autoRegisterAdapter{Adapter: mock.New(processTypes...), instances: instances}
	driver := New(instances, coord, treeMgr, orch, emit.NewNullEmitter())

	old := PollInterval
	PollInterval = time.Millisecond
	t.Cleanup(func() { PollInterval = old })

	app := model.Application{
		Name:               "demo",
		OrchestratorURL:    "http://orchestrator.test",
		InfraDescriptorRef: "demo.yaml",
		ProcessTypes:       processTypes,
	}
	return driver, app
}

func TestProcIDForOrdinal(t *testing.T) {
	procs := []model.Process{
		{ID: "p2", Name: "worker"},
		{ID: "p1", Name: "worker"},
		{ID: "a1", Name: "alpha"},
	}
	if got := procIDForOrdinal(procs, "worker", 1); got != "p1" {
		t.Errorf("procIDForOrdinal(worker, 1) = %q, want p1", got)
	}
	if got := procIDForOrdinal(procs, "worker", 2); got != "p2" {
		t.Errorf("procIDForOrdinal(worker, 2) = %q, want p2", got)
	}
	if got := procIDForOrdinal(procs, "alpha", 1); got != "a1" {
		t.Errorf("procIDForOrdinal(alpha, 1) = %q, want a1", got)
	}
	if got := procIDForOrdinal(procs, "worker", 5); got != "" {
		t.Errorf("procIDForOrdinal(worker, 5) = %q, want empty", got)
	}
}

func TestManualStepCreatesNodeAndAdvancesInstance(t *testing.T) {
	ctx := context.Background()
	driver, app := newTestDriver(t, "worker")
	startAutoReporter(t, driver.Instances)

	instance, err := driver.NewInstance(ctx, app)
	if err != nil {
		t.Fatalf("NewInstance: %v", err)
	}
	inst, err := driver.Instances.LoadInstance(ctx, instance)
	if err != nil {
		t.Fatalf("LoadInstance: %v", err)
	}
	rootID := inst.CurrentNodeID

	procs, err := driver.Instances.ListProcesses(ctx, instance)
	if err != nil {
		t.Fatalf("ListProcesses: %v", err)
	}
	if len(procs) != 1 {
		t.Fatalf("ListProcesses() len = %d, want 1", len(procs))
	}

	nodeID, err := driver.ManualStep(ctx, app, instance, procs[0].ID, nil)
	if err != nil {
		t.Fatalf("ManualStep: %v", err)
	}
	if nodeID == rootID {
		t.Fatal("ManualStep should advance to a new node, not the root")
	}

	inst, err = driver.Instances.LoadInstance(ctx, instance)
	if err != nil {
		t.Fatalf("LoadInstance: %v", err)
	}
	if inst.CurrentNodeID != nodeID {
		t.Errorf("instance CurrentNodeID = %q, want %q", inst.CurrentNodeID, nodeID)
	}
}

func TestManualStepRejectsUnknownProcess(t *testing.T) {
	ctx := context.Background()
	driver, app := newTestDriver(t, "worker")
	startAutoReporter(t, driver.Instances)

	instance, err := driver.NewInstance(ctx, app)
	if err != nil {
		t.Fatalf("NewInstance: %v", err)
	}
	if _, err := driver.ManualStep(ctx, app, instance, "ghost", nil); err == nil {
		t.Fatal("expected an error stepping an unknown process id")
	}
}

func TestManualStepRejectsFinishedProcess(t *testing.T) {
	ctx := context.Background()
	driver, app := newTestDriver(t, "worker")
	startAutoReporter(t, driver.Instances)

	instance, err := driver.NewInstance(ctx, app)
	if err != nil {
		t.Fatalf("NewInstance: %v", err)
	}
	procs, err := driver.Instances.ListProcesses(ctx, instance)
	if err != nil {
		t.Fatalf("ListProcesses: %v", err)
	}
	proc := procs[0]
	proc.Finished = true
	if err := driver.Instances.UpsertProcess(ctx, proc); err != nil {
		t.Fatalf("UpsertProcess: %v", err)
	}

	if _, err := driver.ManualStep(ctx, app, instance, proc.ID, nil); err == nil {
		t.Fatal("expected an error stepping an already-finished process")
	}
}

func TestFreerunRunsToCompletion(t *testing.T) {
	ctx := context.Background()
	driver, app := newTestDriver(t, "worker")
	startAutoReporter(t, driver.Instances)

	instance, err := driver.NewInstance(ctx, app)
	if err != nil {
		t.Fatalf("NewInstance: %v", err)
	}

	runCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := driver.Freerun(runCtx, app, instance, nil); err != nil {
		t.Fatalf("Freerun: %v", err)
	}

	inst, err := driver.Instances.LoadInstance(ctx, instance)
	if err != nil {
		t.Fatalf("LoadInstance: %v", err)
	}
	if !inst.Finished {
		t.Fatal("Freerun returned without marking the instance finished")
	}
}

func TestAutomaticRunSelectsAndCompletes(t *testing.T) {
	ctx := context.Background()
	driver, app := newTestDriver(t, "worker", "collector")
	startAutoReporter(t, driver.Instances)

	instance, err := driver.NewInstance(ctx, app)
	if err != nil {
		t.Fatalf("NewInstance: %v", err)
	}

	runCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := driver.AutomaticRun(runCtx, app, instance, nil); err != nil {
		t.Fatalf("AutomaticRun: %v", err)
	}

	inst, err := driver.Instances.LoadInstance(ctx, instance)
	if err != nil {
		t.Fatalf("LoadInstance: %v", err)
	}
	if !inst.Finished {
		t.Fatal("AutomaticRun returned without every process finishing")
	}
}

func TestReplayToReachesTarget(t *testing.T) {
	ctx := context.Background()
	driver, app := newTestDriver(t, "worker")
	startAutoReporter(t, driver.Instances)

	original, err := driver.NewInstance(ctx, app)
	if err != nil {
		t.Fatalf("NewInstance: %v", err)
	}
	procs, err := driver.Instances.ListProcesses(ctx, original)
	if err != nil {
		t.Fatalf("ListProcesses: %v", err)
	}

	target, err := driver.ManualStep(ctx, app, original, procs[0].ID, nil)
	if err != nil {
		t.Fatalf("ManualStep: %v", err)
	}

	replayCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	replayInstance, err := driver.ReplayTo(replayCtx, app, target, nil)
	if err != nil {
		t.Fatalf("ReplayTo: %v", err)
	}

	inst, err := driver.Instances.LoadInstance(ctx, replayInstance)
	if err != nil {
		t.Fatalf("LoadInstance: %v", err)
	}
	if inst.CurrentNodeID != target {
		t.Fatalf("replayed instance CurrentNodeID = %q, want %q", inst.CurrentNodeID, target)
	}
}
