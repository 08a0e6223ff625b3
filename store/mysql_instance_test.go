package store

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/lbbence95/macrostepd/macroerr"
	"github.com/lbbence95/macrostepd/model"
)

// newMySQLInstanceStore skips the test unless MACROSTEPD_MYSQL_TEST_DSN
// points at a reachable, disposable MySQL/MariaDB instance -- there is no
// in-process MySQL fake, so this suite only runs against a real server.
func newMySQLInstanceStore(t *testing.T) *MySQLInstanceStore {
	t.Helper()
	dsn := os.Getenv("MACROSTEPD_MYSQL_TEST_DSN")
	if dsn == "" {
		t.Skip("MACROSTEPD_MYSQL_TEST_DSN not set; skipping MySQL-backed store tests")
	}
	s, err := NewMySQLInstanceStore(dsn)
	if err != nil {
		t.Fatalf("NewMySQLInstanceStore: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestMySQLInstanceStoreInstanceAndProcessLifecycle(t *testing.T) {
	s := newMySQLInstanceStore(t)
	ctx := context.Background()

	instance := model.InstanceID(uniqueTestID(t))
	if err := s.CreateInstance(ctx, model.Instance{ID: instance, AppName: "demo", CreatedAt: time.Now().UTC()}); err != nil {
		t.Fatalf("CreateInstance: %v", err)
	}
	t.Cleanup(func() { _ = s.DeleteInstance(ctx, instance) })

	if err := s.UpsertProcess(ctx, model.Process{InstanceID: instance, ID: "p1", Name: "worker", RegisteredAt: time.Now().UTC()}); err != nil {
		t.Fatalf("UpsertProcess: %v", err)
	}

	if err := s.SetPermit(ctx, instance, []model.ProcessID{"p1"}, true); err != nil {
		t.Fatalf("SetPermit: %v", err)
	}
	p1, err := s.LoadProcess(ctx, instance, "p1")
	if err != nil {
		t.Fatalf("LoadProcess: %v", err)
	}
	if !p1.Permit {
		t.Error("p1 should be permitted")
	}

	if err := s.AppendBreakpoint(ctx, model.Breakpoint{InstanceID: instance, ProcessID: "p1", Number: 1, Timestamp: time.Now().UTC(), Payload: map[string]any{"status": "ready"}}); err != nil {
		t.Fatalf("AppendBreakpoint(1): %v", err)
	}
	if err := s.AppendBreakpoint(ctx, model.Breakpoint{InstanceID: instance, ProcessID: "p1", Number: 9, Timestamp: time.Now().UTC()}); err != macroerr.ErrNonMonotoneBP {
		t.Fatalf("AppendBreakpoint(9) err = %v, want ErrNonMonotoneBP", err)
	}

	bps, err := s.ListBreakpoints(ctx, instance, "p1")
	if err != nil {
		t.Fatalf("ListBreakpoints: %v", err)
	}
	if len(bps) != 1 {
		t.Fatalf("ListBreakpoints() len = %d, want 1", len(bps))
	}
}

func TestMySQLInstanceStoreLoadMissingReturnsNotFound(t *testing.T) {
	s := newMySQLInstanceStore(t)
	ctx := context.Background()
	if _, err := s.LoadInstance(ctx, model.InstanceID(uniqueTestID(t))); err != ErrNotFound {
		t.Fatalf("LoadInstance(unknown) err = %v, want ErrNotFound", err)
	}
}

func uniqueTestID(t *testing.T) string {
	t.Helper()
	return t.Name() + "-" + time.Now().UTC().Format("20060102T150405.000000000")
}
