package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"github.com/lbbence95/macrostepd/macroerr"
	"github.com/lbbence95/macrostepd/model"
)

// SQLiteInstanceStore is a pure-Go (modernc.org/sqlite, no cgo) InstanceStore
// backed by a single-file WAL-mode database. Schema mirrors §3's four
// relational tables: applications, instances, processes, breakpoints.
type SQLiteInstanceStore struct {
	db   *sql.DB
	mu   sync.Mutex // serializes writes; SQLite allows one writer at a time
	path string
}

// NewSQLiteInstanceStore opens (creating if necessary) the database at path
// and ensures the schema exists.
func NewSQLiteInstanceStore(path string) (*SQLiteInstanceStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite instance store: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	ctx := context.Background()
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA foreign_keys=ON",
		"PRAGMA busy_timeout=5000",
	} {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("set %s: %w", pragma, err)
		}
	}

	s := &SQLiteInstanceStore{db: db, path: path}
	if err := s.createTables(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create instance store tables: %w", err)
	}
	return s, nil
}

func (s *SQLiteInstanceStore) createTables(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS applications (
			name TEXT PRIMARY KEY,
			orchestrator_kind TEXT NOT NULL,
			orchestrator_url TEXT NOT NULL,
			infra_descriptor_ref TEXT NOT NULL,
			process_types TEXT NOT NULL,
			graph_store_dsn TEXT NOT NULL,
			root_node_id TEXT NOT NULL DEFAULT '',
			current_node_id TEXT NOT NULL DEFAULT ''
		)`,
		`CREATE TABLE IF NOT EXISTS instances (
			id TEXT PRIMARY KEY,
			app_name TEXT NOT NULL,
			created_at TIMESTAMP NOT NULL,
			finished INTEGER NOT NULL DEFAULT 0,
			current_node_id TEXT NOT NULL DEFAULT '',
			freerun INTEGER NOT NULL DEFAULT 0
		)`,
		`CREATE TABLE IF NOT EXISTS processes (
			instance_id TEXT NOT NULL,
			process_id TEXT NOT NULL,
			name TEXT NOT NULL,
			registered_at TIMESTAMP NOT NULL,
			public_ip TEXT NOT NULL DEFAULT '',
			curr_bp INTEGER NOT NULL DEFAULT 0,
			permit INTEGER NOT NULL DEFAULT 0,
			finished INTEGER NOT NULL DEFAULT 0,
			refreshed INTEGER NOT NULL DEFAULT 0,
			PRIMARY KEY (instance_id, process_id)
		)`,
		`CREATE TABLE IF NOT EXISTS breakpoints (
			instance_id TEXT NOT NULL,
			process_id TEXT NOT NULL,
			bp_number INTEGER NOT NULL,
			ts TIMESTAMP NOT NULL,
			tags TEXT NOT NULL,
			payload TEXT NOT NULL,
			PRIMARY KEY (instance_id, process_id, bp_number)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_processes_instance ON processes(instance_id)`,
		`CREATE INDEX IF NOT EXISTS idx_breakpoints_lookup ON breakpoints(instance_id, process_id)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

func (s *SQLiteInstanceStore) SaveApplication(ctx context.Context, app model.Application) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	types, err := json.Marshal(app.ProcessTypes)
	if err != nil {
		return fmt.Errorf("marshal process types: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO applications (name, orchestrator_kind, orchestrator_url, infra_descriptor_ref, process_types, graph_store_dsn, root_node_id, current_node_id)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(name) DO UPDATE SET
			orchestrator_kind=excluded.orchestrator_kind,
			orchestrator_url=excluded.orchestrator_url,
			infra_descriptor_ref=excluded.infra_descriptor_ref,
			process_types=excluded.process_types,
			graph_store_dsn=excluded.graph_store_dsn`,
		app.Name, app.OrchestratorKind, app.OrchestratorURL, app.InfraDescriptorRef,
		string(types), app.GraphStoreDSN, string(app.RootNodeID), string(app.CurrentNodeID))
	if err != nil {
		return fmt.Errorf("save application: %w", err)
	}
	return nil
}

func (s *SQLiteInstanceStore) LoadApplication(ctx context.Context, name string) (model.Application, error) {
	row := s.db.QueryRowContext(ctx, `SELECT name, orchestrator_kind, orchestrator_url, infra_descriptor_ref, process_types, graph_store_dsn, root_node_id, current_node_id FROM applications WHERE name=?`, name)
	var app model.Application
	var types string
	var root, curr string
	if err := row.Scan(&app.Name, &app.OrchestratorKind, &app.OrchestratorURL, &app.InfraDescriptorRef, &types, &app.GraphStoreDSN, &root, &curr); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.Application{}, ErrNotFound
		}
		return model.Application{}, fmt.Errorf("load application: %w", err)
	}
	if err := json.Unmarshal([]byte(types), &app.ProcessTypes); err != nil {
		return model.Application{}, fmt.Errorf("unmarshal process types: %w", err)
	}
	app.RootNodeID = model.NodeID(root)
	app.CurrentNodeID = model.NodeID(curr)
	return app, nil
}

func (s *SQLiteInstanceStore) SetApplicationNodes(ctx context.Context, name string, rootID, currentID model.NodeID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	res, err := s.db.ExecContext(ctx, `UPDATE applications SET root_node_id=?, current_node_id=? WHERE name=?`, string(rootID), string(currentID), name)
	if err != nil {
		return fmt.Errorf("set application nodes: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *SQLiteInstanceStore) CreateInstance(ctx context.Context, inst model.Instance) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.ExecContext(ctx, `INSERT INTO instances (id, app_name, created_at, finished, current_node_id, freerun) VALUES (?, ?, ?, ?, ?, ?)`,
		string(inst.ID), inst.AppName, inst.CreatedAt, boolToInt(inst.Finished), string(inst.CurrentNodeID), boolToInt(inst.Freerun))
	if err != nil {
		return fmt.Errorf("create instance: %w", err)
	}
	return nil
}

func (s *SQLiteInstanceStore) LoadInstance(ctx context.Context, id model.InstanceID) (model.Instance, error) {
	row := s.db.QueryRowContext(ctx, `SELECT id, app_name, created_at, finished, current_node_id, freerun FROM instances WHERE id=?`, string(id))
	var inst model.Instance
	var rid, node string
	var finished, freerun int
	if err := row.Scan(&rid, &inst.AppName, &inst.CreatedAt, &finished, &node, &freerun); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.Instance{}, ErrNotFound
		}
		return model.Instance{}, fmt.Errorf("load instance: %w", err)
	}
	inst.ID = model.InstanceID(rid)
	inst.Finished = finished != 0
	inst.CurrentNodeID = model.NodeID(node)
	inst.Freerun = freerun != 0
	return inst, nil
}

func (s *SQLiteInstanceStore) SetInstanceCurrentNode(ctx context.Context, id model.InstanceID, node model.NodeID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	res, err := s.db.ExecContext(ctx, `UPDATE instances SET current_node_id=? WHERE id=?`, string(node), string(id))
	if err != nil {
		return fmt.Errorf("set instance current node: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *SQLiteInstanceStore) SetInstanceFinished(ctx context.Context, id model.InstanceID, finished bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	res, err := s.db.ExecContext(ctx, `UPDATE instances SET finished=? WHERE id=?`, boolToInt(finished), string(id))
	if err != nil {
		return fmt.Errorf("set instance finished: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *SQLiteInstanceStore) ListInstances(ctx context.Context) ([]model.InstanceID, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id FROM instances ORDER BY created_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("list instances: %w", err)
	}
	defer rows.Close()
	var out []model.InstanceID
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan instance id: %w", err)
		}
		out = append(out, model.InstanceID(id))
	}
	return out, rows.Err()
}

func (s *SQLiteInstanceStore) DeleteInstance(ctx context.Context, id model.InstanceID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin delete instance tx: %w", err)
	}
	defer tx.Rollback()
	for _, stmt := range []string{
		`DELETE FROM breakpoints WHERE instance_id=?`,
		`DELETE FROM processes WHERE instance_id=?`,
		`DELETE FROM instances WHERE id=?`,
	} {
		if _, err := tx.ExecContext(ctx, stmt, string(id)); err != nil {
			return fmt.Errorf("delete instance cascade: %w", err)
		}
	}
	return tx.Commit()
}

func (s *SQLiteInstanceStore) UpsertProcess(ctx context.Context, proc model.Process) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO processes (instance_id, process_id, name, registered_at, public_ip, curr_bp, permit, finished, refreshed)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(instance_id, process_id) DO UPDATE SET
			name=excluded.name, public_ip=excluded.public_ip, curr_bp=excluded.curr_bp,
			permit=excluded.permit, finished=excluded.finished, refreshed=excluded.refreshed`,
		string(proc.InstanceID), string(proc.ID), proc.Name, proc.RegisteredAt, proc.PublicIP,
		proc.CurrBP, boolToInt(proc.Permit), boolToInt(proc.Finished), boolToInt(proc.Refreshed))
	if err != nil {
		return fmt.Errorf("upsert process: %w", err)
	}
	return nil
}

func (s *SQLiteInstanceStore) LoadProcess(ctx context.Context, instance model.InstanceID, proc model.ProcessID) (model.Process, error) {
	row := s.db.QueryRowContext(ctx, `SELECT instance_id, process_id, name, registered_at, public_ip, curr_bp, permit, finished, refreshed FROM processes WHERE instance_id=? AND process_id=?`, string(instance), string(proc))
	return scanProcess(row)
}

func scanProcess(row *sql.Row) (model.Process, error) {
	var p model.Process
	var iid, pid string
	var permit, finished, refreshed int
	if err := row.Scan(&iid, &pid, &p.Name, &p.RegisteredAt, &p.PublicIP, &p.CurrBP, &permit, &finished, &refreshed); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.Process{}, ErrNotFound
		}
		return model.Process{}, fmt.Errorf("load process: %w", err)
	}
	p.InstanceID = model.InstanceID(iid)
	p.ID = model.ProcessID(pid)
	p.Permit = permit != 0
	p.Finished = finished != 0
	p.Refreshed = refreshed != 0
	return p, nil
}

func (s *SQLiteInstanceStore) ListProcesses(ctx context.Context, instance model.InstanceID) ([]model.Process, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT instance_id, process_id, name, registered_at, public_ip, curr_bp, permit, finished, refreshed FROM processes WHERE instance_id=? ORDER BY name, process_id`, string(instance))
	if err != nil {
		return nil, fmt.Errorf("list processes: %w", err)
	}
	defer rows.Close()
	var out []model.Process
	for rows.Next() {
		var p model.Process
		var iid, pid string
		var permit, finished, refreshed int
		if err := rows.Scan(&iid, &pid, &p.Name, &p.RegisteredAt, &p.PublicIP, &p.CurrBP, &permit, &finished, &refreshed); err != nil {
			return nil, fmt.Errorf("scan process: %w", err)
		}
		p.InstanceID = model.InstanceID(iid)
		p.ID = model.ProcessID(pid)
		p.Permit = permit != 0
		p.Finished = finished != 0
		p.Refreshed = refreshed != 0
		out = append(out, p)
	}
	return out, rows.Err()
}

func (s *SQLiteInstanceStore) SetPermit(ctx context.Context, instance model.InstanceID, procIDs []model.ProcessID, permit bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin set permit tx: %w", err)
	}
	defer tx.Rollback()
	for _, pid := range procIDs {
		if permit {
			// "only when its finished==0" per §4.3 permit_set.
			if _, err := tx.ExecContext(ctx, `UPDATE processes SET permit=1 WHERE instance_id=? AND process_id=? AND finished=0`, string(instance), string(pid)); err != nil {
				return fmt.Errorf("set permit: %w", err)
			}
		} else {
			if _, err := tx.ExecContext(ctx, `UPDATE processes SET permit=0 WHERE instance_id=? AND process_id=?`, string(instance), string(pid)); err != nil {
				return fmt.Errorf("clear permit: %w", err)
			}
		}
	}
	return tx.Commit()
}

func (s *SQLiteInstanceStore) ResetRefreshed(ctx context.Context, instance model.InstanceID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.ExecContext(ctx, `UPDATE processes SET refreshed=0 WHERE instance_id=?`, string(instance))
	if err != nil {
		return fmt.Errorf("reset refreshed: %w", err)
	}
	return nil
}

func (s *SQLiteInstanceStore) SetRefreshed(ctx context.Context, instance model.InstanceID, proc model.ProcessID, refreshed bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	res, err := s.db.ExecContext(ctx, `UPDATE processes SET refreshed=? WHERE instance_id=? AND process_id=?`, boolToInt(refreshed), string(instance), string(proc))
	if err != nil {
		return fmt.Errorf("set refreshed: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *SQLiteInstanceStore) AppendBreakpoint(ctx context.Context, bp model.Breakpoint) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	tags, err := json.Marshal(bp.Tags)
	if err != nil {
		return fmt.Errorf("marshal tags: %w", err)
	}
	payload, err := json.Marshal(bp.Payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}

	var maxNumber sql.NullInt64
	row := s.db.QueryRowContext(ctx, `SELECT MAX(bp_number) FROM breakpoints WHERE instance_id=? AND process_id=?`, string(bp.InstanceID), string(bp.ProcessID))
	if err := row.Scan(&maxNumber); err != nil {
		return fmt.Errorf("read max breakpoint number: %w", err)
	}
	want := int(maxNumber.Int64) + 1
	if bp.Number != want {
		return macroerr.ErrNonMonotoneBP
	}

	_, err = s.db.ExecContext(ctx, `INSERT INTO breakpoints (instance_id, process_id, bp_number, ts, tags, payload) VALUES (?, ?, ?, ?, ?, ?)`,
		string(bp.InstanceID), string(bp.ProcessID), bp.Number, bp.Timestamp, string(tags), string(payload))
	if err != nil {
		return fmt.Errorf("append breakpoint: %w", err)
	}
	return nil
}

func (s *SQLiteInstanceStore) ListBreakpoints(ctx context.Context, instance model.InstanceID, proc model.ProcessID) ([]model.Breakpoint, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT bp_number, ts, tags, payload FROM breakpoints WHERE instance_id=? AND process_id=? ORDER BY bp_number`, string(instance), string(proc))
	if err != nil {
		return nil, fmt.Errorf("list breakpoints: %w", err)
	}
	defer rows.Close()
	var out []model.Breakpoint
	for rows.Next() {
		var bp model.Breakpoint
		var ts time.Time
		var tags, payload string
		if err := rows.Scan(&bp.Number, &ts, &tags, &payload); err != nil {
			return nil, fmt.Errorf("scan breakpoint: %w", err)
		}
		bp.InstanceID = instance
		bp.ProcessID = proc
		bp.Timestamp = ts
		if err := json.Unmarshal([]byte(tags), &bp.Tags); err != nil {
			return nil, fmt.Errorf("unmarshal tags: %w", err)
		}
		if err := json.Unmarshal([]byte(payload), &bp.Payload); err != nil {
			return nil, fmt.Errorf("unmarshal payload: %w", err)
		}
		out = append(out, bp)
	}
	return out, rows.Err()
}

func (s *SQLiteInstanceStore) Close() error {
	return s.db.Close()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
