package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "github.com/go-sql-driver/mysql"

	"github.com/lbbence95/macrostepd/macroerr"
	"github.com/lbbence95/macrostepd/model"
)

// MySQLInstanceStore is a MySQL/MariaDB-backed InstanceStore for
// deployments that run the service against a shared, already-operated
// relational cluster rather than a local SQLite file.
//
// DSN format: [user[:pass]@][tcp(host:port)]/dbname[?parseTime=true].
// parseTime=true is required so TIMESTAMP columns scan into time.Time.
type MySQLInstanceStore struct {
	db *sql.DB
}

// NewMySQLInstanceStore opens a connection pool and ensures the schema
// exists.
func NewMySQLInstanceStore(dsn string) (*MySQLInstanceStore, error) {
	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, fmt.Errorf("open mysql instance store: %w", err)
	}
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	ctx := context.Background()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping mysql: %w", err)
	}

	s := &MySQLInstanceStore{db: db}
	if err := s.createTables(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create mysql instance store tables: %w", err)
	}
	return s, nil
}

func (s *MySQLInstanceStore) createTables(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS applications (
			name VARCHAR(255) PRIMARY KEY,
			orchestrator_kind VARCHAR(64) NOT NULL,
			orchestrator_url VARCHAR(1024) NOT NULL,
			infra_descriptor_ref VARCHAR(1024) NOT NULL,
			process_types JSON NOT NULL,
			graph_store_dsn VARCHAR(1024) NOT NULL,
			root_node_id VARCHAR(64) NOT NULL DEFAULT '',
			current_node_id VARCHAR(64) NOT NULL DEFAULT ''
		)`,
		`CREATE TABLE IF NOT EXISTS instances (
			id VARCHAR(64) PRIMARY KEY,
			app_name VARCHAR(255) NOT NULL,
			created_at TIMESTAMP NOT NULL,
			finished BOOLEAN NOT NULL DEFAULT FALSE,
			current_node_id VARCHAR(64) NOT NULL DEFAULT '',
			freerun BOOLEAN NOT NULL DEFAULT FALSE,
			INDEX idx_instances_app (app_name)
		)`,
		`CREATE TABLE IF NOT EXISTS processes (
			instance_id VARCHAR(64) NOT NULL,
			process_id VARCHAR(64) NOT NULL,
			name VARCHAR(255) NOT NULL,
			registered_at TIMESTAMP NOT NULL,
			public_ip VARCHAR(64) NOT NULL DEFAULT '',
			curr_bp INT NOT NULL DEFAULT 0,
			permit BOOLEAN NOT NULL DEFAULT FALSE,
			finished BOOLEAN NOT NULL DEFAULT FALSE,
			refreshed BOOLEAN NOT NULL DEFAULT FALSE,
			PRIMARY KEY (instance_id, process_id)
		)`,
		`CREATE TABLE IF NOT EXISTS breakpoints (
			instance_id VARCHAR(64) NOT NULL,
			process_id VARCHAR(64) NOT NULL,
			bp_number INT NOT NULL,
			ts TIMESTAMP NOT NULL,
			tags JSON NOT NULL,
			payload JSON NOT NULL,
			PRIMARY KEY (instance_id, process_id, bp_number)
		)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

func (s *MySQLInstanceStore) SaveApplication(ctx context.Context, app model.Application) error {
	types, err := json.Marshal(app.ProcessTypes)
	if err != nil {
		return fmt.Errorf("marshal process types: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO applications (name, orchestrator_kind, orchestrator_url, infra_descriptor_ref, process_types, graph_store_dsn, root_node_id, current_node_id)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON DUPLICATE KEY UPDATE
			orchestrator_kind=VALUES(orchestrator_kind),
			orchestrator_url=VALUES(orchestrator_url),
			infra_descriptor_ref=VALUES(infra_descriptor_ref),
			process_types=VALUES(process_types),
			graph_store_dsn=VALUES(graph_store_dsn)`,
		app.Name, app.OrchestratorKind, app.OrchestratorURL, app.InfraDescriptorRef,
		string(types), app.GraphStoreDSN, string(app.RootNodeID), string(app.CurrentNodeID))
	if err != nil {
		return fmt.Errorf("save application: %w", err)
	}
	return nil
}

func (s *MySQLInstanceStore) LoadApplication(ctx context.Context, name string) (model.Application, error) {
	row := s.db.QueryRowContext(ctx, `SELECT name, orchestrator_kind, orchestrator_url, infra_descriptor_ref, process_types, graph_store_dsn, root_node_id, current_node_id FROM applications WHERE name=?`, name)
	var app model.Application
	var types, root, curr string
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

func (s *MySQLInstanceStore) SetApplicationNodes(ctx context.Context, name string, rootID, currentID model.NodeID) error {
	res, err := s.db.ExecContext(ctx, `UPDATE applications SET root_node_id=?, current_node_id=? WHERE name=?`, string(rootID), string(currentID), name)
	if err != nil {
		return fmt.Errorf("set application nodes: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *MySQLInstanceStore) CreateInstance(ctx context.Context, inst model.Instance) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO instances (id, app_name, created_at, finished, current_node_id, freerun) VALUES (?, ?, ?, ?, ?, ?)`,
		string(inst.ID), inst.AppName, inst.CreatedAt, inst.Finished, string(inst.CurrentNodeID), inst.Freerun)
	if err != nil {
		return fmt.Errorf("create instance: %w", err)
	}
	return nil
}

func (s *MySQLInstanceStore) LoadInstance(ctx context.Context, id model.InstanceID) (model.Instance, error) {
	row := s.db.QueryRowContext(ctx, `SELECT id, app_name, created_at, finished, current_node_id, freerun FROM instances WHERE id=?`, string(id))
	var inst model.Instance
	var rid, node string
	if err := row.Scan(&rid, &inst.AppName, &inst.CreatedAt, &inst.Finished, &node, &inst.Freerun); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.Instance{}, ErrNotFound
		}
		return model.Instance{}, fmt.Errorf("load instance: %w", err)
	}
	inst.ID = model.InstanceID(rid)
	inst.CurrentNodeID = model.NodeID(node)
	return inst, nil
}

func (s *MySQLInstanceStore) SetInstanceCurrentNode(ctx context.Context, id model.InstanceID, node model.NodeID) error {
	res, err := s.db.ExecContext(ctx, `UPDATE instances SET current_node_id=? WHERE id=?`, string(node), string(id))
	if err != nil {
		return fmt.Errorf("set instance current node: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *MySQLInstanceStore) SetInstanceFinished(ctx context.Context, id model.InstanceID, finished bool) error {
	res, err := s.db.ExecContext(ctx, `UPDATE instances SET finished=? WHERE id=?`, finished, string(id))
	if err != nil {
		return fmt.Errorf("set instance finished: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *MySQLInstanceStore) ListInstances(ctx context.Context) ([]model.InstanceID, error) {
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

func (s *MySQLInstanceStore) DeleteInstance(ctx context.Context, id model.InstanceID) error {
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

func (s *MySQLInstanceStore) UpsertProcess(ctx context.Context, proc model.Process) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO processes (instance_id, process_id, name, registered_at, public_ip, curr_bp, permit, finished, refreshed)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON DUPLICATE KEY UPDATE
			name=VALUES(name), public_ip=VALUES(public_ip), curr_bp=VALUES(curr_bp),
			permit=VALUES(permit), finished=VALUES(finished), refreshed=VALUES(refreshed)`,
		string(proc.InstanceID), string(proc.ID), proc.Name, proc.RegisteredAt, proc.PublicIP,
		proc.CurrBP, proc.Permit, proc.Finished, proc.Refreshed)
	if err != nil {
		return fmt.Errorf("upsert process: %w", err)
	}
	return nil
}

func (s *MySQLInstanceStore) LoadProcess(ctx context.Context, instance model.InstanceID, proc model.ProcessID) (model.Process, error) {
	row := s.db.QueryRowContext(ctx, `SELECT instance_id, process_id, name, registered_at, public_ip, curr_bp, permit, finished, refreshed FROM processes WHERE instance_id=? AND process_id=?`, string(instance), string(proc))
	var p model.Process
	var iid, pid string
	if err := row.Scan(&iid, &pid, &p.Name, &p.RegisteredAt, &p.PublicIP, &p.CurrBP, &p.Permit, &p.Finished, &p.Refreshed); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.Process{}, ErrNotFound
		}
		return model.Process{}, fmt.Errorf("load process: %w", err)
	}
	p.InstanceID = model.InstanceID(iid)
	p.ID = model.ProcessID(pid)
	return p, nil
}

func (s *MySQLInstanceStore) ListProcesses(ctx context.Context, instance model.InstanceID) ([]model.Process, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT instance_id, process_id, name, registered_at, public_ip, curr_bp, permit, finished, refreshed FROM processes WHERE instance_id=? ORDER BY name, process_id`, string(instance))
	if err != nil {
		return nil, fmt.Errorf("list processes: %w", err)
	}
	defer rows.Close()
	var out []model.Process
	for rows.Next() {
		var p model.Process
		var iid, pid string
		if err := rows.Scan(&iid, &pid, &p.Name, &p.RegisteredAt, &p.PublicIP, &p.CurrBP, &p.Permit, &p.Finished, &p.Refreshed); err != nil {
			return nil, fmt.Errorf("scan process: %w", err)
		}
		p.InstanceID = model.InstanceID(iid)
		p.ID = model.ProcessID(pid)
		out = append(out, p)
	}
	return out, rows.Err()
}

func (s *MySQLInstanceStore) SetPermit(ctx context.Context, instance model.InstanceID, procIDs []model.ProcessID, permit bool) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin set permit tx: %w", err)
	}
	defer tx.Rollback()
	for _, pid := range procIDs {
		if permit {
			if _, err := tx.ExecContext(ctx, `UPDATE processes SET permit=TRUE WHERE instance_id=? AND process_id=? AND finished=FALSE`, string(instance), string(pid)); err != nil {
				return fmt.Errorf("set permit: %w", err)
			}
		} else {
			if _, err := tx.ExecContext(ctx, `UPDATE processes SET permit=FALSE WHERE instance_id=? AND process_id=?`, string(instance), string(pid)); err != nil {
				return fmt.Errorf("clear permit: %w", err)
			}
		}
	}
	return tx.Commit()
}

func (s *MySQLInstanceStore) ResetRefreshed(ctx context.Context, instance model.InstanceID) error {
	_, err := s.db.ExecContext(ctx, `UPDATE processes SET refreshed=FALSE WHERE instance_id=?`, string(instance))
	if err != nil {
		return fmt.Errorf("reset refreshed: %w", err)
	}
	return nil
}

func (s *MySQLInstanceStore) SetRefreshed(ctx context.Context, instance model.InstanceID, proc model.ProcessID, refreshed bool) error {
	res, err := s.db.ExecContext(ctx, `UPDATE processes SET refreshed=? WHERE instance_id=? AND process_id=?`, refreshed, string(instance), string(proc))
	if err != nil {
		return fmt.Errorf("set refreshed: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *MySQLInstanceStore) AppendBreakpoint(ctx context.Context, bp model.Breakpoint) error {
	tags, err := json.Marshal(bp.Tags)
	if err != nil {
		return fmt.Errorf("marshal tags: %w", err)
	}
	payload, err := json.Marshal(bp.Payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin append breakpoint tx: %w", err)
	}
	defer tx.Rollback()

	var maxNumber sql.NullInt64
	row := tx.QueryRowContext(ctx, `SELECT MAX(bp_number) FROM breakpoints WHERE instance_id=? AND process_id=? FOR UPDATE`, string(bp.InstanceID), string(bp.ProcessID))
	if err := row.Scan(&maxNumber); err != nil {
		return fmt.Errorf("read max breakpoint number: %w", err)
	}
	want := int(maxNumber.Int64) + 1
	if bp.Number != want {
		return macroerr.ErrNonMonotoneBP
	}

	if _, err := tx.ExecContext(ctx, `INSERT INTO breakpoints (instance_id, process_id, bp_number, ts, tags, payload) VALUES (?, ?, ?, ?, ?, ?)`,
		string(bp.InstanceID), string(bp.ProcessID), bp.Number, bp.Timestamp, string(tags), string(payload)); err != nil {
		return fmt.Errorf("append breakpoint: %w", err)
	}
	return tx.Commit()
}

func (s *MySQLInstanceStore) ListBreakpoints(ctx context.Context, instance model.InstanceID, proc model.ProcessID) ([]model.Breakpoint, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT bp_number, ts, tags, payload FROM breakpoints WHERE instance_id=? AND process_id=? ORDER BY bp_number`, string(instance), string(proc))
	if err != nil {
		return nil, fmt.Errorf("list breakpoints: %w", err)
	}
	defer rows.Close()
	var out []model.Breakpoint
	for rows.Next() {
		var bp model.Breakpoint
		var tags, payload string
		if err := rows.Scan(&bp.Number, &bp.Timestamp, &tags, &payload); err != nil {
			return nil, fmt.Errorf("scan breakpoint: %w", err)
		}
		bp.InstanceID = instance
		bp.ProcessID = proc
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

func (s *MySQLInstanceStore) Close() error {
	return s.db.Close()
}
