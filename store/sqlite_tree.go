package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	_ "modernc.org/sqlite"

	"github.com/lbbence95/macrostepd/model"
)

// SQLiteTreeStore is a pure-Go TreeStore backed by its own SQLite file,
// separate from the Instance Store's (§3: "Cross-store references are by
// string id only"). Schema: nodes keyed by (app_name, id); children resolved
// by parent_id rather than by a separate edges table, since the edge label
// is fully determined by the child (I3).
type SQLiteTreeStore struct {
	db   *sql.DB
	mu   sync.Mutex
	path string
}

// NewSQLiteTreeStore opens (creating if necessary) the database at path.
func NewSQLiteTreeStore(path string) (*SQLiteTreeStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite tree store: %w", err)
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

	s := &SQLiteTreeStore{db: db, path: path}
	if err := s.createTables(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create tree store tables: %w", err)
	}
	return s, nil
}

func (s *SQLiteTreeStore) createTables(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS nodes (
			app_name TEXT NOT NULL,
			id TEXT NOT NULL,
			parent_id TEXT NOT NULL DEFAULT '',
			state TEXT NOT NULL,
			kind TEXT NOT NULL,
			branch_factor INTEGER NOT NULL DEFAULT 0,
			exhausted INTEGER NOT NULL DEFAULT 0,
			visited_by TEXT NOT NULL DEFAULT '[]',
			samples TEXT NOT NULL DEFAULT '[]',
			stepped_type TEXT NOT NULL DEFAULT '',
			stepped_ordinal INTEGER NOT NULL DEFAULT 0,
			PRIMARY KEY (app_name, id)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_nodes_parent ON nodes(app_name, parent_id)`,
		`CREATE TABLE IF NOT EXISTS roots (
			app_name TEXT PRIMARY KEY,
			node_id TEXT NOT NULL
		)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

func (s *SQLiteTreeStore) CreateRoot(ctx context.Context, appName string, state model.StateVector) (model.NodeID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	row := s.db.QueryRowContext(ctx, `SELECT node_id FROM roots WHERE app_name=?`, appName)
	var existing string
	err := row.Scan(&existing)
	if err == nil {
		return model.NodeID(existing), nil // §4.4: a pre-existing root's id is adopted
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("check existing root: %w", err)
	}

	id := model.NewNodeID()
	stateJSON, err := json.Marshal(state)
	if err != nil {
		return "", fmt.Errorf("marshal root state: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", fmt.Errorf("begin create root tx: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `INSERT INTO nodes (app_name, id, parent_id, state, kind, branch_factor) VALUES (?, ?, '', ?, ?, ?)`,
		appName, string(id), string(stateJSON), string(model.KindRoot), state.TotalSlots()); err != nil {
		return "", fmt.Errorf("insert root node: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `INSERT INTO roots (app_name, node_id) VALUES (?, ?)`, appName, string(id)); err != nil {
		return "", fmt.Errorf("insert root pointer: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return "", fmt.Errorf("commit create root: %w", err)
	}
	return id, nil
}

// InsertOrDedupe runs the read-then-create under one transaction so
// concurrent sessions for the same Application cannot both insert a
// duplicate sibling (§5, Open Question 3).
func (s *SQLiteTreeStore) InsertOrDedupe(ctx context.Context, appName string, parent model.NodeID, state model.StateVector, steppedType string, steppedOrdinal int, notFinished int) (model.NodeID, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", false, fmt.Errorf("begin insert-or-dedupe tx: %w", err)
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx, `SELECT id, state FROM nodes WHERE app_name=? AND parent_id=?`, appName, string(parent))
	if err != nil {
		return "", false, fmt.Errorf("query siblings: %w", err)
	}
	for rows.Next() {
		var id, stateJSON string
		if err := rows.Scan(&id, &stateJSON); err != nil {
			rows.Close()
			return "", false, fmt.Errorf("scan sibling: %w", err)
		}
		var sv model.StateVector
		if err := json.Unmarshal([]byte(stateJSON), &sv); err != nil {
			rows.Close()
			return "", false, fmt.Errorf("unmarshal sibling state: %w", err)
		}
		if sv.Equal(state) {
			rows.Close()
			return model.NodeID(id), false, nil
		}
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return "", false, fmt.Errorf("iterate siblings: %w", err)
	}

	id := model.NewNodeID()
	stateJSON, err := json.Marshal(state)
	if err != nil {
		return "", false, fmt.Errorf("marshal state: %w", err)
	}
	kind := model.ClassifyKind(notFinished)
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO nodes (app_name, id, parent_id, state, kind, branch_factor, stepped_type, stepped_ordinal)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		appName, string(id), string(parent), string(stateJSON), string(kind), notFinished, steppedType, steppedOrdinal); err != nil {
		return "", false, fmt.Errorf("insert node: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return "", false, fmt.Errorf("commit insert-or-dedupe: %w", err)
	}
	return id, true, nil
}

func (s *SQLiteTreeStore) LoadNode(ctx context.Context, appName string, id model.NodeID) (model.Node, error) {
	row := s.db.QueryRowContext(ctx, `SELECT id, parent_id, state, kind, branch_factor, exhausted, visited_by, samples, stepped_type, stepped_ordinal FROM nodes WHERE app_name=? AND id=?`, appName, string(id))
	return scanNode(row, appName)
}

func scanNode(row *sql.Row, appName string) (model.Node, error) {
	var n model.Node
	var nid, parentID, stateJSON, kind, visitedJSON, samplesJSON string
	var exhausted int
	if err := row.Scan(&nid, &parentID, &stateJSON, &kind, &n.BranchFactor, &exhausted, &visitedJSON, &samplesJSON, &n.SteppedProcessType, &n.SteppedOrdinal); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.Node{}, ErrNotFound
		}
		return model.Node{}, fmt.Errorf("load node: %w", err)
	}
	n.ID = model.NodeID(nid)
	n.AppName = appName
	n.ParentID = model.NodeID(parentID)
	n.Kind = model.NodeKind(kind)
	n.Exhausted = exhausted != 0
	if err := json.Unmarshal([]byte(stateJSON), &n.State); err != nil {
		return model.Node{}, fmt.Errorf("unmarshal state: %w", err)
	}
	var visited []string
	if err := json.Unmarshal([]byte(visitedJSON), &visited); err != nil {
		return model.Node{}, fmt.Errorf("unmarshal visited_by: %w", err)
	}
	for _, v := range visited {
		n.VisitedBy = append(n.VisitedBy, model.InstanceID(v))
	}
	if err := json.Unmarshal([]byte(samplesJSON), &n.Samples); err != nil {
		return model.Node{}, fmt.Errorf("unmarshal samples: %w", err)
	}
	return n, nil
}

func (s *SQLiteTreeStore) Children(ctx context.Context, appName string, id model.NodeID) ([]model.Node, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, parent_id, state, kind, branch_factor, exhausted, visited_by, samples, stepped_type, stepped_ordinal FROM nodes WHERE app_name=? AND parent_id=? ORDER BY rowid`, appName, string(id))
	if err != nil {
		return nil, fmt.Errorf("query children: %w", err)
	}
	defer rows.Close()
	var out []model.Node
	for rows.Next() {
		var n model.Node
		var nid, parentID, stateJSON, kind, visitedJSON, samplesJSON string
		var exhausted int
		if err := rows.Scan(&nid, &parentID, &stateJSON, &kind, &n.BranchFactor, &exhausted, &visitedJSON, &samplesJSON, &n.SteppedProcessType, &n.SteppedOrdinal); err != nil {
			return nil, fmt.Errorf("scan child: %w", err)
		}
		n.ID = model.NodeID(nid)
		n.AppName = appName
		n.ParentID = model.NodeID(parentID)
		n.Kind = model.NodeKind(kind)
		n.Exhausted = exhausted != 0
		if err := json.Unmarshal([]byte(stateJSON), &n.State); err != nil {
			return nil, fmt.Errorf("unmarshal child state: %w", err)
		}
		var visited []string
		if err := json.Unmarshal([]byte(visitedJSON), &visited); err != nil {
			return nil, fmt.Errorf("unmarshal child visited_by: %w", err)
		}
		for _, v := range visited {
			n.VisitedBy = append(n.VisitedBy, model.InstanceID(v))
		}
		if err := json.Unmarshal([]byte(samplesJSON), &n.Samples); err != nil {
			return nil, fmt.Errorf("unmarshal child samples: %w", err)
		}
		out = append(out, n)
	}
	return out, rows.Err()
}

func (s *SQLiteTreeStore) Parent(ctx context.Context, appName string, id model.NodeID) (model.Node, error) {
	n, err := s.LoadNode(ctx, appName, id)
	if err != nil {
		return model.Node{}, err
	}
	if n.ParentID == "" {
		return model.Node{}, ErrNotFound
	}
	return s.LoadNode(ctx, appName, n.ParentID)
}

func (s *SQLiteTreeStore) SetExhausted(ctx context.Context, appName string, id model.NodeID, exhausted bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	res, err := s.db.ExecContext(ctx, `UPDATE nodes SET exhausted=? WHERE app_name=? AND id=?`, boolToInt(exhausted), appName, string(id))
	if err != nil {
		return fmt.Errorf("set exhausted: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *SQLiteTreeStore) AppendSample(ctx context.Context, appName string, id model.NodeID, sample model.EvalSample) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	node, err := s.LoadNode(ctx, appName, id)
	if err != nil {
		return err
	}
	node.Samples = append(node.Samples, sample)
	samplesJSON, err := json.Marshal(node.Samples)
	if err != nil {
		return fmt.Errorf("marshal samples: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `UPDATE nodes SET samples=? WHERE app_name=? AND id=?`, string(samplesJSON), appName, string(id))
	if err != nil {
		return fmt.Errorf("append sample: %w", err)
	}
	return nil
}

func (s *SQLiteTreeStore) RecordVisit(ctx context.Context, appName string, id model.NodeID, instance model.InstanceID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	node, err := s.LoadNode(ctx, appName, id)
	if err != nil {
		return err
	}
	node.VisitedBy = append(node.VisitedBy, instance)
	visited := make([]string, len(node.VisitedBy))
	for i, v := range node.VisitedBy {
		visited[i] = string(v)
	}
	visitedJSON, err := json.Marshal(visited)
	if err != nil {
		return fmt.Errorf("marshal visited_by: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `UPDATE nodes SET visited_by=? WHERE app_name=? AND id=?`, string(visitedJSON), appName, string(id))
	if err != nil {
		return fmt.Errorf("record visit: %w", err)
	}
	return nil
}

func (s *SQLiteTreeStore) Close() error {
	return s.db.Close()
}
