// Package store defines the Instance Store and Execution-Tree Store
// persistence interfaces and their backing implementations (in-memory,
// SQLite, MySQL).
package store

import (
	"context"
	"errors"

	"github.com/lbbence95/macrostepd/model"
)

// ErrNotFound is returned by any lookup method when the requested row or
// node does not exist.
var ErrNotFound = errors.New("store: not found")

// InstanceStore owns Applications, Instances, Processes, and Breakpoints
// (component A).
type InstanceStore interface {
	// SaveApplication inserts or fully replaces an Application row.
	SaveApplication(ctx context.Context, app model.Application) error
	// LoadApplication returns ErrNotFound if name is unregistered.
	LoadApplication(ctx context.Context, name string) (model.Application, error)
	// SetApplicationNodes persists the Application's root/current node ids,
	// the only two mutable fields on an otherwise immutable record.
	SetApplicationNodes(ctx context.Context, name string, rootID, currentID model.NodeID) error

	// CreateInstance registers a freshly started deployment.
	CreateInstance(ctx context.Context, inst model.Instance) error
	// LoadInstance returns ErrNotFound if id is unknown.
	LoadInstance(ctx context.Context, id model.InstanceID) (model.Instance, error)
	// SetInstanceCurrentNode updates the instance's tree position.
	SetInstanceCurrentNode(ctx context.Context, id model.InstanceID, node model.NodeID) error
	// SetInstanceFinished marks an instance finished once every process is.
	SetInstanceFinished(ctx context.Context, id model.InstanceID, finished bool) error
	// ListInstances returns every known instance id, newest first.
	ListInstances(ctx context.Context) ([]model.InstanceID, error)
	// DeleteInstance removes an instance and its processes/breakpoints,
	// used when a session tears an instance down.
	DeleteInstance(ctx context.Context, id model.InstanceID) error

	// UpsertProcess creates the process row on first submit, or updates an
	// existing one. Implementations must treat this as the atomic row-level
	// read-modify-write §5 requires.
	UpsertProcess(ctx context.Context, proc model.Process) error
	// LoadProcess returns ErrNotFound if the (instance, process) pair is
	// unregistered.
	LoadProcess(ctx context.Context, instance model.InstanceID, proc model.ProcessID) (model.Process, error)
	// ListProcesses returns every process of an instance, ordered stably by
	// (name, process id) per I1.
	ListProcesses(ctx context.Context, instance model.InstanceID) ([]model.Process, error)
	// SetPermit sets the permit flag on proc, and zero or more sibling
	// processes in one transaction (permit_set / permit_all of §4.3).
	SetPermit(ctx context.Context, instance model.InstanceID, procIDs []model.ProcessID, permit bool) error
	// ResetRefreshed clears the refreshed flag on every process of instance,
	// called when a new permit set is issued.
	ResetRefreshed(ctx context.Context, instance model.InstanceID) error
	// SetRefreshed marks a single process refreshed.
	SetRefreshed(ctx context.Context, instance model.InstanceID, proc model.ProcessID, refreshed bool) error

	// AppendBreakpoint appends a Breakpoint Record. Implementations must
	// reject (without mutating) a record whose Number is not one more than
	// the highest Number already logged for that process, or not 1 when
	// none is logged yet (P1, I-monotone curr_bp).
	AppendBreakpoint(ctx context.Context, bp model.Breakpoint) error
	// ListBreakpoints returns a process's breakpoint log in Number order.
	ListBreakpoints(ctx context.Context, instance model.InstanceID, proc model.ProcessID) ([]model.Breakpoint, error)

	// Close releases underlying resources (DB handles, files).
	Close() error
}

// TreeStore owns Collective Breakpoints and Macrostep Edges, keyed by
// (application name, node id) (component B).
type TreeStore interface {
	// CreateRoot persists a root node for appName if none exists yet, and
	// returns its id. If a root already exists it is returned unchanged
	// (idempotent, matching §4.4 "if a root already exists... adopt the
	// stored id").
	CreateRoot(ctx context.Context, appName string, state model.StateVector) (model.NodeID, error)

	// InsertOrDedupe implements the tree manager's atomic dedupe-at-insert
	// operation (I2, L2): if a child of parent already has state vector
	// equal to state, its id is returned and created is false; otherwise a
	// new child is created, labeled and classified, and created is true.
	// Implementations must make this a single transaction (Open Question 3).
	InsertOrDedupe(ctx context.Context, appName string, parent model.NodeID, state model.StateVector, steppedType string, steppedOrdinal int, notFinished int) (id model.NodeID, created bool, err error)

	// LoadNode returns ErrNotFound if id is unknown.
	LoadNode(ctx context.Context, appName string, id model.NodeID) (model.Node, error)
	// Children returns id's direct children, in insertion order.
	Children(ctx context.Context, appName string, id model.NodeID) ([]model.Node, error)
	// Parent returns the id's parent node, or ErrNotFound at the root.
	Parent(ctx context.Context, appName string, id model.NodeID) (model.Node, error)

	// SetExhausted marks a node exhausted or not.
	SetExhausted(ctx context.Context, appName string, id model.NodeID, exhausted bool) error
	// AppendSample attaches an evaluator outcome sample to a node.
	AppendSample(ctx context.Context, appName string, id model.NodeID, sample model.EvalSample) error
	// RecordVisit appends instance to a node's visited-by list.
	RecordVisit(ctx context.Context, appName string, id model.NodeID, instance model.InstanceID) error

	// Close releases underlying resources.
	Close() error
}
