// Package model holds the data types shared across the coordination,
// tree-management, and evaluation packages.
package model

import "github.com/google/uuid"

// InstanceID identifies one live deployment of an Application, assigned by
// the orchestrator.
type InstanceID string

// ProcessID identifies one process within an Instance.
type ProcessID string

// NodeID identifies one Collective Breakpoint in the execution tree.
type NodeID string

// NewNodeID allocates a fresh, globally unique node id.
func NewNodeID() NodeID {
	return NodeID(uuid.NewString())
}
