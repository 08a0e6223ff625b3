// Package orchestrator defines the Orchestrator Adapter contract of §6: the
// boundary between the debugger and whatever provisions process instances
// (Occopus, Terraform, ...).
package orchestrator

import (
	"context"
	"errors"
)

// ErrInvalidDescriptor is returned by ValidateDescriptor when a descriptor
// fails structural validation.
var ErrInvalidDescriptor = errors.New("orchestrator: invalid infrastructure descriptor")

// ProcessHandle is one orchestrator-reported process (VM, pod, container)
// belonging to an instance, before it has necessarily registered with the
// Ingest Endpoint.
type ProcessHandle struct {
	Type string // process type name, matches an Application's declared types
	ID   string
	IP   string
}

// Adapter is the contract every orchestrator plugin implements (§6:
// "start", "destroy", "check_processes", "get_process_types", "validate").
type Adapter interface {
	// ValidateDescriptor checks an infrastructure descriptor file for
	// structural validity before an Application is registered.
	ValidateDescriptor(ctx context.Context, descriptorRef string) error

	// ProcessTypes extracts the declared process type names from a
	// validated infrastructure descriptor.
	ProcessTypes(ctx context.Context, descriptorRef string) ([]string, error)

	// Start provisions a new instance from an infrastructure descriptor and
	// returns the orchestrator's own instance identifier.
	Start(ctx context.Context, orchestratorURL, descriptorRef string) (string, error)

	// Destroy tears down a previously started instance.
	Destroy(ctx context.Context, orchestratorURL, instanceID string) error

	// CheckProcesses polls the orchestrator for the set of processes it has
	// brought up for instanceID, used to corroborate that every process the
	// orchestrator started has also registered with the Ingest Endpoint.
	CheckProcesses(ctx context.Context, orchestratorURL, instanceID string) ([]ProcessHandle, error)
}
