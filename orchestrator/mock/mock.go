// Package mock provides an in-memory orchestrator.Adapter for tests and
// local development, standing in for a real Occopus/Terraform deployment.
package mock

import (
	"context"
	"sync"

	"github.com/google/uuid"

	"github.com/lbbence95/macrostepd/orchestrator"
)

// Adapter is a deterministic, in-memory orchestrator.Adapter.
type Adapter struct {
	mu        sync.Mutex
	instances map[string][]orchestrator.ProcessHandle
	// Types, if set, is returned by ProcessTypes for every descriptor.
	Types []string
}

// New constructs a mock Adapter, optionally pre-declaring process types.
func New(types ...string) *Adapter {
	return &Adapter{instances: make(map[string][]orchestrator.ProcessHandle), Types: types}
}

func (a *Adapter) ValidateDescriptor(_ context.Context, descriptorRef string) error {
	if descriptorRef == "" {
		return orchestrator.ErrInvalidDescriptor
	}
	return nil
}

func (a *Adapter) ProcessTypes(_ context.Context, _ string) ([]string, error) {
	return a.Types, nil
}

// Start fabricates one process handle per declared type and registers a new
// instance id for them.
func (a *Adapter) Start(_ context.Context, _, _ string) (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	id := uuid.NewString()
	var handles []orchestrator.ProcessHandle
	for _, t := range a.Types {
		handles = append(handles, orchestrator.ProcessHandle{Type: t, ID: uuid.NewString(), IP: "127.0.0.1"})
	}
	a.instances[id] = handles
	return id, nil
}

func (a *Adapter) Destroy(_ context.Context, _, instanceID string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.instances, instanceID)
	return nil
}

func (a *Adapter) CheckProcesses(_ context.Context, _, instanceID string) ([]orchestrator.ProcessHandle, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.instances[instanceID], nil
}
