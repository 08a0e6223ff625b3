// Package occopus implements orchestrator.Adapter against an Occopus
// REST endpoint: POST /infrastructures/ to start, DELETE
// /infrastructures/{id} to destroy, GET /infrastructures/{id} to poll
// process state.
package occopus

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"sort"
	"time"

	"github.com/sony/gobreaker"
	"gopkg.in/yaml.v3"

	"github.com/lbbence95/macrostepd/orchestrator"
)

// Client is an orchestrator.Adapter backed by an Occopus REST API, guarded
// by a circuit breaker so a wedged orchestrator doesn't stall every session
// driver loop waiting on it.
type Client struct {
	HTTP    *http.Client
	breaker *gobreaker.CircuitBreaker
}

// New constructs a Client with a circuit breaker tripping after 5
// consecutive failures and a 30s open-state cooldown.
func New() *Client {
	return &Client{
		HTTP: &http.Client{Timeout: 30 * time.Second},
		breaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        "occopus",
			MaxRequests: 1,
			Interval:    0,
			Timeout:     30 * time.Second,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= 5
			},
		}),
	}
}

type infraDescriptor struct {
	Nodes []struct {
		Name string `yaml:"name"`
	} `yaml:"nodes"`
}

// ValidateDescriptor parses the YAML infrastructure descriptor and checks
// it declares at least one node.
func (c *Client) ValidateDescriptor(_ context.Context, descriptorRef string) error {
	data, err := os.ReadFile(descriptorRef)
	if err != nil {
		return fmt.Errorf("%w: %v", orchestrator.ErrInvalidDescriptor, err)
	}
	var desc infraDescriptor
	if err := yaml.Unmarshal(data, &desc); err != nil {
		return fmt.Errorf("%w: %v", orchestrator.ErrInvalidDescriptor, err)
	}
	if len(desc.Nodes) == 0 {
		return fmt.Errorf("%w: no nodes declared", orchestrator.ErrInvalidDescriptor)
	}
	return nil
}

// ProcessTypes returns the sorted set of node names the descriptor declares.
func (c *Client) ProcessTypes(_ context.Context, descriptorRef string) ([]string, error) {
	data, err := os.ReadFile(descriptorRef)
	if err != nil {
		return nil, fmt.Errorf("read descriptor: %w", err)
	}
	var desc infraDescriptor
	if err := yaml.Unmarshal(data, &desc); err != nil {
		return nil, fmt.Errorf("parse descriptor: %w", err)
	}
	seen := make(map[string]bool, len(desc.Nodes))
	names := make([]string, 0, len(desc.Nodes))
	for _, n := range desc.Nodes {
		if seen[n.Name] {
			continue
		}
		seen[n.Name] = true
		names = append(names, n.Name)
	}
	sort.Strings(names)
	return names, nil
}

type startResponse struct {
	InfraID string `json:"infraid"`
}

// Start POSTs the infrastructure descriptor to Occopus and returns the
// infrastructure ID it assigns.
func (c *Client) Start(ctx context.Context, orchestratorURL, descriptorRef string) (string, error) {
	body, err := os.ReadFile(descriptorRef)
	if err != nil {
		return "", fmt.Errorf("read descriptor: %w", err)
	}

	result, err := c.breaker.Execute(func() (any, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, orchestratorURL+"/infrastructures/", bytes.NewReader(body))
		if err != nil {
			return nil, err
		}
		resp, err := c.HTTP.Do(req)
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()
		var parsed startResponse
		if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
			return nil, fmt.Errorf("decode start response: %w", err)
		}
		if parsed.InfraID == "" {
			return nil, fmt.Errorf("occopus: start response missing infraid")
		}
		return parsed.InfraID, nil
	})
	if err != nil {
		return "", fmt.Errorf("occopus start: %w", err)
	}
	return result.(string), nil
}

// Destroy DELETEs the instance's infrastructure.
func (c *Client) Destroy(ctx context.Context, orchestratorURL, instanceID string) error {
	_, err := c.breaker.Execute(func() (any, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodDelete, orchestratorURL+"/infrastructures/"+instanceID, nil)
		if err != nil {
			return nil, err
		}
		resp, err := c.HTTP.Do(req)
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()
		return nil, nil
	})
	if err != nil {
		return fmt.Errorf("occopus destroy: %w", err)
	}
	return nil
}

// occopusStatus mirrors the GET /infrastructures/{id} response: a map of
// node-type name to its running instance IDs.
type occopusStatus map[string]struct {
	Instances map[string]struct{} `json:"instances"`
}

// CheckProcesses polls instance status and flattens it into ProcessHandles.
func (c *Client) CheckProcesses(ctx context.Context, orchestratorURL, instanceID string) ([]orchestrator.ProcessHandle, error) {
	result, err := c.breaker.Execute(func() (any, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, orchestratorURL+"/infrastructures/"+instanceID, nil)
		if err != nil {
			return nil, err
		}
		resp, err := c.HTTP.Do(req)
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()
		var status occopusStatus
		if err := json.NewDecoder(resp.Body).Decode(&status); err != nil {
			return nil, fmt.Errorf("decode status: %w", err)
		}
		var handles []orchestrator.ProcessHandle
		for name, v := range status {
			for id := range v.Instances {
				handles = append(handles, orchestrator.ProcessHandle{Type: name, ID: id})
			}
		}
		return handles, nil
	})
	if err != nil {
		return nil, fmt.Errorf("occopus check processes: %w", err)
	}
	return result.([]orchestrator.ProcessHandle), nil
}
