package ingest

import (
	"context"
	"time"

	"github.com/lbbence95/macrostepd/graph/emit"
	"github.com/lbbence95/macrostepd/macroerr"
	"github.com/lbbence95/macrostepd/metrics"
	"github.com/lbbence95/macrostepd/model"
	"github.com/lbbence95/macrostepd/store"
)

// Service implements the two Ingest Endpoint operations of §4.1.
type Service struct {
	Instances store.InstanceStore
	Emitter   emit.Emitter
	// Metrics is optional; a nil value disables metric recording.
	Metrics *metrics.Collectors
}

// New constructs an ingest Service.
func New(instances store.InstanceStore, emitter emit.Emitter) *Service {
	if emitter == nil {
		emitter = emit.NewNullEmitter()
	}
	return &Service{Instances: instances, Emitter: emitter}
}

// Submit records a process's report of having hit its next breakpoint.
//
// Effects are atomic per call: a new process is created with curr_bp=1; an
// existing process's breakpoint log is appended and curr_bp incremented.
// Terminal tags set finished, and propagate to the instance once every
// process is finished.
func (s *Service) Submit(ctx context.Context, instance model.InstanceID, proc model.ProcessID, payload Payload) error {
	inst, err := s.Instances.LoadInstance(ctx, instance)
	if err != nil {
		return macroerr.Wrap(macroerr.Validation, "ingest.Submit", "unknown instance", macroerr.ErrInstanceNotFound)
	}

	existing, err := s.Instances.LoadProcess(ctx, instance, proc)
	isNew := err != nil

	var bpNumber int
	var p model.Process
	if isNew {
		bpNumber = 1
		p = model.Process{
			InstanceID:   instance,
			ID:           proc,
			Name:         payload.NodeName,
			RegisteredAt: time.Now(),
			PublicIP:     payload.NodeIP,
			CurrBP:       1,
			Permit:       false,
			Finished:     false,
			Refreshed:    false,
		}
	} else {
		bpNumber = existing.CurrBP + 1
		p = existing
		p.CurrBP = bpNumber
		p.Permit = false
		p.Refreshed = false
	}

	tags := payload.Tags()
	terminal := containsAny(tags, "last", "last_bp")
	if terminal {
		p.Finished = true
	}

	bp := model.Breakpoint{
		InstanceID: instance,
		ProcessID:  proc,
		Number:     bpNumber,
		Timestamp:  time.Now(),
		Tags:       tags,
		Payload:    payload.Raw,
	}
	if err := s.Instances.AppendBreakpoint(ctx, bp); err != nil {
		return macroerr.Wrap(macroerr.Validation, "ingest.Submit", "breakpoint number out of sequence", err)
	}
	if err := s.Instances.UpsertProcess(ctx, p); err != nil {
		return macroerr.Wrap(macroerr.External, "ingest.Submit", "failed to persist process", err)
	}

	s.Emitter.Emit(emit.Event{Msg: "submit", InstanceID: string(instance), ProcessID: string(proc), BPNumber: bpNumber, Meta: map[string]any{
		"finished": p.Finished,
	}})
	s.Metrics.RecordSubmit(inst.AppName, p.Name)

	if terminal {
		if err := s.maybeFinishInstance(ctx, instance); err != nil {
			return err
		}
	}
	return nil
}

func (s *Service) maybeFinishInstance(ctx context.Context, instance model.InstanceID) error {
	procs, err := s.Instances.ListProcesses(ctx, instance)
	if err != nil {
		return macroerr.Wrap(macroerr.External, "ingest.maybeFinishInstance", "failed to list processes", err)
	}
	for _, p := range procs {
		if !p.Finished {
			return nil
		}
	}
	if err := s.Instances.SetInstanceFinished(ctx, instance, true); err != nil {
		return macroerr.Wrap(macroerr.External, "ingest.maybeFinishInstance", "failed to mark instance finished", err)
	}
	s.Emitter.Emit(emit.Event{Msg: "instance_finished", InstanceID: string(instance)})
	return nil
}

// Refresh records that a process has re-read state at its current
// breakpoint without advancing. Per the Open Question in spec.md §9, this
// implementation accepts a full payload for wire symmetry with Submit but
// does not persist it — Refresh only flips the refreshed flag.
func (s *Service) Refresh(ctx context.Context, instance model.InstanceID, proc model.ProcessID, _ Payload) error {
	p, err := s.Instances.LoadProcess(ctx, instance, proc)
	if err != nil {
		return macroerr.Wrap(macroerr.Validation, "ingest.Refresh", "unknown process", macroerr.ErrProcessNotFound)
	}
	if err := s.Instances.SetRefreshed(ctx, instance, proc, true); err != nil {
		return macroerr.Wrap(macroerr.External, "ingest.Refresh", "failed to set refreshed", err)
	}
	s.Emitter.Emit(emit.Event{Msg: "refresh", InstanceID: string(instance), ProcessID: string(proc)})
	if inst, err := s.Instances.LoadInstance(ctx, instance); err == nil {
		s.Metrics.RecordRefresh(inst.AppName, p.Name)
	}
	return nil
}

func containsAny(haystack []string, needles ...string) bool {
	want := make(map[string]bool, len(needles))
	for _, n := range needles {
		want[n] = true
	}
	for _, h := range haystack {
		if want[h] {
			return true
		}
	}
	return false
}
