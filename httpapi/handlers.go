package httpapi

import (
	"fmt"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/lbbence95/macrostepd/ingest"
	"github.com/lbbence95/macrostepd/macroerr"
	"github.com/lbbence95/macrostepd/model"
	"github.com/lbbence95/macrostepd/permission"
)

func pathIDs(r *http.Request) (model.InstanceID, model.ProcessID) {
	return model.InstanceID(chi.URLParam(r, "instance")), model.ProcessID(chi.URLParam(r, "process"))
}

func readPayload(r *http.Request) (ingest.Payload, error) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		return ingest.Payload{}, macroerr.Wrap(macroerr.Validation, "httpapi.readPayload", "failed to read request body", macroerr.ErrMalformedPayload)
	}
	return ingest.ValidatePayload(body)
}

// handleSubmit implements POST /Submit/{instance}/{process}/ (§4.1, §6).
func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	instance, proc := pathIDs(r)
	payload, err := readPayload(r)
	if err != nil {
		writeError(w, err)
		return
	}
	if err := s.Ingest.Submit(r.Context(), instance, proc, payload); err != nil {
		writeError(w, err)
		return
	}
	writeResult(w, http.StatusOK, "submitted")
}

// handleRefresh implements POST /Refresh/{instance}/{process}/ (§4.1, §6).
func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	instance, proc := pathIDs(r)
	payload, err := readPayload(r)
	if err != nil {
		writeError(w, err)
		return
	}
	if err := s.Ingest.Refresh(r.Context(), instance, proc, payload); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleNext implements GET /Next/{instance}/{process}/ (§4.2, §6): the
// tri-state result maps to 200/204/205, collapsing to 404 when the process
// is unknown.
func (s *Server) handleNext(w http.ResponseWriter, r *http.Request) {
	instance, proc := pathIDs(r)
	decision, err := s.Permission.Decide(r.Context(), instance, proc)
	if err != nil {
		writeError(w, err)
		return
	}
	switch decision {
	case permission.Go:
		w.WriteHeader(http.StatusOK)
	case permission.Wait:
		w.WriteHeader(http.StatusNoContent)
	case permission.Refresh:
		w.WriteHeader(http.StatusResetContent)
	}
}

// handleListInstances implements GET /infrastructures/ (§6).
func (s *Server) handleListInstances(w http.ResponseWriter, r *http.Request) {
	ids, err := s.Instances.ListInstances(r.Context())
	if err != nil {
		writeError(w, macroerr.Wrap(macroerr.External, "httpapi.handleListInstances", "failed to list instances", err))
		return
	}
	writeJSON(w, http.StatusOK, ids)
}

// handleListProcesses implements GET /infrastructures/{instance} (§6).
func (s *Server) handleListProcesses(w http.ResponseWriter, r *http.Request) {
	instance := model.InstanceID(chi.URLParam(r, "instance"))
	if _, err := s.Instances.LoadInstance(r.Context(), instance); err != nil {
		writeError(w, macroerr.Wrap(macroerr.Validation, "httpapi.handleListProcesses", "unknown instance", macroerr.ErrInstanceNotFound))
		return
	}
	procs, err := s.Instances.ListProcesses(r.Context(), instance)
	if err != nil {
		writeError(w, macroerr.Wrap(macroerr.External, "httpapi.handleListProcesses", "failed to list processes", err))
		return
	}
	writeJSON(w, http.StatusOK, procs)
}

// handleListBreakpoints implements GET /infrastructures/{instance}/{process}
// (§6, §12): the process's breakpoint log, keyed "breakpoint1",
// "breakpoint2", ... rather than a bare array, for wire compatibility with
// Report_breakpoints_of_a_node's map shape.
func (s *Server) handleListBreakpoints(w http.ResponseWriter, r *http.Request) {
	instance, proc := pathIDs(r)
	if _, err := s.Instances.LoadProcess(r.Context(), instance, proc); err != nil {
		writeError(w, macroerr.Wrap(macroerr.Validation, "httpapi.handleListBreakpoints", "unknown process", macroerr.ErrProcessNotFound))
		return
	}
	bps, err := s.Instances.ListBreakpoints(r.Context(), instance, proc)
	if err != nil {
		writeError(w, macroerr.Wrap(macroerr.External, "httpapi.handleListBreakpoints", "failed to list breakpoints", err))
		return
	}
	byOrdinal := make(map[string]model.Breakpoint, len(bps))
	for _, bp := range bps {
		byOrdinal[fmt.Sprintf("breakpoint%d", bp.Number)] = bp
	}
	writeJSON(w, http.StatusOK, byOrdinal)
}
