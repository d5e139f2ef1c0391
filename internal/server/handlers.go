package server

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/dyocense/kernel/internal/kernel/admission"
	"github.com/dyocense/kernel/internal/kernel/registry"
	"github.com/dyocense/kernel/internal/kernel/run"
)

// maxBodyBytes caps submit bodies well above any tier's data limits; the
// per-tier byte caps are admission's job.
const maxBodyBytes = 1 << 20

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	id := identityFrom(r.Context())
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		writeError(w, run.Errf(run.KindValidation, "read body: %v", err))
		return
	}
	req, err := decodeSubmit(body)
	if err != nil {
		writeError(w, err)
		return
	}
	// A body without tenant_id submits as the authenticated tenant; a body
	// naming someone else is rejected by admission.
	if req.TenantID == "" {
		req.TenantID = id.TenantID
	}

	rcpt, err := s.kern.Submit(r.Context(), id, req)
	if err != nil {
		writeError(w, err)
		return
	}
	status := http.StatusAccepted
	if rcpt.DuplicateOf != "" {
		status = http.StatusOK
	}
	writeJSON(w, status, rcpt)
}

func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	doc, err := s.kern.GetRun(r.Context(), identityFrom(r.Context()), chi.URLParam(r, "runID"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, doc)
}

func (s *Server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	var f registry.ListFilter
	q := r.URL.Query()
	if v := q.Get("state"); v != "" {
		st, err := run.ParseState(v)
		if err != nil {
			writeError(w, run.Errf(run.KindValidation, "%v", err))
			return
		}
		f.State = st
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			writeError(w, run.Errf(run.KindValidation, "limit %q is not a positive integer", v))
			return
		}
		f.Limit = n
	}

	docs, err := s.kern.ListRuns(r.Context(), identityFrom(r.Context()), f)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, listResponse{Runs: docs})
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	doc, err := s.kern.Cancel(r.Context(), identityFrom(r.Context()), chi.URLParam(r, "runID"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, cancelResponse{RunID: doc.RunID, State: doc.State})
}

func (s *Server) handlePurgeIdempotency(w http.ResponseWriter, r *http.Request) {
	err := s.kern.PurgeIdempotency(r.Context(), identityFrom(r.Context()), chi.URLParam(r, "key"))
	if err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleBudget(w http.ResponseWriter, r *http.Request) {
	u, err := s.kern.BudgetUsage(r.Context(), identityFrom(r.Context()))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, u)
}

type listResponse struct {
	Runs []*run.Run `json:"runs"`
}

type cancelResponse struct {
	RunID string    `json:"run_id"`
	State run.State `json:"state"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError renders the taxonomy envelope with its HTTP status.
func writeError(w http.ResponseWriter, err error) {
	writeJSON(w, statusOf(err), run.EnvelopeOf(err))
}

func statusOf(err error) int {
	if errors.Is(err, admission.ErrTenantMismatch) {
		return http.StatusForbidden
	}
	switch run.KindOf(err) {
	case run.KindValidation, run.KindSchemaViolation:
		return http.StatusBadRequest
	case run.KindAuthFailed, run.KindTenantUnknown:
		return http.StatusUnauthorized
	case run.KindNotFound:
		return http.StatusNotFound
	case run.KindConflict:
		return http.StatusConflict
	case run.KindBudgetExhausted:
		return http.StatusTooManyRequests
	case run.KindServiceUnavailable, run.KindStoreUnavailable, run.KindAdapterUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
