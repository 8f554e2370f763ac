package api

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"

	"github.com/clearline-health/authcore/pkg/contracts"
	"github.com/clearline-health/authcore/pkg/lifecycle"
	"github.com/clearline-health/authcore/pkg/observability"
	"github.com/clearline-health/authcore/pkg/orchestrator"
	"github.com/clearline-health/authcore/pkg/rules"
)

const auditorHeader = "X-Auditor-ID"

// Server exposes the authorization core over JSON/HTTP.
type Server struct {
	machine *lifecycle.Machine
	engine  *rules.Engine
	orch    *orchestrator.Orchestrator
	obs     *observability.Provider
	log     *slog.Logger
	limiter *RateLimiter
}

func NewServer(machine *lifecycle.Machine, engine *rules.Engine, orch *orchestrator.Orchestrator, obs *observability.Provider) *Server {
	return &Server{
		machine: machine,
		engine:  engine,
		orch:    orch,
		obs:     obs,
		log:     slog.Default().With("component", "api"),
		limiter: NewRateLimiter(50, 100),
	}
}

// Handler builds the route table.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.HandleFunc("POST /v1/cases", s.handleSubmit)
	mux.HandleFunc("GET /v1/cases", s.handleList)
	mux.HandleFunc("GET /v1/cases/{id}", s.handleGet)
	mux.HandleFunc("POST /v1/cases/{id}/assign", s.handleAssign)
	mux.HandleFunc("POST /v1/cases/{id}/unassign", s.handleUnassign)
	mux.HandleFunc("POST /v1/cases/{id}/decision", s.handleDecide)
	mux.HandleFunc("GET /v1/cases/{id}/audit", s.handleAudit)
	mux.HandleFunc("POST /v1/cases/{id}/verify", s.handleVerify)
	mux.HandleFunc("POST /v1/cases/{id}/analyses", s.handleRequestAnalysis)
	mux.HandleFunc("GET /v1/cases/{id}/analyses", s.handleListAnalyses)
	return s.limiter.Middleware(mux)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type submitRequest struct {
	PatientRef     string `json:"patient_ref"`
	ProcedureCode  string `json:"procedure_code"`
	RequestedValue string `json:"requested_value"`
	Priority       string `json:"priority"`
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	ctx, finish := s.obs.TrackOperation(r.Context(), "case.submit")
	var opErr error
	defer func() { finish(opErr) }()

	var req submitRequest
	if !s.decode(w, r, &req) {
		return
	}
	value, err := decimal.NewFromString(req.RequestedValue)
	if err != nil {
		opErr = err
		WriteError(w, r, http.StatusBadRequest, "Validation Failed", "requested_value is not a decimal number")
		return
	}

	c, err := s.machine.Submit(ctx, lifecycle.SubmitInput{
		PatientRef:     req.PatientRef,
		ProcedureCode:  req.ProcedureCode,
		RequestedValue: value,
		Priority:       contracts.Priority(req.Priority),
	})
	if err != nil {
		opErr = err
		WriteDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, c)
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	status := contracts.CaseStatus(r.URL.Query().Get("status"))
	if status != "" && !status.Valid() {
		WriteError(w, r, http.StatusBadRequest, "Validation Failed", "unknown status filter")
		return
	}
	cases, err := s.machine.List(r.Context(), status, r.URL.Query().Get("assignee"))
	if err != nil {
		WriteDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"cases": cases})
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	c, err := s.machine.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		WriteDomainError(w, r, err)
		return
	}
	resp := map[string]any{"case": c}
	if d, err := s.machine.Decision(r.Context(), c.ID); err == nil {
		resp["decision"] = d
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleAssign(w http.ResponseWriter, r *http.Request) {
	ctx, finish := s.obs.TrackOperation(r.Context(), "case.assign")
	var opErr error
	defer func() { finish(opErr) }()

	auditor := r.Header.Get(auditorHeader)
	c, err := s.machine.Assign(ctx, r.PathValue("id"), auditor)
	if err != nil {
		opErr = err
		WriteDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

func (s *Server) handleUnassign(w http.ResponseWriter, r *http.Request) {
	ctx, finish := s.obs.TrackOperation(r.Context(), "case.unassign")
	var opErr error
	defer func() { finish(opErr) }()

	c, err := s.machine.Unassign(ctx, r.PathValue("id"))
	if err != nil {
		opErr = err
		WriteDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

type decideRequest struct {
	Outcome         string  `json:"outcome"`
	Justification   string  `json:"justification"`
	AuthorizedValue *string `json:"authorized_value,omitempty"`
}

func (s *Server) handleDecide(w http.ResponseWriter, r *http.Request) {
	ctx, finish := s.obs.TrackOperation(r.Context(), "case.decide",
		attribute.String("case_id", r.PathValue("id")))
	var opErr error
	defer func() { finish(opErr) }()

	auditor := r.Header.Get(auditorHeader)
	if auditor == "" {
		WriteError(w, r, http.StatusBadRequest, "Validation Failed", "missing "+auditorHeader+" header")
		return
	}

	var req decideRequest
	if !s.decode(w, r, &req) {
		return
	}
	var authorized *decimal.Decimal
	if req.AuthorizedValue != nil {
		v, err := decimal.NewFromString(*req.AuthorizedValue)
		if err != nil {
			opErr = err
			WriteError(w, r, http.StatusBadRequest, "Validation Failed", "authorized_value is not a decimal number")
			return
		}
		authorized = &v
	}

	d, err := s.engine.SubmitDecision(ctx, r.PathValue("id"), auditor,
		contracts.Outcome(req.Outcome), req.Justification, authorized)
	if err != nil {
		opErr = err
		WriteDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, d)
}

func (s *Server) handleAudit(w http.ResponseWriter, r *http.Request) {
	caseID := r.PathValue("id")
	if _, err := s.machine.Get(r.Context(), caseID); err != nil {
		WriteDomainError(w, r, err)
		return
	}
	chain, err := s.machine.AuditChain(r.Context(), caseID)
	if err != nil {
		WriteDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"entries": chain})
}

func (s *Server) handleVerify(w http.ResponseWriter, r *http.Request) {
	caseID := r.PathValue("id")
	if _, err := s.machine.Get(r.Context(), caseID); err != nil {
		WriteDomainError(w, r, err)
		return
	}
	if err := s.machine.VerifyChain(r.Context(), caseID); err != nil {
		WriteDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"case_id": caseID, "valid": true})
}

type analysisRequest struct {
	Type    string `json:"type"`
	Urgency string `json:"urgency"`
}

func (s *Server) handleRequestAnalysis(w http.ResponseWriter, r *http.Request) {
	ctx, finish := s.obs.TrackOperation(r.Context(), "case.analyze")
	var opErr error
	defer func() { finish(opErr) }()

	var req analysisRequest
	if !s.decode(w, r, &req) {
		return
	}
	h, err := s.orch.RequestAnalysis(ctx, r.PathValue("id"),
		contracts.AnalysisType(req.Type), contracts.Urgency(req.Urgency))
	if err != nil {
		opErr = err
		WriteDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{
		"case_id": h.CaseID,
		"type":    h.Type,
		"status":  "in_flight",
	})
}

func (s *Server) handleListAnalyses(w http.ResponseWriter, r *http.Request) {
	caseID := r.PathValue("id")
	if _, err := s.machine.Get(r.Context(), caseID); err != nil {
		WriteDomainError(w, r, err)
		return
	}
	analyses, err := s.machine.Analyses(r.Context(), caseID)
	if err != nil {
		WriteDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"analyses": analyses})
}

func (s *Server) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		WriteError(w, r, http.StatusBadRequest, "Validation Failed", "invalid request body")
		return false
	}
	return true
}
