package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/mmr-tortoise/dil/internal/gatekeeper"
	"github.com/mmr-tortoise/dil/internal/model"
)

// maxBodyBytes caps JSON request bodies.
const maxBodyBytes = 1 << 20

// auditBody mirrors model.AuditRequest with pointers so that missing
// fields can be told apart from zero values.
type auditBody struct {
	UserID      *string  `json:"user_id"`
	Amount      *float64 `json:"amount"`
	AIRiskScore *float64 `json:"ai_risk_score"`
}

func (b auditBody) request() (model.AuditRequest, error) {
	switch {
	case b.UserID == nil:
		return model.AuditRequest{}, errors.New("user_id is required")
	case b.Amount == nil:
		return model.AuditRequest{}, errors.New("amount is required")
	case b.AIRiskScore == nil:
		return model.AuditRequest{}, errors.New("ai_risk_score is required")
	}
	req := model.AuditRequest{UserID: *b.UserID, Amount: *b.Amount, AIRiskScore: *b.AIRiskScore}
	return req, req.Validate()
}

// auditResponse is the committed record plus the ledger depth after it.
type auditResponse struct {
	model.AuditRecord
	ChainDepth int `json:"chain_depth"`
}

func (s *Server) handleAudit(w http.ResponseWriter, r *http.Request) {
	var body auditBody
	if err := decodeJSON(w, r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "Validation error: "+err.Error())
		return
	}
	req, err := body.request()
	if err != nil {
		writeError(w, http.StatusBadRequest, "Validation error: "+err.Error())
		return
	}

	rec, err := s.cfg.Engine.ProcessAudit(r.Context(), req)
	if err != nil {
		s.log.Error().Err(err).Msg("audit failed")
		writeError(w, http.StatusInternalServerError, "Internal server error during audit processing")
		return
	}
	writeJSON(w, http.StatusOK, auditResponse{AuditRecord: rec, ChainDepth: int(rec.Sequence)})
}

func (s *Server) handleEvaluate(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Gatekeeper == nil {
		writeError(w, http.StatusServiceUnavailable, "Gatekeeper not configured")
		return
	}
	var ev model.Evaluation
	if err := decodeJSON(w, r, &ev); err != nil {
		writeError(w, http.StatusBadRequest, "Validation error: "+err.Error())
		return
	}

	decision, err := s.cfg.Gatekeeper.Evaluate(r.Context(), ev)
	switch {
	case errors.Is(err, gatekeeper.ErrNoAction):
		writeError(w, http.StatusBadRequest, "Validation error: "+err.Error())
	case err != nil:
		s.log.Error().Err(err).Msg("evaluation failed")
		writeError(w, http.StatusInternalServerError, "Internal server error during evaluation")
	default:
		writeJSON(w, http.StatusOK, decision)
	}
}

type ledgerResponse struct {
	Records        []model.AuditRecord `json:"records"`
	TotalCount     int                 `json:"total_count"`
	ChainIntegrity bool                `json:"chain_integrity"`
	CurrentHash    *string             `json:"current_hash"`
}

func (s *Server) handleLedger(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("Validation error: limit must be an integer, got %q", raw))
			return
		}
		limit = n
	}

	eng := s.cfg.Engine
	resp := ledgerResponse{
		Records:        eng.Ledger(limit),
		TotalCount:     eng.LedgerSize(),
		ChainIntegrity: eng.ChainIntegrity(),
	}
	if head := eng.CurrentHash(); head != "" {
		resp.CurrentHash = &head
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleVerify(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.cfg.Engine.VerifyChain())
}

type healthResponse struct {
	Status         string `json:"status"`
	Service        string `json:"service"`
	LedgerSize     int    `json:"ledger_size"`
	ChainIntegrity bool   `json:"chain_integrity"`
	SchemaVersion  int64  `json:"schema_version,omitempty"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := healthResponse{
		Status:         "healthy",
		Service:        "DIL API",
		LedgerSize:     s.cfg.Engine.LedgerSize(),
		ChainIntegrity: s.cfg.Engine.ChainIntegrity(),
	}
	if s.cfg.Store != nil {
		version, err := s.ledgerVersion(r.Context())
		if err != nil {
			s.log.Error().Err(err).Msg("health check failed")
			writeError(w, http.StatusServiceUnavailable, "Service unavailable")
			return
		}
		resp.SchemaVersion = version
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) ledgerVersion(ctx context.Context) (int64, error) {
	if err := s.cfg.Store.Ping(ctx); err != nil {
		return 0, err
	}
	return s.cfg.Store.Version(ctx)
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("invalid JSON body: %w", err)
	}
	return nil
}
