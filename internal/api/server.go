package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/mandatekernel/authority-core/pkg/contracts"
	"github.com/mandatekernel/authority-core/pkg/evaluator"
	"github.com/mandatekernel/authority-core/pkg/mandate"
)

// DecisionPublisher hands a completed decision off to the async event
// pipeline for durable ledger recording, keeping the evaluate hot path
// itself free of any ledger-write latency.
type DecisionPublisher interface {
	Publish(req contracts.DecisionRequest, decision contracts.Decision)
}

// Handler serves the authority kernel's HTTP surface: hot-path
// evaluation plus mandate lifecycle management.
type Handler struct {
	eval      *evaluator.Evaluator
	mandate   *mandate.Manager
	publisher DecisionPublisher
	mux       *http.ServeMux
}

func NewHandler(eval *evaluator.Evaluator, mgr *mandate.Manager, publisher DecisionPublisher) *Handler {
	h := &Handler{eval: eval, mandate: mgr, publisher: publisher, mux: http.NewServeMux()}
	h.mux.HandleFunc("/health", h.handleHealth)
	h.mux.HandleFunc("/v1/evaluate", h.handleEvaluate)
	h.mux.HandleFunc("/v1/mandates/issue", h.handleIssue)
	h.mux.HandleFunc("/v1/mandates/delegate", h.handleDelegate)
	h.mux.HandleFunc("/v1/mandates/revoke", h.handleRevoke)
	return h
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mux.ServeHTTP(w, r)
}

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	WriteJSON(w, map[string]string{"status": "ok"})
}

func (h *Handler) handleEvaluate(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		WriteMethodNotAllowed(w, r)
		return
	}
	var req contracts.DecisionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		WriteBadRequest(w, r, "invalid request body: "+err.Error())
		return
	}
	decision := h.eval.Evaluate(r.Context(), req)
	if h.publisher != nil {
		h.publisher.Publish(req, decision)
	}
	WriteJSON(w, decision)
}

type issueRequestBody struct {
	PolicyID    string          `json:"policy_id"`
	PrincipalID string          `json:"principal_id"`
	IssuedTo    string          `json:"issued_to"`
	Resources   []string        `json:"resources"`
	Actions     []string        `json:"actions"`
	Budget      contracts.Money `json:"budget"`
	ValiditySec int64           `json:"validity_seconds"`
	IntentHash  string          `json:"intent_hash,omitempty"`
}

func (h *Handler) handleIssue(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		WriteMethodNotAllowed(w, r)
		return
	}
	var body issueRequestBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		WriteBadRequest(w, r, "invalid request body: "+err.Error())
		return
	}
	m, err := h.mandate.Issue(r.Context(), mandate.IssueRequest{
		PolicyID:    body.PolicyID,
		PrincipalID: body.PrincipalID,
		IssuedTo:    body.IssuedTo,
		Resources:   body.Resources,
		Actions:     body.Actions,
		Budget:      body.Budget,
		Validity:    time.Duration(body.ValiditySec) * time.Second,
		IntentHash:  body.IntentHash,
	})
	if err != nil {
		WriteBadRequest(w, r, err.Error())
		return
	}
	WriteJSON(w, m)
}

type delegateRequestBody struct {
	ParentMandateID string          `json:"parent_mandate_id"`
	IssuedTo        string          `json:"issued_to"`
	Resources       []string        `json:"resources"`
	Actions         []string        `json:"actions"`
	Budget          contracts.Money `json:"budget"`
	ValiditySec     int64           `json:"validity_seconds"`
	IntentHash      string          `json:"intent_hash,omitempty"`
}

func (h *Handler) handleDelegate(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		WriteMethodNotAllowed(w, r)
		return
	}
	var body delegateRequestBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		WriteBadRequest(w, r, "invalid request body: "+err.Error())
		return
	}
	m, err := h.mandate.Delegate(r.Context(), mandate.DelegateRequest{
		ParentMandateID: body.ParentMandateID,
		IssuedTo:        body.IssuedTo,
		Resources:       body.Resources,
		Actions:         body.Actions,
		Budget:          body.Budget,
		Validity:        time.Duration(body.ValiditySec) * time.Second,
		IntentHash:      body.IntentHash,
	})
	if err != nil {
		WriteBadRequest(w, r, err.Error())
		return
	}
	WriteJSON(w, m)
}

type revokeRequestBody struct {
	MandateID string `json:"mandate_id"`
	Reason    string `json:"reason"`
}

func (h *Handler) handleRevoke(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		WriteMethodNotAllowed(w, r)
		return
	}
	var body revokeRequestBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		WriteBadRequest(w, r, "invalid request body: "+err.Error())
		return
	}
	if err := h.mandate.Revoke(r.Context(), body.MandateID, body.Reason); err != nil {
		WriteBadRequest(w, r, err.Error())
		return
	}
	h.eval.InvalidateMandate(body.MandateID)
	WriteJSON(w, map[string]string{"status": "revoked"})
}
