package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/mandatekernel/authority-core/pkg/contracts"
	"github.com/mandatekernel/authority-core/pkg/cryptoutil"
	"github.com/mandatekernel/authority-core/pkg/evaluator"
	"github.com/mandatekernel/authority-core/pkg/ledger"
	"github.com/mandatekernel/authority-core/pkg/mandate"
	"github.com/mandatekernel/authority-core/pkg/spendcache"
	"github.com/mandatekernel/authority-core/pkg/store"
)

func newTestHandler(t *testing.T) *Handler {
	t.Helper()
	st, err := store.OpenSQLite(filepath.Join(t.TempDir(), "api_test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	cache := spendcache.New(rdb, st, time.Hour, 2*time.Hour)

	signer, err := cryptoutil.NewSigner("k1")
	require.NoError(t, err)
	reg := cryptoutil.NewKeyRegistry()
	reg.AddKey(signer)

	mgr := mandate.NewManager(st, ledger.NewWriter(st), reg)
	eval := evaluator.New(st, cache, reg, time.Minute)

	require.NoError(t, st.SavePolicy(context.Background(), &contracts.AuthorityPolicy{
		ID:                 uuid.NewString(),
		PrincipalID:        "principal-1",
		MaxBudget:          contracts.Money{MinorUnits: 10_000, Currency: "USD"},
		MaxValidity:        24 * time.Hour,
		AllowedResources:   []string{"aws:s3:**"},
		AllowedActions:     []string{"read", "write"},
		MaxDelegationDepth: 2,
		AllowDelegation:    true,
		Active:             true,
		CreatedAt:          time.Now().UTC(),
	}))

	return NewHandler(eval, mgr, nil)
}

func TestHandleHealthReturnsOK(t *testing.T) {
	h := newTestHandler(t)
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestHandleIssueThenEvaluateAllows(t *testing.T) {
	h := newTestHandler(t)

	issueBody, _ := json.Marshal(issueRequestBody{
		PolicyID:    "", // server resolves the active policy by principal
		PrincipalID: "principal-1",
		IssuedTo:    "agent-a",
		Resources:   []string{"aws:s3:bucket:reports"},
		Actions:     []string{"read"},
		Budget:      contracts.Money{MinorUnits: 1000, Currency: "USD"},
		ValiditySec: 3600,
	})
	req := httptest.NewRequest(http.MethodPost, "/v1/mandates/issue", bytes.NewReader(issueBody))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	var m contracts.Mandate
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&m))
	require.NotEmpty(t, m.ID)

	evalBody, _ := json.Marshal(contracts.DecisionRequest{
		PrincipalID: "principal-1",
		MandateID:   m.ID,
		Resource:    "aws:s3:bucket:reports",
		Action:      "read",
		Cost:        contracts.Money{MinorUnits: 100, Currency: "USD"},
		RequestID:   "req-1",
	})
	req = httptest.NewRequest(http.MethodPost, "/v1/evaluate", bytes.NewReader(evalBody))
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	var decision contracts.Decision
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&decision))
	require.True(t, decision.Allowed)
}

func TestHandleRevokeInvalidatesMandate(t *testing.T) {
	h := newTestHandler(t)

	issueBody, _ := json.Marshal(issueRequestBody{
		PrincipalID: "principal-1",
		IssuedTo:    "agent-a",
		Resources:   []string{"aws:s3:bucket:reports"},
		Actions:     []string{"read"},
		Budget:      contracts.Money{MinorUnits: 1000, Currency: "USD"},
		ValiditySec: 3600,
	})
	req := httptest.NewRequest(http.MethodPost, "/v1/mandates/issue", bytes.NewReader(issueBody))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	var m contracts.Mandate
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&m))

	revokeBody, _ := json.Marshal(revokeRequestBody{MandateID: m.ID, Reason: "test"})
	req = httptest.NewRequest(http.MethodPost, "/v1/mandates/revoke", bytes.NewReader(revokeBody))
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	evalBody, _ := json.Marshal(contracts.DecisionRequest{
		PrincipalID: "principal-1",
		MandateID:   m.ID,
		Resource:    "aws:s3:bucket:reports",
		Action:      "read",
		RequestID:   "req-2",
	})
	req = httptest.NewRequest(http.MethodPost, "/v1/evaluate", bytes.NewReader(evalBody))
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	var decision contracts.Decision
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&decision))
	require.False(t, decision.Allowed)
	require.Equal(t, evaluator.ReasonRevoked, decision.Reason)
}

func TestHandleEvaluateRejectsBadJSON(t *testing.T) {
	h := newTestHandler(t)
	req := httptest.NewRequest(http.MethodPost, "/v1/evaluate", bytes.NewReader([]byte("not json")))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}
