package evaluator

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/mandatekernel/authority-core/pkg/contracts"
	"github.com/mandatekernel/authority-core/pkg/cryptoutil"
	"github.com/mandatekernel/authority-core/pkg/ledger"
	"github.com/mandatekernel/authority-core/pkg/mandate"
	"github.com/mandatekernel/authority-core/pkg/spendcache"
	"github.com/mandatekernel/authority-core/pkg/store"
)

func newTestEvaluator(t *testing.T) (*Evaluator, *mandate.Manager, store.Store) {
	t.Helper()
	st, err := store.OpenSQLite(filepath.Join(t.TempDir(), "evaluator_test.db"))
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
	eval := New(st, cache, reg, time.Minute)
	return eval, mgr, st
}

func seedPolicy(t *testing.T, st store.Store, principalID string) {
	t.Helper()
	require.NoError(t, st.SavePolicy(context.Background(), &contracts.AuthorityPolicy{
		ID:                 uuid.NewString(),
		PrincipalID:        principalID,
		MaxBudget:          contracts.Money{MinorUnits: 10_000, Currency: "USD"},
		MaxValidity:        24 * time.Hour,
		AllowedResources:   []string{"aws:s3:**"},
		AllowedActions:     []string{"read", "write"},
		MaxDelegationDepth: 2,
		AllowDelegation:    true,
		Active:             true,
		CreatedAt:          time.Now().UTC(),
	}))
}

func TestEvaluateAllowsWithinScopeAndBudget(t *testing.T) {
	ctx := context.Background()
	eval, mgr, st := newTestEvaluator(t)
	seedPolicy(t, st, "principal-1")

	m, err := mgr.Issue(ctx, mandate.IssueRequest{
		PrincipalID: "principal-1",
		IssuedTo:    "agent-a",
		Resources:   []string{"aws:s3:bucket:reports"},
		Actions:     []string{"read"},
		Budget:      contracts.Money{MinorUnits: 1000, Currency: "USD"},
		Validity:    time.Hour,
	})
	require.NoError(t, err)

	decision := eval.Evaluate(ctx, contracts.DecisionRequest{
		PrincipalID: "principal-1",
		MandateID:   m.ID,
		Resource:    "aws:s3:bucket:reports",
		Action:      "read",
		Cost:        contracts.Money{MinorUnits: 100, Currency: "USD"},
		RequestID:   "req-1",
	})
	require.True(t, decision.Allowed)
	require.Equal(t, ReasonAllow, decision.Reason)
	require.NotEmpty(t, decision.DecisionHash)
	require.NotEmpty(t, decision.IntentHash)
}

func TestEvaluateDeniesOutOfScopeResource(t *testing.T) {
	ctx := context.Background()
	eval, mgr, st := newTestEvaluator(t)
	seedPolicy(t, st, "principal-1")

	m, err := mgr.Issue(ctx, mandate.IssueRequest{
		PrincipalID: "principal-1",
		IssuedTo:    "agent-a",
		Resources:   []string{"aws:s3:bucket:reports"},
		Actions:     []string{"read"},
		Budget:      contracts.Money{MinorUnits: 1000, Currency: "USD"},
		Validity:    time.Hour,
	})
	require.NoError(t, err)

	decision := eval.Evaluate(ctx, contracts.DecisionRequest{
		PrincipalID: "principal-1",
		MandateID:   m.ID,
		Resource:    "aws:s3:bucket:other",
		Action:      "read",
		RequestID:   "req-2",
	})
	require.False(t, decision.Allowed)
	require.Equal(t, ReasonOutOfScope, decision.Reason)
}

func TestEvaluateDeniesRevokedMandate(t *testing.T) {
	ctx := context.Background()
	eval, mgr, st := newTestEvaluator(t)
	seedPolicy(t, st, "principal-1")

	m, err := mgr.Issue(ctx, mandate.IssueRequest{
		PrincipalID: "principal-1",
		IssuedTo:    "agent-a",
		Resources:   []string{"aws:s3:bucket:reports"},
		Actions:     []string{"read"},
		Budget:      contracts.Money{MinorUnits: 1000, Currency: "USD"},
		Validity:    time.Hour,
	})
	require.NoError(t, err)
	require.NoError(t, mgr.Revoke(ctx, m.ID, "test revocation"))
	eval.InvalidateMandate(m.ID)

	decision := eval.Evaluate(ctx, contracts.DecisionRequest{
		PrincipalID: "principal-1",
		MandateID:   m.ID,
		Resource:    "aws:s3:bucket:reports",
		Action:      "read",
		RequestID:   "req-3",
	})
	require.False(t, decision.Allowed)
	require.Equal(t, ReasonRevoked, decision.Reason)
}

func TestEvaluateDeniesExpiredMandate(t *testing.T) {
	ctx := context.Background()
	eval, mgr, st := newTestEvaluator(t)
	seedPolicy(t, st, "principal-1")

	m, err := mgr.Issue(ctx, mandate.IssueRequest{
		PrincipalID: "principal-1",
		IssuedTo:    "agent-a",
		Resources:   []string{"aws:s3:bucket:reports"},
		Actions:     []string{"read"},
		Budget:      contracts.Money{MinorUnits: 1000, Currency: "USD"},
		Validity:    time.Millisecond,
	})
	require.NoError(t, err)
	time.Sleep(5 * time.Millisecond)

	decision := eval.Evaluate(ctx, contracts.DecisionRequest{
		PrincipalID: "principal-1",
		MandateID:   m.ID,
		Resource:    "aws:s3:bucket:reports",
		Action:      "read",
		RequestID:   "req-4",
	})
	require.False(t, decision.Allowed)
	require.Equal(t, ReasonExpired, decision.Reason)
}

func TestEvaluateDeniesOverBudgetSpend(t *testing.T) {
	ctx := context.Background()
	eval, mgr, st := newTestEvaluator(t)
	seedPolicy(t, st, "principal-1")

	m, err := mgr.Issue(ctx, mandate.IssueRequest{
		PrincipalID: "principal-1",
		IssuedTo:    "agent-a",
		Resources:   []string{"aws:s3:bucket:reports"},
		Actions:     []string{"read"},
		Budget:      contracts.Money{MinorUnits: 500, Currency: "USD"},
		Validity:    time.Hour,
	})
	require.NoError(t, err)

	decision := eval.Evaluate(ctx, contracts.DecisionRequest{
		PrincipalID: "principal-1",
		MandateID:   m.ID,
		Resource:    "aws:s3:bucket:reports",
		Action:      "read",
		Cost:        contracts.Money{MinorUnits: 600, Currency: "USD"},
		RequestID:   "req-5",
	})
	require.False(t, decision.Allowed)
	require.Equal(t, ReasonPolicyDenied, decision.Reason)
}

func TestEvaluateIntentBindingAllowsMatchingClaim(t *testing.T) {
	ctx := context.Background()
	eval, mgr, st := newTestEvaluator(t)
	seedPolicy(t, st, "principal-1")

	claim := map[string]any{"op": "transfer", "amount": float64(100)}
	claimHash, _, err := cryptoutil.CanonicalHash(claim)
	require.NoError(t, err)

	m, err := mgr.Issue(ctx, mandate.IssueRequest{
		PrincipalID: "principal-1",
		IssuedTo:    "agent-a",
		Resources:   []string{"aws:s3:bucket:reports"},
		Actions:     []string{"read"},
		Budget:      contracts.Money{MinorUnits: 1000, Currency: "USD"},
		Validity:    time.Hour,
		IntentHash:  claimHash,
	})
	require.NoError(t, err)

	decision := eval.Evaluate(ctx, contracts.DecisionRequest{
		PrincipalID: "principal-1",
		MandateID:   m.ID,
		Resource:    "aws:s3:bucket:reports",
		Action:      "read",
		RequestID:   "req-intent-1",
		IntentClaim: claim,
	})
	require.True(t, decision.Allowed)
	require.Equal(t, ReasonAllow, decision.Reason)
}

func TestEvaluateIntentBindingDeniesMismatchedClaim(t *testing.T) {
	ctx := context.Background()
	eval, mgr, st := newTestEvaluator(t)
	seedPolicy(t, st, "principal-1")

	claimHash, _, err := cryptoutil.CanonicalHash(map[string]any{"op": "transfer", "amount": float64(100)})
	require.NoError(t, err)

	m, err := mgr.Issue(ctx, mandate.IssueRequest{
		PrincipalID: "principal-1",
		IssuedTo:    "agent-a",
		Resources:   []string{"aws:s3:bucket:reports"},
		Actions:     []string{"read"},
		Budget:      contracts.Money{MinorUnits: 1000, Currency: "USD"},
		Validity:    time.Hour,
		IntentHash:  claimHash,
	})
	require.NoError(t, err)

	decision := eval.Evaluate(ctx, contracts.DecisionRequest{
		PrincipalID: "principal-1",
		MandateID:   m.ID,
		Resource:    "aws:s3:bucket:reports",
		Action:      "read",
		RequestID:   "req-intent-2",
		IntentClaim: map[string]any{"op": "transfer", "amount": float64(101)},
	})
	require.False(t, decision.Allowed)
	require.Equal(t, ReasonIntentMismatch, decision.Reason)
}

func TestEvaluateDeniesWhenAncestorRevoked(t *testing.T) {
	ctx := context.Background()
	eval, mgr, st := newTestEvaluator(t)
	seedPolicy(t, st, "principal-1")

	parent, err := mgr.Issue(ctx, mandate.IssueRequest{
		PrincipalID: "principal-1",
		IssuedTo:    "agent-a",
		Resources:   []string{"aws:s3:**"},
		Actions:     []string{"read", "write"},
		Budget:      contracts.Money{MinorUnits: 5000, Currency: "USD"},
		Validity:    2 * time.Hour,
	})
	require.NoError(t, err)

	child, err := mgr.Delegate(ctx, mandate.DelegateRequest{
		ParentMandateID: parent.ID,
		IssuedTo:        "sub-agent-b",
		Resources:       []string{"aws:s3:bucket:reports"},
		Actions:         []string{"read"},
		Budget:          contracts.Money{MinorUnits: 1000, Currency: "USD"},
		Validity:        time.Hour,
	})
	require.NoError(t, err)

	require.NoError(t, mgr.Revoke(ctx, parent.ID, "parent revoked"))
	eval.InvalidateMandate(parent.ID)
	eval.InvalidateMandate(child.ID)

	decision := eval.Evaluate(ctx, contracts.DecisionRequest{
		PrincipalID: "principal-1",
		MandateID:   child.ID,
		Resource:    "aws:s3:bucket:reports",
		Action:      "read",
		RequestID:   "req-chain-1",
	})
	require.False(t, decision.Allowed)
	require.Equal(t, ReasonRevoked, decision.Reason)
}

func TestEvaluateDeniesWhenPolicyNarrowedAfterIssuance(t *testing.T) {
	ctx := context.Background()
	eval, mgr, st := newTestEvaluator(t)
	seedPolicy(t, st, "principal-1")

	m, err := mgr.Issue(ctx, mandate.IssueRequest{
		PrincipalID: "principal-1",
		IssuedTo:    "agent-a",
		Resources:   []string{"aws:s3:bucket:reports"},
		Actions:     []string{"read"},
		Budget:      contracts.Money{MinorUnits: 1000, Currency: "USD"},
		Validity:    time.Hour,
	})
	require.NoError(t, err)

	// Narrow the principal's policy after issuance without touching the
	// mandate: the root issuer no longer permits this budget.
	require.NoError(t, st.SavePolicy(ctx, &contracts.AuthorityPolicy{
		ID:                 uuid.NewString(),
		PrincipalID:        "principal-1",
		MaxBudget:          contracts.Money{MinorUnits: 100, Currency: "USD"},
		MaxValidity:        24 * time.Hour,
		AllowedResources:   []string{"aws:s3:**"},
		AllowedActions:     []string{"read", "write"},
		MaxDelegationDepth: 2,
		AllowDelegation:    true,
		Active:             true,
		CreatedAt:          time.Now().UTC(),
	}))

	decision := eval.Evaluate(ctx, contracts.DecisionRequest{
		PrincipalID: "principal-1",
		MandateID:   m.ID,
		Resource:    "aws:s3:bucket:reports",
		Action:      "read",
		RequestID:   "req-policy-1",
	})
	require.False(t, decision.Allowed)
	require.Equal(t, ReasonPolicyDenied, decision.Reason)
}

func TestEvaluateDeniesWrongPrincipal(t *testing.T) {
	ctx := context.Background()
	eval, mgr, st := newTestEvaluator(t)
	seedPolicy(t, st, "principal-1")

	m, err := mgr.Issue(ctx, mandate.IssueRequest{
		PrincipalID: "principal-1",
		IssuedTo:    "agent-a",
		Resources:   []string{"aws:s3:bucket:reports"},
		Actions:     []string{"read"},
		Budget:      contracts.Money{MinorUnits: 500, Currency: "USD"},
		Validity:    time.Hour,
	})
	require.NoError(t, err)

	decision := eval.Evaluate(ctx, contracts.DecisionRequest{
		PrincipalID: "principal-2",
		MandateID:   m.ID,
		Resource:    "aws:s3:bucket:reports",
		Action:      "read",
		RequestID:   "req-6",
	})
	require.False(t, decision.Allowed)
	require.Equal(t, ReasonUnknownMandate, decision.Reason)
}
