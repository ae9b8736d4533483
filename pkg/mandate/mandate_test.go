package mandate

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/mandatekernel/authority-core/pkg/contracts"
	"github.com/mandatekernel/authority-core/pkg/cryptoutil"
	"github.com/mandatekernel/authority-core/pkg/ledger"
	"github.com/mandatekernel/authority-core/pkg/store"
)

func newTestManager(t *testing.T) (*Manager, store.Store) {
	t.Helper()
	st, err := store.OpenSQLite(filepath.Join(t.TempDir(), "mandate_test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	signer, err := cryptoutil.NewSigner("k1")
	require.NoError(t, err)
	reg := cryptoutil.NewKeyRegistry()
	reg.AddKey(signer)

	return NewManager(st, ledger.NewWriter(st), reg), st
}

func seedPolicy(t *testing.T, st store.Store, principalID string) *contracts.AuthorityPolicy {
	t.Helper()
	policy := &contracts.AuthorityPolicy{
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
	}
	require.NoError(t, st.SavePolicy(context.Background(), policy))
	return policy
}

func TestIssueWithinPolicyCeilingSucceeds(t *testing.T) {
	ctx := context.Background()
	mgr, st := newTestManager(t)
	seedPolicy(t, st, "principal-1")

	m, err := mgr.Issue(ctx, IssueRequest{
		PrincipalID: "principal-1",
		IssuedTo:    "agent-a",
		Resources:   []string{"aws:s3:bucket:reports"},
		Actions:     []string{"read"},
		Budget:      contracts.Money{MinorUnits: 1000, Currency: "USD"},
		Validity:    time.Hour,
	})
	require.NoError(t, err)
	require.NotEmpty(t, m.Signature)
	require.Equal(t, contracts.MandateActive, m.Status)
}

func TestIssueExceedingBudgetCeilingFails(t *testing.T) {
	ctx := context.Background()
	mgr, st := newTestManager(t)
	seedPolicy(t, st, "principal-1")

	_, err := mgr.Issue(ctx, IssueRequest{
		PrincipalID: "principal-1",
		IssuedTo:    "agent-a",
		Resources:   []string{"aws:s3:bucket:reports"},
		Actions:     []string{"read"},
		Budget:      contracts.Money{MinorUnits: 999_999, Currency: "USD"},
		Validity:    time.Hour,
	})
	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
}

func TestDelegateNarrowerScopeSucceeds(t *testing.T) {
	ctx := context.Background()
	mgr, st := newTestManager(t)
	seedPolicy(t, st, "principal-1")

	parent, err := mgr.Issue(ctx, IssueRequest{
		PrincipalID: "principal-1",
		IssuedTo:    "agent-a",
		Resources:   []string{"aws:s3:**"},
		Actions:     []string{"read", "write"},
		Budget:      contracts.Money{MinorUnits: 5000, Currency: "USD"},
		Validity:    2 * time.Hour,
	})
	require.NoError(t, err)

	child, err := mgr.Delegate(ctx, DelegateRequest{
		ParentMandateID: parent.ID,
		IssuedTo:        "sub-agent-b",
		Resources:       []string{"aws:s3:bucket:reports"},
		Actions:         []string{"read"},
		Budget:          contracts.Money{MinorUnits: 1000, Currency: "USD"},
		Validity:        time.Hour,
	})
	require.NoError(t, err)
	require.Equal(t, parent.ID, child.ParentMandateID)
	require.Equal(t, 1, child.DelegationDepth)
}

func TestDelegateBroaderScopeFails(t *testing.T) {
	ctx := context.Background()
	mgr, st := newTestManager(t)
	seedPolicy(t, st, "principal-1")

	parent, err := mgr.Issue(ctx, IssueRequest{
		PrincipalID: "principal-1",
		IssuedTo:    "agent-a",
		Resources:   []string{"aws:s3:bucket:reports"},
		Actions:     []string{"read"},
		Budget:      contracts.Money{MinorUnits: 1000, Currency: "USD"},
		Validity:    time.Hour,
	})
	require.NoError(t, err)

	_, err = mgr.Delegate(ctx, DelegateRequest{
		ParentMandateID: parent.ID,
		IssuedTo:        "sub-agent-b",
		Resources:       []string{"aws:s3:**"},
		Actions:         []string{"read"},
		Budget:          contracts.Money{MinorUnits: 500, Currency: "USD"},
		Validity:        time.Minute,
	})
	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
}

func TestRevokeCascadesToDescendants(t *testing.T) {
	ctx := context.Background()
	mgr, st := newTestManager(t)
	seedPolicy(t, st, "principal-1")

	parent, err := mgr.Issue(ctx, IssueRequest{
		PrincipalID: "principal-1",
		IssuedTo:    "agent-a",
		Resources:   []string{"aws:s3:**"},
		Actions:     []string{"read", "write"},
		Budget:      contracts.Money{MinorUnits: 5000, Currency: "USD"},
		Validity:    2 * time.Hour,
	})
	require.NoError(t, err)

	child, err := mgr.Delegate(ctx, DelegateRequest{
		ParentMandateID: parent.ID,
		IssuedTo:        "sub-agent-b",
		Resources:       []string{"aws:s3:bucket:reports"},
		Actions:         []string{"read"},
		Budget:          contracts.Money{MinorUnits: 1000, Currency: "USD"},
		Validity:        time.Hour,
	})
	require.NoError(t, err)

	require.NoError(t, mgr.Revoke(ctx, parent.ID, "operator requested revocation"))

	gotParent, err := st.GetMandate(ctx, parent.ID)
	require.NoError(t, err)
	require.Equal(t, contracts.MandateRevoked, gotParent.Status)

	gotChild, err := st.GetMandate(ctx, child.ID)
	require.NoError(t, err)
	require.Equal(t, contracts.MandateRevoked, gotChild.Status)
}
