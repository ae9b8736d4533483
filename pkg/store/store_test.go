package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/mandatekernel/authority-core/pkg/contracts"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	st, err := OpenSQLite(filepath.Join(t.TempDir(), "store_test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func TestSavePolicyRoundTripsVersionAndAllowDelegation(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)

	policy := &contracts.AuthorityPolicy{
		ID:                 uuid.NewString(),
		Version:            3,
		PrincipalID:        "principal-1",
		MaxBudget:          contracts.Money{MinorUnits: 10_000, Currency: "USD"},
		MaxValidity:        24 * time.Hour,
		AllowedResources:   []string{"aws:s3:**"},
		AllowedActions:     []string{"read", "write"},
		MaxDelegationDepth: 2,
		AllowDelegation:    true,
		Active:             true,
		CreatedAt:          time.Now().UTC(),
	}
	require.NoError(t, st.SavePolicy(ctx, policy))

	got, err := st.GetActivePolicy(ctx, "principal-1")
	require.NoError(t, err)
	require.Equal(t, 3, got.Version)
	require.True(t, got.AllowDelegation)
}

func TestSavePolicyReplacesPreviousActivePolicy(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)

	first := &contracts.AuthorityPolicy{
		ID:                 uuid.NewString(),
		PrincipalID:        "principal-1",
		MaxBudget:          contracts.Money{MinorUnits: 1_000, Currency: "USD"},
		MaxValidity:        time.Hour,
		AllowedResources:   []string{"aws:s3:**"},
		AllowedActions:     []string{"read"},
		MaxDelegationDepth: 1,
		Active:             true,
		CreatedAt:          time.Now().UTC(),
	}
	require.NoError(t, st.SavePolicy(ctx, first))

	second := &contracts.AuthorityPolicy{
		ID:                 uuid.NewString(),
		Version:            1,
		PrincipalID:        "principal-1",
		MaxBudget:          contracts.Money{MinorUnits: 500, Currency: "USD"},
		MaxValidity:        time.Hour,
		AllowedResources:   []string{"aws:s3:**"},
		AllowedActions:     []string{"read"},
		MaxDelegationDepth: 1,
		AllowDelegation:    true,
		Active:             true,
		CreatedAt:          time.Now().UTC(),
	}
	require.NoError(t, st.SavePolicy(ctx, second))

	got, err := st.GetActivePolicy(ctx, "principal-1")
	require.NoError(t, err)
	require.Equal(t, second.ID, got.ID)
	require.Equal(t, int64(500), got.MaxBudget.MinorUnits)
}

func TestMarkEventProcessedIsIdempotent(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)

	first, err := st.MarkEventProcessed(ctx, "metering-consumer", "principal-1", 42)
	require.NoError(t, err)
	require.True(t, first)

	second, err := st.MarkEventProcessed(ctx, "metering-consumer", "principal-1", 42)
	require.NoError(t, err)
	require.False(t, second)

	// A different producer_seq, or a different consumer group, is a
	// distinct key and is not deduplicated against the first.
	third, err := st.MarkEventProcessed(ctx, "metering-consumer", "principal-1", 43)
	require.NoError(t, err)
	require.True(t, third)

	fourth, err := st.MarkEventProcessed(ctx, "other-consumer", "principal-1", 42)
	require.NoError(t, err)
	require.True(t, fourth)
}
