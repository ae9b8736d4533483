package replay

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/mandatekernel/authority-core/pkg/contracts"
	"github.com/mandatekernel/authority-core/pkg/cryptoutil"
	"github.com/mandatekernel/authority-core/pkg/ledger"
	"github.com/mandatekernel/authority-core/pkg/merkle"
	"github.com/mandatekernel/authority-core/pkg/store"
)

func newTestStore(t *testing.T) store.Store {
	t.Helper()
	st, err := store.OpenSQLite(filepath.Join(t.TempDir(), "replay_test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func newTestRegistry(t *testing.T) *cryptoutil.KeyRegistry {
	t.Helper()
	signer, err := cryptoutil.NewSigner("k1")
	require.NoError(t, err)
	reg := cryptoutil.NewKeyRegistry()
	reg.AddKey(signer)
	return reg
}

func TestFromOffsetReplaysEventsInOrder(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)
	reg := newTestRegistry(t)
	writer := ledger.NewWriter(st)

	for i := 0; i < 5; i++ {
		_, err := writer.Append(ctx, "p1", contracts.EventDecisionRecorded, "m1", "principal-1", map[string]any{"seq": i})
		require.NoError(t, err)
	}

	engine := NewEngine(st, reg)
	var replayed []int64
	result, err := engine.FromOffset(ctx, "p1", 1, 5, func(ctx context.Context, e *contracts.LedgerEvent) error {
		replayed = append(replayed, e.ID)
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, 5, result.EventsReplayed)
	require.Equal(t, []int64{1, 2, 3, 4, 5}, replayed)
	require.Equal(t, 5, result.Summary[contracts.EventDecisionRecorded])
}

func TestFromOffsetVerifiesSealedBatches(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)
	reg := newTestRegistry(t)
	writer := ledger.NewWriter(st)

	for i := 0; i < 4; i++ {
		_, err := writer.Append(ctx, "p1", contracts.EventDecisionRecorded, "m1", "principal-1", map[string]any{"seq": i})
		require.NoError(t, err)
	}

	agg := merkle.NewAggregator(st, reg, merkle.SealThresholds{MaxEvents: 1, MaxAge: time.Hour})
	batch, err := agg.Seal(ctx, "p1")
	require.NoError(t, err)
	require.NotNil(t, batch)

	engine := NewEngine(st, reg)
	result, err := engine.FromOffset(ctx, "p1", 1, 4, func(ctx context.Context, e *contracts.LedgerEvent) error { return nil })
	require.NoError(t, err)
	require.Equal(t, 1, result.BatchesChecked)
}

func TestFromOffsetSubRangeVerifiesStoredPredecessor(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)
	reg := newTestRegistry(t)
	writer := ledger.NewWriter(st)

	_, err := writer.Append(ctx, "p1", contracts.EventDecisionRecorded, "m1", "principal-1", map[string]any{"seq": 0})
	require.NoError(t, err)
	_, err = writer.Append(ctx, "p1", contracts.EventDecisionRecorded, "m1", "principal-1", map[string]any{"seq": 1})
	require.NoError(t, err)

	engine := NewEngine(st, reg)
	result, err := engine.FromOffset(ctx, "p1", 2, 2, func(ctx context.Context, e *contracts.LedgerEvent) error { return nil })
	require.NoError(t, err)
	require.Equal(t, 1, result.EventsReplayed)
}

func TestFromSnapshotResumesFromRecordedOffset(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)
	reg := newTestRegistry(t)
	writer := ledger.NewWriter(st)

	for i := 0; i < 6; i++ {
		_, err := writer.Append(ctx, "p1", contracts.EventDecisionRecorded, "m1", "principal-1", map[string]any{"seq": i})
		require.NoError(t, err)
	}

	require.NoError(t, st.SaveSnapshot(ctx, &contracts.Snapshot{
		ID:               "snap-1",
		TakenAt:          time.Now().UTC(),
		PartitionOffsets: map[string]int64{"p1": 3},
		LastBatchIDs:     map[string]string{},
	}))

	engine := NewEngine(st, reg)
	var replayed []int64
	_, err := engine.FromSnapshot(ctx, "p1", 6, func(ctx context.Context, e *contracts.LedgerEvent) error {
		replayed = append(replayed, e.ID)
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, []int64{4, 5, 6}, replayed)
}
