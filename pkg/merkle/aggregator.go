package merkle

import (
	"context"
	"encoding/binary"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/mandatekernel/authority-core/pkg/contracts"
	"github.com/mandatekernel/authority-core/pkg/cryptoutil"
	"github.com/mandatekernel/authority-core/pkg/store"
)

const batchRootDomain = "authoritykernel:ledger:batchroot:v1"

// SealThresholds controls when the aggregator seals a new batch: once
// either the event count or the elapsed time since the last seal is
// reached, whichever comes first.
type SealThresholds struct {
	MaxEvents int
	MaxAge    time.Duration
}

// Aggregator periodically seals contiguous ranges of ledger events into
// signed Merkle batches.
type Aggregator struct {
	store     store.Store
	signer    *cryptoutil.KeyRegistry
	thresholds SealThresholds
}

// NewAggregator constructs an Aggregator backed by store and signer.
func NewAggregator(st store.Store, signer *cryptoutil.KeyRegistry, thresholds SealThresholds) *Aggregator {
	return &Aggregator{store: st, signer: signer, thresholds: thresholds}
}

// Seal examines partition's ledger for events past the last sealed
// batch and, if either threshold is met, seals a new batch and returns
// it. Returns (nil, nil) if no seal was warranted.
func (a *Aggregator) Seal(ctx context.Context, partition string) (*contracts.MerkleBatch, error) {
	last, err := a.store.LastMerkleBatch(ctx, partition)
	if err != nil {
		return nil, fmt.Errorf("merkle: last batch: %w", err)
	}
	var fromID int64 = 1
	if last != nil {
		fromID = last.LastEventID + 1
	}

	head, err := a.store.LastLedgerEvent(ctx, partition)
	if err != nil {
		return nil, fmt.Errorf("merkle: last ledger event: %w", err)
	}
	if head == nil || head.ID < fromID {
		return nil, nil // nothing new to seal
	}

	pending := int(head.ID - fromID + 1)
	age := time.Since(sealTime(last))
	if pending < a.thresholds.MaxEvents && age < a.thresholds.MaxAge {
		return nil, nil
	}

	toID := fromID + int64(a.thresholds.MaxEvents) - 1
	if toID > head.ID || a.thresholds.MaxEvents <= 0 {
		toID = head.ID
	}

	events, err := a.store.ListLedgerEventsRange(ctx, partition, fromID, toID)
	if err != nil {
		return nil, fmt.Errorf("merkle: range read: %w", err)
	}
	if len(events) == 0 {
		return nil, nil
	}

	tree, err := Build(events)
	if err != nil {
		return nil, err
	}

	rootBytes := buildBatchRootInput(partition, fromID, toID, tree.Root)
	digest := cryptoutil.DomainHash(batchRootDomain, rootBytes)
	sig, keyID, err := a.signer.SignDigest(digest)
	if err != nil {
		return nil, fmt.Errorf("merkle: sign batch root: %w", err)
	}

	batch := &contracts.MerkleBatch{
		ID:           uuid.NewString(),
		Partition:    partition,
		FirstEventID: fromID,
		LastEventID:  toID,
		RootHash:     tree.Root,
		LeafCount:    len(events),
		SealedAt:     time.Now().UTC(),
		Signature:    sig,
		SignerKeyID:  keyID,
	}
	if err := a.store.SaveMerkleBatch(ctx, batch); err != nil {
		return nil, fmt.Errorf("merkle: save batch: %w", err)
	}
	return batch, nil
}

func sealTime(last *contracts.MerkleBatch) time.Time {
	if last == nil {
		return time.Time{}
	}
	return last.SealedAt
}

func buildBatchRootInput(partition string, firstID, lastID int64, rootHash string) []byte {
	buf := make([]byte, 0, len(partition)+16+len(rootHash))
	buf = append(buf, []byte(partition)...)
	var idBytes [16]byte
	binary.BigEndian.PutUint64(idBytes[:8], uint64(firstID))
	binary.BigEndian.PutUint64(idBytes[8:], uint64(lastID))
	buf = append(buf, idBytes[:]...)
	buf = append(buf, []byte(rootHash)...)
	return buf
}

// VerifyBatch recomputes a batch's signed root input and checks the
// signature against the signer registry.
func VerifyBatch(signer *cryptoutil.KeyRegistry, batch *contracts.MerkleBatch) (bool, error) {
	rootBytes := buildBatchRootInput(batch.Partition, batch.FirstEventID, batch.LastEventID, batch.RootHash)
	digest := cryptoutil.DomainHash(batchRootDomain, rootBytes)
	return signer.VerifyDigestByKeyID(batch.SignerKeyID, digest, batch.Signature)
}
