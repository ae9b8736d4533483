// Package ledger implements the single-writer-per-partition, hash-chained
// append-only event log, modeled on the teacher's total-order log and
// audit store.
package ledger

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/mandatekernel/authority-core/pkg/contracts"
	"github.com/mandatekernel/authority-core/pkg/cryptoutil"
	"github.com/mandatekernel/authority-core/pkg/store"
)

// Writer appends events to a partition's ledger, maintaining the hash
// chain. Exactly one Writer per partition must be live at a time; callers
// coordinate that outside this package (e.g. one pipeline consumer per
// partition).
type Writer struct {
	store store.Store

	mu        sync.Mutex
	headCache map[string]string // partition -> last entry hash, memoized
}

// NewWriter constructs a Writer backed by st.
func NewWriter(st store.Store) *Writer {
	return &Writer{store: st, headCache: make(map[string]string)}
}

// Append hashes and stores a new event in partition, chaining it to the
// partition's current head. It returns the stored event, whose ID is the
// assigned dense monotonic id.
func (w *Writer) Append(ctx context.Context, partition string, kind contracts.LedgerEventKind, mandateID, principalID string, payload any) (*contracts.LedgerEvent, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("ledger: marshal payload: %w", err)
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	prevHash, err := w.headLocked(ctx, partition)
	if err != nil {
		return nil, err
	}

	entry := &contracts.LedgerEvent{
		Partition:    partition,
		Kind:         kind,
		MandateID:    mandateID,
		PrincipalID:  principalID,
		Payload:      body,
		PreviousHash: prevHash,
		RecordedAt:   time.Now().UTC(),
	}
	entry.EntryHash = computeEntryHash(entry)

	id, err := w.store.AppendLedgerEvent(ctx, entry)
	if err != nil {
		return nil, fmt.Errorf("ledger: append: %w", err)
	}
	entry.ID = id
	w.headCache[partition] = entry.EntryHash
	return entry, nil
}

func (w *Writer) headLocked(ctx context.Context, partition string) (string, error) {
	if h, ok := w.headCache[partition]; ok {
		return h, nil
	}
	last, err := w.store.LastLedgerEvent(ctx, partition)
	if err != nil {
		return "", fmt.Errorf("ledger: read head: %w", err)
	}
	if last == nil {
		return "", nil
	}
	w.headCache[partition] = last.EntryHash
	return last.EntryHash, nil
}

// computeEntryHash chains id-independent content (previous hash, kind,
// mandate/principal, payload, timestamp) the same way the teacher's
// total-order log chains position+prevHash+event+timestamp.
func computeEntryHash(e *contracts.LedgerEvent) string {
	digest := cryptoutil.DomainHash("authoritykernel:ledger:entry:v1",
		[]byte(e.Partition),
		[]byte(e.PreviousHash),
		[]byte(e.Kind),
		[]byte(e.MandateID),
		[]byte(e.PrincipalID),
		e.Payload,
		[]byte(e.RecordedAt.Format(time.RFC3339Nano)),
	)
	return fmt.Sprintf("%x", digest)
}

// VerifyChain walks partition's ledger from fromID to toID inclusive and
// confirms every entry's hash and chain linkage.
func VerifyChain(ctx context.Context, st store.Store, partition string, fromID, toID int64) error {
	events, err := st.ListLedgerEventsRange(ctx, partition, fromID, toID)
	if err != nil {
		return fmt.Errorf("ledger: verify range read: %w", err)
	}
	prevHash := ""
	if fromID > 1 {
		prior, err := st.GetLedgerEvent(ctx, partition, fromID-1)
		if err != nil {
			return fmt.Errorf("ledger: verify: read predecessor: %w", err)
		}
		prevHash = prior.EntryHash
	}
	for _, e := range events {
		if e.PreviousHash != prevHash {
			return &store.IntegrityError{Reason: fmt.Sprintf("partition %s event %d: chain break", partition, e.ID)}
		}
		if computeEntryHash(e) != e.EntryHash {
			return &store.IntegrityError{Reason: fmt.Sprintf("partition %s event %d: hash mismatch", partition, e.ID)}
		}
		prevHash = e.EntryHash
	}
	return nil
}
