// Package store provides the persistence layer for principals, authority
// policies, mandates, ledger events, Merkle batches, and snapshots.
// Two backends are provided: a Postgres backend for production
// deployments and a modernc.org/sqlite embedded backend for single-node
// deployments and tests.
package store

import (
	"context"
	"time"

	"github.com/mandatekernel/authority-core/pkg/contracts"
)

// Store is the persistence contract every component depends on. Both
// PostgresStore and SQLiteStore implement it identically from the
// caller's point of view.
type Store interface {
	SavePrincipal(ctx context.Context, p *contracts.Principal) error
	GetPrincipal(ctx context.Context, id string) (*contracts.Principal, error)

	SavePolicy(ctx context.Context, p *contracts.AuthorityPolicy) error
	GetActivePolicy(ctx context.Context, principalID string) (*contracts.AuthorityPolicy, error)

	SaveMandate(ctx context.Context, m *contracts.Mandate) error
	GetMandate(ctx context.Context, id string) (*contracts.Mandate, error)
	ListChildMandates(ctx context.Context, parentID string) ([]*contracts.Mandate, error)
	UpdateMandateStatus(ctx context.Context, id string, status contracts.MandateStatus, revokedAt time.Time, reason string) error

	AppendLedgerEvent(ctx context.Context, e *contracts.LedgerEvent) (int64, error)
	GetLedgerEvent(ctx context.Context, partition string, id int64) (*contracts.LedgerEvent, error)
	ListLedgerEventsRange(ctx context.Context, partition string, fromID, toID int64) ([]*contracts.LedgerEvent, error)
	LastLedgerEvent(ctx context.Context, partition string) (*contracts.LedgerEvent, error)

	SaveMerkleBatch(ctx context.Context, b *contracts.MerkleBatch) error
	LastMerkleBatch(ctx context.Context, partition string) (*contracts.MerkleBatch, error)
	ListMerkleBatchesRange(ctx context.Context, partition string, fromEventID, toEventID int64) ([]*contracts.MerkleBatch, error)

	SaveSnapshot(ctx context.Context, s *contracts.Snapshot) error
	LatestSnapshot(ctx context.Context) (*contracts.Snapshot, error)

	// SpendSince returns the sum, in minor units, of spend-recorded
	// ledger events for principalID at or after since. It backs the
	// spending cache's fallback path for the portion of a sliding window
	// older than the cache's own retention.
	SpendSince(ctx context.Context, principalID string, since time.Time) (int64, error)

	// MarkEventProcessed records that the event identified by
	// (principalID, producerSeq) has been handled by consumerGroup,
	// returning true the first time it is marked and false on every
	// subsequent call for the same key. Handlers for at-least-once
	// topics call this before applying any side effect so a redelivered
	// message becomes a no-op instead of being double-applied.
	MarkEventProcessed(ctx context.Context, consumerGroup, principalID string, producerSeq int64) (bool, error)

	Close() error
}
