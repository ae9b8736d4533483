package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/mandatekernel/authority-core/pkg/contracts"

	_ "github.com/lib/pq"
)

const postgresSchema = `
CREATE TABLE IF NOT EXISTS principals (
	id TEXT PRIMARY KEY,
	kind TEXT NOT NULL,
	display_name TEXT,
	created_at TIMESTAMPTZ NOT NULL,
	disabled BOOLEAN NOT NULL DEFAULT FALSE
);

CREATE TABLE IF NOT EXISTS authority_policies (
	id TEXT PRIMARY KEY,
	version INTEGER NOT NULL DEFAULT 0,
	principal_id TEXT NOT NULL,
	max_budget_minor BIGINT NOT NULL,
	max_budget_currency TEXT NOT NULL,
	max_validity_ns BIGINT NOT NULL,
	allowed_resources JSONB NOT NULL,
	allowed_actions JSONB NOT NULL,
	max_delegation_depth INTEGER NOT NULL,
	allow_delegation BOOLEAN NOT NULL DEFAULT FALSE,
	active BOOLEAN NOT NULL DEFAULT TRUE,
	created_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_policies_principal_active ON authority_policies(principal_id, active);

CREATE TABLE IF NOT EXISTS mandates (
	id TEXT PRIMARY KEY,
	parent_mandate_id TEXT,
	policy_id TEXT NOT NULL,
	principal_id TEXT NOT NULL,
	issued_to TEXT NOT NULL,
	resources JSONB NOT NULL,
	actions JSONB NOT NULL,
	budget_minor BIGINT NOT NULL,
	budget_currency TEXT NOT NULL,
	issued_at TIMESTAMPTZ NOT NULL,
	expires_at TIMESTAMPTZ NOT NULL,
	delegation_depth INTEGER NOT NULL,
	status TEXT NOT NULL,
	revoked_at TIMESTAMPTZ,
	revocation_reason TEXT,
	content_hash TEXT NOT NULL,
	signature TEXT NOT NULL,
	signer_key_id TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_mandates_parent ON mandates(parent_mandate_id);

CREATE TABLE IF NOT EXISTS ledger_events (
	partition TEXT NOT NULL,
	id BIGINT NOT NULL,
	kind TEXT NOT NULL,
	mandate_id TEXT,
	principal_id TEXT,
	payload BYTEA NOT NULL,
	previous_hash TEXT NOT NULL,
	entry_hash TEXT NOT NULL,
	recorded_at TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (partition, id)
);
CREATE INDEX IF NOT EXISTS idx_ledger_principal ON ledger_events(principal_id, recorded_at);

CREATE TABLE IF NOT EXISTS merkle_batches (
	id TEXT PRIMARY KEY,
	partition TEXT NOT NULL,
	first_event_id BIGINT NOT NULL,
	last_event_id BIGINT NOT NULL,
	root_hash TEXT NOT NULL,
	leaf_count INTEGER NOT NULL,
	sealed_at TIMESTAMPTZ NOT NULL,
	signature TEXT NOT NULL,
	signer_key_id TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_batches_partition ON merkle_batches(partition, last_event_id DESC);

CREATE TABLE IF NOT EXISTS snapshots (
	id TEXT PRIMARY KEY,
	taken_at TIMESTAMPTZ NOT NULL,
	partition_offsets JSONB NOT NULL,
	last_batch_ids JSONB NOT NULL
);

CREATE TABLE IF NOT EXISTS processed_events (
	consumer_group TEXT NOT NULL,
	principal_id TEXT NOT NULL,
	producer_seq BIGINT NOT NULL,
	processed_at TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (consumer_group, principal_id, producer_seq)
);
`

// PostgresStore is the production backing store, modeled on the
// teacher's budget.PostgresStorage and metering.PostgresMeter: raw SQL,
// $N placeholders, ON CONFLICT upserts.
type PostgresStore struct {
	db *sql.DB
}

// OpenPostgres opens a connection pool against dsn and applies the schema.
func OpenPostgres(dsn string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("store: open postgres: %w", err)
	}
	if _, err := db.ExecContext(context.Background(), postgresSchema); err != nil {
		return nil, fmt.Errorf("store: migrate postgres: %w", err)
	}
	return &PostgresStore{db: db}, nil
}

func (s *PostgresStore) Close() error { return s.db.Close() }

func (s *PostgresStore) SavePrincipal(ctx context.Context, p *contracts.Principal) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO principals (id, kind, display_name, created_at, disabled)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (id) DO UPDATE SET kind = EXCLUDED.kind, display_name = EXCLUDED.display_name, disabled = EXCLUDED.disabled
	`, p.ID, p.Kind, p.DisplayName, p.CreatedAt.UTC(), p.Disabled)
	return err
}

func (s *PostgresStore) GetPrincipal(ctx context.Context, id string) (*contracts.Principal, error) {
	var p contracts.Principal
	err := s.db.QueryRowContext(ctx, `SELECT id, kind, display_name, created_at, disabled FROM principals WHERE id = $1`, id).
		Scan(&p.ID, &p.Kind, &p.DisplayName, &p.CreatedAt, &p.Disabled)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &NotFoundError{Entity: "principal", ID: id}
	}
	return &p, err
}

func (s *PostgresStore) SavePolicy(ctx context.Context, p *contracts.AuthorityPolicy) error {
	resJSON, _ := json.Marshal(p.AllowedResources)
	actJSON, _ := json.Marshal(p.AllowedActions)
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if p.Active {
		if _, err := tx.ExecContext(ctx, `UPDATE authority_policies SET active = FALSE WHERE principal_id = $1 AND active = TRUE`, p.PrincipalID); err != nil {
			return err
		}
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO authority_policies (id, version, principal_id, max_budget_minor, max_budget_currency, max_validity_ns, allowed_resources, allowed_actions, max_delegation_depth, allow_delegation, active, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		ON CONFLICT (id) DO UPDATE SET active = EXCLUDED.active
	`, p.ID, p.Version, p.PrincipalID, p.MaxBudget.MinorUnits, p.MaxBudget.Currency, int64(p.MaxValidity), resJSON, actJSON, p.MaxDelegationDepth, p.AllowDelegation, p.Active, p.CreatedAt.UTC())
	if err != nil {
		return err
	}
	return tx.Commit()
}

func (s *PostgresStore) GetActivePolicy(ctx context.Context, principalID string) (*contracts.AuthorityPolicy, error) {
	var p contracts.AuthorityPolicy
	var resJSON, actJSON []byte
	var validityNs int64
	err := s.db.QueryRowContext(ctx, `
		SELECT id, version, principal_id, max_budget_minor, max_budget_currency, max_validity_ns, allowed_resources, allowed_actions, max_delegation_depth, allow_delegation, active, created_at
		FROM authority_policies WHERE principal_id = $1 AND active = TRUE LIMIT 1
	`, principalID).Scan(&p.ID, &p.Version, &p.PrincipalID, &p.MaxBudget.MinorUnits, &p.MaxBudget.Currency, &validityNs, &resJSON, &actJSON, &p.MaxDelegationDepth, &p.AllowDelegation, &p.Active, &p.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &NotFoundError{Entity: "authority_policy", ID: principalID}
	}
	if err != nil {
		return nil, err
	}
	p.MaxValidity = time.Duration(validityNs)
	_ = json.Unmarshal(resJSON, &p.AllowedResources)
	_ = json.Unmarshal(actJSON, &p.AllowedActions)
	return &p, nil
}

func (s *PostgresStore) SaveMandate(ctx context.Context, m *contracts.Mandate) error {
	resJSON, _ := json.Marshal(m.Resources)
	actJSON, _ := json.Marshal(m.Actions)
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO mandates (id, parent_mandate_id, policy_id, principal_id, issued_to, resources, actions, budget_minor, budget_currency, issued_at, expires_at, delegation_depth, status, content_hash, signature, signer_key_id)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)
	`, m.ID, nullStringPQ(m.ParentMandateID), m.PolicyID, m.PrincipalID, m.IssuedTo, resJSON, actJSON, m.Budget.MinorUnits, m.Budget.Currency, m.IssuedAt.UTC(), m.ExpiresAt.UTC(), m.DelegationDepth, string(m.Status), m.ContentHash, m.Signature, m.SignerKeyID)
	if err != nil {
		return &ConflictError{Entity: "mandate", Reason: err.Error()}
	}
	return nil
}

func (s *PostgresStore) GetMandate(ctx context.Context, id string) (*contracts.Mandate, error) {
	m, err := s.scanMandateRow(s.db.QueryRowContext(ctx, mandateSelect+` WHERE id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &NotFoundError{Entity: "mandate", ID: id}
	}
	return m, err
}

const mandateSelect = `
	SELECT id, parent_mandate_id, policy_id, principal_id, issued_to, resources, actions, budget_minor, budget_currency, issued_at, expires_at, delegation_depth, status, revoked_at, revocation_reason, content_hash, signature, signer_key_id
	FROM mandates
`

func (s *PostgresStore) scanMandateRow(row *sql.Row) (*contracts.Mandate, error) {
	var m contracts.Mandate
	var parentID sql.NullString
	var revocationReason sql.NullString
	var revokedAt sql.NullTime
	var resJSON, actJSON []byte
	var status string
	err := row.Scan(&m.ID, &parentID, &m.PolicyID, &m.PrincipalID, &m.IssuedTo, &resJSON, &actJSON, &m.Budget.MinorUnits, &m.Budget.Currency, &m.IssuedAt, &m.ExpiresAt, &m.DelegationDepth, &status, &revokedAt, &revocationReason, &m.ContentHash, &m.Signature, &m.SignerKeyID)
	if err != nil {
		return nil, err
	}
	m.ParentMandateID = parentID.String
	m.Status = contracts.MandateStatus(status)
	if revokedAt.Valid {
		t := revokedAt.Time
		m.RevokedAt = &t
	}
	m.RevocationReason = revocationReason.String
	_ = json.Unmarshal(resJSON, &m.Resources)
	_ = json.Unmarshal(actJSON, &m.Actions)
	return &m, nil
}

func (s *PostgresStore) ListChildMandates(ctx context.Context, parentID string) ([]*contracts.Mandate, error) {
	rows, err := s.db.QueryContext(ctx, mandateSelect+` WHERE parent_mandate_id = $1`, parentID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []*contracts.Mandate
	for rows.Next() {
		var m contracts.Mandate
		var pid, reason sql.NullString
		var revokedAt sql.NullTime
		var resJSON, actJSON []byte
		var status string
		if err := rows.Scan(&m.ID, &pid, &m.PolicyID, &m.PrincipalID, &m.IssuedTo, &resJSON, &actJSON, &m.Budget.MinorUnits, &m.Budget.Currency, &m.IssuedAt, &m.ExpiresAt, &m.DelegationDepth, &status, &revokedAt, &reason, &m.ContentHash, &m.Signature, &m.SignerKeyID); err != nil {
			return nil, err
		}
		m.ParentMandateID = pid.String
		m.Status = contracts.MandateStatus(status)
		if revokedAt.Valid {
			t := revokedAt.Time
			m.RevokedAt = &t
		}
		m.RevocationReason = reason.String
		_ = json.Unmarshal(resJSON, &m.Resources)
		_ = json.Unmarshal(actJSON, &m.Actions)
		out = append(out, &m)
	}
	return out, rows.Err()
}

func (s *PostgresStore) UpdateMandateStatus(ctx context.Context, id string, status contracts.MandateStatus, revokedAt time.Time, reason string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE mandates SET status = $1, revoked_at = $2, revocation_reason = $3 WHERE id = $4`, string(status), revokedAt.UTC(), reason, id)
	return err
}

func (s *PostgresStore) AppendLedgerEvent(ctx context.Context, e *contracts.LedgerEvent) (int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer func() { _ = tx.Rollback() }()

	// Advisory lock scoped to the partition keeps append ordering
	// single-writer even under concurrent callers, matching the
	// single-writer-per-partition invariant.
	if _, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, e.Partition); err != nil {
		return 0, err
	}

	var maxID sql.NullInt64
	if err := tx.QueryRowContext(ctx, `SELECT MAX(id) FROM ledger_events WHERE partition = $1`, e.Partition).Scan(&maxID); err != nil {
		return 0, err
	}
	nextID := int64(1)
	if maxID.Valid {
		nextID = maxID.Int64 + 1
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO ledger_events (partition, id, kind, mandate_id, principal_id, payload, previous_hash, entry_hash, recorded_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`, e.Partition, nextID, string(e.Kind), nullStringPQ(e.MandateID), nullStringPQ(e.PrincipalID), e.Payload, e.PreviousHash, e.EntryHash, e.RecordedAt.UTC())
	if err != nil {
		return 0, err
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return nextID, nil
}

func (s *PostgresStore) GetLedgerEvent(ctx context.Context, partition string, id int64) (*contracts.LedgerEvent, error) {
	var e contracts.LedgerEvent
	var mandateID, principalID sql.NullString
	err := s.db.QueryRowContext(ctx, `
		SELECT partition, id, kind, mandate_id, principal_id, payload, previous_hash, entry_hash, recorded_at
		FROM ledger_events WHERE partition = $1 AND id = $2
	`, partition, id).Scan(&e.Partition, &e.ID, &e.Kind, &mandateID, &principalID, &e.Payload, &e.PreviousHash, &e.EntryHash, &e.RecordedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &NotFoundError{Entity: "ledger_event", ID: fmt.Sprintf("%s/%d", partition, id)}
	}
	if err != nil {
		return nil, err
	}
	e.MandateID = mandateID.String
	e.PrincipalID = principalID.String
	return &e, nil
}

func (s *PostgresStore) ListLedgerEventsRange(ctx context.Context, partition string, fromID, toID int64) ([]*contracts.LedgerEvent, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT partition, id, kind, mandate_id, principal_id, payload, previous_hash, entry_hash, recorded_at
		FROM ledger_events WHERE partition = $1 AND id >= $2 AND id <= $3 ORDER BY id ASC
	`, partition, fromID, toID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []*contracts.LedgerEvent
	for rows.Next() {
		var e contracts.LedgerEvent
		var mandateID, principalID sql.NullString
		if err := rows.Scan(&e.Partition, &e.ID, &e.Kind, &mandateID, &principalID, &e.Payload, &e.PreviousHash, &e.EntryHash, &e.RecordedAt); err != nil {
			return nil, err
		}
		e.MandateID = mandateID.String
		e.PrincipalID = principalID.String
		out = append(out, &e)
	}
	return out, rows.Err()
}

func (s *PostgresStore) LastLedgerEvent(ctx context.Context, partition string) (*contracts.LedgerEvent, error) {
	var e contracts.LedgerEvent
	var mandateID, principalID sql.NullString
	err := s.db.QueryRowContext(ctx, `
		SELECT partition, id, kind, mandate_id, principal_id, payload, previous_hash, entry_hash, recorded_at
		FROM ledger_events WHERE partition = $1 ORDER BY id DESC LIMIT 1
	`, partition).Scan(&e.Partition, &e.ID, &e.Kind, &mandateID, &principalID, &e.Payload, &e.PreviousHash, &e.EntryHash, &e.RecordedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	e.MandateID = mandateID.String
	e.PrincipalID = principalID.String
	return &e, nil
}

func (s *PostgresStore) SaveMerkleBatch(ctx context.Context, b *contracts.MerkleBatch) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO merkle_batches (id, partition, first_event_id, last_event_id, root_hash, leaf_count, sealed_at, signature, signer_key_id)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`, b.ID, b.Partition, b.FirstEventID, b.LastEventID, b.RootHash, b.LeafCount, b.SealedAt.UTC(), b.Signature, b.SignerKeyID)
	return err
}

func (s *PostgresStore) LastMerkleBatch(ctx context.Context, partition string) (*contracts.MerkleBatch, error) {
	var b contracts.MerkleBatch
	err := s.db.QueryRowContext(ctx, `
		SELECT id, partition, first_event_id, last_event_id, root_hash, leaf_count, sealed_at, signature, signer_key_id
		FROM merkle_batches WHERE partition = $1 ORDER BY last_event_id DESC LIMIT 1
	`, partition).Scan(&b.ID, &b.Partition, &b.FirstEventID, &b.LastEventID, &b.RootHash, &b.LeafCount, &b.SealedAt, &b.Signature, &b.SignerKeyID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &b, nil
}

func (s *PostgresStore) ListMerkleBatchesRange(ctx context.Context, partition string, fromEventID, toEventID int64) ([]*contracts.MerkleBatch, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, partition, first_event_id, last_event_id, root_hash, leaf_count, sealed_at, signature, signer_key_id
		FROM merkle_batches WHERE partition = $1 AND first_event_id >= $2 AND last_event_id <= $3 ORDER BY first_event_id ASC
	`, partition, fromEventID, toEventID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []*contracts.MerkleBatch
	for rows.Next() {
		var b contracts.MerkleBatch
		if err := rows.Scan(&b.ID, &b.Partition, &b.FirstEventID, &b.LastEventID, &b.RootHash, &b.LeafCount, &b.SealedAt, &b.Signature, &b.SignerKeyID); err != nil {
			return nil, err
		}
		out = append(out, &b)
	}
	return out, rows.Err()
}

func (s *PostgresStore) SaveSnapshot(ctx context.Context, snap *contracts.Snapshot) error {
	offsetsJSON, _ := json.Marshal(snap.PartitionOffsets)
	batchesJSON, _ := json.Marshal(snap.LastBatchIDs)
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO snapshots (id, taken_at, partition_offsets, last_batch_ids) VALUES ($1, $2, $3, $4)
	`, snap.ID, snap.TakenAt.UTC(), offsetsJSON, batchesJSON)
	return err
}

func (s *PostgresStore) LatestSnapshot(ctx context.Context) (*contracts.Snapshot, error) {
	var snap contracts.Snapshot
	var offsetsJSON, batchesJSON []byte
	err := s.db.QueryRowContext(ctx, `SELECT id, taken_at, partition_offsets, last_batch_ids FROM snapshots ORDER BY taken_at DESC LIMIT 1`).
		Scan(&snap.ID, &snap.TakenAt, &offsetsJSON, &batchesJSON)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	_ = json.Unmarshal(offsetsJSON, &snap.PartitionOffsets)
	_ = json.Unmarshal(batchesJSON, &snap.LastBatchIDs)
	return &snap, nil
}

func (s *PostgresStore) SpendSince(ctx context.Context, principalID string, since time.Time) (int64, error) {
	var total sql.NullInt64
	err := s.db.QueryRowContext(ctx, `
		SELECT SUM((convert_from(payload, 'UTF8')::jsonb->>'minor_units')::bigint)
		FROM ledger_events
		WHERE principal_id = $1 AND kind = $2 AND recorded_at >= $3
	`, principalID, "spend.recorded", since.UTC()).Scan(&total)
	if err != nil {
		return 0, err
	}
	return total.Int64, nil
}

func (s *PostgresStore) MarkEventProcessed(ctx context.Context, consumerGroup, principalID string, producerSeq int64) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO processed_events (consumer_group, principal_id, producer_seq, processed_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT DO NOTHING
	`, consumerGroup, principalID, producerSeq, time.Now().UTC())
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func nullStringPQ(s string) any {
	if s == "" {
		return nil
	}
	return s
}
