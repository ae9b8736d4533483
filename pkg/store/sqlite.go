package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/mandatekernel/authority-core/pkg/contracts"

	_ "modernc.org/sqlite"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS principals (
	id TEXT PRIMARY KEY,
	kind TEXT NOT NULL,
	display_name TEXT,
	created_at DATETIME NOT NULL,
	disabled INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS authority_policies (
	id TEXT PRIMARY KEY,
	version INTEGER NOT NULL DEFAULT 0,
	principal_id TEXT NOT NULL,
	max_budget_minor INTEGER NOT NULL,
	max_budget_currency TEXT NOT NULL,
	max_validity_ns INTEGER NOT NULL,
	allowed_resources JSON NOT NULL,
	allowed_actions JSON NOT NULL,
	max_delegation_depth INTEGER NOT NULL,
	allow_delegation INTEGER NOT NULL DEFAULT 0,
	active INTEGER NOT NULL DEFAULT 1,
	created_at DATETIME NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_policies_principal_active ON authority_policies(principal_id, active);

CREATE TABLE IF NOT EXISTS mandates (
	id TEXT PRIMARY KEY,
	parent_mandate_id TEXT,
	policy_id TEXT NOT NULL,
	principal_id TEXT NOT NULL,
	issued_to TEXT NOT NULL,
	resources JSON NOT NULL,
	actions JSON NOT NULL,
	budget_minor INTEGER NOT NULL,
	budget_currency TEXT NOT NULL,
	issued_at DATETIME NOT NULL,
	expires_at DATETIME NOT NULL,
	delegation_depth INTEGER NOT NULL,
	status TEXT NOT NULL,
	revoked_at DATETIME,
	revocation_reason TEXT,
	content_hash TEXT NOT NULL,
	signature TEXT NOT NULL,
	signer_key_id TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_mandates_parent ON mandates(parent_mandate_id);

CREATE TABLE IF NOT EXISTS ledger_events (
	partition TEXT NOT NULL,
	id INTEGER NOT NULL,
	kind TEXT NOT NULL,
	mandate_id TEXT,
	principal_id TEXT,
	payload BLOB NOT NULL,
	previous_hash TEXT NOT NULL,
	entry_hash TEXT NOT NULL,
	recorded_at DATETIME NOT NULL,
	PRIMARY KEY (partition, id)
);
CREATE INDEX IF NOT EXISTS idx_ledger_principal ON ledger_events(principal_id, recorded_at);

CREATE TABLE IF NOT EXISTS merkle_batches (
	id TEXT PRIMARY KEY,
	partition TEXT NOT NULL,
	first_event_id INTEGER NOT NULL,
	last_event_id INTEGER NOT NULL,
	root_hash TEXT NOT NULL,
	leaf_count INTEGER NOT NULL,
	sealed_at DATETIME NOT NULL,
	signature TEXT NOT NULL,
	signer_key_id TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_batches_partition ON merkle_batches(partition, last_event_id DESC);

CREATE TABLE IF NOT EXISTS snapshots (
	id TEXT PRIMARY KEY,
	taken_at DATETIME NOT NULL,
	partition_offsets JSON NOT NULL,
	last_batch_ids JSON NOT NULL
);

CREATE TABLE IF NOT EXISTS processed_events (
	consumer_group TEXT NOT NULL,
	principal_id TEXT NOT NULL,
	producer_seq INTEGER NOT NULL,
	processed_at DATETIME NOT NULL,
	PRIMARY KEY (consumer_group, principal_id, producer_seq)
);
`

// SQLiteStore is the embedded, single-node backing store, modeled on the
// migrate-on-open pattern of the teacher's receipt store.
type SQLiteStore struct {
	db *sql.DB
}

// OpenSQLite opens (creating if necessary) a sqlite database at path and
// applies the schema.
func OpenSQLite(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("store: open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1) // modernc.org/sqlite: single-writer discipline
	s := &SQLiteStore{db: db}
	if _, err := db.ExecContext(context.Background(), sqliteSchema); err != nil {
		return nil, fmt.Errorf("store: migrate sqlite: %w", err)
	}
	return s, nil
}

func (s *SQLiteStore) Close() error { return s.db.Close() }

func (s *SQLiteStore) SavePrincipal(ctx context.Context, p *contracts.Principal) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO principals (id, kind, display_name, created_at, disabled)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET kind=excluded.kind, display_name=excluded.display_name, disabled=excluded.disabled
	`, p.ID, p.Kind, p.DisplayName, p.CreatedAt.UTC(), boolToInt(p.Disabled))
	return err
}

func (s *SQLiteStore) GetPrincipal(ctx context.Context, id string) (*contracts.Principal, error) {
	var p contracts.Principal
	var disabled int
	err := s.db.QueryRowContext(ctx, `SELECT id, kind, display_name, created_at, disabled FROM principals WHERE id = ?`, id).
		Scan(&p.ID, &p.Kind, &p.DisplayName, &p.CreatedAt, &disabled)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &NotFoundError{Entity: "principal", ID: id}
	}
	if err != nil {
		return nil, err
	}
	p.Disabled = disabled != 0
	return &p, nil
}

func (s *SQLiteStore) SavePolicy(ctx context.Context, p *contracts.AuthorityPolicy) error {
	resJSON, _ := json.Marshal(p.AllowedResources)
	actJSON, _ := json.Marshal(p.AllowedActions)
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if p.Active {
		if _, err := tx.ExecContext(ctx, `UPDATE authority_policies SET active = 0 WHERE principal_id = ? AND active = 1`, p.PrincipalID); err != nil {
			return err
		}
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO authority_policies (id, version, principal_id, max_budget_minor, max_budget_currency, max_validity_ns, allowed_resources, allowed_actions, max_delegation_depth, allow_delegation, active, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET active=excluded.active
	`, p.ID, p.Version, p.PrincipalID, p.MaxBudget.MinorUnits, p.MaxBudget.Currency, int64(p.MaxValidity), string(resJSON), string(actJSON), p.MaxDelegationDepth, boolToInt(p.AllowDelegation), boolToInt(p.Active), p.CreatedAt.UTC())
	if err != nil {
		return err
	}
	return tx.Commit()
}

func (s *SQLiteStore) GetActivePolicy(ctx context.Context, principalID string) (*contracts.AuthorityPolicy, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, version, principal_id, max_budget_minor, max_budget_currency, max_validity_ns, allowed_resources, allowed_actions, max_delegation_depth, allow_delegation, active, created_at
		FROM authority_policies WHERE principal_id = ? AND active = 1 LIMIT 1
	`, principalID)
	return scanPolicy(row)
}

func scanPolicy(row *sql.Row) (*contracts.AuthorityPolicy, error) {
	var p contracts.AuthorityPolicy
	var resJSON, actJSON string
	var active, allowDelegation int
	var validityNs int64
	err := row.Scan(&p.ID, &p.Version, &p.PrincipalID, &p.MaxBudget.MinorUnits, &p.MaxBudget.Currency, &validityNs, &resJSON, &actJSON, &p.MaxDelegationDepth, &allowDelegation, &active, &p.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &NotFoundError{Entity: "authority_policy", ID: p.PrincipalID}
	}
	if err != nil {
		return nil, err
	}
	p.MaxValidity = time.Duration(validityNs)
	p.Active = active != 0
	p.AllowDelegation = allowDelegation != 0
	_ = json.Unmarshal([]byte(resJSON), &p.AllowedResources)
	_ = json.Unmarshal([]byte(actJSON), &p.AllowedActions)
	return &p, nil
}

func (s *SQLiteStore) SaveMandate(ctx context.Context, m *contracts.Mandate) error {
	resJSON, _ := json.Marshal(m.Resources)
	actJSON, _ := json.Marshal(m.Actions)
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO mandates (id, parent_mandate_id, policy_id, principal_id, issued_to, resources, actions, budget_minor, budget_currency, issued_at, expires_at, delegation_depth, status, content_hash, signature, signer_key_id)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, m.ID, nullString(m.ParentMandateID), m.PolicyID, m.PrincipalID, m.IssuedTo, string(resJSON), string(actJSON), m.Budget.MinorUnits, m.Budget.Currency, m.IssuedAt.UTC(), m.ExpiresAt.UTC(), m.DelegationDepth, string(m.Status), m.ContentHash, m.Signature, m.SignerKeyID)
	if err != nil {
		return &ConflictError{Entity: "mandate", Reason: err.Error()}
	}
	return nil
}

func (s *SQLiteStore) GetMandate(ctx context.Context, id string) (*contracts.Mandate, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, parent_mandate_id, policy_id, principal_id, issued_to, resources, actions, budget_minor, budget_currency, issued_at, expires_at, delegation_depth, status, revoked_at, revocation_reason, content_hash, signature, signer_key_id
		FROM mandates WHERE id = ?
	`, id)
	m, err := scanMandate(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &NotFoundError{Entity: "mandate", ID: id}
	}
	return m, err
}

func scanMandate(row *sql.Row) (*contracts.Mandate, error) {
	var m contracts.Mandate
	var parentID, revokedAt, revocationReason sql.NullString
	var resJSON, actJSON, status string
	var revokedAtTime sql.NullTime
	err := row.Scan(&m.ID, &parentID, &m.PolicyID, &m.PrincipalID, &m.IssuedTo, &resJSON, &actJSON, &m.Budget.MinorUnits, &m.Budget.Currency, &m.IssuedAt, &m.ExpiresAt, &m.DelegationDepth, &status, &revokedAtTime, &revocationReason, &m.ContentHash, &m.Signature, &m.SignerKeyID)
	if err != nil {
		return nil, err
	}
	_ = revokedAt
	m.ParentMandateID = parentID.String
	m.Status = contracts.MandateStatus(status)
	if revokedAtTime.Valid {
		t := revokedAtTime.Time
		m.RevokedAt = &t
	}
	m.RevocationReason = revocationReason.String
	_ = json.Unmarshal([]byte(resJSON), &m.Resources)
	_ = json.Unmarshal([]byte(actJSON), &m.Actions)
	return &m, nil
}

func (s *SQLiteStore) ListChildMandates(ctx context.Context, parentID string) ([]*contracts.Mandate, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, parent_mandate_id, policy_id, principal_id, issued_to, resources, actions, budget_minor, budget_currency, issued_at, expires_at, delegation_depth, status, revoked_at, revocation_reason, content_hash, signature, signer_key_id
		FROM mandates WHERE parent_mandate_id = ?
	`, parentID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []*contracts.Mandate
	for rows.Next() {
		var m contracts.Mandate
		var parentID2, revocationReason sql.NullString
		var resJSON, actJSON, status string
		var revokedAtTime sql.NullTime
		if err := rows.Scan(&m.ID, &parentID2, &m.PolicyID, &m.PrincipalID, &m.IssuedTo, &resJSON, &actJSON, &m.Budget.MinorUnits, &m.Budget.Currency, &m.IssuedAt, &m.ExpiresAt, &m.DelegationDepth, &status, &revokedAtTime, &revocationReason, &m.ContentHash, &m.Signature, &m.SignerKeyID); err != nil {
			return nil, err
		}
		m.ParentMandateID = parentID2.String
		m.Status = contracts.MandateStatus(status)
		if revokedAtTime.Valid {
			t := revokedAtTime.Time
			m.RevokedAt = &t
		}
		m.RevocationReason = revocationReason.String
		_ = json.Unmarshal([]byte(resJSON), &m.Resources)
		_ = json.Unmarshal([]byte(actJSON), &m.Actions)
		out = append(out, &m)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) UpdateMandateStatus(ctx context.Context, id string, status contracts.MandateStatus, revokedAt time.Time, reason string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE mandates SET status = ?, revoked_at = ?, revocation_reason = ? WHERE id = ?`, string(status), revokedAt.UTC(), reason, id)
	return err
}

func (s *SQLiteStore) AppendLedgerEvent(ctx context.Context, e *contracts.LedgerEvent) (int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer func() { _ = tx.Rollback() }()

	var maxID sql.NullInt64
	if err := tx.QueryRowContext(ctx, `SELECT MAX(id) FROM ledger_events WHERE partition = ?`, e.Partition).Scan(&maxID); err != nil {
		return 0, err
	}
	nextID := int64(1)
	if maxID.Valid {
		nextID = maxID.Int64 + 1
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO ledger_events (partition, id, kind, mandate_id, principal_id, payload, previous_hash, entry_hash, recorded_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, e.Partition, nextID, string(e.Kind), nullString(e.MandateID), nullString(e.PrincipalID), e.Payload, e.PreviousHash, e.EntryHash, e.RecordedAt.UTC())
	if err != nil {
		return 0, err
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return nextID, nil
}

func (s *SQLiteStore) GetLedgerEvent(ctx context.Context, partition string, id int64) (*contracts.LedgerEvent, error) {
	var e contracts.LedgerEvent
	var mandateID, principalID sql.NullString
	err := s.db.QueryRowContext(ctx, `
		SELECT partition, id, kind, mandate_id, principal_id, payload, previous_hash, entry_hash, recorded_at
		FROM ledger_events WHERE partition = ? AND id = ?
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

func (s *SQLiteStore) ListLedgerEventsRange(ctx context.Context, partition string, fromID, toID int64) ([]*contracts.LedgerEvent, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT partition, id, kind, mandate_id, principal_id, payload, previous_hash, entry_hash, recorded_at
		FROM ledger_events WHERE partition = ? AND id >= ? AND id <= ? ORDER BY id ASC
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

func (s *SQLiteStore) LastLedgerEvent(ctx context.Context, partition string) (*contracts.LedgerEvent, error) {
	var e contracts.LedgerEvent
	var mandateID, principalID sql.NullString
	err := s.db.QueryRowContext(ctx, `
		SELECT partition, id, kind, mandate_id, principal_id, payload, previous_hash, entry_hash, recorded_at
		FROM ledger_events WHERE partition = ? ORDER BY id DESC LIMIT 1
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

func (s *SQLiteStore) SaveMerkleBatch(ctx context.Context, b *contracts.MerkleBatch) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO merkle_batches (id, partition, first_event_id, last_event_id, root_hash, leaf_count, sealed_at, signature, signer_key_id)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, b.ID, b.Partition, b.FirstEventID, b.LastEventID, b.RootHash, b.LeafCount, b.SealedAt.UTC(), b.Signature, b.SignerKeyID)
	return err
}

func (s *SQLiteStore) LastMerkleBatch(ctx context.Context, partition string) (*contracts.MerkleBatch, error) {
	var b contracts.MerkleBatch
	err := s.db.QueryRowContext(ctx, `
		SELECT id, partition, first_event_id, last_event_id, root_hash, leaf_count, sealed_at, signature, signer_key_id
		FROM merkle_batches WHERE partition = ? ORDER BY last_event_id DESC LIMIT 1
	`, partition).Scan(&b.ID, &b.Partition, &b.FirstEventID, &b.LastEventID, &b.RootHash, &b.LeafCount, &b.SealedAt, &b.Signature, &b.SignerKeyID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &b, nil
}

func (s *SQLiteStore) ListMerkleBatchesRange(ctx context.Context, partition string, fromEventID, toEventID int64) ([]*contracts.MerkleBatch, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, partition, first_event_id, last_event_id, root_hash, leaf_count, sealed_at, signature, signer_key_id
		FROM merkle_batches WHERE partition = ? AND first_event_id >= ? AND last_event_id <= ? ORDER BY first_event_id ASC
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

func (s *SQLiteStore) SaveSnapshot(ctx context.Context, snap *contracts.Snapshot) error {
	offsetsJSON, _ := json.Marshal(snap.PartitionOffsets)
	batchesJSON, _ := json.Marshal(snap.LastBatchIDs)
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO snapshots (id, taken_at, partition_offsets, last_batch_ids) VALUES (?, ?, ?, ?)
	`, snap.ID, snap.TakenAt.UTC(), string(offsetsJSON), string(batchesJSON))
	return err
}

func (s *SQLiteStore) LatestSnapshot(ctx context.Context) (*contracts.Snapshot, error) {
	var snap contracts.Snapshot
	var offsetsJSON, batchesJSON string
	err := s.db.QueryRowContext(ctx, `SELECT id, taken_at, partition_offsets, last_batch_ids FROM snapshots ORDER BY taken_at DESC LIMIT 1`).
		Scan(&snap.ID, &snap.TakenAt, &offsetsJSON, &batchesJSON)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	_ = json.Unmarshal([]byte(offsetsJSON), &snap.PartitionOffsets)
	_ = json.Unmarshal([]byte(batchesJSON), &snap.LastBatchIDs)
	return &snap, nil
}

func (s *SQLiteStore) SpendSince(ctx context.Context, principalID string, since time.Time) (int64, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT payload FROM ledger_events
		WHERE principal_id = ? AND kind = ? AND recorded_at >= ?
	`, principalID, "spend.recorded", since.UTC())
	if err != nil {
		return 0, err
	}
	defer func() { _ = rows.Close() }()

	var total int64
	for rows.Next() {
		var payload []byte
		if err := rows.Scan(&payload); err != nil {
			return 0, err
		}
		var spend struct {
			MinorUnits int64 `json:"minor_units"`
		}
		if err := json.Unmarshal(payload, &spend); err != nil {
			continue
		}
		total += spend.MinorUnits
	}
	return total, rows.Err()
}

func (s *SQLiteStore) MarkEventProcessed(ctx context.Context, consumerGroup, principalID string, producerSeq int64) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO processed_events (consumer_group, principal_id, producer_seq, processed_at)
		VALUES (?, ?, ?, ?)
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

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
