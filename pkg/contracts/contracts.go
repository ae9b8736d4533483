// Package contracts defines the data model shared by every component of the
// authority kernel: principals, authority policies, mandates, ledger events,
// Merkle batches, and snapshots.
package contracts

import (
	"errors"
	"time"
)

// ErrCurrencyMismatch is returned by Money.Add when both operands carry a
// non-empty, differing currency code.
var ErrCurrencyMismatch = errors.New("contracts: mismatched currencies")

// Money is a fixed-point amount in minor currency units. Floats never
// appear in a signed payload, so amounts are always carried as an integer
// count of minor units alongside an ISO 4217 currency code.
type Money struct {
	MinorUnits int64  `json:"minor_units"`
	Currency   string `json:"currency"`
}

// Add returns the sum of two Money values. An empty currency on either
// operand is treated as "unset" and takes on the other operand's
// currency; two non-empty, differing currencies are a runtime condition
// (an upstream request or stored record in the wrong currency), not a
// caller bug, so Add reports it rather than panicking.
func (m Money) Add(other Money) (Money, error) {
	cur := m.Currency
	if cur == "" {
		cur = other.Currency
	}
	if m.Currency != "" && other.Currency != "" && m.Currency != other.Currency {
		return Money{}, ErrCurrencyMismatch
	}
	return Money{MinorUnits: m.MinorUnits + other.MinorUnits, Currency: cur}, nil
}

// Principal is an automated agent, human operator, or service identity
// that can hold mandates and be the subject of authority evaluation.
type Principal struct {
	ID        string    `json:"id"`
	Kind       string    `json:"kind"` // "agent", "human", "service"
	DisplayName string   `json:"display_name"`
	CreatedAt time.Time `json:"created_at"`
	Disabled  bool      `json:"disabled"`
}

// AuthorityPolicy is the issuance ceiling a mandate must be validated
// against: the maximum budget, resource scope, and validity window any
// mandate issued under this policy may carry. Exactly one policy may be
// active per principal at a time.
type AuthorityPolicy struct {
	ID               string        `json:"id"`
	Version          int           `json:"version"`
	PrincipalID      string        `json:"principal_id"`
	MaxBudget        Money         `json:"max_budget"`
	MaxValidity      time.Duration `json:"max_validity"`
	AllowedResources []string      `json:"allowed_resources"` // URN patterns
	AllowedActions   []string      `json:"allowed_actions"`
	MaxDelegationDepth int         `json:"max_delegation_depth"`
	AllowDelegation  bool          `json:"allow_delegation"`
	Active           bool          `json:"active"`
	CreatedAt        time.Time     `json:"created_at"`
}

// MandateStatus is the lifecycle state of a Mandate.
type MandateStatus string

const (
	MandateActive  MandateStatus = "active"
	MandateExpired MandateStatus = "expired"
	MandateRevoked MandateStatus = "revoked"
)

// Mandate is a signed, time-bound, delegable grant of authority scoped to
// a set of resources and actions, bounded by a spending budget.
type Mandate struct {
	ID               string        `json:"id"`
	ParentMandateID  string        `json:"parent_mandate_id,omitempty"`
	PolicyID         string        `json:"policy_id"`
	PrincipalID      string        `json:"principal_id"`
	IssuedTo         string        `json:"issued_to"`
	Resources        []string      `json:"resources"` // URN patterns, subset of parent/policy
	Actions          []string      `json:"actions"`
	Budget           Money         `json:"budget"`
	IssuedAt         time.Time     `json:"issued_at"`
	ExpiresAt        time.Time     `json:"expires_at"`
	DelegationDepth  int           `json:"delegation_depth"`
	Status           MandateStatus `json:"status"`
	RevokedAt        *time.Time    `json:"revoked_at,omitempty"`
	RevocationReason string        `json:"revocation_reason,omitempty"`
	ContentHash      string        `json:"content_hash"`
	Signature        string        `json:"signature"`
	SignerKeyID      string        `json:"signer_key_id"`
	IntentHash       string        `json:"intent_hash,omitempty"` // binds the mandate to one specific intent_claim, if issued for one-shot use
}

// LedgerEventKind enumerates the append-only event types the ledger
// accepts.
type LedgerEventKind string

const (
	EventMandateIssued   LedgerEventKind = "mandate.issued"
	EventMandateDelegated LedgerEventKind = "mandate.delegated"
	EventMandateRevoked  LedgerEventKind = "mandate.revoked"
	EventDecisionRecorded LedgerEventKind = "decision.recorded"
	EventSpendRecorded   LedgerEventKind = "spend.recorded"
)

// LedgerEvent is a single append-only, hash-chained entry in a partition's
// ledger.
type LedgerEvent struct {
	ID           int64           `json:"id"`
	Partition    string          `json:"partition"`
	Kind         LedgerEventKind `json:"kind"`
	MandateID    string          `json:"mandate_id,omitempty"`
	PrincipalID  string          `json:"principal_id,omitempty"`
	Payload      []byte          `json:"payload"`
	PreviousHash string          `json:"previous_hash"`
	EntryHash    string          `json:"entry_hash"`
	RecordedAt   time.Time       `json:"recorded_at"`
}

// MerkleBatch is a sealed, signed aggregation of a contiguous range of
// ledger events belonging to one partition.
type MerkleBatch struct {
	ID          string    `json:"id"`
	Partition   string    `json:"partition"`
	FirstEventID int64    `json:"first_event_id"`
	LastEventID int64     `json:"last_event_id"`
	RootHash    string    `json:"root_hash"`
	LeafCount   int       `json:"leaf_count"`
	SealedAt    time.Time `json:"sealed_at"`
	Signature   string    `json:"signature"`
	SignerKeyID string    `json:"signer_key_id"`
}

// Snapshot captures enough state to resume replay without reprocessing the
// full ledger history: the last sealed batch per partition and the last
// committed consumer offset.
type Snapshot struct {
	ID              string           `json:"id"`
	TakenAt         time.Time        `json:"taken_at"`
	PartitionOffsets map[string]int64 `json:"partition_offsets"`
	LastBatchIDs     map[string]string `json:"last_batch_ids"`
}

// Decision is the result of a hot-path authority evaluation: whether the
// requested action on the requested resource is currently allowed under
// the resolved mandate chain.
type Decision struct {
	Allowed     bool      `json:"allowed"`
	Reason      string    `json:"reason"`
	MandateID   string    `json:"mandate_id,omitempty"`
	IntentHash  string    `json:"intent_hash,omitempty"`
	DecisionHash string   `json:"decision_hash"`
	EvaluatedAt time.Time `json:"evaluated_at"`
}

// DecisionRequest is the input to the authority evaluator's hot path.
type DecisionRequest struct {
	PrincipalID   string         `json:"principal_id"`
	MandateID     string         `json:"mandate_id"`
	Resource      string         `json:"resource"` // concrete URN
	Action        string         `json:"action"`
	Cost          Money          `json:"cost"`
	RequestID     string         `json:"request_id"`
	CorrelationID string         `json:"correlation_id,omitempty"`
	IntentClaim   map[string]any `json:"intent_claim,omitempty"`
}
