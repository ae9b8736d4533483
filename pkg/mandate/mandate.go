// Package mandate implements the mandate lifecycle: issuing a mandate
// under an authority policy's ceiling, delegating a narrower sub-mandate,
// and revoking a mandate along with every descendant it spawned.
//
// Validation follows the teacher's envelope validator's accumulating-
// error style; scope/delegation checks reuse pkg/urn's subset rule.
package mandate

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/mandatekernel/authority-core/pkg/contracts"
	"github.com/mandatekernel/authority-core/pkg/cryptoutil"
	"github.com/mandatekernel/authority-core/pkg/ledger"
	"github.com/mandatekernel/authority-core/pkg/store"
	"github.com/mandatekernel/authority-core/pkg/urn"
)

// ValidationError accumulates every rule violation found while
// validating a mandate request, rather than failing on the first one, so
// a caller sees the complete picture in a single round trip.
type ValidationError struct {
	Violations []string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("mandate: %d validation violation(s): %v", len(e.Violations), e.Violations)
}

// Manager issues, delegates, and revokes mandates.
type Manager struct {
	store  store.Store
	ledger *ledger.Writer
	signer *cryptoutil.KeyRegistry
}

// NewManager constructs a Manager.
func NewManager(st store.Store, led *ledger.Writer, signer *cryptoutil.KeyRegistry) *Manager {
	return &Manager{store: st, ledger: led, signer: signer}
}

// IssueRequest describes a top-level mandate issuance under a policy.
type IssueRequest struct {
	PolicyID    string
	PrincipalID string
	IssuedTo    string
	Resources   []string
	Actions     []string
	Budget      contracts.Money
	Validity    time.Duration
	// IntentHash optionally binds the issued mandate to a single
	// declared operation: hash(canonical(intent_claim)), computed by
	// the caller before issuance. A mandate issued with this set can
	// only be used to authorize a request bearing the matching
	// intent_claim.
	IntentHash string
}

// Issue validates req against the principal's active policy ceiling and,
// if valid, signs and persists a new root mandate.
func (m *Manager) Issue(ctx context.Context, req IssueRequest) (*contracts.Mandate, error) {
	policy, err := m.store.GetActivePolicy(ctx, req.PrincipalID)
	if err != nil {
		return nil, fmt.Errorf("mandate: load policy: %w", err)
	}

	var violations []string
	if !urn.SubsetAny(policy.AllowedResources, req.Resources) {
		violations = append(violations, "requested resources exceed policy scope")
	}
	if !subsetOf(policy.AllowedActions, req.Actions) {
		violations = append(violations, "requested actions exceed policy scope")
	}
	if req.Budget.MinorUnits > policy.MaxBudget.MinorUnits || req.Budget.Currency != policy.MaxBudget.Currency {
		violations = append(violations, "requested budget exceeds policy ceiling")
	}
	if req.Validity > policy.MaxValidity {
		violations = append(violations, "requested validity exceeds policy ceiling")
	}
	if len(violations) > 0 {
		return nil, &ValidationError{Violations: violations}
	}

	now := time.Now().UTC()
	mandate := &contracts.Mandate{
		ID:              uuid.NewString(),
		PolicyID:        policy.ID,
		PrincipalID:     req.PrincipalID,
		IssuedTo:        req.IssuedTo,
		Resources:       req.Resources,
		Actions:         req.Actions,
		Budget:          req.Budget,
		IssuedAt:        now,
		ExpiresAt:       now.Add(req.Validity),
		DelegationDepth: 0,
		Status:          contracts.MandateActive,
		IntentHash:      req.IntentHash,
	}
	return m.sign(ctx, mandate, contracts.EventMandateIssued)
}

// DelegateRequest describes a sub-mandate carved out of an existing one.
type DelegateRequest struct {
	ParentMandateID string
	IssuedTo        string
	Resources       []string
	Actions         []string
	Budget          contracts.Money
	Validity        time.Duration
	// IntentHash optionally binds the delegated mandate to a single
	// declared operation; see IssueRequest.IntentHash.
	IntentHash string
}

// Delegate validates req against the parent mandate's remaining scope and
// the policy's delegation-depth ceiling, then signs and persists the
// child mandate.
func (m *Manager) Delegate(ctx context.Context, req DelegateRequest) (*contracts.Mandate, error) {
	parent, err := m.store.GetMandate(ctx, req.ParentMandateID)
	if err != nil {
		return nil, fmt.Errorf("mandate: load parent: %w", err)
	}
	if parent.Status != contracts.MandateActive {
		return nil, &ValidationError{Violations: []string{"parent mandate is not active"}}
	}

	policy, err := m.store.GetActivePolicy(ctx, parent.PrincipalID)
	if err != nil {
		return nil, fmt.Errorf("mandate: load policy: %w", err)
	}

	var violations []string
	if !policy.AllowDelegation {
		violations = append(violations, "policy does not permit delegation")
	}
	if !urn.SubsetAny(parent.Resources, req.Resources) {
		violations = append(violations, "delegated resources exceed parent scope")
	}
	if !subsetOf(parent.Actions, req.Actions) {
		violations = append(violations, "delegated actions exceed parent scope")
	}
	if req.Budget.MinorUnits > parent.Budget.MinorUnits || req.Budget.Currency != parent.Budget.Currency {
		violations = append(violations, "delegated budget exceeds parent remaining budget")
	}
	childExpiry := time.Now().UTC().Add(req.Validity)
	if childExpiry.After(parent.ExpiresAt) {
		violations = append(violations, "delegated validity extends past parent expiry")
	}
	if parent.DelegationDepth+1 > policy.MaxDelegationDepth {
		violations = append(violations, "delegation depth exceeds policy ceiling")
	}
	if len(violations) > 0 {
		return nil, &ValidationError{Violations: violations}
	}

	child := &contracts.Mandate{
		ID:              uuid.NewString(),
		ParentMandateID: parent.ID,
		PolicyID:        parent.PolicyID,
		PrincipalID:     parent.PrincipalID,
		IssuedTo:        req.IssuedTo,
		Resources:       req.Resources,
		Actions:         req.Actions,
		Budget:          req.Budget,
		IssuedAt:        time.Now().UTC(),
		ExpiresAt:       childExpiry,
		DelegationDepth: parent.DelegationDepth + 1,
		Status:          contracts.MandateActive,
		IntentHash:      req.IntentHash,
	}
	return m.sign(ctx, child, contracts.EventMandateDelegated)
}

func (m *Manager) sign(ctx context.Context, mandate *contracts.Mandate, event contracts.LedgerEventKind) (*contracts.Mandate, error) {
	digest, canonical, err := cryptoutil.CanonicalHash(SigningView(mandate))
	if err != nil {
		return nil, fmt.Errorf("mandate: canonicalize: %w", err)
	}
	mandate.ContentHash = digest

	sig, keyID, err := m.signer.Sign(canonical)
	if err != nil {
		return nil, fmt.Errorf("mandate: sign: %w", err)
	}
	mandate.Signature = sig
	mandate.SignerKeyID = keyID

	if err := m.store.SaveMandate(ctx, mandate); err != nil {
		return nil, fmt.Errorf("mandate: save: %w", err)
	}
	if _, err := m.ledger.Append(ctx, mandate.PrincipalID, event, mandate.ID, mandate.PrincipalID, mandate); err != nil {
		return nil, fmt.Errorf("mandate: ledger append: %w", err)
	}
	return mandate, nil
}

// SigningView is the subset of mandate fields covered by the content hash
// and signature: everything that defines the grant, but not the
// signature/content-hash fields themselves. The evaluator calls this same
// function to recompute the digest a mandate's signature must verify
// against, so the two packages can never drift apart on what "the
// mandate" means for signing purposes.
func SigningView(m *contracts.Mandate) map[string]any {
	return map[string]any{
		"id":               m.ID,
		"parent_mandate_id": m.ParentMandateID,
		"policy_id":        m.PolicyID,
		"principal_id":     m.PrincipalID,
		"issued_to":        m.IssuedTo,
		"resources":        m.Resources,
		"actions":          m.Actions,
		"budget_minor":     m.Budget.MinorUnits,
		"budget_currency":  m.Budget.Currency,
		"issued_at":        m.IssuedAt.UnixMilli(),
		"expires_at":       m.ExpiresAt.UnixMilli(),
		"delegation_depth": m.DelegationDepth,
		"intent_hash":      m.IntentHash,
	}
}

// Revoke marks mandateID and every descendant mandate as revoked,
// recording one ledger event per mandate in the cascade.
func (m *Manager) Revoke(ctx context.Context, mandateID, reason string) error {
	queue := []string{mandateID}
	now := time.Now().UTC()

	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]

		mandate, err := m.store.GetMandate(ctx, id)
		if err != nil {
			return fmt.Errorf("mandate: revoke: load %s: %w", id, err)
		}
		if mandate.Status == contracts.MandateRevoked {
			continue
		}
		if err := m.store.UpdateMandateStatus(ctx, id, contracts.MandateRevoked, now, reason); err != nil {
			return fmt.Errorf("mandate: revoke: update %s: %w", id, err)
		}
		if _, err := m.ledger.Append(ctx, mandate.PrincipalID, contracts.EventMandateRevoked, id, mandate.PrincipalID, map[string]any{
			"mandate_id": id,
			"reason":     reason,
			"revoked_at": now.Format(time.RFC3339Nano),
		}); err != nil {
			return fmt.Errorf("mandate: revoke: ledger append %s: %w", id, err)
		}

		children, err := m.store.ListChildMandates(ctx, id)
		if err != nil {
			return fmt.Errorf("mandate: revoke: list children of %s: %w", id, err)
		}
		for _, c := range children {
			queue = append(queue, c.ID)
		}
	}
	return nil
}

func subsetOf(parent, child []string) bool {
	allowed := make(map[string]bool, len(parent))
	for _, p := range parent {
		allowed[p] = true
	}
	for _, c := range child {
		if !allowed[c] {
			return false
		}
	}
	return true
}
