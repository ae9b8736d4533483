// Package evaluator implements the authority kernel's hot path: given a
// principal, a mandate, and a requested resource/action/cost, decide
// whether the request is currently authorized.
//
// Grounded on the teacher's pdp.PolicyDecisionPoint (deterministic
// decision hashing, fail-closed default) and contracts.
// AuthorizedExecutionIntent (the decision/intent-hash binding pattern).
package evaluator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/mandatekernel/authority-core/pkg/contracts"
	"github.com/mandatekernel/authority-core/pkg/cryptoutil"
	"github.com/mandatekernel/authority-core/pkg/mandate"
	"github.com/mandatekernel/authority-core/pkg/spendcache"
	"github.com/mandatekernel/authority-core/pkg/store"
	"github.com/mandatekernel/authority-core/pkg/urn"
)

// Reason codes, matching the external evaluator response contract
// exactly so a caller never has to translate between an internal and an
// external vocabulary.
const (
	ReasonAllow          = "Allow"
	ReasonUnknownMandate = "UnknownMandate"
	ReasonBadSignature   = "BadSignature"
	ReasonRevoked        = "Revoked"
	ReasonExpired        = "Expired"
	ReasonNotYetValid    = "NotYetValid"
	ReasonOutOfScope     = "OutOfScope"
	ReasonIntentMismatch = "IntentMismatch"
	ReasonPolicyDenied   = "PolicyDenied"
	ReasonCanceled       = "Canceled"
	ReasonInternalError  = "InternalError"
)

// Evaluator is the hot-path decision engine.
type Evaluator struct {
	store  store.Store
	cache  *spendcache.Cache
	signer *cryptoutil.KeyRegistry

	mu         sync.Mutex
	mandateTTL time.Duration
	mandates   map[string]cachedMandate
}

type cachedMandate struct {
	mandate   *contracts.Mandate
	expiresAt time.Time
}

// New constructs an Evaluator. mandateTTL bounds how long a resolved
// mandate is trusted from the in-process cache before being re-read from
// the store, so a revocation is never invisible for longer than this
// window.
func New(st store.Store, cache *spendcache.Cache, signer *cryptoutil.KeyRegistry, mandateTTL time.Duration) *Evaluator {
	return &Evaluator{
		store:      st,
		cache:      cache,
		signer:     signer,
		mandateTTL: mandateTTL,
		mandates:   make(map[string]cachedMandate),
	}
}

// Evaluate is the hot-path entry point. It fails closed: any internal
// error is surfaced as a denial (never an allow), and a decision is
// always produced and hashed, even when the caller's context is
// canceled mid-evaluation, so the audit trail is complete either way.
func (e *Evaluator) Evaluate(ctx context.Context, req contracts.DecisionRequest) contracts.Decision {
	decision := e.evaluate(ctx, req)
	decision.EvaluatedAt = time.Now().UTC()

	hash, _, err := cryptoutil.CanonicalHash(decisionSigningView(req, decision))
	if err == nil {
		decision.DecisionHash = hash
	}
	return decision
}

func (e *Evaluator) evaluate(ctx context.Context, req contracts.DecisionRequest) contracts.Decision {
	if err := ctx.Err(); err != nil {
		return deny(ReasonCanceled)
	}

	m, err := e.resolveMandate(ctx, req.MandateID)
	if err != nil {
		return deny(ReasonUnknownMandate)
	}
	if m.PrincipalID != req.PrincipalID {
		return deny(ReasonUnknownMandate)
	}

	// Step 1: load the mandate and its chain up to the root.
	chain, err := e.resolveChain(ctx, m)
	if err != nil {
		return deny(ReasonUnknownMandate)
	}

	now := time.Now().UTC()
	for i, anc := range chain {
		// Step 2: verify every ancestor's signature.
		verified, err := e.verifySignature(anc)
		if err != nil && !errors.Is(err, cryptoutil.ErrBadSignature) {
			return deny(ReasonInternalError)
		}
		if !verified {
			return deny(ReasonBadSignature)
		}

		// Step 3: any revoked ancestor denies the whole chain.
		if anc.Status == contracts.MandateRevoked {
			return deny(ReasonRevoked)
		}

		// Step 4: every ancestor must currently be within its validity
		// window.
		if now.Before(anc.IssuedAt) {
			return deny(ReasonNotYetValid)
		}
		if now.After(anc.ExpiresAt) {
			return deny(ReasonExpired)
		}

		// Step 6: the leaf's scope must remain a subset of every
		// ancestor's, re-checked here as defense in depth against the
		// issue-time invariant having been violated or bypassed.
		if i > 0 {
			child := chain[i-1]
			if !urn.SubsetAny(anc.Resources, child.Resources) || !actionsSubset(anc.Actions, child.Actions) {
				return deny(ReasonOutOfScope)
			}
		}
	}

	// Step 5: scope check against the leaf mandate.
	if !matchesAny(m.Resources, req.Resource) || !contains(m.Actions, req.Action) {
		return deny(ReasonOutOfScope)
	}

	// Step 7: intent binding, checked against the hash of the caller's
	// declared intent claim alone — never a composite with request
	// fields — so it matches exactly what issuance computed.
	if m.IntentHash != "" {
		if req.IntentClaim == nil {
			return deny(ReasonIntentMismatch)
		}
		claimHash, err := hashIntentClaim(req.IntentClaim)
		if err != nil {
			return deny(ReasonInternalError)
		}
		if claimHash != m.IntentHash {
			return deny(ReasonIntentMismatch)
		}
	}

	// Step 8: the root issuer's current active policy must still permit
	// the root mandate's scope/budget/validity, so a policy amendment
	// revokes effective authority without having to touch any mandate.
	root := chain[len(chain)-1]
	policy, err := e.store.GetActivePolicy(ctx, root.PrincipalID)
	if err != nil {
		return deny(ReasonPolicyDenied)
	}
	if !policyStillCovers(policy, root) {
		return deny(ReasonPolicyDenied)
	}

	if ctx.Err() != nil {
		return deny(ReasonCanceled)
	}

	spent, err := e.cache.Total(ctx, req.PrincipalID, m.Budget.Currency)
	if err != nil {
		return deny(ReasonInternalError)
	}
	if req.Cost.Currency != "" && req.Cost.Currency != m.Budget.Currency {
		return deny(ReasonInternalError)
	}
	if spent.MinorUnits+req.Cost.MinorUnits > m.Budget.MinorUnits {
		return deny(ReasonPolicyDenied)
	}

	intentHash, err := computeDecisionIntentHash(req, m)
	if err != nil {
		return deny(ReasonInternalError)
	}

	return contracts.Decision{
		Allowed:    true,
		Reason:     ReasonAllow,
		MandateID:  m.ID,
		IntentHash: intentHash,
	}
}

// resolveChain walks leaf.ParentMandateID up to the root, returning the
// chain ordered leaf-first. A cycle (which should never occur but must
// never hang the hot path) is reported as an error.
func (e *Evaluator) resolveChain(ctx context.Context, leaf *contracts.Mandate) ([]*contracts.Mandate, error) {
	chain := []*contracts.Mandate{leaf}
	seen := map[string]bool{leaf.ID: true}

	cur := leaf
	for cur.ParentMandateID != "" {
		if seen[cur.ParentMandateID] {
			return nil, fmt.Errorf("evaluator: mandate chain cycle detected at %s", cur.ParentMandateID)
		}
		parent, err := e.resolveMandate(ctx, cur.ParentMandateID)
		if err != nil {
			return nil, fmt.Errorf("evaluator: load ancestor %s: %w", cur.ParentMandateID, err)
		}
		chain = append(chain, parent)
		seen[parent.ID] = true
		cur = parent
	}
	return chain, nil
}

// policyStillCovers reports whether policy's current ceiling still
// permits the root mandate it originally issued, so a narrowed policy
// (tightened scope, lowered budget, shortened validity) revokes
// effective authority even though the mandate record itself is
// untouched.
func policyStillCovers(policy *contracts.AuthorityPolicy, root *contracts.Mandate) bool {
	if !urn.SubsetAny(policy.AllowedResources, root.Resources) {
		return false
	}
	if !actionsSubset(policy.AllowedActions, root.Actions) {
		return false
	}
	if root.Budget.MinorUnits > policy.MaxBudget.MinorUnits || root.Budget.Currency != policy.MaxBudget.Currency {
		return false
	}
	if root.ExpiresAt.Sub(root.IssuedAt) > policy.MaxValidity {
		return false
	}
	return true
}

func (e *Evaluator) resolveMandate(ctx context.Context, mandateID string) (*contracts.Mandate, error) {
	e.mu.Lock()
	cached, ok := e.mandates[mandateID]
	e.mu.Unlock()
	if ok && time.Now().Before(cached.expiresAt) {
		return cached.mandate, nil
	}

	m, err := e.store.GetMandate(ctx, mandateID)
	if err != nil {
		return nil, fmt.Errorf("evaluator: load mandate: %w", err)
	}

	e.mu.Lock()
	e.mandates[mandateID] = cachedMandate{mandate: m, expiresAt: time.Now().Add(e.mandateTTL)}
	e.mu.Unlock()
	return m, nil
}

// InvalidateMandate drops a mandate from the resolution cache immediately.
// The API's revoke handler calls it right after a revocation so the hot
// path never needs to wait out mandateTTL to observe it.
func (e *Evaluator) InvalidateMandate(mandateID string) {
	e.mu.Lock()
	delete(e.mandates, mandateID)
	e.mu.Unlock()
}

func (e *Evaluator) verifySignature(m *contracts.Mandate) (bool, error) {
	_, canonical, err := cryptoutil.CanonicalHash(mandate.SigningView(m))
	if err != nil {
		return false, err
	}
	return e.signer.VerifyByKeyID(m.SignerKeyID, canonical, m.Signature)
}

func matchesAny(patterns []string, resource string) bool {
	for _, p := range patterns {
		if urn.Match(p, resource) {
			return true
		}
	}
	return false
}

func contains(list []string, v string) bool {
	for _, x := range list {
		if x == v {
			return true
		}
	}
	return false
}

// actionsSubset reports whether every action in child also appears in
// parent.
func actionsSubset(parent, child []string) bool {
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

func deny(reason string) contracts.Decision {
	return contracts.Decision{Allowed: false, Reason: reason}
}

// hashIntentClaim computes hash(canonical(intent_claim)) over the
// caller-declared intent claim alone, exactly as issuance computes the
// mandate's own intent_hash, so the two can be compared for equality.
func hashIntentClaim(intentClaim map[string]any) (string, error) {
	hash, _, err := cryptoutil.CanonicalHash(intentClaim)
	return hash, err
}

// computeDecisionIntentHash binds the decision to the specific resource,
// action, and mandate it was evaluated against, the same decoupling the
// teacher uses between a DecisionRecord and its
// AuthorizedExecutionIntent: a downstream executor can be handed only
// this hash and still prove which decision authorized it. This is
// distinct from the mandate's own intent_hash (checked separately in
// step 7 against the raw intent claim); a decision always gets one of
// these, whether or not its mandate was issued intent-bound.
func computeDecisionIntentHash(req contracts.DecisionRequest, m *contracts.Mandate) (string, error) {
	view := map[string]any{
		"mandate_id": m.ID,
		"resource":   req.Resource,
		"action":     req.Action,
		"request_id": req.RequestID,
	}
	if req.IntentClaim != nil {
		view["intent_claim"] = req.IntentClaim
	}
	hash, _, err := cryptoutil.CanonicalHash(view)
	return hash, err
}

func decisionSigningView(req contracts.DecisionRequest, d contracts.Decision) map[string]any {
	return map[string]any{
		"request_id":     req.RequestID,
		"correlation_id": req.CorrelationID,
		"principal_id":   req.PrincipalID,
		"mandate_id":     d.MandateID,
		"resource":       req.Resource,
		"action":         req.Action,
		"allowed":        d.Allowed,
		"reason":         d.Reason,
		"intent_hash":    d.IntentHash,
	}
}
