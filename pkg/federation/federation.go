// Package federation extends the per-decision primitives to multi-tenant
// co-signed events: a single global hash-chained ledger, filtered by
// tenant for listing/export, and a small state machine governing
// proposal, co-signing, execution, and dispute/arbitration.
package federation

import (
	"errors"
	"fmt"
	"time"

	"github.com/ledgerforge/decision-ledger/pkg/canon"
	"github.com/ledgerforge/decision-ledger/pkg/store"
)

// State is a federation event's lifecycle stage.
type State string

const (
	StateProposed  State = "PROPOSED"
	StateCosigned  State = "COSIGNED"
	StateExecuted  State = "EXECUTED"
	StateDisputed  State = "DISPUTED"
)

var (
	ErrUnknownTenant     = errors.New("federation: unknown co-signer tenant")
	ErrAlreadyCosigned   = errors.New("federation: tenant already co-signed")
	ErrInvalidTransition = errors.New("federation: invalid transition")
	ErrFrozen            = errors.New("federation: event is frozen pending arbitration")
)

// Event is one multi-tenant co-signed federation event: a decision
// visible across two or more tenant ledgers, requiring every named
// tenant's co-signature before it may execute.
type Event struct {
	FederationID      string          `json:"federation_id"`
	DecisionID        string          `json:"decision_id"`
	ProposingTenant   string          `json:"proposing_tenant"`
	RequiredCosigners []string        `json:"required_cosigners"`
	Cosigned          map[string]bool `json:"cosigned"`
	State             State           `json:"state"`
	DisputeReason     string          `json:"dispute_reason,omitempty"`
	CreatedAt         time.Time       `json:"created_at"`
	UpdatedAt         time.Time       `json:"updated_at"`
}

// Propose starts a new federation event in PROPOSED state, requiring a
// co-signature from every tenant in requiredCosigners before EXECUTED is
// reachable.
func Propose(federationID, decisionID, proposingTenant string, requiredCosigners []string, now time.Time) Event {
	return Event{
		FederationID:      federationID,
		DecisionID:        decisionID,
		ProposingTenant:   proposingTenant,
		RequiredCosigners: requiredCosigners,
		Cosigned:          make(map[string]bool),
		State:             StateProposed,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
}

func cloneEvent(e Event) Event {
	next := e
	next.Cosigned = make(map[string]bool, len(e.Cosigned))
	for k, v := range e.Cosigned {
		next.Cosigned[k] = v
	}
	next.RequiredCosigners = append([]string(nil), e.RequiredCosigners...)
	return next
}

func isRequired(tenantID string, required []string) bool {
	for _, t := range required {
		if t == tenantID {
			return true
		}
	}
	return false
}

func allCosigned(e Event) bool {
	for _, t := range e.RequiredCosigners {
		if !e.Cosigned[t] {
			return false
		}
	}
	return true
}

// Cosign records tenantID's signoff. The event moves to COSIGNED once
// every required tenant has signed; it stays PROPOSED until then.
func Cosign(e Event, tenantID string, now time.Time) (Event, error) {
	if e.State == StateDisputed {
		return e, ErrFrozen
	}
	if e.State != StateProposed {
		return e, fmt.Errorf("%w: cannot cosign from state %s", ErrInvalidTransition, e.State)
	}
	if !isRequired(tenantID, e.RequiredCosigners) {
		return e, ErrUnknownTenant
	}
	next := cloneEvent(e)
	if next.Cosigned[tenantID] {
		return e, ErrAlreadyCosigned
	}
	next.Cosigned[tenantID] = true
	next.UpdatedAt = now
	if allCosigned(next) {
		next.State = StateCosigned
	}
	return next, nil
}

// Execute transitions a fully co-signed event to EXECUTED.
func Execute(e Event, now time.Time) (Event, error) {
	if e.State == StateDisputed {
		return e, ErrFrozen
	}
	if e.State != StateCosigned {
		return e, fmt.Errorf("%w: cannot execute from state %s", ErrInvalidTransition, e.State)
	}
	next := cloneEvent(e)
	next.State = StateExecuted
	next.UpdatedAt = now
	return next, nil
}

// Dispute freezes the event, blocking further co-signing or execution
// until Resolve is called. Reachable from PROPOSED or COSIGNED, never
// from EXECUTED (a dispute raised after execution is out of band, not
// modeled as a state transition here).
func Dispute(e Event, reason string, now time.Time) (Event, error) {
	if e.State != StateProposed && e.State != StateCosigned {
		return e, fmt.Errorf("%w: cannot dispute from state %s", ErrInvalidTransition, e.State)
	}
	if reason == "" {
		return e, errors.New("federation: dispute reason is required")
	}
	next := cloneEvent(e)
	next.State = StateDisputed
	next.DisputeReason = reason
	next.UpdatedAt = now
	return next, nil
}

// Resolve lifts a dispute back to the state it was frozen from —
// resumeState must be PROPOSED or COSIGNED, matching what progress had
// already been made before the freeze.
func Resolve(e Event, resumeState State, now time.Time) (Event, error) {
	if e.State != StateDisputed {
		return e, fmt.Errorf("%w: cannot resolve a non-disputed event", ErrInvalidTransition)
	}
	if resumeState != StateProposed && resumeState != StateCosigned {
		return e, fmt.Errorf("%w: resume state must be PROPOSED or COSIGNED", ErrInvalidTransition)
	}
	next := cloneEvent(e)
	next.State = resumeState
	next.DisputeReason = ""
	next.UpdatedAt = now
	return next, nil
}

// hashFields is the subset of store.LedgerEntry that is bound into its
// hash; Hash itself is excluded to avoid self-reference.
type hashFields struct {
	Seq             int64                  `json:"seq"`
	At              string                 `json:"at"`
	TenantID        string                 `json:"tenant_id"`
	Type            string                 `json:"type"`
	DecisionID      string                 `json:"decision_id,omitempty"`
	EventSeq        int64                  `json:"event_seq,omitempty"`
	SnapshotUpToSeq int64                  `json:"snapshot_up_to_seq,omitempty"`
	AnchorSeq       int64                  `json:"anchor_seq,omitempty"`
	Payload         map[string]interface{} `json:"payload,omitempty"`
	PrevHash        *string                `json:"prev_hash,omitempty"`
}

// ComputeEntryHash recomputes the hash bound to a ledger entry's fields.
func ComputeEntryHash(e store.LedgerEntry) (string, error) {
	in := hashFields{
		Seq: e.Seq, At: e.At, TenantID: e.TenantID, Type: e.Type,
		DecisionID: e.DecisionID, EventSeq: e.EventSeq, SnapshotUpToSeq: e.SnapshotUpToSeq,
		AnchorSeq: e.AnchorSeq, Payload: e.Payload, PrevHash: e.PrevHash,
	}
	return canon.HashHex(in)
}

// SealEntry computes and assigns e.Hash.
func SealEntry(e store.LedgerEntry) (store.LedgerEntry, error) {
	h, err := ComputeEntryHash(e)
	if err != nil {
		return store.LedgerEntry{}, err
	}
	e.Hash = h
	return e, nil
}

// NextEntry builds the next ledger entry chained from prior (nil for the
// genesis entry).
func NextEntry(prior *store.LedgerEntry, tenantID, entryType string, at time.Time) store.LedgerEntry {
	e := store.LedgerEntry{
		Seq:      1,
		At:       at.UTC().Format("2006-01-02T15:04:05.999999999Z07:00"),
		TenantID: tenantID,
		Type:     entryType,
	}
	if prior != nil {
		e.Seq = prior.Seq + 1
		h := prior.Hash
		e.PrevHash = &h
	}
	return e
}

// VerifyChainResult is the outcome of verifying a run of ledger entries.
type VerifyChainResult struct {
	OK      bool
	LastSeq int64
	Reason  string
}

func hashEqual(a, b *string) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

// VerifyLedgerChain checks a (possibly pruned-tail) run of ledger entries
// for dense seq, prev_hash linkage, and hash recomputation, the same
// shape as the anchor chain verifier.
func VerifyLedgerChain(entries []store.LedgerEntry, genesisPrevHash *string) (VerifyChainResult, error) {
	if len(entries) == 0 {
		return VerifyChainResult{OK: true}, nil
	}
	prevHash := genesisPrevHash
	for i, e := range entries {
		if i > 0 && e.Seq != entries[i-1].Seq+1 {
			return VerifyChainResult{OK: false, LastSeq: entries[i-1].Seq, Reason: fmt.Sprintf("non-dense seq at %d", e.Seq)}, nil
		}
		if i == 0 {
			if !hashEqual(e.PrevHash, genesisPrevHash) {
				return VerifyChainResult{OK: false, Reason: "prev_hash does not match expected genesis/tail anchor"}, nil
			}
		} else if !hashEqual(e.PrevHash, prevHash) {
			return VerifyChainResult{OK: false, LastSeq: entries[i-1].Seq, Reason: fmt.Sprintf("broken linkage at seq %d", e.Seq)}, nil
		}
		want, err := ComputeEntryHash(e)
		if err != nil {
			return VerifyChainResult{}, err
		}
		if want != e.Hash {
			return VerifyChainResult{OK: false, LastSeq: e.Seq, Reason: fmt.Sprintf("hash mismatch at seq %d", e.Seq)}, nil
		}
		h := e.Hash
		prevHash = &h
	}
	return VerifyChainResult{OK: true, LastSeq: entries[len(entries)-1].Seq}, nil
}

// ProofBundle is the exportable proof for a federation event: every
// ledger entry tagged with its federation_id plus a verify report over
// the full chain those entries belong to.
type ProofBundle struct {
	FederationID string                 `json:"federation_id"`
	Entries      []store.LedgerEntry    `json:"entries"`
	VerifyReport VerifyChainResult      `json:"verify_report"`
}

// BuildProofBundle filters allEntries down to the ones tagged with
// federationID (matched via Payload["federation_id"]) and verifies the
// full chain they were drawn from.
func BuildProofBundle(federationID string, allEntries []store.LedgerEntry) (ProofBundle, error) {
	report, err := VerifyLedgerChain(allEntries, nil)
	if err != nil {
		return ProofBundle{}, err
	}

	var matched []store.LedgerEntry
	for _, e := range allEntries {
		if e.Payload == nil {
			continue
		}
		if fid, ok := e.Payload["federation_id"].(string); ok && fid == federationID {
			matched = append(matched, e)
		}
	}

	return ProofBundle{FederationID: federationID, Entries: matched, VerifyReport: report}, nil
}
