// Package hashchain computes and verifies the per-decision event hash
// chain. It is pure: no store access, no clock reads — callers assign
// seq/at/prev_hash and hand this package the finished event to hash, or
// hand it a full event slice to verify.
package hashchain

import (
	"errors"
	"fmt"
	"time"

	"github.com/ledgerforge/decision-ledger/pkg/canon"
	"github.com/ledgerforge/decision-ledger/pkg/decision"
)

var (
	ErrHashMismatch = errors.New("hashchain: HASH_MISMATCH")
	ErrChainBroken  = errors.New("hashchain: chain broken")
	ErrEmptyChain   = errors.New("hashchain: empty chain")
)

// hashInput is the exact field set bound into event.hash. Field order
// here has no bearing on the output — pkg/canon sorts keys — but is kept
// struct-shaped so the set can't silently drift from the intended field
// list.
type hashInput struct {
	DecisionID     string                `json:"decision_id"`
	Seq            int64                 `json:"seq"`
	At             time.Time             `json:"at"`
	IdempotencyKey *string               `json:"idempotency_key"`
	Event          decision.EventPayload `json:"event"`
	PrevHash       *string               `json:"prev_hash"`
}

// ComputeHash returns the hash an event row with these fields must carry.
func ComputeHash(ev decision.Event) (string, error) {
	in := hashInput{
		DecisionID:     ev.DecisionID,
		Seq:            ev.Seq,
		At:             ev.At.UTC(),
		IdempotencyKey: ev.IdempotencyKey,
		Event:          ev.Payload,
		PrevHash:       ev.PrevHash,
	}
	return canon.HashHex(in)
}

// Seal computes and assigns Hash on ev, returning the sealed copy. Seq,
// At, and PrevHash must already be set by the caller (the engine, which
// owns the store transaction that allocates them).
func Seal(ev decision.Event) (decision.Event, error) {
	h, err := ComputeHash(ev)
	if err != nil {
		return decision.Event{}, err
	}
	ev.Hash = h
	return ev, nil
}

// VerifyResult is the outcome of Verify.
type VerifyResult struct {
	OK            bool
	LastSeq       int64
	LastHash      string
	VerifiedCount int
	Reason        string
}

// Verify walks events in seq order and checks prev_hash/hash linkage and
// per-row hash recomputation. events need not start at seq 1 — a caller
// verifying a tail after a pruned prefix passes the surviving rows plus
// the checkpoint hash of the snapshot immediately before them as
// priorHash (nil for the genesis case, seq 1 starting the chain).
func Verify(events []decision.Event, priorHash *string) (VerifyResult, error) {
	if len(events) == 0 {
		return VerifyResult{}, ErrEmptyChain
	}

	prev := priorHash
	var verified int
	for i, ev := range events {
		if i > 0 && ev.Seq != events[i-1].Seq+1 {
			return VerifyResult{OK: false, Reason: fmt.Sprintf("non-dense seq at index %d: got %d after %d", i, ev.Seq, events[i-1].Seq)}, nil
		}
		if !hashEqual(ev.PrevHash, prev) {
			return VerifyResult{OK: false, Reason: fmt.Sprintf("prev_hash mismatch at seq %d", ev.Seq)}, nil
		}
		want, err := ComputeHash(ev)
		if err != nil {
			return VerifyResult{}, err
		}
		if want != ev.Hash {
			return VerifyResult{OK: false, Reason: fmt.Sprintf("hash mismatch at seq %d", ev.Seq)}, nil
		}
		h := ev.Hash
		prev = &h
		verified++
	}

	last := events[len(events)-1]
	return VerifyResult{OK: true, LastSeq: last.Seq, LastHash: last.Hash, VerifiedCount: verified}, nil
}

func hashEqual(a, b *string) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}
