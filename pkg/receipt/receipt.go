// Package receipt exports self-verifying portable extracts of the anchor
// chain and decision state, and verifies them fully offline: no store
// access, only the receipt bytes (and, optionally, a decision or proof
// alongside it).
package receipt

import (
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/ledgerforge/decision-ledger/pkg/anchor"
	"github.com/ledgerforge/decision-ledger/pkg/canon"
	"github.com/ledgerforge/decision-ledger/pkg/decision"
	"github.com/ledgerforge/decision-ledger/pkg/merkle"
)

var (
	ErrSelfCheckFailed = errors.New("receipt: self-verification failed")
	ErrRollback        = errors.New("receipt: seq is beyond pinned head")
	ErrStateMismatch   = errors.New("receipt: decision state_hash mismatch")
	ErrProofInvalid    = errors.New("receipt: inclusion proof does not verify against root_hash")
)

// Head pins the latest anchor the verifier trusts; a receipt whose seq
// lies beyond head.seq is rejected.
type Head struct {
	Seq  int64  `json:"seq"`
	Hash string `json:"hash"`
	At   string `json:"at"`
}

// AnchorReceiptBody is the hashed/signed portion of an anchor receipt.
type AnchorReceiptBody struct {
	Seq             int64   `json:"seq"`
	At              string  `json:"at"`
	DecisionID      string  `json:"decision_id"`
	SnapshotUpToSeq int64   `json:"snapshot_up_to_seq"`
	CheckpointHash  string  `json:"checkpoint_hash,omitempty"`
	RootHash        string  `json:"root_hash,omitempty"`
	PrevHash        *string `json:"prev_hash,omitempty"`
}

// AnchorReceipt is a self-contained extract of one row of the anchor
// chain: the body, the claimed hash, an optional pinned head for
// anti-rollback, and an optional signature.
type AnchorReceipt struct {
	Body      AnchorReceiptBody `json:"body"`
	Hash      string            `json:"hash"`
	Head      *Head             `json:"head,omitempty"`
	Signature *anchor.Signature `json:"signature,omitempty"`
}

// ComputeAnchorHash recomputes the hash bound to body.
func ComputeAnchorHash(body AnchorReceiptBody) (string, error) {
	return canon.HashHex(body)
}

// ExportAnchorReceipt builds an AnchorReceipt from an anchor row,
// optionally pinning head for anti-rollback.
func ExportAnchorReceipt(a anchor.Anchor, head *Head) (AnchorReceipt, error) {
	body := AnchorReceiptBody{
		Seq:             a.Seq,
		At:              a.At.UTC().Format("2006-01-02T15:04:05.999999999Z07:00"),
		DecisionID:      a.DecisionID,
		SnapshotUpToSeq: a.SnapshotUpToSeq,
		CheckpointHash:  a.CheckpointHash,
		RootHash:        a.RootHash,
		PrevHash:        a.PrevHash,
	}
	h, err := ComputeAnchorHash(body)
	if err != nil {
		return AnchorReceipt{}, err
	}
	return AnchorReceipt{Body: body, Hash: h, Head: head, Signature: a.Signature}, nil
}

// VerifySelfConsistency recomputes r.Hash from r.Body and compares, and
// rejects r with ErrRollback when a pinned head is present and r.Body.Seq
// is greater than head.seq.
func VerifySelfConsistency(r AnchorReceipt) error {
	want, err := ComputeAnchorHash(r.Body)
	if err != nil {
		return err
	}
	if want != r.Hash {
		return ErrSelfCheckFailed
	}
	if r.Head != nil && r.Body.Seq > r.Head.Seq {
		return ErrRollback
	}
	return nil
}

// InclusionProof is the optional per-event Merkle proof bundled into a
// decision receipt.
type InclusionProof struct {
	EventSeq int64         `json:"event_seq"`
	Proof    *merkle.Proof `json:"proof"`
}

// DecisionReceiptV1 bundles an anchor receipt with the materialized
// decision and an optional inclusion proof for one event.
type DecisionReceiptV1 struct {
	Version   int                `json:"version"`
	Anchor    AnchorReceipt      `json:"anchor"`
	Decision  *decision.Decision `json:"decision,omitempty"`
	StateHash string             `json:"state_hash,omitempty"`
	Inclusion *InclusionProof    `json:"inclusion,omitempty"`
}

// ComputeStateHash is the canonical public-state hash of a decision: the
// same transform anchor.StateHash is bound from when the anchor was
// minted, so the verifier can check a supplied decision object without
// store access.
func ComputeStateHash(d decision.Decision) (string, error) {
	return canon.PublicHashHex(d)
}

// ExportDecisionReceiptV1 builds a DecisionReceiptV1. inclusion is
// optional (nil when the caller does not want to bundle a per-event
// proof).
func ExportDecisionReceiptV1(a anchor.Anchor, head *Head, d decision.Decision, inclusion *InclusionProof) (DecisionReceiptV1, error) {
	ar, err := ExportAnchorReceipt(a, head)
	if err != nil {
		return DecisionReceiptV1{}, err
	}
	stateHash, err := ComputeStateHash(d)
	if err != nil {
		return DecisionReceiptV1{}, err
	}
	dCopy := d
	return DecisionReceiptV1{
		Version:   1,
		Anchor:    ar,
		Decision:  &dCopy,
		StateHash: stateHash,
		Inclusion: inclusion,
	}, nil
}

// VerifyReport is the outcome of VerifyReceiptOffline.
type VerifyReport struct {
	OK     bool
	Reason string
}

// VerifyReceiptOffline runs every check in order, stopping at the first
// failure: receipt self-consistency, decision state hash (if a decision
// is embedded), and inclusion proof against root_hash (if bundled). No
// store access is performed.
func VerifyReceiptOffline(r DecisionReceiptV1) VerifyReport {
	if err := VerifySelfConsistency(r.Anchor); err != nil {
		return VerifyReport{OK: false, Reason: err.Error()}
	}

	if r.Decision != nil {
		want, err := ComputeStateHash(*r.Decision)
		if err != nil {
			return VerifyReport{OK: false, Reason: err.Error()}
		}
		if want != r.StateHash {
			return VerifyReport{OK: false, Reason: ErrStateMismatch.Error()}
		}
	}

	if r.Inclusion != nil {
		if r.Anchor.Body.RootHash == "" {
			return VerifyReport{OK: false, Reason: "inclusion proof supplied but receipt carries no root_hash"}
		}
		rootBytes, err := hex.DecodeString(r.Anchor.Body.RootHash)
		if err != nil {
			return VerifyReport{OK: false, Reason: fmt.Sprintf("invalid root_hash hex: %v", err)}
		}
		ok, _, err := merkle.VerifyProof(r.Inclusion.Proof, rootBytes)
		if err != nil {
			return VerifyReport{OK: false, Reason: err.Error()}
		}
		if !ok {
			return VerifyReport{OK: false, Reason: ErrProofInvalid.Error()}
		}
	}

	return VerifyReport{OK: true}
}
