// Package anchor implements the global anchor chain: one append-only
// sequence of rows binding per-decision snapshot checkpoints together,
// with optional HMAC-SHA256 or Ed25519 signing.
package anchor

import (
	"crypto/ed25519"
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"errors"
	"fmt"
	"time"

	"github.com/ledgerforge/decision-ledger/pkg/canon"
)

var (
	ErrChainBroken     = errors.New("anchor: chain broken")
	ErrSignatureInvalid = errors.New("anchor: SIGNATURE_INVALID")
)

// SigAlg identifies the signing scheme used for an anchor or receipt.
type SigAlg string

const (
	SigNone    SigAlg = ""
	SigHMAC    SigAlg = "HMAC_SHA256"
	SigEd25519 SigAlg = "ED25519"
)

// Signature is the wire form of an anchor/ledger-entry signature block.
type Signature struct {
	Alg       SigAlg `json:"alg"`
	KeyID     string `json:"key_id"`
	Signature string `json:"signature"` // base64, caller-encoded
}

// Anchor is one row in the global anchor chain.
type Anchor struct {
	Seq             int64      `json:"seq"`
	At              time.Time  `json:"at"`
	DecisionID      string     `json:"decision_id"`
	SnapshotUpToSeq int64      `json:"snapshot_up_to_seq"`
	CheckpointHash  string     `json:"checkpoint_hash,omitempty"`
	RootHash        string     `json:"root_hash,omitempty"`
	StateHash       string     `json:"state_hash,omitempty"`
	PrevHash        *string    `json:"prev_hash,omitempty"`
	Hash            string     `json:"hash"`
	Signature       *Signature `json:"signature,omitempty"`
}

// hashFields is exactly the field set bound into an anchor's hash: every
// field of Anchor excluding Hash itself and the signature block.
type hashFields struct {
	Seq             int64     `json:"seq"`
	At              time.Time `json:"at"`
	DecisionID      string    `json:"decision_id"`
	SnapshotUpToSeq int64     `json:"snapshot_up_to_seq"`
	CheckpointHash  string    `json:"checkpoint_hash"`
	RootHash        string    `json:"root_hash"`
	StateHash       string    `json:"state_hash"`
	PrevHash        *string   `json:"prev_hash"`
}

// ComputeHash returns the hash a row with these fields must carry.
func ComputeHash(a Anchor) (string, error) {
	return canon.HashHex(hashFields{
		Seq:             a.Seq,
		At:              a.At.UTC(),
		DecisionID:      a.DecisionID,
		SnapshotUpToSeq: a.SnapshotUpToSeq,
		CheckpointHash:  a.CheckpointHash,
		RootHash:        a.RootHash,
		StateHash:       a.StateHash,
		PrevHash:        a.PrevHash,
	})
}

// Seal computes and assigns Hash. Seq/At/PrevHash must already be set by
// the caller (the component resolving "prior anchor" against a store).
func Seal(a Anchor) (Anchor, error) {
	h, err := ComputeHash(a)
	if err != nil {
		return Anchor{}, err
	}
	a.Hash = h
	return a, nil
}

// Next builds the next anchor in the chain given the prior anchor (nil
// for genesis) and the snapshot fields to bind.
func Next(prior *Anchor, decisionID string, snapshotUpToSeq int64, checkpointHash, rootHash, stateHash string, at time.Time) (Anchor, error) {
	var seq int64 = 1
	var prevHash *string
	if prior != nil {
		seq = prior.Seq + 1
		h := prior.Hash
		prevHash = &h
	}
	a := Anchor{
		Seq:             seq,
		At:              at,
		DecisionID:      decisionID,
		SnapshotUpToSeq: snapshotUpToSeq,
		CheckpointHash:  checkpointHash,
		RootHash:        rootHash,
		StateHash:       stateHash,
		PrevHash:        prevHash,
	}
	return Seal(a)
}

// VerifyChainResult is the outcome of VerifyChain.
type VerifyChainResult struct {
	OK       bool
	LastSeq  int64
	LastHash string
	Reason   string
}

// VerifyChain checks prev_hash linkage and per-row hash recomputation
// across a seq-ordered anchor slice. anchors need not start at seq 1 —
// pass the prior surviving anchor's hash as genesisPrevHash when the
// oldest rows have been pruned by retention.
func VerifyChain(anchors []Anchor, genesisPrevHash *string) (VerifyChainResult, error) {
	if len(anchors) == 0 {
		return VerifyChainResult{OK: true}, nil
	}
	prev := genesisPrevHash
	for i, a := range anchors {
		if i > 0 && a.Seq != anchors[i-1].Seq+1 {
			return VerifyChainResult{OK: false, Reason: fmt.Sprintf("non-dense anchor seq at %d", a.Seq)}, nil
		}
		if !hashEqual(a.PrevHash, prev) {
			return VerifyChainResult{OK: false, Reason: fmt.Sprintf("prev_hash mismatch at anchor seq %d", a.Seq)}, nil
		}
		want, err := ComputeHash(a)
		if err != nil {
			return VerifyChainResult{}, err
		}
		if want != a.Hash {
			return VerifyChainResult{OK: false, Reason: fmt.Sprintf("hash mismatch at anchor seq %d", a.Seq)}, nil
		}
		h := a.Hash
		prev = &h
	}
	last := anchors[len(anchors)-1]
	return VerifyChainResult{OK: true, LastSeq: last.Seq, LastHash: last.Hash}, nil
}

func hashEqual(a, b *string) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}

// SignHMAC signs body (the canonical bytes of an Anchor/receipt with its
// signature field absent) with an HMAC-SHA256 key.
func SignHMAC(key []byte, body []byte) []byte {
	mac := hmac.New(sha256.New, key)
	mac.Write(body)
	return mac.Sum(nil)
}

// VerifyHMAC reports whether sig is the HMAC-SHA256 of body under key,
// using a constant-time comparison.
func VerifyHMAC(key []byte, body []byte, sig []byte) bool {
	want := SignHMAC(key, body)
	return subtle.ConstantTimeCompare(want, sig) == 1
}

// SignEd25519 signs body with priv.
func SignEd25519(priv ed25519.PrivateKey, body []byte) []byte {
	return ed25519.Sign(priv, body)
}

// VerifyEd25519 reports whether sig is a valid Ed25519 signature of body
// under pub.
func VerifyEd25519(pub ed25519.PublicKey, body []byte, sig []byte) bool {
	if len(pub) != ed25519.PublicKeySize || len(sig) != ed25519.SignatureSize {
		return false
	}
	return ed25519.Verify(pub, body, sig)
}

// KeyResolver resolves the verification key material for a (tenant_id,
// key_id) pair. Callers implement this against their own key store;
// pkg/anchor never reads keys off disk itself.
type KeyResolver interface {
	ResolveHMACKey(tenantID, keyID string) ([]byte, bool)
	ResolveEd25519PublicKey(tenantID, keyID string) (ed25519.PublicKey, bool)
}

// VerifySignature verifies sig over body, resolving key material for
// (tenantID, sig.KeyID) via resolver.
func VerifySignature(resolver KeyResolver, tenantID string, sig *Signature, body []byte, rawSig []byte) (bool, error) {
	if sig == nil {
		return false, ErrSignatureInvalid
	}
	switch sig.Alg {
	case SigHMAC:
		key, ok := resolver.ResolveHMACKey(tenantID, sig.KeyID)
		if !ok {
			return false, fmt.Errorf("%w: unknown hmac key_id %q", ErrSignatureInvalid, sig.KeyID)
		}
		return VerifyHMAC(key, body, rawSig), nil
	case SigEd25519:
		pub, ok := resolver.ResolveEd25519PublicKey(tenantID, sig.KeyID)
		if !ok {
			return false, fmt.Errorf("%w: unknown ed25519 key_id %q", ErrSignatureInvalid, sig.KeyID)
		}
		return VerifyEd25519(pub, body, rawSig), nil
	default:
		return false, fmt.Errorf("%w: unsupported alg %q", ErrSignatureInvalid, sig.Alg)
	}
}
