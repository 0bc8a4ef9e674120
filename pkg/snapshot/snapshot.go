// Package snapshot implements policy-driven materialized checkpoints:
// when to take one, what it binds, and how to retire old ones and the
// event rows they make prunable.
package snapshot

import (
	"encoding/hex"
	"fmt"
	"time"

	"github.com/ledgerforge/decision-ledger/pkg/decision"
	"github.com/ledgerforge/decision-ledger/pkg/merkle"
)

// Policy governs when snapshots are taken and how long they and the
// events below them survive.
type Policy struct {
	EveryNEvents               int  // take a snapshot every N accepted events; <=0 disables
	KeepLastN                  int  // retention: keep at most this many snapshots per decision; <=0 keeps all
	PruneEventsUpToLatestSnap bool // if true, event rows at or below the oldest retained snapshot's up_to_seq are prunable
}

// Snapshot is a materialized decision state at a point in its log.
type Snapshot struct {
	DecisionID     string            `json:"decision_id"`
	UpToSeq        int64             `json:"up_to_seq"`
	Decision       decision.Decision `json:"decision"`
	CreatedAt      time.Time         `json:"created_at"`
	CheckpointHash string            `json:"checkpoint_hash"`
	RootHash       string            `json:"root_hash,omitempty"`
}

// ShouldSnapshot reports whether currentSeq warrants a new snapshot given
// the last one taken at lastSnapSeq (0 if none yet).
func ShouldSnapshot(policy Policy, lastSnapSeq, currentSeq int64) bool {
	if policy.EveryNEvents <= 0 {
		return false
	}
	return currentSeq-lastSnapSeq >= int64(policy.EveryNEvents)
}

// Build materializes a Snapshot at up_to_seq. eventHashesInOrder must be
// the event.hash values for seq 1..up_to_seq in ascending seq order;
// checkpointHash must equal the hash of the event at up_to_seq.
func Build(decisionID string, upToSeq int64, state decision.Decision, checkpointHash string, eventHashesInOrder []string, createdAt time.Time) (Snapshot, error) {
	snap := Snapshot{
		DecisionID:     decisionID,
		UpToSeq:        upToSeq,
		Decision:       state,
		CreatedAt:      createdAt,
		CheckpointHash: checkpointHash,
	}
	if upToSeq >= 1 {
		if int64(len(eventHashesInOrder)) != upToSeq {
			return Snapshot{}, fmt.Errorf("snapshot: expected %d event hashes up to seq %d, got %d", upToSeq, upToSeq, len(eventHashesInOrder))
		}
		root, err := rootHex(eventHashesInOrder)
		if err != nil {
			return Snapshot{}, err
		}
		snap.RootHash = root
	}
	return snap, nil
}

// VerifyCheckpointBinding checks that snap.checkpoint_hash equals the
// hash of the event at snap.up_to_seq and snap.root_hash equals the
// Merkle root over event hashes [1..up_to_seq].
func VerifyCheckpointBinding(snap Snapshot, eventHashAtUpToSeq string, eventHashesInOrder []string) (bool, error) {
	if snap.CheckpointHash != eventHashAtUpToSeq {
		return false, nil
	}
	if snap.UpToSeq == 0 {
		return snap.RootHash == "", nil
	}
	root, err := rootHex(eventHashesInOrder)
	if err != nil {
		return false, err
	}
	return root == snap.RootHash, nil
}

func rootHex(hexHashes []string) (string, error) {
	leaves := make([][]byte, len(hexHashes))
	for i, h := range hexHashes {
		b, err := hex.DecodeString(h)
		if err != nil {
			return "", fmt.Errorf("snapshot: invalid event hash at position %d: %w", i, err)
		}
		leaves[i] = b
	}
	root, err := merkle.RootOf(leaves)
	if err != nil {
		return "", err
	}
	if root == nil {
		return "", nil
	}
	return hex.EncodeToString(root), nil
}

// SelectRetained returns the up_to_seq values of snapshots to keep, given
// all existing snapshot seqs for a decision in ascending order.
func SelectRetained(policy Policy, allUpToSeqAsc []int64) []int64 {
	if policy.KeepLastN <= 0 || len(allUpToSeqAsc) <= policy.KeepLastN {
		return allUpToSeqAsc
	}
	return allUpToSeqAsc[len(allUpToSeqAsc)-policy.KeepLastN:]
}

// PrunableEventsUpTo returns the seq at or below which event rows may be
// deleted, given the oldest snapshot still retained after SelectRetained.
// It is the caller's responsibility to only delete once the snapshot
// and any receipts referencing those events are durable.
func PrunableEventsUpTo(policy Policy, retainedUpToSeqAsc []int64) int64 {
	if !policy.PruneEventsUpToLatestSnap || len(retainedUpToSeqAsc) == 0 {
		return 0
	}
	return retainedUpToSeqAsc[0]
}
