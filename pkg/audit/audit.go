// Package audit provides read-only views over a decision's history for
// operators and downstream tooling: a flattened timeline, a structural
// diff between two points in a decision's log, and lineage traversal of
// the fork/link edge graph.
package audit

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"reflect"
	"sort"

	"github.com/ledgerforge/decision-ledger/pkg/canon"
	"github.com/ledgerforge/decision-ledger/pkg/decision"
	"github.com/ledgerforge/decision-ledger/pkg/merkle"
	"github.com/ledgerforge/decision-ledger/pkg/reducer"
	"github.com/ledgerforge/decision-ledger/pkg/receipt"
	"github.com/ledgerforge/decision-ledger/pkg/store"
)

// Views reads timeline, diff, and lineage projections out of a store.
type Views struct {
	store store.Store
}

// New wraps a store.Store for read-only audit queries.
func New(s store.Store) *Views {
	return &Views{store: s}
}

// TimelineEntry is one step of a decision's history, the event that
// drove it and the resulting state.
type TimelineEntry struct {
	Seq        int64                 `json:"seq"`
	At         string                `json:"at"`
	Type       decision.EventType    `json:"type"`
	ActorID    string                `json:"actor_id"`
	StateAfter string                `json:"state_after"`
	Hash       string                `json:"hash"`
}

// Timeline replays a decision's event log and returns one entry per
// event, in seq order, alongside the state the decision was in right
// after that event was applied.
func (v *Views) Timeline(ctx context.Context, decisionID string) ([]TimelineEntry, error) {
	events, err := v.store.ListEvents(ctx, decisionID)
	if err != nil {
		return nil, err
	}
	if len(events) == 0 {
		return nil, nil
	}

	root := &decision.Decision{DecisionID: decisionID, State: "DRAFT"}
	entries := make([]TimelineEntry, 0, len(events))
	for _, ev := range events {
		result := reducer.Apply(root, ev.Payload, ev.At, reducer.Policies{})
		if !result.OK {
			return nil, fmt.Errorf("audit: timeline replay diverged at seq %d: %v", ev.Seq, result.Violations)
		}
		root = result.Decision
		entries = append(entries, TimelineEntry{
			Seq:        ev.Seq,
			At:         ev.At.UTC().Format("2006-01-02T15:04:05.999999999Z07:00"),
			Type:       ev.Payload.Type,
			ActorID:    ev.Payload.ActorID,
			StateAfter: root.State,
			Hash:       ev.Hash,
		})
	}
	return entries, nil
}

// VerifyEventIncludedFromLatestSnapshot rebuilds the Merkle tree from a
// decision's current event rows and checks that event seq's own claimed
// hash sits under the root pinned by the decision's latest snapshot. It
// never trusts a cached root: every call re-decodes the leaves and
// recomputes the tree. Any integrity break downstream of the snapshot
// — a leaf that no longer matches the event's claimed hash, or a
// recomputed root that no longer matches the snapshot's root_hash, or a
// proof that fails to walk to that root — is reported as
// ok:false, reason:"leaf_hash_mismatch" rather than a panic or a
// silent pass. The returned proof is non-nil only when ok is true.
func (v *Views) VerifyEventIncludedFromLatestSnapshot(ctx context.Context, decisionID string, seq int64) (receipt.VerifyReport, *receipt.InclusionProof, error) {
	const mismatch = "leaf_hash_mismatch"

	snap, ok, err := v.store.GetLatestSnapshot(ctx, decisionID)
	if err != nil {
		return receipt.VerifyReport{}, nil, err
	}
	if !ok {
		return receipt.VerifyReport{}, nil, store.ErrNotFound
	}
	if seq < 1 || seq > snap.UpToSeq {
		return receipt.VerifyReport{}, nil, fmt.Errorf("audit: seq %d outside latest snapshot range [1, %d]", seq, snap.UpToSeq)
	}

	claimed, err := v.store.GetEventBySeq(ctx, decisionID, seq)
	if err != nil {
		return receipt.VerifyReport{}, nil, err
	}
	claimedHash, err := hex.DecodeString(claimed.Hash)
	if err != nil {
		return receipt.VerifyReport{OK: false, Reason: mismatch}, nil, nil
	}

	leaves, err := leafHashesUpTo(ctx, v.store, decisionID, snap.UpToSeq)
	if err != nil {
		return receipt.VerifyReport{}, nil, err
	}
	if !bytes.Equal(leaves[seq-1], claimedHash) {
		return receipt.VerifyReport{OK: false, Reason: mismatch}, nil, nil
	}

	tree, err := merkle.BuildTree(leaves)
	if err != nil {
		return receipt.VerifyReport{}, nil, fmt.Errorf("audit: rebuild tree for %s: %w", decisionID, err)
	}
	if snap.RootHash != "" && tree.RootHex() != snap.RootHash {
		return receipt.VerifyReport{OK: false, Reason: mismatch}, nil, nil
	}

	proof, err := tree.Proof(int(seq - 1))
	if err != nil {
		return receipt.VerifyReport{}, nil, err
	}
	rootBytes, err := hex.DecodeString(tree.RootHex())
	if err != nil {
		return receipt.VerifyReport{}, nil, err
	}
	verified, _, err := merkle.VerifyProof(proof, rootBytes)
	if err != nil {
		return receipt.VerifyReport{}, nil, err
	}
	if !verified {
		return receipt.VerifyReport{OK: false, Reason: mismatch}, nil, nil
	}

	return receipt.VerifyReport{OK: true}, &receipt.InclusionProof{EventSeq: seq, Proof: proof}, nil
}

// leafHashesUpTo fetches a decision's event rows and returns their hash
// values, decoded and ordered, for seq 1..upToSeq. It errors on any gap
// rather than silently proving over a partial or reordered leaf set.
func leafHashesUpTo(ctx context.Context, s store.Store, decisionID string, upToSeq int64) ([][]byte, error) {
	events, err := s.ListEvents(ctx, decisionID)
	if err != nil {
		return nil, err
	}
	sort.Slice(events, func(i, j int) bool { return events[i].Seq < events[j].Seq })

	leaves := make([][]byte, 0, upToSeq)
	for _, ev := range events {
		if ev.Seq > upToSeq {
			break
		}
		if ev.Seq != int64(len(leaves))+1 {
			return nil, fmt.Errorf("audit: event log for %s has a gap before seq %d", decisionID, ev.Seq)
		}
		b, err := hex.DecodeString(ev.Hash)
		if err != nil {
			return nil, fmt.Errorf("audit: decode event hash at seq %d: %w", ev.Seq, err)
		}
		leaves = append(leaves, b)
	}
	if int64(len(leaves)) != upToSeq {
		return nil, fmt.Errorf("audit: event log for %s only has %d of %d events covered by its latest snapshot", decisionID, len(leaves), upToSeq)
	}
	return leaves, nil
}

// Diff is a structural comparison between two decision states, expressed
// as canonical-JSON field paths that changed.
type Diff struct {
	FromSeq   int64             `json:"from_seq"`
	ToSeq     int64             `json:"to_seq"`
	Identical bool              `json:"identical"`
	Changed   map[string][2]any `json:"changed,omitempty"` // path -> [before, after]
}

// DiffSnapshots compares the materialized decision state at two
// snapshot checkpoints. Both snapshots must already exist in the store.
func (v *Views) DiffSnapshots(ctx context.Context, decisionID string, fromSeq, toSeq int64) (Diff, error) {
	snaps, err := v.store.ListSnapshots(ctx, decisionID)
	if err != nil {
		return Diff{}, err
	}
	var from, to *decision.Decision
	for i := range snaps {
		if snaps[i].UpToSeq == fromSeq {
			from = &snaps[i].Decision
		}
		if snaps[i].UpToSeq == toSeq {
			to = &snaps[i].Decision
		}
	}
	if from == nil {
		return Diff{}, fmt.Errorf("audit: no snapshot at seq %d for decision %s", fromSeq, decisionID)
	}
	if to == nil {
		return Diff{}, fmt.Errorf("audit: no snapshot at seq %d for decision %s", toSeq, decisionID)
	}

	fromMap, err := toCanonicalMap(*from)
	if err != nil {
		return Diff{}, err
	}
	toMap, err := toCanonicalMap(*to)
	if err != nil {
		return Diff{}, err
	}

	changed := map[string][2]any{}
	diffMaps("", fromMap, toMap, changed)

	return Diff{FromSeq: fromSeq, ToSeq: toSeq, Identical: len(changed) == 0, Changed: changed}, nil
}

func toCanonicalMap(d decision.Decision) (map[string]interface{}, error) {
	body, err := canon.PublicCanonical(d)
	if err != nil {
		return nil, err
	}
	var m map[string]interface{}
	if err := json.Unmarshal(body, &m); err != nil {
		return nil, err
	}
	return m, nil
}

func diffMaps(prefix string, from, to map[string]interface{}, out map[string][2]any) {
	seen := map[string]bool{}
	for k, fv := range from {
		seen[k] = true
		path := joinPath(prefix, k)
		tv, ok := to[k]
		if !ok {
			out[path] = [2]any{fv, nil}
			continue
		}
		compareValue(path, fv, tv, out)
	}
	for k, tv := range to {
		if seen[k] {
			continue
		}
		out[joinPath(prefix, k)] = [2]any{nil, tv}
	}
}

func compareValue(path string, fv, tv interface{}, out map[string][2]any) {
	fm, fok := fv.(map[string]interface{})
	tm, tok := tv.(map[string]interface{})
	if fok && tok {
		diffMaps(path, fm, tm, out)
		return
	}
	if !reflect.DeepEqual(fv, tv) {
		out[path] = [2]any{fv, tv}
	}
}

func joinPath(prefix, key string) string {
	if prefix == "" {
		return key
	}
	return prefix + "." + key
}

// LineageNode is one decision in a fork/link ancestry walk.
type LineageNode struct {
	DecisionID string            `json:"decision_id"`
	Edges      []store.Edge      `json:"edges"`
}

// Lineage walks the decision edge graph breadth-first starting from
// decisionID, following outgoing edges up to maxDepth hops (0 means
// unbounded). Only decisions that have at least one outgoing edge are
// listed; a decision reached with no outgoing edges adds no node.
func (v *Views) Lineage(ctx context.Context, decisionID string, maxDepth int) ([]LineageNode, error) {
	visited := map[string]bool{decisionID: true}
	queue := []string{decisionID}
	var out []LineageNode

	for depth := 0; len(queue) > 0; depth++ {
		if maxDepth > 0 && depth >= maxDepth {
			break
		}
		var next []string
		for _, id := range queue {
			edges, err := v.store.ListDecisionEdges(ctx, id)
			if err != nil {
				return nil, err
			}
			if len(edges) == 0 {
				continue
			}
			out = append(out, LineageNode{DecisionID: id, Edges: edges})
			for _, e := range edges {
				if !visited[e.ToDecisionID] {
					visited[e.ToDecisionID] = true
					next = append(next, e.ToDecisionID)
				}
			}
		}
		queue = next
	}
	return out, nil
}
