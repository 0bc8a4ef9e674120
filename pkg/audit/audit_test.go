package audit

import (
	"context"
	"encoding/hex"
	"testing"
	"time"

	"github.com/ledgerforge/decision-ledger/pkg/decision"
	"github.com/ledgerforge/decision-ledger/pkg/hashchain"
	"github.com/ledgerforge/decision-ledger/pkg/merkle"
	"github.com/ledgerforge/decision-ledger/pkg/snapshot"
	"github.com/ledgerforge/decision-ledger/pkg/statemachine"
	"github.com/ledgerforge/decision-ledger/pkg/store"
	"github.com/ledgerforge/decision-ledger/pkg/store/memstore"
)

// sealedEvents builds a chained, correctly-hashed event slice without
// persisting it, so a test can derive a snapshot root from the
// untampered hashes before seeding a (possibly tampered) copy.
func sealedEvents(t *testing.T, decisionID string, types []statemachine.EventType) []decision.Event {
	t.Helper()
	var prevHash *string
	out := make([]decision.Event, 0, len(types))
	for i, et := range types {
		seq := int64(i + 1)
		ev := decision.Event{
			DecisionID: decisionID,
			Seq:        seq,
			At:         time.Unix(1000+seq, 0).UTC(),
			Payload:    decision.EventPayload{Type: et, ActorID: "u"},
			PrevHash:   prevHash,
		}
		sealed, err := hashchain.Seal(ev)
		if err != nil {
			t.Fatal(err)
		}
		out = append(out, sealed)
		h := sealed.Hash
		prevHash = &h
	}
	return out
}

func rootHexOf(t *testing.T, events []decision.Event) string {
	t.Helper()
	leaves := make([][]byte, len(events))
	for i, ev := range events {
		b, err := hex.DecodeString(ev.Hash)
		if err != nil {
			t.Fatal(err)
		}
		leaves[i] = b
	}
	root, err := merkle.RootOf(leaves)
	if err != nil {
		t.Fatal(err)
	}
	return hex.EncodeToString(root)
}

func seedEvents(t *testing.T, s *memstore.Store, decisionID string, types []statemachine.EventType) {
	t.Helper()
	ctx := context.Background()
	var prevHash *string
	for i, et := range types {
		seq := int64(i + 1)
		ev := decision.Event{
			DecisionID: decisionID,
			Seq:        seq,
			At:         time.Unix(1000+seq, 0).UTC(),
			Payload:    decision.EventPayload{Type: et, ActorID: "u"},
			PrevHash:   prevHash,
		}
		sealed, err := hashchain.Seal(ev)
		if err != nil {
			t.Fatal(err)
		}
		if _, _, err := s.AppendEvent(ctx, sealed); err != nil {
			t.Fatal(err)
		}
		h := sealed.Hash
		prevHash = &h
	}
}

func TestTimeline_ReplaysEventsInOrder(t *testing.T) {
	ctx := context.Background()
	s := memstore.New()
	seedEvents(t, s, "d-1", []statemachine.EventType{statemachine.EventValidate, statemachine.EventSimulate, statemachine.EventExplain})

	v := New(s)
	timeline, err := v.Timeline(ctx, "d-1")
	if err != nil {
		t.Fatal(err)
	}
	if len(timeline) != 3 {
		t.Fatalf("expected 3 timeline entries, got %d", len(timeline))
	}
	if timeline[2].StateAfter != "EXPLAINED" {
		t.Fatalf("expected final state EXPLAINED, got %s", timeline[2].StateAfter)
	}
}

func TestDiffSnapshots_DetectsStateChange(t *testing.T) {
	ctx := context.Background()
	s := memstore.New()

	d1 := decision.Decision{DecisionID: "d-1", State: "DRAFT", Version: 0}
	d2 := decision.Decision{DecisionID: "d-1", State: "VALIDATED", Version: 1}

	if err := s.PutSnapshot(ctx, snapshot.Snapshot{DecisionID: "d-1", UpToSeq: 0, Decision: d1, CreatedAt: time.Unix(1000, 0).UTC()}); err != nil {
		t.Fatal(err)
	}
	if err := s.PutSnapshot(ctx, snapshot.Snapshot{DecisionID: "d-1", UpToSeq: 1, Decision: d2, CreatedAt: time.Unix(1001, 0).UTC()}); err != nil {
		t.Fatal(err)
	}

	v := New(s)
	diff, err := v.DiffSnapshots(ctx, "d-1", 0, 1)
	if err != nil {
		t.Fatal(err)
	}
	if diff.Identical {
		t.Fatal("expected DRAFT -> VALIDATED to produce a diff")
	}
	if _, ok := diff.Changed["state"]; !ok {
		t.Fatalf("expected a change at path 'state', got %+v", diff.Changed)
	}
}

func TestLineage_WalksEdgesBreadthFirst(t *testing.T) {
	ctx := context.Background()
	s := memstore.New()
	if err := s.PutDecisionEdge(ctx, store.Edge{FromDecisionID: "d-1", ToDecisionID: "d-2", Relation: "forked_into"}); err != nil {
		t.Fatal(err)
	}
	if err := s.PutDecisionEdge(ctx, store.Edge{FromDecisionID: "d-2", ToDecisionID: "d-3", Relation: "forked_into"}); err != nil {
		t.Fatal(err)
	}

	v := New(s)
	nodes, err := v.Lineage(ctx, "d-1", 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(nodes) != 2 {
		t.Fatalf("expected 2 nodes with outgoing edges reached, got %d", len(nodes))
	}
	if nodes[0].DecisionID != "d-1" || nodes[1].DecisionID != "d-2" {
		t.Fatalf("unexpected lineage order: %+v", nodes)
	}
}

func TestVerifyEventIncludedFromLatestSnapshot_HappyPath(t *testing.T) {
	ctx := context.Background()
	s := memstore.New()
	types := []statemachine.EventType{statemachine.EventValidate, statemachine.EventSimulate, statemachine.EventExplain}
	events := sealedEvents(t, "d-1", types)
	for _, ev := range events {
		if _, _, err := s.AppendEvent(ctx, ev); err != nil {
			t.Fatal(err)
		}
	}
	root := rootHexOf(t, events)
	if err := s.PutSnapshot(ctx, snapshot.Snapshot{
		DecisionID: "d-1", UpToSeq: 3,
		Decision:  decision.Decision{DecisionID: "d-1", State: "EXPLAINED"},
		CreatedAt: time.Unix(2000, 0).UTC(),
		RootHash:  root,
	}); err != nil {
		t.Fatal(err)
	}

	v := New(s)
	report, proof, err := v.VerifyEventIncludedFromLatestSnapshot(ctx, "d-1", 2)
	if err != nil {
		t.Fatal(err)
	}
	if !report.OK {
		t.Fatalf("expected inclusion check to pass, got reason %q", report.Reason)
	}
	if proof == nil || proof.EventSeq != 2 {
		t.Fatalf("expected a proof for event_seq 2, got %+v", proof)
	}
	rootBytes, err := hex.DecodeString(root)
	if err != nil {
		t.Fatal(err)
	}
	ok, _, err := merkle.VerifyProof(proof.Proof, rootBytes)
	if err != nil {
		t.Fatal(err)
	}
	if !ok {
		t.Fatal("expected the returned proof to independently verify against the snapshot root")
	}
}

func TestVerifyEventIncludedFromLatestSnapshot_DetectsTamperedEventHash(t *testing.T) {
	ctx := context.Background()
	types := []statemachine.EventType{statemachine.EventValidate, statemachine.EventSimulate, statemachine.EventExplain}
	original := sealedEvents(t, "d-1", types)
	root := rootHexOf(t, original) // root pinned BEFORE tampering

	// Seed a store whose seq=2 event row carries a hash that no longer
	// matches the one the snapshot's root_hash was computed from —
	// simulating a tampered copy of the log.
	s := memstore.New()
	tampered := append([]decision.Event(nil), original...)
	tampered[1].Hash = merkle.HashDataHex([]byte("not-the-real-event"))
	for _, ev := range tampered {
		if _, _, err := s.AppendEvent(ctx, ev); err != nil {
			t.Fatal(err)
		}
	}
	if err := s.PutSnapshot(ctx, snapshot.Snapshot{
		DecisionID: "d-1", UpToSeq: 3,
		Decision:  decision.Decision{DecisionID: "d-1", State: "EXPLAINED"},
		CreatedAt: time.Unix(2000, 0).UTC(),
		RootHash:  root,
	}); err != nil {
		t.Fatal(err)
	}

	v := New(s)
	report, proof, err := v.VerifyEventIncludedFromLatestSnapshot(ctx, "d-1", 2)
	if err != nil {
		t.Fatal(err)
	}
	if report.OK {
		t.Fatal("expected tampered event hash to fail inclusion check")
	}
	if report.Reason != "leaf_hash_mismatch" {
		t.Fatalf("expected reason leaf_hash_mismatch, got %q", report.Reason)
	}
	if proof != nil {
		t.Fatal("expected no proof to be returned on a failed check")
	}
}

func TestLineage_RespectsMaxDepth(t *testing.T) {
	ctx := context.Background()
	s := memstore.New()
	_ = s.PutDecisionEdge(ctx, store.Edge{FromDecisionID: "d-1", ToDecisionID: "d-2", Relation: "forked_into"})
	_ = s.PutDecisionEdge(ctx, store.Edge{FromDecisionID: "d-2", ToDecisionID: "d-3", Relation: "forked_into"})

	v := New(s)
	nodes, err := v.Lineage(ctx, "d-1", 1)
	if err != nil {
		t.Fatal(err)
	}
	if len(nodes) != 1 {
		t.Fatalf("expected depth-limited walk to stop after 1 hop, got %d nodes", len(nodes))
	}
}
