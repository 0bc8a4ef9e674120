package engine

import (
	"context"
	"testing"
	"time"

	"github.com/ledgerforge/decision-ledger/pkg/decision"
	"github.com/ledgerforge/decision-ledger/pkg/reducer"
	"github.com/ledgerforge/decision-ledger/pkg/snapshot"
	"github.com/ledgerforge/decision-ledger/pkg/statemachine"
	"github.com/ledgerforge/decision-ledger/pkg/store/memstore"
)

func newTestEngine(clock Clock) *Engine {
	return New(memstore.New(), reducer.Policies{}, snapshot.Policy{EveryNEvents: 1, KeepLastN: 0}, AnchorPolicy{Enabled: true}, LockPolicy{}, clock)
}

func fixedClock(t time.Time) Clock {
	return func() time.Time { return t }
}

// movableClock lets a test advance wall-clock time between calls without a
// real sleep, to exercise the lock policy's elapsed-window check.
func movableClock(t time.Time) (Clock, func(time.Time)) {
	cur := t
	return func() time.Time { return cur }, func(next time.Time) { cur = next }
}

func TestAppendEvent_FullLifecycleSnapshotsAndAnchors(t *testing.T) {
	ctx := context.Background()
	now := time.Unix(1000, 0).UTC()
	e := newTestEngine(fixedClock(now))

	if _, err := e.CreateDecision(ctx, "d-1", decision.Meta{Title: "t", OwnerID: "o"}); err != nil {
		t.Fatal(err)
	}

	types := []statemachine.EventType{statemachine.EventValidate, statemachine.EventSimulate, statemachine.EventExplain, statemachine.EventApprove}
	var lastResult AppendResult
	for _, et := range types {
		res, err := e.AppendEvent(ctx, "d-1", decision.EventPayload{Type: et, ActorID: "user-1", Meta: map[string]interface{}{"title": "t", "owner_id": "o"}}, nil)
		if err != nil {
			t.Fatal(err)
		}
		if !res.OK {
			t.Fatalf("expected event %s to be accepted, got violations %+v", et, res.Violations)
		}
		lastResult = res
	}

	if lastResult.Decision.State != "APPROVED" {
		t.Fatalf("expected final state APPROVED, got %s", lastResult.Decision.State)
	}
	if lastResult.Decision.Version != 4 {
		t.Fatalf("expected version 4, got %d", lastResult.Decision.Version)
	}
	if lastResult.Snapshot == nil {
		t.Fatal("expected a snapshot to be taken on every event under every_n_events=1")
	}
	if lastResult.Anchor == nil {
		t.Fatal("expected an anchor to be minted")
	}
	if lastResult.Anchor.Seq != 4 {
		t.Fatalf("expected 4 anchors minted by the 4th event, got seq %d", lastResult.Anchor.Seq)
	}
}

func TestAppendEvent_InvalidTransitionLeavesNoTrace(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(fixedClock(time.Unix(1000, 0).UTC()))
	if _, err := e.CreateDecision(ctx, "d-1", decision.Meta{}); err != nil {
		t.Fatal(err)
	}

	res, err := e.AppendEvent(ctx, "d-1", decision.EventPayload{Type: statemachine.EventApprove, ActorID: "u"}, nil)
	if err != nil {
		t.Fatal(err)
	}
	if res.OK {
		t.Fatal("expected APPROVE from DRAFT to be rejected")
	}

	events, err := e.store.ListEvents(ctx, "d-1")
	if err != nil {
		t.Fatal(err)
	}
	if len(events) != 0 {
		t.Fatalf("expected no event rows after a rejected transition, got %d", len(events))
	}
}

func TestAppendEvent_IdempotentReplay(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(fixedClock(time.Unix(1000, 0).UTC()))
	if _, err := e.CreateDecision(ctx, "d-1", decision.Meta{}); err != nil {
		t.Fatal(err)
	}

	key := "v1"
	payload := decision.EventPayload{Type: statemachine.EventValidate, ActorID: "u"}

	first, err := e.AppendEvent(ctx, "d-1", payload, &key)
	if err != nil {
		t.Fatal(err)
	}
	if first.Replay {
		t.Fatal("expected first append to not be a replay")
	}

	second, err := e.AppendEvent(ctx, "d-1", payload, &key)
	if err != nil {
		t.Fatal(err)
	}
	if !second.Replay {
		t.Fatal("expected second append with same idempotency key to be a replay")
	}

	events, err := e.store.ListEvents(ctx, "d-1")
	if err != nil {
		t.Fatal(err)
	}
	if len(events) != 1 {
		t.Fatalf("expected exactly one event row, got %d", len(events))
	}
}

func TestAppendEvent_AnchorChainLinks(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(fixedClock(time.Unix(1000, 0).UTC()))
	if _, err := e.CreateDecision(ctx, "d-1", decision.Meta{}); err != nil {
		t.Fatal(err)
	}

	r1, err := e.AppendEvent(ctx, "d-1", decision.EventPayload{Type: statemachine.EventValidate, ActorID: "u"}, nil)
	if err != nil {
		t.Fatal(err)
	}
	r2, err := e.AppendEvent(ctx, "d-1", decision.EventPayload{Type: statemachine.EventSimulate, ActorID: "u"}, nil)
	if err != nil {
		t.Fatal(err)
	}

	if r2.Anchor.PrevHash == nil || *r2.Anchor.PrevHash != r1.Anchor.Hash {
		t.Fatalf("expected anchor 2 to chain from anchor 1, got %+v", r2.Anchor)
	}
}

func TestAppendEvent_ForkCreatesNewDecisionRow(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(fixedClock(time.Unix(1000, 0).UTC()))
	if _, err := e.CreateDecision(ctx, "d-1", decision.Meta{Title: "t", OwnerID: "o"}); err != nil {
		t.Fatal(err)
	}
	if _, err := e.AppendEvent(ctx, "d-1", decision.EventPayload{Type: statemachine.EventValidate, ActorID: "u"}, nil); err != nil {
		t.Fatal(err)
	}

	res, err := e.AppendEvent(ctx, "d-1", decision.EventPayload{Type: statemachine.EventFork, ActorID: "u", ForkedDecisionID: "d-1-fork"}, nil)
	if err != nil {
		t.Fatal(err)
	}
	if !res.OK {
		t.Fatalf("expected FORK to be accepted, got %+v", res.Violations)
	}
	if res.ForkedDecisionID != "d-1-fork" {
		t.Fatalf("expected forked decision id d-1-fork, got %q", res.ForkedDecisionID)
	}
	if res.Decision.State != "VALIDATED" {
		t.Fatalf("expected source decision to remain at its own stage, got %s", res.Decision.State)
	}

	forked, err := e.GetDecision(ctx, "d-1-fork")
	if err != nil {
		t.Fatal(err)
	}
	if forked.State != "DRAFT" {
		t.Fatalf("expected forked decision to start at DRAFT, got %s", forked.State)
	}
	if forked.Meta.ParentDecisionID == nil || *forked.Meta.ParentDecisionID != "d-1" {
		t.Fatalf("expected forked decision to reference parent d-1, got %+v", forked.Meta.ParentDecisionID)
	}
	if forked.Meta.ForkParentSeq == nil || *forked.Meta.ForkParentSeq != res.Event.Seq {
		t.Fatalf("expected fork_parent_seq to pin the FORK event's seq, got %+v", forked.Meta.ForkParentSeq)
	}
	if forked.Meta.ForkCheckpointHash == nil || *forked.Meta.ForkCheckpointHash != res.Event.Hash {
		t.Fatalf("expected fork_checkpoint_hash to pin the FORK event's hash, got %+v", forked.Meta.ForkCheckpointHash)
	}
	if forked.Meta.Title != "t" || forked.Meta.OwnerID != "o" {
		t.Fatalf("expected forked decision to inherit parent meta, got %+v", forked.Meta)
	}
}

func TestTryAutoLock_LocksAfterWindowElapsed(t *testing.T) {
	ctx := context.Background()
	start := time.Unix(1000, 0).UTC()
	clock, advance := movableClock(start)

	e := New(memstore.New(), reducer.Policies{}, snapshot.Policy{EveryNEvents: 1}, AnchorPolicy{},
		LockPolicy{Enabled: true, Window: time.Minute}, clock)

	if _, err := e.CreateDecision(ctx, "d-1", decision.Meta{Title: "t", OwnerID: "o"}); err != nil {
		t.Fatal(err)
	}
	for _, et := range []statemachine.EventType{statemachine.EventValidate, statemachine.EventSimulate, statemachine.EventExplain, statemachine.EventApprove} {
		res, err := e.AppendEvent(ctx, "d-1", decision.EventPayload{Type: et, ActorID: "u", Meta: map[string]interface{}{"title": "t", "owner_id": "o"}}, nil)
		if err != nil {
			t.Fatal(err)
		}
		if !res.OK {
			t.Fatalf("expected %s to be accepted, got %+v", et, res.Violations)
		}
	}

	locked, err := e.TryAutoLock(ctx, "d-1")
	if err != nil {
		t.Fatal(err)
	}
	if locked {
		t.Fatal("expected no auto-lock before the window elapses")
	}
	d, err := e.GetDecision(ctx, "d-1")
	if err != nil {
		t.Fatal(err)
	}
	if d.State != "APPROVED" {
		t.Fatalf("expected state to remain APPROVED before the window elapses, got %s", d.State)
	}

	advance(start.Add(2 * time.Minute))

	locked, err = e.TryAutoLock(ctx, "d-1")
	if err != nil {
		t.Fatal(err)
	}
	if !locked {
		t.Fatal("expected auto-lock to fire once the window has elapsed")
	}
	d, err = e.GetDecision(ctx, "d-1")
	if err != nil {
		t.Fatal(err)
	}
	if d.State != "LOCKED" {
		t.Fatalf("expected state LOCKED after auto-lock, got %s", d.State)
	}

	res, err := e.AppendEvent(ctx, "d-1", decision.EventPayload{Type: statemachine.EventValidate, ActorID: "u"}, nil)
	if err != nil {
		t.Fatal(err)
	}
	if res.OK {
		t.Fatal("expected VALIDATE to be rejected once LOCKED with no allow_event_types")
	}
	if len(res.Violations) != 1 || res.Violations[0].Code != "LOCKED" {
		t.Fatalf("expected a single LOCKED violation, got %+v", res.Violations)
	}
}
