package reducer

import (
	"testing"
	"time"

	"github.com/ledgerforge/decision-ledger/pkg/decision"
	"github.com/ledgerforge/decision-ledger/pkg/statemachine"
)

func draft() *decision.Decision {
	return &decision.Decision{
		DecisionID: "d-1",
		State:      string(statemachine.StateDraft),
		Version:    0,
		Meta:       decision.Meta{Title: "t", OwnerID: "owner-1"},
	}
}

func TestApply_ValidateTransitions(t *testing.T) {
	d := draft()
	now := time.Unix(1000, 0).UTC()
	res := Apply(d, decision.EventPayload{Type: statemachine.EventValidate, ActorID: "a1"}, now, Policies{})
	if !res.OK {
		t.Fatalf("expected ok, got violations: %+v", res.Violations)
	}
	if res.Decision.State != string(statemachine.StateValidated) {
		t.Fatalf("expected VALIDATED, got %s", res.Decision.State)
	}
	if res.Decision.Version != 1 {
		t.Fatalf("expected version 1, got %d", res.Decision.Version)
	}
	if len(res.Decision.History) != 1 || res.Decision.History[0].At != now {
		t.Fatalf("expected one history entry stamped with now, got %+v", res.Decision.History)
	}
	// input must not be mutated
	if d.State != string(statemachine.StateDraft) || d.Version != 0 {
		t.Fatalf("Apply mutated its input: %+v", d)
	}
}

func TestApply_InvalidTransitionRejected(t *testing.T) {
	d := draft()
	res := Apply(d, decision.EventPayload{Type: statemachine.EventApprove, ActorID: "a1"}, time.Now(), Policies{})
	if res.OK {
		t.Fatal("expected APPROVE from DRAFT to be rejected")
	}
	if res.Violations[0].Code != "INVALID_TRANSITION" {
		t.Fatalf("expected INVALID_TRANSITION, got %s", res.Violations[0].Code)
	}
}

func TestApply_ApproveRequiresMeta(t *testing.T) {
	d := draft()
	d.State = string(statemachine.StateExplained)
	d.Meta.OwnerID = ""
	res := Apply(d, decision.EventPayload{Type: statemachine.EventApprove, ActorID: "a1"}, time.Now(), Policies{})
	if res.OK {
		t.Fatal("expected APPROVE to fail without meta.owner_id")
	}
	if res.Violations[0].Code != "MISSING_REQUIRED_META" {
		t.Fatalf("expected MISSING_REQUIRED_META, got %s", res.Violations[0].Code)
	}
}

func TestApply_RejectRequiresReasonUnderPolicy(t *testing.T) {
	d := draft()
	d.State = string(statemachine.StateExplained)
	policies := Policies{RequireRejectReason: true}

	res := Apply(d, decision.EventPayload{Type: statemachine.EventReject, ActorID: "a1"}, time.Now(), policies)
	if res.OK {
		t.Fatal("expected REJECT without reason to fail under policy")
	}

	res = Apply(d, decision.EventPayload{Type: statemachine.EventReject, ActorID: "a1", Reason: "bad data"}, time.Now(), policies)
	if !res.OK {
		t.Fatalf("expected REJECT with reason to succeed, got %+v", res.Violations)
	}
}

func TestApply_AttachArtifactsDeepMergesExtra(t *testing.T) {
	d := draft()
	d.Artifacts.Extra = map[string]interface{}{
		"risk": map[string]interface{}{"score": 1, "flag": "low"},
	}
	patch := &decision.ArtifactsPatch{
		Extra: map[string]interface{}{
			"risk": map[string]interface{}{"score": 2},
			"new":  "value",
		},
	}
	res := Apply(d, decision.EventPayload{Type: statemachine.EventAttachArtifacts, ActorID: "a1", Artifacts: patch}, time.Now(), Policies{})
	if !res.OK {
		t.Fatalf("expected ok, got %+v", res.Violations)
	}
	risk := res.Decision.Artifacts.Extra["risk"].(map[string]interface{})
	if risk["score"] != 2 {
		t.Fatalf("expected later value to win, got %v", risk["score"])
	}
	if risk["flag"] != "low" {
		t.Fatalf("expected untouched sibling key to survive merge, got %v", risk["flag"])
	}
	if res.Decision.Artifacts.Extra["new"] != "value" {
		t.Fatal("expected new top-level key to be added")
	}
	// original must be untouched
	origRisk := d.Artifacts.Extra["risk"].(map[string]interface{})
	if origRisk["score"] != 1 {
		t.Fatal("Apply mutated the input decision's artifacts.extra")
	}
}

func TestApply_IngestRecordsDedup(t *testing.T) {
	d := draft()
	now := time.Now()
	rec := decision.RecordPayload{SourceSystem: "sys1", SourceRecordID: "r1", EntityType: "trade", OccurredAt: now}
	res := Apply(d, decision.EventPayload{
		Type: statemachine.EventIngestRecords, ActorID: "a1",
		Records: []decision.RecordPayload{rec, rec},
	}, now, Policies{})
	if !res.OK {
		t.Fatalf("expected ok, got %+v", res.Violations)
	}
	if len(res.Decision.Artifacts.IngestedRecords) != 1 {
		t.Fatalf("expected duplicate record in same batch to be deduped, got %d", len(res.Decision.Artifacts.IngestedRecords))
	}

	res2 := Apply(res.Decision, decision.EventPayload{
		Type: statemachine.EventIngestRecords, ActorID: "a1",
		Records: []decision.RecordPayload{rec},
	}, now, Policies{})
	if !res2.OK {
		t.Fatalf("expected ok, got %+v", res2.Violations)
	}
	if len(res2.Decision.Artifacts.IngestedRecords) != 1 {
		t.Fatalf("expected re-ingesting the same natural key across events to stay deduped, got %d", len(res2.Decision.Artifacts.IngestedRecords))
	}
}

func TestApply_LinkDecisionsProducesEdges(t *testing.T) {
	d := draft()
	d.State = string(statemachine.StateValidated)
	res := Apply(d, decision.EventPayload{
		Type: statemachine.EventLinkDecisions, ActorID: "a1",
		Links: []decision.LinkPayload{{ToDecisionID: "d-2", Relation: "supersedes"}},
	}, time.Now(), Policies{})
	if !res.OK {
		t.Fatalf("expected ok, got %+v", res.Violations)
	}
	if len(res.Edges) != 1 || res.Edges[0].ToDecisionID != "d-2" {
		t.Fatalf("expected one edge to d-2, got %+v", res.Edges)
	}
}

func TestApply_EnterDisputeThenFreeze(t *testing.T) {
	d := draft()
	d.State = string(statemachine.StateValidated)
	res := Apply(d, decision.EventPayload{Type: statemachine.EventEnterDispute, ActorID: "a1", Reason: "contested"}, time.Now(), Policies{})
	if !res.OK {
		t.Fatalf("expected ok, got %+v", res.Violations)
	}
	if res.Decision.State != string(statemachine.StateDisputed) {
		t.Fatalf("expected DISPUTED, got %s", res.Decision.State)
	}

	res2 := Apply(res.Decision, decision.EventPayload{Type: statemachine.EventSimulate, ActorID: "a1"}, time.Now(), Policies{})
	if res2.OK {
		t.Fatal("expected SIMULATE to be frozen while DISPUTED")
	}
	if res2.Violations[0].Code != "FROZEN" {
		t.Fatalf("expected FROZEN, got %s", res2.Violations[0].Code)
	}
}

func TestApply_UnknownEventTypeRejected(t *testing.T) {
	d := draft()
	res := Apply(d, decision.EventPayload{Type: decision.EventType("BOGUS"), ActorID: "a1"}, time.Now(), Policies{})
	if res.OK {
		t.Fatal("expected unknown event type to be rejected")
	}
	if res.Violations[0].Code != "INVALID_EVENT_PAYLOAD" {
		t.Fatalf("expected INVALID_EVENT_PAYLOAD, got %s", res.Violations[0].Code)
	}
}

func TestApply_Deterministic(t *testing.T) {
	d := draft()
	now := time.Unix(5000, 0).UTC()
	payload := decision.EventPayload{Type: statemachine.EventValidate, ActorID: "a1"}

	r1 := Apply(d, payload, now, Policies{})
	r2 := Apply(d, payload, now, Policies{})
	if r1.Decision.State != r2.Decision.State || r1.Decision.Version != r2.Decision.Version {
		t.Fatal("expected Apply to be deterministic given identical inputs")
	}
}

func TestReplay_FoldsEventsInSeqOrder(t *testing.T) {
	d := draft()
	events := []decision.Event{
		{Seq: 2, At: time.Unix(200, 0).UTC(), Payload: decision.EventPayload{Type: statemachine.EventSimulate, ActorID: "a1"}},
		{Seq: 1, At: time.Unix(100, 0).UTC(), Payload: decision.EventPayload{Type: statemachine.EventValidate, ActorID: "a1"}},
	}
	out, err := Replay(d, events, Policies{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if out.State != string(statemachine.StateSimulated) {
		t.Fatalf("expected SIMULATED after replay, got %s", out.State)
	}
	if out.Version != 2 {
		t.Fatalf("expected version 2, got %d", out.Version)
	}
}

func TestReplay_StopsAtFirstViolation(t *testing.T) {
	d := draft()
	events := []decision.Event{
		{Seq: 1, At: time.Unix(100, 0).UTC(), Payload: decision.EventPayload{Type: statemachine.EventApprove, ActorID: "a1"}},
	}
	if _, err := Replay(d, events, Policies{}); err == nil {
		t.Fatal("expected replay to fail on an invalid transition")
	}
}
