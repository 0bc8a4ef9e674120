// Package reducer implements the pure event reducer: given a Decision, an
// EventPayload, and a clock reading, it computes the next Decision state
// (or a set of violations) with no I/O and no mutation of its inputs.
package reducer

import (
	"fmt"
	"sort"
	"time"

	"github.com/ledgerforge/decision-ledger/pkg/decision"
	"github.com/ledgerforge/decision-ledger/pkg/statemachine"
)

// Clock supplies the "now" the reducer stamps onto history entries and
// (at append time, one layer up) onto the event row itself. The reducer
// never reads a caller-supplied timestamp out of the event payload.
type Clock interface {
	Now() time.Time
}

// Policies bundles the policy hooks the reducer consults. Specific
// business rules (compliance plugins, immutability windows) are the
// caller's concern; the reducer only exposes the hook.
type Policies struct {
	// RequireRejectReason, when true, makes REJECT fail
	// MISSING_REQUIRED_META unless the event carries a non-empty Reason.
	RequireRejectReason bool

	// LockedAllowEventTypes is the active immutability policy's
	// allow_event_types set, consulted only while the decision is LOCKED.
	LockedAllowEventTypes map[statemachine.EventType]bool

	// ComplianceCheck, when set, is consulted after the transition table
	// for every event and may veto with a COMPLIANCE_BLOCK violation
	// carrying its own code.
	ComplianceCheck func(d *decision.Decision, payload decision.EventPayload) *decision.Violation
}

// Edge is an output of LINK_DECISIONS: a decision_edge row the caller
// (pkg/engine) is responsible for persisting. The reducer computes it but
// owns no store.
type Edge struct {
	FromDecisionID string                 `json:"from_decision_id"`
	ToDecisionID   string                 `json:"to_decision_id"`
	Relation       string                 `json:"relation"`
	Note           string                 `json:"note,omitempty"`
	Confidence     *float64               `json:"confidence,omitempty"`
	Meta           map[string]interface{} `json:"meta,omitempty"`
}

// Result is the outcome of Apply.
type Result struct {
	OK         bool
	Decision   *decision.Decision
	Violations []decision.Violation
	Edges      []Edge
}

func reject(code, path, message string) Result {
	return Result{OK: false, Violations: []decision.Violation{{Code: code, Path: path, Message: message}}}
}

// Apply computes the next decision state given payload and now. It never
// mutates d; on success it returns a fresh *decision.Decision. Given the
// same (d, payload, now), Apply is bytewise deterministic — the single
// property that makes Replay reproducible.
func Apply(d *decision.Decision, payload decision.EventPayload, now time.Time, policies Policies) Result {
	if !decision.KnownType(payload.Type) {
		return reject("INVALID_EVENT_PAYLOAD", "type", fmt.Sprintf("unknown event type %q", payload.Type))
	}
	if payload.ActorID == "" {
		return reject("INVALID_EVENT_PAYLOAD", "actor_id", "actor_id is required")
	}

	next := cloneDecision(d)

	var to statemachine.State
	var ok bool
	if payload.Type == statemachine.EventEnterDispute {
		if !statemachine.CanDispute(statemachine.State(d.State)) {
			return reject("INVALID_TRANSITION", "state", fmt.Sprintf("cannot dispute from %s", d.State))
		}
		to, ok = statemachine.StateDisputed, true
	} else {
		to, ok = statemachine.Allowed(statemachine.State(d.State), payload.Type, policies.LockedAllowEventTypes)
	}
	if !ok {
		switch statemachine.State(d.State) {
		case statemachine.StateDisputed:
			return reject("FROZEN", "state", fmt.Sprintf("%s not permitted while DISPUTED", payload.Type))
		case statemachine.StateLocked:
			return reject("LOCKED", "state", fmt.Sprintf("%s not permitted while LOCKED", payload.Type))
		default:
			return reject("INVALID_TRANSITION", "state", fmt.Sprintf("%s not permitted from %s", payload.Type, d.State))
		}
	}

	var edges []Edge

	switch payload.Type {
	case statemachine.EventValidate:
		// no artifact changes

	case statemachine.EventSimulate:
		if payload.SimulationSnapshotID != "" {
			id := payload.SimulationSnapshotID
			next.Artifacts.SimulationSnapshotID = &id
		}

	case statemachine.EventExplain:
		if payload.ExplainTreeID != "" {
			id := payload.ExplainTreeID
			next.Artifacts.ExplainTreeID = &id
		}

	case statemachine.EventApprove:
		if next.Meta.Title == "" || next.Meta.OwnerID == "" {
			return reject("MISSING_REQUIRED_META", "meta", "meta.title and meta.owner_id must be set before APPROVE")
		}

	case statemachine.EventReject:
		if policies.RequireRejectReason && payload.Reason == "" {
			return reject("MISSING_REQUIRED_META", "reason", "reason is required to REJECT under the active compliance policy")
		}

	case statemachine.EventAttachArtifacts:
		if payload.Artifacts == nil {
			return reject("INVALID_EVENT_PAYLOAD", "artifacts", "artifacts is required for ATTACH_ARTIFACTS")
		}
		applyArtifactsPatch(&next.Artifacts, payload.Artifacts)

	case statemachine.EventIngestRecords:
		if len(payload.Records) == 0 {
			return reject("INVALID_EVENT_PAYLOAD", "records", "records must be non-empty for INGEST_RECORDS")
		}
		if next.Artifacts.IngestedRecords == nil {
			next.Artifacts.IngestedRecords = make(map[string]decision.IngestedRecord)
		}
		for _, r := range payload.Records {
			key := r.SourceSystem + "\x00" + r.SourceRecordID
			if _, dup := next.Artifacts.IngestedRecords[key]; dup {
				continue
			}
			next.Artifacts.IngestedRecords[key] = decision.IngestedRecord{
				SourceSystem:   r.SourceSystem,
				SourceRecordID: r.SourceRecordID,
				OccurredAt:     r.OccurredAt,
				EntityType:     r.EntityType,
				Digest:         recordDigest(r),
			}
		}

	case statemachine.EventLinkDecisions:
		if len(payload.Links) == 0 {
			return reject("INVALID_EVENT_PAYLOAD", "links", "links must be non-empty for LINK_DECISIONS")
		}
		for _, l := range payload.Links {
			edges = append(edges, Edge{
				FromDecisionID: d.DecisionID,
				ToDecisionID:   l.ToDecisionID,
				Relation:       l.Relation,
				Note:           l.Note,
				Confidence:     l.Confidence,
			})
		}

	case statemachine.EventEnterDispute:
		if payload.Reason == "" {
			return reject("MISSING_REQUIRED_META", "reason", "reason is required for ENTER_DISPUTE")
		}

	case statemachine.EventAttestExternal:
		if payload.Target == "" {
			return reject("INVALID_EVENT_PAYLOAD", "target", "target is required for ATTEST_EXTERNAL")
		}

	case statemachine.EventFork:
		// Recorded via history only; the new decision row is created by
		// the caller (pkg/engine), which owns decision_id allocation.

	case statemachine.EventCommitCounterfact:
		// Recorded via history only.

	case statemachine.EventLock:
		// No artifact changes; the transition table alone moves
		// APPROVED/REJECTED to LOCKED. The caller (pkg/engine) decides
		// when the immutability window has elapsed and appends this.
	}

	if policies.ComplianceCheck != nil {
		if v := policies.ComplianceCheck(next, payload); v != nil {
			return Result{OK: false, Violations: []decision.Violation{*v}}
		}
	}

	next.State = string(to)
	next.Version = d.Version + 1
	next.UpdatedAt = now
	next.History = append(next.History, decision.HistoryEntry{
		Type:      payload.Type,
		ActorID:   payload.ActorID,
		ActorType: payload.ActorType,
		At:        now,
	})

	return Result{OK: true, Decision: next, Edges: edges}
}

// Replay folds Apply over events in seq order, starting from root, using
// each event's own stamped At as that step's now. This reproduces
// store.GetDecision(id) exactly when events are replayed in seq order,
// since Apply is deterministic given (decision, payload, now).
func Replay(root *decision.Decision, events []decision.Event, policies Policies) (*decision.Decision, error) {
	sorted := make([]decision.Event, len(events))
	copy(sorted, events)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Seq < sorted[j].Seq })

	current := cloneDecision(root)
	for _, ev := range sorted {
		result := Apply(current, ev.Payload, ev.At, policies)
		if !result.OK {
			return nil, fmt.Errorf("reducer: replay failed at seq %d: %+v", ev.Seq, result.Violations)
		}
		current = result.Decision
	}
	return current, nil
}

// cloneDecision performs a deep-enough copy that Apply never mutates its
// input: reducer inputs and outputs are copy-on-write.
func cloneDecision(d *decision.Decision) *decision.Decision {
	next := *d
	next.History = append([]decision.HistoryEntry(nil), d.History...)

	next.Artifacts.Evidence = append([]string(nil), d.Artifacts.Evidence...)
	if d.Artifacts.Extra != nil {
		next.Artifacts.Extra = deepCopyMap(d.Artifacts.Extra)
	}
	if d.Artifacts.IngestedRecords != nil {
		m := make(map[string]decision.IngestedRecord, len(d.Artifacts.IngestedRecords))
		for k, v := range d.Artifacts.IngestedRecords {
			m[k] = v
		}
		next.Artifacts.IngestedRecords = m
	}
	if d.Artifacts.SimulationSnapshotID != nil {
		v := *d.Artifacts.SimulationSnapshotID
		next.Artifacts.SimulationSnapshotID = &v
	}
	if d.Artifacts.ExplainTreeID != nil {
		v := *d.Artifacts.ExplainTreeID
		next.Artifacts.ExplainTreeID = &v
	}
	return &next
}

// applyArtifactsPatch deep-merges patch into a, with later (patch) values
// winning at the same path. Scalar and array fields are replaced outright;
// mapping fields (Extra) recurse.
func applyArtifactsPatch(a *decision.Artifacts, patch *decision.ArtifactsPatch) {
	if patch.MarginSnapshotID != nil {
		v := *patch.MarginSnapshotID
		a.Extra = setExtra(a.Extra, "margin_snapshot_id", v)
	}
	if patch.ExplainTreeID != nil {
		v := *patch.ExplainTreeID
		a.ExplainTreeID = &v
	}
	if len(patch.Evidence) > 0 {
		a.Evidence = append([]string(nil), patch.Evidence...)
	}
	if patch.Extra != nil {
		if a.Extra == nil {
			a.Extra = make(map[string]interface{})
		}
		deepMerge(a.Extra, patch.Extra)
	}
}

func setExtra(m map[string]interface{}, key string, v interface{}) map[string]interface{} {
	if m == nil {
		m = make(map[string]interface{})
	}
	m[key] = v
	return m
}

// deepMerge merges src into dst in place: scalar and array values at dst
// overwritten by src; nested objects recursively merged; later (src)
// values win at any given path.
func deepMerge(dst, src map[string]interface{}) {
	for k, sv := range src {
		dv, exists := dst[k]
		if !exists {
			dst[k] = sv
			continue
		}
		dm, dIsMap := dv.(map[string]interface{})
		sm, sIsMap := sv.(map[string]interface{})
		if dIsMap && sIsMap {
			deepMerge(dm, sm)
			continue
		}
		dst[k] = sv
	}
}

func deepCopyMap(m map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(m))
	for k, v := range m {
		if nested, ok := v.(map[string]interface{}); ok {
			out[k] = deepCopyMap(nested)
			continue
		}
		out[k] = v
	}
	return out
}

// recordDigest returns a short stable reference for a record, used only
// as an identity summary in Artifacts.IngestedRecords; the record payload
// itself is not retained on the decision.
func recordDigest(r decision.RecordPayload) string {
	return fmt.Sprintf("%s:%s:%s", r.SourceSystem, r.SourceRecordID, r.EntityType)
}
