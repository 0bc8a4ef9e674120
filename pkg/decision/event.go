package decision

import (
	"time"

	"github.com/ledgerforge/decision-ledger/pkg/statemachine"
)

// EventPayload is the tagged union of everything a caller may append to a
// decision's log. Type selects which of the optional fields apply; the
// reducer parses this once at append and dispatches on Type, rejecting
// unknown types at the boundary rather than forwarding them.
type EventPayload struct {
	Type EventType `json:"type"`

	ActorID   string `json:"actor_id"`
	ActorType string `json:"actor_type,omitempty"`

	// SIMULATE
	SimulationSnapshotID string `json:"simulation_snapshot_id,omitempty"`

	// EXPLAIN
	ExplainTreeID string `json:"explain_tree_id,omitempty"`

	// APPROVE / REJECT
	Meta   map[string]interface{} `json:"meta,omitempty"`
	Reason string                 `json:"reason,omitempty"`

	// ATTACH_ARTIFACTS
	Artifacts *ArtifactsPatch `json:"artifacts,omitempty"`

	// INGEST_RECORDS
	Source  string          `json:"source,omitempty"`
	Records []RecordPayload `json:"records,omitempty"`

	// LINK_DECISIONS
	Links []LinkPayload `json:"links,omitempty"`

	// ATTEST_EXTERNAL
	Target string   `json:"target,omitempty"`
	Tags   []string `json:"tags,omitempty"`

	// FORK. ForkedDecisionID is the caller-supplied ID for the new decision
	// row the engine creates; if empty, the engine generates one and
	// reports it back on AppendResult.ForkedDecisionID.
	ForkedDecisionID string `json:"forked_decision_id,omitempty"`

	// COMMIT_COUNTERFACTUAL
	CounterfactualOf string `json:"counterfactual_of,omitempty"`
}

// ArtifactsPatch is the partial artifacts update carried by
// ATTACH_ARTIFACTS; Extra is deep-merged into decision.artifacts.extra
// with later values winning at the same path.
type ArtifactsPatch struct {
	MarginSnapshotID *string                `json:"margin_snapshot_id,omitempty"`
	ExplainTreeID    *string                `json:"explain_tree_id,omitempty"`
	Extra            map[string]interface{} `json:"extra,omitempty"`
	Evidence         []string               `json:"evidence,omitempty"`
}

// RecordPayload is one record of an INGEST_RECORDS batch. Dedup key is
// (SourceSystem, SourceRecordID).
type RecordPayload struct {
	SourceSystem   string                 `json:"source_system"`
	SourceRecordID string                 `json:"source_record_id"`
	OccurredAt     time.Time              `json:"occurred_at"`
	EntityType     string                 `json:"entity_type"`
	Payload        map[string]interface{} `json:"payload"`
}

// LinkPayload is one edge of a LINK_DECISIONS batch.
type LinkPayload struct {
	ToDecisionID string   `json:"to_decision_id"`
	Relation     string   `json:"relation"`
	Note         string   `json:"note,omitempty"`
	Confidence   *float64 `json:"confidence,omitempty"`
}

// Event is one immutable row in a decision's append-only log.
type Event struct {
	DecisionID     string       `json:"decision_id"`
	Seq            int64        `json:"seq"`
	At             time.Time    `json:"at"`
	Payload        EventPayload `json:"event"`
	IdempotencyKey *string      `json:"idempotency_key,omitempty"`
	PrevHash       *string      `json:"prev_hash,omitempty"`
	Hash           string       `json:"hash"`
}

// Violation reports one rejected attempt to mutate a decision. Code is a
// member of the error taxonomy: INVALID_EVENT_PAYLOAD, INVALID_TRANSITION,
// FROZEN, LOCKED, MISSING_REQUIRED_META, COMPLIANCE_BLOCK.
type Violation struct {
	Code    string `json:"code"`
	Path    string `json:"path,omitempty"`
	Message string `json:"message"`
}

// knownEventTypes guards the append boundary: payloads with a Type outside
// this set are rejected by reducer.Apply before any transition is checked.
var knownEventTypes = map[EventType]bool{
	statemachine.EventValidate:          true,
	statemachine.EventSimulate:          true,
	statemachine.EventExplain:           true,
	statemachine.EventApprove:           true,
	statemachine.EventReject:            true,
	statemachine.EventAttachArtifacts:   true,
	statemachine.EventIngestRecords:     true,
	statemachine.EventLinkDecisions:     true,
	statemachine.EventEnterDispute:      true,
	statemachine.EventAttestExternal:    true,
	statemachine.EventFork:              true,
	statemachine.EventCommitCounterfact: true,
	statemachine.EventLock:              true,
}

// KnownType reports whether t is one of the fixed event types.
func KnownType(t EventType) bool {
	return knownEventTypes[t]
}
