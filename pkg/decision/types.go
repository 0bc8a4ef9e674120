// Package decision holds the data model the reducer operates on: the
// Decision aggregate, its event log row shape, and the tagged-union event
// payloads a caller may append.
package decision

import (
	"time"

	"github.com/google/uuid"
	"github.com/ledgerforge/decision-ledger/pkg/statemachine"
)

// EventType re-exports statemachine.EventType so callers of pkg/decision
// do not need a second import for event payload discriminators.
type EventType = statemachine.EventType

// Decision is the aggregate mutated by the reducer. Ownership belongs to
// the store; it is created once, explicitly (engine.CreateDecision), before
// any event is appended, and never deleted. Appending an event to a
// decision_id that has no row fails; the first event does not create it.
type Decision struct {
	DecisionID string          `json:"decision_id"`
	State      string          `json:"state"`
	Version    int64           `json:"version"`
	Meta       Meta            `json:"meta"`
	Artifacts  Artifacts       `json:"artifacts"`
	History    []HistoryEntry  `json:"history"`
	CreatedAt  time.Time       `json:"created_at"`
	UpdatedAt  time.Time       `json:"updated_at"`
}

// Meta is immutable except via explicit meta-carrying events.
type Meta struct {
	Title              string  `json:"title"`
	OwnerID            string  `json:"owner_id"`
	Source             *string `json:"source,omitempty"`
	ParentDecisionID   *string `json:"parent_decision_id,omitempty"`
	ForkCheckpointHash *string `json:"fork_checkpoint_hash,omitempty"`
	ForkParentSeq      *int64  `json:"fork_parent_seq,omitempty"`
}

// IngestedRecord summarizes one deduplicated record accepted by
// INGEST_RECORDS; the full payload is not retained in artifacts, only the
// natural key used for dedup, occurred_at, entity_type, and a Digest
// reference string built from those identity fields.
type IngestedRecord struct {
	SourceSystem   string    `json:"source_system"`
	SourceRecordID string    `json:"source_record_id"`
	OccurredAt     time.Time `json:"occurred_at"`
	EntityType     string    `json:"entity_type"`
	Digest         string    `json:"digest"`
}

// Artifacts is the append-mostly mapping of named outputs produced by
// domain collaborators (simulation, explanation, ingestion) and attached
// via events. Extra is deep-merged by ATTACH_ARTIFACTS with later values
// winning at the same path.
type Artifacts struct {
	SimulationSnapshotID *string                   `json:"simulation_snapshot_id,omitempty"`
	ExplainTreeID        *string                   `json:"explain_tree_id,omitempty"`
	Evidence             []string                  `json:"evidence,omitempty"`
	Extra                map[string]interface{}    `json:"extra,omitempty"`
	IngestedRecords      map[string]IngestedRecord `json:"ingested_records,omitempty"`
}

// HistoryEntry is one applied-event summary appended by the reducer.
type HistoryEntry struct {
	Type      EventType `json:"type"`
	ActorID   string    `json:"actor_id"`
	ActorType string    `json:"actor_type,omitempty"`
	At        time.Time `json:"at"`
	SeqHint   int64     `json:"seq_hint,omitempty"`
}

// NewID generates a fresh identifier for decisions, events, or edges when
// the caller does not supply one.
func NewID() string {
	return uuid.NewString()
}
