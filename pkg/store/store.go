// Package store defines the persistence contract the rest of the ledger
// is built against: create/get decisions, append/list events, snapshot
// and anchor bookkeeping, the federation ledger, and decision edges.
// pkg/store/memstore and pkg/store/sqlstore are the two implementations.
package store

import (
	"context"
	"errors"

	"github.com/ledgerforge/decision-ledger/pkg/anchor"
	"github.com/ledgerforge/decision-ledger/pkg/decision"
	"github.com/ledgerforge/decision-ledger/pkg/snapshot"
)

var (
	ErrNotFound      = errors.New("store: not found")
	ErrAlreadyExists = errors.New("store: already exists")
	ErrSeqConflict   = errors.New("store: SEQ_CONFLICT")
	ErrStoreTimeout  = errors.New("store: STORE_TIMEOUT")
)

// Edge is one row of the decision lineage graph.
type Edge struct {
	ID             string                 `json:"id"`
	FromDecisionID string                 `json:"from_decision_id"`
	ToDecisionID   string                 `json:"to_decision_id"`
	Relation       string                 `json:"relation"`
	ViaEventSeq    int64                  `json:"via_event_seq"`
	EdgeHash       string                 `json:"edge_hash"`
	Meta           map[string]interface{} `json:"meta,omitempty"`
}

// LedgerEntry is one row of the federation/multi-tenant journal.
type LedgerEntry struct {
	Seq             int64             `json:"seq"`
	At              string            `json:"at"`
	TenantID        string            `json:"tenant_id"`
	Type            string            `json:"type"`
	DecisionID      string            `json:"decision_id,omitempty"`
	EventSeq        int64             `json:"event_seq,omitempty"`
	SnapshotUpToSeq int64             `json:"snapshot_up_to_seq,omitempty"`
	AnchorSeq       int64             `json:"anchor_seq,omitempty"`
	Payload         map[string]interface{} `json:"payload,omitempty"`
	Signature       *anchor.Signature `json:"signature,omitempty"`
	PrevHash        *string           `json:"prev_hash,omitempty"`
	Hash            string            `json:"hash"`
}

// Store is the abstract persistence contract. All methods are safe to
// call from the engine's per-decision-serialized append path; Store
// implementations are free to add their own internal locking for the
// global structures (anchors, ledger entries) they own.
type Store interface {
	// Decisions
	CreateDecision(ctx context.Context, d decision.Decision) error
	GetDecision(ctx context.Context, decisionID string) (decision.Decision, error)
	PutDecision(ctx context.Context, d decision.Decision) error

	// Events
	AppendEvent(ctx context.Context, ev decision.Event) (decision.Event, bool, error) // bool: true if this append was an idempotent replay of an existing row
	ListEvents(ctx context.Context, decisionID string) ([]decision.Event, error)
	ListEventsFrom(ctx context.Context, decisionID string, fromSeq int64) ([]decision.Event, error)
	ListEventsTail(ctx context.Context, decisionID string, n int) ([]decision.Event, error)
	GetEventBySeq(ctx context.Context, decisionID string, seq int64) (decision.Event, error)
	GetLastEvent(ctx context.Context, decisionID string) (decision.Event, bool, error)
	GetEventByIdempotencyKey(ctx context.Context, decisionID, key string) (decision.Event, bool, error)

	// Snapshots
	GetLatestSnapshot(ctx context.Context, decisionID string) (snapshot.Snapshot, bool, error)
	ListSnapshots(ctx context.Context, decisionID string) ([]snapshot.Snapshot, error)
	PutSnapshot(ctx context.Context, s snapshot.Snapshot) error
	PruneSnapshots(ctx context.Context, decisionID string, keepUpToSeq []int64) error
	PruneEventsUpToSeq(ctx context.Context, decisionID string, seq int64) error

	// Anchors
	GetAnchorBySnapshot(ctx context.Context, decisionID string, snapshotUpToSeq int64) (anchor.Anchor, bool, error)
	GetLastAnchor(ctx context.Context) (anchor.Anchor, bool, error)
	ListAnchors(ctx context.Context) ([]anchor.Anchor, error)
	AppendAnchor(ctx context.Context, a anchor.Anchor) error
	PruneAnchors(ctx context.Context, keepLastN int) error

	// Ledger / federation
	ListLedgerEntries(ctx context.Context, tenantID string) ([]LedgerEntry, error)
	AppendLedgerEntry(ctx context.Context, e LedgerEntry) error
	ExportLedgerRange(ctx context.Context, tenantID string, fromSeq, toSeq int64) ([]LedgerEntry, error)
	GetLastLedgerEntry(ctx context.Context) (LedgerEntry, bool, error)

	// Edges
	ListDecisionEdges(ctx context.Context, decisionID string) ([]Edge, error)
	PutDecisionEdge(ctx context.Context, e Edge) error
}
