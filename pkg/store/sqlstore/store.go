package sqlstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/ledgerforge/decision-ledger/pkg/anchor"
	"github.com/ledgerforge/decision-ledger/pkg/decision"
	"github.com/ledgerforge/decision-ledger/pkg/snapshot"
	"github.com/ledgerforge/decision-ledger/pkg/store"
)

// Store implements store.Store against Postgres via a pooled *sql.DB.
// Each decision_id's append path is already serialized by pkg/engine, so
// these methods rely on unique constraints and PRIMARY KEY conflicts
// rather than application-level locking for concurrency safety.
type Store struct {
	client *Client
}

// New wraps an already-connected Client as a store.Store.
func New(client *Client) *Store {
	return &Store{client: client}
}

var _ store.Store = (*Store)(nil)

func nullString(s *string) sql.NullString {
	if s == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *s, Valid: true}
}

func stringPtr(ns sql.NullString) *string {
	if !ns.Valid {
		return nil
	}
	v := ns.String
	return &v
}

func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "duplicate key value") || strings.Contains(msg, "violates unique constraint")
}

func (s *Store) CreateDecision(ctx context.Context, d decision.Decision) error {
	body, err := json.Marshal(d)
	if err != nil {
		return fmt.Errorf("sqlstore: marshal decision: %w", err)
	}
	_, err = s.client.DB().ExecContext(ctx,
		`INSERT INTO decisions (decision_id, decision_json, updated_at) VALUES ($1, $2, $3)`,
		d.DecisionID, body, d.UpdatedAt)
	if isUniqueViolation(err) {
		return fmt.Errorf("%w: decision %s", store.ErrAlreadyExists, d.DecisionID)
	}
	return err
}

func (s *Store) GetDecision(ctx context.Context, decisionID string) (decision.Decision, error) {
	var body []byte
	err := s.client.DB().QueryRowContext(ctx,
		`SELECT decision_json FROM decisions WHERE decision_id = $1`, decisionID).Scan(&body)
	if errors.Is(err, sql.ErrNoRows) {
		return decision.Decision{}, fmt.Errorf("%w: decision %s", store.ErrNotFound, decisionID)
	}
	if err != nil {
		return decision.Decision{}, err
	}
	var d decision.Decision
	if err := json.Unmarshal(body, &d); err != nil {
		return decision.Decision{}, fmt.Errorf("sqlstore: unmarshal decision: %w", err)
	}
	return d, nil
}

func (s *Store) PutDecision(ctx context.Context, d decision.Decision) error {
	body, err := json.Marshal(d)
	if err != nil {
		return fmt.Errorf("sqlstore: marshal decision: %w", err)
	}
	_, err = s.client.DB().ExecContext(ctx,
		`INSERT INTO decisions (decision_id, decision_json, updated_at) VALUES ($1, $2, $3)
		 ON CONFLICT (decision_id) DO UPDATE SET decision_json = EXCLUDED.decision_json, updated_at = EXCLUDED.updated_at`,
		d.DecisionID, body, d.UpdatedAt)
	return err
}

func (s *Store) AppendEvent(ctx context.Context, ev decision.Event) (decision.Event, bool, error) {
	if ev.IdempotencyKey != nil {
		existing, ok, err := s.GetEventByIdempotencyKey(ctx, ev.DecisionID, *ev.IdempotencyKey)
		if err != nil {
			return decision.Event{}, false, err
		}
		if ok {
			return existing, true, nil
		}
	}

	body, err := json.Marshal(ev.Payload)
	if err != nil {
		return decision.Event{}, false, fmt.Errorf("sqlstore: marshal event payload: %w", err)
	}

	_, err = s.client.DB().ExecContext(ctx,
		`INSERT INTO decision_events (decision_id, seq, at, idempotency_key, event_json, prev_hash, hash)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		ev.DecisionID, ev.Seq, ev.At, nullString(ev.IdempotencyKey), body, nullString(ev.PrevHash), ev.Hash)
	if isUniqueViolation(err) {
		return decision.Event{}, false, fmt.Errorf("%w: decision %s seq %d", store.ErrSeqConflict, ev.DecisionID, ev.Seq)
	}
	if err != nil {
		return decision.Event{}, false, err
	}
	return ev, false, nil
}

func (s *Store) scanEvents(rows *sql.Rows) ([]decision.Event, error) {
	var out []decision.Event
	for rows.Next() {
		var (
			decisionID string
			seq        int64
			at         sql.NullTime
			idemKey    sql.NullString
			payload    []byte
			prevHash   sql.NullString
			hash       string
		)
		if err := rows.Scan(&decisionID, &seq, &at, &idemKey, &payload, &prevHash, &hash); err != nil {
			return nil, err
		}
		var p decision.EventPayload
		if err := json.Unmarshal(payload, &p); err != nil {
			return nil, fmt.Errorf("sqlstore: unmarshal event payload: %w", err)
		}
		out = append(out, decision.Event{
			DecisionID:     decisionID,
			Seq:            seq,
			At:             at.Time,
			Payload:        p,
			IdempotencyKey: stringPtr(idemKey),
			PrevHash:       stringPtr(prevHash),
			Hash:           hash,
		})
	}
	return out, rows.Err()
}

func (s *Store) ListEvents(ctx context.Context, decisionID string) ([]decision.Event, error) {
	rows, err := s.client.DB().QueryContext(ctx,
		`SELECT decision_id, seq, at, idempotency_key, event_json, prev_hash, hash
		 FROM decision_events WHERE decision_id = $1 ORDER BY seq ASC`, decisionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return s.scanEvents(rows)
}

func (s *Store) ListEventsFrom(ctx context.Context, decisionID string, fromSeq int64) ([]decision.Event, error) {
	rows, err := s.client.DB().QueryContext(ctx,
		`SELECT decision_id, seq, at, idempotency_key, event_json, prev_hash, hash
		 FROM decision_events WHERE decision_id = $1 AND seq >= $2 ORDER BY seq ASC`, decisionID, fromSeq)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return s.scanEvents(rows)
}

func (s *Store) ListEventsTail(ctx context.Context, decisionID string, n int) ([]decision.Event, error) {
	rows, err := s.client.DB().QueryContext(ctx,
		`SELECT decision_id, seq, at, idempotency_key, event_json, prev_hash, hash
		 FROM (
		   SELECT decision_id, seq, at, idempotency_key, event_json, prev_hash, hash
		   FROM decision_events WHERE decision_id = $1 ORDER BY seq DESC LIMIT $2
		 ) t ORDER BY seq ASC`, decisionID, n)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return s.scanEvents(rows)
}

func (s *Store) GetEventBySeq(ctx context.Context, decisionID string, seq int64) (decision.Event, error) {
	rows, err := s.client.DB().QueryContext(ctx,
		`SELECT decision_id, seq, at, idempotency_key, event_json, prev_hash, hash
		 FROM decision_events WHERE decision_id = $1 AND seq = $2`, decisionID, seq)
	if err != nil {
		return decision.Event{}, err
	}
	defer rows.Close()
	evs, err := s.scanEvents(rows)
	if err != nil {
		return decision.Event{}, err
	}
	if len(evs) == 0 {
		return decision.Event{}, fmt.Errorf("%w: decision %s seq %d", store.ErrNotFound, decisionID, seq)
	}
	return evs[0], nil
}

func (s *Store) GetLastEvent(ctx context.Context, decisionID string) (decision.Event, bool, error) {
	rows, err := s.client.DB().QueryContext(ctx,
		`SELECT decision_id, seq, at, idempotency_key, event_json, prev_hash, hash
		 FROM decision_events WHERE decision_id = $1 ORDER BY seq DESC LIMIT 1`, decisionID)
	if err != nil {
		return decision.Event{}, false, err
	}
	defer rows.Close()
	evs, err := s.scanEvents(rows)
	if err != nil {
		return decision.Event{}, false, err
	}
	if len(evs) == 0 {
		return decision.Event{}, false, nil
	}
	return evs[0], true, nil
}

func (s *Store) GetEventByIdempotencyKey(ctx context.Context, decisionID, key string) (decision.Event, bool, error) {
	rows, err := s.client.DB().QueryContext(ctx,
		`SELECT decision_id, seq, at, idempotency_key, event_json, prev_hash, hash
		 FROM decision_events WHERE decision_id = $1 AND idempotency_key = $2`, decisionID, key)
	if err != nil {
		return decision.Event{}, false, err
	}
	defer rows.Close()
	evs, err := s.scanEvents(rows)
	if err != nil {
		return decision.Event{}, false, err
	}
	if len(evs) == 0 {
		return decision.Event{}, false, nil
	}
	return evs[0], true, nil
}

func (s *Store) GetLatestSnapshot(ctx context.Context, decisionID string) (snapshot.Snapshot, bool, error) {
	snaps, err := s.querySnapshots(ctx, `SELECT decision_id, up_to_seq, decision_json, checkpoint_hash, root_hash, created_at
		 FROM decision_snapshots WHERE decision_id = $1 ORDER BY up_to_seq DESC LIMIT 1`, decisionID)
	if err != nil {
		return snapshot.Snapshot{}, false, err
	}
	if len(snaps) == 0 {
		return snapshot.Snapshot{}, false, nil
	}
	return snaps[0], true, nil
}

func (s *Store) ListSnapshots(ctx context.Context, decisionID string) ([]snapshot.Snapshot, error) {
	return s.querySnapshots(ctx, `SELECT decision_id, up_to_seq, decision_json, checkpoint_hash, root_hash, created_at
		 FROM decision_snapshots WHERE decision_id = $1 ORDER BY up_to_seq ASC`, decisionID)
}

func (s *Store) querySnapshots(ctx context.Context, query string, args ...interface{}) ([]snapshot.Snapshot, error) {
	rows, err := s.client.DB().QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []snapshot.Snapshot
	for rows.Next() {
		var (
			decisionID     string
			upToSeq        int64
			body           []byte
			checkpointHash string
			rootHash       string
			createdAt      sql.NullTime
		)
		if err := rows.Scan(&decisionID, &upToSeq, &body, &checkpointHash, &rootHash, &createdAt); err != nil {
			return nil, err
		}
		var d decision.Decision
		if err := json.Unmarshal(body, &d); err != nil {
			return nil, fmt.Errorf("sqlstore: unmarshal snapshot decision: %w", err)
		}
		out = append(out, snapshot.Snapshot{
			DecisionID:     decisionID,
			UpToSeq:        upToSeq,
			Decision:       d,
			CheckpointHash: checkpointHash,
			RootHash:       rootHash,
			CreatedAt:      createdAt.Time,
		})
	}
	return out, rows.Err()
}

func (s *Store) PutSnapshot(ctx context.Context, snap snapshot.Snapshot) error {
	body, err := json.Marshal(snap.Decision)
	if err != nil {
		return fmt.Errorf("sqlstore: marshal snapshot decision: %w", err)
	}
	_, err = s.client.DB().ExecContext(ctx,
		`INSERT INTO decision_snapshots (decision_id, up_to_seq, decision_json, checkpoint_hash, root_hash, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		snap.DecisionID, snap.UpToSeq, body, snap.CheckpointHash, snap.RootHash, snap.CreatedAt)
	if isUniqueViolation(err) {
		return fmt.Errorf("%w: snapshot %s/%d", store.ErrAlreadyExists, snap.DecisionID, snap.UpToSeq)
	}
	return err
}

func (s *Store) PruneSnapshots(ctx context.Context, decisionID string, keepUpToSeq []int64) error {
	_, err := s.client.DB().ExecContext(ctx,
		`DELETE FROM decision_snapshots WHERE decision_id = $1 AND up_to_seq != ALL($2)`,
		decisionID, int64Array(keepUpToSeq))
	return err
}

func (s *Store) PruneEventsUpToSeq(ctx context.Context, decisionID string, seq int64) error {
	_, err := s.client.DB().ExecContext(ctx,
		`DELETE FROM decision_events WHERE decision_id = $1 AND seq <= $2`, decisionID, seq)
	return err
}

// int64Array renders a Go []int64 as a Postgres array literal for use
// with ANY()/ALL(); lib/pq has no native []int64 Valuer.
func int64Array(vals []int64) string {
	s := "{"
	for i, v := range vals {
		if i > 0 {
			s += ","
		}
		s += fmt.Sprintf("%d", v)
	}
	return s + "}"
}

func (s *Store) GetAnchorBySnapshot(ctx context.Context, decisionID string, snapshotUpToSeq int64) (anchor.Anchor, bool, error) {
	anchors, err := s.queryAnchors(ctx, `SELECT seq, at, decision_id, snapshot_up_to_seq, checkpoint_hash, root_hash, state_hash, prev_hash, hash, sig_alg, sig_key_id, signature
		 FROM decision_anchors WHERE decision_id = $1 AND snapshot_up_to_seq = $2`, decisionID, snapshotUpToSeq)
	if err != nil {
		return anchor.Anchor{}, false, err
	}
	if len(anchors) == 0 {
		return anchor.Anchor{}, false, nil
	}
	return anchors[0], true, nil
}

func (s *Store) GetLastAnchor(ctx context.Context) (anchor.Anchor, bool, error) {
	anchors, err := s.queryAnchors(ctx, `SELECT seq, at, decision_id, snapshot_up_to_seq, checkpoint_hash, root_hash, state_hash, prev_hash, hash, sig_alg, sig_key_id, signature
		 FROM decision_anchors ORDER BY seq DESC LIMIT 1`)
	if err != nil {
		return anchor.Anchor{}, false, err
	}
	if len(anchors) == 0 {
		return anchor.Anchor{}, false, nil
	}
	return anchors[0], true, nil
}

func (s *Store) ListAnchors(ctx context.Context) ([]anchor.Anchor, error) {
	return s.queryAnchors(ctx, `SELECT seq, at, decision_id, snapshot_up_to_seq, checkpoint_hash, root_hash, state_hash, prev_hash, hash, sig_alg, sig_key_id, signature
		 FROM decision_anchors ORDER BY seq ASC`)
}

func (s *Store) queryAnchors(ctx context.Context, query string, args ...interface{}) ([]anchor.Anchor, error) {
	rows, err := s.client.DB().QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []anchor.Anchor
	for rows.Next() {
		var (
			seq             int64
			at              sql.NullTime
			decisionID      string
			snapUpToSeq     int64
			checkpointHash  sql.NullString
			rootHash        sql.NullString
			stateHash       sql.NullString
			prevHash        sql.NullString
			hash            string
			sigAlg          sql.NullString
			sigKeyID        sql.NullString
			signature       sql.NullString
		)
		if err := rows.Scan(&seq, &at, &decisionID, &snapUpToSeq, &checkpointHash, &rootHash, &stateHash, &prevHash, &hash, &sigAlg, &sigKeyID, &signature); err != nil {
			return nil, err
		}
		a := anchor.Anchor{
			Seq:             seq,
			At:              at.Time,
			DecisionID:      decisionID,
			SnapshotUpToSeq: snapUpToSeq,
			CheckpointHash:  checkpointHash.String,
			RootHash:        rootHash.String,
			StateHash:       stateHash.String,
			PrevHash:        stringPtr(prevHash),
			Hash:            hash,
		}
		if sigAlg.Valid {
			a.Signature = &anchor.Signature{
				Alg:       anchor.SigAlg(sigAlg.String),
				KeyID:     sigKeyID.String,
				Signature: signature.String,
			}
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (s *Store) AppendAnchor(ctx context.Context, a anchor.Anchor) error {
	var sigAlg, sigKeyID, sig sql.NullString
	if a.Signature != nil {
		sigAlg = sql.NullString{String: string(a.Signature.Alg), Valid: true}
		sigKeyID = sql.NullString{String: a.Signature.KeyID, Valid: true}
		sig = sql.NullString{String: a.Signature.Signature, Valid: true}
	}
	_, err := s.client.DB().ExecContext(ctx,
		`INSERT INTO decision_anchors (seq, at, decision_id, snapshot_up_to_seq, checkpoint_hash, root_hash, state_hash, prev_hash, hash, sig_alg, sig_key_id, signature)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		a.Seq, a.At, a.DecisionID, a.SnapshotUpToSeq, a.CheckpointHash, a.RootHash, a.StateHash, nullString(a.PrevHash), a.Hash, sigAlg, sigKeyID, sig)
	if isUniqueViolation(err) {
		return fmt.Errorf("%w: anchor seq %d", store.ErrSeqConflict, a.Seq)
	}
	return err
}

func (s *Store) PruneAnchors(ctx context.Context, keepLastN int) error {
	if keepLastN <= 0 {
		return nil
	}
	_, err := s.client.DB().ExecContext(ctx,
		`DELETE FROM decision_anchors WHERE seq <= (
		   SELECT COALESCE(MAX(seq), 0) - $1 FROM decision_anchors
		 )`, keepLastN)
	return err
}

func (s *Store) ListLedgerEntries(ctx context.Context, tenantID string) ([]store.LedgerEntry, error) {
	return s.queryLedgerEntries(ctx, `SELECT seq, at, tenant_id, type, decision_id, event_seq, snapshot_up_to_seq, anchor_seq, payload_json, sig_alg, sig_key_id, signature, prev_hash, hash
		 FROM ledger_entries WHERE tenant_id = $1 ORDER BY seq ASC`, tenantID)
}

func (s *Store) queryLedgerEntries(ctx context.Context, query string, args ...interface{}) ([]store.LedgerEntry, error) {
	rows, err := s.client.DB().QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []store.LedgerEntry
	for rows.Next() {
		var (
			seq         int64
			at          sql.NullTime
			tenantID    string
			typ         string
			decisionID  sql.NullString
			eventSeq    sql.NullInt64
			snapUpToSeq sql.NullInt64
			anchorSeq   sql.NullInt64
			payload     []byte
			sigAlg      sql.NullString
			sigKeyID    sql.NullString
			sig         sql.NullString
			prevHash    sql.NullString
			hash        string
		)
		if err := rows.Scan(&seq, &at, &tenantID, &typ, &decisionID, &eventSeq, &snapUpToSeq, &anchorSeq, &payload, &sigAlg, &sigKeyID, &sig, &prevHash, &hash); err != nil {
			return nil, err
		}
		e := store.LedgerEntry{
			Seq:             seq,
			At:              at.Time.UTC().Format("2006-01-02T15:04:05.999999999Z07:00"),
			TenantID:        tenantID,
			Type:            typ,
			DecisionID:      decisionID.String,
			EventSeq:        eventSeq.Int64,
			SnapshotUpToSeq: snapUpToSeq.Int64,
			AnchorSeq:       anchorSeq.Int64,
			PrevHash:        stringPtr(prevHash),
			Hash:            hash,
		}
		if len(payload) > 0 {
			_ = json.Unmarshal(payload, &e.Payload)
		}
		if sigAlg.Valid {
			e.Signature = &anchor.Signature{Alg: anchor.SigAlg(sigAlg.String), KeyID: sigKeyID.String, Signature: sig.String}
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *Store) AppendLedgerEntry(ctx context.Context, e store.LedgerEntry) error {
	var payload []byte
	if e.Payload != nil {
		var err error
		payload, err = json.Marshal(e.Payload)
		if err != nil {
			return fmt.Errorf("sqlstore: marshal ledger payload: %w", err)
		}
	}
	var sigAlg, sigKeyID, sig sql.NullString
	if e.Signature != nil {
		sigAlg = sql.NullString{String: string(e.Signature.Alg), Valid: true}
		sigKeyID = sql.NullString{String: e.Signature.KeyID, Valid: true}
		sig = sql.NullString{String: e.Signature.Signature, Valid: true}
	}
	_, err := s.client.DB().ExecContext(ctx,
		`INSERT INTO ledger_entries (seq, at, tenant_id, type, decision_id, event_seq, snapshot_up_to_seq, anchor_seq, payload_json, sig_alg, sig_key_id, signature, prev_hash, hash)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`,
		e.Seq, e.At, e.TenantID, e.Type, e.DecisionID, e.EventSeq, e.SnapshotUpToSeq, e.AnchorSeq, payload, sigAlg, sigKeyID, sig, nullString(e.PrevHash), e.Hash)
	if isUniqueViolation(err) {
		return fmt.Errorf("%w: ledger entry seq %d", store.ErrSeqConflict, e.Seq)
	}
	return err
}

func (s *Store) ExportLedgerRange(ctx context.Context, tenantID string, fromSeq, toSeq int64) ([]store.LedgerEntry, error) {
	return s.queryLedgerEntries(ctx, `SELECT seq, at, tenant_id, type, decision_id, event_seq, snapshot_up_to_seq, anchor_seq, payload_json, sig_alg, sig_key_id, signature, prev_hash, hash
		 FROM ledger_entries WHERE tenant_id = $1 AND seq BETWEEN $2 AND $3 ORDER BY seq ASC`, tenantID, fromSeq, toSeq)
}

func (s *Store) GetLastLedgerEntry(ctx context.Context) (store.LedgerEntry, bool, error) {
	entries, err := s.queryLedgerEntries(ctx, `SELECT seq, at, tenant_id, type, decision_id, event_seq, snapshot_up_to_seq, anchor_seq, payload_json, sig_alg, sig_key_id, signature, prev_hash, hash
		 FROM ledger_entries ORDER BY seq DESC LIMIT 1`)
	if err != nil {
		return store.LedgerEntry{}, false, err
	}
	if len(entries) == 0 {
		return store.LedgerEntry{}, false, nil
	}
	return entries[0], true, nil
}

func (s *Store) ListDecisionEdges(ctx context.Context, decisionID string) ([]store.Edge, error) {
	rows, err := s.client.DB().QueryContext(ctx,
		`SELECT id, from_decision_id, to_decision_id, relation, via_event_seq, edge_hash, meta_json
		 FROM decision_edges WHERE from_decision_id = $1`, decisionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []store.Edge
	for rows.Next() {
		var (
			id, from, to, relation, edgeHash string
			viaSeq                           int64
			meta                             []byte
		)
		if err := rows.Scan(&id, &from, &to, &relation, &viaSeq, &edgeHash, &meta); err != nil {
			return nil, err
		}
		e := store.Edge{ID: id, FromDecisionID: from, ToDecisionID: to, Relation: relation, ViaEventSeq: viaSeq, EdgeHash: edgeHash}
		if len(meta) > 0 {
			_ = json.Unmarshal(meta, &e.Meta)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *Store) PutDecisionEdge(ctx context.Context, e store.Edge) error {
	var meta []byte
	if e.Meta != nil {
		var err error
		meta, err = json.Marshal(e.Meta)
		if err != nil {
			return fmt.Errorf("sqlstore: marshal edge meta: %w", err)
		}
	}
	_, err := s.client.DB().ExecContext(ctx,
		`INSERT INTO decision_edges (id, from_decision_id, to_decision_id, relation, via_event_seq, edge_hash, meta_json)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 ON CONFLICT (from_decision_id, to_decision_id, relation, via_event_seq) DO NOTHING`,
		e.ID, e.FromDecisionID, e.ToDecisionID, e.Relation, e.ViaEventSeq, e.EdgeHash, meta)
	return err
}
