// Package memstore is an in-process implementation of pkg/store.Store
// backed by mutex-guarded maps. It assumes single-process use (tests,
// single-node deployments); sqlstore is the durable, multi-process
// counterpart.
package memstore

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/ledgerforge/decision-ledger/pkg/anchor"
	"github.com/ledgerforge/decision-ledger/pkg/decision"
	"github.com/ledgerforge/decision-ledger/pkg/snapshot"
	"github.com/ledgerforge/decision-ledger/pkg/store"
)

// Store is a memory-resident store.Store. All access is guarded by one
// mutex; pkg/engine additionally serializes per-decision appends, so
// this lock only ever sees short critical sections.
type Store struct {
	mu sync.Mutex

	decisions map[string]decision.Decision
	events    map[string][]decision.Event          // decisionID -> seq-ordered events
	idemIndex map[string]map[string]int64           // decisionID -> idempotencyKey -> seq
	snapshots map[string][]snapshot.Snapshot        // decisionID -> up_to_seq-ordered snapshots
	anchors   []anchor.Anchor
	anchorBySnap map[string]int // "decisionID/upToSeq" -> index into anchors
	ledger    []store.LedgerEntry
	edges     map[string][]store.Edge // decisionID (from) -> edges
}

// New returns an empty Store.
func New() *Store {
	return &Store{
		decisions:    make(map[string]decision.Decision),
		events:       make(map[string][]decision.Event),
		idemIndex:    make(map[string]map[string]int64),
		snapshots:    make(map[string][]snapshot.Snapshot),
		anchorBySnap: make(map[string]int),
		edges:        make(map[string][]store.Edge),
	}
}

func (s *Store) CreateDecision(_ context.Context, d decision.Decision) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.decisions[d.DecisionID]; ok {
		return fmt.Errorf("%w: decision %s", store.ErrAlreadyExists, d.DecisionID)
	}
	s.decisions[d.DecisionID] = d
	return nil
}

func (s *Store) GetDecision(_ context.Context, decisionID string) (decision.Decision, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.decisions[decisionID]
	if !ok {
		return decision.Decision{}, fmt.Errorf("%w: decision %s", store.ErrNotFound, decisionID)
	}
	return d, nil
}

func (s *Store) PutDecision(_ context.Context, d decision.Decision) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.decisions[d.DecisionID] = d
	return nil
}

func (s *Store) AppendEvent(_ context.Context, ev decision.Event) (decision.Event, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if ev.IdempotencyKey != nil {
		if byKey, ok := s.idemIndex[ev.DecisionID]; ok {
			if existingSeq, dup := byKey[*ev.IdempotencyKey]; dup {
				for _, e := range s.events[ev.DecisionID] {
					if e.Seq == existingSeq {
						return e, true, nil
					}
				}
			}
		}
	}

	existing := s.events[ev.DecisionID]
	wantSeq := int64(1)
	if len(existing) > 0 {
		wantSeq = existing[len(existing)-1].Seq + 1
	}
	if ev.Seq != wantSeq {
		return decision.Event{}, false, fmt.Errorf("%w: decision %s expected seq %d, got %d", store.ErrSeqConflict, ev.DecisionID, wantSeq, ev.Seq)
	}

	s.events[ev.DecisionID] = append(existing, ev)
	if ev.IdempotencyKey != nil {
		if s.idemIndex[ev.DecisionID] == nil {
			s.idemIndex[ev.DecisionID] = make(map[string]int64)
		}
		s.idemIndex[ev.DecisionID][*ev.IdempotencyKey] = ev.Seq
	}
	return ev, false, nil
}

func (s *Store) ListEvents(_ context.Context, decisionID string) ([]decision.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]decision.Event(nil), s.events[decisionID]...), nil
}

func (s *Store) ListEventsFrom(_ context.Context, decisionID string, fromSeq int64) ([]decision.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []decision.Event
	for _, e := range s.events[decisionID] {
		if e.Seq >= fromSeq {
			out = append(out, e)
		}
	}
	return out, nil
}

func (s *Store) ListEventsTail(_ context.Context, decisionID string, n int) ([]decision.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	all := s.events[decisionID]
	if n <= 0 || n >= len(all) {
		return append([]decision.Event(nil), all...), nil
	}
	return append([]decision.Event(nil), all[len(all)-n:]...), nil
}

func (s *Store) GetEventBySeq(_ context.Context, decisionID string, seq int64) (decision.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range s.events[decisionID] {
		if e.Seq == seq {
			return e, nil
		}
	}
	return decision.Event{}, fmt.Errorf("%w: decision %s seq %d", store.ErrNotFound, decisionID, seq)
}

func (s *Store) GetLastEvent(_ context.Context, decisionID string) (decision.Event, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	all := s.events[decisionID]
	if len(all) == 0 {
		return decision.Event{}, false, nil
	}
	return all[len(all)-1], true, nil
}

func (s *Store) GetEventByIdempotencyKey(_ context.Context, decisionID, key string) (decision.Event, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	byKey, ok := s.idemIndex[decisionID]
	if !ok {
		return decision.Event{}, false, nil
	}
	seq, ok := byKey[key]
	if !ok {
		return decision.Event{}, false, nil
	}
	for _, e := range s.events[decisionID] {
		if e.Seq == seq {
			return e, true, nil
		}
	}
	return decision.Event{}, false, nil
}

func (s *Store) GetLatestSnapshot(_ context.Context, decisionID string) (snapshot.Snapshot, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	all := s.snapshots[decisionID]
	if len(all) == 0 {
		return snapshot.Snapshot{}, false, nil
	}
	return all[len(all)-1], true, nil
}

func (s *Store) ListSnapshots(_ context.Context, decisionID string) ([]snapshot.Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]snapshot.Snapshot(nil), s.snapshots[decisionID]...), nil
}

func (s *Store) PutSnapshot(_ context.Context, snap snapshot.Snapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	all := s.snapshots[snap.DecisionID]
	for _, existing := range all {
		if existing.UpToSeq == snap.UpToSeq {
			return fmt.Errorf("%w: snapshot %s/%d", store.ErrAlreadyExists, snap.DecisionID, snap.UpToSeq)
		}
	}
	all = append(all, snap)
	sort.Slice(all, func(i, j int) bool { return all[i].UpToSeq < all[j].UpToSeq })
	s.snapshots[snap.DecisionID] = all
	return nil
}

func (s *Store) PruneSnapshots(_ context.Context, decisionID string, keepUpToSeq []int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	keep := make(map[int64]bool, len(keepUpToSeq))
	for _, seq := range keepUpToSeq {
		keep[seq] = true
	}
	var kept []snapshot.Snapshot
	for _, snap := range s.snapshots[decisionID] {
		if keep[snap.UpToSeq] {
			kept = append(kept, snap)
		}
	}
	s.snapshots[decisionID] = kept
	return nil
}

func (s *Store) PruneEventsUpToSeq(_ context.Context, decisionID string, seq int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var kept []decision.Event
	for _, e := range s.events[decisionID] {
		if e.Seq > seq {
			kept = append(kept, e)
		}
	}
	s.events[decisionID] = kept
	return nil
}

func (s *Store) GetAnchorBySnapshot(_ context.Context, decisionID string, snapshotUpToSeq int64) (anchor.Anchor, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	idx, ok := s.anchorBySnap[anchorKey(decisionID, snapshotUpToSeq)]
	if !ok {
		return anchor.Anchor{}, false, nil
	}
	return s.anchors[idx], true, nil
}

func (s *Store) GetLastAnchor(_ context.Context) (anchor.Anchor, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.anchors) == 0 {
		return anchor.Anchor{}, false, nil
	}
	return s.anchors[len(s.anchors)-1], true, nil
}

func (s *Store) ListAnchors(_ context.Context) ([]anchor.Anchor, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]anchor.Anchor(nil), s.anchors...), nil
}

func (s *Store) AppendAnchor(_ context.Context, a anchor.Anchor) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.anchors) > 0 && a.Seq != s.anchors[len(s.anchors)-1].Seq+1 {
		return fmt.Errorf("%w: expected anchor seq %d, got %d", store.ErrSeqConflict, s.anchors[len(s.anchors)-1].Seq+1, a.Seq)
	}
	s.anchors = append(s.anchors, a)
	s.anchorBySnap[anchorKey(a.DecisionID, a.SnapshotUpToSeq)] = len(s.anchors) - 1
	return nil
}

func (s *Store) PruneAnchors(_ context.Context, keepLastN int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if keepLastN <= 0 || len(s.anchors) <= keepLastN {
		return nil
	}
	cut := len(s.anchors) - keepLastN
	s.anchors = append([]anchor.Anchor(nil), s.anchors[cut:]...)
	s.anchorBySnap = make(map[string]int, len(s.anchors))
	for i, a := range s.anchors {
		s.anchorBySnap[anchorKey(a.DecisionID, a.SnapshotUpToSeq)] = i
	}
	return nil
}

func (s *Store) ListLedgerEntries(_ context.Context, tenantID string) ([]store.LedgerEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []store.LedgerEntry
	for _, e := range s.ledger {
		if e.TenantID == tenantID {
			out = append(out, e)
		}
	}
	return out, nil
}

func (s *Store) AppendLedgerEntry(_ context.Context, e store.LedgerEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.ledger) > 0 && e.Seq != s.ledger[len(s.ledger)-1].Seq+1 {
		return fmt.Errorf("%w: expected ledger seq %d, got %d", store.ErrSeqConflict, s.ledger[len(s.ledger)-1].Seq+1, e.Seq)
	}
	s.ledger = append(s.ledger, e)
	return nil
}

func (s *Store) ExportLedgerRange(_ context.Context, tenantID string, fromSeq, toSeq int64) ([]store.LedgerEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []store.LedgerEntry
	for _, e := range s.ledger {
		if e.TenantID == tenantID && e.Seq >= fromSeq && e.Seq <= toSeq {
			out = append(out, e)
		}
	}
	return out, nil
}

func (s *Store) GetLastLedgerEntry(_ context.Context) (store.LedgerEntry, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.ledger) == 0 {
		return store.LedgerEntry{}, false, nil
	}
	return s.ledger[len(s.ledger)-1], true, nil
}

func (s *Store) ListDecisionEdges(_ context.Context, decisionID string) ([]store.Edge, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]store.Edge(nil), s.edges[decisionID]...), nil
}

func (s *Store) PutDecisionEdge(_ context.Context, e store.Edge) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.edges[e.FromDecisionID] {
		if existing.ToDecisionID == e.ToDecisionID && existing.Relation == e.Relation && existing.ViaEventSeq == e.ViaEventSeq {
			return nil // idempotent by (from, to, relation, via_event_seq)
		}
	}
	s.edges[e.FromDecisionID] = append(s.edges[e.FromDecisionID], e)
	return nil
}

func anchorKey(decisionID string, upToSeq int64) string {
	return fmt.Sprintf("%s/%d", decisionID, upToSeq)
}

var _ store.Store = (*Store)(nil)
