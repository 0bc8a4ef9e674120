// Package engine is the append-path facade: it wires the reducer, the
// hash-chain, snapshot policy, the anchor chain, and a store.Store
// together into the single entry point client code calls to mutate a
// decision.
//
// CONCURRENCY: callers may invoke AppendEvent for different decision_ids
// concurrently; Engine serializes writers per decision_id internally with
// its own lock map, the same single-writer discipline the hash-chain log
// requires, generalized from one global writer to one writer per key.
package engine

import (
	"context"
	"crypto/ed25519"
	"encoding/base64"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ledgerforge/decision-ledger/pkg/anchor"
	"github.com/ledgerforge/decision-ledger/pkg/canon"
	"github.com/ledgerforge/decision-ledger/pkg/decision"
	"github.com/ledgerforge/decision-ledger/pkg/hashchain"
	"github.com/ledgerforge/decision-ledger/pkg/metrics"
	"github.com/ledgerforge/decision-ledger/pkg/reducer"
	"github.com/ledgerforge/decision-ledger/pkg/snapshot"
	"github.com/ledgerforge/decision-ledger/pkg/statemachine"
	"github.com/ledgerforge/decision-ledger/pkg/store"
)

// Clock abstracts time.Now for deterministic tests.
type Clock func() time.Time

// AnchorPolicy governs whether and how anchors are minted after a
// snapshot is taken.
type AnchorPolicy struct {
	Enabled    bool
	Resolver   anchor.KeyResolver // optional, consulted for the HMAC key only when SignWith == SigHMAC and HMACKey is nil
	SignWith   anchor.SigAlg
	TenantID   string
	KeyID      string
	HMACKey    []byte             // used directly when SignWith == SigHMAC; takes precedence over Resolver
	Ed25519Key ed25519.PrivateKey // used directly when SignWith == SigEd25519
}

// LockPolicy governs the optional delay between a decision reaching
// APPROVED/REJECTED and its automatic transition to LOCKED. Disabled
// (Enabled == false) leaves APPROVED/REJECTED decisions open to LOCK only
// via an explicit caller-driven append.
type LockPolicy struct {
	Enabled bool
	Window  time.Duration // elapsed time since the decision's last update before auto-lock fires
}

// Engine ties the pure packages to a store.Store.
type Engine struct {
	store        store.Store
	policies     reducer.Policies
	snapPolicy   snapshot.Policy
	anchorPolicy AnchorPolicy
	lockPolicy   LockPolicy
	clock        Clock

	locksMu sync.Mutex
	locks   map[string]*sync.Mutex

	anchorMu sync.Mutex // serializes the single global anchor chain

	metrics *metrics.Metrics // optional, nil is a valid no-op state
}

// SetMetrics attaches a Metrics bundle. Passing nil disables instrumentation.
func (e *Engine) SetMetrics(m *metrics.Metrics) {
	e.metrics = m
}

// New builds an Engine. clock defaults to time.Now when nil.
func New(s store.Store, policies reducer.Policies, snapPolicy snapshot.Policy, anchorPolicy AnchorPolicy, lockPolicy LockPolicy, clock Clock) *Engine {
	if clock == nil {
		clock = time.Now
	}
	return &Engine{
		store:        s,
		policies:     policies,
		snapPolicy:   snapPolicy,
		anchorPolicy: anchorPolicy,
		lockPolicy:   lockPolicy,
		clock:        clock,
		locks:        make(map[string]*sync.Mutex),
	}
}

func (e *Engine) lockFor(decisionID string) *sync.Mutex {
	e.locksMu.Lock()
	defer e.locksMu.Unlock()
	l, ok := e.locks[decisionID]
	if !ok {
		l = &sync.Mutex{}
		e.locks[decisionID] = l
	}
	return l
}

// CreateDecision materializes a new DRAFT decision row.
func (e *Engine) CreateDecision(ctx context.Context, decisionID string, meta decision.Meta) (decision.Decision, error) {
	now := e.clock().UTC()
	d := decision.Decision{
		DecisionID: decisionID,
		State:      "DRAFT",
		Version:    0,
		Meta:       meta,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := e.store.CreateDecision(ctx, d); err != nil {
		return decision.Decision{}, err
	}
	return d, nil
}

// GetDecision returns the current materialized decision.
func (e *Engine) GetDecision(ctx context.Context, decisionID string) (decision.Decision, error) {
	return e.store.GetDecision(ctx, decisionID)
}

// createForkedDecision materializes the new decision row a FORK event
// produces: a fresh DRAFT decision carrying meta.parent_decision_id,
// meta.fork_checkpoint_hash, and meta.fork_parent_seq pinned to the
// source decision's state at the moment of the fork. The source decision
// itself only records that the fork happened (via its own history entry)
// and continues at its own stage; this row is the actual branch. A
// "forked_into" edge from the source to the new row is stored alongside it.
func (e *Engine) createForkedDecision(ctx context.Context, parentID string, payload decision.EventPayload, parentState decision.Decision, forkEvent decision.Event, now time.Time) (string, error) {
	forkedID := payload.ForkedDecisionID
	if forkedID == "" {
		forkedID = decision.NewID()
	}

	parent := parentID
	checkpointHash := forkEvent.Hash
	parentSeq := forkEvent.Seq

	forked := decision.Decision{
		DecisionID: forkedID,
		State:      "DRAFT",
		Version:    0,
		Meta: decision.Meta{
			Title:              parentState.Meta.Title,
			OwnerID:            parentState.Meta.OwnerID,
			Source:             parentState.Meta.Source,
			ParentDecisionID:   &parent,
			ForkCheckpointHash: &checkpointHash,
			ForkParentSeq:      &parentSeq,
		},
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := e.store.CreateDecision(ctx, forked); err != nil {
		return "", fmt.Errorf("engine: create forked decision %q: %w", forkedID, err)
	}
	edge := store.Edge{
		ID:             decision.NewID(),
		FromDecisionID: parentID,
		ToDecisionID:   forkedID,
		Relation:       "forked_into",
		ViaEventSeq:    forkEvent.Seq,
		EdgeHash:       forkEvent.Hash,
	}
	if err := e.store.PutDecisionEdge(ctx, edge); err != nil {
		return "", fmt.Errorf("engine: record fork edge for %q: %w", forkedID, err)
	}
	return forkedID, nil
}

// AppendResult is the outcome of AppendEvent.
type AppendResult struct {
	OK               bool
	Replay           bool
	Violations       []decision.Violation
	Decision         decision.Decision
	Event            decision.Event
	Snapshot         *snapshot.Snapshot
	Anchor           *anchor.Anchor
	ForkedDecisionID string // set only when payload.Type == FORK; the newly created decision row's ID
}

const maxSeqConflictRetries = 8

// AppendEvent runs one event through the full pipeline: reducer ->
// hash-chain seal -> store append (idempotent/CAS-safe) -> decision
// persist -> edge persist -> policy-driven snapshot -> policy-driven
// anchor. A rejected event (result.OK == false) leaves no trace: no
// event row, no decision mutation, no snapshot, no anchor.
func (e *Engine) AppendEvent(ctx context.Context, decisionID string, payload decision.EventPayload, idempotencyKey *string) (AppendResult, error) {
	lock := e.lockFor(decisionID)
	lock.Lock()
	defer lock.Unlock()

	start := e.clock()
	appendOutcome := "error"
	defer func() {
		if e.metrics != nil {
			e.metrics.AppendDuration.WithLabelValues(appendOutcome).Observe(e.clock().Sub(start).Seconds())
		}
	}()

	if _, err := e.autoLockIfDue(ctx, decisionID, start.UTC()); err != nil {
		return AppendResult{}, err
	}

	if idempotencyKey != nil {
		if existing, ok, err := e.store.GetEventByIdempotencyKey(ctx, decisionID, *idempotencyKey); err != nil {
			return AppendResult{}, err
		} else if ok {
			d, err := e.store.GetDecision(ctx, decisionID)
			if err != nil {
				return AppendResult{}, err
			}
			appendOutcome = "replay"
			if e.metrics != nil {
				e.metrics.IdempotentReplays.Inc()
			}
			return AppendResult{OK: true, Replay: true, Decision: d, Event: existing}, nil
		}
	}

	d, err := e.store.GetDecision(ctx, decisionID)
	if err != nil {
		return AppendResult{}, err
	}

	now := e.clock().UTC()
	result := reducer.Apply(&d, payload, now, e.policies)
	if !result.OK {
		appendOutcome = "rejected"
		if e.metrics != nil {
			for _, v := range result.Violations {
				e.metrics.EventsRejected.WithLabelValues(v.Code).Inc()
			}
		}
		return AppendResult{OK: false, Violations: result.Violations}, nil
	}

	sealed, replay, err := e.sealAndAppend(ctx, decisionID, payload, now, idempotencyKey)
	if err != nil {
		return AppendResult{}, err
	}
	if replay {
		existingDecision, derr := e.store.GetDecision(ctx, decisionID)
		if derr != nil {
			return AppendResult{}, derr
		}
		appendOutcome = "replay"
		if e.metrics != nil {
			e.metrics.IdempotentReplays.Inc()
		}
		return AppendResult{OK: true, Replay: true, Decision: existingDecision, Event: sealed}, nil
	}

	if err := e.store.PutDecision(ctx, *result.Decision); err != nil {
		return AppendResult{}, err
	}
	for _, edge := range result.Edges {
		storeEdge := store.Edge{
			ID:             decision.NewID(),
			FromDecisionID: edge.FromDecisionID,
			ToDecisionID:   edge.ToDecisionID,
			Relation:       edge.Relation,
			ViaEventSeq:    sealed.Seq,
			EdgeHash:       sealed.Hash,
			Meta:           edge.Meta,
		}
		if err := e.store.PutDecisionEdge(ctx, storeEdge); err != nil {
			return AppendResult{}, err
		}
	}

	out := AppendResult{OK: true, Decision: *result.Decision, Event: sealed}

	if payload.Type == statemachine.EventFork {
		forkedID, err := e.createForkedDecision(ctx, decisionID, payload, *result.Decision, sealed, now)
		if err != nil {
			return AppendResult{}, err
		}
		out.ForkedDecisionID = forkedID
	}

	if e.metrics != nil {
		e.metrics.EventsAppended.WithLabelValues(string(payload.Type)).Inc()
	}

	snap, err := e.maybeSnapshotAndAnchor(ctx, decisionID, sealed.Seq, *result.Decision, now)
	if err != nil {
		return AppendResult{}, err
	}
	if snap != nil {
		out.Snapshot = &snap.snapshot
		out.Anchor = snap.anchor
	}

	appendOutcome = "ok"
	return out, nil
}

// sealAndAppend computes the next seq and prev_hash for decisionID, seals
// the event, and appends it to the store, retrying on a concurrent
// SEQ_CONFLICT. replay reports whether the store resolved this append to an
// existing idempotent row rather than creating a new one.
func (e *Engine) sealAndAppend(ctx context.Context, decisionID string, payload decision.EventPayload, now time.Time, idempotencyKey *string) (sealed decision.Event, replay bool, err error) {
	for attempt := 0; ; attempt++ {
		last, hasLast, lastErr := e.store.GetLastEvent(ctx, decisionID)
		if lastErr != nil {
			return decision.Event{}, false, lastErr
		}
		seq := int64(1)
		var prevHash *string
		if hasLast {
			seq = last.Seq + 1
			h := last.Hash
			prevHash = &h
		}

		ev := decision.Event{
			DecisionID:     decisionID,
			Seq:            seq,
			At:             now,
			Payload:        payload,
			IdempotencyKey: idempotencyKey,
			PrevHash:       prevHash,
		}
		sealed, err = hashchain.Seal(ev)
		if err != nil {
			return decision.Event{}, false, err
		}

		_, replay, err = e.store.AppendEvent(ctx, sealed)
		if err == nil {
			return sealed, replay, nil
		}
		if !errors.Is(err, store.ErrSeqConflict) || attempt >= maxSeqConflictRetries {
			return decision.Event{}, false, fmt.Errorf("engine: append event: %w", err)
		}
	}
}

// TryAutoLock checks decisionID for an elapsed immutability window and, if
// due, appends the LOCK transition on its behalf. It is safe to call
// periodically from outside the normal append path (a scheduler sweep over
// known decision_ids); it reports whether a lock transition was applied.
func (e *Engine) TryAutoLock(ctx context.Context, decisionID string) (bool, error) {
	lock := e.lockFor(decisionID)
	lock.Lock()
	defer lock.Unlock()
	return e.autoLockIfDue(ctx, decisionID, e.clock().UTC())
}

// autoLockIfDue is the actual immutability-window check; callers must
// already hold decisionID's lock. A decision sitting in APPROVED or
// REJECTED longer than lockPolicy.Window auto-transitions to LOCKED via a
// system-authored LOCK event, going through the same reducer/hash-chain/
// snapshot pipeline as any other event.
func (e *Engine) autoLockIfDue(ctx context.Context, decisionID string, now time.Time) (bool, error) {
	if !e.lockPolicy.Enabled {
		return false, nil
	}

	d, err := e.store.GetDecision(ctx, decisionID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return false, nil
		}
		return false, err
	}
	if d.State != string(statemachine.StateApproved) && d.State != string(statemachine.StateRejected) {
		return false, nil
	}
	if now.Sub(d.UpdatedAt) < e.lockPolicy.Window {
		return false, nil
	}

	payload := decision.EventPayload{Type: statemachine.EventLock, ActorID: "system", ActorType: "system"}
	result := reducer.Apply(&d, payload, now, e.policies)
	if !result.OK {
		return false, fmt.Errorf("engine: auto-lock transition rejected for %q: %+v", decisionID, result.Violations)
	}

	sealed, replay, err := e.sealAndAppend(ctx, decisionID, payload, now, nil)
	if err != nil {
		return false, err
	}
	if replay {
		return false, nil
	}
	if err := e.store.PutDecision(ctx, *result.Decision); err != nil {
		return false, err
	}
	if e.metrics != nil {
		e.metrics.EventsAppended.WithLabelValues(string(payload.Type)).Inc()
	}
	if _, err := e.maybeSnapshotAndAnchor(ctx, decisionID, sealed.Seq, *result.Decision, now); err != nil {
		return false, err
	}
	return true, nil
}

type snapshotOutcome struct {
	snapshot snapshot.Snapshot
	anchor   *anchor.Anchor
}

func (e *Engine) maybeSnapshotAndAnchor(ctx context.Context, decisionID string, currentSeq int64, state decision.Decision, now time.Time) (*snapshotOutcome, error) {
	latest, hasLatest, err := e.store.GetLatestSnapshot(ctx, decisionID)
	if err != nil {
		return nil, err
	}
	lastSnapSeq := int64(0)
	if hasLatest {
		lastSnapSeq = latest.UpToSeq
	}
	if !snapshot.ShouldSnapshot(e.snapPolicy, lastSnapSeq, currentSeq) {
		return nil, nil
	}

	events, err := e.store.ListEvents(ctx, decisionID)
	if err != nil {
		return nil, err
	}
	hashes := make([]string, 0, currentSeq)
	var checkpointHash string
	for _, ev := range events {
		if ev.Seq > currentSeq {
			break
		}
		hashes = append(hashes, ev.Hash)
		if ev.Seq == currentSeq {
			checkpointHash = ev.Hash
		}
	}

	snap, err := snapshot.Build(decisionID, currentSeq, state, checkpointHash, hashes, now)
	if err != nil {
		return nil, err
	}
	if err := e.store.PutSnapshot(ctx, snap); err != nil {
		return nil, err
	}
	if e.metrics != nil {
		e.metrics.SnapshotsTaken.Inc()
	}

	if err := e.applyRetention(ctx, decisionID); err != nil {
		return nil, err
	}

	outcome := &snapshotOutcome{snapshot: snap}

	if e.anchorPolicy.Enabled {
		a, err := e.mintAnchor(ctx, snap)
		if err != nil {
			return nil, err
		}
		outcome.anchor = a
	}

	return outcome, nil
}

func (e *Engine) applyRetention(ctx context.Context, decisionID string) error {
	all, err := e.store.ListSnapshots(ctx, decisionID)
	if err != nil {
		return err
	}
	seqs := make([]int64, len(all))
	for i, s := range all {
		seqs[i] = s.UpToSeq
	}
	retained := snapshot.SelectRetained(e.snapPolicy, seqs)
	if err := e.store.PruneSnapshots(ctx, decisionID, retained); err != nil {
		return err
	}
	if prunable := snapshot.PrunableEventsUpTo(e.snapPolicy, retained); prunable > 0 {
		if err := e.store.PruneEventsUpToSeq(ctx, decisionID, prunable); err != nil {
			return err
		}
	}
	return nil
}

// mintAnchor appends one row to the single global anchor chain, serialized
// by anchorMu since every decision_id shares the same chain. An anchor that
// already exists for (snap.DecisionID, snap.UpToSeq) is returned as is.
func (e *Engine) mintAnchor(ctx context.Context, snap snapshot.Snapshot) (*anchor.Anchor, error) {
	e.anchorMu.Lock()
	defer e.anchorMu.Unlock()

	if existing, ok, err := e.store.GetAnchorBySnapshot(ctx, snap.DecisionID, snap.UpToSeq); err != nil {
		return nil, err
	} else if ok {
		return &existing, nil
	}

	prior, hasPrior, err := e.store.GetLastAnchor(ctx)
	if err != nil {
		return nil, err
	}
	var priorPtr *anchor.Anchor
	if hasPrior {
		priorPtr = &prior
	}

	stateHash, err := stateHashOf(snap.Decision)
	if err != nil {
		return nil, err
	}

	a, err := anchor.Next(priorPtr, snap.DecisionID, snap.UpToSeq, snap.CheckpointHash, snap.RootHash, stateHash, e.clock().UTC())
	if err != nil {
		return nil, err
	}

	if e.anchorPolicy.SignWith != anchor.SigNone {
		if err := e.signAnchor(&a); err != nil {
			return nil, err
		}
	}

	if err := e.store.AppendAnchor(ctx, a); err != nil {
		return nil, err
	}
	if e.metrics != nil {
		e.metrics.AnchorsMinted.Inc()
		e.metrics.AnchorChainLength.Set(float64(a.Seq))
	}
	return &a, nil
}

func (e *Engine) signAnchor(a *anchor.Anchor) error {
	unsigned := *a
	unsigned.Signature = nil
	body, err := canon.Marshal(unsigned)
	if err != nil {
		return err
	}
	switch e.anchorPolicy.SignWith {
	case anchor.SigHMAC:
		key := e.anchorPolicy.HMACKey
		if key == nil && e.anchorPolicy.Resolver != nil {
			k, ok := e.anchorPolicy.Resolver.ResolveHMACKey(e.anchorPolicy.TenantID, e.anchorPolicy.KeyID)
			if !ok {
				return fmt.Errorf("engine: no HMAC key for key_id %q", e.anchorPolicy.KeyID)
			}
			key = k
		}
		sig := anchor.SignHMAC(key, body)
		a.Signature = &anchor.Signature{Alg: anchor.SigHMAC, KeyID: e.anchorPolicy.KeyID, Signature: base64.StdEncoding.EncodeToString(sig)}
	case anchor.SigEd25519:
		if len(e.anchorPolicy.Ed25519Key) != ed25519.PrivateKeySize {
			return fmt.Errorf("engine: no Ed25519 private key configured for key_id %q", e.anchorPolicy.KeyID)
		}
		sig := anchor.SignEd25519(e.anchorPolicy.Ed25519Key, body)
		a.Signature = &anchor.Signature{Alg: anchor.SigEd25519, KeyID: e.anchorPolicy.KeyID, Signature: base64.StdEncoding.EncodeToString(sig)}
	}
	return nil
}

func stateHashOf(d decision.Decision) (string, error) {
	return canon.PublicHashHex(d)
}
