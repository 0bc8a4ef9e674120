package main

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/ledgerforge/decision-ledger/pkg/audit"
	"github.com/ledgerforge/decision-ledger/pkg/decision"
	"github.com/ledgerforge/decision-ledger/pkg/engine"
	"github.com/ledgerforge/decision-ledger/pkg/ledgerlog"
	"github.com/ledgerforge/decision-ledger/pkg/receipt"
	"github.com/ledgerforge/decision-ledger/pkg/store"
)

// registerReadAPI wires the thin JSON read/append API a caller uses to
// drive a decision's lifecycle and inspect its current state and history.
func registerReadAPI(mux *http.ServeMux, eng *engine.Engine, st store.Store, log *ledgerlog.Logger) {
	views := audit.New(st)

	mux.HandleFunc("/api/v1/decisions/", func(w http.ResponseWriter, r *http.Request) {
		id, sub := splitDecisionPath(strings.TrimPrefix(r.URL.Path, "/api/v1/decisions/"))
		if id == "" {
			http.NotFound(w, r)
			return
		}

		switch {
		case sub == "" && r.Method == http.MethodGet:
			handleGetDecision(w, r, eng, log, id)
		case sub == "events" && r.Method == http.MethodPost:
			handleAppendEvent(w, r, eng, log, id)
		case sub == "timeline" && r.Method == http.MethodGet:
			handleTimeline(w, r, views, log, id)
		case sub == "receipt" && r.Method == http.MethodGet:
			handleGetReceipt(w, r, st, views, log, id)
		default:
			http.NotFound(w, r)
		}
	})

	mux.HandleFunc("/api/v1/decisions", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.NotFound(w, r)
			return
		}
		handleCreateDecision(w, r, eng, log)
	})

	mux.HandleFunc("/api/v1/anchors/", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.NotFound(w, r)
			return
		}
		handleGetAnchor(w, r, st, log, strings.TrimPrefix(r.URL.Path, "/api/v1/anchors/"))
	})
}

func splitDecisionPath(rest string) (id, sub string) {
	parts := strings.SplitN(strings.Trim(rest, "/"), "/", 2)
	if len(parts) == 0 || parts[0] == "" {
		return "", ""
	}
	if len(parts) == 1 {
		return parts[0], ""
	}
	return parts[0], parts[1]
}

func handleGetDecision(w http.ResponseWriter, r *http.Request, eng *engine.Engine, log *ledgerlog.Logger, id string) {
	d, err := eng.GetDecision(r.Context(), id)
	if err != nil {
		writeError(w, log, http.StatusNotFound, err)
		return
	}
	writeJSON(w, http.StatusOK, d)
}

type createDecisionRequest struct {
	DecisionID string        `json:"decision_id"`
	Meta       decision.Meta `json:"meta"`
}

func handleCreateDecision(w http.ResponseWriter, r *http.Request, eng *engine.Engine, log *ledgerlog.Logger) {
	var req createDecisionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, log, http.StatusBadRequest, err)
		return
	}
	if req.DecisionID == "" {
		req.DecisionID = decision.NewID()
	}
	d, err := eng.CreateDecision(r.Context(), req.DecisionID, req.Meta)
	if err != nil {
		writeError(w, log, http.StatusConflict, err)
		return
	}
	writeJSON(w, http.StatusCreated, d)
}

type appendEventRequest struct {
	Payload        decision.EventPayload `json:"payload"`
	IdempotencyKey *string               `json:"idempotency_key,omitempty"`
}

func handleAppendEvent(w http.ResponseWriter, r *http.Request, eng *engine.Engine, log *ledgerlog.Logger, id string) {
	var req appendEventRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, log, http.StatusBadRequest, err)
		return
	}
	result, err := eng.AppendEvent(r.Context(), id, req.Payload, req.IdempotencyKey)
	if err != nil {
		writeError(w, log, http.StatusInternalServerError, err)
		return
	}
	if !result.OK {
		writeJSON(w, http.StatusUnprocessableEntity, map[string]interface{}{"violations": result.Violations})
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func handleTimeline(w http.ResponseWriter, r *http.Request, views *audit.Views, log *ledgerlog.Logger, id string) {
	timeline, err := views.Timeline(r.Context(), id)
	if err != nil {
		writeError(w, log, http.StatusNotFound, err)
		return
	}
	writeJSON(w, http.StatusOK, timeline)
}

// handleGetReceipt exports a self-verifying DecisionReceiptV1 for a
// decision's most recent snapshot/anchor pair, so the caller can keep it
// and verify it later with no further store access. An optional
// ?event_seq= query parameter bundles a Merkle inclusion proof for that
// event, rebuilt fresh from the store against the snapshot's root_hash
// rather than trusted from anywhere cached.
func handleGetReceipt(w http.ResponseWriter, r *http.Request, st store.Store, views *audit.Views, log *ledgerlog.Logger, id string) {
	ctx := r.Context()
	snap, ok, err := st.GetLatestSnapshot(ctx, id)
	if err != nil {
		writeError(w, log, http.StatusInternalServerError, err)
		return
	}
	if !ok {
		writeError(w, log, http.StatusNotFound, store.ErrNotFound)
		return
	}
	a, ok, err := st.GetAnchorBySnapshot(ctx, id, snap.UpToSeq)
	if err != nil {
		writeError(w, log, http.StatusInternalServerError, err)
		return
	}
	if !ok {
		writeError(w, log, http.StatusNotFound, store.ErrNotFound)
		return
	}

	var inclusion *receipt.InclusionProof
	if seqParam := r.URL.Query().Get("event_seq"); seqParam != "" {
		seq, err := strconv.ParseInt(seqParam, 10, 64)
		if err != nil {
			writeError(w, log, http.StatusBadRequest, err)
			return
		}
		report, proof, err := views.VerifyEventIncludedFromLatestSnapshot(ctx, id, seq)
		if err != nil {
			writeError(w, log, http.StatusInternalServerError, err)
			return
		}
		if !report.OK {
			writeError(w, log, http.StatusConflict, fmt.Errorf("inclusion check failed: %s", report.Reason))
			return
		}
		inclusion = proof
	}

	rcpt, err := receipt.ExportDecisionReceiptV1(a, nil, snap.Decision, inclusion)
	if err != nil {
		writeError(w, log, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, rcpt)
}

// handleGetAnchor looks up one row of the global anchor chain by its
// sequence number.
func handleGetAnchor(w http.ResponseWriter, r *http.Request, st store.Store, log *ledgerlog.Logger, seqStr string) {
	seq, err := strconv.ParseInt(strings.Trim(seqStr, "/"), 10, 64)
	if err != nil {
		writeError(w, log, http.StatusBadRequest, err)
		return
	}
	anchors, err := st.ListAnchors(r.Context())
	if err != nil {
		writeError(w, log, http.StatusInternalServerError, err)
		return
	}
	for _, a := range anchors {
		if a.Seq == seq {
			writeJSON(w, http.StatusOK, a)
			return
		}
	}
	writeError(w, log, http.StatusNotFound, store.ErrNotFound)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, log *ledgerlog.Logger, status int, err error) {
	log.Error("request failed", "status", strconv.Itoa(status), "error", err)
	writeJSON(w, status, map[string]string{"error": err.Error()})
}
