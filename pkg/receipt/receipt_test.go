package receipt

import (
	"testing"
	"time"

	"github.com/ledgerforge/decision-ledger/pkg/anchor"
	"github.com/ledgerforge/decision-ledger/pkg/decision"
	"github.com/ledgerforge/decision-ledger/pkg/merkle"
)

func TestExportAndVerifyAnchorReceipt(t *testing.T) {
	a, err := anchor.Next(nil, "d-1", 2, "chk", "root", "", time.Unix(1000, 0).UTC())
	if err != nil {
		t.Fatal(err)
	}
	r, err := ExportAnchorReceipt(a, nil)
	if err != nil {
		t.Fatal(err)
	}
	if err := VerifySelfConsistency(r); err != nil {
		t.Fatalf("expected receipt to self-verify, got %v", err)
	}
}

func TestVerifySelfConsistency_DetectsTamper(t *testing.T) {
	a, _ := anchor.Next(nil, "d-1", 2, "chk", "root", "", time.Unix(1000, 0).UTC())
	r, _ := ExportAnchorReceipt(a, nil)
	r.Body.RootHash = "tampered"
	if err := VerifySelfConsistency(r); err == nil {
		t.Fatal("expected tampered body to fail self-consistency")
	}
}

func TestVerifySelfConsistency_RejectsRollback(t *testing.T) {
	a, _ := anchor.Next(nil, "d-1", 2, "chk", "root", "", time.Unix(1000, 0).UTC())
	head := &Head{Seq: 0, Hash: "old-head"}
	r, _ := ExportAnchorReceipt(a, head)
	if err := VerifySelfConsistency(r); err != ErrRollback {
		t.Fatalf("expected ErrRollback, got %v", err)
	}
}

func TestExportDecisionReceiptV1_VerifiesOffline(t *testing.T) {
	d := decision.Decision{DecisionID: "d-1", State: "APPROVED", Version: 4}
	a, _ := anchor.Next(nil, "d-1", 4, "chk", "root", "", time.Unix(1000, 0).UTC())

	r, err := ExportDecisionReceiptV1(a, nil, d, nil)
	if err != nil {
		t.Fatal(err)
	}
	report := VerifyReceiptOffline(r)
	if !report.OK {
		t.Fatalf("expected offline verification to pass, got %+v", report)
	}
}

func TestExportDecisionReceiptV1_DetectsStateMismatch(t *testing.T) {
	d := decision.Decision{DecisionID: "d-1", State: "APPROVED", Version: 4}
	a, _ := anchor.Next(nil, "d-1", 4, "chk", "root", "", time.Unix(1000, 0).UTC())
	r, _ := ExportDecisionReceiptV1(a, nil, d, nil)

	r.Decision.Version = 99
	report := VerifyReceiptOffline(r)
	if report.OK {
		t.Fatal("expected mutated decision to fail state hash check")
	}
}

func TestExportDecisionReceiptV1_WithInclusionProof(t *testing.T) {
	leaves := make([][]byte, 4)
	for i := range leaves {
		leaves[i] = merkle.HashData([]byte{byte(i)})
	}
	tree, err := merkle.BuildTree(leaves)
	if err != nil {
		t.Fatal(err)
	}
	proof, err := tree.Proof(1)
	if err != nil {
		t.Fatal(err)
	}
	rootHex := tree.RootHex()

	d := decision.Decision{DecisionID: "d-1", State: "APPROVED", Version: 2}
	a, _ := anchor.Next(nil, "d-1", 2, "chk", rootHex, "", time.Unix(1000, 0).UTC())
	r, err := ExportDecisionReceiptV1(a, nil, d, &InclusionProof{EventSeq: 2, Proof: proof})
	if err != nil {
		t.Fatal(err)
	}
	report := VerifyReceiptOffline(r)
	if !report.OK {
		t.Fatalf("expected inclusion proof to verify, got %+v", report)
	}

	r.Inclusion.Proof.LeafHash = "00"
	report = VerifyReceiptOffline(r)
	if report.OK {
		t.Fatal("expected tampered leaf hash to fail verification")
	}
}
