package federation

import (
	"testing"
	"time"

	"github.com/ledgerforge/decision-ledger/pkg/store"
)

func TestCosign_MovesToCosignedOnceAllSign(t *testing.T) {
	now := time.Unix(1000, 0).UTC()
	e := Propose("f-1", "d-1", "tenant-a", []string{"tenant-a", "tenant-b"}, now)

	e, err := Cosign(e, "tenant-a", now)
	if err != nil {
		t.Fatal(err)
	}
	if e.State != StateProposed {
		t.Fatalf("expected still PROPOSED after one of two cosigns, got %s", e.State)
	}

	e, err = Cosign(e, "tenant-b", now)
	if err != nil {
		t.Fatal(err)
	}
	if e.State != StateCosigned {
		t.Fatalf("expected COSIGNED after all required tenants signed, got %s", e.State)
	}
}

func TestCosign_RejectsUnknownTenant(t *testing.T) {
	now := time.Unix(1000, 0).UTC()
	e := Propose("f-1", "d-1", "tenant-a", []string{"tenant-a"}, now)
	if _, err := Cosign(e, "tenant-z", now); err != ErrUnknownTenant {
		t.Fatalf("expected ErrUnknownTenant, got %v", err)
	}
}

func TestCosign_RejectsDuplicateSignoff(t *testing.T) {
	now := time.Unix(1000, 0).UTC()
	e := Propose("f-1", "d-1", "tenant-a", []string{"tenant-a", "tenant-b"}, now)
	e, err := Cosign(e, "tenant-a", now)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := Cosign(e, "tenant-a", now); err != ErrAlreadyCosigned {
		t.Fatalf("expected ErrAlreadyCosigned, got %v", err)
	}
}

func TestExecute_RequiresCosigned(t *testing.T) {
	now := time.Unix(1000, 0).UTC()
	e := Propose("f-1", "d-1", "tenant-a", []string{"tenant-a"}, now)
	if _, err := Execute(e, now); err == nil {
		t.Fatal("expected Execute to fail before cosigning completes")
	}
	e, _ = Cosign(e, "tenant-a", now)
	e, err := Execute(e, now)
	if err != nil {
		t.Fatal(err)
	}
	if e.State != StateExecuted {
		t.Fatalf("expected EXECUTED, got %s", e.State)
	}
}

func TestDisputeFreezesAndResolveResumes(t *testing.T) {
	now := time.Unix(1000, 0).UTC()
	e := Propose("f-1", "d-1", "tenant-a", []string{"tenant-a", "tenant-b"}, now)
	e, err := Dispute(e, "suspected duplicate proposal", now)
	if err != nil {
		t.Fatal(err)
	}
	if e.State != StateDisputed {
		t.Fatalf("expected DISPUTED, got %s", e.State)
	}
	if _, err := Cosign(e, "tenant-a", now); err != ErrFrozen {
		t.Fatalf("expected cosign on a disputed event to be frozen, got %v", err)
	}

	e, err = Resolve(e, StateProposed, now)
	if err != nil {
		t.Fatal(err)
	}
	if e.State != StateProposed {
		t.Fatalf("expected resolve to resume PROPOSED, got %s", e.State)
	}
}

func TestLedgerChain_SealAndVerify(t *testing.T) {
	e1 := NextEntry(nil, "tenant-a", "FEDERATION_PROPOSED", time.Unix(1000, 0).UTC())
	e1, err := SealEntry(e1)
	if err != nil {
		t.Fatal(err)
	}
	e2 := NextEntry(&e1, "tenant-b", "FEDERATION_COSIGNED", time.Unix(1001, 0).UTC())
	e2, err = SealEntry(e2)
	if err != nil {
		t.Fatal(err)
	}

	res, err := VerifyLedgerChain([]store.LedgerEntry{e1, e2}, nil)
	if err != nil {
		t.Fatal(err)
	}
	if !res.OK || res.LastSeq != 2 {
		t.Fatalf("expected valid 2-entry chain, got %+v", res)
	}
}

func TestLedgerChain_DetectsTamper(t *testing.T) {
	e1 := NextEntry(nil, "tenant-a", "FEDERATION_PROPOSED", time.Unix(1000, 0).UTC())
	e1, _ = SealEntry(e1)
	e2 := NextEntry(&e1, "tenant-b", "FEDERATION_COSIGNED", time.Unix(1001, 0).UTC())
	e2, _ = SealEntry(e2)
	e2.Type = "TAMPERED"

	res, err := VerifyLedgerChain([]store.LedgerEntry{e1, e2}, nil)
	if err != nil {
		t.Fatal(err)
	}
	if res.OK {
		t.Fatal("expected tampered type field to break hash recomputation")
	}
}

func TestBuildProofBundle_FiltersByFederationID(t *testing.T) {
	e1 := NextEntry(nil, "tenant-a", "FEDERATION_PROPOSED", time.Unix(1000, 0).UTC())
	e1.Payload = map[string]interface{}{"federation_id": "f-1"}
	e1, _ = SealEntry(e1)

	e2 := NextEntry(&e1, "tenant-a", "FEDERATION_PROPOSED", time.Unix(1001, 0).UTC())
	e2.Payload = map[string]interface{}{"federation_id": "f-2"}
	e2, _ = SealEntry(e2)

	bundle, err := BuildProofBundle("f-1", []store.LedgerEntry{e1, e2})
	if err != nil {
		t.Fatal(err)
	}
	if len(bundle.Entries) != 1 || bundle.Entries[0].Seq != 1 {
		t.Fatalf("expected only f-1's entry, got %+v", bundle.Entries)
	}
	if !bundle.VerifyReport.OK {
		t.Fatalf("expected full chain to verify, got %+v", bundle.VerifyReport)
	}
}
