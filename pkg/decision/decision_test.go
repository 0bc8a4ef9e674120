package decision

import (
	"testing"

	"github.com/ledgerforge/decision-ledger/pkg/statemachine"
)

func TestKnownType(t *testing.T) {
	if !KnownType(statemachine.EventValidate) {
		t.Error("expected VALIDATE to be known")
	}
	if KnownType(EventType("BOGUS")) {
		t.Error("expected BOGUS to be unknown")
	}
}

func TestNewID_Unique(t *testing.T) {
	a := NewID()
	b := NewID()
	if a == b {
		t.Fatal("expected distinct ids")
	}
	if a == "" || b == "" {
		t.Fatal("expected non-empty ids")
	}
}
