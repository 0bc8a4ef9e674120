package canon

import (
	"strings"
	"testing"
)

func TestMarshal_SortsKeys(t *testing.T) {
	v := map[string]interface{}{"b": 1, "a": 2, "c": 3}
	got, err := Marshal(v)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	want := `{"a":2,"b":1,"c":3}`
	if string(got) != want {
		t.Fatalf("got %s, want %s", got, want)
	}
}

func TestMarshal_PreservesNull(t *testing.T) {
	v := map[string]interface{}{"a": nil, "b": 1}
	got, err := Marshal(v)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	if !strings.Contains(string(got), `"a":null`) {
		t.Fatalf("expected null preserved, got %s", got)
	}
}

func TestMarshal_PreservesArrayOrder(t *testing.T) {
	v := map[string]interface{}{"arr": []interface{}{3, 1, 2}}
	got, err := Marshal(v)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	want := `{"arr":[3,1,2]}`
	if string(got) != want {
		t.Fatalf("got %s, want %s", got, want)
	}
}

func TestMarshal_Deterministic(t *testing.T) {
	v1 := map[string]interface{}{"z": 1, "a": map[string]interface{}{"y": 2, "x": 3}}
	v2 := map[string]interface{}{"a": map[string]interface{}{"x": 3, "y": 2}, "z": 1}
	b1, err := Marshal(v1)
	if err != nil {
		t.Fatalf("Marshal v1: %v", err)
	}
	b2, err := Marshal(v2)
	if err != nil {
		t.Fatalf("Marshal v2: %v", err)
	}
	if string(b1) != string(b2) {
		t.Fatalf("expected equal canonical output, got %s vs %s", b1, b2)
	}
}

func TestMarshal_RejectsCycle(t *testing.T) {
	m := map[string]interface{}{}
	m["self"] = m
	_, err := Marshal(m)
	if err != ErrCycle {
		t.Fatalf("expected ErrCycle, got %v", err)
	}
}

func TestMarshal_RejectsCycleThroughSlice(t *testing.T) {
	s := make([]interface{}, 1)
	s[0] = s
	_, err := Marshal(s)
	if err != ErrCycle {
		t.Fatalf("expected ErrCycle, got %v", err)
	}
}

func TestHashHex_StableAcrossKeyOrder(t *testing.T) {
	h1, err := HashHex(map[string]interface{}{"b": 1, "a": 2})
	if err != nil {
		t.Fatalf("HashHex: %v", err)
	}
	h2, err := HashHex(map[string]interface{}{"a": 2, "b": 1})
	if err != nil {
		t.Fatalf("HashHex: %v", err)
	}
	if h1 != h2 {
		t.Fatalf("expected stable hash, got %s vs %s", h1, h2)
	}
	if len(h1) != 64 {
		t.Fatalf("expected 64 hex chars, got %d", len(h1))
	}
}

func TestPublicCanonical_StripsTransientFields(t *testing.T) {
	v := map[string]interface{}{
		"decision_id":       "d1",
		"updated_at":        "2026-01-01T00:00:00Z",
		"signatures":        []interface{}{"sig"},
		"public_state_hash": "abc",
		"tamper_state_hash": "def",
	}
	got, err := PublicCanonical(v)
	if err != nil {
		t.Fatalf("PublicCanonical: %v", err)
	}
	for _, f := range []string{"updated_at", "signatures", "public_state_hash", "tamper_state_hash"} {
		if strings.Contains(string(got), f) {
			t.Fatalf("expected %q to be stripped, got %s", f, got)
		}
	}
	if !strings.Contains(string(got), "decision_id") {
		t.Fatalf("expected decision_id to survive, got %s", got)
	}
}
