// Package canon implements the deterministic byte encoding that every hash
// in the ledger is computed over: object keys sorted lexicographically,
// null preserved, arrays left in caller order, cycles rejected.
package canon

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"reflect"
	"sort"
)

// ErrCycle is returned when a value graph contains a reference cycle.
var ErrCycle = fmt.Errorf("canon: %s", "CYCLE")

// Marshal encodes v deterministically: map keys sorted, null preserved,
// array order preserved. Cycles reachable through maps, slices, or
// pointers are detected before encoding; encoding/json itself would
// recurse forever on a genuinely cyclic structure, so that check has
// to run as its own reflect-based pass ahead of json.Marshal.
func Marshal(v interface{}) ([]byte, error) {
	if err := checkCycles(reflect.ValueOf(v), make(map[uintptr]bool)); err != nil {
		return nil, err
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return MarshalJSON(raw)
}

// checkCycles walks containers reachable from rv, failing if any map,
// slice, or pointer is revisited while still on the current path.
func checkCycles(rv reflect.Value, seen map[uintptr]bool) error {
	switch rv.Kind() {
	case reflect.Interface, reflect.Ptr:
		if rv.IsNil() {
			return nil
		}
		if rv.Kind() == reflect.Ptr {
			addr := rv.Pointer()
			if seen[addr] {
				return ErrCycle
			}
			seen[addr] = true
			defer delete(seen, addr)
		}
		return checkCycles(rv.Elem(), seen)
	case reflect.Map:
		if rv.IsNil() {
			return nil
		}
		addr := rv.Pointer()
		if seen[addr] {
			return ErrCycle
		}
		seen[addr] = true
		defer delete(seen, addr)
		iter := rv.MapRange()
		for iter.Next() {
			if err := checkCycles(iter.Value(), seen); err != nil {
				return err
			}
		}
		return nil
	case reflect.Slice:
		if rv.IsNil() {
			return nil
		}
		addr := rv.Pointer()
		if seen[addr] {
			return ErrCycle
		}
		seen[addr] = true
		defer delete(seen, addr)
		for i := 0; i < rv.Len(); i++ {
			if err := checkCycles(rv.Index(i), seen); err != nil {
				return err
			}
		}
		return nil
	case reflect.Array:
		for i := 0; i < rv.Len(); i++ {
			if err := checkCycles(rv.Index(i), seen); err != nil {
				return err
			}
		}
		return nil
	case reflect.Struct:
		for i := 0; i < rv.NumField(); i++ {
			if !rv.Field(i).CanInterface() {
				continue
			}
			if err := checkCycles(rv.Field(i), seen); err != nil {
				return err
			}
		}
		return nil
	default:
		return nil
	}
}

// MarshalJSON re-encodes an already-serialized JSON document canonically.
// Cycles cannot occur here: the value was just decoded by encoding/json,
// which never produces aliased containers.
func MarshalJSON(raw []byte) ([]byte, error) {
	var v interface{}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(&v); err != nil {
		return nil, err
	}
	canonical := canonicalize(v)
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(canonical); err != nil {
		return nil, err
	}
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}

// canonicalize recursively sorts map keys; arrays and their element order
// are left untouched.
func canonicalize(v interface{}) interface{} {
	switch vv := v.(type) {
	case map[string]interface{}:
		keys := make([]string, 0, len(vv))
		for k := range vv {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		ordered := make(orderedMap, 0, len(keys))
		for _, k := range keys {
			ordered = append(ordered, kv{k, canonicalize(vv[k])})
		}
		return ordered
	case []interface{}:
		out := make([]interface{}, len(vv))
		for i, e := range vv {
			out[i] = canonicalize(e)
		}
		return out
	default:
		return vv
	}
}

// kv is a single ordered key/value pair in an orderedMap.
type kv struct {
	Key   string
	Value interface{}
}

// orderedMap marshals as a JSON object preserving insertion order, which
// canonicalize has already sorted lexicographically by key.
type orderedMap []kv

func (m orderedMap) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, pair := range m {
		if i > 0 {
			buf.WriteByte(',')
		}
		keyBytes, err := json.Marshal(pair.Key)
		if err != nil {
			return nil, err
		}
		buf.Write(keyBytes)
		buf.WriteByte(':')
		valBytes, err := json.Marshal(pair.Value)
		if err != nil {
			return nil, err
		}
		buf.Write(valBytes)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// Hash returns the SHA-256 digest of v's canonical encoding.
func Hash(v interface{}) ([32]byte, error) {
	b, err := Marshal(v)
	if err != nil {
		return [32]byte{}, err
	}
	return sha256.Sum256(b), nil
}

// HashHex returns the lowercase-hex SHA-256 digest of v's canonical encoding.
func HashHex(v interface{}) (string, error) {
	h, err := Hash(v)
	if err != nil {
		return "", err
	}
	return hex.EncodeToString(h[:]), nil
}

// HashBytes returns the lowercase-hex SHA-256 digest of already-canonical bytes.
func HashBytes(canonical []byte) string {
	h := sha256.Sum256(canonical)
	return hex.EncodeToString(h[:])
}

// HashConcat returns the SHA-256 digest of the concatenation of parts, in
// order, for inputs that are already fixed-size hashes rather than JSON
// documents. pkg/hashchain and pkg/merkle do not call it: they hash with
// HashHex and merkle's own ":"-separated node hash respectively.
func HashConcat(parts ...[]byte) []byte {
	h := sha256.New()
	for _, p := range parts {
		h.Write(p)
	}
	sum := h.Sum(nil)
	return sum
}

// transientFields are stripped by PublicCanonical before hashing, producing
// a stable hash usable for external attestation independent of bookkeeping
// fields that change without a meaningful decision-state change.
var transientFields = []string{"updated_at", "signatures", "public_state_hash", "tamper_state_hash"}

// PublicCanonical returns v's canonical encoding with transient fields
// removed from the top-level object. v must encode to a JSON object.
func PublicCanonical(v interface{}) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var m map[string]interface{}
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("canon: PublicCanonical requires an object: %w", err)
	}
	for _, f := range transientFields {
		delete(m, f)
	}
	return Marshal(m)
}

// PublicHashHex hashes v's PublicCanonical encoding.
func PublicHashHex(v interface{}) (string, error) {
	b, err := PublicCanonical(v)
	if err != nil {
		return "", err
	}
	return HashBytes(b), nil
}
