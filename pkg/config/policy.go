package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/ledgerforge/decision-ledger/pkg/snapshot"
)

// RetentionPolicy bounds how long materialized snapshots and anchor rows
// survive once superseded.
type RetentionPolicy struct {
	KeepLastNSnapshots int  `yaml:"keep_last_n_snapshots"`
	KeepLastNAnchors   int  `yaml:"keep_last_n_anchors"`
	PruneEvents        bool `yaml:"prune_events"`
}

// SnapshotPolicy governs when a new snapshot is taken.
type SnapshotPolicy struct {
	EveryNEvents int `yaml:"every_n_events"`
}

// AnchorPolicy governs whether and how anchors are minted and signed.
type AnchorPolicy struct {
	Enabled  bool   `yaml:"enabled"`
	SignWith string `yaml:"sign_with"` // "", "HMAC_SHA256", or "ED25519"
	KeyID    string `yaml:"key_id"`
	TenantID string `yaml:"tenant_id"`
}

// ImmutabilityPolicy describes the delay after a decision reaches
// APPROVED/REJECTED before it auto-transitions to LOCKED.
// cmd/decisionledgerd reads this into an engine.LockPolicy; once LOCKED,
// only event types listed in reducer.Policies.LockedAllowEventTypes stay
// permitted.
type ImmutabilityPolicy struct {
	Enabled       bool `yaml:"enabled"`
	WindowSeconds int  `yaml:"window_seconds"`
}

// PolicyFile is the top-level shape of the YAML policy document loaded
// alongside the env-var service Config.
type PolicyFile struct {
	Retention    RetentionPolicy    `yaml:"retention"`
	Snapshot     SnapshotPolicy     `yaml:"snapshot"`
	Anchor       AnchorPolicy       `yaml:"anchor"`
	Immutability ImmutabilityPolicy `yaml:"immutability"`
}

// LoadPolicyFile reads and parses a YAML policy document from path.
func LoadPolicyFile(path string) (*PolicyFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read policy file: %w", err)
	}
	var pf PolicyFile
	if err := yaml.Unmarshal(data, &pf); err != nil {
		return nil, fmt.Errorf("config: parse policy file: %w", err)
	}
	return &pf, nil
}

// ToSnapshotPolicy converts the YAML shape to pkg/snapshot.Policy.
func (pf PolicyFile) ToSnapshotPolicy() snapshot.Policy {
	return snapshot.Policy{
		EveryNEvents:              pf.Snapshot.EveryNEvents,
		KeepLastN:                 pf.Retention.KeepLastNSnapshots,
		PruneEventsUpToLatestSnap: pf.Retention.PruneEvents,
	}
}
