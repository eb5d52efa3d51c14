package store

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// AgentRecord is the persisted view of a registered agent. The facilitator
// snapshots its table here so a restart can report who was last seen.
type AgentRecord struct {
	ID              string    `yaml:"id"`
	Name            string    `yaml:"name"`
	Platform        string    `yaml:"platform"`
	VoiceID         string    `yaml:"voice_id,omitempty"`
	PrivateEndpoint string    `yaml:"private_endpoint"`
	PublicEndpoint  string    `yaml:"public_endpoint"`
	IsHost          bool      `yaml:"is_host,omitempty"`
	LastSeen        time.Time `yaml:"last_seen"`
}

// Snapshot is the on-disk facilitator state.
type Snapshot struct {
	UpdatedAt time.Time     `yaml:"updated_at"`
	Session   string        `yaml:"session,omitempty"`
	Agents    []AgentRecord `yaml:"agents"`
}

// Load reads a snapshot from path. A missing file yields an empty snapshot,
// not an error.
func Load(path string) (*Snapshot, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return &Snapshot{}, nil
		}
		return nil, fmt.Errorf("read snapshot: %w", err)
	}
	var s Snapshot
	if err := yaml.Unmarshal(b, &s); err != nil {
		return nil, fmt.Errorf("parse snapshot: %w", err)
	}
	return &s, nil
}

// Save writes the snapshot atomically via a temp file in the same directory.
func Save(path string, s *Snapshot) error {
	s.UpdatedAt = time.Now().UTC()
	b, err := yaml.Marshal(s)
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("mkdir %s: %w", dir, err)
	}
	tmp, err := os.CreateTemp(dir, ".snapshot-*.yaml")
	if err != nil {
		return fmt.Errorf("temp snapshot: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)
	if _, err := tmp.Write(b); err != nil {
		tmp.Close()
		return fmt.Errorf("write snapshot: %w", err)
	}
	if err := tmp.Chmod(0o600); err != nil {
		tmp.Close()
		return fmt.Errorf("chmod snapshot: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close snapshot: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("replace snapshot: %w", err)
	}
	return nil
}
