// Package connectorstore holds the persistent approval-workflow registry
// of connectors: their id, key, advertised models, and status. It is the
// broker's source of truth for which connectors may relay traffic.
package connectorstore

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"gopkg.in/yaml.v3"
)

// Status is the connector's position in the approval lifecycle.
type Status string

const (
	StatusPending  Status = "pending"
	StatusApproved Status = "approved"
	StatusRevoked  Status = "revoked"
)

// ErrNotFound is returned when a connector_id has no record in the store.
var ErrNotFound = errors.New("connector not found")

// ErrNotPending is returned by Approve when the connector isn't awaiting
// approval.
var ErrNotPending = errors.New("connector is not pending")

// Connector is a persistent connector record. PENDING connectors have no
// APIKey; APPROVED connectors have a unique one; REVOKED connectors keep
// their ConnectorID, and their key stays in the key index so a revoked
// key can be told apart from an unknown one (see Revoke and Lookup).
type Connector struct {
	ConnectorID     string     `yaml:"connector_id"`
	APIKey          string     `yaml:"api_key,omitempty"`
	DisplayName     string     `yaml:"display_name,omitempty"`
	Models          []string   `yaml:"models"`
	Status          Status     `yaml:"status"`
	CreatedAt       time.Time  `yaml:"created_at"`
	LastConnectedAt *time.Time `yaml:"last_connected_at,omitempty"`
	LastUsedAt      *time.Time `yaml:"last_used_at,omitempty"`
}

// file is the YAML document shape persisted to disk.
type file struct {
	Connectors []*Connector `yaml:"connectors"`
}

// Store is an in-memory connector registry with a YAML-backed best-effort
// persistence layer. Safe for concurrent use.
type Store struct {
	mu       sync.RWMutex
	path     string
	byID     map[string]*Connector
	byAPIKey map[string]*Connector
}

// New loads a Store from path. A missing file is not an error — the store
// starts empty, matching the original's "best-effort load" contract.
func New(path string) (*Store, error) {
	s := &Store{
		path:     path,
		byID:     make(map[string]*Connector),
		byAPIKey: make(map[string]*Connector),
	}
	if path == "" {
		return s, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			slog.Info("no connector store file found, starting empty", "path", path)
			return s, nil
		}
		return nil, fmt.Errorf("reading connector store %s: %w", path, err)
	}
	if len(data) == 0 {
		return s, nil
	}

	var f file
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parsing connector store %s: %w", path, err)
	}
	for _, c := range f.Connectors {
		if c == nil {
			continue
		}
		s.byID[c.ConnectorID] = c
		if c.Status == StatusApproved && c.APIKey != "" {
			s.byAPIKey[c.APIKey] = c
		}
	}
	slog.Info("loaded connector store", "count", len(s.byID), "path", path)
	return s, nil
}

// save persists the current state to disk. Failures are logged, not
// returned: the caller's mutation already succeeded in memory, and the
// next successful save reconciles disk with memory (spec.md §4.2).
func (s *Store) save() {
	if s.path == "" {
		return
	}
	connectors := make([]*Connector, 0, len(s.byID))
	for _, c := range s.byID {
		connectors = append(connectors, c)
	}
	data, err := yaml.Marshal(file{Connectors: connectors})
	if err != nil {
		slog.Error("marshaling connector store", "error", err)
		return
	}
	if dir := filepath.Dir(s.path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			slog.Error("creating connector store directory", "dir", dir, "error", err)
			return
		}
	}
	if err := os.WriteFile(s.path, data, 0o600); err != nil {
		slog.Error("writing connector store", "path", s.path, "error", err)
	}
}

func newConnectorID() string {
	return "conn-" + randomHex(4)
}

func newAPIKey() string {
	return "ck-" + randomHex(16)
}

func randomHex(nbytes int) string {
	buf := make([]byte, nbytes)
	if _, err := rand.Read(buf); err != nil {
		// crypto/rand.Read only fails if the OS entropy source is
		// broken; there is no sane fallback at that point.
		panic(fmt.Sprintf("crypto/rand unavailable: %v", err))
	}
	return hex.EncodeToString(buf)
}

// CreatePending registers a new PENDING connector with no API key.
func (s *Store) CreatePending(models []string, displayName string) *Connector {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC()
	c := &Connector{
		ConnectorID:     newConnectorID(),
		DisplayName:     displayName,
		Models:          append([]string(nil), models...),
		Status:          StatusPending,
		CreatedAt:       now,
		LastConnectedAt: &now,
	}
	s.byID[c.ConnectorID] = c
	s.save()
	slog.Info("created pending connector", "connector_id", c.ConnectorID, "models", models)
	return c
}

// Approve transitions a PENDING connector to APPROVED and mints a fresh
// API key. Returns ErrNotFound / ErrNotPending as appropriate.
func (s *Store) Approve(connectorID string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.byID[connectorID]
	if !ok {
		return "", ErrNotFound
	}
	if c.Status != StatusPending {
		return "", ErrNotPending
	}

	key := newAPIKey()
	c.APIKey = key
	c.Status = StatusApproved
	s.byAPIKey[key] = c
	s.save()
	slog.Info("approved connector", "connector_id", connectorID)
	return key, nil
}

// Revoke moves a connector (APPROVED or PENDING) to REVOKED.
//
// This deliberately diverges from the original connectors.py, which
// deletes the api_key_index entry on revoke (and from a literal reading
// of the §3 data-model invariant, "REVOKED records MUST NOT appear in
// the key index"): here the byAPIKey entry is left pointing at the
// now-revoked record. That is what makes §4.5's "REVOKED record with
// the key still present → AUTH_FAIL" branch reachable at all — deleting
// the index entry on revoke collapses that branch into "unknown key",
// losing the distinction between a key that was never issued and one
// that was issued then pulled. See Lookup, which trades the invariant's
// letter for this distinction on purpose.
func (s *Store) Revoke(connectorID, reason string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.byID[connectorID]
	if !ok {
		return false, nil
	}
	c.Status = StatusRevoked
	s.save()
	slog.Info("revoked connector", "connector_id", connectorID, "reason", reason)
	return true, nil
}

// Delete removes a connector record entirely.
func (s *Store) Delete(connectorID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.byID[connectorID]
	if !ok {
		return false
	}
	if c.APIKey != "" {
		delete(s.byAPIKey, c.APIKey)
	}
	delete(s.byID, connectorID)
	s.save()
	slog.Info("deleted connector", "connector_id", connectorID)
	return true
}

// UpdateModels replaces a connector's advertised model list.
func (s *Store) UpdateModels(connectorID string, models []string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.byID[connectorID]
	if !ok {
		return false
	}
	c.Models = append([]string(nil), models...)
	s.save()
	return true
}

// TouchConnected updates last_connected_at for a connector.
func (s *Store) TouchConnected(connectorID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.byID[connectorID]
	if !ok {
		return
	}
	now := time.Now().UTC()
	c.LastConnectedAt = &now
	s.save()
}

// TouchUsed updates last_used_at for a connector.
func (s *Store) TouchUsed(connectorID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.byID[connectorID]
	if !ok {
		return
	}
	now := time.Now().UTC()
	c.LastUsedAt = &now
	s.save()
}

// Validate returns the connector for apiKey only if it is APPROVED and
// the key matches, nil otherwise.
func (s *Store) Validate(apiKey string) *Connector {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.byAPIKey[apiKey]
	if !ok || c.Status != StatusApproved {
		return nil
	}
	cp := *c
	return &cp
}

// Lookup returns the connector that was ever issued apiKey regardless of
// its current status, or nil if the key is unrecognized. It lets the
// transport layer distinguish a revoked key (hard auth failure) from an
// unknown one (falls through to the pending-admission flow).
func (s *Store) Lookup(apiKey string) *Connector {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.byAPIKey[apiKey]
	if !ok {
		return nil
	}
	cp := *c
	return &cp
}

// GetByID returns a copy of the record for connectorID, or ErrNotFound.
func (s *Store) GetByID(connectorID string) (Connector, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.byID[connectorID]
	if !ok {
		return Connector{}, ErrNotFound
	}
	return *c, nil
}

// List returns copies of all connector records.
func (s *Store) List() []Connector {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Connector, 0, len(s.byID))
	for _, c := range s.byID {
		out = append(out, *c)
	}
	return out
}
