// Package rules implements the Rule Store: a JSON-file-backed, in-memory
// cache of Rule records with atomic persistence.
package rules

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/email-management-platform/backend/gmail-automation/internal/errkind"
	"github.com/email-management-platform/backend/gmail-automation/internal/models"
)

// Store is a JSON-file-backed, concurrency-safe collection of rules, held
// entirely in memory between Load and the next Save.
type Store struct {
	path string
	log  *zap.Logger

	mu    sync.RWMutex
	rules map[string]models.Rule // id -> rule
	order []string               // insertion order, preserved across save/load
}

// New returns a Store rooted at path. Load must be called before first use.
func New(path string, log *zap.Logger) *Store {
	return &Store{path: path, log: log, rules: map[string]models.Rule{}}
}

// Load reads the rule file into memory. A missing file is not an error: it
// is treated as an empty store (first run). Individual rules that fail to
// unmarshal are logged and skipped rather than failing the whole load, so
// one corrupt entry doesn't take down every other rule.
func (s *Store) Load() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		s.rules = map[string]models.Rule{}
		s.order = nil
		return nil
	}
	if err != nil {
		return errkind.Wrap(errkind.StoreIO, "Load", err)
	}

	var raw []json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return errkind.Wrap(errkind.StoreParse, "Load", err)
	}

	rules := map[string]models.Rule{}
	var order []string
	for i, item := range raw {
		var r models.Rule
		if err := json.Unmarshal(item, &r); err != nil {
			if s.log != nil {
				s.log.Warn("skipping invalid rule entry", zap.Int("index", i), zap.Error(err))
			}
			continue
		}
		if r.ID == "" {
			r.ID = models.NewRuleID()
		}
		rules[r.ID] = r
		order = append(order, r.ID)
	}

	s.rules = rules
	s.order = order
	return nil
}

// List returns a snapshot copy of every rule, in load/insertion order.
func (s *Store) List() []models.Rule {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]models.Rule, 0, len(s.order))
	for _, id := range s.order {
		out = append(out, s.rules[id])
	}
	return out
}

// Get returns the rule with the given id.
func (s *Store) Get(id string) (models.Rule, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.rules[id]
	return r, ok
}

// Add inserts a new rule, rejecting a name that duplicates an existing
// rule's name case-insensitively, and persists the updated store.
func (s *Store) Add(r models.Rule) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, existing := range s.rules {
		if strings.EqualFold(existing.Name, r.Name) {
			return errkind.New(errkind.InvalidParameter, "Add", fmt.Sprintf("rule name %q already exists", r.Name))
		}
	}

	s.rules[r.ID] = r
	s.order = append(s.order, r.ID)
	return s.persistLocked()
}

// Replace overwrites the rule with the given id, rejecting a rename that
// collides with a different existing rule's name.
func (s *Store) Replace(id string, r models.Rule) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.rules[id]; !ok {
		return errkind.New(errkind.NotFound, "Replace", "rule not found: "+id)
	}
	for otherID, existing := range s.rules {
		if otherID != id && strings.EqualFold(existing.Name, r.Name) {
			return errkind.New(errkind.InvalidParameter, "Replace", fmt.Sprintf("rule name %q already exists", r.Name))
		}
	}

	r.ID = id
	s.rules[id] = r
	return s.persistLocked()
}

// Delete removes the rule with the given id. Deleting an id that doesn't
// exist is a no-op success, matching the idempotent-delete convention the
// teacher's repository layer uses.
func (s *Store) Delete(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.rules[id]; !ok {
		return nil
	}
	delete(s.rules, id)
	for i, existing := range s.order {
		if existing == id {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
	return s.persistLocked()
}

// persistLocked writes every rule to disk atomically (write to a temp file
// in the same directory, then rename over the destination), so a crash
// mid-write never leaves a truncated or partially-written rule file behind.
// Callers must hold s.mu.
func (s *Store) persistLocked() error {
	out := make([]models.Rule, 0, len(s.order))
	for _, id := range s.order {
		out = append(out, s.rules[id])
	}

	data, err := json.MarshalIndent(out, "", "  ")
	if err != nil {
		return errkind.Wrap(errkind.StoreIO, "persist", err)
	}

	dir := filepath.Dir(s.path)
	tmp, err := os.CreateTemp(dir, ".rules-*.tmp")
	if err != nil {
		return errkind.Wrap(errkind.StoreIO, "persist", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return errkind.Wrap(errkind.StoreIO, "persist", err)
	}
	if err := tmp.Close(); err != nil {
		return errkind.Wrap(errkind.StoreIO, "persist", err)
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		return errkind.Wrap(errkind.StoreIO, "persist", err)
	}
	return nil
}
