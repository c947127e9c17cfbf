// Package alias maps user phrases to entity IDs and remembers new
// mappings across restarts. Resolution cascades from exact alias
// lookup through fuzzy alias matching to fuzzy matching against the
// entity cache.
package alias

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/oakmere/ivy/internal/fuzzy"
	"github.com/oakmere/ivy/internal/homeassistant"
)

const (
	// Fuzzy threshold for matching against learned alias keys.
	aliasThreshold = 80
	// Fuzzy threshold for falling back to the entity cache. Looser
	// because cache names were never confirmed by the user.
	cacheThreshold = 70
)

// EntityFinder is satisfied by entitycache.Cache.
type EntityFinder interface {
	FindEntity(phrase string, threshold int) (entityID string, score int, ok bool)
}

// Resolution records how a phrase was resolved.
type Resolution struct {
	EntityID string
	// Source is "alias" for an exact hit, "alias-fuzzy" for a fuzzy
	// hit on a learned alias, or "cache" for an entity cache match.
	Source string
	Score  int
}

// Store is a persistent alias map. Keys are normalized phrases.
type Store struct {
	path   string
	logger *slog.Logger

	mu      sync.RWMutex
	aliases map[string]string
}

// NewStore creates a store backed by the given JSON file.
func NewStore(path string, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{
		path:    path,
		logger:  logger,
		aliases: make(map[string]string),
	}
}

// Load reads the alias file. A missing file leaves the store empty.
func (s *Store) Load() error {
	data, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("read aliases: %w", err)
	}

	aliases := make(map[string]string)
	if err := json.Unmarshal(data, &aliases); err != nil {
		return fmt.Errorf("parse aliases: %w", err)
	}

	s.mu.Lock()
	s.aliases = aliases
	s.mu.Unlock()

	s.logger.Debug("aliases loaded", "count", len(aliases))
	return nil
}

// save persists the alias map atomically. JSON object keys marshal in
// sorted order, so the file diffs cleanly. Caller holds the write lock.
func (s *Store) save() error {
	data, err := json.MarshalIndent(s.aliases, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal aliases: %w", err)
	}

	tmp := s.path + ".tmp"
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return fmt.Errorf("create alias dir: %w", err)
	}
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write aliases: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("replace aliases: %w", err)
	}
	return nil
}

// Resolve maps a phrase to an entity ID. The cascade tries an exact
// alias hit, then fuzzy matching over alias keys, then fuzzy matching
// against the entity cache. Cache hits are not learned automatically;
// only an explicit Learn call adds an alias.
func (s *Store) Resolve(phrase string, cache EntityFinder) (Resolution, bool) {
	key := fuzzy.Normalize(phrase)
	if key == "" {
		return Resolution{}, false
	}

	s.mu.RLock()
	if id, ok := s.aliases[key]; ok {
		s.mu.RUnlock()
		return Resolution{EntityID: id, Source: "alias", Score: 100}, true
	}

	keys := make([]string, 0, len(s.aliases))
	for k := range s.aliases {
		keys = append(keys, k)
	}
	s.mu.RUnlock()

	if best, score, ok := fuzzy.Best(key, keys); ok && score >= aliasThreshold {
		s.mu.RLock()
		id := s.aliases[best]
		s.mu.RUnlock()
		if id != "" {
			return Resolution{EntityID: id, Source: "alias-fuzzy", Score: score}, true
		}
	}

	if cache != nil {
		if id, score, ok := cache.FindEntity(key, cacheThreshold); ok {
			return Resolution{EntityID: id, Source: "cache", Score: score}, true
		}
	}

	return Resolution{}, false
}

// Learn stores an alias. Returns false when the alias already maps to
// the same entity; re-learning is idempotent and does not rewrite the
// file. Learning an existing alias to a different entity overwrites it.
func (s *Store) Learn(aliasPhrase, entityID string) (bool, error) {
	key := fuzzy.Normalize(aliasPhrase)
	if key == "" {
		return false, fmt.Errorf("empty alias")
	}
	if homeassistant.SplitEntityID(entityID) == nil {
		return false, fmt.Errorf("invalid entity ID %q", entityID)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.aliases[key]; ok && existing == entityID {
		return false, nil
	}

	s.aliases[key] = entityID
	if err := s.save(); err != nil {
		return false, err
	}

	s.logger.Info("learned alias", "alias", key, "entity_id", entityID)
	return true, nil
}

// Remove deletes an alias. Returns false when no such alias exists.
func (s *Store) Remove(aliasPhrase string) (bool, error) {
	key := fuzzy.Normalize(aliasPhrase)

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.aliases[key]; !ok {
		return false, nil
	}
	delete(s.aliases, key)
	if err := s.save(); err != nil {
		return false, err
	}

	s.logger.Info("removed alias", "alias", key)
	return true, nil
}

// All returns a copy of the alias map.
func (s *Store) All() map[string]string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make(map[string]string, len(s.aliases))
	for k, v := range s.aliases {
		out[k] = v
	}
	return out
}

// AliasesFor returns every alias pointing at an entity, sorted.
func (s *Store) AliasesFor(entityID string) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []string
	for k, v := range s.aliases {
		if v == entityID {
			out = append(out, k)
		}
	}
	sort.Strings(out)
	return out
}

// Len returns the number of stored aliases.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.aliases)
}

// Summary renders the aliases grouped by entity domain, one line per
// alias, for prompt context and the /status command.
func (s *Store) Summary() string {
	all := s.All()
	if len(all) == 0 {
		return "no aliases learned yet"
	}

	byDomain := make(map[string][]string)
	for k, v := range all {
		domain := "other"
		if parts := homeassistant.SplitEntityID(v); parts != nil {
			domain = parts[0]
		}
		byDomain[domain] = append(byDomain[domain], fmt.Sprintf("%q -> %s", k, v))
	}

	domains := make([]string, 0, len(byDomain))
	for d := range byDomain {
		domains = append(domains, d)
	}
	sort.Strings(domains)

	var b strings.Builder
	for _, d := range domains {
		lines := byDomain[d]
		sort.Strings(lines)
		fmt.Fprintf(&b, "%s:\n", d)
		for _, line := range lines {
			fmt.Fprintf(&b, "  %s\n", line)
		}
	}
	return strings.TrimRight(b.String(), "\n")
}
