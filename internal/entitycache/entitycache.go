// Package entitycache maintains a local snapshot of the Home Assistant
// entity, service, area, and device registries. The snapshot persists
// to a JSON file so the assistant can resolve names immediately after
// a restart, and refreshes from Home Assistant on a configurable
// interval.
package entitycache

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/oakmere/ivy/internal/fuzzy"
	"github.com/oakmere/ivy/internal/homeassistant"
)

// Priority domains appear first in directory summaries and get a
// larger per-domain slot allowance.
var priorityDomains = []string{"light", "switch", "lock", "sensor", "climate", "cover", "fan"}

const (
	prioritySlots   = 15
	otherSlots      = 5
	otherDomainsMax = 5
)

// Entity is one cached entity.
type Entity struct {
	EntityID string `json:"entity_id"`
	Name     string `json:"name"`
	Domain   string `json:"domain"`
	AreaID   string `json:"area_id,omitempty"`
	State    string `json:"state,omitempty"`
}

// Source provides the registry data a refresh needs. The REST and
// WebSocket clients together satisfy it; see homeassistant.Registry.
type Source interface {
	GetStates(ctx context.Context, domain string) ([]homeassistant.State, error)
	GetServices(ctx context.Context) ([]homeassistant.ServiceDomain, error)
	EntityRegistry(ctx context.Context) ([]homeassistant.EntityRegistryEntry, error)
	AreaRegistry(ctx context.Context) ([]homeassistant.Area, error)
	DeviceRegistry(ctx context.Context) ([]homeassistant.Device, error)
}

// snapshot is the persisted cache file format.
type snapshot struct {
	Entities    map[string]Entity   `json:"entities"`
	Services    map[string][]string `json:"services"`
	Areas       map[string]string   `json:"areas"`
	Devices     map[string]string   `json:"devices"`
	LastRefresh time.Time           `json:"last_refresh"`
}

// Cache holds the snapshot and guards concurrent access. At most one
// refresh runs at a time; overlapping calls return immediately.
type Cache struct {
	path            string
	refreshInterval time.Duration
	logger          *slog.Logger

	mu         sync.RWMutex
	snap       snapshot
	refreshing atomic.Bool
}

// New creates a cache backed by the given file. The file does not need
// to exist yet; call Load to read a previous snapshot.
func New(path string, refreshInterval time.Duration, logger *slog.Logger) *Cache {
	if logger == nil {
		logger = slog.Default()
	}
	return &Cache{
		path:            path,
		refreshInterval: refreshInterval,
		logger:          logger,
		snap:            emptySnapshot(),
	}
}

func emptySnapshot() snapshot {
	return snapshot{
		Entities: make(map[string]Entity),
		Services: make(map[string][]string),
		Areas:    make(map[string]string),
		Devices:  make(map[string]string),
	}
}

// Load reads the snapshot file. A missing file is not an error; the
// cache simply starts empty and NeedsRefresh reports true.
func (c *Cache) Load() error {
	data, err := os.ReadFile(c.path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("read cache: %w", err)
	}

	var snap snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return fmt.Errorf("parse cache: %w", err)
	}
	if snap.Entities == nil {
		snap.Entities = make(map[string]Entity)
	}

	c.mu.Lock()
	c.snap = snap
	c.mu.Unlock()

	c.logger.Debug("entity cache loaded",
		"entities", len(snap.Entities),
		"last_refresh", snap.LastRefresh)
	return nil
}

// save writes the snapshot atomically. Callers hold at least a read lock.
func (c *Cache) save(snap snapshot) error {
	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal cache: %w", err)
	}

	tmp := c.path + ".tmp"
	if err := os.MkdirAll(filepath.Dir(c.path), 0o755); err != nil {
		return fmt.Errorf("create cache dir: %w", err)
	}
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write cache: %w", err)
	}
	if err := os.Rename(tmp, c.path); err != nil {
		return fmt.Errorf("replace cache: %w", err)
	}
	return nil
}

// NeedsRefresh reports whether the snapshot is empty or older than the
// refresh interval.
func (c *Cache) NeedsRefresh() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if len(c.snap.Entities) == 0 {
		return true
	}
	return time.Since(c.snap.LastRefresh) > c.refreshInterval
}

// Refresh rebuilds the snapshot from Home Assistant. The swap is
// all-or-nothing: any fetch failure leaves the previous snapshot in
// place. A refresh already in progress makes this call a no-op.
func (c *Cache) Refresh(ctx context.Context, src Source) error {
	if !c.refreshing.CompareAndSwap(false, true) {
		c.logger.Debug("refresh already in progress, skipping")
		return nil
	}
	defer c.refreshing.Store(false)

	start := time.Now()

	states, err := src.GetStates(ctx, "")
	if err != nil {
		return fmt.Errorf("fetch states: %w", err)
	}
	serviceDomains, err := src.GetServices(ctx)
	if err != nil {
		return fmt.Errorf("fetch services: %w", err)
	}
	registry, err := src.EntityRegistry(ctx)
	if err != nil {
		return fmt.Errorf("fetch entity registry: %w", err)
	}
	areas, err := src.AreaRegistry(ctx)
	if err != nil {
		return fmt.Errorf("fetch area registry: %w", err)
	}
	devices, err := src.DeviceRegistry(ctx)
	if err != nil {
		return fmt.Errorf("fetch device registry: %w", err)
	}

	snap := emptySnapshot()
	snap.LastRefresh = time.Now()

	areaFor := make(map[string]string, len(registry))
	disabled := make(map[string]bool)
	for _, e := range registry {
		areaFor[e.EntityID] = e.AreaID
		if e.IsDisabled() {
			disabled[e.EntityID] = true
		}
	}

	for _, s := range states {
		if disabled[s.EntityID] {
			continue
		}
		domain := s.Domain()
		if domain == "" {
			continue
		}
		name := s.FriendlyName()
		if name == "" {
			name = s.EntityID
		}
		snap.Entities[s.EntityID] = Entity{
			EntityID: s.EntityID,
			Name:     name,
			Domain:   domain,
			AreaID:   areaFor[s.EntityID],
			State:    s.State,
		}
	}

	for _, sd := range serviceDomains {
		names := make([]string, 0, len(sd.Services))
		for name := range sd.Services {
			names = append(names, name)
		}
		sort.Strings(names)
		snap.Services[sd.Domain] = names
	}

	for _, a := range areas {
		snap.Areas[a.AreaID] = a.Name
	}
	for _, d := range devices {
		snap.Devices[d.ID] = d.DisplayName()
	}

	c.mu.Lock()
	c.snap = snap
	c.mu.Unlock()

	if err := c.save(snap); err != nil {
		c.logger.Error("failed to persist entity cache", "error", err)
	}

	c.logger.Info("entity cache refreshed",
		"entities", len(snap.Entities),
		"areas", len(snap.Areas),
		"devices", len(snap.Devices),
		"elapsed", time.Since(start))
	return nil
}

// Entity returns the cached entity for an exact ID.
func (c *Cache) Entity(entityID string) (Entity, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.snap.Entities[entityID]
	return e, ok
}

// Entities returns all cached entities in a domain, sorted by ID.
func (c *Cache) Entities(domain string) []Entity {
	c.mu.RLock()
	defer c.mu.RUnlock()

	var out []Entity
	for _, e := range c.snap.Entities {
		if domain == "" || e.Domain == domain {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].EntityID < out[j].EntityID })
	return out
}

// Len returns the number of cached entities.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.snap.Entities)
}

// LastRefresh returns when the snapshot was last rebuilt.
func (c *Cache) LastRefresh() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.snap.LastRefresh
}

// Areas returns the area ID to name mapping.
func (c *Cache) Areas() map[string]string {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make(map[string]string, len(c.snap.Areas))
	for k, v := range c.snap.Areas {
		out[k] = v
	}
	return out
}

// FindEntity fuzzy-matches a phrase against cached entities and
// returns the best entity ID at or above the threshold. Both the
// friendly name and the object part of the entity ID (underscores
// read as spaces) count as match candidates, so "kitchen light"
// finds light.kitchen_light even without a friendly name.
func (c *Cache) FindEntity(phrase string, threshold int) (entityID string, score int, ok bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	phrase = fuzzy.Normalize(phrase)
	best := -1
	for id, e := range c.snap.Entities {
		s := fuzzy.Ratio(phrase, e.Name)
		if parts := homeassistant.SplitEntityID(id); parts != nil {
			object := strings.ReplaceAll(parts[1], "_", " ")
			if os := fuzzy.Ratio(phrase, object); os > s {
				s = os
			}
		}
		if s > best {
			best, entityID = s, id
		}
	}

	if best < threshold {
		return "", best, false
	}
	return entityID, best, true
}

// Summary renders a compact entity directory for prompts. Priority
// domains come first with up to 15 entries each; at most 5 other
// domains follow with up to 5 entries each.
func (c *Cache) Summary() string {
	c.mu.RLock()
	defer c.mu.RUnlock()

	byDomain := make(map[string][]Entity)
	for _, e := range c.snap.Entities {
		byDomain[e.Domain] = append(byDomain[e.Domain], e)
	}
	for _, list := range byDomain {
		sort.Slice(list, func(i, j int) bool { return list[i].EntityID < list[j].EntityID })
	}

	var b strings.Builder
	seen := make(map[string]bool)

	writeDomain := func(domain string, limit int) {
		list := byDomain[domain]
		if len(list) == 0 {
			return
		}
		fmt.Fprintf(&b, "%s (%d):\n", domain, len(list))
		for i, e := range list {
			if i >= limit {
				fmt.Fprintf(&b, "  ... and %d more\n", len(list)-limit)
				break
			}
			fmt.Fprintf(&b, "  %s: %s\n", e.EntityID, e.Name)
		}
	}

	for _, d := range priorityDomains {
		writeDomain(d, prioritySlots)
		seen[d] = true
	}

	var others []string
	for d := range byDomain {
		if !seen[d] {
			others = append(others, d)
		}
	}
	sort.Strings(others)
	if len(others) > otherDomainsMax {
		others = others[:otherDomainsMax]
	}
	for _, d := range others {
		writeDomain(d, otherSlots)
	}

	return b.String()
}
