package entitycache

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/oakmere/ivy/internal/homeassistant"
)

type fakeSource struct {
	states   []homeassistant.State
	registry []homeassistant.EntityRegistryEntry
	areas    []homeassistant.Area
	devices  []homeassistant.Device
	failOn   string
}

func (f *fakeSource) GetStates(ctx context.Context, domain string) ([]homeassistant.State, error) {
	if f.failOn == "states" {
		return nil, errors.New("boom")
	}
	return f.states, nil
}

func (f *fakeSource) GetServices(ctx context.Context) ([]homeassistant.ServiceDomain, error) {
	if f.failOn == "services" {
		return nil, errors.New("boom")
	}
	return []homeassistant.ServiceDomain{
		{Domain: "light", Services: map[string]homeassistant.ServiceDetail{
			"turn_on": {}, "turn_off": {},
		}},
	}, nil
}

func (f *fakeSource) EntityRegistry(ctx context.Context) ([]homeassistant.EntityRegistryEntry, error) {
	if f.failOn == "entity_registry" {
		return nil, errors.New("boom")
	}
	return f.registry, nil
}

func (f *fakeSource) AreaRegistry(ctx context.Context) ([]homeassistant.Area, error) {
	return f.areas, nil
}

func (f *fakeSource) DeviceRegistry(ctx context.Context) ([]homeassistant.Device, error) {
	return f.devices, nil
}

func testSource() *fakeSource {
	return &fakeSource{
		states: []homeassistant.State{
			{EntityID: "light.kitchen", State: "on",
				Attributes: map[string]any{"friendly_name": "Kitchen Light"}},
			{EntityID: "light.bedroom_lamp", State: "off"},
			{EntityID: "lock.front_door", State: "locked",
				Attributes: map[string]any{"friendly_name": "Front Door"}},
			{EntityID: "sensor.disabled_one", State: "unknown"},
		},
		registry: []homeassistant.EntityRegistryEntry{
			{EntityID: "light.kitchen", AreaID: "kitchen"},
			{EntityID: "sensor.disabled_one", DisabledBy: "user"},
		},
		areas: []homeassistant.Area{{AreaID: "kitchen", Name: "Kitchen"}},
	}
}

func newTestCache(t *testing.T) *Cache {
	t.Helper()
	return New(filepath.Join(t.TempDir(), "cache.json"), 6*time.Hour, nil)
}

func TestRefreshAndFind(t *testing.T) {
	c := newTestCache(t)
	if !c.NeedsRefresh() {
		t.Error("empty cache should need refresh")
	}

	if err := c.Refresh(context.Background(), testSource()); err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	if c.NeedsRefresh() {
		t.Error("fresh cache should not need refresh")
	}
	if c.Len() != 3 {
		t.Fatalf("Len = %d, want 3 (disabled entity excluded)", c.Len())
	}

	// Match on friendly name.
	id, score, ok := c.FindEntity("kitchen light", 70)
	if !ok || id != "light.kitchen" {
		t.Errorf("FindEntity(kitchen light) = %q %d %v", id, score, ok)
	}

	// Match on the entity ID object part when there is no friendly name.
	id, _, ok = c.FindEntity("bedroom lamp", 70)
	if !ok || id != "light.bedroom_lamp" {
		t.Errorf("FindEntity(bedroom lamp) = %q", id)
	}

	if _, _, ok := c.FindEntity("garage door opener", 70); ok {
		t.Error("FindEntity matched a phrase with nothing close")
	}
}

func TestRefreshAllOrNothing(t *testing.T) {
	c := newTestCache(t)
	if err := c.Refresh(context.Background(), testSource()); err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	before := c.Len()

	src := testSource()
	src.failOn = "entity_registry"
	if err := c.Refresh(context.Background(), src); err == nil {
		t.Fatal("Refresh succeeded despite registry failure")
	}
	if c.Len() != before {
		t.Errorf("failed refresh modified the snapshot: %d -> %d", before, c.Len())
	}
}

func TestLoadRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "cache.json")

	c := New(path, 6*time.Hour, nil)
	if err := c.Refresh(context.Background(), testSource()); err != nil {
		t.Fatalf("Refresh: %v", err)
	}

	reloaded := New(path, 6*time.Hour, nil)
	if err := reloaded.Load(); err != nil {
		t.Fatalf("Load: %v", err)
	}
	if reloaded.Len() != c.Len() {
		t.Errorf("reloaded %d entities, want %d", reloaded.Len(), c.Len())
	}
	e, ok := reloaded.Entity("light.kitchen")
	if !ok || e.Name != "Kitchen Light" || e.AreaID != "kitchen" {
		t.Errorf("Entity = %+v, ok=%v", e, ok)
	}
}

func TestLoadMissingFile(t *testing.T) {
	c := New(filepath.Join(t.TempDir(), "nope.json"), time.Hour, nil)
	if err := c.Load(); err != nil {
		t.Fatalf("Load of missing file: %v", err)
	}
	if !c.NeedsRefresh() {
		t.Error("cache without a file should need refresh")
	}
}

func TestSummary(t *testing.T) {
	c := newTestCache(t)
	if err := c.Refresh(context.Background(), testSource()); err != nil {
		t.Fatalf("Refresh: %v", err)
	}

	s := c.Summary()
	if !strings.Contains(s, "light.kitchen: Kitchen Light") {
		t.Errorf("summary missing kitchen light:\n%s", s)
	}
	if !strings.Contains(s, "lock (1):") {
		t.Errorf("summary missing lock domain:\n%s", s)
	}
	if strings.Contains(s, "disabled_one") {
		t.Errorf("summary includes disabled entity:\n%s", s)
	}
}

func TestEntitiesDomainFilter(t *testing.T) {
	c := newTestCache(t)
	if err := c.Refresh(context.Background(), testSource()); err != nil {
		t.Fatalf("Refresh: %v", err)
	}

	lights := c.Entities("light")
	if len(lights) != 2 {
		t.Fatalf("got %d lights, want 2", len(lights))
	}
	if lights[0].EntityID != "light.bedroom_lamp" {
		t.Errorf("entities not sorted: %+v", lights)
	}
}
