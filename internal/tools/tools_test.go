package tools

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/oakmere/ivy/internal/alias"
	"github.com/oakmere/ivy/internal/entitycache"
	"github.com/oakmere/ivy/internal/homeassistant"
)

// fakeHA records calls and returns canned states.
type fakeHA struct {
	calls  []string
	states map[string]*homeassistant.State
	err    error
}

func (f *fakeHA) GetState(ctx context.Context, id string) (*homeassistant.State, error) {
	if f.err != nil {
		return nil, f.err
	}
	if s, ok := f.states[id]; ok {
		return s, nil
	}
	return nil, errors.New("not found")
}

func (f *fakeHA) GetStates(ctx context.Context, domain string) ([]homeassistant.State, error) {
	var out []homeassistant.State
	for _, s := range f.states {
		if domain == "" || s.Domain() == domain {
			out = append(out, *s)
		}
	}
	return out, nil
}

func (f *fakeHA) CallService(ctx context.Context, domain, service string, data map[string]any) error {
	f.calls = append(f.calls, "call:"+domain+"."+service)
	return f.err
}

func (f *fakeHA) TurnOn(ctx context.Context, id string, data map[string]any) error {
	call := "turn_on:" + id
	if data != nil {
		call += ":with_data"
	}
	f.calls = append(f.calls, call)
	return f.err
}

func (f *fakeHA) TurnOff(ctx context.Context, id string) error {
	f.calls = append(f.calls, "turn_off:"+id)
	return f.err
}

func (f *fakeHA) Toggle(ctx context.Context, id string) error {
	f.calls = append(f.calls, "toggle:"+id)
	return f.err
}

func (f *fakeHA) Lock(ctx context.Context, id string) error {
	f.calls = append(f.calls, "lock:"+id)
	return f.err
}

func (f *fakeHA) Unlock(ctx context.Context, id string) error {
	f.calls = append(f.calls, "unlock:"+id)
	return f.err
}

func (f *fakeHA) SetTemperature(ctx context.Context, id string, temp float64) error {
	f.calls = append(f.calls, "set_temperature:"+id)
	return f.err
}

func (f *fakeHA) GetHistory(ctx context.Context, id string, since time.Time) ([]homeassistant.State, error) {
	return nil, f.err
}

func (f *fakeHA) TriggerAutomation(ctx context.Context, id string) error {
	f.calls = append(f.calls, "trigger:"+id)
	return f.err
}

func (f *fakeHA) CreateAutomation(ctx context.Context, id string, cfg homeassistant.AutomationConfig) error {
	f.calls = append(f.calls, "create_automation:"+id)
	return f.err
}

func (f *fakeHA) ListAutomations(ctx context.Context) ([]homeassistant.State, error) {
	return f.GetStates(ctx, "automation")
}

func (f *fakeHA) DeleteAutomation(ctx context.Context, id string) error {
	f.calls = append(f.calls, "delete_automation:"+id)
	return f.err
}

// fakeCache is a fixed entity table.
type fakeCache struct {
	entities map[string]entitycache.Entity
}

func (f *fakeCache) Entity(id string) (entitycache.Entity, bool) {
	e, ok := f.entities[id]
	return e, ok
}

func (f *fakeCache) Entities(domain string) []entitycache.Entity {
	var out []entitycache.Entity
	for _, e := range f.entities {
		if domain == "" || e.Domain == domain {
			out = append(out, e)
		}
	}
	return out
}

func (f *fakeCache) Areas() map[string]string {
	return map[string]string{"kitchen": "Kitchen"}
}

func (f *fakeCache) FindEntity(phrase string, threshold int) (string, int, bool) {
	for id, e := range f.entities {
		if strings.EqualFold(e.Name, phrase) {
			return id, 100, true
		}
	}
	return "", 0, false
}

func newTestRegistry(t *testing.T) (*Registry, *fakeHA) {
	t.Helper()
	ha := &fakeHA{states: map[string]*homeassistant.State{
		"light.kitchen": {EntityID: "light.kitchen", State: "on",
			Attributes: map[string]any{"friendly_name": "Kitchen Light"}},
		"lock.front_door": {EntityID: "lock.front_door", State: "locked"},
		"binary_sensor.front_door": {EntityID: "binary_sensor.front_door", State: "off",
			Attributes: map[string]any{"friendly_name": "Front Door"}},
	}}
	cache := &fakeCache{entities: map[string]entitycache.Entity{
		"light.kitchen":            {EntityID: "light.kitchen", Name: "Kitchen Light", Domain: "light"},
		"lock.front_door":          {EntityID: "lock.front_door", Name: "lock.front_door", Domain: "lock"},
		"binary_sensor.front_door": {EntityID: "binary_sensor.front_door", Name: "Front Door", Domain: "binary_sensor"},
	}}
	aliases := alias.NewStore(filepath.Join(t.TempDir(), "aliases.json"), nil)
	return NewRegistry(ha, cache, aliases, nil), ha
}

func TestExecuteTurnOnByName(t *testing.T) {
	r, ha := newTestRegistry(t)

	out := r.Execute(context.Background(), "turn_on", map[string]any{"entity": "kitchen light"})
	if strings.Contains(out, "error") {
		t.Fatalf("turn_on failed: %s", out)
	}
	if len(ha.calls) != 1 || ha.calls[0] != "turn_on:light.kitchen" {
		t.Errorf("calls = %v", ha.calls)
	}
}

func TestExecuteTurnOnBrightness(t *testing.T) {
	r, ha := newTestRegistry(t)

	r.Execute(context.Background(), "turn_on", map[string]any{
		"entity":         "light.kitchen",
		"brightness_pct": float64(50),
	})
	if len(ha.calls) != 1 || !strings.Contains(ha.calls[0], "with_data") {
		t.Errorf("brightness not passed through: %v", ha.calls)
	}
}

func TestExecuteUnknownEntityIsErrorPayload(t *testing.T) {
	r, _ := newTestRegistry(t)

	out := r.Execute(context.Background(), "turn_off", map[string]any{"entity": "the moon"})
	if !strings.Contains(out, `"error"`) {
		t.Errorf("expected error payload, got %q", out)
	}
}

func TestExecuteUnknownTool(t *testing.T) {
	r, _ := newTestRegistry(t)
	out := r.Execute(context.Background(), "no_such_tool", nil)
	if !strings.Contains(out, `"error"`) {
		t.Errorf("expected error payload, got %q", out)
	}
}

func TestCallServiceWithEntity(t *testing.T) {
	r, ha := newTestRegistry(t)

	out := r.Execute(context.Background(), "call_service", map[string]any{
		"domain": "light", "service": "turn_on", "entity": "light.kitchen",
	})
	if !strings.Contains(out, "light.turn_on") {
		t.Errorf("out = %q", out)
	}
	if len(ha.calls) != 1 || ha.calls[0] != "call:light.turn_on" {
		t.Errorf("calls = %v", ha.calls)
	}
}

func TestCallServiceWithoutEntity(t *testing.T) {
	// Services like homeassistant.restart take no entity at all.
	r, ha := newTestRegistry(t)

	out := r.Execute(context.Background(), "call_service", map[string]any{
		"domain": "homeassistant", "service": "restart",
	})
	if strings.Contains(out, "error") {
		t.Errorf("out = %q", out)
	}
	if len(ha.calls) != 1 || ha.calls[0] != "call:homeassistant.restart" {
		t.Errorf("calls = %v", ha.calls)
	}
}

func TestLockCoercion(t *testing.T) {
	r, ha := newTestRegistry(t)

	// "front door" resolves to the binary_sensor by name; the lock
	// tool must coerce it to lock.front_door.
	out := r.Execute(context.Background(), "lock_door", map[string]any{"entity": "front door"})
	if strings.Contains(out, "error") {
		t.Fatalf("lock_door failed: %s", out)
	}
	if len(ha.calls) != 1 || ha.calls[0] != "lock:lock.front_door" {
		t.Errorf("calls = %v", ha.calls)
	}
}

func TestLockRejectsNonLock(t *testing.T) {
	r, _ := newTestRegistry(t)
	out := r.Execute(context.Background(), "lock_door", map[string]any{"entity": "kitchen light"})
	if !strings.Contains(out, "not a lock") {
		t.Errorf("expected not-a-lock error, got %q", out)
	}
}

func TestSaveAliasValidatesEntity(t *testing.T) {
	r, _ := newTestRegistry(t)

	out := r.Execute(context.Background(), "save_entity_alias", map[string]any{
		"alias": "the lamp", "entity_id": "light.nonexistent",
	})
	if !strings.Contains(out, `"error"`) {
		t.Errorf("alias saved for unknown entity: %q", out)
	}

	out = r.Execute(context.Background(), "save_entity_alias", map[string]any{
		"alias": "the lamp", "entity_id": "light.kitchen",
	})
	if !strings.Contains(out, "Learned") {
		t.Errorf("save_entity_alias = %q", out)
	}

	// The new alias resolves immediately.
	out = r.Execute(context.Background(), "toggle", map[string]any{"entity": "the lamp"})
	if strings.Contains(out, "error") {
		t.Errorf("alias did not resolve: %q", out)
	}
}

func TestDefsGroupFilter(t *testing.T) {
	r, _ := newTestRegistry(t)

	defs := r.Defs(map[string]bool{GroupCore: true})
	names := make(map[string]bool)
	for _, d := range defs {
		names[d.Name] = true
	}
	if !names["turn_on"] || !names["get_entity_state"] {
		t.Errorf("core tools missing: %v", names)
	}
	if names["lock_door"] || names["set_climate"] {
		t.Errorf("gated tools leaked into core: %v", names)
	}

	all := r.Defs(map[string]bool{
		GroupCore: true, GroupQuery: true, GroupLocks: true,
		GroupClimate: true, GroupAutomation: true, GroupAliases: true, GroupAdvanced: true,
	})
	if len(all) <= len(defs) {
		t.Errorf("full def list (%d) not larger than core (%d)", len(all), len(defs))
	}
	// Stable ordering for prompt caching.
	for i := 1; i < len(all); i++ {
		if all[i-1].Name >= all[i].Name {
			t.Errorf("defs not sorted: %s >= %s", all[i-1].Name, all[i].Name)
		}
	}
}
