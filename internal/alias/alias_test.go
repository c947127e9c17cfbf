package alias

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

type stubFinder struct {
	id    string
	score int
}

func (f stubFinder) FindEntity(phrase string, threshold int) (string, int, bool) {
	if f.id == "" || f.score < threshold {
		return "", f.score, false
	}
	return f.id, f.score, true
}

func newTestStore(t *testing.T) *Store {
	t.Helper()
	return NewStore(filepath.Join(t.TempDir(), "aliases.json"), nil)
}

func TestLearnAndResolveExact(t *testing.T) {
	s := newTestStore(t)

	added, err := s.Learn("the big lamp", "light.living_room_lamp")
	if err != nil {
		t.Fatalf("Learn: %v", err)
	}
	if !added {
		t.Error("first Learn returned added=false")
	}

	// Re-learning the same mapping is a no-op.
	added, err = s.Learn("The Big Lamp ", "light.living_room_lamp")
	if err != nil {
		t.Fatalf("Learn repeat: %v", err)
	}
	if added {
		t.Error("idempotent Learn returned added=true")
	}

	res, ok := s.Resolve("the big lamp", nil)
	if !ok || res.EntityID != "light.living_room_lamp" || res.Source != "alias" {
		t.Errorf("Resolve = %+v, ok=%v", res, ok)
	}
}

func TestResolveFuzzyAlias(t *testing.T) {
	s := newTestStore(t)
	if _, err := s.Learn("kitchen lights", "light.kitchen"); err != nil {
		t.Fatal(err)
	}

	res, ok := s.Resolve("kitchen light", nil)
	if !ok || res.EntityID != "light.kitchen" || res.Source != "alias-fuzzy" {
		t.Errorf("Resolve = %+v, ok=%v", res, ok)
	}
	if res.Score < 80 {
		t.Errorf("fuzzy alias score %d below threshold", res.Score)
	}
}

func TestResolveCacheFallback(t *testing.T) {
	s := newTestStore(t)

	res, ok := s.Resolve("front door", stubFinder{id: "lock.front_door", score: 95})
	if !ok || res.Source != "cache" || res.EntityID != "lock.front_door" {
		t.Errorf("Resolve = %+v, ok=%v", res, ok)
	}

	// Cache hits must not create aliases.
	if s.Len() != 0 {
		t.Errorf("cache resolution learned an alias: %v", s.All())
	}

	if _, ok := s.Resolve("front door", stubFinder{id: "lock.front_door", score: 50}); ok {
		t.Error("resolved below cache threshold")
	}
}

func TestResolveMiss(t *testing.T) {
	s := newTestStore(t)
	if _, ok := s.Resolve("nothing here", nil); ok {
		t.Error("resolved with empty store and no cache")
	}
	if _, ok := s.Resolve("   ", stubFinder{id: "light.x", score: 100}); ok {
		t.Error("resolved a blank phrase")
	}
}

func TestLearnRejectsBadEntityID(t *testing.T) {
	s := newTestStore(t)
	if _, err := s.Learn("lamp", "notanentity"); err == nil {
		t.Error("Learn accepted an entity ID without a domain")
	}
	if _, err := s.Learn("", "light.x"); err == nil {
		t.Error("Learn accepted an empty alias")
	}
}

func TestRemove(t *testing.T) {
	s := newTestStore(t)
	s.Learn("lamp", "light.lamp")

	removed, err := s.Remove("lamp")
	if err != nil || !removed {
		t.Fatalf("Remove = %v, %v", removed, err)
	}
	removed, err = s.Remove("lamp")
	if err != nil || removed {
		t.Errorf("second Remove = %v, %v", removed, err)
	}
}

func TestPersistenceRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "aliases.json")

	s := NewStore(path, nil)
	s.Learn("big lamp", "light.living_room_lamp")
	s.Learn("front door", "lock.front_door")

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read alias file: %v", err)
	}
	// Keys marshal sorted, so the file is diff-stable.
	if !strings.Contains(string(data), "big lamp") {
		t.Errorf("alias file missing entry:\n%s", data)
	}

	reloaded := NewStore(path, nil)
	if err := reloaded.Load(); err != nil {
		t.Fatalf("Load: %v", err)
	}
	if reloaded.Len() != 2 {
		t.Errorf("reloaded %d aliases, want 2", reloaded.Len())
	}
}

func TestAliasesForAndSummary(t *testing.T) {
	s := newTestStore(t)
	s.Learn("big lamp", "light.living_room_lamp")
	s.Learn("the lamp", "light.living_room_lamp")
	s.Learn("front door", "lock.front_door")

	got := s.AliasesFor("light.living_room_lamp")
	if len(got) != 2 || got[0] != "big lamp" || got[1] != "the lamp" {
		t.Errorf("AliasesFor = %v", got)
	}

	sum := s.Summary()
	if !strings.Contains(sum, "light:") || !strings.Contains(sum, "lock:") {
		t.Errorf("Summary missing domain groups:\n%s", sum)
	}

	empty := newTestStore(t)
	if !strings.Contains(empty.Summary(), "no aliases") {
		t.Errorf("empty Summary = %q", empty.Summary())
	}
}
