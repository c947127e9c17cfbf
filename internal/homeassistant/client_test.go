package homeassistant

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return NewClient(srv.URL, "test-token", nil)
}

func TestPing(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer test-token" {
			t.Errorf("Authorization = %q", got)
		}
		json.NewEncoder(w).Encode(APIStatus{Message: "API running."})
	})

	if err := c.Ping(context.Background()); err != nil {
		t.Fatalf("Ping: %v", err)
	}
}

func TestPingUnexpectedStatus(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(APIStatus{Message: "nope"})
	})

	if err := c.Ping(context.Background()); err == nil {
		t.Fatal("Ping succeeded on unexpected status message")
	}
}

func TestGetStatesDomainFilter(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode([]State{
			{EntityID: "light.kitchen", State: "on"},
			{EntityID: "switch.fan", State: "off"},
			{EntityID: "light.bedroom", State: "off"},
			{EntityID: "malformed", State: "x"},
		})
	})

	states, err := c.GetStates(context.Background(), "light")
	if err != nil {
		t.Fatalf("GetStates: %v", err)
	}
	if len(states) != 2 {
		t.Fatalf("got %d states, want 2", len(states))
	}
	for _, s := range states {
		if s.Domain() != "light" {
			t.Errorf("unexpected entity %s", s.EntityID)
		}
	}
}

func TestCallService(t *testing.T) {
	var gotPath string
	var gotBody map[string]any
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		json.NewDecoder(r.Body).Decode(&gotBody)
		w.Write([]byte("[]"))
	})

	err := c.CallService(context.Background(), "light", "turn_on", map[string]any{
		"entity_id":  "light.kitchen",
		"brightness": 128,
	})
	if err != nil {
		t.Fatalf("CallService: %v", err)
	}
	if gotPath != "/api/services/light/turn_on" {
		t.Errorf("path = %s", gotPath)
	}
	if gotBody["entity_id"] != "light.kitchen" {
		t.Errorf("body = %v", gotBody)
	}
}

func TestAPIError(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "entity not found", http.StatusNotFound)
	})

	_, err := c.GetState(context.Background(), "light.missing")
	if err == nil {
		t.Fatal("expected error on 404")
	}
}

func TestSplitEntityID(t *testing.T) {
	tests := []struct {
		in       string
		domain   string
		objectID string
	}{
		{"light.kitchen", "light", "kitchen"},
		{"sensor.outdoor.temp", "sensor", "outdoor.temp"},
	}
	for _, tt := range tests {
		parts := SplitEntityID(tt.in)
		if parts == nil || parts[0] != tt.domain || parts[1] != tt.objectID {
			t.Errorf("SplitEntityID(%q) = %v", tt.in, parts)
		}
	}
	if SplitEntityID("nodot") != nil {
		t.Error("SplitEntityID accepted an ID without a dot")
	}
}

func TestStateFriendlyName(t *testing.T) {
	s := State{Attributes: map[string]any{"friendly_name": "Kitchen Light"}}
	if s.FriendlyName() != "Kitchen Light" {
		t.Errorf("FriendlyName = %q", s.FriendlyName())
	}
	if (State{}).FriendlyName() != "" {
		t.Error("FriendlyName on empty state should be empty")
	}
}
