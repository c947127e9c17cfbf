package intent

import (
	"context"
	"errors"
	"math/rand"
	"strings"
	"testing"

	"github.com/oakmere/ivy/internal/entitycache"
	"github.com/oakmere/ivy/internal/homeassistant"
)

type fakeController struct {
	calls []string
	err   error
	state *homeassistant.State
}

func (f *fakeController) GetState(ctx context.Context, id string) (*homeassistant.State, error) {
	f.calls = append(f.calls, "get_state:"+id)
	return f.state, f.err
}

func (f *fakeController) TurnOn(ctx context.Context, id string, data map[string]any) error {
	f.calls = append(f.calls, "turn_on:"+id)
	return f.err
}

func (f *fakeController) TurnOff(ctx context.Context, id string) error {
	f.calls = append(f.calls, "turn_off:"+id)
	return f.err
}

func (f *fakeController) Toggle(ctx context.Context, id string) error {
	f.calls = append(f.calls, "toggle:"+id)
	return f.err
}

func (f *fakeController) Lock(ctx context.Context, id string) error {
	f.calls = append(f.calls, "lock:"+id)
	return f.err
}

func (f *fakeController) Unlock(ctx context.Context, id string) error {
	f.calls = append(f.calls, "unlock:"+id)
	return f.err
}

func (f *fakeController) SetTemperature(ctx context.Context, id string, temp float64) error {
	f.calls = append(f.calls, "set_temperature:"+id)
	return f.err
}

func climateCache() *fakeCache {
	c := testCache()
	c.entities["climate.hallway"] = entitycache.Entity{
		EntityID: "climate.hallway", Name: "Hallway Thermostat", Domain: "climate",
	}
	return c
}

type fakeLearner struct {
	learned map[string]string
}

func (f *fakeLearner) Learn(phrase, entityID string) (bool, error) {
	if f.learned == nil {
		f.learned = map[string]string{}
	}
	f.learned[phrase] = entityID
	return true, nil
}

func newTestExecutor(ha *fakeController, cache Cache) *Executor {
	return NewExecutor(ha, cache, nil, rand.New(rand.NewSource(1)), nil)
}

func TestExecuteTurnOnConfirms(t *testing.T) {
	ha := &fakeController{}
	x := newTestExecutor(ha, testCache())

	reply, handled := x.Execute(context.Background(), Intent{
		Action: "turn_on", EntityID: "light.kitchen", Confidence: 0.95,
	})
	if !handled {
		t.Fatal("turn_on not handled")
	}
	if !strings.Contains(reply, "Kitchen Light") {
		t.Errorf("confirmation does not name the entity: %q", reply)
	}
	if len(ha.calls) != 1 || ha.calls[0] != "turn_on:light.kitchen" {
		t.Errorf("calls = %v", ha.calls)
	}
}

func TestExecuteFailureNamesVerbAndEntity(t *testing.T) {
	ha := &fakeController{err: errors.New("Post http://ha:8123/api: connection refused")}
	x := newTestExecutor(ha, testCache())

	reply, handled := x.Execute(context.Background(), Intent{
		Action: "turn_off", EntityID: "light.kitchen",
	})
	if !handled {
		t.Fatal("not handled")
	}
	for _, want := range []string{"turn off", "Kitchen Light", "try again"} {
		if !strings.Contains(reply, want) {
			t.Errorf("failure reply %q missing %q", reply, want)
		}
	}
	// The raw API error stays in the logs, not the chat.
	if strings.Contains(reply, "connection refused") || strings.Contains(reply, "http://") {
		t.Errorf("failure reply leaks the downstream error: %q", reply)
	}
}

func TestExecuteLockCoercion(t *testing.T) {
	ha := &fakeController{}
	cache := testCache()
	cache.entities["binary_sensor.front_door"] = entitycache.Entity{
		EntityID: "binary_sensor.front_door", Name: "Front Door Sensor", Domain: "binary_sensor",
	}
	x := newTestExecutor(ha, cache)

	_, handled := x.Execute(context.Background(), Intent{
		Action: "lock", EntityID: "binary_sensor.front_door",
	})
	if !handled {
		t.Fatal("lock not handled")
	}
	if len(ha.calls) != 1 || ha.calls[0] != "lock:lock.front_door" {
		t.Errorf("calls = %v", ha.calls)
	}
}

func TestExecuteLockCoercesUncachedEntity(t *testing.T) {
	// No lock.kitchen in the cache; the call still goes out with the
	// lock prefix and Home Assistant is the judge.
	ha := &fakeController{}
	x := newTestExecutor(ha, testCache())

	_, handled := x.Execute(context.Background(), Intent{
		Action: "unlock", EntityID: "light.kitchen",
	})
	if !handled {
		t.Fatal("not handled")
	}
	if len(ha.calls) != 1 || ha.calls[0] != "unlock:lock.kitchen" {
		t.Errorf("calls = %v", ha.calls)
	}
}

func TestExecuteLockCoercesBareObjectID(t *testing.T) {
	ha := &fakeController{}
	x := newTestExecutor(ha, testCache())

	_, handled := x.Execute(context.Background(), Intent{
		Action: "lock", EntityID: "front_door",
	})
	if !handled {
		t.Fatal("not handled")
	}
	if len(ha.calls) != 1 || ha.calls[0] != "lock:lock.front_door" {
		t.Errorf("calls = %v", ha.calls)
	}
}

func TestExecuteSetClimate(t *testing.T) {
	ha := &fakeController{}
	x := newTestExecutor(ha, climateCache())

	reply, _ := x.Execute(context.Background(), Intent{
		Action: "set_climate", EntityID: "climate.hallway",
		Parameters: map[string]any{"temperature": 68.0},
	})
	if !strings.Contains(reply, "68") {
		t.Errorf("reply = %q", reply)
	}
	if ha.calls[0] != "set_temperature:climate.hallway" {
		t.Errorf("calls = %v", ha.calls)
	}
}

func TestExecuteSetClimateStringTemperature(t *testing.T) {
	ha := &fakeController{}
	x := newTestExecutor(ha, climateCache())

	reply, _ := x.Execute(context.Background(), Intent{
		Action: "set_climate", EntityID: "climate.hallway",
		Parameters: map[string]any{"temperature": "72"},
	})
	if !strings.Contains(reply, "72") {
		t.Errorf("reply = %q", reply)
	}
}

func TestExecuteSetClimateFallsBackToFirstThermostat(t *testing.T) {
	ha := &fakeController{}
	x := newTestExecutor(ha, climateCache())

	// Extraction picked a sensor; the executor retargets the thermostat.
	x.Execute(context.Background(), Intent{
		Action: "set_climate", EntityID: "light.kitchen",
		Parameters: map[string]any{"temperature": 70.0},
	})
	if len(ha.calls) != 1 || ha.calls[0] != "set_temperature:climate.hallway" {
		t.Errorf("calls = %v", ha.calls)
	}
}

func TestExecuteSetClimateMissingTemperature(t *testing.T) {
	ha := &fakeController{}
	x := newTestExecutor(ha, climateCache())

	reply, _ := x.Execute(context.Background(), Intent{
		Action: "set_climate", EntityID: "climate.hallway",
	})
	if !strings.Contains(reply, "temperature") {
		t.Errorf("reply = %q", reply)
	}
	if len(ha.calls) != 0 {
		t.Errorf("called HA without a temperature: %v", ha.calls)
	}
}

func TestExecuteGetStateAppendsUnit(t *testing.T) {
	ha := &fakeController{state: &homeassistant.State{
		EntityID: "sensor.outdoor", State: "21.5",
		Attributes: map[string]any{"unit_of_measurement": "°C"},
	}}
	cache := testCache()
	cache.entities["sensor.outdoor"] = entitycache.Entity{
		EntityID: "sensor.outdoor", Name: "Outdoor Temperature", Domain: "sensor",
	}
	x := newTestExecutor(ha, cache)

	reply, _ := x.Execute(context.Background(), Intent{
		Action: "get_state", EntityID: "sensor.outdoor",
	})
	if reply != "Outdoor Temperature is 21.5 °C." {
		t.Errorf("reply = %q", reply)
	}
}

func TestExecutePrefersPrerenderedResponse(t *testing.T) {
	ha := &fakeController{}
	x := newTestExecutor(ha, testCache())

	reply, _ := x.Execute(context.Background(), Intent{
		Action: "turn_on", EntityID: "light.kitchen",
		Response: "Kitchen light coming right up!",
	})
	if reply != "Kitchen light coming right up!" {
		t.Errorf("reply = %q", reply)
	}
}

func TestExecuteFailureIgnoresPrerenderedResponse(t *testing.T) {
	ha := &fakeController{err: errors.New("unavailable")}
	x := newTestExecutor(ha, testCache())

	reply, _ := x.Execute(context.Background(), Intent{
		Action: "turn_on", EntityID: "light.kitchen",
		Response: "Kitchen light coming right up!",
	})
	if !strings.Contains(reply, "Sorry") {
		t.Errorf("failed call confirmed anyway: %q", reply)
	}
}

func TestExecuteSavesAlias(t *testing.T) {
	ha := &fakeController{}
	learner := &fakeLearner{}
	x := NewExecutor(ha, testCache(), learner, rand.New(rand.NewSource(1)), nil)

	x.Execute(context.Background(), Intent{
		Action: "turn_on", EntityID: "light.kitchen",
		AliasToSave: "big lamp",
	})
	if learner.learned["big lamp"] != "light.kitchen" {
		t.Errorf("learned = %v", learner.learned)
	}
}

func TestExecuteFailedCallDoesNotSaveAlias(t *testing.T) {
	ha := &fakeController{err: errors.New("unavailable")}
	learner := &fakeLearner{}
	x := NewExecutor(ha, testCache(), learner, rand.New(rand.NewSource(1)), nil)

	x.Execute(context.Background(), Intent{
		Action: "turn_on", EntityID: "light.kitchen",
		AliasToSave: "big lamp",
	})
	if len(learner.learned) != 0 {
		t.Errorf("alias saved for a failed call: %v", learner.learned)
	}
}

func TestExecuteUnhandledAction(t *testing.T) {
	x := newTestExecutor(&fakeController{}, testCache())
	if _, handled := x.Execute(context.Background(), Intent{Action: "compose_poem"}); handled {
		t.Error("unknown action reported as handled")
	}
	if _, handled := x.Execute(context.Background(), Intent{Action: "turn_on", NeedsFullAgent: true}); handled {
		t.Error("agent-routed intent executed directly")
	}
}
