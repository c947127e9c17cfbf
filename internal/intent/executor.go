package intent

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"strconv"
	"strings"
	"time"

	"github.com/oakmere/ivy/internal/homeassistant"
)

// Controller is the slice of the Home Assistant client the executor
// needs. Satisfied by homeassistant.Client.
type Controller interface {
	GetState(ctx context.Context, entityID string) (*homeassistant.State, error)
	TurnOn(ctx context.Context, entityID string, data map[string]any) error
	TurnOff(ctx context.Context, entityID string) error
	Toggle(ctx context.Context, entityID string) error
	Lock(ctx context.Context, entityID string) error
	Unlock(ctx context.Context, entityID string) error
	SetTemperature(ctx context.Context, entityID string, temperature float64) error
}

// AliasLearner persists device nicknames. Satisfied by alias.Store;
// may be nil.
type AliasLearner interface {
	Learn(aliasPhrase, entityID string) (bool, error)
}

// Confirmation templates, picked at random so replies do not read like
// a machine. Each takes the entity's display name.
var confirmations = []string{
	"Done, %s.",
	"%s, all set.",
	"Got it, %s.",
	"%s. Anything else?",
}

// Executor dispatches extracted intents directly against Home
// Assistant.
type Executor struct {
	ha      Controller
	cache   Cache
	aliases AliasLearner
	rng     *rand.Rand
	logger  *slog.Logger
}

// NewExecutor creates an executor. Pass a seeded rng in tests for
// deterministic confirmations; nil gets a time-seeded one.
func NewExecutor(ha Controller, cache Cache, aliases AliasLearner, rng *rand.Rand, logger *slog.Logger) *Executor {
	if rng == nil {
		rng = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Executor{ha: ha, cache: cache, aliases: aliases, rng: rng, logger: logger}
}

// Execute runs the intent and returns the user-facing reply. handled
// is false when the intent is not one the executor dispatches; the
// caller should then fall back to the full agent.
func (x *Executor) Execute(ctx context.Context, intent Intent) (reply string, handled bool) {
	if intent.NeedsFullAgent || !simpleActions[intent.Action] {
		return "", false
	}

	name := x.displayName(intent.EntityID)

	switch intent.Action {
	case "turn_on":
		return x.result(intent, "turn on", name, intent.EntityID,
			x.ha.TurnOn(ctx, intent.EntityID, nil)), true

	case "turn_off":
		return x.result(intent, "turn off", name, intent.EntityID,
			x.ha.TurnOff(ctx, intent.EntityID)), true

	case "toggle":
		return x.result(intent, "toggle", name, intent.EntityID,
			x.ha.Toggle(ctx, intent.EntityID)), true

	case "set_brightness":
		pct, ok := numericParam(intent.Parameters, "brightness_pct")
		if !ok {
			return "How bright should it be? Give me a percentage.", true
		}
		return x.result(intent, "dim", name, intent.EntityID,
			x.ha.TurnOn(ctx, intent.EntityID, map[string]any{"brightness_pct": int(pct)})), true

	case "lock":
		entityID := x.coerceLock(intent.EntityID)
		return x.result(intent, "lock", x.displayName(entityID), entityID,
			x.ha.Lock(ctx, entityID)), true

	case "unlock":
		entityID := x.coerceLock(intent.EntityID)
		return x.result(intent, "unlock", x.displayName(entityID), entityID,
			x.ha.Unlock(ctx, entityID)), true

	case "set_climate":
		return x.setClimate(ctx, intent), true

	case "get_state":
		return x.getState(ctx, intent), true
	}

	return "", false
}

func (x *Executor) result(it Intent, verb, name, entityID string, err error) string {
	if err != nil {
		return x.failure(verb, name, err)
	}
	x.saveAlias(it, entityID)
	x.logger.Info("direct intent executed", "action", it.Action, "entity", name)
	if it.Response != "" {
		return it.Response
	}
	return fmt.Sprintf(confirmations[x.rng.Intn(len(confirmations))], name)
}

// failure logs the underlying error and renders a templated reply that
// names only the verb and the entity. Raw API errors stay out of chat.
func (x *Executor) failure(verb, name string, err error) string {
	x.logger.Warn("direct intent failed", "verb", verb, "entity", name, "error", err)
	return fmt.Sprintf("Sorry, I couldn't %s %s. Please try again.", verb, name)
}

// saveAlias persists the nickname extraction reported, keyed to the
// entity the call actually targeted.
func (x *Executor) saveAlias(it Intent, entityID string) {
	if it.AliasToSave == "" || entityID == "" || x.aliases == nil {
		return
	}
	if _, err := x.aliases.Learn(it.AliasToSave, entityID); err != nil {
		x.logger.Warn("alias save failed", "phrase", it.AliasToSave, "error", err)
		return
	}
	x.logger.Info("alias learned", "phrase", it.AliasToSave, "entity_id", entityID)
}

func (x *Executor) displayName(entityID string) string {
	if e, ok := x.cache.Entity(entityID); ok && e.Name != "" {
		return e.Name
	}
	return entityID
}

// coerceLock maps an identifier onto the lock domain. Extraction
// sometimes picks a door sensor or a bare object ID; the lock-prefixed
// form always goes to Home Assistant, which rejects it if no such lock
// exists.
func (x *Executor) coerceLock(entityID string) string {
	if strings.HasPrefix(entityID, "lock.") {
		return entityID
	}
	if i := strings.IndexByte(entityID, '.'); i >= 0 {
		return "lock." + entityID[i+1:]
	}
	return "lock." + entityID
}

// setClimate handles the temperature parameter arriving as a number
// or a string, and falls back to the home's first thermostat when the
// extraction picked a non-climate entity.
func (x *Executor) setClimate(ctx context.Context, intent Intent) string {
	name := x.displayName(intent.EntityID)

	temp, ok := numericParam(intent.Parameters, "temperature")
	if !ok {
		return "What temperature would you like?"
	}

	entityID := intent.EntityID
	if !strings.HasPrefix(entityID, "climate.") {
		climates := x.cache.Entities("climate")
		if len(climates) == 0 {
			return x.failure("set the temperature on", name, fmt.Errorf("no thermostat found"))
		}
		entityID = climates[0].EntityID
		name = x.displayName(entityID)
	}

	if err := x.ha.SetTemperature(ctx, entityID, temp); err != nil {
		return x.failure("set the temperature on", name, err)
	}
	x.saveAlias(intent, entityID)
	x.logger.Info("direct intent executed", "action", "set_climate", "entity", name, "temperature", temp)
	if intent.Response != "" {
		return intent.Response
	}
	return fmt.Sprintf("Set %s to %.0f degrees.", name, temp)
}

// getState always answers from the live state, ignoring any
// pre-rendered response, which cannot know it.
func (x *Executor) getState(ctx context.Context, intent Intent) string {
	entityID := intent.EntityID
	name := x.displayName(entityID)

	state, err := x.ha.GetState(ctx, entityID)
	if err != nil {
		return x.failure("check", name, err)
	}
	x.saveAlias(intent, entityID)

	reply := fmt.Sprintf("%s is %s", name, state.State)
	if unit, ok := state.Attributes["unit_of_measurement"].(string); ok {
		reply = fmt.Sprintf("%s is %s %s", name, state.State, unit)
	}
	return reply + "."
}

// numericParam reads a parameter that models emit as a number or a
// numeric string.
func numericParam(params map[string]any, key string) (float64, bool) {
	v, ok := params[key]
	if !ok {
		return 0, false
	}
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(n), 64)
		if err != nil {
			return 0, false
		}
		return f, true
	}
	return 0, false
}
