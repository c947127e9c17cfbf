package tools

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"
)

const listEntitiesLimit = 25

func entityParam(desc string) map[string]any {
	return map[string]any{
		"type":        "string",
		"description": desc,
	}
}

func (r *Registry) registerHATools() {
	r.Register(&Tool{
		Name:        "get_entity_state",
		Description: "Get the current state of a device or sensor. Accepts an entity ID or a natural name like 'kitchen light'.",
		Group:       GroupCore,
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"entity": entityParam("Entity ID or natural name"),
			},
			"required": []string{"entity"},
		},
		Handler: r.handleGetEntityState,
	})

	r.Register(&Tool{
		Name:        "turn_on",
		Description: "Turn on a device. Optionally set light brightness.",
		Group:       GroupCore,
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"entity": entityParam("Entity ID or natural name"),
				"brightness_pct": map[string]any{
					"type":        "integer",
					"description": "Brightness percentage 1-100 (lights only)",
				},
			},
			"required": []string{"entity"},
		},
		Handler: r.handleTurnOn,
	})

	r.Register(&Tool{
		Name:        "turn_off",
		Description: "Turn off a device.",
		Group:       GroupCore,
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"entity": entityParam("Entity ID or natural name"),
			},
			"required": []string{"entity"},
		},
		Handler: r.handleTurnOff,
	})

	r.Register(&Tool{
		Name:        "toggle",
		Description: "Toggle a device between on and off.",
		Group:       GroupCore,
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"entity": entityParam("Entity ID or natural name"),
			},
			"required": []string{"entity"},
		},
		Handler: r.handleToggle,
	})

	r.Register(&Tool{
		Name:        "lock_door",
		Description: "Lock a door lock.",
		Group:       GroupLocks,
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"entity": entityParam("Lock entity ID or natural name like 'front door'"),
			},
			"required": []string{"entity"},
		},
		Handler: r.handleLock,
	})

	r.Register(&Tool{
		Name:        "unlock_door",
		Description: "Unlock a door lock.",
		Group:       GroupLocks,
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"entity": entityParam("Lock entity ID or natural name like 'front door'"),
			},
			"required": []string{"entity"},
		},
		Handler: r.handleUnlock,
	})

	r.Register(&Tool{
		Name:        "set_climate",
		Description: "Set the target temperature on a thermostat.",
		Group:       GroupClimate,
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"entity": entityParam("Climate entity ID or natural name"),
				"temperature": map[string]any{
					"type":        "number",
					"description": "Target temperature in the home's configured unit",
				},
			},
			"required": []string{"entity", "temperature"},
		},
		Handler: r.handleSetClimate,
	})

	r.Register(&Tool{
		Name:        "get_entities_by_domain",
		Description: "List entities in a domain (light, switch, sensor, lock, climate, ...) with their current states.",
		Group:       GroupQuery,
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"domain": map[string]any{
					"type":        "string",
					"description": "The domain to list",
				},
			},
			"required": []string{"domain"},
		},
		Handler: r.handleGetEntitiesByDomain,
	})

	r.Register(&Tool{
		Name:        "get_history",
		Description: "Get recent state changes for an entity over the last 24 hours.",
		Group:       GroupQuery,
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"entity": entityParam("Entity ID or natural name"),
			},
			"required": []string{"entity"},
		},
		Handler: r.handleGetHistory,
	})

	r.Register(&Tool{
		Name:        "list_areas",
		Description: "List the areas (rooms) defined in the home.",
		Group:       GroupQuery,
		Parameters: map[string]any{
			"type":       "object",
			"properties": map[string]any{},
		},
		Handler: r.handleListAreas,
	})

	r.Register(&Tool{
		Name:        "call_service",
		Description: "Call any Home Assistant service directly. Use only when no dedicated tool fits.",
		Group:       GroupAdvanced,
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"domain": map[string]any{
					"type":        "string",
					"description": "Service domain, e.g. cover or media_player",
				},
				"service": map[string]any{
					"type":        "string",
					"description": "Service name, e.g. open_cover",
				},
				"entity": entityParam("Target entity ID or natural name. Omit for services that take no entity."),
				"data": map[string]any{
					"type":        "object",
					"description": "Extra service data",
				},
			},
			"required": []string{"domain", "service"},
		},
		Handler: r.handleCallService,
	})
}

func (r *Registry) handleGetEntityState(ctx context.Context, args map[string]any) (string, error) {
	entityID, err := r.resolveEntity(stringArg(args, "entity"))
	if err != nil {
		return "", err
	}

	state, err := r.ha.GetState(ctx, entityID)
	if err != nil {
		return "", err
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Entity: %s\nState: %s\n", state.EntityID, state.State)
	if name := state.FriendlyName(); name != "" {
		fmt.Fprintf(&b, "Name: %s\n", name)
	}
	if unit, ok := state.Attributes["unit_of_measurement"].(string); ok {
		fmt.Fprintf(&b, "Unit: %s\n", unit)
	}
	if brightness, ok := state.Attributes["brightness"].(float64); ok {
		fmt.Fprintf(&b, "Brightness: %.0f%%\n", brightness/255*100)
	}
	if temp, ok := state.Attributes["temperature"].(float64); ok {
		fmt.Fprintf(&b, "Target temperature: %.1f\n", temp)
	}
	if temp, ok := state.Attributes["current_temperature"].(float64); ok {
		fmt.Fprintf(&b, "Current temperature: %.1f\n", temp)
	}
	return b.String(), nil
}

func (r *Registry) handleTurnOn(ctx context.Context, args map[string]any) (string, error) {
	entityID, err := r.resolveEntity(stringArg(args, "entity"))
	if err != nil {
		return "", err
	}

	var data map[string]any
	if pct, ok := args["brightness_pct"].(float64); ok && pct > 0 {
		data = map[string]any{"brightness_pct": int(pct)}
	}

	if err := r.ha.TurnOn(ctx, entityID, data); err != nil {
		return "", err
	}
	return fmt.Sprintf("Turned on %s", entityID), nil
}

func (r *Registry) handleTurnOff(ctx context.Context, args map[string]any) (string, error) {
	entityID, err := r.resolveEntity(stringArg(args, "entity"))
	if err != nil {
		return "", err
	}
	if err := r.ha.TurnOff(ctx, entityID); err != nil {
		return "", err
	}
	return fmt.Sprintf("Turned off %s", entityID), nil
}

func (r *Registry) handleToggle(ctx context.Context, args map[string]any) (string, error) {
	entityID, err := r.resolveEntity(stringArg(args, "entity"))
	if err != nil {
		return "", err
	}
	if err := r.ha.Toggle(ctx, entityID); err != nil {
		return "", err
	}
	return fmt.Sprintf("Toggled %s", entityID), nil
}

// resolveLock resolves an entity argument and coerces it to the lock
// domain. "front door" usually resolves to a binary_sensor or the
// door's light group; when a lock with the same object ID exists in
// the cache, that lock wins.
func (r *Registry) resolveLock(arg string) (string, error) {
	entityID, err := r.resolveEntity(arg)
	if err != nil {
		return "", err
	}

	if strings.HasPrefix(entityID, "lock.") {
		return entityID, nil
	}
	if i := strings.IndexByte(entityID, '.'); i >= 0 {
		candidate := "lock." + entityID[i+1:]
		if _, ok := r.cache.Entity(candidate); ok {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("%s is not a lock", entityID)
}

func (r *Registry) handleLock(ctx context.Context, args map[string]any) (string, error) {
	entityID, err := r.resolveLock(stringArg(args, "entity"))
	if err != nil {
		return "", err
	}
	if err := r.ha.Lock(ctx, entityID); err != nil {
		return "", err
	}
	return fmt.Sprintf("Locked %s", entityID), nil
}

func (r *Registry) handleUnlock(ctx context.Context, args map[string]any) (string, error) {
	entityID, err := r.resolveLock(stringArg(args, "entity"))
	if err != nil {
		return "", err
	}
	if err := r.ha.Unlock(ctx, entityID); err != nil {
		return "", err
	}
	return fmt.Sprintf("Unlocked %s", entityID), nil
}

func (r *Registry) handleSetClimate(ctx context.Context, args map[string]any) (string, error) {
	entityID, err := r.resolveEntity(stringArg(args, "entity"))
	if err != nil {
		return "", err
	}
	temp, ok := args["temperature"].(float64)
	if !ok {
		return "", fmt.Errorf("temperature is required")
	}
	if err := r.ha.SetTemperature(ctx, entityID, temp); err != nil {
		return "", err
	}
	return fmt.Sprintf("Set %s to %.1f degrees", entityID, temp), nil
}

func (r *Registry) handleGetEntitiesByDomain(ctx context.Context, args map[string]any) (string, error) {
	domain := stringArg(args, "domain")
	if domain == "" {
		return "", fmt.Errorf("domain is required")
	}

	states, err := r.ha.GetStates(ctx, domain)
	if err != nil {
		return "", err
	}
	if len(states) == 0 {
		return fmt.Sprintf("No entities found in domain %q", domain), nil
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Found %d %s entities:\n", len(states), domain)
	for i, s := range states {
		if i >= listEntitiesLimit {
			fmt.Fprintf(&b, "... and %d more\n", len(states)-listEntitiesLimit)
			break
		}
		name := s.EntityID
		if friendly := s.FriendlyName(); friendly != "" {
			name = fmt.Sprintf("%s (%s)", s.EntityID, friendly)
		}
		fmt.Fprintf(&b, "- %s: %s\n", name, s.State)
	}
	return b.String(), nil
}

func (r *Registry) handleGetHistory(ctx context.Context, args map[string]any) (string, error) {
	entityID, err := r.resolveEntity(stringArg(args, "entity"))
	if err != nil {
		return "", err
	}

	states, err := r.ha.GetHistory(ctx, entityID, time.Now().Add(-24*time.Hour))
	if err != nil {
		return "", err
	}
	if len(states) == 0 {
		return fmt.Sprintf("No history for %s in the last 24 hours", entityID), nil
	}

	// Only the most recent changes matter for conversation.
	if len(states) > 10 {
		states = states[len(states)-10:]
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Recent changes for %s:\n", entityID)
	for _, s := range states {
		fmt.Fprintf(&b, "- %s: %s\n", s.LastChanged.Local().Format("Jan 2 15:04"), s.State)
	}
	return b.String(), nil
}

func (r *Registry) handleListAreas(ctx context.Context, args map[string]any) (string, error) {
	areas := r.cache.Areas()
	if len(areas) == 0 {
		return "No areas defined.", nil
	}

	names := make([]string, 0, len(areas))
	for _, name := range areas {
		names = append(names, name)
	}
	sort.Strings(names)
	return "Areas: " + strings.Join(names, ", "), nil
}

func (r *Registry) handleCallService(ctx context.Context, args map[string]any) (string, error) {
	domain := stringArg(args, "domain")
	service := stringArg(args, "service")
	if domain == "" || service == "" {
		return "", fmt.Errorf("domain and service are required")
	}

	data := map[string]any{}
	var entityID string
	if target := stringArg(args, "entity"); target != "" {
		var err error
		entityID, err = r.resolveEntity(target)
		if err != nil {
			return "", err
		}
		data["entity_id"] = entityID
	}
	if extra, ok := args["data"].(map[string]any); ok {
		for k, v := range extra {
			data[k] = v
		}
	}

	if err := r.ha.CallService(ctx, domain, service, data); err != nil {
		return "", err
	}
	if entityID != "" {
		return fmt.Sprintf("Called %s.%s on %s", domain, service, entityID), nil
	}
	return fmt.Sprintf("Called %s.%s", domain, service), nil
}
