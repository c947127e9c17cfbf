package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/oakmere/ivy/internal/homeassistant"
)

func (r *Registry) registerAutomationTools() {
	r.Register(&Tool{
		Name:        "trigger_automation",
		Description: "Run an existing automation right now, skipping its conditions.",
		Group:       GroupAutomation,
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"entity": entityParam("Automation entity ID or name"),
			},
			"required": []string{"entity"},
		},
		Handler: r.handleTriggerAutomation,
	})

	r.Register(&Tool{
		Name:        "list_automations",
		Description: "List the automations defined in Home Assistant and whether they are on.",
		Group:       GroupAutomation,
		Parameters: map[string]any{
			"type":       "object",
			"properties": map[string]any{},
		},
		Handler: r.handleListAutomations,
	})

	r.Register(&Tool{
		Name:        "create_automation",
		Description: "Create a Home Assistant automation. Triggers and actions use the raw Home Assistant automation schema as JSON.",
		Group:       GroupAutomation,
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"id": map[string]any{
					"type":        "string",
					"description": "Stable automation ID, lowercase with underscores",
				},
				"alias": map[string]any{
					"type":        "string",
					"description": "Human-readable automation name",
				},
				"triggers": map[string]any{
					"type":        "string",
					"description": "JSON array of trigger objects",
				},
				"actions": map[string]any{
					"type":        "string",
					"description": "JSON array of action objects",
				},
				"conditions": map[string]any{
					"type":        "string",
					"description": "Optional JSON array of condition objects",
				},
			},
			"required": []string{"id", "alias", "triggers", "actions"},
		},
		Handler: r.handleCreateAutomation,
	})

	r.Register(&Tool{
		Name:        "delete_automation",
		Description: "Delete an automation by its config ID.",
		Group:       GroupAutomation,
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"id": map[string]any{
					"type":        "string",
					"description": "The automation config ID",
				},
			},
			"required": []string{"id"},
		},
		Handler: r.handleDeleteAutomation,
	})
}

func (r *Registry) handleTriggerAutomation(ctx context.Context, args map[string]any) (string, error) {
	entityID, err := r.resolveEntity(stringArg(args, "entity"))
	if err != nil {
		return "", err
	}
	if !strings.HasPrefix(entityID, "automation.") {
		return "", fmt.Errorf("%s is not an automation", entityID)
	}
	if err := r.ha.TriggerAutomation(ctx, entityID); err != nil {
		return "", err
	}
	return fmt.Sprintf("Triggered %s", entityID), nil
}

func (r *Registry) handleListAutomations(ctx context.Context, args map[string]any) (string, error) {
	automations, err := r.ha.ListAutomations(ctx)
	if err != nil {
		return "", err
	}
	if len(automations) == 0 {
		return "No automations defined.", nil
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Found %d automations:\n", len(automations))
	for _, a := range automations {
		name := a.FriendlyName()
		if name == "" {
			name = a.EntityID
		}
		id, _ := a.Attributes["id"].(string)
		fmt.Fprintf(&b, "- %s (%s, id=%s): %s\n", name, a.EntityID, id, a.State)
	}
	return b.String(), nil
}

func (r *Registry) handleCreateAutomation(ctx context.Context, args map[string]any) (string, error) {
	id := stringArg(args, "id")
	aliasName := stringArg(args, "alias")
	if id == "" || aliasName == "" {
		return "", fmt.Errorf("id and alias are required")
	}

	triggers, err := parseBlockList(stringArg(args, "triggers"))
	if err != nil {
		return "", fmt.Errorf("triggers: %w", err)
	}
	actions, err := parseBlockList(stringArg(args, "actions"))
	if err != nil {
		return "", fmt.Errorf("actions: %w", err)
	}
	if len(triggers) == 0 || len(actions) == 0 {
		return "", fmt.Errorf("at least one trigger and one action are required")
	}

	var conditions []map[string]any
	if raw := stringArg(args, "conditions"); raw != "" {
		conditions, err = parseBlockList(raw)
		if err != nil {
			return "", fmt.Errorf("conditions: %w", err)
		}
	}

	cfg := homeassistant.AutomationConfig{
		Alias:      aliasName,
		Mode:       "single",
		Triggers:   triggers,
		Conditions: conditions,
		Actions:    actions,
	}
	if err := r.ha.CreateAutomation(ctx, id, cfg); err != nil {
		return "", err
	}
	return fmt.Sprintf("Created automation %q (id=%s)", aliasName, id), nil
}

func (r *Registry) handleDeleteAutomation(ctx context.Context, args map[string]any) (string, error) {
	id := stringArg(args, "id")
	if id == "" {
		return "", fmt.Errorf("id is required")
	}
	if err := r.ha.DeleteAutomation(ctx, id); err != nil {
		return "", err
	}
	return fmt.Sprintf("Deleted automation %s", id), nil
}

// parseBlockList accepts a JSON array of objects, or a single object,
// which models produce often enough to be worth tolerating.
func parseBlockList(raw string) ([]map[string]any, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, nil
	}

	var list []map[string]any
	if err := json.Unmarshal([]byte(raw), &list); err == nil {
		return list, nil
	}

	var single map[string]any
	if err := json.Unmarshal([]byte(raw), &single); err == nil {
		return []map[string]any{single}, nil
	}
	return nil, fmt.Errorf("not a JSON object or array: %s", raw)
}
