package tools

import (
	"context"
	"fmt"
)

func (r *Registry) registerAliasTools() {
	r.Register(&Tool{
		Name:        "save_entity_alias",
		Description: "Remember a nickname for an entity so future requests can use it. Call this when the user corrects a device name or asks you to remember one.",
		Group:       GroupAliases,
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"alias": map[string]any{
					"type":        "string",
					"description": "The phrase the user says, e.g. 'the big lamp'",
				},
				"entity_id": map[string]any{
					"type":        "string",
					"description": "The entity ID it refers to, e.g. light.living_room_lamp",
				},
			},
			"required": []string{"alias", "entity_id"},
		},
		Handler: r.handleSaveAlias,
	})

	r.Register(&Tool{
		Name:        "get_known_aliases",
		Description: "List the nicknames already learned for entities.",
		Group:       GroupAliases,
		Parameters: map[string]any{
			"type":       "object",
			"properties": map[string]any{},
		},
		Handler: r.handleGetAliases,
	})
}

func (r *Registry) handleSaveAlias(ctx context.Context, args map[string]any) (string, error) {
	aliasPhrase := stringArg(args, "alias")
	entityID := stringArg(args, "entity_id")

	if _, ok := r.cache.Entity(entityID); !ok {
		return "", fmt.Errorf("unknown entity %q", entityID)
	}

	added, err := r.aliases.Learn(aliasPhrase, entityID)
	if err != nil {
		return "", err
	}
	if !added {
		return fmt.Sprintf("Alias %q already maps to %s", aliasPhrase, entityID), nil
	}
	return fmt.Sprintf("Learned: %q means %s", aliasPhrase, entityID), nil
}

func (r *Registry) handleGetAliases(ctx context.Context, args map[string]any) (string, error) {
	return r.aliases.Summary(), nil
}
