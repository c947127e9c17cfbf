// Package tools defines the tools available to the agent. Each tool
// belongs to a group; the selector in this package decides which
// groups a given message needs so the model never sees the full
// catalog on simple requests.
package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/oakmere/ivy/internal/alias"
	"github.com/oakmere/ivy/internal/entitycache"
	"github.com/oakmere/ivy/internal/homeassistant"
	"github.com/oakmere/ivy/internal/llm"
)

// Tool groups.
const (
	GroupCore       = "core"
	GroupQuery      = "query"
	GroupLocks      = "locks"
	GroupClimate    = "climate"
	GroupAutomation = "automation"
	GroupAliases    = "aliases"
	GroupAdvanced   = "advanced"
)

// HAController is the slice of the Home Assistant client the tools
// use. Satisfied by homeassistant.Client.
type HAController interface {
	GetState(ctx context.Context, entityID string) (*homeassistant.State, error)
	GetStates(ctx context.Context, domain string) ([]homeassistant.State, error)
	CallService(ctx context.Context, domain, service string, data map[string]any) error
	TurnOn(ctx context.Context, entityID string, data map[string]any) error
	TurnOff(ctx context.Context, entityID string) error
	Toggle(ctx context.Context, entityID string) error
	Lock(ctx context.Context, entityID string) error
	Unlock(ctx context.Context, entityID string) error
	SetTemperature(ctx context.Context, entityID string, temperature float64) error
	GetHistory(ctx context.Context, entityID string, since time.Time) ([]homeassistant.State, error)
	TriggerAutomation(ctx context.Context, entityID string) error
	CreateAutomation(ctx context.Context, id string, cfg homeassistant.AutomationConfig) error
	ListAutomations(ctx context.Context) ([]homeassistant.State, error)
	DeleteAutomation(ctx context.Context, id string) error
}

// EntityCache is the slice of entitycache.Cache the tools use.
type EntityCache interface {
	alias.EntityFinder
	Entity(entityID string) (entitycache.Entity, bool)
	Entities(domain string) []entitycache.Entity
	Areas() map[string]string
}

// AliasStore is the slice of alias.Store the tools use.
type AliasStore interface {
	Resolve(phrase string, cache alias.EntityFinder) (alias.Resolution, bool)
	Learn(aliasPhrase, entityID string) (bool, error)
	Summary() string
}

// Tool represents a callable tool.
type Tool struct {
	Name        string
	Description string
	Group       string
	Parameters  map[string]any
	Handler     func(ctx context.Context, args map[string]any) (string, error)
}

// Registry holds available tools.
type Registry struct {
	tools   map[string]*Tool
	ha      HAController
	cache   EntityCache
	aliases AliasStore
	logger  *slog.Logger
}

// NewRegistry creates a tool registry wired to Home Assistant, the
// entity cache, and the alias store.
func NewRegistry(ha HAController, cache EntityCache, aliases AliasStore, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Registry{
		tools:   make(map[string]*Tool),
		ha:      ha,
		cache:   cache,
		aliases: aliases,
		logger:  logger,
	}
	r.registerHATools()
	r.registerAliasTools()
	r.registerAutomationTools()
	return r
}

// Register adds a tool to the registry.
func (r *Registry) Register(t *Tool) {
	r.tools[t.Name] = t
}

// Get retrieves a tool by name.
func (r *Registry) Get(name string) *Tool {
	return r.tools[name]
}

// Defs returns the tool definitions for the given groups, sorted by
// name for a stable prompt.
func (r *Registry) Defs(groups map[string]bool) []llm.Tool {
	var result []llm.Tool
	for _, t := range r.tools {
		if !groups[t.Group] {
			continue
		}
		result = append(result, llm.Tool{
			Name:        t.Name,
			Description: t.Description,
			InputSchema: t.Parameters,
		})
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Name < result[j].Name })
	return result
}

// Execute runs a tool by name. Handler errors come back as a JSON
// error payload rather than a Go error, so the model sees the failure
// in the tool result and can react to it.
func (r *Registry) Execute(ctx context.Context, name string, args map[string]any) string {
	tool := r.tools[name]
	if tool == nil {
		return errorPayload(fmt.Sprintf("unknown tool: %s", name))
	}

	result, err := tool.Handler(ctx, args)
	if err != nil {
		r.logger.Warn("tool failed", "tool", name, "error", err)
		return errorPayload(err.Error())
	}
	return result
}

func errorPayload(msg string) string {
	data, _ := json.Marshal(map[string]string{"error": msg})
	return string(data)
}

// resolveEntity maps a tool argument to an entity ID. An exact ID
// known to the cache passes through; anything else goes through the
// alias cascade.
func (r *Registry) resolveEntity(arg string) (string, error) {
	arg = strings.TrimSpace(arg)
	if arg == "" {
		return "", fmt.Errorf("entity is required")
	}

	if homeassistant.SplitEntityID(arg) != nil {
		if _, ok := r.cache.Entity(arg); ok {
			return arg, nil
		}
	}

	res, ok := r.aliases.Resolve(arg, r.cache)
	if !ok {
		return "", fmt.Errorf("no entity matches %q", arg)
	}
	r.logger.Debug("resolved entity", "phrase", arg, "entity_id", res.EntityID,
		"source", res.Source, "score", res.Score)
	return res.EntityID, nil
}

func stringArg(args map[string]any, key string) string {
	s, _ := args[key].(string)
	return strings.TrimSpace(s)
}
