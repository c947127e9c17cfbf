// Package intent implements the fast path for simple commands. The
// extractor classifies a message with one small model call and the
// executor dispatches high-confidence intents straight against Home
// Assistant, skipping the full tool-calling loop entirely.
package intent

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"regexp"
	"strings"

	"github.com/oakmere/ivy/internal/alias"
	"github.com/oakmere/ivy/internal/entitycache"
	"github.com/oakmere/ivy/internal/homeassistant"
	"github.com/oakmere/ivy/internal/llm"
)

// Confidence at or above this executes directly; below it the message
// goes to the full agent.
const confidenceThreshold = 0.8

// Actions the direct executor can dispatch. Anything else from the
// extraction call falls through to the full agent.
var simpleActions = map[string]bool{
	"turn_on":        true,
	"turn_off":       true,
	"toggle":         true,
	"lock":           true,
	"unlock":         true,
	"set_climate":    true,
	"set_brightness": true,
	"get_state":      true,
}

// Actions that are meaningless without a target. set_climate is absent
// because the executor falls back to the home's first thermostat.
var entityRequired = map[string]bool{
	"turn_on":        true,
	"turn_off":       true,
	"toggle":         true,
	"lock":           true,
	"unlock":         true,
	"set_brightness": true,
	"get_state":      true,
}

// complexMarkers are phrases that mean the message needs reasoning,
// multiple steps, or history. The gate runs before any model call so
// these messages cost zero extraction tokens.
var complexMarkers = []string{
	"history",
	"when did",
	"compare",
	"schedule",
	"whenever",
	"every day",
	"every night",
	"and then",
}

var whyWord = regexp.MustCompile(`\bwhy\b`)

// Intent is the result of one extraction.
type Intent struct {
	Action     string         `json:"action"`
	EntityID   string         `json:"entity_id"`
	Confidence float64        `json:"confidence"`
	Parameters map[string]any `json:"parameters"`

	// AliasToSave is a nickname the user used for the entity, to be
	// persisted after a successful execution.
	AliasToSave string `json:"alias_to_save"`

	// Response is an optional confirmation the model pre-rendered for
	// the executor to use instead of a stock template.
	Response string `json:"response"`

	// NeedsFullAgent means the message should go to the agent loop.
	// Set by the gate, by extraction failures, and by low confidence.
	NeedsFullAgent bool `json:"-"`

	// Token spend of the extraction call, zero when the gate
	// short-circuited.
	InputTokens  int `json:"-"`
	OutputTokens int `json:"-"`
}

// ChatClient is satisfied by llm.AnthropicClient.
type ChatClient interface {
	Chat(ctx context.Context, model string, messages []llm.Message, tools []llm.Tool) (*llm.ChatResponse, error)
}

// Cache is the slice of entitycache.Cache the extractor uses.
type Cache interface {
	alias.EntityFinder
	Entity(entityID string) (entitycache.Entity, bool)
	Entities(domain string) []entitycache.Entity
	Summary() string
}

// Aliases is the slice of alias.Store the extractor uses.
type Aliases interface {
	Resolve(phrase string, cache alias.EntityFinder) (alias.Resolution, bool)
	All() map[string]string
}

// StateSource fetches live entity states. Satisfied by
// homeassistant.Client; may be nil, in which case the extractor uses
// the cached snapshot.
type StateSource interface {
	GetStates(ctx context.Context, domain string) ([]homeassistant.State, error)
}

// Extractor turns messages into intents.
type Extractor struct {
	client  ChatClient
	model   string
	cache   Cache
	aliases Aliases
	states  StateSource
	logger  *slog.Logger
}

// NewExtractor creates an extractor using the given model.
func NewExtractor(client ChatClient, model string, cache Cache, aliases Aliases, states StateSource, logger *slog.Logger) *Extractor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Extractor{
		client:  client,
		model:   model,
		cache:   cache,
		aliases: aliases,
		states:  states,
		logger:  logger,
	}
}

// Model returns the model extraction calls are made with.
func (e *Extractor) Model() string {
	return e.model
}

// IsComplex reports whether a message should skip extraction and go
// straight to the full agent. The check is pure string matching and
// spends no tokens.
func IsComplex(message string) bool {
	lower := strings.ToLower(strings.TrimSpace(message))

	if whyWord.MatchString(lower) {
		return true
	}
	for _, marker := range complexMarkers {
		if strings.Contains(lower, marker) {
			return true
		}
	}
	// Conditional phrasing up front means multi-step logic.
	if strings.HasPrefix(lower, "when ") || strings.HasPrefix(lower, "if ") {
		return true
	}
	// Two targets joined by "and" need the agent's tool loop.
	if strings.Contains(lower, " and ") {
		return true
	}
	return false
}

// Extract classifies a message. The returned intent has
// NeedsFullAgent set when the gate fires, the extraction call fails,
// the response does not parse, the entity is unknown, or confidence
// is below the threshold.
func (e *Extractor) Extract(ctx context.Context, message string) Intent {
	if IsComplex(message) {
		e.logger.Debug("complexity gate fired", "message_len", len(message))
		return Intent{NeedsFullAgent: true}
	}

	resp, err := e.client.Chat(ctx, e.model, []llm.Message{
		{Role: "system", Content: e.extractionPrompt(ctx)},
		{Role: "user", Content: message},
	}, nil)
	if err != nil {
		e.logger.Warn("extraction call failed", "error", err)
		return Intent{NeedsFullAgent: true}
	}

	intent, err := parseIntent(resp.Message.Content)
	intent.InputTokens = resp.InputTokens
	intent.OutputTokens = resp.OutputTokens
	if err != nil {
		e.logger.Warn("extraction response unparseable", "error", err)
		intent.NeedsFullAgent = true
		return intent
	}

	e.validate(&intent)
	return intent
}

// validate checks the extracted intent against the entity cache and
// the action whitelist, downgrading to the full agent on any doubt.
func (e *Extractor) validate(intent *Intent) {
	if !simpleActions[intent.Action] {
		intent.NeedsFullAgent = true
		return
	}

	if entityRequired[intent.Action] && intent.EntityID == "" {
		e.logger.Debug("extraction missing entity", "action", intent.Action)
		intent.NeedsFullAgent = true
		return
	}

	if intent.EntityID != "" {
		if _, ok := e.cache.Entity(intent.EntityID); !ok {
			// The model invented an ID. Try it as a phrase before
			// giving up on the fast path.
			if res, ok := e.aliases.Resolve(intent.EntityID, e.cache); ok {
				intent.EntityID = res.EntityID
			} else {
				e.logger.Debug("extracted entity not in cache", "entity_id", intent.EntityID)
				intent.Confidence = 0
			}
		}
	}

	// A nickname with no resolved target has nothing to point at.
	if intent.AliasToSave != "" && intent.EntityID == "" {
		intent.AliasToSave = ""
	}

	if intent.Confidence < confidenceThreshold {
		intent.NeedsFullAgent = true
	}
}

// extractionPrompt builds the system prompt: instructions, the learned
// aliases, the entity directory, and lock states so lock intents can
// be answered without a second round trip.
func (e *Extractor) extractionPrompt(ctx context.Context) string {
	var b strings.Builder

	b.WriteString(`Classify a smart home command. Respond with only a JSON object:
{"action": "...", "entity_id": "...", "confidence": 0.0-1.0, "parameters": {}, "alias_to_save": "", "response": ""}

Actions: turn_on, turn_off, toggle, lock, unlock, set_climate, set_brightness, get_state, none.
Use "none" with confidence 0 when the request is not a simple device command.
entity_id must come from the directory below. parameters may carry
"temperature" (set_climate) or "brightness_pct" (set_brightness).
Set alias_to_save to the user's nickname for the device when they used
one that is not in the learned names. Set response to a short, casual
confirmation to show after the command succeeds; leave it empty for
get_state.

`)

	if aliases := e.aliases.All(); len(aliases) > 0 {
		b.WriteString("Learned names (prefer these):\n")
		for phrase, id := range aliases {
			fmt.Fprintf(&b, "  %q = %s\n", phrase, id)
		}
		b.WriteString("\n")
	}

	b.WriteString("Entity directory:\n")
	b.WriteString(e.cache.Summary())
	b.WriteString(e.lockStates(ctx))

	return b.String()
}

// lockStates lists lock entities with their current states, fetched
// live so a lock cycled since the last cache refresh is not
// misreported. Falls back to the cached snapshot when the fetch fails.
func (e *Extractor) lockStates(ctx context.Context) string {
	var b strings.Builder

	if e.states != nil {
		states, err := e.states.GetStates(ctx, "lock")
		if err == nil {
			if len(states) == 0 {
				return ""
			}
			b.WriteString("\nLock states right now:\n")
			for _, s := range states {
				fmt.Fprintf(&b, "  %s: %s\n", s.EntityID, s.State)
			}
			return b.String()
		}
		e.logger.Warn("live lock state fetch failed, using cached states", "error", err)
	}

	locks := e.cache.Entities("lock")
	if len(locks) == 0 {
		return ""
	}
	b.WriteString("\nLock states right now:\n")
	for _, l := range locks {
		fmt.Fprintf(&b, "  %s: %s\n", l.EntityID, l.State)
	}
	return b.String()
}

var jsonObject = regexp.MustCompile(`(?s)\{.*\}`)

// parseIntent decodes the model's reply. Models wrap JSON in prose or
// code fences often enough that a failed direct parse retries on the
// outermost brace pair.
func parseIntent(content string) (Intent, error) {
	var intent Intent
	if err := json.Unmarshal([]byte(content), &intent); err == nil {
		return intent, nil
	}

	match := jsonObject.FindString(content)
	if match == "" {
		return Intent{}, fmt.Errorf("no JSON object in response")
	}
	if err := json.Unmarshal([]byte(match), &intent); err != nil {
		return Intent{}, fmt.Errorf("parse intent JSON: %w", err)
	}
	return intent, nil
}
