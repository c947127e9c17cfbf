// Package agent implements the tool-calling conversation loop.
package agent

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/oakmere/ivy/internal/llm"
	"github.com/oakmere/ivy/internal/tools"
)

// maxIterations bounds the tool-calling loop. A request that is still
// calling tools after this many rounds gets an apologetic fallback
// instead of burning more tokens.
const maxIterations = 10

const fallbackReply = "Sorry, I wasn't able to finish that. Could you try rephrasing, or break it into smaller steps?"

// ChatClient is satisfied by llm.AnthropicClient.
type ChatClient interface {
	Chat(ctx context.Context, model string, messages []llm.Message, tools []llm.Tool) (*llm.ChatResponse, error)
}

// ToolRunner is satisfied by tools.Registry.
type ToolRunner interface {
	Defs(groups map[string]bool) []llm.Tool
	Execute(ctx context.Context, name string, args map[string]any) string
}

// Summarizer provides prompt context. Satisfied by entitycache.Cache
// and alias.Store.
type Summarizer interface {
	Summary() string
}

// Result is the outcome of one conversation turn. Token counts cover
// every model call the turn made, including iterations that ended in
// the fallback.
type Result struct {
	Reply        string
	Model        string
	Iterations   int
	InputTokens  int
	OutputTokens int
}

// Loop runs multi-step conversations with tool access.
type Loop struct {
	client   ChatClient
	registry ToolRunner
	entities Summarizer
	aliases  Summarizer
	history  *History
	logger   *slog.Logger

	mu    sync.RWMutex
	model string
}

// NewLoop creates the agent loop.
func NewLoop(client ChatClient, model string, registry ToolRunner, entities, aliases Summarizer, history *History, logger *slog.Logger) *Loop {
	if logger == nil {
		logger = slog.Default()
	}
	return &Loop{
		client:   client,
		model:    model,
		registry: registry,
		entities: entities,
		aliases:  aliases,
		history:  history,
		logger:   logger,
	}
}

// Model returns the model currently in use.
func (l *Loop) Model() string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.model
}

// SetModel switches the model for subsequent turns.
func (l *Loop) SetModel(model string) {
	l.mu.Lock()
	l.model = model
	l.mu.Unlock()
	l.logger.Info("model changed", "model", model)
}

// History returns the loop's conversation history.
func (l *Loop) History() *History {
	return l.history
}

// Respond runs one conversation turn for a chat. The turn is recorded
// in history only after it completes, so a failed turn leaves the
// context untouched. On error the result is still non-nil and carries
// the tokens spent before the failure.
func (l *Loop) Respond(ctx context.Context, chatID int64, message string) (*Result, error) {
	model := l.Model()
	groups := tools.SelectGroups(message)
	defs := l.registry.Defs(groups)

	messages := []llm.Message{{Role: "system", Content: l.systemPrompt()}}
	messages = append(messages, l.history.Messages(chatID)...)
	messages = append(messages, llm.Message{Role: "user", Content: message})

	result := &Result{Model: model}

	for iteration := 1; iteration <= maxIterations; iteration++ {
		result.Iterations = iteration

		resp, err := l.client.Chat(ctx, model, messages, defs)
		if err != nil {
			// The result carries the tokens spent on earlier
			// iterations; the caller still needs to book them.
			return result, fmt.Errorf("chat: %w", err)
		}
		result.InputTokens += resp.InputTokens
		result.OutputTokens += resp.OutputTokens

		if len(resp.Message.ToolCalls) == 0 {
			reply := strings.TrimSpace(resp.Message.Content)
			if reply == "" {
				// Models occasionally return nothing after a tool
				// round; the user still deserves an acknowledgment.
				reply = "Done."
			}
			result.Reply = reply
			l.history.AddExchange(chatID, message, reply)
			l.logger.Debug("turn complete",
				"chat_id", chatID,
				"iterations", iteration,
				"input_tokens", result.InputTokens,
				"output_tokens", result.OutputTokens)
			return result, nil
		}

		messages = append(messages, resp.Message)
		for _, call := range resp.Message.ToolCalls {
			l.logger.Debug("tool call", "tool", call.Name, "iteration", iteration)
			output := l.registry.Execute(ctx, call.Name, call.Arguments)
			messages = append(messages, llm.Message{
				Role:       "tool",
				ToolCallID: call.ID,
				Content:    output,
			})
		}
	}

	l.logger.Warn("iteration ceiling reached", "chat_id", chatID, "iterations", maxIterations)
	result.Reply = fallbackReply
	l.history.AddExchange(chatID, message, fallbackReply)
	return result, nil
}

// RespondOnce runs a single turn with no history, for scheduled tasks.
func (l *Loop) RespondOnce(ctx context.Context, prompt string) (*Result, error) {
	// Chat ID 0 is reserved for one-shot turns; clear it so scheduled
	// runs never see each other's context.
	l.history.Clear(0)
	defer l.history.Clear(0)
	return l.Respond(ctx, 0, prompt)
}

func (l *Loop) systemPrompt() string {
	var b strings.Builder

	b.WriteString(`You are Ivy, a home assistant you talk to like a housemate. You control the home through the provided tools.

Rules:
- Use tools to act and to check state. Never claim an action succeeded without calling the tool.
- Keep replies short and conversational. No markdown.
- When the user corrects a device name or uses a nickname, call save_entity_alias so it sticks.
- If a tool returns an error, tell the user what failed in plain words.

`)

	b.WriteString("Devices in this home:\n")
	b.WriteString(l.entities.Summary())
	b.WriteString("\nLearned device nicknames:\n")
	b.WriteString(l.aliases.Summary())
	b.WriteString("\n")

	return b.String()
}
