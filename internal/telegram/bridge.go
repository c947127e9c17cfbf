package telegram

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/oakmere/ivy/internal/agent"
	"github.com/oakmere/ivy/internal/buildinfo"
	"github.com/oakmere/ivy/internal/intent"
	"github.com/oakmere/ivy/internal/usage"
)

// handleTimeout bounds how long a single inbound message may be
// processed (intent pipeline or agent loop + response send).
const handleTimeout = 5 * time.Minute

// rateWindow is the sliding window for per-sender rate limiting.
const rateWindow = time.Minute

// cleanupInterval controls how often stale rate-limit entries are
// evicted.
const cleanupInterval = 10 * time.Minute

// pollRetryDelay is the backoff applied when getUpdates fails.
const pollRetryDelay = 5 * time.Second

// Messenger abstracts the Telegram client for testability. The real
// implementation is *Client.
type Messenger interface {
	GetUpdates(ctx context.Context, offset int64) ([]Update, error)
	SendMessage(ctx context.Context, chatID int64, text string) error
	SendTyping(ctx context.Context, chatID int64) error
}

// AgentRunner abstracts the agent loop. The real implementation is
// *agent.Loop.
type AgentRunner interface {
	Respond(ctx context.Context, chatID int64, message string) (*agent.Result, error)
	Model() string
	SetModel(model string)
	History() *agent.History
}

// IntentExtractor classifies messages for the fast path.
type IntentExtractor interface {
	Extract(ctx context.Context, message string) intent.Intent
	Model() string
}

// IntentExecutor runs extracted intents directly against Home
// Assistant.
type IntentExecutor interface {
	Execute(ctx context.Context, it intent.Intent) (reply string, handled bool)
}

// BudgetKeeper gates and records token spend. The real implementation
// is *usage.Governor.
type BudgetKeeper interface {
	CheckBudget() (allowed bool, warning string)
	Record(inputTokens, outputTokens int) error
	StatusReport() string
	SetDailyLimit(tokens int) error
	SetHardLimit(enabled bool) error
	ResetToday() error
}

// UsageRecorder keeps per-request usage detail. The real
// implementation is *usage.Store. May be nil.
type UsageRecorder interface {
	Add(ctx context.Context, rec usage.Record) error
}

// Pinger checks Home Assistant reachability for /status.
type Pinger interface {
	Ping(ctx context.Context) error
}

// CacheInfo exposes entity cache stats for /status.
type CacheInfo interface {
	Len() int
	LastRefresh() time.Time
}

// BridgeConfig holds the dependencies for a Bridge.
type BridgeConfig struct {
	Client          Messenger
	Runner          AgentRunner
	Extractor       IntentExtractor
	Executor        IntentExecutor
	Governor        BudgetKeeper
	Detail          UsageRecorder // optional
	HA              Pinger
	Cache           CacheInfo
	Aliases         interface{ Len() int }
	Logger          *slog.Logger
	AuthorizedUsers []int64
	NotifyChatID    int64
	RateLimit       int // per sender per minute; 0 = unlimited
}

// Bridge long-polls Telegram for messages, routes them through the
// intent fast path or the agent loop, and sends replies back.
type Bridge struct {
	client     Messenger
	runner     AgentRunner
	extractor  IntentExtractor
	executor   IntentExecutor
	governor   BudgetKeeper
	detail     UsageRecorder
	ha         Pinger
	cache      CacheInfo
	aliases    interface{ Len() int }
	logger     *slog.Logger
	authorized map[int64]bool
	notifyChat int64
	rateLimit  int

	mu          sync.Mutex
	senderTimes map[int64][]time.Time
	lastCleanup time.Time
}

// NewBridge creates a Telegram message bridge.
func NewBridge(cfg BridgeConfig) *Bridge {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	authorized := make(map[int64]bool, len(cfg.AuthorizedUsers))
	for _, id := range cfg.AuthorizedUsers {
		authorized[id] = true
	}
	return &Bridge{
		client:      cfg.Client,
		runner:      cfg.Runner,
		extractor:   cfg.Extractor,
		executor:    cfg.Executor,
		governor:    cfg.Governor,
		detail:      cfg.Detail,
		ha:          cfg.HA,
		cache:       cfg.Cache,
		aliases:     cfg.Aliases,
		logger:      logger,
		authorized:  authorized,
		notifyChat:  cfg.NotifyChatID,
		rateLimit:   cfg.RateLimit,
		senderTimes: make(map[int64][]time.Time),
	}
}

// Start long-polls for updates and routes them until ctx is cancelled.
func (b *Bridge) Start(ctx context.Context) {
	b.logger.Info("telegram bridge started")

	var offset int64
	for {
		select {
		case <-ctx.Done():
			b.logger.Info("telegram bridge shutting down")
			return
		default:
		}

		updates, err := b.client.GetUpdates(ctx, offset)
		if err != nil {
			if ctx.Err() != nil {
				b.logger.Info("telegram bridge shutting down")
				return
			}
			b.logger.Warn("telegram getUpdates failed", "error", err)
			select {
			case <-ctx.Done():
			case <-time.After(pollRetryDelay):
			}
			continue
		}

		for _, update := range updates {
			if update.UpdateID >= offset {
				offset = update.UpdateID + 1
			}
			b.handleUpdate(ctx, update)
		}
	}
}

// Notify sends text to the configured notification chat. Used by the
// scheduler for task results. No-op when no chat is configured.
func (b *Bridge) Notify(ctx context.Context, text string) error {
	if b.notifyChat == 0 || text == "" {
		return nil
	}
	return b.client.SendMessage(ctx, b.notifyChat, text)
}

func (b *Bridge) handleUpdate(ctx context.Context, update Update) {
	msg := update.Message
	if msg == nil || msg.Text == "" {
		b.logger.Debug("telegram ignoring non-text update", "update_id", update.UpdateID)
		return
	}
	if msg.From == nil {
		b.logger.Debug("telegram ignoring update with no sender", "update_id", update.UpdateID)
		return
	}

	// An empty allowlist permits everyone; only sensible for testing.
	if len(b.authorized) > 0 && !b.authorized[msg.From.ID] {
		b.logger.Warn("telegram message from unauthorized user",
			"user_id", msg.From.ID,
			"username", msg.From.Username,
		)
		return
	}

	if !b.allowSender(msg.From.ID) {
		b.logger.Warn("telegram message rate-limited", "user_id", msg.From.ID)
		return
	}

	b.handleMessage(ctx, msg)
}

// handleMessage processes a single inbound message and sends the
// reply.
func (b *Bridge) handleMessage(ctx context.Context, msg *Message) {
	ctx, cancel := context.WithTimeout(ctx, handleTimeout)
	defer cancel()

	chatID := msg.Chat.ID
	text := strings.TrimSpace(msg.Text)

	b.logger.Info("telegram message received",
		"chat_id", chatID,
		"user_id", msg.From.ID,
		"message_len", len(text),
	)

	var reply string
	if strings.HasPrefix(text, "/") {
		reply = b.handleCommand(ctx, chatID, text)
	} else {
		// Show typing before the potentially long pipeline run.
		if err := b.client.SendTyping(ctx, chatID); err != nil {
			b.logger.Debug("telegram typing indicator failed", "error", err)
		}
		reply = b.process(ctx, chatID, text)
	}

	if reply == "" {
		return
	}

	// Send with a fresh background context so the reply still goes out
	// if the handler context timed out during processing.
	sendCtx, sendCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer sendCancel()
	if err := b.client.SendMessage(sendCtx, chatID, reply); err != nil {
		b.logger.Error("telegram reply send failed",
			"chat_id", chatID,
			"error", err,
		)
		return
	}

	b.logger.Info("telegram reply sent",
		"chat_id", chatID,
		"response_len", len(reply),
	)
}

// process runs a non-command message through the budget gate, the
// intent fast path, and finally the agent loop.
func (b *Bridge) process(ctx context.Context, chatID int64, text string) string {
	allowed, warning := b.governor.CheckBudget()
	if !allowed {
		return warning
	}

	it := b.extractor.Extract(ctx, text)
	if !it.NeedsFullAgent {
		if reply, handled := b.executor.Execute(ctx, it); handled {
			b.recordUsage(ctx, chatID, b.extractor.Model(), "intent", "", it.InputTokens, it.OutputTokens)
			if warning != "" {
				reply = reply + "\n\n" + warning
			}
			return reply
		}
	}
	// The extraction tokens are spent either way.
	if it.InputTokens > 0 || it.OutputTokens > 0 {
		b.recordUsage(ctx, chatID, b.extractor.Model(), "intent", "", it.InputTokens, it.OutputTokens)
	}

	result, err := b.runner.Respond(ctx, chatID, text)
	if err != nil {
		b.logger.Error("agent run failed", "chat_id", chatID, "error", err)
		// A turn that died mid-loop still spent tokens.
		if result != nil && (result.InputTokens > 0 || result.OutputTokens > 0) {
			b.recordUsage(ctx, chatID, result.Model, "chat", "", result.InputTokens, result.OutputTokens)
		}
		return "Something went wrong while handling that. Please try again."
	}
	b.recordUsage(ctx, chatID, result.Model, "chat", "", result.InputTokens, result.OutputTokens)

	reply := result.Reply
	if warning != "" {
		reply = reply + "\n\n" + warning
	}
	return reply
}

// recordUsage books tokens against the daily budget and, when a
// detail store is configured, the per-request ledger.
func (b *Bridge) recordUsage(ctx context.Context, chatID int64, model, kind, taskName string, inputTokens, outputTokens int) {
	if err := b.governor.Record(inputTokens, outputTokens); err != nil {
		b.logger.Warn("usage record failed", "error", err)
	}
	if b.detail == nil {
		return
	}
	rec := usage.Record{
		Timestamp:    time.Now(),
		ChatID:       chatID,
		Model:        model,
		InputTokens:  inputTokens,
		OutputTokens: outputTokens,
		CostUSD:      usage.EstimateCost(model, inputTokens, outputTokens),
		Kind:         kind,
		TaskName:     taskName,
	}
	if err := b.detail.Add(ctx, rec); err != nil {
		b.logger.Warn("usage detail record failed", "error", err)
	}
}

func (b *Bridge) handleCommand(ctx context.Context, chatID int64, text string) string {
	fields := strings.Fields(text)
	cmd := strings.ToLower(fields[0])
	// Telegram appends @botname in group chats.
	if i := strings.Index(cmd, "@"); i > 0 {
		cmd = cmd[:i]
	}
	args := fields[1:]

	switch cmd {
	case "/start":
		return "Hi, I'm Ivy. Tell me what you'd like to do with your home: " +
			"\"turn on the kitchen light\", \"lock the front door\", \"set the thermostat to 21\". " +
			"Send /status to see how things are running."

	case "/clear":
		b.runner.History().Clear(chatID)
		return "Conversation cleared."

	case "/status":
		return b.statusReport(ctx, chatID)

	case "/model":
		if len(args) == 0 {
			return fmt.Sprintf("Current model: %s\nSend /model <name> to switch.", b.runner.Model())
		}
		b.runner.SetModel(args[0])
		return fmt.Sprintf("Model set to %s.", args[0])

	case "/usage":
		return b.governor.StatusReport()

	case "/limit":
		if len(args) == 0 {
			return "Usage: /limit <daily token count>"
		}
		tokens, err := strconv.Atoi(args[0])
		if err != nil {
			return fmt.Sprintf("%q is not a number.", args[0])
		}
		if err := b.governor.SetDailyLimit(tokens); err != nil {
			return fmt.Sprintf("Couldn't set the limit: %v", err)
		}
		return fmt.Sprintf("Daily token limit set to %d.", tokens)

	case "/hardlimit":
		if len(args) == 0 {
			return "Usage: /hardlimit on|off"
		}
		switch strings.ToLower(args[0]) {
		case "on":
			if err := b.governor.SetHardLimit(true); err != nil {
				return fmt.Sprintf("Couldn't enable the hard limit: %v", err)
			}
			return "Hard limit enabled. Requests stop once the daily budget is spent."
		case "off":
			if err := b.governor.SetHardLimit(false); err != nil {
				return fmt.Sprintf("Couldn't disable the hard limit: %v", err)
			}
			return "Hard limit disabled. You'll still get warnings near the budget."
		default:
			return "Usage: /hardlimit on|off"
		}

	case "/resetusage":
		if err := b.governor.ResetToday(); err != nil {
			return fmt.Sprintf("Couldn't reset today's usage: %v", err)
		}
		return "Today's usage counters reset."

	default:
		return fmt.Sprintf("Unknown command %s.", cmd)
	}
}

func (b *Bridge) statusReport(ctx context.Context, chatID int64) string {
	var sb strings.Builder

	haState := "connected"
	if err := b.ha.Ping(ctx); err != nil {
		haState = fmt.Sprintf("unreachable (%v)", err)
	}
	fmt.Fprintf(&sb, "Home Assistant: %s\n", haState)

	if b.cache != nil {
		refreshed := "never"
		if t := b.cache.LastRefresh(); !t.IsZero() {
			refreshed = t.Format("Jan 2 15:04")
		}
		fmt.Fprintf(&sb, "Entity cache: %d entities, refreshed %s\n", b.cache.Len(), refreshed)
	}
	if b.aliases != nil {
		fmt.Fprintf(&sb, "Learned aliases: %d\n", b.aliases.Len())
	}

	fmt.Fprintf(&sb, "Model: %s\n", b.runner.Model())
	fmt.Fprintf(&sb, "History: %d messages in this chat\n", b.runner.History().Len(chatID))
	fmt.Fprintf(&sb, "Uptime: %s\n", buildinfo.Uptime())
	fmt.Fprintf(&sb, "Version: %s", buildinfo.Version)
	return sb.String()
}

// allowSender checks whether the sender is within the per-minute rate
// limit. Returns true if the message should be processed.
func (b *Bridge) allowSender(userID int64) bool {
	if b.rateLimit <= 0 {
		return true
	}

	now := time.Now()
	cutoff := now.Add(-rateWindow)

	b.mu.Lock()
	defer b.mu.Unlock()

	b.maybeCleanupLocked(now)

	timestamps := b.senderTimes[userID]
	valid := timestamps[:0]
	for _, ts := range timestamps {
		if ts.After(cutoff) {
			valid = append(valid, ts)
		}
	}

	if len(valid) >= b.rateLimit {
		b.senderTimes[userID] = valid
		return false
	}

	b.senderTimes[userID] = append(valid, now)
	return true
}

// maybeCleanupLocked evicts stale sender entries. Must be called with
// b.mu held.
func (b *Bridge) maybeCleanupLocked(now time.Time) {
	if now.Sub(b.lastCleanup) < cleanupInterval {
		return
	}
	b.lastCleanup = now

	cutoff := now.Add(-2 * rateWindow)
	for sender, timestamps := range b.senderTimes {
		if len(timestamps) == 0 {
			delete(b.senderTimes, sender)
			continue
		}
		if timestamps[len(timestamps)-1].Before(cutoff) {
			delete(b.senderTimes, sender)
		}
	}
}
