// Package usage tracks token spend against a daily budget and keeps a
// detailed per-request history. The Governor holds the daily rollup
// that gates requests; Store keeps the append-only record behind the
// per-model breakdowns.
package usage

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// Pricing is USD per million tokens.
type Pricing struct {
	InputPerMillion  float64
	OutputPerMillion float64
}

// priceTiers maps a model name substring to its pricing. Matching is
// by substring so dated model IDs resolve without a table update.
var priceTiers = []struct {
	substr string
	Pricing
}{
	{"haiku", Pricing{0.80, 4.00}},
	{"sonnet", Pricing{3.00, 15.00}},
	{"opus", Pricing{15.00, 75.00}},
}

// EstimateCost returns the USD cost of a request. Models matching no
// tier are priced as sonnet.
func EstimateCost(model string, inputTokens, outputTokens int) float64 {
	p := Pricing{3.00, 15.00}
	lower := strings.ToLower(model)
	for _, tier := range priceTiers {
		if strings.Contains(lower, tier.substr) {
			p = tier.Pricing
			break
		}
	}
	return float64(inputTokens)/1_000_000*p.InputPerMillion +
		float64(outputTokens)/1_000_000*p.OutputPerMillion
}

// Day is one day's accumulated usage.
type Day struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
	Requests     int `json:"requests"`
}

// Total returns input plus output tokens.
func (d Day) Total() int {
	return d.InputTokens + d.OutputTokens
}

// Limits are the runtime-adjustable budget settings, persisted with
// the daily totals so /limit changes survive restarts.
type Limits struct {
	DailyTokenLimit  int     `json:"daily_token_limit"`
	WarningThreshold float64 `json:"warning_threshold"`
	HardLimitEnabled bool    `json:"hard_limit_enabled"`
}

// usageFile is the persisted format.
type usageFile struct {
	Daily  map[string]Day `json:"daily"`
	Limits Limits         `json:"config"`
}

// Governor enforces the daily token budget. All methods are safe for
// concurrent use.
type Governor struct {
	path   string
	logger *slog.Logger
	now    func() time.Time

	mu    sync.Mutex
	daily map[string]Day
	lim   Limits
}

// NewGovernor creates a governor persisting to the given JSON file
// with the supplied initial limits. Limits found in an existing file
// take precedence once Load runs.
func NewGovernor(path string, limits Limits, logger *slog.Logger) *Governor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Governor{
		path:   path,
		logger: logger,
		now:    time.Now,
		daily:  make(map[string]Day),
		lim:    limits,
	}
}

// Load reads persisted usage. A missing file is not an error.
func (g *Governor) Load() error {
	data, err := os.ReadFile(g.path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("read usage: %w", err)
	}

	var f usageFile
	if err := json.Unmarshal(data, &f); err != nil {
		return fmt.Errorf("parse usage: %w", err)
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	if f.Daily != nil {
		g.daily = f.Daily
	}
	if f.Limits.DailyTokenLimit > 0 {
		g.lim = f.Limits
	}
	return nil
}

// save persists state atomically. Caller holds the lock.
func (g *Governor) save() error {
	data, err := json.MarshalIndent(usageFile{Daily: g.daily, Limits: g.lim}, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal usage: %w", err)
	}
	tmp := g.path + ".tmp"
	if err := os.MkdirAll(filepath.Dir(g.path), 0o755); err != nil {
		return fmt.Errorf("create usage dir: %w", err)
	}
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write usage: %w", err)
	}
	if err := os.Rename(tmp, g.path); err != nil {
		return fmt.Errorf("replace usage: %w", err)
	}
	return nil
}

func (g *Governor) todayKey() string {
	return g.now().Format("2006-01-02")
}

// CheckBudget reports whether a new request may proceed. The warning
// is non-empty once today's total crosses the warning threshold, and
// allowed is false only when the hard limit is enabled and the limit
// is reached.
func (g *Governor) CheckBudget() (allowed bool, warning string) {
	g.mu.Lock()
	defer g.mu.Unlock()

	day := g.daily[g.todayKey()]
	total := day.Total()

	if g.lim.HardLimitEnabled && total >= g.lim.DailyTokenLimit {
		return false, fmt.Sprintf(
			"Daily token limit reached (%d/%d). Try again tomorrow or raise the limit with /limit.",
			total, g.lim.DailyTokenLimit)
	}

	if float64(total) >= g.lim.WarningThreshold*float64(g.lim.DailyTokenLimit) {
		remaining := g.lim.DailyTokenLimit - total
		if remaining < 0 {
			remaining = 0
		}
		warning = fmt.Sprintf("Heads up: %d of %d daily tokens used (%.0f%%), %d remaining.",
			total, g.lim.DailyTokenLimit,
			100*float64(total)/float64(g.lim.DailyTokenLimit),
			remaining)
	}
	return true, warning
}

// Record adds a request's tokens to today's totals and persists
// immediately so a crash cannot lose spend.
func (g *Governor) Record(inputTokens, outputTokens int) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	key := g.todayKey()
	day := g.daily[key]
	day.InputTokens += inputTokens
	day.OutputTokens += outputTokens
	day.Requests++
	g.daily[key] = day

	return g.save()
}

// Today returns today's accumulated usage.
func (g *Governor) Today() Day {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.daily[g.todayKey()]
}

// Limits returns the current budget settings.
func (g *Governor) Limits() Limits {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.lim
}

// SetDailyLimit updates the daily token limit.
func (g *Governor) SetDailyLimit(tokens int) error {
	if tokens <= 0 {
		return fmt.Errorf("daily limit must be positive")
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	g.lim.DailyTokenLimit = tokens
	return g.save()
}

// SetHardLimit enables or disables request blocking at the limit.
func (g *Governor) SetHardLimit(enabled bool) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.lim.HardLimitEnabled = enabled
	return g.save()
}

// ResetToday zeroes today's counters.
func (g *Governor) ResetToday() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.daily, g.todayKey())
	return g.save()
}

// StatusReport renders today's usage for the /usage command.
func (g *Governor) StatusReport() string {
	g.mu.Lock()
	day := g.daily[g.todayKey()]
	lim := g.lim
	g.mu.Unlock()

	hard := "off"
	if lim.HardLimitEnabled {
		hard = "on"
	}
	pct := 0.0
	if lim.DailyTokenLimit > 0 {
		pct = 100 * float64(day.Total()) / float64(lim.DailyTokenLimit)
	}
	return fmt.Sprintf(
		"Today: %d tokens (%d in, %d out) over %d requests\nBudget: %d/%d (%.0f%%), hard limit %s",
		day.Total(), day.InputTokens, day.OutputTokens, day.Requests,
		day.Total(), lim.DailyTokenLimit, pct, hard)
}
