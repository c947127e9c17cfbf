// Ivy is a conversational Home Assistant bridge.
//
// It listens for Telegram messages from authorized users, translates
// them into Home Assistant actions through an intent fast path or a
// full tool-calling agent loop, and tracks daily token spend against a
// configurable budget. Configuration is loaded from a single YAML file
// discovered automatically (see [config.DefaultSearchPaths]).
//
// Usage:
//
//	ivy serve       Start the Telegram bridge
//	ivy init [dir]  Write an example config.yaml to dir
//	ivy version     Print version and build information
package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/oakmere/ivy/examples"
	"github.com/oakmere/ivy/internal/agent"
	"github.com/oakmere/ivy/internal/alias"
	"github.com/oakmere/ivy/internal/buildinfo"
	"github.com/oakmere/ivy/internal/config"
	"github.com/oakmere/ivy/internal/entitycache"
	"github.com/oakmere/ivy/internal/homeassistant"
	"github.com/oakmere/ivy/internal/intent"
	"github.com/oakmere/ivy/internal/llm"
	"github.com/oakmere/ivy/internal/mqtt"
	"github.com/oakmere/ivy/internal/scheduler"
	"github.com/oakmere/ivy/internal/telegram"
	"github.com/oakmere/ivy/internal/tools"
	"github.com/oakmere/ivy/internal/usage"
)

// telegramRateLimit caps messages per user per minute.
const telegramRateLimit = 20

// main constructs the OS-level environment and delegates to [run] so
// the startup-to-shutdown lifecycle can be driven from tests.
func main() {
	ctx := context.Background()

	if err := run(ctx, os.Stdout, os.Stderr, os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", err)
		os.Exit(1)
	}
}

// run is the real entry point. Arguments are parsed by hand; the flag
// package's global state gets in the way of parallel tests and the
// surface here is two flags and two commands.
func run(ctx context.Context, stdout, stderr io.Writer, args []string) error {
	var configPath string
	var command string
	var cmdArgs []string

	for i := 0; i < len(args); i++ {
		switch {
		case args[i] == "-config" && i+1 < len(args):
			configPath = args[i+1]
			i++
		case strings.HasPrefix(args[i], "-config="):
			configPath = strings.TrimPrefix(args[i], "-config=")
		case args[i] == "-h" || args[i] == "-help" || args[i] == "--help":
			return printUsage(stdout)
		case !strings.HasPrefix(args[i], "-") && command == "":
			command = args[i]
		case !strings.HasPrefix(args[i], "-"):
			cmdArgs = append(cmdArgs, args[i])
		default:
			return fmt.Errorf("unknown flag: %s", args[i])
		}
	}

	switch command {
	case "serve":
		return runServe(ctx, stdout, configPath)
	case "init":
		dir := "."
		if len(cmdArgs) > 0 {
			dir = cmdArgs[0]
		}
		return runInit(stdout, dir)
	case "version":
		fmt.Fprintln(stdout, buildinfo.String())
		return nil
	case "":
		return printUsage(stdout)
	default:
		return fmt.Errorf("unknown command: %s", command)
	}
}

// runInit writes the example config into dir, refusing to overwrite.
func runInit(stdout io.Writer, dir string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create %s: %w", dir, err)
	}

	path := filepath.Join(dir, "config.yaml")
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("%s already exists, not overwriting", path)
	}
	if err := os.WriteFile(path, examples.ConfigYAML, 0o600); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}

	fmt.Fprintf(stdout, "Wrote %s\n", path)
	fmt.Fprintln(stdout, "Fill in your Home Assistant token, Anthropic API key, and Telegram bot token, then run: ivy serve")
	return nil
}

func printUsage(w io.Writer) error {
	fmt.Fprintln(w, "Ivy - Conversational Home Assistant Bridge")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Usage: ivy [flags] <command>")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Commands:")
	fmt.Fprintln(w, "  serve       Start the Telegram bridge")
	fmt.Fprintln(w, "  init [dir]  Write an example config.yaml (default: .)")
	fmt.Fprintln(w, "  version     Show version information")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Flags:")
	fmt.Fprintln(w, "  -config <path>    Path to config file (default: auto-discover)")
	return nil
}

// registrySource combines the REST and WebSocket clients into the
// entity cache's refresh source.
type registrySource struct {
	*homeassistant.Client
	*homeassistant.WSClient
}

// runServe is the primary operating mode: load config, connect to Home
// Assistant and Telegram, wire the intent pipeline and agent loop, and
// block until a shutdown signal arrives.
func runServe(ctx context.Context, stdout io.Writer, configPath string) error {
	logger := newLogger(stdout, slog.LevelInfo)
	logger.Info("starting Ivy", "version", buildinfo.Version, "commit", buildinfo.GitCommit, "built", buildinfo.BuildTime)

	cfgFile, err := config.FindConfig(configPath)
	if err != nil {
		return err
	}
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return err
	}

	// Reconfigure the logger now the desired level is known. The
	// initial Info-level logger covers only the startup banner.
	if cfg.LogLevel != "" {
		level, err := config.ParseLogLevel(cfg.LogLevel)
		if err != nil {
			return err
		}
		logger = newLogger(stdout, level)
	}
	logger.Info("config loaded", "path", cfgFile, "model", cfg.Anthropic.Model)

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return fmt.Errorf("create data directory %s: %w", cfg.DataDir, err)
	}

	// --- Home Assistant ---
	// The REST client handles states and services; the WebSocket client
	// handles the area, entity, and device registries.
	ha := homeassistant.NewClient(cfg.HomeAssistant.URL, cfg.HomeAssistant.Token, logger)

	pingCtx, pingCancel := context.WithTimeout(ctx, 15*time.Second)
	err = ha.Ping(pingCtx)
	pingCancel()
	if err != nil {
		return fmt.Errorf("home assistant unreachable at %s: %w", cfg.HomeAssistant.URL, err)
	}
	logger.Info("connected to Home Assistant", "url", cfg.HomeAssistant.URL)

	haWS := homeassistant.NewWSClient(cfg.HomeAssistant.URL, cfg.HomeAssistant.Token, logger)
	wsCtx, wsCancel := context.WithTimeout(ctx, 30*time.Second)
	err = haWS.Connect(wsCtx)
	wsCancel()
	if err != nil {
		return fmt.Errorf("home assistant websocket: %w", err)
	}
	defer haWS.Close()

	// --- LLM client ---
	llmClient := llm.NewAnthropicClient(cfg.Anthropic.APIKey, logger)

	// --- Entity cache ---
	cache := entitycache.New(
		filepath.Join(cfg.DataDir, "entity_cache.json"),
		time.Duration(cfg.Cache.RefreshIntervalHours)*time.Hour,
		logger,
	)
	if err := cache.Load(); err != nil {
		logger.Warn("entity cache load failed, starting empty", "error", err)
	}
	source := &registrySource{Client: ha, WSClient: haWS}
	if cache.NeedsRefresh() {
		refreshCtx, refreshCancel := context.WithTimeout(ctx, 2*time.Minute)
		err = cache.Refresh(refreshCtx, source)
		refreshCancel()
		if err != nil {
			if cache.Len() == 0 {
				return fmt.Errorf("initial entity cache refresh: %w", err)
			}
			logger.Warn("entity cache refresh failed, using stale snapshot", "error", err)
		}
	}
	logger.Info("entity cache ready", "entities", cache.Len())

	// Periodic background refresh.
	refreshTicker := time.NewTicker(time.Duration(cfg.Cache.RefreshIntervalHours) * time.Hour)
	defer refreshTicker.Stop()
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case <-refreshTicker.C:
				refreshCtx, cancel := context.WithTimeout(ctx, 2*time.Minute)
				if err := cache.Refresh(refreshCtx, source); err != nil {
					logger.Warn("periodic entity cache refresh failed", "error", err)
				}
				cancel()
			}
		}
	}()

	// --- Aliases ---
	aliases := alias.NewStore(filepath.Join(cfg.DataDir, "aliases.json"), logger)
	if err := aliases.Load(); err != nil {
		return fmt.Errorf("load alias store: %w", err)
	}
	logger.Info("alias store ready", "aliases", aliases.Len())

	// --- Usage tracking ---
	governor := usage.NewGovernor(
		filepath.Join(cfg.DataDir, "usage.json"),
		usage.Limits{
			DailyTokenLimit:  cfg.Usage.DailyTokenLimit,
			WarningThreshold: cfg.Usage.WarningThreshold,
			HardLimitEnabled: cfg.Usage.HardLimitEnabled,
		},
		logger,
	)
	if err := governor.Load(); err != nil {
		return fmt.Errorf("load usage governor: %w", err)
	}

	detail, err := usage.NewStore(filepath.Join(cfg.DataDir, "usage.db"))
	if err != nil {
		return fmt.Errorf("open usage store: %w", err)
	}
	defer detail.Close()

	// --- Agent loop and intent pipeline ---
	registry := tools.NewRegistry(ha, cache, aliases, logger)
	history := agent.NewHistory(cfg.Anthropic.MaxHistory)
	loop := agent.NewLoop(llmClient, cfg.Anthropic.Model, registry, cache, aliases, history, logger)

	extractor := intent.NewExtractor(llmClient, cfg.Anthropic.Model, cache, aliases, ha, logger)
	executor := intent.NewExecutor(ha, cache, aliases, nil, logger)

	// --- Telegram ---
	tg := telegram.NewClient(cfg.Telegram.Token, logger)
	meCtx, meCancel := context.WithTimeout(ctx, 15*time.Second)
	me, err := tg.GetMe(meCtx)
	meCancel()
	if err != nil {
		return fmt.Errorf("telegram: %w", err)
	}
	logger.Info("connected to Telegram", "bot", me.Username)

	bridge := telegram.NewBridge(telegram.BridgeConfig{
		Client:          tg,
		Runner:          loop,
		Extractor:       extractor,
		Executor:        executor,
		Governor:        governor,
		Detail:          detail,
		HA:              ha,
		Cache:           cache,
		Aliases:         aliases,
		Logger:          logger,
		AuthorizedUsers: cfg.Telegram.AuthorizedUsers,
		NotifyChatID:    cfg.Telegram.NotificationChatID,
		RateLimit:       telegramRateLimit,
	})

	// --- Scheduler ---
	sched := scheduler.New(cfg.Schedules, loop, bridge, governor, detail, logger)
	sched.Start()
	defer sched.Stop()

	// --- Signal handling ---
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// --- MQTT presence ---
	var mqttPub *mqtt.Publisher
	if cfg.MQTT.Enabled {
		instanceID, err := mqtt.LoadOrCreateInstanceID(cfg.DataDir)
		if err != nil {
			return fmt.Errorf("mqtt instance ID: %w", err)
		}
		mqttPub = mqtt.New(cfg.MQTT, instanceID, governor, detail, loop, logger)
		go func() {
			if err := mqttPub.Start(ctx); err != nil {
				logger.Error("mqtt publisher stopped", "error", err)
			}
		}()
		logger.Info("mqtt presence enabled", "broker", cfg.MQTT.Broker, "device_name", cfg.MQTT.DeviceName)
	} else {
		logger.Info("mqtt presence disabled")
	}

	// Blocks until ctx is cancelled.
	bridge.Start(ctx)

	if mqttPub != nil {
		offlineCtx, offlineCancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := mqttPub.Stop(offlineCtx); err != nil {
			logger.Error("mqtt shutdown failed", "error", err)
		}
		offlineCancel()
	}

	logger.Info("Ivy stopped")
	return nil
}

// newLogger builds the shared slog logger. All Ivy log output goes
// through here so trace-level naming stays consistent.
func newLogger(w io.Writer, level slog.Level) *slog.Logger {
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{
		Level:       level,
		ReplaceAttr: config.ReplaceLogLevelNames,
	}))
}
