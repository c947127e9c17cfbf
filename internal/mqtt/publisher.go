// Package mqtt publishes Home Assistant MQTT discovery messages and
// periodic sensor state updates so Ivy shows up as a native HA device
// with daily token usage sensors and availability tracking.
//
// The publisher uses Eclipse Paho v2's [autopaho] package for
// connection management with automatic reconnection. On every
// (re-)connect it publishes retained discovery configs for each sensor
// and a birth message ("online") to the availability topic. A will
// message flips the availability topic to "offline" on unexpected
// disconnects.
package mqtt

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"strconv"
	"time"

	"github.com/eclipse/paho.golang/autopaho"
	"github.com/eclipse/paho.golang/paho"

	"github.com/oakmere/ivy/internal/buildinfo"
	"github.com/oakmere/ivy/internal/config"
	"github.com/oakmere/ivy/internal/usage"
)

// publishInterval is how often sensor states are pushed to the broker.
const publishInterval = time.Minute

// UsageSource provides the daily token counters. The concrete
// implementation is *usage.Governor.
type UsageSource interface {
	Today() usage.Day
}

// CostSource provides the day's aggregated spend. The concrete
// implementation is *usage.Store. May be nil.
type CostSource interface {
	TotalSummary(start, end time.Time) (*usage.Summary, error)
}

// ModelSource reports the currently selected model. The concrete
// implementation is *agent.Loop.
type ModelSource interface {
	Model() string
}

// Publisher manages the MQTT connection, publishes HA discovery
// configs on (re-)connect, and runs a periodic loop that pushes sensor
// states to the broker.
type Publisher struct {
	cfg        config.MQTTConfig
	instanceID string
	device     DeviceInfo
	used       UsageSource
	cost       CostSource
	model      ModelSource
	logger     *slog.Logger
	cm         *autopaho.ConnectionManager
}

// New creates a Publisher but does not connect. Call [Publisher.Start]
// to begin the connection and publish loop.
func New(cfg config.MQTTConfig, instanceID string, used UsageSource, cost CostSource, model ModelSource, logger *slog.Logger) *Publisher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Publisher{
		cfg:        cfg,
		instanceID: instanceID,
		device:     NewDeviceInfo(instanceID, cfg.DeviceName),
		used:       used,
		cost:       cost,
		model:      model,
		logger:     logger,
	}
}

// Start connects to the broker and runs the publish loop until ctx is
// cancelled.
func (p *Publisher) Start(ctx context.Context) error {
	brokerURL, err := url.Parse(p.cfg.Broker)
	if err != nil {
		return fmt.Errorf("parse mqtt broker URL: %w", err)
	}

	pahoCfg := autopaho.ClientConfig{
		ServerUrls:      []*url.URL{brokerURL},
		KeepAlive:       30,
		ConnectUsername: p.cfg.Username,
		ConnectPassword: []byte(p.cfg.Password),
		WillMessage: &paho.WillMessage{
			Topic:   p.availabilityTopic(),
			Payload: []byte("offline"),
			QoS:     1,
			Retain:  true,
		},
		OnConnectionUp: func(cm *autopaho.ConnectionManager, _ *paho.Connack) {
			p.logger.Info("mqtt connected to broker", "broker", p.cfg.Broker)
			p.publishDiscovery(ctx, cm)
			p.publishAvailability(ctx, cm, "online")
		},
		OnConnectError: func(err error) {
			p.logger.Warn("mqtt connection error", "error", err)
		},
		ClientConfig: paho.ClientConfig{
			ClientID: "ivy-" + p.cfg.DeviceName,
		},
	}

	if brokerURL.Scheme == "mqtts" || brokerURL.Scheme == "ssl" {
		pahoCfg.TlsCfg = &tls.Config{MinVersion: tls.VersionTLS12}
	}

	cm, err := autopaho.NewConnection(ctx, pahoCfg)
	if err != nil {
		return fmt.Errorf("mqtt connect: %w", err)
	}
	p.cm = cm

	connCtx, connCancel := context.WithTimeout(ctx, 30*time.Second)
	defer connCancel()
	if err := cm.AwaitConnection(connCtx); err != nil {
		// autopaho keeps retrying in the background.
		p.logger.Warn("mqtt initial connection timed out, will retry", "error", err)
	}

	p.runLoop(ctx)
	return nil
}

// Stop publishes an "offline" availability message and disconnects.
func (p *Publisher) Stop(ctx context.Context) error {
	if p.cm == nil {
		return nil
	}
	p.publishAvailability(ctx, p.cm, "offline")
	return p.cm.Disconnect(ctx)
}

// --- Topic helpers ---

func (p *Publisher) baseTopic() string {
	return "ivy/" + p.cfg.DeviceName
}

func (p *Publisher) availabilityTopic() string {
	return p.baseTopic() + "/availability"
}

func (p *Publisher) stateTopic(entity string) string {
	return p.baseTopic() + "/" + entity + "/state"
}

func (p *Publisher) discoveryTopic(component, entity string) string {
	return p.cfg.DiscoveryPrefix + "/" + component + "/" + p.cfg.DeviceName + "/" + entity + "/config"
}

// --- Discovery ---

type sensorDef struct {
	entitySuffix string
	config       SensorConfig
}

// sensorDefinitions lists the sensors Ivy exposes. Names are short and
// HasEntityName is set so HA prefixes them with the device name
// without doubling it in the entity ID.
func (p *Publisher) sensorDefinitions() []sensorDef {
	avail := p.availabilityTopic()

	sensor := func(suffix, name, icon string) sensorDef {
		return sensorDef{
			entitySuffix: suffix,
			config: SensorConfig{
				Name:              name,
				ObjectID:          suffix,
				HasEntityName:     true,
				UniqueID:          p.instanceID + "_" + suffix,
				StateTopic:        p.stateTopic(suffix),
				AvailabilityTopic: avail,
				Device:            p.device,
				Icon:              icon,
			},
		}
	}

	inputTokens := sensor("input_tokens_today", "Input Tokens Today", "mdi:import")
	inputTokens.config.StateClass = "total_increasing"
	inputTokens.config.UnitOfMeasurement = "tokens"

	outputTokens := sensor("output_tokens_today", "Output Tokens Today", "mdi:export")
	outputTokens.config.StateClass = "total_increasing"
	outputTokens.config.UnitOfMeasurement = "tokens"

	requests := sensor("requests_today", "Requests Today", "mdi:counter")
	requests.config.StateClass = "total_increasing"

	cost := sensor("cost_today", "Cost Today", "mdi:currency-usd")
	cost.config.StateClass = "total_increasing"
	cost.config.UnitOfMeasurement = "USD"

	uptime := sensor("uptime", "Uptime", "mdi:clock-outline")
	uptime.config.EntityCategory = "diagnostic"

	model := sensor("model", "Model", "mdi:brain")
	model.config.EntityCategory = "diagnostic"

	version := sensor("version", "Version", "mdi:tag")
	version.config.EntityCategory = "diagnostic"

	return []sensorDef{inputTokens, outputTokens, requests, cost, uptime, model, version}
}

func (p *Publisher) publishDiscovery(ctx context.Context, cm *autopaho.ConnectionManager) {
	for _, s := range p.sensorDefinitions() {
		topic := p.discoveryTopic("sensor", s.entitySuffix)
		payload, err := json.Marshal(s.config)
		if err != nil {
			p.logger.Error("mqtt marshal discovery payload",
				"entity", s.entitySuffix, "error", err)
			continue
		}

		if _, err := cm.Publish(ctx, &paho.Publish{
			Topic:   topic,
			Payload: payload,
			QoS:     1,
			Retain:  true,
		}); err != nil {
			p.logger.Warn("mqtt discovery publish failed",
				"entity", s.entitySuffix, "topic", topic, "error", err)
		}
	}
	p.logger.Debug("mqtt discovery published", "sensors", len(p.sensorDefinitions()))
}

func (p *Publisher) publishAvailability(ctx context.Context, cm *autopaho.ConnectionManager, status string) {
	if _, err := cm.Publish(ctx, &paho.Publish{
		Topic:   p.availabilityTopic(),
		Payload: []byte(status),
		QoS:     1,
		Retain:  true,
	}); err != nil {
		p.logger.Warn("mqtt availability publish failed", "status", status, "error", err)
		return
	}
	p.logger.Info("mqtt availability published", "status", status)
}

// --- Periodic state loop ---

func (p *Publisher) runLoop(ctx context.Context) {
	ticker := time.NewTicker(publishInterval)
	defer ticker.Stop()

	p.publishStates(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.publishStates(ctx)
		}
	}
}

// sensorStates snapshots the current sensor values.
func (p *Publisher) sensorStates(ctx context.Context) map[string]string {
	day := p.used.Today()
	states := map[string]string{
		"input_tokens_today":  strconv.Itoa(day.InputTokens),
		"output_tokens_today": strconv.Itoa(day.OutputTokens),
		"requests_today":      strconv.Itoa(day.Requests),
		"uptime":              buildinfo.Uptime().String(),
		"version":             buildinfo.Version,
	}

	if p.model != nil {
		states["model"] = p.model.Model()
	}

	if p.cost != nil {
		now := time.Now()
		start := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location())
		if sum, err := p.cost.TotalSummary(start, now.Add(time.Minute)); err == nil {
			states["cost_today"] = strconv.FormatFloat(sum.TotalCostUSD, 'f', 4, 64)
		} else {
			p.logger.Debug("mqtt cost summary failed", "error", err)
		}
	}
	return states
}

func (p *Publisher) publishStates(ctx context.Context) {
	if p.cm == nil {
		return
	}

	states := p.sensorStates(ctx)
	for entity, value := range states {
		if _, err := p.cm.Publish(ctx, &paho.Publish{
			Topic:   p.stateTopic(entity),
			Payload: []byte(value),
			QoS:     0,
			Retain:  true,
		}); err != nil {
			p.logger.Debug("mqtt state publish failed", "entity", entity, "error", err)
		}
	}

	p.logger.Debug("mqtt sensor states published", "entities", len(states))
}
