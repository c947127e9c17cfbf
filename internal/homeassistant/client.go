// Package homeassistant provides clients for the Home Assistant API.
// The REST client covers states, services, history, and automation
// config. Registry listings (entities, areas, devices) are only
// available over the WebSocket API; see WSClient.
package homeassistant

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/oakmere/ivy/internal/httpkit"
)

// Client is a Home Assistant REST API client.
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
}

// NewClient creates a new Home Assistant client. Transient network
// errors (host or network unreachable, connection refused) are retried
// inside the HTTP transport.
func NewClient(baseURL, token string, logger *slog.Logger) *Client {
	return &Client{
		baseURL: baseURL,
		token:   token,
		httpClient: httpkit.NewClient(
			httpkit.WithTimeout(30*time.Second),
			httpkit.WithRetry(3, 2*time.Second),
			httpkit.WithLogger(logger),
		),
	}
}

// State represents an entity state from Home Assistant.
type State struct {
	EntityID    string         `json:"entity_id"`
	State       string         `json:"state"`
	Attributes  map[string]any `json:"attributes"`
	LastChanged time.Time      `json:"last_changed"`
	LastUpdated time.Time      `json:"last_updated"`
}

// FriendlyName returns the friendly_name attribute, or the empty
// string when Home Assistant has none for this entity.
func (s State) FriendlyName() string {
	if fn, ok := s.Attributes["friendly_name"].(string); ok {
		return fn
	}
	return ""
}

// Domain returns the part of the entity ID before the dot.
func (s State) Domain() string {
	parts := SplitEntityID(s.EntityID)
	if parts == nil {
		return ""
	}
	return parts[0]
}

// APIStatus represents the HA API status response.
type APIStatus struct {
	Message string `json:"message"`
}

// Ping checks if the API is reachable.
func (c *Client) Ping(ctx context.Context) error {
	var status APIStatus
	if err := c.get(ctx, "/api/", &status); err != nil {
		return err
	}
	if status.Message != "API running." {
		return fmt.Errorf("unexpected API status: %s", status.Message)
	}
	return nil
}

// GetStates retrieves entity states, optionally filtered by domain.
// An empty domain returns everything.
func (c *Client) GetStates(ctx context.Context, domain string) ([]State, error) {
	var states []State
	if err := c.get(ctx, "/api/states", &states); err != nil {
		return nil, err
	}
	if domain == "" {
		return states, nil
	}

	filtered := states[:0]
	for _, s := range states {
		if s.Domain() == domain {
			filtered = append(filtered, s)
		}
	}
	return filtered, nil
}

// GetState retrieves a single entity state.
func (c *Client) GetState(ctx context.Context, entityID string) (*State, error) {
	var state State
	if err := c.get(ctx, "/api/states/"+entityID, &state); err != nil {
		return nil, err
	}
	return &state, nil
}

// CallService calls a Home Assistant service.
func (c *Client) CallService(ctx context.Context, domain, service string, data map[string]any) error {
	path := fmt.Sprintf("/api/services/%s/%s", domain, service)
	return c.post(ctx, path, data, nil)
}

// TurnOn turns an entity on. Extra service data (brightness, color)
// may be passed in data; a nil map is fine.
func (c *Client) TurnOn(ctx context.Context, entityID string, data map[string]any) error {
	return c.homeCall(ctx, "turn_on", entityID, data)
}

// TurnOff turns an entity off.
func (c *Client) TurnOff(ctx context.Context, entityID string) error {
	return c.homeCall(ctx, "turn_off", entityID, nil)
}

// Toggle toggles an entity.
func (c *Client) Toggle(ctx context.Context, entityID string) error {
	return c.homeCall(ctx, "toggle", entityID, nil)
}

// homeCall calls a homeassistant-domain service targeting one entity.
// The homeassistant domain accepts any entity, so callers never need
// to match the service domain to the entity domain.
func (c *Client) homeCall(ctx context.Context, service, entityID string, data map[string]any) error {
	payload := map[string]any{"entity_id": entityID}
	for k, v := range data {
		payload[k] = v
	}
	return c.CallService(ctx, "homeassistant", service, payload)
}

// Lock locks a lock entity.
func (c *Client) Lock(ctx context.Context, entityID string) error {
	return c.CallService(ctx, "lock", "lock", map[string]any{"entity_id": entityID})
}

// Unlock unlocks a lock entity.
func (c *Client) Unlock(ctx context.Context, entityID string) error {
	return c.CallService(ctx, "lock", "unlock", map[string]any{"entity_id": entityID})
}

// SetTemperature sets the target temperature on a climate entity.
func (c *Client) SetTemperature(ctx context.Context, entityID string, temperature float64) error {
	return c.CallService(ctx, "climate", "set_temperature", map[string]any{
		"entity_id":   entityID,
		"temperature": temperature,
	})
}

// GetHistory retrieves state history for an entity since the given
// time. Home Assistant returns one list per requested entity; this
// flattens the single-entity response.
func (c *Client) GetHistory(ctx context.Context, entityID string, since time.Time) ([]State, error) {
	path := fmt.Sprintf("/api/history/period/%s?filter_entity_id=%s",
		since.UTC().Format(time.RFC3339), url.QueryEscape(entityID))

	var periods [][]State
	if err := c.get(ctx, path, &periods); err != nil {
		return nil, err
	}
	if len(periods) == 0 {
		return nil, nil
	}
	return periods[0], nil
}

// ServiceDomain describes the services available under one domain.
type ServiceDomain struct {
	Domain   string                   `json:"domain"`
	Services map[string]ServiceDetail `json:"services"`
}

// ServiceDetail describes a single service.
type ServiceDetail struct {
	Name        string `json:"name"`
	Description string `json:"description"`
}

// GetServices retrieves all registered services grouped by domain.
func (c *Client) GetServices(ctx context.Context) ([]ServiceDomain, error) {
	var domains []ServiceDomain
	if err := c.get(ctx, "/api/services", &domains); err != nil {
		return nil, err
	}
	return domains, nil
}

// TriggerAutomation triggers an automation entity immediately,
// skipping its conditions.
func (c *Client) TriggerAutomation(ctx context.Context, entityID string) error {
	return c.CallService(ctx, "automation", "trigger", map[string]any{
		"entity_id":      entityID,
		"skip_condition": true,
	})
}

// AutomationConfig is the automation definition accepted by the
// config API. Trigger/Condition/Action use the raw HA schema.
type AutomationConfig struct {
	ID          string           `json:"id,omitempty"`
	Alias       string           `json:"alias"`
	Description string           `json:"description,omitempty"`
	Mode        string           `json:"mode,omitempty"`
	Triggers    []map[string]any `json:"trigger"`
	Conditions  []map[string]any `json:"condition,omitempty"`
	Actions     []map[string]any `json:"action"`
}

// CreateAutomation creates or replaces an automation via the config
// API and reloads automations so it takes effect immediately.
func (c *Client) CreateAutomation(ctx context.Context, id string, cfg AutomationConfig) error {
	cfg.ID = id
	if err := c.post(ctx, "/api/config/automation/config/"+id, cfg, nil); err != nil {
		return fmt.Errorf("create automation %s: %w", id, err)
	}
	return c.CallService(ctx, "automation", "reload", nil)
}

// ListAutomations returns the states of all automation entities.
func (c *Client) ListAutomations(ctx context.Context) ([]State, error) {
	return c.GetStates(ctx, "automation")
}

// DeleteAutomation removes an automation by its config ID.
func (c *Client) DeleteAutomation(ctx context.Context, id string) error {
	return c.delete(ctx, "/api/config/automation/config/"+id)
}

// SplitEntityID splits "domain.object_id" at the first dot. Returns
// nil when the ID has no dot.
func SplitEntityID(entityID string) []string {
	for i, ch := range entityID {
		if ch == '.' {
			return []string{entityID[:i], entityID[i+1:]}
		}
	}
	return nil
}

// get performs a GET request to the HA API.
func (c *Client) get(ctx context.Context, path string, result any) error {
	return c.do(ctx, http.MethodGet, path, nil, result)
}

// post performs a POST request to the HA API.
func (c *Client) post(ctx context.Context, path string, data any, result any) error {
	var body []byte
	if data != nil {
		var err error
		body, err = json.Marshal(data)
		if err != nil {
			return fmt.Errorf("marshal data: %w", err)
		}
	}
	return c.do(ctx, http.MethodPost, path, body, result)
}

// delete performs a DELETE request to the HA API.
func (c *Client) delete(ctx context.Context, path string) error {
	return c.do(ctx, http.MethodDelete, path, nil, nil)
}

func (c *Client) do(ctx context.Context, method, path string, body []byte, result any) error {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request %s: %w", path, err)
	}
	// Drain and close to ensure connection reuse even when result is nil.
	defer httpkit.DrainAndClose(resp.Body, 4096)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		errBody := httpkit.ReadErrorBody(resp.Body, 512)
		return fmt.Errorf("API error %d: %s", resp.StatusCode, errBody)
	}

	if result != nil {
		if err := json.NewDecoder(resp.Body).Decode(result); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
	}

	return nil
}
