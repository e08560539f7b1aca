// Package connectors holds concrete, deployment-level implementations of
// the automation engine's pluggable interfaces (ReactionHandler,
// TokenRefresher, PollFetcher) for the engine's built-in service roster.
// Wiring these into app.Connectors is the cmd/areaengine entry point's job,
// not something the core package hardcodes.
package connectors

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/PaesslerAG/gval"
	"github.com/PaesslerAG/jsonpath"

	automationsvc "github.com/r3e-network/area-engine/internal/app/services/automation"

	domain "github.com/r3e-network/area-engine/internal/app/domain/automation"
)

const weatherBaseURL = "https://api.openweathermap.org/data/2.5/weather"

// weatherFieldPaths names the JSONPath expressions used to flatten an
// OpenWeatherMap "current weather" response into the scalar fields a
// condition expression can reference by name.
var weatherFieldPaths = map[string]string{
	"temp":        "$.main.temp",
	"humidity":    "$.main.humidity",
	"pressure":    "$.main.pressure",
	"wind_speed":  "$.wind.speed",
	"description": "$.weather[0].description",
}

// namedWeatherConditions maps the original helper's fixed condition labels
// to the gval boolean expression they amounted to, so an Automation can
// still say condition = "extreme_heat" instead of hand-writing "temp > 35".
var namedWeatherConditions = map[string]string{
	"rain":         `description =~ "rain"`,
	"snow":         `description =~ "snow"`,
	"extreme_heat": "temp > 35",
	"extreme_cold": "temp < -10",
	"windy":        "wind_speed > 10",
}

// httpDoer is satisfied by *http.Client; a test can substitute a fake.
type httpDoer interface {
	Do(req *http.Request) (*http.Response, error)
}

// WeatherFetcher polls OpenWeatherMap's current-weather endpoint for an
// Automation's configured location and admits an Execution whenever the
// Automation's condition expression evaluates true against the response.
//
// action_config recognises:
//   - "location" (required): the OpenWeatherMap query, e.g. "Paris,FR"
//   - "condition": one of the namedWeatherConditions keys, or a raw gval
//     boolean expression over temp/humidity/pressure/wind_speed/description
//   - "units": "metric" (default), "imperial", or "standard"
//
// The ServiceToken's AccessToken field carries the OpenWeatherMap API key;
// weather has no OAuth flow, so the Token Broker's refresh path is unused
// and GetValidToken simply hands back whatever key was stored for the owner.
type WeatherFetcher struct {
	client httpDoer
	eval   gval.Language
}

var _ automationsvc.PollFetcher = (*WeatherFetcher)(nil)

// NewWeatherFetcher builds a fetcher using http.DefaultClient.
func NewWeatherFetcher() *WeatherFetcher {
	return &WeatherFetcher{client: http.DefaultClient, eval: gval.Full()}
}

// WithClient overrides the HTTP client, for tests.
func (f *WeatherFetcher) WithClient(client httpDoer) *WeatherFetcher {
	f.client = client
	return f
}

func (f *WeatherFetcher) Fetch(ctx context.Context, a domain.Automation, state domain.ActionState, token domain.ServiceToken) ([]automationsvc.PollItem, error) {
	location, _ := a.ActionConfig["location"].(string)
	location = strings.TrimSpace(location)
	if location == "" {
		return nil, fmt.Errorf("weather: automation %s has no action_config.location", a.ID)
	}
	if token.AccessToken == "" {
		return nil, fmt.Errorf("weather: automation %s has no API key configured", a.ID)
	}

	units, _ := a.ActionConfig["units"].(string)
	switch units {
	case "metric", "imperial", "standard":
	default:
		units = "metric"
	}

	raw, err := f.fetchCurrentWeather(ctx, location, units, token.AccessToken)
	if err != nil {
		return nil, err
	}

	fields, err := extractWeatherFields(raw)
	if err != nil {
		return nil, err
	}

	expr := conditionExpression(a.ActionConfig)
	if expr != "" {
		matched, err := f.eval.Evaluate(expr, fields)
		if err != nil {
			return nil, fmt.Errorf("weather: evaluating condition %q: %w", expr, err)
		}
		ok, _ := matched.(bool)
		if !ok {
			return nil, nil
		}
	}

	// One condition-crossing fires at most once per day per location: the
	// cursor is the calendar day, not the raw response, since the same
	// condition otherwise re-admits on every poll tick while it persists.
	day := time.Now().UTC().Format("2006-01-02")
	stableID := location + "_" + day
	if state.LastEventID == stableID {
		return nil, nil
	}

	triggerData := domain.Config{
		"location":    location,
		"condition":   expr,
		"temperature": fields["temp"],
		"humidity":    fields["humidity"],
		"wind_speed":  fields["wind_speed"],
		"description": fields["description"],
		"units":       units,
	}
	return []automationsvc.PollItem{{StableID: stableID, TriggerData: triggerData}}, nil
}

func conditionExpression(cfg domain.Config) string {
	cond, _ := cfg["condition"].(string)
	cond = strings.TrimSpace(cond)
	if cond == "" {
		return ""
	}
	if expr, ok := namedWeatherConditions[cond]; ok {
		return expr
	}
	return cond
}

func (f *WeatherFetcher) fetchCurrentWeather(ctx context.Context, location, units, apiKey string) (map[string]any, error) {
	query := url.Values{
		"q":     {location},
		"appid": {apiKey},
		"units": {units},
	}
	reqURL := weatherBaseURL + "?" + query.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, err
	}
	resp, err := f.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("weather: request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("weather: upstream returned %s", resp.Status)
	}

	var data map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&data); err != nil {
		return nil, fmt.Errorf("weather: decoding response: %w", err)
	}
	return data, nil
}

// extractWeatherFields flattens raw's nested JSON via JSONPath into the flat
// field set namedWeatherConditions and any custom condition expression can
// reference directly by name.
func extractWeatherFields(raw map[string]any) (map[string]any, error) {
	fields := make(map[string]any, len(weatherFieldPaths))
	for name, path := range weatherFieldPaths {
		value, err := jsonpath.Get(path, raw)
		if err != nil {
			// A missing field (e.g. no wind block reported) evaluates as
			// absent rather than failing the whole fetch.
			continue
		}
		fields[name] = normalizeWeatherValue(value)
	}
	return fields, nil
}

func normalizeWeatherValue(v any) any {
	if s, ok := v.(string); ok {
		return strings.ToLower(s)
	}
	return v
}
