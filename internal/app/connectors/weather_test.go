package connectors

import (
	"context"
	"io"
	"net/http"
	"strings"
	"testing"
	"time"

	domain "github.com/r3e-network/area-engine/internal/app/domain/automation"
)

type fakeWeatherDoer struct {
	body       string
	statusCode int
}

func (f fakeWeatherDoer) Do(_ *http.Request) (*http.Response, error) {
	status := f.statusCode
	if status == 0 {
		status = http.StatusOK
	}
	return &http.Response{
		StatusCode: status,
		Status:     http.StatusText(status),
		Body:       io.NopCloser(strings.NewReader(f.body)),
	}, nil
}

const extremeHeatResponse = `{
	"main": {"temp": 40, "humidity": 10, "pressure": 1005},
	"wind": {"speed": 3},
	"weather": [{"description": "clear sky"}]
}`

func TestWeatherFetcher_NamedConditionMatches(t *testing.T) {
	fetcher := NewWeatherFetcher().WithClient(fakeWeatherDoer{body: extremeHeatResponse})

	auto := domain.Automation{
		ID:           "auto-1",
		ActionConfig: domain.Config{"location": "Cairo,EG", "condition": "extreme_heat"},
	}
	token := domain.ServiceToken{AccessToken: "api-key"}

	items, err := fetcher.Fetch(context.Background(), auto, domain.ActionState{}, token)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(items) != 1 {
		t.Fatalf("expected one matched item, got %d", len(items))
	}
	if items[0].TriggerData["temperature"] != 40.0 {
		t.Fatalf("expected temperature 40, got %v", items[0].TriggerData["temperature"])
	}
}

func TestWeatherFetcher_ConditionNotMetReturnsNothing(t *testing.T) {
	fetcher := NewWeatherFetcher().WithClient(fakeWeatherDoer{body: extremeHeatResponse})

	auto := domain.Automation{
		ID:           "auto-1",
		ActionConfig: domain.Config{"location": "Cairo,EG", "condition": "extreme_cold"},
	}
	token := domain.ServiceToken{AccessToken: "api-key"}

	items, err := fetcher.Fetch(context.Background(), auto, domain.ActionState{}, token)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(items) != 0 {
		t.Fatalf("expected no matches, got %d", len(items))
	}
}

func TestWeatherFetcher_SameDayConditionDoesNotRefire(t *testing.T) {
	fetcher := NewWeatherFetcher().WithClient(fakeWeatherDoer{body: extremeHeatResponse})

	auto := domain.Automation{
		ID:           "auto-1",
		ActionConfig: domain.Config{"location": "Cairo,EG", "condition": "extreme_heat"},
	}
	token := domain.ServiceToken{AccessToken: "api-key"}
	state := domain.ActionState{LastEventID: "Cairo,EG_" + time.Now().UTC().Format("2006-01-02")}

	items, err := fetcher.Fetch(context.Background(), auto, state, token)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(items) != 0 {
		t.Fatalf("expected the already-seen day to be deduplicated, got %d", len(items))
	}
}

func TestWeatherFetcher_MissingLocationErrors(t *testing.T) {
	fetcher := NewWeatherFetcher().WithClient(fakeWeatherDoer{body: extremeHeatResponse})

	auto := domain.Automation{ID: "auto-1", ActionConfig: domain.Config{}}
	token := domain.ServiceToken{AccessToken: "api-key"}

	if _, err := fetcher.Fetch(context.Background(), auto, domain.ActionState{}, token); err == nil {
		t.Fatal("expected an error for a missing location")
	}
}
