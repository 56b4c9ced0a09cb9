package providers

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/sony/gobreaker"

	"github.com/i474232898/meteo-dashboard/internal/config"
	"github.com/i474232898/meteo-dashboard/internal/forecast"
	"github.com/i474232898/meteo-dashboard/internal/resilience"
)

const (
	hourlyFields = "temperature_2m,relative_humidity_2m,weathercode"
	dailyFields  = "temperature_2m_max,temperature_2m_min,sunrise,sunset,weathercode"
)

var upstreamRequests = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "dashboard_forecast_upstream_requests_total",
	Help: "Open-Meteo requests by endpoint and outcome.",
}, []string{"endpoint", "outcome"})

// OpenMeteo implements forecast.Provider against the public Open-Meteo
// geocoding and forecast APIs. No API key is needed.
type OpenMeteo struct {
	geocodingURL string
	forecastURL  string
	language     string
	days         int
	client       *http.Client
	circuit      *gobreaker.CircuitBreaker
}

func NewOpenMeteo(cfg config.ForecastConfig, client *http.Client) *OpenMeteo {
	if client == nil {
		client = http.DefaultClient
	}
	days := cfg.Days
	if days <= 0 {
		days = forecast.MaxDailyItems
	}
	return &OpenMeteo{
		geocodingURL: cfg.GeocodingURL,
		forecastURL:  cfg.ForecastURL,
		language:     cfg.Language,
		days:         days,
		client:       client,
		circuit:      resilience.NewBreaker("openmeteo"),
	}
}

// SearchPlaces queries the geocoding API.
func (p *OpenMeteo) SearchPlaces(ctx context.Context, name string, limit int) ([]forecast.Place, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return []forecast.Place{}, nil
	}

	values := url.Values{}
	values.Set("name", name)
	values.Set("count", strconv.Itoa(limit))
	if p.language != "" {
		values.Set("language", p.language)
	}
	values.Set("format", "json")

	var payload struct {
		Results []struct {
			ID          int64   `json:"id"`
			Name        string  `json:"name"`
			Latitude    float64 `json:"latitude"`
			Longitude   float64 `json:"longitude"`
			Country     string  `json:"country"`
			CountryCode string  `json:"country_code"`
			Admin1      string  `json:"admin1"`
			Timezone    string  `json:"timezone"`
		} `json:"results"`
	}
	if err := p.get(ctx, "geocoding", p.geocodingURL, values, &payload); err != nil {
		return nil, fmt.Errorf("search places %q: %w", name, err)
	}

	places := make([]forecast.Place, 0, len(payload.Results))
	for _, r := range payload.Results {
		places = append(places, forecast.Place{
			ID:          r.ID,
			Name:        r.Name,
			Country:     r.Country,
			CountryCode: r.CountryCode,
			Region:      r.Admin1,
			Latitude:    r.Latitude,
			Longitude:   r.Longitude,
			Timezone:    r.Timezone,
		})
	}
	return places, nil
}

// Forecast fetches current conditions plus hourly and daily series.
func (p *OpenMeteo) Forecast(ctx context.Context, latitude, longitude float64) (forecast.Report, error) {
	values := url.Values{}
	values.Set("latitude", strconv.FormatFloat(latitude, 'f', -1, 64))
	values.Set("longitude", strconv.FormatFloat(longitude, 'f', -1, 64))
	values.Set("current_weather", "true")
	values.Set("hourly", hourlyFields)
	values.Set("daily", dailyFields)
	values.Set("timezone", "auto")
	values.Set("forecast_days", strconv.Itoa(p.days))

	var report forecast.Report
	if err := p.get(ctx, "forecast", p.forecastURL, values, &report); err != nil {
		return forecast.Report{}, fmt.Errorf("forecast %.4f,%.4f: %w", latitude, longitude, err)
	}
	return report, nil
}

func (p *OpenMeteo) get(ctx context.Context, endpoint, baseURL string, values url.Values, out any) error {
	buildRequest := func() (*http.Request, error) {
		u := fmt.Sprintf("%s?%s", baseURL, values.Encode())
		return http.NewRequest(http.MethodGet, u, nil)
	}

	resp, err := resilience.Do(ctx, p.client, p.circuit, buildRequest)
	if err != nil {
		upstreamRequests.WithLabelValues(endpoint, "error").Inc()
		return err
	}
	defer resp.Body.Close()

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		upstreamRequests.WithLabelValues(endpoint, "decode_error").Inc()
		return fmt.Errorf("decode %s response: %w", endpoint, err)
	}
	upstreamRequests.WithLabelValues(endpoint, "ok").Inc()
	return nil
}
