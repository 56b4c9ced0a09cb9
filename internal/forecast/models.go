package forecast

import (
	"context"
)

// Condition represents a normalized high-level weather condition.
type Condition string

const (
	ConditionUnknown Condition = "unknown"
	ConditionClear   Condition = "clear"
	ConditionCloudy  Condition = "cloudy"
	ConditionMist    Condition = "mist"
	ConditionDrizzle Condition = "drizzle"
	ConditionRain    Condition = "rain"
	ConditionSnow    Condition = "snow"
	ConditionStorm   Condition = "storm"
)

// Place is one geocoding candidate.
type Place struct {
	ID          int64   `json:"id,omitempty"`
	Name        string  `json:"name" validate:"required"`
	Country     string  `json:"country,omitempty"`
	CountryCode string  `json:"countryCode,omitempty"`
	Region      string  `json:"region,omitempty"` // admin1
	Latitude    float64 `json:"latitude" validate:"gte=-90,lte=90"`
	Longitude   float64 `json:"longitude" validate:"gte=-180,lte=180"`
	Timezone    string  `json:"timezone,omitempty"`
}

// Report is the forecast as the upstream returns it: parallel arrays keyed
// by local ISO times ("2006-01-02T15:04") and dates.
type Report struct {
	Latitude       float64         `json:"latitude"`
	Longitude      float64         `json:"longitude"`
	Timezone       string          `json:"timezone"`
	CurrentWeather *CurrentWeather `json:"current_weather"`
	Hourly         HourlySeries    `json:"hourly"`
	Daily          DailySeries     `json:"daily"`
}

type CurrentWeather struct {
	Time          string  `json:"time"`
	Temperature   float64 `json:"temperature"`
	WindSpeed     float64 `json:"windspeed"`
	WindDirection float64 `json:"winddirection"`
	WeatherCode   int     `json:"weathercode"`
}

type HourlySeries struct {
	Time        []string  `json:"time"`
	Temperature []float64 `json:"temperature_2m"`
	Humidity    []float64 `json:"relative_humidity_2m"`
	WeatherCode []int     `json:"weathercode"`
}

type DailySeries struct {
	Time        []string  `json:"time"`
	TempMax     []float64 `json:"temperature_2m_max"`
	TempMin     []float64 `json:"temperature_2m_min"`
	Sunrise     []string  `json:"sunrise"`
	Sunset      []string  `json:"sunset"`
	WeatherCode []int     `json:"weathercode"`
}

// View is what the dashboard renders for a city.
type View struct {
	Timezone string       `json:"timezone,omitempty"`
	Current  *Current     `json:"current,omitempty"`
	Sunrise  string       `json:"sunrise,omitempty"` // HH:MM, today
	Sunset   string       `json:"sunset,omitempty"`
	Hourly   []HourlyItem `json:"hourly"`
	Daily    []DailyItem  `json:"daily"`
}

type Current struct {
	Time        string    `json:"time"`
	Temperature float64   `json:"temperatureC"`
	WindSpeed   float64   `json:"windSpeedKmh"`
	Condition   Condition `json:"condition"`
	Icon        string    `json:"icon"`
}

type HourlyItem struct {
	Time        string    `json:"time"`
	DisplayTime string    `json:"displayTime"`
	Temperature float64   `json:"temperatureC"`
	Humidity    *float64  `json:"humidityPercent,omitempty"`
	WeatherCode int       `json:"weatherCode"`
	Condition   Condition `json:"condition"`
	Icon        string    `json:"icon"`
}

type DailyItem struct {
	Date        string    `json:"date"`
	Label       string    `json:"label"`
	TempMax     float64   `json:"tempMaxC"`
	TempMin     float64   `json:"tempMinC"`
	Sunrise     string    `json:"sunrise,omitempty"`
	Sunset      string    `json:"sunset,omitempty"`
	WeatherCode *int      `json:"weatherCode,omitempty"`
	Condition   Condition `json:"condition"`
	Icon        string    `json:"icon"`
}

// PlaceSearcher resolves free text to places.
type PlaceSearcher interface {
	SearchPlaces(ctx context.Context, name string, limit int) ([]Place, error)
}

// Forecaster fetches the forecast for coordinates.
type Forecaster interface {
	Forecast(ctx context.Context, latitude, longitude float64) (Report, error)
}

// Provider abstracts a geocoding + forecast source (e.g. Open-Meteo).
type Provider interface {
	PlaceSearcher
	Forecaster
}
