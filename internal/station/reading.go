package station

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

var (
	ErrMissingTimestamp   = errors.New("reading has no usable timestamp")
	ErrMissingOutdoorTemp = errors.New("reading has no outdoor temperature")
)

// fixedPointScale is the divisor for fields the station sends as tenths.
const fixedPointScale = 10

// Reading is one normalized station measurement. Values are in final units
// (°C, %, hPa). It is never mutated after ParseReading returns it.
type Reading struct {
	OutdoorTemp *float64 `json:"outdoorTemp,omitempty"`
	Humidity    *float64 `json:"humidity,omitempty"`
	Pressure    *float64 `json:"pressure,omitempty"`
	UVIndex     *float64 `json:"uvIndex,omitempty"`
	IndoorTemp  *float64 `json:"indoorTemp,omitempty"`
	Timestamp   int64    `json:"timestamp"` // epoch milliseconds
	OwnerID     string   `json:"ownerId,omitempty"`
	StationID   string   `json:"stationId,omitempty"`
}

// Time returns the reading timestamp as a UTC time.
func (r Reading) Time() time.Time {
	return time.UnixMilli(r.Timestamp).UTC()
}

// rawReading is the flat JSON object a station writes to the bucket.
// outdoorTemperatureRead and uvIndexRead are integers scaled by 10.
type rawReading struct {
	OutdoorTemperatureRead *float64        `json:"outdoorTemperatureRead"`
	HumidityRead           *float64        `json:"humidityRead"`
	PressureRead           *float64        `json:"pressureRead"`
	UVIndexRead            *float64        `json:"uvIndexRead"`
	IndoorTemperatureRead  *float64        `json:"indoorTemperatureRead"`
	TS                     json.RawMessage `json:"ts"`
	OwnerID                string          `json:"ownerId"`
	StationID              string          `json:"stationId"`
	ThingName              string          `json:"thingName"`
}

// ParseReading decodes one raw station object and normalizes it.
func ParseReading(data []byte) (Reading, error) {
	var raw rawReading
	if err := json.Unmarshal(data, &raw); err != nil {
		return Reading{}, fmt.Errorf("decode reading: %w", err)
	}

	ts, err := parseTimestamp(raw.TS)
	if err != nil {
		return Reading{}, err
	}
	if raw.OutdoorTemperatureRead == nil {
		return Reading{}, ErrMissingOutdoorTemp
	}

	stationID := raw.StationID
	if stationID == "" {
		stationID = raw.ThingName
	}

	return Reading{
		OutdoorTemp: scaled(raw.OutdoorTemperatureRead),
		Humidity:    raw.HumidityRead,
		Pressure:    raw.PressureRead,
		UVIndex:     scaled(raw.UVIndexRead),
		IndoorTemp:  raw.IndoorTemperatureRead,
		Timestamp:   ts,
		OwnerID:     raw.OwnerID,
		StationID:   stationID,
	}, nil
}

func scaled(v *float64) *float64 {
	if v == nil {
		return nil
	}
	out := *v / fixedPointScale
	return &out
}

// parseTimestamp accepts epoch milliseconds as a JSON number or numeric
// string, or an RFC 3339 string.
func parseTimestamp(raw json.RawMessage) (int64, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return 0, ErrMissingTimestamp
	}

	if raw[0] == '"' {
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return 0, fmt.Errorf("%w: %v", ErrMissingTimestamp, err)
		}
		s = strings.TrimSpace(s)
		if s == "" {
			return 0, ErrMissingTimestamp
		}
		if ms, err := strconv.ParseInt(s, 10, 64); err == nil {
			return ms, nil
		}
		t, err := time.Parse(time.RFC3339Nano, s)
		if err != nil {
			return 0, fmt.Errorf("%w: %q", ErrMissingTimestamp, s)
		}
		return t.UnixMilli(), nil
	}

	var n json.Number
	if err := json.Unmarshal(raw, &n); err != nil {
		return 0, fmt.Errorf("%w: %v", ErrMissingTimestamp, err)
	}
	if ms, err := n.Int64(); err == nil {
		return ms, nil
	}
	f, err := n.Float64()
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrMissingTimestamp, err)
	}
	if f >= math.MaxInt64 || f < math.MinInt64 {
		return 0, fmt.Errorf("%w: %s out of range", ErrMissingTimestamp, n)
	}
	return int64(f), nil
}
