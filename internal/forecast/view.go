package forecast

import (
	"strings"
	"time"
)

const (
	// HourlyWindow is the length of the rolling hourly strip.
	HourlyWindow = 24
	// MaxDailyItems caps the daily strip.
	MaxDailyItems = 10
)

// BuildView turns a raw report into the rendered view.
//
// The hourly window starts at the first hourly time strictly after the
// current reported time, not at midnight. When there is no current time, or
// no later hour, it starts at the first entry. Sunrise and sunset come from
// the daily row whose date equals the current date.
func BuildView(r Report) View {
	v := View{
		Timezone: r.Timezone,
		Hourly:   buildHourly(r),
		Daily:    buildDaily(r.Daily),
	}

	if cw := r.CurrentWeather; cw != nil {
		code := cw.WeatherCode
		v.Current = &Current{
			Time:        cw.Time,
			Temperature: cw.Temperature,
			WindSpeed:   cw.WindSpeed,
			Condition:   ConditionFor(code),
			Icon:        Icon(&code),
		}
		v.Sunrise, v.Sunset = todaySun(r.Daily, cw.Time)
	}
	return v
}

func buildHourly(r Report) []HourlyItem {
	h := r.Hourly
	n := len(h.Time)
	if n == 0 || len(h.Temperature) < n || len(h.WeatherCode) < n {
		return []HourlyItem{}
	}

	start := 0
	if cw := r.CurrentWeather; cw != nil && cw.Time != "" {
		for i, t := range h.Time {
			// Open-Meteo local ISO times compare correctly as strings.
			if t > cw.Time {
				start = i
				break
			}
		}
	}
	end := min(start+HourlyWindow, n)

	items := make([]HourlyItem, 0, end-start)
	for i := start; i < end; i++ {
		code := h.WeatherCode[i]
		item := HourlyItem{
			Time:        h.Time[i],
			DisplayTime: formatHHMM(h.Time[i]),
			Temperature: h.Temperature[i],
			WeatherCode: code,
			Condition:   ConditionFor(code),
			Icon:        Icon(&code),
		}
		if i < len(h.Humidity) {
			hum := h.Humidity[i]
			item.Humidity = &hum
		}
		items = append(items, item)
	}
	return items
}

func buildDaily(d DailySeries) []DailyItem {
	count := min(len(d.Time), MaxDailyItems, len(d.TempMax), len(d.TempMin))
	items := make([]DailyItem, 0, max(count, 0))
	for i := 0; i < count; i++ {
		item := DailyItem{
			Date:    d.Time[i],
			Label:   dateLabel(d.Time[i]),
			TempMax: d.TempMax[i],
			TempMin: d.TempMin[i],
		}
		if i < len(d.Sunrise) {
			item.Sunrise = formatHHMM(d.Sunrise[i])
		}
		if i < len(d.Sunset) {
			item.Sunset = formatHHMM(d.Sunset[i])
		}
		if i < len(d.WeatherCode) {
			code := d.WeatherCode[i]
			item.WeatherCode = &code
			item.Condition = ConditionFor(code)
		} else {
			item.Condition = ConditionUnknown
		}
		item.Icon = Icon(item.WeatherCode)
		items = append(items, item)
	}
	return items
}

func todaySun(d DailySeries, currentTime string) (sunrise, sunset string) {
	if len(currentTime) < 10 {
		return "", ""
	}
	today := currentTime[:10]
	for i, date := range d.Time {
		if date != today {
			continue
		}
		if i < len(d.Sunrise) {
			sunrise = formatHHMM(d.Sunrise[i])
		}
		if i < len(d.Sunset) {
			sunset = formatHHMM(d.Sunset[i])
		}
		if sunrise == "" || sunset == "" {
			return "", ""
		}
		return sunrise, sunset
	}
	return "", ""
}

// formatHHMM extracts "HH:MM" from an ISO date-time. Strings without a time
// part are returned unchanged.
func formatHHMM(iso string) string {
	idx := strings.IndexByte(iso, 'T')
	if idx < 0 {
		return iso
	}
	part := iso[idx+1:]
	if len(part) > 5 {
		part = part[:5]
	}
	return part
}

// dateLabel renders "2006-01-02" as "Mon 02.01".
func dateLabel(date string) string {
	t, err := time.Parse(time.DateOnly, date)
	if err != nil {
		return date
	}
	return t.Format("Mon 02.01")
}
