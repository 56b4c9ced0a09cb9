package forecast

// ConditionFor maps a WMO weather code to a Condition.
func ConditionFor(code int) Condition {
	switch {
	case code == 0:
		return ConditionClear
	case code >= 1 && code <= 3:
		return ConditionCloudy
	case code == 45 || code == 48:
		return ConditionMist
	case code >= 51 && code <= 57:
		return ConditionDrizzle
	case (code >= 61 && code <= 67) || (code >= 80 && code <= 82):
		return ConditionRain
	case (code >= 71 && code <= 77) || code == 85 || code == 86:
		return ConditionSnow
	case code >= 95 && code <= 99:
		return ConditionStorm
	default:
		return ConditionUnknown
	}
}

const unknownIcon = "❓"

var icons = map[int]string{
	0:  "☀️",
	1:  "🌤️",
	2:  "⛅",
	3:  "☁️",
	45: "🌫️", 48: "🌫️",
	51: "🌦️", 53: "🌦️", 55: "🌦️",
	56: "🌨️", 57: "🌨️",
	61: "🌧️", 63: "🌧️", 65: "🌧️",
	66: "🥶", 67: "🥶",
	71: "❄️", 73: "❄️", 75: "❄️",
	77: "🌨️",
	80: "🌧️", 81: "🌧️", 82: "🌧️",
	85: "❄️", 86: "❄️",
	95: "⛈️", 96: "⛈️", 99: "⛈️",
}

// Icon returns an emoji for a WMO code; nil or unknown codes get "❓".
func Icon(code *int) string {
	if code == nil {
		return unknownIcon
	}
	if icon, ok := icons[*code]; ok {
		return icon
	}
	return unknownIcon
}
