package domain

// WeatherCode is the canonical categorical weather condition. It is a closed
// set: provider codes with no mapping become CodeUnknown.
type WeatherCode string

const (
	CodeClear        WeatherCode = "clear"
	CodePartlyCloudy WeatherCode = "partly-cloudy"
	CodeOvercast     WeatherCode = "overcast"
	CodeFog          WeatherCode = "fog"
	CodeDrizzle      WeatherCode = "drizzle"
	CodeRain         WeatherCode = "rain"
	CodeFreezingRain WeatherCode = "freezing-rain"
	CodeSnow         WeatherCode = "snow"
	CodeShowers      WeatherCode = "showers"
	CodeThunderstorm WeatherCode = "thunderstorm"
	CodeUnknown      WeatherCode = "unknown"
)

// wmoCodes collapses the Open-Meteo WMO 4677 table into the canonical set.
var wmoCodes = map[int]WeatherCode{
	0:  CodeClear,
	1:  CodeClear,
	2:  CodePartlyCloudy,
	3:  CodeOvercast,
	45: CodeFog,
	48: CodeFog,
	51: CodeDrizzle,
	53: CodeDrizzle,
	55: CodeDrizzle,
	56: CodeFreezingRain,
	57: CodeFreezingRain,
	61: CodeRain,
	63: CodeRain,
	65: CodeRain,
	66: CodeFreezingRain,
	67: CodeFreezingRain,
	71: CodeSnow,
	73: CodeSnow,
	75: CodeSnow,
	77: CodeSnow,
	80: CodeShowers,
	81: CodeShowers,
	82: CodeShowers,
	85: CodeSnow,
	86: CodeSnow,
	95: CodeThunderstorm,
	96: CodeThunderstorm,
	99: CodeThunderstorm,
}

// CodeFromWMO maps a raw Open-Meteo weather code onto the canonical set.
func CodeFromWMO(raw int) WeatherCode {
	if c, ok := wmoCodes[raw]; ok {
		return c
	}
	return CodeUnknown
}

// Valid reports whether c belongs to the canonical set.
func (c WeatherCode) Valid() bool {
	switch c {
	case CodeClear, CodePartlyCloudy, CodeOvercast, CodeFog, CodeDrizzle,
		CodeRain, CodeFreezingRain, CodeSnow, CodeShowers, CodeThunderstorm,
		CodeUnknown:
		return true
	}
	return false
}
