package domain

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/google/uuid"
)

// BatchMeta carries the ingestion context the client recorded for a fetch.
type BatchMeta struct {
	Location    Location
	Window      Window
	Granularity Granularity
	Source      string
	FetchedAt   time.Time
}

const (
	// Raw-value sanity bounds. Values outside reject the whole batch: a
	// provider emitting garbage for one point cannot be trusted for the rest.
	minTemperatureC = -90.0
	maxTemperatureC = 60.0
	maxWindKMH      = 500.0

	// Probabilities drifting marginally past the ends are rounded in;
	// anything further out (e.g. 140) is provider garbage.
	probSlack = 0.5

	kmhPerMS = 3.6
)

// Open-Meteo response shape. Only the series the pipeline reads are decoded;
// null entries survive as nil pointers.
type rawPayload struct {
	Hourly *rawHourly `json:"hourly"`
	Daily  *rawDaily  `json:"daily"`
}

type rawHourly struct {
	Time        []string   `json:"time"`
	Temperature []*float64 `json:"temperature_2m"`
	PrecipProb  []*float64 `json:"precipitation_probability"`
	WindSpeed   []*float64 `json:"wind_speed_10m"` // km/h
	WeatherCode []*int     `json:"weather_code"`
}

type rawDaily struct {
	Time        []string   `json:"time"`
	Temperature []*float64 `json:"temperature_2m_max"`
	PrecipProb  []*float64 `json:"precipitation_probability_max"`
	WindSpeed   []*float64 `json:"wind_speed_10m_max"` // km/h
	WeatherCode []*int     `json:"weather_code"`
}

// Normalize converts a raw provider payload into a WeatherBatch plus its
// ordered snapshots. The batch is all-or-nothing: any out-of-range value
// fails normalization with a PermanentFetchError and nothing is returned.
// Points outside the requested window are dropped; points with missing
// series values are skipped.
func Normalize(payload []byte, meta BatchMeta) (WeatherBatch, []WeatherSnapshot, error) {
	if err := meta.Location.Validate(); err != nil {
		return WeatherBatch{}, nil, &PermanentFetchError{Reason: "invalid location", Err: err}
	}
	if err := meta.Window.Validate(); err != nil {
		return WeatherBatch{}, nil, &PermanentFetchError{Reason: "invalid window", Err: err}
	}
	if !meta.Granularity.Valid() {
		return WeatherBatch{}, nil, &PermanentFetchError{Reason: fmt.Sprintf("unknown granularity %q", meta.Granularity)}
	}

	var raw rawPayload
	if err := json.Unmarshal(payload, &raw); err != nil {
		return WeatherBatch{}, nil, &PermanentFetchError{Reason: "undecodable payload", Err: err}
	}

	series, timeLayout, err := selectSeries(raw, meta.Granularity)
	if err != nil {
		return WeatherBatch{}, nil, err
	}

	sum := sha256.Sum256(payload)
	batch := WeatherBatch{
		ID:          uuid.NewString(),
		Location:    meta.Location,
		Window:      meta.Window,
		Granularity: meta.Granularity,
		Source:      meta.Source,
		FetchedAt:   meta.FetchedAt.UTC(),
		Checksum:    hex.EncodeToString(sum[:]),
	}

	snaps := make([]WeatherSnapshot, 0, len(series.Time))
	seen := make(map[time.Time]bool, len(series.Time))

	for i := range series.Time {
		ts, err := time.ParseInLocation(timeLayout, series.Time[i], time.UTC)
		if err != nil {
			return WeatherBatch{}, nil, &PermanentFetchError{
				Reason: fmt.Sprintf("unparseable timestamp %q", series.Time[i]), Err: err,
			}
		}
		ts = meta.Granularity.Truncate(ts)
		if !meta.Window.Contains(ts) {
			continue
		}
		if seen[ts] {
			continue
		}

		if series.Temperature[i] == nil || series.PrecipProb[i] == nil || series.WindSpeed[i] == nil {
			continue // provider gap, skip the point
		}

		temp := *series.Temperature[i]
		prob := *series.PrecipProb[i]
		wind := *series.WindSpeed[i]

		if badFloat(temp) || temp < minTemperatureC || temp > maxTemperatureC {
			return WeatherBatch{}, nil, rangeErr("temperature", temp, ts)
		}
		if badFloat(prob) || prob < -probSlack || prob > 100+probSlack {
			return WeatherBatch{}, nil, rangeErr("precipitation probability", prob, ts)
		}
		if badFloat(wind) || wind < 0 || wind > maxWindKMH {
			return WeatherBatch{}, nil, rangeErr("wind speed", wind, ts)
		}

		code := CodeUnknown
		if series.WeatherCode[i] != nil {
			code = CodeFromWMO(*series.WeatherCode[i])
		}

		seen[ts] = true
		snaps = append(snaps, WeatherSnapshot{
			BatchID:     batch.ID,
			Location:    meta.Location,
			Timestamp:   ts,
			Granularity: meta.Granularity,
			Temperature: temp,
			PrecipProb:  clamp(prob, 0, 100),
			WindSpeed:   wind / kmhPerMS,
			Code:        code,
		})
	}

	sort.Slice(snaps, func(a, b int) bool { return snaps[a].Timestamp.Before(snaps[b].Timestamp) })
	return batch, snaps, nil
}

// selectSeries picks the hourly or daily block and validates its shape.
func selectSeries(raw rawPayload, g Granularity) (rawHourly, string, error) {
	var s rawHourly
	layout := "2006-01-02T15:04"

	switch g {
	case GranularityHourly:
		if raw.Hourly == nil {
			return s, "", &PermanentFetchError{Reason: "payload missing hourly block"}
		}
		s = *raw.Hourly
	case GranularityDaily:
		if raw.Daily == nil {
			return s, "", &PermanentFetchError{Reason: "payload missing daily block"}
		}
		s = rawHourly(*raw.Daily)
		layout = "2006-01-02"
	}

	n := len(s.Time)
	if n == 0 {
		return s, "", &PermanentFetchError{Reason: "payload contains no time points"}
	}
	if len(s.Temperature) != n || len(s.PrecipProb) != n || len(s.WindSpeed) != n || len(s.WeatherCode) != n {
		return s, "", &PermanentFetchError{Reason: "series arrays have inconsistent lengths"}
	}
	return s, layout, nil
}

func rangeErr(field string, v float64, ts time.Time) error {
	return &PermanentFetchError{
		Reason: fmt.Sprintf("%s %v out of range at %s", field, v, ts.Format(time.RFC3339)),
	}
}

func badFloat(v float64) bool {
	return math.IsNaN(v) || math.IsInf(v, 0)
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
