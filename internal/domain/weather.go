package domain

import (
	"fmt"
	"time"
)

// Granularity selects the time step of a forecast batch.
type Granularity string

const (
	GranularityHourly Granularity = "hourly"
	GranularityDaily  Granularity = "daily"
)

// Step returns the distance between two adjacent snapshots.
func (g Granularity) Step() time.Duration {
	if g == GranularityDaily {
		return 24 * time.Hour
	}
	return time.Hour
}

// Truncate aligns t to the granularity boundary in UTC.
func (g Granularity) Truncate(t time.Time) time.Time {
	t = t.UTC()
	if g == GranularityDaily {
		return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
	}
	return t.Truncate(time.Hour)
}

// Valid reports whether g is one of the known granularities.
func (g Granularity) Valid() bool {
	return g == GranularityHourly || g == GranularityDaily
}

// Location is a WGS-84 coordinate pair identifying a site.
type Location struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
}

// Validate rejects coordinates outside the WGS-84 range.
func (l Location) Validate() error {
	if l.Lat < -90 || l.Lat > 90 {
		return fmt.Errorf("latitude %v out of range [-90,90]", l.Lat)
	}
	if l.Lon < -180 || l.Lon > 180 {
		return fmt.Errorf("longitude %v out of range [-180,180]", l.Lon)
	}
	return nil
}

// Key returns a stable identifier for the location, rounded so that
// re-requests for the same site hit the same snapshots.
func (l Location) Key() string {
	return fmt.Sprintf("%.4f,%.4f", l.Lat, l.Lon)
}

// Window is an inclusive [Start, End] time range. For snapshot windows both
// endpoints are aligned timestamps, so a single-snapshot window has
// Start == End.
type Window struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

// Validate rejects inverted windows.
func (w Window) Validate() error {
	if w.End.Before(w.Start) {
		return fmt.Errorf("window end %s before start %s", w.End.Format(time.RFC3339), w.Start.Format(time.RFC3339))
	}
	return nil
}

// Contains reports whether t falls inside the window, endpoints included.
func (w Window) Contains(t time.Time) bool {
	return !t.Before(w.Start) && !t.After(w.End)
}

// Overlaps reports whether the two inclusive windows share any instant.
func (w Window) Overlaps(o Window) bool {
	return !w.Start.After(o.End) && !o.Start.After(w.End)
}

// Union returns the smallest window covering both w and o.
func (w Window) Union(o Window) Window {
	out := w
	if o.Start.Before(out.Start) {
		out.Start = o.Start
	}
	if o.End.After(out.End) {
		out.End = o.End
	}
	return out
}

// RawForecast is the untouched provider response for one fetch, handed from
// the forecast client to the normalizer.
type RawForecast struct {
	Payload   []byte
	Source    string
	FetchedAt time.Time
}

// WeatherBatch records one ingestion call. Immutable once persisted.
type WeatherBatch struct {
	ID          string
	Location    Location
	Window      Window
	Granularity Granularity
	Source      string
	FetchedAt   time.Time
	Checksum    string // SHA-256 of the raw provider payload
}

// WeatherSnapshot is one normalized forecast time point.
type WeatherSnapshot struct {
	BatchID     string
	Location    Location
	Timestamp   time.Time
	Granularity Granularity
	Temperature float64 // °C
	PrecipProb  float64 // 0–100
	WindSpeed   float64 // m/s
	Code        WeatherCode
}
