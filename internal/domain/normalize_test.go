package domain

import (
	"encoding/json"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	testLoc     = Location{Lat: 41.15, Lon: -8.61}
	testFetched = time.Date(2026, time.March, 10, 6, 0, 0, 0, time.UTC)
	testStart   = time.Date(2026, time.March, 10, 0, 0, 0, 0, time.UTC)
)

func hourlyMeta(hours int) BatchMeta {
	return BatchMeta{
		Location:    testLoc,
		Window:      Window{Start: testStart, End: testStart.Add(time.Duration(hours-1) * time.Hour)},
		Granularity: GranularityHourly,
		Source:      "open-meteo",
		FetchedAt:   testFetched,
	}
}

// hourlyPayload builds an Open-Meteo style hourly JSON body. All series have
// the same length as times.
func hourlyPayload(t *testing.T, times []string, temp, prob, wind []float64, codes []int) []byte {
	t.Helper()
	body := map[string]any{
		"hourly": map[string]any{
			"time":                      times,
			"temperature_2m":            temp,
			"precipitation_probability": prob,
			"wind_speed_10m":            wind,
			"weather_code":              codes,
		},
	}
	data, err := json.Marshal(body)
	require.NoError(t, err)
	return data
}

func hourTimes(n int) []string {
	out := make([]string, n)
	for i := range out {
		out[i] = testStart.Add(time.Duration(i) * time.Hour).Format("2006-01-02T15:04")
	}
	return out
}

func TestNormalize_HourlyHappyPath(t *testing.T) {
	payload := hourlyPayload(t,
		hourTimes(3),
		[]float64{12.5, 13.0, 13.4},
		[]float64{10, 80, 95},
		[]float64{36, 18, 7.2}, // km/h
		[]int{1, 61, 95},
	)

	batch, snaps, err := Normalize(payload, hourlyMeta(3))
	require.NoError(t, err)

	assert.Equal(t, "open-meteo", batch.Source)
	assert.Equal(t, GranularityHourly, batch.Granularity)
	assert.Len(t, batch.Checksum, 64)
	assert.NotEmpty(t, batch.ID)

	require.Len(t, snaps, 3)
	assert.Equal(t, testStart, snaps[0].Timestamp)
	assert.InDelta(t, 10.0, snaps[0].WindSpeed, 1e-9) // 36 km/h → 10 m/s
	assert.InDelta(t, 2.0, snaps[2].WindSpeed, 1e-9)
	assert.Equal(t, CodeClear, snaps[0].Code)
	assert.Equal(t, CodeRain, snaps[1].Code)
	assert.Equal(t, CodeThunderstorm, snaps[2].Code)
	for _, s := range snaps {
		assert.Equal(t, batch.ID, s.BatchID)
		assert.Equal(t, testLoc, s.Location)
	}
}

func TestNormalize_ChecksumDeterministic(t *testing.T) {
	payload := hourlyPayload(t, hourTimes(1), []float64{10}, []float64{50}, []float64{5}, []int{0})

	b1, _, err := Normalize(payload, hourlyMeta(1))
	require.NoError(t, err)
	b2, _, err := Normalize(payload, hourlyMeta(1))
	require.NoError(t, err)

	assert.Equal(t, b1.Checksum, b2.Checksum)
	assert.NotEqual(t, b1.ID, b2.ID) // batches are distinct fetches
}

func TestNormalize_ProbabilityEdgeClamped(t *testing.T) {
	payload := hourlyPayload(t, hourTimes(2),
		[]float64{5, 5}, []float64{100.3, -0.2}, []float64{10, 10}, []int{0, 0})

	_, snaps, err := Normalize(payload, hourlyMeta(2))
	require.NoError(t, err)
	require.Len(t, snaps, 2)
	assert.Equal(t, 100.0, snaps[0].PrecipProb)
	assert.Equal(t, 0.0, snaps[1].PrecipProb)
}

func TestNormalize_ProbabilityOutOfRangeRejectsBatch(t *testing.T) {
	payload := hourlyPayload(t, hourTimes(2),
		[]float64{5, 5}, []float64{40, 140}, []float64{10, 10}, []int{0, 0})

	_, snaps, err := Normalize(payload, hourlyMeta(2))
	require.Error(t, err)
	assert.True(t, IsPermanent(err))
	assert.Nil(t, snaps, "no partial batch on rejection")
	assert.Contains(t, err.Error(), "precipitation probability")
}

func TestNormalize_TemperatureOutOfRangeRejectsBatch(t *testing.T) {
	payload := hourlyPayload(t, hourTimes(1), []float64{99}, []float64{0}, []float64{0}, []int{0})

	_, _, err := Normalize(payload, hourlyMeta(1))
	require.Error(t, err)
	assert.True(t, IsPermanent(err))
}

func TestNormalize_PointsOutsideWindowDropped(t *testing.T) {
	// Window covers two hours; payload has four.
	payload := hourlyPayload(t, hourTimes(4),
		[]float64{1, 2, 3, 4}, []float64{0, 0, 0, 0}, []float64{0, 0, 0, 0}, []int{0, 0, 0, 0})

	_, snaps, err := Normalize(payload, hourlyMeta(2))
	require.NoError(t, err)
	require.Len(t, snaps, 2)
	assert.Equal(t, testStart.Add(time.Hour), snaps[1].Timestamp)
}

func TestNormalize_DuplicateTimestampsCollapse(t *testing.T) {
	times := []string{hourTimes(1)[0], hourTimes(1)[0]}
	payload := hourlyPayload(t, times,
		[]float64{7, 9}, []float64{0, 0}, []float64{0, 0}, []int{0, 0})

	_, snaps, err := Normalize(payload, hourlyMeta(1))
	require.NoError(t, err)
	require.Len(t, snaps, 1)
	assert.Equal(t, 7.0, snaps[0].Temperature) // first occurrence wins
}

func TestNormalize_UnknownCodeMapsToUnknown(t *testing.T) {
	payload := hourlyPayload(t, hourTimes(1), []float64{5}, []float64{0}, []float64{0}, []int{42})

	_, snaps, err := Normalize(payload, hourlyMeta(1))
	require.NoError(t, err)
	require.Len(t, snaps, 1)
	assert.Equal(t, CodeUnknown, snaps[0].Code)
}

func TestNormalize_MissingSeriesValueSkipsPoint(t *testing.T) {
	body := fmt.Sprintf(`{"hourly":{
		"time":[%q,%q],
		"temperature_2m":[null,5],
		"precipitation_probability":[10,10],
		"wind_speed_10m":[3,3],
		"weather_code":[0,0]}}`,
		hourTimes(2)[0], hourTimes(2)[1])

	_, snaps, err := Normalize([]byte(body), hourlyMeta(2))
	require.NoError(t, err)
	require.Len(t, snaps, 1)
	assert.Equal(t, testStart.Add(time.Hour), snaps[0].Timestamp)
}

func TestNormalize_MalformedPayloads(t *testing.T) {
	meta := hourlyMeta(2)

	tests := []struct {
		name    string
		payload string
		wantMsg string
	}{
		{"not json", "{", "undecodable"},
		{"missing hourly block", `{"daily":{}}`, "missing hourly"},
		{"empty series", `{"hourly":{"time":[],"temperature_2m":[],"precipitation_probability":[],"wind_speed_10m":[],"weather_code":[]}}`, "no time points"},
		{"ragged series", `{"hourly":{"time":["2026-03-10T00:00"],"temperature_2m":[1,2],"precipitation_probability":[0],"wind_speed_10m":[0],"weather_code":[0]}}`, "inconsistent lengths"},
		{"bad timestamp", `{"hourly":{"time":["yesterday"],"temperature_2m":[1],"precipitation_probability":[0],"wind_speed_10m":[0],"weather_code":[0]}}`, "unparseable timestamp"},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, _, err := Normalize([]byte(tc.payload), meta)
			require.Error(t, err)
			assert.True(t, IsPermanent(err))
			assert.True(t, strings.Contains(err.Error(), tc.wantMsg), "error %q should mention %q", err, tc.wantMsg)
		})
	}
}

func TestNormalize_Daily(t *testing.T) {
	day0 := time.Date(2026, time.March, 10, 0, 0, 0, 0, time.UTC)
	body := fmt.Sprintf(`{"daily":{
		"time":["%s","%s"],
		"temperature_2m_max":[15.2,16.8],
		"precipitation_probability_max":[30,70],
		"wind_speed_10m_max":[54,27],
		"weather_code":[3,80]}}`,
		day0.Format("2006-01-02"), day0.AddDate(0, 0, 1).Format("2006-01-02"))

	meta := BatchMeta{
		Location:    testLoc,
		Window:      Window{Start: day0, End: day0.AddDate(0, 0, 1)},
		Granularity: GranularityDaily,
		Source:      "open-meteo",
		FetchedAt:   testFetched,
	}

	_, snaps, err := Normalize([]byte(body), meta)
	require.NoError(t, err)
	require.Len(t, snaps, 2)
	assert.Equal(t, day0, snaps[0].Timestamp)
	assert.InDelta(t, 15.0, snaps[0].WindSpeed, 1e-9) // 54 km/h
	assert.Equal(t, CodeOvercast, snaps[0].Code)
	assert.Equal(t, CodeShowers, snaps[1].Code)
}
