// Package openmeteo implements the forecast client against the Open-Meteo
// forecast API.
package openmeteo

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/buildflow/weather-risk/internal/domain"
)

// Source identifies this provider on batches it produced.
const Source = "open-meteo"

// maxHorizonDays is the provider's forecast horizon; windows reaching past it
// can never be served and are rejected without a request.
const maxHorizonDays = 14

const (
	hourlyParams = "temperature_2m,precipitation_probability,wind_speed_10m,weather_code"
	dailyParams  = "temperature_2m_max,precipitation_probability_max,wind_speed_10m_max,weather_code"
)

// Client fetches raw forecast payloads. It is stateless and does not retry;
// retry policy belongs to the pipeline orchestrator.
type Client struct {
	baseURL    string
	httpClient *http.Client
	clock      clockwork.Clock
	logger     *slog.Logger
}

// NewClient creates an Open-Meteo client. The timeout bounds the whole
// request; hitting it surfaces as a TransientFetchError.
func NewClient(baseURL string, timeout time.Duration, clock clockwork.Clock, logger *slog.Logger) *Client {
	return &Client{
		baseURL: baseURL,
		httpClient: &http.Client{
			Timeout: timeout,
		},
		clock:  clock,
		logger: logger,
	}
}

// Fetch requests the forecast for a coordinate and window at the given
// granularity and returns the raw payload bytes untouched.
func (c *Client) Fetch(ctx context.Context, loc domain.Location, window domain.Window, gran domain.Granularity) (domain.RawForecast, error) {
	if err := loc.Validate(); err != nil {
		return domain.RawForecast{}, &domain.PermanentFetchError{Reason: "invalid location", Err: err}
	}
	if err := window.Validate(); err != nil {
		return domain.RawForecast{}, &domain.PermanentFetchError{Reason: "invalid window", Err: err}
	}

	now := c.clock.Now().UTC()
	if window.End.Sub(now) > maxHorizonDays*24*time.Hour {
		return domain.RawForecast{}, &domain.PermanentFetchError{
			Reason: fmt.Sprintf("window end %s beyond the %d-day forecast horizon",
				window.End.Format(time.RFC3339), maxHorizonDays),
		}
	}

	params := url.Values{
		"latitude":   {fmt.Sprintf("%.4f", loc.Lat)},
		"longitude":  {fmt.Sprintf("%.4f", loc.Lon)},
		"timezone":   {"UTC"},
		"start_date": {window.Start.UTC().Format("2006-01-02")},
		"end_date":   {window.End.UTC().Format("2006-01-02")},
	}
	if gran == domain.GranularityDaily {
		params.Set("daily", dailyParams)
	} else {
		params.Set("hourly", hourlyParams)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"?"+params.Encode(), nil)
	if err != nil {
		return domain.RawForecast{}, &domain.PermanentFetchError{Reason: "build request", Err: err}
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		// Transport failures and client timeouts both land here.
		return domain.RawForecast{}, &domain.TransientFetchError{Op: "forecast request", Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return domain.RawForecast{}, &domain.TransientFetchError{Op: "read response", Err: err}
	}

	switch {
	case resp.StatusCode == http.StatusOK:
	case resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests:
		return domain.RawForecast{}, &domain.TransientFetchError{
			Op:  "forecast request",
			Err: fmt.Errorf("provider status %d", resp.StatusCode),
		}
	default:
		return domain.RawForecast{}, &domain.PermanentFetchError{
			Reason: fmt.Sprintf("provider status %d: %s", resp.StatusCode, truncate(body, 200)),
		}
	}

	if len(body) == 0 {
		return domain.RawForecast{}, &domain.PermanentFetchError{Reason: "empty provider response"}
	}

	return domain.RawForecast{
		Payload:   body,
		Source:    Source,
		FetchedAt: now,
	}, nil
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
