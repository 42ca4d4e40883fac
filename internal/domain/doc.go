// Package domain models the weather risk pipeline for construction sites.
//
// # Data Source
//
// Forecasts come from the Open-Meteo forecast API
// (https://api.open-meteo.com/v1/forecast). One fetch covers a coordinate
// pair and a bounded time window and is recorded as a WeatherBatch; each
// normalized time point becomes a WeatherSnapshot.
//
// # Canonical Units
//
//	temperature                °C
//	precipitation probability  percent, 0–100
//	wind speed                 m/s (Open-Meteo reports km/h; converted here)
//
// Timestamps are UTC, truncated to the hour or to midnight depending on the
// batch granularity.
//
// # Weather Codes
//
// Open-Meteo uses WMO 4677 weather codes. They are collapsed into a closed
// canonical set (clear, rain, thunderstorm, ...); any code outside the known
// table maps to CodeUnknown rather than failing the batch, so a provider-side
// table extension degrades gracefully instead of silently drifting.
//
// # Supersession
//
// A snapshot is unique per (location, timestamp, granularity). When a later
// batch covers an already-normalized timestamp, the newer fetch wins and the
// old snapshot is superseded in place; a batch fetched at the same instant or
// earlier leaves the existing snapshot untouched, which makes re-ingestion of
// an identical payload a no-op.
//
// # Findings and Issues
//
// Rule evaluation is a pure function: the same rules over the same snapshots
// always produce the same findings. Findings are ephemeral; the alert
// generator turns them into persisted issues, keyed by a deterministic
// fingerprint of rule, scope and triggering window so replays never duplicate
// history.
package domain
