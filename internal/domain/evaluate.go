package domain

import (
	"sort"
	"time"
)

// Evaluate runs every rule over the snapshot series and returns findings.
// It is a pure function of its inputs: the evaluation time is passed in
// rather than read from a clock, so identical calls yield identical findings.
//
// Adjacent satisfying snapshots (one granularity step apart) merge into a
// single finding spanning the whole contiguous run; a five-hour storm yields
// one finding, not five. Overlap resolution across rules is left to the
// alert generator.
func Evaluate(rules []RiskRule, snapshots []WeatherSnapshot, scope Scope, now time.Time) []RiskFinding {
	if len(rules) == 0 || len(snapshots) == 0 {
		return nil
	}

	ordered := make([]WeatherSnapshot, len(snapshots))
	copy(ordered, snapshots)
	sort.Slice(ordered, func(a, b int) bool { return ordered[a].Timestamp.Before(ordered[b].Timestamp) })

	var findings []RiskFinding
	for _, rule := range rules {
		if !rule.Scope.Covers(scope) {
			continue
		}
		findings = append(findings, evaluateRule(rule, ordered, scope, now)...)
	}
	return findings
}

// evaluateRule walks the ordered series collecting maximal contiguous runs of
// snapshots that satisfy the rule.
func evaluateRule(rule RiskRule, ordered []WeatherSnapshot, scope Scope, now time.Time) []RiskFinding {
	var (
		findings []RiskFinding
		run      *RiskFinding
		lastTS   time.Time
	)

	flush := func() {
		if run != nil {
			findings = append(findings, *run)
			run = nil
		}
	}

	for _, snap := range ordered {
		if !rule.matches(snap) || beyondHorizon(rule, snap.Timestamp, now) {
			flush()
			continue
		}

		step := snap.Granularity.Step()
		if run != nil && snap.Timestamp.Sub(lastTS) != step {
			flush() // gap in the series breaks contiguity
		}

		value := metricValue(rule.Metric, snap)
		if run == nil {
			run = &RiskFinding{
				Rule:     rule,
				Scope:    scope,
				Severity: rule.Severity,
				Window:   Window{Start: snap.Timestamp, End: snap.Timestamp},
				MinValue: value,
				MaxValue: value,
				Count:    1,
			}
		} else {
			run.Window.End = snap.Timestamp
			run.Count++
			if value < run.MinValue {
				run.MinValue = value
			}
			if value > run.MaxValue {
				run.MaxValue = value
			}
		}
		lastTS = snap.Timestamp
	}
	flush()
	return findings
}

// beyondHorizon reports whether the snapshot lies further out than the rule's
// forecast-horizon cutoff.
func beyondHorizon(rule RiskRule, ts, now time.Time) bool {
	if rule.MaxHorizonDays <= 0 {
		return false
	}
	return ts.Sub(now) > time.Duration(rule.MaxHorizonDays)*24*time.Hour
}

func metricValue(m Metric, s WeatherSnapshot) float64 {
	switch m {
	case MetricTemperature:
		return s.Temperature
	case MetricPrecipProb:
		return s.PrecipProb
	case MetricWindSpeed:
		return s.WindSpeed
	}
	return 0
}
