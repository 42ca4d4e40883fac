package domain

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"time"
)

// Severity is declared on the rule, never computed from magnitude, so
// evaluation stays deterministic and auditable.
type Severity string

const (
	SeverityLow    Severity = "low"
	SeverityMedium Severity = "medium"
	SeverityHigh   Severity = "high"
)

var severityRank = map[Severity]int{
	SeverityLow:    1,
	SeverityMedium: 2,
	SeverityHigh:   3,
}

// Valid reports whether s is a known severity level.
func (s Severity) Valid() bool {
	_, ok := severityRank[s]
	return ok
}

// AtLeast reports whether s ranks greater than or equal to o.
func (s Severity) AtLeast(o Severity) bool {
	return severityRank[s] >= severityRank[o]
}

// Scope names the slice of the site hierarchy a rule or issue applies to.
// Empty fields widen the scope: a rule with only ProjectID set watches every
// sector and task under that project.
type Scope struct {
	ProjectID string `json:"project_id,omitempty" yaml:"project,omitempty"`
	LotID     string `json:"lot_id,omitempty" yaml:"lot,omitempty"`
	SectorID  string `json:"sector_id,omitempty" yaml:"sector,omitempty"`
	TaskID    string `json:"task_id,omitempty" yaml:"task,omitempty"`
}

// Covers reports whether s (a rule scope, possibly with wildcards) applies to
// the concrete scope o.
func (s Scope) Covers(o Scope) bool {
	match := func(want, got string) bool { return want == "" || want == got }
	return match(s.ProjectID, o.ProjectID) &&
		match(s.LotID, o.LotID) &&
		match(s.SectorID, o.SectorID) &&
		match(s.TaskID, o.TaskID)
}

// Key returns a stable string form used for deduplication and storage.
func (s Scope) Key() string {
	return strings.Join([]string{s.ProjectID, s.LotID, s.SectorID, s.TaskID}, "/")
}

// Metric selects the snapshot field a rule condition reads.
type Metric string

const (
	MetricTemperature Metric = "temperature"
	MetricPrecipProb  Metric = "precip_probability"
	MetricWindSpeed   Metric = "wind_speed"
	MetricWeatherCode Metric = "weather_code"
)

// Operator compares the observed metric against the rule threshold.
type Operator string

const (
	OpGT Operator = "gt"
	OpGE Operator = "gte"
	OpLT Operator = "lt"
	OpLE Operator = "lte"
	OpEQ Operator = "eq"
	OpIn Operator = "in" // weather_code membership
)

// RiskRule is a configured condition over snapshot fields. Rules are loaded
// once at startup and never mutated by the pipeline.
type RiskRule struct {
	ID        string
	Name      string
	Metric    Metric
	Op        Operator
	Threshold float64
	Codes     []WeatherCode // used when Metric == weather_code
	Severity  Severity
	Scope     Scope // which part of the hierarchy this rule watches
	Cooldown  time.Duration

	// MaxHorizonDays suppresses matches further out than N days from the
	// evaluation time; 0 means no limit.
	MaxHorizonDays int
}

// Validate checks the rule definition, returning a ConfigurationError on the
// first problem found.
func (r RiskRule) Validate() error {
	if r.ID == "" {
		return &ConfigurationError{Reason: "rule id is required"}
	}
	if r.Name == "" {
		return &ConfigurationError{Rule: r.ID, Reason: "name is required"}
	}
	if !r.Severity.Valid() {
		return &ConfigurationError{Rule: r.ID, Reason: fmt.Sprintf("unknown severity %q", r.Severity)}
	}
	if r.Cooldown < 0 {
		return &ConfigurationError{Rule: r.ID, Reason: "cooldown must not be negative"}
	}
	if r.MaxHorizonDays < 0 {
		return &ConfigurationError{Rule: r.ID, Reason: "max_horizon_days must not be negative"}
	}

	switch r.Metric {
	case MetricTemperature, MetricPrecipProb, MetricWindSpeed:
		switch r.Op {
		case OpGT, OpGE, OpLT, OpLE, OpEQ:
		default:
			return &ConfigurationError{Rule: r.ID, Reason: fmt.Sprintf("operator %q not valid for metric %q", r.Op, r.Metric)}
		}
		if r.Metric == MetricPrecipProb && (r.Threshold < 0 || r.Threshold > 100) {
			return &ConfigurationError{Rule: r.ID, Reason: "precip_probability threshold must be within [0,100]"}
		}
	case MetricWeatherCode:
		if r.Op != OpIn && r.Op != OpEQ {
			return &ConfigurationError{Rule: r.ID, Reason: fmt.Sprintf("operator %q not valid for weather_code", r.Op)}
		}
		if len(r.Codes) == 0 {
			return &ConfigurationError{Rule: r.ID, Reason: "weather_code rule needs at least one code"}
		}
		for _, c := range r.Codes {
			if !c.Valid() {
				return &ConfigurationError{Rule: r.ID, Reason: fmt.Sprintf("unknown weather code %q", c)}
			}
		}
	default:
		return &ConfigurationError{Rule: r.ID, Reason: fmt.Sprintf("unknown metric %q", r.Metric)}
	}
	return nil
}

// matches reports whether a single snapshot satisfies the rule condition.
func (r RiskRule) matches(s WeatherSnapshot) bool {
	if r.Metric == MetricWeatherCode {
		for _, c := range r.Codes {
			if s.Code == c {
				return true
			}
		}
		return false
	}

	var actual float64
	switch r.Metric {
	case MetricTemperature:
		actual = s.Temperature
	case MetricPrecipProb:
		actual = s.PrecipProb
	case MetricWindSpeed:
		actual = s.WindSpeed
	default:
		return false
	}

	switch r.Op {
	case OpGT:
		return actual > r.Threshold
	case OpGE:
		return actual >= r.Threshold
	case OpLT:
		return actual < r.Threshold
	case OpLE:
		return actual <= r.Threshold
	case OpEQ:
		return actual == r.Threshold
	}
	return false
}

// RiskFinding is the ephemeral result of one rule firing over a contiguous
// run of snapshots. Consumed immediately by the alert generator.
type RiskFinding struct {
	Rule     RiskRule
	Scope    Scope  // concrete scope of the run that produced the finding
	Window   Window // first through last triggering snapshot, inclusive
	Severity Severity
	MinValue float64 // extremes of the metric over the run; zero for code rules
	MaxValue float64
	Count    int // number of snapshots in the run
}

// Fingerprint is a deterministic short hash of the finding identity. Recorded
// in issue history so that replaying the same findings appends nothing.
func (f RiskFinding) Fingerprint() string {
	input := fmt.Sprintf("%s|%s|%d|%d",
		f.Rule.ID, f.Scope.Key(), f.Window.Start.Unix(), f.Window.End.Unix())
	sum := sha256.Sum256([]byte(input))
	return hex.EncodeToString(sum[:8])
}
