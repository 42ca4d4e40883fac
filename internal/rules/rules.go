// Package rules loads the risk-rule and site configuration from a YAML file.
// The result is an immutable in-memory set handed to the pipeline at startup;
// nothing here is re-read or mutated at runtime.
package rules

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/buildflow/weather-risk/internal/domain"
)

// Site is a monitored construction location: where to fetch forecasts and
// which scope its issues attach to.
type Site struct {
	ID       string
	Name     string
	Location domain.Location
	Scope    domain.Scope
}

// Set is the validated configuration: the rule set plus the sites the
// scheduler drives.
type Set struct {
	Sites []Site
	Rules []domain.RiskRule
}

// SiteByID returns the configured site with the given id.
func (s *Set) SiteByID(id string) (Site, bool) {
	for _, site := range s.Sites {
		if site.ID == id {
			return site, true
		}
	}
	return Site{}, false
}

// YAML shapes. Durations are Go duration strings ("6h", "90m").

type fileSpec struct {
	Sites []siteSpec `yaml:"sites"`
	Rules []ruleSpec `yaml:"rules"`
}

type siteSpec struct {
	ID    string       `yaml:"id"`
	Name  string       `yaml:"name"`
	Lat   float64      `yaml:"lat"`
	Lon   float64      `yaml:"lon"`
	Scope domain.Scope `yaml:"scope"`
}

type ruleSpec struct {
	ID             string       `yaml:"id"`
	Name           string       `yaml:"name"`
	Metric         string       `yaml:"metric"`
	Op             string       `yaml:"op"`
	Threshold      float64      `yaml:"threshold"`
	Codes          []string     `yaml:"codes"`
	Severity       string       `yaml:"severity"`
	Cooldown       string       `yaml:"cooldown"`
	MaxHorizonDays int          `yaml:"max_horizon_days"`
	Scope          domain.Scope `yaml:"scope"`
}

// Load reads and validates the configuration file at path.
func Load(path string) (*Set, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read rules file: %w", err)
	}
	return Parse(data)
}

// Parse validates raw YAML configuration. Any invalid rule rejects the whole
// set with a domain.ConfigurationError so a bad definition never reaches
// evaluation.
func Parse(data []byte) (*Set, error) {
	var spec fileSpec
	if err := yaml.Unmarshal(data, &spec); err != nil {
		return nil, &domain.ConfigurationError{Reason: fmt.Sprintf("unparseable rules file: %v", err)}
	}

	set := &Set{
		Sites: make([]Site, 0, len(spec.Sites)),
		Rules: make([]domain.RiskRule, 0, len(spec.Rules)),
	}

	siteIDs := make(map[string]bool, len(spec.Sites))
	for _, s := range spec.Sites {
		if s.ID == "" {
			return nil, &domain.ConfigurationError{Reason: "site id is required"}
		}
		if siteIDs[s.ID] {
			return nil, &domain.ConfigurationError{Reason: fmt.Sprintf("duplicate site id %q", s.ID)}
		}
		siteIDs[s.ID] = true

		loc := domain.Location{Lat: s.Lat, Lon: s.Lon}
		if err := loc.Validate(); err != nil {
			return nil, &domain.ConfigurationError{Reason: fmt.Sprintf("site %q: %v", s.ID, err)}
		}
		set.Sites = append(set.Sites, Site{ID: s.ID, Name: s.Name, Location: loc, Scope: s.Scope})
	}

	ruleIDs := make(map[string]bool, len(spec.Rules))
	for _, r := range spec.Rules {
		rule, err := buildRule(r)
		if err != nil {
			return nil, err
		}
		if ruleIDs[rule.ID] {
			return nil, &domain.ConfigurationError{Rule: rule.ID, Reason: "duplicate rule id"}
		}
		ruleIDs[rule.ID] = true
		set.Rules = append(set.Rules, rule)
	}

	return set, nil
}

func buildRule(r ruleSpec) (domain.RiskRule, error) {
	rule := domain.RiskRule{
		ID:             r.ID,
		Name:           r.Name,
		Metric:         domain.Metric(r.Metric),
		Op:             domain.Operator(r.Op),
		Threshold:      r.Threshold,
		Severity:       domain.Severity(r.Severity),
		Scope:          r.Scope,
		MaxHorizonDays: r.MaxHorizonDays,
	}
	for _, c := range r.Codes {
		rule.Codes = append(rule.Codes, domain.WeatherCode(c))
	}
	if r.Cooldown != "" {
		d, err := time.ParseDuration(r.Cooldown)
		if err != nil {
			return domain.RiskRule{}, &domain.ConfigurationError{
				Rule: r.ID, Reason: fmt.Sprintf("unparseable cooldown %q", r.Cooldown),
			}
		}
		rule.Cooldown = d
	}
	if err := rule.Validate(); err != nil {
		return domain.RiskRule{}, err
	}
	return rule, nil
}
