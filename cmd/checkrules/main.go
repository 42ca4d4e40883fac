// Command checkrules validates a rules file without starting the service:
// it parses the YAML, runs every site and rule through the same validation
// the daemon applies at startup, and prints a summary.
//
// Usage:
//
//	go run ./cmd/checkrules -rules rules.yaml
package main

import (
	"flag"
	"fmt"
	"os"
	"sort"

	"github.com/buildflow/weather-risk/internal/domain"
	"github.com/buildflow/weather-risk/internal/rules"
)

func main() {
	rulesPath := flag.String("rules", "rules.yaml", "path to the rules YAML file")
	flag.Parse()

	set, err := rules.Load(*rulesPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "FAIL: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("%s: %d site(s), %d rule(s)\n\n", *rulesPath, len(set.Sites), len(set.Rules))

	fmt.Println("Sites:")
	for _, site := range set.Sites {
		fmt.Printf("  %-20s %s (%.4f, %.4f) scope=%s\n",
			site.ID, site.Name, site.Location.Lat, site.Location.Lon, site.Scope.Key())
	}

	fmt.Println("\nRules:")
	for _, rule := range set.Rules {
		fmt.Printf("  %-20s %-12s %s %-20s severity=%-6s cooldown=%s%s\n",
			rule.ID, rule.Metric, rule.Op, thresholdText(rule), rule.Severity,
			rule.Cooldown, horizonText(rule))
	}

	fmt.Println("\nRules file is valid.")
}

func thresholdText(rule domain.RiskRule) string {
	if rule.Metric == domain.MetricWeatherCode {
		codes := make([]string, len(rule.Codes))
		for i, c := range rule.Codes {
			codes[i] = string(c)
		}
		sort.Strings(codes)
		return fmt.Sprintf("%v", codes)
	}
	return fmt.Sprintf("%g", rule.Threshold)
}

func horizonText(rule domain.RiskRule) string {
	if rule.MaxHorizonDays == 0 {
		return ""
	}
	return fmt.Sprintf(" horizon=%dd", rule.MaxHorizonDays)
}
