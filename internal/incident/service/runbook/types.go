// Package runbook loads versioned runbook configuration, selects the best
// runbook for an incident, and executes its diagnosis and mitigation steps.
package runbook

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/cureops/incidentd/internal/incident/model"
)

// PatternKind discriminates the AlertPattern variants.
type PatternKind string

const (
	// PatternExact matches the alert name verbatim.
	PatternExact PatternKind = "exact"
	// PatternRegex matches the alert name against a compiled regexp.
	PatternRegex PatternKind = "regex"
	// PatternLabel matches a key=value pair against the alert labels.
	PatternLabel PatternKind = "label"
)

// AlertPattern is one trigger-signature entry: a tagged variant evaluated by
// Matches without reflection.
type AlertPattern struct {
	Kind  PatternKind
	Value string

	re         *regexp.Regexp
	labelKey   string
	labelValue string
}

// NewExactPattern matches alerts named exactly name.
func NewExactPattern(name string) AlertPattern {
	return AlertPattern{Kind: PatternExact, Value: name}
}

// NewRegexPattern matches alert names against expr.
func NewRegexPattern(expr string) (AlertPattern, error) {
	re, err := regexp.Compile(expr)
	if err != nil {
		return AlertPattern{}, fmt.Errorf("invalid regex pattern %q: %w", expr, err)
	}
	return AlertPattern{Kind: PatternRegex, Value: expr, re: re}, nil
}

// NewLabelPattern matches alerts carrying the key=value label.
func NewLabelPattern(predicate string) (AlertPattern, error) {
	key, value, ok := strings.Cut(predicate, "=")
	key, value = strings.TrimSpace(key), strings.TrimSpace(value)
	if !ok || key == "" || value == "" {
		return AlertPattern{}, fmt.Errorf("invalid label pattern %q, want key=value", predicate)
	}
	return AlertPattern{Kind: PatternLabel, Value: predicate, labelKey: key, labelValue: value}, nil
}

// Matches reports whether the alert satisfies the pattern.
func (p AlertPattern) Matches(alert *model.Alert) bool {
	switch p.Kind {
	case PatternExact:
		return alert.AlertName == p.Value
	case PatternRegex:
		return p.re != nil && p.re.MatchString(alert.AlertName)
	case PatternLabel:
		return alert.Labels[p.labelKey] == p.labelValue
	default:
		return false
	}
}

// Runbook is one loaded, validated runbook. Runbooks are configuration: never
// mutated at runtime, replaced wholesale on reload.
type Runbook struct {
	ID                   string
	UpdatedAt            time.Time
	ApplicableSeverities []model.Severity
	Patterns             []AlertPattern
	DiagnosisSteps       []DiagnosisStep
	MitigationSteps      []MitigationStep
	Escalation           Escalation
}

// AppliesTo reports whether the runbook covers the severity.
func (r *Runbook) AppliesTo(severity model.Severity) bool {
	for _, s := range r.ApplicableSeverities {
		if s == severity {
			return true
		}
	}
	return false
}

// MatchCount counts trigger patterns satisfied by at least one alert.
func (r *Runbook) MatchCount(alerts []*model.Alert) int {
	count := 0
	for _, p := range r.Patterns {
		for _, a := range alerts {
			if p.Matches(a) {
				count++
				break
			}
		}
	}
	return count
}

// DiagnosisStep is a read-only investigation command.
type DiagnosisStep struct {
	Command  string
	Expected string
	Parallel bool
}

// MitigationStep is a state-changing remediation command with its paired
// rollback command. Guarded steps always require human confirmation.
type MitigationStep struct {
	Command         string
	RollbackCommand string
	Guarded         bool
}

// Escalation names who is paged when the runbook cannot finish the job.
type Escalation struct {
	Role    string
	Timeout time.Duration
}
