package runbook

import (
	"fmt"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/cureops/incidentd/internal/incident/model"
)

// configVersion is the only runbook document schema this build reads.
const configVersion = 1

type document struct {
	Version  int          `yaml:"version"`
	Runbooks []runbookDoc `yaml:"runbooks"`
}

type runbookDoc struct {
	ID                   string        `yaml:"id"`
	UpdatedAt            time.Time     `yaml:"updated_at"`
	ApplicableSeverities []string      `yaml:"applicable_severities"`
	TriggerSignature     signatureDoc  `yaml:"trigger_signature"`
	DiagnosisSteps       []diagStepDoc `yaml:"diagnosis_steps"`
	MitigationSteps      []mitStepDoc  `yaml:"mitigation_steps"`
	Escalation           escalationDoc `yaml:"escalation"`
}

type signatureDoc struct {
	AlertPatterns []patternDoc `yaml:"alert_patterns"`
}

type patternDoc struct {
	Exact string `yaml:"exact,omitempty"`
	Regex string `yaml:"regex,omitempty"`
	Label string `yaml:"label,omitempty"`
}

type diagStepDoc struct {
	Command  string `yaml:"command"`
	Expected string `yaml:"expected,omitempty"`
	Parallel bool   `yaml:"parallel,omitempty"`
}

type mitStepDoc struct {
	Command         string `yaml:"command"`
	RollbackCommand string `yaml:"rollback_command,omitempty"`
	Guarded         bool   `yaml:"guarded,omitempty"`
}

type escalationDoc struct {
	Role    string `yaml:"role"`
	Timeout string `yaml:"timeout,omitempty"`
}

// parseDocument decodes and validates a runbook YAML document. Any invalid
// runbook rejects the whole document so a reload never half-applies.
func parseDocument(data []byte) ([]*Runbook, error) {
	var doc document
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("failed to parse runbook config: %w", err)
	}
	if doc.Version != configVersion {
		return nil, fmt.Errorf("unsupported runbook config version %d, want %d", doc.Version, configVersion)
	}
	if len(doc.Runbooks) == 0 {
		return nil, fmt.Errorf("runbook config declares no runbooks")
	}

	seen := make(map[string]bool, len(doc.Runbooks))
	books := make([]*Runbook, 0, len(doc.Runbooks))
	for i, rd := range doc.Runbooks {
		rb, err := rd.compile()
		if err != nil {
			return nil, fmt.Errorf("runbook %d (%s): %w", i, rd.ID, err)
		}
		if seen[rb.ID] {
			return nil, fmt.Errorf("duplicate runbook id %q", rb.ID)
		}
		seen[rb.ID] = true
		books = append(books, rb)
	}
	return books, nil
}

func (rd runbookDoc) compile() (*Runbook, error) {
	if rd.ID == "" {
		return nil, fmt.Errorf("id is required")
	}
	if len(rd.ApplicableSeverities) == 0 {
		return nil, fmt.Errorf("applicable_severities is required")
	}
	severities := make([]model.Severity, 0, len(rd.ApplicableSeverities))
	for _, s := range rd.ApplicableSeverities {
		sev, ok := model.ParseSeverity(s)
		if !ok {
			return nil, fmt.Errorf("unknown severity %q", s)
		}
		severities = append(severities, sev)
	}

	if len(rd.TriggerSignature.AlertPatterns) == 0 {
		return nil, fmt.Errorf("trigger_signature must list at least one pattern")
	}
	patterns := make([]AlertPattern, 0, len(rd.TriggerSignature.AlertPatterns))
	for i, pd := range rd.TriggerSignature.AlertPatterns {
		p, err := pd.compile()
		if err != nil {
			return nil, fmt.Errorf("pattern %d: %w", i, err)
		}
		patterns = append(patterns, p)
	}

	diagnosis := make([]DiagnosisStep, 0, len(rd.DiagnosisSteps))
	for i, sd := range rd.DiagnosisSteps {
		if sd.Command == "" {
			return nil, fmt.Errorf("diagnosis step %d: command is required", i)
		}
		diagnosis = append(diagnosis, DiagnosisStep{Command: sd.Command, Expected: sd.Expected, Parallel: sd.Parallel})
	}

	mitigation := make([]MitigationStep, 0, len(rd.MitigationSteps))
	for i, sd := range rd.MitigationSteps {
		if sd.Command == "" {
			return nil, fmt.Errorf("mitigation step %d: command is required", i)
		}
		mitigation = append(mitigation, MitigationStep{
			Command:         sd.Command,
			RollbackCommand: sd.RollbackCommand,
			Guarded:         sd.Guarded,
		})
	}

	if rd.Escalation.Role == "" {
		return nil, fmt.Errorf("escalation.role is required")
	}
	escalation := Escalation{Role: rd.Escalation.Role}
	if rd.Escalation.Timeout != "" {
		d, err := time.ParseDuration(rd.Escalation.Timeout)
		if err != nil {
			return nil, fmt.Errorf("escalation.timeout: %w", err)
		}
		escalation.Timeout = d
	}

	return &Runbook{
		ID:                   rd.ID,
		UpdatedAt:            rd.UpdatedAt,
		ApplicableSeverities: severities,
		Patterns:             patterns,
		DiagnosisSteps:       diagnosis,
		MitigationSteps:      mitigation,
		Escalation:           escalation,
	}, nil
}

func (pd patternDoc) compile() (AlertPattern, error) {
	set := 0
	if pd.Exact != "" {
		set++
	}
	if pd.Regex != "" {
		set++
	}
	if pd.Label != "" {
		set++
	}
	if set != 1 {
		return AlertPattern{}, fmt.Errorf("exactly one of exact, regex, label must be set")
	}

	switch {
	case pd.Exact != "":
		return NewExactPattern(pd.Exact), nil
	case pd.Regex != "":
		return NewRegexPattern(pd.Regex)
	default:
		return NewLabelPattern(pd.Label)
	}
}
