package runbook

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/cureops/incidentd/internal/incident/model"
)

const validConfig = `version: 1
runbooks:
  - id: high-error-rate
    updated_at: 2025-06-01T00:00:00Z
    applicable_severities: [P1, P2]
    trigger_signature:
      alert_patterns:
        - exact: HighErrorRate
        - label: service=payments
    diagnosis_steps:
      - command: kubectl get pods -n payments
        expected: Running
      - command: payments-logs --since=15m
        parallel: true
    mitigation_steps:
      - command: kubectl rollout restart deploy/payments
        rollback_command: kubectl rollout undo deploy/payments
    escalation:
      role: payments-oncall
      timeout: 15m
  - id: db-connections
    updated_at: 2025-07-01T00:00:00Z
    applicable_severities: [P2, P3]
    trigger_signature:
      alert_patterns:
        - regex: ^Db.*
    diagnosis_steps:
      - command: check-db-pool
    mitigation_steps:
      - command: flush-db-pool
        guarded: true
    escalation:
      role: dba-oncall
`

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "runbooks.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}
	return path
}

func TestLoadParsesConfig(t *testing.T) {
	m := NewManager(writeConfig(t, validConfig))
	if err := m.Load(); err != nil {
		t.Fatalf("Load() error: %v", err)
	}

	books := m.Runbooks()
	if len(books) != 2 {
		t.Fatalf("got %d runbooks, want 2", len(books))
	}

	rb := books[0]
	if rb.ID != "high-error-rate" {
		t.Fatalf("got id %q", rb.ID)
	}
	if len(rb.ApplicableSeverities) != 2 || rb.ApplicableSeverities[0] != model.SeverityP1 {
		t.Fatalf("unexpected severities %v", rb.ApplicableSeverities)
	}
	if len(rb.Patterns) != 2 || rb.Patterns[0].Kind != PatternExact || rb.Patterns[1].Kind != PatternLabel {
		t.Fatalf("unexpected patterns %+v", rb.Patterns)
	}
	if len(rb.DiagnosisSteps) != 2 || rb.DiagnosisSteps[0].Expected != "Running" || !rb.DiagnosisSteps[1].Parallel {
		t.Fatalf("unexpected diagnosis steps %+v", rb.DiagnosisSteps)
	}
	if len(rb.MitigationSteps) != 1 || rb.MitigationSteps[0].RollbackCommand == "" {
		t.Fatalf("unexpected mitigation steps %+v", rb.MitigationSteps)
	}
	if rb.Escalation.Role != "payments-oncall" || rb.Escalation.Timeout != 15*time.Minute {
		t.Fatalf("unexpected escalation %+v", rb.Escalation)
	}
	if !books[1].MitigationSteps[0].Guarded {
		t.Fatal("expected guarded mitigation step")
	}
}

func TestParseDocumentRejectsInvalid(t *testing.T) {
	tests := []struct {
		name    string
		config  string
		wantErr string
	}{
		{
			"unsupported version",
			"version: 2\nrunbooks:\n  - id: rb\n",
			"unsupported runbook config version",
		},
		{
			"no runbooks",
			"version: 1\nrunbooks: []\n",
			"no runbooks",
		},
		{
			"duplicate id",
			strings.Replace(validConfig, "id: db-connections", "id: high-error-rate", 1),
			"duplicate runbook id",
		},
		{
			"unknown severity",
			strings.Replace(validConfig, "[P1, P2]", "[SEV1]", 1),
			"unknown severity",
		},
		{
			"missing patterns",
			strings.Replace(validConfig, "        - regex: ^Db.*\n", "", 1),
			"at least one pattern",
		},
		{
			"two pattern variants",
			strings.Replace(validConfig, "- exact: HighErrorRate", "- exact: HighErrorRate\n          regex: ^High", 1),
			"exactly one of",
		},
		{
			"invalid regex",
			strings.Replace(validConfig, "regex: ^Db.*", `regex: "["`, 1),
			"invalid regex",
		},
		{
			"missing escalation role",
			strings.Replace(validConfig, "role: dba-oncall", "timeout: 5m", 1),
			"escalation.role is required",
		},
		{
			"empty mitigation command",
			strings.Replace(validConfig, "command: flush-db-pool", "command: \"\"", 1),
			"command is required",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := parseDocument([]byte(tt.config))
			if err == nil {
				t.Fatal("expected error")
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("error %q does not mention %q", err, tt.wantErr)
			}
		})
	}
}

func TestMaybeReloadKeepsPreviousSetOnInvalidConfig(t *testing.T) {
	path := writeConfig(t, validConfig)
	m := NewManager(path)
	if err := m.Load(); err != nil {
		t.Fatalf("Load() error: %v", err)
	}

	broken := strings.Replace(validConfig, "version: 1", "version: 9", 1)
	if err := os.WriteFile(path, []byte(broken), 0o644); err != nil {
		t.Fatalf("failed to rewrite config: %v", err)
	}
	future := time.Now().Add(2 * time.Second)
	if err := os.Chtimes(path, future, future); err != nil {
		t.Fatalf("failed to bump mtime: %v", err)
	}

	m.MaybeReload()
	if got := len(m.Runbooks()); got != 2 {
		t.Fatalf("got %d runbooks after rejected reload, want previous 2", got)
	}
}

func TestMaybeReloadPicksUpChangedConfig(t *testing.T) {
	path := writeConfig(t, validConfig)
	m := NewManager(path)
	if err := m.Load(); err != nil {
		t.Fatalf("Load() error: %v", err)
	}

	single := `version: 1
runbooks:
  - id: only-one
    applicable_severities: [P2]
    trigger_signature:
      alert_patterns:
        - exact: HighErrorRate
    escalation:
      role: oncall
`
	if err := os.WriteFile(path, []byte(single), 0o644); err != nil {
		t.Fatalf("failed to rewrite config: %v", err)
	}
	future := time.Now().Add(2 * time.Second)
	if err := os.Chtimes(path, future, future); err != nil {
		t.Fatalf("failed to bump mtime: %v", err)
	}

	m.MaybeReload()
	books := m.Runbooks()
	if len(books) != 1 || books[0].ID != "only-one" {
		t.Fatalf("reload not applied, got %+v", books)
	}
}

func selectIncident(severity model.Severity, alerts ...*model.Alert) *model.Incident {
	return &model.Incident{ID: "inc-1", Severity: severity, Alerts: alerts}
}

func selectBook(id string, updated time.Time, severities []model.Severity, patterns ...AlertPattern) *Runbook {
	return &Runbook{ID: id, UpdatedAt: updated, ApplicableSeverities: severities, Patterns: patterns}
}

func TestSelectPrefersMostMatchedPatterns(t *testing.T) {
	p2 := []model.Severity{model.SeverityP2}
	m := &Manager{books: []*Runbook{
		selectBook("one-pattern", time.Now(), p2, NewExactPattern("HighErrorRate")),
		selectBook("two-patterns", time.Time{}, p2,
			NewExactPattern("HighErrorRate"), mustLabelPattern(t, "service=payments")),
	}}

	inc := selectIncident(model.SeverityP2,
		&model.Alert{AlertName: "HighErrorRate", Labels: map[string]string{"service": "payments"}})
	rb, err := m.Select(inc)
	if err != nil {
		t.Fatalf("Select() error: %v", err)
	}
	if rb.ID != "two-patterns" {
		t.Fatalf("selected %q, want two-patterns", rb.ID)
	}
}

func TestSelectFiltersBySeverity(t *testing.T) {
	m := &Manager{books: []*Runbook{
		selectBook("p1-only", time.Now(), []model.Severity{model.SeverityP1},
			NewExactPattern("HighErrorRate")),
	}}

	inc := selectIncident(model.SeverityP3, &model.Alert{AlertName: "HighErrorRate"})
	if _, err := m.Select(inc); !model.IsKind(err, model.KindRunbookNotFound) {
		t.Fatalf("got %v, want RunbookNotFound", err)
	}
}

func TestSelectTieGoesToNewestRunbook(t *testing.T) {
	p2 := []model.Severity{model.SeverityP2}
	older := time.Date(2025, 5, 1, 0, 0, 0, 0, time.UTC)
	newer := time.Date(2025, 7, 1, 0, 0, 0, 0, time.UTC)
	m := &Manager{books: []*Runbook{
		selectBook("older", older, p2, NewExactPattern("HighErrorRate")),
		selectBook("newer", newer, p2, NewExactPattern("HighErrorRate")),
	}}

	inc := selectIncident(model.SeverityP2, &model.Alert{AlertName: "HighErrorRate"})
	rb, err := m.Select(inc)
	if err != nil {
		t.Fatalf("Select() error: %v", err)
	}
	if rb.ID != "newer" {
		t.Fatalf("selected %q, want newer", rb.ID)
	}
}

func TestSelectNoMatchReturnsNotFound(t *testing.T) {
	m := &Manager{books: []*Runbook{
		selectBook("rb", time.Now(), []model.Severity{model.SeverityP2},
			NewExactPattern("DbConnectionsExhausted")),
	}}

	inc := selectIncident(model.SeverityP2, &model.Alert{AlertName: "HighErrorRate"})
	if _, err := m.Select(inc); !model.IsKind(err, model.KindRunbookNotFound) {
		t.Fatalf("got %v, want RunbookNotFound", err)
	}
}
