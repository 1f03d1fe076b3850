package model

import (
	"testing"
	"time"
)

func TestSeverityHigherThan(t *testing.T) {
	cases := []struct {
		a, b Severity
		want bool
	}{
		{SeverityP0, SeverityP1, true},
		{SeverityP1, SeverityP4, true},
		{SeverityP2, SeverityP2, false},
		{SeverityP4, SeverityP0, false},
		{Severity("P9"), SeverityP0, false},
	}
	for _, c := range cases {
		if got := c.a.HigherThan(c.b); got != c.want {
			t.Fatalf("HigherThan(%s, %s) = %v, want %v", c.a, c.b, got, c.want)
		}
	}
}

func TestParseSeverity(t *testing.T) {
	if s, ok := ParseSeverity("P2"); !ok || s != SeverityP2 {
		t.Fatalf("ParseSeverity(P2) = %s, %v", s, ok)
	}
	if _, ok := ParseSeverity("sev1"); ok {
		t.Fatalf("ParseSeverity should reject non-canonical codes")
	}
	if _, ok := ParseSeverity(""); ok {
		t.Fatalf("ParseSeverity should reject empty input")
	}
}

func TestValidTransition(t *testing.T) {
	allowed := [][2]Status{
		{StatusOpen, StatusInvestigating},
		{StatusInvestigating, StatusMitigating},
		{StatusMitigating, StatusMonitoring},
		{StatusMonitoring, StatusResolved},
		{StatusMonitoring, StatusInvestigating},
		{StatusResolved, StatusClosed},
		{StatusOpen, StatusClosed},
		{StatusMitigating, StatusClosed},
	}
	for _, tr := range allowed {
		if !ValidTransition(tr[0], tr[1]) {
			t.Fatalf("transition %s -> %s should be allowed", tr[0], tr[1])
		}
	}
	denied := [][2]Status{
		{StatusClosed, StatusOpen},
		{StatusResolved, StatusInvestigating},
		{StatusOpen, StatusMonitoring},
		{StatusOpen, StatusResolved},
		{StatusMonitoring, StatusMitigating},
	}
	for _, tr := range denied {
		if ValidTransition(tr[0], tr[1]) {
			t.Fatalf("transition %s -> %s should be denied", tr[0], tr[1])
		}
	}
}

func TestAppendTimelineMonotonic(t *testing.T) {
	base := time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)
	inc := &Incident{}
	inc.AppendTimeline(TimelineEntry{At: base, Actor: ActorSystem, Kind: TimelineIncidentCreated})
	inc.AppendTimeline(TimelineEntry{At: base.Add(-time.Minute), Actor: ActorSystem, Kind: TimelineAlertCorrelated})
	if len(inc.Timeline) != 2 {
		t.Fatalf("timeline length = %d, want 2", len(inc.Timeline))
	}
	if inc.Timeline[1].At.Before(inc.Timeline[0].At) {
		t.Fatalf("timeline regressed: %v then %v", inc.Timeline[0].At, inc.Timeline[1].At)
	}

	inc.AppendTimeline(TimelineEntry{Actor: ActorSystem, Kind: TimelineSeverityApplied})
	last := inc.Timeline[len(inc.Timeline)-1]
	if last.At.IsZero() {
		t.Fatalf("zero At should be stamped")
	}
	if last.At.Before(inc.Timeline[1].At) {
		t.Fatalf("stamped At regressed")
	}
}

func TestHalted(t *testing.T) {
	inc := &Incident{Status: StatusMitigating}
	if inc.Halted() {
		t.Fatalf("mitigating incident should not be halted")
	}
	inc.Cancelled = true
	if !inc.Halted() {
		t.Fatalf("cancelled incident should be halted")
	}
	inc = &Incident{Status: StatusClosed}
	if !inc.Halted() {
		t.Fatalf("closed incident should be halted")
	}
}

func TestImplicatedDeployment(t *testing.T) {
	inc := &Incident{Alerts: []*Alert{
		{ID: "a1", Labels: map[string]string{"service": "checkout"}},
		{ID: "a2", Labels: map[string]string{"service": "checkout", "version": "v42"}},
	}}
	svc, ver, ok := inc.ImplicatedDeployment()
	if !ok || svc != "checkout" || ver != "v42" {
		t.Fatalf("ImplicatedDeployment = %s, %s, %v", svc, ver, ok)
	}

	inc = &Incident{Alerts: []*Alert{{ID: "a1", Labels: map[string]string{"service": "checkout"}}}}
	if _, _, ok := inc.ImplicatedDeployment(); ok {
		t.Fatalf("service without version should not implicate a deployment")
	}
}
