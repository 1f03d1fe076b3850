package api

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/cureops/incidentd/internal/incident/model"
	"github.com/cureops/incidentd/internal/incident/store"
)

func TestAcknowledgeIncident(t *testing.T) {
	f := newAPIFixture(t)
	f.seed(t, seedIncident("inc-1", model.StatusInvestigating, apiBase.Add(-time.Minute)))

	w := f.do(t, http.MethodPost, "/v1/incidents/inc-1/ack", operatorRequest{Actor: "bob", Reason: "taking command"})
	if w.Code != http.StatusOK {
		t.Fatalf("ack returned %d: %s", w.Code, w.Body.String())
	}

	got := f.reload(t, "inc-1")
	if got.Commander != "bob" || got.AcknowledgedAt == nil {
		t.Fatalf("acknowledgement not recorded: commander=%q ackAt=%v", got.Commander, got.AcknowledgedAt)
	}
	if got.Version != 2 {
		t.Fatalf("version = %d, expected 2 after one update", got.Version)
	}
	if !hasTimelineKind(got, model.TimelineAcknowledged) {
		t.Fatal("timeline is missing the acknowledged entry")
	}
	for _, e := range got.Timeline {
		if e.Kind == model.TimelineAcknowledged && (e.Actor != "bob" || e.Reason != "taking command") {
			t.Fatalf("acknowledged entry lost actor or reason: %+v", e)
		}
	}
	msgs := f.notifier.all()
	if len(msgs) != 1 || !strings.Contains(msgs[0], "acknowledged by bob") {
		t.Fatalf("unexpected notifications: %v", msgs)
	}

	w = f.do(t, http.MethodPost, "/v1/incidents/inc-1/ack", operatorRequest{Actor: "carol", Reason: "me too"})
	if w.Code != http.StatusConflict {
		t.Fatalf("second ack returned %d, expected 409", w.Code)
	}
	if code := errorCode(t, w); code != "AlreadyAcknowledged" {
		t.Fatalf("unexpected error code %q", code)
	}
}

func TestOperatorActionsRequireActorAndReason(t *testing.T) {
	f := newAPIFixture(t)
	f.seed(t, seedIncident("inc-1", model.StatusInvestigating, apiBase.Add(-time.Minute)))

	for _, body := range []operatorRequest{
		{},
		{Actor: "bob"},
		{Reason: "because"},
		{Actor: "  ", Reason: "because"},
	} {
		w := f.do(t, http.MethodPost, "/v1/incidents/inc-1/ack", body)
		if w.Code != http.StatusBadRequest {
			t.Fatalf("body %+v returned %d, expected 400", body, w.Code)
		}
	}

	got := f.reload(t, "inc-1")
	if got.Version != 1 {
		t.Fatalf("rejected requests must not write, version = %d", got.Version)
	}
}

func TestAcknowledgeRejectsHalted(t *testing.T) {
	f := newAPIFixture(t)
	inc := seedIncident("inc-1", model.StatusClosed, apiBase.Add(-time.Minute))
	inc.Cancelled = true
	f.seed(t, inc)

	w := f.do(t, http.MethodPost, "/v1/incidents/inc-1/ack", operatorRequest{Actor: "bob", Reason: "late"})
	if w.Code != http.StatusConflict {
		t.Fatalf("ack on halted incident returned %d, expected 409", w.Code)
	}
	if code := errorCode(t, w); code != "InvalidState" {
		t.Fatalf("unexpected error code %q", code)
	}
}

func TestOverrideSeverityDowngradesWithAudit(t *testing.T) {
	f := newAPIFixture(t)
	inc := seedIncident("inc-1", model.StatusInvestigating, apiBase.Add(-time.Minute))
	inc.Severity = model.SeverityP1
	inc.SeverityRecommendation = model.SeverityP3
	f.seed(t, inc)

	w := f.do(t, http.MethodPost, "/v1/incidents/inc-1/severity", severityRequest{
		operatorRequest: operatorRequest{Actor: "carol", Reason: "blast radius was one canary pod"},
		Severity:        "P3",
	})
	if w.Code != http.StatusOK {
		t.Fatalf("override returned %d: %s", w.Code, w.Body.String())
	}

	got := f.reload(t, "inc-1")
	if got.Severity != model.SeverityP3 {
		t.Fatalf("severity = %s, expected P3", got.Severity)
	}
	if got.SeverityRecommendation != "" {
		t.Fatalf("recommendation should clear on override, got %s", got.SeverityRecommendation)
	}
	found := false
	for _, e := range got.Timeline {
		if e.Kind == model.TimelineSeverityOverridden {
			found = true
			if !strings.Contains(e.Message, "was P1") || e.Actor != "carol" {
				t.Fatalf("override entry incomplete: %+v", e)
			}
		}
	}
	if !found {
		t.Fatal("timeline is missing the severity_overridden entry")
	}
	msgs := f.notifier.all()
	if len(msgs) != 1 || !strings.Contains(msgs[0], "manually set to P3 by carol") {
		t.Fatalf("unexpected notifications: %v", msgs)
	}
}

func TestOverrideSeverityRejectsUnknownLevel(t *testing.T) {
	f := newAPIFixture(t)
	f.seed(t, seedIncident("inc-1", model.StatusInvestigating, apiBase.Add(-time.Minute)))

	w := f.do(t, http.MethodPost, "/v1/incidents/inc-1/severity", severityRequest{
		operatorRequest: operatorRequest{Actor: "carol", Reason: "typo"},
		Severity:        "P9",
	})
	if w.Code != http.StatusBadRequest {
		t.Fatalf("unknown severity returned %d, expected 400", w.Code)
	}
}

func TestApproveRollbackExecutesAndVerifiesInBackground(t *testing.T) {
	f := newAPIFixture(t)
	inc := seedIncident("inc-1", model.StatusInvestigating, apiBase.Add(-time.Minute))
	inc.RollbackDecision = &model.RollbackDecision{
		IncidentID: "inc-1",
		Service:    "checkout",
		Version:    "v2.3.1",
		Decision:   model.DecisionRequireApproval,
		DecidedAt:  apiBase.Add(-30 * time.Second),
		Outcome:    model.RollbackOutcomeDeferred,
	}
	f.seed(t, inc)

	w := f.do(t, http.MethodPost, "/v1/incidents/inc-1/rollback/approve", operatorRequest{Actor: "dana", Reason: "metrics confirm the regression"})
	if w.Code != http.StatusAccepted {
		t.Fatalf("approve returned %d: %s", w.Code, w.Body.String())
	}

	got := f.reload(t, "inc-1")
	if got.RollbackDecision.ExecutedAt == nil {
		t.Fatal("execution was not persisted before the response")
	}
	if !hasTimelineKind(got, model.TimelineRollbackApproved) || !hasTimelineKind(got, model.TimelineRollbackExecuted) {
		t.Fatalf("timeline is missing approval entries: %+v", got.Timeline)
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		got = f.reload(t, "inc-1")
		if got.RollbackDecision.Outcome == model.RollbackOutcomeRecovered {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("background verification never landed, outcome = %s", got.RollbackDecision.Outcome)
		}
		time.Sleep(10 * time.Millisecond)
	}
	if f.rollback.verifyCount() != 1 {
		t.Fatalf("verify ran %d times, expected 1", f.rollback.verifyCount())
	}

	for {
		msgs := f.notifier.all()
		verified := false
		for _, m := range msgs {
			if strings.Contains(m, "verified: recovered") {
				verified = true
			}
		}
		if verified {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("verification notification never sent: %v", msgs)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestApproveRollbackRejectsWithoutPendingDecision(t *testing.T) {
	f := newAPIFixture(t)
	f.seed(t, seedIncident("inc-1", model.StatusInvestigating, apiBase.Add(-time.Minute)))

	w := f.do(t, http.MethodPost, "/v1/incidents/inc-1/rollback/approve", operatorRequest{Actor: "dana", Reason: "retry"})
	if w.Code != http.StatusConflict {
		t.Fatalf("approve without decision returned %d, expected 409", w.Code)
	}
	if code := errorCode(t, w); code != "RollbackNotExecutable" {
		t.Fatalf("unexpected error code %q", code)
	}
	if got := f.reload(t, "inc-1"); got.Version != 1 {
		t.Fatalf("rejected approval must not write, version = %d", got.Version)
	}
}

func TestCancelIncidentClosesAndStopsAutomation(t *testing.T) {
	f := newAPIFixture(t)
	f.seed(t, seedIncident("inc-1", model.StatusMitigating, apiBase.Add(-time.Minute)))

	w := f.do(t, http.MethodPost, "/v1/incidents/inc-1/cancel", operatorRequest{Actor: "erin", Reason: "false alarm, load test traffic"})
	if w.Code != http.StatusOK {
		t.Fatalf("cancel returned %d: %s", w.Code, w.Body.String())
	}

	got := f.reload(t, "inc-1")
	if got.Status != model.StatusClosed || !got.Cancelled {
		t.Fatalf("cancel left status=%s cancelled=%v", got.Status, got.Cancelled)
	}
	if !got.Halted() {
		t.Fatal("cancelled incident must report halted")
	}
	if !hasTimelineKind(got, model.TimelineCancelled) {
		t.Fatal("timeline is missing the cancelled entry")
	}

	w = f.do(t, http.MethodPost, "/v1/incidents/inc-1/cancel", operatorRequest{Actor: "erin", Reason: "again"})
	if w.Code != http.StatusConflict {
		t.Fatalf("second cancel returned %d, expected 409", w.Code)
	}
}

func TestCloseRequiresApprovedReport(t *testing.T) {
	f := newAPIFixture(t)
	resolvedAt := apiBase.Add(-time.Minute)
	inc := seedIncident("inc-9", model.StatusResolved, apiBase.Add(-time.Hour))
	inc.ResolvedAt = &resolvedAt
	f.seed(t, inc)
	err := f.st.SaveReport(context.Background(), &model.PostIncidentReport{
		ID:         "pir-inc-9",
		IncidentID: "inc-9",
		RootCause:  "canary regression",
	})
	if err != nil {
		t.Fatalf("failed to save report: %v", err)
	}

	closeBody := closeRequest{
		operatorRequest: operatorRequest{Actor: "frank", Reason: "follow-ups filed"},
		ReportID:        "pir-inc-9",
	}

	w := f.do(t, http.MethodPost, "/v1/incidents/inc-9/close", closeBody)
	if w.Code != http.StatusConflict {
		t.Fatalf("close before approval returned %d, expected 409", w.Code)
	}
	if code := errorCode(t, w); code != "ReportNotApproved" {
		t.Fatalf("unexpected error code %q", code)
	}

	w = f.do(t, http.MethodPost, "/v1/reports/pir-inc-9/approve", operatorRequest{Actor: "gina", Reason: "reviewed in postmortem meeting"})
	if w.Code != http.StatusOK {
		t.Fatalf("report approval returned %d: %s", w.Code, w.Body.String())
	}
	r, err := f.st.GetReportByID(context.Background(), "pir-inc-9")
	if err != nil || r.ApprovedBy != "gina" {
		t.Fatalf("approval not recorded: %+v err=%v", r, err)
	}
	if got := f.reload(t, "inc-9"); !hasTimelineKind(got, model.TimelineReportApproved) {
		t.Fatal("timeline is missing the report_approved entry")
	}

	w = f.do(t, http.MethodPost, "/v1/incidents/inc-9/close", closeBody)
	if w.Code != http.StatusOK {
		t.Fatalf("close after approval returned %d: %s", w.Code, w.Body.String())
	}
	got := f.reload(t, "inc-9")
	if got.Status != model.StatusClosed {
		t.Fatalf("status = %s, expected Closed", got.Status)
	}
	if !hasTimelineKind(got, model.TimelineClosed) {
		t.Fatal("timeline is missing the closed entry")
	}

	w = f.do(t, http.MethodPost, "/v1/incidents/inc-9/close", closeBody)
	if w.Code != http.StatusConflict {
		t.Fatalf("closing a closed incident returned %d, expected 409", w.Code)
	}
}

func TestCloseRejectsWrongReport(t *testing.T) {
	f := newAPIFixture(t)
	resolvedAt := apiBase.Add(-time.Minute)
	inc := seedIncident("inc-9", model.StatusResolved, apiBase.Add(-time.Hour))
	inc.ResolvedAt = &resolvedAt
	f.seed(t, inc)

	w := f.do(t, http.MethodPost, "/v1/incidents/inc-9/close", closeRequest{
		operatorRequest: operatorRequest{Actor: "frank", Reason: "done"},
		ReportID:        "pir-other",
	})
	if w.Code != http.StatusConflict {
		t.Fatalf("close with foreign report returned %d, expected 409", w.Code)
	}

	w = f.do(t, http.MethodPost, "/v1/incidents/inc-9/close", closeRequest{
		operatorRequest: operatorRequest{Actor: "frank", Reason: "done"},
	})
	if w.Code != http.StatusBadRequest {
		t.Fatalf("close without report_id returned %d, expected 400", w.Code)
	}
}

func TestApproveReportUnknownID(t *testing.T) {
	f := newAPIFixture(t)
	w := f.do(t, http.MethodPost, "/v1/reports/missing/approve", operatorRequest{Actor: "gina", Reason: "reviewed"})
	if w.Code != http.StatusNotFound {
		t.Fatalf("unknown report returned %d, expected 404", w.Code)
	}
}

func TestCancelNotification(t *testing.T) {
	f := newAPIFixture(t)

	w := f.do(t, http.MethodPost, "/v1/notifications/ntf-1/cancel", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("cancel returned %d: %s", w.Code, w.Body.String())
	}
	if len(f.notifier.cancelled) != 1 || f.notifier.cancelled[0] != "ntf-1" {
		t.Fatalf("dispatcher saw cancels %v", f.notifier.cancelled)
	}

	f.notifier.cancelErr = store.ErrNotFound
	w = f.do(t, http.MethodPost, "/v1/notifications/ntf-2/cancel", nil)
	if w.Code != http.StatusNotFound {
		t.Fatalf("unknown notification returned %d, expected 404", w.Code)
	}

	f.notifier.cancelErr = fmt.Errorf("notification ntf-3 is sent, not pending")
	w = f.do(t, http.MethodPost, "/v1/notifications/ntf-3/cancel", nil)
	if w.Code != http.StatusConflict {
		t.Fatalf("sent notification returned %d, expected 409", w.Code)
	}
	if code := errorCode(t, w); code != "NotCancellable" {
		t.Fatalf("unexpected error code %q", code)
	}
}
