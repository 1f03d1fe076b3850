package rollback

import (
	"testing"
	"time"
)

func defaultTriggerConfig() TriggerConfig {
	return TriggerConfig{
		ErrorRateThreshold:     0.5,
		LatencyBaselineFactor:  3,
		CrashLoopThreshold:     3,
		HealthFailureThreshold: 0.5,
		Window:                 5 * time.Minute,
		BaselineWindow:         time.Hour,
	}
}

func TestEvaluateTriggers(t *testing.T) {
	cfg := defaultTriggerConfig()

	tests := []struct {
		name    string
		signals TriggerSignals
		want    []string
	}{
		{
			"no signals",
			TriggerSignals{},
			nil,
		},
		{
			"healthy",
			TriggerSignals{
				ErrorRate:          Sample{0.01, true},
				P99:                Sample{0.2, true},
				P99Baseline:        Sample{0.2, true},
				CrashLoops:         Sample{0, true},
				HealthFailureRatio: Sample{0.02, true},
			},
			nil,
		},
		{
			"error rate above threshold",
			TriggerSignals{ErrorRate: Sample{0.75, true}},
			[]string{"error_rate"},
		},
		{
			"error rate at threshold does not fire",
			TriggerSignals{ErrorRate: Sample{0.5, true}},
			nil,
		},
		{
			"p99 above baseline factor",
			TriggerSignals{P99: Sample{0.9, true}, P99Baseline: Sample{0.2, true}},
			[]string{"p99_latency"},
		},
		{
			"p99 high but baseline missing",
			TriggerSignals{P99: Sample{0.9, true}},
			nil,
		},
		{
			"p99 high but baseline zero",
			TriggerSignals{P99: Sample{0.9, true}, P99Baseline: Sample{0, true}},
			nil,
		},
		{
			"crash loops at threshold",
			TriggerSignals{CrashLoops: Sample{3, true}},
			[]string{"crash_loop"},
		},
		{
			"health failure ratio",
			TriggerSignals{HealthFailureRatio: Sample{0.6, true}},
			[]string{"health_check_failures"},
		},
		{
			"multiple triggers",
			TriggerSignals{
				ErrorRate:  Sample{0.8, true},
				CrashLoops: Sample{5, true},
			},
			[]string{"error_rate", "crash_loop"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fired := EvaluateTriggers(tt.signals, cfg)
			if len(fired) != len(tt.want) {
				t.Fatalf("got %d triggers %v, want %v", len(fired), fired, tt.want)
			}
			for i, name := range tt.want {
				if fired[i].Name != name {
					t.Fatalf("trigger %d = %q, want %q", i, fired[i].Name, name)
				}
			}
		})
	}
}

func TestEvaluateTriggersDeterministic(t *testing.T) {
	cfg := defaultTriggerConfig()
	signals := TriggerSignals{
		ErrorRate:          Sample{0.8, true},
		P99:                Sample{1.2, true},
		P99Baseline:        Sample{0.3, true},
		CrashLoops:         Sample{4, true},
		HealthFailureRatio: Sample{0.7, true},
	}

	first := EvaluateTriggers(signals, cfg)
	for i := 0; i < 20; i++ {
		again := EvaluateTriggers(signals, cfg)
		if len(again) != len(first) {
			t.Fatal("trigger evaluation is not deterministic")
		}
		for j := range first {
			if again[j] != first[j] {
				t.Fatal("trigger evaluation is not deterministic")
			}
		}
	}
}

func TestSnapshotOmitsMissingSignals(t *testing.T) {
	signals := TriggerSignals{
		ErrorRate:  Sample{0.75, true},
		CrashLoops: Sample{2, true},
	}
	snap := signals.Snapshot()
	if len(snap) != 2 {
		t.Fatalf("got snapshot %v, want 2 entries", snap)
	}
	if snap["error_rate"] != 0.75 || snap["crash_loops"] != 2 {
		t.Fatalf("unexpected snapshot %v", snap)
	}

	if got := (TriggerSignals{}).Snapshot(); got != nil {
		t.Fatalf("empty signals must snapshot to nil, got %v", got)
	}
}

func TestRangeSelector(t *testing.T) {
	cfg := TriggerConfig{Window: 5 * time.Minute}
	if got := cfg.rangeSelector(); got != "5m" {
		t.Fatalf("rangeSelector() = %q, want 5m", got)
	}
}
