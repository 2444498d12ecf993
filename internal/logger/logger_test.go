package logger

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in      string
		want    Level
		wantErr bool
	}{
		{"", LevelInfo, false},
		{"debug", LevelDebug, false},
		{"WARNING", LevelWarning, false},
		{"trace", LevelTrace, false},
		{"fatal", LevelFatal, false},
		{"loud", LevelInfo, true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseLevel(tt.in)
			if (err != nil) != tt.wantErr || got != tt.want {
				t.Errorf("ParseLevel(%q) = (%v, %v), want %v", tt.in, got, err, tt.want)
			}
		})
	}
}

func TestSetOutputWritesJSON(t *testing.T) {
	var buf bytes.Buffer
	SetOutput(&buf)
	SetLevel(LevelDebug)
	t.Cleanup(func() { SetLevel(LevelInfo) })

	Debug("rule evaluated", "rule_id", "r-1")

	var line map[string]any
	if err := json.Unmarshal(buf.Bytes(), &line); err != nil {
		t.Fatalf("log line is not JSON: %v (%q)", err, buf.String())
	}
	if line["msg"] != "rule evaluated" || line["rule_id"] != "r-1" {
		t.Errorf("unexpected log line %v", line)
	}
}

func TestWarnCountsEvenWhenSampledOut(t *testing.T) {
	var buf bytes.Buffer
	SetOutput(&buf)

	before := TotalWarnings.Load()
	WarnHttp4xx()
	Warn("slow data source", "source", "identity")

	if got := TotalWarnings.Load() - before; got != 2 {
		t.Errorf("warnings counted = %d, want 2", got)
	}
}

func TestRegisterMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	if err := RegisterMetrics(reg); err != nil {
		t.Fatalf("RegisterMetrics() error = %v", err)
	}
	if err := RegisterMetrics(reg); err == nil {
		t.Error("registering twice on the same registry should fail")
	}

	StepLimitReached.Store(0)
	StepLimitReached.Add(3)

	expected := `
# HELP decisions_workflow_step_limit_reached_total Workflow runs stopped by the step bound
# TYPE decisions_workflow_step_limit_reached_total counter
decisions_workflow_step_limit_reached_total 3
`
	if err := testutil.GatherAndCompare(reg, strings.NewReader(expected), "decisions_workflow_step_limit_reached_total"); err != nil {
		t.Error(err)
	}
}
