package metrics

import (
	"bytes"
	"encoding/json"
	"testing"
)

func TestRecorderFlushOutput(t *testing.T) {
	functionName = "" // Clear for test isolation

	var buf bytes.Buffer
	rec := New()
	rec.out = &buf
	rec.Dimension("Operation", "markGenerationCompleted")
	rec.Metric("OptimizeLatencyMs", 812.5, UnitMilliseconds)
	rec.Count("MirrorEnqueueFailure")
	rec.Property("historyId", "hist-abc-123")
	rec.Flush()

	var doc map[string]interface{}
	if err := json.Unmarshal(buf.Bytes(), &doc); err != nil {
		t.Fatalf("failed to parse EMF output as JSON: %v\nOutput: %s", err, buf.String())
	}

	awsDir, ok := doc["_aws"].(map[string]interface{})
	if !ok {
		t.Fatal("missing _aws directive in EMF output")
	}
	if _, ok := awsDir["Timestamp"]; !ok {
		t.Error("missing Timestamp in _aws directive")
	}
	cwArr, ok := awsDir["CloudWatchMetrics"].([]interface{})
	if !ok || len(cwArr) == 0 {
		t.Fatal("CloudWatchMetrics should be a non-empty array")
	}
	cw := cwArr[0].(map[string]interface{})
	if cw["Namespace"] != Namespace {
		t.Errorf("namespace = %v, want %s", cw["Namespace"], Namespace)
	}

	if doc["Operation"] != "markGenerationCompleted" {
		t.Errorf("Operation dimension = %v", doc["Operation"])
	}
	if doc["OptimizeLatencyMs"] != 812.5 {
		t.Errorf("OptimizeLatencyMs = %v, want 812.5", doc["OptimizeLatencyMs"])
	}
	if doc["MirrorEnqueueFailure"] != float64(1) {
		t.Errorf("MirrorEnqueueFailure = %v, want 1", doc["MirrorEnqueueFailure"])
	}
	if doc["historyId"] != "hist-abc-123" {
		t.Errorf("historyId property = %v", doc["historyId"])
	}
}

func TestRecorderFlushEmpty(t *testing.T) {
	var buf bytes.Buffer
	rec := New()
	rec.out = &buf
	rec.Property("historyId", "hist-1")
	rec.Flush()

	if buf.Len() != 0 {
		t.Errorf("expected no output when no metrics recorded, got %q", buf.String())
	}
}
