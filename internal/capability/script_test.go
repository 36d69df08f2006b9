package capability

import (
	"testing"
)

func TestParseReport(t *testing.T) {
	raw := []byte(`{
		"base_loss": 0.6505,
		"new_loss": 0.6270,
		"accuracy_before": 0.712,
		"accuracy_after": 0.734,
		"artifact_ref": "./state/capsules/lora_1761234567",
		"artifact_hash": "deadbeef"
	}`)

	report, err := parseReport(raw)
	if err != nil {
		t.Fatalf("parseReport: %v", err)
	}
	if d := report.Delta(); d < 0.0234999 || d > 0.0235001 {
		t.Errorf("delta = %v, want 0.0235", d)
	}
	accDelta, ok := report.AccuracyDelta()
	if !ok {
		t.Fatal("accuracy should be present")
	}
	if accDelta < 0.0219999 || accDelta > 0.0220001 {
		t.Errorf("accuracy delta = %v, want 0.022", accDelta)
	}
	if report.ArtifactRef != "./state/capsules/lora_1761234567" {
		t.Errorf("artifact ref = %q", report.ArtifactRef)
	}
}

func TestParseReportWithoutAccuracy(t *testing.T) {
	raw := []byte(`{"base_loss": 0.5, "new_loss": 0.4, "artifact_ref": "cap"}`)

	report, err := parseReport(raw)
	if err != nil {
		t.Fatalf("parseReport: %v", err)
	}
	if _, ok := report.AccuracyDelta(); ok {
		t.Error("accuracy reported present when absent from JSON")
	}
}

func TestParseReportMissingArtifact(t *testing.T) {
	if _, err := parseReport([]byte(`{"base_loss": 0.5, "new_loss": 0.4}`)); err == nil {
		t.Fatal("report without artifact_ref must be rejected")
	}
}

func TestParseReportGarbage(t *testing.T) {
	if _, err := parseReport([]byte("not json")); err == nil {
		t.Fatal("garbage report must be rejected")
	}
}
