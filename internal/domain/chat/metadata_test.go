package chat

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/careportal/careportal/internal/platform/apperr"
)

func validationField(t *testing.T, err error) string {
	t.Helper()
	var ve *apperr.ValidationError
	if !errors.As(err, &ve) {
		t.Fatalf("expected ValidationError, got %T: %v", err, err)
	}
	return ve.Field
}

func TestParseMetadata_Standard(t *testing.T) {
	md, err := ParseMetadata([]byte(`{"type":"standard","status":"sent"}`))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	std, ok := md.(StandardMetadata)
	if !ok {
		t.Fatalf("expected StandardMetadata, got %T", md)
	}
	if std.Status != StatusSent {
		t.Errorf("expected status sent, got %q", std.Status)
	}
}

func TestParseMetadata_AIProcessing(t *testing.T) {
	raw := `{"type":"ai_processing","status":"delivered","confidenceScore":0.82,
		"collectedInfo":{"chiefComplaint":"headache","duration":"3 days","urgencyIndicators":["vomiting"]}}`
	md, err := ParseMetadata([]byte(raw))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	ai, ok := md.(AIProcessingMetadata)
	if !ok {
		t.Fatalf("expected AIProcessingMetadata, got %T", md)
	}
	if ai.ConfidenceScore == nil || *ai.ConfidenceScore != 0.82 {
		t.Errorf("unexpected confidence score %v", ai.ConfidenceScore)
	}
	if ai.CollectedInfo == nil || ai.CollectedInfo.ChiefComplaint != "headache" {
		t.Errorf("unexpected collected info %+v", ai.CollectedInfo)
	}
	if len(ai.CollectedInfo.UrgencyIndicators) != 1 || ai.CollectedInfo.UrgencyIndicators[0] != "vomiting" {
		t.Errorf("unexpected urgency indicators %v", ai.CollectedInfo.UrgencyIndicators)
	}
}

func TestParseMetadata_Handoff(t *testing.T) {
	raw := `{"type":"handoff","status":"sent","handoffStatus":"pending","providerId":"P1",
		"triageDecision":{"decision":"needs_provider","confidence":0.9}}`
	md, err := ParseMetadata([]byte(raw))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	h, ok := md.(HandoffMetadata)
	if !ok {
		t.Fatalf("expected HandoffMetadata, got %T", md)
	}
	if h.ProviderID != "P1" || h.HandoffStatus != HandoffPending {
		t.Errorf("unexpected handoff %+v", h)
	}
	if h.TriageDecision.Decision != TriageNeedsProvider || h.TriageDecision.Confidence != 0.9 {
		t.Errorf("unexpected triage decision %+v", h.TriageDecision)
	}
}

func TestParseMetadata_RejectsForeignVariantFields(t *testing.T) {
	cases := []struct {
		name  string
		raw   string
		field string
	}{
		{"standard with handoffStatus", `{"type":"standard","status":"sent","handoffStatus":"pending"}`, "handoffStatus"},
		{"standard with confidenceScore", `{"type":"standard","status":"sent","confidenceScore":0.5}`, "confidenceScore"},
		{"ai with providerId", `{"type":"ai_processing","status":"sent","providerId":"P1"}`, "providerId"},
		{"ai with triageDecision", `{"type":"ai_processing","status":"sent","triageDecision":{"decision":"self_care","confidence":1}}`, "triageDecision"},
		{"handoff with collectedInfo", `{"type":"handoff","status":"sent","handoffStatus":"pending","providerId":"P1","triageDecision":{"decision":"emergency","confidence":1},"collectedInfo":{}}`, "collectedInfo"},
		{"unknown key", `{"type":"standard","status":"sent","color":"blue"}`, "color"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := ParseMetadata([]byte(tc.raw))
			if err == nil {
				t.Fatal("expected error")
			}
			if got := validationField(t, err); got != tc.field {
				t.Errorf("expected field %q, got %q", tc.field, got)
			}
		})
	}
}

func TestParseMetadata_RequiredFields(t *testing.T) {
	cases := []struct {
		name  string
		raw   string
		field string
	}{
		{"missing type", `{"status":"sent"}`, "type"},
		{"unknown type", `{"type":"system","status":"sent"}`, "type"},
		{"missing status", `{"type":"standard"}`, "status"},
		{"bad status", `{"type":"standard","status":"lost"}`, "status"},
		{"handoff missing provider", `{"type":"handoff","status":"sent","handoffStatus":"pending","triageDecision":{"decision":"emergency","confidence":1}}`, "providerId"},
		{"handoff blank provider", `{"type":"handoff","status":"sent","handoffStatus":"pending","providerId":"  ","triageDecision":{"decision":"emergency","confidence":1}}`, "providerId"},
		{"handoff missing decision", `{"type":"handoff","status":"sent","handoffStatus":"pending","providerId":"P1"}`, "triageDecision"},
		{"handoff bad outcome", `{"type":"handoff","status":"sent","handoffStatus":"pending","providerId":"P1","triageDecision":{"decision":"maybe","confidence":1}}`, "triageDecision.decision"},
		{"handoff bad status", `{"type":"handoff","status":"sent","handoffStatus":"lost","providerId":"P1","triageDecision":{"decision":"emergency","confidence":1}}`, "handoffStatus"},
		{"confidence out of range", `{"type":"ai_processing","status":"sent","confidenceScore":1.5}`, "confidenceScore"},
		{"collected info unknown key", `{"type":"ai_processing","status":"sent","collectedInfo":{"mood":"sad"}}`, "collectedInfo"},
		{"not an object", `["standard"]`, "metadata"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := ParseMetadata([]byte(tc.raw))
			if err == nil {
				t.Fatal("expected error")
			}
			if got := validationField(t, err); got != tc.field {
				t.Errorf("expected field %q, got %q", tc.field, got)
			}
		})
	}
}

func TestMetadata_MarshalCarriesDiscriminator(t *testing.T) {
	score := 0.4
	variants := []Metadata{
		StandardMetadata{Status: StatusRead},
		AIProcessingMetadata{Status: StatusSent, ConfidenceScore: &score},
		HandoffMetadata{Status: StatusSent, HandoffStatus: HandoffAccepted, ProviderID: "P9",
			TriageDecision: TriageDecision{Decision: TriageEmergency, Confidence: 0.95}},
	}
	for _, md := range variants {
		data, err := MarshalMetadata(md)
		if err != nil {
			t.Fatalf("marshal %T: %v", md, err)
		}
		var decoded map[string]any
		if err := json.Unmarshal(data, &decoded); err != nil {
			t.Fatalf("unmarshal: %v", err)
		}
		if decoded["type"] != string(md.Type()) {
			t.Errorf("expected type %q, got %v", md.Type(), decoded["type"])
		}
		back, err := ParseMetadata(data)
		if err != nil {
			t.Fatalf("reparse %s: %v", data, err)
		}
		if back.Type() != md.Type() || back.MessageStatus() != md.MessageStatus() {
			t.Errorf("reparse mismatch: %+v vs %+v", back, md)
		}
	}
}

func TestMarshalMetadata_NilDefaultsToStandard(t *testing.T) {
	data, err := MarshalMetadata(nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if string(data) != `{"type":"standard","status":"sent"}` {
		t.Errorf("unexpected payload %s", data)
	}
}

func TestWithStatus_KeepsVariant(t *testing.T) {
	h := HandoffMetadata{Status: StatusSending, HandoffStatus: HandoffPending, ProviderID: "P1",
		TriageDecision: TriageDecision{Decision: TriageNeedsProvider, Confidence: 0.8}}
	updated := h.WithStatus(StatusSent)
	got, ok := updated.(HandoffMetadata)
	if !ok {
		t.Fatalf("expected HandoffMetadata, got %T", updated)
	}
	if got.Status != StatusSent || got.ProviderID != "P1" {
		t.Errorf("unexpected metadata %+v", got)
	}
	if h.Status != StatusSending {
		t.Error("WithStatus must not mutate the receiver")
	}
}

func TestCollectedInfo_Merge(t *testing.T) {
	prev := &CollectedInfo{ChiefComplaint: "cough", Duration: "2 days", UrgencyIndicators: []string{"fever"}}
	next := &CollectedInfo{Severity: "moderate", Duration: "1 week", UrgencyIndicators: []string{"Fever", "chest pain"}}

	merged := prev.Merge(next)
	if merged.ChiefComplaint != "cough" {
		t.Errorf("expected chief complaint kept, got %q", merged.ChiefComplaint)
	}
	if merged.Duration != "1 week" {
		t.Errorf("expected newer duration, got %q", merged.Duration)
	}
	if merged.Severity != "moderate" {
		t.Errorf("expected severity, got %q", merged.Severity)
	}
	if len(merged.UrgencyIndicators) != 2 || merged.UrgencyIndicators[0] != "fever" || merged.UrgencyIndicators[1] != "chest pain" {
		t.Errorf("unexpected indicators %v", merged.UrgencyIndicators)
	}
	if len(prev.UrgencyIndicators) != 1 {
		t.Error("Merge must not mutate the receiver")
	}

	var empty *CollectedInfo
	if got := empty.Merge(next); got.Severity != "moderate" {
		t.Errorf("merge from nil: %+v", got)
	}
}

func TestMessage_UnmarshalJSON(t *testing.T) {
	raw := `{"id":"6f1c3f7e-0d3a-4b8e-9a55-6f0f2b7f9e11","conversation_id":"0b8f8c7a-5f0e-4b59-8a43-3b1c0a6c9d21",
		"content":"hi","role":"user","metadata":{"type":"standard","status":"read"},"created_at":"2026-01-02T03:04:05Z"}`
	var m Message
	if err := json.Unmarshal([]byte(raw), &m); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if m.Content != "hi" || m.Role != RoleUser {
		t.Errorf("unexpected message %+v", m)
	}
	if m.Status() != StatusRead {
		t.Errorf("expected read, got %q", m.Status())
	}

	bad := `{"content":"hi","role":"user","metadata":{"type":"standard","status":"sent","providerId":"P1"}}`
	if err := json.Unmarshal([]byte(bad), &m); err == nil {
		t.Error("expected error for foreign metadata field")
	}
}
