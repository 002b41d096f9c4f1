package chat

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/careportal/careportal/internal/platform/apperr"
)

// MetadataType is the discriminator carried in the "type" field of message metadata.
type MetadataType string

const (
	MetadataStandard     MetadataType = "standard"
	MetadataAIProcessing MetadataType = "ai_processing"
	MetadataHandoff      MetadataType = "handoff"
)

// Metadata is the closed set of message metadata variants. Only the types in
// this package implement it.
type Metadata interface {
	Type() MetadataType
	MessageStatus() MessageStatus
	WithStatus(MessageStatus) Metadata
	isMetadata()
}

// StandardMetadata carries only a delivery status.
type StandardMetadata struct {
	Status MessageStatus `json:"status"`
}

// AIProcessingMetadata marks a message that takes part in automated intake.
type AIProcessingMetadata struct {
	Status          MessageStatus  `json:"status"`
	ConfidenceScore *float64       `json:"confidenceScore,omitempty"`
	CollectedInfo   *CollectedInfo `json:"collectedInfo,omitempty"`
}

// HandoffStatus tracks a provider handoff.
type HandoffStatus string

const (
	HandoffPending   HandoffStatus = "pending"
	HandoffAccepted  HandoffStatus = "accepted"
	HandoffCompleted HandoffStatus = "completed"
)

func (s HandoffStatus) Valid() bool {
	switch s {
	case HandoffPending, HandoffAccepted, HandoffCompleted:
		return true
	}
	return false
}

// HandoffMetadata marks a message that hands the conversation to a provider.
type HandoffMetadata struct {
	Status         MessageStatus  `json:"status"`
	HandoffStatus  HandoffStatus  `json:"handoffStatus"`
	ProviderID     string         `json:"providerId"`
	TriageDecision TriageDecision `json:"triageDecision"`
}

// CollectedInfo accumulates intake facts across assistant turns.
type CollectedInfo struct {
	ChiefComplaint         string   `json:"chiefComplaint,omitempty"`
	Duration               string   `json:"duration,omitempty"`
	Severity               string   `json:"severity,omitempty"`
	ExistingProvider       string   `json:"existingProvider,omitempty"`
	Symptoms               []string `json:"symptoms,omitempty"`
	RecommendedSpecialties []string `json:"recommendedSpecialties,omitempty"`
	UrgencyIndicators      []string `json:"urgencyIndicators,omitempty"`
}

// Merge returns the union of c and next. Non-empty scalar fields in next win;
// list fields keep their first-seen order without duplicates.
func (c *CollectedInfo) Merge(next *CollectedInfo) *CollectedInfo {
	out := &CollectedInfo{}
	if c != nil {
		*out = *c
		out.Symptoms = append([]string(nil), c.Symptoms...)
		out.RecommendedSpecialties = append([]string(nil), c.RecommendedSpecialties...)
		out.UrgencyIndicators = append([]string(nil), c.UrgencyIndicators...)
	}
	if next == nil {
		return out
	}
	if next.ChiefComplaint != "" {
		out.ChiefComplaint = next.ChiefComplaint
	}
	if next.Duration != "" {
		out.Duration = next.Duration
	}
	if next.Severity != "" {
		out.Severity = next.Severity
	}
	if next.ExistingProvider != "" {
		out.ExistingProvider = next.ExistingProvider
	}
	out.Symptoms = unionFold(out.Symptoms, next.Symptoms)
	out.RecommendedSpecialties = unionFold(out.RecommendedSpecialties, next.RecommendedSpecialties)
	out.UrgencyIndicators = unionFold(out.UrgencyIndicators, next.UrgencyIndicators)
	return out
}

// unionFold appends the entries of add missing from base, comparing case-insensitively.
func unionFold(base, add []string) []string {
	seen := make(map[string]bool, len(base))
	for _, v := range base {
		seen[strings.ToLower(strings.TrimSpace(v))] = true
	}
	for _, v := range add {
		key := strings.ToLower(strings.TrimSpace(v))
		if key == "" || seen[key] {
			continue
		}
		seen[key] = true
		base = append(base, v)
	}
	return base
}

func (StandardMetadata) Type() MetadataType     { return MetadataStandard }
func (AIProcessingMetadata) Type() MetadataType { return MetadataAIProcessing }
func (HandoffMetadata) Type() MetadataType      { return MetadataHandoff }

func (m StandardMetadata) MessageStatus() MessageStatus     { return m.Status }
func (m AIProcessingMetadata) MessageStatus() MessageStatus { return m.Status }
func (m HandoffMetadata) MessageStatus() MessageStatus      { return m.Status }

func (m StandardMetadata) WithStatus(s MessageStatus) Metadata {
	m.Status = s
	return m
}

func (m AIProcessingMetadata) WithStatus(s MessageStatus) Metadata {
	m.Status = s
	return m
}

func (m HandoffMetadata) WithStatus(s MessageStatus) Metadata {
	m.Status = s
	return m
}

func (StandardMetadata) isMetadata()     {}
func (AIProcessingMetadata) isMetadata() {}
func (HandoffMetadata) isMetadata()      {}

func (m StandardMetadata) MarshalJSON() ([]byte, error) {
	type alias StandardMetadata
	return json.Marshal(struct {
		Type MetadataType `json:"type"`
		alias
	}{MetadataStandard, alias(m)})
}

func (m AIProcessingMetadata) MarshalJSON() ([]byte, error) {
	type alias AIProcessingMetadata
	return json.Marshal(struct {
		Type MetadataType `json:"type"`
		alias
	}{MetadataAIProcessing, alias(m)})
}

func (m HandoffMetadata) MarshalJSON() ([]byte, error) {
	type alias HandoffMetadata
	return json.Marshal(struct {
		Type MetadataType `json:"type"`
		alias
	}{MetadataHandoff, alias(m)})
}

// variantFields lists, per discriminator, every key a payload may carry.
var variantFields = map[MetadataType]map[string]bool{
	MetadataStandard:     {"type": true, "status": true},
	MetadataAIProcessing: {"type": true, "status": true, "confidenceScore": true, "collectedInfo": true},
	MetadataHandoff:      {"type": true, "status": true, "handoffStatus": true, "providerId": true, "triageDecision": true},
}

// ParseMetadata validates raw metadata and returns the variant named by its
// "type" field. Keys that belong to a different variant, or to none, are
// rejected with a ValidationError naming the key.
func ParseMetadata(data []byte) (Metadata, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return nil, apperr.Validation("metadata", "must be a JSON object")
	}
	if fields == nil {
		return nil, apperr.Validation("metadata", "must be a JSON object")
	}

	rawType, ok := fields["type"]
	if !ok {
		return nil, apperr.Validation("type", "required")
	}
	var mt MetadataType
	if err := json.Unmarshal(rawType, &mt); err != nil {
		return nil, apperr.Validation("type", "must be a string")
	}
	allowed, ok := variantFields[mt]
	if !ok {
		return nil, apperr.Validation("type", fmt.Sprintf("unknown metadata type %q", mt))
	}

	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if !allowed[k] {
			return nil, apperr.Validation(k, fmt.Sprintf("not allowed for %s metadata", mt))
		}
	}

	switch mt {
	case MetadataStandard:
		var m StandardMetadata
		if err := decodeField(fields, "status", &m.Status); err != nil {
			return nil, err
		}
		if err := validateStatus(m.Status); err != nil {
			return nil, err
		}
		return m, nil

	case MetadataAIProcessing:
		var m AIProcessingMetadata
		if err := decodeField(fields, "status", &m.Status); err != nil {
			return nil, err
		}
		if err := validateStatus(m.Status); err != nil {
			return nil, err
		}
		if raw, ok := fields["confidenceScore"]; ok && !isNull(raw) {
			var score float64
			if err := json.Unmarshal(raw, &score); err != nil {
				return nil, apperr.Validation("confidenceScore", "must be a number")
			}
			if score < 0 || score > 1 {
				return nil, apperr.Validation("confidenceScore", "must be within [0,1]")
			}
			m.ConfidenceScore = &score
		}
		if raw, ok := fields["collectedInfo"]; ok && !isNull(raw) {
			info, err := parseCollectedInfo(raw)
			if err != nil {
				return nil, err
			}
			m.CollectedInfo = info
		}
		return m, nil

	case MetadataHandoff:
		var m HandoffMetadata
		if err := decodeField(fields, "status", &m.Status); err != nil {
			return nil, err
		}
		if err := validateStatus(m.Status); err != nil {
			return nil, err
		}
		if err := decodeField(fields, "handoffStatus", &m.HandoffStatus); err != nil {
			return nil, err
		}
		if !m.HandoffStatus.Valid() {
			return nil, apperr.Validation("handoffStatus", fmt.Sprintf("unknown handoff status %q", m.HandoffStatus))
		}
		if err := decodeField(fields, "providerId", &m.ProviderID); err != nil {
			return nil, err
		}
		if strings.TrimSpace(m.ProviderID) == "" {
			return nil, apperr.Validation("providerId", "required")
		}
		raw, ok := fields["triageDecision"]
		if !ok || isNull(raw) {
			return nil, apperr.Validation("triageDecision", "required")
		}
		td, err := parseTriageDecision(raw)
		if err != nil {
			return nil, err
		}
		m.TriageDecision = td
		return m, nil
	}
	return nil, apperr.Validation("type", fmt.Sprintf("unknown metadata type %q", mt))
}

// MarshalMetadata encodes md, falling back to a standard "sent" payload when md is nil.
func MarshalMetadata(md Metadata) ([]byte, error) {
	if md == nil {
		md = StandardMetadata{Status: StatusSent}
	}
	return json.Marshal(md)
}

func decodeField(fields map[string]json.RawMessage, key string, dst any) error {
	raw, ok := fields[key]
	if !ok || isNull(raw) {
		return apperr.Validation(key, "required")
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return apperr.Validation(key, "must be a string")
	}
	return nil
}

func validateStatus(s MessageStatus) error {
	if !s.Valid() {
		return apperr.Validation("status", fmt.Sprintf("unknown message status %q", s))
	}
	return nil
}

func parseCollectedInfo(raw json.RawMessage) (*CollectedInfo, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	var info CollectedInfo
	if err := dec.Decode(&info); err != nil {
		return nil, apperr.Validation("collectedInfo", err.Error())
	}
	return &info, nil
}

func parseTriageDecision(raw json.RawMessage) (TriageDecision, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	var td TriageDecision
	if err := dec.Decode(&td); err != nil {
		return TriageDecision{}, apperr.Validation("triageDecision", err.Error())
	}
	if err := td.Validate(); err != nil {
		return TriageDecision{}, err
	}
	return td, nil
}

func isNull(raw json.RawMessage) bool {
	return len(bytes.TrimSpace(raw)) == 0 || string(bytes.TrimSpace(raw)) == "null"
}
