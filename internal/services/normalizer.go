package services

import (
	"encoding/json"
	"fmt"
	"strings"

	"mydoctor/internal/models"
)

// Field defaults used whenever the upstream model omits or mangles a field.
// Normalization always yields a complete StructuredResult.
const (
	defaultSymptoms   = "Not specified"
	defaultCauses     = "Needs clinical evaluation"
	defaultAdvice     = "Consult a licensed doctor for personalized care."
	defaultWhenToSee  = "Seek medical care if symptoms worsen or persist."
	defaultUrgency    = "moderate"
	defaultDisclaimer = "This is general health information, not a medical diagnosis. Always consult a licensed doctor."
)

var validUrgencies = map[string]bool{
	"low":       true,
	"moderate":  true,
	"high":      true,
	"emergency": true,
}

// ResponseNormalizer converts the upstream model's free-form reply into a
// StructuredResult. It never fails: any text that cannot be parsed as JSON
// lands in the advice field with defaults everywhere else.
type ResponseNormalizer struct{}

// NewResponseNormalizer creates a normalizer.
func NewResponseNormalizer() *ResponseNormalizer {
	return &ResponseNormalizer{}
}

// Normalize extracts a structured result from raw model output.
// fallbackRefs fill the references field when the model provided none.
func (n *ResponseNormalizer) Normalize(raw string, fallbackRefs []string) models.StructuredResult {
	cleaned := stripCodeFences(raw)

	parsed, ok := tryParse(cleaned)
	if !ok {
		if inner := extractJSONObject(cleaned); inner != "" {
			parsed, ok = tryParse(inner)
		}
	}
	if !ok {
		parsed = map[string]any{"advice": strings.TrimSpace(raw)}
	}

	result := models.StructuredResult{
		Symptoms:       stringField(parsed, "symptoms", defaultSymptoms),
		PossibleCauses: stringField(parsed, "possible_causes", defaultCauses),
		Advice:         stringField(parsed, "advice", defaultAdvice),
		Urgency:        strings.ToLower(stringField(parsed, "urgency", defaultUrgency)),
		WhenToSeeDr:    stringField(parsed, "when_to_see_doctor", defaultWhenToSee),
		References:     listField(parsed, "references"),
		Disclaimer:     defaultDisclaimer,
	}

	if !validUrgencies[result.Urgency] {
		result.Urgency = defaultUrgency
	}
	if len(result.References) == 0 {
		result.References = fallbackRefs
	}
	if result.References == nil {
		result.References = []string{}
	}

	return result
}

// ApplyEmergencyOverlay forces the result into emergency shape: urgency
// becomes "emergency", when_to_see_doctor is replaced with the
// language-matched urgent-contact message regardless of what the model
// said, and the same instruction leads the advice. Safe to call more than
// once.
func (n *ResponseNormalizer) ApplyEmergencyOverlay(result *models.StructuredResult, language string) {
	result.Urgency = "emergency"

	urgent := UrgentMessage(language)
	result.WhenToSeeDr = urgent
	if !strings.HasPrefix(result.Advice, urgent) {
		if result.Advice == "" || result.Advice == defaultAdvice {
			result.Advice = urgent
		} else {
			result.Advice = urgent + "\n\n" + result.Advice
		}
	}
}

// FormatForChat renders a structured result as the sectioned Markdown reply
// shown in the chat transcript, with Urdu headings for Urdu conversations.
func (n *ResponseNormalizer) FormatForChat(result models.StructuredResult, language string) string {
	type section struct{ heading, body string }

	headings := map[string]string{
		"symptoms": "Symptoms", "causes": "Possible Causes", "advice": "Advice",
		"urgency": "Urgency Level", "doctor": "When to See a Doctor", "references": "References",
	}
	if language == "ur" {
		headings = map[string]string{
			"symptoms": "علامات", "causes": "ممکنہ وجوہات", "advice": "مشورہ",
			"urgency": "شدت", "doctor": "ڈاکٹر سے کب رجوع کریں", "references": "حوالہ جات",
		}
	}

	sections := []section{
		{headings["symptoms"], result.Symptoms},
		{headings["causes"], result.PossibleCauses},
		{headings["advice"], result.Advice},
		{headings["urgency"], result.Urgency},
		{headings["doctor"], result.WhenToSeeDr},
	}

	var b strings.Builder
	for _, s := range sections {
		if s.body == "" {
			continue
		}
		fmt.Fprintf(&b, "**%s**\n%s\n\n", s.heading, s.body)
	}

	if len(result.References) > 0 {
		fmt.Fprintf(&b, "**%s**\n", headings["references"])
		for _, ref := range result.References {
			fmt.Fprintf(&b, "- %s\n", ref)
		}
		b.WriteString("\n")
	}

	b.WriteString("_" + result.Disclaimer + "_")
	return b.String()
}

// stripCodeFences removes a surrounding Markdown code fence, with or
// without a language tag.
func stripCodeFences(raw string) string {
	trimmed := strings.TrimSpace(raw)
	if !strings.HasPrefix(trimmed, "```") {
		return trimmed
	}

	trimmed = strings.TrimPrefix(trimmed, "```")
	if idx := strings.Index(trimmed, "\n"); idx >= 0 {
		// Drop a language tag like "json" on the fence line.
		first := strings.TrimSpace(trimmed[:idx])
		if len(first) <= 10 && !strings.ContainsAny(first, "{}") {
			trimmed = trimmed[idx+1:]
		}
	}
	trimmed = strings.TrimSuffix(strings.TrimSpace(trimmed), "```")
	return strings.TrimSpace(trimmed)
}

// extractJSONObject returns the substring from the first '{' to the last
// '}', or "" when no object is present.
func extractJSONObject(s string) string {
	start := strings.Index(s, "{")
	end := strings.LastIndex(s, "}")
	if start < 0 || end <= start {
		return ""
	}
	return s[start : end+1]
}

func tryParse(s string) (map[string]any, bool) {
	var parsed map[string]any
	if err := json.Unmarshal([]byte(s), &parsed); err != nil {
		return nil, false
	}
	return parsed, true
}

func stringField(m map[string]any, key, fallback string) string {
	v, ok := m[key]
	if !ok {
		return fallback
	}
	switch t := v.(type) {
	case string:
		if strings.TrimSpace(t) == "" {
			return fallback
		}
		return strings.TrimSpace(t)
	case []any:
		parts := make([]string, 0, len(t))
		for _, item := range t {
			if s, ok := item.(string); ok && s != "" {
				parts = append(parts, s)
			}
		}
		if len(parts) == 0 {
			return fallback
		}
		return strings.Join(parts, "; ")
	default:
		return fallback
	}
}

func listField(m map[string]any, key string) []string {
	v, ok := m[key]
	if !ok {
		return nil
	}
	switch t := v.(type) {
	case []any:
		out := make([]string, 0, len(t))
		for _, item := range t {
			if s, ok := item.(string); ok && strings.TrimSpace(s) != "" {
				out = append(out, strings.TrimSpace(s))
			}
		}
		return out
	case string:
		if strings.TrimSpace(t) == "" {
			return nil
		}
		return []string{strings.TrimSpace(t)}
	default:
		return nil
	}
}
