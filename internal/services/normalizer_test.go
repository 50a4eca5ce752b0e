package services

import (
	"strings"
	"testing"
)

func TestNormalizer_ParsesCleanJSON(t *testing.T) {
	n := NewResponseNormalizer()

	raw := `{"symptoms":"headache","possible_causes":"tension","advice":"rest","urgency":"low","when_to_see_doctor":"if it persists","references":["WHO"]}`
	result := n.Normalize(raw, nil)

	if result.Symptoms != "headache" {
		t.Errorf("symptoms = %q", result.Symptoms)
	}
	if result.Urgency != "low" {
		t.Errorf("urgency = %q", result.Urgency)
	}
	if len(result.References) != 1 || result.References[0] != "WHO" {
		t.Errorf("references = %v", result.References)
	}
	if result.Disclaimer == "" {
		t.Error("disclaimer should always be set")
	}
}

func TestNormalizer_StripsCodeFences(t *testing.T) {
	n := NewResponseNormalizer()

	raw := "```json\n{\"advice\":\"drink water\"}\n```"
	result := n.Normalize(raw, nil)

	if result.Advice != "drink water" {
		t.Errorf("advice = %q", result.Advice)
	}
	if result.Symptoms != defaultSymptoms {
		t.Errorf("missing symptoms should default, got %q", result.Symptoms)
	}
}

func TestNormalizer_ExtractsEmbeddedJSON(t *testing.T) {
	n := NewResponseNormalizer()

	raw := `Here is my assessment: {"advice":"see a doctor","urgency":"high"} I hope this helps.`
	result := n.Normalize(raw, nil)

	if result.Advice != "see a doctor" {
		t.Errorf("advice = %q", result.Advice)
	}
	if result.Urgency != "high" {
		t.Errorf("urgency = %q", result.Urgency)
	}
}

func TestNormalizer_FreeTextFallsIntoAdvice(t *testing.T) {
	n := NewResponseNormalizer()

	raw := "You should rest and stay hydrated."
	result := n.Normalize(raw, nil)

	if result.Advice != raw {
		t.Errorf("free text should land in advice, got %q", result.Advice)
	}
	if result.Urgency != defaultUrgency {
		t.Errorf("urgency should default, got %q", result.Urgency)
	}
	if result.Symptoms != defaultSymptoms || result.PossibleCauses != defaultCauses {
		t.Error("missing fields should take defaults")
	}
}

func TestNormalizer_InvalidUrgencyDefaults(t *testing.T) {
	n := NewResponseNormalizer()

	result := n.Normalize(`{"urgency":"catastrophic"}`, nil)
	if result.Urgency != defaultUrgency {
		t.Errorf("invalid urgency should default to %q, got %q", defaultUrgency, result.Urgency)
	}
}

func TestNormalizer_FallbackReferences(t *testing.T) {
	n := NewResponseNormalizer()

	refs := []string{"Migraine review - https://pubmed.ncbi.nlm.nih.gov/12345/"}
	result := n.Normalize(`{"advice":"rest"}`, refs)

	if len(result.References) != 1 || result.References[0] != refs[0] {
		t.Errorf("fallback references should fill empty list, got %v", result.References)
	}

	// Model-provided references win over the fallback.
	result = n.Normalize(`{"references":["model ref"]}`, refs)
	if len(result.References) != 1 || result.References[0] != "model ref" {
		t.Errorf("model references should win, got %v", result.References)
	}
}

func TestNormalizer_NeverReturnsNilReferences(t *testing.T) {
	n := NewResponseNormalizer()

	result := n.Normalize("plain text", nil)
	if result.References == nil {
		t.Error("references must never be nil")
	}
}

func TestNormalizer_EmergencyOverlay(t *testing.T) {
	n := NewResponseNormalizer()

	result := n.Normalize(`{"advice":"rest","urgency":"low","when_to_see_doctor":"No need to see a doctor."}`, nil)
	n.ApplyEmergencyOverlay(&result, "en")

	if result.Urgency != "emergency" {
		t.Errorf("urgency = %q", result.Urgency)
	}
	if !strings.HasPrefix(result.Advice, UrgentMessage("en")) {
		t.Errorf("advice should lead with the urgent message, got %q", result.Advice)
	}
	if result.WhenToSeeDr != UrgentMessage("en") {
		t.Errorf("when_to_see_doctor should be replaced with the urgent message, got %q", result.WhenToSeeDr)
	}

	// Applying twice must not duplicate the urgent message.
	before := result.Advice
	n.ApplyEmergencyOverlay(&result, "en")
	if result.Advice != before {
		t.Error("overlay should be idempotent")
	}
}

func TestNormalizer_EmergencyOverlayUrdu(t *testing.T) {
	n := NewResponseNormalizer()

	result := n.Normalize(`{"advice":"آرام کریں"}`, nil)
	n.ApplyEmergencyOverlay(&result, "ur")

	if !strings.HasPrefix(result.Advice, UrgentMessage("ur")) {
		t.Errorf("Urdu overlay should use the Urdu urgent message, got %q", result.Advice)
	}
	if result.WhenToSeeDr != UrgentMessage("ur") {
		t.Errorf("when_to_see_doctor should use the Urdu urgent message, got %q", result.WhenToSeeDr)
	}
}

func TestNormalizer_FormatForChat(t *testing.T) {
	n := NewResponseNormalizer()

	result := n.Normalize(`{"symptoms":"fever","advice":"rest","references":["CDC"]}`, nil)
	reply := n.FormatForChat(result, "en")

	for _, want := range []string{"**Symptoms**", "**Advice**", "**References**", "- CDC", result.Disclaimer} {
		if !strings.Contains(reply, want) {
			t.Errorf("formatted reply missing %q", want)
		}
	}

	urduReply := n.FormatForChat(result, "ur")
	if !strings.Contains(urduReply, "**علامات**") {
		t.Error("Urdu reply should use Urdu headings")
	}
}
