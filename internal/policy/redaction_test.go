package policy

import (
	"strings"
	"testing"
)

func TestRedactPIIMasksCallerDetails(t *testing.T) {
	input := "Email me at sam@example.com or +1 (555) 123-9876 and charge 4242 4242 4242 4242."
	out, changed := RedactPII(input)
	if !changed {
		t.Fatalf("changed = false, want true")
	}
	for _, marker := range []string{"[REDACTED_EMAIL]", "[REDACTED_PHONE]", "[REDACTED_CARD]"} {
		if !strings.Contains(out, marker) {
			t.Fatalf("output missing marker %q: %q", marker, out)
		}
	}
}

func TestRedactPIIMasksSpokenDigitRuns(t *testing.T) {
	input := "sure, it's four two four two, four two four two, four two four two, four two four two"
	out, changed := RedactPII(input)
	if !changed {
		t.Fatalf("changed = false, want true")
	}
	if !strings.Contains(out, "[REDACTED_DIGITS]") {
		t.Fatalf("output missing digits marker: %q", out)
	}
	if strings.Contains(out, "four two four") {
		t.Fatalf("spoken card number survived: %q", out)
	}
}

func TestRedactPIIKeepsShortSpokenNumbers(t *testing.T) {
	input := "I'll take two, maybe three of those for room nine."
	out, changed := RedactPII(input)
	if changed {
		t.Fatalf("changed = true for conversational numbers")
	}
	if out != input {
		t.Fatalf("transcript altered: %q", out)
	}
}

func TestRedactPIILeavesOrdinaryTranscriptAlone(t *testing.T) {
	input := "I'd like to book an appointment for next Tuesday at 3pm."
	out, changed := RedactPII(input)
	if changed {
		t.Fatalf("changed = true for clean transcript")
	}
	if out != input {
		t.Fatalf("transcript altered: %q", out)
	}
}
