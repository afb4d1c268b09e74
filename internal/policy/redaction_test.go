package policy

import (
	"strings"
	"testing"
)

func TestRedactPII(t *testing.T) {
	input := "Email me at sam@example.com or +1 (555) 123-9876 and use 4242 4242 4242 4242."
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

func TestRedactPIICardBeforePhone(t *testing.T) {
	out, _ := RedactPII("card 4111 1111 1111 1111 please")
	if strings.Contains(out, "[REDACTED_PHONE]") {
		t.Errorf("card number classified as phone: %q", out)
	}
	if !strings.Contains(out, "[REDACTED_CARD]") {
		t.Errorf("card number not masked: %q", out)
	}
}

func TestRedactPIILeavesCleanTextAlone(t *testing.T) {
	input := "I'd like to book a tasting for next Tuesday at ten."
	out, changed := RedactPII(input)
	if changed {
		t.Errorf("changed = true for clean text")
	}
	if out != input {
		t.Errorf("output = %q, want unchanged", out)
	}
}

func TestRedactPIIAppointmentIDsSurvive(t *testing.T) {
	out, changed := RedactPII("your appointment APT0042 is confirmed")
	if changed || out != "your appointment APT0042 is confirmed" {
		t.Errorf("short reference ids should not be masked: %q (changed=%v)", out, changed)
	}
}
