package redact

import "testing"

func TestTranscriptDisabledPassthrough(t *testing.T) {
	SetEnabled(false)
	in := "call me at +62 812 3456 7890"
	if got := Transcript(in); got != in {
		t.Fatalf("disabled redaction must not alter text, got %q", got)
	}
}

func TestTranscriptRedactsPII(t *testing.T) {
	SetEnabled(true)
	defer SetEnabled(false)

	cases := []struct {
		name string
		in   string
		want string
	}{
		{"email", "send it to jane.doe@example.com please", "send it to [REDACTED_EMAIL] please"},
		{"phone", "my number is +62 812 3456 789 thanks", "my number is [REDACTED_PHONE] thanks"},
		{"card", "charge 4111 1111 1111 1111 for the order", "charge [REDACTED_NUMBER] for the order"},
		{"clean", "nothing sensitive here", "nothing sensitive here"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := Transcript(tc.in); got != tc.want {
				t.Fatalf("Transcript(%q) = %q, want %q", tc.in, got, tc.want)
			}
		})
	}
}
