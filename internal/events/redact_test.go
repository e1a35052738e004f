package events

import "testing"

func TestNewLineRedactor(t *testing.T) {
	redactor := NewLineRedactor([]string{"token", ""})
	if redactor == nil {
		t.Fatalf("expected redactor")
	}
	line := redactor("value token here")
	if line != "value [secret] here" {
		t.Fatalf("expected redaction, got %s", line)
	}
	if NewLineRedactor(nil) != nil {
		t.Fatalf("expected nil redactor for empty secrets")
	}
	if NewLineRedactor([]string{""}) != nil {
		t.Fatalf("expected nil redactor for blank secrets")
	}
}
