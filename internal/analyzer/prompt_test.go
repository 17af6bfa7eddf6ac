package analyzer

import (
	"strings"
	"testing"
	"unicode/utf8"
)

func TestSanitizeTranscript_TruncatesToRuneBudget(t *testing.T) {
	long := strings.Repeat("港", maxTranscriptLen+200)
	clean, err := sanitizeTranscript(long)
	if err != nil {
		t.Fatalf("sanitizeTranscript: %v", err)
	}
	if n := utf8.RuneCountInString(clean); n != maxTranscriptLen {
		t.Errorf("rune count = %d, want %d", n, maxTranscriptLen)
	}
}

func TestSanitizeTranscript_StripsControlAndAngles(t *testing.T) {
	clean, err := sanitizeTranscript("入港\x00許可\x1b<script>を要請\tします\n")
	if err != nil {
		t.Fatalf("sanitizeTranscript: %v", err)
	}
	if strings.ContainsAny(clean, "<>\x00\x1b") {
		t.Errorf("clean transcript %q still contains banned characters", clean)
	}
	if !strings.Contains(clean, "\t") {
		t.Error("tab should survive sanitization")
	}
	if !strings.Contains(clean, "script") {
		t.Error("only the angle brackets should be dropped, not their content")
	}
}

func TestSanitizeTranscript_RejectsEmptyResult(t *testing.T) {
	for _, input := range []string{"", "   ", "\x00\x01\x02", "<>"} {
		if _, err := sanitizeTranscript(input); err == nil {
			t.Errorf("sanitizeTranscript(%q) = nil error, want rejection", input)
		}
	}
}

func TestSystemPrompt_NamesTheContract(t *testing.T) {
	for _, want := range []string{"GREEN", "AMBER", "RED", "博多港", "classification", "suggestedResponse"} {
		if !strings.Contains(systemPrompt, want) {
			t.Errorf("system prompt missing %q", want)
		}
	}
}
