package analyzer

import (
	"strings"
	"testing"
)

func TestExtractJSONObject(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  string
		ok    bool
	}{
		{"bare object", `{"a":1}`, `{"a":1}`, true},
		{"prose around object", `了解しました。{"a":1} 以上です。`, `{"a":1}`, true},
		{"nested objects", `x{"a":{"b":2}}y`, `{"a":{"b":2}}`, true},
		{"brace inside string", `{"a":"}{"}`, `{"a":"}{"}`, true},
		{"no object", `ただの文章です`, "", false},
		{"unbalanced", `{"a":1`, "", false},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got, ok := extractJSONObject(tc.input)
			if ok != tc.ok || got != tc.want {
				t.Errorf("extractJSONObject(%q) = (%q, %v), want (%q, %v)",
					tc.input, got, ok, tc.want, tc.ok)
			}
		})
	}
}

func TestParseModelReply_WellFormed(t *testing.T) {
	reply := `{"classification":"GREEN","suggestedResponse":"入港を許可します。","confidence":0.92,` +
		`"riskFactors":[],"recommendedActions":["第3バースへ誘導"]}`

	result, ok := parseModelReply(reply)
	if !ok {
		t.Fatal("parseModelReply: ok = false")
	}
	if result.Classification != Green {
		t.Errorf("Classification = %q, want GREEN", result.Classification)
	}
	if result.SuggestedResponse != "入港を許可します。" {
		t.Errorf("SuggestedResponse = %q", result.SuggestedResponse)
	}
	if result.Confidence != 0.92 {
		t.Errorf("Confidence = %v, want 0.92", result.Confidence)
	}
	if len(result.RecommendedActions) != 1 {
		t.Errorf("RecommendedActions = %v, want one entry", result.RecommendedActions)
	}
}

func TestParseModelReply_CoercesBadFields(t *testing.T) {
	reply := `{"classification":"CRITICAL","suggestedResponse":42,"confidence":7,` +
		`"riskFactors":["火災",3,null],"recommendedActions":"not a list"}`
	// A list of non-strings coerces to the empty list just as a non-list
	// value does; feed recommendedActions as a list of mixed junk here.
	reply = strings.Replace(reply, `"not a list"`, `[1,2]`, 1)

	result, ok := parseModelReply(reply)
	if !ok {
		t.Fatal("parseModelReply: ok = false")
	}
	if result.Classification != Amber {
		t.Errorf("Classification = %q, want AMBER for out-of-set tag", result.Classification)
	}
	if result.SuggestedResponse != placeholderResponse {
		t.Errorf("SuggestedResponse = %q, want placeholder", result.SuggestedResponse)
	}
	if result.Confidence != 1 {
		t.Errorf("Confidence = %v, want clamped to 1", result.Confidence)
	}
	if len(result.RiskFactors) != 1 || result.RiskFactors[0] != "火災" {
		t.Errorf("RiskFactors = %v, want only the string member", result.RiskFactors)
	}
	if len(result.RecommendedActions) != 0 {
		t.Errorf("RecommendedActions = %v, want empty", result.RecommendedActions)
	}
}

func TestParseModelReply_NoJSON(t *testing.T) {
	if _, ok := parseModelReply("申し訳ありませんが判断できません。"); ok {
		t.Error("prose without JSON should not parse")
	}
}

func TestSanitizeResponse_StripsJSONArtifacts(t *testing.T) {
	got := sanitizeResponse(`{"応答": ["入港, 了解"]}`)
	for _, banned := range []string{"{", "}", "[", "]", `"`} {
		if strings.Contains(got, banned) {
			t.Errorf("sanitized response %q still contains %q", got, banned)
		}
	}
	if strings.Contains(got, ",") {
		t.Errorf("sanitized response %q still contains an ASCII comma", got)
	}
	if !strings.Contains(got, "、") {
		t.Errorf("sanitized response %q should use full-width comma", got)
	}
}

func TestSanitizeResponse_EmptyBecomesPlaceholder(t *testing.T) {
	for _, input := range []any{"", "   ", nil, 12.5, `{}[]"`} {
		if got := sanitizeResponse(input); got != placeholderResponse {
			t.Errorf("sanitizeResponse(%v) = %q, want placeholder", input, got)
		}
	}
}

func TestCoerceConfidence(t *testing.T) {
	tests := []struct {
		in   any
		want float64
	}{
		{0.3, 0.3},
		{-2.0, 0},
		{1.5, 1},
		{nil, 0.5},
		{"0.9", 0.5},
	}
	for _, tc := range tests {
		if got := coerceConfidence(tc.in); got != tc.want {
			t.Errorf("coerceConfidence(%v) = %v, want %v", tc.in, got, tc.want)
		}
	}
}
