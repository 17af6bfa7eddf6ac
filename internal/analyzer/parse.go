package analyzer

import (
	"encoding/json"
	"strings"
	"unicode"
)

// placeholderResponse replaces absent or non-string suggestedResponse values.
const placeholderResponse = "ただいま処理中です。"

// modelReply is the shape the model is instructed to return. Loose types on
// purpose — the coercion below, not the decoder, enforces the contract.
type modelReply struct {
	Classification     any `json:"classification"`
	SuggestedResponse  any `json:"suggestedResponse"`
	Confidence         any `json:"confidence"`
	RiskFactors        any `json:"riskFactors"`
	RecommendedActions any `json:"recommendedActions"`
}

// parseModelReply extracts the first balanced JSON object from the model's
// reply and coerces it into a valid Result. Returns ok == false when no
// parsable object exists, in which case the caller takes the fallback path.
func parseModelReply(reply string) (Result, bool) {
	raw, ok := extractJSONObject(reply)
	if !ok {
		return Result{}, false
	}

	var parsed modelReply
	if err := json.Unmarshal([]byte(raw), &parsed); err != nil {
		return Result{}, false
	}

	result := Result{
		Classification:     coerceClassification(parsed.Classification),
		SuggestedResponse:  sanitizeResponse(parsed.SuggestedResponse),
		Confidence:         coerceConfidence(parsed.Confidence),
		RiskFactors:        coerceStringList(parsed.RiskFactors),
		RecommendedActions: coerceStringList(parsed.RecommendedActions),
	}
	return result, true
}

// extractJSONObject returns the first balanced {...} substring of s. Brace
// counting ignores braces inside JSON string literals.
func extractJSONObject(s string) (string, bool) {
	start := strings.IndexByte(s, '{')
	if start < 0 {
		return "", false
	}

	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(s); i++ {
		c := s[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return s[start : i+1], true
			}
		}
	}
	return "", false
}

// coerceClassification maps the model's tag onto the allowed set, defaulting
// to AMBER — the conservative middle — for anything unrecognised.
func coerceClassification(raw any) Classification {
	s, _ := raw.(string)
	c := Classification(strings.ToUpper(strings.TrimSpace(s)))
	if !c.IsValid() {
		return Amber
	}
	return c
}

// sanitizeResponse guarantees the operator-facing reply is a clean sentence:
// never empty, never containing raw-JSON artifacts or control characters.
// Commas become full-width so a re-serialised reply can never read as a JSON
// list.
func sanitizeResponse(raw any) string {
	s, _ := raw.(string)

	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		switch r {
		case '{', '}', '[', ']', '"':
			// dropped
		case ',':
			b.WriteRune('、')
		default:
			if r <= unicode.MaxASCII && unicode.IsControl(r) {
				continue
			}
			b.WriteRune(r)
		}
	}

	clean := strings.TrimSpace(b.String())
	if clean == "" {
		return placeholderResponse
	}
	return clean
}

// coerceConfidence clamps the model's confidence into [0,1], defaulting to
// 0.5 when absent or not a number.
func coerceConfidence(raw any) float64 {
	f, ok := raw.(float64)
	if !ok {
		return 0.5
	}
	if f < 0 {
		return 0
	}
	if f > 1 {
		return 1
	}
	return f
}

// coerceStringList keeps the string members of a loosely-typed list. Absent
// or wrong-typed input yields the empty list, never nil surprises upstream.
func coerceStringList(raw any) []string {
	list, _ := raw.([]any)
	out := make([]string, 0, len(list))
	for _, v := range list {
		if s, ok := v.(string); ok {
			if s = strings.TrimSpace(s); s != "" {
				out = append(out, s)
			}
		}
	}
	return out
}
