package analyzer

import (
	"fmt"
	"strings"
	"time"
	"unicode"
)

// maxTranscriptLen is the rune budget a transcript is truncated to before it
// reaches the prompt.
const maxTranscriptLen = 1000

// systemPrompt fixes the assistant role, the port domain, the classification
// criteria, and the reply format. Kept as one literal so prompt reviews see
// the whole instruction in one place.
const systemPrompt = `あなたは博多港の海上交通管制(VTS)支援AIです。
VHF無線で受信した船舶からの通信内容を分析し、リスクを分類して管制官への応答案を作成します。

分類基準:
- GREEN: 通常の運航連絡(入出港の連絡、位置通報、定時連絡など)
- AMBER: 注意を要する状況(強風・視界不良などの気象影響、操船困難、軽微な機器不具合、航路混雑)
- RED: 緊急事態(遭難、火災、衝突、浸水、人命に関わる事象、MAYDAY/PAN-PAN等の緊急通信)

必ず次のJSON形式のみで応答してください。JSON以外の文章は含めないでください:
{"classification":"GREEN|AMBER|RED","suggestedResponse":"管制官がそのまま読み上げられる日本語の応答文","confidence":0.0から1.0の数値,"riskFactors":["リスク要因"],"recommendedActions":["推奨対応"]}`

// buildUserPrompt composes the per-utterance prompt from the cleaned
// transcript and the optional situational context.
func buildUserPrompt(clean string, actx Context) string {
	var b strings.Builder
	b.WriteString("受信した通信内容:\n")
	b.WriteString(clean)
	b.WriteString("\n")

	if actx.VesselInfo != "" {
		fmt.Fprintf(&b, "\n船舶情報: %s", actx.VesselInfo)
	}
	if actx.Location != "" {
		fmt.Fprintf(&b, "\n報告位置: %s", actx.Location)
	}
	if !actx.Timestamp.IsZero() {
		fmt.Fprintf(&b, "\n受信時刻: %s", actx.Timestamp.UTC().Format(time.RFC3339))
	}
	return b.String()
}

// sanitizeTranscript bounds and cleans raw transcript text before it reaches
// the prompt: truncate to maxTranscriptLen runes, strip ASCII control
// characters except tab and newline, and drop angle brackets so transcript
// content can never be mistaken for markup in the prompt.
//
// Returns an error when nothing survives cleaning.
func sanitizeTranscript(transcript string) (string, error) {
	runes := []rune(transcript)
	if len(runes) > maxTranscriptLen {
		runes = runes[:maxTranscriptLen]
	}

	var b strings.Builder
	b.Grow(len(runes))
	for _, r := range runes {
		switch {
		case r == '\t' || r == '\n':
			b.WriteRune(r)
		case r <= unicode.MaxASCII && unicode.IsControl(r):
			// dropped
		case r == '<' || r == '>':
			// dropped
		default:
			b.WriteRune(r)
		}
	}

	clean := strings.TrimSpace(b.String())
	if clean == "" {
		return "", fmt.Errorf("transcript empty after sanitization")
	}
	return clean, nil
}
