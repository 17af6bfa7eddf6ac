package analyzer

import (
	"strings"

	"github.com/antzucaro/matchr"
)

// Canned acknowledgments used by the fast-path and the keyword heuristic.
// These must stay valid operator sentences: no JSON artifacts, Japanese only.
const (
	emergencyAck = "緊急通信を受信しました。貴船の位置と状況を至急お知らせください。救助体制を準備します。"
	cautionAck   = "状況を確認しました。引き続き注意して航行し、変化があれば報告してください。"
	routineAck   = "通信内容を受信しました。引き続き安全な航行をお願いします。"
)

// procedureWords are the radio procedure words that trigger the model bypass.
// Matching is case-insensitive; the Latin words additionally tolerate one
// character of ASR garble (edit distance 1).
var procedureWords = struct {
	latin    []string
	japanese []string
}{
	latin:    []string{"MAYDAY", "PAN-PAN", "SECURITE"},
	japanese: []string{"メーデー", "パンパン", "セキュリテ"},
}

// Keyword lists for the coarse heuristic classification. Deliberately
// distinct from the fast-path list: this one triages, the other one bypasses.
var (
	redKeywords   = []string{"MAYDAY", "メーデー", "火災", "衝突", "浸水", "緊急", "SOS"}
	amberKeywords = []string{"強風", "視界", "操船困難", "注意"}
)

// containsProcedureWord reports whether transcript carries a distress or
// urgency procedure word.
func containsProcedureWord(transcript string) bool {
	upper := strings.ToUpper(transcript)
	for _, w := range procedureWords.japanese {
		if strings.Contains(upper, w) {
			return true
		}
	}
	for _, w := range procedureWords.latin {
		if strings.Contains(upper, w) {
			return true
		}
	}
	// Streaming recognisers regularly mangle one letter of a shouted
	// procedure word ("MAYDEY", "PANPAN"); a single edit must not defeat the
	// bypass.
	for _, token := range strings.FieldsFunc(upper, func(r rune) bool {
		return r == ' ' || r == '、' || r == '。' || r == ','
	}) {
		for _, w := range procedureWords.latin {
			bare := strings.ReplaceAll(w, "-", "")
			cand := strings.ReplaceAll(token, "-", "")
			if matchr.DamerauLevenshtein(cand, bare) <= 1 && len(cand) >= len(bare)-1 {
				return true
			}
		}
	}
	return false
}

// classifyByKeywords is the heuristic applied when the model path fails. It
// scans the original (unsanitized) transcript so that characters the
// sanitizer would strip still count.
func classifyByKeywords(transcript string) Result {
	upper := strings.ToUpper(transcript)

	if hits := keywordHits(upper, redKeywords); len(hits) > 0 {
		return Result{
			Classification:     Red,
			SuggestedResponse:  emergencyAck,
			Confidence:         0.7,
			RiskFactors:        hits,
			RecommendedActions: []string{"直ちに状況を確認し応答する"},
			IsEmergency:        true,
		}
	}

	if hits := keywordHits(upper, amberKeywords); len(hits) > 0 {
		return Result{
			Classification:     Amber,
			SuggestedResponse:  cautionAck,
			Confidence:         0.6,
			RiskFactors:        hits,
			RecommendedActions: []string{"継続的な状況報告を求める"},
		}
	}

	return Result{
		Classification:     Green,
		SuggestedResponse:  routineAck,
		Confidence:         0.5,
		RiskFactors:        []string{},
		RecommendedActions: []string{},
	}
}

// keywordHits returns the keywords present in upper, preserving list order.
func keywordHits(upper string, keywords []string) []string {
	var hits []string
	for _, kw := range keywords {
		if strings.Contains(upper, strings.ToUpper(kw)) {
			hits = append(hits, kw)
		}
	}
	return hits
}
