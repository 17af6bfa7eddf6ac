package analyzer

import (
	"strings"
	"testing"
)

func TestContainsProcedureWord(t *testing.T) {
	tests := []struct {
		transcript string
		want       bool
	}{
		{"MAYDAY MAYDAY こちら第三福丸", true},
		{"mayday mayday", true},
		{"メーデー、メーデー、機関故障", true},
		{"パンパン 漂流物を発見", true},
		{"セキュリテ 航行警報", true},
		{"PAN-PAN all ships", true},
		{"SECURITE SECURITE", true},
		// One character of ASR garble on a Latin procedure word still trips
		// the bypass.
		{"MAYDEY MAYDEY engine failure", true},
		{"PANPAN PANPAN", true},
		// Routine traffic must not.
		{"博多港VTS、入港許可を要請", false},
		{"強風のため入港を見合わせます", false},
		{"monday meeting at ten", false},
	}
	for _, tc := range tests {
		if got := containsProcedureWord(tc.transcript); got != tc.want {
			t.Errorf("containsProcedureWord(%q) = %v, want %v", tc.transcript, got, tc.want)
		}
	}
}

func TestClassifyByKeywords_Red(t *testing.T) {
	for _, transcript := range []string{
		"機関室で火災が発生",
		"貨物船と衝突した",
		"浸水している、至急救助を求む",
		"緊急事態発生",
		"SOS SOS",
		"メーデー",
	} {
		result := classifyByKeywords(transcript)
		if result.Classification != Red {
			t.Errorf("classifyByKeywords(%q) = %q, want RED", transcript, result.Classification)
		}
		if !result.IsEmergency {
			t.Errorf("classifyByKeywords(%q).IsEmergency = false, want true", transcript)
		}
		if len(result.RiskFactors) == 0 {
			t.Errorf("classifyByKeywords(%q) has no risk factors", transcript)
		}
	}
}

func TestClassifyByKeywords_Amber(t *testing.T) {
	for _, transcript := range []string{
		"強風のため操船に支障",
		"視界が悪化しています",
		"操船困難な状況です",
		"浅瀬に注意して航行中",
	} {
		result := classifyByKeywords(transcript)
		if result.Classification != Amber {
			t.Errorf("classifyByKeywords(%q) = %q, want AMBER", transcript, result.Classification)
		}
	}
}

func TestClassifyByKeywords_GreenDefault(t *testing.T) {
	result := classifyByKeywords("博多港VTS、入港許可を要請します")
	if result.Classification != Green {
		t.Errorf("Classification = %q, want GREEN", result.Classification)
	}
	if result.IsEmergency {
		t.Error("routine traffic flagged as emergency")
	}
	if result.RiskFactors == nil || result.RecommendedActions == nil {
		t.Error("lists must be empty, not nil")
	}
}

func TestClassifyByKeywords_ConfidenceWithinFallbackBand(t *testing.T) {
	for _, transcript := range []string{"火災", "強風", "定時連絡"} {
		result := classifyByKeywords(transcript)
		if result.Confidence < 0.5 || result.Confidence > 0.7 {
			t.Errorf("Confidence for %q = %v, want within [0.5, 0.7]", transcript, result.Confidence)
		}
	}
}

func TestCannedAcks_AreCleanSentences(t *testing.T) {
	for _, ack := range []string{emergencyAck, cautionAck, routineAck} {
		if ack == "" {
			t.Fatal("canned acknowledgment is empty")
		}
		if strings.ContainsAny(ack, `{}[]",`) {
			t.Errorf("canned acknowledgment %q contains a banned character", ack)
		}
	}
}
