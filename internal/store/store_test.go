package store

import (
	"testing"
	"time"
)

func TestSortKey_Format(t *testing.T) {
	at := time.Date(2025, 8, 14, 10, 30, 15, 123_000_000, time.UTC)

	tests := []struct {
		typ  ItemType
		want string
	}{
		{ItemTypeMessage, "MSG#2025-08-14T10:30:15.123Z"},
		{ItemTypeTranscription, "TRANS#2025-08-14T10:30:15.123Z"},
		{ItemTypeAIResponse, "AI#2025-08-14T10:30:15.123Z"},
		{ItemTypeSession, "SESSION#2025-08-14T10:30:15.123Z"},
	}
	for _, tc := range tests {
		if got := SortKey(tc.typ, at); got != tc.want {
			t.Errorf("SortKey(%s) = %q, want %q", tc.typ, got, tc.want)
		}
	}
}

func TestSortKey_LexicographicEqualsChronological(t *testing.T) {
	earlier := SortKey(ItemTypeTranscription, time.Date(2025, 8, 14, 9, 59, 59, 900_000_000, time.UTC))
	later := SortKey(ItemTypeTranscription, time.Date(2025, 8, 14, 10, 0, 0, 0, time.UTC))
	if earlier >= later {
		t.Errorf("sort keys out of order: %q >= %q", earlier, later)
	}
}

func TestSortKey_NormalisesToUTC(t *testing.T) {
	jst := time.FixedZone("JST", 9*60*60)
	local := time.Date(2025, 8, 14, 19, 30, 15, 0, jst)
	want := "MSG#2025-08-14T10:30:15.000Z"
	if got := SortKey(ItemTypeMessage, local); got != want {
		t.Errorf("SortKey = %q, want %q", got, want)
	}
}

func TestConversationIDHelpers(t *testing.T) {
	if got := ConnConversationID("abc"); got != "CONN-abc" {
		t.Errorf("ConnConversationID = %q, want CONN-abc", got)
	}
	if got := SessionConversationID("s9"); got != "SESS-s9" {
		t.Errorf("SessionConversationID = %q, want SESS-s9", got)
	}
}
