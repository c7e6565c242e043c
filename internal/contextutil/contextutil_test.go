package contextutil

import (
	"strings"
	"testing"
	"time"
)

func fixedClock() time.Time {
	return time.Date(2024, 1, 15, 10, 0, 0, 0, time.UTC)
}

func TestAppendAtEmptyExisting(t *testing.T) {
	got := AppendAt("", "New context entry", fixedClock())
	if got != "New context entry" {
		t.Errorf("AppendAt(empty, new) = %q, want new content unchanged", got)
	}
}

func TestAppendAtEmptyNew(t *testing.T) {
	got := AppendAt("Existing context", "", fixedClock())
	if got != "Existing context" {
		t.Errorf("AppendAt(existing, empty) = %q, want existing unchanged", got)
	}
}

func TestAppendAtWhitespaceOnlyExisting(t *testing.T) {
	got := AppendAt("   \n\n  ", "New content", fixedClock())
	if got != "New content" {
		t.Errorf("AppendAt(whitespace, new) = %q, want %q", got, "New content")
	}
}

func TestAppendAtWhitespaceOnlyNew(t *testing.T) {
	got := AppendAt("Existing content", "  \n  ", fixedClock())
	if got != "Existing content" {
		t.Errorf("AppendAt(existing, whitespace) = %q, want unchanged", got)
	}
}

func TestAppendAtAddsSeparatorAndTimestamp(t *testing.T) {
	got := AppendAt("Old context", "New context", fixedClock())
	if !strings.Contains(got, "Old context") || !strings.Contains(got, "New context") {
		t.Fatalf("AppendAt result missing original content: %q", got)
	}
	if !strings.Contains(got, "--- CONTEXT ENTRY") {
		t.Errorf("AppendAt result missing entry marker: %q", got)
	}
	if !strings.Contains(got, "UTC") {
		t.Errorf("AppendAt result missing UTC timestamp: %q", got)
	}
	if !strings.Contains(got, "2024-01-15 10:00:00 UTC") {
		t.Errorf("AppendAt result timestamp format mismatch: %q", got)
	}
}

func TestAppendAtDeduplicatesIdenticalContent(t *testing.T) {
	existing := "Some unique content"
	got := AppendAt(existing, existing, fixedClock())
	if got != existing {
		t.Errorf("AppendAt(x, x) = %q, want unchanged %q (dedup expected)", got, existing)
	}
}

func TestAppendAtTruncatesWhenOverLimit(t *testing.T) {
	longExisting := strings.Repeat("A", MaxBlockBytes-100)
	newContent := strings.Repeat("B", 500)

	got := AppendAt(longExisting, newContent, fixedClock())
	if len(got) > MaxBlockBytes {
		t.Errorf("AppendAt result length %d exceeds MaxBlockBytes %d", len(got), MaxBlockBytes)
	}
}

func TestAppendAtPreservesNewContentAfterTruncation(t *testing.T) {
	longExisting := strings.Repeat("X", MaxBlockBytes)
	newContent := "NEW_IMPORTANT_CONTENT"

	got := AppendAt(longExisting, newContent, fixedClock())
	if !strings.Contains(got, "NEW_IMPORTANT_CONTENT") && !strings.Contains(got, "TRUNCATED") {
		t.Errorf("AppendAt result lost new content and has no truncation notice: %q", got[:200])
	}
	if len(got) > MaxBlockBytes {
		t.Errorf("AppendAt result length %d exceeds MaxBlockBytes %d", len(got), MaxBlockBytes)
	}
}

func TestAppendAtUnicodeContent(t *testing.T) {
	existing := "Previous content with émojis \U0001F389"
	newContent := "New content with 中文字符"

	got := AppendAt(existing, newContent, fixedClock())
	if !strings.Contains(got, "émojis \U0001F389") {
		t.Errorf("AppendAt lost unicode existing content: %q", got)
	}
	if !strings.Contains(got, "中文字符") {
		t.Errorf("AppendAt lost unicode new content: %q", got)
	}
}

func TestParseEmpty(t *testing.T) {
	if got := Parse(""); len(got) != 0 {
		t.Errorf("Parse(\"\") = %v, want empty", got)
	}
}

func TestParseWithoutSeparators(t *testing.T) {
	got := Parse("Legacy content without separators")
	if len(got) != 1 {
		t.Fatalf("Parse() returned %d entries, want 1", len(got))
	}
	if got[0].Timestamp != legacyTimestamp {
		t.Errorf("Timestamp = %q, want %q", got[0].Timestamp, legacyTimestamp)
	}
	if got[0].Content != "Legacy content without separators" {
		t.Errorf("Content = %q", got[0].Content)
	}
}

func TestParseSingleEntry(t *testing.T) {
	value := "\n\n--- CONTEXT ENTRY (2024-01-15 10:00:00 UTC) ---\n\nFirst entry"
	got := Parse(value)
	if len(got) != 1 {
		t.Fatalf("Parse() returned %d entries, want 1", len(got))
	}
	if got[0].Timestamp != "2024-01-15 10:00:00 UTC" {
		t.Errorf("Timestamp = %q", got[0].Timestamp)
	}
	if got[0].Content != "First entry" {
		t.Errorf("Content = %q", got[0].Content)
	}
}

func TestParseMultipleEntries(t *testing.T) {
	value := "Legacy content" +
		"\n\n--- CONTEXT ENTRY (2024-01-15 10:00:00 UTC) ---\n\nFirst entry" +
		"\n\n--- CONTEXT ENTRY (2024-01-15 11:00:00 UTC) ---\n\nSecond entry"
	got := Parse(value)
	if len(got) != 3 {
		t.Fatalf("Parse() returned %d entries, want 3: %+v", len(got), got)
	}
	if got[0].Timestamp != legacyTimestamp || got[1].Timestamp != "2024-01-15 10:00:00 UTC" || got[2].Timestamp != "2024-01-15 11:00:00 UTC" {
		t.Errorf("unexpected timestamps: %+v", got)
	}
}

func TestParseIgnoresBlankEntries(t *testing.T) {
	value := "\n\n--- CONTEXT ENTRY (2024-01-15 10:00:00 UTC) ---\n\nValid entry" +
		"\n\n--- CONTEXT ENTRY (2024-01-15 11:00:00 UTC) ---\n\n   "
	got := Parse(value)
	if len(got) != 1 {
		t.Fatalf("Parse() returned %d entries, want 1: %+v", len(got), got)
	}
	if got[0].Content != "Valid entry" {
		t.Errorf("Content = %q", got[0].Content)
	}
}

func TestIsSimilarExactMatch(t *testing.T) {
	content := "Exact same content"
	if !IsSimilar(content, content) {
		t.Error("expected exact match to be similar")
	}
}

func TestIsSimilarCaseInsensitive(t *testing.T) {
	if !IsSimilar("Hello World", "hello world") {
		t.Error("expected case-insensitive match to be similar")
	}
}

func TestIsSimilarWhitespaceDifferences(t *testing.T) {
	if !IsSimilar("Hello World", "  Hello World  ") {
		t.Error("expected whitespace-padded match to be similar")
	}
}

func TestIsSimilarCompletelyDifferent(t *testing.T) {
	if IsSimilar("Quantum computing research", "Weather forecast for tomorrow") {
		t.Error("expected unrelated content to not be similar")
	}
}

func TestIsSimilarEmptyContent(t *testing.T) {
	if IsSimilar("", "something") {
		t.Error("expected empty vs non-empty to not be similar")
	}
	if IsSimilar("something", "") {
		t.Error("expected non-empty vs empty to not be similar")
	}
	if IsSimilar("", "") {
		t.Error("expected empty vs empty to not be similar")
	}
}

func TestIsSimilarSubstringContainment(t *testing.T) {
	short := "AI research"
	long := "This is a long article about AI research and its applications"
	if !IsSimilar(short, long) {
		t.Error("expected short string contained in long string to be similar")
	}
}

func TestIsSimilarWithQueryAwarenessArxivDifferentQueries(t *testing.T) {
	a := "**Recent Research Papers (arXiv)**\npapers relevant to: quantum computing\nsome shared body text"
	b := "**Recent Research Papers (arXiv)**\npapers relevant to: weather prediction\nsome shared body text"
	if IsSimilarWithQueryAwareness(a, b) {
		t.Error("expected different arXiv queries to be treated as different content")
	}
}

func TestIsSimilarWithQueryAwarenessArxivSameQuery(t *testing.T) {
	a := "**Recent Research Papers (arXiv)**\npapers relevant to: quantum computing\nidentical body"
	b := "**Recent Research Papers (arXiv)**\npapers relevant to: quantum computing\nidentical body"
	if !IsSimilarWithQueryAwareness(a, b) {
		t.Error("expected same arXiv query with identical body to be similar")
	}
}

func TestIsSimilarWithQueryAwarenessKGDifferentTimestamps(t *testing.T) {
	a := "Relevant Entities from Knowledge Graph:\n\n--- CONTEXT ENTRY (2024-01-15 10:00:00 UTC) ---\n\nentity A"
	b := "Relevant Entities from Knowledge Graph:\n\n--- CONTEXT ENTRY (2024-01-15 11:00:00 UTC) ---\n\nentity A"
	if IsSimilarWithQueryAwareness(a, b) {
		t.Error("expected different knowledge-graph search timestamps to be treated as different content")
	}
}

func TestIsSimilarWithQueryAwarenessKGNoTimestampsOnEitherSide(t *testing.T) {
	a := "Relevant Entities from Knowledge Graph:\n\nentity A"
	b := "Relevant Entities from Knowledge Graph:\n\nentity A"
	if IsSimilarWithQueryAwareness(a, b) {
		t.Error("expected knowledge-graph content with no embedded timestamps on either side to be treated as different")
	}
}

func TestIsSimilarWithQueryAwarenessPlainIdenticalContent(t *testing.T) {
	if !IsSimilarWithQueryAwareness("plain identical content", "plain identical content") {
		t.Error("expected plain identical content to fall through to baseline similarity")
	}
}

func TestIsSimilarWithQueryAwarenessEmptyContent(t *testing.T) {
	if IsSimilarWithQueryAwareness("", "something") {
		t.Error("expected empty content to not be similar")
	}
}

func TestTruncateNoopUnderLimit(t *testing.T) {
	short := "Short context"
	if got := Truncate(short, 1000); got != short {
		t.Errorf("Truncate() = %q, want unchanged %q", got, short)
	}
}

func TestTruncatePreservesRecentEntry(t *testing.T) {
	value := "\n\n--- CONTEXT ENTRY (2024-01-15 09:00:00 UTC) ---\n\nOld entry " + strings.Repeat("X", 3000) +
		"\n\n--- CONTEXT ENTRY (2024-01-15 10:00:00 UTC) ---\n\nRecent entry"
	got := Truncate(value, 500)
	if !strings.Contains(got, "Recent entry") {
		t.Errorf("Truncate() dropped the most recent entry: %q", got)
	}
	if len(got) > 500 {
		t.Errorf("Truncate() result length %d exceeds max 500", len(got))
	}
}

func TestTruncateAddsNotice(t *testing.T) {
	value := "\n\n--- CONTEXT ENTRY (2024-01-15 09:00:00 UTC) ---\n\n" + strings.Repeat("A", 2000) +
		"\n\n--- CONTEXT ENTRY (2024-01-15 10:00:00 UTC) ---\n\n" + strings.Repeat("B", 2000)
	got := Truncate(value, 1000)
	if !strings.Contains(got, "TRUNCATED") {
		t.Errorf("Truncate() result missing truncation notice: %q", got[:200])
	}
}

func TestTruncateUnparseableContentFallsBackToTail(t *testing.T) {
	longText := strings.Repeat("A", 1000)
	got := Truncate(longText, 500)
	if len(got) > 500 {
		t.Errorf("Truncate() result length %d exceeds max 500", len(got))
	}
	if !strings.HasSuffix(got, strings.Repeat("A", 100)) {
		t.Errorf("Truncate() should take from the end of unparseable content")
	}
}

func TestTruncateRespectsMaxLength(t *testing.T) {
	for _, length := range []int{100, 500, 1000, 2000} {
		value := strings.Repeat("X", length*3)
		got := Truncate(value, length)
		if len(got) > length {
			t.Errorf("Truncate(len=%d) result length %d exceeds max", length, len(got))
		}
	}
}

func TestTruncateVeryLongSingleEntry(t *testing.T) {
	veryLong := strings.Repeat("Z", 6000)
	value := "\n\n--- CONTEXT ENTRY (2024-01-15 10:00:00 UTC) ---\n\n" + veryLong
	got := Truncate(value, 1000)
	if len(got) > 1000 {
		t.Errorf("Truncate() result length %d exceeds max 1000", len(got))
	}
	if !strings.Contains(got, "Z") {
		t.Errorf("Truncate() should retain some of the oversized entry's content")
	}
}

func TestTruncateAtExactLimit(t *testing.T) {
	value := strings.Repeat("X", MaxBlockBytes)
	got := Truncate(value, MaxBlockBytes)
	if len(got) != MaxBlockBytes {
		t.Errorf("Truncate() at exact limit changed length: got %d, want %d", len(got), MaxBlockBytes)
	}
}

func TestTruncateMalformedTimestamp(t *testing.T) {
	value := "\n\n--- CONTEXT ENTRY (Invalid Timestamp ---\n\nSome content"
	got := Truncate(value, 10)
	if len(got) > 10 {
		t.Errorf("Truncate() on malformed marker result length %d exceeds max 10", len(got))
	}
}
