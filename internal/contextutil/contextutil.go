// Package contextutil implements the cumulative-append algorithm shared by
// every cumulative-context memory block: query-aware deduplication,
// entry-preserving truncation, and the entry marker format.
package contextutil

import (
	"regexp"
	"strings"
	"time"
	"unicode/utf8"
)

// MaxBlockBytes is the hard byte cap on a memory block's value, chosen so
// the downstream platform's own 5000-byte cap is never tripped once
// metadata overhead is accounted for.
const MaxBlockBytes = 4800

const (
	legacyTimestamp    = "Legacy"
	truncationNotice   = "--- OLDER ENTRIES TRUNCATED ---\n\n"
	contentTruncTail   = "\n\n[CONTENT TRUNCATED]"
	minTruncationSpace = 500
)

var markerPattern = regexp.MustCompile(`\n\n--- CONTEXT ENTRY \(([^)]+)\) ---\n\n`)

// Entry is one timestamped chunk inside a cumulative-context block.
type Entry struct {
	Timestamp string
	Content   string
}

// marker renders the separator line for the given timestamp, including the
// surrounding blank lines.
func marker(ts string) string {
	return "\n\n--- CONTEXT ENTRY (" + ts + ") ---\n\n"
}

// timestampLayout matches the original service's strftime format
// ("2006-01-02 15:04:05 UTC") so blocks written by either implementation
// parse identically.
const timestampLayout = "2006-01-02 15:04:05 UTC"

// nowMarker renders the separator for the current instant in UTC.
func nowMarker(now time.Time) string {
	return marker(now.UTC().Format(timestampLayout))
}

// Parse splits a cumulative block value into its constituent entries. Any
// content before the first marker becomes a synthetic "Legacy" entry.
// Entries whose content is blank after trimming are skipped.
func Parse(value string) []Entry {
	if value == "" {
		return nil
	}

	locs := markerPattern.FindAllStringSubmatchIndex(value, -1)
	var entries []Entry

	if len(locs) == 0 {
		if strings.TrimSpace(value) != "" {
			entries = append(entries, Entry{Timestamp: legacyTimestamp, Content: value})
		}
		return entries
	}

	firstStart := locs[0][0]
	if prefix := value[:firstStart]; strings.TrimSpace(prefix) != "" {
		entries = append(entries, Entry{Timestamp: legacyTimestamp, Content: prefix})
	}

	for i, loc := range locs {
		ts := value[loc[2]:loc[3]]
		contentStart := loc[1]
		contentEnd := len(value)
		if i+1 < len(locs) {
			contentEnd = locs[i+1][0]
		}
		content := value[contentStart:contentEnd]
		if strings.TrimSpace(content) == "" {
			continue
		}
		entries = append(entries, Entry{Timestamp: ts, Content: content})
	}

	return entries
}

// formatEntry renders an entry the way it appears inside a block value: a
// legacy entry is bare content, any other entry is preceded by its marker.
func formatEntry(e Entry) string {
	if e.Timestamp == legacyTimestamp {
		return e.Content
	}
	return marker(e.Timestamp) + e.Content
}

// Append implements the cumulative-append algorithm using the current time
// for the new entry's marker. See AppendAt for the testable variant.
func Append(existing, newContent string) string {
	return AppendAt(existing, newContent, time.Now())
}

// AppendAt is Append with an explicit clock, for deterministic tests.
func AppendAt(existing, newContent string, now time.Time) string {
	if strings.TrimSpace(existing) == "" {
		return newContent
	}
	if strings.TrimSpace(newContent) == "" {
		return existing
	}

	entries := Parse(existing)
	if len(entries) > 0 {
		tail := entries[len(entries)-1]
		if IsSimilarWithQueryAwareness(tail.Content, newContent) {
			return existing
		}
	}

	combined := existing + nowMarker(now) + newContent
	if len(combined) <= MaxBlockBytes {
		return combined
	}

	return Truncate(combined, MaxBlockBytes)
}

// Truncate reduces value to at most max bytes while preserving the most
// recent entry above all else.
func Truncate(value string, max int) string {
	if len(value) <= max {
		return value
	}

	entries := Parse(value)
	if len(entries) == 0 {
		return lastNBytes(value, max)
	}

	tail := entries[len(entries)-1]
	tailFormatted := formatEntry(tail)

	if len(tailFormatted)+len(truncationNotice) <= max {
		older := entries[:len(entries)-1]

		var kept []Entry
		usedBytes := len(tailFormatted)
		for i := len(older) - 1; i >= 0; i-- {
			candidate := formatEntry(older[i])
			if usedBytes+len(candidate)+len(truncationNotice) > max {
				break
			}
			usedBytes += len(candidate)
			kept = append([]Entry{older[i]}, kept...)
		}

		// The notice is added whenever there was more than one entry to
		// begin with, even if every older entry ended up fitting: reaching
		// this branch at all means the combined value exceeded max.
		var b strings.Builder
		if len(entries) > 1 {
			b.WriteString(truncationNotice)
		}
		for _, e := range kept {
			b.WriteString(formatEntry(e))
		}
		b.WriteString(tailFormatted)
		return b.String()
	}

	available := max - len(truncationNotice) - 100
	if available > minTruncationSpace {
		slicedContent := safeSlice(tail.Content, available)
		var slicedEntry string
		if tail.Timestamp == legacyTimestamp {
			slicedEntry = slicedContent
		} else {
			slicedEntry = marker(tail.Timestamp) + slicedContent
		}
		return truncationNotice + slicedEntry + contentTruncTail
	}

	return lastNBytes(tailFormatted, max)
}

// IsSimilar is the baseline similarity check: case-insensitive exact match,
// substring containment for short-vs-long pairs, and a character-set
// Jaccard index otherwise.
func IsSimilar(a, b string) bool {
	if a == "" || b == "" {
		return false
	}

	al, bl := strings.ToLower(strings.TrimSpace(a)), strings.ToLower(strings.TrimSpace(b))
	if al == bl {
		return true
	}

	shorter, longer := al, bl
	if utf8.RuneCountInString(shorter) > utf8.RuneCountInString(longer) {
		shorter, longer = longer, shorter
	}

	sLen, lLen := float64(utf8.RuneCountInString(shorter)), float64(utf8.RuneCountInString(longer))
	if sLen == 0 {
		return false
	}
	if sLen/lLen < 0.8 {
		return strings.Contains(longer, shorter) || strings.Contains(shorter, longer)
	}

	return charJaccard(al, bl) > 0.9
}

func charJaccard(a, b string) float64 {
	setA := charSet(a)
	setB := charSet(b)
	if len(setA) == 0 && len(setB) == 0 {
		return 1
	}
	intersection := 0
	union := map[rune]struct{}{}
	for r := range setA {
		union[r] = struct{}{}
		if _, ok := setB[r]; ok {
			intersection++
		}
	}
	for r := range setB {
		union[r] = struct{}{}
	}
	if len(union) == 0 {
		return 0
	}
	return float64(intersection) / float64(len(union))
}

func charSet(s string) map[rune]struct{} {
	set := make(map[rune]struct{})
	for _, r := range s {
		set[r] = struct{}{}
	}
	return set
}

const arxivMarker = "**Recent Research Papers (arXiv)**"
const kgMarker = "Relevant Entities from Knowledge Graph:"

var arxivQueryPattern = regexp.MustCompile(`(?m)papers relevant to:\s*(.+)$`)

// entryTimestampPattern finds embedded entry timestamps anywhere in a
// string, unlike markerPattern which requires the surrounding blank lines
// of a well-formed separator.
var entryTimestampPattern = regexp.MustCompile(`--- CONTEXT ENTRY \(([^)]+)\) ---`)

// IsSimilarWithQueryAwareness overrides the baseline similarity check for
// two content families (arXiv and knowledge-graph renders) to prevent
// collapsing genuinely different retrievals whose bodies happen to overlap.
func IsSimilarWithQueryAwareness(a, b string) bool {
	if a == "" || b == "" {
		return false
	}

	if strings.Contains(a, arxivMarker) && strings.Contains(b, arxivMarker) {
		qa, okA := extractArxivQuery(a)
		qb, okB := extractArxivQuery(b)
		if okA && okB {
			if qa != qb {
				return false
			}
			return IsSimilar(a, b)
		}
	}

	if strings.Contains(a, kgMarker) && strings.Contains(b, kgMarker) {
		tsA := extractMarkerTimestamps(a)
		tsB := extractMarkerTimestamps(b)
		if len(tsA) == 0 && len(tsB) == 0 {
			return false
		}
		if len(tsA) > 0 && len(tsB) > 0 {
			if tsA[len(tsA)-1] != tsB[len(tsB)-1] {
				return false
			}
			return IsSimilar(a, b)
		}
		// Only one side carries an extractable timestamp: fall through to
		// the baseline comparison rather than forcing non-similar.
		return IsSimilar(a, b)
	}

	return IsSimilar(a, b)
}

func extractArxivQuery(s string) (string, bool) {
	m := arxivQueryPattern.FindStringSubmatch(s)
	if m == nil {
		return "", false
	}
	return strings.TrimSpace(strings.TrimRight(strings.TrimSpace(m[1]), "*")), true
}

func extractMarkerTimestamps(s string) []string {
	matches := entryTimestampPattern.FindAllStringSubmatch(s, -1)
	if len(matches) == 0 {
		return nil
	}
	out := make([]string, 0, len(matches))
	for _, m := range matches {
		out = append(out, m[1])
	}
	return out
}

func safeSlice(s string, n int) string {
	if n <= 0 {
		return ""
	}
	if len(s) <= n {
		return s
	}
	// Avoid splitting a multi-byte rune in half.
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}

func lastNBytes(s string, n int) string {
	if len(s) <= n {
		return s
	}
	start := len(s) - n
	for start < len(s) && !utf8.RuneStart(s[start]) {
		start++
	}
	return s[start:]
}
