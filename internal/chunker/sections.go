package chunker

import (
	"regexp"
	"strings"
	"unicode"

	"github.com/quantlake/finsight/internal/corpus"
)

// Recognized section headers. Scraped filings arrive either as plain
// text with ALL-CAPS headings or as markdown with # headings; both
// shapes are matched case-insensitively on the heading text.
var sectionPatterns = []struct {
	re      *regexp.Regexp
	section corpus.SectionType
}{
	{regexp.MustCompile(`(?i)\b(chairman'?s (letter|statement|message)|letter to (our )?shareholders|letter from the (chairman|ceo))\b`), corpus.SectionChairmanLetter},
	{regexp.MustCompile(`(?i)\b(management'?s discussion (and|&) analysis|md&a)\b`), corpus.SectionMDA},
	{regexp.MustCompile(`(?i)\b(financial|performance|business) highlights\b`), corpus.SectionHighlights},
	{regexp.MustCompile(`(?i)\b(risk factors?|principal risks( and uncertainties)?|risks? overview)\b`), corpus.SectionRisks},
	{regexp.MustCompile(`(?i)\b(outlook|guidance|forward.looking statements?)\b`), corpus.SectionOutlook},
	{regexp.MustCompile(`(?i)\b(question.and.answer s?ession|questions (and|&) answers|q\s*&\s*a)\b`), corpus.SectionQnA},
}

var sectionTitles = map[corpus.SectionType]string{
	corpus.SectionChairmanLetter: "Chairman's Letter",
	corpus.SectionMDA:            "Management Discussion & Analysis",
	corpus.SectionHighlights:     "Financial Highlights",
	corpus.SectionRisks:          "Risk Factors",
	corpus.SectionOutlook:        "Outlook",
	corpus.SectionQnA:            "Q&A",
	corpus.SectionBody:           "Body",
}

var markdownHeadingRe = regexp.MustCompile(`^#{1,6}\s+(.+)$`)

// detectHeading reports whether line is a recognized section header.
// Only recognized headers switch sections and force chunk boundaries;
// arbitrary sub-headings flow through as ordinary text.
func detectHeading(line string) (title string, section corpus.SectionType, ok bool) {
	trimmed := strings.TrimSpace(line)
	if trimmed == "" || len(trimmed) > 120 {
		return "", "", false
	}

	candidate := trimmed
	isHeadingShape := false
	if m := markdownHeadingRe.FindStringSubmatch(trimmed); m != nil {
		candidate = strings.TrimSpace(m[1])
		isHeadingShape = true
	} else if isAllCaps(trimmed) {
		isHeadingShape = true
	}

	for _, p := range sectionPatterns {
		if p.re.MatchString(candidate) {
			// A keyword match inside a long prose sentence is not a header.
			if !isHeadingShape && len(candidate) > 80 {
				continue
			}
			return candidate, p.section, true
		}
	}
	return "", "", false
}

// isAllCaps reports whether a line reads as an ALL-CAPS heading:
// at least three letters, none of them lowercase.
func isAllCaps(s string) bool {
	letters := 0
	for _, r := range s {
		if unicode.IsLower(r) {
			return false
		}
		if unicode.IsLetter(r) {
			letters++
		}
	}
	return letters >= 3
}

// Speaker turn openings in earnings-call transcripts, e.g.
// "John Smith: Thank you." or "OPERATOR:" or "Jane Doe (CFO): ...".
var speakerRe = regexp.MustCompile(`^([A-Z][A-Za-z.'’\-]*(?:\s+[A-Z][A-Za-z.'’\-]*){0,4})(\s*\([^)]{1,60}\))?\s*:(\s|$)`)

// detectSpeaker reports whether line opens a new speaker turn.
func detectSpeaker(line string) (speaker string, ok bool) {
	m := speakerRe.FindStringSubmatch(strings.TrimSpace(line))
	if m == nil {
		return "", false
	}
	if len(m[1]) > 60 {
		return "", false
	}
	return m[1], true
}

var columnSplitRe = regexp.MustCompile(`\s{2,}|\t+`)

// isTabularLine detects one row of a multi-column table: pipe-delimited
// markdown rows, or runs of values separated by 2+ spaces/tabs. Numeric
// rows qualify with fewer columns since financial tables are digit-heavy.
func isTabularLine(line string) bool {
	trimmed := strings.TrimSpace(line)
	if trimmed == "" {
		return false
	}
	if strings.Count(trimmed, "|") >= 2 {
		return true
	}
	cols := 0
	for _, c := range columnSplitRe.Split(trimmed, -1) {
		if strings.TrimSpace(c) != "" {
			cols++
		}
	}
	if cols >= 3 {
		return true
	}
	return cols >= 2 && digitRatio(trimmed) > 0.15
}

func digitRatio(s string) float64 {
	if s == "" {
		return 0
	}
	digits := 0
	total := 0
	for _, r := range s {
		if unicode.IsSpace(r) {
			continue
		}
		total++
		if unicode.IsDigit(r) {
			digits++
		}
	}
	if total == 0 {
		return 0
	}
	return float64(digits) / float64(total)
}
