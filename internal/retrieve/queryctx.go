package retrieve

import (
	"fmt"
	"strings"

	"github.com/quantlake/finsight/internal/corpus"
)

// Record is one retrieval result flattened for programmatic callers
// that assemble their own prompts or reports.
type Record struct {
	Rank        int                `json:"rank"`
	Kind        string             `json:"kind"`
	Key         string             `json:"key"`
	Symbol      string             `json:"symbol"`
	Period      string             `json:"period"`
	SectionType corpus.SectionType `json:"section_type"`
	Title       string             `json:"title,omitempty"`
	PageStart   int                `json:"page_start"`
	PageEnd     int                `json:"page_end"`
	Score       float64            `json:"score"`
	Text        string             `json:"text"`
}

// FormatRecords flattens ranked results into records.
func FormatRecords(results []corpus.RetrievalResult) []Record {
	records := make([]Record, len(results))
	for i, r := range results {
		records[i] = Record{
			Rank:        i + 1,
			Kind:        r.Kind,
			Key:         r.Key,
			Symbol:      r.Symbol,
			Period:      period(r),
			SectionType: r.SectionType,
			Title:       r.Title,
			PageStart:   r.PageStart,
			PageEnd:     r.PageEnd,
			Score:       displayScore(r),
			Text:        r.Text,
		}
	}
	return records
}

// FormatText renders ranked results as a source-attributed text block
// for prompt injection:
//
//	[1] ACME FY2023 Q4 mda p.12-14 (score 0.0321)
//	<text>
//
// budget caps the total output in characters. Whole lowest-ranked
// results are dropped to fit; a result is never truncated mid-text.
// budget <= 0 means unlimited.
func FormatText(results []corpus.RetrievalResult, budget int) string {
	var sb strings.Builder
	for i, r := range results {
		entry := formatEntry(i+1, r)
		if budget > 0 && sb.Len()+len(entry) > budget {
			break
		}
		sb.WriteString(entry)
	}
	return strings.TrimRight(sb.String(), "\n")
}

func formatEntry(rank int, r corpus.RetrievalResult) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "[%d] %s %s %s", rank, r.Symbol, period(r), r.SectionType)
	if r.PageStart > 0 {
		if r.PageEnd > r.PageStart {
			fmt.Fprintf(&sb, " p.%d-%d", r.PageStart, r.PageEnd)
		} else {
			fmt.Fprintf(&sb, " p.%d", r.PageStart)
		}
	}
	fmt.Fprintf(&sb, " (score %.4f)\n", displayScore(r))
	if r.Title != "" {
		sb.WriteString(r.Title)
		sb.WriteString("\n")
	}
	sb.WriteString(r.Text)
	sb.WriteString("\n\n")
	return sb.String()
}

func period(r corpus.RetrievalResult) string {
	if r.Quarter > 0 {
		return fmt.Sprintf("FY%d Q%d", r.FiscalYear, r.Quarter)
	}
	return fmt.Sprintf("FY%d", r.FiscalYear)
}

// displayScore prefers the rerank score when present; otherwise the
// fused score.
func displayScore(r corpus.RetrievalResult) float64 {
	if r.RerankScore != nil {
		return *r.RerankScore
	}
	return r.FusedScore
}
