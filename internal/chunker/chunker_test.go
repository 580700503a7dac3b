package chunker

import (
	"fmt"
	"reflect"
	"strings"
	"testing"

	"github.com/quantlake/finsight/internal/corpus"
)

var testMeta = Metadata{
	SourceTable: "annual_reports",
	SourceID:    "acme-2023",
	Symbol:      "ACME",
	FiscalYear:  2023,
}

// prose returns n repetitions of a neutral narrative sentence.
func prose(n int) string {
	return strings.TrimSpace(strings.Repeat("The company delivered steady revenue growth across all operating segments during the year. ", n))
}

func TestChunk_EmptyAndShortInput(t *testing.T) {
	tests := []struct {
		name string
		text string
	}{
		{"empty", ""},
		{"whitespace", "   \n\n\t  "},
		{"too short", "Revenue grew."},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Chunk(tt.text, testMeta, DefaultConfig()); got != nil {
				t.Fatalf("expected nil chunks, got %d", len(got))
			}
		})
	}
}

func TestChunk_Deterministic(t *testing.T) {
	text := "FINANCIAL HIGHLIGHTS\n\n" + prose(40) + "\n\nRISK FACTORS\n\n" + prose(40)
	a := Chunk(text, testMeta, DefaultConfig())
	b := Chunk(text, testMeta, DefaultConfig())
	if !reflect.DeepEqual(a, b) {
		t.Fatal("repeated chunking of identical input differs")
	}
}

func TestChunk_ContiguousIndexes(t *testing.T) {
	text := "CHAIRMAN'S LETTER\n\n" + prose(80) + "\n\nRISK FACTORS\n\n" + prose(80)
	chunks := Chunk(text, testMeta, DefaultConfig())
	if len(chunks) == 0 {
		t.Fatal("no chunks")
	}
	for i, c := range chunks {
		if c.ChunkIndex != i {
			t.Fatalf("chunk %d has index %d", i, c.ChunkIndex)
		}
	}
}

func TestChunk_SectionHeaderStartsNewChunk(t *testing.T) {
	text := "CHAIRMAN'S LETTER TO SHAREHOLDERS\n\n" + prose(30) +
		"\n\nMANAGEMENT'S DISCUSSION AND ANALYSIS\n\n" + prose(30) +
		"\n\nRISK FACTORS\n\n" + prose(30)
	chunks := Chunk(text, testMeta, DefaultConfig())

	want := []corpus.SectionType{corpus.SectionChairmanLetter, corpus.SectionMDA, corpus.SectionRisks}
	if len(chunks) != len(want) {
		t.Fatalf("expected %d chunks, got %d", len(want), len(chunks))
	}
	for i, c := range chunks {
		if c.SectionType != want[i] {
			t.Errorf("chunk %d: section %q, want %q", i, c.SectionType, want[i])
		}
	}
}

func TestChunk_TableRegionIsAtomic(t *testing.T) {
	var table strings.Builder
	for i := range 30 {
		fmt.Fprintf(&table, "Segment %02d     1,2%d0     3,4%d0     5,6%d0\n", i, i%10, i%10, i%10)
	}
	tableText := strings.TrimSpace(table.String())

	text := "FINANCIAL HIGHLIGHTS\n\n" + prose(40) + "\n\n" + tableText + "\n\n" + prose(40)
	chunks := Chunk(text, testMeta, DefaultConfig())

	holders := 0
	for _, c := range chunks {
		if strings.Contains(c.Text, tableText) {
			holders++
		}
	}
	if holders != 1 {
		t.Fatalf("table region should lie wholly within exactly one chunk, found in %d", holders)
	}
}

func TestChunk_OversizedTableBecomesOwnChunk(t *testing.T) {
	var table strings.Builder
	for i := range 400 {
		fmt.Fprintf(&table, "Line item %03d     10,%03d     20,%03d     30,%03d\n", i, i, i, i)
	}
	tableText := strings.TrimSpace(table.String())
	if len(tableText) <= DefaultConfig().MaxChunkChars {
		t.Fatalf("test table too small: %d chars", len(tableText))
	}

	text := "FINANCIAL HIGHLIGHTS\n\n" + prose(30) + "\n\n" + tableText + "\n\n" + prose(30)
	chunks := Chunk(text, testMeta, DefaultConfig())

	found := false
	for _, c := range chunks {
		if strings.Contains(c.Text, tableText) {
			found = true
			if len(c.Text) <= DefaultConfig().MaxChunkChars {
				t.Errorf("oversized table chunk unexpectedly small: %d chars", len(c.Text))
			}
		}
	}
	if !found {
		t.Fatal("oversized table was split across chunks")
	}
}

func TestChunk_SpeakerTurnsNotSplit(t *testing.T) {
	speakers := []string{"Operator", "Jane Smith", "Raj Patel", "Maria Gonzalez"}
	var sb strings.Builder
	sb.WriteString("QUESTION AND ANSWER SESSION\n\n")
	var turns []string
	for i := range 12 {
		turn := fmt.Sprintf("%s: %s", speakers[i%len(speakers)], prose(9))
		turns = append(turns, turn)
		sb.WriteString(turn)
		sb.WriteString("\n\n")
	}

	chunks := Chunk(sb.String(), testMeta, DefaultConfig())
	if len(chunks) < 2 {
		t.Fatalf("expected several chunks, got %d", len(chunks))
	}
	for i, turn := range turns {
		holders := 0
		for _, c := range chunks {
			if strings.Contains(c.Text, turn) {
				holders++
			}
		}
		if holders != 1 {
			t.Errorf("turn %d found in %d chunks, want exactly 1", i, holders)
		}
	}
	for i, c := range chunks {
		if c.SectionType != corpus.SectionQnA {
			t.Errorf("chunk %d: section %q, want qna", i, c.SectionType)
		}
	}
}

func TestChunk_AdaptiveSizeBound(t *testing.T) {
	// Long narrative in modest paragraphs must split near the prose bound.
	var sb strings.Builder
	for range 25 {
		sb.WriteString(prose(8))
		sb.WriteString("\n\n")
	}
	cfg := DefaultConfig()
	chunks := Chunk(sb.String(), testMeta, cfg)
	if len(chunks) < 2 {
		t.Fatalf("expected multiple chunks, got %d", len(chunks))
	}
	for i, c := range chunks {
		if len(c.Text) > cfg.MaxChunkChars+cfg.MaxChunkChars/5 {
			t.Errorf("chunk %d exceeds prose bound: %d chars", i, len(c.Text))
		}
	}
}

func TestChunk_ContextPrefix(t *testing.T) {
	meta := testMeta
	meta.Quarter = 4
	text := "MANAGEMENT'S DISCUSSION AND ANALYSIS\n\n" + prose(40)
	chunks := Chunk(text, meta, DefaultConfig())
	if len(chunks) == 0 {
		t.Fatal("no chunks")
	}
	prefix := chunks[0].ContextPrefix
	for _, want := range []string{"ACME", "FY2023 Q4", "MANAGEMENT'S DISCUSSION AND ANALYSIS"} {
		if !strings.Contains(prefix, want) {
			t.Errorf("context prefix %q missing %q", prefix, want)
		}
	}
}

func TestChunk_PageRangesFromFormFeeds(t *testing.T) {
	text := "FINANCIAL HIGHLIGHTS\n\n" + prose(30) + "\n\f\n" + prose(30) + "\n\f\n" + prose(30)
	chunks := Chunk(text, testMeta, DefaultConfig())
	if len(chunks) == 0 {
		t.Fatal("no chunks")
	}
	last := chunks[len(chunks)-1]
	if last.PageEnd != 3 {
		t.Errorf("last chunk PageEnd = %d, want 3", last.PageEnd)
	}
	if chunks[0].PageStart != 1 {
		t.Errorf("first chunk PageStart = %d, want 1", chunks[0].PageStart)
	}
	for i, c := range chunks {
		if c.PageStart > c.PageEnd {
			t.Errorf("chunk %d: page range inverted: %d-%d", i, c.PageStart, c.PageEnd)
		}
	}
}

// Mirrors the standard three-section mock report shape: roughly 9,000
// characters over chairman_letter, mda and risks should land between
// two and five chunks, each carrying its section tag.
func TestChunk_MockAnnualReport(t *testing.T) {
	text := "CHAIRMAN'S LETTER\n\n" + prose(32) +
		"\n\nMANAGEMENT'S DISCUSSION AND ANALYSIS\n\n" + prose(32) +
		"\n\nRISK FACTORS\n\n" + prose(32)
	if n := len(text); n < 8000 || n > 10000 {
		t.Fatalf("mock report should be ~9000 chars, got %d", n)
	}

	chunks := Chunk(text, testMeta, DefaultConfig())
	if len(chunks) < 2 || len(chunks) > 5 {
		t.Fatalf("expected 2-5 chunks, got %d", len(chunks))
	}
	seen := map[corpus.SectionType]bool{}
	for _, c := range chunks {
		seen[c.SectionType] = true
	}
	for _, want := range []corpus.SectionType{corpus.SectionChairmanLetter, corpus.SectionMDA, corpus.SectionRisks} {
		if !seen[want] {
			t.Errorf("no chunk tagged %q", want)
		}
	}
}
