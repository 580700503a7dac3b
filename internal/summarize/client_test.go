package summarize

import (
	"strings"
	"testing"

	"github.com/quantlake/finsight/internal/corpus"
)

func TestStripCodeBlock(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  string
	}{
		{
			name:  "plain json",
			input: `{"title":"T","summary":"S"}`,
			want:  `{"title":"T","summary":"S"}`,
		},
		{
			name:  "json fence",
			input: "```json\n{\"title\":\"T\"}\n```",
			want:  `{"title":"T"}`,
		},
		{
			name:  "bare fence",
			input: "```\n{\"title\":\"T\"}\n```",
			want:  `{"title":"T"}`,
		},
		{
			name:  "surrounding whitespace",
			input: "  \n{\"title\":\"T\"}\n  ",
			want:  `{"title":"T"}`,
		},
		{
			name:  "fence marker inside text untouched",
			input: "{\"summary\":\"use ``` for code\"}",
			want:  "{\"summary\":\"use ``` for code\"}",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := stripCodeBlock(tt.input); got != tt.want {
				t.Errorf("got %q, want %q", got, tt.want)
			}
		})
	}
}

func TestBuildPrompt_SectionHints(t *testing.T) {
	p := BuildPrompt(corpus.SectionQnA, "Analyst: what drove margins?")
	if !strings.Contains(p, "analyst Q&A") {
		t.Errorf("qna hint missing:\n%s", p)
	}
	if !strings.Contains(p, "Section type: qna") {
		t.Errorf("section type missing:\n%s", p)
	}
	if !strings.Contains(p, "Analyst: what drove margins?") {
		t.Errorf("text missing:\n%s", p)
	}
}

func TestBuildPrompt_UnknownSectionFallsBack(t *testing.T) {
	p := BuildPrompt(corpus.SectionType("exotic"), "text")
	if !strings.Contains(p, sectionHints[corpus.SectionBody]) {
		t.Errorf("unknown section should use the generic hint:\n%s", p)
	}
}

func TestTruncate(t *testing.T) {
	if got := truncate("short", 10); got != "short" {
		t.Errorf("got %q", got)
	}
	if got := truncate("0123456789abc", 10); got != "0123456789..." {
		t.Errorf("got %q", got)
	}
}
