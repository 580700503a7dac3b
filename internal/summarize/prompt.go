package summarize

import (
	"fmt"

	"github.com/quantlake/finsight/internal/corpus"
)

const systemPrompt = `You summarize sections of financial documents (annual reports, earnings-call transcripts) for a retrieval index. Respond with a single JSON object: {"title": "...", "summary": "..."}. The title is at most 12 words. The summary is 2-5 sentences, concrete, keeping figures, segment names and guidance. No markdown, no commentary outside the JSON.`

var sectionHints = map[corpus.SectionType]string{
	corpus.SectionChairmanLetter: "This is a chairman's letter: capture tone, strategic priorities and headline results.",
	corpus.SectionMDA:            "This is management discussion and analysis: capture revenue/margin drivers and year-over-year changes.",
	corpus.SectionHighlights:     "These are financial highlights: capture the key figures verbatim.",
	corpus.SectionRisks:          "These are risk factors: capture the distinct risks named.",
	corpus.SectionOutlook:        "This is outlook/guidance: capture forward-looking figures and assumptions.",
	corpus.SectionQnA:            "This is an analyst Q&A: capture the questions asked and the substance of the answers.",
	corpus.SectionBody:           "Summarize the substance of this passage.",
}

// BuildPrompt renders the user prompt for one summarization call.
func BuildPrompt(sectionType corpus.SectionType, text string) string {
	hint := sectionHints[sectionType]
	if hint == "" {
		hint = sectionHints[corpus.SectionBody]
	}
	return fmt.Sprintf("%s\n\nSection type: %s\n\nText:\n%s", hint, sectionType, text)
}
