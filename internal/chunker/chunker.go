// Package chunker splits raw financial-document text into ordered,
// boundary-respecting chunks. Chunking is a pure function: identical
// input always produces identical output, and no chunk ever splits a
// detected table row or a Q&A speaker turn.
package chunker

import (
	"fmt"
	"strings"

	"github.com/quantlake/finsight/internal/corpus"
)

// Config controls chunk sizing.
type Config struct {
	MinChunkChars int // lower sizing bound; tabular regions close near this
	MaxChunkChars int // upper sizing bound for narrative prose
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		MinChunkChars: 2000,
		MaxChunkChars: 6000,
	}
}

// Metadata anchors chunks to their source document.
type Metadata struct {
	SourceTable string
	SourceID    string
	Symbol      string
	FiscalYear  int
	Quarter     int
}

// minInputChars is the floor below which input is considered empty.
const minInputChars = 200

// Chunk splits text into an ordered chunk sequence. Section headers
// close the current chunk; table regions and speaker turns stay atomic
// (an oversized table becomes its own oversized chunk); sizing adapts
// between MinChunkChars and MaxChunkChars, shrinking in tabular
// regions. Empty or too-short input yields nil, not an error.
func Chunk(text string, meta Metadata, cfg Config) []corpus.Chunk {
	if cfg.MinChunkChars <= 0 {
		cfg.MinChunkChars = 2000
	}
	if cfg.MaxChunkChars <= cfg.MinChunkChars {
		cfg.MaxChunkChars = cfg.MinChunkChars * 3
	}

	if len(strings.TrimSpace(text)) < minInputChars {
		return nil
	}

	blocks := scanBlocks(splitLines(text))

	acc := accumulator{meta: meta, cfg: cfg, section: corpus.SectionBody}
	for _, b := range blocks {
		if b.kind == blockHeading {
			acc.close()
			acc.section = corpus.SectionType(b.section)
			acc.sectionTitle = b.title
			acc.add(b)
			continue
		}
		acc.place(b)
	}
	acc.close()
	return acc.chunks
}

// accumulator assembles blocks into chunks, tracking the active
// section and page range.
type accumulator struct {
	meta   Metadata
	cfg    Config
	chunks []corpus.Chunk

	section      corpus.SectionType
	sectionTitle string

	buf       strings.Builder
	hasTable  bool
	pageStart int
	pageEnd   int
}

// cap returns the effective size cap: full prose bound normally,
// shrunk toward the lower bound once the chunk contains tabular text.
func (a *accumulator) cap(incomingTable bool) int {
	if a.hasTable || incomingTable {
		return a.cfg.MinChunkChars + (a.cfg.MaxChunkChars-a.cfg.MinChunkChars)/3
	}
	return a.cfg.MaxChunkChars
}

// place decides whether b starts a new chunk, then appends it. Atomic
// blocks (tables, turns) larger than the cap get a chunk of their own.
func (a *accumulator) place(b block) {
	isAtomic := b.kind == blockTable || b.kind == blockTurn
	limit := a.cap(b.kind == blockTable)

	if a.buf.Len() > 0 && a.buf.Len()+len(b.text) > limit {
		// Keep small fragments (a bare section heading) attached to the
		// following block unless that block must stand alone.
		if isAtomic || a.buf.Len() >= a.cfg.MinChunkChars/2 {
			a.close()
		}
	}
	a.add(b)
	if a.buf.Len() >= a.cap(false) {
		a.close()
	}
}

func (a *accumulator) add(b block) {
	if a.buf.Len() == 0 {
		a.pageStart = b.pageStart
	}
	if b.pageEnd > a.pageEnd {
		a.pageEnd = b.pageEnd
	}
	if a.buf.Len() > 0 {
		a.buf.WriteString("\n\n")
	}
	a.buf.WriteString(b.text)
	if b.kind == blockTable {
		a.hasTable = true
	}
}

func (a *accumulator) close() {
	text := strings.TrimSpace(a.buf.String())
	a.buf.Reset()
	a.hasTable = false
	if text == "" {
		return
	}
	a.chunks = append(a.chunks, corpus.Chunk{
		SourceTable:   a.meta.SourceTable,
		SourceID:      a.meta.SourceID,
		ChunkIndex:    len(a.chunks),
		Text:          text,
		SectionType:   a.section,
		PageStart:     a.pageStart,
		PageEnd:       a.pageEnd,
		ContextPrefix: contextPrefix(a.meta, a.section, a.sectionTitle),
	})
	a.pageStart = 0
	a.pageEnd = 0
}

// contextPrefix renders the company/period/section header embedded
// with every chunk so isolated chunks stay contextually anchored.
func contextPrefix(meta Metadata, section corpus.SectionType, title string) string {
	period := fmt.Sprintf("FY%d", meta.FiscalYear)
	if meta.Quarter > 0 {
		period = fmt.Sprintf("FY%d Q%d", meta.FiscalYear, meta.Quarter)
	}
	name := title
	if name == "" {
		name = sectionTitles[section]
	}
	return fmt.Sprintf("%s | %s | %s", meta.Symbol, period, name)
}
