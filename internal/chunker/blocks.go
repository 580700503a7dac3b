package chunker

import "strings"

type blockKind int

const (
	blockParagraph blockKind = iota
	blockHeading
	blockTable
	blockTurn
)

// block is an indivisible unit of document text. Table regions and
// speaker turns are never split across chunks; headings force chunk
// boundaries and switch the active section.
type block struct {
	kind      blockKind
	text      string
	title     string // heading blocks: recognized section title
	section   string // heading blocks: section type to switch to
	pageStart int
	pageEnd   int
}

type line struct {
	text string
	page int
}

// splitLines breaks raw text into lines with page numbers. Form feeds
// (inserted by the PDF parser at page boundaries) advance the page
// counter and are stripped from the text.
func splitLines(text string) []line {
	page := 1
	var lines []line
	for _, raw := range strings.Split(text, "\n") {
		page += strings.Count(raw, "\f")
		raw = strings.ReplaceAll(raw, "\f", "")
		lines = append(lines, line{text: raw, page: page})
	}
	return lines
}

// scanBlocks groups lines into indivisible blocks. Rules, in priority
// order: recognized section headers, table regions (2+ consecutive
// tabular lines), speaker turns (a speaker line and everything until
// the next speaker line, header or table), blank-line paragraphs.
func scanBlocks(lines []line) []block {
	var blocks []block
	i := 0
	for i < len(lines) {
		ln := lines[i]
		trimmed := strings.TrimSpace(ln.text)
		if trimmed == "" {
			i++
			continue
		}

		if title, section, ok := detectHeading(ln.text); ok {
			blocks = append(blocks, block{
				kind:      blockHeading,
				text:      trimmed,
				title:     title,
				section:   string(section),
				pageStart: ln.page,
				pageEnd:   ln.page,
			})
			i++
			continue
		}

		if isTabularLine(ln.text) && i+1 < len(lines) && isTabularLine(lines[i+1].text) {
			blocks = append(blocks, scanTable(lines, &i))
			continue
		}

		if _, ok := detectSpeaker(ln.text); ok {
			blocks = append(blocks, scanTurn(lines, &i))
			continue
		}

		blocks = append(blocks, scanParagraph(lines, &i))
	}
	return blocks
}

// scanTable consumes consecutive tabular lines (blank lines inside a
// table region are tolerated when tabular lines resume immediately).
func scanTable(lines []line, i *int) block {
	start := lines[*i].page
	end := start
	var b strings.Builder
	for *i < len(lines) {
		ln := lines[*i]
		trimmed := strings.TrimSpace(ln.text)
		if trimmed == "" {
			if *i+1 < len(lines) && isTabularLine(lines[*i+1].text) {
				*i++
				continue
			}
			break
		}
		if !isTabularLine(ln.text) {
			break
		}
		if b.Len() > 0 {
			b.WriteString("\n")
		}
		b.WriteString(ln.text)
		end = ln.page
		*i++
	}
	return block{kind: blockTable, text: b.String(), pageStart: start, pageEnd: end}
}

// scanTurn consumes one whole speaker turn: the speaker line plus all
// following paragraphs up to the next speaker, header or table region.
func scanTurn(lines []line, i *int) block {
	start := lines[*i].page
	end := start
	var b strings.Builder
	first := true
	for *i < len(lines) {
		ln := lines[*i]
		trimmed := strings.TrimSpace(ln.text)
		if trimmed == "" {
			*i++
			continue
		}
		if !first {
			if _, ok := detectSpeaker(ln.text); ok {
				break
			}
			if _, _, ok := detectHeading(ln.text); ok {
				break
			}
			if isTabularLine(ln.text) && *i+1 < len(lines) && isTabularLine(lines[*i+1].text) {
				break
			}
		}
		if b.Len() > 0 {
			b.WriteString("\n")
		}
		b.WriteString(trimmed)
		end = ln.page
		first = false
		*i++
	}
	return block{kind: blockTurn, text: b.String(), pageStart: start, pageEnd: end}
}

// scanParagraph consumes lines until a blank line or a higher-priority
// block opening.
func scanParagraph(lines []line, i *int) block {
	start := lines[*i].page
	end := start
	var b strings.Builder
	for *i < len(lines) {
		ln := lines[*i]
		trimmed := strings.TrimSpace(ln.text)
		if trimmed == "" {
			break
		}
		if b.Len() > 0 {
			if _, _, ok := detectHeading(ln.text); ok {
				break
			}
			if _, ok := detectSpeaker(ln.text); ok {
				break
			}
			if isTabularLine(ln.text) && *i+1 < len(lines) && isTabularLine(lines[*i+1].text) {
				break
			}
			b.WriteString("\n")
		}
		b.WriteString(trimmed)
		end = ln.page
		*i++
	}
	return block{kind: blockParagraph, text: b.String(), pageStart: start, pageEnd: end}
}
