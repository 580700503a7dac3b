package parser

import (
	"fmt"
	"io"
	"strings"

	"golang.org/x/net/html"
)

// HTMLParser handles HTML filings (earnings releases and web-published
// reports arrive this way). Heading tags become `#` lines; content
// elements become paragraphs; chrome elements are skipped.
type HTMLParser struct{}

func (p *HTMLParser) Parse(r io.Reader, _ string) (string, error) {
	doc, err := html.Parse(r)
	if err != nil {
		return "", fmt.Errorf("parse html: %w", err)
	}

	var out []string
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode {
			if level := headingLevel(n.Data); level > 0 {
				if title := textContent(n); title != "" {
					out = append(out, headingLine(level, title))
				}
				return
			}
			switch n.Data {
			case "script", "style", "nav", "footer", "header":
				return
			case "p", "li", "blockquote":
				if t := textContent(n); t != "" {
					out = append(out, t)
				}
				return
			case "tr":
				// Keep tables row-per-line and tab-separated so the
				// chunker's tabular detection sees them.
				if row := tableRow(n); row != "" {
					out = append(out, row)
				}
				return
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}

	if body := findBody(doc); body != nil {
		walk(body)
	} else {
		walk(doc)
	}

	// Adjacent table rows must stay adjacent lines, not separate
	// paragraphs.
	var sb strings.Builder
	prevRow := false
	for i, block := range out {
		isRow := strings.Contains(block, "\t")
		if i > 0 {
			if prevRow && isRow {
				sb.WriteString("\n")
			} else {
				sb.WriteString("\n\n")
			}
		}
		sb.WriteString(block)
		prevRow = isRow
	}
	return sb.String(), nil
}

func tableRow(tr *html.Node) string {
	var cells []string
	for c := tr.FirstChild; c != nil; c = c.NextSibling {
		if c.Type == html.ElementNode && (c.Data == "td" || c.Data == "th") {
			cells = append(cells, textContent(c))
		}
	}
	row := strings.TrimSpace(strings.Join(cells, "\t"))
	if len(cells) < 2 {
		return ""
	}
	return row
}

func headingLevel(tag string) int {
	switch tag {
	case "h1":
		return 1
	case "h2":
		return 2
	case "h3":
		return 3
	case "h4":
		return 4
	case "h5":
		return 5
	case "h6":
		return 6
	}
	return 0
}

func textContent(n *html.Node) string {
	var buf strings.Builder
	var extract func(*html.Node)
	extract = func(n *html.Node) {
		if n.Type == html.TextNode {
			buf.WriteString(n.Data)
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			extract(c)
		}
	}
	extract(n)
	return strings.Join(strings.Fields(buf.String()), " ")
}

func findBody(n *html.Node) *html.Node {
	if n.Type == html.ElementNode && n.Data == "body" {
		return n
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		if b := findBody(c); b != nil {
			return b
		}
	}
	return nil
}
