package frontend

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"strings"
	"unicode/utf8"

	"github.com/Swind/go-page-runner/dom"
)

// Mode selects how a finished document is written out.
type Mode int

const (
	// ModeText writes readable text, with links shown as [href].
	ModeText Mode = iota
	// ModeTree writes the indented node outline.
	ModeTree
)

func (m Mode) String() string {
	switch m {
	case ModeText:
		return "text"
	case ModeTree:
		return "tree"
	default:
		return fmt.Sprintf("mode(%d)", int(m))
	}
}

// The text dump pretends every glyph is 8 pixels wide on an 80 column
// display.
const (
	CharWidth    = 8
	LineHeight   = 8
	DisplayWidth = 80 * CharWidth
)

var blockElements = map[string]bool{
	"p": true, "br": true, "div": true, "li": true, "tr": true, "hr": true,
	"h1": true, "h2": true, "h3": true, "h4": true, "h5": true, "h6": true,
	"pre": true, "blockquote": true, "table": true, "ul": true, "ol": true,
}

var hiddenElements = map[string]bool{
	"title": true, "script": true, "style": true, "head": true,
}

// Render writes doc to w in the given mode.
func Render(w io.Writer, doc *dom.Document, mode Mode) error {
	if doc == nil {
		return errors.New("render: nil document")
	}
	if mode == ModeTree {
		return doc.WriteTree(w)
	}

	bw := bufio.NewWriter(w)
	if doc.Title != "" {
		fmt.Fprintf(bw, "%s\n\n", doc.Title)
	}

	atLineStart := true
	newline := func() {
		if !atLineStart {
			bw.WriteByte('\n')
			atLineStart = true
		}
	}

	doc.Walk(func(n *dom.Node, _ int) bool {
		switch n.Type {
		case dom.ElementNode:
			if hiddenElements[n.Name] {
				return false
			}
			if blockElements[n.Name] {
				newline()
			}
			if n.Name == "a" {
				if href, ok := n.Attr("href"); ok {
					fmt.Fprintf(bw, "[%s]", href)
					atLineStart = false
				}
			}
		case dom.TextNode:
			text := collapseSpace(n.Text)
			if text == "" || (atLineStart && text == " ") {
				return true
			}
			if atLineStart {
				text = strings.TrimLeft(text, " ")
			}
			bw.WriteString(text)
			atLineStart = false
		}
		return true
	})
	newline()

	return bw.Flush()
}

func collapseSpace(s string) string {
	var sb strings.Builder
	space := false
	for _, r := range s {
		switch r {
		case ' ', '\t', '\n', '\r', '\f':
			space = true
			continue
		}
		if space {
			sb.WriteByte(' ')
			space = false
		}
		sb.WriteRune(r)
	}
	if space {
		sb.WriteByte(' ')
	}
	return sb.String()
}

// TextMeasurer sizes nodes for the text dump: every rune is one cell and
// lines wrap at DisplayWidth.
type TextMeasurer struct{}

// Measure implements page.Measurer.
func (TextMeasurer) Measure(n *dom.Node) (width, height int, err error) {
	if n == nil {
		return 0, 0, errors.New("measure: nil node")
	}

	cells := 0
	var count func(*dom.Node)
	count = func(n *dom.Node) {
		if n.Type == dom.TextNode {
			cells += utf8.RuneCountInString(collapseSpace(n.Text))
			return
		}
		if hiddenElements[n.Name] {
			return
		}
		for _, c := range n.Children {
			count(c)
		}
	}
	count(n)

	width = cells * CharWidth
	if width == 0 {
		return 0, 0, nil
	}
	lines := (width + DisplayWidth - 1) / DisplayWidth
	if width > DisplayWidth {
		width = DisplayWidth
	}
	return width, lines * LineHeight, nil
}
