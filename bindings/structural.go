// Package bindings provides a default TagBindingTable that turns a tag stream
// into a plain element tree.
package bindings

import (
	"strings"

	"github.com/Swind/go-page-runner/dom"
	"github.com/Swind/go-page-runner/parser"
)

var voidElements = map[string]bool{
	"area": true, "base": true, "br": true, "col": true, "embed": true,
	"hr": true, "img": true, "input": true, "link": true, "meta": true,
	"param": true, "source": true, "track": true, "wbr": true,
}

// IsVoid reports whether name never has content or an end tag.
func IsVoid(name string) bool {
	return voidElements[name]
}

// Structural opens an element for every start tag and closes the nearest
// open element of the same name for every end tag. Void and self-closing
// tags are appended without moving the insertion point. The text of the
// first <title> becomes the document title.
//
// Handlers bound through Bind take precedence over the structural default.
type Structural struct {
	overrides *parser.BindingMap
	ignore    map[string]bool
}

// NewStructural returns a structural table. Keys listed in ignore (for
// example "!doctype") are not dispatched at all.
func NewStructural(ignore ...string) *Structural {
	s := &Structural{
		overrides: parser.NewBindingMap(),
		ignore:    make(map[string]bool, len(ignore)),
	}
	for _, k := range ignore {
		s.ignore[k] = true
	}
	return s
}

// Bind overrides the handler for key.
func (s *Structural) Bind(key string, h parser.TagHandler) *Structural {
	s.overrides.Bind(key, h)
	return s
}

// Lookup implements parser.TagBindingTable.
func (s *Structural) Lookup(key string) (parser.TagHandler, bool) {
	if h, ok := s.overrides.Lookup(key); ok {
		return h, true
	}
	if s.ignore[key] {
		return nil, false
	}
	if strings.HasPrefix(key, "/") {
		return closeElement, true
	}
	return openElement, true
}

func openElement(tag *parser.Tag, doc *dom.Document) {
	if tag.SelfClosing || IsVoid(tag.Name) || strings.HasPrefix(tag.Name, "!") {
		doc.AppendElement(tag.Name, tag.Attrs)
		return
	}
	doc.OpenElement(tag.Name, tag.Attrs)
}

func closeElement(tag *parser.Tag, doc *dom.Document) {
	if IsVoid(tag.Name) {
		return
	}
	if tag.Name == "title" && doc.Title == "" {
		if cur := doc.InsertionPoint(); cur != nil && cur.Type == dom.ElementNode && cur.Name == "title" {
			doc.Title = strings.TrimSpace(nodeText(cur))
		}
	}
	doc.CloseElement(tag.Name)
}

func nodeText(n *dom.Node) string {
	var b strings.Builder
	var walk func(*dom.Node)
	walk = func(n *dom.Node) {
		if n.Type == dom.TextNode {
			b.WriteString(n.Text)
		}
		for _, c := range n.Children {
			walk(c)
		}
	}
	walk(n)
	return b.String()
}

var _ parser.TagBindingTable = (*Structural)(nil)
