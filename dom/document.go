// Package dom holds the document tree produced by one parse.
//
// A Document is not synchronized. Exactly one goroutine may use it at a
// time: the parser worker while the page is loading, the foreground actor
// after the page has been reported ready.
package dom

import (
	"fmt"
	"io"
	"strings"
)

type NodeType int

const (
	DocumentNode NodeType = iota
	ElementNode
	TextNode
)

func (t NodeType) String() string {
	switch t {
	case DocumentNode:
		return "document"
	case ElementNode:
		return "element"
	case TextNode:
		return "text"
	default:
		return "unknown"
	}
}

// Attribute is one name="value" pair of a tag.
type Attribute struct {
	Key string
	Val string
}

// Node is one entry in the tree.
type Node struct {
	Type     NodeType
	Name     string
	Attrs    []Attribute
	Text     string
	Parent   *Node
	Children []*Node
}

// Attr returns the value of the named attribute.
func (n *Node) Attr(key string) (string, bool) {
	for _, a := range n.Attrs {
		if a.Key == key {
			return a.Val, true
		}
	}
	return "", false
}

// AppendChild links c as the last child of n.
func (n *Node) AppendChild(c *Node) {
	c.Parent = n
	n.Children = append(n.Children, c)
}

// Document is the incrementally built result of a parse.
type Document struct {
	Root  *Node
	Title string
	URL   string

	cursor *Node
}

// New returns an empty document whose insertion point is the root.
func New(url string) *Document {
	root := &Node{Type: DocumentNode}
	return &Document{Root: root, URL: url, cursor: root}
}

// InsertionPoint returns the node new content is appended to.
func (d *Document) InsertionPoint() *Node {
	return d.cursor
}

// SetInsertionPoint moves the insertion point. n must belong to d.
func (d *Document) SetInsertionPoint(n *Node) {
	if n == nil {
		n = d.Root
	}
	d.cursor = n
}

// AppendText adds a text node at the insertion point. Empty text is ignored.
func (d *Document) AppendText(text string) *Node {
	if text == "" {
		return nil
	}
	n := &Node{Type: TextNode, Text: text}
	d.cursor.AppendChild(n)
	return n
}

// AppendElement adds an element without descending into it.
func (d *Document) AppendElement(name string, attrs []Attribute) *Node {
	n := &Node{Type: ElementNode, Name: name, Attrs: attrs}
	d.cursor.AppendChild(n)
	return n
}

// OpenElement adds an element and makes it the insertion point.
func (d *Document) OpenElement(name string, attrs []Attribute) *Node {
	n := d.AppendElement(name, attrs)
	d.cursor = n
	return n
}

// CloseElement moves the insertion point to the parent of the nearest open
// element called name. It reports false, leaving the cursor alone, when no
// such element is open.
func (d *Document) CloseElement(name string) bool {
	for n := d.cursor; n != nil && n.Type == ElementNode; n = n.Parent {
		if n.Name == name {
			d.cursor = n.Parent
			return true
		}
	}
	return false
}

// Walk visits every node depth first, parents before children. Returning
// false from fn skips the node's children.
func (d *Document) Walk(fn func(n *Node, depth int) bool) {
	var visit func(n *Node, depth int)
	visit = func(n *Node, depth int) {
		if !fn(n, depth) {
			return
		}
		for _, c := range n.Children {
			visit(c, depth+1)
		}
	}
	visit(d.Root, 0)
}

// TextContent concatenates every text node in document order.
func (d *Document) TextContent() string {
	var sb strings.Builder
	d.Walk(func(n *Node, _ int) bool {
		if n.Type == TextNode {
			sb.WriteString(n.Text)
		}
		return true
	})
	return sb.String()
}

// WriteTree writes an indented outline of the tree.
func (d *Document) WriteTree(w io.Writer) error {
	var err error
	d.Walk(func(n *Node, depth int) bool {
		if err != nil {
			return false
		}
		indent := strings.Repeat("  ", depth)
		switch n.Type {
		case DocumentNode:
			_, err = fmt.Fprintf(w, "%s#document %s\n", indent, d.URL)
		case ElementNode:
			_, err = fmt.Fprintf(w, "%s<%s%s>\n", indent, n.Name, formatAttrs(n.Attrs))
		case TextNode:
			_, err = fmt.Fprintf(w, "%s%q\n", indent, n.Text)
		}
		return true
	})
	return err
}

func formatAttrs(attrs []Attribute) string {
	var sb strings.Builder
	for _, a := range attrs {
		fmt.Fprintf(&sb, " %s=%q", a.Key, a.Val)
	}
	return sb.String()
}
