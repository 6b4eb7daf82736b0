package bindings

import (
	"bytes"
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Swind/go-page-runner/dom"
	"github.com/Swind/go-page-runner/parser"
)

func parse(t *testing.T, table parser.TagBindingTable, input string) *dom.Document {
	t.Helper()
	doc := dom.New("mem:")
	res := parser.NewStreamParser(table).Parse(context.Background(), strings.NewReader(input), doc)
	require.Equal(t, parser.ResultEOF, res.Code)
	return doc
}

// TestStructural_BuildsTree tests nesting of elements and text
// Main test items:
// 1. Start tags descend, end tags return to the parent
// 2. Void elements do not capture following text
// 3. The first title becomes the document title
func TestStructural_BuildsTree(t *testing.T) {
	doc := parse(t, NewStructural("!doctype"),
		`<!DOCTYPE html><html><head><title> Hello </title></head><body><p class="a">one<br>two</p><img src="x.png"/>end</body></html>`)

	assert.Equal(t, "Hello", doc.Title)
	assert.Equal(t, " Hello onetwoend", doc.TextContent())

	var buf bytes.Buffer
	require.NoError(t, doc.WriteTree(&buf))
	want := strings.Join([]string{
		"#document mem:",
		"  <html>",
		"    <head>",
		"      <title>",
		`        " Hello "`,
		"    <body>",
		`      <p class="a">`,
		`        "one"`,
		"        <br>",
		`        "two"`,
		`      <img src="x.png">`,
		`      "end"`,
		"",
	}, "\n")
	assert.Equal(t, want, buf.String())
	assert.Same(t, doc.Root, doc.InsertionPoint())
}

func TestStructural_UnmatchedEndTagIsIgnored(t *testing.T) {
	doc := parse(t, NewStructural(), "<div>a</span>b</div>c")

	require.Len(t, doc.Root.Children, 2)
	div := doc.Root.Children[0]
	assert.Equal(t, "div", div.Name)
	assert.Len(t, div.Children, 2)
	assert.Equal(t, "c", doc.Root.Children[1].Text)
}

func TestStructural_OverrideWins(t *testing.T) {
	var seen []string
	table := NewStructural().Bind("b", func(tag *parser.Tag, doc *dom.Document) {
		seen = append(seen, tag.Name)
	})

	doc := parse(t, table, "<b>bold</b>")

	assert.Equal(t, []string{"b"}, seen)
	require.Len(t, doc.Root.Children, 1)
	assert.Equal(t, dom.TextNode, doc.Root.Children[0].Type)
}

func TestStructural_IgnoredKeysAreNotDispatched(t *testing.T) {
	table := NewStructural("!doctype")
	_, ok := table.Lookup("!doctype")
	assert.False(t, ok)

	_, ok = table.Lookup("/p")
	assert.True(t, ok)
	assert.True(t, IsVoid("br"))
	assert.False(t, IsVoid("p"))
}
