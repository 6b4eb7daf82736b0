package parser

import (
	"bytes"
	"io"

	"golang.org/x/net/html"

	"github.com/Swind/go-page-runner/dom"
)

const (
	tagOpen  = '<'
	tagClose = '>'

	// DefaultMaxTagLength bounds the bytes kept for one tag. Longer tags are
	// still consumed up to their closing marker but truncated.
	DefaultMaxTagLength = 64 << 10
)

// Tag is one recognized markup token.
type Tag struct {
	Name        string
	Attrs       []dom.Attribute
	End         bool
	SelfClosing bool
	Raw         string
}

// Key is the binding-table key: the name for start tags, "/"+name for end
// tags.
func (t *Tag) Key() string {
	if t.End {
		return "/" + t.Name
	}
	return t.Name
}

// Attr returns the value of the named attribute.
func (t *Tag) Attr(key string) (string, bool) {
	for _, a := range t.Attrs {
		if a.Key == key {
			return a.Val, true
		}
	}
	return "", false
}

// acquireTag consumes bytes after a tag-open marker through the matching
// close marker and returns the collected span without the markers. A quoted
// attribute value may contain '>'; a comment ends at "-->", or right away
// when written as "<!-->" or "<!--->".
//
// consumed counts every byte read, including the close marker. complete is
// false if the source ended (or failed) before the close marker; err is the
// source error in that case.
func acquireTag(src io.ByteReader, buf *bytes.Buffer, maxLen int) (consumed int, complete bool, err error) {
	buf.Reset()
	var (
		quote   byte
		afterEq bool
		comment bool
		n       int
		prev    [2]byte
	)

	for {
		c, err := src.ReadByte()
		if err != nil {
			return n, false, err
		}
		n++

		switch {
		case comment:
			if c == tagClose && commentEnds(n, prev) {
				return n, true, nil
			}
		case quote != 0:
			if c == quote {
				quote = 0
			}
		case c == tagClose:
			return n, true, nil
		case (c == '"' || c == '\'') && afterEq:
			quote = c
		}

		if c == '=' {
			afterEq = true
		} else if !isSpace(c) {
			afterEq = false
		}

		if buf.Len() < maxLen {
			buf.WriteByte(c)
		}
		if n == 3 && bytes.Equal(buf.Bytes(), []byte("!--")) {
			comment = true
		}
		prev[0], prev[1] = prev[1], c
	}
}

// commentEnds reports whether a '>' read as byte n of a comment span closes
// it. prev holds the two bytes before it.
func commentEnds(n int, prev [2]byte) bool {
	switch {
	case n == 4:
		return true
	case n == 5:
		return prev[1] == '-'
	default:
		return prev == [2]byte{'-', '-'}
	}
}

func isSpace(c byte) bool {
	return c == ' ' || c == '\t' || c == '\n' || c == '\r' || c == '\f'
}

// decodeTag turns a collected span into a Tag. ok is false for comments and
// for spans that do not form a tag, such as "< b" or "<>".
func decodeTag(span []byte) (*Tag, bool) {
	if len(span) == 0 || bytes.HasPrefix(span, []byte("!--")) {
		return nil, false
	}

	raw := make([]byte, 0, len(span)+2)
	raw = append(raw, tagOpen)
	raw = append(raw, span...)
	raw = append(raw, tagClose)

	z := html.NewTokenizer(bytes.NewReader(raw))
	tt := z.Next()

	tag := &Tag{Raw: string(raw)}
	switch tt {
	case html.StartTagToken, html.SelfClosingTagToken, html.EndTagToken:
		name, hasAttr := z.TagName()
		tag.Name = string(name)
		tag.End = tt == html.EndTagToken
		tag.SelfClosing = tt == html.SelfClosingTagToken
		for hasAttr {
			var key, val []byte
			key, val, hasAttr = z.TagAttr()
			tag.Attrs = append(tag.Attrs, dom.Attribute{Key: string(key), Val: string(val)})
		}
	case html.DoctypeToken:
		tag.Name = "!doctype"
		tag.Attrs = []dom.Attribute{{Key: "value", Val: string(z.Text())}}
	default:
		return nil, false
	}

	if tag.Name == "" {
		return nil, false
	}
	return tag, true
}
