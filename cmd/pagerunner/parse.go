package main

import (
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/Swind/go-page-runner/bindings"
	"github.com/Swind/go-page-runner/dom"
	"github.com/Swind/go-page-runner/parser"
	"github.com/Swind/go-page-runner/source"
)

func newParseCmd(a *app) *cobra.Command {
	var quiet bool

	cmd := &cobra.Command{
		Use:   "parse <file|url|->",
		Short: "Trace the tag and text events of a single parse",
		Long: `parse runs the stream parser over one source in the foreground and prints
every text run and every dispatched tag in the order they were seen,
followed by a summary line.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := a.cfg.Logger()
			opener := source.NewOpener(a.cfg.SourceOptions(),
				source.WithStdin(cmd.InOrStdin()),
				source.WithLogger(logger))

			src, err := opener.Open(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			defer src.Close()

			out := cmd.OutOrStdout()
			tr := &tracer{table: bindings.NewStructural("!doctype"), out: out, quiet: quiet}
			p := parser.NewStreamParser(tr,
				parser.WithLogger(logger),
				parser.WithMaxTagLength(a.cfg.Engine.MaxTagLength))

			doc := dom.New(src.URL)
			res := p.Parse(cmd.Context(), src, doc)
			tr.flush(doc)

			fmt.Fprintf(out, "-- %s: %d bytes, %d tags, %d text runs, %d dropped in %s\n",
				res.Code, res.Bytes, res.Tags, res.TextRuns, res.Dropped, res.Duration)
			if doc.Title != "" {
				fmt.Fprintf(out, "-- title %q\n", doc.Title)
			}
			if !res.OK() {
				return res.Err
			}
			return nil
		},
	}

	cmd.Flags().BoolVarP(&quiet, "quiet", "q", false, "only print the summary")
	return cmd
}

// tracer is a TagBindingTable that prints every lookup before delegating to
// the wrapped table. Text runs are flushed into the document right before a
// tag is dispatched, so the newest text node under the insertion point is
// printed first.
type tracer struct {
	table    parser.TagBindingTable
	out      io.Writer
	quiet    bool
	lastText *dom.Node
}

func (t *tracer) Lookup(key string) (parser.TagHandler, bool) {
	inner, ok := t.table.Lookup(key)
	return func(tag *parser.Tag, doc *dom.Document) {
		t.flush(doc)
		if !t.quiet {
			fmt.Fprintf(t.out, "tag %s%s\n", tag.Key(), formatAttrs(tag.Attrs))
		}
		if ok && inner != nil {
			inner(tag, doc)
		}
	}, true
}

func (t *tracer) flush(doc *dom.Document) {
	ip := doc.InsertionPoint()
	if ip == nil || len(ip.Children) == 0 {
		return
	}
	last := ip.Children[len(ip.Children)-1]
	if last.Type != dom.TextNode || last == t.lastText {
		return
	}
	t.lastText = last
	if !t.quiet {
		fmt.Fprintf(t.out, "text %q\n", last.Text)
	}
}

func formatAttrs(attrs []dom.Attribute) string {
	if len(attrs) == 0 {
		return ""
	}
	var b strings.Builder
	for _, attr := range attrs {
		fmt.Fprintf(&b, " %s=%q", attr.Key, attr.Val)
	}
	return b.String()
}
