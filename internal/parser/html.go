package parser

import (
	"bytes"
	"context"
	"path/filepath"
	"strings"

	"golang.org/x/net/html"

	"openviking/internal/agfs"
	"openviking/internal/config"
	"openviking/internal/uri"
)

// htmlParser converts HTML to markdown-like text and hands the result to
// the section splitter. Scripts, styles and navigation chrome are dropped.
type htmlParser struct {
	fs  *agfs.FS
	cfg config.ParserConfig
}

func newHTMLParser(fs *agfs.FS, cfg config.ParserConfig) *htmlParser {
	return &htmlParser{fs: fs, cfg: cfg}
}

// Name identifies the parser.
func (p *htmlParser) Name() string { return "html" }

// CanHandle matches .html/.htm, text/html, and a doctype/html sniff.
func (p *htmlParser) CanHandle(path, mime string, head []byte) bool {
	ext := strings.ToLower(filepath.Ext(stripQuery(path)))
	if ext == ".html" || ext == ".htm" || ext == ".xhtml" {
		return true
	}
	if mime == "text/html" || mime == "application/xhtml+xml" {
		return true
	}
	sniff := bytes.ToLower(bytes.TrimSpace(head))
	return bytes.HasPrefix(sniff, []byte("<!doctype html")) || bytes.HasPrefix(sniff, []byte("<html"))
}

// Parse converts to text and writes the split tree.
func (p *htmlParser) Parse(ctx context.Context, in Input, scratchRoot string) (*ParseResult, error) {
	text, title, err := htmlToMarkdown(in.Data)
	if err != nil {
		return nil, err
	}
	name := in.Name
	if (name == "" || name == "document") && title != "" {
		name = Slug(title)
	}

	docDir := uri.Join(scratchRoot, name)
	if err := p.fs.Mkdir(ctx, docDir); err != nil {
		return nil, err
	}

	sp := &splitter{fs: p.fs, cfg: p.cfg}
	if err := sp.split(ctx, text, name, docDir, 1); err != nil {
		return nil, err
	}

	return &ParseResult{
		TempDirURI:   scratchRoot,
		SourceFormat: "html",
		ParserName:   p.Name(),
		Meta: map[string]interface{}{
			"title":    title,
			"sections": sp.filesWritten,
		},
	}, nil
}

var headingLevels = map[string]int{
	"h1": 1, "h2": 2, "h3": 3, "h4": 4, "h5": 5, "h6": 6,
}

var skipElements = map[string]bool{
	"script": true, "style": true, "noscript": true,
	"nav": true, "header": true, "footer": true, "iframe": true,
}

// htmlToMarkdown renders the document as markdown-ish text: headings become
// ATX headers, paragraphs and list items become blocks, the rest flattens
// to inline text.
func htmlToMarkdown(data []byte) (text, title string, err error) {
	doc, err := html.Parse(bytes.NewReader(data))
	if err != nil {
		return "", "", err
	}

	var b strings.Builder
	var walk func(n *html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode {
			if skipElements[n.Data] {
				return
			}
			if n.Data == "title" && title == "" {
				title = nodeText(n)
				return
			}
			if lvl, ok := headingLevels[n.Data]; ok {
				b.WriteString("\n\n" + strings.Repeat("#", lvl) + " " + strings.TrimSpace(nodeText(n)) + "\n\n")
				return
			}
			switch n.Data {
			case "p", "div", "section", "article", "blockquote", "pre", "table", "tr":
				b.WriteString("\n\n")
			case "li":
				b.WriteString("\n- ")
			case "br":
				b.WriteString("\n")
			case "img":
				alt, src := attr(n, "alt"), attr(n, "src")
				if src != "" {
					b.WriteString("![" + alt + "](" + src + ")")
				}
				return
			}
		}
		if n.Type == html.TextNode {
			b.WriteString(collapseSpace(n.Data))
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(doc)

	return tidyBlankLines(b.String()), strings.TrimSpace(title), nil
}

func nodeText(n *html.Node) string {
	var b strings.Builder
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.TextNode {
			b.WriteString(n.Data)
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(n)
	return collapseSpace(b.String())
}

func attr(n *html.Node, key string) string {
	for _, a := range n.Attr {
		if a.Key == key {
			return a.Val
		}
	}
	return ""
}

func collapseSpace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

func tidyBlankLines(s string) string {
	lines := strings.Split(s, "\n")
	var out []string
	blank := 0
	for _, l := range lines {
		if strings.TrimSpace(l) == "" {
			blank++
			if blank > 1 {
				continue
			}
			out = append(out, "")
			continue
		}
		blank = 0
		out = append(out, strings.TrimRight(l, " "))
	}
	return strings.TrimSpace(strings.Join(out, "\n"))
}
