package parser

import (
	"context"
	"path/filepath"
	"strings"
	"unicode/utf8"

	"openviking/internal/agfs"
	"openviking/internal/config"
	"openviking/internal/uri"
)

// textParser handles plain text. It reuses the markdown splitter, which
// degrades to paragraph chunking when no headers exist. It is registered
// last and accepts anything that looks like valid text, so binary blobs
// fall through to UNSUPPORTED_FORMAT.
type textParser struct {
	fs  *agfs.FS
	cfg config.ParserConfig
}

func newTextParser(fs *agfs.FS, cfg config.ParserConfig) *textParser {
	return &textParser{fs: fs, cfg: cfg}
}

// Name identifies the parser.
func (p *textParser) Name() string { return "text" }

// CanHandle accepts declared text mime types, .txt, and content that sniffs
// as UTF-8 without NUL bytes.
func (p *textParser) CanHandle(path, mime string, head []byte) bool {
	ext := strings.ToLower(filepath.Ext(stripQuery(path)))
	if ext == ".txt" || ext == ".log" || ext == ".rst" {
		return true
	}
	if strings.HasPrefix(mime, "text/") {
		return true
	}
	if len(head) == 0 {
		return ext == "" && path == "" // raw empty input counts as text
	}
	for _, b := range head {
		if b == 0 {
			return false
		}
	}
	return utf8.Valid(head)
}

// Parse writes the chunked tree under <scratchRoot>/<name>/.
func (p *textParser) Parse(ctx context.Context, in Input, scratchRoot string) (*ParseResult, error) {
	docDir := uri.Join(scratchRoot, in.Name)
	if err := p.fs.Mkdir(ctx, docDir); err != nil {
		return nil, err
	}

	sp := &splitter{fs: p.fs, cfg: p.cfg}
	if err := sp.split(ctx, string(in.Data), in.Name, docDir, 1); err != nil {
		return nil, err
	}

	return &ParseResult{
		TempDirURI:   scratchRoot,
		SourceFormat: "text",
		ParserName:   p.Name(),
		Meta: map[string]interface{}{
			"sections": sp.filesWritten,
		},
	}, nil
}
