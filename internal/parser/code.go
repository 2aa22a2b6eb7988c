package parser

import (
	"context"
	"path/filepath"
	"strings"

	"openviking/internal/agfs"
	"openviking/internal/config"
	"openviking/internal/uri"
)

// codeParser ingests source files verbatim: the scratch tree holds the raw
// file, and the semantic stage decides between AST skeleton and LLM summary
// per code_summary_mode.
type codeParser struct {
	fs  *agfs.FS
	cfg config.ParserConfig
}

func newCodeParser(fs *agfs.FS, cfg config.ParserConfig) *codeParser {
	return &codeParser{fs: fs, cfg: cfg}
}

// codeExtensions maps extensions to skeleton languages.
var codeExtensions = map[string]string{
	".py":  "python",
	".js":  "javascript",
	".jsx": "javascript",
	".ts":  "typescript",
	".tsx": "typescript",
	".rs":  "rust",
	".go":  "go",
	".java": "java",
	".c":   "c",
	".h":   "c",
	".cc":  "cpp",
	".cpp": "cpp",
	".hpp": "cpp",
}

// Name identifies the parser.
func (p *codeParser) Name() string { return "code" }

// CanHandle matches known source extensions.
func (p *codeParser) CanHandle(path, mime string, head []byte) bool {
	ext := strings.ToLower(filepath.Ext(stripQuery(path)))
	_, ok := codeExtensions[ext]
	return ok
}

// Parse stores the file under <scratchRoot>/<stem>/<filename>.
func (p *codeParser) Parse(ctx context.Context, in Input, scratchRoot string) (*ParseResult, error) {
	fileName := filepath.Base(stripQuery(in.Path))
	if fileName == "" || fileName == "." {
		fileName = in.Name
	}
	docDir := uri.Join(scratchRoot, in.Name)
	if err := p.fs.Mkdir(ctx, docDir); err != nil {
		return nil, err
	}
	if err := p.fs.Write(ctx, uri.Join(docDir, fileName), in.Data, agfs.WriteOptions{}); err != nil {
		return nil, err
	}

	ext := strings.ToLower(filepath.Ext(fileName))
	return &ParseResult{
		TempDirURI:   scratchRoot,
		SourceFormat: "code",
		ParserName:   p.Name(),
		Meta: map[string]interface{}{
			"language": codeExtensions[ext],
			"lines":    LineCount(in.Data),
		},
	}, nil
}

// LineCount counts lines, including a final line without a trailing
// newline, matching the AST-mode threshold semantics.
func LineCount(data []byte) int {
	if len(data) == 0 {
		return 0
	}
	n := strings.Count(string(data), "\n")
	if data[len(data)-1] != '\n' {
		n++
	}
	return n
}

// LanguageForFile returns the skeleton language for a filename, or "" when
// the language is unsupported.
func LanguageForFile(name string) string {
	return codeExtensions[strings.ToLower(filepath.Ext(name))]
}
