package parser

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"openviking/internal/agfs"
	"openviking/internal/config"
	"openviking/internal/uri"
)

// markdownParser splits markdown-like text into a section tree.
//
// Splitting policy:
//   - tokens <= max: one file.
//   - else split at the highest header level that yields multiple sections.
//   - consecutive sections whose combined tokens stay under the merge
//     threshold are merged with their next sibling, greedy left-to-right.
//   - a section over the max recurses into a subdirectory.
//   - referenced local assets are stored as sibling files and the reference
//     rewritten to the tree-relative path.
type markdownParser struct {
	fs  *agfs.FS
	cfg config.ParserConfig
}

func newMarkdownParser(fs *agfs.FS, cfg config.ParserConfig) *markdownParser {
	return &markdownParser{fs: fs, cfg: cfg}
}

// Name identifies the parser.
func (p *markdownParser) Name() string { return "markdown" }

// CanHandle matches markdown extensions and mime types.
func (p *markdownParser) CanHandle(path, mime string, head []byte) bool {
	ext := strings.ToLower(filepath.Ext(stripQuery(path)))
	if ext == ".md" || ext == ".markdown" || ext == ".mdx" {
		return true
	}
	return mime == "text/markdown"
}

// Parse writes the section tree under <scratchRoot>/<name>/.
func (p *markdownParser) Parse(ctx context.Context, in Input, scratchRoot string) (*ParseResult, error) {
	docDir := uri.Join(scratchRoot, in.Name)
	if err := p.fs.Mkdir(ctx, docDir); err != nil {
		return nil, err
	}

	sp := &splitter{
		fs:       p.fs,
		cfg:      p.cfg,
		assetDir: localDir(in.Path),
	}
	if err := sp.split(ctx, string(in.Data), in.Name, docDir, 1); err != nil {
		return nil, err
	}

	return &ParseResult{
		TempDirURI:   scratchRoot,
		SourceFormat: "markdown",
		ParserName:   p.Name(),
		Meta: map[string]interface{}{
			"sections": sp.filesWritten,
		},
	}, nil
}

// localDir returns the directory of a local input path, or "" for URLs and
// raw-data inputs where relative assets cannot be resolved.
func localDir(path string) string {
	if path == "" || strings.HasPrefix(path, "http://") || strings.HasPrefix(path, "https://") {
		return ""
	}
	return filepath.Dir(path)
}

func stripQuery(path string) string {
	if i := strings.IndexByte(path, '?'); i >= 0 {
		return path[:i]
	}
	return path
}

// =============================================================================
// SECTION SPLITTER
// =============================================================================

type section struct {
	title string
	body  string
}

type splitter struct {
	fs           *agfs.FS
	cfg          config.ParserConfig
	assetDir     string
	filesWritten int
}

// split writes text under dirURI, recursing into subdirectories for
// oversized sections. startLevel is the first header level to try.
func (s *splitter) split(ctx context.Context, text, name, dirURI string, startLevel int) error {
	if CountTokens(text) <= s.cfg.MaxSectionTokens {
		return s.writeSection(ctx, dirURI, name, text)
	}

	level, sections := s.sectionsAtBestLevel(text, startLevel)
	if len(sections) <= 1 {
		// No headers left to split on; fall back to paragraph chunks.
		return s.writeParagraphChunks(ctx, text, name, dirURI)
	}

	merged := mergeSmall(sections, s.cfg.MergeSectionTokens)

	used := map[string]int{}
	for _, sec := range merged {
		secName := Slug(sec.title)
		if secName == "document" && sec.title == "" {
			secName = "intro"
		}
		used[secName]++
		if used[secName] > 1 {
			secName = fmt.Sprintf("%s-%d", secName, used[secName])
		}

		if CountTokens(sec.body) > s.cfg.MaxSectionTokens {
			subDir := uri.Join(dirURI, secName)
			if err := s.fs.Mkdir(ctx, subDir); err != nil {
				return err
			}
			if err := s.split(ctx, sec.body, secName, subDir, level+1); err != nil {
				return err
			}
			continue
		}
		if err := s.writeSection(ctx, dirURI, secName, sec.body); err != nil {
			return err
		}
	}
	return nil
}

// sectionsAtBestLevel finds the highest header level (from startLevel down)
// that yields more than one section.
func (s *splitter) sectionsAtBestLevel(text string, startLevel int) (int, []section) {
	for level := startLevel; level <= 6; level++ {
		sections := splitAtLevel(text, level)
		if len(sections) > 1 {
			return level, sections
		}
	}
	return 0, nil
}

// splitAtLevel breaks text on ATX headers of exactly the given level.
// Content before the first header becomes an untitled preamble section.
func splitAtLevel(text string, level int) []section {
	marker := strings.Repeat("#", level) + " "
	lines := strings.Split(text, "\n")

	var sections []section
	var cur []string
	curTitle := ""
	started := false
	inFence := false

	flush := func() {
		body := strings.TrimRight(strings.Join(cur, "\n"), "\n")
		if strings.TrimSpace(body) != "" {
			sections = append(sections, section{title: curTitle, body: body})
		}
		cur = nil
	}

	for _, line := range lines {
		trimmed := strings.TrimSpace(line)
		if strings.HasPrefix(trimmed, "```") || strings.HasPrefix(trimmed, "~~~") {
			inFence = !inFence
		}
		if !inFence && strings.HasPrefix(line, marker) {
			if started || len(cur) > 0 {
				flush()
			}
			curTitle = strings.TrimSpace(line[len(marker):])
			started = true
		}
		cur = append(cur, line)
	}
	flush()
	return sections
}

// mergeSmall merges consecutive sections whose combined token count stays
// under the threshold, greedy left-to-right. The merged section keeps the
// first member's title; an untitled first member takes the title of the next
// member that has one.
func mergeSmall(sections []section, threshold int) []section {
	if len(sections) <= 1 {
		return sections
	}
	var out []section
	i := 0
	for i < len(sections) {
		acc := sections[i]
		for i+1 < len(sections) && CountTokens(acc.body)+CountTokens(sections[i+1].body) < threshold {
			next := sections[i+1]
			acc.body = acc.body + "\n\n" + next.body
			if acc.title == "" {
				acc.title = next.title
			}
			i++
		}
		out = append(out, acc)
		i++
	}
	return out
}

// writeParagraphChunks packs paragraphs into files of at most the section
// budget; a single paragraph larger than the budget is written whole as its
// own file. Used for headerless documents.
func (s *splitter) writeParagraphChunks(ctx context.Context, text, name, dirURI string) error {
	paras := strings.Split(text, "\n\n")
	var chunk strings.Builder
	part := 1

	flush := func() error {
		if strings.TrimSpace(chunk.String()) == "" {
			return nil
		}
		err := s.writeSection(ctx, dirURI, fmt.Sprintf("%s-part-%02d", name, part), chunk.String())
		chunk.Reset()
		part++
		return err
	}

	for _, para := range paras {
		if chunk.Len() > 0 && CountTokens(chunk.String())+CountTokens(para) > s.cfg.MaxSectionTokens {
			if err := flush(); err != nil {
				return err
			}
		}
		if chunk.Len() > 0 {
			chunk.WriteString("\n\n")
		}
		chunk.WriteString(para)
	}
	return flush()
}

var assetRefRe = regexp.MustCompile(`!\[([^\]]*)\]\(([^)\s]+)\)`)

// writeSection stores one section file, copying referenced local assets as
// siblings and rewriting the references to tree-relative paths.
func (s *splitter) writeSection(ctx context.Context, dirURI, name, body string) error {
	if s.assetDir != "" {
		var err error
		body, err = s.rewriteAssets(ctx, dirURI, body)
		if err != nil {
			return err
		}
	}
	if !strings.HasSuffix(name, ".md") {
		name += ".md"
	}
	if err := s.fs.Write(ctx, uri.Join(dirURI, name), []byte(body), agfs.WriteOptions{}); err != nil {
		return err
	}
	s.filesWritten++
	return nil
}

func (s *splitter) rewriteAssets(ctx context.Context, dirURI, body string) (string, error) {
	var firstErr error
	out := assetRefRe.ReplaceAllStringFunc(body, func(ref string) string {
		m := assetRefRe.FindStringSubmatch(ref)
		target := m[2]
		if strings.Contains(target, "://") || strings.HasPrefix(target, "/") {
			return ref
		}
		data, err := os.ReadFile(filepath.Join(s.assetDir, filepath.FromSlash(target)))
		if err != nil {
			return ref // unresolvable reference stays as-is
		}
		assetName := Slug(strings.TrimSuffix(filepath.Base(target), filepath.Ext(target))) + filepath.Ext(target)
		if err := s.fs.Write(ctx, uri.Join(dirURI, assetName), data, agfs.WriteOptions{}); err != nil {
			if firstErr == nil {
				firstErr = err
			}
			return ref
		}
		return fmt.Sprintf("![%s](%s)", m[1], assetName)
	})
	return out, firstErr
}
