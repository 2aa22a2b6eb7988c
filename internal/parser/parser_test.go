package parser

import (
	"context"
	"fmt"
	"strings"
	"testing"

	"openviking/internal/agfs"
	"openviking/internal/config"
	"openviking/internal/uri"
	"openviking/internal/verrors"
)

func testSetup(t *testing.T) (*Registry, *agfs.FS) {
	t.Helper()
	fs := agfs.New(agfs.NewMemoryBackend())
	ctx := context.Background()
	for _, root := range []string{uri.ResourcesRoot, uri.TempRoot} {
		if err := fs.Mkdir(ctx, root); err != nil {
			t.Fatal(err)
		}
	}
	cfg := config.DefaultConfig().Parser
	return NewRegistry(fs, cfg), fs
}

// docFiles lists the non-hidden descendants of the single document root.
func docFiles(t *testing.T, fs *agfs.FS, tempRoot string) (string, []agfs.Entry) {
	t.Helper()
	ctx := context.Background()
	tops, err := fs.Ls(ctx, tempRoot, agfs.LsOptions{})
	if err != nil {
		t.Fatalf("ls %s: %v", tempRoot, err)
	}
	if len(tops) != 1 || !tops[0].IsDir {
		t.Fatalf("scratch root must hold exactly one document dir, got %+v", tops)
	}
	entries, err := fs.Ls(ctx, tops[0].URI, agfs.LsOptions{Recursive: true})
	if err != nil {
		t.Fatal(err)
	}
	return tops[0].URI, entries
}

// section builds a markdown section of roughly n tokens.
func mdSection(title string, tokens int) string {
	body := strings.Repeat("word ", tokens*4/5)
	return fmt.Sprintf("# %s\n\n%s\n", title, body)
}

func TestParse_SmallDocSingleFile(t *testing.T) {
	r, fs := testSetup(t)
	res, err := r.Parse(context.Background(), Input{Name: "doc", Data: []byte("# Title\n\nshort body"), Path: "doc.md"})
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	_, entries := docFiles(t, fs, res.TempDirURI)
	files := 0
	for _, e := range entries {
		if !e.IsDir {
			files++
		}
	}
	if files != 1 {
		t.Errorf("content under 1024 tokens must emit one file, got %d", files)
	}
}

func TestParse_ExactBudgetNoSplit(t *testing.T) {
	r, fs := testSetup(t)
	// Exactly 1024 tokens = 4096 chars.
	data := []byte("# A\n" + strings.Repeat("x", 4096-4))
	if CountTokens(string(data)) != 1024 {
		t.Fatalf("fixture wrong: %d tokens", CountTokens(string(data)))
	}
	res, err := r.Parse(context.Background(), Input{Name: "doc", Path: "doc.md", Data: data})
	if err != nil {
		t.Fatal(err)
	}
	_, entries := docFiles(t, fs, res.TempDirURI)
	if len(entries) != 1 || entries[0].IsDir {
		t.Errorf("exactly-1024-token input must not split: %+v", entries)
	}
}

func TestParse_OverBudgetSplits(t *testing.T) {
	r, fs := testSetup(t)
	doc := mdSection("A", 600) + mdSection("B", 600) + mdSection("C", 600)
	res, err := r.Parse(context.Background(), Input{Name: "doc", Path: "doc.md", Data: []byte(doc)})
	if err != nil {
		t.Fatal(err)
	}
	_, entries := docFiles(t, fs, res.TempDirURI)
	names := map[string]bool{}
	for _, e := range entries {
		names[uri.Name(e.URI)] = true
	}
	for _, want := range []string{"A.md", "B.md", "C.md"} {
		if !names[want] {
			t.Errorf("missing section file %s in %v", want, names)
		}
	}
}

func TestParse_SmallSectionsMerge(t *testing.T) {
	r, fs := testSetup(t)
	// Four tiny sections plus one large one: the tiny ones merge greedily.
	doc := mdSection("A", 100) + mdSection("B", 100) + mdSection("C", 100) + mdSection("D", 1000)
	res, err := r.Parse(context.Background(), Input{Name: "doc", Path: "doc.md", Data: []byte(doc)})
	if err != nil {
		t.Fatal(err)
	}
	_, entries := docFiles(t, fs, res.TempDirURI)
	var files []string
	for _, e := range entries {
		if !e.IsDir {
			files = append(files, uri.Name(e.URI))
		}
	}
	if len(files) >= 4 {
		t.Errorf("small sections should have merged, got %v", files)
	}
}

func TestParse_NoHeadersChunkMerging(t *testing.T) {
	r, fs := testSetup(t)
	paras := make([]string, 40)
	for i := range paras {
		paras[i] = strings.Repeat("para text ", 30)
	}
	doc := strings.Join(paras, "\n\n")
	if CountTokens(doc) <= 1024 {
		t.Fatal("fixture too small")
	}
	res, err := r.Parse(context.Background(), Input{Name: "notes", Path: "notes.txt", Data: []byte(doc)})
	if err != nil {
		t.Fatal(err)
	}
	_, entries := docFiles(t, fs, res.TempDirURI)
	if len(entries) < 2 {
		t.Errorf("headerless oversized doc must chunk into parts, got %d entries", len(entries))
	}
	for _, e := range entries {
		if !e.IsDir {
			data, err := fs.Read(context.Background(), e.URI)
			if err != nil {
				t.Fatal(err)
			}
			if CountTokens(string(data)) > 1024 {
				t.Errorf("chunk %s over budget: %d tokens", e.URI, CountTokens(string(data)))
			}
		}
	}
}

func TestParse_OversizedSectionRecurses(t *testing.T) {
	r, fs := testSetup(t)
	inner := "## Sub1\n" + strings.Repeat("alpha ", 800) + "\n## Sub2\n" + strings.Repeat("beta ", 800)
	doc := mdSection("Small", 600) + "# Big\n" + inner
	res, err := r.Parse(context.Background(), Input{Name: "doc", Path: "doc.md", Data: []byte(doc)})
	if err != nil {
		t.Fatal(err)
	}
	_, entries := docFiles(t, fs, res.TempDirURI)
	foundSubdir := false
	for _, e := range entries {
		if e.IsDir && uri.Name(e.URI) == "Big" {
			foundSubdir = true
		}
	}
	if !foundSubdir {
		t.Errorf("oversized section must become a subdirectory: %+v", entries)
	}
}

func TestParse_EmptyAndTinyInput(t *testing.T) {
	r, fs := testSetup(t)
	// 1-byte input.
	res, err := r.Parse(context.Background(), Input{Name: "tiny", Path: "tiny.txt", Data: []byte("x")})
	if err != nil {
		t.Fatalf("1-byte input: %v", err)
	}
	_, entries := docFiles(t, fs, res.TempDirURI)
	if len(entries) != 1 {
		t.Errorf("tiny input should produce one file, got %d", len(entries))
	}

	// Empty input still produces a (single, empty) document file.
	res, err = r.Parse(context.Background(), Input{Name: "empty", Path: "empty.txt", Data: []byte{}})
	if err != nil {
		t.Fatalf("empty input: %v", err)
	}
	if res.SourceFormat != "text" {
		t.Errorf("empty input format = %s", res.SourceFormat)
	}
}

func TestParse_UnsupportedFormat(t *testing.T) {
	r, _ := testSetup(t)
	_, err := r.Parse(context.Background(), Input{Name: "blob", Path: "blob.bin", Data: []byte{0x00, 0xff, 0x00, 0x01}})
	if !verrors.Is(err, verrors.CodeUnsupportedFormat) {
		t.Fatalf("binary blob should be UNSUPPORTED_FORMAT, got %v", err)
	}
}

func TestParse_HTML(t *testing.T) {
	r, fs := testSetup(t)
	page := `<!DOCTYPE html><html><head><title>Guide</title><script>nope()</script></head>
<body><h1>Intro</h1><p>Hello world.</p><h1>Usage</h1><p>Run it.</p></body></html>`
	res, err := r.Parse(context.Background(), Input{Path: "guide.html", Data: []byte(page)})
	if err != nil {
		t.Fatalf("Parse html: %v", err)
	}
	if res.SourceFormat != "html" {
		t.Errorf("format = %s", res.SourceFormat)
	}
	docDir, _ := docFiles(t, fs, res.TempDirURI)
	data, err := fs.Read(context.Background(), uri.Join(docDir, "guide.md"))
	if err != nil {
		t.Fatalf("converted doc missing: %v", err)
	}
	text := string(data)
	if !strings.Contains(text, "# Intro") || strings.Contains(text, "nope()") {
		t.Errorf("html conversion wrong:\n%s", text)
	}
}

func TestParse_CodeStoredVerbatim(t *testing.T) {
	r, fs := testSetup(t)
	src := []byte("def main():\n    pass\n")
	res, err := r.Parse(context.Background(), Input{Path: "tool.py", Data: src})
	if err != nil {
		t.Fatal(err)
	}
	if res.SourceFormat != "code" {
		t.Errorf("format = %s", res.SourceFormat)
	}
	docDir, _ := docFiles(t, fs, res.TempDirURI)
	data, err := fs.Read(context.Background(), uri.Join(docDir, "tool.py"))
	if err != nil || string(data) != string(src) {
		t.Errorf("code must be stored byte-for-byte: %q %v", data, err)
	}
}

func TestTokenCounter(t *testing.T) {
	cases := []struct {
		in   string
		want int
	}{
		{"", 0},
		{"a", 1},
		{"abcd", 1},
		{"abcde", 2},
		{strings.Repeat("x", 4096), 1024},
		{strings.Repeat("x", 4097), 1025},
	}
	for _, c := range cases {
		if got := CountTokens(c.in); got != c.want {
			t.Errorf("CountTokens(len %d) = %d, want %d", len(c.in), got, c.want)
		}
	}
}

func TestSlug(t *testing.T) {
	cases := []struct{ in, want string }{
		{"Hello World", "Hello-World"},
		{"API v2.0", "API-v2.0"},
		{"  trim  ", "trim"},
		{"///", "document"},
	}
	for _, c := range cases {
		if got := Slug(c.in); got != c.want {
			t.Errorf("Slug(%q) = %q, want %q", c.in, got, c.want)
		}
	}
}
