// Package parser converts supported inputs into canonical scratch trees
// under viking://temp/<uuid>/. The registry selects a parser by file
// extension, URL scheme and magic-byte sniff; every parser emits exactly one
// top-level document directory inside its scratch root.
package parser

import (
	"context"

	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"openviking/internal/agfs"
	"openviking/internal/config"
	"openviking/internal/logging"
	"openviking/internal/uri"
	"openviking/internal/verrors"
)

// Input describes one thing to ingest. Data may be pre-loaded; otherwise it
// is read from Path (local file or http(s) URL).
type Input struct {
	// Path is a local filesystem path or URL. Optional when Data is set.
	Path string

	// Name overrides the document root name derived from Path.
	Name string

	// Data is the raw content. Loaded from Path when nil.
	Data []byte

	// MIME is the declared content type, when known.
	MIME string
}

// ParseResult is the uniform output of every parser.
type ParseResult struct {
	TempDirURI      string                 `json:"temp_dir_uri"`
	SourceFormat    string                 `json:"source_format"`
	ParserName      string                 `json:"parser_name"`
	ParseDurationMS int64                  `json:"parse_duration_ms"`
	Meta            map[string]interface{} `json:"meta,omitempty"`
}

// Parser is the capability every format implementation provides.
type Parser interface {
	// Name identifies the parser in results and logs.
	Name() string

	// CanHandle inspects path, declared mime and a content head.
	CanHandle(path, mime string, head []byte) bool

	// Parse writes the scratch tree and returns its descriptor.
	Parse(ctx context.Context, in Input, scratchRoot string) (*ParseResult, error)
}

// Registry dispatches inputs to parsers in configuration order.
type Registry struct {
	fs      *agfs.FS
	cfg     config.ParserConfig
	parsers []Parser
	client  *http.Client
}

// NewRegistry creates a registry with the standard parser set: markdown,
// html, code, plain text. Order matters; first CanHandle wins.
func NewRegistry(fs *agfs.FS, cfg config.ParserConfig) *Registry {
	r := &Registry{
		fs:     fs,
		cfg:    cfg,
		client: &http.Client{Timeout: 60 * time.Second},
	}
	r.parsers = []Parser{
		newMarkdownParser(fs, cfg),
		newHTMLParser(fs, cfg),
		newCodeParser(fs, cfg),
		newTextParser(fs, cfg),
	}
	return r
}

// Register appends a custom parser (consulted after the standard set).
func (r *Registry) Register(p Parser) {
	r.parsers = append(r.parsers, p)
}

// Parse loads the input if needed, picks a parser and produces the scratch
// tree. The caller owns the returned temp root until it is handed to the
// tree builder.
func (r *Registry) Parse(ctx context.Context, in Input) (*ParseResult, error) {
	timer := logging.StartTimer(logging.CategoryParser, "Parse")
	defer timer.Stop()
	start := time.Now()

	if in.Data == nil {
		if in.Path == "" {
			return nil, verrors.New(verrors.CodeInvalidArgument, "input requires a path, url or raw data")
		}
		data, mime, err := r.load(ctx, in.Path)
		if err != nil {
			return nil, err
		}
		in.Data = data
		if in.MIME == "" {
			in.MIME = mime
		}
	}
	if in.Name == "" {
		in.Name = docNameFromPath(in.Path)
	}

	head := in.Data
	if len(head) > 512 {
		head = head[:512]
	}

	scratchRoot := uri.Join(uri.TempRoot, uuid.NewString())
	for _, p := range r.parsers {
		if !p.CanHandle(in.Path, in.MIME, head) {
			continue
		}
		if err := r.fs.Mkdir(ctx, scratchRoot); err != nil {
			return nil, err
		}
		res, err := p.Parse(ctx, in, scratchRoot)
		if err != nil {
			// The scratch tree is ours until handoff; clean up on failure.
			_ = r.fs.Delete(ctx, scratchRoot, agfs.DeleteOptions{Recursive: true})
			return nil, err
		}
		res.ParseDurationMS = time.Since(start).Milliseconds()
		logging.Parser("parsed %q with %s in %dms", in.Name, res.ParserName, res.ParseDurationMS)
		return res, nil
	}

	return nil, verrors.Errorf(verrors.CodeUnsupportedFormat, "no parser matches input %q (mime %q)", in.Path, in.MIME)
}

// load reads a local path or fetches a URL.
func (r *Registry) load(ctx context.Context, path string) (data []byte, mime string, err error) {
	if strings.HasPrefix(path, "http://") || strings.HasPrefix(path, "https://") {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, path, nil)
		if err != nil {
			return nil, "", verrors.Wrap(err, verrors.CodeInvalidArgument, "bad url")
		}
		resp, err := r.client.Do(req)
		if err != nil {
			return nil, "", verrors.Wrapf(err, verrors.CodeDependencyError, "fetch %s", path)
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			return nil, "", verrors.Errorf(verrors.CodeDependencyError, "fetch %s: status %d", path, resp.StatusCode)
		}
		body, err := io.ReadAll(resp.Body)
		if err != nil {
			return nil, "", verrors.Wrapf(err, verrors.CodeDependencyError, "read %s", path)
		}
		ct := resp.Header.Get("Content-Type")
		if i := strings.IndexByte(ct, ';'); i >= 0 {
			ct = ct[:i]
		}
		return body, ct, nil
	}

	body, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, "", verrors.Errorf(verrors.CodeNotFound, "no such input: %s", path)
		}
		return nil, "", verrors.Wrapf(err, verrors.CodeDependencyError, "read %s", path)
	}
	return body, "", nil
}

// docNameFromPath derives the document root name: file stem, sanitised into
// a URI-safe segment.
func docNameFromPath(path string) string {
	if path == "" {
		return "document"
	}
	base := filepath.Base(path)
	if strings.HasPrefix(path, "http://") || strings.HasPrefix(path, "https://") {
		trimmed := strings.TrimRight(path, "/")
		if i := strings.LastIndexByte(trimmed, '/'); i >= 0 {
			base = trimmed[i+1:]
		}
	}
	if i := strings.LastIndexByte(base, '.'); i > 0 {
		base = base[:i]
	}
	return Slug(base)
}

// Slug sanitises arbitrary text into a URI segment.
func Slug(s string) string {
	var b strings.Builder
	lastDash := true
	for _, r := range strings.TrimSpace(s) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r >= 'A' && r <= 'Z':
			b.WriteRune(r)
			lastDash = false
		case r == '-', r == '_', r == '.':
			b.WriteRune(r)
			lastDash = false
		default:
			if !lastDash {
				b.WriteByte('-')
				lastDash = true
			}
		}
	}
	out := strings.Trim(b.String(), "-.")
	if out == "" {
		return "document"
	}
	if len(out) > 100 {
		out = out[:100]
	}
	return out
}

