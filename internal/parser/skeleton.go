package parser

import (
	"context"
	"fmt"
	"strings"

	sitter "github.com/smacker/go-tree-sitter"
	"github.com/smacker/go-tree-sitter/c"
	"github.com/smacker/go-tree-sitter/cpp"
	"github.com/smacker/go-tree-sitter/golang"
	"github.com/smacker/go-tree-sitter/java"
	"github.com/smacker/go-tree-sitter/javascript"
	"github.com/smacker/go-tree-sitter/python"
	"github.com/smacker/go-tree-sitter/rust"
	"github.com/smacker/go-tree-sitter/typescript/typescript"

	"openviking/internal/logging"
	"openviking/internal/verrors"
)

// =============================================================================
// AST SKELETON EXTRACTION
// =============================================================================

// langSpec describes how to read one language's tree-sitter grammar.
type langSpec struct {
	language *sitter.Language

	imports map[string]bool // import/include node types
	types   map[string]bool // class/struct/interface node types
	funcs   map[string]bool // function node types
	wrapper map[string]bool // nodes to unwrap (decorators, impl blocks)
}

func set(names ...string) map[string]bool {
	m := make(map[string]bool, len(names))
	for _, n := range names {
		m[n] = true
	}
	return m
}

var langSpecs = map[string]*langSpec{
	"python": {
		language: python.GetLanguage(),
		imports:  set("import_statement", "import_from_statement"),
		types:    set("class_definition"),
		funcs:    set("function_definition"),
		wrapper:  set("decorated_definition"),
	},
	"go": {
		language: golang.GetLanguage(),
		imports:  set("import_declaration"),
		types:    set("type_declaration"),
		funcs:    set("function_declaration", "method_declaration"),
	},
	"javascript": {
		language: javascript.GetLanguage(),
		imports:  set("import_statement"),
		types:    set("class_declaration"),
		funcs:    set("function_declaration", "method_definition", "generator_function_declaration"),
		wrapper:  set("export_statement"),
	},
	"typescript": {
		language: typescript.GetLanguage(),
		imports:  set("import_statement"),
		types:    set("class_declaration", "interface_declaration", "type_alias_declaration", "enum_declaration"),
		funcs:    set("function_declaration", "method_definition", "function_signature", "method_signature"),
		wrapper:  set("export_statement"),
	},
	"rust": {
		language: rust.GetLanguage(),
		imports:  set("use_declaration"),
		types:    set("struct_item", "enum_item", "trait_item"),
		funcs:    set("function_item"),
		wrapper:  set("impl_item"),
	},
	"java": {
		language: java.GetLanguage(),
		imports:  set("import_declaration"),
		types:    set("class_declaration", "interface_declaration", "enum_declaration"),
		funcs:    set("method_declaration", "constructor_declaration"),
	},
	"c": {
		language: c.GetLanguage(),
		imports:  set("preproc_include"),
		types:    set("struct_specifier", "enum_specifier", "type_definition"),
		funcs:    set("function_definition"),
	},
	"cpp": {
		language: cpp.GetLanguage(),
		imports:  set("preproc_include"),
		types:    set("class_specifier", "struct_specifier", "enum_specifier", "type_definition"),
		funcs:    set("function_definition", "template_declaration"),
	},
}

// SkeletonSupported reports whether a filename's language has a grammar.
func SkeletonSupported(name string) bool {
	lang := LanguageForFile(name)
	_, ok := langSpecs[lang]
	return ok
}

// ExtractSkeleton produces a structural skeleton of a source file: module
// docstring first line, imports, type declarations with method signatures
// and first-line docstrings, and top-level function signatures.
//
// An unsupported language or a parse failure returns an error; an empty
// skeleton (no symbols found) is also an error, so callers can fall back to
// LLM summarisation.
func ExtractSkeleton(ctx context.Context, fileName string, content []byte) (string, error) {
	timer := logging.StartTimer(logging.CategoryParser, "ExtractSkeleton")
	defer timer.Stop()

	lang := LanguageForFile(fileName)
	spec, ok := langSpecs[lang]
	if !ok {
		return "", verrors.Errorf(verrors.CodeUnsupportedFormat, "no skeleton grammar for %s", fileName)
	}

	p := sitter.NewParser()
	defer p.Close()
	p.SetLanguage(spec.language)

	tree, err := p.ParseCtx(ctx, nil, content)
	if err != nil {
		return "", verrors.Wrapf(err, verrors.CodeDependencyError, "skeleton parse failed for %s", fileName)
	}
	defer tree.Close()

	w := &skeletonWriter{src: content, spec: spec}
	root := tree.RootNode()

	if lang == "python" {
		if doc := pythonModuleDoc(root, content); doc != "" {
			w.lines = append(w.lines, doc, "")
		}
	}
	w.walkTopLevel(root, 0)

	if w.symbols == 0 {
		return "", verrors.Errorf(verrors.CodeUnsupportedFormat, "empty skeleton for %s", fileName)
	}

	header := fmt.Sprintf("# %s (%s, %d symbols)", fileName, lang, w.symbols)
	out := header + "\n" + strings.Join(w.lines, "\n")
	logging.ParserDebug("skeleton for %s: %d symbols", fileName, w.symbols)
	return strings.TrimRight(out, "\n") + "\n", nil
}

type skeletonWriter struct {
	src     []byte
	spec    *langSpec
	lines   []string
	symbols int
}

func (w *skeletonWriter) walkTopLevel(node *sitter.Node, depth int) {
	for i := 0; i < int(node.NamedChildCount()); i++ {
		child := node.NamedChild(i)
		w.emit(child, depth)
	}
}

func (w *skeletonWriter) emit(node *sitter.Node, depth int) {
	t := node.Type()
	indent := strings.Repeat("  ", depth)

	switch {
	case w.spec.wrapper[t]:
		// Decorators, export statements, impl blocks: emit the header line,
		// then descend for the wrapped declaration or methods.
		if t == "impl_item" {
			w.lines = append(w.lines, indent+signature(node, w.src))
			w.symbols++
			if body := node.ChildByFieldName("body"); body != nil {
				w.walkTopLevel(body, depth+1)
			}
			return
		}
		w.walkTopLevel(node, depth)

	case w.spec.imports[t]:
		w.lines = append(w.lines, indent+firstLine(node.Content(w.src)))
		w.symbols++

	case w.spec.types[t]:
		w.lines = append(w.lines, indent+signature(node, w.src))
		w.symbols++
		if doc := bodyDocstring(node, w.src); doc != "" {
			w.lines = append(w.lines, indent+"  "+doc)
		}
		if body := node.ChildByFieldName("body"); body != nil {
			w.walkTopLevel(body, depth+1)
		}

	case w.spec.funcs[t]:
		w.lines = append(w.lines, indent+signature(node, w.src))
		w.symbols++
		if doc := bodyDocstring(node, w.src); doc != "" {
			w.lines = append(w.lines, indent+"  "+doc)
		}
	}
}

// signature returns the declaration text up to the body start.
func signature(node *sitter.Node, src []byte) string {
	if body := node.ChildByFieldName("body"); body != nil && body.StartByte() > node.StartByte() {
		sig := string(src[node.StartByte():body.StartByte()])
		sig = strings.TrimRight(strings.TrimSpace(sig), "{:")
		return strings.Join(strings.Fields(sig), " ")
	}
	return firstLine(node.Content(src))
}

// bodyDocstring extracts the first line of a leading string literal inside
// the node body (Python-style docstrings).
func bodyDocstring(node *sitter.Node, src []byte) string {
	body := node.ChildByFieldName("body")
	if body == nil || body.NamedChildCount() == 0 {
		return ""
	}
	first := body.NamedChild(0)
	if first.Type() != "expression_statement" || first.NamedChildCount() == 0 {
		return ""
	}
	lit := first.NamedChild(0)
	if lit.Type() != "string" {
		return ""
	}
	return docFirstLine(lit.Content(src))
}

// pythonModuleDoc extracts the first line of a module-level docstring.
func pythonModuleDoc(root *sitter.Node, src []byte) string {
	if root.NamedChildCount() == 0 {
		return ""
	}
	first := root.NamedChild(0)
	if first.Type() != "expression_statement" || first.NamedChildCount() == 0 {
		return ""
	}
	lit := first.NamedChild(0)
	if lit.Type() != "string" {
		return ""
	}
	return docFirstLine(lit.Content(src))
}

func docFirstLine(s string) string {
	s = strings.Trim(s, "\"' \n\r\t")
	return firstLine(s)
}

func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i]
	}
	return strings.TrimSpace(s)
}
