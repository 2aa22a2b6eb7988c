package parser

import (
	"context"
	"strings"
	"testing"

	"openviking/internal/verrors"
)

func pythonFixture(lines int) string {
	var b strings.Builder
	b.WriteString(`"""Inventory service helpers.

Longer description that should not appear in the skeleton.
"""
import os
from typing import Optional


class Inventory(BaseStore):
    """Tracks stock levels per SKU."""

    def add(self, sku, count):
        """Add stock for a SKU."""
        self.items[sku] = self.items.get(sku, 0) + count

    def remove(self, sku, count):
        self.items[sku] -= count


def load_inventory(path):
    """Load inventory state from disk."""
    return Inventory(path)
`)
	for b.Len() > 0 && strings.Count(b.String(), "\n") < lines {
		b.WriteString("\n# filler\n")
	}
	return b.String()
}

func TestExtractSkeleton_Python(t *testing.T) {
	src := pythonFixture(120)
	skel, err := ExtractSkeleton(context.Background(), "inventory.py", []byte(src))
	if err != nil {
		t.Fatalf("ExtractSkeleton: %v", err)
	}

	for _, want := range []string{
		"Inventory service helpers.",
		"import os",
		"from typing import Optional",
		"class Inventory(BaseStore)",
		"def add(self, sku, count)",
		"def remove(self, sku, count)",
		"def load_inventory(path)",
		"Tracks stock levels per SKU.",
	} {
		if !strings.Contains(skel, want) {
			t.Errorf("skeleton missing %q:\n%s", want, skel)
		}
	}
	if strings.Contains(skel, "self.items[sku]") {
		t.Error("skeleton must not contain function bodies")
	}
	if strings.Contains(skel, "Longer description") {
		t.Error("module docstring must be first line only")
	}
}

func TestExtractSkeleton_Go(t *testing.T) {
	src := `package stock

import "fmt"

type Depot struct {
	items map[string]int
}

func (d *Depot) Add(sku string, n int) error {
	d.items[sku] += n
	return nil
}

func Open(path string) (*Depot, error) {
	return &Depot{items: map[string]int{}}, nil
}
`
	skel, err := ExtractSkeleton(context.Background(), "stock.go", []byte(src))
	if err != nil {
		t.Fatalf("ExtractSkeleton: %v", err)
	}
	for _, want := range []string{`import "fmt"`, "type Depot struct", "func (d *Depot) Add(sku string, n int) error", "func Open(path string) (*Depot, error)"} {
		if !strings.Contains(skel, want) {
			t.Errorf("skeleton missing %q:\n%s", want, skel)
		}
	}
	if strings.Contains(skel, "d.items[sku] += n") {
		t.Error("skeleton must not contain bodies")
	}
}

func TestExtractSkeleton_UnsupportedLanguage(t *testing.T) {
	_, err := ExtractSkeleton(context.Background(), "query.sql", []byte("SELECT 1;"))
	if !verrors.Is(err, verrors.CodeUnsupportedFormat) {
		t.Errorf("unsupported language should be UNSUPPORTED_FORMAT, got %v", err)
	}
}

func TestExtractSkeleton_EmptySkeletonErrors(t *testing.T) {
	_, err := ExtractSkeleton(context.Background(), "empty.py", []byte("# only a comment\n"))
	if !verrors.Is(err, verrors.CodeUnsupportedFormat) {
		t.Errorf("empty skeleton should error for LLM fallback, got %v", err)
	}
}

func TestSkeletonSupported(t *testing.T) {
	for _, name := range []string{"a.py", "b.go", "c.ts", "d.rs", "e.java", "f.c", "g.cpp", "h.js"} {
		if !SkeletonSupported(name) {
			t.Errorf("%s should be supported", name)
		}
	}
	if SkeletonSupported("x.sql") {
		t.Error("sql should be unsupported")
	}
}

func TestLineCount(t *testing.T) {
	cases := []struct {
		in   string
		want int
	}{
		{"", 0},
		{"one", 1},
		{"one\n", 1},
		{"one\ntwo", 2},
		{strings.Repeat("l\n", 99), 99},
		{strings.Repeat("l\n", 100), 100},
	}
	for _, c := range cases {
		if got := LineCount([]byte(c.in)); got != c.want {
			t.Errorf("LineCount(%q...) = %d, want %d", c.in[:min(8, len(c.in))], got, c.want)
		}
	}
}

func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}
