package uri

import (
	"strings"
	"testing"

	"openviking/internal/verrors"
)

func TestNormalize(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{"viking://resources/doc", "viking://resources/doc"},
		{"viking://resources//doc", "viking://resources/doc"},
		{"viking://resources/./doc/", "viking://resources/doc"},
		{"viking://resources/doc/", "viking://resources/doc"},
		{"viking://", "viking://"},
		{"viking:///", "viking://"},
	}
	for _, c := range cases {
		got, err := Normalize(c.in)
		if err != nil {
			t.Fatalf("Normalize(%q): %v", c.in, err)
		}
		if got != c.want {
			t.Errorf("Normalize(%q) = %q, want %q", c.in, got, c.want)
		}
	}
}

func TestNormalize_Rejects(t *testing.T) {
	bad := []string{
		"http://resources/doc",
		"viking://resources/../etc",
		"resources/doc",
		"viking://a/" + strings.Repeat("x", 256),
	}
	for _, in := range bad {
		if _, err := Normalize(in); err == nil {
			t.Errorf("Normalize(%q) should fail", in)
		} else if !verrors.Is(err, verrors.CodeInvalidArgument) {
			t.Errorf("Normalize(%q) wrong code: %v", in, err)
		}
	}
}

func TestNormalize_TotalLength(t *testing.T) {
	long := "viking://resources/" + strings.Repeat("a/", 1100)
	if _, err := Normalize(long); err == nil {
		t.Error("uri over 2048 bytes should be rejected")
	}
}

func TestParent(t *testing.T) {
	cases := []struct{ in, want string }{
		{"viking://resources/doc/a.md", "viking://resources/doc"},
		{"viking://resources/doc", "viking://resources"},
		{"viking://resources", "viking://"},
		{"viking://", "viking://"},
	}
	for _, c := range cases {
		if got := Parent(c.in); got != c.want {
			t.Errorf("Parent(%q) = %q, want %q", c.in, got, c.want)
		}
	}
}

func TestJoinAndName(t *testing.T) {
	if got := Join("viking://resources", "doc", "a.md"); got != "viking://resources/doc/a.md" {
		t.Errorf("Join = %q", got)
	}
	if got := Join(TempRoot, "id/"); got != "viking://temp/id" {
		t.Errorf("Join trailing slash = %q", got)
	}
	if Name("viking://resources/doc/a.md") != "a.md" {
		t.Error("Name leaf")
	}
	if Name(Scheme) != "" {
		t.Error("Name of root should be empty")
	}
}

func TestHasPrefix(t *testing.T) {
	if !HasPrefix("viking://resources/doc", "viking://resources") {
		t.Error("child should match prefix")
	}
	if !HasPrefix("viking://resources", "viking://resources") {
		t.Error("self should match prefix")
	}
	if HasPrefix("viking://resourcesX", "viking://resources") {
		t.Error("sibling with shared name prefix must not match")
	}
	if !HasPrefix("viking://resources/doc", "viking://") {
		t.Error("scheme root matches everything")
	}
}

func TestIsHidden(t *testing.T) {
	if !IsHidden("viking://resources/doc/.abstract.md") {
		t.Error("dot files are hidden")
	}
	if IsHidden("viking://resources/doc/a.md") {
		t.Error("plain files are not hidden")
	}
}

func TestBaseFor(t *testing.T) {
	base, kind, err := BaseFor(ScopeKindUser)
	if err != nil || base != MemoriesRoot || kind != KindMemory {
		t.Fatalf("BaseFor(user) = %q %q %v", base, kind, err)
	}
	if _, _, err := BaseFor(Scope("nope")); !verrors.Is(err, verrors.CodeInvalidArgument) {
		t.Errorf("unknown scope should be INVALID_ARGUMENT, got %v", err)
	}
}

func TestMemoryCategory(t *testing.T) {
	cases := []struct{ in, want string }{
		{"viking://user/memories/session-1/facts/berlin.md", "facts"},
		{"viking://user/memories/session-1/events/a.md", "events"},
		{"viking://user/memories/session-1", ""},
		{"viking://resources/doc/a.md", ""},
	}
	for _, c := range cases {
		if got := MemoryCategory(c.in); got != c.want {
			t.Errorf("MemoryCategory(%q) = %q, want %q", c.in, got, c.want)
		}
	}
}

func TestValidate(t *testing.T) {
	for _, ok := range []string{"viking://resources/x", "viking://temp/u1", "viking://.system/queues"} {
		if err := Validate(ok); err != nil {
			t.Errorf("Validate(%q): %v", ok, err)
		}
	}
	if err := Validate("viking://bogus/x"); !verrors.Is(err, verrors.CodeInvalidArgument) {
		t.Errorf("unknown root should be rejected, got %v", err)
	}
}
