package filewatch

import (
	"errors"
	"reflect"
	"strings"
	"testing"
)

func TestWatchPaths(t *testing.T) {
	cases := []struct {
		glob string
		want []string
	}{
		{"foo/**", []string{"foo"}},
		{"foo/{a,b}", []string{"foo/a", "foo/b"}},
		{"foo/*/bar", []string{"foo"}},
		{"foo/[a-d]/bar", []string{"foo"}},
		{"foo/a?/bar", []string{"foo"}},
		{"foo/ab?/bar", []string{"foo/a", "foo/ab"}},
		{"foo/ab?c?", []string{"foo/a", "foo/ab", "foo/abc"}},
		{"foo/bar/baz", []string{"foo/bar/baz"}},
		{"foo/?", []string{"foo"}},
	}
	for _, tc := range cases {
		got := WatchPaths(tc.glob)
		if !reflect.DeepEqual(got, tc.want) {
			t.Errorf("WatchPaths(%q) = %v, want %v", tc.glob, got, tc.want)
		}
	}
}

func TestCompileGlob_Matching(t *testing.T) {
	cases := []struct {
		glob  string
		path  string
		match bool
	}{
		{"src/**/*.go", "src/a/b/c.go", true},
		{"src/**/*.go", "src/c.go", true},
		{"src/**/*.go", "lib/c.go", false},
		{"src/*.go", "src/a/c.go", false},
		{"a?c", "abc", true},
		{"a?c", "a/c", false},
		{"{a,b}/x", "a/x", true},
		{"{a,b}/x", "b/x", true},
		{"{a,b}/x", "c/x", false},
		{"[a-c]x", "bx", true},
		{"[a-c]x", "dx", false},
		{"**", "any/depth/at/all", true},
	}
	for _, tc := range cases {
		re, err := CompileGlob(tc.glob)
		if err != nil {
			t.Fatalf("CompileGlob(%q): %v", tc.glob, err)
		}
		if got := re.MatchString(tc.path); got != tc.match {
			t.Errorf("CompileGlob(%q).Match(%q) = %v, want %v", tc.glob, tc.path, got, tc.match)
		}
	}
}

func TestCompileGlob_OversizedProgram(t *testing.T) {
	glob := strings.Repeat("a", maxProgramSize+1)
	_, err := CompileGlob(glob)
	if !errors.Is(err, ErrOversizedProgram) {
		t.Fatalf("expected ErrOversizedProgram, got %v", err)
	}
	var oversized *OversizedProgramError
	if !errors.As(err, &oversized) {
		t.Fatalf("expected *OversizedProgramError, got %T", err)
	}
	if oversized.Max != maxProgramSize {
		t.Errorf("unexpected limit %d", oversized.Max)
	}
}

func TestGlobSet_IncludeExclude(t *testing.T) {
	gs, err := NewGlobSet([]string{"src/**/*.go"}, []string{"src/**/*_test.go"})
	if err != nil {
		t.Fatalf("NewGlobSet: %v", err)
	}
	if !gs.Match("src/a/b.go") {
		t.Errorf("expected src/a/b.go to match")
	}
	if gs.Match("src/a/b_test.go") {
		t.Errorf("expected src/a/b_test.go to be excluded")
	}
	if gs.Match("docs/readme.md") {
		t.Errorf("expected docs/readme.md not to match")
	}
}

func TestGlobSet_EmptyIncludesMatchNothing(t *testing.T) {
	gs, err := NewGlobSet(nil, nil)
	if err != nil {
		t.Fatalf("NewGlobSet: %v", err)
	}
	if gs.Match("anything") {
		t.Errorf("empty include set must match nothing")
	}
}
