package skills

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func writeSkill(t *testing.T, dir, id, content string) string {
	t.Helper()
	skillDir := filepath.Join(dir, id)
	if err := os.MkdirAll(skillDir, 0755); err != nil {
		t.Fatal(err)
	}
	path := filepath.Join(skillDir, SkillFilename)
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestParseSkillFile(t *testing.T) {
	dir := t.TempDir()
	path := writeSkill(t, dir, "chart-maker", `---
name: Chart Maker
description: Renders data files into chart images.
---

# Chart Maker

Run the plotting script and emit a [media:...] marker.
`)

	s, err := ParseSkillFile(path)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if s.ID != "chart-maker" {
		t.Errorf("ID = %q, want directory name", s.ID)
	}
	if s.Name != "Chart Maker" || s.Description != "Renders data files into chart images." {
		t.Errorf("frontmatter = %q / %q", s.Name, s.Description)
	}
	if !strings.HasPrefix(s.Content, "# Chart Maker") {
		t.Errorf("body = %q", s.Content)
	}
	if s.Path != filepath.Dir(path) {
		t.Errorf("Path = %q, want %q", s.Path, filepath.Dir(path))
	}
}

func TestParseSkillFile_Invalid(t *testing.T) {
	dir := t.TempDir()
	tests := []struct {
		name    string
		content string
	}{
		{"no frontmatter", "# Just markdown\n"},
		{"unclosed frontmatter", "---\nname: X\ndescription: Y\n"},
		{"missing name", "---\ndescription: Y\n---\nbody\n"},
		{"missing description", "---\nname: X\n---\nbody\n"},
		{"bad yaml", "---\nname: [unclosed\n---\nbody\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := writeSkill(t, dir, strings.ReplaceAll(tt.name, " ", "-"), tt.content)
			if _, err := ParseSkillFile(path); err == nil {
				t.Error("expected parse error")
			}
		})
	}
}

func TestLoader_LoadSkipsBroken(t *testing.T) {
	dir := t.TempDir()
	writeSkill(t, dir, "good", "---\nname: Good\ndescription: Works.\n---\nbody\n")
	writeSkill(t, dir, "broken", "no frontmatter here\n")
	// Directories without SKILL.md are ignored outright.
	if err := os.MkdirAll(filepath.Join(dir, "empty"), 0755); err != nil {
		t.Fatal(err)
	}

	l := NewLoader(dir, discardLogger())
	l.Load()

	if got := len(l.List()); got != 1 {
		t.Fatalf("loaded %d skills, want 1", got)
	}
	if _, ok := l.Get("good"); !ok {
		t.Error("skill 'good' missing")
	}
	if _, ok := l.Get("broken"); ok {
		t.Error("broken skill should be skipped")
	}
}

func TestRoutingBlock(t *testing.T) {
	skills := []*Skill{
		{ID: "b-skill", Name: "Beta", Description: "Second.", Path: "/lib/b-skill"},
		{ID: "a-skill", Name: "Alpha", Description: "First.", Path: "/lib/a-skill"},
	}

	block := RoutingBlock(skills)
	if !strings.HasPrefix(block, "# Available Skills") {
		t.Errorf("block = %q", block)
	}
	// Listed in id order regardless of input order.
	alphaAt := strings.Index(block, "Alpha")
	betaAt := strings.Index(block, "Beta")
	if alphaAt < 0 || betaAt < 0 || alphaAt > betaAt {
		t.Errorf("skills out of order:\n%s", block)
	}
	if !strings.Contains(block, filepath.Join("/lib/a-skill", SkillFilename)) {
		t.Errorf("expected skill file path in block:\n%s", block)
	}
}

func TestRoutingBlock_Empty(t *testing.T) {
	if got := RoutingBlock(nil); got != "" {
		t.Errorf("empty skill set should produce no block, got %q", got)
	}
	l := NewLoader("", discardLogger())
	if got := l.RoutingBlock(); got != "" {
		t.Errorf("empty loader should produce no block, got %q", got)
	}
}
