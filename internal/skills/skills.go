// Package skills loads the local skill library and builds the auto-routing
// prompt block that lets the agent pick a skill for the incoming request.
package skills

import (
	"bufio"
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// SkillFilename is the expected definition file inside each skill directory.
const SkillFilename = "SKILL.md"

const frontmatterDelimiter = "---"

// Skill is one loaded skill definition.
type Skill struct {
	ID          string `yaml:"-"`
	Name        string `yaml:"name"`
	Description string `yaml:"description"`
	Content     string `yaml:"-"`
	Path        string `yaml:"-"`
}

// ParseSkillFile parses one SKILL.md. The skill id is its directory name.
func ParseSkillFile(path string) (*Skill, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read skill: %w", err)
	}

	front, body, err := splitFrontmatter(data)
	if err != nil {
		return nil, fmt.Errorf("skill %s: %w", path, err)
	}

	var s Skill
	if err := yaml.Unmarshal(front, &s); err != nil {
		return nil, fmt.Errorf("skill %s frontmatter: %w", path, err)
	}
	if s.Name == "" {
		return nil, fmt.Errorf("skill %s: name is required", path)
	}
	if s.Description == "" {
		return nil, fmt.Errorf("skill %s: description is required", path)
	}

	s.ID = filepath.Base(filepath.Dir(path))
	s.Content = strings.TrimSpace(string(body))
	s.Path = filepath.Dir(path)
	return &s, nil
}

func splitFrontmatter(data []byte) ([]byte, []byte, error) {
	sc := bufio.NewScanner(bytes.NewReader(data))
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	if !sc.Scan() || strings.TrimSpace(sc.Text()) != frontmatterDelimiter {
		return nil, nil, fmt.Errorf("missing opening frontmatter delimiter")
	}

	var front []string
	closed := false
	for sc.Scan() {
		line := sc.Text()
		if strings.TrimSpace(line) == frontmatterDelimiter {
			closed = true
			break
		}
		front = append(front, line)
	}
	if !closed {
		return nil, nil, fmt.Errorf("missing closing frontmatter delimiter")
	}

	var body []string
	for sc.Scan() {
		body = append(body, sc.Text())
	}
	return []byte(strings.Join(front, "\n")), []byte(strings.Join(body, "\n")), sc.Err()
}

// scanDir loads every <dir>/<skill>/SKILL.md. Unparseable skills are
// skipped, not fatal.
func scanDir(dir string) (map[string]*Skill, []error) {
	out := make(map[string]*Skill)
	var errs []error

	entries, err := os.ReadDir(dir)
	if err != nil {
		return out, []error{err}
	}
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		path := filepath.Join(dir, e.Name(), SkillFilename)
		if _, err := os.Stat(path); err != nil {
			continue
		}
		s, err := ParseSkillFile(path)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		out[s.ID] = s
	}
	return out, errs
}

// RoutingBlock renders the auto-routing prompt section for a skill set.
// Empty when no skills are loaded.
func RoutingBlock(skills []*Skill) string {
	if len(skills) == 0 {
		return ""
	}
	sorted := make([]*Skill, len(skills))
	copy(sorted, skills)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].ID < sorted[j].ID })

	var b strings.Builder
	b.WriteString("# Available Skills\n\n")
	b.WriteString("When a request matches a skill below, read its SKILL.md and follow it.\n\n")
	for _, s := range sorted {
		fmt.Fprintf(&b, "- %s (%s): %s\n", s.Name, filepath.Join(s.Path, SkillFilename), s.Description)
	}
	return b.String()
}
