// Package skill loads named instruction bundles from the filesystem and
// renders them into an agent's system prompt. A skill is a directory holding
// a SKILL.md file: YAML frontmatter (name, description) followed by the
// markdown instruction body.
package skill

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

const skillFile = "SKILL.md"

// Skill is one named instruction bundle.
type Skill struct {
	Name        string `yaml:"name"`
	Description string `yaml:"description"`

	// Instructions is the markdown body below the frontmatter.
	Instructions string `yaml:"-"`
	// Dir is the directory the skill was loaded from.
	Dir string `yaml:"-"`
}

// Skills aggregates loaded skills by name. Loading the same name again
// replaces the earlier definition, so later load locations win.
type Skills struct {
	byName map[string]Skill
}

// New creates an empty aggregate.
func New() *Skills {
	return &Skills{byName: make(map[string]Skill)}
}

// Add registers a skill, replacing any earlier skill with the same name.
func (s *Skills) Add(sk Skill) {
	s.byName[sk.Name] = sk
}

// LoadDir loads every immediate subdirectory of dir that contains a valid
// SKILL.md. Subdirectories without one are skipped silently; a present but
// malformed SKILL.md is an error.
func (s *Skills) LoadDir(dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return fmt.Errorf("read skills dir %s: %w", dir, err)
	}

	for _, entry := range entries {
		if !entry.IsDir() || strings.HasPrefix(entry.Name(), ".") {
			continue
		}

		path := filepath.Join(dir, entry.Name(), skillFile)
		data, err := os.ReadFile(path)
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return fmt.Errorf("read %s: %w", path, err)
		}

		sk, err := Parse(string(data))
		if err != nil {
			return fmt.Errorf("parse %s: %w", path, err)
		}
		if sk.Name == "" {
			sk.Name = entry.Name()
		}
		sk.Dir = filepath.Dir(path)
		s.Add(sk)
	}

	return nil
}

// List returns the loaded skills sorted by name.
func (s *Skills) List() []Skill {
	result := make([]Skill, 0, len(s.byName))
	for _, sk := range s.byName {
		result = append(result, sk)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Name < result[j].Name })
	return result
}

// Get returns a skill by name.
func (s *Skills) Get(name string) (Skill, bool) {
	sk, ok := s.byName[name]
	return sk, ok
}

// Prompt renders all loaded skills as a system-prompt section. Returns the
// empty string when no skills are loaded.
func (s *Skills) Prompt() string {
	skills := s.List()
	if len(skills) == 0 {
		return ""
	}

	var sb strings.Builder
	sb.WriteString("The following skills provide specialized instructions for specific tasks.\n")
	sb.WriteString("Apply a skill's instructions when the user's request matches its description.\n")
	sb.WriteString("\n<skills>\n")
	for _, sk := range skills {
		sb.WriteString("<skill>\n")
		fmt.Fprintf(&sb, "<name>%s</name>\n", sk.Name)
		if sk.Description != "" {
			fmt.Fprintf(&sb, "<description>%s</description>\n", sk.Description)
		}
		fmt.Fprintf(&sb, "<instructions>\n%s\n</instructions>\n", strings.TrimSpace(sk.Instructions))
		sb.WriteString("</skill>\n")
	}
	sb.WriteString("</skills>")

	return sb.String()
}

// Parse decodes a SKILL.md document: a YAML frontmatter block delimited by
// "---" lines followed by the markdown instruction body.
func Parse(content string) (Skill, error) {
	content = strings.ReplaceAll(content, "\r\n", "\n")

	if !strings.HasPrefix(content, "---\n") {
		return Skill{}, fmt.Errorf("missing frontmatter")
	}

	rest := content[4:]
	end := strings.Index(rest, "\n---")
	if end == -1 {
		return Skill{}, fmt.Errorf("unterminated frontmatter")
	}

	var sk Skill
	if err := yaml.Unmarshal([]byte(rest[:end]), &sk); err != nil {
		return Skill{}, fmt.Errorf("invalid frontmatter: %w", err)
	}

	body := rest[end+4:]
	if i := strings.Index(body, "\n"); i >= 0 {
		body = body[i+1:]
	} else {
		body = ""
	}
	sk.Instructions = strings.TrimSpace(body)

	if sk.Description == "" {
		return Skill{}, fmt.Errorf("skill description is required")
	}

	return sk, nil
}
