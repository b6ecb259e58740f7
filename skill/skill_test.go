package skill

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const validSkill = `---
name: code-review
description: Review code changes for correctness and style.
---

# Code Review

Read the diff carefully and comment on correctness first.
`

func writeSkill(t *testing.T, root, dir, content string) {
	t.Helper()
	skillDir := filepath.Join(root, dir)
	require.NoError(t, os.MkdirAll(skillDir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(skillDir, "SKILL.md"), []byte(content), 0o644))
}

func TestParse(t *testing.T) {
	sk, err := Parse(validSkill)
	require.NoError(t, err)

	assert.Equal(t, "code-review", sk.Name)
	assert.Equal(t, "Review code changes for correctness and style.", sk.Description)
	assert.Contains(t, sk.Instructions, "# Code Review")
	assert.Contains(t, sk.Instructions, "correctness first")
}

func TestParseErrors(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{"missing frontmatter", "# Just markdown\n"},
		{"unterminated frontmatter", "---\nname: x\n"},
		{"invalid yaml", "---\nname: [unclosed\n---\nbody\n"},
		{"missing description", "---\nname: x\n---\nbody\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse(tt.content)
			require.Error(t, err)
		})
	}
}

func TestLoadDir(t *testing.T) {
	root := t.TempDir()
	writeSkill(t, root, "code-review", validSkill)
	writeSkill(t, root, "unnamed", "---\ndescription: Name falls back to the directory.\n---\nBody.\n")

	// Directories without a SKILL.md are skipped.
	require.NoError(t, os.MkdirAll(filepath.Join(root, "empty"), 0o755))

	skills := New()
	require.NoError(t, skills.LoadDir(root))

	list := skills.List()
	require.Len(t, list, 2)
	assert.Equal(t, "code-review", list[0].Name)
	assert.Equal(t, "unnamed", list[1].Name)
	assert.Equal(t, filepath.Join(root, "unnamed"), list[1].Dir)
}

func TestLoadDirMalformedSkillFails(t *testing.T) {
	root := t.TempDir()
	writeSkill(t, root, "broken", "no frontmatter here\n")

	skills := New()
	err := skills.LoadDir(root)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "broken")
}

func TestLoadDirMissing(t *testing.T) {
	skills := New()
	require.Error(t, skills.LoadDir(filepath.Join(t.TempDir(), "nope")))
}

func TestAddReplacesByName(t *testing.T) {
	skills := New()
	skills.Add(Skill{Name: "review", Description: "v1"})
	skills.Add(Skill{Name: "review", Description: "v2"})

	sk, ok := skills.Get("review")
	require.True(t, ok)
	assert.Equal(t, "v2", sk.Description)
	assert.Len(t, skills.List(), 1)
}

func TestPrompt(t *testing.T) {
	skills := New()
	assert.Empty(t, skills.Prompt())

	skills.Add(Skill{Name: "review", Description: "Reviews code.", Instructions: "Check the diff."})
	prompt := skills.Prompt()

	assert.Contains(t, prompt, "<skills>")
	assert.Contains(t, prompt, "<name>review</name>")
	assert.Contains(t, prompt, "<description>Reviews code.</description>")
	assert.Contains(t, prompt, "Check the diff.")
}
