package agent

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// SkillMeta is the YAML frontmatter of a SKILL.md file.
type SkillMeta struct {
	Name        string `yaml:"name"`
	Description string `yaml:"description"`
}

// Skill is one loaded skill: its frontmatter plus the path of the full
// instructions the model can read on demand.
type Skill struct {
	Meta SkillMeta
	Path string
}

// loadSkills collects every skills/<name>/SKILL.md under the given roots.
// Later roots win on name collisions, so group skills override global
// ones. Malformed skill files are skipped, not fatal.
func loadSkills(roots ...string) []Skill {
	byName := make(map[string]Skill)
	var order []string

	for _, root := range roots {
		entries, err := os.ReadDir(filepath.Join(root, "skills"))
		if err != nil {
			continue
		}
		for _, e := range entries {
			if !e.IsDir() {
				continue
			}
			path := filepath.Join(root, "skills", e.Name(), "SKILL.md")
			data, err := os.ReadFile(path)
			if err != nil {
				continue
			}
			meta, err := parseSkillFrontmatter(string(data))
			if err != nil {
				continue
			}
			if _, seen := byName[meta.Name]; !seen {
				order = append(order, meta.Name)
			}
			byName[meta.Name] = Skill{Meta: meta, Path: path}
		}
	}

	skills := make([]Skill, 0, len(order))
	for _, name := range order {
		skills = append(skills, byName[name])
	}
	return skills
}

// parseSkillFrontmatter extracts and validates the YAML frontmatter block
// delimited by "---" lines at the top of a SKILL.md file.
func parseSkillFrontmatter(content string) (SkillMeta, error) {
	content = strings.ReplaceAll(content, "\r\n", "\n")
	lines := strings.Split(content, "\n")
	if len(lines) < 3 || strings.TrimSpace(lines[0]) != "---" {
		return SkillMeta{}, fmt.Errorf("skill file must start with --- frontmatter")
	}

	end := -1
	for i := 1; i < len(lines); i++ {
		if strings.TrimSpace(lines[i]) == "---" {
			end = i
			break
		}
	}
	if end < 0 {
		return SkillMeta{}, fmt.Errorf("frontmatter is not closed with ---")
	}

	var meta SkillMeta
	if err := yaml.Unmarshal([]byte(strings.Join(lines[1:end], "\n")), &meta); err != nil {
		return SkillMeta{}, fmt.Errorf("invalid skill frontmatter: %w", err)
	}
	if meta.Name == "" || meta.Description == "" {
		return SkillMeta{}, fmt.Errorf("skill frontmatter needs name and description")
	}
	return meta, nil
}

// skillsSection renders the available skills as a system prompt section.
// Empty when no skills are installed.
func skillsSection(skills []Skill) string {
	if len(skills) == 0 {
		return ""
	}
	var b strings.Builder
	b.WriteString("Available skills. Read the full skill file before using one:\n")
	for _, s := range skills {
		fmt.Fprintf(&b, "- %s: %s (%s)\n", s.Meta.Name, s.Meta.Description, s.Path)
	}
	return strings.TrimRight(b.String(), "\n")
}
