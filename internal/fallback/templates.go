package fallback

import (
	_ "embed"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/dyluth/cipher/pkg/cipher"
)

//go:embed templates.yml
var embeddedTemplates []byte

// Template is a pre-authored reserve puzzle.
type Template struct {
	ID         string             `yaml:"id"`
	Title      string             `yaml:"title"`
	Hint       string             `yaml:"hint"`
	Solution   string             `yaml:"solution"`
	Difficulty cipher.Difficulty  `yaml:"difficulty"`
	Format     cipher.Format      `yaml:"format"`
	Content    string             `yaml:"content"`
	Theme      cipher.Category    `yaml:"theme,omitempty"`
	Narrative  *TemplateNarrative `yaml:"narrative,omitempty"`
}

// TemplateNarrative is the optional breadcrumb attachment of a template.
type TemplateNarrative struct {
	ThreadID string          `yaml:"thread_id"`
	Category cipher.Category `yaml:"category"`
	Weight   float64         `yaml:"weight"`
}

type templateFile struct {
	Templates []Template `yaml:"templates"`
}

// LoadTemplates reads templates from path, or the embedded set when path is empty.
func LoadTemplates(path string) ([]Template, error) {
	data := embeddedTemplates
	if path != "" {
		var err error
		data, err = os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read templates file: %w", err)
		}
	}
	return ParseTemplates(data)
}

// ParseTemplates decodes and validates a templates document.
func ParseTemplates(data []byte) ([]Template, error) {
	var file templateFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("failed to parse templates YAML: %w", err)
	}
	if len(file.Templates) == 0 {
		return nil, fmt.Errorf("no templates defined")
	}

	seen := make(map[string]bool, len(file.Templates))
	for i := range file.Templates {
		t := &file.Templates[i]
		if t.ID == "" {
			return nil, fmt.Errorf("template %d: id is required", i)
		}
		if strings.Contains(t.ID, "|") {
			return nil, fmt.Errorf("template '%s': id must not contain '|'", t.ID)
		}
		if seen[t.ID] {
			return nil, fmt.Errorf("duplicate template id '%s'", t.ID)
		}
		seen[t.ID] = true

		t.Solution = cipher.NormalizeSolution(t.Solution)
		if err := t.Puzzle().Validate(); err != nil {
			return nil, fmt.Errorf("template '%s': %w", t.ID, err)
		}
	}
	return file.Templates, nil
}

// Puzzle converts the template into a reserve snapshot. The ID and
// timestamps are placeholders until the puzzle is taken from the pool.
func (t Template) Puzzle() *cipher.Puzzle {
	p := &cipher.Puzzle{
		ID:         placeholderID,
		Title:      t.Title,
		Hint:       t.Hint,
		Solution:   t.Solution,
		Difficulty: t.Difficulty,
		Format:     t.Format,
		Content:    t.Content,
		Theme:      t.Theme,
		Source:     cipher.SourceFallback,
		IsActive:   true,
	}
	if t.Narrative != nil {
		p.Narrative = &cipher.Narrative{
			ThreadID: t.Narrative.ThreadID,
			Category: t.Narrative.Category,
			Weight:   t.Narrative.Weight,
		}
	}
	p.Stamp(placeholderTime)
	return p
}
