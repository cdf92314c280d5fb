package cli

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/JonMunkholm/portfoliolens/internal/core"
)

// Plan is the YAML form of an approved import: one entry per sheet.
// Sheets left out of the plan are not imported.
type Plan struct {
	Source string           `yaml:"source,omitempty"`
	Sheets []core.SheetPlan `yaml:"sheets"`
}

// planFromSession turns the session's suggestions into an editable plan.
func planFromSession(sess *core.Session) Plan {
	p := Plan{Source: filepath.Base(sess.FileName)}
	for _, a := range sess.Sheets {
		p.Sheets = append(p.Sheets, core.SheetPlan{
			SheetName:   a.Name,
			TableName:   a.Suggestion.TableName,
			CreateTable: a.Suggestion.CreateTable,
			Mappings:    a.Suggestion.Mappings,
		})
	}
	return p
}

// needsReview lists the sheets whose suggestion is not confident enough to
// import unattended.
func needsReview(sess *core.Session) []string {
	var names []string
	for _, a := range sess.Sheets {
		if a.Suggestion.NeedsReview {
			names = append(names, a.Name)
		}
	}
	return names
}

func writePlan(path string, p Plan) error {
	data, err := yaml.Marshal(p)
	if err != nil {
		return fmt.Errorf("encode plan: %w", err)
	}
	header := []byte("# Edit tables, actions and columns, then run: lensctl import FILE --plan " + filepath.Base(path) + "\n")
	if err := os.WriteFile(path, append(header, data...), 0o644); err != nil {
		return fmt.Errorf("write plan: %w", err)
	}
	return nil
}

func readPlan(path string) (Plan, error) {
	var p Plan
	data, err := os.ReadFile(path)
	if err != nil {
		return p, fmt.Errorf("read plan: %w", err)
	}
	if err := yaml.Unmarshal(data, &p); err != nil {
		return p, fmt.Errorf("parse plan %s: %w", path, err)
	}
	if len(p.Sheets) == 0 {
		return p, fmt.Errorf("plan %s lists no sheets", path)
	}
	return p, nil
}
