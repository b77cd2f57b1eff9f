package score

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Table holds version-based score penalties loaded from the version
// score file. The first matching rule wins.
type Table struct {
	rules []tableRule
}

type tableRule struct {
	Soft  string  `yaml:"soft"`
	Below string  `yaml:"below"`
	Score float64 `yaml:"score"`
}

type tableFile struct {
	Rules []tableRule `yaml:"rules"`
}

// DefaultTable carries the built-in penalty for old aprsc releases.
func DefaultTable() *Table {
	return &Table{rules: []tableRule{
		{Soft: "aprsc", Below: "2.0.18", Score: 400},
	}}
}

// LoadTable reads penalty rules from a YAML file. Each rule needs a
// software name, a version bound and a positive score.
func LoadTable(path string) (*Table, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("score: version table: %w", err)
	}
	var f tableFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("score: version table: %w", err)
	}
	for _, r := range f.Rules {
		if r.Soft == "" || r.Below == "" || r.Score <= 0 {
			return nil, fmt.Errorf("score: version table: incomplete rule (soft=%q below=%q score=%v)", r.Soft, r.Below, r.Score)
		}
	}
	return &Table{rules: f.Rules}, nil
}

// Penalty returns the score penalty for a software version and a
// human-readable reason, or 0 and an empty string.
func (t *Table) Penalty(soft, vers string) (float64, string) {
	if t == nil || soft == "" || vers == "" {
		return 0, ""
	}
	for _, r := range t.rules {
		if strings.EqualFold(r.Soft, soft) && CompareVersions(vers, r.Below) < 0 {
			return r.Score, fmt.Sprintf("%s %s is older than %s", soft, vers, r.Below)
		}
	}
	return 0, ""
}
