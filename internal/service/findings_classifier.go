package service

import (
	"strings"

	"github.com/dental-scribe-server/internal/domain"
)

// Classify partitions clinician notes into general findings and treatment
// recommendations. Notes are split into lines, trimmed, and blank lines are
// dropped. A line that contains one or more table keywords (case-insensitive
// substring, no word boundary) contributes one recommendation per keyword
// not seen before, in table order; any other line is kept verbatim as a
// general finding. Classify is pure and never fails.
func Classify(notes string, table domain.ConditionTable) domain.Findings {
	findings := domain.Findings{
		General:         []string{},
		Recommendations: []domain.Recommendation{},
	}
	if notes == "" {
		return findings
	}

	seen := make(map[string]bool, table.Len())
	for _, raw := range strings.Split(notes, "\n") {
		line := strings.TrimSpace(raw)
		if line == "" {
			continue
		}

		lower := strings.ToLower(line)
		matched := false
		for i := 0; i < table.Len(); i++ {
			rule := table.Rule(i)
			if !strings.Contains(lower, rule.Keyword) {
				continue
			}
			matched = true
			if seen[rule.Keyword] {
				continue
			}
			seen[rule.Keyword] = true
			findings.Recommendations = append(findings.Recommendations, domain.Recommendation{
				Keyword:   rule.Keyword,
				Condition: rule.Condition,
				Treatment: rule.Treatment,
				Colour:    rule.Colour,
			})
		}
		if !matched {
			findings.General = append(findings.General, line)
		}
	}
	return findings
}

// FindingsClassifier binds Classify to a fixed condition table.
type FindingsClassifier struct {
	table domain.ConditionTable
}

// NewFindingsClassifier creates a classifier over table.
func NewFindingsClassifier(table domain.ConditionTable) *FindingsClassifier {
	return &FindingsClassifier{table: table}
}

// Classify runs the classifier over notes.
func (c *FindingsClassifier) Classify(notes string) domain.Findings {
	return Classify(notes, c.table)
}

// Table returns the condition table in use.
func (c *FindingsClassifier) Table() domain.ConditionTable {
	return c.table
}
