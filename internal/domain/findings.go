package domain

import (
	"fmt"
	"strings"
)

// ConditionRule maps a keyword found in clinician notes to a recommended
// treatment.
type ConditionRule struct {
	Keyword   string `json:"keyword"`
	Condition string `json:"condition"`
	Treatment string `json:"treatment"`
	Colour    Colour `json:"colour"`
}

// ConditionTable is an immutable, ordered set of condition rules. Order
// matters: when one line matches several keywords, recommendations are
// emitted in table order.
type ConditionTable struct {
	rules []ConditionRule
}

// NewConditionTable copies rules into a new table. Keywords are stored
// lower-cased; empty or duplicate keywords are rejected.
func NewConditionTable(rules ...ConditionRule) (ConditionTable, error) {
	seen := make(map[string]bool, len(rules))
	copied := make([]ConditionRule, 0, len(rules))
	for i, rule := range rules {
		keyword := strings.ToLower(strings.TrimSpace(rule.Keyword))
		if keyword == "" {
			return ConditionTable{}, NewValidationError(fmt.Sprintf("rules[%d].keyword", i), "keyword is required", rule.Keyword)
		}
		if seen[keyword] {
			return ConditionTable{}, NewValidationError(fmt.Sprintf("rules[%d].keyword", i), "duplicate keyword", rule.Keyword)
		}
		seen[keyword] = true
		rule.Keyword = keyword
		copied = append(copied, rule)
	}
	return ConditionTable{rules: copied}, nil
}

// MustConditionTable is like NewConditionTable but panics on error. It is
// meant for package-level tables built from literals.
func MustConditionTable(rules ...ConditionRule) ConditionTable {
	table, err := NewConditionTable(rules...)
	if err != nil {
		panic(err)
	}
	return table
}

// Len returns the number of rules.
func (t ConditionTable) Len() int {
	return len(t.rules)
}

// Rule returns the i-th rule.
func (t ConditionTable) Rule(i int) ConditionRule {
	return t.rules[i]
}

// Rules returns a copy of the rules in table order.
func (t ConditionTable) Rules() []ConditionRule {
	out := make([]ConditionRule, len(t.rules))
	copy(out, t.rules)
	return out
}

// Palette returns the condition colours as a palette, in table order.
func (t ConditionTable) Palette() Palette {
	p := make(Palette, 0, len(t.rules))
	for _, rule := range t.rules {
		p = append(p, PaletteEntry{Label: rule.Condition, LegendLabel: rule.Condition, Colour: rule.Colour})
	}
	return p
}

// DefaultConditionTable returns the dental screening condition table.
func DefaultConditionTable() ConditionTable {
	return MustConditionTable(
		ConditionRule{Keyword: "inflamed", Condition: "Inflamed or Red gums", Treatment: "Scaling and professional cleaning.", Colour: "#5a005a"},
		ConditionRule{Keyword: "malaligned", Condition: "Malaligned Teeth", Treatment: "Braces or Clear Aligner evaluation.", Colour: "#ffff00"},
		ConditionRule{Keyword: "receded", Condition: "Receded gums", Treatment: "Consultation for potential Gum Surgery.", Colour: "#d3d3d3"},
		ConditionRule{Keyword: "stains", Condition: "Stains", Treatment: "Professional teeth cleaning and polishing.", Colour: "#ff0000"},
		ConditionRule{Keyword: "attrition", Condition: "Attrition (Wear)", Treatment: "Filling or Night Guard recommended.", Colour: "#00ffff"},
		ConditionRule{Keyword: "crown", Condition: "Crowns / Caps", Treatment: "If loose or broken, get it checked. Tooth-colored caps are best.", Colour: "#ff00ff"},
		ConditionRule{Keyword: "cavity", Condition: "Cavity / Decay", Treatment: "Restorative treatment (fillings) required.", Colour: "#8B4513"},
	)
}

// Recommendation is a structured finding: a detected condition and the
// treatment suggested for it.
type Recommendation struct {
	Keyword   string `json:"keyword"`
	Condition string `json:"condition"`
	Treatment string `json:"treatment"`
	Colour    Colour `json:"colour"`
}

// Findings partitions clinician notes into free-form remarks and
// recommendations. Both lists keep the order of first appearance.
type Findings struct {
	General         []string         `json:"general"`
	Recommendations []Recommendation `json:"recommendations"`
}

// HasRecommendation reports whether a recommendation for condition exists.
func (f Findings) HasRecommendation(condition string) bool {
	for _, rec := range f.Recommendations {
		if rec.Condition == condition {
			return true
		}
	}
	return false
}

// IsEmpty reports whether the notes produced nothing at all.
func (f Findings) IsEmpty() bool {
	return len(f.General) == 0 && len(f.Recommendations) == 0
}
