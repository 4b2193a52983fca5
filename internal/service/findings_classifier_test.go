package service

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dental-scribe-server/internal/domain"
)

func conditions(f domain.Findings) []string {
	out := []string{}
	for _, r := range f.Recommendations {
		out = append(out, r.Condition)
	}
	return out
}

func TestClassify(t *testing.T) {
	table := domain.DefaultConditionTable()

	tests := []struct {
		name        string
		notes       string
		wantGeneral []string
		wantConds   []string
	}{
		{
			name:        "empty notes",
			notes:       "",
			wantGeneral: []string{},
			wantConds:   []string{},
		},
		{
			name:        "blank lines only",
			notes:       "\n   \n\t\n",
			wantGeneral: []string{},
			wantConds:   []string{},
		},
		{
			name:        "mixed notes keep first-appearance order",
			notes:       "Gums look INFLAMED\n  Patient anxious  \n\nCavity on 36\nGums inflamed again",
			wantGeneral: []string{"Patient anxious"},
			wantConds:   []string{"Inflamed or Red gums", "Cavity / Decay"},
		},
		{
			name:        "one line, several keywords, table order",
			notes:       "cavity near the crown, gums receded",
			wantGeneral: []string{},
			wantConds:   []string{"Receded gums", "Crowns / Caps", "Cavity / Decay"},
		},
		{
			name:        "substring match without word boundary",
			notes:       "crowning achievement",
			wantGeneral: []string{},
			wantConds:   []string{"Crowns / Caps"},
		},
		{
			name:        "repeated keyword line is not general",
			notes:       "stains on incisors\nmore stains",
			wantGeneral: []string{},
			wantConds:   []string{"Stains"},
		},
		{
			name:        "windows line endings",
			notes:       "Attrition on molars\r\nFollow up in 6 months\r\n",
			wantGeneral: []string{"Follow up in 6 months"},
			wantConds:   []string{"Attrition (Wear)"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Classify(tt.notes, table)
			assert.Equal(t, tt.wantGeneral, got.General)
			assert.Equal(t, tt.wantConds, conditions(got))
		})
	}
}

func TestClassify_RecommendationCarriesTableRow(t *testing.T) {
	got := Classify("Malaligned lower incisors", domain.DefaultConditionTable())
	require.Len(t, got.Recommendations, 1)

	rec := got.Recommendations[0]
	assert.Equal(t, "malaligned", rec.Keyword)
	assert.Equal(t, "Braces or Clear Aligner evaluation.", rec.Treatment)
	assert.Equal(t, domain.Colour("#ffff00"), rec.Colour)
}

func TestClassify_CustomTable(t *testing.T) {
	table, err := domain.NewConditionTable(
		domain.ConditionRule{Keyword: "Plaque", Condition: "Plaque", Treatment: "Cleaning."},
	)
	require.NoError(t, err)

	classifier := NewFindingsClassifier(table)
	got := classifier.Classify("heavy plaque\ncavity on 46")

	assert.Equal(t, []string{"Plaque"}, conditions(got))
	assert.Equal(t, []string{"cavity on 46"}, got.General)
	assert.Equal(t, 1, classifier.Table().Len())
}

func TestClassify_IsPure(t *testing.T) {
	table := domain.DefaultConditionTable()
	notes := "inflamed\nnothing else"

	first := Classify(notes, table)
	second := Classify(notes, table)
	assert.Equal(t, first, second)
}
