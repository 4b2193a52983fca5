package domain

import (
	"errors"
	"image/color"
	"testing"
	"time"
)

func TestStatusTransitions(t *testing.T) {
	tests := []struct {
		name string
		from Status
		to   Status
		want bool
	}{
		{"pending to reviewed", StatusPending, StatusReviewed, true},
		{"reviewed to pending", StatusReviewed, StatusPending, false},
		{"reviewed to reviewed", StatusReviewed, StatusReviewed, false},
		{"pending to pending", StatusPending, StatusPending, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.from.CanTransitionTo(tt.to); got != tt.want {
				t.Errorf("CanTransitionTo() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestParseStatus(t *testing.T) {
	tests := []struct {
		input   string
		want    Status
		wantErr bool
	}{
		{"pending", StatusPending, false},
		{" Reviewed ", StatusReviewed, false},
		{"archived", "", true},
		{"", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got, err := ParseStatus(tt.input)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ParseStatus() error = %v, wantErr %v", err, tt.wantErr)
			}
			if tt.wantErr && !errors.Is(err, ErrInvalidStatus) {
				t.Errorf("Expected ErrInvalidStatus, got %v", err)
			}
			if got != tt.want {
				t.Errorf("ParseStatus() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestColourRGBA(t *testing.T) {
	tests := []struct {
		colour Colour
		want   color.RGBA
	}{
		{ColourUrgent, color.RGBA{0xd9, 0x53, 0x4f, 0xff}},
		{"#8B4513", color.RGBA{0x8b, 0x45, 0x13, 0xff}},
		{"bogus", color.RGBA{A: 0xff}},
	}

	for _, tt := range tests {
		t.Run(string(tt.colour), func(t *testing.T) {
			if got := tt.colour.RGBA(); got != tt.want {
				t.Errorf("RGBA() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestSeverityPalette(t *testing.T) {
	palette := SeverityPalette()
	if len(palette) != 3 {
		t.Fatalf("Expected 3 palette entries, got %d", len(palette))
	}

	if !palette.Contains("#D9534F") {
		t.Error("Palette lookup should ignore case")
	}
	if palette.Contains("#000000") {
		t.Error("Palette must be closed")
	}

	c, err := palette.Resolve("caution")
	if err != nil || c != ColourCaution {
		t.Errorf("Resolve(caution) = %q, %v", c, err)
	}
	if _, err := palette.Resolve("purple"); !errors.Is(err, ErrColourNotInPalette) {
		t.Errorf("Expected ErrColourNotInPalette, got %v", err)
	}

	palette[0].Colour = "#000000"
	if SeverityPalette()[0].Colour != ColourUrgent {
		t.Error("Mutating a returned palette must not change the shared definition")
	}
}

func TestConditionTable(t *testing.T) {
	table := DefaultConditionTable()
	if table.Len() != 7 {
		t.Fatalf("Expected 7 rules, got %d", table.Len())
	}

	wantOrder := []string{"inflamed", "malaligned", "receded", "stains", "attrition", "crown", "cavity"}
	for i, keyword := range wantOrder {
		if table.Rule(i).Keyword != keyword {
			t.Errorf("Rule %d keyword = %q, want %q", i, table.Rule(i).Keyword, keyword)
		}
	}

	rules := table.Rules()
	rules[0].Condition = "changed"
	if table.Rule(0).Condition != "Inflamed or Red gums" {
		t.Error("Rules() must return a copy")
	}

	if _, err := NewConditionTable(ConditionRule{Keyword: "a"}, ConditionRule{Keyword: "A"}); !IsValidationError(err) {
		t.Errorf("Expected duplicate keyword validation error, got %v", err)
	}
	if _, err := NewConditionTable(ConditionRule{Keyword: "  "}); !IsValidationError(err) {
		t.Errorf("Expected empty keyword validation error, got %v", err)
	}
}

func TestSubmissionMarkReviewed(t *testing.T) {
	sub := &Submission{ID: "s1", OriginalImageURL: "https://img/1.jpg", Status: StatusPending}
	bundle := &ReviewBundle{
		AdminNotes:        "Gums look inflamed",
		AnnotatedPNG:      []byte{1},
		ReportPDF:         []byte{2},
		AnnotatedImageURL: "/api/v1/submissions/s1/annotated",
		PDFReportURL:      "/api/v1/submissions/s1/report",
		ReviewedAt:        time.Now(),
	}

	if err := sub.MarkReviewed(bundle); err != nil {
		t.Fatalf("MarkReviewed() error = %v", err)
	}
	if !sub.IsReviewed() {
		t.Error("Expected submission to be reviewed")
	}
	if sub.SurfaceImageURL() != "/api/v1/submissions/s1/annotated" {
		t.Errorf("Reviewed submission should show the annotated image, got %s", sub.SurfaceImageURL())
	}
	if err := sub.Validate(); err != nil {
		t.Errorf("Validate() error = %v", err)
	}

	if err := sub.MarkReviewed(bundle); !errors.Is(err, ErrAlreadyReviewed) {
		t.Errorf("Second transition should fail with ErrAlreadyReviewed, got %v", err)
	}
}

func TestSubmissionMarkReviewed_IncompleteBundle(t *testing.T) {
	sub := &Submission{ID: "s1", OriginalImageURL: "https://img/1.jpg", Status: StatusPending}
	notes := "before"
	sub.AdminNotes = &notes

	err := sub.MarkReviewed(&ReviewBundle{AdminNotes: "after", AnnotatedPNG: []byte{1}})
	if !IsValidationError(err) {
		t.Fatalf("Expected validation error, got %v", err)
	}
	if sub.Status != StatusPending {
		t.Errorf("Status changed to %s on a rejected bundle", sub.Status)
	}
	if sub.Notes() != "before" {
		t.Errorf("Admin notes changed to %q on a rejected bundle", sub.Notes())
	}
}
