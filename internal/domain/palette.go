package domain

import (
	"fmt"
	"image/color"
	"strconv"
	"strings"
)

// Colour is a hex colour in #rrggbb form. Colours used on the annotation
// surface always come from a closed palette; there are no user-defined
// colours.
type Colour string

// RGBA converts the hex colour to an opaque color.RGBA. Malformed values
// yield opaque black so a bad value can never produce a transparent stroke.
func (c Colour) RGBA() color.RGBA {
	s := strings.TrimPrefix(string(c), "#")
	if len(s) != 6 {
		return color.RGBA{A: 0xff}
	}
	v, err := strconv.ParseUint(s, 16, 32)
	if err != nil {
		return color.RGBA{A: 0xff}
	}
	return color.RGBA{R: uint8(v >> 16), G: uint8(v >> 8), B: uint8(v), A: 0xff}
}

// Normalize lower-cases the colour and adds the leading '#'.
func (c Colour) Normalize() Colour {
	s := strings.ToLower(strings.TrimSpace(string(c)))
	if s != "" && !strings.HasPrefix(s, "#") {
		s = "#" + s
	}
	return Colour(s)
}

// String returns the hex form.
func (c Colour) String() string {
	return string(c)
}

// PaletteEntry pairs a colour with its clinical meaning.
type PaletteEntry struct {
	Label       string `json:"label"`
	LegendLabel string `json:"legend_label"`
	Colour      Colour `json:"colour"`
}

// Palette is an ordered, closed set of colours.
type Palette []PaletteEntry

// Toolbar severity colours. The same three entries are drawn as the report
// legend, with the longer legend labels.
const (
	ColourUrgent  Colour = "#d9534f"
	ColourCaution Colour = "#f0ad4e"
	ColourNote    Colour = "#5bc0de"
)

// SeverityPalette returns the toolbar/legend palette. A fresh slice is
// returned on every call so callers cannot mutate the shared definition.
func SeverityPalette() Palette {
	return Palette{
		{Label: "Urgent", LegendLabel: "Urgent Issue", Colour: ColourUrgent},
		{Label: "Caution", LegendLabel: "Area of Caution", Colour: ColourCaution},
		{Label: "Note", LegendLabel: "General Note", Colour: ColourNote},
	}
}

// Contains reports whether c is one of the palette's colours.
func (p Palette) Contains(c Colour) bool {
	_, ok := p.Lookup(c)
	return ok
}

// Lookup returns the entry for colour c.
func (p Palette) Lookup(c Colour) (PaletteEntry, bool) {
	c = c.Normalize()
	for _, entry := range p {
		if entry.Colour.Normalize() == c {
			return entry, true
		}
	}
	return PaletteEntry{}, false
}

// ByLabel returns the entry whose toolbar label matches name, ignoring case.
func (p Palette) ByLabel(name string) (PaletteEntry, bool) {
	for _, entry := range p {
		if strings.EqualFold(entry.Label, name) || strings.EqualFold(entry.LegendLabel, name) {
			return entry, true
		}
	}
	return PaletteEntry{}, false
}

// Default returns the first entry, used as the initial active colour.
func (p Palette) Default() Colour {
	if len(p) == 0 {
		return ""
	}
	return p[0].Colour
}

// Resolve accepts either a colour value or a palette label and returns the
// palette colour it names.
func (p Palette) Resolve(value string) (Colour, error) {
	if entry, ok := p.Lookup(Colour(value)); ok {
		return entry.Colour, nil
	}
	if entry, ok := p.ByLabel(value); ok {
		return entry.Colour, nil
	}
	return "", fmt.Errorf("%w: %q", ErrColourNotInPalette, value)
}
