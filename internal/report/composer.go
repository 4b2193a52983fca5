// Package report composes the oral health screening report: a single A4
// PDF combining patient details, the annotation legend, the original and
// annotated images, and the findings derived from clinician notes.
package report

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"image"
	"io"
	"math"
	"time"

	"github.com/go-pdf/fpdf"
	"github.com/sirupsen/logrus"
	"golang.org/x/image/font/gofont/gobold"
	"golang.org/x/image/font/gofont/gobolditalic"
	"golang.org/x/image/font/gofont/goitalic"
	"golang.org/x/image/font/gofont/goregular"

	"github.com/dental-scribe-server/internal/annotation"
	"github.com/dental-scribe-server/internal/domain"
)

// Report text
const (
	Title            = "Oral Health Screening Report"
	NoRecommendation = "No specific treatment recommendations based on notes. General oral hygiene is advised."
	Disclaimer       = "This report is generated based on digital analysis and should be confirmed by a qualified dental professional."
	DateLayout       = "02/01/2006"
	ContentType      = "application/pdf"
)

// Page geometry in millimetres.
const (
	marginX      = 12.0
	marginTop    = 12.0
	marginBottom = 23.0
	imageGap     = 3.5
	imagePadding = 1.8
	maxImageH    = 95.0
	swatch       = 3.5
	lineH        = 5.5
)

// fontFamily is the embedded UTF-8 Go font family, so patient names and
// notes outside Latin-1 render as written.
const fontFamily = "Go"

func registerFonts(pdf *fpdf.Fpdf) {
	pdf.AddUTF8FontFromBytes(fontFamily, "", goregular.TTF)
	pdf.AddUTF8FontFromBytes(fontFamily, "B", gobold.TTF)
	pdf.AddUTF8FontFromBytes(fontFamily, "I", goitalic.TTF)
	pdf.AddUTF8FontFromBytes(fontFamily, "BI", gobolditalic.TTF)
}

// Input is everything a report is built from.
type Input struct {
	Patient   domain.Patient
	Findings  domain.Findings
	Original  image.Image // nil draws a placeholder
	Annotated image.Image
	Date      time.Time
}

// Report is a composed PDF.
type Report struct {
	PDF         []byte
	Findings    domain.Findings
	GeneratedAt time.Time
}

// DataURL returns the report as a base64 data: URL.
func (r *Report) DataURL() string {
	return "data:" + ContentType + ";base64," + base64.StdEncoding.EncodeToString(r.PDF)
}

// Composer renders reports. It knows nothing about storage or transport.
type Composer struct {
	legend   domain.Palette
	compress bool
	author   string
	logger   *logrus.Logger
}

// NewComposer creates a composer drawing legend as the annotation legend.
func NewComposer(config domain.ReportConfig, legend domain.Palette, logger *logrus.Logger) *Composer {
	if len(legend) == 0 {
		legend = domain.SeverityPalette()
	}
	if logger == nil {
		logger = logrus.New()
		logger.SetOutput(io.Discard)
	}
	return &Composer{
		legend:   legend,
		compress: config.Compress,
		author:   config.Author,
		logger:   logger,
	}
}

// Compose builds the report PDF.
func (c *Composer) Compose(in Input) (*Report, error) {
	if in.Annotated == nil {
		return nil, fmt.Errorf("annotated image is required")
	}
	if in.Date.IsZero() {
		in.Date = time.Now()
	}

	pdf := fpdf.New("P", "mm", "A4", "")
	pdf.SetCompression(c.compress)
	pdf.SetCreationDate(in.Date)
	pdf.SetCatalogSort(true)
	pdf.SetMargins(marginX, marginTop, marginX)
	pdf.SetAutoPageBreak(true, marginBottom)

	registerFonts(pdf)
	pdf.SetTitle(Title, true)
	if c.author != "" {
		pdf.SetAuthor(c.author, true)
	}

	pdf.SetFooterFunc(func() {
		pdf.SetY(-marginBottom + 5)
		pdf.SetFont(fontFamily, "I", 8)
		pdf.SetTextColor(128, 128, 128)
		pdf.MultiCell(0, 3.5, Disclaimer, "", "C", false)
	})

	pdf.AddPage()
	w := &writer{pdf: pdf}
	w.header(in)
	w.legend(c.legend)
	if err := w.images(in.Original, in.Annotated); err != nil {
		return nil, err
	}
	w.general(in.Findings.General)
	w.recommendations(in.Findings.Recommendations)

	if err := pdf.Error(); err != nil {
		return nil, fmt.Errorf("failed to lay out report: %w", err)
	}

	var buf bytes.Buffer
	if err := pdf.Output(&buf); err != nil {
		return nil, fmt.Errorf("failed to write report: %w", err)
	}

	c.logger.WithFields(logrus.Fields{
		"patient_id":      in.Patient.DisplayID(),
		"general":         len(in.Findings.General),
		"recommendations": len(in.Findings.Recommendations),
		"bytes":           buf.Len(),
	}).Debug("Composed report")

	return &Report{PDF: buf.Bytes(), Findings: in.Findings, GeneratedAt: in.Date}, nil
}

type writer struct {
	pdf *fpdf.Fpdf
}

func (w *writer) contentWidth() float64 {
	pageW, _ := w.pdf.GetPageSize()
	left, _, right, _ := w.pdf.GetMargins()
	return pageW - left - right
}

func (w *writer) body() {
	w.pdf.SetFont(fontFamily, "", 11)
	w.pdf.SetTextColor(0x33, 0x33, 0x33)
}

func (w *writer) sectionTitle(text string) {
	w.pdf.SetFont(fontFamily, "B", 14)
	w.pdf.SetTextColor(0x1a, 0x1a, 0x1a)
	w.pdf.CellFormat(0, 7, text, "", 1, "L", false, 0, "")
	w.pdf.Ln(1.5)
}

func (w *writer) header(in Input) {
	pdf := w.pdf
	pdf.SetFont(fontFamily, "B", 20)
	pdf.SetTextColor(0x33, 0x33, 0x33)
	pdf.CellFormat(0, 10, Title, "", 1, "C", false, 0, "")
	pdf.Ln(5)

	phone := in.Patient.Phone
	if phone == "" {
		phone = "N/A"
	}
	half := w.contentWidth() / 2
	pdf.SetFont(fontFamily, "", 12)
	pdf.CellFormat(half, 6, "Name: "+in.Patient.Name, "", 0, "L", false, 0, "")
	pdf.CellFormat(half, 6, "Date: "+in.Date.Format(DateLayout), "", 1, "R", false, 0, "")
	pdf.Ln(2)
	pdf.CellFormat(half, 6, "Phone: "+phone, "", 0, "L", false, 0, "")
	pdf.CellFormat(half, 6, "Patient ID: "+in.Patient.DisplayID(), "", 1, "R", false, 0, "")

	pdf.Ln(5)
	left, _, _, _ := pdf.GetMargins()
	y := pdf.GetY()
	pdf.SetDrawColor(0xcc, 0xcc, 0xcc)
	pdf.SetLineWidth(0.3)
	pdf.Line(left, y, left+w.contentWidth(), y)
	pdf.Ln(5)
}

func (w *writer) legend(palette domain.Palette) {
	pdf := w.pdf
	w.sectionTitle("Annotation Legend:")

	pdf.SetFont(fontFamily, "", 9)
	const spacing = 7.0
	total := 0.0
	for i, entry := range palette {
		total += swatch + 1.8 + pdf.GetStringWidth(entry.LegendLabel)
		if i > 0 {
			total += spacing
		}
	}

	left, _, _, _ := pdf.GetMargins()
	width := w.contentWidth()
	top := pdf.GetY()
	boxH := 8.0
	pdf.SetDrawColor(0xee, 0xee, 0xee)
	pdf.RoundedRect(left, top, width, boxH, 1.5, "1234", "D")

	x := left + math.Max(0, (width-total)/2)
	for _, entry := range palette {
		rgba := entry.Colour.RGBA()
		pdf.SetFillColor(int(rgba.R), int(rgba.G), int(rgba.B))
		pdf.Rect(x, top+(boxH-swatch)/2, swatch, swatch, "F")
		x += swatch + 1.8

		label := entry.LegendLabel
		labelW := pdf.GetStringWidth(label)
		pdf.SetTextColor(0x33, 0x33, 0x33)
		pdf.SetXY(x, top)
		pdf.CellFormat(labelW, boxH, label, "", 0, "L", false, 0, "")
		x += labelW + spacing
	}

	pdf.SetXY(left, top+boxH)
	pdf.Ln(6)
}

func (w *writer) images(original, annotated image.Image) error {
	pdf := w.pdf
	w.sectionTitle("Screening Images:")

	left, _, _, _ := pdf.GetMargins()
	boxW := (w.contentWidth() - imageGap) / 2
	innerW := boxW - 2*imagePadding

	imgH := math.Max(fitHeight(original, innerW), fitHeight(annotated, innerW))
	if imgH == 0 {
		imgH = innerW * 0.75
	}
	boxH := imgH + 2*imagePadding + 6

	_, pageH := pdf.GetPageSize()
	if pdf.GetY()+boxH > pageH-marginBottom {
		pdf.AddPage()
	}
	top := pdf.GetY()

	slots := []struct {
		name  string
		label string
		img   image.Image
	}{
		{"original", "Original", original},
		{"annotated", "Annotated", annotated},
	}
	for i, slot := range slots {
		x := left + float64(i)*(boxW+imageGap)
		pdf.SetDrawColor(0xee, 0xee, 0xee)
		pdf.Rect(x, top, boxW, boxH, "D")

		if err := w.image(slot.name, slot.img, x+imagePadding, top+imagePadding, innerW, imgH); err != nil {
			return err
		}

		pdf.SetFont(fontFamily, "I", 9)
		pdf.SetTextColor(0x33, 0x33, 0x33)
		pdf.SetXY(x, top+imagePadding+imgH+1)
		pdf.CellFormat(boxW, 4, slot.label, "", 0, "C", false, 0, "")
	}

	pdf.SetXY(left, top+boxH)
	pdf.Ln(6)
	return nil
}

func (w *writer) image(name string, img image.Image, x, y, maxW, maxH float64) error {
	pdf := w.pdf
	if img == nil {
		pdf.SetFont(fontFamily, "I", 9)
		pdf.SetTextColor(128, 128, 128)
		pdf.SetXY(x, y)
		pdf.CellFormat(maxW, maxH, "Image unavailable", "", 0, "CM", false, 0, "")
		return nil
	}

	data, err := annotation.EncodePNG(img)
	if err != nil {
		return fmt.Errorf("failed to encode %s image: %w", name, err)
	}
	opts := fpdf.ImageOptions{ImageType: "PNG"}
	pdf.RegisterImageOptionsReader(name, opts, bytes.NewReader(data))

	b := img.Bounds()
	drawW := maxW
	drawH := maxW * float64(b.Dy()) / float64(b.Dx())
	if drawH > maxH {
		drawH = maxH
		drawW = maxH * float64(b.Dx()) / float64(b.Dy())
	}
	pdf.ImageOptions(name, x+(maxW-drawW)/2, y+(maxH-drawH)/2, drawW, drawH, false, opts, 0, "")
	return nil
}

func (w *writer) general(findings []string) {
	if len(findings) == 0 {
		return
	}
	pdf := w.pdf
	w.sectionTitle("Additional Clinical Findings:")
	w.body()
	for _, finding := range findings {
		pdf.MultiCell(0, lineH, "• "+finding, "", "L", false)
	}
	pdf.Ln(4)
}

func (w *writer) recommendations(recs []domain.Recommendation) {
	pdf := w.pdf
	w.sectionTitle("Treatment Recommendations:")
	w.body()

	if len(recs) == 0 {
		pdf.MultiCell(0, lineH, NoRecommendation, "", "L", false)
		return
	}

	left, _, _, _ := pdf.GetMargins()
	width := w.contentWidth()
	condW := width*0.35 - swatch - 2.5
	treatW := width * 0.65
	_, pageH := pdf.GetPageSize()

	for _, rec := range recs {
		condition := rec.Condition + ":"
		treatment := rec.Treatment

		pdf.SetFont(fontFamily, "B", 11)
		condLines := len(pdf.SplitText(condition, condW))
		pdf.SetFont(fontFamily, "", 11)
		treatLines := len(pdf.SplitText(treatment, treatW-2))
		rowH := float64(max(condLines, treatLines, 1))*lineH + 3

		if pdf.GetY()+rowH > pageH-marginBottom {
			pdf.AddPage()
			w.body()
		}
		top := pdf.GetY()

		rgba := rec.Colour.RGBA()
		pdf.SetFillColor(int(rgba.R), int(rgba.G), int(rgba.B))
		pdf.Rect(left, top+(rowH-swatch)/2, swatch, swatch, "F")

		pdf.SetFont(fontFamily, "B", 11)
		pdf.SetXY(left+swatch+2.5, top+1.5)
		pdf.MultiCell(condW, lineH, condition, "", "L", false)

		pdf.SetFont(fontFamily, "", 11)
		pdf.SetXY(left+width-treatW+2, top+1.5)
		pdf.MultiCell(treatW-2, lineH, treatment, "", "L", false)

		pdf.SetDrawColor(0xee, 0xee, 0xee)
		pdf.Line(left, top+rowH, left+width, top+rowH)
		pdf.SetXY(left, top+rowH)
	}
}

func fitHeight(img image.Image, width float64) float64 {
	if img == nil {
		return 0
	}
	b := img.Bounds()
	if b.Dx() == 0 {
		return 0
	}
	return math.Min(maxImageH, width*float64(b.Dy())/float64(b.Dx()))
}
