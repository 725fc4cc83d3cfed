// -----------------------------------------------------------------------
// File analysis - text coverage, table detection, image quality gate
// -----------------------------------------------------------------------

package ocr

import (
	"bytes"
	"image"
	_ "image/jpeg"
	_ "image/png"
	"strings"

	"github.com/klartext-med/klartext/internal/models"
)

// FileAnalysis is the router's view of an input file. It drives the engine
// decision and carries the advisory quality gate output.
type FileAnalysis struct {
	FileClass models.FileClass

	// PDF text probe
	PageCount    int
	TextCoverage float64 // Fraction of pages with embedded text
	CharDensity  float64 // Average characters per page

	// Structure heuristics
	HasComplexTables bool
	LooksLikeForm    bool

	// Advisory quality gate
	QualityScore  float64
	QualityIssues []string
	Suggestions   []string
}

// AnalyzePDF probes the extracted page texts for coverage, density and
// table-like structure.
func AnalyzePDF(pages []PageText) *FileAnalysis {
	analysis := &FileAnalysis{
		FileClass: models.FileClassPDF,
		PageCount: len(pages),
	}
	if len(pages) == 0 {
		analysis.QualityIssues = append(analysis.QualityIssues, "pdf_has_no_pages")
		return analysis
	}

	pagesWithText := 0
	totalChars := 0
	for _, page := range pages {
		text := strings.TrimSpace(page.Text)
		if text != "" {
			pagesWithText++
		}
		totalChars += len(text)
		if hasTableStructure(text) {
			analysis.HasComplexTables = true
		}
		if looksLikeForm(text) {
			analysis.LooksLikeForm = true
		}
	}

	analysis.TextCoverage = float64(pagesWithText) / float64(len(pages))
	analysis.CharDensity = float64(totalChars) / float64(len(pages))
	analysis.QualityScore = analysis.TextCoverage

	if analysis.TextCoverage < 0.5 {
		analysis.QualityIssues = append(analysis.QualityIssues, "low_embedded_text_coverage")
		analysis.Suggestions = append(analysis.Suggestions, "document appears scanned; OCR will be used")
	}
	if analysis.HasComplexTables {
		analysis.QualityIssues = append(analysis.QualityIssues, "complex_tables_detected")
	}
	return analysis
}

// AnalyzeImage decodes the image header and computes a composite quality
// score from the resolution. The score is advisory: the router proceeds
// regardless and only surfaces issues and suggestions.
func AnalyzeImage(data []byte) *FileAnalysis {
	analysis := &FileAnalysis{
		FileClass:    models.FileClassImage,
		PageCount:    1,
		QualityScore: 0.5,
	}

	cfg, _, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		analysis.QualityScore = 0.2
		analysis.QualityIssues = append(analysis.QualityIssues, "image_not_decodable")
		analysis.Suggestions = append(analysis.Suggestions, "re-export the document as PNG or JPEG")
		return analysis
	}

	pixels := cfg.Width * cfg.Height
	switch {
	case pixels >= 2_000_000:
		analysis.QualityScore = 0.9
	case pixels >= 800_000:
		analysis.QualityScore = 0.7
	case pixels >= 300_000:
		analysis.QualityScore = 0.5
		analysis.QualityIssues = append(analysis.QualityIssues, "low_resolution")
		analysis.Suggestions = append(analysis.Suggestions, "scan at 300 DPI or higher for better results")
	default:
		analysis.QualityScore = 0.3
		analysis.QualityIssues = append(analysis.QualityIssues, "very_low_resolution")
		analysis.Suggestions = append(analysis.Suggestions, "the image is too small for reliable text recognition")
	}

	aspect := float64(cfg.Width) / float64(cfg.Height)
	if aspect > 3 || aspect < 0.2 {
		analysis.QualityIssues = append(analysis.QualityIssues, "unusual_aspect_ratio")
	}

	return analysis
}

// hasTableStructure detects column-like layouts in embedded text. Lab reports
// render as whitespace-aligned columns or pipe/tab separated rows.
func hasTableStructure(text string) bool {
	if text == "" {
		return false
	}
	lines := strings.Split(text, "\n")
	columnLines := 0
	for _, line := range lines {
		if strings.Count(line, "\t") >= 2 || strings.Count(line, "|") >= 2 {
			columnLines++
			continue
		}
		if strings.Count(line, "   ") >= 3 {
			columnLines++
		}
	}
	return len(lines) > 0 && columnLines >= 5
}

// looksLikeForm detects fill-in form layouts (checkbox and underscore runs).
func looksLikeForm(text string) bool {
	if text == "" {
		return false
	}
	markers := strings.Count(text, "____") + strings.Count(text, "[ ]") + strings.Count(text, "( )")
	return markers >= 3
}
