// -----------------------------------------------------------------------
// Embedded-text PDF extraction via pdfcpu
// -----------------------------------------------------------------------

package ocr

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/pdfcpu/pdfcpu/pkg/api"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu/model"
	"github.com/ternarybob/arbor"
)

// PageText is the embedded text of one PDF page.
type PageText struct {
	PageNumber int
	Text       string
}

// PDFExtractor pulls embedded text out of PDF bytes. pdfcpu works on files,
// so extraction round-trips through a temp directory.
type PDFExtractor struct {
	logger  arbor.ILogger
	tempDir string
}

// NewPDFExtractor creates a PDF extractor with its own temp workspace.
func NewPDFExtractor(logger arbor.ILogger) *PDFExtractor {
	tempDir := filepath.Join(os.TempDir(), "klartext-pdf")
	os.MkdirAll(tempDir, 0755)
	return &PDFExtractor{
		logger:  logger,
		tempDir: tempDir,
	}
}

// ExtractPages extracts the embedded text of every page. Pages without
// embedded text come back with an empty Text; the analysis layer uses that
// for its coverage computation.
func (e *PDFExtractor) ExtractPages(data []byte) ([]PageText, error) {
	tempFile := filepath.Join(e.tempDir, fmt.Sprintf("extract_%d_%d.pdf", os.Getpid(), len(data)))
	if err := os.WriteFile(tempFile, data, 0644); err != nil {
		return nil, fmt.Errorf("failed to write temp PDF file: %w", err)
	}
	defer os.Remove(tempFile)

	conf := model.NewDefaultConfiguration()
	pdfCtx, err := api.ReadContextFile(tempFile)
	if err != nil {
		return nil, fmt.Errorf("failed to read PDF: %w", err)
	}
	pageCount := pdfCtx.PageCount

	outDir := filepath.Join(e.tempDir, fmt.Sprintf("pages_%d_%d", os.Getpid(), len(data)))
	os.MkdirAll(outDir, 0755)
	defer os.RemoveAll(outDir)

	pageTexts := make(map[int]string)
	if err := api.ExtractContentFile(tempFile, outDir, nil, conf); err != nil {
		e.logger.Warn().Err(err).Msg("PDF content extraction failed, treating pages as empty")
	} else {
		files, _ := os.ReadDir(outDir)
		for _, file := range files {
			if file.IsDir() {
				continue
			}
			content, err := os.ReadFile(filepath.Join(outDir, file.Name()))
			if err != nil {
				continue
			}
			var pageNum int
			if _, err := fmt.Sscanf(file.Name(), "Content_page_%d", &pageNum); err == nil {
				pageTexts[pageNum] = string(content)
			} else if _, err := fmt.Sscanf(file.Name(), "page_%d", &pageNum); err == nil {
				pageTexts[pageNum] = string(content)
			}
		}
	}

	pages := make([]PageText, 0, pageCount)
	for pageNum := 1; pageNum <= pageCount; pageNum++ {
		pages = append(pages, PageText{
			PageNumber: pageNum,
			Text:       pageTexts[pageNum],
		})
	}
	return pages, nil
}

// ExtractText concatenates the embedded text of all pages with page markers.
func (e *PDFExtractor) ExtractText(data []byte) (string, error) {
	pages, err := e.ExtractPages(data)
	if err != nil {
		return "", err
	}

	var builder strings.Builder
	for _, page := range pages {
		if strings.TrimSpace(page.Text) == "" {
			continue
		}
		if builder.Len() > 0 {
			builder.WriteString(fmt.Sprintf("\n\n--- Page %d ---\n\n", page.PageNumber))
		}
		builder.WriteString(page.Text)
	}
	return builder.String(), nil
}
