package export

import (
	"context"
	"fmt"

	"bakeplan/api/internal/plansync"
)

type converter func(ctx context.Context, html, title string) (*Result, error)

// Service provides plan export functionality
type Service struct {
	pdf  converter
	docx converter
}

// NewService returns an exporter that prints PDFs with headless Chrome and
// converts DOCX files with pandoc.
func NewService() *Service {
	return &Service{pdf: exportPDF, docx: exportDOCX}
}

// Export renders rec in the requested format.
func (s *Service) Export(ctx context.Context, rec plansync.Record, format Format) (*Result, error) {
	doc := DocumentFor(rec)
	html, err := RenderHTML(doc)
	if err != nil {
		return nil, fmt.Errorf("render template: %w", err)
	}

	switch format {
	case FormatHTML:
		return &Result{
			Data:     []byte(html),
			Filename: sanitizeFilename(doc.Title) + ".html",
			MimeType: "text/html; charset=utf-8",
		}, nil
	case FormatPDF:
		return s.pdf(ctx, html, doc.Title)
	case FormatDOCX:
		return s.docx(ctx, html, doc.Title)
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedFormat, format)
	}
}
