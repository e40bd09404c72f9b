package extract

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/pdfcpu/pdfcpu/pkg/api"

	"github.com/tendant/simple-docworker/internal/failure"
)

// PDFStrategy reads the text layer with pdftotext and falls back to OCR for
// scanned documents.
type PDFStrategy struct {
	cfg    Config
	runner Runner
	ocr    *ocrEngine
	logger *slog.Logger
}

func (p *PDFStrategy) Name() string { return "pdf" }

func (p *PDFStrategy) Supports(f Format) bool { return f == FormatPDF }

func (p *PDFStrategy) Extract(ctx context.Context, path string) (Result, error) {
	pages := p.pageCount(path)

	text, err := p.pdfToText(ctx, path)
	if err != nil {
		return Result{Pages: pages}, failure.Processing(err, "pdftotext")
	}
	if pages == 0 {
		// pdftotext separates pages with a form feed
		pages = 1 + strings.Count(strings.TrimRight(text, "\f"), "\f")
	}
	if len(strings.TrimSpace(text)) >= p.cfg.MinDirectChars {
		return Result{Text: text, Pages: pages, Method: "pdf-text"}, nil
	}

	p.logger.Info("pdf has no usable text layer, running ocr", "path", path, "pages", pages)
	ocrText, rendered, warnings, err := p.ocr.pdf(ctx, path)
	if err != nil {
		return Result{Pages: pages, Warnings: warnings}, failure.Processing(err, "ocr")
	}
	if rendered > 0 {
		pages = rendered
	}
	return Result{Text: ocrText, Pages: pages, Method: "pdf-ocr", Warnings: warnings}, nil
}

// pageCount asks pdfcpu for the page count. A zero return means pdfcpu could
// not parse the file; pdftotext is still given a chance.
func (p *PDFStrategy) pageCount(path string) int {
	pdfCtx, err := api.ReadContextFile(path)
	if err != nil {
		p.logger.Warn("read pdf context failed", "path", path, "err", err)
		return 0
	}
	return pdfCtx.PageCount
}

func (p *PDFStrategy) pdfToText(ctx context.Context, path string) (string, error) {
	// pdftotext -layout -enc UTF-8 -eol unix <path> -
	out, errb, err := p.runner.Run(ctx, p.cfg.Pdftotext, "-layout", "-enc", "UTF-8", "-eol", "unix", path, "-")
	if err != nil {
		return "", fmt.Errorf("%w: %s", err, truncate(string(errb), 512))
	}
	return string(out), nil
}
