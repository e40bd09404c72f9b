// Package extract pulls plain text out of uploaded documents. Each document
// format is handled by its own strategy; scanned pages fall back to OCR.
package extract

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"time"

	"github.com/gabriel-vasile/mimetype"

	"github.com/tendant/simple-docworker/internal/failure"
)

type Format string

const (
	FormatPDF         Format = "pdf"
	FormatDOCX        Format = "docx"
	FormatSpreadsheet Format = "xlsx"
	FormatCSV         Format = "csv"
	FormatText        Format = "text"
	FormatImage       Format = "image"
)

// Result is the text recovered from one document.
type Result struct {
	Text     string
	Pages    int
	Format   Format
	Method   string
	Duration time.Duration
	Warnings []string
}

// Strategy extracts text from one family of formats.
type Strategy interface {
	Name() string
	Supports(f Format) bool
	Extract(ctx context.Context, path string) (Result, error)
}

type Config struct {
	Pdftotext string
	Pdftoppm  string
	Tesseract string
	Lang      string
	DPI       int
	MaxPages  int
	// MinDirectChars is the amount of text below which a PDF is treated as
	// scanned and sent through OCR.
	MinDirectChars int
}

func (c *Config) defaults() {
	if c.Pdftotext == "" {
		c.Pdftotext = "pdftotext"
	}
	if c.Pdftoppm == "" {
		c.Pdftoppm = "pdftoppm"
	}
	if c.Tesseract == "" {
		c.Tesseract = "tesseract"
	}
	if c.Lang == "" {
		c.Lang = "eng"
	}
	if c.DPI <= 0 {
		c.DPI = 300
	}
	if c.MinDirectChars <= 0 {
		c.MinDirectChars = 20
	}
}

type Extractor struct {
	strategies []Strategy
	logger     *slog.Logger
}

type Option func(*options)

type options struct {
	runner Runner
}

// WithRunner replaces the command runner, mainly for tests.
func WithRunner(r Runner) Option {
	return func(o *options) { o.runner = r }
}

func New(cfg Config, logger *slog.Logger, opts ...Option) *Extractor {
	cfg.defaults()
	if logger == nil {
		logger = slog.Default()
	}
	o := options{runner: ExecRunner{}}
	for _, opt := range opts {
		opt(&o)
	}
	ocr := &ocrEngine{cfg: cfg, runner: o.runner, logger: logger}
	return &Extractor{
		strategies: []Strategy{
			&PDFStrategy{cfg: cfg, runner: o.runner, ocr: ocr, logger: logger},
			&ImageStrategy{ocr: ocr},
			DocxStrategy{},
			SheetStrategy{},
			CSVStrategy{},
			TextStrategy{},
		},
		logger: logger,
	}
}

// GetStrategy returns the strategy registered for the format.
func (e *Extractor) GetStrategy(f Format) (Strategy, error) {
	for _, s := range e.strategies {
		if s.Supports(f) {
			return s, nil
		}
	}
	return nil, fmt.Errorf("no extractor for format %s", f)
}

// Extract detects the format of path and runs the matching strategy.
// Unsupported formats fail with an Invalid error.
func (e *Extractor) Extract(ctx context.Context, path, contentType string) (Result, error) {
	start := time.Now()
	format, err := DetectFormat(path, contentType)
	if err != nil {
		return Result{}, err
	}
	strategy, err := e.GetStrategy(format)
	if err != nil {
		return Result{}, failure.Invalid(err, "extract %s", filepath.Base(path))
	}
	e.logger.Debug("extracting text", "path", path, "format", format, "strategy", strategy.Name())

	res, err := strategy.Extract(ctx, path)
	res.Format = format
	res.Duration = time.Since(start)
	if err != nil {
		return res, err
	}
	res.Text = normalize(res.Text)
	return res, nil
}

var extFormats = map[string]Format{
	".pdf":  FormatPDF,
	".docx": FormatDOCX,
	".xlsx": FormatSpreadsheet,
	".xlsm": FormatSpreadsheet,
	".csv":  FormatCSV,
	".txt":  FormatText,
	".md":   FormatText,
	".text": FormatText,
	".png":  FormatImage,
	".jpg":  FormatImage,
	".jpeg": FormatImage,
	".tif":  FormatImage,
	".tiff": FormatImage,
	".bmp":  FormatImage,
	".gif":  FormatImage,
}

var mimeFormats = map[string]Format{
	"application/pdf": FormatPDF,
	"application/vnd.openxmlformats-officedocument.wordprocessingml.document": FormatDOCX,
	"application/vnd.openxmlformats-officedocument.spreadsheetml.sheet":       FormatSpreadsheet,
	"text/csv":      FormatCSV,
	"text/plain":    FormatText,
	"text/markdown": FormatText,
}

// DetectFormat routes by file extension first, then by the declared content
// type, then by sniffing the file contents.
func DetectFormat(path, contentType string) (Format, error) {
	ext := strings.ToLower(filepath.Ext(path))
	if f, ok := extFormats[ext]; ok {
		return f, nil
	}
	if f, ok := formatForMime(contentType); ok {
		return f, nil
	}
	if mt, err := mimetype.DetectFile(path); err == nil {
		if f, ok := formatForMime(mt.String()); ok {
			return f, nil
		}
		return "", failure.Invalid(nil, "unsupported format %s (%s)", ext, mt.String())
	}
	return "", failure.Invalid(nil, "unsupported format %q", ext)
}

func formatForMime(contentType string) (Format, bool) {
	ct := strings.ToLower(strings.TrimSpace(contentType))
	if i := strings.IndexByte(ct, ';'); i >= 0 {
		ct = strings.TrimSpace(ct[:i])
	}
	if ct == "" {
		return "", false
	}
	if f, ok := mimeFormats[ct]; ok {
		return f, true
	}
	if strings.HasPrefix(ct, "image/") {
		return FormatImage, true
	}
	return "", false
}

// SupportedExtensions lists the file extensions that can be processed.
func SupportedExtensions() []string {
	out := make([]string, 0, len(extFormats))
	for ext := range extFormats {
		out = append(out, ext)
	}
	return out
}

func normalize(s string) string {
	s = strings.ToValidUTF8(s, "")
	s = strings.ReplaceAll(s, "\r\n", "\n")
	s = strings.ReplaceAll(s, "\x00", "")
	return strings.TrimSpace(s)
}
