package extract

import (
	"archive/zip"
	"context"
	"errors"
	"fmt"
	"image"
	"image/color"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/disintegration/imaging"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xuri/excelize/v2"

	"github.com/tendant/simple-docworker/internal/failure"
)

// stubRunner fakes the poppler and tesseract binaries.
type stubRunner struct {
	mu        sync.Mutex
	calls     []string
	pdfText   string
	pdfErr    error
	pages     int
	ocrText   string
	ocrFailAt int
	ocrCalls  int
}

func (s *stubRunner) Run(_ context.Context, name string, args ...string) ([]byte, []byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, name)

	switch name {
	case "pdftotext":
		if s.pdfErr != nil {
			return nil, []byte("Syntax Error"), s.pdfErr
		}
		return []byte(s.pdfText), nil, nil
	case "pdftoppm":
		prefix := args[len(args)-1]
		for i := 1; i <= s.pages; i++ {
			img := imaging.New(200, 100, color.White)
			if err := imaging.Save(img, fmt.Sprintf("%s-%d.png", prefix, i)); err != nil {
				return nil, nil, err
			}
		}
		return nil, nil, nil
	case "tesseract":
		s.ocrCalls++
		if s.ocrFailAt == s.ocrCalls {
			return nil, []byte("tesseract crashed"), errors.New("exit status 1")
		}
		return []byte(fmt.Sprintf("%s %d", s.ocrText, s.ocrCalls)), nil, nil
	}
	return nil, nil, fmt.Errorf("unexpected command %s", name)
}

func (s *stubRunner) called(name string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, c := range s.calls {
		if c == name {
			n++
		}
	}
	return n
}

func newTestExtractor(r Runner) *Extractor {
	return New(Config{}, slog.New(slog.NewTextHandler(io.Discard, nil)), WithRunner(r))
}

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestDetectFormat(t *testing.T) {
	dir := t.TempDir()
	tests := []struct {
		name        string
		file        string
		contentType string
		want        Format
		invalid     bool
	}{
		{"pdf by extension", "a.PDF", "", FormatPDF, false},
		{"docx by extension", "a.docx", "", FormatDOCX, false},
		{"xlsx by extension", "a.xlsx", "", FormatSpreadsheet, false},
		{"csv by extension", "a.csv", "", FormatCSV, false},
		{"image by extension", "a.jpeg", "", FormatImage, false},
		{"content type fallback", "upload", "application/pdf", FormatPDF, false},
		{"content type with params", "upload", "text/plain; charset=utf-8", FormatText, false},
		{"image content type", "upload", "image/webp", FormatImage, false},
		{"legacy word", "a.doc", "application/msword", "", true},
		{"legacy excel", "a.xls", "application/vnd.ms-excel", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(dir, tt.file)
			require.NoError(t, os.WriteFile(path, []byte{0xd0, 0xcf, 0x11, 0xe0, 0xa1, 0xb1, 0x1a, 0xe1}, 0o644))

			got, err := DetectFormat(path, tt.contentType)
			if tt.invalid {
				require.Error(t, err)
				assert.True(t, failure.Is(err, failure.KindInvalid), "got %v", err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestGetStrategy(t *testing.T) {
	e := newTestExtractor(&stubRunner{})
	for f, want := range map[Format]string{
		FormatPDF:         "pdf",
		FormatDOCX:        "docx",
		FormatSpreadsheet: "xlsx",
		FormatCSV:         "csv",
		FormatText:        "text",
		FormatImage:       "image-ocr",
	} {
		s, err := e.GetStrategy(f)
		require.NoError(t, err)
		assert.Equal(t, want, s.Name())
	}
	_, err := e.GetStrategy("pptx")
	assert.Error(t, err)
}

func TestExtractPDFTextLayer(t *testing.T) {
	r := &stubRunner{pdfText: "Invoice 42\fTotal due: $1,200.00 payable to billing@example.com\f"}
	path := writeFile(t, "invoice.pdf", "%PDF-1.4 not really")

	res, err := newTestExtractor(r).Extract(context.Background(), path, "application/pdf")
	require.NoError(t, err)
	assert.Equal(t, FormatPDF, res.Format)
	assert.Equal(t, "pdf-text", res.Method)
	assert.Equal(t, 2, res.Pages)
	assert.Contains(t, res.Text, "Total due")
	assert.Zero(t, r.called("pdftoppm"))
}

func TestExtractPDFFallsBackToOCR(t *testing.T) {
	r := &stubRunner{pdfText: "  \f ", pages: 3, ocrText: "scanned page"}
	path := writeFile(t, "scan.pdf", "%PDF-1.4")

	res, err := newTestExtractor(r).Extract(context.Background(), path, "")
	require.NoError(t, err)
	assert.Equal(t, "pdf-ocr", res.Method)
	assert.Equal(t, 3, res.Pages)
	assert.Equal(t, 3, r.called("tesseract"))
	assert.Contains(t, res.Text, "scanned page 1")
	assert.Contains(t, res.Text, "scanned page 3")
	// pages come back in order
	assert.Less(t, strings.Index(res.Text, "page 1"), strings.Index(res.Text, "page 3"))
}

func TestExtractPDFOCRPartialFailure(t *testing.T) {
	r := &stubRunner{pages: 2, ocrText: "ok", ocrFailAt: 1}
	path := writeFile(t, "scan.pdf", "%PDF-1.4")

	res, err := newTestExtractor(r).Extract(context.Background(), path, "")
	require.NoError(t, err)
	assert.Len(t, res.Warnings, 1)
	assert.Equal(t, "ok 2", res.Text)
}

func TestExtractPDFToolFailure(t *testing.T) {
	r := &stubRunner{pdfErr: errors.New("exit status 1")}
	path := writeFile(t, "broken.pdf", "garbage")

	_, err := newTestExtractor(r).Extract(context.Background(), path, "")
	require.Error(t, err)
	assert.True(t, failure.Is(err, failure.KindProcessing))
	assert.True(t, failure.Classify(err).Retryable())
}

func TestExtractImage(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "receipt.png")
	img := image.NewNRGBA(image.Rect(0, 0, 300, 120))
	require.NoError(t, imaging.Save(img, path))

	r := &stubRunner{ocrText: "receipt"}
	res, err := newTestExtractor(r).Extract(context.Background(), path, "image/png")
	require.NoError(t, err)
	assert.Equal(t, FormatImage, res.Format)
	assert.Equal(t, "receipt 1", res.Text)
}

func TestExtractCorruptImageIsInvalid(t *testing.T) {
	path := writeFile(t, "broken.jpg", "not an image")
	_, err := newTestExtractor(&stubRunner{}).Extract(context.Background(), path, "")
	require.Error(t, err)
	assert.True(t, failure.Is(err, failure.KindInvalid))
}

func TestExtractDocx(t *testing.T) {
	path := filepath.Join(t.TempDir(), "letter.docx")
	f, err := os.Create(path)
	require.NoError(t, err)
	zw := zip.NewWriter(f)
	w, err := zw.Create("word/document.xml")
	require.NoError(t, err)
	_, err = io.WriteString(w, `<?xml version="1.0" encoding="UTF-8" standalone="yes"?>
<w:document xmlns:w="http://schemas.openxmlformats.org/wordprocessingml/2006/main"><w:body>
<w:p><w:r><w:t>Dear</w:t></w:r><w:r><w:t xml:space="preserve"> customer,</w:t></w:r></w:p>
<w:p><w:r><w:t>Amount</w:t><w:tab/><w:t>USD 40</w:t></w:r></w:p>
</w:body></w:document>`)
	require.NoError(t, err)
	require.NoError(t, zw.Close())
	require.NoError(t, f.Close())

	res, err := newTestExtractor(&stubRunner{}).Extract(context.Background(), path, "")
	require.NoError(t, err)
	assert.Equal(t, "Dear customer,\nAmount\tUSD 40", res.Text)
	assert.Empty(t, res.Warnings)
}

func TestExtractDocxWithoutBody(t *testing.T) {
	path := filepath.Join(t.TempDir(), "empty.docx")
	f, err := os.Create(path)
	require.NoError(t, err)
	zw := zip.NewWriter(f)
	_, err = zw.Create("docProps/core.xml")
	require.NoError(t, err)
	require.NoError(t, zw.Close())
	require.NoError(t, f.Close())

	_, err = newTestExtractor(&stubRunner{}).Extract(context.Background(), path, "")
	assert.True(t, failure.Is(err, failure.KindInvalid))
}

func TestExtractSpreadsheet(t *testing.T) {
	path := filepath.Join(t.TempDir(), "budget.xlsx")
	wb := excelize.NewFile()
	require.NoError(t, wb.SetCellValue("Sheet1", "A1", "Item"))
	require.NoError(t, wb.SetCellValue("Sheet1", "B1", "Cost"))
	require.NoError(t, wb.SetCellValue("Sheet1", "A2", "Laptop"))
	require.NoError(t, wb.SetCellValue("Sheet1", "B2", 1200))
	require.NoError(t, wb.SaveAs(path))
	require.NoError(t, wb.Close())

	res, err := newTestExtractor(&stubRunner{}).Extract(context.Background(), path, "")
	require.NoError(t, err)
	assert.Equal(t, FormatSpreadsheet, res.Format)
	assert.Contains(t, res.Text, "Sheet: Sheet1")
	assert.Contains(t, res.Text, "Laptop\t1200")
}

func TestExtractCSVAndText(t *testing.T) {
	csvPath := writeFile(t, "rows.csv", "name,email\r\nAda,ada@example.com\r\n")
	res, err := newTestExtractor(&stubRunner{}).Extract(context.Background(), csvPath, "")
	require.NoError(t, err)
	assert.Equal(t, "name\temail\nAda\tada@example.com", res.Text)

	txtPath := writeFile(t, "notes.txt", "  hello\r\nworld\x00  ")
	res, err = newTestExtractor(&stubRunner{}).Extract(context.Background(), txtPath, "")
	require.NoError(t, err)
	assert.Equal(t, "hello\nworld", res.Text)
	assert.Equal(t, "text", res.Method)
}
