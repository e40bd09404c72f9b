package extract

import (
	"archive/zip"
	"context"
	"encoding/csv"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/xuri/excelize/v2"

	"github.com/tendant/simple-docworker/internal/failure"
)

// DocxStrategy reads the body text of a Word document.
type DocxStrategy struct{}

func (DocxStrategy) Name() string { return "docx" }

func (DocxStrategy) Supports(f Format) bool { return f == FormatDOCX }

func (DocxStrategy) Extract(ctx context.Context, path string) (Result, error) {
	zr, err := zip.OpenReader(path)
	if err != nil {
		return Result{}, failure.Invalid(err, "open docx")
	}
	defer zr.Close()

	var body *zip.File
	for _, f := range zr.File {
		if f.Name == "word/document.xml" {
			body = f
			break
		}
	}
	if body == nil {
		return Result{}, failure.Invalid(nil, "docx has no word/document.xml")
	}

	rc, err := body.Open()
	if err != nil {
		return Result{}, failure.Processing(err, "open document.xml")
	}
	defer rc.Close()

	text, paragraphs, err := docxText(ctx, rc)
	if err != nil {
		return Result{}, failure.Processing(err, "parse document.xml")
	}
	res := Result{Text: text, Pages: 1, Method: "docx"}
	if paragraphs == 0 {
		res.Warnings = append(res.Warnings, "document has no paragraphs")
	}
	return res, nil
}

// docxText walks the WordprocessingML token stream: w:t runs carry text,
// w:tab and w:br are whitespace, and w:p closes a paragraph.
func docxText(ctx context.Context, r io.Reader) (string, int, error) {
	dec := xml.NewDecoder(r)
	var (
		b          strings.Builder
		inText     bool
		paragraphs int
	)
	for {
		if err := ctx.Err(); err != nil {
			return "", 0, err
		}
		tok, err := dec.Token()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return "", 0, err
		}
		switch t := tok.(type) {
		case xml.StartElement:
			switch t.Name.Local {
			case "t":
				inText = true
			case "tab":
				b.WriteByte('\t')
			case "br", "cr":
				b.WriteByte('\n')
			}
		case xml.EndElement:
			switch t.Name.Local {
			case "t":
				inText = false
			case "p":
				b.WriteByte('\n')
				paragraphs++
			}
		case xml.CharData:
			if inText {
				b.Write(t)
			}
		}
	}
	return b.String(), paragraphs, nil
}

// SheetStrategy flattens every worksheet of an xlsx workbook into text.
type SheetStrategy struct{}

func (SheetStrategy) Name() string { return "xlsx" }

func (SheetStrategy) Supports(f Format) bool { return f == FormatSpreadsheet }

func (SheetStrategy) Extract(ctx context.Context, path string) (Result, error) {
	f, err := excelize.OpenFile(path)
	if err != nil {
		return Result{}, failure.Invalid(err, "open workbook")
	}
	defer f.Close()

	var b strings.Builder
	sheets := f.GetSheetList()
	for _, sheet := range sheets {
		if err := ctx.Err(); err != nil {
			return Result{}, err
		}
		rows, err := f.GetRows(sheet)
		if err != nil {
			return Result{}, failure.Processing(err, "read sheet %s", sheet)
		}
		if len(rows) == 0 {
			continue
		}
		fmt.Fprintf(&b, "Sheet: %s\n", sheet)
		for _, row := range rows {
			b.WriteString(strings.Join(row, "\t"))
			b.WriteByte('\n')
		}
		b.WriteByte('\n')
	}
	return Result{Text: b.String(), Pages: len(sheets), Method: "xlsx"}, nil
}

// CSVStrategy renders rows tab separated.
type CSVStrategy struct{}

func (CSVStrategy) Name() string { return "csv" }

func (CSVStrategy) Supports(f Format) bool { return f == FormatCSV }

func (CSVStrategy) Extract(_ context.Context, path string) (Result, error) {
	fh, err := os.Open(path)
	if err != nil {
		return Result{}, failure.Processing(err, "open csv")
	}
	defer fh.Close()

	r := csv.NewReader(fh)
	r.FieldsPerRecord = -1
	r.LazyQuotes = true

	var b strings.Builder
	for {
		rec, err := r.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return Result{}, failure.Invalid(err, "parse csv")
		}
		b.WriteString(strings.Join(rec, "\t"))
		b.WriteByte('\n')
	}
	return Result{Text: b.String(), Pages: 1, Method: "csv"}, nil
}

// TextStrategy reads plain text files as-is.
type TextStrategy struct{}

func (TextStrategy) Name() string { return "text" }

func (TextStrategy) Supports(f Format) bool { return f == FormatText }

func (TextStrategy) Extract(_ context.Context, path string) (Result, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Result{}, failure.Processing(err, "read text")
	}
	return Result{Text: string(b), Pages: 1, Method: "text"}, nil
}
