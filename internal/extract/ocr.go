package extract

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/disintegration/imaging"

	"github.com/tendant/simple-docworker/internal/failure"
)

// Pages narrower than this are upscaled before OCR.
const minOCRWidth = 1200

type ocrEngine struct {
	cfg    Config
	runner Runner
	logger *slog.Logger
}

// pdf rasterizes every page with pdftoppm and OCRs each one.
func (o *ocrEngine) pdf(ctx context.Context, path string) (string, int, []string, error) {
	tmpDir, err := os.MkdirTemp("", "docworker-ocr-*")
	if err != nil {
		return "", 0, nil, err
	}
	defer func() {
		if err := os.RemoveAll(tmpDir); err != nil {
			o.logger.Warn("remove ocr temp dir failed", "dir", tmpDir, "err", err)
		}
	}()

	prefix := filepath.Join(tmpDir, "page")
	// pdftoppm -r 300 -png <in.pdf> <tmp/page>
	args := []string{"-r", strconv.Itoa(o.cfg.DPI), "-png"}
	if o.cfg.MaxPages > 0 {
		args = append(args, "-l", strconv.Itoa(o.cfg.MaxPages))
	}
	args = append(args, path, prefix)
	if _, errb, err := o.runner.Run(ctx, o.cfg.Pdftoppm, args...); err != nil {
		return "", 0, []string{string(errb)}, fmt.Errorf("pdftoppm: %w", err)
	}

	matches, _ := filepath.Glob(prefix + "-*.png")
	sort.Slice(matches, func(i, j int) bool { return pageNumber(matches[i]) < pageNumber(matches[j]) })
	if len(matches) == 0 {
		return "", 0, []string{"pdftoppm produced no images"}, errors.New("no pages rendered")
	}

	var (
		b     strings.Builder
		warns []string
	)
	for _, page := range matches {
		txt, err := o.image(ctx, page)
		if err != nil {
			warns = append(warns, err.Error())
			continue
		}
		if b.Len() > 0 {
			b.WriteString("\n\f\n")
		}
		b.WriteString(txt)
	}
	if b.Len() == 0 && len(warns) > 0 {
		return "", len(matches), warns, fmt.Errorf("ocr failed on all %d pages", len(matches))
	}
	return b.String(), len(matches), warns, nil
}

// image cleans up a page image and runs tesseract on it.
func (o *ocrEngine) image(ctx context.Context, path string) (string, error) {
	prepared, cleanup, err := o.prepare(path)
	if err != nil {
		return "", err
	}
	defer cleanup()

	// tesseract <file> stdout -l <lang>
	out, errb, err := o.runner.Run(ctx, o.cfg.Tesseract, prepared, "stdout", "-l", o.cfg.Lang)
	if err != nil {
		return "", fmt.Errorf("tesseract: %w: %s", err, truncate(string(errb), 512))
	}
	return string(out), nil
}

// prepare converts the image to high-contrast grayscale, which tesseract
// handles far better than colour photos of paper.
func (o *ocrEngine) prepare(path string) (string, func(), error) {
	src, err := imaging.Open(path, imaging.AutoOrientation(true))
	if err != nil {
		return "", nil, failure.Invalid(err, "open image %s", filepath.Base(path))
	}

	img := imaging.Grayscale(src)
	if w := img.Bounds().Dx(); w > 0 && w < minOCRWidth {
		img = imaging.Resize(img, minOCRWidth, 0, imaging.Lanczos)
	}
	img = imaging.AdjustContrast(img, 20)
	img = imaging.Sharpen(img, 0.5)

	f, err := os.CreateTemp("", "docworker-prep-*.png")
	if err != nil {
		return "", nil, fmt.Errorf("create temp image: %w", err)
	}
	f.Close()
	if err := imaging.Save(img, f.Name()); err != nil {
		os.Remove(f.Name())
		return "", nil, fmt.Errorf("save prepared image: %w", err)
	}
	return f.Name(), func() { os.Remove(f.Name()) }, nil
}

// pageNumber parses the N out of "page-N.png" so page 10 sorts after page 9.
func pageNumber(path string) int {
	base := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	i := strings.LastIndexByte(base, '-')
	if i < 0 {
		return 0
	}
	n, _ := strconv.Atoi(base[i+1:])
	return n
}

// ImageStrategy OCRs standalone image uploads.
type ImageStrategy struct {
	ocr *ocrEngine
}

func (s *ImageStrategy) Name() string { return "image-ocr" }

func (s *ImageStrategy) Supports(f Format) bool { return f == FormatImage }

func (s *ImageStrategy) Extract(ctx context.Context, path string) (Result, error) {
	txt, err := s.ocr.image(ctx, path)
	if err != nil {
		if failure.Is(err, failure.KindInvalid) {
			return Result{}, err
		}
		return Result{}, failure.Processing(err, "image ocr")
	}
	return Result{Text: txt, Pages: 1, Method: "image-ocr"}, nil
}
