// cmd/extract runs text extraction, and optionally the configured summarizer,
// on a local file without the queue or the job store.
//
// Usage:
//
//	./extract -input scan.pdf
//	./extract -input invoice.docx -analyze
//	./extract -input letter.png -json
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/gabriel-vasile/mimetype"

	"github.com/tendant/simple-docworker/internal/analyzer"
	"github.com/tendant/simple-docworker/internal/app"
	"github.com/tendant/simple-docworker/internal/config"
	"github.com/tendant/simple-docworker/internal/extract"
	"github.com/tendant/simple-docworker/internal/logger"
)

type output struct {
	File     string          `json:"file"`
	MimeType string          `json:"mime_type"`
	Format   extract.Format  `json:"format"`
	Method   string          `json:"method"`
	Pages    int             `json:"pages"`
	Chars    int             `json:"chars"`
	Duration string          `json:"duration"`
	Warnings []string        `json:"warnings,omitempty"`
	Text     string          `json:"text,omitempty"`
	Analysis json.RawMessage `json:"analysis,omitempty"`
}

func main() {
	input := flag.String("input", "", "Input file path (required)")
	analyze := flag.Bool("analyze", false, "Also summarize with the configured AI provider")
	asJSON := flag.Bool("json", false, "Print the result as JSON")
	preview := flag.Int("preview", 600, "Characters of extracted text to print (0 = all)")
	timeout := flag.Duration("timeout", 5*time.Minute, "Overall timeout")
	verbose := flag.Bool("v", false, "Verbose logging")
	flag.Parse()

	if *input == "" {
		fmt.Println("Error: -input flag is required")
		flag.Usage()
		os.Exit(1)
	}
	if _, err := os.Stat(*input); err != nil {
		log.Fatalf("Input file not found: %s", *input)
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Load config: %v", err)
	}
	level := "warn"
	if *verbose {
		level = "debug"
	}
	lg := logger.New(level, "text")

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	mt, err := mimetype.DetectFile(*input)
	if err != nil {
		log.Fatalf("Detect file type: %v", err)
	}
	format, err := extract.DetectFormat(*input, mt.String())
	if err != nil {
		log.Fatalf("%v\n\nSupported extensions: %s", err, supported())
	}

	ext := extract.New(app.ExtractConfig(cfg.OCR), lg)
	res, err := ext.Extract(ctx, *input, mt.String())
	if err != nil {
		log.Fatalf("Extraction failed: %v", err)
	}

	out := output{
		File:     *input,
		MimeType: mt.String(),
		Format:   format,
		Method:   res.Method,
		Pages:    res.Pages,
		Chars:    len(res.Text),
		Duration: res.Duration.Round(time.Millisecond).String(),
		Warnings: res.Warnings,
		Text:     clip(res.Text, *preview),
	}

	if *analyze {
		a, err := analyzer.New(ctx, cfg.AI, ext, lg)
		if err != nil {
			log.Fatalf("Build analyzer: %v", err)
		}
		report, err := a.Process(ctx, *input, mt.String())
		if err != nil {
			log.Fatalf("Analysis failed: %v", err)
		}
		out.Analysis, _ = json.Marshal(report.Analysis)
	}

	if *asJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		_ = enc.Encode(out)
		return
	}
	printResult(out)
}

func printResult(o output) {
	fmt.Println(strings.Repeat("-", 40))
	fmt.Printf("File:     %s\n", o.File)
	fmt.Printf("Type:     %s (%s)\n", o.MimeType, o.Format)
	fmt.Printf("Method:   %s\n", o.Method)
	fmt.Printf("Pages:    %d\n", o.Pages)
	fmt.Printf("Chars:    %d\n", o.Chars)
	fmt.Printf("Time:     %s\n", o.Duration)
	for _, w := range o.Warnings {
		fmt.Printf("Warning:  %s\n", w)
	}
	fmt.Println(strings.Repeat("-", 40))
	fmt.Println(o.Text)
	if len(o.Analysis) > 0 {
		fmt.Println(strings.Repeat("-", 40))
		fmt.Println(string(o.Analysis))
	}
}

func clip(s string, n int) string {
	if n <= 0 || len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

func supported() string {
	exts := extract.SupportedExtensions()
	sort.Strings(exts)
	return strings.Join(exts, " ")
}
