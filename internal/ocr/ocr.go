// Package ocr runs recognition on page images and produces the invisible,
// positionally registered text layer via tesseract's PDF renderer.
package ocr

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/mdutra/ocrpipe/internal/common"
	"github.com/mdutra/ocrpipe/internal/job"
	"github.com/mdutra/ocrpipe/internal/pdf"
)

// legacyOEM pins tesseract's legacy recognition engine so output stays
// reproducible across engine versions.
const legacyOEM = "0"

// Mode selects what the recognizer emits for a page.
type Mode int

const (
	// ModeSearchablePage renders the page image with an invisible text
	// layer as a single-page PDF.
	ModeSearchablePage Mode = iota
	// ModeTextOnly emits recognized text only. Used for signed documents,
	// whose content bytes must never be rewritten.
	ModeTextOnly
)

// Injector drives tesseract per page.
type Injector struct {
	kit           *pdf.Toolkit
	languages     []string
	tessdataDir   string
	tsvConfidence bool
	logger        *slog.Logger
}

func NewInjector(kit *pdf.Toolkit, cfg *common.Config, logger *slog.Logger) *Injector {
	if logger == nil {
		logger = slog.Default()
	}
	return &Injector{
		kit:           kit,
		languages:     cfg.Languages,
		tessdataDir:   cfg.TessdataDir,
		tsvConfidence: cfg.TSVConfidence,
		logger:        logger,
	}
}

// CheckExistingLayer inspects a page for a prior hidden text layer and marks
// the page for passthrough when one is found. This is the idempotence gate: a
// document already carrying the layer is never re-recognized, and never gets
// a second layer embedded on re-runs.
func (i *Injector) CheckExistingLayer(ctx context.Context, j *job.Job, p *job.Page) (bool, error) {
	text, err := i.kit.PageText(ctx, j.Claim.ClaimedPath, p.Index)
	if err != nil {
		return false, common.WrapError(err, "existing layer check")
	}
	if !pdf.HasText(text) {
		return false, nil
	}
	p.HasTextLayer = true
	p.Text = text
	p.FinalPDF = p.SourcePDF // pass the original page through unchanged
	i.logger.Debug("page already has text layer, skipping ocr",
		"job_id", j.Claim.JobID, "page", p.Index)
	return true, nil
}

// Recognize runs tesseract on p.Image. In ModeSearchablePage the result is a
// single-page PDF holding the original raster plus the invisible layer,
// staged in the job temp area for normalization. A recognition failure is
// always job-fatal; no partially recognized document is ever shipped.
func (i *Injector) Recognize(ctx context.Context, j *job.Job, p *job.Page, mode Mode) error {
	if p.Image == "" {
		return common.NewAppError("OCR_FAILED",
			fmt.Sprintf("page %d has no extracted image", p.Index), common.ErrOCR)
	}

	base := filepath.Join(j.TempDir, fmt.Sprintf("ocr-page-%d", p.Index))
	args := []string{p.Image, base, "--oem", legacyOEM, "-l", i.langSpec()}
	if i.tessdataDir != "" {
		args = append(args, "--tessdata-dir", i.tessdataDir)
	}
	if mode == ModeSearchablePage {
		args = append(args, "pdf", "txt")
	} else {
		args = append(args, "txt")
	}

	_, errb, err := i.kit.Runner().Run(ctx, i.kit.Tools().Tesseract, args...)
	if err != nil {
		return common.NewAppError("OCR_FAILED",
			fmt.Sprintf("page %d: %s", p.Index, firstLine(errb)), common.ErrOCR)
	}

	text, err := os.ReadFile(base + ".txt")
	if err != nil {
		return common.NewAppError("OCR_FAILED",
			fmt.Sprintf("page %d produced no text output", p.Index), common.ErrOCR)
	}
	p.Text = NormalizeText(string(text))

	if mode == ModeSearchablePage {
		out := base + ".pdf"
		if _, statErr := os.Stat(out); statErr != nil {
			return common.NewAppError("OCR_FAILED",
				fmt.Sprintf("page %d produced no searchable page", p.Index), common.ErrOCR)
		}
		p.FinalPDF = out
	}

	if i.tsvConfidence {
		if conf, err := i.tsvMeanConfidence(ctx, p.Image); err == nil {
			p.Confidence = conf
		} else {
			i.logger.Warn("tsv confidence pass failed",
				"job_id", j.Claim.JobID, "page", p.Index, "error", err)
		}
	}
	return nil
}

func (i *Injector) langSpec() string {
	if len(i.languages) == 0 {
		return "por"
	}
	spec := i.languages[0]
	for _, l := range i.languages[1:] {
		spec += "+" + l
	}
	return spec
}

func firstLine(b []byte) string {
	s := string(b)
	for idx := 0; idx < len(s); idx++ {
		if s[idx] == '\n' {
			return s[:idx]
		}
	}
	return s
}
