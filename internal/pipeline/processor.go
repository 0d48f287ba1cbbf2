// Package pipeline sequences a claimed document through signature check,
// extraction, recognition, normalization, assembly and terminal routing.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"

	"golang.org/x/sync/errgroup"

	"github.com/mdutra/ocrpipe/constants"
	"github.com/mdutra/ocrpipe/internal/assemble"
	"github.com/mdutra/ocrpipe/internal/claim"
	"github.com/mdutra/ocrpipe/internal/common"
	"github.com/mdutra/ocrpipe/internal/extract"
	"github.com/mdutra/ocrpipe/internal/job"
	"github.com/mdutra/ocrpipe/internal/normalize"
	"github.com/mdutra/ocrpipe/internal/ocr"
	"github.com/mdutra/ocrpipe/internal/pdf"
	"github.com/mdutra/ocrpipe/internal/route"
	"github.com/mdutra/ocrpipe/internal/sched"
)

// Processor owns one document end to end after the claim.
type Processor struct {
	kit        *pdf.Toolkit
	extractor  *extract.Extractor
	injector   *ocr.Injector
	normalizer *normalize.Normalizer
	assembler  *assemble.Assembler
	router     *route.Router
	scheduler  *sched.Scheduler
	logger     *slog.Logger
}

func NewProcessor(
	kit *pdf.Toolkit,
	extractor *extract.Extractor,
	injector *ocr.Injector,
	normalizer *normalize.Normalizer,
	assembler *assemble.Assembler,
	router *route.Router,
	scheduler *sched.Scheduler,
	logger *slog.Logger,
) *Processor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Processor{
		kit:        kit,
		extractor:  extractor,
		injector:   injector,
		normalizer: normalizer,
		assembler:  assembler,
		router:     router,
		scheduler:  scheduler,
		logger:     logger,
	}
}

// Process runs the full pipeline for a freshly claimed document. It always
// reaches exactly one terminal route: Saida+archive, or Erro.
func (p *Processor) Process(ctx context.Context, token claim.Token) error {
	tempDir := filepath.Join(token.Root.Temp(token.InstanceID), token.JobID.String())
	j := job.New(token, tempDir)
	if err := os.MkdirAll(tempDir, 0o755); err != nil {
		return p.router.Failure(ctx, j, "setup", fmt.Errorf("create temp area: %w", err))
	}

	// The signature gate runs before any content-modifying stage: a signed
	// document must never have its content stream rewritten.
	signed, err := p.kit.HasSignature(ctx, token.ClaimedPath)
	if err != nil {
		return p.router.Failure(ctx, j, "signature", err)
	}
	j.Signed = signed

	info, err := p.kit.Info(ctx, token.ClaimedPath)
	if err != nil {
		return p.router.Failure(ctx, j, "inspect", err)
	}

	j.State = constants.StateExtracting
	if err := p.extractor.Extract(ctx, j, info); err != nil {
		return p.router.Failure(ctx, j, "extract", err)
	}

	j.State = constants.StateOCRing
	if err := p.runPages(ctx, j); err != nil {
		return p.router.Failure(ctx, j, stageOf(err), err)
	}

	j.State = constants.StateAssembling
	artifact, sidecar, err := p.buildArtifact(ctx, j)
	if err != nil {
		return p.router.Failure(ctx, j, "assemble", err)
	}

	return p.router.Success(ctx, j, artifact, sidecar)
}

// runPages fans the job's pages out over the inner pool. A page that begins
// recognition runs to completion or failure; after the first failure no
// further pages are started, and the first error wins.
func (p *Processor) runPages(ctx context.Context, j *job.Job) error {
	pool := p.scheduler.PagePool()
	var failed atomic.Bool
	var g errgroup.Group

	for _, pg := range j.Pages {
		pg := pg
		g.Go(func() error {
			release, err := pool.Acquire(ctx)
			if err != nil {
				return err
			}
			defer release()
			if failed.Load() {
				return nil // job is already doomed, do not start more work
			}
			if err := p.processPage(ctx, j, pg); err != nil {
				failed.Store(true)
				return err
			}
			return nil
		})
	}
	return g.Wait()
}

func (p *Processor) processPage(ctx context.Context, j *job.Job, pg *job.Page) error {
	// Idempotence gate: a page already carrying a hidden layer passes
	// through unchanged, for signed documents its text feeds the sidecar.
	done, err := p.injector.CheckExistingLayer(ctx, j, pg)
	if err != nil {
		return common.NewAppError("OCR_FAILED",
			fmt.Sprintf("page %d layer check", pg.Index), fmt.Errorf("%w: %w", common.ErrOCR, err))
	}
	if done {
		return nil
	}

	if _, err := p.extractor.PageImage(ctx, j, pg); err != nil {
		return err
	}

	mode := ocr.ModeSearchablePage
	if j.Signed {
		mode = ocr.ModeTextOnly
	}
	if err := p.injector.Recognize(ctx, j, pg, mode); err != nil {
		return err
	}
	if j.Signed {
		return nil
	}
	return p.normalizer.Normalize(ctx, j, pg)
}

// buildArtifact produces the document placed into Saida. Unsigned documents
// are reassembled from their searchable pages; signed documents are copied
// byte-for-byte (the signature must stay verifiable) with the recognized
// text as a sidecar.
func (p *Processor) buildArtifact(ctx context.Context, j *job.Job) (artifact, sidecar string, err error) {
	if !j.Signed {
		artifact, err = p.assembler.Assemble(ctx, j)
		return artifact, "", err
	}

	artifact = filepath.Join(j.TempDir, "final.pdf")
	if err := copyFile(j.Claim.ClaimedPath, artifact); err != nil {
		return "", "", common.NewAppError("ASSEMBLY_FAILED", "copy signed original",
			fmt.Errorf("%w: %w", common.ErrAssembly, err))
	}

	var b strings.Builder
	for i, pg := range j.Pages {
		if i > 0 {
			b.WriteString("\n\f\n") // keep a clear page break marker
		}
		b.WriteString(pg.Text)
	}
	sidecar = filepath.Join(j.TempDir, "sidecar.txt")
	if err := os.WriteFile(sidecar, []byte(b.String()), 0o644); err != nil {
		return "", "", common.NewAppError("ASSEMBLY_FAILED", "write text sidecar",
			fmt.Errorf("%w: %w", common.ErrAssembly, err))
	}
	return artifact, sidecar, nil
}

// stageOf maps a failure back to the pipeline stage name for diagnostics.
func stageOf(err error) string {
	switch {
	case errors.Is(err, common.ErrExtraction):
		return "extract"
	case errors.Is(err, common.ErrOCR):
		return "ocr"
	case errors.Is(err, common.ErrAssembly):
		return "assemble"
	default:
		return "pipeline"
	}
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		_ = out.Close()
		return err
	}
	return out.Close()
}
