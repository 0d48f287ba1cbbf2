// Package assemble merges processed pages back into one document and applies
// the archival conversion. Everything happens inside the job temp area; the
// router performs the single rename that makes the result visible.
package assemble

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"sort"

	"github.com/mdutra/ocrpipe/internal/common"
	"github.com/mdutra/ocrpipe/internal/job"
	"github.com/mdutra/ocrpipe/internal/pdf"
)

type Assembler struct {
	kit    *pdf.Toolkit
	dpi    int
	logger *slog.Logger
}

func NewAssembler(kit *pdf.Toolkit, dpi int, logger *slog.Logger) *Assembler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Assembler{kit: kit, dpi: dpi, logger: logger}
}

// Assemble merges j's final pages in original page order, converts to
// compressed PDF/A and returns the path of the finished artifact inside the
// temp area. Any failure leaves only temp-area debris, which the terminal
// cleanup removes; nothing partial can reach Saida.
func (a *Assembler) Assemble(ctx context.Context, j *job.Job) (string, error) {
	pages := make([]*job.Page, len(j.Pages))
	copy(pages, j.Pages)
	sort.Slice(pages, func(x, y int) bool { return pages[x].Index < pages[y].Index })

	parts := make([]string, len(pages))
	for i, p := range pages {
		if p.FinalPDF == "" {
			return "", common.NewAppError("ASSEMBLY_FAILED",
				fmt.Sprintf("page %d has no final form", p.Index), common.ErrAssembly)
		}
		parts[i] = p.FinalPDF
	}

	merged := filepath.Join(j.TempDir, "merged.pdf")
	if err := a.kit.Unite(ctx, parts, merged); err != nil {
		return "", common.NewAppError("ASSEMBLY_FAILED", "merge pages",
			fmt.Errorf("%w: %w", common.ErrAssembly, err))
	}

	final := filepath.Join(j.TempDir, "final.pdf")
	if err := a.kit.ToPDFA(ctx, merged, final, a.dpi); err != nil {
		return "", common.NewAppError("ASSEMBLY_FAILED", "archival conversion",
			fmt.Errorf("%w: %w", common.ErrAssembly, err))
	}

	a.logger.Debug("document assembled", "job_id", j.Claim.JobID, "pages", len(parts))
	return final, nil
}
