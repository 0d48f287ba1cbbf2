// Package normalize corrects output page geometry back to the source page,
// undoing any scaling drift from the rasterize/recognize round trip.
package normalize

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"

	"github.com/mdutra/ocrpipe/internal/common"
	"github.com/mdutra/ocrpipe/internal/job"
	"github.com/mdutra/ocrpipe/internal/pdf"
)

type Normalizer struct {
	kit    *pdf.Toolkit
	logger *slog.Logger
}

func NewNormalizer(kit *pdf.Toolkit, logger *slog.Logger) *Normalizer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Normalizer{kit: kit, logger: logger}
}

// Normalize rewrites p.FinalPDF to the exact source page geometry: the
// original MediaBox width/height plus the original /Rotate. Rasterization
// bakes the source rotation into the rendered image, so a rotated source
// always needs the rewrite even when the rebuilt dimensions look right.
// Pages that passed through with an existing text layer keep the original
// page and need no correction.
func (n *Normalizer) Normalize(ctx context.Context, j *job.Job, p *job.Page) error {
	if p.HasTextLayer {
		return nil
	}
	if p.FinalPDF == "" {
		return fmt.Errorf("normalize page %d: no rebuilt page", p.Index)
	}

	got, err := n.kit.Info(ctx, p.FinalPDF)
	if err != nil {
		return common.WrapError(err, fmt.Sprintf("measure rebuilt page %d", p.Index))
	}
	if got.Pages == 1 && got.PageGeom[0].Equal(p.Geometry) {
		return nil
	}

	out := filepath.Join(j.TempDir, fmt.Sprintf("norm-page-%d.pdf", p.Index))
	if err := n.kit.ResizePage(ctx, p.FinalPDF, out, p.Geometry); err != nil {
		return common.WrapError(err, fmt.Sprintf("normalize page %d", p.Index))
	}
	n.logger.Debug("page geometry corrected",
		"job_id", j.Claim.JobID, "page", p.Index,
		"from_w", got.PageGeom[0].Width, "from_h", got.PageGeom[0].Height,
		"to_w", p.Geometry.Width, "to_h", p.Geometry.Height, "to_rot", p.Geometry.Rotation)
	p.FinalPDF = out
	return nil
}
