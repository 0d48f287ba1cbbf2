// Package extract splits a claimed document into page units and picks an
// extraction strategy per page from its detected image encoding.
package extract

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"

	"github.com/mdutra/ocrpipe/internal/common"
	"github.com/mdutra/ocrpipe/internal/job"
	"github.com/mdutra/ocrpipe/internal/pdf"
)

// knownRasterEncodings are the image stream encodings handled by the specific
// raster strategy. Anything else routes to the default fallback.
var knownRasterEncodings = map[string]struct{}{
	"image": {},
	"jpeg":  {},
	"jpx":   {},
}

// Classify maps the pdfimages rows of a single page to an encoding class.
// Pure function: zero rows or any unrecognized/mixed combination is unknown,
// any stencil or mask row makes the page stencil-class.
func Classify(rows []pdf.ImageRow, page int) job.EncodingClass {
	var raster, stencil, other int
	for _, r := range rows {
		if r.Page != page {
			continue
		}
		switch r.Type {
		case "stencil", "smask":
			stencil++
		case "image":
			if _, ok := knownRasterEncodings[r.Encoding]; ok {
				raster++
			} else {
				other++
			}
		default:
			other++
		}
	}
	switch {
	case stencil > 0 && raster == 0 && other == 0:
		return job.EncodingStencil
	case raster > 0 && stencil == 0 && other == 0:
		return job.EncodingRaster
	default:
		return job.EncodingUnknown
	}
}

// pageDPI picks the effective resolution for a page from its image rows,
// clamped to a sane range; fallback pages use the configured default.
func pageDPI(rows []pdf.ImageRow, page, def int) int {
	best := 0
	for _, r := range rows {
		if r.Page != page {
			continue
		}
		if r.XPPI > best {
			best = r.XPPI
		}
		if r.YPPI > best {
			best = r.YPPI
		}
	}
	if best == 0 {
		return def
	}
	if best < 72 {
		return 72
	}
	if best > 600 {
		return 600
	}
	return best
}

// Extractor implements the page split and per-page image extraction.
type Extractor struct {
	kit    *pdf.Toolkit
	dpi    int // default full-page rasterization resolution
	logger *slog.Logger
}

func NewExtractor(kit *pdf.Toolkit, defaultDPI int, logger *slog.Logger) *Extractor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Extractor{kit: kit, dpi: defaultDPI, logger: logger}
}

// Extract splits j's claimed document into per-page PDFs and classifies each
// page. Page count is driven by pdfinfo's page boundaries, never by how many
// embedded images a page holds.
func (e *Extractor) Extract(ctx context.Context, j *job.Job, info pdf.DocInfo) error {
	rows, err := e.kit.ListImages(ctx, j.Claim.ClaimedPath)
	if err != nil {
		// Classification is advisory; without it every page takes the
		// default fallback rather than failing the job.
		e.logger.Warn("image listing failed, all pages fall back to default extraction",
			"job_id", j.Claim.JobID, "error", err)
		rows = nil
	}

	pattern := filepath.Join(j.TempDir, "src-page-%d.pdf")
	pagePDFs, err := e.kit.Separate(ctx, j.Claim.ClaimedPath, pattern, info.Pages)
	if err != nil {
		return common.WrapError(err, "split pages")
	}

	j.Pages = make([]*job.Page, info.Pages)
	for i := 0; i < info.Pages; i++ {
		page := i + 1
		j.Pages[i] = &job.Page{
			Index:     page,
			Geometry:  info.PageGeom[i],
			Encoding:  Classify(rows, page),
			DPI:       pageDPI(rows, page, e.dpi),
			SourcePDF: pagePDFs[i],
		}
	}
	return nil
}

// PageImage rasterizes one page for recognition, following its strategy and
// degrading to the default full-page rasterization before giving up.
//
// Known limitation, preserved on purpose: the stencil path renders the full
// page in monochrome and loses the original cropping metadata, so geometry
// fidelity for stencil-class pages is best-effort.
func (e *Extractor) PageImage(ctx context.Context, j *job.Job, p *job.Page) (string, error) {
	prefix := filepath.Join(j.TempDir, fmt.Sprintf("img-page-%d", p.Index))
	src := j.Claim.ClaimedPath

	var (
		img string
		err error
	)
	switch p.Encoding {
	case job.EncodingRaster:
		img, err = e.kit.RasterizePage(ctx, src, p.Index, p.DPI, false, prefix)
	case job.EncodingStencil:
		img, err = e.kit.RasterizePage(ctx, src, p.Index, p.DPI, true, prefix)
	default:
		img, err = e.kit.RasterizePage(ctx, src, p.Index, e.dpi, false, prefix)
	}
	if err != nil && p.Encoding != job.EncodingUnknown {
		e.logger.Warn("strategy extraction failed, retrying with default fallback",
			"job_id", j.Claim.JobID, "page", p.Index, "encoding", p.Encoding, "error", err)
		img, err = e.kit.RasterizePage(ctx, src, p.Index, e.dpi, false, prefix+"-fallback")
	}
	if err != nil {
		return "", common.NewAppError("EXTRACTION_FAILED",
			fmt.Sprintf("page %d", p.Index), fmt.Errorf("%w: %w", common.ErrExtraction, err))
	}
	p.Image = img
	return img, nil
}
