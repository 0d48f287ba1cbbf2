// Package job holds the domain model for one claimed document and its pages.
package job

import (
	"time"

	"github.com/mdutra/ocrpipe/constants"
	"github.com/mdutra/ocrpipe/internal/claim"
)

// EncodingClass classifies how a page's visual content is stored.
type EncodingClass string

const (
	// EncodingRaster: a plain raster image page.
	EncodingRaster EncodingClass = "raster"
	// EncodingStencil: black/white mask content. Extraction preserves the
	// page but cropping fidelity is best-effort.
	EncodingStencil EncodingClass = "stencil"
	// EncodingUnknown: unrecognized or ambiguous; handled by the default
	// full-page rasterization fallback.
	EncodingUnknown EncodingClass = "unknown"
)

// Geometry is a page's size in PDF points plus its rotation.
type Geometry struct {
	Width    float64
	Height   float64
	Rotation int
}

// Equal compares geometries within half a point of tolerance.
func (g Geometry) Equal(o Geometry) bool {
	const tol = 0.5
	return abs(g.Width-o.Width) <= tol && abs(g.Height-o.Height) <= tol && g.Rotation == o.Rotation
}

func abs(f float64) float64 {
	if f < 0 {
		return -f
	}
	return f
}

// Page is one page unit of a job. Extraction is driven by page boundaries,
// never by embedded image count.
type Page struct {
	Index    int // 1-based, order preserving
	Geometry Geometry
	Encoding EncodingClass

	// DPI is the effective rasterization resolution chosen by the
	// extraction strategy for this page.
	DPI int

	// HasTextLayer marks a page that already carries extractable text; OCR
	// is skipped and the original page passes through unchanged.
	HasTextLayer bool

	// SourcePDF is the per-page PDF split out of the original.
	SourcePDF string
	// Image is the rasterized page image feeding OCR; empty on passthrough.
	Image string
	// FinalPDF is the searchable, geometry-normalized page ready to merge.
	FinalPDF string

	Text       string
	Confidence float32
}

// Job is one claimed document moving through the pipeline. Exactly one
// instance owns a Job once claimed; all post-claim transitions are local.
type Job struct {
	Claim  claim.Token
	Signed bool
	State  constants.JobState
	Pages  []*Page

	// TempDir is this job's private working area, removed on every terminal
	// transition.
	TempDir string

	StartedAt time.Time
}

// New wraps a claim token into a job in the Claimed state.
func New(token claim.Token, tempDir string) *Job {
	return &Job{
		Claim:     token,
		State:     constants.StateClaimed,
		TempDir:   tempDir,
		StartedAt: time.Now().UTC(),
	}
}
