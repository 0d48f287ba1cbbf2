// Package pdf wraps the external PDF programs (poppler utilities and
// Ghostscript) behind parseable Go contracts. Everything shells out through a
// runner.Runner so tests substitute canned outputs for real subprocesses.
package pdf

import (
	"context"
	"fmt"
	"os"
	"regexp"
	"strconv"
	"strings"

	"log/slog"

	"github.com/mdutra/ocrpipe/internal/common"
	"github.com/mdutra/ocrpipe/internal/job"
	"github.com/mdutra/ocrpipe/internal/runner"
)

// DocInfo summarizes a document as reported by pdfinfo.
type DocInfo struct {
	Pages    int
	PageGeom []job.Geometry // indexed by page-1
}

// ImageRow is one row of pdfimages -list output.
type ImageRow struct {
	Page     int
	Num      int
	Type     string // image | stencil | smask
	Width    int
	Height   int
	Encoding string // jpeg | jpx | ccitt | jbig2 | image | ...
	XPPI     int
	YPPI     int
}

// Toolkit invokes the external PDF programs.
type Toolkit struct {
	tools  common.ToolsConfig
	runner runner.Runner
	logger *slog.Logger
}

// NewToolkit resolves empty tool paths to the conventional command names.
func NewToolkit(tools common.ToolsConfig, r runner.Runner, logger *slog.Logger) *Toolkit {
	if r == nil {
		r = runner.Exec()
	}
	if logger == nil {
		logger = slog.Default()
	}
	setDefault(&tools.Pdfinfo, "pdfinfo")
	setDefault(&tools.Pdfsig, "pdfsig")
	setDefault(&tools.Pdfimages, "pdfimages")
	setDefault(&tools.Pdftotext, "pdftotext")
	setDefault(&tools.Pdfseparate, "pdfseparate")
	setDefault(&tools.Pdftoppm, "pdftoppm")
	setDefault(&tools.Pdfunite, "pdfunite")
	setDefault(&tools.Tesseract, "tesseract")
	setDefault(&tools.Ghostscript, "gs")
	return &Toolkit{tools: tools, runner: r, logger: logger}
}

func setDefault(s *string, v string) {
	if *s == "" {
		*s = v
	}
}

// Runner exposes the underlying runner for sibling packages sharing the same
// subprocess seam (the OCR injector).
func (t *Toolkit) Runner() runner.Runner { return t.runner }

// Tools returns the resolved tool names.
func (t *Toolkit) Tools() common.ToolsConfig { return t.tools }

var (
	rePages    = regexp.MustCompile(`(?m)^Pages:\s+(\d+)\s*$`)
	rePageSize = regexp.MustCompile(`(?m)^Page\s+(\d+)\s+size:\s+([0-9.]+)\s+x\s+([0-9.]+)\s+pts`)
	rePageRot  = regexp.MustCompile(`(?m)^Page\s+(\d+)\s+rot:\s+(-?\d+)\s*$`)
)

// Info returns the true page count and per-page geometry.
// pdfinfo -f 1 -l <n> emits one "Page N size:" and "Page N rot:" pair per page.
func (t *Toolkit) Info(ctx context.Context, path string) (DocInfo, error) {
	out, errb, err := t.runner.Run(ctx, t.tools.Pdfinfo, path)
	if err != nil {
		return DocInfo{}, fmt.Errorf("pdfinfo %s: %w (%s)", path, err, firstLine(errb))
	}
	m := rePages.FindSubmatch(out)
	if m == nil {
		return DocInfo{}, fmt.Errorf("pdfinfo %s: no page count in output", path)
	}
	pages, _ := strconv.Atoi(string(m[1]))
	if pages < 1 {
		return DocInfo{}, fmt.Errorf("pdfinfo %s: reported %d pages", path, pages)
	}

	out, errb, err = t.runner.Run(ctx, t.tools.Pdfinfo, "-f", "1", "-l", strconv.Itoa(pages), path)
	if err != nil {
		return DocInfo{}, fmt.Errorf("pdfinfo pages %s: %w (%s)", path, err, firstLine(errb))
	}

	info := DocInfo{Pages: pages, PageGeom: make([]job.Geometry, pages)}
	for _, sm := range rePageSize.FindAllSubmatch(out, -1) {
		idx, _ := strconv.Atoi(string(sm[1]))
		if idx < 1 || idx > pages {
			continue
		}
		w, _ := strconv.ParseFloat(string(sm[2]), 64)
		h, _ := strconv.ParseFloat(string(sm[3]), 64)
		info.PageGeom[idx-1].Width = w
		info.PageGeom[idx-1].Height = h
	}
	for _, sm := range rePageRot.FindAllSubmatch(out, -1) {
		idx, _ := strconv.Atoi(string(sm[1]))
		if idx < 1 || idx > pages {
			continue
		}
		rot, _ := strconv.Atoi(string(sm[2]))
		info.PageGeom[idx-1].Rotation = normalizeRotation(rot)
	}
	for i, g := range info.PageGeom {
		if g.Width <= 0 || g.Height <= 0 {
			return DocInfo{}, fmt.Errorf("pdfinfo %s: missing geometry for page %d", path, i+1)
		}
	}
	return info, nil
}

func normalizeRotation(rot int) int {
	rot %= 360
	if rot < 0 {
		rot += 360
	}
	return rot
}

// HasSignature reports whether the document carries a digital signature.
// pdfsig's exit status differs across poppler versions, so the decision is
// made on its output text.
func (t *Toolkit) HasSignature(ctx context.Context, path string) (bool, error) {
	out, errb, err := t.runner.Run(ctx, t.tools.Pdfsig, path)
	combined := string(out) + string(errb)
	if strings.Contains(combined, "does not contain any signatures") {
		return false, nil
	}
	if strings.Contains(combined, "Signature #") {
		return true, nil
	}
	if err != nil {
		return false, fmt.Errorf("pdfsig %s: %w (%s)", path, err, firstLine(errb))
	}
	return false, nil
}

// ListImages parses pdfimages -list. Rows that do not parse are skipped; the
// classifier treats pages with no usable rows as unknown encoding.
func (t *Toolkit) ListImages(ctx context.Context, path string) ([]ImageRow, error) {
	out, errb, err := t.runner.Run(ctx, t.tools.Pdfimages, "-list", path)
	if err != nil {
		return nil, fmt.Errorf("pdfimages -list %s: %w (%s)", path, err, firstLine(errb))
	}
	var rows []ImageRow
	for _, line := range strings.Split(string(out), "\n") {
		fields := strings.Fields(line)
		// page num type width height color comp bpc enc interp object ID x-ppi y-ppi size ratio
		if len(fields) < 14 {
			continue
		}
		page, err1 := strconv.Atoi(fields[0])
		num, err2 := strconv.Atoi(fields[1])
		if err1 != nil || err2 != nil {
			continue // header or separator line
		}
		w, _ := strconv.Atoi(fields[3])
		h, _ := strconv.Atoi(fields[4])
		xppi, _ := strconv.Atoi(fields[12])
		yppi, _ := strconv.Atoi(fields[13])
		rows = append(rows, ImageRow{
			Page:     page,
			Num:      num,
			Type:     fields[2],
			Width:    w,
			Height:   h,
			Encoding: fields[8],
			XPPI:     xppi,
			YPPI:     yppi,
		})
	}
	return rows, nil
}

// PageText extracts the text of a single page (form-feed free). Used as the
// idempotence marker: a page that already yields text carries a prior layer.
func (t *Toolkit) PageText(ctx context.Context, path string, page int) (string, error) {
	p := strconv.Itoa(page)
	out, errb, err := t.runner.Run(ctx, t.tools.Pdftotext,
		"-f", p, "-l", p, "-enc", "UTF-8", "-eol", "unix", path, "-")
	if err != nil {
		return "", fmt.Errorf("pdftotext page %d of %s: %w (%s)", page, path, err, firstLine(errb))
	}
	return strings.TrimSuffix(string(out), "\f"), nil
}

// Separate splits the document into per-page PDFs named pattern (with %d),
// returning the paths in page order. pdfseparate is driven by page
// boundaries, so the result length always equals the page count.
func (t *Toolkit) Separate(ctx context.Context, path, pattern string, pages int) ([]string, error) {
	_, errb, err := t.runner.Run(ctx, t.tools.Pdfseparate, path, pattern)
	if err != nil {
		return nil, fmt.Errorf("pdfseparate %s: %w (%s)", path, err, firstLine(errb))
	}
	out := make([]string, pages)
	for i := 1; i <= pages; i++ {
		p := fmt.Sprintf(pattern, i)
		if _, statErr := os.Stat(p); statErr != nil {
			return nil, fmt.Errorf("pdfseparate %s: page %d missing: %w", path, i, statErr)
		}
		out[i-1] = p
	}
	return out, nil
}

// RasterizePage renders one page to an image at dpi. mono selects the 1-bit
// path used for stencil pages. Returns the produced image path.
func (t *Toolkit) RasterizePage(ctx context.Context, path string, page, dpi int, mono bool, outPrefix string) (string, error) {
	p := strconv.Itoa(page)
	args := []string{"-f", p, "-l", p, "-r", strconv.Itoa(dpi), "-singlefile"}
	ext := ".png"
	if mono {
		args = append(args, "-mono")
		ext = ".pbm"
	} else {
		args = append(args, "-png")
	}
	args = append(args, path, outPrefix)

	_, errb, err := t.runner.Run(ctx, t.tools.Pdftoppm, args...)
	if err != nil {
		return "", fmt.Errorf("pdftoppm page %d of %s: %w (%s)", page, path, err, firstLine(errb))
	}
	out := outPrefix + ext
	if _, statErr := os.Stat(out); statErr != nil {
		return "", fmt.Errorf("pdftoppm page %d of %s: no image produced: %w", page, path, statErr)
	}
	return out, nil
}

// Unite merges per-page PDFs, preserving argument order, into out.
func (t *Toolkit) Unite(ctx context.Context, pages []string, out string) error {
	if len(pages) == 0 {
		return fmt.Errorf("pdfunite: no pages to merge")
	}
	args := append(append([]string{}, pages...), out)
	_, errb, err := t.runner.Run(ctx, t.tools.Pdfunite, args...)
	if err != nil {
		return fmt.Errorf("pdfunite: %w (%s)", err, firstLine(errb))
	}
	if _, statErr := os.Stat(out); statErr != nil {
		return fmt.Errorf("pdfunite: no output produced: %w", statErr)
	}
	return nil
}

// ToPDFA converts in to compressed PDF/A-2b at out.
func (t *Toolkit) ToPDFA(ctx context.Context, in, out string, imageDPI int) error {
	args := []string{
		"-dBATCH", "-dNOPAUSE", "-dQUIET",
		"-sDEVICE=pdfwrite",
		"-dPDFA=2", "-dPDFACompatibilityPolicy=1",
		"-sColorConversionStrategy=RGB",
		"-dDownsampleColorImages=true",
		fmt.Sprintf("-dColorImageResolution=%d", imageDPI),
		"-o", out, in,
	}
	_, errb, err := t.runner.Run(ctx, t.tools.Ghostscript, args...)
	if err != nil {
		return fmt.Errorf("gs pdfa: %w (%s)", err, firstLine(errb))
	}
	if _, statErr := os.Stat(out); statErr != nil {
		return fmt.Errorf("gs pdfa: no output produced: %w", statErr)
	}
	return nil
}

// ResizePage rewrites in so its media box is exactly target's width x height
// points, scaling content to fit, and reapplies target's rotation. pdfwrite
// turns the Orientation page device value n into /Rotate 90*n on the page.
func (t *Toolkit) ResizePage(ctx context.Context, in, out string, target job.Geometry) error {
	args := []string{
		"-dBATCH", "-dNOPAUSE", "-dQUIET",
		"-sDEVICE=pdfwrite",
		fmt.Sprintf("-dDEVICEWIDTHPOINTS=%.2f", target.Width),
		fmt.Sprintf("-dDEVICEHEIGHTPOINTS=%.2f", target.Height),
		"-dFIXEDMEDIA", "-dPDFFitPage", "-dAutoRotatePages=/None",
		"-o", out,
	}
	if target.Rotation != 0 {
		args = append(args, "-c", fmt.Sprintf("<</Orientation %d>> setpagedevice", target.Rotation/90))
	}
	args = append(args, "-f", in)
	_, errb, err := t.runner.Run(ctx, t.tools.Ghostscript, args...)
	if err != nil {
		return fmt.Errorf("gs resize: %w (%s)", err, firstLine(errb))
	}
	if _, statErr := os.Stat(out); statErr != nil {
		return fmt.Errorf("gs resize: no output produced: %w", statErr)
	}
	return nil
}

func firstLine(b []byte) string {
	s := strings.TrimSpace(string(b))
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i]
	}
	return s
}
