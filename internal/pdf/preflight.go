package pdf

import (
	"context"
	"strings"

	"github.com/mdutra/ocrpipe/internal/common"
)

// ToolVersion is one preflight result.
type ToolVersion struct {
	Name    string
	Command string
	Version string
}

// CheckTools verifies every required external program answers its version
// probe. Any failure is fatal before scanning begins; a half-capable instance
// must not start claiming documents.
func (t *Toolkit) CheckTools(ctx context.Context) ([]ToolVersion, error) {
	probes := []struct {
		name string
		cmd  string
		arg  string
	}{
		{"pdfinfo", t.tools.Pdfinfo, "-v"},
		{"pdfsig", t.tools.Pdfsig, "-v"},
		{"pdfimages", t.tools.Pdfimages, "-v"},
		{"pdftotext", t.tools.Pdftotext, "-v"},
		{"pdfseparate", t.tools.Pdfseparate, "-v"},
		{"pdftoppm", t.tools.Pdftoppm, "-v"},
		{"pdfunite", t.tools.Pdfunite, "-v"},
		{"tesseract", t.tools.Tesseract, "--version"},
		{"gs", t.tools.Ghostscript, "--version"},
	}

	out := make([]ToolVersion, 0, len(probes))
	for _, p := range probes {
		stdout, stderr, err := t.runner.Run(ctx, p.cmd, p.arg)
		version := firstLine(stdout)
		if version == "" {
			version = firstLine(stderr) // poppler prints versions on stderr
		}
		if err != nil && version == "" {
			return out, common.NewAppError("MISSING_CAPABILITY",
				p.name+" is not invocable", common.ErrMissingCapability)
		}
		if version == "" {
			return out, common.NewAppError("MISSING_CAPABILITY",
				p.name+" gave no version output", common.ErrMissingCapability)
		}
		out = append(out, ToolVersion{Name: p.name, Command: p.cmd, Version: version})
		t.logger.Debug("tool preflight ok", "tool", p.name, "version", version)
	}
	return out, nil
}

// HasText reports whether extracted page text is substantive enough to count
// as a prior hidden layer. Whitespace and stray control characters from the
// extractor do not count.
func HasText(text string) bool {
	return len(strings.TrimSpace(text)) >= 3
}
