package ocr

import (
	"context"
	"fmt"
	"strconv"
	"strings"
)

// tsvMeanConfidence runs tesseract in TSV mode and returns mean word conf in 0..1.
func (i *Injector) tsvMeanConfidence(ctx context.Context, imagePath string) (float32, error) {
	args := []string{imagePath, "stdout", "--oem", legacyOEM, "-l", i.langSpec()}
	if i.tessdataDir != "" {
		args = append(args, "--tessdata-dir", i.tessdataDir)
	}
	args = append(args, "tsv")

	out, errb, err := i.kit.Runner().Run(ctx, i.kit.Tools().Tesseract, args...)
	if err != nil {
		return 0, fmt.Errorf("tesseract TSV: %w (%s)", err, firstLine(errb))
	}

	lines := strings.Split(string(out), "\n")
	// conf is the 11th column; the trailing column is the recognized word
	var sum, n float64
	for idx, ln := range lines {
		if idx == 0 || len(ln) == 0 {
			continue // skip header
		}
		cols := strings.Split(ln, "\t")
		if len(cols) < 12 {
			continue
		}
		confStr := cols[10]
		if confStr == "" || confStr == "-1" {
			continue
		}
		if v, err := strconv.ParseFloat(confStr, 64); err == nil {
			sum += v
			n++
		}
	}
	if n == 0 {
		return 0, nil
	}
	mean := sum / n // 0..100
	return float32(mean / 100.0), nil
}
