package export

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/xuri/excelize/v2"

	"github.com/mdutra/ocrpipe/internal/journal"
)

// Service is a tiny façade over the journal that produces XLSX bytes for
// operator reports.
type Service struct {
	journal *journal.Journal
	logger  *slog.Logger
}

func NewService(jn *journal.Journal, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{journal: jn, logger: logger}
}

// ExportJobsXLSX returns an XLSX workbook (as bytes) with one row per
// journaled job, oldest first.
func (s *Service) ExportJobsXLSX(ctx context.Context) ([]byte, error) {
	start := time.Now()

	recs, err := s.journal.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("query journal: %w", err)
	}

	f := excelize.NewFile()
	const sheet = "Jobs"
	if index, _ := f.GetSheetIndex(sheet); index == -1 {
		if _, err := f.NewSheet(sheet); err != nil {
			return nil, err
		}
	}
	activeIndex, _ := f.GetSheetIndex(sheet)
	f.SetActiveSheet(activeIndex)

	headers := []string{
		"Started",
		"Finished",
		"Root",
		"Source",
		"Outcome",
		"Signed",
		"Pages",
		"OCR Skipped",
		"Failed Stage",
		"Error",
		"Duration (ms)",
		"Instance",
	}
	for i, h := range headers {
		cell, _ := excelize.CoordinatesToCellName(i+1, 1)
		_ = f.SetCellValue(sheet, cell, h)
	}

	row := 2
	for _, r := range recs {
		write := func(col int, v any) {
			cell, _ := excelize.CoordinatesToCellName(col, row)
			_ = f.SetCellValue(sheet, cell, v)
		}

		write(1, r.StartedAt.Format("2006-01-02 15:04:05"))
		write(2, r.FinishedAt.Format("2006-01-02 15:04:05"))
		write(3, r.Root)
		write(4, r.RelPath)
		write(5, string(r.State))
		write(6, r.Signed)
		write(7, r.Pages)
		write(8, r.OCRSkipped)
		write(9, r.ErrorCode)
		write(10, truncate(r.ErrorDetail, 140))
		write(11, r.Duration().Milliseconds())
		write(12, r.InstanceID)

		row++
	}

	// Widen the path and error columns
	_ = f.SetColWidth(sheet, "A", "B", 20)
	_ = f.SetColWidth(sheet, "C", "D", 36)
	_ = f.SetColWidth(sheet, "J", "J", 48)

	buf, err := f.WriteToBuffer()
	if err != nil {
		return nil, fmt.Errorf("render workbook: %w", err)
	}

	s.logger.Info("report exported",
		"jobs", len(recs),
		"duration_ms", time.Since(start).Milliseconds())
	return buf.Bytes(), nil
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "…"
}
