package export

import (
	"bytes"
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/xuri/excelize/v2"

	"github.com/mdutra/ocrpipe/constants"
	"github.com/mdutra/ocrpipe/internal/journal"
)

func TestExportJobsXLSX(t *testing.T) {
	jn, err := journal.Open(filepath.Join(t.TempDir(), "journal.db"))
	if err != nil {
		t.Fatal(err)
	}
	defer jn.Close()
	ctx := context.Background()

	started := time.Date(2026, 8, 28, 9, 0, 0, 0, time.UTC)
	recs := []journal.Record{
		{
			JobID: "j1", InstanceID: "host-1", Root: "/mnt/docs", RelPath: "a/ok.pdf",
			State: constants.StateDone, Signed: true, Pages: 4, OCRSkipped: 1,
			StartedAt: started, FinishedAt: started.Add(90 * time.Second),
		},
		{
			JobID: "j2", InstanceID: "host-1", Root: "/mnt/docs", RelPath: "bad.pdf",
			State: constants.StateErrored, ErrorCode: "ocr", ErrorDetail: "tesseract: exit status 1",
			StartedAt: started.Add(time.Minute), FinishedAt: started.Add(2 * time.Minute),
		},
	}
	for _, r := range recs {
		if err := jn.Append(ctx, r); err != nil {
			t.Fatal(err)
		}
	}

	svc := NewService(jn, nil)
	data, err := svc.ExportJobsXLSX(ctx)
	if err != nil {
		t.Fatalf("ExportJobsXLSX() error = %v", err)
	}

	f, err := excelize.OpenReader(bytes.NewReader(data))
	if err != nil {
		t.Fatalf("exported bytes are not a workbook: %v", err)
	}
	defer f.Close()

	rows, err := f.GetRows("Jobs")
	if err != nil {
		t.Fatal(err)
	}
	if len(rows) != 3 {
		t.Fatalf("workbook has %d rows, want header + 2 jobs", len(rows))
	}
	if rows[0][0] != "Started" || rows[0][4] != "Outcome" {
		t.Errorf("header row = %v", rows[0])
	}
	if rows[1][3] != "a/ok.pdf" || rows[1][4] != "DONE" {
		t.Errorf("first job row = %v", rows[1])
	}
	if rows[2][8] != "ocr" {
		t.Errorf("failed stage column = %v", rows[2])
	}
}

func TestExportJobsXLSX_EmptyJournal(t *testing.T) {
	jn, err := journal.Open(filepath.Join(t.TempDir(), "journal.db"))
	if err != nil {
		t.Fatal(err)
	}
	defer jn.Close()

	data, err := NewService(jn, nil).ExportJobsXLSX(context.Background())
	if err != nil {
		t.Fatalf("ExportJobsXLSX() error = %v", err)
	}
	f, err := excelize.OpenReader(bytes.NewReader(data))
	if err != nil {
		t.Fatalf("exported bytes are not a workbook: %v", err)
	}
	defer f.Close()
	rows, err := f.GetRows("Jobs")
	if err != nil {
		t.Fatal(err)
	}
	if len(rows) != 1 {
		t.Errorf("empty journal exported %d rows, want header only", len(rows))
	}
}

func TestTruncate(t *testing.T) {
	if got := truncate("short", 10); got != "short" {
		t.Errorf("truncate(short) = %q", got)
	}
	long := "aaaaaaaaaaaa"
	if got := truncate(long, 5); got != "aaaaa…" {
		t.Errorf("truncate(long) = %q", got)
	}
}
