package pipeline

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/mdutra/ocrpipe/constants"
	"github.com/mdutra/ocrpipe/internal/assemble"
	"github.com/mdutra/ocrpipe/internal/claim"
	"github.com/mdutra/ocrpipe/internal/common"
	"github.com/mdutra/ocrpipe/internal/extract"
	"github.com/mdutra/ocrpipe/internal/normalize"
	"github.com/mdutra/ocrpipe/internal/ocr"
	"github.com/mdutra/ocrpipe/internal/pdf"
	"github.com/mdutra/ocrpipe/internal/route"
	"github.com/mdutra/ocrpipe/internal/sched"
)

// fakeTools simulates the whole external toolchain on real files, so the
// pipeline runs end to end over a real watch root without any subprocesses.
type fakeTools struct {
	pages   int
	signed  bool
	layered map[int]bool // pages whose source already carries a text layer
	failOCR bool

	mu        sync.Mutex
	tessCalls [][]string
}

func (f *fakeTools) tesseractCalls() [][]string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([][]string(nil), f.tessCalls...)
}

func (f *fakeTools) Run(_ context.Context, name string, args ...string) ([]byte, []byte, error) {
	switch name {
	case "pdfsig":
		if f.signed {
			return []byte("Digital Signature Info of: doc\nSignature #1:\n  - Signature Validation: Signature is Valid.\n"), nil, nil
		}
		return nil, []byte("File 'doc' does not contain any signatures\n"), nil

	case "pdfinfo":
		path := args[len(args)-1]
		n := f.pages
		if strings.Contains(filepath.Base(path), "-page-") {
			n = 1 // per-page artifacts are single-page documents
		}
		if len(args) > 1 && args[0] == "-f" {
			var b strings.Builder
			for i := 1; i <= n; i++ {
				fmt.Fprintf(&b, "Page %4d size: 595.28 x 841.89 pts (A4)\n", i)
				fmt.Fprintf(&b, "Page %4d rot:  0\n", i)
			}
			return []byte(b.String()), nil, nil
		}
		return []byte(fmt.Sprintf("Pages:          %d\n", n)), nil, nil

	case "pdfimages":
		var b strings.Builder
		b.WriteString("page   num  type   width height color comp bpc  enc interp  object ID x-ppi y-ppi size ratio\n")
		b.WriteString("--------------------------------------------------------------------------------------------\n")
		for i := 1; i <= f.pages; i++ {
			fmt.Fprintf(&b, "%4d     0 image    2480  3508  rgb     3   8  jpeg   no        10  0   300   300  850K  12%%\n", i)
		}
		return []byte(b.String()), nil, nil

	case "pdftotext":
		page := args[1] // -f N
		var n int
		fmt.Sscanf(page, "%d", &n)
		if f.layered[n] {
			return []byte(fmt.Sprintf("Texto existente da pagina %d\n\f", n)), nil, nil
		}
		return nil, nil, nil

	case "pdfseparate":
		pattern := args[len(args)-1]
		for i := 1; i <= f.pages; i++ {
			if err := os.WriteFile(fmt.Sprintf(pattern, i), []byte("%PDF page"), 0o644); err != nil {
				return nil, nil, err
			}
		}
		return nil, nil, nil

	case "pdftoppm":
		ext := ".png"
		for _, a := range args {
			if a == "-mono" {
				ext = ".pbm"
			}
		}
		prefix := args[len(args)-1]
		return nil, nil, os.WriteFile(prefix+ext, []byte("image"), 0o644)

	case "tesseract":
		f.mu.Lock()
		f.tessCalls = append(f.tessCalls, args)
		f.mu.Unlock()
		if f.failOCR {
			return nil, []byte("Error in pixReadStream: unknown format\n"), errors.New("exit status 1")
		}
		base := args[1]
		if err := os.WriteFile(base+".txt", []byte("PREFEITURA MUNICIPAL\nAlvara de funcionamento\n"), 0o644); err != nil {
			return nil, nil, err
		}
		for _, a := range args {
			if a == "pdf" {
				if err := os.WriteFile(base+".pdf", []byte("%PDF searchable"), 0o644); err != nil {
					return nil, nil, err
				}
			}
		}
		return nil, nil, nil

	case "pdfunite":
		out := args[len(args)-1]
		return nil, nil, os.WriteFile(out, []byte("%PDF merged"), 0o644)

	case "gs":
		for i, a := range args {
			if a == "-o" && i+1 < len(args) {
				return nil, nil, os.WriteFile(args[i+1], []byte("%PDF archival"), 0o644)
			}
		}
		return nil, nil, nil
	}
	return nil, nil, fmt.Errorf("unexpected tool %s", name)
}

type env struct {
	root      common.WatchRoot
	store     *claim.FSStore
	processor *Processor
	cfg       *common.Config
}

func newEnv(t *testing.T, ft *fakeTools) *env {
	t.Helper()
	root := common.WatchRoot{Base: t.TempDir()}
	if err := root.EnsureLayout("inst-test"); err != nil {
		t.Fatal(err)
	}
	cfg := &common.Config{
		Roots:           []common.WatchRoot{root},
		MaxFiles:        2,
		MaxPages:        2,
		Languages:       []string{"por"},
		DPI:             300,
		ScanInterval:    5 * time.Millisecond,
		StabilityWindow: 0,
	}
	kit := pdf.NewToolkit(common.ToolsConfig{}, ft, nil)
	store := claim.NewFSStore("inst-test", nil)
	proc := NewProcessor(
		kit,
		extract.NewExtractor(kit, cfg.DPI, nil),
		ocr.NewInjector(kit, cfg, nil),
		normalize.NewNormalizer(kit, nil),
		assemble.NewAssembler(kit, cfg.DPI, nil),
		route.NewRouter(store, nil, nil),
		sched.NewScheduler(cfg),
		nil,
	)
	return &env{root: root, store: store, processor: proc, cfg: cfg}
}

func (e *env) drop(t *testing.T, relPath, content string) claim.Token {
	t.Helper()
	src := filepath.Join(e.root.Input(), relPath)
	if err := os.MkdirAll(filepath.Dir(src), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(src, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	tok, err := e.store.Claim(e.root, relPath)
	if err != nil {
		t.Fatal(err)
	}
	return tok
}

func assertEmptyTree(t *testing.T, dir string) {
	t.Helper()
	filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
		if err == nil && !d.IsDir() {
			t.Errorf("unexpected file %s", path)
		}
		return nil
	})
}

func TestProcess_UnsignedDocumentEndToEnd(t *testing.T) {
	ft := &fakeTools{pages: 2}
	e := newEnv(t, ft)
	tok := e.drop(t, "docs/scan.pdf", "%PDF original scan")

	if err := e.processor.Process(context.Background(), tok); err != nil {
		t.Fatalf("Process() error = %v", err)
	}

	got, err := os.ReadFile(filepath.Join(e.root.Output(), "docs/scan.pdf"))
	if err != nil || string(got) != "%PDF archival" {
		t.Errorf("output = %q, %v", got, err)
	}
	got, err = os.ReadFile(filepath.Join(e.root.Archive(), "docs/scan.pdf"))
	if err != nil || string(got) != "%PDF original scan" {
		t.Errorf("archived original = %q, %v", got, err)
	}
	assertEmptyTree(t, e.root.Input())
	assertEmptyTree(t, e.root.Temp("inst-test"))

	calls := ft.tesseractCalls()
	if len(calls) != 2 {
		t.Fatalf("tesseract ran %d times, want once per page", len(calls))
	}
	for _, call := range calls {
		joined := strings.Join(call, " ")
		if !strings.Contains(joined, "--oem 0") {
			t.Errorf("recognition not pinned to legacy engine: %v", call)
		}
		if call[len(call)-2] != "pdf" || call[len(call)-1] != "txt" {
			t.Errorf("searchable page mode not requested: %v", call)
		}
	}
}

func TestProcess_ExistingLayerSkipsRecognition(t *testing.T) {
	ft := &fakeTools{pages: 2, layered: map[int]bool{1: true, 2: true}}
	e := newEnv(t, ft)
	tok := e.drop(t, "done.pdf", "%PDF already searchable")

	if err := e.processor.Process(context.Background(), tok); err != nil {
		t.Fatalf("Process() error = %v", err)
	}
	if calls := ft.tesseractCalls(); len(calls) != 0 {
		t.Errorf("tesseract ran %d times on a fully layered document", len(calls))
	}
	if _, err := os.Stat(filepath.Join(e.root.Output(), "done.pdf")); err != nil {
		t.Errorf("layered document not delivered: %v", err)
	}
	if _, err := os.Stat(filepath.Join(e.root.Archive(), "done.pdf")); err != nil {
		t.Errorf("layered original not archived: %v", err)
	}
}

func TestProcess_OCRFailureRoutesToError(t *testing.T) {
	ft := &fakeTools{pages: 2, failOCR: true}
	e := newEnv(t, ft)
	tok := e.drop(t, "sub/bad.pdf", "%PDF bad scan")

	err := e.processor.Process(context.Background(), tok)
	if !errors.Is(err, common.ErrOCR) {
		t.Fatalf("Process() error = %v, want an OCR failure", err)
	}

	got, rerr := os.ReadFile(filepath.Join(e.root.Error(), "sub/bad.pdf"))
	if rerr != nil || string(got) != "%PDF bad scan" {
		t.Errorf("failed original = %q, %v (must be byte-identical)", got, rerr)
	}
	if _, err := os.Stat(filepath.Join(e.root.Error(), "sub/bad.pdf"+constants.DiagSuffix)); err != nil {
		t.Errorf("diagnostic record missing: %v", err)
	}
	assertEmptyTree(t, e.root.Output())
	assertEmptyTree(t, e.root.Temp("inst-test"))
}

func TestProcess_SignedDocumentCopiedWithSidecar(t *testing.T) {
	const original = "%PDF signed content, bytes must survive"
	ft := &fakeTools{pages: 2, signed: true}
	e := newEnv(t, ft)
	tok := e.drop(t, "contrato.pdf", original)

	if err := e.processor.Process(context.Background(), tok); err != nil {
		t.Fatalf("Process() error = %v", err)
	}

	got, err := os.ReadFile(filepath.Join(e.root.Output(), "contrato.pdf"))
	if err != nil || string(got) != original {
		t.Errorf("signed output = %q, want the untouched original bytes", got)
	}
	side, err := os.ReadFile(filepath.Join(e.root.Output(), "contrato.pdf.txt"))
	if err != nil {
		t.Fatalf("text sidecar missing: %v", err)
	}
	if !strings.Contains(string(side), "Alvara de funcionamento") {
		t.Errorf("sidecar lacks recognized text: %q", side)
	}
	if !strings.Contains(string(side), "\f") {
		t.Errorf("sidecar lacks page break marker: %q", side)
	}

	for _, call := range ft.tesseractCalls() {
		for _, a := range call {
			if a == "pdf" {
				t.Errorf("signed document requested a rebuilt page: %v", call)
			}
		}
	}
}

func TestDaemon_RunOnceProcessesFreshArrivals(t *testing.T) {
	ft := &fakeTools{pages: 1}
	e := newEnv(t, ft)
	e.cfg.StabilityWindow = 20 * time.Millisecond
	src := filepath.Join(e.root.Input(), "cron.pdf")
	if err := os.WriteFile(src, []byte("%PDF cron drop"), 0o644); err != nil {
		t.Fatal(err)
	}

	// A one-shot run starts with no prior observations; it must still get a
	// fresh file through the stability gate and to a terminal route.
	d := NewDaemon(e.cfg, e.store, sched.NewScheduler(e.cfg), e.processor, nil)
	if err := d.RunOnce(context.Background()); err != nil {
		t.Fatalf("RunOnce() error = %v", err)
	}

	if _, err := os.Stat(filepath.Join(e.root.Output(), "cron.pdf")); err != nil {
		t.Errorf("one-shot run did not deliver the output: %v", err)
	}
	if _, err := os.Stat(filepath.Join(e.root.Archive(), "cron.pdf")); err != nil {
		t.Errorf("one-shot run did not archive the original: %v", err)
	}
	assertEmptyTree(t, e.root.Input())
}

func TestDaemon_SweepClaimsStableCandidates(t *testing.T) {
	ft := &fakeTools{pages: 1}
	e := newEnv(t, ft)
	for _, name := range []string{"a.pdf", "b.pdf"} {
		src := filepath.Join(e.root.Input(), name)
		if err := os.WriteFile(src, []byte("%PDF "+name), 0o644); err != nil {
			t.Fatal(err)
		}
	}

	d := NewDaemon(e.cfg, e.store, sched.NewScheduler(e.cfg), e.processor, nil)
	ctx := context.Background()

	// First pass only observes; the stability gate needs a second sighting.
	d.Sweep(ctx)
	d.Wait()
	if entries, _ := os.ReadDir(e.root.Output()); len(entries) != 0 {
		t.Fatalf("first sweep must not claim anything, delivered %d", len(entries))
	}

	d.Sweep(ctx)
	d.Wait()
	for _, name := range []string{"a.pdf", "b.pdf"} {
		if _, err := os.Stat(filepath.Join(e.root.Output(), name)); err != nil {
			t.Errorf("%s not delivered after stable sweep: %v", name, err)
		}
		if _, err := os.Stat(filepath.Join(e.root.Archive(), name)); err != nil {
			t.Errorf("%s not archived: %v", name, err)
		}
	}
	assertEmptyTree(t, e.root.Input())
}
