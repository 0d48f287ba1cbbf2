package pdf

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/mdutra/ocrpipe/internal/common"
)

// scriptRunner dispatches on the command name.
type scriptRunner struct {
	calls []string
	run   func(name string, args []string) (stdout, stderr []byte, err error)
}

func (s *scriptRunner) Run(_ context.Context, name string, args ...string) ([]byte, []byte, error) {
	s.calls = append(s.calls, name+" "+strings.Join(args, " "))
	return s.run(name, args)
}

const pdfinfoDoc = `Title:          Contrato
Producer:       Scanner XYZ
Pages:          3
Encrypted:      no
Page size:      595.28 x 841.89 pts (A4)
File size:      123456 bytes
`

const pdfinfoPages = `Page    1 size: 595.28 x 841.89 pts (A4)
Page    1 rot:  0
Page    2 size: 841.89 x 595.28 pts
Page    2 rot:  90
Page    3 size: 612 x 792 pts (letter)
Page    3 rot:  0
`

func TestInfo_ParsesCountGeometryRotation(t *testing.T) {
	r := &scriptRunner{run: func(name string, args []string) ([]byte, []byte, error) {
		if len(args) > 1 && args[0] == "-f" {
			return []byte(pdfinfoPages), nil, nil
		}
		return []byte(pdfinfoDoc), nil, nil
	}}
	kit := NewToolkit(common.ToolsConfig{}, r, nil)

	info, err := kit.Info(context.Background(), "in.pdf")
	if err != nil {
		t.Fatalf("Info() error = %v", err)
	}
	if info.Pages != 3 {
		t.Fatalf("Pages = %d, want 3", info.Pages)
	}
	g := info.PageGeom
	if g[0].Width != 595.28 || g[0].Height != 841.89 || g[0].Rotation != 0 {
		t.Errorf("page 1 geometry = %+v", g[0])
	}
	if g[1].Rotation != 90 {
		t.Errorf("page 2 rotation = %d, want 90", g[1].Rotation)
	}
	if g[2].Width != 612 || g[2].Height != 792 {
		t.Errorf("page 3 geometry = %+v", g[2])
	}
}

func TestInfo_MissingGeometryIsError(t *testing.T) {
	r := &scriptRunner{run: func(name string, args []string) ([]byte, []byte, error) {
		if len(args) > 1 && args[0] == "-f" {
			return []byte("Page 1 size: 100 x 200 pts\n"), nil, nil // page 2 missing
		}
		return []byte("Pages:          2\n"), nil, nil
	}}
	kit := NewToolkit(common.ToolsConfig{}, r, nil)
	if _, err := kit.Info(context.Background(), "in.pdf"); err == nil {
		t.Fatal("Info() accepted incomplete per-page geometry")
	}
}

func TestHasSignature(t *testing.T) {
	tests := []struct {
		name   string
		stdout string
		stderr string
		runErr error
		want   bool
		wantEr bool
	}{
		{
			name:   "unsigned",
			stdout: "File 'in.pdf' does not contain any signatures\n",
		},
		{
			name:   "unsigned with nonzero exit",
			stderr: "File 'in.pdf' does not contain any signatures\n",
			runErr: errors.New("exit status 1"),
		},
		{
			name:   "signed",
			stdout: "Digital Signature Info of: in.pdf\nSignature #1:\n  - Signer Certificate Common Name: Fulano\n",
			want:   true,
		},
		{
			name:   "tool failure",
			runErr: errors.New("exit status 99"),
			wantEr: true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := &scriptRunner{run: func(string, []string) ([]byte, []byte, error) {
				return []byte(tt.stdout), []byte(tt.stderr), tt.runErr
			}}
			kit := NewToolkit(common.ToolsConfig{}, r, nil)
			got, err := kit.HasSignature(context.Background(), "in.pdf")
			if (err != nil) != tt.wantEr {
				t.Fatalf("HasSignature() error = %v, wantErr %v", err, tt.wantEr)
			}
			if got != tt.want {
				t.Errorf("HasSignature() = %v, want %v", got, tt.want)
			}
		})
	}
}

const pdfimagesList = `page   num  type   width height color comp bpc  enc interp  object ID x-ppi y-ppi size ratio
--------------------------------------------------------------------------------------------
   1     0 image    2550  3300  gray    1   8  jpeg   no         8  0   300   300  183K 2.2%
   2     1 stencil   850  1100  -       1   1  ccitt  no         9  0   100   100   12K 1.1%
   3     2 image    1275  1650  rgb     3   8  jpx    no        10  0   150   150  500K 8.0%
`

func TestListImages_ParsesRows(t *testing.T) {
	r := &scriptRunner{run: func(string, []string) ([]byte, []byte, error) {
		return []byte(pdfimagesList), nil, nil
	}}
	kit := NewToolkit(common.ToolsConfig{}, r, nil)

	rows, err := kit.ListImages(context.Background(), "in.pdf")
	if err != nil {
		t.Fatalf("ListImages() error = %v", err)
	}
	if len(rows) != 3 {
		t.Fatalf("rows = %d, want 3", len(rows))
	}
	if rows[0].Page != 1 || rows[0].Type != "image" || rows[0].Encoding != "jpeg" || rows[0].XPPI != 300 {
		t.Errorf("row 0 = %+v", rows[0])
	}
	if rows[1].Type != "stencil" || rows[1].Encoding != "ccitt" {
		t.Errorf("row 1 = %+v", rows[1])
	}
	if rows[2].Encoding != "jpx" || rows[2].YPPI != 150 {
		t.Errorf("row 2 = %+v", rows[2])
	}
}

func TestPageText_RequestsSinglePage(t *testing.T) {
	r := &scriptRunner{run: func(name string, args []string) ([]byte, []byte, error) {
		return []byte("texto da página\f"), nil, nil
	}}
	kit := NewToolkit(common.ToolsConfig{}, r, nil)

	text, err := kit.PageText(context.Background(), "in.pdf", 2)
	if err != nil {
		t.Fatalf("PageText() error = %v", err)
	}
	if text != "texto da página" {
		t.Errorf("PageText() = %q, trailing form feed kept", text)
	}
	call := r.calls[0]
	if !strings.Contains(call, "-f 2 -l 2") {
		t.Errorf("pdftotext not limited to page 2: %q", call)
	}
}

func TestSeparate_VerifiesEveryPage(t *testing.T) {
	dir := t.TempDir()
	pattern := filepath.Join(dir, "src-page-%d.pdf")

	r := &scriptRunner{run: func(name string, args []string) ([]byte, []byte, error) {
		// Simulate pdfseparate writing only page 1 of 2.
		_ = os.WriteFile(filepath.Join(dir, "src-page-1.pdf"), []byte("p1"), 0o644)
		return nil, nil, nil
	}}
	kit := NewToolkit(common.ToolsConfig{}, r, nil)

	if _, err := kit.Separate(context.Background(), "in.pdf", pattern, 2); err == nil {
		t.Fatal("Separate() accepted a missing page file")
	}

	_ = os.WriteFile(filepath.Join(dir, "src-page-2.pdf"), []byte("p2"), 0o644)
	pages, err := kit.Separate(context.Background(), "in.pdf", pattern, 2)
	if err != nil {
		t.Fatalf("Separate() error = %v", err)
	}
	if len(pages) != 2 || !strings.HasSuffix(pages[1], "src-page-2.pdf") {
		t.Errorf("pages = %v", pages)
	}
}

func TestRasterizePage_ArgsAndOutput(t *testing.T) {
	dir := t.TempDir()
	r := &scriptRunner{run: func(name string, args []string) ([]byte, []byte, error) {
		out := args[len(args)-1]
		ext := ".png"
		for _, a := range args {
			if a == "-mono" {
				ext = ".pbm"
			}
		}
		_ = os.WriteFile(out+ext, []byte("img"), 0o644)
		return nil, nil, nil
	}}
	kit := NewToolkit(common.ToolsConfig{}, r, nil)

	img, err := kit.RasterizePage(context.Background(), "in.pdf", 3, 300, false, filepath.Join(dir, "img-page-3"))
	if err != nil {
		t.Fatalf("RasterizePage() error = %v", err)
	}
	if !strings.HasSuffix(img, "img-page-3.png") {
		t.Errorf("image path = %q", img)
	}
	if call := r.calls[0]; !strings.Contains(call, "-f 3 -l 3") || !strings.Contains(call, "-r 300") || !strings.Contains(call, "-singlefile") {
		t.Errorf("pdftoppm call = %q", call)
	}

	mono, err := kit.RasterizePage(context.Background(), "in.pdf", 1, 150, true, filepath.Join(dir, "img-page-1"))
	if err != nil {
		t.Fatalf("RasterizePage(mono) error = %v", err)
	}
	if !strings.HasSuffix(mono, ".pbm") {
		t.Errorf("mono image path = %q", mono)
	}
}

func TestCheckTools_MissingToolIsFatal(t *testing.T) {
	r := &scriptRunner{run: func(name string, args []string) ([]byte, []byte, error) {
		if name == "tesseract" {
			return nil, nil, errors.New("executable file not found in $PATH")
		}
		return nil, []byte(name + " version 22.02.0\n"), nil // poppler prints on stderr
	}}
	kit := NewToolkit(common.ToolsConfig{}, r, nil)

	_, err := kit.CheckTools(context.Background())
	if !errors.Is(err, common.ErrMissingCapability) {
		t.Fatalf("CheckTools() error = %v, want ErrMissingCapability", err)
	}
}

func TestCheckTools_CollectsVersions(t *testing.T) {
	r := &scriptRunner{run: func(name string, args []string) ([]byte, []byte, error) {
		if name == "gs" {
			return []byte("10.02.1\n"), nil, nil
		}
		return nil, []byte(name + " version 22.02.0"), nil
	}}
	kit := NewToolkit(common.ToolsConfig{}, r, nil)

	versions, err := kit.CheckTools(context.Background())
	if err != nil {
		t.Fatalf("CheckTools() error = %v", err)
	}
	if len(versions) != 9 {
		t.Fatalf("versions = %d, want 9", len(versions))
	}
	for _, v := range versions {
		if v.Version == "" {
			t.Errorf("tool %s has empty version", v.Name)
		}
	}
}
