package extractor

import (
	"context"
	"errors"
	"fmt"
	"image"
	"image/png"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/segmentio/ksuid"

	"github.com/toricodesthings/pdf-extraction-pipeline/internal/logging"
)

// Poppler rasterizes pages and extracts fallback text with the poppler-utils
// binaries (pdftoppm, pdftotext).
type Poppler struct {
	Pdftoppm  string
	Pdftotext string
	Timeout   time.Duration
	TempDir   string
}

func NewPoppler(pdftoppm string, timeout time.Duration) *Poppler {
	if pdftoppm == "" {
		pdftoppm = "pdftoppm"
	}
	// pdftotext ships next to pdftoppm; a bare name is resolved on PATH
	pdftotext := "pdftotext"
	if strings.ContainsRune(pdftoppm, filepath.Separator) {
		pdftotext = filepath.Join(filepath.Dir(pdftoppm), "pdftotext")
	}
	return &Poppler{
		Pdftoppm:  pdftoppm,
		Pdftotext: pdftotext,
		Timeout:   timeout,
	}
}

var pageFileRe = regexp.MustCompile(`^page-(\d+)\.png$`)

// Rasterize renders every page of the document at dpi, in page order.
func (p *Poppler) Rasterize(ctx context.Context, pdfPath string, dpi int) ([]image.Image, error) {
	outDir, err := os.MkdirTemp(p.TempDir, "pdfx-raster-*")
	if err != nil {
		return nil, fmt.Errorf("temp dir: %w", err)
	}
	defer os.RemoveAll(outDir)

	if err := p.run(ctx, p.Pdftoppm, rasterArgs(pdfPath, filepath.Join(outDir, "page"), dpi)...); err != nil {
		return nil, err
	}

	entries, err := os.ReadDir(outDir)
	if err != nil {
		return nil, fmt.Errorf("read raster dir: %w", err)
	}

	type numbered struct {
		n    int
		name string
	}
	var files []numbered
	for _, e := range entries {
		m := pageFileRe.FindStringSubmatch(e.Name())
		if m == nil {
			continue
		}
		n, _ := strconv.Atoi(m[1])
		files = append(files, numbered{n, e.Name()})
	}
	sort.Slice(files, func(i, j int) bool { return files[i].n < files[j].n })

	pages := make([]image.Image, 0, len(files))
	for i, f := range files {
		if f.n != i+1 {
			return nil, fmt.Errorf("pdftoppm skipped page %d", i+1)
		}
		img, err := decodePNG(filepath.Join(outDir, f.name))
		if err != nil {
			return nil, err
		}
		pages = append(pages, img)
	}
	return pages, nil
}

// RenderPage renders the single 1-based page at dpi.
func (p *Poppler) RenderPage(ctx context.Context, pdfPath string, page, dpi int) (image.Image, error) {
	outDir, err := os.MkdirTemp(p.TempDir, "pdfx-page-*")
	if err != nil {
		return nil, fmt.Errorf("temp dir: %w", err)
	}
	defer os.RemoveAll(outDir)

	base := filepath.Join(outDir, "page")
	if err := p.run(ctx, p.Pdftoppm, renderArgs(pdfPath, base, page, dpi)...); err != nil {
		return nil, err
	}
	return decodePNG(base + ".png")
}

// Rasters are cut to the CropBox, the same frame Page measures descriptors
// and page size in.
func rasterArgs(pdfPath, outBase string, dpi int) []string {
	return []string{
		"-cropbox",
		"-r", strconv.Itoa(dpi),
		"-png",
		pdfPath,
		outBase,
	}
}

func renderArgs(pdfPath, outBase string, page, dpi int) []string {
	return []string{
		"-cropbox",
		"-f", strconv.Itoa(page),
		"-l", strconv.Itoa(page),
		"-r", strconv.Itoa(dpi),
		"-png",
		"-singlefile",
		pdfPath,
		outBase,
	}
}

// PageText runs pdftotext on one page. Used when the native parser cannot
// decode a page's text.
func (p *Poppler) PageText(ctx context.Context, pdfPath string, page int) (string, error) {
	if p.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.Timeout)
		defer cancel()
	}
	cmd := exec.CommandContext(ctx,
		p.Pdftotext,
		"-f", strconv.Itoa(page),
		"-l", strconv.Itoa(page),
		"-layout",
		pdfPath,
		"-",
	)
	out, err := cmd.Output()
	if err != nil {
		return "", fmt.Errorf("pdftotext page %d: %w", page, err)
	}
	return cleanText(string(out)), nil
}

func (p *Poppler) run(ctx context.Context, bin string, args ...string) error {
	if p.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.Timeout)
		defer cancel()
	}

	start := time.Now()
	out, err := exec.CommandContext(ctx, bin, args...).CombinedOutput()
	if err != nil {
		msg := strings.TrimSpace(string(out))
		if len(msg) > 300 {
			msg = msg[:300] + "..."
		}
		log.Warn().Str("component", logging.ComponentRaster).Err(err).Str("stderr", msg).Msg(filepath.Base(bin) + " failed")
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return fmt.Errorf("%s timed out: %w", filepath.Base(bin), ctx.Err())
		}
		return fmt.Errorf("%s: %w", filepath.Base(bin), err)
	}
	log.Debug().Str("component", logging.ComponentRaster).Strs("args", args).Dur("took", time.Since(start)).Msg(filepath.Base(bin))
	return nil
}

func decodePNG(path string) (image.Image, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open raster: %w", err)
	}
	defer f.Close()
	img, err := png.Decode(f)
	if err != nil {
		return nil, fmt.Errorf("decode raster %s: %w", filepath.Base(path), err)
	}
	return img, nil
}

// Spool writes data to a uniquely named file for the poppler binaries. The
// returned cleanup removes it.
func Spool(dir string, data []byte) (path string, cleanup func(), err error) {
	if dir == "" {
		dir = os.TempDir()
	}
	path = filepath.Join(dir, "pdfx-"+ksuid.New().String()+".pdf")
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return "", nil, fmt.Errorf("spool document: %w", err)
	}
	cleanup = func() {
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			log.Warn().Str("component", logging.ComponentRaster).Err(err).Msg(path + " could not be removed")
		}
	}
	return path, cleanup, nil
}
