// CLAUDE:SUMMARY PDF gatekeeping and explosion: pdfcpu validation with hard caps, go-fitz page rendering and text lift.
package pdfx

import (
	"bytes"
	"errors"
	"fmt"
	"image/jpeg"
	"strings"

	fitz "github.com/gen2brain/go-fitz"
	"github.com/pdfcpu/pdfcpu/pkg/api"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu/model"
)

// Hard caps on accepted PDFs. Oversized uploads are rejected before any
// rendering work starts.
const (
	MaxBytes = 100 << 20
	MaxPages = 500

	// RenderDPI is the resolution page images are rasterized at. 200 is
	// enough for OCR engines without blowing up page image sizes.
	RenderDPI = 200

	jpegQuality = 85
)

var (
	ErrTooLarge     = errors.New("pdfx: file exceeds size limit")
	ErrTooManyPages = errors.New("pdfx: page count exceeds limit")
	ErrInvalid      = errors.New("pdfx: not a valid PDF")
)

// Info is what validation learns about an accepted PDF.
type Info struct {
	PageCount int
}

// Validate checks size, structure and page count. Structure goes through
// pdfcpu's full read-validate pass so truncated or corrupt files fail
// here instead of inside a renderer.
func Validate(data []byte) (Info, error) {
	if len(data) > MaxBytes {
		return Info{}, ErrTooLarge
	}
	conf := model.NewDefaultConfiguration()
	pctx, err := api.ReadValidateAndOptimize(bytes.NewReader(data), conf)
	if err != nil {
		return Info{}, fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	if pctx.PageCount > MaxPages {
		return Info{}, ErrTooManyPages
	}
	if pctx.PageCount == 0 {
		return Info{}, fmt.Errorf("%w: zero pages", ErrInvalid)
	}
	return Info{PageCount: pctx.PageCount}, nil
}

// Page is one exploded page: its 1-based sequence, the rendered JPEG,
// and whatever embedded text the page carries (empty for pure scans).
type Page struct {
	Seq  int
	JPEG []byte
	Text string
}

// Explode rasterizes every page to JPEG at RenderDPI and lifts embedded
// text, invoking fn per page in order. Callers stream pages straight to
// blob storage so the whole document is never held as images at once.
func Explode(data []byte, fn func(Page) error) error {
	doc, err := fitz.NewFromMemory(data)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	defer doc.Close()

	for i := 0; i < doc.NumPage(); i++ {
		img, err := doc.ImageDPI(i, RenderDPI)
		if err != nil {
			return fmt.Errorf("pdfx: render page %d: %w", i+1, err)
		}
		var buf bytes.Buffer
		if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: jpegQuality}); err != nil {
			return fmt.Errorf("pdfx: encode page %d: %w", i+1, err)
		}
		text, err := doc.Text(i)
		if err != nil {
			text = ""
		}
		if err := fn(Page{Seq: i + 1, JPEG: buf.Bytes(), Text: strings.TrimSpace(text)}); err != nil {
			return err
		}
	}
	return nil
}

// ExtractText lifts embedded text per page without rendering, for PDFs
// that already carry a text layer. Index 0 holds page 1.
func ExtractText(data []byte) ([]string, error) {
	doc, err := fitz.NewFromMemory(data)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	defer doc.Close()

	texts := make([]string, doc.NumPage())
	for i := range texts {
		t, err := doc.Text(i)
		if err != nil {
			return nil, fmt.Errorf("pdfx: extract page %d: %w", i+1, err)
		}
		texts[i] = strings.TrimSpace(t)
	}
	return texts, nil
}

// HasText reports whether any page carries a non-empty text layer.
func HasText(data []byte) bool {
	texts, err := ExtractText(data)
	if err != nil {
		return false
	}
	for _, t := range texts {
		if t != "" {
			return true
		}
	}
	return false
}
