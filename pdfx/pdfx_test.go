package pdfx_test

import (
	"errors"
	"strconv"
	"strings"
	"testing"

	"github.com/hazyhaar/archon/pdfx"
)

func TestValidateAccepts(t *testing.T) {
	info, err := pdfx.Validate(buildTextPDF("archival inventory 1912"))
	if err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if info.PageCount != 1 {
		t.Errorf("PageCount = %d, want 1", info.PageCount)
	}
}

func TestValidateRejectsGarbage(t *testing.T) {
	_, err := pdfx.Validate([]byte("this is not a pdf at all"))
	if !errors.Is(err, pdfx.ErrInvalid) {
		t.Errorf("err = %v, want ErrInvalid", err)
	}
}

func TestValidateRejectsTruncated(t *testing.T) {
	raw := buildTextPDF("cut short")
	_, err := pdfx.Validate(raw[:len(raw)/2])
	if !errors.Is(err, pdfx.ErrInvalid) {
		t.Errorf("err = %v, want ErrInvalid", err)
	}
}

func TestValidateRejectsOversize(t *testing.T) {
	raw := make([]byte, pdfx.MaxBytes+1)
	_, err := pdfx.Validate(raw)
	if !errors.Is(err, pdfx.ErrTooLarge) {
		t.Errorf("err = %v, want ErrTooLarge", err)
	}
}

func TestExplodeRendersAndLifts(t *testing.T) {
	raw := buildTextPDF("Seite eins Inhalt")

	var pages []pdfx.Page
	err := pdfx.Explode(raw, func(p pdfx.Page) error {
		pages = append(pages, p)
		return nil
	})
	if err != nil {
		t.Fatalf("Explode: %v", err)
	}
	if len(pages) != 1 {
		t.Fatalf("got %d pages, want 1", len(pages))
	}
	p := pages[0]
	if p.Seq != 1 {
		t.Errorf("Seq = %d, want 1", p.Seq)
	}
	if len(p.JPEG) == 0 {
		t.Error("empty JPEG")
	}
	// JPEG magic bytes.
	if p.JPEG[0] != 0xff || p.JPEG[1] != 0xd8 {
		t.Errorf("not a JPEG: % x", p.JPEG[:2])
	}
	if !strings.Contains(p.Text, "Seite eins") {
		t.Errorf("Text = %q, want embedded text", p.Text)
	}
}

func TestExplodePropagatesCallbackError(t *testing.T) {
	raw := buildTextPDF("x")
	sentinel := errors.New("stop")
	err := pdfx.Explode(raw, func(pdfx.Page) error { return sentinel })
	if !errors.Is(err, sentinel) {
		t.Errorf("err = %v, want callback error", err)
	}
}

func TestHasText(t *testing.T) {
	if !pdfx.HasText(buildTextPDF("embedded layer here")) {
		t.Error("HasText = false for text PDF")
	}
	if pdfx.HasText([]byte("garbage")) {
		t.Error("HasText = true for garbage")
	}
}

func TestExtractText(t *testing.T) {
	texts, err := pdfx.ExtractText(buildTextPDF("inventory entry 44"))
	if err != nil {
		t.Fatalf("ExtractText: %v", err)
	}
	if len(texts) != 1 {
		t.Fatalf("got %d pages, want 1", len(texts))
	}
	if !strings.Contains(texts[0], "inventory entry 44") {
		t.Errorf("page text = %q", texts[0])
	}
}

// buildTextPDF emits a minimal but structurally valid one-page PDF with
// correct xref offsets, so both pdfcpu and mupdf accept it.
func buildTextPDF(text string) []byte {
	escaped := strings.ReplaceAll(text, `\`, `\\`)
	escaped = strings.ReplaceAll(escaped, "(", `\(`)
	escaped = strings.ReplaceAll(escaped, ")", `\)`)

	stream := "BT\n/F1 12 Tf\n72 720 Td\n(" + escaped + ") Tj\nET"

	var b strings.Builder
	b.WriteString("%PDF-1.4\n")

	offsets := make([]int, 6)

	offsets[1] = b.Len()
	b.WriteString("1 0 obj\n<< /Type /Catalog /Pages 2 0 R >>\nendobj\n")

	offsets[2] = b.Len()
	b.WriteString("2 0 obj\n<< /Type /Pages /Kids [3 0 R] /Count 1 >>\nendobj\n")

	offsets[3] = b.Len()
	b.WriteString("3 0 obj\n<< /Type /Page /Parent 2 0 R /MediaBox [0 0 612 792] /Contents 4 0 R /Resources << /Font << /F1 5 0 R >> >> >>\nendobj\n")

	offsets[4] = b.Len()
	b.WriteString("4 0 obj\n<< /Length ")
	b.WriteString(strconv.Itoa(len(stream)))
	b.WriteString(" >>\nstream\n")
	b.WriteString(stream)
	b.WriteString("\nendstream\nendobj\n")

	offsets[5] = b.Len()
	b.WriteString("5 0 obj\n<< /Type /Font /Subtype /Type1 /BaseFont /Helvetica >>\nendobj\n")

	xref := b.Len()
	b.WriteString("xref\n0 6\n")
	b.WriteString("0000000000 65535 f \n")
	for i := 1; i <= 5; i++ {
		off := strconv.Itoa(offsets[i])
		b.WriteString(strings.Repeat("0", 10-len(off)) + off + " 00000 n \n")
	}
	b.WriteString("trailer\n<< /Size 6 /Root 1 0 R >>\nstartxref\n")
	b.WriteString(strconv.Itoa(xref))
	b.WriteString("\n%%EOF\n")

	return []byte(b.String())
}
