package blob_test

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"io"
	"strings"
	"testing"

	"github.com/hazyhaar/archon/blob"
)

func newLocal(t *testing.T) *blob.Local {
	t.Helper()
	s, err := blob.NewLocal(t.TempDir())
	if err != nil {
		t.Fatalf("NewLocal: %v", err)
	}
	return s
}

func TestLocalPutOpenRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := newLocal(t)

	payload := []byte("page one scanned bytes")
	p := blob.PageImagePath(42, 1)

	sum, size, err := s.Put(ctx, p, bytes.NewReader(payload))
	if err != nil {
		t.Fatalf("Put: %v", err)
	}
	if size != int64(len(payload)) {
		t.Errorf("size = %d, want %d", size, len(payload))
	}
	want := sha256.Sum256(payload)
	if sum != hex.EncodeToString(want[:]) {
		t.Errorf("sha256 = %s, want %s", sum, hex.EncodeToString(want[:]))
	}

	rc, err := s.Open(ctx, p)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer rc.Close()
	got, err := io.ReadAll(rc)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if !bytes.Equal(got, payload) {
		t.Errorf("read back %q, want %q", got, payload)
	}
}

func TestLocalPutReplaces(t *testing.T) {
	ctx := context.Background()
	s := newLocal(t)
	p := blob.OriginalPDFPath(7)

	if _, _, err := s.Put(ctx, p, strings.NewReader("v1")); err != nil {
		t.Fatalf("Put v1: %v", err)
	}
	if _, _, err := s.Put(ctx, p, strings.NewReader("v2 longer")); err != nil {
		t.Fatalf("Put v2: %v", err)
	}

	rc, err := s.Open(ctx, p)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer rc.Close()
	got, _ := io.ReadAll(rc)
	if string(got) != "v2 longer" {
		t.Errorf("read back %q after replace", got)
	}
}

func TestLocalOpenMissing(t *testing.T) {
	s := newLocal(t)
	_, err := s.Open(context.Background(), blob.SearchablePDFPath(99))
	if !errors.Is(err, blob.ErrNotFound) {
		t.Errorf("Open missing: err = %v, want ErrNotFound", err)
	}
}

func TestLocalDelete(t *testing.T) {
	ctx := context.Background()
	s := newLocal(t)
	p := blob.PageImagePath(1, 1)

	if _, _, err := s.Put(ctx, p, strings.NewReader("x")); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if err := s.Delete(ctx, p); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := s.Open(ctx, p); !errors.Is(err, blob.ErrNotFound) {
		t.Errorf("Open after delete: err = %v, want ErrNotFound", err)
	}
	// Deleting again is not an error.
	if err := s.Delete(ctx, p); err != nil {
		t.Errorf("second Delete: %v", err)
	}
}

func TestLocalDeletePrefix(t *testing.T) {
	ctx := context.Background()
	s := newLocal(t)

	for seq := 1; seq <= 3; seq++ {
		if _, _, err := s.Put(ctx, blob.PageImagePath(5, seq), strings.NewReader("p")); err != nil {
			t.Fatalf("Put seq %d: %v", seq, err)
		}
	}
	if _, _, err := s.Put(ctx, blob.PageImagePath(6, 1), strings.NewReader("other")); err != nil {
		t.Fatalf("Put other record: %v", err)
	}

	if err := s.DeletePrefix(ctx, blob.RecordPrefix(5)); err != nil {
		t.Fatalf("DeletePrefix: %v", err)
	}
	if _, err := s.Open(ctx, blob.PageImagePath(5, 2)); !errors.Is(err, blob.ErrNotFound) {
		t.Errorf("record 5 page survived prefix delete: %v", err)
	}
	if _, err := s.Open(ctx, blob.PageImagePath(6, 1)); err != nil {
		t.Errorf("record 6 page should survive: %v", err)
	}
}

func TestLocalRejectsTraversal(t *testing.T) {
	ctx := context.Background()
	s := newLocal(t)

	for _, p := range []string{
		"../escape.txt",
		"records/1/../../etc/passwd",
	} {
		if _, _, err := s.Put(ctx, p, strings.NewReader("x")); !errors.Is(err, blob.ErrUnsafePath) {
			t.Errorf("Put(%q): err = %v, want ErrUnsafePath", p, err)
		}
		if _, err := s.Open(ctx, p); !errors.Is(err, blob.ErrUnsafePath) {
			t.Errorf("Open(%q): err = %v, want ErrUnsafePath", p, err)
		}
	}
}

func TestValidateName(t *testing.T) {
	for _, name := range []string{"scan.json", "alto-003.xml", "hocr_2024.html"} {
		if err := blob.ValidateName(name); err != nil {
			t.Errorf("ValidateName(%q) = %v, want nil", name, err)
		}
	}
	for _, name := range []string{"", "a/b.json", `a\b.json`, "..", "../x", "./x"} {
		if err := blob.ValidateName(name); !errors.Is(err, blob.ErrUnsafePath) {
			t.Errorf("ValidateName(%q) = %v, want ErrUnsafePath", name, err)
		}
	}
}

func TestPathHelpers(t *testing.T) {
	if got := blob.PageImagePath(12, 3); got != "records/12/attachments/pages/p0003.jpg" {
		t.Errorf("PageImagePath = %q", got)
	}
	if got := blob.OriginalPDFPath(12); got != "records/12/attachments/record.pdf" {
		t.Errorf("OriginalPDFPath = %q", got)
	}
	if got := blob.SearchablePDFPath(12); got != "records/12/derivatives/pdf/searchable.pdf" {
		t.Errorf("SearchablePDFPath = %q", got)
	}
	if got := blob.OCRArtifactPath(12, "alto.xml"); got != "records/12/derivatives/ocr/alto.xml" {
		t.Errorf("OCRArtifactPath = %q", got)
	}
	if got := blob.RecordPrefix(12); got != "records/12/" {
		t.Errorf("RecordPrefix = %q", got)
	}
}
