// Package blob is the content-addressed byte store behind attachments.
//
// Two backends implement the same Store interface: a local filesystem tree
// (the default) and an S3 bucket. Both hash the payload with SHA-256 while
// streaming it in, so callers never buffer a whole artifact to compute the
// digest.
//
// Layout under the root is deterministic:
//
//	records/{recordID}/attachments/pages/p{seq:04}.jpg
//	records/{recordID}/attachments/record.pdf
//	records/{recordID}/derivatives/pdf/searchable.pdf
//	records/{recordID}/derivatives/ocr/{filename}
package blob

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"
)

// ErrNotFound is returned when the blob does not exist.
var ErrNotFound = errors.New("blob: not found")

// ErrUnsafePath is returned when a caller-supplied path component would
// escape the record's directory.
var ErrUnsafePath = errors.New("blob: unsafe path")

// Store reads and writes blobs by relative path.
type Store interface {
	// Put streams r into the blob at p, replacing any previous content.
	// Returns the hex SHA-256 of the written bytes and their count.
	Put(ctx context.Context, p string, r io.Reader) (sha256Hex string, size int64, err error)
	// Open returns a reader over the blob at p, or ErrNotFound.
	Open(ctx context.Context, p string) (io.ReadCloser, error)
	// Delete removes a single blob. Missing blobs are not an error.
	Delete(ctx context.Context, p string) error
	// DeletePrefix removes every blob under the prefix (a record's subtree).
	DeletePrefix(ctx context.Context, prefix string) error
}

// PageImagePath returns the deterministic path for a page image.
func PageImagePath(recordID int64, seq int) string {
	return fmt.Sprintf("records/%d/attachments/pages/p%04d.jpg", recordID, seq)
}

// OriginalPDFPath returns the deterministic path for the original PDF.
func OriginalPDFPath(recordID int64) string {
	return fmt.Sprintf("records/%d/attachments/record.pdf", recordID)
}

// SearchablePDFPath returns the deterministic path for the built PDF.
func SearchablePDFPath(recordID int64) string {
	return fmt.Sprintf("records/%d/derivatives/pdf/searchable.pdf", recordID)
}

// OCRArtifactPath returns the path for a worker-supplied OCR artifact blob.
// The filename is caller-controlled; ValidateName must pass first.
func OCRArtifactPath(recordID int64, filename string) string {
	return fmt.Sprintf("records/%d/derivatives/ocr/%s", recordID, filename)
}

// EmbeddingPath returns the path for a record's embedding vector blob.
func EmbeddingPath(recordID int64) string {
	return fmt.Sprintf("records/%d/derivatives/embeddings/record.json", recordID)
}

// RecordPrefix is the subtree holding every blob of a record.
func RecordPrefix(recordID int64) string {
	return fmt.Sprintf("records/%d/", recordID)
}

// ValidateName rejects caller-supplied filenames that contain path
// separators or traversal sequences.
func ValidateName(name string) error {
	if name == "" || strings.ContainsAny(name, "/\\") ||
		strings.Contains(name, "..") || path.Clean(name) != name {
		return ErrUnsafePath
	}
	return nil
}

// validatePath rejects blob paths with traversal sequences or backslashes.
// Full slash-separated paths from the helpers above always pass.
func validatePath(p string) error {
	if p == "" || strings.Contains(p, "..") || strings.Contains(p, "\\") ||
		strings.HasPrefix(p, "/") {
		return ErrUnsafePath
	}
	return nil
}
