// CLAUDE:SUMMARY Entity types and status enumerations for the archon store — records, pages, attachments, page texts, jobs, pipeline events.
package store

import "time"

// Status is the record pipeline state. Transitions are legal only along the
// edges applied by Transition; everything else is a silent no-op.
type Status string

const (
	StatusIngesting   Status = "ingesting"
	StatusOCRPending  Status = "ocr_pending"
	StatusOCRDone     Status = "ocr_done"
	StatusPDFPending  Status = "pdf_pending"
	StatusPDFDone     Status = "pdf_done"
	StatusTranslating Status = "translating"
	StatusComplete    Status = "complete" // terminal
)

// JobStatus is the lifecycle state of a queued unit of work.
type JobStatus string

const (
	JobPending   JobStatus = "pending"
	JobClaimed   JobStatus = "claimed"
	JobCompleted JobStatus = "completed"
	JobFailed    JobStatus = "failed"
)

// Attachment roles.
const (
	RolePageImage     = "page_image"
	RoleOriginalPDF   = "original_pdf"
	RoleSearchablePDF = "searchable_pdf"
	RoleOCRArtifact   = "ocr_artifact"
	RoleEmbedding     = "embedding"
)

// Pipeline stages and event tags for the append-only pipeline_events log.
const (
	StageIngest      = "ingest"
	StageOCR         = "ocr"
	StagePDFBuild    = "pdf_build"
	StageTranslation = "translation"
	StageEmbedding   = "embedding"

	EventStarted   = "started"
	EventCompleted = "completed"
)

// Archive is a top-level source, e.g. a national archive.
type Archive struct {
	ID        int64     `json:"id"`
	Name      string    `json:"name"`
	Country   string    `json:"country"`
	CreatedAt time.Time `json:"created_at"`
}

// Record is one archival document. (SourceSystem, SourceRecordID) is the
// natural key; status moves along the pipeline state machine.
type Record struct {
	ID              int64     `json:"id"`
	ArchiveID       int64     `json:"archive_id"`
	SourceSystem    string    `json:"source_system"`
	SourceRecordID  string    `json:"source_record_id"`
	Title           string    `json:"title"`
	Description     string    `json:"description"`
	DateRange       string    `json:"date_range"`
	Lang            string    `json:"lang"`          // 2-char ISO-639-1, "" = unknown
	MetadataLang    string    `json:"metadata_lang"` // language of cataloging
	Status          Status    `json:"status"`
	PageCount       int       `json:"page_count"`
	AttachmentCount int       `json:"attachment_count"`
	PDFAttachmentID *int64    `json:"pdf_attachment_id"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
}

// Page is one scanned leaf within a record. Seq is 1-based and unique per
// record.
type Page struct {
	ID           int64     `json:"id"`
	RecordID     int64     `json:"record_id"`
	Seq          int       `json:"seq"`
	AttachmentID int64     `json:"attachment_id"`
	Label        string    `json:"label,omitempty"`
	Width        int       `json:"width,omitempty"`
	Height       int       `json:"height,omitempty"`
	SourceURL    string    `json:"source_url,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
}

// Attachment is a blob reference. Path is relative to the blob-store root.
type Attachment struct {
	ID        int64     `json:"id"`
	RecordID  int64     `json:"record_id"`
	Role      string    `json:"role"`
	Path      string    `json:"path"`
	SHA256    string    `json:"sha256"`
	Mime      string    `json:"mime"`
	SizeBytes int64     `json:"size_bytes"`
	CreatedAt time.Time `json:"created_at"`
}

// PageText is one OCR (or embedded-text) result for a page. A page may have
// several; the best is the one with the highest confidence, nil ranking
// lowest.
type PageText struct {
	ID         int64     `json:"id"`
	PageID     int64     `json:"page_id"`
	Engine     string    `json:"engine"`
	Confidence *float64  `json:"confidence"`
	TextRaw    string    `json:"text_raw"`
	TextEN     string    `json:"text_en,omitempty"`
	HOCR       string    `json:"hocr,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}

// Job is a unit of work for an external worker. Payload is opaque JSON owned
// by the worker for that kind.
type Job struct {
	ID         int64      `json:"id"`
	Kind       string     `json:"kind"`
	RecordID   *int64     `json:"record_id"`
	PageID     *int64     `json:"page_id"`
	Payload    string     `json:"payload,omitempty"`
	Status     JobStatus  `json:"status"`
	Attempts   int        `json:"attempts"`
	Error      string     `json:"error,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
	StartedAt  *time.Time `json:"started_at"`
	FinishedAt *time.Time `json:"finished_at"`
}

// PipelineEvent is an append-only audit-log row. Never mutated.
type PipelineEvent struct {
	ID        int64     `json:"id"`
	RecordID  int64     `json:"record_id"`
	Stage     string    `json:"stage"`
	Event     string    `json:"event"`
	Detail    string    `json:"detail,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}
