// CLAUDE:SUMMARY Built-in embed_record worker: claims embedding jobs in-process and stores vectors as blobs.
//
// Package embedder is the convenience path for embeddings. External
// workers claim embed_record jobs over the processor API like any other
// kind; when an API key is configured, this in-process worker does the
// same job loop without a separate deployment. It competes for jobs
// through the identical claim protocol, so running both is safe.
package embedder

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	openai "github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"

	"github.com/hazyhaar/archon/blob"
	"github.com/hazyhaar/archon/hub"
	"github.com/hazyhaar/archon/jobs"
	"github.com/hazyhaar/archon/store"
)

const (
	workerID = "archon-embedder"

	// maxInputRunes caps the text sent to the model. Long records are
	// truncated rather than chunked; chunked embedding belongs to a
	// dedicated external worker.
	maxInputRunes = 24000

	defaultModel = openai.EmbeddingModelTextEmbedding3Small
	defaultPoll  = 30 * time.Second
)

// Config configures the in-process embedding worker.
type Config struct {
	APIKey     string
	BaseURL    string // optional, for OpenAI-compatible endpoints
	Model      string // optional, defaults to text-embedding-3-small
	Poll       time.Duration
	MaxRetries int // transport retries, 0 means the SDK default
}

// Worker claims embed_record jobs and writes the resulting vector to the
// blob store as an embedding attachment.
type Worker struct {
	st     *store.Store
	jobs   *jobs.Service
	blobs  blob.Store
	hub    *hub.Hub
	client openai.Client
	model  openai.EmbeddingModel
	poll   time.Duration
	log    *slog.Logger
}

func New(st *store.Store, js *jobs.Service, blobs blob.Store, h *hub.Hub, cfg Config, logger *slog.Logger) *Worker {
	opts := []option.RequestOption{option.WithAPIKey(cfg.APIKey)}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	if cfg.MaxRetries > 0 {
		opts = append(opts, option.WithMaxRetries(cfg.MaxRetries))
	}
	model := openai.EmbeddingModel(cfg.Model)
	if model == "" {
		model = defaultModel
	}
	poll := cfg.Poll
	if poll <= 0 {
		poll = defaultPoll
	}
	return &Worker{
		st:     st,
		jobs:   js,
		blobs:  blobs,
		hub:    h,
		client: openai.NewClient(opts...),
		model:  model,
		poll:   poll,
		log:    logger,
	}
}

// Start runs the claim loop until ctx ends. Run it in a goroutine. The
// loop drains the queue on startup, whenever the hub wakes it, and on a
// poll tick as a safety net for missed wakes.
func (w *Worker) Start(ctx context.Context) {
	wake, cancel := w.hub.SubscribeWorker(workerID, []string{jobs.KindEmbedRecord})
	defer cancel()

	ticker := time.NewTicker(w.poll)
	defer ticker.Stop()

	w.log.Info("embedder started", "model", w.model)
	w.Drain(ctx)
	for {
		select {
		case <-ctx.Done():
			w.log.Info("embedder stopped")
			return
		case _, ok := <-wake:
			if !ok {
				w.log.Warn("embedder stream superseded, exiting")
				return
			}
			w.Drain(ctx)
		case <-ticker.C:
			w.Drain(ctx)
		}
	}
}

// Drain claims and processes jobs until the queue is empty. A failing
// job is marked failed and the loop moves on; the audit sweep retries it
// later.
func (w *Worker) Drain(ctx context.Context) {
	for ctx.Err() == nil {
		job, err := w.jobs.Claim(ctx, jobs.KindEmbedRecord)
		if err != nil {
			w.log.Error("embed claim failed", "error", err)
			return
		}
		if job == nil {
			return
		}
		if err := w.process(ctx, job); err != nil {
			w.log.Error("embed job failed", "job_id", job.ID, "error", err)
			if _, failErr := w.jobs.Fail(ctx, job.ID, err.Error()); failErr != nil {
				w.log.Error("could not mark embed job failed", "job_id", job.ID, "error", failErr)
			}
		}
	}
}

// vectorDoc is the JSON stored in the embedding blob.
type vectorDoc struct {
	Model  string    `json:"model"`
	Dim    int       `json:"dim"`
	Vector []float64 `json:"vector"`
}

func (w *Worker) process(ctx context.Context, job *store.Job) error {
	if job.RecordID == nil {
		return errors.New("embed_record job without record")
	}
	recordID := *job.RecordID

	text, err := w.recordText(ctx, recordID)
	if err != nil {
		return err
	}
	if text == "" {
		// Nothing to embed; completing keeps the pipeline moving.
		_, err := w.jobs.Complete(ctx, job.ID, `{"skipped":"no text"}`)
		return err
	}

	resp, err := w.client.Embeddings.New(ctx, openai.EmbeddingNewParams{
		Input: openai.EmbeddingNewParamsInputUnion{OfString: openai.String(text)},
		Model: w.model,
	})
	if err != nil {
		return fmt.Errorf("embeddings api: %w", err)
	}
	if len(resp.Data) == 0 {
		return errors.New("embeddings api returned no vectors")
	}
	vec := resp.Data[0].Embedding

	doc, err := json.Marshal(vectorDoc{Model: string(w.model), Dim: len(vec), Vector: vec})
	if err != nil {
		return err
	}

	p := blob.EmbeddingPath(recordID)
	sha, size, err := w.blobs.Put(ctx, p, strings.NewReader(string(doc)))
	if err != nil {
		return fmt.Errorf("store embedding blob: %w", err)
	}
	if err := w.upsertAttachment(ctx, recordID, p, sha, size); err != nil {
		return err
	}

	result := fmt.Sprintf(`{"dim":%d}`, len(vec))
	if _, err := w.jobs.Complete(ctx, job.ID, result); err != nil {
		return err
	}
	w.log.Info("record embedded", "record_id", recordID, "dim", len(vec))
	return nil
}

// recordText assembles the text to embed: catalog metadata first, then
// the best text of each page in order, truncated to maxInputRunes.
func (w *Worker) recordText(ctx context.Context, recordID int64) (string, error) {
	rec, err := w.st.Record(ctx, recordID)
	if err != nil {
		return "", err
	}

	var b strings.Builder
	for _, part := range []string{rec.Title, rec.Description, rec.DateRange} {
		if part != "" {
			b.WriteString(part)
			b.WriteString("\n")
		}
	}

	pages, err := w.st.ListPages(ctx, recordID)
	if err != nil {
		return "", err
	}
	for _, p := range pages {
		t, err := w.st.BestPageText(ctx, p.ID)
		if errors.Is(err, store.ErrNotFound) {
			continue
		}
		if err != nil {
			return "", err
		}
		text := t.TextEN
		if text == "" {
			text = t.TextRaw
		}
		if text == "" {
			continue
		}
		b.WriteString(text)
		b.WriteString("\n")
	}

	out := strings.TrimSpace(b.String())
	if r := []rune(out); len(r) > maxInputRunes {
		out = string(r[:maxInputRunes])
	}
	return out, nil
}

func (w *Worker) upsertAttachment(ctx context.Context, recordID int64, p, sha string, size int64) error {
	existing, err := w.st.AttachmentByPath(ctx, recordID, p)
	switch {
	case err == nil:
		return w.st.UpdateAttachmentBlob(ctx, existing.ID, sha, "application/json", size)
	case !errors.Is(err, store.ErrNotFound):
		return err
	}
	_, err = w.st.CreateAttachment(ctx, &store.Attachment{
		RecordID:  recordID,
		Role:      store.RoleEmbedding,
		Path:      p,
		SHA256:    sha,
		Mime:      "application/json",
		SizeBytes: size,
	})
	return err
}
