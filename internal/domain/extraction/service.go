package extraction

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/clinic/chartmerge/internal/domain/chart"
	"github.com/clinic/chartmerge/internal/platform/blobstore"
	"github.com/clinic/chartmerge/internal/platform/metrics"
	"github.com/clinic/chartmerge/internal/platform/retry"
	"github.com/clinic/chartmerge/pkg/entities"
)

// Merger applies extracted entities to a chart.
type Merger interface {
	Merge(ctx context.Context, patientID uuid.UUID, b chart.Batch) (*chart.Result, error)
}

type Options struct {
	// ExtractionTimeout bounds a single extractor run.
	ExtractionTimeout time.Duration
	// WriteRetries is the number of merge attempts on a concurrent chart write.
	WriteRetries   int
	RetryBaseDelay time.Duration
}

func DefaultOptions() Options {
	return Options{ExtractionTimeout: 90 * time.Second, WriteRetries: 3, RetryBaseDelay: 50 * time.Millisecond}
}

type Service struct {
	docs   Repository
	blobs  blobstore.Store
	router *Router
	merger Merger
	opts   Options
	logger zerolog.Logger
	now    func() time.Time
}

func NewService(docs Repository, blobs blobstore.Store, router *Router, merger Merger, opts Options, logger zerolog.Logger) *Service {
	return &Service{
		docs:   docs,
		blobs:  blobs,
		router: router,
		merger: merger,
		opts:   opts,
		logger: logger.With().Str("component", "extraction").Logger(),
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// sourceFor picks the provenance of a document's entities. An explicit
// source wins; transcripts otherwise come from the AI path.
func sourceFor(f Format, requested chart.Source) chart.Source {
	if requested.Valid() {
		return requested
	}
	if f == FormatVoiceTranscript {
		return chart.SourceAITranscript
	}
	return chart.SourceClinicianDocument
}

func contentType(f Format) string {
	switch f {
	case FormatPDF:
		return "application/pdf"
	case FormatCCD:
		return "application/xml"
	case FormatText, FormatVoiceTranscript:
		return "text/plain; charset=utf-8"
	}
	return "application/octet-stream"
}

// Process stores an uploaded artifact, extracts entities from it and merges
// them into the patient's chart. The artifact is always retained: an
// unsupported format or a failed extraction is reported on the result, and
// an error is returned only when the upload itself could not be stored.
func (s *Service) Process(ctx context.Context, up Upload) (*Result, error) {
	if up.PatientID == uuid.Nil {
		return nil, fmt.Errorf("%w: patient id is required", ErrInvalidUpload)
	}
	if len(up.Content) == 0 {
		return nil, fmt.Errorf("%w: content is empty", ErrInvalidUpload)
	}
	if up.Source != "" && !up.Source.Valid() {
		return nil, fmt.Errorf("%w: unknown source %q", ErrInvalidUpload, up.Source)
	}

	format, formatErr := DetectFormat(up.Format, up.Filename)
	doc := &Document{
		ID:             uuid.New(),
		PatientID:      up.PatientID,
		Format:         format,
		DeclaredFormat: up.Format,
		Filename:       up.Filename,
		Source:         sourceFor(format, up.Source),
		Status:         StatusPending,
		UploadedBy:     up.Actor,
		CreatedAt:      s.now(),
	}

	meta, err := s.blobs.Put(ctx, blobstore.Metadata{
		Key:         blobstore.KeyFor(doc.PatientID.String(), doc.ID.String()),
		PatientID:   doc.PatientID.String(),
		DocumentID:  doc.ID.String(),
		ContentType: contentType(format),
	}, bytes.NewReader(up.Content))
	if err != nil {
		return nil, fmt.Errorf("store artifact: %w", err)
	}
	doc.BlobKey, doc.ContentHash, doc.Size = meta.Key, meta.Hash, meta.Size

	if err := s.docs.Create(ctx, doc); err != nil {
		return nil, fmt.Errorf("create document: %w", err)
	}
	s.logger.Info().
		Str("document_id", doc.ID.String()).
		Str("patient_id", doc.PatientID.String()).
		Str("format", string(format)).
		Int64("size", doc.Size).
		Msg("document received")

	if formatErr != nil {
		if utf8.Valid(up.Content) {
			doc.RawContent = string(up.Content)
		}
		return s.finish(ctx, doc, StatusCompleted, formatErr, nil)
	}

	start := time.Now()
	set, raw, extractErr := s.extract(ctx, format, up.Content)
	metrics.RecordExtraction(string(format), time.Since(start))
	doc.RawContent = raw
	if set == nil {
		if extractErr == nil {
			extractErr = errors.New("extractor returned no result")
		}
		return s.finish(ctx, doc, StatusFailed, extractErr, nil)
	}

	set = entities.Dedup(set)
	doc.Entities = set

	res, err := s.merge(ctx, doc, set)
	if err != nil {
		return s.finish(ctx, doc, StatusFailed, fmt.Errorf("merge: %w", err), nil)
	}
	doc.Summary = summarize(res)
	// A partial extraction still merges what was found.
	return s.finish(ctx, doc, StatusCompleted, extractErr, res.Decisions)
}

type extractOutcome struct {
	set *entities.Set
	raw string
	err error
}

// extract runs the router under the extraction timeout. Extractors that do
// not watch the context are abandoned when it expires.
func (s *Service) extract(ctx context.Context, f Format, content []byte) (*entities.Set, string, error) {
	ectx, cancel := context.WithTimeout(ctx, s.opts.ExtractionTimeout)
	defer cancel()

	done := make(chan extractOutcome, 1)
	go func() {
		set, raw, err := s.router.Extract(ectx, f, content)
		done <- extractOutcome{set: set, raw: raw, err: err}
	}()

	select {
	case out := <-done:
		if out.err != nil && errors.Is(ectx.Err(), context.DeadlineExceeded) {
			return nil, out.raw, fmt.Errorf("%w after %s: %v", ErrExtractionTimeout, s.opts.ExtractionTimeout, out.err)
		}
		return out.set, out.raw, out.err
	case <-ectx.Done():
		if errors.Is(ectx.Err(), context.DeadlineExceeded) {
			return nil, "", fmt.Errorf("%w after %s", ErrExtractionTimeout, s.opts.ExtractionTimeout)
		}
		return nil, "", ectx.Err()
	}
}

// merge applies the set, retrying when another writer got to the chart
// first.
func (s *Service) merge(ctx context.Context, doc *Document, set *entities.Set) (*chart.Result, error) {
	batch := chart.Batch{
		DocumentID: &doc.ID,
		Source:     doc.Source,
		Actor:      doc.UploadedBy,
		Entities:   set.All(),
	}
	var res *chart.Result
	err := retry.WithBackoff(ctx, s.opts.WriteRetries, s.opts.RetryBaseDelay, func(attempt int) error {
		var err error
		res, err = s.merger.Merge(ctx, doc.PatientID, batch)
		if errors.Is(err, chart.ErrConcurrentChartWrite) {
			s.logger.Warn().
				Str("document_id", doc.ID.String()).
				Int("attempt", attempt+1).
				Msg("chart write conflict, retrying")
			return err
		}
		return retry.Permanent(err)
	})
	return res, err
}

func (s *Service) finish(ctx context.Context, doc *Document, status Status, procErr error, decisions []*chart.Decision) (*Result, error) {
	now := s.now()
	doc.Status = status
	doc.CompletedAt = &now
	if procErr != nil {
		msg := procErr.Error()
		doc.ProcessingError = &msg
	}
	if err := s.docs.Finish(ctx, doc); err != nil {
		return nil, fmt.Errorf("finish document: %w", err)
	}
	metrics.RecordDocumentProcessed(string(doc.Format), string(status))

	ev := s.logger.Info()
	if status == StatusFailed {
		ev = s.logger.Warn()
	}
	ev.Str("document_id", doc.ID.String()).
		Str("status", string(status)).
		Int("created", doc.Summary.Created).
		Int("updated", doc.Summary.Updated).
		Int("skipped", doc.Summary.Skipped).
		Int("conflicts", doc.Summary.Conflicts).
		AnErr("processing_error", procErr).
		Msg("document processed")

	set := doc.Entities
	if set == nil {
		set = entities.NewSet()
	}
	return &Result{
		DocumentID:      doc.ID,
		Status:          status,
		Entities:        set,
		RawContent:      doc.RawContent,
		ProcessingError: doc.ProcessingError,
		Decisions:       decisions,
	}, nil
}

func (s *Service) Get(ctx context.Context, id uuid.UUID) (*Document, error) {
	return s.docs.GetByID(ctx, id)
}

func (s *Service) ListByPatient(ctx context.Context, patientID uuid.UUID, limit, offset int) ([]*Document, int, error) {
	return s.docs.ListByPatient(ctx, patientID, limit, offset)
}
