package extraction

import (
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/clinic/chartmerge/internal/domain/chart"
	"github.com/clinic/chartmerge/pkg/entities"
)

var (
	// ErrUnsupportedFormat is recorded as a processing error; the upload
	// itself still succeeds.
	ErrUnsupportedFormat = errors.New("extraction: unsupported format")
	ErrDocumentNotFound  = errors.New("extraction: document not found")
	ErrInvalidUpload     = errors.New("extraction: invalid upload")
	ErrExtractionTimeout = errors.New("extraction: timed out")
)

// Format is a supported artifact type.
type Format string

const (
	FormatPDF             Format = "pdf"
	FormatCCD             Format = "ccd-xml"
	FormatText            Format = "text"
	FormatVoiceTranscript Format = "voice-transcript"
	FormatUnsupported     Format = "unsupported"
)

type Status string

const (
	StatusPending   Status = "pending"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// Summary counts the merge decisions a document produced.
type Summary struct {
	Created   int `json:"created"`
	Updated   int `json:"updated"`
	Skipped   int `json:"skipped"`
	Conflicts int `json:"conflicts"`
}

func summarize(res *chart.Result) Summary {
	return Summary{
		Created:   res.Count(chart.DecisionCreated),
		Updated:   res.Count(chart.DecisionUpdated),
		Skipped:   res.Count(chart.DecisionSkipped),
		Conflicts: res.Count(chart.DecisionConflict),
	}
}

// Document is one uploaded artifact and the outcome of processing it. Only
// the processing fields change after creation, and only while pending.
type Document struct {
	ID              uuid.UUID     `json:"id"`
	PatientID       uuid.UUID     `json:"patient_id"`
	Format          Format        `json:"format"`
	DeclaredFormat  string        `json:"declared_format,omitempty"`
	Filename        string        `json:"filename,omitempty"`
	Source          chart.Source  `json:"source"`
	Status          Status        `json:"status"`
	ProcessingError *string       `json:"processing_error,omitempty"`
	RawContent      string        `json:"raw_content"`
	Entities        *entities.Set `json:"entities,omitempty"`
	Summary         Summary       `json:"summary"`
	BlobKey         string        `json:"blob_key"`
	ContentHash     string        `json:"content_hash"`
	Size            int64         `json:"size"`
	UploadedBy      string        `json:"uploaded_by,omitempty"`
	CreatedAt       time.Time     `json:"created_at"`
	CompletedAt     *time.Time    `json:"completed_at,omitempty"`
}

// Upload is an artifact submitted for a patient. Format may be a format
// name, a MIME type or empty, in which case Filename's extension decides.
type Upload struct {
	PatientID uuid.UUID
	Format    string
	Filename  string
	Content   []byte
	Source    chart.Source
	Actor     string
}

// Result is the outcome returned to the uploader.
type Result struct {
	DocumentID      uuid.UUID         `json:"documentId"`
	Status          Status            `json:"status"`
	Entities        *entities.Set     `json:"entities"`
	RawContent      string            `json:"rawContent"`
	ProcessingError *string           `json:"processingError,omitempty"`
	Decisions       []*chart.Decision `json:"decisions,omitempty"`
}
