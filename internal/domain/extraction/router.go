package extraction

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"path"
	"strings"

	"github.com/ledongthuc/pdf"

	"github.com/clinic/chartmerge/internal/platform/ccda"
	"github.com/clinic/chartmerge/internal/platform/labtext"
	"github.com/clinic/chartmerge/pkg/entities"
)

var formatAliases = map[string]Format{
	"pdf":             FormatPDF,
	"application/pdf": FormatPDF,
	".pdf":            FormatPDF,

	"ccd-xml":                 FormatCCD,
	"ccd":                     FormatCCD,
	"ccda":                    FormatCCD,
	"c-cda":                   FormatCCD,
	"xml":                     FormatCCD,
	"application/xml":         FormatCCD,
	"text/xml":                FormatCCD,
	"application/hl7-v3+xml":  FormatCCD,
	"application/hl7-cda+xml": FormatCCD,
	".xml":                    FormatCCD,
	".ccd":                    FormatCCD,
	".ccda":                   FormatCCD,

	"text":       FormatText,
	"txt":        FormatText,
	"text/plain": FormatText,
	".txt":       FormatText,

	"voice-transcript": FormatVoiceTranscript,
	"transcript":       FormatVoiceTranscript,
	"voice":            FormatVoiceTranscript,
}

// DetectFormat resolves the declared type, falling back to the filename
// extension when nothing recognizable is declared (for example a generic
// application/octet-stream upload of report.pdf).
func DetectFormat(declared, filename string) (Format, error) {
	d, _, _ := strings.Cut(declared, ";")
	d = strings.ToLower(strings.TrimSpace(d))
	if f, ok := formatAliases[d]; ok {
		return f, nil
	}
	if f, ok := formatAliases[strings.ToLower(path.Ext(filename))]; ok {
		return f, nil
	}
	if d == "" {
		d = strings.ToLower(path.Ext(filename))
	}
	if d == "" {
		return FormatUnsupported, fmt.Errorf("%w: no format declared", ErrUnsupportedFormat)
	}
	return FormatUnsupported, fmt.Errorf("%w: %q", ErrUnsupportedFormat, d)
}

// TranscriptExtractor turns a transcript into entities, typically through
// the external AI service.
type TranscriptExtractor interface {
	Extract(ctx context.Context, transcript string) (*entities.Set, error)
}

// Router dispatches artifacts to the extractor for their format.
type Router struct {
	text       *labtext.Extractor
	ccd        *ccda.Extractor
	transcript TranscriptExtractor
}

func NewRouter(text *labtext.Extractor, ccd *ccda.Extractor, transcript TranscriptExtractor) *Router {
	return &Router{text: text, ccd: ccd, transcript: transcript}
}

// Extract returns the entities found in content and the plain text they
// were read from. A partial set may accompany a non-nil error; a nil set
// means nothing could be extracted.
func (r *Router) Extract(ctx context.Context, f Format, content []byte) (*entities.Set, string, error) {
	switch f {
	case FormatPDF:
		text := string(content)
		if bytes.HasPrefix(content, []byte("%PDF")) {
			var err error
			if text, err = pdfText(content); err != nil {
				return nil, "", err
			}
		}
		return r.text.Extract(text), text, nil
	case FormatText:
		text := string(content)
		return r.text.Extract(text), text, nil
	case FormatCCD:
		doc := string(content)
		set, err := r.ccd.Extract(doc)
		return set, doc, err
	case FormatVoiceTranscript:
		text := string(content)
		if r.transcript == nil {
			return nil, text, fmt.Errorf("no transcript extractor configured")
		}
		set, err := r.transcript.Extract(ctx, text)
		return set, text, err
	}
	return nil, "", fmt.Errorf("%w: %q", ErrUnsupportedFormat, f)
}

// pdfText reads the text layer of a PDF. Scanned PDFs without one yield
// empty text.
func pdfText(content []byte) (text string, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("read pdf: %v", r)
		}
	}()
	rd, err := pdf.NewReader(bytes.NewReader(content), int64(len(content)))
	if err != nil {
		return "", fmt.Errorf("open pdf: %w", err)
	}
	plain, err := rd.GetPlainText()
	if err != nil {
		return "", fmt.Errorf("read pdf text: %w", err)
	}
	var buf bytes.Buffer
	if _, err := io.Copy(&buf, plain); err != nil {
		return "", fmt.Errorf("read pdf text: %w", err)
	}
	return buf.String(), nil
}
