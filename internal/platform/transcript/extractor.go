// Package transcript extracts clinical entities from visit transcripts by
// delegating to an AI extraction service constrained to a fixed JSON schema,
// then validating and coercing the reply into chart entities.
package transcript

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/rs/zerolog"

	"github.com/clinic/chartmerge/pkg/entities"
)

//go:embed schema.json
var responseSchema []byte

// Instruction is the system instruction sent with every transcript.
const Instruction = `You extract structured clinical data from a patient visit transcript.
Reply with a single JSON object that follows the provided schema and nothing else.
Only include information explicitly stated in the transcript. Do not infer diagnoses,
doses or dates. When a value is mentioned but not stated clearly, use "unknown".
Severity of a symptom may be inferred from qualitative language (mild, severe, worst ever).
Lab values the patient reports ("my cortisol was 1.4") belong in labs, not notes.`

// ErrExtractionFailed matches every *ExtractionFailedError.
var ErrExtractionFailed = errors.New("transcript: extraction failed")

// ExtractionFailedError reports a transcript that produced no usable
// entities. SchemaValidation is set when the service answered but the reply
// did not parse into the expected shape.
type ExtractionFailedError struct {
	Reason           string
	SchemaValidation bool
	Cause            error
}

func (e *ExtractionFailedError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("transcript: extraction failed: %s: %v", e.Reason, e.Cause)
	}
	return "transcript: extraction failed: " + e.Reason
}

// Unwrap exposes both ErrExtractionFailed and the underlying cause.
func (e *ExtractionFailedError) Unwrap() []error {
	if e.Cause == nil {
		return []error{ErrExtractionFailed}
	}
	return []error{ErrExtractionFailed, e.Cause}
}

// IsSchemaValidation reports whether the reply failed shape validation.
func (e *ExtractionFailedError) IsSchemaValidation() bool { return e.SchemaValidation }

// AIService is the external extraction capability.
type AIService interface {
	Extract(ctx context.Context, instruction, text string, schema []byte) (string, error)
}

// Extractor converts transcripts to entity sets.
type Extractor struct {
	ai       AIService
	generics map[string]string
	logger   zerolog.Logger
}

// Option configures an Extractor.
type Option func(*Extractor)

// WithGenericNames replaces the brand-to-generic medication name map. Keys
// are matched case-insensitively.
func WithGenericNames(m map[string]string) Option {
	return func(x *Extractor) {
		x.generics = make(map[string]string, len(m))
		for brand, generic := range m {
			x.generics[entities.CanonicalName(brand)] = generic
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l zerolog.Logger) Option {
	return func(x *Extractor) { x.logger = l }
}

// NewExtractor creates an extractor over ai.
func NewExtractor(ai AIService, opts ...Option) *Extractor {
	x := &Extractor{ai: ai, logger: zerolog.Nop()}
	WithGenericNames(DefaultGenericNames)(x)
	for _, o := range opts {
		o(x)
	}
	return x
}

// Schema returns the JSON schema replies must follow.
func Schema() []byte { return responseSchema }

// Extract sends the transcript to the AI service and coerces the reply.
// Service failures and unparseable replies return *ExtractionFailedError.
func (x *Extractor) Extract(ctx context.Context, transcript string) (*entities.Set, error) {
	if strings.TrimSpace(transcript) == "" {
		return entities.NewSet(), nil
	}

	raw, err := x.ai.Extract(ctx, Instruction, transcript, responseSchema)
	if err != nil {
		return nil, &ExtractionFailedError{Reason: "AI service call failed", Cause: err}
	}

	resp, err := parseResponse(raw)
	if err != nil {
		x.logger.Warn().Err(err).Int("reply_bytes", len(raw)).Msg("AI reply failed schema validation")
		return nil, &ExtractionFailedError{Reason: "reply does not match schema", SchemaValidation: true, Cause: err}
	}
	return x.coerce(resp), nil
}

var fenceRe = regexp.MustCompile("(?s)```[A-Za-z]*\\s*(.*?)\\s*```")

// parseResponse decodes the raw reply, then retries once with a surrounding
// code fence removed.
func parseResponse(raw string) (*reply, error) {
	first := decodeReply(strings.TrimSpace(raw))
	if first.err == nil {
		return first.reply, nil
	}
	m := fenceRe.FindStringSubmatch(raw)
	if m == nil {
		return nil, first.err
	}
	second := decodeReply(m[1])
	if second.err != nil {
		return nil, fmt.Errorf("raw: %v; fenced: %w", first.err, second.err)
	}
	return second.reply, nil
}

type decoded struct {
	reply *reply
	err   error
}

func decodeReply(s string) decoded {
	if !strings.HasPrefix(s, "{") {
		return decoded{err: errors.New("reply is not a JSON object")}
	}
	var r reply
	if err := json.Unmarshal([]byte(s), &r); err != nil {
		return decoded{err: err}
	}
	return decoded{reply: &r}
}

type reply struct {
	ChiefComplaint flexString `json:"chief_complaint"`
	Symptoms       []struct {
		Name     flexString `json:"name"`
		Severity flexString `json:"severity"`
		Duration flexString `json:"duration"`
	} `json:"symptoms"`
	Medications []struct {
		Name      flexString `json:"name"`
		Dosage    flexString `json:"dosage"`
		Frequency flexString `json:"frequency"`
		Route     flexString `json:"route"`
		Sig       flexString `json:"sig"`
		Status    flexString `json:"status"`
	} `json:"medications"`
	Labs []struct {
		Name         flexString `json:"name"`
		Value        flexString `json:"value"`
		Unit         flexString `json:"unit"`
		ObservedDate flexString `json:"observed_date"`
	} `json:"labs"`
	Diagnoses []struct {
		Code   flexString `json:"code"`
		Name   flexString `json:"name"`
		Status flexString `json:"status"`
	} `json:"diagnoses"`
	Allergies []struct {
		Allergen flexString `json:"allergen"`
		Reaction flexString `json:"reaction"`
	} `json:"allergies"`
	Vitals []struct {
		Kind  flexString `json:"kind"`
		Value flexString `json:"value"`
		Unit  flexString `json:"unit"`
	} `json:"vitals"`
	Procedures []struct {
		Code flexString `json:"code"`
		Name flexString `json:"name"`
		Date flexString `json:"date"`
	} `json:"procedures"`
	FamilyHistory []flexString `json:"family_history"`
	Notes         flexString   `json:"notes"`
}

// flexString accepts JSON strings, numbers, booleans and null. Numbers keep
// their literal text so "1.40" stays "1.40".
type flexString string

func (f *flexString) UnmarshalJSON(b []byte) error {
	s := strings.TrimSpace(string(b))
	switch {
	case s == "null":
		*f = ""
	case strings.HasPrefix(s, `"`):
		var v string
		if err := json.Unmarshal(b, &v); err != nil {
			return err
		}
		*f = flexString(v)
	case s == "true" || s == "false":
		*f = flexString(s)
	default:
		var n json.Number
		if err := json.Unmarshal(b, &n); err != nil {
			return fmt.Errorf("expected string or number, got %s", s)
		}
		*f = flexString(n.String())
	}
	return nil
}

var unknownWords = map[string]bool{
	"unknown": true, "n/a": true, "na": true, "not stated": true,
	"not mentioned": true, "unspecified": true, "none stated": true,
}

// value trims and maps the various "not stated" spellings to entities.Unknown.
func (f flexString) value() string {
	s := strings.Join(strings.Fields(string(f)), " ")
	if unknownWords[strings.ToLower(s)] {
		return entities.Unknown
	}
	return s
}

// optional is like value but drops unknown entirely.
func (f flexString) optional() string {
	if v := f.value(); v != entities.Unknown {
		return v
	}
	return ""
}

func (x *Extractor) coerce(r *reply) *entities.Set {
	out := entities.NewSet()
	out.ChiefComplaint = r.ChiefComplaint.optional()
	out.Notes = r.Notes.optional()
	for _, fh := range r.FamilyHistory {
		if v := fh.optional(); v != "" {
			out.FamilyHistory = append(out.FamilyHistory, v)
		}
	}
	for _, s := range r.Symptoms {
		if name := s.Name.optional(); name != "" {
			out.Symptoms = append(out.Symptoms, entities.Symptom{
				Name: name, Severity: s.Severity.value(), Duration: s.Duration.value(),
			})
		}
	}
	for _, m := range r.Medications {
		name := m.Name.optional()
		if name == "" {
			continue
		}
		out.Add(&entities.Medication{
			Name:      x.genericName(name),
			Dosage:    m.Dosage.value(),
			Frequency: m.Frequency.value(),
			Route:     m.Route.optional(),
			Sig:       m.Sig.optional(),
			Status:    medicationStatus(m.Status.value()),
		})
	}
	for _, l := range r.Labs {
		name, value := l.Name.optional(), l.Value.optional()
		if name == "" || value == "" {
			continue
		}
		out.Add(&entities.LabResult{
			Name: name, Value: value,
			Unit: l.Unit.optional(), ObservedDate: l.ObservedDate.optional(),
		})
	}
	for _, d := range r.Diagnoses {
		if name := d.Name.optional(); name != "" {
			out.Add(&entities.Diagnosis{Code: d.Code.optional(), Name: name, Status: d.Status.optional()})
		}
	}
	for _, a := range r.Allergies {
		if allergen := a.Allergen.optional(); allergen != "" {
			out.Add(&entities.Allergy{Allergen: allergen, Reaction: a.Reaction.value()})
		}
	}
	for _, v := range r.Vitals {
		kind, value := v.Kind.optional(), v.Value.optional()
		if kind == "" || value == "" {
			continue
		}
		kind = strings.ReplaceAll(entities.CanonicalName(kind), " ", "_")
		if _, exists := out.Vitals[kind]; !exists {
			out.Add(&entities.Vital{Kind: kind, Value: value, Unit: v.Unit.optional()})
		}
	}
	for _, p := range r.Procedures {
		if name := p.Name.optional(); name != "" {
			out.Add(&entities.Procedure{Code: p.Code.optional(), Name: name, Date: p.Date.optional()})
		}
	}
	return entities.Dedup(out)
}

func (x *Extractor) genericName(name string) string {
	if g, ok := x.generics[entities.CanonicalName(name)]; ok {
		return g
	}
	return name
}

func medicationStatus(s string) string {
	switch strings.ToLower(s) {
	case "active", "current", "taking":
		return entities.StatusActive
	case "inactive", "stopped", "discontinued", "completed":
		return entities.StatusInactive
	case "":
		return ""
	}
	return entities.Unknown
}
