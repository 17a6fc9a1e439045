// Package ccda extracts clinical entities from CCD/C-CDA exports with
// tag-scoped regular expressions. It does not validate the document, so
// partial and malformed exports still yield whatever sections are readable.
package ccda

import (
	"errors"
	"fmt"
	"html"
	"regexp"
	"runtime/debug"
	"sort"
	"strings"

	"github.com/clinic/chartmerge/pkg/entities"
)

// ErrNotXML is returned for input that carries no markup at all.
var ErrNotXML = errors.New("ccda: content is not XML")

// SectionError reports a section whose extraction aborted. Entities from
// other sections are still returned.
type SectionError struct {
	Section string
	Cause   string
}

func (e *SectionError) Error() string {
	return fmt.Sprintf("ccda: %s section failed: %s", e.Section, e.Cause)
}

// Extractor pulls medications, problems, allergies, results, vitals and
// procedures out of CCD text. It holds no mutable state and is safe for
// concurrent use.
type Extractor struct {
	excluded map[string]bool
}

// NewExtractor creates an extractor. Medication names in excluded (compared
// case-insensitively) are dropped; nil uses DefaultExcludedMedications.
func NewExtractor(excluded []string) *Extractor {
	if excluded == nil {
		excluded = DefaultExcludedMedications
	}
	x := &Extractor{excluded: make(map[string]bool, len(excluded))}
	for _, name := range excluded {
		x.excluded[entities.CanonicalName(name)] = true
	}
	return x
}

// Extract reads every supported section of doc. The returned set is never
// nil; err joins the SectionErrors of sections that failed.
func (x *Extractor) Extract(doc string) (*entities.Set, error) {
	out := entities.NewSet()
	if !strings.Contains(doc, "<") {
		return out, ErrNotXML
	}

	var errs []error
	safely("medications", &errs, func() { x.medications(doc, out) })
	safely("problems", &errs, func() { x.diagnoses(doc, out) })
	safely("allergies", &errs, func() { x.allergies(doc, out) })
	safely("vitals", &errs, func() { x.vitals(doc, out) })
	safely("results", &errs, func() { x.labs(doc, out) })
	safely("procedures", &errs, func() { x.procedures(doc, out) })

	return entities.Dedup(out), errors.Join(errs...)
}

func safely(section string, errs *[]error, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			stack := string(debug.Stack())
			if len(stack) > 512 {
				stack = stack[:512]
			}
			*errs = append(*errs, &SectionError{Section: section, Cause: fmt.Sprintf("%v\n%s", r, stack)})
		}
	}()
	fn()
}

func (x *Extractor) medications(doc string, out *entities.Set) {
	blocks := substanceAdminBlock.FindAllStringSubmatch(doc, -1)
	for _, b := range blocks {
		if med := x.medication(b[2]); med != nil {
			out.Add(med)
		}
	}
	if len(blocks) > 0 {
		return
	}

	// No administration blocks, fall back to bare product names.
	for _, mb := range materialBlock.FindAllStringSubmatch(doc, -1) {
		name := firstText(nameBlock, mb[2])
		if name == "" || x.excluded[entities.CanonicalName(name)] {
			continue
		}
		out.Add(&entities.Medication{Name: name, Status: entities.StatusActive})
	}
}

func (x *Extractor) medication(body string) *entities.Medication {
	name := ""
	if mb := materialBlock.FindStringSubmatch(body); mb != nil {
		if c := codeEl.FindStringSubmatch(mb[2]); c != nil {
			name = attrs(c[1])["displayName"]
		}
		if name == "" {
			name = firstText(nameBlock, mb[2])
		}
	}
	name = clean(name)
	if name == "" || x.excluded[entities.CanonicalName(name)] {
		return nil
	}

	med := &entities.Medication{Name: name, Status: entities.StatusActive}
	if d := doseQuantityEl.FindStringSubmatch(body); d != nil {
		a := attrs(d[1])
		med.Dosage = quantity(a["value"], a["unit"])
	}
	if p := periodEl.FindStringSubmatch(body); p != nil {
		a := attrs(p[1])
		med.Frequency = FrequencyLabel(a["value"], a["unit"])
	}
	if r := routeCodeEl.FindStringSubmatch(body); r != nil {
		med.Route = clean(attrs(r[1])["displayName"])
	}
	med.Sig = firstText(textBlock, body)
	if s := statusCodeEl.FindStringSubmatch(body); s != nil {
		if code := strings.ToLower(attrs(s[1])["code"]); code != "" && code != entities.StatusActive {
			med.Status = entities.StatusInactive
		}
	}
	return med
}

// FrequencyLabel converts a CCD dosing period to a human label.
func FrequencyLabel(value, unit string) string {
	value, unit = strings.TrimSpace(value), strings.ToLower(strings.TrimSpace(unit))
	if value == "" {
		return ""
	}
	switch {
	case value == "1" && unit == "d", value == "24" && unit == "h":
		return "Daily"
	case value == "12" && unit == "h":
		return "BID (twice daily)"
	case value == "8" && unit == "h":
		return "TID (three times daily)"
	case value == "6" && unit == "h":
		return "QID (four times daily)"
	}
	return fmt.Sprintf("Every %s %s", value, unit)
}

func (x *Extractor) diagnoses(doc string, out *entities.Set) {
	for _, m := range codeOrValueEl.FindAllStringSubmatch(doc, -1) {
		a := attrs(m[1])
		code := strings.TrimSpace(a["code"])
		system := a["codeSystem"]
		if code == "" {
			continue
		}
		if system != OIDICD10 && system != OIDICD10WHO && !(system == "" && icdCodeRe.MatchString(code)) {
			continue
		}
		if !icdCodeRe.MatchString(strings.ToUpper(code)) {
			continue
		}
		name := clean(a["displayName"])
		if name == "" {
			continue
		}
		out.Add(&entities.Diagnosis{Code: strings.ToUpper(code), Name: name, Status: entities.StatusActive})
	}
}

func (x *Extractor) allergies(doc string, out *entities.Set) {
	for _, p := range participantBlock.FindAllStringSubmatch(doc, -1) {
		if attrs(p[1])["typeCode"] != participantTypeConsumable {
			continue
		}
		name := ""
		if c := codeEl.FindStringSubmatch(p[2]); c != nil {
			name = attrs(c[1])["displayName"]
		}
		if name == "" {
			name = firstText(nameBlock, p[2])
		}
		if name = clean(name); name != "" {
			out.Add(&entities.Allergy{Allergen: name})
		}
	}
}

func (x *Extractor) labs(doc string, out *entities.Set) {
	doc = stripVitalOrganizers(doc)
	doc = substanceAdminBlock.ReplaceAllString(doc, "")

	for _, ob := range observationBlock.FindAllStringSubmatch(doc, -1) {
		body := ob[2]
		if hasTemplate(body, OIDVitalSignObservation) {
			continue
		}
		c := codeEl.FindStringSubmatch(body)
		v := valueEl.FindStringSubmatch(body)
		if c == nil || v == nil {
			continue
		}
		name := clean(attrs(c[1])["displayName"])
		va := attrs(v[1])
		if name == "" || !numericRe.MatchString(strings.TrimSpace(va["value"])) || nonLabNameRe.MatchString(name) {
			continue
		}
		lab := &entities.LabResult{
			Name:         name,
			Value:        strings.TrimSpace(va["value"]),
			Unit:         unit(va["unit"]),
			ObservedDate: effectiveDate(body),
		}
		if ic := interpretEl.FindStringSubmatch(body); ic != nil {
			lab.Flag = strings.ToUpper(attrs(ic[1])["code"])
		}
		out.Add(lab)
	}
}

func (x *Extractor) vitals(doc string, out *entities.Set) {
	var bodies []string
	for _, org := range organizerBlock.FindAllStringSubmatch(doc, -1) {
		if isVitalOrganizer(org[2]) {
			bodies = append(bodies, org[2])
		}
	}
	for _, vs := range vitalSignBlock.FindAllStringSubmatch(doc, -1) {
		bodies = append(bodies, vs[2])
	}

	readings := map[string]*entities.Vital{}
	var order []string
	record := func(body string) {
		c := codeEl.FindStringSubmatch(body)
		v := valueEl.FindStringSubmatch(body)
		if c == nil || v == nil {
			return
		}
		va := attrs(v[1])
		value := strings.TrimSpace(va["value"])
		if value == "" {
			return
		}
		kind := VitalKind(attrs(c[1])["displayName"])
		if kind == "" {
			return
		}
		if _, seen := readings[kind]; seen {
			return
		}
		readings[kind] = &entities.Vital{Kind: kind, Value: value, Unit: unit(va["unit"])}
		order = append(order, kind)
	}

	for _, body := range bodies {
		obs := observationBlock.FindAllStringSubmatch(body, -1)
		if len(obs) == 0 {
			record(body)
			continue
		}
		for _, o := range obs {
			record(o[2])
		}
	}

	sys, hasSys := readings["systolic"]
	dia, hasDia := readings["diastolic"]
	if hasSys && hasDia {
		readings["blood_pressure"] = &entities.Vital{Kind: "blood_pressure", Value: sys.Value + "/" + dia.Value, Unit: "mmHg"}
		kept := order[:0]
		for _, k := range order {
			if k != "systolic" && k != "diastolic" {
				kept = append(kept, k)
			}
		}
		order = append(kept, "blood_pressure")
	}
	sort.Strings(order)
	for _, kind := range order {
		if _, exists := out.Vitals[kind]; !exists {
			out.Add(readings[kind])
		}
	}
}

func (x *Extractor) procedures(doc string, out *entities.Set) {
	for _, pb := range procedureBlock.FindAllStringSubmatch(doc, -1) {
		c := codeEl.FindStringSubmatch(pb[2])
		if c == nil {
			continue
		}
		a := attrs(c[1])
		code := strings.TrimSpace(a["code"])
		name := clean(a["displayName"])
		if name == "" || (a["codeSystem"] != OIDCPT && !cptCodeRe.MatchString(code)) {
			continue
		}
		out.Add(&entities.Procedure{Code: code, Name: name, Date: effectiveDate(pb[2])})
	}
}

// VitalKind maps a vital-sign display name to the chart's vital kind.
func VitalKind(displayName string) string {
	n := entities.CanonicalName(displayName)
	switch {
	case n == "":
		return ""
	case strings.Contains(n, "systolic"):
		return "systolic"
	case strings.Contains(n, "diastolic"):
		return "diastolic"
	case strings.Contains(n, "heart rate"), strings.Contains(n, "pulse"):
		return "pulse"
	case strings.Contains(n, "respiratory"):
		return "respiratory_rate"
	case strings.Contains(n, "oxygen saturation"), strings.Contains(n, "spo2"):
		return "oxygen_saturation"
	case strings.Contains(n, "body mass index"), n == "bmi":
		return "bmi"
	case strings.Contains(n, "weight"):
		return "weight"
	case strings.Contains(n, "height"):
		return "height"
	case strings.Contains(n, "temperature"):
		return "temperature"
	}
	return strings.ReplaceAll(n, " ", "_")
}

func isVitalOrganizer(body string) bool {
	if hasTemplate(body, OIDVitalSignEntry) {
		return true
	}
	if c := codeEl.FindStringSubmatch(body); c != nil && attrs(c[1])["code"] == LOINCVitalSignsPanel {
		return true
	}
	return false
}

func stripVitalOrganizers(doc string) string {
	doc = organizerBlock.ReplaceAllStringFunc(doc, func(org string) string {
		if isVitalOrganizer(org) {
			return ""
		}
		return org
	})
	return vitalSignBlock.ReplaceAllString(doc, "")
}

func hasTemplate(body, oid string) bool {
	for _, t := range templateIDEl.FindAllStringSubmatch(body, -1) {
		if attrs(t[1])["root"] == oid {
			return true
		}
	}
	return false
}

func effectiveDate(body string) string {
	e := effectiveTimeEl.FindStringSubmatch(body)
	if e == nil {
		return ""
	}
	if v := attrs(e[1])["value"]; v != "" {
		return formatParsedDate(v)
	}
	if low := lowEl.FindStringSubmatch(body); low != nil {
		return formatParsedDate(attrs(low[1])["value"])
	}
	return ""
}

// attrs parses an attribute list. Attribute order does not matter.
func attrs(s string) map[string]string {
	out := map[string]string{}
	for _, m := range attrRe.FindAllStringSubmatch(s, -1) {
		v := m[2]
		if v == "" {
			v = m[3]
		}
		out[m[1]] = html.UnescapeString(v)
	}
	return out
}

func firstText(re *regexp.Regexp, body string) string {
	m := re.FindStringSubmatch(body)
	if m == nil {
		return ""
	}
	return clean(tagRe.ReplaceAllString(m[2], " "))
}

func clean(s string) string {
	return strings.Join(strings.Fields(html.UnescapeString(s)), " ")
}

func quantity(value, u string) string {
	value = strings.TrimSpace(value)
	if value == "" {
		return ""
	}
	if u = unit(u); u != "" {
		return value + " " + u
	}
	return value
}

// unit drops the UCUM unity unit "1".
func unit(u string) string {
	u = strings.TrimSpace(u)
	if u == "1" {
		return ""
	}
	return u
}

// formatParsedDate converts an HL7 date (YYYYMMDD...) to YYYY-MM-DD.
func formatParsedDate(s string) string {
	s = strings.TrimSpace(s)
	if len(s) >= 8 {
		return s[:4] + "-" + s[4:6] + "-" + s[6:8]
	}
	return s
}
