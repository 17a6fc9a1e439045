// Package labtext extracts clinical entities from plain text that was
// produced from PDFs or typed notes: lab panels, problem lists, medication
// lines, vitals and allergy lists. Every rule is an independent matcher; a
// line no rule understands is skipped.
package labtext

import (
	"strings"

	"github.com/clinic/chartmerge/pkg/entities"
)

const (
	valueLookahead = 10
	unitLookahead  = 3
	maxHeaderLen   = 40
)

type section string

const (
	sectionNone        section = ""
	sectionDiagnoses   section = "diagnoses"
	sectionMedications section = "medications"
	sectionLabs        section = "labs"
	sectionAllergies   section = "allergies"
	sectionVitals      section = "vitals"
	sectionProcedures  section = "procedures"
)

// sectionHeaders is the whole-line header vocabulary. Lines are compared
// lowercased with a trailing colon removed.
var sectionHeaders = map[string]section{
	"problem list": sectionDiagnoses, "problems": sectionDiagnoses,
	"active problems": sectionDiagnoses, "active problem list": sectionDiagnoses,
	"diagnosis": sectionDiagnoses, "diagnoses": sectionDiagnoses,
	"active diagnoses": sectionDiagnoses, "assessment": sectionDiagnoses,
	"assessment and plan": sectionDiagnoses, "medical history": sectionDiagnoses,
	"past medical history": sectionDiagnoses,

	"medication": sectionMedications, "medications": sectionMedications,
	"medication list": sectionMedications, "current medications": sectionMedications,
	"active medications": sectionMedications, "home medications": sectionMedications,
	"meds": sectionMedications, "prescriptions": sectionMedications,

	"allergy": sectionAllergies, "allergies": sectionAllergies,
	"allergy list": sectionAllergies, "drug allergies": sectionAllergies,
	"allergies and intolerances": sectionAllergies,

	"vitals": sectionVitals, "vital signs": sectionVitals,

	"procedures": sectionProcedures, "procedure history": sectionProcedures,
	"surgical history": sectionProcedures, "past surgical history": sectionProcedures,

	"lab": sectionLabs, "labs": sectionLabs, "lab results": sectionLabs,
	"laboratory": sectionLabs, "laboratory results": sectionLabs,
	"results": sectionLabs, "chemistry": sectionLabs, "hematology": sectionLabs,
	"lipid panel": sectionLabs, "metabolic panel": sectionLabs,
	"basic metabolic panel": sectionLabs, "comprehensive metabolic panel": sectionLabs,
}

// sectionKeywords name a section inside a colon-terminated header such as
// "Current Outpatient Medications:".
var sectionKeywords = []struct {
	keyword string
	section section
}{
	{"diagnos", sectionDiagnoses},
	{"problem", sectionDiagnoses},
	{"assessment", sectionDiagnoses},
	{"medication", sectionMedications},
	{"prescription", sectionMedications},
	{"meds", sectionMedications},
	{"allerg", sectionAllergies},
	{"vital", sectionVitals},
	{"procedure", sectionProcedures},
	{"surgical", sectionProcedures},
	{"lab", sectionLabs},
	{"result", sectionLabs},
	{"panel", sectionLabs},
	{"chemistry", sectionLabs},
	{"hematology", sectionLabs},
}

// Extractor turns line-oriented clinical text into an entity set. It holds no
// per-call state and is safe for concurrent use.
type Extractor struct {
	dict *Dictionary
}

// NewExtractor creates an extractor over dict. A nil dict uses the bundled
// dictionary.
func NewExtractor(dict *Dictionary) *Extractor {
	if dict == nil {
		dict = DefaultDictionary()
	}
	return &Extractor{dict: dict}
}

// Dictionary returns the lab vocabulary the extractor was built with.
func (x *Extractor) Dictionary() *Dictionary { return x.dict }

type pass struct {
	x        *Extractor
	lines    []string
	consumed []bool
	current  section
	out      *entities.Set
}

// Extract scans text and returns every entity it recognizes, deduplicated
// within the document. It never fails; text with no recognizable content
// yields an empty set.
func (x *Extractor) Extract(text string) *entities.Set {
	text = strings.ReplaceAll(text, "\r\n", "\n")
	lines := strings.Split(text, "\n")
	for i := range lines {
		lines[i] = strings.Join(strings.Fields(lines[i]), " ")
	}

	p := &pass{
		x:        x,
		lines:    lines,
		consumed: make([]bool, len(lines)),
		out:      entities.NewSet(),
	}
	for i, line := range lines {
		if line == "" || p.consumed[i] {
			continue
		}
		p.line(i, line)
	}
	return entities.Dedup(p.out)
}

func (p *pass) line(i int, line string) {
	if s, ok := sectionHeader(line); ok {
		p.current = s
		return
	}
	if p.allergyLine(line) {
		return
	}
	if p.knownTest(i, line) {
		return
	}
	if p.vitals(line) {
		return
	}
	if p.coded(line) {
		return
	}

	if p.current == sectionMedications {
		if p.medication(line) || p.tableLab(line) {
			return
		}
	} else if p.tableLab(line) || p.medication(line) {
		return
	}

	if p.colonLab(line) {
		return
	}
	p.sectionItem(line)
}

// sectionHeader recognizes a line that is only a section name, either from
// the header vocabulary or a short keyword line ending in a colon. List
// items that merely mention a keyword ("Allergic rhinitis") are not headers.
func sectionHeader(line string) (section, bool) {
	trimmed := strings.TrimSpace(line)
	l := strings.TrimSpace(strings.TrimSuffix(trimmed, ":"))
	if l == "" || len(l) > maxHeaderLen || hasDigitRe.MatchString(l) || strings.Contains(l, ":") {
		return sectionNone, false
	}
	lower := strings.ToLower(l)
	if s, ok := sectionHeaders[lower]; ok {
		return s, true
	}
	if !strings.HasSuffix(trimmed, ":") || len(strings.Fields(l)) > 4 {
		return sectionNone, false
	}
	for _, kw := range sectionKeywords {
		if strings.Contains(lower, kw.keyword) {
			return kw.section, true
		}
	}
	return sectionNone, false
}

// knownTest handles layouts where a test name sits alone on a line and its
// value and unit follow on later lines.
func (p *pass) knownTest(i int, line string) bool {
	if !p.x.dict.KnownLab(line) {
		return false
	}

	valueAt := -1
	for j := i + 1; j < len(p.lines) && j <= i+valueLookahead; j++ {
		l := p.lines[j]
		if p.consumed[j] {
			continue
		}
		if p.x.dict.KnownLab(l) {
			break
		}
		if bareNumberRe.MatchString(l) {
			valueAt = j
			break
		}
	}
	if valueAt < 0 {
		return false
	}

	lab := &entities.LabResult{Name: line, Value: p.lines[valueAt]}
	p.consumed[valueAt] = true
	for j := valueAt + 1; j < len(p.lines) && j <= valueAt+unitLookahead; j++ {
		if p.consumed[j] {
			continue
		}
		if p.x.dict.IsUnit(p.lines[j]) {
			lab.Unit = p.x.dict.Unit(p.lines[j])
			p.consumed[j] = true
			break
		}
	}
	p.out.Add(lab)
	return true
}

func (p *pass) tableLab(line string) bool {
	for _, m := range tableMatchers {
		groups := m.re.FindStringSubmatch(line)
		if groups == nil {
			continue
		}
		lab, ok := m.build(groups, p.x.dict)
		if !ok || !validName(lab.Name) {
			continue
		}
		lab.Name = strings.TrimRight(strings.TrimSpace(lab.Name), ":-")
		p.out.Add(lab)
		return true
	}
	return false
}

func (p *pass) colonLab(line string) bool {
	m := colonLabRe.FindStringSubmatch(line)
	if m == nil || !validName(m[1]) {
		return false
	}
	unit := m[3]
	hasUnit := unit != "" && p.x.dict.IsUnit(unit)
	if !hasUnit && !p.x.dict.KnownLab(m[1]) {
		return false
	}
	lab := &entities.LabResult{Name: strings.TrimSpace(m[1]), Value: m[2]}
	if hasUnit {
		lab.Unit = p.x.dict.Unit(unit)
	}
	p.out.Add(lab)
	return true
}

func (p *pass) coded(line string) bool {
	if m := icdLineRe.FindStringSubmatch(line); m != nil && startsWithLetter(m[2]) {
		p.out.Add(&entities.Diagnosis{Code: m[1], Name: strings.TrimSpace(m[2]), Status: entities.StatusActive})
		return true
	}
	if m := icdInlineRe.FindStringSubmatch(line); m != nil && startsWithLetter(m[1]) {
		p.out.Add(&entities.Diagnosis{Code: m[2], Name: strings.TrimRight(strings.TrimSpace(m[1]), "-:"), Status: entities.StatusActive})
		return true
	}
	if m := cptLineRe.FindStringSubmatch(line); m != nil && startsWithLetter(m[2]) {
		p.out.Add(&entities.Procedure{Code: m[1], Name: strings.TrimSpace(m[2])})
		return true
	}
	return false
}

func (p *pass) medication(line string) bool {
	m := medLineRe.FindStringSubmatch(line)
	if m == nil {
		return false
	}
	name, dose, rest := strings.TrimSpace(m[1]), m[2], strings.TrimSpace(m[3])
	if strings.HasPrefix(rest, "/") || !validName(name) || p.x.dict.KnownLab(name) {
		return false
	}
	p.out.Add(&entities.Medication{
		Name:      name,
		Dosage:    normalizeDose(dose),
		Frequency: findFrequency(line),
		Route:     findRoute(rest),
		Sig:       rest,
		Status:    entities.StatusActive,
	})
	return true
}

func (p *pass) vitals(line string) bool {
	found := false
	for _, vm := range vitalMatchers {
		m := vm.re.FindStringSubmatch(line)
		if m == nil {
			continue
		}
		found = true
		if _, exists := p.out.Vitals[vm.kind]; exists {
			continue
		}
		p.out.Add(vm.build(m))
	}
	return found
}

func (p *pass) allergyLine(line string) bool {
	m := allergyLineRe.FindStringSubmatch(line)
	if m == nil {
		return false
	}
	p.allergyList(m[1])
	return true
}

func (p *pass) allergyList(list string) {
	list = strings.TrimSpace(list)
	if allergyNoneRe.MatchString(list) {
		return
	}
	for _, item := range strings.FieldsFunc(list, func(r rune) bool { return r == ',' || r == ';' }) {
		item = strings.TrimSpace(item)
		if item == "" || allergyNoneRe.MatchString(item) {
			continue
		}
		m := allergyItemRe.FindStringSubmatch(item)
		if m == nil {
			continue
		}
		reaction := m[2]
		if reaction == "" {
			reaction = m[3]
		}
		p.out.Add(&entities.Allergy{Allergen: strings.TrimSpace(m[1]), Reaction: strings.TrimSpace(reaction)})
	}
}

// sectionItem reads a bare line as a list item of the current section. It
// runs after every numeric pattern has had its chance, so a diagnosis may
// carry digits ("Type 2 diabetes"); allergy items may not.
func (p *pass) sectionItem(line string) {
	item := strings.TrimLeft(line, "-*• ")
	if item == "" || !validName(item) {
		return
	}
	switch p.current {
	case sectionAllergies:
		if !hasDigitRe.MatchString(item) {
			p.allergyList(item)
		}
	case sectionDiagnoses:
		if len(strings.Fields(item)) <= 5 && !strings.HasSuffix(item, ".") {
			p.out.Add(&entities.Diagnosis{Name: item, Status: entities.StatusActive})
		}
	}
}

func normalizeDose(d string) string {
	d = strings.ToLower(strings.Join(strings.Fields(d), ""))
	for _, unit := range []string{"mcg", "mg"} {
		if i := strings.Index(d, unit); i > 0 {
			rest := d[i+len(unit):]
			rest = strings.ReplaceAll(rest, "ml", "mL")
			return d[:i] + " " + unit + rest
		}
	}
	return d
}
