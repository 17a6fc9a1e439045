package labtext

import (
	"regexp"
	"sort"
	"strings"

	"github.com/clinic/chartmerge/pkg/entities"
)

const (
	namePart  = `([A-Za-z][A-Za-z0-9 ,()'/\-.]*?[A-Za-z0-9)])`
	valuePart = `([<>]?\d+(?:\.\d+)?)`
	unitPart  = `([A-Za-zµμ%][A-Za-zµμ%/0-9.^*]*)`
	flagPart  = `(H|L|HH|LL|HIGH|LOW|A|ABN|ABNORMAL|CRITICAL|N|NORMAL)`
	rangePart = `\(?\s*((?:[<>]=?\s*\d+(?:\.\d+)?)|(?:\d+(?:\.\d+)?\s*-\s*\d+(?:\.\d+)?))\s*\)?`
)

var (
	bareNumberRe = regexp.MustCompile(`^[<>]?\d+(?:\.\d+)?$`)
	hasDigitRe   = regexp.MustCompile(`\d`)

	icdLineRe   = regexp.MustCompile(`^(?:[-*•]\s*|\d+[.)]\s+)?([A-Z]\d\d(?:\.\d{1,3})?)\s*[-:]?\s+(.+)$`)
	icdInlineRe = regexp.MustCompile(`^(?:[-*•]\s*|\d+[.)]\s+)?(.+?)\s*[(\[]\s*(?:ICD-?10:?\s*)?([A-Z]\d\d(?:\.\d{1,3})?)\s*[)\]]\s*$`)
	cptLineRe   = regexp.MustCompile(`^(?:[-*•]\s*)?(?:CPT:?\s*)?(\d{5})\s*[-:]?\s+(.+)$`)

	medLineRe = regexp.MustCompile(`(?i)^(?:[-*•]\s*|\d+[.)]\s+)?([A-Za-z][A-Za-z\-]+(?:\s+[A-Za-z][A-Za-z\-]+){0,3}?)\s+(\d+(?:\.\d+)?\s*(?:mg|mcg)(?:\s*/\s*\d*(?:\.\d+)?\s*ml)?)\b(.*)$`)

	allergyLineRe = regexp.MustCompile(`(?i)^(?:drug\s+)?allerg(?:y|ies)\s*[:\-]\s*(.+)$`)
	allergyNoneRe = regexp.MustCompile(`(?i)^(?:nkda|nka|none|no known (?:drug )?allergies)\.?$`)
	allergyItemRe = regexp.MustCompile(`^(.+?)\s*(?:\((.+)\)|(?:\s-|:)\s*(.+))?$`)

	colonLabRe = regexp.MustCompile(`^` + namePart + `\s*:\s*` + valuePart + `\s*` + unitPart + `?\s*$`)
)

// labMatcher is one single-line table pattern. Matchers run in order and the
// first one that yields a result wins.
type labMatcher struct {
	name  string
	re    *regexp.Regexp
	build func(m []string, d *Dictionary) (*entities.LabResult, bool)
}

var tableMatchers = []labMatcher{
	{
		name: "name-value-unit",
		re: regexp.MustCompile(`(?i)^` + namePart + `\s*[:\-]?\s+` + valuePart + `\s*` + unitPart +
			`(?:\s+` + flagPart + `)?(?:\s+` + rangePart + `)?\s*$`),
		build: func(m []string, d *Dictionary) (*entities.LabResult, bool) {
			if !d.IsUnit(m[3]) {
				return nil, false
			}
			return &entities.LabResult{
				Name: m[1], Value: m[2], Unit: d.Unit(m[3]),
				Flag: strings.ToUpper(m[4]), ReferenceRange: normalizeRange(m[5]),
			}, true
		},
	},
	{
		name: "name-value-range",
		re: regexp.MustCompile(`(?i)^` + namePart + `\s*[:\-]?\s+` + valuePart +
			`(?:\s+` + flagPart + `)?\s+` + rangePart + `\s*$`),
		build: func(m []string, _ *Dictionary) (*entities.LabResult, bool) {
			return &entities.LabResult{
				Name: m[1], Value: m[2],
				Flag: strings.ToUpper(m[3]), ReferenceRange: normalizeRange(m[4]),
			}, true
		},
	},
}

type vitalMatcher struct {
	kind  string
	re    *regexp.Regexp
	build func(m []string) *entities.Vital
}

var vitalMatchers = []vitalMatcher{
	{
		kind: "blood_pressure",
		re:   regexp.MustCompile(`(?i)\b(?:bp|blood pressure)\s*[:=]?\s*(\d{2,3})\s*/\s*(\d{2,3})`),
		build: func(m []string) *entities.Vital {
			return &entities.Vital{Kind: "blood_pressure", Value: m[1] + "/" + m[2], Unit: "mmHg"}
		},
	},
	{
		kind: "weight",
		re:   regexp.MustCompile(`(?i)\b(?:weight|wt)\s*[:=]?\s*(\d+(?:\.\d+)?)\s*(lbs?|kg|pounds)?\b`),
		build: func(m []string) *entities.Vital {
			unit := strings.ToLower(m[2])
			if unit == "pounds" || unit == "lb" {
				unit = "lbs"
			}
			return &entities.Vital{Kind: "weight", Value: m[1], Unit: unit}
		},
	},
	{
		kind: "height",
		re:   regexp.MustCompile(`(?i)\b(?:height|ht)\s*[:=]?\s*(\d+(?:\.\d+)?)\s*(?:(cm|in|inches|m)\b|'\s*(\d{1,2})(?:"|''|\s*in)?)?`),
		build: func(m []string) *entities.Vital {
			if m[3] != "" {
				return &entities.Vital{Kind: "height", Value: m[1] + "'" + m[3] + `"`, Unit: "ft/in"}
			}
			unit := strings.ToLower(m[2])
			if unit == "inches" {
				unit = "in"
			}
			return &entities.Vital{Kind: "height", Value: m[1], Unit: unit}
		},
	},
	{
		kind: "temperature",
		re:   regexp.MustCompile(`(?i)\b(?:temperature|temp)\s*[:=]?\s*(\d{2,3}(?:\.\d+)?)\s*°?\s*([FC])?\b`),
		build: func(m []string) *entities.Vital {
			unit := strings.ToUpper(m[2])
			if unit != "" {
				unit = "°" + unit
			}
			return &entities.Vital{Kind: "temperature", Value: m[1], Unit: unit}
		},
	},
	{
		kind: "pulse",
		re:   regexp.MustCompile(`(?i)\b(?:pulse|heart rate|hr)\s*[:=]?\s*(\d{2,3})\s*(?:bpm)?\b`),
		build: func(m []string) *entities.Vital {
			return &entities.Vital{Kind: "pulse", Value: m[1], Unit: "bpm"}
		},
	},
}

var structuralWords = map[string]bool{
	"patient": true, "doctor": true, "physician": true, "provider": true,
	"page": true, "specimen": true, "date": true, "time": true, "phone": true,
	"fax": true, "account": true, "mrn": true, "dob": true, "age": true,
	"address": true, "collected": true, "received": true, "reported": true,
	"ordered": true, "printed": true, "report": true, "id": true, "npi": true,
	"zip": true, "room": true, "visit": true, "encounter": true, "sex": true,
	"gender": true,
}

var routeWords = []string{
	"by mouth", "subcutaneous", "intravenous", "intramuscular", "transdermal",
	"sublingual", "inhaled", "topical", "rectal", "nasal", "oral", "subq",
	"po", "iv", "im", "sc", "sl",
}

var frequencyWords = []string{
	"four times daily", "three times daily", "twice daily", "once daily",
	"every other day", "every morning", "every evening", "every night",
	"at bedtime", "as needed", "once weekly", "daily", "nightly", "weekly",
	"monthly", "q12h", "q8h", "q6h", "q4h", "qhs", "qam", "qpm", "qid",
	"tid", "bid", "qod", "qd", "prn",
}

var abbreviations = map[string]bool{
	"po": true, "iv": true, "im": true, "sc": true, "sl": true, "subq": true,
	"q12h": true, "q8h": true, "q6h": true, "q4h": true, "qhs": true, "qam": true,
	"qpm": true, "qid": true, "tid": true, "bid": true, "qod": true, "qd": true,
	"prn": true,
}

var everyNHoursRe = regexp.MustCompile(`(?i)\bevery\s+\d+\s+hours?\b`)

var (
	routeRes     []*regexp.Regexp
	frequencyRes []*regexp.Regexp
)

func init() {
	sort.SliceStable(frequencyWords, func(i, j int) bool {
		return len(frequencyWords[i]) > len(frequencyWords[j])
	})
	for _, w := range routeWords {
		routeRes = append(routeRes, wordRe(w))
	}
	for _, w := range frequencyWords {
		frequencyRes = append(frequencyRes, wordRe(w))
	}
}

func wordRe(w string) *regexp.Regexp {
	return regexp.MustCompile(`(?i)\b` + regexp.QuoteMeta(w) + `\b`)
}

// validName applies the structural-word denylist and the [3,60) length band.
func validName(name string) bool {
	n := len(strings.TrimSpace(name))
	if n < 3 || n >= 60 {
		return false
	}
	for _, w := range strings.FieldsFunc(strings.ToLower(name), func(r rune) bool {
		return !(r >= 'a' && r <= 'z')
	}) {
		if structuralWords[w] {
			return false
		}
	}
	return true
}

func findRoute(s string) string {
	for i, re := range routeRes {
		if re.MatchString(s) {
			return vocabulary(routeWords[i])
		}
	}
	return ""
}

func findFrequency(s string) string {
	if m := everyNHoursRe.FindString(s); m != "" {
		return strings.ToLower(m)
	}
	for i, re := range frequencyRes {
		if re.MatchString(s) {
			return vocabulary(frequencyWords[i])
		}
	}
	return ""
}

func vocabulary(w string) string {
	if abbreviations[w] {
		return strings.ToUpper(w)
	}
	return w
}

func normalizeRange(r string) string {
	r = strings.TrimSpace(r)
	if r == "" {
		return ""
	}
	if i := strings.Index(r, "-"); i > 0 {
		return strings.TrimSpace(r[:i]) + "-" + strings.TrimSpace(r[i+1:])
	}
	return strings.Join(strings.Fields(r), "")
}

func startsWithLetter(s string) bool {
	s = strings.TrimSpace(s)
	if s == "" {
		return false
	}
	c := s[0]
	return (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z')
}
