package ccda

import "regexp"

// Template identifiers and code systems the extractor keys on.
const (
	OIDAllergyEntry           = "2.16.840.1.113883.10.20.22.4.30"
	OIDMedicationEntry        = "2.16.840.1.113883.10.20.22.4.16"
	OIDProblemEntry           = "2.16.840.1.113883.10.20.22.4.3"
	OIDResultEntry            = "2.16.840.1.113883.10.20.22.4.1"
	OIDVitalSignEntry         = "2.16.840.1.113883.10.20.22.4.26"
	OIDVitalSignObservation   = "2.16.840.1.113883.10.20.22.4.27"
	OIDVitalSignsSection      = "2.16.840.1.113883.10.20.22.2.4.1"
	LOINCVitalSignsPanel      = "46680-0"
	OIDLOINC                  = "2.16.840.1.113883.6.1"
	OIDSNOMED                 = "2.16.840.1.113883.6.96"
	OIDRxNorm                 = "2.16.840.1.113883.6.88"
	OIDICD10                  = "2.16.840.1.113883.6.90"
	OIDICD10WHO               = "2.16.840.1.113883.6.3"
	OIDCPT                    = "2.16.840.1.113883.6.12"
	participantTypeConsumable = "CSM"
)

// DefaultExcludedMedications are placeholder product names some EHR vendors
// emit in empty medication sections.
var DefaultExcludedMedications = []string{
	"No Known Medications",
	"No Medications",
	"Unknown Medication",
	"Medication Placeholder",
}

var (
	attrRe = regexp.MustCompile(`([A-Za-z_:][-A-Za-z0-9_:.]*)\s*=\s*(?:"([^"]*)"|'([^']*)')`)
	tagRe  = regexp.MustCompile(`<[^>]*>`)

	icdCodeRe = regexp.MustCompile(`^[A-Z]\d\d(?:\.\d{1,4})?$`)
	cptCodeRe = regexp.MustCompile(`^\d{5}$`)
	numericRe = regexp.MustCompile(`^-?\d+(?:\.\d+)?$`)

	nonLabNameRe = regexp.MustCompile(`(?i)instruction|order|sex|birth`)
)

// element matches opening or self-closing tags with the given local name,
// with or without a namespace prefix. Group 1 is the attribute text.
func element(name string) *regexp.Regexp {
	return regexp.MustCompile(`<(?:[A-Za-z0-9_]+:)?` + name + `\b([^>]*?)/?>`)
}

// block matches a whole element with its content, non-greedily. Group 1 is
// the attribute text and group 2 the body.
func block(name string) *regexp.Regexp {
	return regexp.MustCompile(`(?s)<(?:[A-Za-z0-9_]+:)?` + name + `\b([^>]*)>(.*?)</(?:[A-Za-z0-9_]+:)?` + name + `\s*>`)
}

var (
	codeOrValueEl   = regexp.MustCompile(`<(?:[A-Za-z0-9_]+:)?(?:code|value|translation)\b([^>]*?)/?>`)
	codeEl          = element("code")
	valueEl         = element("value")
	doseQuantityEl  = element("doseQuantity")
	periodEl        = element("period")
	routeCodeEl     = element("routeCode")
	statusCodeEl    = element("statusCode")
	effectiveTimeEl = element("effectiveTime")
	lowEl           = element("low")
	templateIDEl    = element("templateId")
	interpretEl     = element("interpretationCode")

	substanceAdminBlock = block("substanceAdministration")
	materialBlock       = block("manufacturedMaterial")
	nameBlock           = block("name")
	textBlock           = block("text")
	participantBlock    = block("participant")
	observationBlock    = block("observation")
	organizerBlock      = block("organizer")
	vitalSignBlock      = block("vital-sign")
	procedureBlock      = block("procedure")
)
