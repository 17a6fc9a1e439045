package transcript

// DefaultGenericNames maps common brand names to generic names.
var DefaultGenericNames = map[string]string{
	"glucophage": "metformin",
	"lipitor":    "atorvastatin",
	"zocor":      "simvastatin",
	"crestor":    "rosuvastatin",
	"synthroid":  "levothyroxine",
	"levoxyl":    "levothyroxine",
	"norvasc":    "amlodipine",
	"zestril":    "lisinopril",
	"prinivil":   "lisinopril",
	"lasix":      "furosemide",
	"coumadin":   "warfarin",
	"eliquis":    "apixaban",
	"xarelto":    "rivaroxaban",
	"plavix":     "clopidogrel",
	"advil":      "ibuprofen",
	"motrin":     "ibuprofen",
	"tylenol":    "acetaminophen",
	"prilosec":   "omeprazole",
	"nexium":     "esomeprazole",
	"zoloft":     "sertraline",
	"prozac":     "fluoxetine",
	"lexapro":    "escitalopram",
	"ozempic":    "semaglutide",
	"jardiance":  "empagliflozin",
	"januvia":    "sitagliptin",
	"cortef":     "hydrocortisone",
	"singulair":  "montelukast",
	"ventolin":   "albuterol",
	"proair":     "albuterol",
	"flonase":    "fluticasone",
	"neurontin":  "gabapentin",
	"ambien":     "zolpidem",
}
