package labtext

import (
	_ "embed"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/clinic/chartmerge/pkg/entities"
)

//go:embed labtests.json
var defaultDictionaryJSON []byte

// Dictionary is the curated vocabulary of lab-test names and result units
// the extractor trusts. It is immutable after construction.
type Dictionary struct {
	tests map[string]string
	units map[string]string
}

type dictionaryFile struct {
	Tests []string `json:"tests"`
	Units []string `json:"units"`
}

// NewDictionary builds a dictionary from display names. Lookups are
// case- and whitespace-insensitive; the display form is returned.
func NewDictionary(tests, units []string) *Dictionary {
	d := &Dictionary{
		tests: make(map[string]string, len(tests)),
		units: make(map[string]string, len(units)),
	}
	for _, t := range tests {
		if k := entities.CanonicalName(t); k != "" {
			d.tests[k] = strings.TrimSpace(t)
		}
	}
	for _, u := range units {
		if k := unitKey(u); k != "" {
			d.units[k] = strings.TrimSpace(u)
		}
	}
	return d
}

// DefaultDictionary returns the bundled dictionary.
func DefaultDictionary() *Dictionary {
	d, err := parseDictionary(defaultDictionaryJSON)
	if err != nil {
		panic(fmt.Sprintf("labtext: bundled dictionary is invalid: %v", err))
	}
	return d
}

// LoadDictionary reads a dictionary file with the same shape as the bundled
// asset: {"tests": [...], "units": [...]}.
func LoadDictionary(path string) (*Dictionary, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read lab dictionary: %w", err)
	}
	d, err := parseDictionary(data)
	if err != nil {
		return nil, fmt.Errorf("parse lab dictionary %s: %w", path, err)
	}
	return d, nil
}

func parseDictionary(data []byte) (*Dictionary, error) {
	var f dictionaryFile
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, err
	}
	if len(f.Tests) == 0 {
		return nil, fmt.Errorf("no lab tests defined")
	}
	return NewDictionary(f.Tests, f.Units), nil
}

// LookupTest returns the display name for text when it names a known test.
func (d *Dictionary) LookupTest(text string) (string, bool) {
	name, ok := d.tests[entities.CanonicalName(text)]
	return name, ok
}

// KnownLab reports whether name is a known lab test.
func (d *Dictionary) KnownLab(name string) bool {
	_, ok := d.LookupTest(name)
	return ok
}

// IsUnit reports whether tok is a recognized lab result unit.
func (d *Dictionary) IsUnit(tok string) bool {
	_, ok := d.units[unitKey(tok)]
	return ok
}

// Unit returns the canonical spelling of a recognized unit.
func (d *Dictionary) Unit(tok string) string {
	if u, ok := d.units[unitKey(tok)]; ok {
		return u
	}
	return strings.TrimSpace(tok)
}

// Size returns the number of known tests.
func (d *Dictionary) Size() int { return len(d.tests) }

func unitKey(u string) string {
	u = strings.TrimSpace(u)
	u = strings.TrimRight(u, ".,;")
	return strings.ToLower(strings.ReplaceAll(u, "μ", "µ"))
}
