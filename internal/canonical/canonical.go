// Package canonical normalizes raw provider field values into comparable
// forms. Everything here is pure and deterministic; the same input always
// yields the same projection.
package canonical

import (
	"os"
	"regexp"
	"strings"
	"unicode"

	"github.com/rotisserie/eris"
	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
	"gopkg.in/yaml.v3"

	"github.com/sells-group/crm-intake/internal/model"
)

// Rules hold the provider-specific canonicalization data: which email
// domains fold local-part dots and plus tags, and which alias domains
// collapse onto a canonical one. Like the merge policy, this is
// configuration, not code.
type Rules struct {
	// DotInsensitiveDomains lists domains whose local parts fold dots and
	// strip plus tags. The single entry "*" applies the folding to every
	// domain.
	DotInsensitiveDomains []string `yaml:"dot_insensitive_domains"`
	// DomainAliases maps provider alias domains onto their canonical
	// domain.
	DomainAliases map[string]string `yaml:"domain_aliases"`

	foldAll bool
	dotSet  map[string]bool
}

// DefaultRules returns the reference rules. Dots in the local part carry
// no identity signal for intake matching, so every domain folds by
// default; deployments that need dot-significant addresses narrow the
// list in configuration.
func DefaultRules() *Rules {
	r := &Rules{
		DotInsensitiveDomains: []string{"*"},
		DomainAliases: map[string]string{
			"googlemail.com": "gmail.com",
			"protonmail.com": "proton.me",
		},
	}
	r.index()
	return r
}

// LoadRules reads canonicalization rules from a YAML file, falling back
// to defaults for sections the file omits.
func LoadRules(path string) (*Rules, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, eris.Wrapf(err, "canonical: read rules %s", path)
	}

	var wrapper struct {
		Canonical Rules `yaml:"canonical"`
	}
	if err := yaml.Unmarshal(data, &wrapper); err != nil {
		return nil, eris.Wrap(err, "canonical: parse rules")
	}

	r := &wrapper.Canonical
	defaults := DefaultRules()
	if r.DotInsensitiveDomains == nil {
		r.DotInsensitiveDomains = defaults.DotInsensitiveDomains
	}
	if r.DomainAliases == nil {
		r.DomainAliases = defaults.DomainAliases
	}
	r.index()
	return r, nil
}

func (r *Rules) index() {
	r.foldAll = false
	r.dotSet = make(map[string]bool, len(r.DotInsensitiveDomains))
	for _, d := range r.DotInsensitiveDomains {
		if d == "*" {
			r.foldAll = true
			continue
		}
		r.dotSet[strings.ToLower(d)] = true
	}
}

// active is the process-wide rule set used by the package-level
// functions. Replaced once during startup, before any records flow.
var active = DefaultRules()

// ReplaceRules swaps the package rules and returns a function to restore
// the previous set.
func ReplaceRules(r *Rules) func() {
	prev := active
	active = r
	return func() { active = prev }
}

var entitySuffixes = regexp.MustCompile(
	`(?i)\s*,?\s*(LLC|L\.?L\.?C\.?|INC\.?|INCORPORATED|CORP\.?|CORPORATION|` +
		`CO\.?|COMPANY|LTD\.?|LIMITED|L\.?P\.?|LLP|L\.?L\.?P\.?|GMBH|` +
		`PLLC|P\.?L\.?L\.?C\.?|P\.?C\.?|PLC|P\.?L\.?C\.?|DBA|D/B/A)\s*\.?\s*$`)

var (
	multiSpace = regexp.MustCompile(`\s{2,}`)
	nonAlnum   = regexp.MustCompile(`[^a-z0-9 ]`)
	nonDigit   = regexp.MustCompile(`\D`)
)

// asciiFold strips combining marks so accented and plain spellings compare
// equal.
var asciiFold = transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)

// Canonicalize derives the comparable projection of an incoming record
// under the active rules. It fails only on structurally invalid input: a
// record carrying none of the discriminating keys (email, phone, or
// company plus person name).
func Canonicalize(rec model.IncomingRecord) (model.CanonicalFields, error) {
	return active.Canonicalize(rec)
}

// Canonicalize derives the comparable projection under this rule set.
func (r *Rules) Canonicalize(rec model.IncomingRecord) (model.CanonicalFields, error) {
	cf := r.FromFields(rec.Fields)

	if cf.Email != "" || cf.Phone != "" || (cf.Company != "" && cf.FullName != "") {
		return cf, nil
	}

	var missing []string
	if cf.Email == "" {
		missing = append(missing, model.FieldEmail)
	}
	if cf.Phone == "" {
		missing = append(missing, model.FieldPhone)
	}
	if cf.Company == "" {
		missing = append(missing, model.FieldCompanyName)
	}
	if cf.FullName == "" {
		missing = append(missing, model.FieldFirstName+"/"+model.FieldLastName)
	}
	return model.CanonicalFields{}, &model.CanonicalizationError{
		Provider: rec.Provider,
		Missing:  missing,
	}
}

// FromFields computes the canonical projection of a field map under the
// active rules without validating discriminators. Used on the entity side
// of a comparison, where partially populated records are legitimate.
func FromFields(fields map[string]string) model.CanonicalFields {
	return active.FromFields(fields)
}

// FromFields computes the canonical projection under this rule set.
func (r *Rules) FromFields(fields map[string]string) model.CanonicalFields {
	get := func(key string) string {
		return strings.TrimSpace(fields[key])
	}

	var cf model.CanonicalFields
	cf.Email, cf.EmailDomain = r.Email(get(model.FieldEmail))
	cf.Phone, cf.PhoneCountry = Phone(get(model.FieldPhone))
	cf.Company = CompanyName(get(model.FieldCompanyName))
	cf.FullName = FullName(get(model.FieldFirstName), get(model.FieldLastName))
	return cf
}

// Email folds an address under the active rules.
func Email(raw string) (addr, domain string) {
	return active.Email(raw)
}

// Email lowercases and trims an address, resolves alias domains, and
// folds dot/plus variants for dot-insensitive domains. Returns the folded
// address and its domain, or empty strings for unusable input.
func (r *Rules) Email(raw string) (addr, domain string) {
	s := strings.ToLower(strings.TrimSpace(raw))
	at := strings.LastIndex(s, "@")
	if at <= 0 || at == len(s)-1 {
		return "", ""
	}

	local, dom := s[:at], s[at+1:]
	if canonical, ok := r.DomainAliases[dom]; ok {
		dom = canonical
	}
	if r.foldAll || r.dotSet[dom] {
		local = strings.ReplaceAll(local, ".", "")
		if plus := strings.Index(local, "+"); plus > 0 {
			local = local[:plus]
		}
	}
	if local == "" {
		return "", ""
	}
	return local + "@" + dom, dom
}

// Phone reduces a number to digits and guesses the calling-code prefix from
// leading-digit length. National numbers are assumed to be ten digits; any
// leading digits beyond ten (up to three) are taken as the calling code.
// Formatting for display is a presentation concern, not recorded here.
func Phone(raw string) (national, country string) {
	digits := nonDigit.ReplaceAllString(raw, "")
	if len(digits) < 7 {
		return "", ""
	}
	if extra := len(digits) - 10; extra > 0 && extra <= 3 {
		return digits[extra:], digits[:extra]
	}
	return digits, ""
}

// CompanyName strips legal-entity suffixes and punctuation, folds
// diacritics, and lowercases.
func CompanyName(raw string) string {
	s := strings.TrimSpace(raw)
	if s == "" {
		return ""
	}
	s = foldASCII(s)
	s = entitySuffixes.ReplaceAllString(s, "")
	s = strings.ToLower(s)
	s = strings.NewReplacer("&", " and ", "-", " ", "/", " ").Replace(s)
	s = nonAlnum.ReplaceAllString(s, "")
	s = multiSpace.ReplaceAllString(s, " ")
	return strings.TrimSpace(s)
}

// FullName joins first and last name into one comparable string.
func FullName(first, last string) string {
	s := strings.TrimSpace(first + " " + last)
	if s == "" {
		return ""
	}
	s = strings.ToLower(foldASCII(s))
	s = nonAlnum.ReplaceAllString(s, "")
	s = multiSpace.ReplaceAllString(s, " ")
	return strings.TrimSpace(s)
}

func foldASCII(s string) string {
	out, _, err := transform.String(asciiFold, s)
	if err != nil {
		return s
	}
	return out
}
