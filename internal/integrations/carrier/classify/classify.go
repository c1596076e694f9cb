// Package classify infers which carrier a raw tracking number belongs to
// and tokenizes free-form multi-number input. Everything here is pure.
package classify

import (
	"regexp"
	"strings"
	"unicode"

	"github.com/parceldesk/parceldesk/internal/models"
)

// rule is one (pattern, carrier) pair. Rules are evaluated top to bottom and
// the first match wins, so ordering is part of the contract: USPS patterns
// run before FedEx because some digit-length ranges overlap and the USPS
// forms are more structurally specific.
type rule struct {
	re      *regexp.Regexp
	carrier models.Carrier
}

var rules = []rule{
	// USPS: 22-digit labels with carrier-assigned service prefixes.
	{regexp.MustCompile(`^(94|93|92|95)\d{20}$`), models.CarrierUSPS},
	// USPS: international, two-letter prefix + 9 digits + US suffix.
	{regexp.MustCompile(`^[A-Z]{2}\d{9}US$`), models.CarrierUSPS},
	// USPS: 16-digit certified/registered mail prefixes.
	{regexp.MustCompile(`^(70|14|23|03)\d{14}$`), models.CarrierUSPS},

	// FedEx: pure-digit numbers of known fixed lengths.
	{regexp.MustCompile(`^\d{12}$`), models.CarrierFedEx},
	{regexp.MustCompile(`^\d{14}$`), models.CarrierFedEx},
	{regexp.MustCompile(`^\d{15}$`), models.CarrierFedEx},
	{regexp.MustCompile(`^\d{16}$`), models.CarrierFedEx},
	{regexp.MustCompile(`^\d{18}$`), models.CarrierFedEx},
	// FedEx SmartPost: 20 digits with a fixed prefix.
	{regexp.MustCompile(`^96\d{18}$`), models.CarrierFedEx},
	// FedEx 12-digit display form with spaces. Normalization strips the
	// spaces before matching, so in practice the plain 12-digit rule fires
	// first; the rule is kept to preserve the historical rule order.
	{regexp.MustCompile(`^\d{4}\s\d{4}\s\d{4}$`), models.CarrierFedEx},

	// Generic fallbacks for long numeric labels no specific rule claimed.
	{regexp.MustCompile(`^9\d{19,21}$`), models.CarrierUSPS},
	{regexp.MustCompile(`^\d{20}$`), models.CarrierFedEx},
}

// Classify maps a single tracking number to its carrier. Unparseable or
// unrecognized input yields CarrierNone; it never errors.
func Classify(trackingNumber string) models.Carrier {
	s := normalize(trackingNumber)
	if s == "" {
		return models.CarrierNone
	}
	for _, r := range rules {
		if r.re.MatchString(s) {
			return r.carrier
		}
	}
	return models.CarrierNone
}

func normalize(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		if unicode.IsSpace(r) {
			continue
		}
		b.WriteRune(r)
	}
	return strings.ToUpper(b.String())
}

// Parse splits free-form text into tracking-number tokens. Tokens are split
// on commas and any whitespace, trimmed, and returned in input order.
// Duplicates are kept; dedup is the record-creation side's job.
func Parse(input string) []string {
	return strings.FieldsFunc(input, func(r rune) bool {
		return r == ',' || unicode.IsSpace(r)
	})
}
