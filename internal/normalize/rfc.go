package normalize

import (
	"regexp"
	"strings"
	"unicode/utf8"
)

// RFC structure: 3 letters (companies) or 4 (individuals), a 6-digit
// date, and a 3-character homoclave.
var rfcRe = regexp.MustCompile(`^[A-ZÑ&]{3,4}[0-9]{6}[A-Z0-9]{3}$`)

// Generic placeholders the SAT issues for anonymous or foreign parties.
// They identify nobody and are treated as absent.
var genericRFCs = map[string]bool{
	"XAXX010101000": true,
	"XEXX010101000": true,
}

var rfcCleaner = strings.NewReplacer(" ", "", "-", "", ".", "", "_", "")

// RFC normalizes and validates a raw tax ID. It returns the cleaned
// 12- or 13-character RFC and true, or ("", false) for empty, malformed,
// or generic-placeholder input.
func RFC(raw string) (string, bool) {
	s := strings.ToUpper(strings.TrimSpace(raw))
	if s == "" {
		return "", false
	}
	s = rfcCleaner.Replace(s)
	if !rfcRe.MatchString(s) {
		return "", false
	}
	if genericRFCs[s] {
		return "", false
	}
	return s, true
}

// RFCIsIndividual reports whether a normalized RFC belongs to a natural
// person (13 characters) rather than a company (12).
func RFCIsIndividual(rfc string) bool {
	return utf8.RuneCountInString(rfc) == 13
}
