// Package emailutil canonicalizes the email claims providers return, so
// allow-lists and profile domains compare equal regardless of casing.
package emailutil

import "strings"

// Normalize returns the comparison form of a profile email: trimmed and
// lowercased
func Normalize(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// Split separates a profile email into mailbox and domain. It reports false
// unless there is exactly one @ with text on both sides.
func Split(email string) (mailbox, domain string, ok bool) {
	mailbox, domain, found := strings.Cut(email, "@")
	if !found || mailbox == "" || domain == "" || strings.Contains(domain, "@") {
		return "", "", false
	}
	return mailbox, domain, true
}

// ExtractDomain returns the domain of a profile email, or "" when the address
// is malformed
func ExtractDomain(email string) string {
	_, domain, _ := Split(email)
	return domain
}
