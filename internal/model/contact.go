package model

import "strings"

// Contact is one validated recipient as produced by the external contact
// validator (entries with exists=false never reach the engine).
type Contact struct {
	Phone string
	Name  string
}

// CanonicalPhone normalizes a phone number to the form the gateway expects:
// digits only, with a single leading plus when the input carried one.
func CanonicalPhone(phone string) string {
	var b strings.Builder
	b.Grow(len(phone))

	trimmed := strings.TrimSpace(phone)
	for i, r := range trimmed {
		if r == '+' && i == 0 {
			b.WriteRune(r)
			continue
		}
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}
