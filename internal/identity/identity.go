// Package identity derives the storage key for a user email.
package identity

import "strings"

// Key normalizes an email into the key used by every credential and settings
// path: trimmed, lowercased, then percent-escaped with the same unreserved set
// as JavaScript's encodeURIComponent so keys written by older deployments match.
//
// An empty result means the email was blank.
func Key(email string) string {
	return escape(strings.ToLower(strings.TrimSpace(email)))
}

// Normalize returns the trimmed, lowercased email without escaping.
func Normalize(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// Same reports whether two emails map to the same key.
func Same(a, b string) bool {
	ka := Key(a)
	return ka != "" && ka == Key(b)
}

const upperhex = "0123456789ABCDEF"

func unreserved(c byte) bool {
	switch {
	case 'a' <= c && c <= 'z', 'A' <= c && c <= 'Z', '0' <= c && c <= '9':
		return true
	}
	switch c {
	case '-', '_', '.', '!', '~', '*', '\'', '(', ')':
		return true
	}
	return false
}

func escape(s string) string {
	n := 0
	for i := 0; i < len(s); i++ {
		if !unreserved(s[i]) {
			n++
		}
	}
	if n == 0 {
		return s
	}
	var b strings.Builder
	b.Grow(len(s) + 2*n)
	for i := 0; i < len(s); i++ {
		c := s[i]
		if unreserved(c) {
			b.WriteByte(c)
			continue
		}
		b.WriteByte('%')
		b.WriteByte(upperhex[c>>4])
		b.WriteByte(upperhex[c&15])
	}
	return b.String()
}
