package agentfs

import (
	"crypto/rand"
	"math/big"
	"strings"
	"unicode"
)

const slugAlphabet = "abcdefghijklmnopqrstuvwxyz0123456789"

// slugify lowercases the name and collapses runs of non-alphanumerics into
// single hyphens.
func slugify(name string) string {
	var b strings.Builder
	lastHyphen := true
	for _, r := range strings.ToLower(name) {
		switch {
		case unicode.IsLetter(r) || unicode.IsDigit(r):
			b.WriteRune(r)
			lastHyphen = false
		case !lastHyphen:
			b.WriteByte('-')
			lastHyphen = true
		}
	}
	s := strings.Trim(b.String(), "-")
	if s == "" {
		s = "agent"
	}
	return s
}

// randomSuffix returns n random lowercase alphanumerics.
func randomSuffix(n int) string {
	var b strings.Builder
	max := big.NewInt(int64(len(slugAlphabet)))
	for i := 0; i < n; i++ {
		idx, err := rand.Int(rand.Reader, max)
		if err != nil {
			b.WriteByte('0')
			continue
		}
		b.WriteByte(slugAlphabet[idx.Int64()])
	}
	return b.String()
}

// newSlug combines the slugified name with a 6-character random suffix.
func newSlug(name string) string {
	return slugify(name) + "-" + randomSuffix(6)
}
