package tenant

import (
	"context"
	"crypto/rand"
	"strings"
	"unicode"
)

const (
	slugMaxLength    = 40
	slugSuffixLength = 6
	slugAttempts     = 8
	slugAlphabet     = "abcdefghijklmnopqrstuvwxyz0123456789"
)

var slugFolds = map[rune]string{
	'à': "a", 'á': "a", 'â': "a", 'ã': "a", 'ä': "a", 'å': "a", 'æ': "ae",
	'ç': "c", 'č': "c", 'ć': "c",
	'è': "e", 'é': "e", 'ê': "e", 'ë': "e", 'ě': "e",
	'ì': "i", 'í': "i", 'î': "i", 'ï': "i",
	'ł': "l", 'ñ': "n", 'ń': "n",
	'ò': "o", 'ó': "o", 'ô': "o", 'õ': "o", 'ö': "o", 'ø': "o", 'œ': "oe",
	'ř': "r", 'ś': "s", 'š': "s", 'ß': "ss",
	'ù': "u", 'ú': "u", 'û': "u", 'ü': "u", 'ů': "u",
	'ý': "y", 'ÿ': "y", 'ź': "z", 'ž': "z", 'ż': "z",
}

// Slugify turns a business name or email into a lowercase, hyphenated slug.
// For an email address only the local part is used.
func Slugify(s string) string {
	if at := strings.IndexByte(s, '@'); at > 0 && !strings.ContainsAny(s, " \t") {
		s = s[:at]
	}

	var b strings.Builder
	b.Grow(len(s))
	pendingSep := false
	for _, r := range strings.ToLower(s) {
		var part string
		switch {
		case r < unicode.MaxASCII && (unicode.IsLetter(r) || unicode.IsDigit(r)):
			part = string(r)
		case slugFolds[r] != "":
			part = slugFolds[r]
		default:
			pendingSep = b.Len() > 0
			continue
		}
		if b.Len()+len(part)+1 > slugMaxLength {
			break
		}
		if pendingSep {
			b.WriteByte('-')
			pendingSep = false
		}
		b.WriteString(part)
	}
	return b.String()
}

// UniqueSlug derives a slug from base and appends a random suffix until
// exists reports it free.
func UniqueSlug(ctx context.Context, base string, exists func(ctx context.Context, slug string) (bool, error)) (string, error) {
	root := Slugify(base)
	if root == "" {
		root = "tenant"
	}

	candidate := root
	for range slugAttempts {
		taken, err := exists(ctx, candidate)
		if err != nil {
			return "", err
		}
		if !taken {
			return candidate, nil
		}
		candidate = root + "-" + randomString(slugSuffixLength)
	}
	return "", ErrSlugExhausted
}

func randomString(n int) string {
	buf := make([]byte, n)
	_, _ = rand.Read(buf)
	for i, v := range buf {
		buf[i] = slugAlphabet[int(v)%len(slugAlphabet)]
	}
	return string(buf)
}
