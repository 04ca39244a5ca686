package fingerprint

import (
	"crypto/sha256"
	"hash/fnv"
	"math/bits"
	"strings"
	"unicode"
)

// TextSHA256 digests normalized creative text. Blank text has no digest.
func TextSHA256(text string) []byte {
	normalized := normalizeText(text)
	if normalized == "" {
		return nil
	}
	sum := sha256.Sum256([]byte(normalized))
	return sum[:]
}

// TextSimhash is a 64-bit SimHash over letter/number tokens. Text without
// tokens has no simhash.
func TextSimhash(text string) (uint64, bool) {
	return simhash64(text)
}

// Hamming counts differing bits between two 64-bit fingerprints.
func Hamming(a, b uint64) int {
	return bits.OnesCount64(a ^ b)
}

func normalizeText(input string) string {
	trimmed := strings.TrimSpace(strings.ToLower(input))
	if trimmed == "" {
		return ""
	}

	var b strings.Builder
	b.Grow(len(trimmed))
	lastSpace := false
	for _, r := range trimmed {
		if unicode.IsSpace(r) {
			if !lastSpace {
				b.WriteRune(' ')
				lastSpace = true
			}
			continue
		}
		if unicode.IsControl(r) {
			continue
		}
		b.WriteRune(r)
		lastSpace = false
	}
	return strings.TrimSpace(b.String())
}

func simhash64(text string) (uint64, bool) {
	tokens := tokenize(text)
	if len(tokens) == 0 {
		return 0, false
	}

	var bitWeights [64]int
	for _, token := range tokens {
		h := hashToken64(token)
		for bit := 0; bit < 64; bit++ {
			if h&(uint64(1)<<bit) != 0 {
				bitWeights[bit]++
			} else {
				bitWeights[bit]--
			}
		}
	}

	var result uint64
	for bit := 0; bit < 64; bit++ {
		if bitWeights[bit] > 0 {
			result |= uint64(1) << bit
		}
	}
	return result, true
}

func tokenize(text string) []string {
	normalized := normalizeText(text)
	if normalized == "" {
		return nil
	}

	return strings.FieldsFunc(normalized, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsNumber(r)
	})
}

func hashToken64(token string) uint64 {
	hasher := fnv.New64a()
	_, _ = hasher.Write([]byte(token))
	return hasher.Sum64()
}
