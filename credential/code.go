package credential

import (
	"crypto/rand"
	"math/big"
	"strings"
)

// codeAlphabet is upper case only: codes are compared case-insensitively,
// so lower-case letters would add no entropy.
const codeAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

// GenerateCode returns a uniformly random code of length n.
func GenerateCode(n int) (string, error) {
	return RandomString(codeAlphabet, n)
}

// RandomString draws n bytes uniformly from alphabet using crypto/rand.
func RandomString(alphabet string, n int) (string, error) {
	max := big.NewInt(int64(len(alphabet)))
	var b strings.Builder
	b.Grow(n)
	for i := 0; i < n; i++ {
		idx, err := rand.Int(rand.Reader, max)
		if err != nil {
			return "", err
		}
		b.WriteByte(alphabet[idx.Int64()])
	}
	return b.String(), nil
}

// NormalizeCode is applied to every code on write and on lookup.
func NormalizeCode(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}
