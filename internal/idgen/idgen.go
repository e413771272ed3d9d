package idgen

import (
	"crypto/sha512"
	"encoding/base32"
	"strings"

	"github.com/google/uuid"
)

// New returns a new globally unique identifier as string. It is implemented
// as a thin wrapper so tests can stub it.

var NewFunc = func() string { return uuid.New().String() }

func New() string { return NewFunc() }

// ShortID derives a deterministic, lowercase, base32 identifier of n
// characters from the given seed. Equal seeds always map to equal ids,
// which keeps derived names stable across runs.
func ShortID(seed string, n int) string {
	sum := sha512.Sum512([]byte(seed))
	encoded := strings.ToLower(base32.StdEncoding.EncodeToString(sum[:]))
	if n > 0 && n < len(encoded) {
		return encoded[:n]
	}
	return encoded
}
