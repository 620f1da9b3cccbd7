// Package checksum verifies Upload-Checksum digests on incoming chunks.
package checksum

import (
	"crypto/md5"
	"crypto/sha1"
	"crypto/sha256"
	"crypto/sha512"
	"crypto/subtle"
	"encoding/base64"
	"hash"
	"strings"

	"github.com/amillerrr/tus-media-pipeline/pkg/models"
)

var algorithms = map[string]func() hash.Hash{
	"md5":    md5.New,
	"sha1":   sha1.New,
	"sha256": sha256.New,
	"sha512": sha512.New,
}

// Supported returns the algorithm names advertised in Tus-Checksum-Algorithm.
func Supported() []string {
	return []string{"sha1", "md5", "sha256", "sha512"}
}

// IsSupported reports whether algorithm can be verified.
func IsSupported(algorithm string) bool {
	_, ok := algorithms[strings.ToLower(algorithm)]
	return ok
}

// Verify reports whether expected is the digest of data under algorithm.
// Unknown algorithms never verify.
func Verify(algorithm string, data, expected []byte) bool {
	newHash, ok := algorithms[strings.ToLower(algorithm)]
	if !ok {
		return false
	}
	h := newHash()
	h.Write(data)
	return subtle.ConstantTimeCompare(h.Sum(nil), expected) == 1
}

// Sum returns the digest of data under algorithm, or nil if unsupported.
func Sum(algorithm string, data []byte) []byte {
	newHash, ok := algorithms[strings.ToLower(algorithm)]
	if !ok {
		return nil
	}
	h := newHash()
	h.Write(data)
	return h.Sum(nil)
}

// Digest is a parsed Upload-Checksum header.
type Digest struct {
	Algorithm string
	Sum       []byte
}

// ParseHeader parses "<algorithm> <base64 digest>".
func ParseHeader(value string) (*Digest, error) {
	const op = "parse checksum"
	algo, encoded, ok := strings.Cut(strings.TrimSpace(value), " ")
	if !ok || algo == "" || encoded == "" {
		return nil, models.E(models.ErrValidation, op, "malformed Upload-Checksum header")
	}
	algo = strings.ToLower(algo)
	if !IsSupported(algo) {
		return nil, models.E(models.ErrValidation, op, "unsupported checksum algorithm %q", algo)
	}
	sum, err := base64.StdEncoding.DecodeString(strings.TrimSpace(encoded))
	if err != nil {
		return nil, models.E(models.ErrValidation, op, "checksum is not valid base64")
	}
	return &Digest{Algorithm: algo, Sum: sum}, nil
}
