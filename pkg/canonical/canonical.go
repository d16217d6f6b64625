// Package canonical provides RFC 8785 (JSON Canonicalization Scheme) compliant
// serialization and digest computation for warden artifacts.
//
// Every object that participates in a hash chain, a Merkle tree, or a report
// signature goes through Canonicalize first, so two hosts computing the digest
// of semantically equal objects produce byte-identical input.
package canonical

import (
	"crypto/sha256"
	"crypto/sha512"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"hash"

	"github.com/gowebpki/jcs"
)

// Algorithm names a supported digest algorithm.
type Algorithm string

const (
	SHA256 Algorithm = "sha256"
	SHA384 Algorithm = "sha384"
	SHA512 Algorithm = "sha512"
)

// DefaultAlgorithm is used wherever a caller does not pin one explicitly.
const DefaultAlgorithm = SHA256

// digestLengths maps an algorithm to the length of its lowercase hex digest.
var digestLengths = map[Algorithm]int{
	SHA256: 64,
	SHA384: 96,
	SHA512: 128,
}

// Valid reports whether a is a supported algorithm.
func (a Algorithm) Valid() bool {
	_, ok := digestLengths[a]
	return ok
}

// DigestLength returns the expected hex digest length for a, or 0 if unknown.
func (a Algorithm) DigestLength() int {
	return digestLengths[a]
}

func (a Algorithm) newHash() (hash.Hash, error) {
	switch a {
	case SHA256:
		return sha256.New(), nil
	case SHA384:
		return sha512.New384(), nil
	case SHA512:
		return sha512.New(), nil
	default:
		return nil, fmt.Errorf("canonical: unsupported algorithm %q", a)
	}
}

// Hash computes the lowercase hex digest of data under the given algorithm.
func Hash(data []byte, algo Algorithm) (string, error) {
	h, err := algo.newHash()
	if err != nil {
		return "", err
	}
	h.Write(data)
	return hex.EncodeToString(h.Sum(nil)), nil
}

// MustHash is Hash for a known-valid algorithm; it panics on an unsupported one.
// Callers that have already validated the algorithm use this to avoid dead
// error branches.
func MustHash(data []byte, algo Algorithm) string {
	s, err := Hash(data, algo)
	if err != nil {
		panic(err)
	}
	return s
}

// Canonicalize returns the RFC 8785 canonical JSON encoding of v.
//
// v is first marshalled with encoding/json (so struct tags and omitempty
// apply, and unset fields drop out of the canonical form), then transformed
// by the JCS rules: object keys sorted by UTF-16 code units, no HTML escaping,
// ES6 number formatting.
func Canonicalize(v any) ([]byte, error) {
	intermediate, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("canonical: marshal failed: %w", err)
	}
	out, err := jcs.Transform(intermediate)
	if err != nil {
		return nil, fmt.Errorf("canonical: jcs transform failed: %w", err)
	}
	return out, nil
}

// CanonicalHash returns the digest of the canonical JSON encoding of v.
func CanonicalHash(v any, algo Algorithm) (string, error) {
	b, err := Canonicalize(v)
	if err != nil {
		return "", err
	}
	return Hash(b, algo)
}

// VerifyDigest reports whether digest is a well-formed lowercase hex digest
// for the given algorithm.
func VerifyDigest(digest string, algo Algorithm) bool {
	want := algo.DigestLength()
	if want == 0 || len(digest) != want {
		return false
	}
	_, err := hex.DecodeString(digest)
	return err == nil
}
