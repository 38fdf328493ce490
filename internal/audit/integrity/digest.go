// Package integrity hashes and signs audit events and verifies them later.
//
// The digest covers a fixed, ordered subset of fields:
//
//	timestamp, action, status, principalId, organizationId,
//	targetResourceType, targetResourceId
//
// Each field is rendered as name=value on its own line with the value quoted
// as ASCII (strconv.QuoteToASCII) and the timestamp in RFC 3339 UTC with
// nanoseconds, so the canonical form never depends on locale or platform.
package integrity

import (
	"crypto/sha256"
	"crypto/sha512"
	"encoding/hex"
	"fmt"
	"hash"
	"strconv"
	"strings"
	"time"

	"golang.org/x/crypto/blake2b"
	"golang.org/x/crypto/sha3"

	"github.com/smedrec/smart-logs-sub000/internal/audit"
)

// Algorithm names a digest function.
type Algorithm string

const (
	SHA256     Algorithm = "SHA-256"
	SHA384     Algorithm = "SHA-384"
	SHA512     Algorithm = "SHA-512"
	SHA3_256   Algorithm = "SHA3-256"
	BLAKE2b256 Algorithm = "BLAKE2b-256"
)

// DefaultAlgorithm is used when none is configured.
const DefaultAlgorithm = SHA256

// ParseAlgorithm accepts the canonical names case-insensitively, with or
// without the dash ("sha256", "SHA-256").
func ParseAlgorithm(s string) (Algorithm, error) {
	if s == "" {
		return DefaultAlgorithm, nil
	}
	norm := strings.ToUpper(strings.ReplaceAll(s, "-", ""))
	for _, alg := range []Algorithm{SHA256, SHA384, SHA512, SHA3_256, BLAKE2b256} {
		if strings.ToUpper(strings.ReplaceAll(string(alg), "-", "")) == norm {
			return alg, nil
		}
	}
	return "", fmt.Errorf("unsupported digest algorithm %q", s)
}

func (a Algorithm) newHash() (hash.Hash, error) {
	switch a {
	case SHA256:
		return sha256.New(), nil
	case SHA384:
		return sha512.New384(), nil
	case SHA512:
		return sha512.New(), nil
	case SHA3_256:
		return sha3.New256(), nil
	case BLAKE2b256:
		return blake2b.New256(nil)
	default:
		return nil, fmt.Errorf("unsupported digest algorithm %q", a)
	}
}

// criticalFields returns the hashed fields in their documented order.
func criticalFields(e *audit.Event) [][2]string {
	return [][2]string{
		{"timestamp", e.Timestamp.UTC().Format(time.RFC3339Nano)},
		{"action", e.Action},
		{"status", string(e.Status)},
		{"principalId", e.PrincipalID},
		{"organizationId", e.OrganizationID},
		{"targetResourceType", e.TargetResourceType},
		{"targetResourceId", e.TargetResourceID},
	}
}

// CanonicalString renders the critical fields of e.
func CanonicalString(e *audit.Event) string {
	var b strings.Builder
	for i, f := range criticalFields(e) {
		if i > 0 {
			b.WriteByte('\n')
		}
		b.WriteString(f[0])
		b.WriteByte('=')
		b.WriteString(strconv.QuoteToASCII(f[1]))
	}
	return b.String()
}

// Digest computes the hex digest of e's canonical string.
func Digest(alg Algorithm, e *audit.Event) (string, error) {
	h, err := alg.newHash()
	if err != nil {
		return "", err
	}
	h.Write([]byte(CanonicalString(e)))
	return hex.EncodeToString(h.Sum(nil)), nil
}
