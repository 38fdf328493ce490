package integrity

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/base64"
	"errors"
	"fmt"
	"hash"

	"github.com/smedrec/smart-logs-sub000/internal/audit/integrity/kms"
	dErrors "github.com/smedrec/smart-logs-sub000/pkg/domain-errors"
)

// Signature is the output of a Signer.
type Signature struct {
	Value     string
	Algorithm string
	KeyID     string
}

// Signer signs and verifies digests. Exactly one implementation is selected
// at construction time.
type Signer interface {
	Sign(ctx context.Context, digest string) (Signature, error)
	Verify(ctx context.Context, digest string, sig Signature) (bool, error)
	Algorithm() string
}

// HMAC algorithm names.
const (
	HMACSHA256 = "HMAC-SHA256"
	HMACSHA384 = "HMAC-SHA384"
	HMACSHA512 = "HMAC-SHA512"
)

// HMACSigner signs digests locally with a shared secret.
type HMACSigner struct {
	secret    []byte
	algorithm string
	newHash   func() hash.Hash
}

// MinSecretLength is the shortest accepted HMAC secret in bytes.
const MinSecretLength = 32

// NewHMACSigner builds a local signer. algorithm defaults to HMAC-SHA256.
func NewHMACSigner(secret []byte, algorithm string) (*HMACSigner, error) {
	if len(secret) < MinSecretLength {
		return nil, dErrors.Newf(dErrors.CodeInvalidInput, "hmac secret must be at least %d bytes", MinSecretLength)
	}
	s := &HMACSigner{secret: append([]byte(nil), secret...)}
	switch algorithm {
	case "", HMACSHA256:
		s.algorithm, s.newHash = HMACSHA256, sha256.New
	case HMACSHA384:
		s.algorithm, s.newHash = HMACSHA384, sha512.New384
	case HMACSHA512:
		s.algorithm, s.newHash = HMACSHA512, sha512.New
	default:
		return nil, dErrors.Newf(dErrors.CodeInvalidInput, "unsupported hmac algorithm %q", algorithm)
	}
	return s, nil
}

func (s *HMACSigner) Algorithm() string { return s.algorithm }

func (s *HMACSigner) mac(digest string) []byte {
	m := hmac.New(s.newHash, s.secret)
	m.Write([]byte(digest))
	return m.Sum(nil)
}

func (s *HMACSigner) Sign(_ context.Context, digest string) (Signature, error) {
	return Signature{
		Value:     base64.StdEncoding.EncodeToString(s.mac(digest)),
		Algorithm: s.algorithm,
	}, nil
}

func (s *HMACSigner) Verify(_ context.Context, digest string, sig Signature) (bool, error) {
	raw, err := base64.StdEncoding.DecodeString(sig.Value)
	if err != nil {
		return false, nil
	}
	return hmac.Equal(raw, s.mac(digest)), nil
}

// KeyService is the external signing collaborator. *kms.Client satisfies it.
type KeyService interface {
	Sign(ctx context.Context, data []byte, algorithm kms.SigningAlgorithm) (kms.SignResult, error)
	Verify(ctx context.Context, keyID string, data, signature []byte, algorithm kms.SigningAlgorithm) (bool, error)
}

// KMSSigner delegates to an external key-management service; raw key material
// never enters the process.
type KMSSigner struct {
	keys      KeyService
	algorithm kms.SigningAlgorithm
}

func NewKMSSigner(keys KeyService, algorithm kms.SigningAlgorithm) (*KMSSigner, error) {
	if keys == nil {
		return nil, errors.New("kms key service is required")
	}
	if !algorithm.IsValid() {
		return nil, dErrors.Newf(dErrors.CodeInvalidInput, "unsupported kms signing algorithm %q", algorithm)
	}
	return &KMSSigner{keys: keys, algorithm: algorithm}, nil
}

func (s *KMSSigner) Algorithm() string { return string(s.algorithm) }

func (s *KMSSigner) Sign(ctx context.Context, digest string) (Signature, error) {
	res, err := s.keys.Sign(ctx, []byte(digest), s.algorithm)
	if err != nil {
		return Signature{}, fmt.Errorf("kms sign: %w", err)
	}
	return Signature{
		Value:     base64.StdEncoding.EncodeToString(res.Signature),
		Algorithm: string(s.algorithm),
		KeyID:     res.KeyID,
	}, nil
}

// Verify checks sig under the key that produced it. Events sealed before the
// signing key was rotated carry the old key id.
func (s *KMSSigner) Verify(ctx context.Context, digest string, sig Signature) (bool, error) {
	raw, err := base64.StdEncoding.DecodeString(sig.Value)
	if err != nil {
		return false, nil
	}
	ok, err := s.keys.Verify(ctx, sig.KeyID, []byte(digest), raw, s.algorithm)
	if err != nil {
		return false, fmt.Errorf("kms verify: %w", err)
	}
	return ok, nil
}
