package integrity

import (
	"context"
	"crypto/subtle"
	"errors"

	"github.com/smedrec/smart-logs-sub000/internal/audit"
	dErrors "github.com/smedrec/smart-logs-sub000/pkg/domain-errors"
)

// Reason explains a failed verification.
type Reason string

const (
	ReasonNone              Reason = ""
	ReasonUnsealed          Reason = "unsealed"
	ReasonHashMismatch      Reason = "hash_mismatch"
	ReasonAlgorithmMismatch Reason = "algorithm_mismatch"
	ReasonSignatureMissing  Reason = "signature_missing"
	ReasonSignatureInvalid  Reason = "signature_invalid"
)

// Result is the typed outcome of Verify. A failed verification is data, not
// an error: callers record it as an integrity violation.
type Result struct {
	Valid        bool
	Reason       Reason
	ExpectedHash string
	ActualHash   string
}

// IntegrityViolation converts a failed Result into a coded error for callers
// that must propagate it.
func (r Result) IntegrityViolation() error {
	if r.Valid {
		return nil
	}
	return dErrors.Newf(dErrors.CodeIntegrityViolation, "integrity violation: %s", r.Reason)
}

// Unit hashes, signs and verifies events. It holds no mutable state and is
// safe for concurrent use.
type Unit struct {
	algorithm Algorithm
	signer    Signer
}

// Option configures a Unit.
type Option func(*Unit)

// WithAlgorithm selects the digest algorithm.
func WithAlgorithm(alg Algorithm) Option {
	return func(u *Unit) { u.algorithm = alg }
}

// WithSigner enables signing. Without a signer events are hashed only.
func WithSigner(s Signer) Option {
	return func(u *Unit) { u.signer = s }
}

func New(opts ...Option) (*Unit, error) {
	u := &Unit{algorithm: DefaultAlgorithm}
	for _, opt := range opts {
		opt(u)
	}
	if _, err := u.algorithm.newHash(); err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInvalidInput, "configure integrity unit")
	}
	return u, nil
}

// SigningEnabled reports whether a signer is configured.
func (u *Unit) SigningEnabled() bool { return u.signer != nil }

// Algorithm returns the configured digest algorithm.
func (u *Unit) Algorithm() Algorithm { return u.algorithm }

// Hash computes the digest of e without modifying it.
func (u *Unit) Hash(e *audit.Event) (string, error) {
	return Digest(u.algorithm, e)
}

// Sign signs a digest with the configured signer.
func (u *Unit) Sign(ctx context.Context, digest string) (Signature, error) {
	if u.signer == nil {
		return Signature{}, errors.New("signing is not enabled")
	}
	sig, err := u.signer.Sign(ctx, digest)
	if err != nil {
		return Signature{}, err
	}
	return sig, nil
}

// Seal sets the hash and, when signing is enabled, the signature on e.
func (u *Unit) Seal(ctx context.Context, e *audit.Event) error {
	digest, err := u.Hash(e)
	if err != nil {
		return err
	}
	e.Hash = digest
	e.HashAlgorithm = string(u.algorithm)
	if u.signer == nil {
		return nil
	}
	sig, err := u.Sign(ctx, digest)
	if err != nil {
		return err
	}
	e.Signature = sig.Value
	e.SigningAlgorithm = sig.Algorithm
	e.SigningKeyID = sig.KeyID
	return nil
}

// Verify recomputes the digest of e and re-validates its signature. The error
// is non-nil only when verification could not be carried out (for example the
// KMS was unreachable); a tampered event yields a Result with Valid=false.
func (u *Unit) Verify(ctx context.Context, e *audit.Event) (Result, error) {
	if !e.IsSealed() {
		return Result{Reason: ReasonUnsealed}, nil
	}

	alg := u.algorithm
	if e.HashAlgorithm != "" {
		parsed, err := ParseAlgorithm(e.HashAlgorithm)
		if err != nil {
			return Result{Reason: ReasonAlgorithmMismatch, ActualHash: e.Hash}, nil
		}
		alg = parsed
	}

	expected, err := Digest(alg, e)
	if err != nil {
		return Result{}, err
	}
	res := Result{ExpectedHash: expected, ActualHash: e.Hash}
	if subtle.ConstantTimeCompare([]byte(expected), []byte(e.Hash)) != 1 {
		res.Reason = ReasonHashMismatch
		return res, nil
	}

	if u.signer == nil {
		res.Valid = true
		return res, nil
	}
	if !e.IsSigned() {
		res.Reason = ReasonSignatureMissing
		return res, nil
	}
	if e.SigningAlgorithm != u.signer.Algorithm() {
		res.Reason = ReasonAlgorithmMismatch
		return res, nil
	}
	ok, err := u.signer.Verify(ctx, e.Hash, Signature{
		Value:     e.Signature,
		Algorithm: e.SigningAlgorithm,
		KeyID:     e.SigningKeyID,
	})
	if err != nil {
		return Result{}, err
	}
	if !ok {
		res.Reason = ReasonSignatureInvalid
		return res, nil
	}
	res.Valid = true
	return res, nil
}
