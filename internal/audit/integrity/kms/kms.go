// Package kms talks to the external key-management service that signs and
// verifies audit digests, and ships a local emulator of that service for
// development and tests.
package kms

// SigningAlgorithm names a KMS signing scheme.
type SigningAlgorithm string

const (
	HMACSHA256 SigningAlgorithm = "HMAC_SHA_256"
	HMACSHA384 SigningAlgorithm = "HMAC_SHA_384"
	HMACSHA512 SigningAlgorithm = "HMAC_SHA_512"

	RSASSAPSSSHA256 SigningAlgorithm = "RSASSA_PSS_SHA_256"
	RSASSAPSSSHA384 SigningAlgorithm = "RSASSA_PSS_SHA_384"
	RSASSAPSSSHA512 SigningAlgorithm = "RSASSA_PSS_SHA_512"

	RSASSAPKCS1SHA256 SigningAlgorithm = "RSASSA_PKCS1_V1_5_SHA_256"
	RSASSAPKCS1SHA384 SigningAlgorithm = "RSASSA_PKCS1_V1_5_SHA_384"
	RSASSAPKCS1SHA512 SigningAlgorithm = "RSASSA_PKCS1_V1_5_SHA_512"
)

// jwtNames maps each scheme onto the golang-jwt signing method implementing it.
var jwtNames = map[SigningAlgorithm]string{
	HMACSHA256:        "HS256",
	HMACSHA384:        "HS384",
	HMACSHA512:        "HS512",
	RSASSAPSSSHA256:   "PS256",
	RSASSAPSSSHA384:   "PS384",
	RSASSAPSSSHA512:   "PS512",
	RSASSAPKCS1SHA256: "RS256",
	RSASSAPKCS1SHA384: "RS384",
	RSASSAPKCS1SHA512: "RS512",
}

func (a SigningAlgorithm) IsValid() bool {
	_, ok := jwtNames[a]
	return ok
}

// IsSymmetric reports whether the scheme uses a shared secret.
func (a SigningAlgorithm) IsSymmetric() bool {
	return a == HMACSHA256 || a == HMACSHA384 || a == HMACSHA512
}

// SignResult is returned by the sign endpoint.
type SignResult struct {
	Signature []byte
	KeyID     string
	Algorithm SigningAlgorithm
}

type signRequest struct {
	Data             string           `json:"data"`
	SigningAlgorithm SigningAlgorithm `json:"signingAlgorithm"`
}

type signResponse struct {
	Signature        string           `json:"signature"`
	KeyID            string           `json:"keyId"`
	SigningAlgorithm SigningAlgorithm `json:"signingAlgorithm"`
}

type verifyRequest struct {
	Data             string           `json:"data"`
	Signature        string           `json:"signature"`
	SigningAlgorithm SigningAlgorithm `json:"signingAlgorithm"`
}

type verifyResponse struct {
	SignatureValid   bool             `json:"signatureValid"`
	KeyID            string           `json:"keyId"`
	SigningAlgorithm SigningAlgorithm `json:"signingAlgorithm"`
}

type errorResponse struct {
	Error string `json:"error"`
}
