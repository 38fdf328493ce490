package kms

import (
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"sync"

	"github.com/go-chi/chi/v5"
	"github.com/golang-jwt/jwt/v5"
)

// LocalService emulates the signing collaborator over HTTP. Keys live in
// memory; RSA keys accept the PSS and PKCS#1 v1.5 schemes and secret keys the
// HMAC schemes. Signing is delegated to the golang-jwt signing methods.
type LocalService struct {
	token string

	mu         sync.RWMutex
	secretKeys map[string][]byte
	rsaKeys    map[string]*rsa.PrivateKey
}

// NewLocalService creates an emulator requiring token as bearer credentials.
// An empty token disables the check.
func NewLocalService(token string) *LocalService {
	return &LocalService{
		token:      token,
		secretKeys: make(map[string][]byte),
		rsaKeys:    make(map[string]*rsa.PrivateKey),
	}
}

// AddSecretKey registers an HMAC key.
func (s *LocalService) AddSecretKey(keyID string, secret []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.secretKeys[keyID] = append([]byte(nil), secret...)
}

// AddRSAKey registers an RSA key pair.
func (s *LocalService) AddRSAKey(keyID string, key *rsa.PrivateKey) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rsaKeys[keyID] = key
}

// Handler returns the HTTP routes of the emulator.
func (s *LocalService) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(s.authenticate)
	r.Post("/api/v1/kms/keys/{keyID}/sign", s.handleSign)
	r.Post("/api/v1/kms/keys/{keyID}/verify", s.handleVerify)
	return r
}

func (s *LocalService) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.token != "" && r.Header.Get("Authorization") != "Bearer "+s.token {
			writeJSON(w, http.StatusUnauthorized, errorResponse{Error: "invalid credentials"})
			return
		}
		next.ServeHTTP(w, r)
	})
}

var errUnknownKey = errors.New("unknown key")

// keyMaterial resolves the signing method and keys for keyID under alg.
func (s *LocalService) keyMaterial(keyID string, alg SigningAlgorithm) (jwt.SigningMethod, any, any, error) {
	name, ok := jwtNames[alg]
	if !ok {
		return nil, nil, nil, errors.New("unsupported signing algorithm")
	}
	method := jwt.GetSigningMethod(name)

	s.mu.RLock()
	defer s.mu.RUnlock()
	if alg.IsSymmetric() {
		secret, ok := s.secretKeys[keyID]
		if !ok {
			if _, isRSA := s.rsaKeys[keyID]; isRSA {
				return nil, nil, nil, errors.New("key does not support hmac signing")
			}
			return nil, nil, nil, errUnknownKey
		}
		return method, secret, secret, nil
	}
	key, ok := s.rsaKeys[keyID]
	if !ok {
		if _, isSecret := s.secretKeys[keyID]; isSecret {
			return nil, nil, nil, errors.New("key does not support rsa signing")
		}
		return nil, nil, nil, errUnknownKey
	}
	return method, key, &key.PublicKey, nil
}

func (s *LocalService) handleSign(w http.ResponseWriter, r *http.Request) {
	keyID := chi.URLParam(r, "keyID")
	var req signRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "malformed request"})
		return
	}
	data, err := base64.StdEncoding.DecodeString(req.Data)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "data must be base64"})
		return
	}
	method, signKey, _, err := s.keyMaterial(keyID, req.SigningAlgorithm)
	if err != nil {
		writeKeyError(w, err)
		return
	}
	sig, err := method.Sign(string(data), signKey)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, signResponse{
		Signature:        base64.StdEncoding.EncodeToString(sig),
		KeyID:            keyID,
		SigningAlgorithm: req.SigningAlgorithm,
	})
}

func (s *LocalService) handleVerify(w http.ResponseWriter, r *http.Request) {
	keyID := chi.URLParam(r, "keyID")
	var req verifyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "malformed request"})
		return
	}
	data, err := base64.StdEncoding.DecodeString(req.Data)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "data must be base64"})
		return
	}
	sig, err := base64.StdEncoding.DecodeString(req.Signature)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "signature must be base64"})
		return
	}
	method, _, verifyKey, err := s.keyMaterial(keyID, req.SigningAlgorithm)
	if err != nil {
		writeKeyError(w, err)
		return
	}
	valid := method.Verify(string(data), sig, verifyKey) == nil
	writeJSON(w, http.StatusOK, verifyResponse{
		SignatureValid:   valid,
		KeyID:            keyID,
		SigningAlgorithm: req.SigningAlgorithm,
	})
}

func writeKeyError(w http.ResponseWriter, err error) {
	status := http.StatusBadRequest
	if errors.Is(err, errUnknownKey) {
		status = http.StatusNotFound
	}
	writeJSON(w, status, errorResponse{Error: strings.ToLower(err.Error())})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
