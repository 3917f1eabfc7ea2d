package admin

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/alexedwards/argon2id"
)

// apiKeyParams defines OWASP minimum parameters for Argon2id.
// Memory: 46 MiB, Iterations: 1, Parallelism: 1
var apiKeyParams = &argon2id.Params{
	Memory:      47 * 1024, // 47 MiB (OWASP minimum: 46 MiB)
	Iterations:  1,
	Parallelism: 1,
	SaltLength:  16,
	KeyLength:   32,
}

// HashAPIKey hashes a raw management API key for storage in the
// admin.api_key_hash config field.
func HashAPIKey(rawKey string) (string, error) {
	if rawKey == "" {
		return "", fmt.Errorf("api key must not be empty")
	}
	hash, err := argon2id.CreateHash(rawKey, apiKeyParams)
	if err != nil {
		return "", fmt.Errorf("hash api key: %w", err)
	}
	return hash, nil
}

// apiKeyMiddleware requires a valid bearer key on mutating requests when a
// key hash is configured. Read-only requests always pass.
func (h *APIHandler) apiKeyMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if h.apiKeyHash == "" || isReadOnly(r.Method) {
			next.ServeHTTP(w, r)
			return
		}

		key, ok := bearerToken(r)
		if !ok || !h.verifyAPIKey(key) {
			h.respondError(w, http.StatusUnauthorized, "invalid or missing API key")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func isReadOnly(method string) bool {
	switch method {
	case http.MethodGet, http.MethodHead, http.MethodOptions:
		return true
	}
	return false
}

func bearerToken(r *http.Request) (string, bool) {
	const prefix = "Bearer "
	auth := r.Header.Get("Authorization")
	if !strings.HasPrefix(auth, prefix) {
		return "", false
	}
	token := strings.TrimSpace(auth[len(prefix):])
	return token, token != ""
}

func (h *APIHandler) verifyAPIKey(key string) bool {
	match, err := safeArgon2idCompare(key, h.apiKeyHash)
	if err != nil {
		h.logger.Warn("api key comparison failed", "error", err)
		return false
	}
	return match
}

// safeArgon2idCompare converts panics from malformed stored hashes into
// errors.
func safeArgon2idCompare(key, hash string) (match bool, err error) {
	defer func() {
		if r := recover(); r != nil {
			match = false
			err = fmt.Errorf("argon2id comparison panicked: %v", r)
		}
	}()
	return argon2id.ComparePasswordAndHash(key, hash)
}
