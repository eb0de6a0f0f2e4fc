// Package auth provides authentication primitives for the gateway: user API
// key generation/validation, admin password hashing, and session token
// material. API keys are long-lived bearer tokens hashed with bcrypt; only the
// hash and a lookup prefix are stored. See internal/middleware/apikey.go for
// the request-time authentication logic that uses these primitives.
package auth

import (
	"crypto/rand"
	"errors"
	"fmt"
	"math/big"
	"strings"

	"golang.org/x/crypto/bcrypt"
)

const (
	// APIKeyRandomLength is the number of random characters after the key prefix
	APIKeyRandomLength = 32

	// BcryptCost is the cost factor for bcrypt hashing
	BcryptCost = 12

	keyAlphabet = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"
)

// ErrMalformedKey is returned when a bearer value does not have the sk-<name>-<random> shape.
var ErrMalformedKey = errors.New("auth: malformed API key")

// GenerateAPIKey creates a new random API key of the form sk-<name>-<random>.
// Returns: full key (to show once), bcrypt hash (to store), lookup prefix sk-<name>.
func GenerateAPIKey(name string) (key string, hash string, prefix string, err error) {
	randomPart, err := randomString(APIKeyRandomLength)
	if err != nil {
		return "", "", "", fmt.Errorf("failed to generate key material: %w", err)
	}

	prefix = fmt.Sprintf("sk-%s", name)
	fullKey := fmt.Sprintf("%s-%s", prefix, randomPart)

	hashBytes, err := bcrypt.GenerateFromPassword([]byte(fullKey), BcryptCost)
	if err != nil {
		return "", "", "", fmt.Errorf("failed to hash API key: %w", err)
	}

	return fullKey, string(hashBytes), prefix, nil
}

// ValidateAPIKey checks if a provided key matches the stored hash
func ValidateAPIKey(providedKey, storedHash string) bool {
	err := bcrypt.CompareHashAndPassword([]byte(storedHash), []byte(providedKey))
	return err == nil
}

// ExtractKeyPrefix splits a full key into its stored lookup prefix.
// The random tail never contains '-', so everything before the last dash is
// the prefix even when the user name itself contains dashes.
func ExtractKeyPrefix(key string) (string, error) {
	if !strings.HasPrefix(key, "sk-") {
		return "", ErrMalformedKey
	}
	rest := key[len("sk-"):]
	idx := strings.LastIndex(rest, "-")
	if idx <= 0 || idx == len(rest)-1 {
		return "", ErrMalformedKey
	}
	return key[:len("sk-")+idx], nil
}

// ExtractAPIKeyFromHeader extracts the API key from an Authorization header
// Expected format: "Bearer sk-alice-abc123..."
func ExtractAPIKeyFromHeader(header string) (string, error) {
	if header == "" {
		return "", errors.New("authorization header is empty")
	}

	if !strings.HasPrefix(header, "Bearer ") {
		return "", errors.New("authorization header must start with 'Bearer '")
	}

	key := strings.TrimPrefix(header, "Bearer ")
	key = strings.TrimSpace(key)

	if key == "" {
		return "", errors.New("API key is empty after Bearer prefix")
	}

	return key, nil
}

// HashPassword hashes an admin password for storage in settings
func HashPassword(password string) (string, error) {
	hashBytes, err := bcrypt.GenerateFromPassword([]byte(password), BcryptCost)
	if err != nil {
		return "", fmt.Errorf("failed to hash password: %w", err)
	}
	return string(hashBytes), nil
}

// VerifyPassword checks a password attempt against the stored digest
func VerifyPassword(password, storedHash string) bool {
	return bcrypt.CompareHashAndPassword([]byte(storedHash), []byte(password)) == nil
}

func randomString(n int) (string, error) {
	max := big.NewInt(int64(len(keyAlphabet)))
	out := make([]byte, n)
	for i := range out {
		idx, err := rand.Int(rand.Reader, max)
		if err != nil {
			return "", err
		}
		out[i] = keyAlphabet[idx.Int64()]
	}
	return string(out), nil
}
