// Package auth implements API-key issuance and verification plus the HTTP
// middleware that resolves the caller's project.
//
// A presented key is "<prefix>.<secret>". The prefix is a public lookup
// handle; the secret is verified against a stored bcrypt hash.
package auth

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"fmt"

	"golang.org/x/crypto/bcrypt"
)

const (
	prefixBytes = 4  // 8 hex chars
	secretBytes = 32 // 43 base64url chars
)

// GenerateKey mints a new API key. Returns the raw presentable key
// ("<prefix>.<secret>", shown to the caller exactly once), the prefix, and
// the bcrypt hash of the secret for storage.
func GenerateKey() (raw, prefix, hashedSecret string, err error) {
	pb := make([]byte, prefixBytes)
	if _, err = rand.Read(pb); err != nil {
		return "", "", "", fmt.Errorf("generate prefix: %w", err)
	}
	prefix = hex.EncodeToString(pb)

	sb := make([]byte, secretBytes)
	if _, err = rand.Read(sb); err != nil {
		return "", "", "", fmt.Errorf("generate secret: %w", err)
	}
	secret := base64.RawURLEncoding.EncodeToString(sb)

	hashedSecret, err = HashSecret(secret)
	if err != nil {
		return "", "", "", err
	}
	return prefix + "." + secret, prefix, hashedSecret, nil
}

// HashSecret hashes an API-key secret with bcrypt.
func HashSecret(secret string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(secret), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("hash secret: %w", err)
	}
	return string(hash), nil
}

// VerifySecret checks a presented secret against the stored hash.
func VerifySecret(secret, hashedSecret string) bool {
	return bcrypt.CompareHashAndPassword([]byte(hashedSecret), []byte(secret)) == nil
}
