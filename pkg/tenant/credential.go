package tenant

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"

	"golang.org/x/crypto/bcrypt"
)

// ProvisionalCredential generates a random secret for a tenant created from
// a checkout and returns it with its bcrypt hash. Only the hash is stored;
// owners set their own password through the reset flow.
func ProvisionalCredential(cost int) (secret, hash string, err error) {
	buf := make([]byte, 18)
	if _, err := rand.Read(buf); err != nil {
		return "", "", fmt.Errorf("generate credential: %w", err)
	}
	secret = base64.RawURLEncoding.EncodeToString(buf)

	if cost == 0 {
		cost = bcrypt.DefaultCost
	}
	h, err := bcrypt.GenerateFromPassword([]byte(secret), cost)
	if err != nil {
		return "", "", fmt.Errorf("hash credential: %w", err)
	}
	return secret, string(h), nil
}

// CheckCredential reports whether secret matches the stored hash.
func CheckCredential(hash, secret string) bool {
	return hash != "" && bcrypt.CompareHashAndPassword([]byte(hash), []byte(secret)) == nil
}
