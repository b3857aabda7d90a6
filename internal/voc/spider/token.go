// Package spider bridges VOC jobs to the external crawler: a Redis queue
// for outbound requests and one-time tokens for the callback leg.
package spider

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
)

// NewCallbackToken returns a fresh random token and its stored hash. The
// token travels to the spider once; only the hash is persisted, keyed with
// the server secret so a leaked task row cannot be replayed.
func NewCallbackToken(key string) (token, hash string, err error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", "", fmt.Errorf("generate callback token: %w", err)
	}
	token = hex.EncodeToString(buf)
	return token, HashToken(key, token), nil
}

// HashToken computes the stored form of a callback token: HMAC-SHA256 over
// the token, keyed with the server secret.
func HashToken(key, token string) string {
	mac := hmac.New(sha256.New, []byte(key))
	mac.Write([]byte(token))
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifyToken compares a presented token against the stored hash in
// constant time.
func VerifyToken(key, storedHash, token string) bool {
	computed := HashToken(key, token)
	return subtle.ConstantTimeCompare([]byte(storedHash), []byte(computed)) == 1
}
