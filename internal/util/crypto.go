package util

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"strings"

	"golang.org/x/crypto/bcrypt"
)

const tokenBytes = 32

func GenerateToken() (string, error) {
	bytes := make([]byte, tokenBytes)
	if _, err := rand.Read(bytes); err != nil {
		return "", err
	}
	return hex.EncodeToString(bytes), nil
}

func HmacSHA256(secret, data string) string {
	h := hmac.New(sha256.New, []byte(secret))
	h.Write([]byte(data))
	return hex.EncodeToString(h.Sum(nil))
}

func ConstantTimeEqual(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

func HashSecret(secret string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(secret), 12)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}

func CheckPasswordHash(password, hash string) bool {
	err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(password))
	return err == nil
}

// SignActorToken issues "<actorId>.<role>.<hmac>" where the HMAC covers
// "<actorId>.<role>".
func SignActorToken(secret, actorID, role string) string {
	payload := actorID + "." + role
	return payload + "." + HmacSHA256(secret, payload)
}

// ParseActorToken verifies a token issued by SignActorToken. Actor ids may
// not contain dots.
func ParseActorToken(secret, token string) (actorID, role string, ok bool) {
	parts := strings.Split(token, ".")
	if len(parts) != 3 || parts[0] == "" || parts[1] == "" {
		return "", "", false
	}
	expected := HmacSHA256(secret, parts[0]+"."+parts[1])
	if !ConstantTimeEqual(expected, parts[2]) {
		return "", "", false
	}
	return parts[0], parts[1], true
}
