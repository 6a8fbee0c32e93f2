package auth

import (
	"crypto/rand"
	"crypto/subtle"
	"fmt"
	"math/big"
)

// CodeLength is the number of digits of an access code.
const CodeLength = 6

// GenerateCode returns a uniformly random numeric code of CodeLength digits.
func GenerateCode() (string, error) {
	n, err := rand.Int(rand.Reader, big.NewInt(1_000_000))
	if err != nil {
		return "", fmt.Errorf("generate access code: %w", err)
	}
	return fmt.Sprintf("%0*d", CodeLength, n.Int64()), nil
}

// HashCode returns the keyed hash stored for code.
func HashCode(code, secret string) string {
	return keyedHash(secret, "otp:"+code)
}

// VerifyCode compares code against a stored hash in constant time.
func VerifyCode(code, expectedHash, secret string) bool {
	return subtle.ConstantTimeCompare([]byte(HashCode(code, secret)), []byte(expectedHash)) == 1
}
