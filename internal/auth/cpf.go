// Package auth authenticates WhatsApp contacts before they reach the guided flows.
//
// A contact sends a CPF, receives a one-time code in the same chat and is authenticated once
// the code is echoed back. Gate drives that session; the CPF and code helpers never persist
// the raw values.
package auth

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

// NormalizeCPF keeps the digits of s.
func NormalizeCPF(s string) string {
	return digitsOnly(s)
}

func digitsOnly(s string) string {
	return strings.Map(func(r rune) rune {
		if r >= '0' && r <= '9' {
			return r
		}
		return -1
	}, s)
}

// ValidCPF reports whether s carries eleven digits with matching check digits. Sequences of
// one repeated digit pass the checksum but are never issued, so they are rejected.
func ValidCPF(s string) bool {
	cpf := NormalizeCPF(s)
	if len(cpf) != 11 || strings.Count(cpf, cpf[:1]) == 11 {
		return false
	}
	digits := make([]int, 11)
	for i := range cpf {
		digits[i] = int(cpf[i] - '0')
	}
	return digits[9] == cpfCheckDigit(digits[:9]) && digits[10] == cpfCheckDigit(digits[:10])
}

func cpfCheckDigit(digits []int) int {
	sum := 0
	weight := len(digits) + 1
	for i, d := range digits {
		sum += d * (weight - i)
	}
	rest := sum * 10 % 11
	if rest == 10 {
		return 0
	}
	return rest
}

// HashCPF returns the keyed hash stored in place of the CPF.
func HashCPF(cpf, secret string) string {
	return keyedHash(secret, "cpf:"+NormalizeCPF(cpf))
}

func keyedHash(secret, value string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(value))
	return hex.EncodeToString(mac.Sum(nil))
}
