// Package util provides small helpers shared across CarePipe modules.
package util

import (
	"crypto/rand"
	"fmt"
	"math/big"
)

// GenerateDigitCode returns a uniformly random numeric string of n digits,
// suitable for one-time codes. Leading zeros are allowed.
func GenerateDigitCode(n int) (string, error) {
	if n <= 0 {
		return "", fmt.Errorf("code length must be positive, got %d", n)
	}
	digits := make([]byte, n)
	for i := range digits {
		v, err := rand.Int(rand.Reader, big.NewInt(10))
		if err != nil {
			return "", fmt.Errorf("failed to generate random digit: %w", err)
		}
		digits[i] = byte('0' + v.Int64())
	}
	return string(digits), nil
}

// IsDigits reports whether s is non-empty and consists only of ASCII digits.
func IsDigits(s string) bool {
	if s == "" {
		return false
	}
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return true
}
