package utils

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"math/big"
	"strings"
)

func GenerateRandomToken(size int) (string, error) {
	buffer := make([]byte, size)
	if _, err := rand.Read(buffer); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(buffer), nil
}

// GenerateNumericCode returns a uniformly random code of the given number of digits.
func GenerateNumericCode(digits int) (string, error) {
	if digits <= 0 {
		digits = 6
	}
	limit := new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(digits)), nil)
	n, err := rand.Int(rand.Reader, limit)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%0*d", digits, n), nil
}

func HashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return base64.RawURLEncoding.EncodeToString(sum[:])
}

// DeviceFingerprint derives the stored fingerprint from the fingerprint the
// client claims and its user agent.
func DeviceFingerprint(claimed string, userAgent string) string {
	sum := sha256.Sum256([]byte(strings.TrimSpace(claimed) + "\x00" + NormalizeUserAgent(userAgent)))
	return hex.EncodeToString(sum[:])
}

func NormalizeUserAgent(userAgent string) string {
	return strings.ToLower(strings.Join(strings.Fields(userAgent), " "))
}
