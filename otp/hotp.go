// Package otp implements the HOTP/TOTP code generation used to sign rotating
// entry tokens, together with the Base32 and byte helpers it needs.
package otp

import (
	"crypto/hmac"
	"crypto/sha1"
	"encoding/binary"
	"fmt"
)

const (
	DefaultDigits = 6

	// codes are taken from a 31-bit integer so more digits add nothing
	maxDigits = 10
)

// HOTP computes an RFC4226 code over counterBytes. The counter is taken as
// given so callers control its encoding.
func HOTP(counterBytes, key []byte, digits int) string {
	if digits <= 0 {
		digits = DefaultDigits
	}
	if digits > maxDigits {
		digits = maxDigits
	}

	// Calculate HMAC-SHA1
	h := hmac.New(sha1.New, key)
	h.Write(counterBytes)
	sum := h.Sum(nil)

	// Dynamic truncation
	offset := sum[len(sum)-1] & 0xf
	sNum := binary.BigEndian.Uint32(sum[offset:offset+4]) & 0x7fffffff

	code := uint64(sNum) % pow(10, digits)
	return fmt.Sprintf("%0*d", digits, code)
}

func pow(base uint64, exp int) uint64 {
	result := uint64(1)
	for i := 0; i < exp; i++ {
		result *= base
	}
	return result
}
