package otp

import (
	"encoding/base32"
	"strings"
)

var rawBase32 = base32.StdEncoding.WithPadding(base32.NoPadding)

// Base32Encode returns the padded RFC4648 encoding of data.
func Base32Encode(data []byte) string {
	return base32.StdEncoding.EncodeToString(data)
}

// Base32Decode decodes RFC4648 Base32 text. Case is ignored and so is any
// '=' padding, wherever it appears.
func Base32Decode(s string) ([]byte, error) {
	clean := strings.ToUpper(strings.ReplaceAll(s, "=", ""))
	data, err := rawBase32.DecodeString(clean)
	if err != nil {
		return nil, &DecodeError{Encoding: "base32", Length: len(s), Err: err}
	}
	return data, nil
}
