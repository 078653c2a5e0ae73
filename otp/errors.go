package otp

import "fmt"

// DecodeError is returned for Base32 or hex text containing characters
// outside its alphabet. The offending input is not echoed since it is
// usually key material.
type DecodeError struct {
	Encoding string
	Length   int
	Err      error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("otp: invalid %s input of length %d: %v", e.Encoding, e.Length, e.Err)
}

func (e *DecodeError) Unwrap() error {
	return e.Err
}

// FormatError is returned by HexToBytes for odd-length input.
type FormatError struct {
	Length int
}

func (e *FormatError) Error() string {
	return fmt.Sprintf("otp: hex input has odd length %d", e.Length)
}
