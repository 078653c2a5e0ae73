package otp

import (
	"encoding/binary"
	"encoding/hex"
)

// HexToBytes decodes a case-insensitive hex string.
func HexToBytes(s string) ([]byte, error) {
	if len(s)%2 != 0 {
		return nil, &FormatError{Length: len(s)}
	}
	data, err := hex.DecodeString(s)
	if err != nil {
		return nil, &DecodeError{Encoding: "hex", Length: len(s), Err: err}
	}
	return data, nil
}

// BytesToHex returns the lowercase hex encoding of data.
func BytesToHex(data []byte) string {
	return hex.EncodeToString(data)
}

// IntToBytes packs n big-endian into exactly width bytes. Wider values keep
// their low-order bytes, narrower ones are left-padded with zeros. A width
// of zero or less returns the minimal encoding of n.
func IntToBytes(n uint64, width int) []byte {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], n)

	if width <= 0 {
		natural := buf[:]
		for len(natural) > 0 && natural[0] == 0 {
			natural = natural[1:]
		}
		return append([]byte{}, natural...)
	}

	out := make([]byte, width)
	if width >= len(buf) {
		copy(out[width-len(buf):], buf[:])
	} else {
		copy(out, buf[len(buf)-width:])
	}
	return out
}

// RightPadBytes appends pad to a copy of data until it is target bytes long.
// Data that is already long enough is returned as is.
func RightPadBytes(data []byte, target int, pad byte) []byte {
	if len(data) >= target {
		return data
	}
	out := make([]byte, target)
	n := copy(out, data)
	for i := n; i < target; i++ {
		out[i] = pad
	}
	return out
}
