package main

import (
	"bufio"
	"io"

	"github.com/skip2/go-qrcode"
)

// TerminalQrCode draws a QR code with half block characters, two modules
// per character cell, so it stays square in most terminals.
type TerminalQrCode struct {
	code *qrcode.QRCode
}

func NewTerminalQrCode(content string) (*TerminalQrCode, error) {
	qr, err := qrcode.New(content, qrcode.Medium)
	if err != nil {
		return nil, err
	}
	return &TerminalQrCode{code: qr}, nil
}

func (t *TerminalQrCode) Render(w io.Writer) error {
	bitmap := t.code.Bitmap()
	out := bufio.NewWriter(w)

	for y := 0; y < len(bitmap); y += 2 {
		for x := range bitmap[y] {
			top := bitmap[y][x]
			bottom := y+1 < len(bitmap) && bitmap[y+1][x]
			switch {
			case top && bottom:
				out.WriteRune('█')
			case top:
				out.WriteRune('▀')
			case bottom:
				out.WriteRune('▄')
			default:
				out.WriteRune(' ')
			}
		}
		out.WriteRune('\n')
	}
	return out.Flush()
}
