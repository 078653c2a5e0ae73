package entry

import (
	"strings"
	"time"

	"github.com/ticketmaster/secure-entry-go/otp"
)

const (
	TokenDelimiter = "::"

	// TOTPInterval is the rotation period of signed tokens, in seconds.
	TOTPInterval = 15
)

// GenerateSignedToken returns the string to encode in the visual code at
// time at. Rotating entries get "<rawToken>::<eventCode>::<customerCode>",
// with the event code only present when an event key was issued. Every
// other display type returns the barcode.
func (e *EntryData) GenerateSignedToken(at time.Time, withCounterPadding bool) string {
	switch e.displayType {
	case DisplayTypeRotating:
		return e.signedToken(at, withCounterPadding)
	case DisplayTypeStaticQR, DisplayTypeStaticPDF, DisplayTypeInvalid:
		return e.barcode
	default:
		return e.barcode
	}
}

// SignedToken is GenerateSignedToken with counter padding, the scheme
// current scanners verify.
func (e *EntryData) SignedToken(at time.Time) string {
	return e.GenerateSignedToken(at, true)
}

func (e *EntryData) signedToken(at time.Time, withCounterPadding bool) string {
	parts := []string{e.rawToken}

	// event code first, scanners rely on the order
	for _, key := range []string{e.eventKey, e.customerKey} {
		if key == "" {
			continue
		}
		generator := otp.NewTOTP(otp.SecretFromHex(key), TOTPInterval)
		parts = append(parts, generator.Now(at, withCounterPadding))
	}

	return strings.Join(parts, TokenDelimiter)
}
