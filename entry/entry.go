// Package entry decodes the opaque ticket payloads issued by the delivery
// service and turns them into the string a scanner reads.
package entry

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"regexp"
	"strings"
)

// ErrorBarcode is shown for payloads that cannot be decoded.
const ErrorBarcode = "errorbarcode"

var rawBarcodePattern = regexp.MustCompile(`^[0-9]{12,18}[A-Za-z]?$`)

// payload is the wire form of an encoded entry token.
type payload struct {
	Barcode     string `json:"b"`
	RawToken    string `json:"t"`
	CustomerKey string `json:"ck"`
	EventKey    string `json:"ek"`
	RenderType  string `json:"rt"`
}

// EntryData is a decoded, classified entry token. It has no setters, values
// read back are always the ones decoded.
type EntryData struct {
	barcode     string
	rawToken    string
	customerKey string
	eventKey    string
	renderType  RenderType
	displayType DisplayType
}

// Decode never fails. Input that is neither an encoded payload nor a bare
// barcode decodes to ErrorBarcode with DisplayTypeInvalid.
func Decode(encoded string) *EntryData {
	p, ok := decodePayload(encoded)
	if !ok {
		p = fallbackPayload(encoded)
	}
	return newEntryData(p)
}

func decodePayload(encoded string) (payload, bool) {
	var p payload

	raw, err := base64.RawStdEncoding.DecodeString(strings.TrimRight(encoded, "="))
	if err != nil {
		return p, false
	}

	// only objects carry a payload; null and scalars unmarshal without error
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || raw[0] != '{' {
		return p, false
	}
	if err := json.Unmarshal(raw, &p); err != nil {
		return p, false
	}
	return p, true
}

func fallbackPayload(encoded string) payload {
	if rawBarcodePattern.MatchString(encoded) {
		return payload{Barcode: encoded, RenderType: string(RenderTypeBarcode)}
	}
	return payload{Barcode: ErrorBarcode, RenderType: string(RenderTypeUnknown)}
}

func newEntryData(p payload) *EntryData {
	e := &EntryData{
		barcode:    p.Barcode,
		renderType: RenderType(strings.ToUpper(p.RenderType)),
	}
	if e.barcode == "" {
		e.barcode = ErrorBarcode
	}

	// key material is useless without both the token and the customer key
	if p.RawToken != "" && p.CustomerKey != "" {
		e.rawToken = p.RawToken
		e.customerKey = p.CustomerKey
		e.eventKey = p.EventKey
	}

	e.displayType = classify(e.renderType, e.rawToken != "")
	return e
}

func classify(rt RenderType, hasRawToken bool) DisplayType {
	switch rt {
	case RenderTypeBarcode:
		return DisplayTypeStaticQR
	case RenderTypeRotatingSymbology, "":
		if hasRawToken {
			return DisplayTypeRotating
		}
		return DisplayTypeStaticPDF
	default:
		return DisplayTypeInvalid
	}
}

func (e *EntryData) Barcode() string {
	return e.barcode
}

// RawToken is empty when the payload carried no usable key material.
func (e *EntryData) RawToken() string {
	return e.rawToken
}

func (e *EntryData) CustomerKey() string {
	return e.customerKey
}

func (e *EntryData) EventKey() string {
	return e.eventKey
}

// RenderType is empty when the payload did not declare one.
func (e *EntryData) RenderType() RenderType {
	return e.renderType
}

func (e *EntryData) DisplayType() DisplayType {
	return e.displayType
}
