package entry

// RenderType is the symbology a payload asks for.
type RenderType string

const (
	RenderTypeBarcode           RenderType = "BARCODE"
	RenderTypeRotatingSymbology RenderType = "ROTATING_SYMBOLOGY"
	RenderTypeUnknown           RenderType = "UNKNOWN"
)

func (r RenderType) String() string {
	return string(r)
}

// DisplayType selects how a decoded entry is shown.
type DisplayType string

const (
	DisplayTypeInvalid   DisplayType = "INVALID"
	DisplayTypeStaticQR  DisplayType = "STATIC_QR"
	DisplayTypeStaticPDF DisplayType = "STATIC_PDF"
	DisplayTypeRotating  DisplayType = "ROTATING"
)

func (d DisplayType) String() string {
	return string(d)
}

// Rotates reports whether codes of this type change over time.
func (d DisplayType) Rotates() bool {
	return d == DisplayTypeRotating
}
