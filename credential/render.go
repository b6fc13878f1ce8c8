package credential

import (
	qrcode "github.com/skip2/go-qrcode"
)

// Renderer turns a public code into a scannable raster image.
type Renderer interface {
	Render(code string) ([]byte, error)
}

// QRRenderer renders PNG QR codes.
type QRRenderer struct {
	Size int
}

func (r QRRenderer) Render(code string) ([]byte, error) {
	size := r.Size
	if size <= 0 {
		size = 300
	}
	return qrcode.Encode(code, qrcode.Medium, size)
}
