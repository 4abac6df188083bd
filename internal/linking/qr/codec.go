// Package qr encodes session ids into scannable images and decodes them back.
//
// The payload is the raw session id string with no framing or checksum; a
// decode failure of any kind is treated as "not a recognizable code".
package qr

import (
	"errors"
	"image"
	"strings"

	"github.com/makiuchi-d/gozxing"
	zxqrcode "github.com/makiuchi-d/gozxing/qrcode"
	qrcode "github.com/skip2/go-qrcode"
)

// DefaultSize is the pixel edge length of generated QR images.
const DefaultSize = 256

// ErrNotRecognized indicates the image does not contain a readable code.
var ErrNotRecognized = errors.New("not a recognizable code")

var (
	// ErrEmptyPayload indicates an empty session id was passed to Encode.
	ErrEmptyPayload = errors.New("payload is required")
)

// Encode renders the session id as a PNG QR image with the given edge length
// in pixels. A non-positive size falls back to DefaultSize.
func Encode(sessionID string, size int) ([]byte, error) {
	sessionID = strings.TrimSpace(sessionID)
	if sessionID == "" {
		return nil, ErrEmptyPayload
	}
	if size <= 0 {
		size = DefaultSize
	}
	return qrcode.Encode(sessionID, qrcode.Medium, size)
}

// Decode extracts the session id from a scanned or uploaded image. Any
// failure, from binarization to missing finder patterns, is reported as
// ErrNotRecognized.
func Decode(img image.Image) (string, error) {
	if img == nil {
		return "", ErrNotRecognized
	}
	bmp, err := gozxing.NewBinaryBitmapFromImage(img)
	if err != nil {
		return "", ErrNotRecognized
	}
	result, err := zxqrcode.NewQRCodeReader().Decode(bmp, nil)
	if err != nil {
		return "", ErrNotRecognized
	}
	text := strings.TrimSpace(result.GetText())
	if text == "" {
		return "", ErrNotRecognized
	}
	return text, nil
}
