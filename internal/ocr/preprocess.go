package ocr

import (
	"bytes"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"

	"github.com/disintegration/imaging"
)

// minOCRWidth is the width below which scans are upscaled before
// recognition; tesseract accuracy drops sharply on low-resolution input.
const minOCRWidth = 1000

// preprocessImage normalizes an image for recognition: grayscale, mild
// contrast boost, and upscaling of small scans. Undecodable bytes are
// returned untouched so the provider can report its own error.
func preprocessImage(data []byte) []byte {
	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return data
	}

	img = imaging.Grayscale(img)
	img = imaging.AdjustContrast(img, 10)

	if img.Bounds().Dx() > 0 && img.Bounds().Dx() < minOCRWidth {
		img = imaging.Resize(img, minOCRWidth, 0, imaging.Lanczos)
	}

	buf := &bytes.Buffer{}
	if err := imaging.Encode(buf, img, imaging.PNG); err != nil {
		return data
	}
	return buf.Bytes()
}
