package imaging

import (
	"bytes"
	"fmt"
	"image"
	_ "image/jpeg"
	"image/png"
	"io"
	"os"

	_ "golang.org/x/image/tiff"
)

// Decode reads a PNG, JPEG or TIFF image.
func Decode(r io.Reader) (image.Image, error) {
	img, _, err := image.Decode(r)
	if err != nil {
		return nil, fmt.Errorf("decode image: %w", err)
	}
	return img, nil
}

// LoadFile decodes the image stored at path.
func LoadFile(path string) (image.Image, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	return Decode(file)
}

// EncodePNG16 encodes g as a 16-bit grayscale PNG. The encoder is
// deterministic, so identical inputs give identical bytes.
func EncodePNG16(g *Gray) ([]byte, error) {
	var buf bytes.Buffer
	enc := png.Encoder{CompressionLevel: png.DefaultCompression}
	if err := enc.Encode(&buf, g.ToGray16()); err != nil {
		return nil, fmt.Errorf("encode png: %w", err)
	}
	return buf.Bytes(), nil
}

// EncodePNG8 encodes g as an 8-bit grayscale PNG.
func EncodePNG8(g *Gray) ([]byte, error) {
	var buf bytes.Buffer
	if err := png.Encode(&buf, g.ToGray8()); err != nil {
		return nil, fmt.Errorf("encode png: %w", err)
	}
	return buf.Bytes(), nil
}

// DecodeGray decodes encoded image bytes straight into a Gray.
func DecodeGray(data []byte) (*Gray, error) {
	img, err := Decode(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	return FromImage(img), nil
}
