package imagesource

import (
	"bytes"
	"fmt"
	"image"
	"image/color"
	"image/draw"
	"image/jpeg"
)

// Placeholder contract: fixed dimensions, single solid fill, lossy raster
// encoding. Byte size depends on the encoder and is not guaranteed.
const (
	placeholderWidth  = 800
	placeholderHeight = 600
)

// PlaceholderNote annotates results whose artifact came from the local
// generator instead of a real download.
const PlaceholderNote = "generated local placeholder image after download error"

// placeholderFill is light blue.
var placeholderFill = color.RGBA{R: 173, G: 216, B: 230, A: 255}

// GeneratePlaceholder renders the fixed-size solid-fill JPEG substituted for
// an image that could not be downloaded when the fallback policy masks the
// failure.
func GeneratePlaceholder() ([]byte, error) {
	img := image.NewRGBA(image.Rect(0, 0, placeholderWidth, placeholderHeight))
	draw.Draw(img, img.Bounds(), image.NewUniform(placeholderFill), image.Point{}, draw.Src)

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, nil); err != nil {
		return nil, fmt.Errorf("encode placeholder jpeg: %w", err)
	}
	return buf.Bytes(), nil
}
