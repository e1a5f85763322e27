package blend

import (
	"encoding/base64"
	"fmt"
)

// maxThumbnailBytes rejects absurd dimensions before allocating; real
// previews are a few hundred pixels on a side.
const maxThumbnailBytes = 10 << 20

// Thumbnail is a decoded preview image, re-encoded for transport. The pixel
// buffer is passed through as-is: no recompression, no resampling, so
// decoding the base64 payload yields exactly Width*Height*4 RGBA bytes.
type Thumbnail struct {
	Width  int32
	Height int32
	Base64 string
}

// DecodeThumbnail validates a raw RGBA pixel buffer against the declared
// dimensions and base64-encodes it for transport. Newer format revisions may
// store a compressed preview instead of raw RGBA; those show up here as a
// size mismatch and are reported as an error rather than guessed at.
func DecodeThumbnail(width, height int32, raw []byte) (Thumbnail, error) {
	if width <= 0 || height <= 0 {
		return Thumbnail{}, fmt.Errorf("invalid dimensions %dx%d", width, height)
	}
	need := int64(width) * int64(height) * 4
	if need > maxThumbnailBytes {
		return Thumbnail{}, fmt.Errorf("%dx%d exceeds %d byte pixel limit", width, height, maxThumbnailBytes)
	}
	if int64(len(raw)) != need {
		return Thumbnail{}, fmt.Errorf("pixel buffer is %d bytes, want %d (%dx%dx4)", len(raw), need, width, height)
	}
	return Thumbnail{
		Width:  width,
		Height: height,
		Base64: base64.StdEncoding.EncodeToString(raw),
	}, nil
}
