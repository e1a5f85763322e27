// Package blend decodes the binary header of Blender scene files: format
// version, pointer width, byte order, the embedded preview thumbnail and a
// best-effort render-engine identifier. Parsing is a pure function of the
// input bytes and performs no I/O of its own.
package blend

import (
	"bytes"
	"compress/gzip"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
)

// ErrNotBlend is returned when the input does not carry the .blend signature.
var ErrNotBlend = errors.New("not a blend file")

const (
	magic     = "BLENDER"
	headerLen = 12 // signature + pointer marker + endian marker + 3 version digits

	// maxBlocks bounds the block walk on files with a huge block count; the
	// thumbnail and scene blocks sit near the front of the file.
	maxBlocks = 3000
)

// Info holds the metadata decoded from one .blend file. Error carries a
// diagnostic when the file looked like a .blend but a later structural read
// failed; the fields decoded before the failure stay populated.
type Info struct {
	Version      string `json:"version,omitempty"`
	Raw          string `json:"raw,omitempty"`
	PointerSize  int    `json:"pointer_size,omitempty"`
	Endianness   string `json:"endianness,omitempty"`
	Thumbnail    string `json:"thumbnail,omitempty"` // base64 raw RGBA
	ThumbWidth   int32  `json:"thumb_width,omitempty"`
	ThumbHeight  int32  `json:"thumb_height,omitempty"`
	RenderEngine string `json:"render_engine,omitempty"`
	Error        string `json:"error,omitempty"`
}

// Parse decodes the header and leading file blocks of data, a complete
// in-memory .blend file. It returns ErrNotBlend when the signature is missing
// (including when data looks gzip-compressed but cannot be decompressed). Any
// malformation past the signature degrades to a partial Info with Error set,
// never to a failure.
func Parse(data []byte) (*Info, error) {
	return parse(data, false)
}

// ParsePrefix decodes data that is a size-capped prefix of a larger .blend
// file. The header and every block that fits are decoded as usual; a block
// whose payload runs past the end of the prefix ends the walk cleanly instead
// of being recorded as a structural inconsistency on Info.Error.
func ParsePrefix(data []byte) (*Info, error) {
	return parse(data, true)
}

func parse(data []byte, truncated bool) (*Info, error) {
	// Compressed .blend files carry the gzip magic at offset 0; decompress
	// transparently and re-check the signature.
	if len(data) >= 2 && data[0] == 0x1f && data[1] == 0x8b {
		zr, err := gzip.NewReader(bytes.NewReader(data))
		if err != nil {
			return nil, ErrNotBlend
		}
		decompressed, err := io.ReadAll(zr)
		if err != nil {
			// A capped read can cut the compressed stream short; keep what
			// decompressed cleanly when the header made it through.
			if !truncated || len(decompressed) < headerLen {
				return nil, ErrNotBlend
			}
		}
		data = decompressed
	}

	if len(data) < len(magic) || string(data[:len(magic)]) != magic {
		return nil, ErrNotBlend
	}

	info := &Info{}
	if len(data) < headerLen {
		info.Error = "header truncated after signature"
		return info, nil
	}

	switch data[7] {
	case '_':
		info.PointerSize = 32
	case '-':
		info.PointerSize = 64
	}
	switch data[8] {
	case 'v':
		info.Endianness = "little"
	case 'V':
		info.Endianness = "big"
	}

	info.Raw = string(data[9:headerLen])
	info.Version = decodeVersion(info.Raw)

	if info.PointerSize == 0 || info.Endianness == "" {
		info.Error = fmt.Sprintf("unrecognized header markers %q %q", data[7], data[8])
		return info, nil
	}

	order := binary.ByteOrder(binary.LittleEndian)
	if info.Endianness == "big" {
		order = binary.BigEndian
	}
	walkBlocks(info, &blockReader{
		buf:   data,
		off:   headerLen,
		order: order,
		ptr:   info.PointerSize / 8,
	}, truncated)
	return info, nil
}

// decodeVersion turns the three raw header digits into the human version
// string Blender itself displays: "306" is 3.6, "279" is 2.79.
func decodeVersion(raw string) string {
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return ""
	}
	return fmt.Sprintf("%d.%d", n/100, n%100)
}

// walkBlocks scans the typed, length-prefixed blocks that follow the header.
// Each block header is: 4-byte code, u32 payload size, old memory address
// (pointer-width bytes), u32 SDNA index, u32 count. The walk stops at the
// DNA1/ENDB marker blocks, at end of buffer, or at the first structural
// inconsistency, which is recorded on info.Error. When the buffer is a
// truncated prefix, a payload running past its end is an expected stop, not
// an inconsistency.
func walkBlocks(info *Info, r *blockReader, truncated bool) {
	blockHeaderLen := 4 + 4 + r.ptr + 4 + 4

	for n := 0; n < maxBlocks; n++ {
		if r.remaining() < blockHeaderLen {
			return
		}
		code, _ := r.bytes(4)
		size32, _ := r.u32()
		if _, ok := r.pointer(); !ok {
			return
		}
		if !r.skip(8) { // SDNA index + count
			return
		}

		size := int(size32)
		if size > r.remaining() {
			if truncated {
				// The rest of this block lies beyond the capped read.
				return
			}
			info.Error = fmt.Sprintf("block %q declares %d payload bytes with %d remaining",
				trimCode(code), size, r.remaining())
			return
		}
		payload, _ := r.bytes(size)

		id := string(code)
		switch {
		case strings.HasPrefix(id, "TEST"):
			decodeThumbnailBlock(info, payload, r.order)
		case strings.HasPrefix(id, "SC"):
			matchRenderEngine(info, payload)
		case strings.HasPrefix(id, "DNA1"), strings.HasPrefix(id, "ENDB"):
			return
		}
	}
}

// decodeThumbnailBlock extracts the preview image from a TEST block: two
// 32-bit dimensions in the file's byte order, then width*height*4 bytes of
// raw RGBA pixel data. Failures are folded into info.Error and the already
// decoded fields are kept.
func decodeThumbnailBlock(info *Info, payload []byte, order binary.ByteOrder) {
	if info.Thumbnail != "" {
		return
	}
	if len(payload) < 8 {
		info.Error = "thumbnail block truncated before dimensions"
		return
	}
	width := int32(order.Uint32(payload[0:4]))
	height := int32(order.Uint32(payload[4:8]))

	need := int64(width) * int64(height) * 4
	pixels := payload[8:]
	if need >= 0 && need <= int64(len(pixels)) {
		// The block payload may be padded past the pixel data.
		pixels = pixels[:need]
	}

	thumb, err := DecodeThumbnail(width, height, pixels)
	if err != nil {
		info.Error = fmt.Sprintf("thumbnail: %v", err)
		return
	}
	info.Thumbnail = thumb.Base64
	info.ThumbWidth = thumb.Width
	info.ThumbHeight = thumb.Height
}

// matchRenderEngine scans a scene block's payload for a known render-engine
// identifier. Scene blocks embed the engine name as an ASCII string; absence
// of a match is not an error.
func matchRenderEngine(info *Info, payload []byte) {
	if info.RenderEngine != "" {
		return
	}
	up := strings.ToUpper(string(payload))
	switch {
	case strings.Contains(up, "CYCLES"):
		info.RenderEngine = "Cycles"
	case strings.Contains(up, "EEVEE"):
		info.RenderEngine = "Eevee"
	case strings.Contains(up, "WORKBENCH"):
		info.RenderEngine = "Workbench"
	}
}

// trimCode renders a 4-byte block code for diagnostics, dropping NUL padding.
func trimCode(code []byte) string {
	return strings.TrimRight(string(code), "\x00")
}
