package blend

import "encoding/binary"

// blockReader reads fixed-layout fields out of an in-memory .blend file,
// using the byte order and pointer width declared in the 12-byte header.
// Both axes are decided once per file and then used for every block read.
type blockReader struct {
	buf   []byte
	off   int
	order binary.ByteOrder
	ptr   int // pointer width in bytes: 4 or 8
}

func (r *blockReader) remaining() int {
	return len(r.buf) - r.off
}

func (r *blockReader) bytes(n int) ([]byte, bool) {
	if n < 0 || r.remaining() < n {
		return nil, false
	}
	b := r.buf[r.off : r.off+n]
	r.off += n
	return b, true
}

func (r *blockReader) skip(n int) bool {
	if n < 0 || r.remaining() < n {
		return false
	}
	r.off += n
	return true
}

func (r *blockReader) u32() (uint32, bool) {
	b, ok := r.bytes(4)
	if !ok {
		return 0, false
	}
	return r.order.Uint32(b), true
}

// pointer consumes one old-memory-address field (4 or 8 bytes).
func (r *blockReader) pointer() (uint64, bool) {
	b, ok := r.bytes(r.ptr)
	if !ok {
		return 0, false
	}
	if r.ptr == 4 {
		return uint64(r.order.Uint32(b)), true
	}
	return r.order.Uint64(b), true
}
