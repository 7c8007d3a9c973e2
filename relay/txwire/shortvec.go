package txwire

import "fmt"

type reader struct {
	buf []byte
	pos int
}

func newReader(buf []byte) *reader {
	return &reader{buf: buf}
}

func (r *reader) remaining() int {
	return len(r.buf) - r.pos
}

func (r *reader) byte() (byte, error) {
	if r.pos >= len(r.buf) {
		return 0, fmt.Errorf("unexpected end of input at %d", r.pos)
	}
	b := r.buf[r.pos]
	r.pos++
	return b, nil
}

func (r *reader) bytes(n int) ([]byte, error) {
	if n < 0 || r.pos+n > len(r.buf) {
		return nil, fmt.Errorf("need %d bytes at %d, have %d", n, r.pos, r.remaining())
	}
	out := r.buf[r.pos : r.pos+n]
	r.pos += n
	return out, nil
}

// shortvec decodes the compact-u16 length prefix used throughout the wire
// format: little-endian base-128 with a continuation bit, at most 3 bytes.
func (r *reader) shortvec() (int, error) {
	value := 0
	for shift := 0; shift < 21; shift += 7 {
		b, err := r.byte()
		if err != nil {
			return 0, err
		}
		value |= int(b&0x7f) << shift
		if b&0x80 == 0 {
			if value > 0xffff {
				return 0, fmt.Errorf("compact-u16 overflow: %d", value)
			}
			return value, nil
		}
	}
	return 0, fmt.Errorf("compact-u16 longer than 3 bytes")
}

func appendShortvec(out []byte, value int) []byte {
	for {
		b := byte(value & 0x7f)
		value >>= 7
		if value == 0 {
			return append(out, b)
		}
		out = append(out, b|0x80)
	}
}
