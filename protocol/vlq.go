package protocol

import "errors"

var (
	ErrInvalidVLQ     = errors.New("invalid VLQ encoding")
	ErrBufferTooSmall = errors.New("buffer too small for VLQ")
)

// vlqMaxBytes is the longest encoding of a 32 bit value
const vlqMaxBytes = 5

// EncodeVLQInt writes v in 1 to 5 bytes, most significant group first. A
// group is needed whenever v falls outside [-(1<<k), 3<<k) for its boundary
// k, which keeps small negative numbers as short as small positive ones.
func EncodeVLQInt(output OutputBuffer, v int32) {
	var buf [vlqMaxBytes]byte
	n := 0
	for shift := 28; shift >= 7; shift -= 7 {
		k := shift - 2
		if v < -(1<<k) || v >= 3<<k {
			buf[n] = byte(v>>shift)&0x7F | 0x80
			n++
		}
	}
	buf[n] = byte(v) & 0x7F
	output.Output(buf[:n+1])
}

// EncodeVLQUint encodes an unsigned integer to VLQ format
func EncodeVLQUint(output OutputBuffer, v uint32) {
	EncodeVLQInt(output, int32(v))
}

// DecodeVLQInt decodes one value and advances data past it. On error data is
// left untouched.
func DecodeVLQInt(data *[]byte) (int32, error) {
	buf := *data
	if len(buf) == 0 {
		return 0, ErrBufferTooSmall
	}
	c := buf[0]
	v := uint32(c & 0x7F)
	if c&0x60 == 0x60 {
		// Leading group of a negative number
		v |= ^uint32(0x1F)
	}
	i := 1
	for c&0x80 != 0 {
		if i == vlqMaxBytes {
			return 0, ErrInvalidVLQ
		}
		if i == len(buf) {
			return 0, ErrBufferTooSmall
		}
		c = buf[i]
		i++
		v = v<<7 | uint32(c&0x7F)
	}
	*data = buf[i:]
	return int32(v), nil
}

// DecodeVLQUint decodes a VLQ unsigned integer from the data slice
func DecodeVLQUint(data *[]byte) (uint32, error) {
	val, err := DecodeVLQInt(data)
	return uint32(val), err
}

// EncodeVLQBytes writes a length prefixed byte string
func EncodeVLQBytes(output OutputBuffer, data []byte) {
	EncodeVLQUint(output, uint32(len(data)))
	output.Output(data)
}

// DecodeVLQBytes decodes a length prefixed byte string. The result aliases
// data.
func DecodeVLQBytes(data *[]byte) ([]byte, error) {
	rest := *data
	length, err := DecodeVLQUint(&rest)
	if err != nil {
		return nil, err
	}
	if uint32(len(rest)) < length {
		return nil, ErrBufferTooSmall
	}
	*data = rest[length:]
	return rest[:length], nil
}
