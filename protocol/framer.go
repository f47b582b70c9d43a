package protocol

import "bytes"

type scanResult int

const (
	scanNeedMore scanResult = iota
	scanOK
	scanBad
)

// scanFrame checks the frame at the start of data. n is the frame length
// when the result is scanOK.
func scanFrame(data []byte) (seq uint8, payload []byte, n int, res scanResult) {
	if len(data) < MessageLengthMin {
		return 0, nil, 0, scanNeedMore
	}
	n = int(data[MessagePositionLen])
	if n < MessageLengthMin || n > MessageLengthMax {
		return 0, nil, 0, scanBad
	}
	seq = data[MessagePositionSeq]
	if seq&^MessageSeqMask != MessageDest {
		return 0, nil, 0, scanBad
	}
	if len(data) < n {
		return 0, nil, 0, scanNeedMore
	}
	if data[n-1] != MessageValueSync {
		return 0, nil, 0, scanBad
	}
	crc := uint16(data[n-3])<<8 | uint16(data[n-2])
	if crc != CRC16(data[:n-MessageTrailerSize]) {
		return 0, nil, 0, scanBad
	}
	return seq, data[MessageHeaderSize : n-MessageTrailerSize], n, scanOK
}

// deframer splits a byte stream into frames. After a bad frame it drops
// input up to the next sync byte.
type deframer struct {
	lost     bool
	stats    Stats
	onResync func()
}

// next returns the next valid frame in *data and advances *data past it.
// When no complete frame is buffered ok is false and *data holds the
// unconsumed tail.
func (d *deframer) next(data *[]byte) (seq uint8, payload []byte, ok bool) {
	buf := *data
	defer func() { *data = buf }()

	for len(buf) > 0 {
		if d.lost {
			i := bytes.IndexByte(buf, MessageValueSync)
			if i < 0 {
				buf = buf[len(buf):]
				return 0, nil, false
			}
			buf = buf[i+1:]
			d.lost = false
			d.stats.Resyncs++
			if d.onResync != nil {
				d.onResync()
			}
			continue
		}
		if buf[0] == MessageValueSync {
			buf = buf[1:]
			continue
		}

		var n int
		var res scanResult
		seq, payload, n, res = scanFrame(buf)
		switch res {
		case scanNeedMore:
			return 0, nil, false
		case scanBad:
			d.lost = true
			d.stats.Errors++
			continue
		}
		buf = buf[n:]
		d.stats.Frames++
		return seq, payload, true
	}
	return 0, nil, false
}

// appendFrame writes a frame carrying seq to out. body writes the payload.
func appendFrame(out OutputBuffer, seq uint8, body func(OutputBuffer)) {
	start := out.CurPosition()
	out.Output([]byte{0, seq})
	if body != nil {
		body(out)
	}
	out.Update(start+MessagePositionLen, uint8(len(out.DataSince(start))+MessageTrailerSize))
	crc := CRC16(out.DataSince(start))
	out.Output([]byte{byte(crc >> 8), byte(crc), MessageValueSync})
}
