package protocol

import (
	"bytes"
	"testing"
)

func frame(seq uint8, payload ...byte) []byte {
	out := NewScratchOutput()
	appendFrame(out, seq, func(o OutputBuffer) { o.Output(payload) })
	return append([]byte(nil), out.Result()...)
}

func TestScanFrame(t *testing.T) {
	good := frame(MessageDest+3, 0x01, 0x02)

	badCRC := append([]byte(nil), good...)
	badCRC[2] ^= 0xFF
	badSync := append([]byte(nil), good...)
	badSync[len(badSync)-1] = 0
	badDest := frame(0x23)

	tests := []struct {
		name string
		data []byte
		want scanResult
	}{
		{"complete", good, scanOK},
		{"short", good[:4], scanNeedMore},
		{"partial", good[:len(good)-1], scanNeedMore},
		{"length too small", []byte{4, MessageDest, 0, 0, MessageValueSync}, scanBad},
		{"length too large", []byte{MessageLengthMax + 1, MessageDest, 0, 0, 0}, scanBad},
		{"bad crc", badCRC, scanBad},
		{"bad sync", badSync, scanBad},
		{"bad destination", badDest, scanBad},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			seq, payload, n, res := scanFrame(tt.data)
			if res != tt.want {
				t.Fatalf("result %d, want %d", res, tt.want)
			}
			if res == scanOK && (seq != MessageDest+3 || n != len(good) || !bytes.Equal(payload, []byte{1, 2})) {
				t.Errorf("seq=0x%02x n=%d payload=% x", seq, n, payload)
			}
		})
	}
}

func TestDeframerResync(t *testing.T) {
	resyncs := 0
	d := deframer{onResync: func() { resyncs++ }}

	// Garbage takes the following frame with it up to its sync byte
	stream := append([]byte{0x01, 0x02}, frame(MessageDest, 0xAA)...)
	stream = append(stream, frame(MessageDest+1, 0xBB)...)

	seq, payload, ok := d.next(&stream)
	if !ok || seq != MessageDest+1 || !bytes.Equal(payload, []byte{0xBB}) {
		t.Fatalf("got seq=0x%02x payload=% x ok=%v", seq, payload, ok)
	}
	if len(stream) != 0 {
		t.Errorf("%d bytes left", len(stream))
	}
	want := Stats{Frames: 1, Errors: 1, Resyncs: 1}
	if d.stats != want || resyncs != 1 {
		t.Errorf("stats %+v resyncs %d", d.stats, resyncs)
	}
}

func TestDeframerNoSyncDropsInput(t *testing.T) {
	d := deframer{lost: true}
	data := []byte{1, 2, 3}
	if _, _, ok := d.next(&data); ok || len(data) != 0 || !d.lost {
		t.Errorf("ok=%v rest=% x lost=%v", ok, data, d.lost)
	}
}

func TestAppendFrame(t *testing.T) {
	got := frame(MessageDest)
	want := []byte{5, MessageDest, 0x9E, 0x81, MessageValueSync}
	if !bytes.Equal(got, want) {
		t.Errorf("empty frame % x, want % x", got, want)
	}
}
