package protocol

import (
	"bytes"
	"context"
	"errors"
	"io"
	"testing"
	"time"
)

func TestTransportReceiveAndAck(t *testing.T) {
	out := NewScratchOutput()
	var gotID uint16
	var gotArg uint32
	tr := NewTransport(out, func(cmdID uint16, data *[]byte) error {
		gotID = cmdID
		v, err := DecodeVLQUint(data)
		gotArg = v
		return err
	})

	host := &HostTransport{outputBuffer: new(bytes.Buffer), currentSeq: MessageDest}
	msg, err := host.buildCommandMessage(7, func(o OutputBuffer) { EncodeVLQUint(o, 4242) })
	if err != nil {
		t.Fatalf("build: %v", err)
	}

	tr.Receive(NewSliceInputBuffer(msg))
	if gotID != 7 || gotArg != 4242 {
		t.Fatalf("dispatch got id=%d arg=%d", gotID, gotArg)
	}

	ack := out.Result()
	if len(ack) != MessageLengthMin || ack[MessagePositionSeq] != MessageDest+1 {
		t.Fatalf("unexpected ack % x", ack)
	}
	if ack[len(ack)-1] != MessageValueSync {
		t.Errorf("ack missing sync byte")
	}
}

func TestTransportResponseFrame(t *testing.T) {
	out := NewScratchOutput()
	tr := NewTransport(out, nil)
	tr.SendCommand(3, func(o OutputBuffer) {
		EncodeVLQUint(o, 1)
		EncodeVLQBytes(o, []byte{0xAA, 0xBB})
	})

	frame := out.Result()
	if int(frame[MessagePositionLen]) != len(frame) {
		t.Fatalf("length byte %d, frame %d", frame[MessagePositionLen], len(frame))
	}
	crc := uint16(frame[len(frame)-3])<<8 | uint16(frame[len(frame)-2])
	if crc != CRC16(frame[:len(frame)-MessageTrailerSize]) {
		t.Errorf("bad crc")
	}

	payload := frame[MessageHeaderSize : len(frame)-MessageTrailerSize]
	id, _ := DecodeVLQUint(&payload)
	oid, _ := DecodeVLQUint(&payload)
	data, err := DecodeVLQBytes(&payload)
	if id != 3 || oid != 1 || err != nil || !bytes.Equal(data, []byte{0xAA, 0xBB}) {
		t.Errorf("decoded id=%d oid=%d data=% x err=%v", id, oid, data, err)
	}
}

// pipePort joins a host transport to an in-process firmware transport.
type pipePort struct {
	fw     *Transport
	fwOut  *ScratchOutput
	toHost chan []byte
	closed chan struct{}
	ackSeq int // When non-zero, acks are rewritten to this sequence
}

func newPipePort(handler CommandHandler) *pipePort {
	p := &pipePort{
		fwOut:  NewScratchOutput(),
		toHost: make(chan []byte, 16),
		closed: make(chan struct{}),
	}
	p.fw = NewTransport(p.fwOut, handler)
	return p
}

func (p *pipePort) Write(b []byte) (int, error) {
	p.fw.Receive(NewSliceInputBuffer(append([]byte(nil), b...)))
	out := append([]byte(nil), p.fwOut.Result()...)
	p.fwOut.Reset()
	if p.ackSeq != 0 && len(out) >= MessageLengthMin {
		out[MessagePositionSeq] = uint8(p.ackSeq)
		crc := CRC16(out[:MessageHeaderSize])
		out[2], out[3] = uint8(crc>>8), uint8(crc)
	}
	p.toHost <- out
	return len(b), nil
}

func (p *pipePort) Read(b []byte) (int, error) {
	select {
	case data := <-p.toHost:
		return copy(b, data), nil
	case <-p.closed:
		return 0, io.EOF
	}
}

func (p *pipePort) Close() error {
	close(p.closed)
	return nil
}

func TestHostTransportRoundTrip(t *testing.T) {
	var received []uint32
	port := newPipePort(func(cmdID uint16, data *[]byte) error {
		v, err := DecodeVLQUint(data)
		received = append(received, v)
		return err
	})
	host := NewHostTransport(port)
	defer host.Close()

	for i := uint32(0); i < 20; i++ {
		if err := host.SendCommand(1, func(o OutputBuffer) { EncodeVLQUint(o, i) }); err != nil {
			t.Fatalf("command %d: %v", i, err)
		}
	}
	if len(received) != 20 || received[19] != 19 {
		t.Errorf("firmware saw %v", received)
	}
	// Sequence wraps within 0x10-0x1F
	if seq := host.GetCurrentSequence(); seq != MessageDest|(20&MessageSeqMask) {
		t.Errorf("sequence 0x%02x", seq)
	}
}

func TestHostTransportAckMismatch(t *testing.T) {
	port := newPipePort(nil)
	port.ackSeq = MessageDest + 5
	host := NewHostTransport(port)
	defer host.Close()

	err := host.SendCommandWithTimeout(1, nil, time.Second)
	if !errors.Is(err, ErrSequence) {
		t.Errorf("expected ErrSequence, got %v", err)
	}
}

func TestHostTransportContext(t *testing.T) {
	port := newPipePort(nil)
	host := NewHostTransport(port)
	defer host.Close()

	// Swallow the ack so the send has to give up
	port.fw = NewTransport(NewScratchOutput(), nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := host.SendCommandContext(ctx, 1, nil, time.Minute)
	if !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}
}

// acks splits firmware output into the sequences of its empty frames
func acks(t *testing.T, out []byte) []uint8 {
	t.Helper()
	var seqs []uint8
	var d deframer
	for {
		seq, payload, ok := d.next(&out)
		if !ok {
			break
		}
		if len(payload) == 0 {
			seqs = append(seqs, seq)
		}
	}
	return seqs
}

func TestTransportResyncAfterGarbage(t *testing.T) {
	out := NewScratchOutput()
	var calls int
	tr := NewTransport(out, func(uint16, *[]byte) error { calls++; return nil })

	in := NewFifoBuffer(64)
	in.Write([]byte{0x01, 0x02})
	in.Write(frame(MessageDest, 0x05))
	tr.Receive(in)

	if calls != 0 {
		t.Errorf("frame after garbage was dispatched")
	}
	if got := acks(t, out.Result()); !bytes.Equal(got, []byte{MessageDest}) {
		t.Errorf("acks % x, want NAK for 0x10", got)
	}
	if st := tr.Stats(); st.Errors != 1 || st.Resyncs != 1 {
		t.Errorf("stats %+v", st)
	}

	// The host retransmits
	out.Reset()
	in.Write(frame(MessageDest, 0x05))
	tr.Receive(in)
	if calls != 1 || in.Available() != 0 {
		t.Errorf("calls=%d left=%d", calls, in.Available())
	}
	if got := acks(t, out.Result()); !bytes.Equal(got, []byte{MessageDest + 1}) {
		t.Errorf("acks % x", got)
	}
}

func TestTransportPartialFrame(t *testing.T) {
	out := NewScratchOutput()
	var calls int
	tr := NewTransport(out, func(uint16, *[]byte) error { calls++; return nil })

	msg := frame(MessageDest, 0x05)
	in := NewFifoBuffer(64)
	in.Write(msg[:3])
	tr.Receive(in)
	if calls != 0 || in.Available() != 3 || len(out.Result()) != 0 {
		t.Fatalf("partial frame consumed: calls=%d left=%d", calls, in.Available())
	}
	in.Write(msg[3:])
	tr.Receive(in)
	if calls != 1 || in.Available() != 0 {
		t.Errorf("calls=%d left=%d", calls, in.Available())
	}
}

func TestTransportOutOfSequence(t *testing.T) {
	out := NewScratchOutput()
	var calls int
	tr := NewTransport(out, func(uint16, *[]byte) error { calls++; return nil })

	tr.Receive(NewSliceInputBuffer(frame(MessageDest+4, 0x05)))
	if calls != 0 {
		t.Errorf("out of sequence frame dispatched")
	}
	if got := acks(t, out.Result()); !bytes.Equal(got, []byte{MessageDest}) {
		t.Errorf("acks % x", got)
	}
	if st := tr.Stats(); st.OutOfSeq != 1 || st.Frames != 1 {
		t.Errorf("stats %+v", st)
	}
}

func TestTransportHostRestart(t *testing.T) {
	out := NewScratchOutput()
	var calls, resets int
	tr := NewTransport(out, func(uint16, *[]byte) error { calls++; return nil })
	tr.SetResetCallback(func() { resets++ })

	tr.Receive(NewSliceInputBuffer(frame(MessageDest, 0x05)))
	tr.Receive(NewSliceInputBuffer(frame(MessageDest+1, 0x05)))
	tr.Receive(NewSliceInputBuffer(frame(MessageDest, 0x05)))

	if calls != 3 || resets != 1 {
		t.Errorf("calls=%d resets=%d", calls, resets)
	}
	got := acks(t, out.Result())
	if !bytes.Equal(got, []byte{MessageDest + 1, MessageDest + 2, MessageDest + 1}) {
		t.Errorf("acks % x", got)
	}
}

func TestTransportHandlerPanicDropsLink(t *testing.T) {
	out := NewScratchOutput()
	tr := NewTransport(out, func(uint16, *[]byte) error { panic("boom") })

	tr.Receive(NewSliceInputBuffer(frame(MessageDest, 0x05)))
	if st := tr.Stats(); st.Errors != 1 {
		t.Errorf("stats %+v", st)
	}
	// The next sync byte brings the link back with a NAK
	out.Reset()
	tr.Receive(NewSliceInputBuffer([]byte{MessageValueSync}))
	if got := acks(t, out.Result()); !bytes.Equal(got, []byte{MessageDest + 1}) {
		t.Errorf("acks % x", got)
	}
}

func TestHostTransportStats(t *testing.T) {
	port := newPipePort(nil)
	host := NewHostTransport(port)
	defer host.Close()

	for i := 0; i < 3; i++ {
		if err := host.SendCommand(1, nil); err != nil {
			t.Fatal(err)
		}
	}
	if st := host.Stats(); st.Frames != 3 || st.Errors != 0 {
		t.Errorf("stats %+v", st)
	}

	host.Reset()
	if host.GetCurrentSequence() != MessageDest {
		t.Errorf("sequence 0x%02x after reset", host.GetCurrentSequence())
	}
}

func TestHostTransportResponses(t *testing.T) {
	port := newPipePort(nil)
	port.fw = NewTransport(port.fwOut, func(cmdID uint16, data *[]byte) error {
		port.fw.SendCommand(9, func(o OutputBuffer) { EncodeVLQUint(o, uint32(cmdID)) })
		return nil
	})
	host := NewHostTransport(port)
	defer host.Close()

	got := make(chan uint32, 1)
	host.SetResponseHandler(func(cmdID uint16, data *[]byte) error {
		v, err := DecodeVLQUint(data)
		if cmdID == 9 {
			got <- v
		}
		return err
	})
	if err := host.SendCommand(4, nil); err != nil {
		t.Fatal(err)
	}
	select {
	case v := <-got:
		if v != 4 {
			t.Errorf("response carried %d", v)
		}
	case <-time.After(time.Second):
		t.Fatal("no response")
	}
}

func TestHostTransportClosed(t *testing.T) {
	port := newPipePort(nil)
	port.fw = NewTransport(NewScratchOutput(), nil)
	host := NewHostTransport(port)
	host.Close()

	if err := host.SendCommandWithTimeout(1, nil, time.Second); err == nil {
		t.Errorf("send after close succeeded")
	}
}
