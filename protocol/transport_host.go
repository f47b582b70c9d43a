package protocol

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"
)

var (
	// ErrSequence is returned when an ACK does not carry the expected sequence
	ErrSequence = errors.New("ack sequence mismatch")
	// ErrClosed is returned by sends after Close
	ErrClosed = errors.New("transport closed")
)

// ResponseHandler is a function type for handling received responses from MCU
type ResponseHandler func(cmdID uint16, data *[]byte) error

// HostTransport is the host end of the link. One command is outstanding at a
// time; a background reader delivers ACKs to the sender and responses to
// the response handler.
type HostTransport struct {
	port io.ReadWriteCloser

	currentSeq uint32 // atomic, 0x10-0x1F

	readMutex   sync.Mutex // guards frames and inputBuffer
	frames      deframer
	inputBuffer *FifoBuffer

	sendMutex    sync.Mutex // guards outputBuffer
	outputBuffer *bytes.Buffer
	ackChan      chan uint8

	responseHandler ResponseHandler

	stopChan chan struct{}
	doneChan chan struct{}
}

// NewHostTransport creates a host transport on port and starts its reader
func NewHostTransport(port io.ReadWriteCloser) *HostTransport {
	t := &HostTransport{
		port:         port,
		currentSeq:   MessageDest,
		inputBuffer:  NewFifoBuffer(MessageMax),
		outputBuffer: bytes.NewBuffer(make([]byte, 0, MessageLengthMax)),
		ackChan:      make(chan uint8, 1),
		stopChan:     make(chan struct{}),
		doneChan:     make(chan struct{}),
	}
	go t.readLoop()
	return t
}

// SendCommand sends a command to the MCU and waits for ACK
func (t *HostTransport) SendCommand(cmdID uint16, args func(output OutputBuffer)) error {
	return t.SendCommandWithTimeout(cmdID, args, 2*time.Second)
}

// SendCommandWithTimeout sends a command with a custom timeout
func (t *HostTransport) SendCommandWithTimeout(cmdID uint16, args func(output OutputBuffer), timeout time.Duration) error {
	return t.SendCommandContext(context.Background(), cmdID, args, timeout)
}

// SendCommandContext sends a command and waits for its ACK until timeout
// expires or ctx is done.
func (t *HostTransport) SendCommandContext(ctx context.Context, cmdID uint16, args func(output OutputBuffer), timeout time.Duration) error {
	t.sendMutex.Lock()
	defer t.sendMutex.Unlock()

	msg, err := t.buildCommandMessage(cmdID, args)
	if err != nil {
		return fmt.Errorf("failed to build command: %w", err)
	}
	if _, err := t.port.Write(msg); err != nil {
		return fmt.Errorf("failed to write message: %w", err)
	}
	if err := t.waitForAck(ctx, timeout); err != nil {
		return fmt.Errorf("command %d: %w", cmdID, err)
	}
	return nil
}

// buildCommandMessage frames one command with the current sequence. The
// result is a copy; outputBuffer is reused by the next call.
func (t *HostTransport) buildCommandMessage(cmdID uint16, args func(output OutputBuffer)) ([]byte, error) {
	t.outputBuffer.Reset()
	seq := uint8(atomic.LoadUint32(&t.currentSeq))
	appendFrame(bufferOutput{t.outputBuffer}, seq, func(out OutputBuffer) {
		EncodeVLQUint(out, uint32(cmdID))
		if args != nil {
			args(out)
		}
	})
	if n := t.outputBuffer.Len(); n > MessageLengthMax {
		return nil, fmt.Errorf("message too long: %d bytes (max %d)", n, MessageLengthMax)
	}
	return append([]byte(nil), t.outputBuffer.Bytes()...), nil
}

// waitForAck expects the sequence after the one just sent
func (t *HostTransport) waitForAck(ctx context.Context, timeout time.Duration) error {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case ack := <-t.ackChan:
		want := NextSequence(uint8(atomic.LoadUint32(&t.currentSeq)))
		if ack != want {
			return fmt.Errorf("%w: expected 0x%02x, got 0x%02x", ErrSequence, want, ack)
		}
		atomic.StoreUint32(&t.currentSeq, uint32(want))
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return fmt.Errorf("ACK timeout after %v", timeout)
	case <-t.stopChan:
		return ErrClosed
	}
}

// SetResponseHandler sets a callback for handling responses asynchronously
func (t *HostTransport) SetResponseHandler(handler ResponseHandler) {
	t.responseHandler = handler
}

func (t *HostTransport) readLoop() {
	defer close(t.doneChan)

	buf := make([]byte, 256)
	for {
		select {
		case <-t.stopChan:
			return
		default:
		}

		n, err := t.port.Read(buf)
		if err != nil {
			if errors.Is(err, io.EOF) {
				return
			}
			time.Sleep(10 * time.Millisecond)
			continue
		}
		if n > 0 {
			t.receive(buf[:n])
		}
	}
}

// receive buffers raw input and handles every complete frame
func (t *HostTransport) receive(raw []byte) {
	t.readMutex.Lock()
	defer t.readMutex.Unlock()

	for len(raw) > 0 {
		w := t.inputBuffer.Write(raw)
		raw = raw[w:]

		data := t.inputBuffer.Data()
		total := len(data)
		for {
			seq, payload, ok := t.frames.next(&data)
			if !ok {
				break
			}
			t.handleFrame(seq, payload)
		}
		t.inputBuffer.Pop(total - len(data))

		if w == 0 && t.inputBuffer.Free() == 0 {
			// Longer than any frame, so it cannot be valid
			t.inputBuffer.Reset()
			t.frames.lost = true
			t.frames.stats.Errors++
		}
	}
}

// handleFrame treats an empty payload as an ACK and anything else as a
// response.
func (t *HostTransport) handleFrame(seq uint8, payload []byte) {
	if len(payload) == 0 {
		select {
		case t.ackChan <- seq:
		default:
		}
		return
	}
	if t.responseHandler == nil {
		return
	}
	data := append([]byte(nil), payload...)
	cmdID, err := DecodeVLQUint(&data)
	if err != nil {
		t.frames.stats.Errors++
		return
	}
	_ = t.responseHandler(uint16(cmdID), &data)
}

// Close stops the reader and closes the port. Closing the port unblocks a
// reader stuck in Read.
func (t *HostTransport) Close() error {
	close(t.stopChan)
	var err error
	if t.port != nil {
		err = t.port.Close()
	}
	<-t.doneChan
	return err
}

// Reset returns to the initial sequence and drops buffered input
func (t *HostTransport) Reset() {
	t.readMutex.Lock()
	defer t.readMutex.Unlock()

	atomic.StoreUint32(&t.currentSeq, MessageDest)
	t.frames.lost = false
	t.inputBuffer.Reset()
	for len(t.ackChan) > 0 {
		<-t.ackChan
	}
}

// GetCurrentSequence returns the sequence the next command will carry
func (t *HostTransport) GetCurrentSequence() uint8 {
	return uint8(atomic.LoadUint32(&t.currentSeq))
}

// Stats returns the link counters
func (t *HostTransport) Stats() Stats {
	t.readMutex.Lock()
	defer t.readMutex.Unlock()
	return t.frames.stats
}

// bufferOutput lets appendFrame write into a bytes.Buffer
type bufferOutput struct {
	*bytes.Buffer
}

func (b bufferOutput) Output(data []byte) { b.Write(data) }

func (b bufferOutput) CurPosition() int { return b.Len() }

func (b bufferOutput) Update(pos int, val byte) { b.Bytes()[pos] = val }

func (b bufferOutput) DataSince(pos int) []byte { return b.Bytes()[pos:] }
