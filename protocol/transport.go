package protocol

// CommandHandler is a function type for handling decoded commands
type CommandHandler func(cmdID uint16, data *[]byte) error

// Transport is the firmware end of the link. It runs on the main loop: every
// received frame is acknowledged with the sequence expected next, and
// responses go out through the same OutputBuffer.
type Transport struct {
	frames  deframer
	nextSeq uint8
	output  OutputBuffer
	handler CommandHandler

	resetCallback func()
	flushCallback func()
}

// NewTransport creates a new Transport instance
func NewTransport(output OutputBuffer, handler CommandHandler) *Transport {
	t := &Transport{
		nextSeq: MessageDest,
		output:  output,
		handler: handler,
	}
	// A resync tells the host which sequence to retransmit from
	t.frames.onResync = t.sendAck
	return t
}

// Receive consumes every complete frame in input and pops what it used.
// A partial frame stays buffered for the next call.
func (t *Transport) Receive(input InputBuffer) {
	data := input.Data()
	total := len(data)

	for {
		seq, payload, ok := t.frames.next(&data)
		if !ok {
			break
		}
		if seq == MessageDest && t.nextSeq != MessageDest {
			// The host restarted its sequence, so it restarted too
			t.nextSeq = MessageDest
			if t.resetCallback != nil {
				t.resetCallback()
			}
		}
		if seq == t.nextSeq {
			t.nextSeq = NextSequence(seq)
			t.dispatch(payload)
		} else {
			t.frames.stats.OutOfSeq++
		}
		// Out of sequence frames get the same reply, which acts as a NAK
		t.sendAck()
	}

	if used := total - len(data); used > 0 {
		input.Pop(used)
	}
}

// dispatch runs the handler for every command in a frame. A handler error
// drops the rest of the frame. A panic drops the link until the next sync.
func (t *Transport) dispatch(payload []byte) {
	defer func() {
		if r := recover(); r != nil {
			t.frames.lost = true
			t.frames.stats.Errors++
		}
	}()

	for len(payload) > 0 {
		cmdID, err := DecodeVLQUint(&payload)
		if err != nil {
			t.frames.lost = true
			t.frames.stats.Errors++
			return
		}
		if t.handler == nil {
			return
		}
		if err := t.handler(uint16(cmdID), &payload); err != nil {
			return
		}
	}
}

// sendAck writes an empty frame and flushes it right away. The host waits
// for it before it accepts responses to the command.
func (t *Transport) sendAck() {
	appendFrame(t.output, t.nextSeq, nil)
	if t.flushCallback != nil {
		t.flushCallback()
	}
}

// EncodeFrame writes a frame whose payload is produced by frameData. The
// frame carries the current sequence; responses do not advance it.
func (t *Transport) EncodeFrame(frameData func(output OutputBuffer)) {
	appendFrame(t.output, t.nextSeq, frameData)
}

// SendCommand sends a command with arguments
func (t *Transport) SendCommand(cmdID uint16, args func(output OutputBuffer)) {
	t.EncodeFrame(func(output OutputBuffer) {
		EncodeVLQUint(output, uint32(cmdID))
		if args != nil {
			args(output)
		}
	})
}

// Reset returns to the initial sequence after a USB reconnect and runs the
// reset callback.
func (t *Transport) Reset() {
	t.frames.lost = false
	t.nextSeq = MessageDest
	if t.resetCallback != nil {
		t.resetCallback()
	}
}

// Stats returns the link counters
func (t *Transport) Stats() Stats {
	return t.frames.stats
}

// SetResetCallback sets a callback to be called when host reset is detected
func (t *Transport) SetResetCallback(callback func()) {
	t.resetCallback = callback
}

// SetFlushCallback sets a callback that pushes pending output to the host.
// It runs after every ACK.
func (t *Transport) SetFlushCallback(callback func()) {
	t.flushCallback = callback
}
