package core

import "tinygo.org/x/drivers"

// Bus is a blocking tinygo.org/x/drivers.SPI view of a Driver. Each call
// queues one duplex job and spins the engine until it finishes, so TinyGo
// device drivers can share an instance with asynchronous users.
type Bus struct {
	d *Driver

	// MaxPolls bounds the Tasks calls per transfer; 0 waits forever.
	MaxPolls int

	seq    uint32 // Tags jobs so a timed-out transfer cannot finish a later one
	done   bool
	result Status
	onDone EventHandler
}

var _ drivers.SPI = (*Bus)(nil)

// NewBus wraps d.
func NewBus(d *Driver) *Bus {
	b := &Bus{d: d}
	b.onDone = b.handleEvent
	return b
}

func (b *Bus) handleEvent(ev Status, _ JobHandle, ctx any) {
	if seq, ok := ctx.(uint32); !ok || seq != b.seq {
		return
	}
	b.done = true
	b.result = ev
}

// Tx writes w while reading into r. Either may be nil; when both are given
// the shorter one is padded with dummy symbols.
func (b *Bus) Tx(w, r []byte) error {
	if len(w) == 0 && len(r) == 0 {
		return nil
	}
	b.seq++
	b.done = false
	b.result = StatusPending

	var h JobHandle
	var err error
	switch {
	case len(r) == 0:
		h, err = b.d.AddWrite(w, b.onDone, b.seq)
	case len(w) == 0:
		h, err = b.d.AddRead(r, b.onDone, b.seq)
	default:
		h, err = b.d.AddWriteRead(w, r, b.onDone, b.seq)
	}
	if err != nil {
		return err
	}

	for polls := 0; !b.done; polls++ {
		if b.MaxPolls > 0 && polls >= b.MaxPolls {
			// The job runs on with padding; w and r belong to the caller again
			if j := b.d.pool.lookup(h); j != nil {
				j.detach()
			}
			return ErrTimeout
		}
		if !b.d.open() {
			return ErrNotInitialized
		}
		b.d.Tasks()
	}
	if b.result != StatusComplete {
		return ErrTransferFailed
	}
	return nil
}

// Transfer clocks out one byte and returns the byte clocked in.
func (b *Bus) Transfer(w byte) (byte, error) {
	var tx, rx [1]byte
	tx[0] = w
	err := b.Tx(tx[:], rx[:])
	return rx[0], err
}
