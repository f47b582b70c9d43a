// Package sim models a byte-oriented SPI master peripheral in memory, so the
// transfer engine can run on a host without hardware.
package sim

import "errors"

// ErrBadBaudRate is returned for a rate of zero or above Config.MaxBaud.
var ErrBadBaudRate = errors.New("sim: unsupported baud rate")

// Config shapes the timing of the model.
type Config struct {
	// RxDepth is the receive FIFO depth. A write into a full FIFO sets the
	// overflow flag and drops the byte. Default 1.
	RxDepth int

	// RxLatency is how many ReceiverBufferIsFull polls a byte stays
	// invisible after it was shifted in.
	RxLatency int

	// TxBusyPolls is how many TransmitBufferIsEmpty polls report false
	// after each write.
	TxBusyPolls int

	// MaxBaud bounds SetBaudRate. Zero means no limit.
	MaxBaud uint32
}

type rxEntry struct {
	b     byte
	delay int
}

// Peripheral is a simulated SPI master wired to a Slave.
type Peripheral struct {
	cfg   Config
	slave Slave

	rx       []rxEntry
	txBusy   int
	overflow bool
	enabled  bool
	baud     uint32

	mosi       []byte
	written    int
	overflowAt int

	// Counters for assertions
	BaudChanges  int
	Clears       int
	OverflowAcks int
	Transactions int
}

// New returns a peripheral talking to slave. A nil slave echoes.
func New(slave Slave, cfg Config) *Peripheral {
	if cfg.RxDepth < 1 {
		cfg.RxDepth = 1
	}
	if slave == nil {
		slave = Loopback{}
	}
	return &Peripheral{
		cfg:   cfg,
		slave: slave,
		rx:    make([]rxEntry, 0, cfg.RxDepth),
	}
}

// TransmitBufferIsEmpty reports whether another byte may be written.
func (p *Peripheral) TransmitBufferIsEmpty() bool {
	if p.txBusy > 0 {
		p.txBusy--
		return false
	}
	return true
}

// ReceiverBufferIsFull reports whether a received byte is visible.
func (p *Peripheral) ReceiverBufferIsFull() bool {
	if len(p.rx) == 0 {
		return false
	}
	if p.rx[0].delay > 0 {
		p.rx[0].delay--
		return false
	}
	return true
}

// BufferWrite shifts b out and the slave's answer in.
func (p *Peripheral) BufferWrite(b byte) {
	p.mosi = append(p.mosi, b)
	p.written++
	p.txBusy = p.cfg.TxBusyPolls

	miso := p.slave.Exchange(b)
	if len(p.rx) >= p.cfg.RxDepth {
		p.overflow = true
	} else {
		p.rx = append(p.rx, rxEntry{b: miso, delay: p.cfg.RxLatency})
	}
	if p.overflowAt != 0 && p.written == p.overflowAt {
		p.overflow = true
		p.overflowAt = 0
	}
}

// BufferRead pops the oldest received byte, or 0 when empty.
func (p *Peripheral) BufferRead() byte {
	if len(p.rx) == 0 {
		return 0
	}
	b := p.rx[0].b
	copy(p.rx, p.rx[1:])
	p.rx = p.rx[:len(p.rx)-1]
	return b
}

// ReceiverHasOverflowed reports the sticky overflow flag.
func (p *Peripheral) ReceiverHasOverflowed() bool {
	return p.overflow
}

// BufferClear drops everything in the receive FIFO.
func (p *Peripheral) BufferClear() {
	p.rx = p.rx[:0]
	p.Clears++
}

// ReceiverOverflowClear resets the overflow flag.
func (p *Peripheral) ReceiverOverflowClear() {
	if p.overflow {
		p.OverflowAcks++
	}
	p.overflow = false
}

// SetBaudRate records the new clock.
func (p *Peripheral) SetBaudRate(hz uint32) error {
	if hz == 0 || (p.cfg.MaxBaud != 0 && hz > p.cfg.MaxBaud) {
		return ErrBadBaudRate
	}
	p.baud = hz
	p.BaudChanges++
	return nil
}

// BaudRate returns the last accepted clock.
func (p *Peripheral) BaudRate() uint32 {
	return p.baud
}

// Enable powers the model up.
func (p *Peripheral) Enable() {
	p.enabled = true
}

// Disable powers the model down.
func (p *Peripheral) Disable() {
	p.enabled = false
}

// Enabled reports the power state.
func (p *Peripheral) Enabled() bool {
	return p.enabled
}

// InjectOverflowAfter raises the overflow flag right after the n-th byte
// from now has been written.
func (p *Peripheral) InjectOverflowAfter(n int) {
	p.overflowAt = p.written + n
}

// EndTransaction marks chip select released, resetting stateful slaves.
func (p *Peripheral) EndTransaction() {
	p.Transactions++
	if r, ok := p.slave.(Resetter); ok {
		r.Reset()
	}
}

// Written returns every byte clocked out so far.
func (p *Peripheral) Written() []byte {
	return p.mosi
}
