// Package board runs the firmware command layer in-process against simulated
// SPI peripherals. A Board is an io.ReadWriteCloser speaking the serial
// protocol, so host tools can be exercised without hardware.
package board

import (
	"errors"
	"io"
	"sync"

	"spiq/core"
	"spiq/protocol"
	"spiq/sim"
)

// TickStep is how far the simulated clock advances per engine pass
const TickStep = 10

var ErrClosed = errors.New("board closed")

// Config describes the simulated board.
type Config struct {
	Pool   core.PoolConfig
	Driver core.DriverConfig
	Periph sim.Config

	// Slaves wires a device model to each bus; unlisted buses echo
	Slaves map[core.SPIBusID]sim.Slave

	// MaxPolls bounds the engine passes run after each host write
	MaxPolls int
}

// DefaultConfig returns a board with two buses and inline transfers of up
// to 32 bytes.
func DefaultConfig() Config {
	pool := core.DefaultPoolConfig()
	pool.Instances = 2
	pool.InlineSize = 32
	return Config{
		Pool:     pool,
		Driver:   core.DefaultDriverConfig(),
		MaxPolls: 256,
	}
}

// Board is one emulated MCU. Only one Board may be live per process because
// the firmware command layer is global.
type Board struct {
	cfg Config

	mu        sync.Mutex
	in        *protocol.FifoBuffer
	out       *protocol.ScratchOutput
	transport *protocol.Transport
	periphs   map[core.SPIBusID]*sim.Peripheral
	pins      map[core.GPIOPin]bool
	clock     uint32
	resets    int

	toHost    chan []byte
	pending   []byte
	closed    chan struct{}
	closeOnce sync.Once
}

// New resets the firmware state and boots a board.
func New(cfg Config) (*Board, error) {
	if cfg.MaxPolls <= 0 {
		cfg.MaxPolls = 256
	}
	pool, err := core.NewJobPool(cfg.Pool)
	if err != nil {
		return nil, err
	}

	b := &Board{
		cfg:     cfg,
		in:      protocol.NewFifoBuffer(1024),
		out:     protocol.NewScratchOutput(),
		periphs: make(map[core.SPIBusID]*sim.Peripheral),
		pins:    make(map[core.GPIOPin]bool),
		toHost:  make(chan []byte, 64),
		closed:  make(chan struct{}),
	}

	core.ResetSPI()
	core.ResetDigitalOut()
	core.ResetFirmwareState()
	core.SetTime(0)

	core.InitCoreCommands()
	core.InitGPIOCommands()
	core.InitSPICommands(pool, cfg.Driver)
	core.RegisterConstant("MCU", "sim")
	core.GetGlobalDictionary().Build()

	core.SetGPIODriver(b)
	core.SetSPIProvider(b)
	core.SetResetHandler(b.reset)

	b.transport = protocol.NewTransport(b.out, core.DispatchCommand)
	b.transport.SetResetCallback(core.ResetFirmwareState)
	core.SetGlobalTransport(b.transport)
	return b, nil
}

// Write feeds host bytes to the firmware and runs the engines until every
// bus is idle or MaxPolls passes have run.
func (b *Board) Write(p []byte) (int, error) {
	select {
	case <-b.closed:
		return 0, ErrClosed
	default:
	}

	b.mu.Lock()
	if b.in.Write(p) != len(p) {
		b.mu.Unlock()
		return 0, io.ErrShortWrite
	}
	b.transport.Receive(b.in)
	b.runLocked()
	out := b.takeOutputLocked()
	b.mu.Unlock()

	if len(out) > 0 {
		select {
		case b.toHost <- out:
		case <-b.closed:
			return 0, ErrClosed
		}
	}
	return len(p), nil
}

// Poll advances the board without host input and delivers any responses.
func (b *Board) Poll() {
	b.mu.Lock()
	b.runLocked()
	out := b.takeOutputLocked()
	b.mu.Unlock()
	if len(out) > 0 {
		select {
		case b.toHost <- out:
		case <-b.closed:
		}
	}
}

func (b *Board) runLocked() {
	for i := 0; i < b.cfg.MaxPolls; i++ {
		b.clock += TickStep
		core.SetTime(b.clock)
		core.ProcessTimers()
		core.SPITasks()
		if b.idleLocked() {
			break
		}
	}
	core.CheckPendingReset()
}

func (b *Board) idleLocked() bool {
	for _, d := range core.SPIDrivers() {
		if d.Status() == core.SysBusy {
			return false
		}
	}
	return true
}

func (b *Board) takeOutputLocked() []byte {
	res := b.out.Result()
	if len(res) == 0 {
		return nil
	}
	out := append([]byte(nil), res...)
	b.out.Reset()
	return out
}

// Read returns bytes the firmware sent to the host.
func (b *Board) Read(p []byte) (int, error) {
	if len(b.pending) == 0 {
		select {
		case data := <-b.toHost:
			b.pending = data
		case <-b.closed:
			return 0, io.EOF
		}
	}
	n := copy(p, b.pending)
	b.pending = b.pending[n:]
	return n, nil
}

// Close stops the board. Pending reads return io.EOF.
func (b *Board) Close() error {
	b.closeOnce.Do(func() { close(b.closed) })
	return nil
}

// Flush satisfies serial.Port.
func (b *Board) Flush() error {
	return nil
}

// Peripheral returns the simulated master of bus, once configured.
func (b *Board) Peripheral(bus core.SPIBusID) *sim.Peripheral {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.periphs[bus]
}

// Pin returns the last level driven on pin.
func (b *Board) Pin(pin core.GPIOPin) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.pins[pin]
}

// Resets counts reset commands handled.
func (b *Board) Resets() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.resets
}

// LinkStats returns the firmware side frame counters.
func (b *Board) LinkStats() protocol.Stats {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.transport.Stats()
}

// reset runs from CheckPendingReset with b.mu held.
func (b *Board) reset() {
	b.resets++
	core.ResetSPI()
	core.ResetDigitalOut()
	core.ResetFirmwareState()
	b.transport.Reset()
}

// ConfigureBus implements core.SPIBusProvider.
func (b *Board) ConfigureBus(config core.SPIConfig) (core.Peripheral, error) {
	slave := b.cfg.Slaves[config.BusID]
	p := sim.New(slave, b.cfg.Periph)
	b.periphs[config.BusID] = p
	return p, nil
}

// GetBusInfo implements core.SPIBusProvider.
func (b *Board) GetBusInfo() map[core.SPIBusID]string {
	info := make(map[core.SPIBusID]string)
	for i := 0; i < b.cfg.Pool.Instances; i++ {
		info[core.SPIBusID(i)] = "sim" + string(rune('0'+i))
	}
	return info
}

// ConfigureOutput implements core.GPIODriver.
func (b *Board) ConfigureOutput(pin core.GPIOPin) error {
	return nil
}

// SetPin implements core.GPIODriver.
func (b *Board) SetPin(pin core.GPIOPin, value bool) error {
	b.pins[pin] = value
	return nil
}

// GetPin implements core.GPIODriver.
func (b *Board) GetPin(pin core.GPIOPin) (bool, error) {
	return b.pins[pin], nil
}
