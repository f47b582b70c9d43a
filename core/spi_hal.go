package core

// SPIBusID identifies a hardware SPI bus configuration
type SPIBusID uint8

// SPIMode represents SPI clock polarity and phase (0-3)
// Mode 0: CPOL=0, CPHA=0 (clock idle low, sample on rising edge)
// Mode 1: CPOL=0, CPHA=1 (clock idle low, sample on falling edge)
// Mode 2: CPOL=1, CPHA=0 (clock idle high, sample on falling edge)
// Mode 3: CPOL=1, CPHA=1 (clock idle high, sample on rising edge)
type SPIMode uint8

// SPIConfig holds the configuration for an SPI bus
type SPIConfig struct {
	BusID SPIBusID // Hardware bus identifier
	Mode  SPIMode  // SPI mode (0-3)
	Rate  uint32   // Clock rate in Hz
}

// Peripheral is the register-level capability set of a byte-oriented SPI
// master. The transfer engine only ever talks to hardware through it.
type Peripheral interface {
	// TransmitBufferIsEmpty reports whether BufferWrite may be called
	TransmitBufferIsEmpty() bool

	// ReceiverBufferIsFull reports whether a received byte is waiting
	ReceiverBufferIsFull() bool

	// BufferWrite pushes one byte into the transmit FIFO
	BufferWrite(b byte)

	// BufferRead pops one byte from the receive FIFO
	BufferRead() byte

	// ReceiverHasOverflowed reports a receive overrun
	ReceiverHasOverflowed() bool

	// BufferClear discards anything left in the receive FIFO
	BufferClear()

	// ReceiverOverflowClear acknowledges a receive overrun
	ReceiverOverflowClear()
}

// BaudRateSetter is implemented by peripherals that can change their clock
// between jobs.
type BaudRateSetter interface {
	SetBaudRate(hz uint32) error
}

// Enabler is implemented by peripherals that need explicit power up/down.
type Enabler interface {
	Enable()
	Disable()
}

// SPIBusProvider hands out peripherals for the buses a target exposes.
// Platform-specific implementations handle actual hardware control.
type SPIBusProvider interface {
	// ConfigureBus sets up a hardware SPI bus with specified parameters
	ConfigureBus(config SPIConfig) (Peripheral, error)

	// GetBusInfo returns human-readable descriptions of available buses
	GetBusInfo() map[SPIBusID]string
}

// Global singleton used by core code
var spiProvider SPIBusProvider

// SetSPIProvider is called by target-specific code to register its buses
func SetSPIProvider(p SPIBusProvider) {
	spiProvider = p
}

// MustSPI returns the configured bus provider or panics if missing
func MustSPI() SPIBusProvider {
	if spiProvider == nil {
		panic("SPI provider not configured")
	}
	return spiProvider
}
