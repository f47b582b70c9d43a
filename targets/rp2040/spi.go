//go:build rp2040

package main

import (
	"errors"
	"machine"

	rp2pio "github.com/tinygo-org/pio/rp2-pio"

	"spiq/core"
)

var (
	errInvalidBus  = errors.New("invalid SPI bus ID")
	errInvalidMode = errors.New("invalid SPI mode")
	errInvalidPin  = errors.New("invalid GPIO pin")
)

// spiBusConfig selects the controller and pins behind a bus ID. Hardware
// buses follow the usual RP2040 pin groups, PIO buses borrow a state machine
// and the rest bit-bang.
type spiBusConfig struct {
	spi  *machine.SPI // nil for PIO and software buses
	pio  *rp2pio.PIO  // nil for hardware and software buses
	sm   uint8
	sck  machine.Pin
	mosi machine.Pin
	miso machine.Pin
	name string
}

var rp2040SPIBuses = map[core.SPIBusID]spiBusConfig{
	// SPI0 configurations
	0: {spi: machine.SPI0, sck: machine.GPIO2, mosi: machine.GPIO3, miso: machine.GPIO0, name: "spi0a"},
	1: {spi: machine.SPI0, sck: machine.GPIO6, mosi: machine.GPIO7, miso: machine.GPIO4, name: "spi0b"},
	2: {spi: machine.SPI0, sck: machine.GPIO18, mosi: machine.GPIO19, miso: machine.GPIO16, name: "spi0c"},
	3: {spi: machine.SPI0, sck: machine.GPIO22, mosi: machine.GPIO23, miso: machine.GPIO20, name: "spi0d"},
	4: {spi: machine.SPI0, sck: machine.GPIO2, mosi: machine.GPIO3, miso: machine.GPIO4, name: "spi0e"},

	// SPI1 configurations
	5: {spi: machine.SPI1, sck: machine.GPIO10, mosi: machine.GPIO11, miso: machine.GPIO8, name: "spi1a"},
	6: {spi: machine.SPI1, sck: machine.GPIO14, mosi: machine.GPIO15, miso: machine.GPIO12, name: "spi1b"},
	7: {spi: machine.SPI1, sck: machine.GPIO26, mosi: machine.GPIO27, miso: machine.GPIO24, name: "spi1c"},
	8: {spi: machine.SPI1, sck: machine.GPIO10, mosi: machine.GPIO11, miso: machine.GPIO12, name: "spi1d"},

	// PIO configurations
	16: {pio: rp2pio.PIO0, sm: 0, sck: machine.GPIO21, mosi: machine.GPIO22, miso: machine.GPIO20, name: "pio0a"},
	17: {pio: rp2pio.PIO1, sm: 0, sck: machine.GPIO13, mosi: machine.GPIO14, miso: machine.GPIO15, name: "pio1a"},

	// Software configurations
	24: {sck: machine.GPIO17, mosi: machine.GPIO1, miso: machine.GPIO5, name: "soft0"},
}

// RP2040SPIProvider hands out register level peripherals for the buses.
type RP2040SPIProvider struct {
	configured map[core.SPIBusID]core.Peripheral
}

// NewRP2040SPIProvider creates a new RP2040 SPI bus provider
func NewRP2040SPIProvider() *RP2040SPIProvider {
	return &RP2040SPIProvider{
		configured: make(map[core.SPIBusID]core.Peripheral),
	}
}

// ConfigureBus muxes the pins of a bus and returns its peripheral. A bus is
// configured once; later devices reuse it and set their own clock per job.
func (p *RP2040SPIProvider) ConfigureBus(config core.SPIConfig) (core.Peripheral, error) {
	if periph, exists := p.configured[config.BusID]; exists {
		return periph, nil
	}
	bus, exists := rp2040SPIBuses[config.BusID]
	if !exists {
		return nil, errInvalidBus
	}
	if config.Mode > 3 {
		return nil, errInvalidMode
	}

	var periph core.Peripheral
	switch {
	case bus.pio != nil:
		pp, err := newPIOPeripheral(bus.pio.StateMachine(bus.sm), bus.sck, bus.mosi, bus.miso,
			uint8(config.Mode), config.Rate)
		if err != nil {
			return nil, err
		}
		periph = pp
	case bus.spi == nil:
		periph = newSoftPeripheral(bus.sck, bus.mosi, bus.miso, uint8(config.Mode), config.Rate)
	default:
		err := bus.spi.Configure(machine.SPIConfig{
			Frequency: config.Rate,
			SCK:       bus.sck,
			SDO:       bus.mosi,
			SDI:       bus.miso,
			Mode:      uint8(config.Mode),
		})
		if err != nil {
			return nil, err
		}
		periph = newSSPPeripheral(bus.spi)
	}
	p.configured[config.BusID] = periph
	return periph, nil
}

// GetBusInfo returns information about available SPI buses
func (p *RP2040SPIProvider) GetBusInfo() map[core.SPIBusID]string {
	info := make(map[core.SPIBusID]string)
	for id, config := range rp2040SPIBuses {
		info[id] = config.name
	}
	return info
}

// registerBusEnumeration publishes the bus names so hosts can refer to
// buses by name.
func registerBusEnumeration() {
	names := make([]string, 25)
	for id, config := range rp2040SPIBuses {
		names[id] = config.name
	}
	core.RegisterEnumeration("spi_bus", names)
}
