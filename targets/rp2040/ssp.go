//go:build rp2040

package main

import (
	"device/rp"
	"machine"
)

// sspPeripheral exposes one PL022 SSP block register by register. The
// transfer engine keeps a single symbol in flight, so the FIFOs never hold
// more than one byte each.
type sspPeripheral struct {
	spi *machine.SPI
}

func newSSPPeripheral(spi *machine.SPI) *sspPeripheral {
	return &sspPeripheral{spi: spi}
}

func (p *sspPeripheral) TransmitBufferIsEmpty() bool {
	return p.spi.Bus.SSPSR.HasBits(rp.SPI0_SSPSR_TFE)
}

func (p *sspPeripheral) ReceiverBufferIsFull() bool {
	return p.spi.Bus.SSPSR.HasBits(rp.SPI0_SSPSR_RNE)
}

func (p *sspPeripheral) BufferWrite(b byte) {
	p.spi.Bus.SSPDR.Set(uint32(b))
}

func (p *sspPeripheral) BufferRead() byte {
	return byte(p.spi.Bus.SSPDR.Get())
}

func (p *sspPeripheral) ReceiverHasOverflowed() bool {
	return p.spi.Bus.SSPRIS.HasBits(rp.SPI0_SSPRIS_RORRIS)
}

func (p *sspPeripheral) BufferClear() {
	for p.spi.Bus.SSPSR.HasBits(rp.SPI0_SSPSR_RNE) {
		p.spi.Bus.SSPDR.Get()
	}
}

func (p *sspPeripheral) ReceiverOverflowClear() {
	p.spi.Bus.SSPICR.Set(rp.SPI0_SSPICR_RORIC)
}

// SetBaudRate reprograms the prescaler; the engine calls it between jobs.
func (p *sspPeripheral) SetBaudRate(hz uint32) error {
	return p.spi.SetBaudRate(hz)
}

func (p *sspPeripheral) Enable() {
	p.spi.Bus.SSPCR1.SetBits(rp.SPI0_SSPCR1_SSE)
}

func (p *sspPeripheral) Disable() {
	p.spi.Bus.SSPCR1.ClearBits(rp.SPI0_SSPCR1_SSE)
}
