//go:build rp2040

package main

import (
	"machine"
	"time"
)

// softPeripheral bit-bangs SPI on any three GPIOs. BufferWrite clocks the
// whole byte out synchronously and latches what came back, so the engine
// sees the same one symbol handshake as on the hardware blocks.
type softPeripheral struct {
	sclk machine.Pin
	mosi machine.Pin
	miso machine.Pin

	cpol bool // Clock idles high
	cpha bool // Sample on the second edge

	halfPeriod time.Duration

	rx       byte
	rxFull   bool
	overflow bool
}

func newSoftPeripheral(sclk, mosi, miso machine.Pin, mode uint8, rate uint32) *softPeripheral {
	p := &softPeripheral{
		sclk: sclk,
		mosi: mosi,
		miso: miso,
		cpol: mode&2 != 0,
		cpha: mode&1 != 0,
	}
	p.SetBaudRate(rate)

	sclk.Configure(machine.PinConfig{Mode: machine.PinOutput})
	mosi.Configure(machine.PinConfig{Mode: machine.PinOutput})
	miso.Configure(machine.PinConfig{Mode: machine.PinInput})
	sclk.Set(p.cpol)
	mosi.Low()
	return p
}

func (p *softPeripheral) TransmitBufferIsEmpty() bool { return true }

func (p *softPeripheral) ReceiverBufferIsFull() bool { return p.rxFull }

// BufferWrite shifts b out MSB first. Writing over an unread byte flags an
// overrun like the SSP does.
func (p *softPeripheral) BufferWrite(b byte) {
	if p.rxFull {
		p.overflow = true
	}
	var in byte
	for bit := 7; bit >= 0; bit-- {
		p.mosi.Set(b&(1<<bit) != 0)
		if !p.cpha && p.miso.Get() {
			in |= 1 << bit
		}
		p.sclk.Set(!p.cpol)
		time.Sleep(p.halfPeriod)
		if p.cpha && p.miso.Get() {
			in |= 1 << bit
		}
		p.sclk.Set(p.cpol)
		time.Sleep(p.halfPeriod)
	}
	p.rx = in
	p.rxFull = true
}

func (p *softPeripheral) BufferRead() byte {
	p.rxFull = false
	return p.rx
}

func (p *softPeripheral) ReceiverHasOverflowed() bool { return p.overflow }

func (p *softPeripheral) BufferClear() { p.rxFull = false }

func (p *softPeripheral) ReceiverOverflowClear() { p.overflow = false }

// SetBaudRate sets the half bit delay; 0 falls back to 100kHz.
func (p *softPeripheral) SetBaudRate(hz uint32) error {
	if hz == 0 {
		p.halfPeriod = 5 * time.Microsecond
		return nil
	}
	p.halfPeriod = time.Duration(500000000/hz) * time.Nanosecond
	return nil
}
