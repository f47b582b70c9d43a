//go:build rp2040

package main

import (
	"errors"
	"machine"

	rp2pio "github.com/tinygo-org/pio/rp2-pio"
)

var errPIOMode = errors.New("pio spi supports modes 0 and 1 only")

// PIO program origin (-1 = let the allocator pick)
const pioSPIOrigin = -1

// buildPIOSPIProgram returns the two instruction loop clocking one bit per
// pass with SCK on side-set pin 0. Mode 1 samples on the falling edge by
// swapping the side-set levels.
func buildPIOSPIProgram(cpha bool) []uint16 {
	asm := rp2pio.AssemblerV0{SidesetBits: 1}
	lead, trail := uint8(0), uint8(1)
	if cpha {
		lead, trail = 1, 0
	}
	return []uint16{
		asm.Out(rp2pio.OutDestPins, 1).Side(lead).Delay(1).Encode(), // 0: out pins, 1 side lead [1]
		asm.In(rp2pio.InSrcPins, 1).Side(trail).Delay(1).Encode(),   // 1: in pins, 1 side trail [1]
	}
}

// pioPeripheral is a byte oriented SPI master built from one PIO state
// machine. Autopull and autopush at 8 bits make each FIFO entry one symbol.
type pioPeripheral struct {
	sm   rp2pio.StateMachine
	cpu  uint32
	sck  machine.Pin
	sdo  machine.Pin
	sdi  machine.Pin
	mode uint8
}

func newPIOPeripheral(sm rp2pio.StateMachine, sck, sdo, sdi machine.Pin, mode uint8, rate uint32) (*pioPeripheral, error) {
	if mode > 1 {
		return nil, errPIOMode
	}
	sm.TryClaim()
	p := &pioPeripheral{sm: sm, cpu: machine.CPUFrequency(), sck: sck, sdo: sdo, sdi: sdi, mode: mode}

	pio := sm.PIO()
	program := buildPIOSPIProgram(mode == 1)
	offset, err := pio.AddProgram(program, pioSPIOrigin)
	if err != nil {
		return nil, err
	}
	whole, frac, err := rp2pio.ClkDivFromFrequency(rate*4, p.cpu)
	if err != nil {
		return nil, err
	}

	cfg := rp2pio.DefaultStateMachineConfig()
	cfg.SetSidesetParams(1, false, false)
	cfg.SetWrap(offset+uint8(len(program))-1, offset)
	cfg.SetOutPins(sdo, 1)
	cfg.SetInPins(sdi)
	cfg.SetSidesetPins(sck)
	cfg.SetOutShift(false, true, 8)
	cfg.SetInShift(false, true, 8)
	cfg.SetClkDivIntFrac(whole, frac)

	pincfg := machine.PinConfig{Mode: pio.PinMode()}
	sck.Configure(pincfg)
	sdo.Configure(pincfg)
	sdi.Configure(pincfg)
	pio.HW().INPUT_SYNC_BYPASS.SetBits(1 << sdi)

	sm.Init(offset, cfg)
	outMask := uint32(1<<sck | 1<<sdo)
	sm.SetPinsMasked(0, outMask)
	sm.SetPindirsMasked(outMask, outMask|1<<sdi)
	sm.SetEnabled(true)
	return p, nil
}

func (p *pioPeripheral) TransmitBufferIsEmpty() bool {
	return p.sm.IsTxFIFOEmpty()
}

func (p *pioPeripheral) ReceiverBufferIsFull() bool {
	return !p.sm.IsRxFIFOEmpty()
}

// BufferWrite left aligns the byte since the OSR shifts out MSB first.
func (p *pioPeripheral) BufferWrite(b byte) {
	p.sm.TxPut(uint32(b) << 24)
}

func (p *pioPeripheral) BufferRead() byte {
	return byte(p.sm.RxGet())
}

// ReceiverHasOverflowed is always false: a full RX FIFO stalls the state
// machine instead of dropping bits.
func (p *pioPeripheral) ReceiverHasOverflowed() bool {
	return false
}

func (p *pioPeripheral) BufferClear() {
	for !p.sm.IsRxFIFOEmpty() {
		p.sm.RxGet()
	}
}

func (p *pioPeripheral) ReceiverOverflowClear() {}

// SetBaudRate changes the state machine divider. Each bit takes four PIO
// cycles.
func (p *pioPeripheral) SetBaudRate(hz uint32) error {
	whole, frac, err := rp2pio.ClkDivFromFrequency(hz*4, p.cpu)
	if err != nil {
		return err
	}
	p.sm.SetClkDiv(whole, frac)
	return nil
}

func (p *pioPeripheral) Enable() {
	p.sm.SetEnabled(true)
}

func (p *pioPeripheral) Disable() {
	p.sm.SetEnabled(false)
	p.sm.ClearFIFOs()
}
