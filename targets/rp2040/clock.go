//go:build rp2040

package main

import (
	"runtime/volatile"
	"unsafe"

	"spiq/core"
)

// TIMER peripheral, a free running 1MHz counter
const (
	timerBase     = 0x40054000
	timerTIMERAWL = timerBase + 0x0C // Raw timer low word
)

var timerRAWL = (*volatile.Register32)(unsafe.Pointer(uintptr(timerTIMERAWL)))

// InitClock registers the MCU constant.
func InitClock() {
	core.RegisterConstant("MCU", "rp2040")
}

// UpdateSystemTime copies the low word of the hardware timer into the core
// clock. Called once per main loop pass.
func UpdateSystemTime() {
	core.SetTime(timerRAWL.Get())
}
