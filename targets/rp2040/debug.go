//go:build rp2040

package main

import (
	"machine"

	"spiq/core"
)

var debugUART *machine.UART

// InitDebugUART routes core debug output to UART0 on GPIO28 (TX) and
// GPIO29 (RX) at 115200 baud, pins no SPI bus uses.
func InitDebugUART() {
	uart := machine.UART0
	err := uart.Configure(machine.UARTConfig{
		BaudRate: 115200,
		TX:       machine.GPIO28,
		RX:       machine.GPIO29,
	})
	if err != nil {
		return
	}
	debugUART = uart

	core.SetDebugWriter(debugPrintln)
	core.SetDebugEnabled(true)
	core.DebugPrintln("=== spiq debug UART ===")
}

func debugPrintln(s string) {
	if debugUART == nil {
		return
	}
	debugUART.Write([]byte(s))
	debugUART.Write([]byte("\r\n"))
}
