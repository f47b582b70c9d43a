//go:build rp2040

package main

import (
	"machine"
	"time"

	"spiq/core"
	"spiq/protocol"
)

var (
	// Buffers for communication
	inputBuffer  *protocol.FifoBuffer
	outputBuffer *protocol.ScratchOutput
	transport    *protocol.Transport

	// Debug counters
	messagesReceived uint32
	messagesSent     uint32
	msgerrors        uint32

	// USB connection state tracking
	usbWasDisconnected       bool
	consecutiveWriteFailures uint32
)

// Two hardware SSP blocks plus two PIO buses may be active at once. Each
// gets a queue of up to 8 jobs with 64 byte inline transfers.
func poolConfig() core.PoolConfig {
	cfg := core.DefaultPoolConfig()
	cfg.Instances = 4
	cfg.ElementsPerQueue = 8
	cfg.InlineSize = 64
	return cfg
}

func driverTemplate() core.DriverConfig {
	cfg := core.DefaultDriverConfig()
	cfg.MaxJobs = 8
	cfg.ReserveJobs = 2
	cfg.StallTicks = 100000 // 100ms at 1MHz
	return cfg
}

func main() {
	// Disable the watchdog left over from a previous reset
	err := machine.Watchdog.Configure(machine.WatchdogConfig{TimeoutMillis: 0})
	if err != nil {
		return
	}

	InitUSB()
	InitDebugUART()
	InitClock()

	pool, err := core.NewJobPool(poolConfig())
	if err != nil {
		core.DebugPrintln("job pool: " + err.Error())
		return
	}

	core.InitCoreCommands()
	core.InitGPIOCommands()
	core.InitSPICommands(pool, driverTemplate())
	registerPinEnumeration()
	registerBusEnumeration()

	core.SetGPIODriver(NewRPGPIODriver())
	core.SetSPIProvider(NewRP2040SPIProvider())

	// Build and cache dictionary after all commands registered
	core.GetGlobalDictionary().Build()

	inputBuffer = protocol.NewFifoBuffer(256)
	outputBuffer = protocol.NewScratchOutput()

	transport = protocol.NewTransport(outputBuffer, core.DispatchCommand)
	transport.SetResetCallback(func() {
		inputBuffer.Reset()
		outputBuffer.Reset()
		core.ResetFirmwareState()
	})
	// ACKs must reach the host before any response
	transport.SetFlushCallback(writeUSB)
	core.SetGlobalTransport(transport)

	// A watchdog reset re-enumerates USB more reliably than SYSRESETREQ
	core.SetResetHandler(func() {
		if err := machine.Watchdog.Configure(machine.WatchdogConfig{TimeoutMillis: 1}); err != nil {
			return
		}
		if err := machine.Watchdog.Start(); err != nil {
			return
		}
		for {
			time.Sleep(1 * time.Millisecond)
		}
	})

	go usbReaderLoop()

	for {
		func() {
			defer func() {
				if r := recover(); r != nil {
					msgerrors++
					inputBuffer.Reset()
					outputBuffer.Reset()
				}
			}()

			UpdateSystemTime()

			// The reader goroutine only runs while this loop sleeps, so the
			// FIFO is not written during Receive.
			if inputBuffer.Available() > 0 {
				transport.Receive(inputBuffer)
				messagesReceived++
			}

			// Advance every bus engine; completions queue responses
			core.SPITasks()

			if len(outputBuffer.Result()) > 0 {
				writeUSB()
				messagesSent++
			}

			// Runs after the ACK went out so the host sees it before reset
			core.CheckPendingReset()

			core.ProcessTimers()
		}()

		// Yield to the USB reader
		time.Sleep(10 * time.Microsecond)
	}
}

// usbReaderLoop moves bytes from USB into inputBuffer
func usbReaderLoop() {
	defer func() {
		if r := recover(); r != nil {
			msgerrors++
			time.Sleep(100 * time.Millisecond)
			go usbReaderLoop()
		}
	}()

	for {
		if USBAvailable() > 0 {
			data, err := USBRead()
			if err != nil {
				msgerrors++
				time.Sleep(1 * time.Millisecond)
				continue
			}

			// First byte after a disconnect starts a fresh session
			if usbWasDisconnected {
				usbWasDisconnected = false
				inputBuffer.Reset()
				outputBuffer.Reset()
				transport.Reset()
				core.ResetFirmwareState()
				messagesReceived = 0
				messagesSent = 0
				consecutiveWriteFailures = 0
			}

			if inputBuffer.Write([]byte{data}) == 0 {
				msgerrors++
				time.Sleep(10 * time.Millisecond)
			}
		}
		time.Sleep(100 * time.Microsecond)
	}
}

// registerPinEnumeration names GPIO0-GPIO29 for chip select and control lines
func registerPinEnumeration() {
	pinNames := make([]string, 30)
	for i := range pinNames {
		pinNames[i] = "gpio" + itoa(i)
	}
	core.RegisterEnumeration("pin", pinNames)
}

// itoa converts int to string without importing strconv
func itoa(i int) string {
	if i == 0 {
		return "0"
	}
	var buf [12]byte
	pos := len(buf)
	for i > 0 {
		pos--
		buf[pos] = byte('0' + i%10)
		i /= 10
	}
	return string(buf[pos:])
}

// writeUSB drains outputBuffer to USB. Repeated failures mark the link as
// disconnected and drop stale data.
func writeUSB() {
	result := outputBuffer.Result()
	written := 0
	for written < len(result) {
		n, err := USBWriteBytes(result[written:])
		if err != nil || n == 0 {
			consecutiveWriteFailures++
			if consecutiveWriteFailures > 10 {
				usbWasDisconnected = true
				consecutiveWriteFailures = 0
				outputBuffer.Reset()
				inputBuffer.Reset()
			}
			return
		}
		written += n
	}
	consecutiveWriteFailures = 0
	outputBuffer.Reset()
}
