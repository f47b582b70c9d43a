// SPI command layer. Host commands are turned into queued jobs; responses
// are sent from the completion handlers while the main loop polls SPITasks.
package core

import (
	"errors"

	"spiq/protocol"
	"spiq/queue"
)

// SPI device flags
const (
	SF_CS_ACTIVE_HIGH = 0x02 // Chip select active high (default is active low)
	SF_HAVE_PIN       = 0x04 // Has chip select pin
)

// Status codes carried by spi_transfer_response and spi_send_error
const (
	SPIStatusOK       = 0 // Transfer completed
	SPIStatusError    = 1 // Receive overflow aborted the transfer
	SPIStatusNoMemory = 2 // Queue full, host should retry
	SPIStatusInvalid  = 3 // Unknown oid, bus not set, or payload too large
)

// SPIDevice is one configured chip on a bus
type SPIDevice struct {
	OID   uint8
	Flags uint8
	Pin   GPIOPin

	BusID SPIBusID
	Mode  SPIMode
	Rate  uint32

	ShutdownMsg []byte

	client *Client
}

var (
	spiDevices  = make(map[uint8]*SPIDevice)
	spiBuses    = make(map[SPIBusID]*Driver)
	spiBusOrder []*Driver

	spiPool     *JobPool
	spiTemplate DriverConfig
)

// InitSPICommands registers the SPI commands. Every bus configured later gets
// a driver instance in pool built from template.
func InitSPICommands(pool *JobPool, template DriverConfig) {
	spiPool = pool
	spiTemplate = template

	RegisterCommand("config_spi", "oid=%c pin=%u cs_active_high=%c", handleConfigSPI)
	RegisterCommand("config_spi_without_cs", "oid=%c", handleConfigSPIWithoutCS)
	RegisterCommand("spi_set_bus", "oid=%c spi_bus=%u mode=%u rate=%u", handleSPISetBus)
	RegisterCommand("config_spi_shutdown", "oid=%c spi_oid=%c shutdown_msg=%*s", handleConfigSPIShutdown)
	RegisterCommand("spi_transfer", "oid=%c data=%*s", handleSPITransfer)
	RegisterCommand("spi_send", "oid=%c data=%*s", handleSPISend)
	RegisterCommand("spi_queue_status", "oid=%c", handleSPIQueueStatus)

	RegisterResponse("spi_transfer_response", "oid=%c status=%c response=%*s")
	RegisterResponse("spi_send_error", "oid=%c status=%c")
	RegisterResponse("spi_queue_status_response", "oid=%c allocated=%u enqueued=%u alloc_hw=%u oom=%u")

	RegisterConstant("SPI_INLINE_MAX", uint32(pool.InlineSize()))
}

// SPITasks runs the transfer engine of every configured bus
func SPITasks() {
	for _, d := range spiBusOrder {
		d.Tasks()
	}
}

// SPIDrivers returns the driver instances in configuration order
func SPIDrivers() []*Driver {
	return spiBusOrder
}

// ResetSPI tears down every bus and forgets all devices
func ResetSPI() {
	for _, d := range spiBusOrder {
		d.Deinitialize()
	}
	spiDevices = make(map[uint8]*SPIDevice)
	spiBuses = make(map[SPIBusID]*Driver)
	spiBusOrder = nil
}

// handleConfigSPI configures a device with a chip select pin
// Format: config_spi oid=%c pin=%u cs_active_high=%c
func handleConfigSPI(data *[]byte) error {
	oid, err := protocol.DecodeVLQUint(data)
	if err != nil {
		return err
	}
	pin, err := protocol.DecodeVLQUint(data)
	if err != nil {
		return err
	}
	csActiveHigh, err := protocol.DecodeVLQUint(data)
	if err != nil {
		return err
	}

	dev := &SPIDevice{
		OID:   uint8(oid),
		Flags: SF_HAVE_PIN,
		Pin:   GPIOPin(pin),
	}
	if csActiveHigh != 0 {
		dev.Flags |= SF_CS_ACTIVE_HIGH
	}

	if err := MustGPIO().ConfigureOutput(dev.Pin); err != nil {
		return err
	}
	if err := dev.setCS(false); err != nil {
		return err
	}

	spiDevices[dev.OID] = dev
	return nil
}

// handleConfigSPIWithoutCS configures a device without a chip select pin
// Format: config_spi_without_cs oid=%c
func handleConfigSPIWithoutCS(data *[]byte) error {
	oid, err := protocol.DecodeVLQUint(data)
	if err != nil {
		return err
	}
	spiDevices[uint8(oid)] = &SPIDevice{OID: uint8(oid)}
	return nil
}

// handleSPISetBus binds a device to a bus, creating the bus driver on first use
// Format: spi_set_bus oid=%c spi_bus=%u mode=%u rate=%u
func handleSPISetBus(data *[]byte) error {
	oid, err := protocol.DecodeVLQUint(data)
	if err != nil {
		return err
	}
	spiBus, err := protocol.DecodeVLQUint(data)
	if err != nil {
		return err
	}
	mode, err := protocol.DecodeVLQUint(data)
	if err != nil {
		return err
	}
	rate, err := protocol.DecodeVLQUint(data)
	if err != nil {
		return err
	}

	dev, exists := spiDevices[uint8(oid)]
	if !exists {
		return nil
	}
	dev.BusID = SPIBusID(spiBus)
	dev.Mode = SPIMode(mode)
	dev.Rate = rate

	d, err := spiBusDriver(SPIConfig{BusID: dev.BusID, Mode: dev.Mode, Rate: rate})
	if err != nil {
		return err
	}

	cc := ClientConfig{BaudRate: rate}
	if dev.Flags&SF_HAVE_PIN != 0 {
		cc.OperationStarting = dev.assertCS
		cc.OperationEnded = dev.releaseCS
	}
	if dev.client != nil && dev.client.Driver() == d {
		dev.client.Configure(cc)
		return nil
	}
	dev.client, err = d.Open(cc)
	return err
}

// spiBusDriver returns the driver of a bus, configuring it on first use.
// The first device on a bus decides its mode.
func spiBusDriver(config SPIConfig) (*Driver, error) {
	if d, ok := spiBuses[config.BusID]; ok {
		return d, nil
	}
	if spiPool == nil {
		return nil, ErrNotInitialized
	}

	periph, err := MustSPI().ConfigureBus(config)
	if err != nil {
		return nil, err
	}
	cfg := spiTemplate
	cfg.Name = "spi" + itoa(int(config.BusID))
	cfg.ID = uint8(config.BusID)
	cfg.BaudRate = config.Rate
	d, err := NewDriver(spiPool, periph, cfg)
	if err != nil {
		return nil, err
	}
	spiBuses[config.BusID] = d
	spiBusOrder = append(spiBusOrder, d)
	return d, nil
}

// handleConfigSPIShutdown stores a message sent to the device on shutdown
// Format: config_spi_shutdown oid=%c spi_oid=%c shutdown_msg=%*s
func handleConfigSPIShutdown(data *[]byte) error {
	if _, err := protocol.DecodeVLQUint(data); err != nil {
		return err
	}
	spiOID, err := protocol.DecodeVLQUint(data)
	if err != nil {
		return err
	}
	msg, err := protocol.DecodeVLQBytes(data)
	if err != nil {
		return err
	}

	dev, exists := spiDevices[uint8(spiOID)]
	if !exists {
		return nil
	}
	dev.ShutdownMsg = append([]byte(nil), msg...)
	return nil
}

// handleSPITransfer queues a duplex transfer; the reply is sent on completion
// Format: spi_transfer oid=%c data=%*s
// Response: spi_transfer_response oid=%c status=%c response=%*s
func handleSPITransfer(data *[]byte) error {
	oid, err := protocol.DecodeVLQUint(data)
	if err != nil {
		return err
	}
	tx, err := protocol.DecodeVLQBytes(data)
	if err != nil {
		return err
	}

	dev, exists := spiDevices[uint8(oid)]
	if !exists || dev.client == nil {
		sendTransferResponse(uint8(oid), SPIStatusInvalid, nil)
		return nil
	}
	if _, err := dev.client.AddWriteReadInline(tx, len(tx), spiTransferDone, dev); err != nil {
		sendTransferResponse(dev.OID, spiErrorStatus(err), nil)
	}
	return nil
}

func spiTransferDone(ev Status, h JobHandle, ctx any) {
	dev := ctx.(*SPIDevice)
	if ev != StatusComplete {
		sendTransferResponse(dev.OID, SPIStatusError, nil)
		return
	}
	sendTransferResponse(dev.OID, SPIStatusOK, dev.client.Driver().JobData(h))
}

func sendTransferResponse(oid uint8, status uint32, rx []byte) {
	SendResponse("spi_transfer_response", func(output protocol.OutputBuffer) {
		protocol.EncodeVLQUint(output, uint32(oid))
		protocol.EncodeVLQUint(output, status)
		protocol.EncodeVLQBytes(output, rx)
	})
}

// handleSPISend queues a write; only failures are reported
// Format: spi_send oid=%c data=%*s
func handleSPISend(data *[]byte) error {
	oid, err := protocol.DecodeVLQUint(data)
	if err != nil {
		return err
	}
	tx, err := protocol.DecodeVLQBytes(data)
	if err != nil {
		return err
	}

	dev, exists := spiDevices[uint8(oid)]
	if !exists || dev.client == nil {
		sendSendError(uint8(oid), SPIStatusInvalid)
		return nil
	}
	if _, err := dev.client.AddWriteInline(tx, spiSendDone, dev); err != nil {
		sendSendError(dev.OID, spiErrorStatus(err))
	}
	return nil
}

func spiSendDone(ev Status, _ JobHandle, ctx any) {
	if ev != StatusComplete {
		sendSendError(ctx.(*SPIDevice).OID, SPIStatusError)
	}
}

func sendSendError(oid uint8, status uint32) {
	SendResponse("spi_send_error", func(output protocol.OutputBuffer) {
		protocol.EncodeVLQUint(output, uint32(oid))
		protocol.EncodeVLQUint(output, status)
	})
}

// handleSPIQueueStatus reports the queue counters of a device's bus
// Format: spi_queue_status oid=%c
func handleSPIQueueStatus(data *[]byte) error {
	oid, err := protocol.DecodeVLQUint(data)
	if err != nil {
		return err
	}
	dev, exists := spiDevices[uint8(oid)]
	if !exists || dev.client == nil {
		return nil
	}
	qs, err := dev.client.Driver().QueueStatus()
	if err != nil {
		return err
	}
	SendResponse("spi_queue_status_response", func(output protocol.OutputBuffer) {
		protocol.EncodeVLQUint(output, oid)
		protocol.EncodeVLQUint(output, qs.NumAlloc)
		protocol.EncodeVLQUint(output, qs.NumEnqueued)
		protocol.EncodeVLQUint(output, qs.NumAllocHW)
		protocol.EncodeVLQUint(output, qs.OutOfMemoryErrors)
	})
	return nil
}

func spiErrorStatus(err error) uint32 {
	if errors.Is(err, queue.ErrOutOfMemory) {
		return SPIStatusNoMemory
	}
	return SPIStatusInvalid
}

// setCS drives the chip select line to its active or inactive level
func (dev *SPIDevice) setCS(active bool) error {
	level := active == (dev.Flags&SF_CS_ACTIVE_HIGH != 0)
	return MustGPIO().SetPin(dev.Pin, level)
}

func (dev *SPIDevice) assertCS(Status, JobHandle, any) {
	if err := dev.setCS(true); err != nil {
		DebugPrintln("[SPI] cs assert failed: " + err.Error())
	}
}

func (dev *SPIDevice) releaseCS(Status, JobHandle, any) {
	if err := dev.setCS(false); err != nil {
		DebugPrintln("[SPI] cs release failed: " + err.Error())
	}
}

// ShutdownSPI queues the configured shutdown message of every device. The
// main loop keeps polling SPITasks, which sends them.
func ShutdownSPI() {
	for _, dev := range spiDevices {
		if dev.client == nil || len(dev.ShutdownMsg) == 0 {
			continue
		}
		if _, err := dev.client.AddWrite(dev.ShutdownMsg, nil, nil); err != nil {
			DebugPrintln("[SPI] shutdown message dropped for oid " + itoa(int(dev.OID)))
		}
	}
}
