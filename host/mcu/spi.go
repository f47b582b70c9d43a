package mcu

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"spiq/host/config"
)

// Status codes of spi_transfer_response and spi_send_error
const (
	SPIStatusOK       = 0
	SPIStatusError    = 1
	SPIStatusNoMemory = 2
	SPIStatusInvalid  = 3
)

var (
	ErrSPITransfer  = errors.New("spi transfer aborted")
	ErrSPIQueueFull = errors.New("spi queue full")
	ErrSPIInvalid   = errors.New("spi request rejected")
)

// SPIError carries the status of a failed request.
type SPIError struct {
	OID    uint8
	Status uint32
}

func (e *SPIError) Error() string {
	return fmt.Sprintf("spi oid %d: status %d", e.OID, e.Status)
}

// Unwrap maps the status to one of the sentinel errors.
func (e *SPIError) Unwrap() error {
	switch e.Status {
	case SPIStatusError:
		return ErrSPITransfer
	case SPIStatusNoMemory:
		return ErrSPIQueueFull
	default:
		return ErrSPIInvalid
	}
}

// QueueStatus is the spi_queue_status_response of one bus.
type QueueStatus struct {
	Allocated   uint32
	Enqueued    uint32
	AllocHW     uint32
	OutOfMemory uint32
}

// ConfigureSPI sets up a device from the host configuration.
func (m *MCU) ConfigureSPI(ctx context.Context, dev config.SPIDevice) error {
	var err error
	if dev.CSPin != nil {
		err = m.SendCommand(ctx, "config_spi", dev.OID, *dev.CSPin, dev.CSActiveHigh)
	} else {
		err = m.SendCommand(ctx, "config_spi_without_cs", dev.OID)
	}
	if err != nil {
		return err
	}
	if err := m.SendCommand(ctx, "spi_set_bus", dev.OID, dev.Bus, dev.Mode, dev.Rate); err != nil {
		return err
	}
	if dev.ShutdownMsg != "" {
		msg, err := hex.DecodeString(dev.ShutdownMsg)
		if err != nil {
			return fmt.Errorf("oid %d shutdown_msg: %w", dev.OID, err)
		}
		if err := m.SendCommand(ctx, "config_spi_shutdown", dev.OID, dev.OID, msg); err != nil {
			return err
		}
	}
	m.log.Info("spi device configured",
		zap.String("name", dev.Name),
		zap.Uint8("oid", dev.OID),
		zap.Uint32("bus", dev.Bus),
		zap.Uint32("rate", dev.Rate))
	return nil
}

// Transfer clocks data out and returns what came back.
func (m *MCU) Transfer(ctx context.Context, oid uint8, data []byte) ([]byte, error) {
	p, err := m.Query(ctx, "spi_transfer", []interface{}{oid, data}, "spi_transfer_response",
		func(p Params) bool { return p.Uint("oid") == uint32(oid) })
	if err != nil {
		return nil, err
	}
	if status := p.Uint("status"); status != SPIStatusOK {
		return nil, &SPIError{OID: oid, Status: status}
	}
	return p.Bytes("response"), nil
}

// Send queues a write. Failures arrive later as spi_send_error and are
// delivered to the handler set with OnSendError.
func (m *MCU) Send(ctx context.Context, oid uint8, data []byte) error {
	return m.SendCommand(ctx, "spi_send", oid, data)
}

// OnSendError registers a handler for asynchronous spi_send failures.
func (m *MCU) OnSendError(handler func(*SPIError)) {
	m.OnResponse("spi_send_error", func(p Params) {
		e := &SPIError{OID: uint8(p.Uint("oid")), Status: p.Uint("status")}
		m.log.Warn("spi send failed", zap.Uint8("oid", e.OID), zap.Uint32("status", e.Status))
		handler(e)
	})
}

// SPIQueueStatus reads the queue counters of the bus behind oid.
func (m *MCU) SPIQueueStatus(ctx context.Context, oid uint8) (QueueStatus, error) {
	p, err := m.Query(ctx, "spi_queue_status", []interface{}{oid}, "spi_queue_status_response",
		func(p Params) bool { return p.Uint("oid") == uint32(oid) })
	if err != nil {
		return QueueStatus{}, err
	}
	return QueueStatus{
		Allocated:   p.Uint("allocated"),
		Enqueued:    p.Uint("enqueued"),
		AllocHW:     p.Uint("alloc_hw"),
		OutOfMemory: p.Uint("oom"),
	}, nil
}

// GetClock returns the board clock.
func (m *MCU) GetClock(ctx context.Context) (uint32, error) {
	p, err := m.Query(ctx, "get_clock", nil, "clock", nil)
	if err != nil {
		return 0, err
	}
	return p.Uint("clock"), nil
}

// ConfigState is the config response.
type ConfigState struct {
	IsConfig   bool
	CRC        uint32
	IsShutdown bool
}

// GetConfig returns the configuration state of the board.
func (m *MCU) GetConfig(ctx context.Context) (ConfigState, error) {
	p, err := m.Query(ctx, "get_config", nil, "config", nil)
	if err != nil {
		return ConfigState{}, err
	}
	return ConfigState{
		IsConfig:   p.Uint("is_config") != 0,
		CRC:        p.Uint("crc"),
		IsShutdown: p.Uint("is_shutdown") != 0,
	}, nil
}

// ConfigureDevices sends every device of cfg, then finalize_config with crc.
func (m *MCU) ConfigureDevices(ctx context.Context, devices []config.SPIDevice, crc uint32) error {
	for _, dev := range devices {
		if err := m.ConfigureSPI(ctx, dev); err != nil {
			return err
		}
	}
	return m.SendCommand(ctx, "finalize_config", crc)
}

// EmergencyStop shuts the board down; configured shutdown messages are sent.
func (m *MCU) EmergencyStop(ctx context.Context) error {
	return m.SendCommand(ctx, "emergency_stop")
}
