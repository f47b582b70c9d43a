package core

import (
	"sync/atomic"

	"spiq/protocol"
)

// FirmwareState holds the global firmware state
type FirmwareState struct {
	configCRC  uint32 // atomic
	isShutdown uint32 // atomic bool
}

var globalState = &FirmwareState{}

// ResponseSender frames and queues one message to the host.
// *protocol.Transport satisfies it.
type ResponseSender interface {
	SendCommand(cmdID uint16, args func(output protocol.OutputBuffer))
}

// Global transport for sending responses (set by main)
var globalTransport ResponseSender

// SetGlobalTransport sets the transport used by SendResponse
func SetGlobalTransport(transport ResponseSender) {
	globalTransport = transport
}

// SendResponse sends a registered response message through the global
// transport. Sending an unregistered name is a programming error.
func SendResponse(responseName string, args func(output protocol.OutputBuffer)) {
	if globalTransport == nil {
		return
	}
	cmd, ok := globalRegistry.GetCommandByName(responseName)
	if !ok {
		panic("Response not registered: " + responseName)
	}
	globalTransport.SendCommand(cmd.ID, args)
}

// InitCoreCommands registers the protocol bootstrap commands.
// The host expects identify_response as ID 0 and identify as ID 1, so this
// must run before any other registration.
func InitCoreCommands() {
	RegisterResponse("identify_response", "offset=%u data=%*s")       // ID 0
	RegisterCommand("identify", "offset=%u count=%c", handleIdentify) // ID 1

	RegisterCommand("get_clock", "", handleGetClock)
	RegisterCommand("get_config", "", handleGetConfig)
	RegisterCommand("config_reset", "", handleConfigReset)
	RegisterCommand("finalize_config", "crc=%u", handleFinalizeConfig)
	RegisterCommand("emergency_stop", "", handleEmergencyStop)
	RegisterCommand("reset", "", handleReset)

	RegisterResponse("clock", "clock=%u")
	RegisterResponse("config", "is_config=%c crc=%u is_shutdown=%c")

	RegisterConstant("CLOCK_FREQ", uint32(TimerFreq))
}

// handleIdentify returns chunks of the data dictionary
func handleIdentify(data *[]byte) error {
	offset, err := protocol.DecodeVLQUint(data)
	if err != nil {
		return err
	}
	count, err := protocol.DecodeVLQUint(data)
	if err != nil {
		return err
	}

	chunk := GetGlobalDictionary().GetChunk(offset, uint8(count))
	SendResponse("identify_response", func(output protocol.OutputBuffer) {
		protocol.EncodeVLQUint(output, offset)
		protocol.EncodeVLQBytes(output, chunk)
	})
	return nil
}

func handleGetClock(data *[]byte) error {
	clock := GetTime()
	SendResponse("clock", func(output protocol.OutputBuffer) {
		protocol.EncodeVLQUint(output, clock)
	})
	return nil
}

func handleGetConfig(data *[]byte) error {
	crc := atomic.LoadUint32(&globalState.configCRC)
	isShutdown := atomic.LoadUint32(&globalState.isShutdown)
	isConfig := uint32(0)
	if crc != 0 {
		isConfig = 1
	}

	SendResponse("config", func(output protocol.OutputBuffer) {
		protocol.EncodeVLQUint(output, isConfig)
		protocol.EncodeVLQUint(output, crc)
		protocol.EncodeVLQUint(output, isShutdown)
	})
	return nil
}

func handleConfigReset(data *[]byte) error {
	atomic.StoreUint32(&globalState.configCRC, 0)
	return nil
}

func handleFinalizeConfig(data *[]byte) error {
	crc, err := protocol.DecodeVLQUint(data)
	if err != nil {
		return err
	}
	atomic.StoreUint32(&globalState.configCRC, crc)
	return nil
}

// handleEmergencyStop flags shutdown, returns control lines to their
// defaults and queues the configured SPI shutdown messages.
func handleEmergencyStop(data *[]byte) error {
	atomic.StoreUint32(&globalState.isShutdown, 1)
	ShutdownAllDigitalOut()
	ShutdownSPI()
	return nil
}

// IsShutdown returns true if the firmware is in shutdown state
func IsShutdown() bool {
	return atomic.LoadUint32(&globalState.isShutdown) != 0
}

// ResetFirmwareState clears config and shutdown state for a reconnect
func ResetFirmwareState() {
	atomic.StoreUint32(&globalState.configCRC, 0)
	atomic.StoreUint32(&globalState.isShutdown, 0)
}

// Global reset handler (set by target-specific code)
var globalResetHandler func()

// resetPending is set when a reset command is received.
// The actual reset happens in the main loop after the ACK is sent.
var resetPending uint32 // atomic bool

// SetResetHandler sets the platform-specific reset handler
func SetResetHandler(handler func()) {
	globalResetHandler = handler
}

func handleReset(_ *[]byte) error {
	atomic.StoreUint32(&resetPending, 1)
	return nil
}

// CheckPendingReset runs the reset handler if a reset was requested. The
// request is consumed even when no handler is set.
func CheckPendingReset() {
	if atomic.SwapUint32(&resetPending, 0) != 0 && globalResetHandler != nil {
		globalResetHandler()
	}
}
