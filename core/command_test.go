package core

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"spiq/protocol"
)

func TestCommandRegistry(t *testing.T) {
	registry := NewCommandRegistry()

	var called bool
	handler := func(data *[]byte) error {
		called = true
		return nil
	}

	id := registry.Register("test_command", "arg=%u", handler)
	assert.Equal(t, uint16(0), id, "first command gets ID 0")

	cmd, ok := registry.GetCommand(id)
	require.True(t, ok)
	assert.Equal(t, "test_command", cmd.Name)
	assert.Equal(t, "test_command arg=%u", cmd.Signature())

	var data []byte
	require.NoError(t, registry.Dispatch(id, &data))
	assert.True(t, called)

	assert.ErrorIs(t, registry.Dispatch(999, &data), ErrUnknownCommand)
}

func TestCommandRegistryMultiple(t *testing.T) {
	registry := NewCommandRegistry()

	id1 := registry.Register("command1", "arg1=%u", func(data *[]byte) error { return nil })
	id2 := registry.Register("command2", "arg2=%u", func(data *[]byte) error { return nil })
	id3 := registry.Register("command3", "arg3=%u", func(data *[]byte) error { return nil })
	assert.Equal(t, []uint16{0, 1, 2}, []uint16{id1, id2, id3})

	// Re-registering keeps the original ID
	assert.Equal(t, id2, registry.Register("command2", "arg2=%u", nil))
	assert.Equal(t, 3, registry.Count())

	for i := uint16(0); i < 3; i++ {
		_, ok := registry.GetCommand(i)
		assert.True(t, ok, "command %d", i)
	}
}

func TestResponsesAreNotDispatched(t *testing.T) {
	registry := NewCommandRegistry()
	id := registry.Register("some_response", "value=%u", nil)

	var data []byte
	assert.ErrorIs(t, registry.Dispatch(id, &data), ErrUnknownCommand)

	cmd, ok := registry.GetCommandByName("some_response")
	require.True(t, ok)
	assert.Equal(t, id, cmd.ID)
}

func TestCommandWithArguments(t *testing.T) {
	registry := NewCommandRegistry()

	var receivedValue uint32
	var receivedData []byte
	handler := func(data *[]byte) error {
		val, err := protocol.DecodeVLQUint(data)
		if err != nil {
			return err
		}
		receivedValue = val
		receivedData, err = protocol.DecodeVLQBytes(data)
		return err
	}

	id := registry.Register("test_args", "value=%u data=%*s", handler)

	output := protocol.NewScratchOutput()
	protocol.EncodeVLQUint(output, 12345)
	protocol.EncodeVLQBytes(output, []byte{1, 2, 3})
	data := output.Result()

	require.NoError(t, registry.Dispatch(id, &data))
	assert.Equal(t, uint32(12345), receivedValue)
	assert.Equal(t, []byte{1, 2, 3}, receivedData)
}

func TestSendResponse(t *testing.T) {
	sender := &captureSender{}
	SetGlobalTransport(sender)
	defer SetGlobalTransport(nil)

	InitCoreCommands()
	send(t, "get_config")
	msgs := sender.take(t, "config")
	require.Len(t, msgs, 1)

	send(t, "finalize_config", 0xBEEF)
	send(t, "get_config")
	msgs = sender.take(t, "config")
	require.Len(t, msgs, 1)
	vals, _ := decodeUints(t, msgs[0], 3)
	assert.Equal(t, []uint32{1, 0xBEEF, 0}, vals)

	send(t, "config_reset")
	send(t, "get_config")
	vals, _ = decodeUints(t, sender.take(t, "config")[0], 3)
	assert.Equal(t, []uint32{0, 0, 0}, vals)

	assert.Panics(t, func() {
		SendResponse("no_such_response", func(protocol.OutputBuffer) {})
	})
}

func TestEmergencyStopAndReset(t *testing.T) {
	InitCoreCommands()
	defer ResetFirmwareState()

	send(t, "emergency_stop")
	assert.True(t, IsShutdown())

	var resets int
	SetResetHandler(func() { resets++ })
	defer SetResetHandler(nil)

	CheckPendingReset()
	assert.Equal(t, 0, resets)
	send(t, "reset")
	CheckPendingReset()
	assert.Equal(t, 1, resets)
	CheckPendingReset()
	assert.Equal(t, 1, resets, "request is consumed")
}
