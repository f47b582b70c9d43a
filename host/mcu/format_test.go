package mcu

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"spiq/protocol"
)

func TestParseFormat(t *testing.T) {
	f, err := parseFormat(5, "spi_transfer_response oid=%c status=%c response=%*s")
	require.NoError(t, err)
	assert.Equal(t, "spi_transfer_response", f.name)
	assert.Equal(t, []param{{"oid", kindUint}, {"status", kindUint}, {"response", kindBytes}}, f.params)

	f, err = parseFormat(6, "get_clock")
	require.NoError(t, err)
	assert.Empty(t, f.params)

	_, err = parseFormat(7, "bad arg")
	assert.Error(t, err)
	_, err = parseFormat(8, "bad arg=%q")
	assert.Error(t, err)
}

func TestEncodeDecode(t *testing.T) {
	f, err := parseFormat(1, "msg a=%u b=%i c=%*s d=%c")
	require.NoError(t, err)

	out := protocol.NewScratchOutput()
	require.NoError(t, f.encode(out, []interface{}{uint32(300), -5, "hi", true}))

	p, err := f.decode(out.Result())
	require.NoError(t, err)
	assert.Equal(t, uint32(300), p.Uint("a"))
	assert.Equal(t, int32(-5), p.Int("b"))
	assert.Equal(t, []byte("hi"), p.Bytes("c"))
	assert.Equal(t, uint32(1), p.Uint("d"))
	assert.Zero(t, p.Uint("missing"))

	assert.Error(t, f.encode(out, []interface{}{1, 2, 3}))
	assert.Error(t, f.encode(out, []interface{}{"x", 2, "y", 1}))
	assert.Error(t, f.encode(out, []interface{}{1, 2, 3, 4}))

	_, err = f.decode([]byte{0x80})
	assert.Error(t, err)
}
