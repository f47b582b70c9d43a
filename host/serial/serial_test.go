package serial

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"spiq/host/config"
)

func TestFromConfig(t *testing.T) {
	c := config.Default()
	c.Device = "/dev/ttyUSB3"
	c.ReadTimeoutMS = 5

	assert.Equal(t, &Config{Device: "/dev/ttyUSB3", Baud: 250000, ReadTimeout: 5}, FromConfig(c))
	assert.Equal(t, 250000, DefaultConfig("x").Baud)
}

func TestOpenRejectsNilConfig(t *testing.T) {
	_, err := Open(nil)
	assert.Error(t, err)
}
