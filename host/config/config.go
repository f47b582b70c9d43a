// Package config loads the host tool settings from a TOML file.
package config

import (
	"errors"
	"fmt"

	"github.com/BurntSushi/toml"
)

var (
	ErrDuplicateOID = errors.New("duplicate spi oid")
	ErrBadMode      = errors.New("spi mode must be 0-3")
	ErrBadRate      = errors.New("spi rate must be non-zero")
)

// Config is the host tool configuration.
type Config struct {
	Device        string `toml:"device"`
	Baud          int    `toml:"baud"`
	ReadTimeoutMS int    `toml:"read_timeout_ms"`

	// TimeoutMS bounds the wait for an ACK or a response
	TimeoutMS int `toml:"timeout_ms"`

	SPI []SPIDevice `toml:"spi"`
	Log LogConfig   `toml:"log"`
}

// SPIDevice describes one chip configured on the MCU at connect time.
type SPIDevice struct {
	Name         string  `toml:"name"`
	OID          uint8   `toml:"oid"`
	Bus          uint32  `toml:"bus"`
	Mode         uint32  `toml:"mode"`
	Rate         uint32  `toml:"rate"`
	CSPin        *uint32 `toml:"cs_pin"` // Unset for devices without chip select
	CSActiveHigh bool    `toml:"cs_active_high"`

	// ShutdownMsg is sent to the device on emergency stop, hex encoded
	ShutdownMsg string `toml:"shutdown_msg"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	c := &Config{}
	c.SetDefaultValues()
	return c
}

// SetDefaultValues fills unset fields.
func (c *Config) SetDefaultValues() {
	if c.Device == "" {
		c.Device = "/dev/ttyACM0"
	}
	if c.Baud == 0 {
		c.Baud = 250000
	}
	if c.ReadTimeoutMS == 0 {
		c.ReadTimeoutMS = 100
	}
	if c.TimeoutMS == 0 {
		c.TimeoutMS = 2000
	}
	c.Log.SetDefaultValues()
}

// Load decodes path, applies defaults and validates the device table.
func Load(path string) (*Config, error) {
	c := &Config{}
	md, err := toml.DecodeFile(path, c)
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", path, err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		return nil, fmt.Errorf("decode %s: unknown key %q", path, undecoded[0].String())
	}
	c.SetDefaultValues()
	if err := c.Validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return c, nil
}

// Validate checks the SPI device table.
func (c *Config) Validate() error {
	seen := make(map[uint8]bool, len(c.SPI))
	for _, d := range c.SPI {
		if seen[d.OID] {
			return fmt.Errorf("oid %d: %w", d.OID, ErrDuplicateOID)
		}
		seen[d.OID] = true
		if d.Mode > 3 {
			return fmt.Errorf("oid %d: %w", d.OID, ErrBadMode)
		}
		if d.Rate == 0 {
			return fmt.Errorf("oid %d: %w", d.OID, ErrBadRate)
		}
	}
	return nil
}

// FindDevice returns the device named name.
func (c *Config) FindDevice(name string) (SPIDevice, bool) {
	for _, d := range c.SPI {
		if d.Name == name {
			return d, true
		}
	}
	return SPIDevice{}, false
}
