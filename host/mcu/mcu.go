// Package mcu is the host side of the serial protocol: it connects to a
// board, fetches its dictionary and sends commands by name.
package mcu

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"go.uber.org/zap"

	"spiq/host/serial"
	"spiq/protocol"
)

// IDs fixed by the protocol so the dictionary can be fetched
const (
	identifyResponseID = 0
	identifyID         = 1
	identifyChunk      = 40
)

var (
	ErrNotConnected     = errors.New("not connected to MCU")
	ErrNoDictionary     = errors.New("dictionary not loaded")
	ErrUnknownCommand   = errors.New("unknown command")
	ErrUnknownResponse  = errors.New("unknown response")
	ErrResponseTimeout  = errors.New("response timeout")
	ErrDictionaryFormat = errors.New("malformed dictionary")
)

// MCU is a connection to one board.
type MCU struct {
	transport *protocol.HostTransport
	port      io.ReadWriteCloser
	log       *zap.Logger
	timeout   time.Duration

	dictionary     *Dictionary
	dictionaryData []byte
	commands       map[string]*messageFormat
	responses      map[string]*messageFormat
	responseByID   map[uint16]*messageFormat

	mu       sync.Mutex
	waiters  []*waiter
	handlers map[string]func(Params)

	connected bool
}

// Dictionary is the parsed identify data.
type Dictionary struct {
	Version       string                    `json:"version"`
	BuildVersions string                    `json:"build_versions"`
	Config        map[string]string         `json:"config"`
	Commands      map[string]int            `json:"commands"`
	Responses     map[string]int            `json:"responses"`
	Enumerations  map[string]map[string]int `json:"enumerations,omitempty"`
}

type waiter struct {
	id    uint16
	match func(payload []byte) bool
	ch    chan []byte
}

// New creates an unconnected MCU. timeout bounds each ACK and response wait.
func New(log *zap.Logger, timeout time.Duration) *MCU {
	if log == nil {
		log = zap.NewNop()
	}
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	return &MCU{
		log:      log,
		timeout:  timeout,
		handlers: make(map[string]func(Params)),
	}
}

// Connect opens a serial port and attaches to it.
func (m *MCU) Connect(cfg *serial.Config) error {
	port, err := serial.Open(cfg)
	if err != nil {
		return fmt.Errorf("failed to open serial port: %w", err)
	}
	m.log.Info("serial port open", zap.String("device", cfg.Device), zap.Int("baud", cfg.Baud))
	m.Attach(port)
	return nil
}

// Attach uses an already open port.
func (m *MCU) Attach(port io.ReadWriteCloser) {
	m.port = port
	m.transport = protocol.NewHostTransport(port)
	m.transport.SetResponseHandler(m.handleResponse)
	m.connected = true
}

// Close closes the transport and the port.
func (m *MCU) Close() error {
	if !m.connected {
		return nil
	}
	m.connected = false
	return m.transport.Close()
}

// LinkStats returns the host side frame counters
func (m *MCU) LinkStats() protocol.Stats {
	if m.transport == nil {
		return protocol.Stats{}
	}
	return m.transport.Stats()
}

// IsConnected returns whether the MCU is connected
func (m *MCU) IsConnected() bool {
	return m.connected
}

// RetrieveDictionary fetches the dictionary in identify chunks and parses it.
func (m *MCU) RetrieveDictionary(ctx context.Context) error {
	if !m.connected {
		return ErrNotConnected
	}

	var buf bytes.Buffer
	for offset := uint32(0); ; {
		chunk, err := m.identify(ctx, offset)
		if err != nil {
			return fmt.Errorf("dictionary chunk at offset %d: %w", offset, err)
		}
		buf.Write(chunk)
		offset += uint32(len(chunk))
		if len(chunk) < identifyChunk {
			break
		}
	}
	m.dictionaryData = buf.Bytes()
	m.log.Debug("dictionary retrieved", zap.Int("bytes", len(m.dictionaryData)))

	dict := &Dictionary{}
	if err := json.Unmarshal(m.dictionaryData, dict); err != nil {
		return fmt.Errorf("%w: %v", ErrDictionaryFormat, err)
	}
	return m.loadDictionary(dict)
}

func (m *MCU) identify(ctx context.Context, offset uint32) ([]byte, error) {
	w := m.addWaiter(identifyResponseID, func(payload []byte) bool {
		got, err := protocol.DecodeVLQUint(&payload)
		return err == nil && got == offset
	})
	err := m.transport.SendCommandContext(ctx, identifyID, func(out protocol.OutputBuffer) {
		protocol.EncodeVLQUint(out, offset)
		protocol.EncodeVLQUint(out, identifyChunk)
	}, m.timeout)
	if err != nil {
		m.removeWaiter(w)
		return nil, err
	}
	payload, err := m.wait(ctx, w)
	if err != nil {
		return nil, err
	}
	if _, err := protocol.DecodeVLQUint(&payload); err != nil {
		return nil, err
	}
	return protocol.DecodeVLQBytes(&payload)
}

func (m *MCU) loadDictionary(dict *Dictionary) error {
	commands := make(map[string]*messageFormat, len(dict.Commands))
	for sig, id := range dict.Commands {
		f, err := parseFormat(uint16(id), sig)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrDictionaryFormat, err)
		}
		commands[f.name] = f
	}
	responses := make(map[string]*messageFormat, len(dict.Responses))
	byID := make(map[uint16]*messageFormat, len(dict.Responses))
	for sig, id := range dict.Responses {
		f, err := parseFormat(uint16(id), sig)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrDictionaryFormat, err)
		}
		responses[f.name] = f
		byID[f.id] = f
	}

	m.mu.Lock()
	m.dictionary = dict
	m.commands = commands
	m.responses = responses
	m.responseByID = byID
	m.mu.Unlock()

	m.log.Info("dictionary loaded",
		zap.String("version", dict.Version),
		zap.Int("commands", len(commands)),
		zap.Int("responses", len(responses)))
	return nil
}

// GetDictionary returns the parsed dictionary
func (m *MCU) GetDictionary() *Dictionary {
	return m.dictionary
}

// GetDictionaryRaw returns the raw dictionary data
func (m *MCU) GetDictionaryRaw() []byte {
	return m.dictionaryData
}

// Constant returns a dictionary constant.
func (m *MCU) Constant(name string) (string, bool) {
	if m.dictionary == nil {
		return "", false
	}
	v, ok := m.dictionary.Config[name]
	return v, ok
}

// SendCommand sends a command by name and waits for its ACK.
func (m *MCU) SendCommand(ctx context.Context, name string, args ...interface{}) error {
	f, err := m.command(name)
	if err != nil {
		return err
	}
	return m.send(ctx, f, args)
}

// Query sends a command and waits for the named response. match, when set,
// picks the response among several of the same name.
func (m *MCU) Query(ctx context.Context, name string, args []interface{}, response string, match func(Params) bool) (Params, error) {
	f, err := m.command(name)
	if err != nil {
		return nil, err
	}
	m.mu.Lock()
	rf, ok := m.responses[response]
	m.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownResponse, response)
	}

	w := m.addWaiter(rf.id, func(payload []byte) bool {
		if match == nil {
			return true
		}
		p, err := rf.decode(payload)
		return err == nil && match(p)
	})
	if err := m.send(ctx, f, args); err != nil {
		m.removeWaiter(w)
		return nil, err
	}
	payload, err := m.wait(ctx, w)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", response, err)
	}
	return rf.decode(payload)
}

// OnResponse registers a handler for responses nobody is waiting for.
func (m *MCU) OnResponse(name string, handler func(Params)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers[name] = handler
}

func (m *MCU) command(name string) (*messageFormat, error) {
	if !m.connected {
		return nil, ErrNotConnected
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.commands == nil {
		return nil, ErrNoDictionary
	}
	f, ok := m.commands[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownCommand, name)
	}
	return f, nil
}

func (m *MCU) send(ctx context.Context, f *messageFormat, args []interface{}) error {
	var encErr error
	err := m.transport.SendCommandContext(ctx, f.id, func(out protocol.OutputBuffer) {
		encErr = f.encode(out, args)
	}, m.timeout)
	if encErr != nil {
		return encErr
	}
	if err != nil {
		return fmt.Errorf("%s: %w", f.name, err)
	}
	m.log.Debug("command sent", zap.String("name", f.name))
	return nil
}

func (m *MCU) addWaiter(id uint16, match func([]byte) bool) *waiter {
	w := &waiter{id: id, match: match, ch: make(chan []byte, 1)}
	m.mu.Lock()
	m.waiters = append(m.waiters, w)
	m.mu.Unlock()
	return w
}

func (m *MCU) removeWaiter(w *waiter) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, cur := range m.waiters {
		if cur == w {
			m.waiters = append(m.waiters[:i], m.waiters[i+1:]...)
			return
		}
	}
}

func (m *MCU) wait(ctx context.Context, w *waiter) ([]byte, error) {
	timer := time.NewTimer(m.timeout)
	defer timer.Stop()
	select {
	case payload := <-w.ch:
		return payload, nil
	case <-ctx.Done():
		m.removeWaiter(w)
		return nil, ctx.Err()
	case <-timer.C:
		m.removeWaiter(w)
		return nil, ErrResponseTimeout
	}
}

// handleResponse runs on the transport read loop.
func (m *MCU) handleResponse(cmdID uint16, data *[]byte) error {
	payload := append([]byte(nil), (*data)...)

	m.mu.Lock()
	for i, w := range m.waiters {
		if w.id == cmdID && w.match(payload) {
			m.waiters = append(m.waiters[:i], m.waiters[i+1:]...)
			m.mu.Unlock()
			w.ch <- payload
			return nil
		}
	}
	f := m.responseByID[cmdID]
	var handler func(Params)
	if f != nil {
		handler = m.handlers[f.name]
	}
	m.mu.Unlock()

	if f == nil {
		m.log.Debug("unsolicited response", zap.Uint16("id", cmdID))
		return nil
	}
	p, err := f.decode(payload)
	if err != nil {
		m.log.Warn("bad response", zap.String("name", f.name), zap.Error(err))
		return err
	}
	if handler != nil {
		handler(p)
		return nil
	}
	m.log.Debug("unhandled response", zap.String("name", f.name), zap.Any("params", p))
	return nil
}
