package mcu

import (
	"fmt"
	"strings"

	"spiq/protocol"
)

type paramKind uint8

const (
	kindUint paramKind = iota
	kindInt
	kindBytes
)

type param struct {
	name string
	kind paramKind
}

// messageFormat is one parsed dictionary signature, e.g.
// "spi_transfer oid=%c data=%*s".
type messageFormat struct {
	id     uint16
	name   string
	params []param
}

func parseFormat(id uint16, signature string) (*messageFormat, error) {
	fields := strings.Fields(signature)
	if len(fields) == 0 {
		return nil, fmt.Errorf("empty signature for id %d", id)
	}
	f := &messageFormat{id: id, name: fields[0]}
	for _, field := range fields[1:] {
		eq := strings.IndexByte(field, '=')
		if eq <= 0 {
			return nil, fmt.Errorf("%s: malformed parameter %q", f.name, field)
		}
		p := param{name: field[:eq]}
		switch field[eq+1:] {
		case "%c", "%u", "%hu":
			p.kind = kindUint
		case "%i", "%hi":
			p.kind = kindInt
		case "%s", "%*s", "%.*s":
			p.kind = kindBytes
		default:
			return nil, fmt.Errorf("%s: unsupported type %q", f.name, field[eq+1:])
		}
		f.params = append(f.params, p)
	}
	return f, nil
}

// encode writes args in parameter order. Integers may be any Go integer
// type; byte parameters take []byte or string.
func (f *messageFormat) encode(out protocol.OutputBuffer, args []interface{}) error {
	if len(args) != len(f.params) {
		return fmt.Errorf("%s: want %d arguments, got %d", f.name, len(f.params), len(args))
	}
	for i, p := range f.params {
		if p.kind == kindBytes {
			switch v := args[i].(type) {
			case []byte:
				protocol.EncodeVLQBytes(out, v)
			case string:
				protocol.EncodeVLQBytes(out, []byte(v))
			default:
				return fmt.Errorf("%s: %s wants bytes, got %T", f.name, p.name, args[i])
			}
			continue
		}
		v, ok := toInt64(args[i])
		if !ok {
			return fmt.Errorf("%s: %s wants an integer, got %T", f.name, p.name, args[i])
		}
		if p.kind == kindInt {
			protocol.EncodeVLQInt(out, int32(v))
		} else {
			protocol.EncodeVLQUint(out, uint32(v))
		}
	}
	return nil
}

// Params holds decoded response arguments by name.
type Params map[string]interface{}

// Uint returns an unsigned parameter, or 0 when absent.
func (p Params) Uint(name string) uint32 {
	v, _ := p[name].(uint32)
	return v
}

// Int returns a signed parameter, or 0 when absent.
func (p Params) Int(name string) int32 {
	v, _ := p[name].(int32)
	return v
}

// Bytes returns a byte parameter, or nil when absent.
func (p Params) Bytes(name string) []byte {
	v, _ := p[name].([]byte)
	return v
}

func (f *messageFormat) decode(data []byte) (Params, error) {
	out := make(Params, len(f.params))
	for _, p := range f.params {
		var err error
		switch p.kind {
		case kindUint:
			out[p.name], err = protocol.DecodeVLQUint(&data)
		case kindInt:
			out[p.name], err = protocol.DecodeVLQInt(&data)
		case kindBytes:
			var b []byte
			b, err = protocol.DecodeVLQBytes(&data)
			out[p.name] = append([]byte(nil), b...)
		}
		if err != nil {
			return nil, fmt.Errorf("%s: decode %s: %w", f.name, p.name, err)
		}
	}
	return out, nil
}

func toInt64(v interface{}) (int64, bool) {
	switch n := v.(type) {
	case int:
		return int64(n), true
	case int8:
		return int64(n), true
	case int16:
		return int64(n), true
	case int32:
		return int64(n), true
	case int64:
		return n, true
	case uint:
		return int64(n), true
	case uint8:
		return int64(n), true
	case uint16:
		return int64(n), true
	case uint32:
		return int64(n), true
	case uint64:
		return int64(n), true
	case bool:
		if n {
			return 1, true
		}
		return 0, true
	}
	return 0, false
}
