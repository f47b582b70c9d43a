package core

import (
	"sort"
	"sync"
)

// Dictionary is the JSON data dictionary served to the host through
// identify. It lists every command, response and constant.
type Dictionary struct {
	mu           sync.RWMutex
	constants    map[string]interface{}
	enumerations map[string][]string
	commandReg   *CommandRegistry
	version      string
	build        string
	cached       []byte
}

var globalDictionary = NewDictionary(globalRegistry)

// NewDictionary creates a dictionary over cmdReg
func NewDictionary(cmdReg *CommandRegistry) *Dictionary {
	return &Dictionary{
		constants:    make(map[string]interface{}),
		enumerations: make(map[string][]string),
		commandReg:   cmdReg,
		version:      "spiq-0.1.0",
		build:        "go-tinygo",
	}
}

// RegisterConstant adds a constant to the global dictionary
func RegisterConstant(name string, value interface{}) {
	globalDictionary.AddConstant(name, value)
}

// RegisterEnumeration adds an enumeration to the global dictionary
func RegisterEnumeration(name string, values []string) {
	globalDictionary.AddEnumeration(name, values)
}

// GetGlobalDictionary returns the global dictionary instance
func GetGlobalDictionary() *Dictionary {
	return globalDictionary
}

// AddConstant adds or replaces a constant
func (d *Dictionary) AddConstant(name string, value interface{}) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.constants[name] = value
	d.cached = nil
}

// AddEnumeration adds or replaces an enumeration. Empty values are skipped
// when the dictionary is built, keeping the indexes of the others.
func (d *Dictionary) AddEnumeration(name string, values []string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.enumerations[name] = append([]string(nil), values...)
	d.cached = nil
}

// SetVersion sets the firmware version string
func (d *Dictionary) SetVersion(version, build string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.version = version
	d.build = build
	d.cached = nil
}

// Build renders and caches the dictionary. Call it once every command is
// registered; later registrations are picked up by the next Build.
func (d *Dictionary) Build() []byte {
	// Registry first so the two locks are never held together
	entries := d.commandReg.Entries()

	d.mu.Lock()
	defer d.mu.Unlock()
	d.cached = d.render(entries)
	return d.cached
}

// Generate returns the cached dictionary, building it on first use
func (d *Dictionary) Generate() []byte {
	d.mu.RLock()
	cached := d.cached
	d.mu.RUnlock()
	if cached != nil {
		return cached
	}
	return d.Build()
}

// GetChunk returns up to count bytes of the dictionary from offset
func (d *Dictionary) GetChunk(offset uint32, count uint8) []byte {
	data := d.Generate()
	if offset >= uint32(len(data)) {
		return []byte{}
	}
	end := offset + uint32(count)
	if end > uint32(len(data)) {
		end = uint32(len(data))
	}
	chunk := make([]byte, end-offset)
	copy(chunk, data[offset:end])
	return chunk
}

func (d *Dictionary) render(entries []*Command) []byte {
	out := make([]byte, 0, 1024)
	out = append(out, `{"version":`...)
	out = appendJSONString(out, d.version)
	out = append(out, `,"build_versions":`...)
	out = appendJSONString(out, d.build)

	out = append(out, `,"config":{`...)
	names := make([]string, 0, len(d.constants))
	for name := range d.constants {
		names = append(names, name)
	}
	sort.Strings(names)
	for i, name := range names {
		if i > 0 {
			out = append(out, ',')
		}
		out = appendJSONString(out, name)
		out = append(out, ':')
		out = appendJSONString(out, valueToString(d.constants[name]))
	}

	out = append(out, `},"commands":{`...)
	out = appendEntries(out, entries, true)
	out = append(out, `},"responses":{`...)
	out = appendEntries(out, entries, false)
	out = append(out, '}')

	if len(d.enumerations) > 0 {
		out = append(out, `,"enumerations":{`...)
		enumNames := make([]string, 0, len(d.enumerations))
		for name := range d.enumerations {
			enumNames = append(enumNames, name)
		}
		sort.Strings(enumNames)
		for i, name := range enumNames {
			if i > 0 {
				out = append(out, ',')
			}
			out = appendJSONString(out, name)
			out = append(out, ":{"...)
			first := true
			for idx, v := range d.enumerations[name] {
				if v == "" {
					continue
				}
				if !first {
					out = append(out, ',')
				}
				first = false
				out = appendJSONString(out, v)
				out = append(out, ':')
				out = append(out, itoa(idx)...)
			}
			out = append(out, '}')
		}
		out = append(out, '}')
	}
	return append(out, '}')
}

// appendEntries writes "signature":id pairs for commands or responses
func appendEntries(out []byte, entries []*Command, commands bool) []byte {
	first := true
	for _, c := range entries {
		if (c.Handler != nil) != commands {
			continue
		}
		if !first {
			out = append(out, ',')
		}
		first = false
		out = appendJSONString(out, c.Signature())
		out = append(out, ':')
		out = append(out, itoa(int(c.ID))...)
	}
	return out
}

// appendJSONString quotes s, escaping the characters JSON requires
func appendJSONString(out []byte, s string) []byte {
	const hex = "0123456789abcdef"
	out = append(out, '"')
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c == '"' || c == '\\':
			out = append(out, '\\', c)
		case c < 0x20:
			out = append(out, '\\', 'u', '0', '0', hex[c>>4], hex[c&0xF])
		default:
			out = append(out, c)
		}
	}
	return append(out, '"')
}
