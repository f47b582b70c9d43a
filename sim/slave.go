package sim

// Slave answers each byte clocked out by the master.
type Slave interface {
	Exchange(mosi byte) (miso byte)
}

// Resetter is implemented by slaves with per-transaction state.
type Resetter interface {
	Reset()
}

// Loopback echoes every byte, like MOSI wired to MISO.
type Loopback struct{}

func (Loopback) Exchange(b byte) byte { return b }

// SlaveFunc adapts a function to Slave.
type SlaveFunc func(mosi byte) byte

func (f SlaveFunc) Exchange(b byte) byte { return f(b) }

// Script answers with a fixed byte sequence, then with Fill.
type Script struct {
	Replies []byte
	Fill    byte
	pos     int
}

func (s *Script) Exchange(byte) byte {
	if s.pos < len(s.Replies) {
		b := s.Replies[s.pos]
		s.pos++
		return b
	}
	return s.Fill
}

// Registers emulates a common register-file device. The first byte of a
// transaction is an address with bit 7 set for reads; following bytes read
// or write consecutive registers. Reads answer with the register value
// during the same symbol.
type Registers struct {
	Regs [128]byte

	started bool
	read    bool
	addr    byte
}

func (r *Registers) Exchange(b byte) byte {
	if !r.started {
		r.started = true
		r.read = b&0x80 != 0
		r.addr = b & 0x7F
		return 0
	}
	a := r.addr
	r.addr = (r.addr + 1) & 0x7F
	if r.read {
		return r.Regs[a]
	}
	r.Regs[a] = b
	return 0
}

// Reset ends the transaction.
func (r *Registers) Reset() {
	r.started = false
}
