package protocol

// InputBuffer provides an abstraction for reading incoming protocol data
type InputBuffer interface {
	// Data returns the buffered bytes as one contiguous slice
	Data() []byte

	// Available returns the number of bytes available
	Available() int

	// Pop removes n bytes from the front of the buffer
	Pop(n int)
}

// OutputBuffer provides an abstraction for writing outgoing protocol data
type OutputBuffer interface {
	// Output writes data to the buffer
	Output(data []byte)

	// CurPosition returns the current write position
	CurPosition() int

	// Update modifies a byte at a specific position
	Update(pos int, val byte)

	// DataSince returns data from a specific position to current
	DataSince(pos int) []byte
}

// SliceInputBuffer implements InputBuffer using a byte slice
type SliceInputBuffer struct {
	data []byte
}

// NewSliceInputBuffer creates a new SliceInputBuffer
func NewSliceInputBuffer(data []byte) *SliceInputBuffer {
	return &SliceInputBuffer{data: data}
}

func (s *SliceInputBuffer) Data() []byte {
	return s.data
}

func (s *SliceInputBuffer) Available() int {
	return len(s.data)
}

func (s *SliceInputBuffer) Pop(n int) {
	if n > len(s.data) {
		n = len(s.data)
	}
	s.data = s.data[n:]
}

// ScratchOutput is a fixed size OutputBuffer. Bytes past MessageMax are
// dropped and reported by Overflowed.
type ScratchOutput struct {
	buf      [MessageMax]byte
	pos      int
	overflow bool
}

// NewScratchOutput creates a new ScratchOutput
func NewScratchOutput() *ScratchOutput {
	return &ScratchOutput{}
}

func (s *ScratchOutput) Output(data []byte) {
	n := copy(s.buf[s.pos:], data)
	s.pos += n
	if n < len(data) {
		s.overflow = true
	}
}

func (s *ScratchOutput) CurPosition() int {
	return s.pos
}

func (s *ScratchOutput) Update(pos int, val byte) {
	if pos < s.pos {
		s.buf[pos] = val
	}
}

func (s *ScratchOutput) DataSince(pos int) []byte {
	if pos > s.pos {
		return nil
	}
	return s.buf[pos:s.pos]
}

// Result returns the accumulated output data
func (s *ScratchOutput) Result() []byte {
	return s.buf[:s.pos]
}

// Overflowed reports whether output was dropped since the last Reset
func (s *ScratchOutput) Overflowed() bool {
	return s.overflow
}

// Reset clears the buffer
func (s *ScratchOutput) Reset() {
	s.pos = 0
	s.overflow = false
}

// FifoBuffer is a ring buffer for serial input. Data rotates the ring in
// place when the contents wrap, so reading never allocates.
type FifoBuffer struct {
	buf   []byte
	head  int // Oldest byte
	count int
}

// NewFifoBuffer creates a new FifoBuffer with the specified capacity
func NewFifoBuffer(capacity int) *FifoBuffer {
	return &FifoBuffer{buf: make([]byte, capacity)}
}

// Write appends as much of data as fits and returns the count written.
func (f *FifoBuffer) Write(data []byte) int {
	n := len(data)
	if free := f.Free(); n > free {
		n = free
	}
	if n == 0 {
		return 0
	}
	tail := (f.head + f.count) % len(f.buf)
	c := copy(f.buf[tail:], data[:n])
	copy(f.buf, data[c:n])
	f.count += n
	return n
}

// Read moves up to len(data) bytes out of the buffer.
func (f *FifoBuffer) Read(data []byte) int {
	n := len(data)
	if n > f.count {
		n = f.count
	}
	c := copy(data[:n], f.buf[f.head:])
	copy(data[c:n], f.buf)
	f.Pop(n)
	return n
}

// Available returns the number of bytes available for reading
func (f *FifoBuffer) Available() int {
	return f.count
}

// Free returns the number of bytes available for writing
func (f *FifoBuffer) Free() int {
	return len(f.buf) - f.count
}

// Data returns the buffered bytes. The slice aliases the ring and is valid
// until the next Write or Pop.
func (f *FifoBuffer) Data() []byte {
	if f.head+f.count > len(f.buf) {
		f.rotate()
	}
	return f.buf[f.head : f.head+f.count]
}

// rotate moves head to index 0 by three reversals
func (f *FifoBuffer) rotate() {
	reverse(f.buf[:f.head])
	reverse(f.buf[f.head:])
	reverse(f.buf)
	f.head = 0
}

func reverse(b []byte) {
	for i, j := 0, len(b)-1; i < j; i, j = i+1, j-1 {
		b[i], b[j] = b[j], b[i]
	}
}

// Pop removes n bytes from the front
func (f *FifoBuffer) Pop(n int) {
	if n > f.count {
		n = f.count
	}
	f.count -= n
	if f.count == 0 {
		f.head = 0
		return
	}
	f.head = (f.head + n) % len(f.buf)
}

// IsEmpty returns true if the buffer is empty
func (f *FifoBuffer) IsEmpty() bool {
	return f.count == 0
}

// Reset clears the buffer
func (f *FifoBuffer) Reset() {
	f.head = 0
	f.count = 0
}
