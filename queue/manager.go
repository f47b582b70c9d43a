package queue

// Setup describes the region handed to Initialize.
type Setup struct {
	Buffer      []byte // Backing region, owned by the manager afterwards
	NumQueues   int    // Number of queue control blocks to carve out
	ElementSize int    // Payload bytes per element
}

// QueueSetup describes a queue created from the manager.
type QueueSetup struct {
	MaxElements     int // Quota ceiling
	ReserveElements int // Guaranteed minimum, even when the pool is exhausted

	// IntChange is called with disable=true on Lock and disable=false on
	// Unlock. Nil means the queue is never touched from an interrupt.
	IntChange func(q *Queue, disable bool)
}

// Manager owns the region and mediates allocation across queues.
type Manager struct {
	managerHeader

	buf         []byte
	elementSize int
	payloadBase int
	queues      []Queue
	elements    []elementHeader

	counters managerCounters
}

// Initialize partitions setup.Buffer into the manager header, NumQueues queue
// headers and as many elements as fit. The region is zeroed.
func Initialize(setup Setup) (*Manager, error) {
	if setup.Buffer == nil || setup.NumQueues < 1 || setup.ElementSize < 0 {
		return nil, ErrInvalidParameter
	}
	if setup.NumQueues > 1<<15-1 {
		return nil, ErrInvalidParameter
	}
	if len(setup.Buffer) < BufferSize(setup.NumQueues, setup.ElementSize, 1) {
		return nil, ErrOutOfMemory
	}

	for i := range setup.Buffer {
		setup.Buffer[i] = 0
	}

	numElements := ElementCount(len(setup.Buffer), setup.NumQueues, setup.ElementSize)

	m := &Manager{
		buf:         setup.Buffer,
		elementSize: setup.ElementSize,
		payloadBase: ManagerHeaderSize + setup.NumQueues*QueueHeaderSize,
		queues:      make([]Queue, setup.NumQueues),
		elements:    make([]elementHeader, numElements),
	}

	// Chain the queue headers into the free-queue list
	for i := range m.queues {
		q := &m.queues[i]
		q.manager = m
		q.index = int32(i)
		q.head = NoElement
		q.tail = NoElement
		q.next = int32(i + 1)
	}
	m.queues[len(m.queues)-1].next = -1
	m.freeQueueHead = 0
	m.freeQueueTail = int32(len(m.queues) - 1)

	// Chain the elements into the free-element list
	for i := range m.elements {
		m.elements[i] = elementHeader{next: Element(i + 1), owner: -1, state: slotFree}
	}
	m.elements[numElements-1].next = NoElement
	m.freeElementHead = 0
	m.freeElementTail = Element(numElements - 1)
	m.numFreeElements = int32(numElements)

	m.counters.freeElementsLW = uint32(numElements)
	return m, nil
}

// NumElements returns the total number of element slots.
func (m *Manager) NumElements() int {
	return len(m.elements)
}

// NumQueues returns the number of queue control blocks.
func (m *Manager) NumQueues() int {
	return len(m.queues)
}

// ElementSize returns the payload size of each element.
func (m *Manager) ElementSize() int {
	return m.elementSize
}

// NumFreeElements returns the number of elements on the free list.
func (m *Manager) NumFreeElements() int {
	return int(m.numFreeElements)
}

// NumReserveElements returns the number of free elements currently promised
// to queues that are below their reservation.
func (m *Manager) NumReserveElements() int {
	return int(m.numReserveElements)
}

// Payload returns the payload window of element e inside the region.
func (m *Manager) Payload(e Element) []byte {
	if e < 0 || int(e) >= len(m.elements) {
		return nil
	}
	start := m.payloadBase + int(e)*(ElementHeaderSize+m.elementSize) + ElementHeaderSize
	end := start + m.elementSize
	return m.buf[start:end:end]
}

// SetLockHook installs the pool-level critical section. The default is a
// no-op, which is correct for single-core targets without preemption.
func (m *Manager) SetLockHook(hook func(lock bool)) {
	m.lockHook = hook
}

// LockManager enters the pool-level critical section.
func (m *Manager) LockManager() {
	if m.lockHook != nil {
		m.lockHook(true)
	}
}

// UnlockManager leaves the pool-level critical section.
func (m *Manager) UnlockManager() {
	if m.lockHook != nil {
		m.lockHook(false)
	}
}

// CreateQueue takes a queue header from the free-queue list.
func (m *Manager) CreateQueue(setup QueueSetup) (*Queue, error) {
	if setup.MaxElements < 1 || setup.ReserveElements < 0 || setup.ReserveElements > setup.MaxElements {
		return nil, ErrInvalidParameter
	}
	if m.freeQueueHead < 0 {
		return nil, ErrOutOfQueues
	}
	if int(m.numReserveElements)+setup.ReserveElements > int(m.numFreeElements) {
		m.counters.outOfMemory++
		return nil, ErrOutOfMemory
	}

	q := &m.queues[m.freeQueueHead]
	m.freeQueueHead = q.next
	if m.freeQueueHead < 0 {
		m.freeQueueTail = -1
	}

	q.queueHeader = queueHeader{
		manager:     m,
		index:       q.index,
		next:        -1,
		inUse:       true,
		head:        NoElement,
		tail:        NoElement,
		maxElements: int32(setup.MaxElements),
		numReserved: int32(setup.ReserveElements),
		intChange:   setup.IntChange,
	}
	q.counters = queueCounters{reserveLW: uint32(setup.ReserveElements)}
	m.numReserveElements += int32(setup.ReserveElements)

	m.counters.reserveElementsLW += uint32(setup.ReserveElements)
	m.counters.createOps++
	m.counters.numQueues++
	if m.counters.numQueues > m.counters.numQueuesHW {
		m.counters.numQueuesHW = m.counters.numQueues
	}
	return q, nil
}

// CreateQueueLock is CreateQueue inside the pool-level critical section.
func (m *Manager) CreateQueueLock(setup QueueSetup) (*Queue, error) {
	m.LockManager()
	defer m.UnlockManager()
	return m.CreateQueue(setup)
}

// popFreeElement unlinks the head of the free-element list.
func (m *Manager) popFreeElement() Element {
	e := m.freeElementHead
	m.freeElementHead = m.elements[e].next
	if m.freeElementHead == NoElement {
		m.freeElementTail = NoElement
	}
	m.elements[e].next = NoElement
	m.numFreeElements--
	return e
}

// pushFreeElement appends e to the tail of the free-element list.
func (m *Manager) pushFreeElement(e Element) {
	h := &m.elements[e]
	h.next = NoElement
	h.owner = -1
	h.state = slotFree
	if m.freeElementHead == NoElement {
		m.freeElementHead = e
	} else {
		m.elements[m.freeElementTail].next = e
	}
	m.freeElementTail = e
	m.numFreeElements++
}

// releaseQueue returns q's header to the free-queue list.
func (m *Manager) releaseQueue(q *Queue) {
	q.inUse = false
	q.next = -1
	if m.freeQueueHead < 0 {
		m.freeQueueHead = q.index
		m.freeQueueTail = q.index
		return
	}
	q.next = m.freeQueueHead
	m.freeQueueHead = q.index
}

func (m *Manager) validElement(e Element) bool {
	return e >= 0 && int(e) < len(m.elements)
}
