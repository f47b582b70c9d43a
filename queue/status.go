package queue

type managerCounters struct {
	allocOps          uint32
	freeOps           uint32
	createOps         uint32
	destroyOps        uint32
	freeElementsLW    uint32
	reserveElementsLW uint32
	outOfMemory       uint32
	numQueues         uint32
	numQueuesHW       uint32
}

type queueCounters struct {
	allocOps    uint32
	freeOps     uint32
	enqueueOps  uint32
	dequeueOps  uint32
	enqueued    uint32
	reserveLW   uint32
	allocHW     uint32
	enqueuedHW  uint32
	outOfMemory uint32
}

// ManagerStatus is a snapshot of pool-wide counters.
// LW fields are low-water marks, HW fields high-water marks.
type ManagerStatus struct {
	NumAllocOps        uint32
	NumFreeOps         uint32
	NumQueueCreateOps  uint32
	NumQueueDestroyOps uint32
	NumFreeElements    uint32
	NumReserveElements uint32
	FreeElementsLW     uint32
	ReserveElementsLW  uint32
	OutOfMemoryErrors  uint32
	NumQueues          uint32
	NumQueuesHW        uint32
}

// QueueStatus is a snapshot of one queue's counters.
type QueueStatus struct {
	NumAllocOps       uint32
	NumFreeOps        uint32
	NumEnqueueOps     uint32
	NumDequeueOps     uint32
	NumReserved       uint32
	NumAlloc          uint32
	NumEnqueued       uint32
	NumReserveLW      uint32
	NumAllocHW        uint32
	NumEnqueuedHW     uint32
	OutOfMemoryErrors uint32
}

// Status returns the pool counters.
func (m *Manager) Status() ManagerStatus {
	c := &m.counters
	return ManagerStatus{
		NumAllocOps:        c.allocOps,
		NumFreeOps:         c.freeOps,
		NumQueueCreateOps:  c.createOps,
		NumQueueDestroyOps: c.destroyOps,
		NumFreeElements:    uint32(m.numFreeElements),
		NumReserveElements: uint32(m.numReserveElements),
		FreeElementsLW:     c.freeElementsLW,
		ReserveElementsLW:  c.reserveElementsLW,
		OutOfMemoryErrors:  c.outOfMemory,
		NumQueues:          c.numQueues,
		NumQueuesHW:        c.numQueuesHW,
	}
}

// Status returns the queue counters.
func (q *Queue) Status() (QueueStatus, error) {
	if !q.inUse {
		return QueueStatus{}, ErrInvalidParameter
	}
	c := &q.counters
	return QueueStatus{
		NumAllocOps:       c.allocOps,
		NumFreeOps:        c.freeOps,
		NumEnqueueOps:     c.enqueueOps,
		NumDequeueOps:     c.dequeueOps,
		NumReserved:       uint32(q.numReserved),
		NumAlloc:          uint32(q.numAlloc),
		NumEnqueued:       c.enqueued,
		NumReserveLW:      c.reserveLW,
		NumAllocHW:        c.allocHW,
		NumEnqueuedHW:     c.enqueuedHW,
		OutOfMemoryErrors: c.outOfMemory,
	}, nil
}
