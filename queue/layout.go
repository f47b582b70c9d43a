// Package queue implements a fixed-memory element pool shared by several FIFO
// queues, each with its own quota and reserved minimum.
package queue

import "unsafe"

// Element is an index handle to one slot of the pool.
type Element int32

// NoElement is returned alongside an empty or failed result.
const NoElement Element = -1

// Element slot states
const (
	slotFree      = 0
	slotAllocated = 1
	slotEnqueued  = 2
)

// managerHeader holds the pool-wide free lists and reservation accounting.
type managerHeader struct {
	freeQueueHead      int32
	freeQueueTail      int32
	freeElementHead    Element
	freeElementTail    Element
	numFreeElements    int32
	numReserveElements int32
	lockHook           func(lock bool)
}

// queueHeader is the control block of one queue.
type queueHeader struct {
	manager     *Manager
	index       int32
	next        int32 // free-queue list link
	inUse       bool
	head        Element
	tail        Element
	maxElements int32
	numReserved int32
	numAlloc    int32
	intChange   func(q *Queue, disable bool)
}

// elementHeader links an element into the free list or a queue.
type elementHeader struct {
	next  Element
	owner int16
	state uint8
}

// Header sizes follow the real struct layouts so the sizing formula cannot
// drift from the data structures.
const (
	ManagerHeaderSize = int(unsafe.Sizeof(managerHeader{}))
	QueueHeaderSize   = int(unsafe.Sizeof(Queue{}))
	ElementHeaderSize = int(unsafe.Sizeof(elementHeader{}))
)

// BufferSize returns the region length needed for numQueues queues and
// numElements elements of elementSize bytes.
func BufferSize(numQueues, elementSize, numElements int) int {
	return ManagerHeaderSize +
		numQueues*QueueHeaderSize +
		numElements*(ElementHeaderSize+elementSize)
}

// ElementCount returns how many elements fit in a region of bufferLen bytes,
// or 0 when not even the headers fit.
func ElementCount(bufferLen, numQueues, elementSize int) int {
	remaining := bufferLen - ManagerHeaderSize - numQueues*QueueHeaderSize
	if remaining <= 0 {
		return 0
	}
	return remaining / (ElementHeaderSize + elementSize)
}
