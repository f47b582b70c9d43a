package queue

// Queue is a FIFO of elements drawn from its manager's pool.
// A *Queue stays valid until Destroy; every call after that fails with
// ErrInvalidParameter.
type Queue struct {
	queueHeader
	counters queueCounters
}

// Manager returns the pool the queue allocates from.
func (q *Queue) Manager() *Manager {
	return q.manager
}

// AllocElement takes an element from the pool for this queue.
//
// The allocation fails with ErrOutOfMemory when the pool is empty, when the
// queue is at MaxElements, or when the queue is past its reservation and every
// remaining free element is promised to some other queue. A queue that stays
// within its reservation can therefore never be starved by another queue.
func (q *Queue) AllocElement() (Element, error) {
	if !q.inUse {
		return NoElement, ErrInvalidParameter
	}
	m := q.manager

	if m.freeElementHead == NoElement || q.numAlloc == q.maxElements {
		q.outOfMemory()
		return NoElement, ErrOutOfMemory
	}
	if q.numAlloc < q.numReserved {
		m.numReserveElements--
	} else if m.numFreeElements == m.numReserveElements {
		q.outOfMemory()
		return NoElement, ErrOutOfMemory
	}

	e := m.popFreeElement()
	h := &m.elements[e]
	h.owner = int16(q.index)
	h.state = slotAllocated
	q.numAlloc++

	q.counters.allocOps++
	m.counters.allocOps++
	if uint32(m.numFreeElements) < m.counters.freeElementsLW {
		m.counters.freeElementsLW = uint32(m.numFreeElements)
	}
	if uint32(m.numReserveElements) < m.counters.reserveElementsLW {
		m.counters.reserveElementsLW = uint32(m.numReserveElements)
	}
	if reserveLeft := q.numReserved - q.numAlloc; reserveLeft >= 0 && uint32(reserveLeft) < q.counters.reserveLW {
		q.counters.reserveLW = uint32(reserveLeft)
	}
	if uint32(q.numAlloc) > q.counters.allocHW {
		q.counters.allocHW = uint32(q.numAlloc)
	}
	return e, nil
}

// FreeElement returns an allocated, not enqueued, element to the pool.
func (q *Queue) FreeElement(e Element) error {
	if !q.inUse {
		return ErrInvalidParameter
	}
	m := q.manager
	if !m.validElement(e) {
		return ErrInvalidParameter
	}
	h := &m.elements[e]
	if h.owner != int16(q.index) || h.state != slotAllocated {
		return ErrInvalidParameter
	}

	m.pushFreeElement(e)
	q.numAlloc--
	if q.numAlloc < q.numReserved {
		m.numReserveElements++
	}

	q.counters.freeOps++
	m.counters.freeOps++
	return nil
}

// Enqueue appends an allocated element to the tail of the queue.
func (q *Queue) Enqueue(e Element) error {
	if !q.inUse {
		return ErrInvalidParameter
	}
	m := q.manager
	if !m.validElement(e) {
		return ErrInvalidParameter
	}
	h := &m.elements[e]
	if h.owner != int16(q.index) || h.state != slotAllocated {
		return ErrInvalidParameter
	}

	h.state = slotEnqueued
	h.next = NoElement
	if q.head == NoElement {
		q.head = e
	} else {
		m.elements[q.tail].next = e
	}
	q.tail = e

	q.counters.enqueued++
	q.counters.enqueueOps++
	if q.counters.enqueued > q.counters.enqueuedHW {
		q.counters.enqueuedHW = q.counters.enqueued
	}
	return nil
}

// Dequeue removes the head of the queue. An empty queue is not an error:
// ok is false and the element is NoElement.
func (q *Queue) Dequeue() (e Element, ok bool, err error) {
	if !q.inUse {
		return NoElement, false, ErrInvalidParameter
	}
	if q.head == NoElement {
		return NoElement, false, nil
	}
	m := q.manager

	e = q.head
	h := &m.elements[e]
	q.head = h.next
	if q.head == NoElement {
		q.tail = NoElement
	}
	h.next = NoElement
	h.state = slotAllocated

	q.counters.enqueued--
	q.counters.dequeueOps++
	return e, true, nil
}

// Peek returns the head of the queue without removing it.
func (q *Queue) Peek() (e Element, ok bool, err error) {
	if !q.inUse {
		return NoElement, false, ErrInvalidParameter
	}
	if q.head == NoElement {
		return NoElement, false, nil
	}
	return q.head, true, nil
}

// IsEmpty reports whether nothing is enqueued.
func (q *Queue) IsEmpty() bool {
	return q.head == NoElement
}

// Destroy drains pending elements back to the pool, releases the
// reservation and returns the header to the free-queue list. Elements held
// outside the FIFO must be freed first, otherwise ErrInvalidParameter is
// returned and nothing changes.
func (q *Queue) Destroy() error {
	if !q.inUse {
		return ErrInvalidParameter
	}
	if uint32(q.numAlloc) != q.counters.enqueued {
		return ErrInvalidParameter
	}
	m := q.manager

	for {
		e, ok, err := q.Dequeue()
		if err != nil {
			return err
		}
		if !ok {
			break
		}
		if err := q.FreeElement(e); err != nil {
			return err
		}
	}

	m.numReserveElements -= q.numReserved
	if m.counters.reserveElementsLW > uint32(m.numReserveElements) {
		m.counters.reserveElementsLW = uint32(m.numReserveElements)
	}
	m.releaseQueue(q)

	m.counters.destroyOps++
	m.counters.numQueues--
	return nil
}

// Lock enters the queue's critical section through its IntChange hook.
func (q *Queue) Lock() error {
	if !q.inUse {
		return ErrInvalidParameter
	}
	if q.intChange != nil {
		q.intChange(q, true)
	}
	return nil
}

// Unlock leaves the queue's critical section.
func (q *Queue) Unlock() error {
	if !q.inUse {
		return ErrInvalidParameter
	}
	if q.intChange != nil {
		q.intChange(q, false)
	}
	return nil
}

// AllocElementLock is AllocElement inside the pool-level critical section.
func (q *Queue) AllocElementLock() (Element, error) {
	if !q.inUse {
		return NoElement, ErrInvalidParameter
	}
	q.manager.LockManager()
	defer q.manager.UnlockManager()
	return q.AllocElement()
}

// FreeElementLock is FreeElement inside the pool-level critical section.
func (q *Queue) FreeElementLock(e Element) error {
	if !q.inUse {
		return ErrInvalidParameter
	}
	q.manager.LockManager()
	defer q.manager.UnlockManager()
	return q.FreeElement(e)
}

// EnqueueLock is Enqueue inside the queue's critical section.
func (q *Queue) EnqueueLock(e Element) error {
	if err := q.Lock(); err != nil {
		return err
	}
	defer q.Unlock()
	return q.Enqueue(e)
}

// DequeueLock is Dequeue inside the queue's critical section.
func (q *Queue) DequeueLock() (Element, bool, error) {
	if err := q.Lock(); err != nil {
		return NoElement, false, err
	}
	defer q.Unlock()
	return q.Dequeue()
}

// DestroyLock is Destroy inside the pool-level critical section.
func (q *Queue) DestroyLock() error {
	if !q.inUse {
		return ErrInvalidParameter
	}
	m := q.manager
	m.LockManager()
	defer m.UnlockManager()
	return q.Destroy()
}

func (q *Queue) outOfMemory() {
	q.counters.outOfMemory++
	q.manager.counters.outOfMemory++
}
