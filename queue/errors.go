package queue

import "errors"

// Queue manager errors.
var (
	// ErrOutOfMemory indicates the pool, the queue quota or the reservation
	// accounting cannot supply another element. Callers retry later.
	ErrOutOfMemory = errors.New("queue: out of memory")

	// ErrOutOfQueues indicates every queue header is in use.
	ErrOutOfQueues = errors.New("queue: out of queues")

	// ErrInvalidParameter indicates a malformed setup, a destroyed queue or an
	// element that does not belong to the queue.
	ErrInvalidParameter = errors.New("queue: invalid parameter")
)
