package core

import "errors"

// Driver errors. Pool exhaustion is reported with queue.ErrOutOfMemory so
// callers can retry on the next task invocation.
var (
	ErrNoPeripheral   = errors.New("spi: no peripheral")
	ErrNotInitialized = errors.New("spi: driver not initialized")
	ErrTransferFailed = errors.New("spi: transfer failed")
	ErrBufferTooLarge = errors.New("spi: buffer exceeds inline capacity")
	ErrEmptyTransfer  = errors.New("spi: empty transfer")
	ErrTimeout        = errors.New("spi: transfer timed out")
)
