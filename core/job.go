package core

import "spiq/queue"

// DummyByte is clocked out when a job has no more real data to send.
const DummyByte = 0xFF

// Status is the life-cycle state of a queued job.
type Status uint8

const (
	StatusInvalid Status = iota
	StatusPending
	StatusProcessing
	StatusComplete
	StatusError
)

func (s Status) String() string {
	switch s {
	case StatusPending:
		return "pending"
	case StatusProcessing:
		return "processing"
	case StatusComplete:
		return "complete"
	case StatusError:
		return "error"
	default:
		return "invalid"
	}
}

// EventHandler receives job events. It runs synchronously inside Tasks and
// must not block. Submitting new jobs from it is allowed.
type EventHandler func(ev Status, h JobHandle, ctx any)

// JobHandle identifies a job. The zero value is never valid.
//
// A handle keeps reporting its final status after the job is freed, until
// the slot is handed out again; from then on it reports StatusInvalid.
type JobHandle struct {
	index queue.Element
	gen   uint16
}

// Valid reports whether h was ever returned by a submission.
func (h JobHandle) Valid() bool {
	return h.gen != 0
}

// Job is one in-flight transfer. It lives in the pool slab at the index of
// its queue element.
type Job struct {
	txBuf []byte
	rxBuf []byte

	dataLeftToTx  int
	dummyLeftToTx int
	dataLeftToRx  int
	dummyLeftToRx int

	status  Status
	handler EventHandler
	ctx     any
	client  *ClientConfig
	hooks   ClientConfig // Client settings taken when the job started
	started bool
	gen     uint16
}

// reset clears the job for a new submission and bumps its generation.
func (j *Job) reset() {
	gen := j.gen + 1
	if gen == 0 {
		gen = 1
	}
	*j = Job{gen: gen}
}

// setBuffers fills in the byte counters, padding the shorter side with
// dummy symbols so both directions clock the same number of bytes.
func (j *Job) setBuffers(tx, rx []byte) {
	j.txBuf = tx
	j.rxBuf = rx
	j.dataLeftToTx = len(tx)
	j.dataLeftToRx = len(rx)
	j.dummyLeftToTx = 0
	j.dummyLeftToRx = 0
	if len(rx) > len(tx) {
		j.dummyLeftToTx = len(rx) - len(tx)
	} else {
		j.dummyLeftToRx = len(tx) - len(rx)
	}
}

// detach turns the remaining data symbols into padding so the job no longer
// reads or writes the submitter's buffers.
func (j *Job) detach() {
	j.dummyLeftToTx += j.dataLeftToTx
	j.dataLeftToTx = 0
	j.dummyLeftToRx += j.dataLeftToRx
	j.dataLeftToRx = 0
	j.txBuf = nil
	j.rxBuf = nil
}

func (j *Job) txLeft() int {
	return j.dataLeftToTx + j.dummyLeftToTx
}

func (j *Job) rxLeft() int {
	return j.dataLeftToRx + j.dummyLeftToRx
}

// nextTx returns the next symbol to transmit and whether it is padding.
func (j *Job) nextTx() (b byte, dummy bool) {
	if j.dataLeftToTx > 0 {
		b = j.txBuf[len(j.txBuf)-j.dataLeftToTx]
		j.dataLeftToTx--
		return b, false
	}
	j.dummyLeftToTx--
	return DummyByte, true
}

// storeRx accounts for one received symbol and reports whether it was
// padding.
func (j *Job) storeRx(b byte) (dummy bool) {
	if j.dataLeftToRx > 0 {
		j.rxBuf[len(j.rxBuf)-j.dataLeftToRx] = b
		j.dataLeftToRx--
		return false
	}
	if j.dummyLeftToRx > 0 {
		j.dummyLeftToRx--
	}
	return true
}
