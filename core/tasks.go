package core

import "spiq/queue"

// engineState is where the transfer engine is within the current job.
type engineState uint8

const (
	engineIdle     engineState = iota // No job, next Tasks call dequeues
	engineTransmit                    // Waiting for room to send the next symbol
	engineReceive                     // One symbol in flight, waiting for its echo
)

type engine struct {
	state    engineState
	current  queue.Element
	jobStart uint32
}

// Tasks runs the transfer engine for up to SymbolsPerTask iterations and
// returns. It never blocks and must be called repeatedly from the main loop
// or a timer.
func (d *Driver) Tasks() {
	if !d.open() {
		return
	}

	for budget := d.cfg.SymbolsPerTask; budget > 0; budget-- {
		if d.engine.state == engineIdle {
			if !d.startNext() {
				return
			}
		}
		j := d.pool.jobAt(d.engine.current)

		if d.engine.state == engineTransmit && d.periph.TransmitBufferIsEmpty() {
			if j.txLeft() > 0 {
				b, dummy := j.nextTx()
				d.periph.BufferWrite(b)
				if dummy {
					d.stats.DummyTx++
				} else {
					d.stats.BytesTx++
				}
				d.engine.state = engineReceive
			}
		}

		if d.periph.ReceiverHasOverflowed() {
			d.stats.Overflows++
			d.finish(StatusError)
			continue
		}

		if d.periph.ReceiverBufferIsFull() {
			b := d.periph.BufferRead()
			if j.storeRx(b) {
				d.stats.DummyRx++
			} else {
				d.stats.BytesRx++
			}
			d.engine.state = engineTransmit
		}

		if j.txLeft() == 0 && j.rxLeft() == 0 && d.engine.state == engineTransmit {
			d.finish(StatusComplete)
		}
	}
}

// startNext dequeues the next job and prepares the peripheral for it.
func (d *Driver) startNext() bool {
	e, ok, err := d.q.DequeueLock()
	if err != nil || !ok {
		if d.status == SysBusy {
			d.status = SysReady
		}
		return false
	}

	d.engine.current = e
	d.engine.state = engineTransmit
	d.engine.jobStart = GetTime()
	d.status = SysBusy
	d.stats.JobsStarted++

	j := d.pool.jobAt(e)
	if j.client != nil {
		j.hooks = *j.client
	} else {
		j.hooks = d.client
	}
	j.started = true
	if j.hooks.BaudRate != 0 {
		if err := d.applyBaud(j.hooks.BaudRate); err != nil {
			DebugPrintln("[SPI] " + d.cfg.Name + " baud change failed: " + err.Error())
		}
	}
	h := d.pool.handle(e)
	if j.hooks.OperationStarting != nil {
		j.hooks.OperationStarting(StatusProcessing, h, j.ctx)
	}
	d.periph.BufferClear()
	j.status = StatusProcessing

	RecordEvent(EvtJobStart, d.cfg.ID, d.engine.jobStart, uint32(e), uint32(j.txLeft()))
	return true
}

// finish reports the current job with status, frees it and returns the
// engine to idle. OperationEnded only runs for a job whose OperationStarting
// ran. On error the peripheral FIFO and overflow flag are reset so the next
// job starts clean.
func (d *Driver) finish(status Status) {
	e := d.engine.current
	j := d.pool.jobAt(e)
	h := d.pool.handle(e)

	j.status = status
	if j.handler != nil {
		j.handler(status, h, j.ctx)
	}
	if j.started && j.hooks.OperationEnded != nil {
		j.hooks.OperationEnded(status, h, j.ctx)
	}

	if status == StatusError {
		d.stats.JobsFailed++
		RecordEvent(EvtJobError, d.cfg.ID, GetTime(), uint32(e), uint32(j.rxLeft()))
	} else {
		d.stats.JobsCompleted++
		RecordEvent(EvtJobComplete, d.cfg.ID, GetTime(), uint32(e), GetTime()-d.engine.jobStart)
	}
	d.release(e)

	d.engine.current = queue.NoElement
	d.engine.state = engineIdle

	if status == StatusError {
		d.periph.BufferClear()
		d.periph.ReceiverOverflowClear()
	}
}

// release returns a finished job's element to the pool. The slot keeps its
// final status until it is handed out again.
func (d *Driver) release(e queue.Element) {
	j := d.pool.jobAt(e)
	j.handler = nil
	j.ctx = nil
	j.client = nil
	j.hooks = ClientConfig{}
	j.started = false
	j.txBuf = nil
	j.rxBuf = nil
	if err := d.q.FreeElementLock(e); err != nil {
		panic("spi: " + d.cfg.Name + " freeing job element: " + err.Error())
	}
}

// JobAge returns the ticks spent on the current job, or 0 when idle.
func (d *Driver) JobAge() uint32 {
	if d.engine.state == engineIdle {
		return 0
	}
	return GetTime() - d.engine.jobStart
}
