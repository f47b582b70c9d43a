package core

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"spiq/queue"
	"spiq/sim"
)

// alternating reports TX-empty and RX-full in turn, answering with a
// running counter.
type alternating struct {
	pending bool
	next    byte
	writes  int
	reads   int
}

func (a *alternating) TransmitBufferIsEmpty() bool { return !a.pending }
func (a *alternating) ReceiverBufferIsFull() bool  { return a.pending }
func (a *alternating) BufferWrite(byte)            { a.pending = true; a.writes++ }
func (a *alternating) BufferRead() byte {
	a.pending = false
	a.reads++
	a.next++
	return a.next
}
func (a *alternating) ReceiverHasOverflowed() bool { return false }
func (a *alternating) BufferClear()                {}
func (a *alternating) ReceiverOverflowClear()      {}

// stuck never accepts a byte.
type stuck struct{}

func (stuck) TransmitBufferIsEmpty() bool { return false }
func (stuck) ReceiverBufferIsFull() bool  { return false }
func (stuck) BufferWrite(byte)            {}
func (stuck) BufferRead() byte            { return 0 }
func (stuck) ReceiverHasOverflowed() bool { return false }
func (stuck) BufferClear()                {}
func (stuck) ReceiverOverflowClear()      {}

type completion struct {
	status Status
	handle JobHandle
	ctx    any
}

type recorder struct {
	events []completion
}

func (r *recorder) handler(ev Status, h JobHandle, ctx any) {
	r.events = append(r.events, completion{ev, h, ctx})
}

func newTestDriver(t *testing.T, periph Peripheral, mutate func(*PoolConfig, *DriverConfig)) (*JobPool, *Driver) {
	t.Helper()
	pcfg := DefaultPoolConfig()
	pcfg.InlineSize = 16
	dcfg := DefaultDriverConfig()
	if mutate != nil {
		mutate(&pcfg, &dcfg)
	}
	pool, err := NewJobPool(pcfg)
	require.NoError(t, err)
	d, err := NewDriver(pool, periph, dcfg)
	require.NoError(t, err)
	require.Equal(t, SysReady, d.Status())
	return pool, d
}

func runUntilIdle(t *testing.T, d *Driver, maxCalls int) int {
	t.Helper()
	for calls := 1; calls <= maxCalls; calls++ {
		d.Tasks()
		if d.engine.state == engineIdle && d.q.IsEmpty() {
			return calls
		}
	}
	t.Fatalf("driver %s still busy after %d Tasks calls", d.Name(), maxCalls)
	return 0
}

func TestDuplexPadding(t *testing.T) {
	periph := sim.New(sim.Loopback{}, sim.Config{})
	pool, d := newTestDriver(t, periph, nil)

	tx := []byte{1, 2, 3, 4, 5}
	rx := make([]byte, 8)
	var rec recorder
	h, err := d.AddWriteRead(tx, rx, rec.handler, "ctx")
	require.NoError(t, err)

	j := pool.lookup(h)
	require.NotNil(t, j)
	assert.Equal(t, 3, j.dummyLeftToTx)
	assert.Equal(t, 0, j.dummyLeftToRx)
	assert.Equal(t, 5, j.dataLeftToTx)
	assert.Equal(t, 8, j.dataLeftToRx)
	assert.Equal(t, StatusPending, d.BufferStatus(h))

	runUntilIdle(t, d, 10)

	require.Len(t, rec.events, 1)
	assert.Equal(t, StatusComplete, rec.events[0].status)
	assert.Equal(t, h, rec.events[0].handle)
	assert.Equal(t, "ctx", rec.events[0].ctx)
	assert.Equal(t, StatusComplete, d.BufferStatus(h))

	assert.Equal(t, []byte{1, 2, 3, 4, 5, 0xFF, 0xFF, 0xFF}, periph.Written())
	assert.Equal(t, []byte{1, 2, 3, 4, 5, 0xFF, 0xFF, 0xFF}, rx)

	st := d.Stats()
	assert.Equal(t, uint32(5), st.BytesTx)
	assert.Equal(t, uint32(3), st.DummyTx)
	assert.Equal(t, uint32(8), st.BytesRx)
	assert.Equal(t, uint32(0), st.DummyRx)
}

func TestWriteLongerThanRead(t *testing.T) {
	periph := sim.New(sim.Loopback{}, sim.Config{})
	pool, d := newTestDriver(t, periph, nil)

	rx := make([]byte, 2)
	h, err := d.AddWriteRead([]byte{9, 8, 7, 6}, rx, nil, nil)
	require.NoError(t, err)
	j := pool.lookup(h)
	assert.Equal(t, 0, j.dummyLeftToTx)
	assert.Equal(t, 2, j.dummyLeftToRx)

	runUntilIdle(t, d, 10)
	assert.Equal(t, []byte{9, 8}, rx)
	assert.Equal(t, uint32(2), d.Stats().DummyRx)
	assert.Equal(t, StatusComplete, d.BufferStatus(h))
}

func TestReadsCompleteInOrder(t *testing.T) {
	periph := &alternating{}
	pool, d := newTestDriver(t, periph, nil)

	sizes := []int{4, 2, 6}
	bufs := make([][]byte, len(sizes))
	var order []int
	leftover := -1
	for i, n := range sizes {
		bufs[i] = make([]byte, n)
		_, err := d.AddRead(bufs[i], func(ev Status, h JobHandle, ctx any) {
			require.Equal(t, StatusComplete, ev)
			order = append(order, ctx.(int))
			j := pool.lookup(h)
			leftover = j.dataLeftToRx + j.dummyLeftToRx + j.txLeft()
		}, i)
		require.NoError(t, err)
	}

	runUntilIdle(t, d, 100)

	assert.Equal(t, []int{0, 1, 2}, order)
	assert.Equal(t, 0, leftover)
	assert.Equal(t, []byte{1, 2, 3, 4}, bufs[0])
	assert.Equal(t, []byte{5, 6}, bufs[1])
	assert.Equal(t, []byte{7, 8, 9, 10, 11, 12}, bufs[2])
	assert.Equal(t, 12, periph.writes)
	assert.Equal(t, 12, periph.reads)
	assert.Equal(t, uint32(12), d.Stats().DummyTx)
}

func TestOverflowAbortsJob(t *testing.T) {
	periph := sim.New(sim.Loopback{}, sim.Config{})
	_, d := newTestDriver(t, periph, nil)

	var ended []Status
	require.NoError(t, d.ClientConfigure(ClientConfig{
		OperationEnded: func(ev Status, _ JobHandle, _ any) { ended = append(ended, ev) },
	}))

	var first, second recorder
	rx1 := make([]byte, 6)
	h1, err := d.AddWriteRead([]byte{1, 2, 3, 4, 5, 6}, rx1, first.handler, nil)
	require.NoError(t, err)
	rx2 := make([]byte, 3)
	h2, err := d.AddWriteRead([]byte{7, 8, 9}, rx2, second.handler, nil)
	require.NoError(t, err)

	periph.InjectOverflowAfter(3)
	runUntilIdle(t, d, 10)

	require.Len(t, first.events, 1)
	assert.Equal(t, StatusError, first.events[0].status)
	assert.Equal(t, StatusError, d.BufferStatus(h1))

	require.Len(t, second.events, 1)
	assert.Equal(t, StatusComplete, second.events[0].status)
	assert.Equal(t, []byte{7, 8, 9}, rx2)
	assert.Equal(t, StatusComplete, d.BufferStatus(h2))

	assert.Equal(t, []Status{StatusError, StatusComplete}, ended)
	assert.False(t, periph.ReceiverHasOverflowed())
	assert.Equal(t, 1, periph.OverflowAcks)

	st := d.Stats()
	assert.Equal(t, uint32(1), st.JobsFailed)
	assert.Equal(t, uint32(1), st.JobsCompleted)
	assert.Equal(t, uint32(1), st.Overflows)
}

func TestOutOfMemoryIsRecoverable(t *testing.T) {
	periph := sim.New(sim.Loopback{}, sim.Config{})
	_, d := newTestDriver(t, periph, func(p *PoolConfig, c *DriverConfig) {
		p.ElementsPerQueue = 2
		c.MaxJobs = 2
	})

	_, err := d.AddWrite([]byte{1}, nil, nil)
	require.NoError(t, err)
	_, err = d.AddWrite([]byte{2}, nil, nil)
	require.NoError(t, err)
	_, err = d.AddWrite([]byte{3}, nil, nil)
	assert.ErrorIs(t, err, queue.ErrOutOfMemory)
	assert.Equal(t, uint32(1), d.Stats().OutOfMemory)

	runUntilIdle(t, d, 4)
	_, err = d.AddWrite([]byte{3}, nil, nil)
	assert.NoError(t, err)
	runUntilIdle(t, d, 4)
	assert.Equal(t, []byte{1, 2, 3}, periph.Written())
}

func TestStaleHandle(t *testing.T) {
	periph := sim.New(sim.Loopback{}, sim.Config{})
	_, d := newTestDriver(t, periph, func(p *PoolConfig, c *DriverConfig) {
		p.ElementsPerQueue = 1
		c.MaxJobs = 1
	})

	assert.Equal(t, StatusInvalid, d.BufferStatus(JobHandle{}))

	a, err := d.AddWrite([]byte{1}, nil, nil)
	require.NoError(t, err)
	runUntilIdle(t, d, 2)
	assert.Equal(t, StatusComplete, d.BufferStatus(a))

	b, err := d.AddWrite([]byte{2}, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, a.index, b.index)
	assert.Equal(t, StatusInvalid, d.BufferStatus(a))
	assert.Equal(t, StatusPending, d.BufferStatus(b))
}

func TestSymbolBudget(t *testing.T) {
	periph := sim.New(sim.Loopback{}, sim.Config{})
	_, d := newTestDriver(t, periph, func(_ *PoolConfig, c *DriverConfig) {
		c.SymbolsPerTask = 4
	})

	h, err := d.AddWrite(make([]byte, 10), nil, nil)
	require.NoError(t, err)

	d.Tasks()
	assert.Equal(t, StatusProcessing, d.BufferStatus(h))
	assert.Equal(t, SysBusy, d.Status())
	assert.Len(t, periph.Written(), 4)

	calls := runUntilIdle(t, d, 10)
	assert.Equal(t, 2, calls)
	assert.Equal(t, StatusComplete, d.BufferStatus(h))

	d.Tasks()
	assert.Equal(t, SysReady, d.Status())
}

func TestSlowPeripheral(t *testing.T) {
	periph := sim.New(sim.Loopback{}, sim.Config{RxLatency: 3, TxBusyPolls: 2})
	_, d := newTestDriver(t, periph, nil)

	rx := make([]byte, 5)
	_, err := d.AddWriteRead([]byte{10, 20, 30, 40, 50}, rx, nil, nil)
	require.NoError(t, err)
	runUntilIdle(t, d, 50)
	assert.Equal(t, []byte{10, 20, 30, 40, 50}, rx)
	assert.False(t, periph.ReceiverHasOverflowed())
}

func TestClientHooksAndBaud(t *testing.T) {
	periph := sim.New(sim.Loopback{}, sim.Config{})
	_, d := newTestDriver(t, periph, func(_ *PoolConfig, c *DriverConfig) {
		c.BaudRate = 500_000
	})
	assert.Equal(t, uint32(500_000), periph.BaudRate())
	assert.True(t, periph.Enabled())

	var trace []string
	require.NoError(t, d.ClientConfigure(ClientConfig{
		BaudRate: 2_000_000,
		OperationStarting: func(ev Status, _ JobHandle, ctx any) {
			assert.Equal(t, StatusProcessing, ev)
			trace = append(trace, "start:"+ctx.(string))
		},
		OperationEnded: func(ev Status, _ JobHandle, ctx any) {
			trace = append(trace, "end:"+ctx.(string))
		},
	}))

	done := func(_ Status, _ JobHandle, ctx any) { trace = append(trace, "done:"+ctx.(string)) }
	_, err := d.AddWrite([]byte{1, 2}, done, "a")
	require.NoError(t, err)
	_, err = d.AddWrite([]byte{3}, done, "b")
	require.NoError(t, err)
	runUntilIdle(t, d, 4)

	assert.Equal(t, []string{"start:a", "done:a", "end:a", "start:b", "done:b", "end:b"}, trace)
	assert.Equal(t, uint32(2_000_000), periph.BaudRate())
	assert.Equal(t, 2, periph.BaudChanges)
}

func TestInlineTransfer(t *testing.T) {
	periph := sim.New(sim.Loopback{}, sim.Config{})
	_, d := newTestDriver(t, periph, nil)

	tx := []byte{0xDE, 0xAD, 0xBE, 0xEF}
	var got []byte
	_, err := d.AddWriteReadInline(tx, 6, func(ev Status, h JobHandle, _ any) {
		require.Equal(t, StatusComplete, ev)
		got = append([]byte(nil), d.JobData(h)...)
	}, nil)
	require.NoError(t, err)

	// The caller's buffer is free for reuse straight away
	tx[0] = 0

	runUntilIdle(t, d, 4)
	assert.Equal(t, []byte{0xDE, 0xAD, 0xBE, 0xEF, 0xFF, 0xFF}, got)

	_, err = d.AddWriteInline(make([]byte, 17), nil, nil)
	assert.ErrorIs(t, err, ErrBufferTooLarge)
	_, err = d.AddWriteReadInline(nil, 17, nil, nil)
	assert.ErrorIs(t, err, ErrBufferTooLarge)
}

func TestSubmitFromHandler(t *testing.T) {
	periph := sim.New(sim.Loopback{}, sim.Config{})
	_, d := newTestDriver(t, periph, nil)

	var rec recorder
	_, err := d.AddWrite([]byte{1}, func(ev Status, h JobHandle, ctx any) {
		rec.handler(ev, h, ctx)
		_, err := d.AddWrite([]byte{2}, rec.handler, "chained")
		require.NoError(t, err)
	}, "first")
	require.NoError(t, err)

	runUntilIdle(t, d, 4)
	require.Len(t, rec.events, 2)
	assert.Equal(t, "first", rec.events[0].ctx)
	assert.Equal(t, "chained", rec.events[1].ctx)
	assert.Equal(t, []byte{1, 2}, periph.Written())
}

func TestEmptyTransferRejected(t *testing.T) {
	_, d := newTestDriver(t, sim.New(nil, sim.Config{}), nil)
	_, err := d.AddWrite(nil, nil, nil)
	assert.ErrorIs(t, err, ErrEmptyTransfer)
	_, err = d.AddWriteRead([]byte{}, []byte{}, nil, nil)
	assert.ErrorIs(t, err, ErrEmptyTransfer)
}

func TestDeinitializeFailsOutstandingJobs(t *testing.T) {
	periph := sim.New(sim.Loopback{}, sim.Config{})
	pool, d := newTestDriver(t, periph, func(_ *PoolConfig, c *DriverConfig) {
		c.SymbolsPerTask = 1
	})

	var rec recorder
	for i := 0; i < 3; i++ {
		_, err := d.AddWrite([]byte{1, 2, 3}, rec.handler, i)
		require.NoError(t, err)
	}
	d.Tasks()

	d.Deinitialize()
	assert.Equal(t, SysDeinitialized, d.Status())
	assert.False(t, periph.Enabled())
	require.Len(t, rec.events, 3)
	for i, ev := range rec.events {
		assert.Equal(t, StatusError, ev.status)
		assert.Equal(t, i, ev.ctx)
	}

	_, err := d.AddWrite([]byte{1}, nil, nil)
	assert.ErrorIs(t, err, ErrNotInitialized)
	assert.ErrorIs(t, d.ClientConfigure(ClientConfig{}), ErrNotInitialized)
	_, err = d.QueueStatus()
	assert.ErrorIs(t, err, ErrNotInitialized)

	ms := pool.Status()
	assert.Equal(t, ms.NumFreeElements, uint32(pool.Manager().NumElements()))
	assert.Equal(t, uint32(0), ms.NumQueues)
}

func TestDeinitializeRefusesRetries(t *testing.T) {
	periph := sim.New(sim.Loopback{}, sim.Config{})
	_, d := newTestDriver(t, periph, func(_ *PoolConfig, c *DriverConfig) {
		c.SymbolsPerTask = 1
	})

	var starts, ends int
	require.NoError(t, d.ClientConfigure(ClientConfig{
		OperationStarting: func(Status, JobHandle, any) { starts++ },
		OperationEnded:    func(Status, JobHandle, any) { ends++ },
	}))

	var calls int
	var retryErrs []error
	var retry EventHandler
	retry = func(ev Status, _ JobHandle, ctx any) {
		calls++
		if ev == StatusError {
			_, err := d.AddWrite([]byte{9}, retry, ctx)
			retryErrs = append(retryErrs, err)
		}
	}
	for i := 0; i < 3; i++ {
		_, err := d.AddWrite([]byte{1, 2, 3}, retry, i)
		require.NoError(t, err)
	}
	d.Tasks()
	require.Equal(t, 1, starts)

	d.Deinitialize()
	assert.Equal(t, 3, calls)
	require.Len(t, retryErrs, 3)
	for _, err := range retryErrs {
		assert.ErrorIs(t, err, ErrNotInitialized)
	}
	// Only the job that asserted chip select releases it
	assert.Equal(t, 1, starts)
	assert.Equal(t, 1, ends)
}

func TestClientConfigureDuringJob(t *testing.T) {
	periph := sim.New(sim.Loopback{}, sim.Config{})
	_, d := newTestDriver(t, periph, func(_ *PoolConfig, c *DriverConfig) {
		c.SymbolsPerTask = 1
	})

	var trace []string
	hooks := func(name string) ClientConfig {
		return ClientConfig{
			OperationStarting: func(_ Status, _ JobHandle, ctx any) { trace = append(trace, name+" start:"+ctx.(string)) },
			OperationEnded:    func(_ Status, _ JobHandle, ctx any) { trace = append(trace, name+" end:"+ctx.(string)) },
		}
	}
	require.NoError(t, d.ClientConfigure(hooks("old")))
	_, err := d.AddWrite([]byte{1, 2, 3}, nil, "a")
	require.NoError(t, err)
	_, err = d.AddWrite([]byte{4}, nil, "b")
	require.NoError(t, err)

	d.Tasks()
	require.NoError(t, d.ClientConfigure(hooks("new")))
	runUntilIdle(t, d, 50)

	assert.Equal(t, []string{"old start:a", "old end:a", "new start:b", "new end:b"}, trace)
}

func TestDoubleFreePanics(t *testing.T) {
	_, d := newTestDriver(t, sim.New(sim.Loopback{}, sim.Config{}), nil)
	h, err := d.AddWrite([]byte{1}, nil, nil)
	require.NoError(t, err)
	runUntilIdle(t, d, 4)

	assert.Panics(t, func() { d.release(h.index) })
}

func TestDriversShareOnePool(t *testing.T) {
	pool, err := NewJobPool(PoolConfig{Instances: 2, ElementsPerQueue: 3})
	require.NoError(t, err)

	cfg := DefaultDriverConfig()
	cfg.MaxJobs = 6
	cfg.ReserveJobs = 1
	p0 := sim.New(sim.Loopback{}, sim.Config{})
	d0, err := NewDriver(pool, p0, cfg)
	require.NoError(t, err)
	cfg.Name = "spi1"
	p1 := sim.New(sim.Loopback{}, sim.Config{})
	d1, err := NewDriver(pool, p1, cfg)
	require.NoError(t, err)

	// d0 bursts; d1 keeps its reserved slot
	var accepted int
	for {
		if _, err := d0.AddWrite([]byte{0}, nil, nil); err != nil {
			require.ErrorIs(t, err, queue.ErrOutOfMemory)
			break
		}
		accepted++
	}
	assert.Equal(t, 5, accepted)
	_, err = d1.AddWrite([]byte{1}, nil, nil)
	require.NoError(t, err)

	runUntilIdle(t, d0, 10)
	runUntilIdle(t, d1, 10)
	assert.Len(t, p0.Written(), 5)
	assert.Equal(t, []byte{1}, p1.Written())

	qs, err := d0.QueueStatus()
	require.NoError(t, err)
	assert.Equal(t, uint32(5), qs.NumAllocHW)
	assert.Equal(t, uint32(1), qs.OutOfMemoryErrors)
}

func TestNewDriverRejects(t *testing.T) {
	pool, err := NewJobPool(DefaultPoolConfig())
	require.NoError(t, err)

	_, err = NewDriver(pool, nil, DefaultDriverConfig())
	assert.ErrorIs(t, err, ErrNoPeripheral)

	cfg := DefaultDriverConfig()
	cfg.SymbolsPerTask = 0
	_, err = NewDriver(pool, sim.New(nil, sim.Config{}), cfg)
	assert.ErrorIs(t, err, queue.ErrInvalidParameter)

	cfg = DefaultDriverConfig()
	cfg.BaudRate = 99_000_000
	_, err = NewDriver(pool, sim.New(nil, sim.Config{MaxBaud: 1_000_000}), cfg)
	assert.ErrorIs(t, err, sim.ErrBadBaudRate)

	// The failed attempt gave its queue back
	_, err = NewDriver(pool, sim.New(nil, sim.Config{}), DefaultDriverConfig())
	assert.NoError(t, err)

	_, err = NewDriver(pool, sim.New(nil, sim.Config{}), DefaultDriverConfig())
	assert.ErrorIs(t, err, queue.ErrOutOfQueues)
}

func TestEventRing(t *testing.T) {
	ClearEventRing()
	_, d := newTestDriver(t, sim.New(nil, sim.Config{}), func(_ *PoolConfig, c *DriverConfig) {
		c.ID = 7
	})
	_, err := d.AddWrite([]byte{1, 2}, nil, nil)
	require.NoError(t, err)
	runUntilIdle(t, d, 2)

	var types []uint8
	for _, ev := range Events() {
		assert.Equal(t, uint8(7), ev.ID)
		types = append(types, ev.EventType)
	}
	assert.Equal(t, []uint8{EvtJobQueued, EvtJobStart, EvtJobComplete}, types)

	var lines []string
	SetDebugWriter(func(s string) { lines = append(lines, s) })
	defer SetDebugWriter(func(string) {})
	DumpEventRing()
	assert.Len(t, lines, 5)
}
