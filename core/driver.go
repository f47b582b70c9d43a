package core

import (
	"spiq/queue"
)

// SysStatus is the state of a driver instance.
type SysStatus uint8

const (
	SysUninitialized SysStatus = iota
	SysReady
	SysBusy
	SysError
	SysDeinitialized
)

func (s SysStatus) String() string {
	switch s {
	case SysReady:
		return "ready"
	case SysBusy:
		return "busy"
	case SysError:
		return "error"
	case SysDeinitialized:
		return "deinitialized"
	default:
		return "uninitialized"
	}
}

// DriverConfig configures one driver instance.
type DriverConfig struct {
	Name           string
	ID             uint8  // Tag used in the event ring
	MaxJobs        int    // Queue quota
	ReserveJobs    int    // Slots guaranteed even when the pool is contended
	SymbolsPerTask int    // Engine iterations per Tasks call
	BaudRate       uint32 // Initial clock, 0 leaves the peripheral alone
	StallTicks     uint32 // Watchdog threshold, 0 disables stall reports
}

// DefaultDriverConfig returns the stock queue and polling sizes.
func DefaultDriverConfig() DriverConfig {
	return DriverConfig{
		Name:           "spi0",
		MaxJobs:        10,
		ReserveJobs:    1,
		SymbolsPerTask: 16,
	}
}

// ClientConfig holds the per-client hooks and clock. OperationStarting runs
// before the first symbol of every job and OperationEnded after its
// completion handler, which is where chip select is usually toggled.
type ClientConfig struct {
	OperationStarting EventHandler
	OperationEnded    EventHandler
	BaudRate          uint32
}

// Stats counts engine activity.
type Stats struct {
	JobsQueued    uint32
	JobsStarted   uint32
	JobsCompleted uint32
	JobsFailed    uint32
	BytesTx       uint32
	BytesRx       uint32
	DummyTx       uint32
	DummyRx       uint32
	Overflows     uint32
	OutOfMemory   uint32
	Stalls        uint32
}

// Driver is one SPI master instance with its own job queue.
type Driver struct {
	cfg    DriverConfig
	pool   *JobPool
	periph Peripheral
	q      *queue.Queue

	status      SysStatus
	client      ClientConfig
	currentBaud uint32

	engine engine
	stats  Stats
}

// NewDriver creates the instance queue in pool and readies periph.
func NewDriver(pool *JobPool, periph Peripheral, cfg DriverConfig) (*Driver, error) {
	if periph == nil {
		return nil, ErrNoPeripheral
	}
	if pool == nil || cfg.SymbolsPerTask < 1 {
		return nil, queue.ErrInvalidParameter
	}

	q, err := pool.mgr.CreateQueueLock(queue.QueueSetup{
		MaxElements:     cfg.MaxJobs,
		ReserveElements: cfg.ReserveJobs,
		IntChange:       queueIntChange,
	})
	if err != nil {
		return nil, err
	}

	d := &Driver{
		cfg:    cfg,
		pool:   pool,
		periph: periph,
		q:      q,
		engine: engine{state: engineIdle, current: queue.NoElement},
	}

	if cfg.BaudRate != 0 {
		if err := d.applyBaud(cfg.BaudRate); err != nil {
			q.DestroyLock()
			return nil, err
		}
	}
	if en, ok := periph.(Enabler); ok {
		en.Enable()
	}
	periph.BufferClear()
	periph.ReceiverOverflowClear()

	d.status = SysReady
	DebugPrintln("[SPI] " + cfg.Name + " ready, " + itoa(cfg.MaxJobs) + " jobs")
	return d, nil
}

// Name returns the configured instance name.
func (d *Driver) Name() string {
	return d.cfg.Name
}

// Status returns the instance state.
func (d *Driver) Status() SysStatus {
	return d.status
}

// Stats returns a copy of the engine counters.
func (d *Driver) Stats() Stats {
	return d.stats
}

// QueueStatus returns the counters of the instance queue.
func (d *Driver) QueueStatus() (queue.QueueStatus, error) {
	if d.q == nil {
		return queue.QueueStatus{}, ErrNotInitialized
	}
	return d.q.Status()
}

// ClientConfigure replaces the hooks of the default client used by the
// Driver's own Add methods. A non-zero BaudRate is applied at the start of
// the next job.
func (d *Driver) ClientConfigure(c ClientConfig) error {
	if !d.open() {
		return ErrNotInitialized
	}
	d.client = c
	return nil
}

// Deinitialize fails every outstanding job, releases the queue and powers the
// peripheral down. Each failed job still gets exactly one ERROR event.
// Submissions from those handlers are refused, so the drain always ends.
// Jobs that never started skip OperationEnded.
func (d *Driver) Deinitialize() {
	if !d.open() {
		return
	}
	d.status = SysDeinitialized

	if d.engine.current != queue.NoElement {
		d.finish(StatusError)
	}
	for {
		e, ok, err := d.q.DequeueLock()
		if err != nil || !ok {
			break
		}
		d.engine.current = e
		d.finish(StatusError)
	}
	d.q.DestroyLock()
	d.q = nil

	if en, ok := d.periph.(Enabler); ok {
		en.Disable()
	}
	d.engine = engine{state: engineIdle, current: queue.NoElement}
}

// AddRead queues a receive of len(buf) bytes, clocking out dummy bytes.
func (d *Driver) AddRead(buf []byte, handler EventHandler, ctx any) (JobHandle, error) {
	return d.submit(&d.client, nil, buf, handler, ctx)
}

// AddWrite queues a transmit of buf, discarding what comes back.
func (d *Driver) AddWrite(buf []byte, handler EventHandler, ctx any) (JobHandle, error) {
	return d.submit(&d.client, buf, nil, handler, ctx)
}

// AddWriteRead queues a duplex transfer. The shorter side is padded so both
// directions clock max(len(tx), len(rx)) bytes.
func (d *Driver) AddWriteRead(tx, rx []byte, handler EventHandler, ctx any) (JobHandle, error) {
	return d.submit(&d.client, tx, rx, handler, ctx)
}

// AddWriteInline copies data into the job's scratch area before queueing,
// so the caller's buffer can be reused immediately.
func (d *Driver) AddWriteInline(data []byte, handler EventHandler, ctx any) (JobHandle, error) {
	return d.submitInline(&d.client, data, 0, handler, ctx)
}

// AddWriteReadInline copies tx into the job's scratch area and receives
// rxLen bytes into the same area. The received bytes are available from
// JobData while the completion handler runs.
func (d *Driver) AddWriteReadInline(tx []byte, rxLen int, handler EventHandler, ctx any) (JobHandle, error) {
	return d.submitInline(&d.client, tx, rxLen, handler, ctx)
}

// JobData returns the receive buffer of a live job.
func (d *Driver) JobData(h JobHandle) []byte {
	j := d.pool.lookup(h)
	if j == nil {
		return nil
	}
	return j.rxBuf
}

// BufferStatus returns the status of the job behind h.
func (d *Driver) BufferStatus(h JobHandle) Status {
	j := d.pool.lookup(h)
	if j == nil {
		return StatusInvalid
	}
	return j.status
}

func (d *Driver) open() bool {
	return d.status != SysUninitialized && d.status != SysDeinitialized
}

func (d *Driver) submit(client *ClientConfig, tx, rx []byte, handler EventHandler, ctx any) (JobHandle, error) {
	if !d.open() {
		return JobHandle{}, ErrNotInitialized
	}
	if len(tx) == 0 && len(rx) == 0 {
		return JobHandle{}, ErrEmptyTransfer
	}

	e, err := d.q.AllocElementLock()
	if err != nil {
		d.stats.OutOfMemory++
		RecordEvent(EvtOutOfMemory, d.cfg.ID, GetTime(), uint32(len(tx)), uint32(len(rx)))
		return JobHandle{}, err
	}
	j := d.pool.jobAt(e)
	j.reset()
	j.setBuffers(tx, rx)
	j.client = client
	return d.enqueue(e, j, handler, ctx)
}

func (d *Driver) submitInline(client *ClientConfig, tx []byte, rxLen int, handler EventHandler, ctx any) (JobHandle, error) {
	if !d.open() {
		return JobHandle{}, ErrNotInitialized
	}
	if len(tx) == 0 && rxLen <= 0 {
		return JobHandle{}, ErrEmptyTransfer
	}
	if len(tx) > d.pool.InlineSize() || rxLen > d.pool.InlineSize() {
		return JobHandle{}, ErrBufferTooLarge
	}

	e, err := d.q.AllocElementLock()
	if err != nil {
		d.stats.OutOfMemory++
		RecordEvent(EvtOutOfMemory, d.cfg.ID, GetTime(), uint32(len(tx)), uint32(rxLen))
		return JobHandle{}, err
	}
	// Receiving in place is safe: byte i is always sent before byte i
	// arrives, and only one symbol is in flight at a time.
	scratch := d.pool.inline(e)
	n := copy(scratch, tx)
	j := d.pool.jobAt(e)
	j.reset()
	var rx []byte
	if rxLen > 0 {
		rx = scratch[:rxLen]
	}
	j.setBuffers(scratch[:n], rx)
	j.client = client
	return d.enqueue(e, j, handler, ctx)
}

func (d *Driver) enqueue(e queue.Element, j *Job, handler EventHandler, ctx any) (JobHandle, error) {
	j.handler = handler
	j.ctx = ctx
	j.status = StatusPending

	if err := d.q.EnqueueLock(e); err != nil {
		j.status = StatusInvalid
		d.release(e)
		return JobHandle{}, err
	}
	d.stats.JobsQueued++
	RecordEvent(EvtJobQueued, d.cfg.ID, GetTime(), uint32(e), uint32(j.txLeft()))
	return d.pool.handle(e), nil
}

func (d *Driver) applyBaud(hz uint32) error {
	if hz == d.currentBaud {
		return nil
	}
	bs, ok := d.periph.(BaudRateSetter)
	if !ok {
		return nil
	}
	if err := bs.SetBaudRate(hz); err != nil {
		return err
	}
	d.currentBaud = hz
	return nil
}

// Client is one user of a shared instance. Jobs submitted through it run
// with its hooks and clock, so devices with different chip selects and
// rates can share a bus.
type Client struct {
	d   *Driver
	cfg ClientConfig
}

// Open registers a client on the instance.
func (d *Driver) Open(cfg ClientConfig) (*Client, error) {
	if !d.open() {
		return nil, ErrNotInitialized
	}
	return &Client{d: d, cfg: cfg}, nil
}

// Configure replaces the client settings for jobs not yet started.
func (c *Client) Configure(cfg ClientConfig) {
	c.cfg = cfg
}

// Driver returns the instance the client submits to.
func (c *Client) Driver() *Driver {
	return c.d
}

// AddRead is Driver.AddRead for this client.
func (c *Client) AddRead(buf []byte, handler EventHandler, ctx any) (JobHandle, error) {
	return c.d.submit(&c.cfg, nil, buf, handler, ctx)
}

// AddWrite is Driver.AddWrite for this client.
func (c *Client) AddWrite(buf []byte, handler EventHandler, ctx any) (JobHandle, error) {
	return c.d.submit(&c.cfg, buf, nil, handler, ctx)
}

// AddWriteRead is Driver.AddWriteRead for this client.
func (c *Client) AddWriteRead(tx, rx []byte, handler EventHandler, ctx any) (JobHandle, error) {
	return c.d.submit(&c.cfg, tx, rx, handler, ctx)
}

// AddWriteInline is Driver.AddWriteInline for this client.
func (c *Client) AddWriteInline(data []byte, handler EventHandler, ctx any) (JobHandle, error) {
	return c.d.submitInline(&c.cfg, data, 0, handler, ctx)
}

// AddWriteReadInline is Driver.AddWriteReadInline for this client.
func (c *Client) AddWriteReadInline(tx []byte, rxLen int, handler EventHandler, ctx any) (JobHandle, error) {
	return c.d.submitInline(&c.cfg, tx, rxLen, handler, ctx)
}
