package core

import "spiq/queue"

// PoolConfig sizes the job pool shared by all driver instances.
type PoolConfig struct {
	Instances        int    // Number of driver queues carved from the pool
	ElementsPerQueue int    // Job slots budgeted per instance
	InlineSize       int    // Per-job scratch bytes for inline transfers
	Buffer           []byte // Optional static region; allocated when nil
}

// DefaultPoolConfig returns a pool for one instance with ten jobs.
func DefaultPoolConfig() PoolConfig {
	return PoolConfig{
		Instances:        1,
		ElementsPerQueue: 10,
		InlineSize:       0,
	}
}

// RegionSize returns the region length a PoolConfig needs.
func (c PoolConfig) RegionSize() int {
	return queue.BufferSize(c.Instances, c.InlineSize, c.Instances*c.ElementsPerQueue)
}

// JobPool owns the queue manager and the job slab indexed by its elements.
type JobPool struct {
	mgr  *queue.Manager
	jobs []Job
}

// NewJobPool initializes the region and the slab.
func NewJobPool(cfg PoolConfig) (*JobPool, error) {
	if cfg.Instances < 1 || cfg.ElementsPerQueue < 1 || cfg.InlineSize < 0 {
		return nil, queue.ErrInvalidParameter
	}
	buf := cfg.Buffer
	if buf == nil {
		buf = make([]byte, cfg.RegionSize())
	}

	mgr, err := queue.Initialize(queue.Setup{
		Buffer:      buf,
		NumQueues:   cfg.Instances,
		ElementSize: cfg.InlineSize,
	})
	if err != nil {
		return nil, err
	}
	mgr.SetLockHook(poolLockHook)

	return &JobPool{
		mgr:  mgr,
		jobs: make([]Job, mgr.NumElements()),
	}, nil
}

// Manager exposes the underlying queue manager.
func (p *JobPool) Manager() *queue.Manager {
	return p.mgr
}

// Status returns the pool counters.
func (p *JobPool) Status() queue.ManagerStatus {
	return p.mgr.Status()
}

// InlineSize returns the scratch capacity of each job.
func (p *JobPool) InlineSize() int {
	return p.mgr.ElementSize()
}

// jobAt returns the slab entry for element e.
func (p *JobPool) jobAt(e queue.Element) *Job {
	return &p.jobs[e]
}

// lookup resolves a handle, or returns nil when the slot was reused.
func (p *JobPool) lookup(h JobHandle) *Job {
	if !h.Valid() || h.index < 0 || int(h.index) >= len(p.jobs) {
		return nil
	}
	j := &p.jobs[h.index]
	if j.gen != h.gen {
		return nil
	}
	return j
}

// handle builds the handle of element e's current job.
func (p *JobPool) handle(e queue.Element) JobHandle {
	return JobHandle{index: e, gen: p.jobs[e].gen}
}

// inline returns the scratch window of element e.
func (p *JobPool) inline(e queue.Element) []byte {
	return p.mgr.Payload(e)
}
