package core

// DriverPoller drives a Driver from the cooperative timer list and watches
// the age of its current job.
type DriverPoller struct {
	timer    Timer
	driver   *Driver
	interval uint32
	active   bool

	// jobStart of the last job reported as stalled
	reported    uint32
	hasReported bool
}

// ScheduleDriverTasks polls d.Tasks every interval ticks from ProcessTimers.
// When the current job is older than DriverConfig.StallTicks a stall is
// counted and logged once per job. There is no way to abort a job, so the
// report is all the watchdog does.
func ScheduleDriverTasks(d *Driver, interval uint32) *DriverPoller {
	if interval == 0 {
		interval = 1
	}
	p := &DriverPoller{driver: d, interval: interval, active: true}
	p.timer.Handler = p.fire
	p.timer.WakeTime = GetTime() + interval
	ScheduleTimer(&p.timer)
	return p
}

// Stop removes the poller from the timer list.
func (p *DriverPoller) Stop() {
	if !p.active {
		return
	}
	p.active = false
	CancelTimer(&p.timer)
}

func (p *DriverPoller) fire(t *Timer) uint8 {
	d := p.driver
	if !p.active || !d.open() {
		p.active = false
		return SF_DONE
	}

	d.Tasks()
	p.checkStall()

	t.WakeTime += p.interval
	if !timeBefore(currentTime, t.WakeTime) {
		t.WakeTime = currentTime + p.interval
	}
	return SF_RESCHEDULE
}

func (p *DriverPoller) checkStall() {
	d := p.driver
	age := d.JobAge()
	if d.cfg.StallTicks == 0 || age <= d.cfg.StallTicks {
		return
	}
	if p.hasReported && p.reported == d.engine.jobStart {
		return
	}
	p.reported = d.engine.jobStart
	p.hasReported = true
	d.stats.Stalls++
	RecordEvent(EvtStall, d.cfg.ID, GetTime(), age, uint32(d.engine.current))
	DebugAsync("[SPI] " + d.cfg.Name + " job stalled for " + utoa(age) + " ticks")
}
