package core

import "sync/atomic"

// TimerFreq is the tick rate of GetTime, the RP2040 microsecond timer
const TimerFreq = 1000000

// Timer handler results
const (
	SF_DONE       = 0
	SF_RESCHEDULE = 1
)

// Timer is an entry in the cooperative timer list. A handler that returns
// SF_RESCHEDULE must have moved WakeTime forward.
type Timer struct {
	WakeTime uint32
	Handler  func(*Timer) uint8
	Next     *Timer
}

var (
	// clock is written by the target from its hardware counter, or by tests
	clock atomic.Uint32

	// timerList is sorted by WakeTime. currentTime is the clock sample taken
	// by the running ProcessTimers.
	timerList   *Timer
	currentTime uint32
)

// GetTime returns the current system time in timer ticks
func GetTime() uint32 {
	return clock.Load()
}

// SetTime sets the current system time
func SetTime(ticks uint32) {
	clock.Store(ticks)
}

// TimerFromUS converts microseconds to timer ticks
func TimerFromUS(us uint32) uint32 {
	return uint32(uint64(us) * TimerFreq / 1000000)
}

// TimerToUS converts timer ticks to microseconds
func TimerToUS(ticks uint32) uint32 {
	return uint32(uint64(ticks) * 1000000 / TimerFreq)
}

// timeBefore compares tick values across counter wraparound
func timeBefore(a, b uint32) bool {
	return int32(a-b) < 0
}

// ScheduleTimer adds t to the timer list. Timers with equal WakeTime run in
// the order they were scheduled.
func ScheduleTimer(t *Timer) {
	enterCritical()
	defer exitCritical()
	insertTimer(t)
}

func insertTimer(t *Timer) {
	link := &timerList
	for *link != nil && !timeBefore(t.WakeTime, (*link).WakeTime) {
		link = &(*link).Next
	}
	t.Next = *link
	*link = t
}

// CancelTimer unlinks t if it is scheduled
func CancelTimer(t *Timer) {
	enterCritical()
	defer exitCritical()
	for link := &timerList; *link != nil; link = &(*link).Next {
		if *link == t {
			*link = t.Next
			t.Next = nil
			return
		}
	}
}

// ProcessTimers samples the clock and runs every timer that is due
func ProcessTimers() {
	enterCritical()
	defer exitCritical()

	currentTime = GetTime()
	for timerList != nil && !timeBefore(currentTime, timerList.WakeTime) {
		t := timerList
		timerList = t.Next
		t.Next = nil
		if t.Handler(t) == SF_RESCHEDULE {
			insertTimer(t)
		}
	}
}
