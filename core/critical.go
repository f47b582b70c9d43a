package core

import "spiq/queue"

// Nesting depth of the critical section and the mask saved on entry.
// Completion handlers may submit jobs while Tasks holds the section, so
// entry has to be re-entrant.
var (
	criticalDepth int
	criticalState State
)

// enterCritical masks interrupts. Only the outermost entry touches the
// hardware mask.
func enterCritical() {
	if criticalDepth == 0 {
		criticalState = disableInterrupts()
	}
	criticalDepth++
}

// exitCritical undoes one enterCritical.
func exitCritical() {
	criticalDepth--
	if criticalDepth == 0 {
		restoreInterrupts(criticalState)
	}
}

// poolLockHook guards the shared element free list.
func poolLockHook(lock bool) {
	if lock {
		enterCritical()
	} else {
		exitCritical()
	}
}

// queueIntChange guards one driver queue against the interrupt that may
// complete its jobs.
func queueIntChange(_ *queue.Queue, disable bool) {
	poolLockHook(disable)
}
