package core

// DebugWriter is a function type for writing debug messages
type DebugWriter func(string)

// Event captures one driver event for post-mortem analysis
type Event struct {
	EventType uint8  // Event type code
	ID        uint8  // Driver instance tag
	Clock     uint32 // System clock at event
	Value1    uint32 // Context-dependent value
	Value2    uint32 // Context-dependent value
}

// Event type codes
const (
	EvtJobQueued   = 1 // Job enqueued (v1=slot, v2=symbols)
	EvtJobStart    = 2 // Engine picked up a job (v1=slot, v2=symbols)
	EvtJobComplete = 3 // Job finished (v1=slot, v2=ticks taken)
	EvtJobError    = 4 // Receive overflow aborted a job (v1=slot, v2=symbols left)
	EvtOutOfMemory = 5 // Submission refused (v1=tx len, v2=rx len)
	EvtStall       = 6 // Watchdog saw a job exceed its budget (v1=age)
)

const (
	EventRingSize = 32 // Keep last 32 events for post-mortem
)

var (
	// debugPrintln is the global debug print function (can be set by platform code)
	debugPrintln DebugWriter = func(s string) {}

	// debugEnabled controls whether debug output is active
	debugEnabled bool

	eventRing     [EventRingSize]Event
	eventRingHead uint8
	eventsEnabled = true

	// Async debug output channel
	debugChan chan string
)

// SetDebugWriter sets the platform-specific debug output function
// This allows platforms to redirect debug output to UART, USB, etc.
func SetDebugWriter(writer DebugWriter) {
	debugPrintln = writer
}

// SetDebugEnabled enables or disables debug output
func SetDebugEnabled(enabled bool) {
	debugEnabled = enabled
}

// IsDebugEnabled returns whether debug output is enabled
func IsDebugEnabled() bool {
	return debugEnabled
}

// SetEventsEnabled turns event capture on or off
func SetEventsEnabled(enabled bool) {
	eventsEnabled = enabled
}

// InitAsyncDebug starts the async debug output goroutine
// Call this from main() after SetDebugWriter
func InitAsyncDebug() {
	debugChan = make(chan string, 16)
	go debugOutputWorker()
}

func debugOutputWorker() {
	for msg := range debugChan {
		if debugPrintln != nil {
			debugPrintln(msg)
		}
	}
}

// DebugPrintln writes a debug message using the platform-specific writer
func DebugPrintln(msg string) {
	if debugEnabled && debugPrintln != nil {
		debugPrintln(msg)
	}
}

// DebugAsync queues a debug message for async output (non-blocking)
// Falls back to DebugPrintln before InitAsyncDebug; drops when full.
func DebugAsync(msg string) {
	if !debugEnabled {
		return
	}
	if debugChan == nil {
		DebugPrintln(msg)
		return
	}
	select {
	case debugChan <- msg:
	default:
	}
}

// RecordEvent captures an event in the ring buffer
// This is always non-blocking and safe from completion handlers
func RecordEvent(eventType, id uint8, clock, value1, value2 uint32) {
	if !eventsEnabled {
		return
	}
	idx := eventRingHead
	eventRing[idx] = Event{
		EventType: eventType,
		ID:        id,
		Clock:     clock,
		Value1:    value1,
		Value2:    value2,
	}
	eventRingHead = (idx + 1) % EventRingSize
}

// Events returns the captured events from oldest to newest
func Events() []Event {
	out := make([]Event, 0, EventRingSize)
	start := eventRingHead
	for i := uint8(0); i < EventRingSize; i++ {
		evt := eventRing[(start+i)%EventRingSize]
		if evt.EventType == 0 {
			continue
		}
		out = append(out, evt)
	}
	return out
}

func eventName(t uint8) string {
	switch t {
	case EvtJobQueued:
		return "QUEUED"
	case EvtJobStart:
		return "START"
	case EvtJobComplete:
		return "DONE"
	case EvtJobError:
		return "ERROR!"
	case EvtOutOfMemory:
		return "OOM"
	case EvtStall:
		return "STALL!"
	default:
		return "UNKNOWN"
	}
}

// DumpEventRing outputs the event ring buffer (call on shutdown/error)
func DumpEventRing() {
	if debugPrintln == nil {
		return
	}

	debugPrintln("[EVENTS] === Event Ring Dump ===")
	for _, evt := range Events() {
		debugPrintln("[EVENTS] " + eventName(evt.EventType) +
			" id=" + itoa(int(evt.ID)) +
			" clock=" + utoa(evt.Clock) +
			" v1=" + utoa(evt.Value1) +
			" v2=" + utoa(evt.Value2))
	}
	debugPrintln("[EVENTS] === End Dump ===")
}

// ClearEventRing clears the event buffer
func ClearEventRing() {
	for i := range eventRing {
		eventRing[i] = Event{}
	}
	eventRingHead = 0
}
