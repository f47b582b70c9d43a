// Control lines for SPI chips: reset, enable and power pins that are not
// chip selects. Changes can be applied immediately or at a clock time.
package core

import (
	"spiq/protocol"
)

// Control line flags
const (
	DF_ON         = 1 << 0 // Current pin state
	DF_DEFAULT_ON = 1 << 1 // State restored on shutdown and max_duration
	DF_CHECK_END  = 1 << 2 // max_duration is being enforced
)

// DigitalOut is one configured control line
type DigitalOut struct {
	OID   uint8
	Pin   GPIOPin
	Flags uint8

	Timer Timer

	pending     bool   // Value applied when Timer fires
	EndTime     uint32 // Time the line falls back to its default
	MaxDuration uint32 // Longest time away from the default, 0 for no limit
}

var digitalOutputs = make(map[uint8]*DigitalOut)

// InitGPIOCommands registers the control line commands
func InitGPIOCommands() {
	RegisterCommand("config_digital_out", "oid=%c pin=%u value=%c default_value=%c max_duration=%u", handleConfigDigitalOut)
	RegisterCommand("queue_digital_out", "oid=%c clock=%u on_ticks=%u", handleQueueDigitalOut)
	RegisterCommand("update_digital_out", "oid=%c value=%c", handleUpdateDigitalOut)
}

// handleConfigDigitalOut configures a control line
// Format: config_digital_out oid=%c pin=%u value=%c default_value=%c max_duration=%u
func handleConfigDigitalOut(data *[]byte) error {
	var args [5]uint32
	for i := range args {
		v, err := protocol.DecodeVLQUint(data)
		if err != nil {
			return err
		}
		args[i] = v
	}

	dout := &DigitalOut{
		OID:         uint8(args[0]),
		Pin:         GPIOPin(args[1]),
		MaxDuration: args[4],
	}
	if args[3] != 0 {
		dout.Flags |= DF_DEFAULT_ON
	}
	if old, ok := digitalOutputs[dout.OID]; ok {
		CancelTimer(&old.Timer)
	}

	if err := MustGPIO().ConfigureOutput(dout.Pin); err != nil {
		return err
	}
	if err := dout.set(args[2] != 0); err != nil {
		return err
	}

	digitalOutputs[dout.OID] = dout
	return nil
}

// handleQueueDigitalOut schedules a change; any non-zero on_ticks means on
// Format: queue_digital_out oid=%c clock=%u on_ticks=%u
func handleQueueDigitalOut(data *[]byte) error {
	oid, err := protocol.DecodeVLQUint(data)
	if err != nil {
		return err
	}
	clock, err := protocol.DecodeVLQUint(data)
	if err != nil {
		return err
	}
	onTicks, err := protocol.DecodeVLQUint(data)
	if err != nil {
		return err
	}

	dout, exists := digitalOutputs[uint8(oid)]
	if !exists {
		return nil
	}

	CancelTimer(&dout.Timer)
	dout.pending = onTicks != 0
	dout.Timer.WakeTime = clock
	dout.Timer.Handler = digitalOutLoadEvent
	ScheduleTimer(&dout.Timer)
	return nil
}

// handleUpdateDigitalOut sets a line immediately, dropping a scheduled change
// Format: update_digital_out oid=%c value=%c
func handleUpdateDigitalOut(data *[]byte) error {
	oid, err := protocol.DecodeVLQUint(data)
	if err != nil {
		return err
	}
	value, err := protocol.DecodeVLQUint(data)
	if err != nil {
		return err
	}

	dout, exists := digitalOutputs[uint8(oid)]
	if !exists {
		return nil
	}
	CancelTimer(&dout.Timer)
	dout.Flags &^= DF_CHECK_END
	return dout.set(value != 0)
}

// set drives the pin and tracks its state
func (dout *DigitalOut) set(on bool) error {
	if err := MustGPIO().SetPin(dout.Pin, on); err != nil {
		return err
	}
	if on {
		dout.Flags |= DF_ON
	} else {
		dout.Flags &^= DF_ON
	}
	return nil
}

func (dout *DigitalOut) isDefault() bool {
	return (dout.Flags&DF_ON != 0) == (dout.Flags&DF_DEFAULT_ON != 0)
}

func digitalOutForTimer(t *Timer) *DigitalOut {
	for _, dout := range digitalOutputs {
		if &dout.Timer == t {
			return dout
		}
	}
	return nil
}

// digitalOutLoadEvent applies a scheduled value and arms max_duration
func digitalOutLoadEvent(t *Timer) uint8 {
	dout := digitalOutForTimer(t)
	if dout == nil {
		return SF_DONE
	}
	if err := dout.set(dout.pending); err != nil {
		return SF_DONE
	}

	if dout.MaxDuration == 0 || dout.isDefault() {
		dout.Flags &^= DF_CHECK_END
		return SF_DONE
	}
	dout.Flags |= DF_CHECK_END
	dout.EndTime = t.WakeTime + dout.MaxDuration
	t.WakeTime = dout.EndTime
	t.Handler = digitalOutEndEvent
	return SF_RESCHEDULE
}

// digitalOutEndEvent returns a line to its default once max_duration expires
func digitalOutEndEvent(t *Timer) uint8 {
	dout := digitalOutForTimer(t)
	if dout == nil {
		return SF_DONE
	}
	dout.Flags &^= DF_CHECK_END
	_ = dout.set(dout.Flags&DF_DEFAULT_ON != 0)
	return SF_DONE
}

// ShutdownAllDigitalOut returns every line to its default state
func ShutdownAllDigitalOut() {
	for _, dout := range digitalOutputs {
		CancelTimer(&dout.Timer)
		dout.Flags &^= DF_CHECK_END
		_ = dout.set(dout.Flags&DF_DEFAULT_ON != 0)
	}
}

// ResetDigitalOut forgets every control line
func ResetDigitalOut() {
	for _, dout := range digitalOutputs {
		CancelTimer(&dout.Timer)
	}
	digitalOutputs = make(map[uint8]*DigitalOut)
}
