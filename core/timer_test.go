package core

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTimerOrderAndReschedule(t *testing.T) {
	timerList = nil
	SetTime(0xFFFFFF00)

	var order []string
	record := func(name string) func(*Timer) uint8 {
		return func(*Timer) uint8 {
			order = append(order, name)
			return SF_DONE
		}
	}
	// Wake times straddle the counter wrap
	late := &Timer{WakeTime: 0x00000010, Handler: record("late")}
	early := &Timer{WakeTime: 0xFFFFFF10, Handler: record("early")}
	same := &Timer{WakeTime: 0xFFFFFF10, Handler: record("same")}
	runs := 0
	repeat := &Timer{WakeTime: 0xFFFFFF80}
	repeat.Handler = func(t *Timer) uint8 {
		runs++
		if runs == 2 {
			return SF_DONE
		}
		t.WakeTime += 0x40
		return SF_RESCHEDULE
	}
	ScheduleTimer(late)
	ScheduleTimer(early)
	ScheduleTimer(same)
	ScheduleTimer(repeat)

	ProcessTimers()
	assert.Empty(t, order)

	SetTime(0xFFFFFF20)
	ProcessTimers()
	assert.Equal(t, []string{"early", "same"}, order)

	SetTime(0x00000020)
	ProcessTimers()
	assert.Equal(t, []string{"early", "same", "late"}, order)
	assert.Equal(t, 2, runs)
	assert.Nil(t, timerList)
}

func TestCancelTimer(t *testing.T) {
	timerList = nil
	SetTime(0)

	fired := false
	a := &Timer{WakeTime: 5, Handler: func(*Timer) uint8 { fired = true; return SF_DONE }}
	b := &Timer{WakeTime: 6, Handler: func(*Timer) uint8 { return SF_DONE }}
	ScheduleTimer(a)
	ScheduleTimer(b)
	CancelTimer(a)
	CancelTimer(a)

	assert.Equal(t, b, timerList)
	assert.Nil(t, a.Next)

	SetTime(10)
	ProcessTimers()
	assert.False(t, fired)
	assert.Nil(t, timerList)
}

func TestTimerConversions(t *testing.T) {
	assert.Equal(t, uint32(1500), TimerFromUS(1500))
	assert.Equal(t, uint32(1500), TimerToUS(1500))
	assert.True(t, timeBefore(0xFFFFFFF0, 0x10))
	assert.False(t, timeBefore(0x10, 0xFFFFFFF0))
}
