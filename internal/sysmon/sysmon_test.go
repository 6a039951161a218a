package sysmon

import (
	"testing"
	"time"

	"gotest.tools/v3/assert"
)

func TestUpdateIsIdempotentAndNotifies(t *testing.T) {
	m := NewMonitor(nil, nil, 3)
	defer m.Close()

	notified := make(chan Sample, 2)
	m.OnSample(func(s Sample) { notified <- s })

	m.Update()
	m.Update() // second call while outstanding must be a no-op

	select {
	case <-notified:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for sample")
	}

	select {
	case <-notified:
		t.Fatal("received a second sample from a duplicate Update call")
	case <-time.After(100 * time.Millisecond):
	}

	assert.Equal(t, len(m.Samples()), 1)
}

func TestNoGPUProbeReportsUnavailable(t *testing.T) {
	p := NoGPUProbe{}
	assert.Assert(t, !p.Available())
}

func TestDisabledMemoryReportingZeroesFields(t *testing.T) {
	m := NewMonitor(nil, nil, 2)
	defer m.Close()
	m.SetMemoryReportingEnabled(false)

	done := make(chan Sample, 1)
	m.OnSample(func(s Sample) { done <- s })
	m.Update()

	select {
	case s := <-done:
		assert.Equal(t, s.MemTotalKB, uint64(0))
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for sample")
	}
}
