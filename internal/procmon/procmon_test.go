package procmon

import (
	"os"
	"testing"
	"time"

	"gotest.tools/v3/assert"
)

func TestRingBufferSizeClampedToMinimum(t *testing.T) {
	m := NewMonitor(os.Getpid(), 1)
	defer m.Close()
	assert.Equal(t, m.ringSize, minRingSize)
}

func TestUpdateIsIdempotentWhileOutstanding(t *testing.T) {
	m := NewMonitor(os.Getpid(), 4)
	defer m.Close()

	m.mu.Lock()
	m.updating = true
	m.mu.Unlock()

	m.Update() // must be a no-op; sampleNow is never invoked a second time concurrently
	time.Sleep(10 * time.Millisecond)

	m.mu.Lock()
	filled := m.filled
	m.mu.Unlock()
	assert.Equal(t, filled, 0)
}

func TestSampleNowRotatesRingBufferAndNotifies(t *testing.T) {
	m := NewMonitor(os.Getpid(), 2)
	defer m.Close()

	notified := make(chan Sample, 1)
	m.OnSample(func(s Sample) { notified <- s })

	m.Update()
	select {
	case <-notified:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for sample")
	}

	samples := m.Samples()
	assert.Equal(t, len(samples), 1)
}

func TestDisabledMemoryReportingZeroesFields(t *testing.T) {
	m := NewMonitor(os.Getpid(), 2)
	defer m.Close()
	m.SetMemoryReportingEnabled(false)

	done := make(chan struct{})
	m.OnSample(func(s Sample) {
		assert.Equal(t, s.TotalKB, uint64(0))
		assert.Equal(t, s.HeapKB, uint64(0))
		close(done)
	})
	m.Update()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for sample")
	}
}

func TestDisabledCPUReportingZeroesField(t *testing.T) {
	m := NewMonitor(os.Getpid(), 2)
	defer m.Close()
	m.SetCPUReportingEnabled(false)

	done := make(chan struct{})
	m.OnSample(func(s Sample) {
		assert.Equal(t, s.CPULoad, float64(0))
		close(done)
	})
	m.Update()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for sample")
	}
}
