// Package sysmon implements the System Monitor (spec.md SPEC_FULL.md
// §4.K): system-wide CPU, memory, disk I/O and optional GPU sampling on
// the same ring-buffer/idempotent-update contract as the Process Monitor.
//
// Grounded on original_source's systemmonitor*.cpp for the /proc/stat,
// /proc/meminfo and /proc/diskstats parsing rules, and on procmon's shared
// worker for the threading model.
package sysmon

import (
	"bufio"
	"context"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"time"
)

const (
	defaultRingSize = 10
	minRingSize     = 2
)

// Sample is one system-wide observation.
type Sample struct {
	CPULoad       float64
	MemTotalKB    uint64
	MemAvailKB    uint64
	CachedKB      uint64
	SwapTotalKB   uint64
	SwapFreeKB    uint64
	SectorsRead   uint64
	SectorsWritten uint64
	GPULoad       float64
	GPUAvailable  bool
}

// GPUProbe is a pluggable optional capability: implementations shell out
// to a vendor-specific tool and report whether the probe is usable on
// this host at all (spec.md §9 "best treated as an optional source behind
// a capability check").
type GPUProbe interface {
	Available() bool
	Sample() (load float64, err error)
}

// NoGPUProbe is the default no-op probe used when no vendor tool is
// configured or present.
type NoGPUProbe struct{}

func (NoGPUProbe) Available() bool             { return false }
func (NoGPUProbe) Sample() (float64, error)    { return 0, nil }

// TegrastatsProbe shells out to a tegrastats-style binary. It reports
// unavailable if the binary cannot be found, rather than failing sampling.
type TegrastatsProbe struct {
	BinaryPath string
}

func (p *TegrastatsProbe) Available() bool {
	path := p.BinaryPath
	if path == "" {
		path = "tegrastats"
	}
	_, err := exec.LookPath(path)
	return err == nil
}

func (p *TegrastatsProbe) Sample() (float64, error) {
	path := p.BinaryPath
	if path == "" {
		path = "tegrastats"
	}
	cmd := exec.Command(path, "--interval", "1", "--count", "1")
	out, err := cmd.Output()
	if err != nil {
		return 0, err
	}
	return parseTegrastatsGPULoad(string(out)), nil
}

func parseTegrastatsGPULoad(line string) float64 {
	idx := strings.Index(line, "GR3D_FREQ ")
	if idx < 0 {
		return 0
	}
	rest := line[idx+len("GR3D_FREQ "):]
	pct := strings.TrimSuffix(strings.Fields(rest)[0], "%")
	v, _ := strconv.ParseFloat(pct, 64)
	return v / 100
}

type worker struct {
	mu       sync.Mutex
	refCount int
	cancel   context.CancelFunc
	requests chan *Monitor
}

var sharedWorker = &worker{}

func (w *worker) acquire() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.refCount++
	if w.refCount == 1 {
		ctx, cancel := context.WithCancel(context.Background())
		w.cancel = cancel
		w.requests = make(chan *Monitor, 64)
		go w.run(ctx)
	}
}

func (w *worker) release() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.refCount--
	if w.refCount == 0 && w.cancel != nil {
		w.cancel()
		w.cancel = nil
	}
}

func (w *worker) run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case m := <-w.requests:
			m.sampleNow()
		}
	}
}

func (w *worker) submit(m *Monitor) {
	select {
	case w.requests <- m:
	default:
	}
}

// Monitor samples system-wide metrics through the shared worker.
type Monitor struct {
	devices []string
	gpu     GPUProbe

	mu       sync.Mutex
	ring     []Sample
	ringSize int
	nextSlot int
	filled   int
	updating bool
	memEnabled bool

	lastTotalJiffies, lastIdleJiffies uint64
	lastDiskSectors                    map[string][2]uint64
	lastSampleAt                       time.Time

	onSample func(Sample)
}

// NewMonitor constructs a system-wide Monitor. devices names the
// /proc/diskstats device entries to track (e.g. "sda", "mmcblk0").
func NewMonitor(devices []string, gpu GPUProbe, ringSize int) *Monitor {
	if ringSize <= 0 {
		ringSize = defaultRingSize
	}
	if ringSize < minRingSize {
		ringSize = minRingSize
	}
	if gpu == nil {
		gpu = NoGPUProbe{}
	}
	sharedWorker.acquire()
	return &Monitor{
		devices:         devices,
		gpu:             gpu,
		ring:            make([]Sample, ringSize),
		ringSize:        ringSize,
		memEnabled:      true,
		lastDiskSectors: make(map[string][2]uint64),
	}
}

func (m *Monitor) Close() { sharedWorker.release() }

func (m *Monitor) OnSample(f func(Sample)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onSample = f
}

func (m *Monitor) SetMemoryReportingEnabled(enabled bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.memEnabled = enabled
}

func (m *Monitor) Update() {
	m.mu.Lock()
	if m.updating {
		m.mu.Unlock()
		return
	}
	m.updating = true
	m.mu.Unlock()
	sharedWorker.submit(m)
}

func (m *Monitor) Samples() []Sample {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Sample, m.filled)
	if m.filled < m.ringSize {
		copy(out, m.ring[:m.filled])
		return out
	}
	for i := 0; i < m.ringSize; i++ {
		out[i] = m.ring[(m.nextSlot+i)%m.ringSize]
	}
	return out
}

func (m *Monitor) sampleNow() {
	cpu := m.sampleCPU()

	var s Sample
	s.CPULoad = cpu

	m.mu.Lock()
	memEnabled := m.memEnabled
	m.mu.Unlock()
	if memEnabled {
		s.MemTotalKB, s.MemAvailKB, s.CachedKB, s.SwapTotalKB, s.SwapFreeKB = sampleMeminfo()
	}

	read, written := m.sampleDiskstats()
	s.SectorsRead, s.SectorsWritten = read, written

	if m.gpu.Available() {
		load, err := m.gpu.Sample()
		if err == nil {
			s.GPULoad = load
			s.GPUAvailable = true
		}
	}

	m.mu.Lock()
	m.ring[m.nextSlot] = s
	m.nextSlot = (m.nextSlot + 1) % m.ringSize
	if m.filled < m.ringSize {
		m.filled++
	}
	m.updating = false
	cb := m.onSample
	m.mu.Unlock()

	if cb != nil {
		cb(s)
	}
}

func (m *Monitor) sampleCPU() float64 {
	total, idle, err := readProcStatAggregate()
	if err != nil {
		return 0
	}
	now := time.Now()

	m.mu.Lock()
	prevTotal, prevIdle, prevAt := m.lastTotalJiffies, m.lastIdleJiffies, m.lastSampleAt
	m.lastTotalJiffies, m.lastIdleJiffies, m.lastSampleAt = total, idle, now
	m.mu.Unlock()

	if prevAt.IsZero() {
		return 0
	}
	deltaTotal := total - prevTotal
	deltaIdle := idle - prevIdle
	if deltaTotal == 0 {
		return 0
	}
	return 1 - float64(deltaIdle)/float64(deltaTotal)
}

func readProcStatAggregate() (total, idle uint64, err error) {
	f, err := os.Open("/proc/stat")
	if err != nil {
		return 0, 0, err
	}
	defer f.Close()
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) == 0 || fields[0] != "cpu" {
			continue
		}
		var sum uint64
		for _, v := range fields[1:] {
			n, _ := strconv.ParseUint(v, 10, 64)
			sum += n
		}
		if len(fields) > 4 {
			idleVal, _ := strconv.ParseUint(fields[4], 10, 64)
			idle = idleVal
		}
		return sum, idle, nil
	}
	return 0, 0, scanner.Err()
}

func sampleMeminfo() (total, avail, cached, swapTotal, swapFree uint64) {
	f, err := os.Open("/proc/meminfo")
	if err != nil {
		return
	}
	defer f.Close()
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) < 2 {
			continue
		}
		v, _ := strconv.ParseUint(fields[1], 10, 64)
		switch strings.TrimSuffix(fields[0], ":") {
		case "MemTotal":
			total = v
		case "MemAvailable":
			avail = v
		case "Cached":
			cached = v
		case "SwapTotal":
			swapTotal = v
		case "SwapFree":
			swapFree = v
		}
	}
	return
}

func (m *Monitor) sampleDiskstats() (readSectors, writtenSectors uint64) {
	f, err := os.Open("/proc/diskstats")
	if err != nil {
		return 0, 0
	}
	defer f.Close()

	wanted := make(map[string]bool, len(m.devices))
	for _, d := range m.devices {
		wanted[d] = true
	}

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) < 10 {
			continue
		}
		name := fields[2]
		if len(wanted) > 0 && !wanted[name] {
			continue
		}
		rd, _ := strconv.ParseUint(fields[5], 10, 64)
		wr, _ := strconv.ParseUint(fields[9], 10, 64)

		m.mu.Lock()
		prev := m.lastDiskSectors[name]
		m.lastDiskSectors[name] = [2]uint64{rd, wr}
		m.mu.Unlock()

		if prev[0] != 0 || prev[1] != 0 {
			readSectors += rd - prev[0]
			writtenSectors += wr - prev[1]
		}
	}
	return readSectors, writtenSectors
}
