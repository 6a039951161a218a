// Package procmon implements the Process Monitor (spec.md §4.J):
// per-application periodic CPU/memory sampling via one shared worker
// goroutine, reporting through a bounded ring buffer.
//
// Grounded on original_source/src/manager-lib/processstatus.cpp for the
// /proc/<pid>/stat and /proc/<pid>/smaps parsing rules, and on the
// teacher's single shared-worker pattern is new to this domain (the
// teacher has no equivalent); the reference-counted worker lifecycle
// follows pool.ContainerPool's created-on-first/destroyed-on-last shape
// from pool/containerpool.go, applied to a sampling goroutine instead of
// a container pool.
package procmon

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"
)

const (
	defaultRingSize = 10
	minRingSize     = 2
	clockTicksPerSec = 100 // Linux USER_HZ; spec.md §4.J "CPU tick frequency"
)

// Sample is one CPU/memory observation (spec.md §3 ProcessStatus-ish view).
type Sample struct {
	CPULoad  float64 // fraction of one core, 0.0-N
	TextKB   uint64
	HeapKB   uint64
	TotalKB  uint64
}

// Monitor samples one process's CPU/memory usage on a shared worker.
type Monitor struct {
	pid int

	mu          sync.Mutex
	ring        []Sample
	ringSize    int
	nextSlot    int
	filled      int
	updating    bool
	memEnabled  bool
	cpuEnabled  bool

	lastUtime, lastStime uint64
	lastSampleAt         time.Time

	onSample func(Sample)
}

// worker is the single shared goroutine all Monitors sample through,
// reference-counted so it starts on the first Monitor and stops after the
// last.
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
		// Worker backlog is full; drop this tick rather than block the
		// submitter (spec.md §5 "workers block freely ... never hold any
		// shared state across a blocking call").
	}
}

// NewMonitor constructs a Monitor for pid with the given ring buffer size
// (clamped to [minRingSize, +inf), default defaultRingSize when <= 0).
func NewMonitor(pid int, ringSize int) *Monitor {
	if ringSize <= 0 {
		ringSize = defaultRingSize
	}
	if ringSize < minRingSize {
		ringSize = minRingSize
	}
	sharedWorker.acquire()
	return &Monitor{
		pid:        pid,
		ring:       make([]Sample, ringSize),
		ringSize:   ringSize,
		memEnabled: true,
		cpuEnabled: true,
	}
}

// Close releases this Monitor's reference to the shared worker.
func (m *Monitor) Close() { sharedWorker.release() }

// OnSample registers a callback invoked after each rotation (the "row
// moved + data changed" notification pair of spec.md §4.J, collapsed into
// one callback since Go has no model/view role system to split across).
func (m *Monitor) OnSample(f func(Sample)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onSample = f
}

// SetMemoryReportingEnabled toggles whether memory fields are sampled;
// when disabled, subsequent samples clear memory fields to zero (spec.md
// §4.J "disable tail semantics").
func (m *Monitor) SetMemoryReportingEnabled(enabled bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.memEnabled = enabled
}

// SetCPUReportingEnabled toggles whether CPU load is sampled, per spec.md
// §4.J's identical rule for CPU: when disabled, subsequent samples clear
// CPULoad to zero instead of computing it from /proc/<pid>/stat, and the
// utime/stime baseline is dropped so re-enabling doesn't report a spurious
// spike across the gap.
func (m *Monitor) SetCPUReportingEnabled(enabled bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cpuEnabled = enabled
	if !enabled {
		m.lastUtime, m.lastStime = 0, 0
		m.lastSampleAt = time.Time{}
	}
}

// Update requests a new sample. It is idempotent: a call while a previous
// sample is outstanding returns immediately without queuing a second one.
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

// Samples returns the ring buffer contents, oldest first.
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
	m.mu.Lock()
	memEnabled := m.memEnabled
	cpuEnabled := m.cpuEnabled
	m.mu.Unlock()

	var cpu float64
	if cpuEnabled {
		var err error
		cpu, err = m.sampleCPU()
		if err != nil {
			cpu = 0
		}
	}

	var text, heap, total uint64
	if memEnabled {
		text, heap, total, _ = sampleMemory(m.pid)
	}

	s := Sample{CPULoad: cpu, TextKB: text, HeapKB: heap, TotalKB: total}

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

func (m *Monitor) sampleCPU() (float64, error) {
	utime, stime, err := readProcStat(m.pid)
	if err != nil {
		return 0, err
	}
	now := time.Now()

	m.mu.Lock()
	prevU, prevS, prevAt := m.lastUtime, m.lastStime, m.lastSampleAt
	m.lastUtime, m.lastStime, m.lastSampleAt = utime, stime, now
	m.mu.Unlock()

	if prevAt.IsZero() {
		return 0, nil
	}
	elapsed := now.Sub(prevAt).Seconds()
	if elapsed <= 0 {
		return 0, nil
	}
	deltaTicks := float64((utime + stime) - (prevU + prevS))
	return (deltaTicks / clockTicksPerSec) / elapsed, nil
}

// readProcStat returns (utime, stime) jiffies for pid from /proc/<pid>/stat.
func readProcStat(pid int) (utime, stime uint64, err error) {
	raw, err := os.ReadFile(fmt.Sprintf("/proc/%d/stat", pid))
	if err != nil {
		return 0, 0, err
	}
	// Fields after the process name (which may itself contain spaces and
	// is parenthesized) are positionally fixed; utime/stime are fields
	// 14/15 (1-indexed) of the whole line.
	closeParen := strings.LastIndexByte(string(raw), ')')
	if closeParen < 0 {
		return 0, 0, fmt.Errorf("procmon: malformed /proc/%d/stat", pid)
	}
	rest := strings.Fields(string(raw[closeParen+1:]))
	if len(rest) < 13 {
		return 0, 0, fmt.Errorf("procmon: /proc/%d/stat has too few fields", pid)
	}
	utime, err = strconv.ParseUint(rest[11], 10, 64)
	if err != nil {
		return 0, 0, err
	}
	stime, err = strconv.ParseUint(rest[12], 10, 64)
	if err != nil {
		return 0, 0, err
	}
	return utime, stime, nil
}

// smapsRegion is one parsed mapping from /proc/<pid>/smaps.
type smapsRegion struct {
	perms      string
	sizeKB     uint64
	rssKB      uint64
	pssKB      uint64
	isStack    bool
	hasNoInode bool
}

// sampleMemory parses /proc/<pid>/smaps per spec.md §4.J's categorization
// rules and returns (textKB, heapKB, totalKB).
func sampleMemory(pid int) (text, heap, total uint64, err error) {
	f, err := os.Open(fmt.Sprintf("/proc/%d/smaps", pid))
	if err != nil {
		return 0, 0, 0, err
	}
	defer f.Close()

	regions, err := parseSmaps(f)
	if err != nil {
		return 0, 0, 0, err
	}

	var prevWasGuard bool
	for i, r := range regions {
		total += r.rssKB
		if strings.HasPrefix(r.perms, "r-x") {
			text += r.rssKB
		}
		isThreadStack := prevWasGuard && r.hasNoInode && r.sizeKB == 8
		if strings.HasPrefix(r.perms, "rw-") && r.hasNoInode && r.sizeKB != 8 && !r.isStack && !isThreadStack {
			heap += r.rssKB
		}
		prevWasGuard = strings.HasPrefix(r.perms, "---")
		_ = i
	}
	return text, heap, total, nil
}

func parseSmaps(f *os.File) ([]smapsRegion, error) {
	var regions []smapsRegion
	scanner := bufio.NewScanner(f)
	var cur *smapsRegion
	for scanner.Scan() {
		line := scanner.Text()
		fields := strings.Fields(line)
		if len(fields) == 0 {
			continue
		}
		if isMappingHeader(fields) {
			if cur != nil {
				regions = append(regions, *cur)
			}
			perms := fields[1]
			pathname := ""
			if len(fields) > 5 {
				pathname = fields[5]
			}
			cur = &smapsRegion{
				perms:      perms,
				hasNoInode: pathname == "",
				isStack:    pathname == "[stack]",
			}
			continue
		}
		if cur == nil {
			continue
		}
		switch {
		case strings.HasPrefix(line, "Size:"):
			cur.sizeKB = parseKBField(fields)
		case strings.HasPrefix(line, "Rss:"):
			cur.rssKB = parseKBField(fields)
		case strings.HasPrefix(line, "Pss:"):
			cur.pssKB = parseKBField(fields)
		}
	}
	if cur != nil {
		regions = append(regions, *cur)
	}
	return regions, scanner.Err()
}

func isMappingHeader(fields []string) bool {
	// e.g. "7f1234000000-7f1234021000 r-xp 00000000 08:01 1234 /usr/lib/x.so"
	return strings.Contains(fields[0], "-") && len(fields) >= 2 && len(fields[1]) == 4
}

func parseKBField(fields []string) uint64 {
	if len(fields) < 2 {
		return 0
	}
	v, _ := strconv.ParseUint(fields[1], 10, 64)
	return v
}
