// Package mount implements the Mount Watcher (spec.md §4.D): it notifies
// subscribers when a specified filesystem mount point transitions between
// "not mounted" and "mounted".
//
// The implementation is platform-specific only in its default mount-table
// source (Linux: /proc/mounts); the poll-and-diff loop itself is grounded on
// the teacher's waitForShutdown select loop in mux_server.go, generalized
// from a single shutdown channel to a repeating ticker plus a done channel.
package mount

import (
	"bufio"
	"context"
	"io"
	"os"
	"strings"
	"sync"
	"time"
)

// Event is emitted when a subscribed mount point's state changes.
type Event struct {
	MountPoint   string
	DeviceSource string
	Mounted      bool
}

// TableSource returns a fresh reader over the current mount table. The
// default reads /proc/mounts; an automated-test mode may substitute a
// writable file instead (see WithTableFile).
type TableSource func() (io.ReadCloser, error)

func procMountsSource() (io.ReadCloser, error) {
	return os.Open("/proc/mounts")
}

// WithTableFile builds a TableSource reading from an arbitrary path, for
// tests that want to simulate mount/unmount transitions without root.
func WithTableFile(path string) TableSource {
	return func() (io.ReadCloser, error) { return os.Open(path) }
}

// Watcher polls the mount table on an interval and diffs it against the
// last-observed state of every subscribed path.
type Watcher struct {
	interval time.Duration
	source   TableSource

	mu          sync.Mutex
	subscribed  map[string]bool // path -> last known mounted state
	haveBaseline map[string]bool
	subscribers []chan Event
}

// New constructs a Watcher. interval <= 0 defaults to 2 seconds, a
// platform-appropriate poll cadence for a mount table that changes rarely.
func New(interval time.Duration, source TableSource) *Watcher {
	if interval <= 0 {
		interval = 2 * time.Second
	}
	if source == nil {
		source = procMountsSource
	}
	return &Watcher{
		interval:     interval,
		source:       source,
		subscribed:   make(map[string]bool),
		haveBaseline: make(map[string]bool),
	}
}

// Subscribe registers interest in the given directory paths and returns a
// channel of events for state transitions affecting any of them. The
// initial mounted/unmounted state of each path is captured the moment it is
// first subscribed (by any caller), not when Subscribe is called again for
// an already-known path.
func (w *Watcher) Subscribe(paths ...string) <-chan Event {
	w.mu.Lock()
	defer w.mu.Unlock()

	ch := make(chan Event, len(paths)+1)
	w.subscribers = append(w.subscribers, ch)

	current, _ := readMountTable(w.source) // a read failure leaves new paths "not mounted"
	for _, p := range paths {
		if _, ok := w.haveBaseline[p]; !ok {
			w.haveBaseline[p] = true
			_, mounted := current[p]
			w.subscribed[p] = mounted
		}
	}
	return ch
}

// Run polls until ctx is canceled. It is safe to call exactly once per
// Watcher.
func (w *Watcher) Run(ctx context.Context) {
	w.poll() // diff against the subscription-time baseline immediately
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			w.closeSubscribers()
			return
		case <-ticker.C:
			w.poll()
		}
	}
}

func (w *Watcher) closeSubscribers() {
	w.mu.Lock()
	defer w.mu.Unlock()
	for _, ch := range w.subscribers {
		close(ch)
	}
	w.subscribers = nil
}

func (w *Watcher) poll() {
	current, err := readMountTable(w.source)
	if err != nil {
		return // transient read failure: keep previous state, try again next tick
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	for path, wasMounted := range w.subscribed {
		device, isMounted := current[path]
		if isMounted == wasMounted {
			continue
		}
		w.subscribed[path] = isMounted
		ev := Event{MountPoint: path, DeviceSource: device, Mounted: isMounted}
		for _, ch := range w.subscribers {
			select {
			case ch <- ev:
			default:
			}
		}
	}
}

// readMountTable returns mountPoint -> deviceSource for every line of the
// current table.
func readMountTable(source TableSource) (map[string]string, error) {
	r, err := source()
	if err != nil {
		return nil, err
	}
	defer r.Close()

	out := make(map[string]string)
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) < 2 {
			continue
		}
		device, mountPoint := fields[0], fields[1]
		out[mountPoint] = device
	}
	return out, scanner.Err()
}
