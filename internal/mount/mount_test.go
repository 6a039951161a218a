package mount

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"gotest.tools/v3/assert"
)

func writeTable(t *testing.T, path string, lines ...string) {
	t.Helper()
	content := ""
	for _, l := range lines {
		content += l + "\n"
	}
	assert.NilError(t, os.WriteFile(path, []byte(content), 0o644))
}

func TestEmitsExactlyOneEventPerTransition(t *testing.T) {
	dir := t.TempDir()
	tablePath := filepath.Join(dir, "mounts")
	writeTable(t, tablePath, "tmpfs /not/yet/mounted tmpfs rw 0 0")

	w := New(20*time.Millisecond, WithTableFile(tablePath))
	events := w.Subscribe("/media/usb")

	ctx, cancel := context.WithCancel(context.Background())
	go w.Run(ctx)
	defer cancel()

	time.Sleep(50 * time.Millisecond) // let the baseline tick land: not mounted

	writeTable(t, tablePath, "tmpfs /not/yet/mounted tmpfs rw 0 0", "/dev/sdb1 /media/usb vfat rw 0 0")

	select {
	case ev := <-events:
		assert.Equal(t, ev.MountPoint, "/media/usb")
		assert.Equal(t, ev.DeviceSource, "/dev/sdb1")
		assert.Assert(t, ev.Mounted)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for mount event")
	}

	// Writing the identical table again must not emit a second event.
	writeTable(t, tablePath, "tmpfs /not/yet/mounted tmpfs rw 0 0", "/dev/sdb1 /media/usb vfat rw 0 0")
	select {
	case ev := <-events:
		t.Fatalf("unexpected duplicate event: %+v", ev)
	case <-time.After(150 * time.Millisecond):
	}
}
