package quicklaunch

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"gotest.tools/v3/assert"

	"github.com/banksean/appman/internal/container"
	"github.com/banksean/appman/internal/runtime"
)

func newTestPool(t *testing.T) *Pool {
	t.Helper()
	cf := container.NewFactory()
	assert.NilError(t, cf.Register("process", &container.ProcessBackend{BaseDir: t.TempDir()}))
	rf := runtime.NewFactory()
	assert.NilError(t, rf.Register("native", &runtime.ProcessBackend{}))
	return NewPool(cf, rf, 2)
}

func TestPrewarmThenExactTake(t *testing.T) {
	p := newTestPool(t)
	ctx := context.Background()

	assert.NilError(t, p.Prewarm(ctx, "process", "native", 2))
	inst, ok := p.Take("process", "native")
	assert.Assert(t, ok)
	assert.Equal(t, inst.RuntimeName, "native")
}

func TestTakeFallsBackToContainerOnlyMatch(t *testing.T) {
	p := newTestPool(t)
	ctx := context.Background()
	assert.NilError(t, p.runtimes.Register("qml", &runtime.ProcessBackend{}))

	assert.NilError(t, p.Prewarm(ctx, "process", "qml", 1))
	inst, ok := p.Take("process", "native")
	assert.Assert(t, ok)
	assert.Equal(t, inst.ContainerBackend, "process")
}

func TestTakeReturnsFalseWhenEmpty(t *testing.T) {
	p := newTestPool(t)
	_, ok := p.Take("process", "native")
	assert.Assert(t, !ok)
}

func TestReturnMakesInstanceReusable(t *testing.T) {
	p := newTestPool(t)
	ctx := context.Background()
	assert.NilError(t, p.Prewarm(ctx, "process", "native", 1))

	inst, ok := p.Take("process", "native")
	assert.Assert(t, ok)
	p.Return(ctx, inst)

	again, ok := p.Take("process", "native")
	assert.Assert(t, ok)
	assert.Equal(t, again.Container.ID, inst.Container.ID)
}

func waitForPoolSize(t *testing.T, p *Pool, containerBackend, runtimeName string, want int) {
	t.Helper()
	k := key{containerBackend, runtimeName}
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		p.mu.Lock()
		ch := p.pools[k]
		n := 0
		if ch != nil {
			n = len(ch)
		}
		p.mu.Unlock()
		if n >= want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for pool %v to reach size %d", k, want)
}

func TestTakeTriggersAsynchronousRebuild(t *testing.T) {
	p := newTestPool(t)
	ctx := context.Background()
	assert.NilError(t, p.Prewarm(ctx, "process", "native", 1))

	_, ok := p.Take("process", "native")
	assert.Assert(t, ok)

	waitForPoolSize(t, p, "process", "native", 1)
}

func TestCPUIdleGateDefersRebuildUntilIdle(t *testing.T) {
	p := newTestPool(t)
	ctx := context.Background()
	assert.NilError(t, p.Prewarm(ctx, "process", "native", 1))

	var idle atomic.Bool
	p.SetCPUIdleGate(CPUIdleGate{
		Threshold: 0.5,
		Load: func() float64 {
			if idle.Load() {
				return 0
			}
			return 1
		},
	})

	_, ok := p.Take("process", "native")
	assert.Assert(t, ok)

	time.Sleep(20 * time.Millisecond)
	p.mu.Lock()
	n := len(p.pools[key{"process", "native"}])
	p.mu.Unlock()
	assert.Equal(t, n, 0)

	idle.Store(true)
	waitForPoolSize(t, p, "process", "native", 1)
}

func TestShutdownDestroysIdleInstancesAndStopsFurtherReturns(t *testing.T) {
	p := newTestPool(t)
	ctx := context.Background()
	assert.NilError(t, p.Prewarm(ctx, "process", "native", 1))
	assert.NilError(t, p.Shutdown(ctx))

	_, ok := p.Take("process", "native")
	assert.Assert(t, !ok)
}
