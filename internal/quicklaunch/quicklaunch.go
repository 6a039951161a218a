// Package quicklaunch implements the Quick-Launch Pool (spec.md §4.H):
// idle (container, runtime) pairs kept warm so that starting an
// application skips container-creation latency.
//
// Directly adapted from the teacher's pool.ContainerPool
// (pool/containerpool.go): the same channel-as-freelist shape, New/Stop
// injection points, and closing-flag shutdown sequence, generalized from
// one homogeneous pool to one pool per (containerBackend, runtimeName)
// pair and from *pool.PooledContainer to the richer Instance type this
// domain needs.
package quicklaunch

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/goombaio/namegenerator"

	"github.com/banksean/appman/internal/container"
	"github.com/banksean/appman/internal/runtime"
)

// Instance is one pre-spawned container+runtime pairing sitting idle in a
// pool, waiting to be claimed by an application start.
type Instance struct {
	Name             string
	ContainerBackend string
	RuntimeName      string
	Container        *container.Container
}

// ErrPoolClosing is returned by Take once Shutdown has begun.
var ErrPoolClosing = errors.New("quicklaunch: pool is shutting down")

// idleTickInterval is how often a deferred rebuild re-checks the CPU-idle
// gate (spec.md §4.H "deferred until the next idle tick").
const idleTickInterval = 500 * time.Millisecond

// CPUIdleGate optionally defers pool rebuilds while the system is busy
// (spec.md §4.H: "when a sampled system CPU load exceeds the threshold,
// rebuilds are deferred until the next idle tick"). The zero value (Load
// nil) disables gating entirely, so rebuilds always fire immediately.
type CPUIdleGate struct {
	Threshold float64
	Load      func() float64
}

func (g CPUIdleGate) busy() bool {
	return g.Load != nil && g.Load() > g.Threshold
}

type key struct {
	containerBackend string
	runtimeName      string
}

// Pool manages one warm pool per (containerBackend, runtimeName) pair.
type Pool struct {
	containers *container.Factory
	runtimes   *runtime.Factory
	perKeySize int
	names      namegenerator.Generator

	mu      sync.Mutex
	pools   map[key]chan *Instance
	closing bool
	gate    CPUIdleGate
}

// SetCPUIdleGate installs the policy gating asynchronous rebuilds triggered
// by Take. Passing the zero value disables gating.
func (p *Pool) SetCPUIdleGate(gate CPUIdleGate) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.gate = gate
}

// NewPool constructs a Pool. perKeySize bounds how many idle instances are
// held per (containerBackend, runtimeName) combination. Idle instances get
// a human-readable name (continuation of new_cmd.go's sandbox id
// generator) purely for log/diagnostic friendliness - it plays no role in
// pool key lookups.
func NewPool(containers *container.Factory, runtimes *runtime.Factory, perKeySize int) *Pool {
	if perKeySize <= 0 {
		perKeySize = 3
	}
	return &Pool{
		containers: containers,
		runtimes:   runtimes,
		perKeySize: perKeySize,
		names:      namegenerator.NewNameGenerator(time.Now().UnixNano()),
		pools:      make(map[key]chan *Instance),
	}
}

func (p *Pool) poolFor(k key) chan *Instance {
	p.mu.Lock()
	defer p.mu.Unlock()
	ch, ok := p.pools[k]
	if !ok {
		ch = make(chan *Instance, p.perKeySize)
		p.pools[k] = ch
	}
	return ch
}

// Prewarm fills the (containerBackend, runtimeName) pool up to n idle
// instances. It is safe to call repeatedly; it only creates what is
// missing.
func (p *Pool) Prewarm(ctx context.Context, containerBackend, runtimeName string, n int) error {
	ch := p.poolFor(key{containerBackend, runtimeName})
	for len(ch) < n {
		inst, err := p.create(ctx, containerBackend, runtimeName)
		if err != nil {
			return err
		}
		select {
		case ch <- inst:
		default:
			p.destroy(ctx, inst)
			return nil
		}
	}
	return nil
}

func (p *Pool) create(ctx context.Context, containerBackend, runtimeName string) (*Instance, error) {
	if _, err := p.runtimes.Create(runtimeName); err != nil {
		return nil, err
	}
	c, err := p.containers.Create(ctx, containerBackend, "", nil)
	if err != nil {
		return nil, err
	}
	return &Instance{Name: p.names.Generate(), ContainerBackend: containerBackend, RuntimeName: runtimeName, Container: c}, nil
}

func (p *Pool) destroy(ctx context.Context, inst *Instance) {
	if err := p.containers.Destroy(ctx, inst.Container); err != nil {
		slog.Warn("quicklaunch: failed to destroy idle instance", "name", inst.Name, "container", inst.Container.ID, "error", err)
	}
}

// Take removes and returns an idle instance matching both containerBackend
// and runtimeName if one exists; failing that, an instance matching only
// containerBackend (spec.md §4.H: container-only match still saves the
// container-creation cost even when the runtime differs). Returns
// ok=false if no match exists and the caller must create fresh. Either way
// a successful removal triggers an asynchronous rebuild of the pool it
// drained, so the pool replenishes instead of draining once.
func (p *Pool) Take(containerBackend, runtimeName string) (inst *Instance, ok bool) {
	p.mu.Lock()
	if p.closing {
		p.mu.Unlock()
		return nil, false
	}
	exact := p.pools[key{containerBackend, runtimeName}]
	p.mu.Unlock()

	if exact != nil {
		select {
		case inst := <-exact:
			p.rebuildAsync(key{containerBackend, runtimeName})
			return inst, true
		default:
		}
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	for k, ch := range p.pools {
		if k.containerBackend != containerBackend {
			continue
		}
		select {
		case inst := <-ch:
			p.rebuildAsync(k)
			return inst, true
		default:
		}
	}
	return nil, false
}

// rebuildAsync replenishes k's pool back up to perKeySize in the
// background, waiting out the CPU-idle gate (if configured) first.
func (p *Pool) rebuildAsync(k key) {
	go func() {
		for {
			p.mu.Lock()
			closing := p.closing
			gate := p.gate
			p.mu.Unlock()
			if closing {
				return
			}
			if !gate.busy() {
				break
			}
			time.Sleep(idleTickInterval)
		}

		if err := p.Prewarm(context.Background(), k.containerBackend, k.runtimeName, p.perKeySize); err != nil {
			slog.Warn("quicklaunch: rebuild failed", "containerBackend", k.containerBackend, "runtime", k.runtimeName, "error", err)
		}
	}()
}

// Return gives an instance back to its pool for future reuse. If its pool
// is full or the Pool is shutting down, the instance is destroyed instead.
func (p *Pool) Return(ctx context.Context, inst *Instance) {
	p.mu.Lock()
	if p.closing {
		p.mu.Unlock()
		p.destroy(ctx, inst)
		return
	}
	ch := p.pools[key{inst.ContainerBackend, inst.RuntimeName}]
	p.mu.Unlock()

	select {
	case ch <- inst:
	default:
		p.destroy(ctx, inst)
	}
}

// Shutdown marks the pool closed and destroys every idle instance still
// held. shutDownFinished-equivalent completion is signaled by Shutdown's
// return, emitted exactly once since closing is latched under the mutex
// before any draining begins.
func (p *Pool) Shutdown(ctx context.Context) error {
	p.mu.Lock()
	if p.closing {
		p.mu.Unlock()
		return nil
	}
	p.closing = true
	pools := make([]chan *Instance, 0, len(p.pools))
	for _, ch := range p.pools {
		pools = append(pools, ch)
	}
	p.mu.Unlock()

	for _, ch := range pools {
		for {
			select {
			case inst := <-ch:
				p.destroy(ctx, inst)
			default:
				goto next
			}
		}
	next:
	}
	return nil
}
