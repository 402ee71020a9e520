package browser

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/shehryarbajwa/webmcp-broker/internal/logging"
	"github.com/shehryarbajwa/webmcp-broker/internal/metrics"
	"github.com/shehryarbajwa/webmcp-broker/pkg/models"
)

var (
	// ErrPoolExhausted is returned when no instance became free within the acquire timeout.
	ErrPoolExhausted = errors.New("browser pool exhausted")
	// ErrPoolClosed is returned by Acquire after CloseAll.
	ErrPoolClosed = errors.New("browser pool closed")
)

const releaseTimeout = 10 * time.Second

// Launcher starts browser processes for the pool.
type Launcher interface {
	Launch(ctx context.Context) (Driver, error)
	Close() error
}

// PoolConfig holds pool sizing.
type PoolConfig struct {
	MaxInstances   int
	AcquireTimeout time.Duration
}

// Pool hands out at most MaxInstances browser instances at a time.
type Pool struct {
	launcher Launcher
	sem      *semaphore.Weighted
	cfg      PoolConfig
	logger   *logging.Logger
	metrics  *metrics.Metrics

	mu     sync.Mutex
	idle   []*Instance
	all    map[string]*Instance
	inUse  int
	closed bool
}

// NewPool creates a pool. Instances are launched lazily on first demand.
func NewPool(l Launcher, cfg PoolConfig, logger *logging.Logger, m *metrics.Metrics) *Pool {
	if cfg.MaxInstances < 1 {
		cfg.MaxInstances = 1
	}
	if logger == nil {
		logger = logging.Nop()
	}
	return &Pool{
		launcher: l,
		sem:      semaphore.NewWeighted(int64(cfg.MaxInstances)),
		cfg:      cfg,
		logger:   logger.Named("pool"),
		metrics:  m,
		all:      make(map[string]*Instance),
	}
}

// Acquire checks out an instance, reusing an idle one or launching a new one
// while below the ceiling. When the pool is full it waits up to the acquire
// timeout and then fails with ErrPoolExhausted. Launch failures are returned
// as is and never retried.
func (p *Pool) Acquire(ctx context.Context) (*Instance, error) {
	if p.isClosed() {
		return nil, ErrPoolClosed
	}

	start := time.Now()
	waitCtx := ctx
	if p.cfg.AcquireTimeout > 0 {
		var cancel context.CancelFunc
		waitCtx, cancel = context.WithTimeout(ctx, p.cfg.AcquireTimeout)
		defer cancel()
	}
	if err := p.sem.Acquire(waitCtx, 1); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		p.metrics.ObserveAcquire(time.Since(start), true)
		p.logger.Warn("acquire timed out", zap.Int("max", p.cfg.MaxInstances), zap.Duration("waited", time.Since(start)))
		return nil, fmt.Errorf("%w: all %d instances busy", ErrPoolExhausted, p.cfg.MaxInstances)
	}

	inst, err := p.checkout(ctx)
	if err != nil {
		p.sem.Release(1)
		return nil, err
	}
	p.metrics.ObserveAcquire(time.Since(start), false)
	return inst, nil
}

// checkout runs with a permit held.
func (p *Pool) checkout(ctx context.Context) (*Instance, error) {
	for {
		inst, err := p.popIdle()
		if err != nil {
			return nil, err
		}
		if inst == nil {
			break
		}
		if inst.Alive(ctx) {
			return p.markOut(inst), nil
		}
		p.logger.Info("discarding dead idle instance", zap.String("instance", inst.ID()))
		p.discard(inst)
	}

	d, err := p.launcher.Launch(ctx)
	if err != nil {
		p.logger.Error("browser launch failed", zap.Error(err))
		return nil, fmt.Errorf("launch browser: %w", err)
	}
	inst := newInstance(uuid.NewString(), d)

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		_ = inst.Close()
		return nil, ErrPoolClosed
	}
	p.all[inst.ID()] = inst
	p.mu.Unlock()

	p.logger.Info("browser launched", zap.String("instance", inst.ID()))
	return p.markOut(inst), nil
}

func (p *Pool) popIdle() (*Instance, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil, ErrPoolClosed
	}
	n := len(p.idle)
	if n == 0 {
		return nil, nil
	}
	inst := p.idle[n-1]
	p.idle = p.idle[:n-1]
	return inst, nil
}

func (p *Pool) markOut(inst *Instance) *Instance {
	inst.checkedOut.Store(true)
	p.mu.Lock()
	p.inUse++
	live, inUse := len(p.all), p.inUse
	p.mu.Unlock()
	p.metrics.SetPool(live, inUse)
	return inst
}

// Release returns a checked-out instance. Tainted, dead, or unresettable
// instances are closed and forgotten, freeing a slot for a fresh launch.
// Releasing an instance that is not checked out is a no-op.
func (p *Pool) Release(ctx context.Context, inst *Instance) {
	if inst == nil || !inst.checkedOut.CompareAndSwap(true, false) {
		return
	}
	defer p.sem.Release(1)

	// The owner's context may already be done, typically after a timeout.
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), releaseTimeout)
	defer cancel()

	reusable := !inst.Tainted() && !p.isClosed() && inst.Alive(ctx)
	if reusable {
		if err := inst.Reset(ctx); err != nil {
			p.logger.Warn("instance reset failed", zap.String("instance", inst.ID()), zap.Error(err))
			reusable = false
		}
	}

	p.mu.Lock()
	p.inUse--
	if reusable && !p.closed {
		p.idle = append(p.idle, inst)
		live, inUse := len(p.all), p.inUse
		p.mu.Unlock()
		p.metrics.SetPool(live, inUse)
		return
	}
	p.mu.Unlock()

	p.logger.Info("discarding instance on release",
		zap.String("instance", inst.ID()),
		zap.Bool("tainted", inst.Tainted()),
	)
	p.discard(inst)
}

func (p *Pool) discard(inst *Instance) {
	p.mu.Lock()
	delete(p.all, inst.ID())
	live, inUse := len(p.all), p.inUse
	p.mu.Unlock()

	if err := inst.Close(); err != nil {
		p.logger.Warn("instance close failed", zap.String("instance", inst.ID()), zap.Error(err))
	}
	p.metrics.InstanceDiscarded()
	p.metrics.SetPool(live, inUse)
}

// CloseAll terminates every instance, idle or checked out, and the launcher.
// Later Acquire calls fail with ErrPoolClosed.
func (p *Pool) CloseAll() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	instances := make([]*Instance, 0, len(p.all))
	for _, inst := range p.all {
		instances = append(instances, inst)
	}
	p.all = make(map[string]*Instance)
	p.idle = nil
	p.mu.Unlock()

	var errs []error
	for _, inst := range instances {
		if err := inst.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close instance %s: %w", inst.ID(), err))
		}
	}
	if err := p.launcher.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close launcher: %w", err))
	}
	p.metrics.SetPool(0, 0)
	p.logger.Info("pool closed", zap.Int("instances", len(instances)))
	return errors.Join(errs...)
}

// Stats returns a point-in-time view of the pool.
func (p *Pool) Stats() models.PoolStats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return models.PoolStats{
		Max:   p.cfg.MaxInstances,
		Live:  len(p.all),
		InUse: p.inUse,
		Idle:  len(p.idle),
	}
}

func (p *Pool) isClosed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}
