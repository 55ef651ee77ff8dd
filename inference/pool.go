package inference

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/atomic"
	"go.uber.org/multierr"

	"github.com/Tutortoise/yolox-detection-service/engine"
	"github.com/Tutortoise/yolox-detection-service/logger"
)

// DefaultPoolSize is used when the compiled model reports no preference.
const DefaultPoolSize = 1

var errSlotNotHeld = errors.New("slot is not held")

// Slot is exclusive ownership of one engine request.
type Slot struct {
	id   int
	req  engine.Request
	held atomic.Bool
}

func (s *Slot) ID() int {
	return s.id
}

// Pending is the completion handle of one submitted inference.
type Pending struct {
	done chan struct{}
	out  engine.Output
	err  error
}

// Wait blocks until the inference completes or ctx ends. The slot is
// released by the completion path either way.
func (p *Pending) Wait(ctx context.Context) (engine.Output, error) {
	select {
	case <-p.done:
		return p.out, p.err
	case <-ctx.Done():
		return engine.Output{}, ctx.Err()
	}
}

type PoolStats struct {
	Size      int           `json:"size"`
	Idle      int           `json:"idle"`
	InUse     int           `json:"in_use"`
	Acquired  int64         `json:"acquired"`
	Released  int64         `json:"released"`
	Submitted int64         `json:"submitted"`
	Failures  int64         `json:"failures"`
	WaitTime  time.Duration `json:"wait_time_ns"`
}

// RequestPool is a fixed set of engine requests shared by concurrent
// callers. The buffered channel is the idle set: receiving blocks while it
// is empty and every release wakes one receiver.
type RequestPool struct {
	idle  chan *Slot
	slots []*Slot
	log   *logger.Logger

	mu     sync.Mutex
	closed bool
	done   chan struct{}

	acquired  atomic.Int64
	released  atomic.Int64
	submitted atomic.Int64
	failures  atomic.Int64
	waitTime  atomic.Duration
}

// NewRequestPool creates compiled.OptimalRequests() requests up front.
func NewRequestPool(compiled engine.CompiledModel, log *logger.Logger) (*RequestPool, error) {
	size := compiled.OptimalRequests()
	if size <= 0 {
		size = DefaultPoolSize
	}

	pool := &RequestPool{
		idle:  make(chan *Slot, size),
		slots: make([]*Slot, 0, size),
		log:   log.Named("pool"),
		done:  make(chan struct{}),
	}

	for i := 0; i < size; i++ {
		req, err := compiled.NewRequest()
		if err != nil {
			return nil, multierr.Append(fmt.Errorf("failed to create request %d: %w", i, err), pool.Close())
		}
		slot := &Slot{id: i, req: req}
		pool.slots = append(pool.slots, slot)
		pool.idle <- slot
	}

	pool.log.Debug("Request pool ready", "size", size)
	return pool, nil
}

// Acquire blocks until a slot is idle, the pool is closed or ctx ends.
func (p *RequestPool) Acquire(ctx context.Context) (*Slot, error) {
	select {
	case <-p.done:
		return nil, ErrPoolClosed
	default:
	}

	start := time.Now()
	defer func() {
		p.waitTime.Add(time.Since(start))
	}()

	select {
	case slot := <-p.idle:
		slot.held.Store(true)
		p.acquired.Inc()
		return slot, nil
	case <-p.done:
		return nil, ErrPoolClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Submit copies input into the slot's request and starts it. Ownership of
// the slot passes to the completion path, which releases it before the
// Pending handle fires. If Submit fails the slot has already been released.
func (p *RequestPool) Submit(slot *Slot, input []float32) (*Pending, error) {
	if !slot.held.Load() {
		return nil, errSlotNotHeld
	}

	dst := slot.req.Input()
	if len(input) != len(dst) {
		p.Release(slot)
		return nil, fmt.Errorf("input has %d values, request expects %d", len(input), len(dst))
	}
	copy(dst, input)

	pending := &Pending{done: make(chan struct{})}
	p.submitted.Inc()

	err := slot.req.Start(func(out engine.Output, err error) {
		if err != nil {
			p.failures.Inc()
			pending.err = err
		} else {
			pending.out = out.Clone()
		}
		p.Release(slot)
		close(pending.done)
	})
	if err != nil {
		p.failures.Inc()
		p.Release(slot)
		return nil, fmt.Errorf("failed to start inference: %w", err)
	}

	return pending, nil
}

// Release returns a held slot to the idle set. Releasing a slot that is
// not held is ignored.
func (p *RequestPool) Release(slot *Slot) {
	if slot == nil {
		return
	}
	if !slot.held.CompareAndSwap(true, false) {
		p.log.Warn("Ignoring release of a slot that is not held", "slot", slot.id)
		return
	}
	p.released.Inc()

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		if err := slot.req.Close(); err != nil {
			p.log.Warn("Failed to close request", "slot", slot.id, "error", err)
		}
		return
	}
	p.idle <- slot
}

// Close wakes blocked acquirers and closes idle requests. Requests still
// in flight are closed when they are released.
func (p *RequestPool) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return nil
	}
	p.closed = true
	close(p.done)

	var err error
	for {
		select {
		case slot := <-p.idle:
			err = multierr.Append(err, slot.req.Close())
		default:
			return err
		}
	}
}

func (p *RequestPool) Size() int {
	return len(p.slots)
}

func (p *RequestPool) Idle() int {
	return len(p.idle)
}

func (p *RequestPool) Stats() PoolStats {
	idle := p.Idle()
	return PoolStats{
		Size:      p.Size(),
		Idle:      idle,
		InUse:     p.Size() - idle,
		Acquired:  p.acquired.Load(),
		Released:  p.released.Load(),
		Submitted: p.submitted.Load(),
		Failures:  p.failures.Load(),
		WaitTime:  p.waitTime.Load(),
	}
}
