package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"publish-dispatch/internal/common/logger"
	"publish-dispatch/internal/common/metrics"
	"publish-dispatch/internal/models"

	"github.com/google/uuid"
)

var (
	ErrQueueFull  = errors.New("dispatch queue full")
	ErrPoolClosed = errors.New("dispatch pool closed")
)

// Dispatcher runs one request to completion.
type Dispatcher interface {
	Dispatch(ctx context.Context, req *models.DispatchRequest) error
}

type PoolOptions struct {
	Workers       int
	QueueSize     int
	SweepInterval time.Duration
}

func DefaultPoolOptions() PoolOptions {
	return PoolOptions{Workers: 4, QueueSize: 256, SweepInterval: time.Minute}
}

// Pool runs dispatch requests off the admission path on a fixed number of
// workers. A request is held at most once between queue and workers.
type Pool struct {
	dispatcher Dispatcher
	store      RequestStore
	opts       PoolOptions
	logger     logger.Logger

	queue chan *models.DispatchRequest

	mu       sync.Mutex
	inflight map[uuid.UUID]struct{}
	closed   bool
	started  bool

	stopCtx context.Context
	stop    context.CancelFunc
	wg      sync.WaitGroup
}

func NewPool(dispatcher Dispatcher, store RequestStore, opts PoolOptions, log logger.Logger) *Pool {
	def := DefaultPoolOptions()
	if opts.Workers <= 0 {
		opts.Workers = def.Workers
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = def.QueueSize
	}
	stopCtx, stop := context.WithCancel(context.Background())
	return &Pool{
		dispatcher: dispatcher,
		store:      store,
		opts:       opts,
		logger:     log.WithFields(map[string]interface{}{"component": "dispatch_pool"}),
		queue:      make(chan *models.DispatchRequest, opts.QueueSize),
		inflight:   make(map[uuid.UUID]struct{}),
		stopCtx:    stopCtx,
		stop:       stop,
	}
}

// Start launches the workers and, when SweepInterval is set, the sweep that
// re-queues pending requests left behind by a full queue.
func (p *Pool) Start() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.started || p.closed {
		return
	}
	p.started = true

	for i := 0; i < p.opts.Workers; i++ {
		p.wg.Add(1)
		go p.work(i)
	}
	if p.opts.SweepInterval > 0 {
		p.wg.Add(1)
		go p.sweep()
	}
	p.logger.Info("dispatch pool started", map[string]interface{}{
		"workers":   p.opts.Workers,
		"queueSize": p.opts.QueueSize,
	})
}

// Enqueue never blocks. A request already queued or running is accepted
// without being queued twice.
func (p *Pool) Enqueue(req *models.DispatchRequest) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return ErrPoolClosed
	}
	if _, busy := p.inflight[req.ID]; busy {
		return nil
	}

	select {
	case p.queue <- req:
		p.inflight[req.ID] = struct{}{}
		metrics.DispatchQueueDepth.Set(float64(len(p.queue)))
		return nil
	default:
		return fmt.Errorf("%w: capacity %d", ErrQueueFull, cap(p.queue))
	}
}

// Resume re-queues stored requests in the given states, all unfinished
// states when none are given. It stops at the first full-queue error.
func (p *Pool) Resume(ctx context.Context, states ...models.DispatchState) (int, error) {
	if len(states) == 0 {
		states = models.UnfinishedStates
	}
	reqs, err := p.store.ListUnfinished(ctx, states, p.opts.QueueSize)
	if err != nil {
		return 0, err
	}

	queued := 0
	for _, req := range reqs {
		if err := p.Enqueue(req); err != nil {
			p.logger.Warn("resume stopped", map[string]interface{}{
				"queued": queued,
				"found":  len(reqs),
				"error":  err,
			})
			return queued, err
		}
		queued++
	}
	if queued > 0 {
		p.logger.Info("dispatch requests resumed", map[string]interface{}{"queued": queued})
	}
	return queued, nil
}

// Shutdown stops intake, signals the stop context so no new batches start,
// and waits for workers until ctx expires.
func (p *Pool) Shutdown(ctx context.Context) error {
	p.mu.Lock()
	if !p.closed {
		p.closed = true
		close(p.queue)
	}
	p.mu.Unlock()

	p.stop()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		p.logger.Info("dispatch pool stopped", nil)
		return nil
	case <-ctx.Done():
		p.logger.Warn("dispatch pool shutdown timed out", map[string]interface{}{"error": ctx.Err()})
		return ctx.Err()
	}
}

func (p *Pool) work(id int) {
	defer p.wg.Done()
	log := p.logger.WithFields(map[string]interface{}{"worker": id})

	for req := range p.queue {
		metrics.DispatchQueueDepth.Set(float64(len(p.queue)))
		p.run(req, log)
	}
}

func (p *Pool) run(req *models.DispatchRequest, log logger.Logger) {
	defer func() {
		if r := recover(); r != nil {
			log.Error("dispatch panicked", map[string]interface{}{
				"dispatchRequestId": req.ID.String(),
				"panic":             fmt.Sprint(r),
			})
		}
		p.mu.Lock()
		delete(p.inflight, req.ID)
		p.mu.Unlock()
	}()

	if err := p.dispatcher.Dispatch(p.stopCtx, req); err != nil {
		log.Error("dispatch request ended with error", map[string]interface{}{
			"dispatchRequestId": req.ID.String(),
			"state":             string(req.State),
			"error":             err,
		})
	}
}

func (p *Pool) sweep() {
	defer p.wg.Done()
	ticker := time.NewTicker(p.opts.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-p.stopCtx.Done():
			return
		case <-ticker.C:
			if _, err := p.Resume(p.stopCtx, models.StatePending); err != nil &&
				!errors.Is(err, ErrQueueFull) && !errors.Is(err, ErrPoolClosed) {
				p.logger.Warn("pending sweep failed", map[string]interface{}{"error": err})
			}
		}
	}
}
