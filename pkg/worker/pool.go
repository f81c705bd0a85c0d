// Package worker runs pipeline jobs on a bounded set of goroutines.
package worker

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/mist-health/mdf-pipeline/pkg/common/logger"
	"github.com/mist-health/mdf-pipeline/pkg/pipeline"
)

var ErrPoolClosed = errors.New("worker pool closed")

type Runner interface {
	Run(ctx context.Context, j pipeline.Job) (*pipeline.Outcome, error)
}

// Pool runs up to Workers jobs at once. Each job gets its own context so it
// can be cancelled on its own.
type Pool struct {
	runner  Runner
	workers int
	timeout time.Duration
	queue   chan pipeline.Job

	// sendMu is held for reading while sending so Stop never closes the
	// queue under a sender.
	sendMu sync.RWMutex
	closed bool

	mu      sync.Mutex
	running map[string]context.CancelFunc
	// queued counts jobs sitting in the queue per dataset. cancelled only
	// holds ids that are queued, so neither map outlives its jobs.
	queued    map[string]int
	cancelled map[string]bool

	wg sync.WaitGroup
	// OnDone is called after each job; tests use it to wait for results.
	OnDone func(id string, out *pipeline.Outcome, err error)
}

func New(runner Runner, workers, queueSize int, timeout time.Duration) *Pool {
	if workers < 1 {
		workers = 1
	}
	if queueSize < workers {
		queueSize = workers
	}
	return &Pool{
		runner:    runner,
		workers:   workers,
		timeout:   timeout,
		queue:     make(chan pipeline.Job, queueSize),
		running:   make(map[string]context.CancelFunc),
		queued:    make(map[string]int),
		cancelled: make(map[string]bool),
	}
}

// Start launches the workers. They stop when ctx is done or Stop is called.
func (p *Pool) Start(ctx context.Context) {
	for i := 0; i < p.workers; i++ {
		p.wg.Add(1)
		go func(n int) {
			defer p.wg.Done()
			p.loop(ctx, n)
		}(i)
	}
}

func (p *Pool) loop(ctx context.Context, n int) {
	for {
		select {
		case <-ctx.Done():
			return
		case j, ok := <-p.queue:
			if !ok {
				return
			}
			p.run(ctx, n, j)
		}
	}
}

func (p *Pool) run(parent context.Context, n int, j pipeline.Job) {
	var (
		ctx    context.Context
		cancel context.CancelFunc
	)
	if p.timeout > 0 {
		ctx, cancel = context.WithTimeout(parent, p.timeout)
	} else {
		ctx, cancel = context.WithCancel(parent)
	}
	defer cancel()

	p.mu.Lock()
	if p.cancelled[j.DatasetID] {
		delete(p.cancelled, j.DatasetID)
		cancel()
	}
	p.dequeued(j.DatasetID)
	p.running[j.DatasetID] = cancel
	p.mu.Unlock()

	defer func() {
		p.mu.Lock()
		delete(p.running, j.DatasetID)
		p.mu.Unlock()
	}()

	log := logger.ForDataset(j.DatasetID).WithField("worker", n)
	log.Debug("job picked up")
	out, err := p.runner.Run(ctx, j)
	if err != nil {
		log.WithError(err).Warn("job finished with error")
	}
	if p.OnDone != nil {
		p.OnDone(j.DatasetID, out, err)
	}
}

// Dispatch queues a job, blocking while the queue is full.
func (p *Pool) Dispatch(ctx context.Context, j pipeline.Job) error {
	p.sendMu.RLock()
	defer p.sendMu.RUnlock()
	if p.closed {
		return ErrPoolClosed
	}
	p.mu.Lock()
	p.queued[j.DatasetID]++
	p.mu.Unlock()
	select {
	case p.queue <- j:
		return nil
	case <-ctx.Done():
		p.mu.Lock()
		p.dequeued(j.DatasetID)
		p.mu.Unlock()
		return ctx.Err()
	}
}

// dequeued drops one queued entry for id. The last one also clears a pending
// cancel. Callers hold mu.
func (p *Pool) dequeued(id string) {
	if p.queued[id] > 1 {
		p.queued[id]--
		return
	}
	delete(p.queued, id)
	delete(p.cancelled, id)
}

// Cancel stops a running job, or marks a queued one so it starts cancelled.
// Ids that are neither running nor queued are ignored.
func (p *Pool) Cancel(_ context.Context, datasetID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if cancel, ok := p.running[datasetID]; ok {
		cancel()
		return nil
	}
	if p.queued[datasetID] > 0 {
		p.cancelled[datasetID] = true
	}
	return nil
}

// Running returns the number of jobs currently executing.
func (p *Pool) Running() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.running)
}

// Stop stops accepting jobs, lets the queue drain and waits for the workers.
func (p *Pool) Stop() {
	p.sendMu.Lock()
	if !p.closed {
		p.closed = true
		close(p.queue)
	}
	p.sendMu.Unlock()
	p.wg.Wait()
}
