package execution

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
)

// ErrPoolClosed is returned by Submit after Close.
var ErrPoolClosed = errors.New("execution pool closed")

// Executor runs one request to completion.
type Executor interface {
	Execute(ctx context.Context, req Request) Result
}

// Pool runs executions concurrently on a bounded number of workers and
// delivers their results on one channel.
type Pool struct {
	exec    Executor
	timeout time.Duration
	log     *zap.Logger

	resultCh   chan Result
	workerPool chan struct{}
	wg         sync.WaitGroup
	closed     bool
	mu         sync.Mutex
}

// NewPool creates a pool with the given worker count. Each execution is
// bounded by timeout but is not canceled with the submitting context once
// started.
func NewPool(exec Executor, workers int, timeout time.Duration, log *zap.Logger) *Pool {
	if workers <= 0 {
		workers = 4
	}
	if timeout <= 0 {
		timeout = 2 * time.Minute
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Pool{
		exec:       exec,
		timeout:    timeout,
		log:        log,
		resultCh:   make(chan Result, 100),
		workerPool: make(chan struct{}, workers),
	}
}

// Submit schedules req. It never blocks on busy workers.
func (p *Pool) Submit(ctx context.Context, req Request) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		p.log.Warn("pool closed, execution rejected", zap.String("message_id", req.Signal.MessageID))
		return ErrPoolClosed
	}
	p.wg.Add(1)
	p.mu.Unlock()

	go func() {
		defer p.wg.Done()
		select {
		case p.workerPool <- struct{}{}:
		case <-ctx.Done():
			return
		}
		defer func() { <-p.workerPool }()

		execCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.timeout)
		defer cancel()
		result := p.exec.Execute(execCtx, req)

		select {
		case p.resultCh <- result:
		case <-ctx.Done():
			p.log.Warn("dropping execution result after shutdown", zap.String("message_id", result.MessageID))
		}
	}()
	return nil
}

// Results returns the result channel. It is closed by Close.
func (p *Pool) Results() <-chan Result {
	return p.resultCh
}

// Running returns the number of executions holding a worker.
func (p *Pool) Running() int {
	return len(p.workerPool)
}

// Close rejects new work, waits for running executions and closes Results.
func (p *Pool) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	p.mu.Unlock()

	p.wg.Wait()
	close(p.resultCh)
}
