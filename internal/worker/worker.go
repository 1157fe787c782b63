package worker

import (
	"context"
	"sync"

	"order-platform/internal/broker"
	"order-platform/internal/util"

	"go.uber.org/zap"
)

// Registrar is a saga participant that binds its handlers on a dispatcher.
type Registrar interface {
	Register(d *broker.Dispatcher)
}

// Runner is a long-running loop managed by a Pool
type Runner interface {
	Name() string
	Start(ctx context.Context) error
}

// ServiceWorker consumes the queue of one saga participant
type ServiceWorker struct {
	name       string
	dispatcher *broker.Dispatcher
	logger     *zap.Logger
}

// NewServiceWorker creates a worker that feeds participant from dispatcher
func NewServiceWorker(name string, dispatcher *broker.Dispatcher, participant Registrar) *ServiceWorker {
	participant.Register(dispatcher)
	return &ServiceWorker{
		name:       name,
		dispatcher: dispatcher,
		logger:     util.GetLogger(),
	}
}

// Name returns the participant name
func (w *ServiceWorker) Name() string {
	return w.name
}

// Start consumes until ctx is cancelled
func (w *ServiceWorker) Start(ctx context.Context) error {
	w.logger.Info("Starting worker", zap.String("worker", w.name))
	return w.dispatcher.Run(ctx)
}

// Pool runs several workers and waits for all of them on Stop
type Pool struct {
	workers []Runner
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	logger  *zap.Logger
}

// NewPool creates a new worker pool
func NewPool(workers ...Runner) *Pool {
	return &Pool{workers: workers, logger: util.GetLogger()}
}

// Start launches every worker in its own goroutine
func (p *Pool) Start(ctx context.Context) {
	ctx, p.cancel = context.WithCancel(ctx)
	for _, w := range p.workers {
		p.wg.Add(1)
		go func(w Runner) {
			defer p.wg.Done()
			if err := w.Start(ctx); err != nil {
				p.logger.Error("Worker error", zap.String("worker", w.Name()), zap.Error(err))
			}
		}(w)
	}
}

// Stop cancels the workers and waits for in-flight deliveries to settle
func (p *Pool) Stop() {
	p.logger.Info("Stopping workers")
	if p.cancel != nil {
		p.cancel()
	}
	p.wg.Wait()
}
