package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"omninotify/internal/eventbus"
	rtsup "omninotify/internal/runtime/supervisor"
	logx "omninotify/pkg/logx"
)

var (
	ErrQueueFull = errors.New("dispatch queue full")
	ErrStopped   = errors.New("dispatch queue stopped")
)

// Deliverer is the part of Dispatcher the queue needs.
type Deliverer interface {
	Deliver(ctx context.Context, userID string, p Payload) (Result, error)
}

type QueueConfig struct {
	Workers int
	Size    int
}

// Job is one queued delivery. Done, if set, is called from the worker with
// the outcome.
type Job struct {
	UserID  string
	Payload Payload
	Done    func(Result, error)
}

// Queue is an async delivery pipeline: bounded queue + worker pool, drained
// on Stop. It is safe for concurrent use.
type Queue struct {
	d   Deliverer
	log logx.Logger
	bus eventbus.Bus
	cfg QueueConfig

	mu        sync.Mutex
	accepting bool
	sendWG    sync.WaitGroup
	queue     chan Job
	sup       *rtsup.Supervisor
	stopDone  chan struct{}
}

func NewQueue(cfg QueueConfig, d Deliverer, log logx.Logger, bus eventbus.Bus) *Queue {
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.Size <= 0 {
		cfg.Size = 1024
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	if bus == nil {
		bus = eventbus.Nop()
	}
	return &Queue{d: d, log: log.With(logx.String("comp", "dispatch.queue")), bus: bus, cfg: cfg}
}

// Start launches the workers. It is idempotent.
func (q *Queue) Start(ctx context.Context) {
	q.mu.Lock()
	if q.stopDone != nil {
		done := q.stopDone
		q.mu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
			return
		}
		q.mu.Lock()
	}
	if q.queue != nil {
		q.mu.Unlock()
		return
	}
	q.queue = make(chan Job, q.cfg.Size)
	q.accepting = true
	q.sup = rtsup.New(ctx, rtsup.WithLogger(q.log), rtsup.WithCancelOnError(false))
	ch, sup := q.queue, q.sup
	q.mu.Unlock()

	for i := 0; i < q.cfg.Workers; i++ {
		sup.GoRestart(fmt.Sprintf("dispatch.worker.%d", i), func(c context.Context) error {
			q.workerLoop(c, ch)
			if c.Err() != nil || q.stopping() {
				return nil
			}
			return errors.New("dispatch worker exited unexpectedly")
		}, rtsup.WithPublishFirstError(true))
	}
}

func (q *Queue) stopping() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.stopDone != nil
}

// Enqueue hands a job to the pool without blocking.
func (q *Queue) Enqueue(ctx context.Context, j Job) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	q.mu.Lock()
	if !q.accepting || q.queue == nil {
		q.mu.Unlock()
		return ErrStopped
	}
	ch := q.queue
	q.sendWG.Add(1)
	q.mu.Unlock()
	defer q.sendWG.Done()

	select {
	case ch <- j:
		return nil
	default:
		return ErrQueueFull
	}
}

// Len is the number of jobs waiting.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.queue == nil {
		return 0
	}
	return len(q.queue)
}

// Stop refuses new jobs and drains the queue until ctx expires, after which
// the workers are cancelled.
func (q *Queue) Stop(ctx context.Context) {
	q.mu.Lock()
	ch, sup := q.queue, q.sup
	if ch == nil {
		q.mu.Unlock()
		return
	}
	if q.stopDone != nil {
		done := q.stopDone
		q.mu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
		}
		return
	}
	done := make(chan struct{})
	q.stopDone = done
	q.accepting = false
	q.mu.Unlock()

	go func() {
		defer close(done)
		q.sendWG.Wait()
		close(ch)
		_ = sup.Wait(context.Background())

		q.mu.Lock()
		q.queue = nil
		q.sup = nil
		q.stopDone = nil
		q.mu.Unlock()
	}()

	select {
	case <-done:
	case <-ctx.Done():
		sup.Cancel()
		<-done
	}
}

func (q *Queue) workerLoop(ctx context.Context, ch <-chan Job) {
	for {
		select {
		case <-ctx.Done():
			return
		case j, ok := <-ch:
			if !ok {
				return
			}
			res, err := q.d.Deliver(ctx, j.UserID, j.Payload)
			if err != nil {
				q.log.Debug("queued delivery failed", logx.String("user", j.UserID), logx.String("kind", string(j.Payload.Kind)), logx.Err(err))
			}
			if j.Done != nil {
				j.Done(res, err)
			}
		}
	}
}
