package multi

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/pario-ai/llmgate/pkg/gwerr"
)

// ErrQueueClosed is returned by Do after Close.
var ErrQueueClosed = errors.New("dispatch queue closed")

// Job states. A queued job may be abandoned by its caller; once the worker
// claims it, the caller waits for it to finish.
const (
	jobQueued int32 = iota
	jobRunning
	jobAbandoned
)

type job struct {
	ctx   context.Context
	fn    func(context.Context) error
	done  chan error
	state atomic.Int32
}

func (j *job) claim() bool { return j.state.CompareAndSwap(jobQueued, jobRunning) }
func (j *job) abandon() bool { return j.state.CompareAndSwap(jobQueued, jobAbandoned) }

// Queue runs jobs one at a time in submission order, keeping at least
// interval between the start of consecutive jobs. A failing or panicking
// job does not stop the queue.
type Queue struct {
	interval time.Duration
	jobs     chan *job
	quit     chan struct{}
	stopped  chan struct{}
	once     sync.Once
	log      log.FieldLogger

	last time.Time
}

// NewQueue starts the dispatch worker.
func NewQueue(interval time.Duration, logger log.FieldLogger) *Queue {
	if logger == nil {
		logger = log.StandardLogger()
	}
	q := &Queue{
		interval: interval,
		jobs:     make(chan *job, 256),
		quit:     make(chan struct{}),
		stopped:  make(chan struct{}),
		log:      logger,
	}
	go q.run()
	return q
}

// Do enqueues fn and waits for it to finish. If ctx ends before fn is
// dispatched, fn never runs. Once fn is dispatched, Do returns only after
// it does, so state captured by fn is safe to read afterwards.
func (q *Queue) Do(ctx context.Context, fn func(context.Context) error) error {
	j := &job{ctx: ctx, fn: fn, done: make(chan error, 1)}

	select {
	case <-q.quit:
		return ErrQueueClosed
	default:
	}

	select {
	case q.jobs <- j:
	case <-ctx.Done():
		return ctx.Err()
	case <-q.quit:
		return ErrQueueClosed
	}

	select {
	case err := <-j.done:
		return err
	case <-ctx.Done():
		if j.abandon() {
			return ctx.Err()
		}
		return <-j.done
	case <-q.stopped:
		// The worker may have finished j just before stopping.
		select {
		case err := <-j.done:
			return err
		default:
			return ErrQueueClosed
		}
	}
}

// Close stops the worker. Jobs still queued fail with ErrQueueClosed.
func (q *Queue) Close() {
	q.once.Do(func() { close(q.quit) })
	<-q.stopped
}

func (q *Queue) run() {
	defer close(q.stopped)
	for {
		select {
		case <-q.quit:
			return
		case j := <-q.jobs:
			if !q.wait() {
				j.done <- ErrQueueClosed
				return
			}
			if !j.claim() {
				continue
			}
			if err := j.ctx.Err(); err != nil {
				j.done <- err
				continue
			}
			q.last = time.Now()
			q.log.WithFields(log.Fields{
				"queued": len(q.jobs),
				"event":  "queue_dispatch",
			}).Debug("Dispatching provider call")
			j.done <- q.exec(j)
		}
	}
}

// wait sleeps until interval has passed since the last dispatch. It returns
// false if the queue is closed meanwhile.
func (q *Queue) wait() bool {
	if q.last.IsZero() || q.interval <= 0 {
		return true
	}
	d := q.interval - time.Since(q.last)
	if d <= 0 {
		return true
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-q.quit:
		return false
	}
}

func (q *Queue) exec(j *job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			q.log.WithFields(log.Fields{
				"panic": fmt.Sprint(r),
				"event": "queue_job_panic",
			}).Error("Provider call panicked")
			err = gwerr.Backend(fmt.Sprintf("provider call panicked: %v", r), nil, nil)
		}
	}()
	return j.fn(j.ctx)
}
