package device

import (
	"fmt"
	"log/slog"
	"sync"
)

// Token signals completion of one queue submission.
type Token struct {
	name string
	done chan struct{}
	err  error
}

func newToken(name string) *Token {
	return &Token{name: name, done: make(chan struct{})}
}

func (t *Token) finish(err error) {
	t.err = err
	close(t.done)
}

// Wait blocks until the submission completed and returns its error.
// A nil token is already complete.
func (t *Token) Wait() error {
	if t == nil {
		return nil
	}
	<-t.done
	return t.err
}

// Done reports whether the submission completed.
func (t *Token) Done() bool {
	if t == nil {
		return true
	}
	select {
	case <-t.done:
		return true
	default:
		return false
	}
}

// Name returns the label given at submission.
func (t *Token) Name() string {
	if t == nil {
		return ""
	}
	return t.name
}

type job struct {
	fn   func(Exec) error
	deps []*Token
	tok  *Token
}

// queueBacklog bounds the number of pending submissions before Submit blocks.
const queueBacklog = 256

// Queue runs submissions in FIFO order on one Exec.
//
// An asynchronous queue drains submissions on a worker goroutine; a
// synchronous queue runs each one inside Submit. Either way a submission
// starts only after its dependencies completed, and a failed dependency
// fails the submission without running it.
type Queue struct {
	name   string
	exec   Exec
	logger *slog.Logger
	sync   bool

	mu     sync.Mutex
	last   *Token
	closed bool
	jobs   chan job
	wg     sync.WaitGroup
}

func newQueue(name string, exec Exec, synchronous bool, logger *slog.Logger) *Queue {
	q := &Queue{
		name:   name,
		exec:   exec,
		logger: logger,
		sync:   synchronous,
	}
	if !synchronous {
		q.jobs = make(chan job, queueBacklog)
		q.wg.Add(1)
		go q.worker()
	}
	return q
}

// Name returns the queue label.
func (q *Queue) Name() string { return q.name }

// Synchronous reports whether Submit runs work inline.
func (q *Queue) Synchronous() bool { return q.sync }

// Submit enqueues fn after deps and returns its completion token. Nil
// dependencies are ignored. Submitting to a closed queue returns a token
// already failed with ErrClosed.
func (q *Queue) Submit(name string, fn func(Exec) error, deps ...*Token) *Token {
	tok := newToken(name)

	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		tok.finish(fmt.Errorf("%w: queue %s", ErrClosed, q.name))
		return tok
	}
	q.last = tok
	if q.sync {
		q.mu.Unlock()
		q.run(job{fn: fn, deps: deps, tok: tok})
		return tok
	}
	q.jobs <- job{fn: fn, deps: deps, tok: tok}
	q.mu.Unlock()

	return tok
}

// Finish blocks until every submission made so far has completed and
// returns the error of the most recent one.
func (q *Queue) Finish() error {
	q.mu.Lock()
	last := q.last
	q.mu.Unlock()
	return last.Wait()
}

func (q *Queue) worker() {
	defer q.wg.Done()
	for j := range q.jobs {
		q.run(j)
	}
}

func (q *Queue) run(j job) {
	for _, d := range j.deps {
		if err := d.Wait(); err != nil {
			j.tok.finish(fmt.Errorf("%s: dependency %s failed: %w", j.tok.name, d.name, err))
			return
		}
	}

	err := j.fn(q.exec)
	if err == nil {
		err = q.exec.Finish()
	}
	if err != nil {
		q.logger.Error("queue submission failed", "queue", q.name, "op", j.tok.name, "error", err)
	}
	j.tok.finish(err)
}

// close stops accepting work and waits for the worker to drain.
func (q *Queue) close() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	if q.jobs != nil {
		close(q.jobs)
	}
	q.mu.Unlock()
	q.wg.Wait()
}
