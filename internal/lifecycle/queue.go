package lifecycle

import "sync"

// serialQueue runs submitted tasks one at a time, in submission order, on a
// single goroutine. Submit never blocks.
type serialQueue struct {
	mu     sync.Mutex
	tasks  []func()
	closed bool
	wake   chan struct{}
	done   chan struct{}
}

func newSerialQueue() *serialQueue {
	q := &serialQueue{
		wake: make(chan struct{}, 1),
		done: make(chan struct{}),
	}
	go q.run()
	return q
}

// submit enqueues fn. It reports false if the queue has been closed.
func (q *serialQueue) submit(fn func()) bool {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return false
	}
	q.tasks = append(q.tasks, fn)
	q.mu.Unlock()

	select {
	case q.wake <- struct{}{}:
	default:
	}
	return true
}

// submitWait enqueues fn and blocks until it has run.
func (q *serialQueue) submitWait(fn func()) bool {
	ran := make(chan struct{})
	if !q.submit(func() {
		defer close(ran)
		fn()
	}) {
		return false
	}
	<-ran
	return true
}

// close stops accepting tasks, lets queued tasks finish, and waits for the
// worker to exit.
func (q *serialQueue) close() {
	q.mu.Lock()
	already := q.closed
	q.closed = true
	q.mu.Unlock()

	if !already {
		select {
		case q.wake <- struct{}{}:
		default:
		}
	}
	<-q.done
}

func (q *serialQueue) run() {
	defer close(q.done)
	for {
		q.mu.Lock()
		if len(q.tasks) == 0 {
			closed := q.closed
			q.mu.Unlock()
			if closed {
				return
			}
			<-q.wake
			continue
		}
		fn := q.tasks[0]
		q.tasks[0] = nil
		q.tasks = q.tasks[1:]
		q.mu.Unlock()

		fn()
	}
}
