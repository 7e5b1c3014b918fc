package dispatch

import (
	"sync"

	"github.com/sirupsen/logrus"
)

// Task is one unit of work for a Loop. Run executes on the loop goroutine.
// Cancel, when set, is called instead of Run if the loop closes before the
// task gets its turn, so owners can release whatever the task holds.
type Task struct {
	Run    func()
	Cancel func()
}

// Loop is a single-threaded run loop. Tasks run one at a time, in the order
// they were posted. Posting never blocks on the tasks themselves.
type Loop struct {
	id ContextID

	mu sync.Mutex
	// +checklocks:mu
	queue []Task
	// +checklocks:mu
	closed bool

	wake chan struct{}
	done chan struct{}
}

// NewLoop creates and starts a loop.
func NewLoop(id ContextID) *Loop {
	l := &Loop{
		id:   id,
		wake: make(chan struct{}, 1),
		done: make(chan struct{}),
	}
	go l.run()
	return l
}

// ID returns the context the loop belongs to.
func (l *Loop) ID() ContextID {
	return l.id
}

// Post appends a task to the queue. It returns false if the loop is closed.
func (l *Loop) Post(t Task) bool {
	if t.Run == nil {
		return false
	}

	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return false
	}
	l.queue = append(l.queue, t)
	l.mu.Unlock()

	select {
	case l.wake <- struct{}{}:
	default:
	}
	return true
}

// Len returns the number of tasks waiting to run.
func (l *Loop) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.queue)
}

// Close stops the loop. Tasks still queued are cancelled, not run. A task
// that is already running finishes; Close does not wait for it. Use Done
// for that.
func (l *Loop) Close() {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return
	}
	l.closed = true
	l.mu.Unlock()

	select {
	case l.wake <- struct{}{}:
	default:
	}
}

// Done is closed once the loop goroutine has exited.
func (l *Loop) Done() <-chan struct{} {
	return l.done
}

func (l *Loop) run() {
	defer close(l.done)

	for range l.wake {
		for {
			l.mu.Lock()
			if l.closed {
				pending := l.queue
				l.queue = nil
				l.mu.Unlock()
				cancelAll(pending)
				return
			}
			if len(l.queue) == 0 {
				l.mu.Unlock()
				break
			}
			t := l.queue[0]
			l.queue[0] = Task{}
			l.queue = l.queue[1:]
			l.mu.Unlock()

			l.runTask(t)
		}
	}
}

func (l *Loop) runTask(t Task) {
	defer func() {
		if r := recover(); r != nil {
			logrus.WithFields(logrus.Fields{
				"context": l.id,
				"panic":   r,
			}).Error("task panicked in client loop")
		}
	}()
	t.Run()
}

func cancelAll(tasks []Task) {
	for _, t := range tasks {
		if t.Cancel != nil {
			t.Cancel()
		}
	}
}
