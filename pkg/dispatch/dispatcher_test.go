package dispatch

import (
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func waitClosed(t *testing.T, ch <-chan struct{}) {
	t.Helper()
	select {
	case <-ch:
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting")
	}
}

func TestLoopRunsTasksInOrder(t *testing.T) {
	l := NewLoop("ctx")
	defer l.Close()

	const n = 500
	got := make([]int, 0, n)
	finished := make(chan struct{})
	for i := 0; i < n; i++ {
		i := i
		ok := l.Post(Task{Run: func() {
			got = append(got, i)
			if i == n-1 {
				close(finished)
			}
		}})
		if !ok {
			t.Fatalf("post %d rejected", i)
		}
	}
	waitClosed(t, finished)

	for i, v := range got {
		if v != i {
			t.Fatalf("task %d ran at position %d", v, i)
		}
	}
}

func TestLoopFIFOAcrossProducers(t *testing.T) {
	d := NewDispatcher()
	defer d.CloseAll()
	if _, err := d.Open("ctx"); err != nil {
		t.Fatalf("Open: %v", err)
	}

	// Each producer posts its own sequence; per-producer order must hold.
	const producers, perProducer = 4, 200
	var mu sync.Mutex
	seen := make(map[int][]int)
	var wg sync.WaitGroup
	var ran int32
	allRan := make(chan struct{})
	for p := 0; p < producers; p++ {
		wg.Add(1)
		go func(p int) {
			defer wg.Done()
			for i := 0; i < perProducer; i++ {
				i := i
				d.Post("ctx", Task{Run: func() {
					mu.Lock()
					seen[p] = append(seen[p], i)
					mu.Unlock()
					if atomic.AddInt32(&ran, 1) == producers*perProducer {
						close(allRan)
					}
				}})
			}
		}(p)
	}
	wg.Wait()
	waitClosed(t, allRan)

	for p, seq := range seen {
		for i, v := range seq {
			if v != i {
				t.Fatalf("producer %d: event %d observed at position %d", p, v, i)
			}
		}
	}
}

func TestDispatcherPostToUnknownContext(t *testing.T) {
	d := NewDispatcher()
	if d.Post("missing", Task{Run: func() { t.Errorf("must not run") }}) {
		t.Fatalf("post to unknown context should fail")
	}
}

func TestDispatcherOpenTwice(t *testing.T) {
	d := NewDispatcher()
	defer d.CloseAll()
	if _, err := d.Open("ctx"); err != nil {
		t.Fatalf("Open: %v", err)
	}
	if _, err := d.Open("ctx"); !errors.Is(err, ErrContextExists) {
		t.Fatalf("second Open err = %v, want ErrContextExists", err)
	}
	if d.Len() != 1 {
		t.Fatalf("Len() = %d, want 1", d.Len())
	}
}

func TestDispatcherCloseCancelsQueuedTasks(t *testing.T) {
	d := NewDispatcher()
	l, err := d.Open("ctx")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	block := make(chan struct{})
	started := make(chan struct{})
	d.Post("ctx", Task{Run: func() {
		close(started)
		<-block
	}})
	waitClosed(t, started)

	var cancelled int32
	for i := 0; i < 3; i++ {
		d.Post("ctx", Task{
			Run:    func() { t.Errorf("queued task must not run after close") },
			Cancel: func() { atomic.AddInt32(&cancelled, 1) },
		})
	}

	if !d.Close("ctx") {
		t.Fatalf("Close returned false")
	}
	close(block)
	waitClosed(t, l.Done())

	if got := atomic.LoadInt32(&cancelled); got != 3 {
		t.Fatalf("cancelled = %d, want 3", got)
	}
	if d.Post("ctx", Task{Run: func() {}}) {
		t.Fatalf("post after close should fail")
	}
	if d.Close("ctx") {
		t.Fatalf("second Close should return false")
	}
}

func TestLoopSurvivesPanickingTask(t *testing.T) {
	l := NewLoop("ctx")
	defer l.Close()

	l.Post(Task{Run: func() { panic("boom") }})
	done := make(chan struct{})
	l.Post(Task{Run: func() { close(done) }})
	waitClosed(t, done)
}
