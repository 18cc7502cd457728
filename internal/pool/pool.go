package pool

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"
)

// Pool executes named tasks in order of their deadlines, using a fixed
// number of goroutines. A name is never executed by two goroutines at once:
// scheduling a name that is queued replaces the queued function and keeps
// the deadline, scheduling a name that is running queues one more run after
// the current one. Bursts of triggers for a name collapse into at most one
// extra run.
type Pool struct {
	ctx   context.Context
	mu    sync.Mutex
	queue []*task
	reg   map[string]*task
	wait  chan struct{}
	idle  *sync.Cond
}

// idleWait bounds how long a worker sleeps on an empty queue before looking
// again.
const idleWait = time.Hour

type task struct {
	name     string
	fn       func(context.Context)
	next     func(context.Context)
	deadline time.Time
	running  bool
	rerun    bool
}

// New starts workers goroutines that stop when ctx is done.
func New(ctx context.Context, workers int) *Pool {
	pool := &Pool{ctx: ctx, reg: make(map[string]*task)}
	pool.idle = sync.NewCond(&pool.mu)

	for range workers {
		go pool.work()
	}

	return pool
}

// Add runs fn under name right away.
func (p *Pool) Add(name string, fn func(context.Context)) {
	p.Schedule(name, 0, fn)
}

// Schedule runs fn under name once delay has passed.
func (p *Pool) Schedule(name string, delay time.Duration, fn func(context.Context)) {
	p.mu.Lock()
	defer p.mu.Unlock()

	t, ok := p.reg[name]
	switch {
	case !ok:
		t = &task{name: name, fn: fn, deadline: time.Now().Add(delay)}
		p.reg[name] = t
		p.enqueue(t)
	case t.running:
		t.rerun, t.next = true, fn
	default:
		t.fn = fn
	}
}

// Trigger moves a queued task to the front of the queue. A running task is
// run once more after it finishes.
func (p *Pool) Trigger(name string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	t, ok := p.reg[name]
	if !ok {
		return fmt.Errorf("no task with name %s", name)
	}

	if t.running {
		t.rerun = true
		if t.next == nil {
			t.next = t.fn
		}
		return nil
	}

	t.deadline = time.Now()
	p.enqueue(nil)
	return nil
}

// Wait blocks until no task is queued or running.
func (p *Pool) Wait() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for len(p.reg) > 0 {
		p.idle.Wait()
	}
}

func (p *Pool) work() {
	for t := p.dequeue(); t != nil; t = p.dequeue() {
		t.fn(p.ctx)
		p.done(t)
	}
}

// enqueue adds t (if not nil), restores deadline order and wakes the idle
// workers so they look at the new head. Callers hold p.mu.
func (p *Pool) enqueue(t *task) {
	if t != nil {
		p.queue = append(p.queue, t)
	}
	slices.SortFunc(p.queue, func(a, b *task) int {
		return a.deadline.Compare(b.deadline)
	})
	if p.wait != nil {
		close(p.wait)
		p.wait = nil
	}
}

func (p *Pool) done(t *task) {
	p.mu.Lock()
	defer p.mu.Unlock()

	t.running = false
	if !t.rerun {
		delete(p.reg, t.name)
		p.idle.Broadcast()
		return
	}

	t.rerun = false
	t.fn, t.next = t.next, nil
	t.deadline = time.Now()
	p.enqueue(t)
}

// dequeue blocks until the head of the queue is due and claims it. It
// returns nil once the pool's context is done.
func (p *Pool) dequeue() *task {
	p.mu.Lock()
	defer p.mu.Unlock()

	for p.ctx.Err() == nil {
		wait := idleWait
		if len(p.queue) > 0 {
			wait = time.Until(p.queue[0].deadline)
		}
		if wait <= 0 {
			t := p.queue[0]
			p.queue = p.queue[1:]
			t.running = true
			return t
		}

		if p.wait == nil {
			p.wait = make(chan struct{})
		}
		changed := p.wait

		p.mu.Unlock()
		timer := time.NewTimer(wait)
		select {
		case <-timer.C:
		case <-changed:
		case <-p.ctx.Done():
		}
		timer.Stop()
		p.mu.Lock()
	}
	return nil
}
