package entity

import "sync"

// Pool runs scheduled entity work on a fixed set of worker goroutines
// shared by every scheduler on the node.
type Pool struct {
	tasks chan func()
	wg    sync.WaitGroup
	once  sync.Once
}

// NewPool creates a pool with the given number of workers.
func NewPool(workers int) *Pool {
	if workers <= 0 {
		workers = 4
	}
	p := &Pool{
		tasks: make(chan func(), 1024),
	}
	for i := 0; i < workers; i++ {
		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			for fn := range p.tasks {
				fn()
			}
		}()
	}
	return p
}

func (p *Pool) submit(fn func()) {
	p.tasks <- fn
}

// Close stops accepting work and waits for the workers to drain.
func (p *Pool) Close() {
	p.once.Do(func() {
		close(p.tasks)
	})
	p.wg.Wait()
}

type task struct {
	seq   uint64
	run   func()
	abort func(error)
}

// Scheduler orders and serializes requests within each concurrency
// partition of one entity. Requests sharing a key run strictly in order;
// distinct keys run concurrently; the reserved management and universal
// keys run exclusively against all other activity on the entity.
type Scheduler struct {
	pool *Pool

	mu              sync.Mutex
	queues          map[int][]task
	running         map[int]bool
	exclusive       []task
	exclusiveActive bool
	runningCount    int
	nextSeq         uint64
	closed          bool
}

// NewScheduler creates a scheduler backed by the shared pool.
func NewScheduler(pool *Pool) *Scheduler {
	return &Scheduler{
		pool:    pool,
		queues:  make(map[int][]task),
		running: make(map[int]bool),
	}
}

// Schedule enqueues run on the given concurrency key. If the scheduler is
// torn down before run starts, abort is invoked with ErrSchedulerClosed
// instead. abort may be nil.
func (s *Scheduler) Schedule(key int, run func(), abort func(error)) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		if abort != nil {
			abort(ErrSchedulerClosed)
		}
		return
	}
	t := task{seq: s.nextSeq, run: run, abort: abort}
	s.nextSeq++
	if key == ManagementKey || key == UniversalKey {
		s.exclusive = append(s.exclusive, t)
	} else {
		s.queues[key] = append(s.queues[key], t)
	}
	starts := s.dispatchLocked()
	s.mu.Unlock()
	s.start(starts)
}

// Clear aborts all pending work and closes the scheduler: anything
// scheduled afterwards aborts with ErrSchedulerClosed. Running tasks are
// unaffected.
func (s *Scheduler) Clear() {
	s.mu.Lock()
	s.closed = true
	var aborted []task
	for key, q := range s.queues {
		aborted = append(aborted, q...)
		delete(s.queues, key)
	}
	aborted = append(aborted, s.exclusive...)
	s.exclusive = nil
	s.mu.Unlock()

	for _, t := range aborted {
		if t.abort != nil {
			t.abort(ErrSchedulerClosed)
		}
	}
}

// dispatchLocked decides which tasks may start now. A pending exclusive
// task is a full fence over the schedule order: every task scheduled
// before it must complete first, queued or running, and nothing scheduled
// after it may start until it has run. This is what gives the management
// and universal keys their barrier semantics.
func (s *Scheduler) dispatchLocked() []func() {
	if s.exclusiveActive {
		return nil
	}
	var starts []func()
	if len(s.exclusive) > 0 {
		fence := s.exclusive[0].seq
		blocked := s.runningCount > 0
		for key, q := range s.queues {
			if q[0].seq > fence {
				continue
			}
			blocked = true
			if s.running[key] {
				continue
			}
			starts = append(starts, s.takeKeyedLocked(key))
		}
		if !blocked {
			t := s.exclusive[0]
			s.exclusive = s.exclusive[1:]
			s.exclusiveActive = true
			starts = append(starts, s.wrapExclusive(t))
		}
		return starts
	}
	for key := range s.queues {
		if s.running[key] {
			continue
		}
		starts = append(starts, s.takeKeyedLocked(key))
	}
	return starts
}

// takeKeyedLocked pops the head of one key's queue and marks the key
// running. Queues are append-only per key, so the head always carries the
// key's lowest sequence number.
func (s *Scheduler) takeKeyedLocked(key int) func() {
	q := s.queues[key]
	t := q[0]
	if len(q) == 1 {
		delete(s.queues, key)
	} else {
		s.queues[key] = q[1:]
	}
	s.running[key] = true
	s.runningCount++
	return s.wrapKeyed(key, t)
}

func (s *Scheduler) wrapKeyed(key int, t task) func() {
	return func() {
		t.run()
		s.mu.Lock()
		delete(s.running, key)
		s.runningCount--
		starts := s.dispatchLocked()
		s.mu.Unlock()
		s.start(starts)
	}
}

func (s *Scheduler) wrapExclusive(t task) func() {
	return func() {
		t.run()
		s.mu.Lock()
		s.exclusiveActive = false
		starts := s.dispatchLocked()
		s.mu.Unlock()
		s.start(starts)
	}
}

func (s *Scheduler) start(starts []func()) {
	for _, fn := range starts {
		s.pool.submit(fn)
	}
}
