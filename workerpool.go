package realtime

import "sync"

type job func()

// WorkerPool runs dispatch jobs on a fixed set of goroutines over a bounded
// queue. TrySubmit never blocks: a full queue is surfaced to the caller so
// overload shows up as a counted error instead of stalled readers.
type WorkerPool struct {
	queue chan job
	wg    sync.WaitGroup

	mu     sync.Mutex
	closed bool
}

func NewWorkerPool(workers, queueSize int) *WorkerPool {
	if workers <= 0 {
		workers = 4
	}
	if queueSize <= 0 {
		queueSize = 1024
	}

	p := &WorkerPool{queue: make(chan job, queueSize)}

	p.wg.Add(workers)
	for i := 0; i < workers; i++ {
		go func() {
			defer p.wg.Done()
			for j := range p.queue {
				j()
			}
		}()
	}

	return p
}

func (p *WorkerPool) TrySubmit(j job) error {
	if j == nil {
		return nil
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return ErrWorkerPoolClosed
	}

	select {
	case p.queue <- j:
		p.mu.Unlock()
		return nil
	default:
		p.mu.Unlock()
		return ErrWorkerQueueFull
	}
}

func (p *WorkerPool) Shutdown() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	close(p.queue)
	p.mu.Unlock()

	p.wg.Wait()
}
