// Package ioruntime provides the broker's worker pool: a bounded set of
// goroutines that drain per-session outbound write queues.
//
// Read loops stay one goroutine per accepted connection — a goroutine
// blocked on conn.Read is cheap, so there's no need to multiplex reads
// over a bounded pool. The write side is where bounding and per-socket
// serialization actually matter (at most one writer draining a given
// session's outbox at any instant), so that's what the pool schedules:
// a shared job channel with a bounded number of flush workers.
package ioruntime

import "sync"

// Pool is a fixed-size set of worker goroutines consuming submitted
// jobs from a shared channel. Size corresponds to the broker's
// --threads flag (default 4).
type Pool struct {
	jobs chan func()
	wg   sync.WaitGroup
}

// NewPool starts size workers. size <= 0 is treated as 1.
func NewPool(size int) *Pool {
	if size <= 0 {
		size = 1
	}

	p := &Pool{jobs: make(chan func(), 256)}
	p.wg.Add(size)
	for i := 0; i < size; i++ {
		go p.worker()
	}
	return p
}

func (p *Pool) worker() {
	defer p.wg.Done()
	for job := range p.jobs {
		job()
	}
}

// Submit enqueues a job to run on some worker goroutine. It never
// blocks on a shared lock beyond the channel send itself.
func (p *Pool) Submit(job func()) {
	p.jobs <- job
}

// Stop closes the job queue and blocks until every worker has drained
// it and exited.
func (p *Pool) Stop() {
	close(p.jobs)
	p.wg.Wait()
}
