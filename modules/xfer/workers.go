package xfer

import (
	"runtime"

	"gitlab.com/NebulousLabs/threadgroup"
)

// cryptoPool is the bounded worker pool that runs chunk decryption off
// the scheduler thread. Jobs are self-contained closures carrying their
// own piece and key material; a worker never touches slot state
// directly, it only runs the job, and the job publishes its result with
// an atomic state flip the scheduler polls on its next tick.
type cryptoPool struct {
	jobs chan func()
	tg   threadgroup.ThreadGroup
}

// newCryptoPool starts a pool sized to the machine, one worker per CPU.
func newCryptoPool() *cryptoPool {
	workers := runtime.NumCPU()
	if workers < 1 {
		workers = 1
	}
	p := &cryptoPool{jobs: make(chan func(), workers)}
	for i := 0; i < workers; i++ {
		go p.threadedWork()
	}
	return p
}

func (p *cryptoPool) threadedWork() {
	if err := p.tg.Add(); err != nil {
		return
	}
	defer p.tg.Done()
	for {
		select {
		case job := <-p.jobs:
			job()
		case <-p.tg.StopChan():
			return
		}
	}
}

// Submit enqueues job, blocking while every worker is busy and the
// backlog is full. Jobs submitted after Stop are dropped; their pieces
// are reclaimed by the slot-destruction flush.
func (p *cryptoPool) Submit(job func()) {
	select {
	case p.jobs <- job:
	case <-p.tg.StopChan():
	}
}

// Stop tears the pool down after in-flight jobs finish.
func (p *cryptoPool) Stop() error {
	return p.tg.Stop()
}
