package simulation

import (
	"context"
	"sync"
)

type pauser struct {
	lock    sync.Mutex
	paused  bool
	resumed chan struct{}
}

func (p *pauser) pause() {
	p.lock.Lock()
	defer p.lock.Unlock()

	if p.paused {
		return
	}

	p.paused = true
	p.resumed = make(chan struct{})
}

func (p *pauser) resume() {
	p.lock.Lock()
	defer p.lock.Unlock()

	if !p.paused {
		return
	}

	p.paused = false
	close(p.resumed)
}

func (p *pauser) isPaused() bool {
	p.lock.Lock()
	defer p.lock.Unlock()

	return p.paused
}

// wait blocks while paused. It tells if it had to wait.
func (p *pauser) wait(ctx context.Context) (bool, error) {
	p.lock.Lock()

	if !p.paused {
		p.lock.Unlock()
		return false, nil
	}

	ch := p.resumed
	p.lock.Unlock()

	select {
	case <-ch:
		return true, nil
	case <-ctx.Done():
		return false, ctx.Err()
	}
}
