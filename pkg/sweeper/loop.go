// Package sweeper runs the periodic reconciliation passes that keep the
// instance registry and the container runtime in agreement.
package sweeper

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// loop runs pass once at start and then every interval until stopped
type loop struct {
	name     string
	interval time.Duration
	pass     func(ctx context.Context)

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

func (l *loop) Start(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.cancel != nil {
		return fmt.Errorf("%s already running", l.name)
	}

	ctx, cancel := context.WithCancel(ctx)
	l.cancel = cancel
	l.done = make(chan struct{})

	go l.run(ctx, l.done)

	log.Info().Str("sweeper", l.name).Dur("interval", l.interval).Msg("sweeper started")
	return nil
}

// Stop cancels the loop and waits for an in-flight pass to return
func (l *loop) Stop() {
	l.mu.Lock()
	cancel, done := l.cancel, l.done
	l.cancel = nil
	l.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
	log.Info().Str("sweeper", l.name).Msg("sweeper stopped")
}

func (l *loop) run(ctx context.Context, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(l.interval)
	defer ticker.Stop()

	l.pass(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			l.pass(ctx)
		}
	}
}
