// Package connectivity watches server reachability and signals when it returns.
package connectivity

import (
	"context"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// Prober periodically runs check. On every offline→online transition it
// calls onRegained.
type Prober struct {
	check      func(ctx context.Context) error
	interval   time.Duration
	onRegained func()
	log        *zap.Logger
	online     atomic.Bool
}

// New constructs a prober. The initial state is online.
func New(check func(ctx context.Context) error, interval time.Duration, onRegained func(), log *zap.Logger) *Prober {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	if log == nil {
		log = zap.NewNop()
	}
	p := &Prober{check: check, interval: interval, onRegained: onRegained, log: log}
	p.online.Store(true)
	return p
}

// Online reports the result of the last probe.
func (p *Prober) Online() bool { return p.online.Load() }

// Run probes until ctx is done.
func (p *Prober) Run(ctx context.Context) {
	t := time.NewTicker(p.interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			p.probe(ctx)
		}
	}
}

func (p *Prober) probe(ctx context.Context) {
	cctx, cancel := context.WithTimeout(ctx, p.interval)
	defer cancel()
	err := p.check(cctx)
	if ctx.Err() != nil {
		return
	}

	now := err == nil
	was := p.online.Swap(now)
	switch {
	case was && !now:
		p.log.Info("server unreachable", zap.Error(err))
	case !was && now:
		p.log.Info("server reachable again")
		if p.onRegained != nil {
			p.onRegained()
		}
	}
}
