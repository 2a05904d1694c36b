package simulation

import (
	"context"
	"time"
)

// TickFunc runs one paced tick and reports whether the loop should continue.
type TickFunc func(ctx context.Context) bool

// Loop drives ticks at a fixed wall-clock rate, catching up when the host falls behind.
type Loop struct {
	interval time.Duration
	tick     TickFunc
}

// NewLoop configures a loop that targets the provided tick rate.
func NewLoop(targetHz float64, tick TickFunc) *Loop {
	if targetHz <= 0 {
		targetHz = 10
	}
	if tick == nil {
		tick = func(context.Context) bool { return false }
	}
	interval := time.Duration(float64(time.Second) / targetHz)
	if interval <= 0 {
		interval = time.Millisecond
	}
	return &Loop{interval: interval, tick: tick}
}

// LoopForEnv paces ticks so one tick advances simulated time by cfg.DT at cfg.TimeWarp speed.
func LoopForEnv(cfg EnvConfig, tick TickFunc) *Loop {
	hz := 0.0
	if cfg.DT > 0 && cfg.TimeWarp > 0 {
		hz = cfg.TimeWarp / cfg.DT
	}
	return NewLoop(hz, tick)
}

// Interval returns the wall-clock spacing between ticks.
func (l *Loop) Interval() time.Duration { return l.interval }

// Run blocks until the tick function stops the loop or the context is cancelled.
func (l *Loop) Run(ctx context.Context) error {
	ticker := time.NewTicker(l.interval)
	defer ticker.Stop()
	last := time.Now()
	accumulator := time.Duration(0)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case now := <-ticker.C:
			//1.- Accumulate elapsed time and run whole ticks while catching up.
			accumulator += now.Sub(last)
			last = now
			for accumulator >= l.interval {
				accumulator -= l.interval
				if !l.tick(ctx) {
					return nil
				}
			}
		}
	}
}
