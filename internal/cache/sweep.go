package cache

import (
	"time"

	"go.uber.org/zap"
)

// Cleaner is implemented by caches that support periodic expiry sweeps.
type Cleaner interface {
	CleanExpired() int
}

// Sweeper runs periodic cleanup over registered caches.
type Sweeper struct {
	caches []Cleaner
	stop   chan struct{}
	done   chan struct{}
}

// NewSweeper creates a Sweeper.
func NewSweeper() *Sweeper {
	return &Sweeper{
		stop: make(chan struct{}),
		done: make(chan struct{}),
	}
}

// Register adds a cache to the sweep set. Not safe to call after Start.
func (s *Sweeper) Register(c Cleaner) {
	s.caches = append(s.caches, c)
}

// Start begins sweeping at the given interval.
func (s *Sweeper) Start(interval time.Duration) {
	go s.run(interval)
}

func (s *Sweeper) run(interval time.Duration) {
	defer close(s.done)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			removed := 0
			for _, c := range s.caches {
				removed += c.CleanExpired()
			}
			if removed > 0 {
				zap.L().Debug("cache: sweep removed entries", zap.Int("removed", removed))
			}
		case <-s.stop:
			return
		}
	}
}

// Stop halts the sweep loop and waits for it to exit.
func (s *Sweeper) Stop() {
	close(s.stop)
	<-s.done
}
