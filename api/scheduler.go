/*
scheduler.go - Background expiration sweep scheduler

PURPOSE:
  Periodically runs the expiration sweep so purchase lots are retired even
  when the external cron trigger is not configured. Ticker-driven, one
  goroutine, idempotent with the manual POST /api/points/check-expiration
  trigger: both paths share the sweeper's conditional lot marking.

CONFIGURATION:
  - CheckInterval: How often to sweep (default: 1 hour)
  - Enabled: Whether the scheduler is active (default: true)

USAGE:
  scheduler := NewSweepScheduler(sweeper)
  scheduler.Start()
  // ... later
  scheduler.Stop()

SEE ALSO:
  - ledger/sweeper.go: The sweep itself
  - handlers.go: CheckExpiration endpoint (manual trigger)
*/
package api

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/uranai/points-ledger/ledger"
)

// SweepScheduler runs the expiration sweep on a fixed interval.
type SweepScheduler struct {
	Sweeper       *ledger.Sweeper
	CheckInterval time.Duration
	Enabled       bool

	ticker *time.Ticker
	stop   chan bool
	wg     sync.WaitGroup
	mu     sync.Mutex
}

// NewSweepScheduler creates a new scheduler.
func NewSweepScheduler(sweeper *ledger.Sweeper) *SweepScheduler {
	return &SweepScheduler{
		Sweeper:       sweeper,
		CheckInterval: 1 * time.Hour,
		Enabled:       true,
		stop:          make(chan bool),
	}
}

// Start begins the scheduler.
func (ss *SweepScheduler) Start() {
	ss.mu.Lock()
	defer ss.mu.Unlock()

	if !ss.Enabled {
		log.Println("[Scheduler] Disabled, not starting")
		return
	}

	ss.ticker = time.NewTicker(ss.CheckInterval)
	ss.wg.Add(1)

	go ss.run()

	log.Printf("[Scheduler] Started with sweep interval: %v", ss.CheckInterval)
}

// Stop stops the scheduler.
func (ss *SweepScheduler) Stop() {
	ss.mu.Lock()
	defer ss.mu.Unlock()

	if ss.ticker != nil {
		ss.ticker.Stop()
		close(ss.stop)
		ss.wg.Wait()
		log.Println("[Scheduler] Stopped")
	}
}

// RunNow triggers one sweep outside the schedule.
func (ss *SweepScheduler) RunNow() {
	ss.sweep()
}

func (ss *SweepScheduler) run() {
	defer ss.wg.Done()

	// Run immediately on start
	ss.sweep()

	for {
		select {
		case <-ss.ticker.C:
			ss.sweep()
		case <-ss.stop:
			return
		}
	}
}

func (ss *SweepScheduler) sweep() {
	ctx := context.Background()
	now := time.Now().UTC()

	report, err := ss.Sweeper.Run(ctx, now)
	if err != nil {
		log.Printf("[Scheduler] Sweep failed: %v", err)
		return
	}
	if report.Processed > 0 || report.Warned > 0 || report.Failed > 0 {
		log.Printf("[Scheduler] Sweep completed: %d lots expired, %d users warned, %d failed",
			report.Processed, report.Warned, report.Failed)
	}
}
