package services

import (
	"log"
	"time"

	"github.com/go-co-op/gocron/v2"
)

// SweepScheduler runs the conversation store's sweep on a fixed interval.
// The store already sweeps lazily on access, so this is optional; it keeps
// memory flat on deployments with long idle periods.
type SweepScheduler struct {
	scheduler gocron.Scheduler
}

// StartSweepScheduler starts a periodic sweep. interval must be positive.
func StartSweepScheduler(store *ConversationStore, interval time.Duration) (*SweepScheduler, error) {
	scheduler, err := gocron.NewScheduler(gocron.WithLocation(time.UTC))
	if err != nil {
		return nil, err
	}

	_, err = scheduler.NewJob(
		gocron.DurationJob(interval),
		gocron.NewTask(func() {
			if removed := store.Sweep(); removed > 0 {
				log.Printf("🧹 [SWEEP] Periodic sweep removed %d session(s)", removed)
			}
		}),
	)
	if err != nil {
		return nil, err
	}

	scheduler.Start()
	log.Printf("✅ [SWEEP] Periodic sweep every %v", interval)
	return &SweepScheduler{scheduler: scheduler}, nil
}

// Stop shuts the scheduler down.
func (s *SweepScheduler) Stop() {
	if err := s.scheduler.Shutdown(); err != nil {
		log.Printf("⚠️ [SWEEP] Scheduler shutdown failed: %v", err)
	}
}
