// services/scheduler.go
package services

import (
	"context"
	"log"
	"time"

	"github.com/go-co-op/gocron/v2"
)

// StartSettlementScheduler runs the clock-driven settlement trigger: every
// minute it settles the current game if its deadline has passed and finishes
// any pending payouts. It shares AttemptFinalize with the manual admin
// trigger, so racing invocations are safe.
func (s *SettlementService) StartSettlementScheduler(ctx context.Context) {
	sched, err := gocron.NewScheduler()
	if err != nil {
		log.Fatal("failed to create settlement scheduler:", err)
	}
	sched.Start()

	_, err = sched.NewJob(
		gocron.DurationJob(1*time.Minute),
		gocron.NewTask(func() {
			s.AttemptFinalizeDue(ctx)
		}),
	)
	if err != nil {
		log.Fatal("failed to schedule settlement job:", err)
	}

	go func() {
		<-ctx.Done()
		if err := sched.Shutdown(); err != nil {
			log.Printf("[Scheduler] Shutdown error: %v", err)
		}
	}()
}
