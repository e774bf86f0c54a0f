package trainer

import (
	"context"
	"fmt"
	"time"

	log "github.com/go-pkgz/lgr"
	"github.com/robfig/cron/v3"
)

// RunOnSchedule repeats the full training pass on a standard cron schedule,
// blocking until the context is canceled. Failed passes are logged and the
// schedule keeps going. Overlapping passes are not deduplicated, schedules
// are expected to be coarser than a pass duration.
func (t *Trainer) RunOnSchedule(ctx context.Context, spec string) error {
	sched, err := cron.ParseStandard(spec)
	if err != nil {
		return fmt.Errorf("can't parse schedule %q: %w", spec, err)
	}

	c := cron.New()
	c.Schedule(sched, cron.FuncJob(func() {
		log.Printf("[INFO] scheduled training pass started")
		if _, err := t.Do(ctx); err != nil {
			log.Printf("[WARN] scheduled training pass failed, %v", err)
		}
		log.Printf("[INFO] next pass: %s", sched.Next(time.Now()).Format(time.RFC3339))
	}))

	log.Printf("[INFO] training on schedule %q, first pass: %s", spec, sched.Next(time.Now()).Format(time.RFC3339))
	c.Start()
	<-ctx.Done()
	<-c.Stop().Done()
	return nil
}
