package dispatcher

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron"

	"github.com/sentinelproxy/sentinel-cp/pkg/durations"
)

// periodic lists the recurring kinds and their cadence. Each enqueue dedups
// against a still-pending prior run, so a slow queue never stacks sweeps.
var periodic = []struct {
	kind  string
	every time.Duration
}{
	{KindLivenessSweep, durations.LivenessSweepInterval},
	{KindDriftScan, durations.DriftScanInterval},
	{KindScheduledRollouts, durations.ScheduledRolloutScan},
	{KindHeartbeatCleanup, durations.HeartbeatCleanupTick},
	{KindEventCleanup, durations.EventCleanupTick},
}

// StartCron begins enqueueing the periodic job kinds and returns a stop
// function. The returned function only halts scheduling; queued jobs still
// drain through Run.
func (d *Dispatcher) StartCron() (func(), error) {
	c := cron.New()
	for _, p := range periodic {
		kind := p.kind
		err := c.AddFunc(fmt.Sprintf("@every %s", p.every), func() {
			ctx, cancel := context.WithTimeout(context.Background(), durations.JobPollInterval*4)
			defer cancel()
			if err := d.Enqueue(ctx, kind, nil); err != nil {
				d.log.Error(err, "periodic enqueue failed", "kind", kind)
			}
		})
		if err != nil {
			return nil, fmt.Errorf("schedule %s: %w", kind, err)
		}
	}
	c.Start()
	return c.Stop, nil
}
