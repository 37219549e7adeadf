// Package resync runs the optional periodic safety refresh of the state
// mirror. The mirror is already fully event-driven; this is a belt for the
// case where an event was lost while the socket looked healthy.
package resync

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"

	"github.com/casa-home/casahub-go/internal/hub"
	"github.com/casa-home/casahub-go/internal/mirror"
)

// Scheduler triggers mirror refreshes on a cron schedule.
type Scheduler struct {
	cron   *cron.Cron
	logger *logrus.Logger
}

// New creates a scheduler refreshing mir per schedule (cron syntax,
// "@every 1h" style accepted). Refreshes are skipped while disconnected.
func New(schedule string, client *hub.Client, mir *mirror.Mirror, logger *logrus.Logger) (*Scheduler, error) {
	c := cron.New()
	_, err := c.AddFunc(schedule, func() {
		if !client.IsConnected() {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if err := mir.Refresh(ctx); err != nil {
			logger.WithError(err).Warn("Scheduled resync failed")
		} else {
			logger.Debug("Scheduled resync completed")
		}
	})
	if err != nil {
		return nil, err
	}
	return &Scheduler{cron: c, logger: logger}, nil
}

// Start begins running the schedule.
func (s *Scheduler) Start() {
	s.cron.Start()
}

// Stop halts the schedule, waiting for a running refresh to finish.
func (s *Scheduler) Stop() {
	ctx := s.cron.Stop()
	<-ctx.Done()
}
