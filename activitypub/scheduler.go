package activitypub

import (
	"context"
	"time"

	"github.com/deemkeen/fedcore/util"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog/log"
)

// maintenance jobs run hourly
const maintenanceSpec = "@every 1h"

const refreshBatch = 50

// Scheduler runs the periodic follower refresh, failing-follower pruning and remote
// actor cache cleanup.
type Scheduler struct {
	conf      *util.AppConfig
	followers *FollowerStore
	actors    *RemoteActors
	cron      *cron.Cron
}

func NewScheduler(conf *util.AppConfig, followers *FollowerStore, actors *RemoteActors) *Scheduler {
	return &Scheduler{
		conf:      conf,
		followers: followers,
		actors:    actors,
		cron:      cron.New(cron.WithLogger(cron.VerbosePrintfLogger(&log.Logger))),
	}
}

// Start registers the jobs and starts the cron loop.
func (s *Scheduler) Start(ctx context.Context) error {
	if _, err := s.cron.AddFunc(maintenanceSpec, func() { s.RefreshFollowers(ctx) }); err != nil {
		return err
	}
	if _, err := s.cron.AddFunc(maintenanceSpec, func() { s.PruneFollowers(ctx) }); err != nil {
		return err
	}
	if _, err := s.cron.AddFunc(maintenanceSpec, func() { s.CleanupActors(ctx) }); err != nil {
		return err
	}
	s.cron.Start()
	log.Info().Msg("Scheduler: started")
	return nil
}

// Stop waits for running jobs.
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
}

func (s *Scheduler) RefreshFollowers(ctx context.Context) {
	olderThan := time.Now().Add(-s.conf.Federation.ActorCacheTTL)
	n, err := s.followers.RefreshStale(ctx, olderThan, refreshBatch)
	if err != nil {
		log.Error().Err(err).Msg("Scheduler: follower refresh failed")
		return
	}
	log.Debug().Int("refreshed", n).Msg("Scheduler: refreshed followers")
}

func (s *Scheduler) PruneFollowers(ctx context.Context) {
	n, err := s.followers.PruneFailing(ctx)
	if err != nil {
		log.Error().Err(err).Msg("Scheduler: pruning followers failed")
		return
	}
	if n > 0 {
		log.Info().Int64("removed", n).Msg("Scheduler: pruned failing followers")
	}
}

func (s *Scheduler) CleanupActors(ctx context.Context) {
	n, err := s.actors.Cleanup(ctx)
	if err != nil {
		log.Error().Err(err).Msg("Scheduler: actor cache cleanup failed")
		return
	}
	log.Debug().Int64("removed", n).Msg("Scheduler: cleaned remote actor cache")
}
