package activitypub

import (
	"context"
	"errors"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/deemkeen/fedcore/db"
	"github.com/deemkeen/fedcore/domain"
	"github.com/deemkeen/fedcore/util"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

// backoff between attempts, the last entry repeats
var deliveryBackoff = []time.Duration{
	1 * time.Minute,
	5 * time.Minute,
	15 * time.Minute,
	60 * time.Minute,
	240 * time.Minute,
	1440 * time.Minute,
}

// DeliveryWorker drains the delivery queue. Each recipient is delivered independently.
type DeliveryWorker struct {
	conf      *util.AppConfig
	db        *db.DB
	followers *FollowerStore
	sender    *Sender
}

func NewDeliveryWorker(conf *util.AppConfig, database *db.DB, registry *Registry, followers *FollowerStore) *DeliveryWorker {
	return &DeliveryWorker{
		conf:      conf,
		db:        database,
		followers: followers,
		sender:    NewSender(registry, &http.Client{}),
	}
}

// Start processes the queue on every tick until ctx is done.
func (w *DeliveryWorker) Start(ctx context.Context) {
	log.Info().Dur("interval", w.conf.Delivery.Interval).Int("workers", w.conf.Delivery.Workers).Msg("Starting delivery worker")

	ticker := time.NewTicker(w.conf.Delivery.Interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if _, _, err := w.ProcessOnce(ctx); err != nil {
					log.Error().Err(err).Msg("DeliveryWorker: failed to process queue")
				}
			}
		}
	}()
}

// ProcessOnce delivers one batch of due items and returns how many succeeded and failed.
func (w *DeliveryWorker) ProcessOnce(ctx context.Context) (int, int, error) {
	items, err := w.db.ReadPendingDeliveries(ctx, w.conf.Delivery.BatchSize)
	if err != nil {
		return 0, 0, err
	}
	if len(items) == 0 {
		return 0, 0, nil
	}
	log.Debug().Int("items", len(items)).Msg("DeliveryWorker: processing pending deliveries")

	var delivered, failed atomic.Int32
	g := new(errgroup.Group)
	g.SetLimit(w.conf.Delivery.Workers)
	for i := range items {
		item := items[i]
		g.Go(func() error {
			if w.deliver(ctx, &item) {
				delivered.Add(1)
			} else {
				failed.Add(1)
			}
			return nil
		})
	}
	g.Wait()

	return int(delivered.Load()), int(failed.Load()), nil
}

func (w *DeliveryWorker) deliver(ctx context.Context, item *domain.DeliveryQueueItem) bool {
	reqCtx, cancel := context.WithTimeout(ctx, w.conf.Delivery.Timeout)
	defer cancel()

	body := []byte(item.ActivityJSON)
	actorURI := json.Get(body, "actor").ToString()
	var err error
	if actorURI == "" {
		err = errors.New("activity has no actor")
	} else {
		err = w.sender.SendActivity(reqCtx, item.ActorId, actorURI, item.InboxURI, body)
	}

	// a cancelled worker leaves the item for the next run
	if ctx.Err() != nil {
		return false
	}

	if err == nil {
		if err := w.db.DeleteDelivery(ctx, item.Id); err != nil {
			log.Error().Err(err).Str("id", item.Id.String()).Msg("DeliveryWorker: failed to remove delivered item")
		}
		if err := w.followers.RecordDeliverySuccess(ctx, item.ActorId, item.InboxURI); err != nil {
			log.Warn().Err(err).Msg("DeliveryWorker: failed to reset follower errors")
		}
		return true
	}

	err = domain.DeliveryFailed(err, item.InboxURI)
	item.Attempts++
	if item.Attempts >= w.conf.Delivery.MaxAttempts {
		log.Warn().Err(err).Int("attempts", item.Attempts).Msg("DeliveryWorker: giving up")
		if err := w.db.DeleteDelivery(ctx, item.Id); err != nil {
			log.Error().Err(err).Msg("DeliveryWorker: failed to remove abandoned item")
		}
		if err := w.followers.RecordDeliveryFailure(ctx, item.ActorId, item.InboxURI, err.Error()); err != nil {
			log.Warn().Err(err).Msg("DeliveryWorker: failed to record follower error")
		}
		return false
	}

	wait := deliveryBackoff[min(item.Attempts-1, len(deliveryBackoff)-1)]
	log.Info().Err(err).Int("attempt", item.Attempts).Dur("retry", wait).Msg("DeliveryWorker: delivery failed")
	if err := w.db.UpdateDeliveryAttempt(ctx, item.Id, item.Attempts, time.Now().Add(wait), err.Error()); err != nil {
		log.Error().Err(err).Msg("DeliveryWorker: failed to reschedule item")
	}
	return false
}
