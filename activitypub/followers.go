package activitypub

import (
	"context"
	"fmt"
	"time"

	"github.com/deemkeen/fedcore/db"
	"github.com/deemkeen/fedcore/domain"
	"github.com/deemkeen/fedcore/util"
	"github.com/rs/zerolog/log"
	"github.com/samber/lo"
)

const (
	DefaultFollowersPerPage = 20
	MaxFollowersPerPage     = 100
)

// FollowerStore owns the followers of local actors.
type FollowerStore struct {
	conf   *util.AppConfig
	db     *db.DB
	actors *RemoteActors
}

func NewFollowerStore(conf *util.AppConfig, database *db.DB, actors *RemoteActors) *FollowerStore {
	return &FollowerStore{conf: conf, db: database, actors: actors}
}

// AddFollower is idempotent: following twice refreshes the cached profile of the one row.
func (s *FollowerStore) AddFollower(ctx context.Context, localActorID int64, remoteActorURL, followID string) (*domain.Follower, error) {
	remote, err := s.actors.Get(ctx, remoteActorURL)
	if err != nil {
		return nil, fmt.Errorf("resolving follower %s: %w", remoteActorURL, err)
	}

	f, err := s.db.UpsertFollower(ctx, &domain.Follower{
		LocalActorId:      localActorID,
		ActorURI:          remote.ActorURI,
		InboxURI:          remote.InboxURI,
		SharedInboxURI:    remote.SharedInboxURI,
		FollowActivityURI: followID,
		ActorJSON:         remote.ProfileJSON,
	})
	if err != nil {
		return nil, err
	}
	log.Info().Int64("actor", localActorID).Str("follower", remote.ActorURI).Msg("Followers: added")
	return f, nil
}

func (s *FollowerStore) RemoveFollower(ctx context.Context, localActorID int64, remoteActorURL string) (bool, error) {
	return s.db.DeleteFollower(ctx, localActorID, remoteActorURL)
}

// RemoveByFollowID handles an Undo that only names the original Follow.
func (s *FollowerStore) RemoveByFollowID(ctx context.Context, remoteActorURL, followID string) (int64, error) {
	return s.db.DeleteFollowerByFollowURI(ctx, remoteActorURL, followID)
}

// RemoveActor drops a remote actor from every local actor's followers.
func (s *FollowerStore) RemoveActor(ctx context.Context, remoteActorURL string) (int64, error) {
	return s.db.DeleteFollowersByActorURI(ctx, remoteActorURL)
}

// RemoveAllOf is called when a local actor goes away.
func (s *FollowerStore) RemoveAllOf(ctx context.Context, localActorID int64) (int64, error) {
	return s.db.DeleteFollowersOf(ctx, localActorID)
}

// ListFollowers returns one page (1-based) and the total count. order is "asc" or "desc".
func (s *FollowerStore) ListFollowers(ctx context.Context, localActorID int64, page, perPage int, order string) ([]domain.Follower, int, error) {
	page, perPage = normalizePage(page, perPage)
	total, err := s.db.CountFollowers(ctx, localActorID)
	if err != nil {
		return nil, 0, err
	}
	followers, err := s.db.ListFollowers(ctx, localActorID, perPage, (page-1)*perPage, order != "asc")
	if err != nil {
		return nil, 0, err
	}
	return followers, total, nil
}

func normalizePage(page, perPage int) (int, int) {
	if page < 1 {
		page = 1
	}
	if perPage < 1 {
		perPage = DefaultFollowersPerPage
	}
	if perPage > MaxFollowersPerPage {
		perPage = MaxFollowersPerPage
	}
	return page, perPage
}

// InboxAddresses collapses followers sharing a shared inbox into one address.
func (s *FollowerStore) InboxAddresses(ctx context.Context, localActorID int64) ([]string, error) {
	followers, err := s.db.ReadFollowerInboxes(ctx, localActorID)
	if err != nil {
		return nil, err
	}
	inboxes := lo.FilterMap(followers, func(f domain.Follower, _ int) (string, bool) {
		inbox := f.DeliveryInbox(s.conf.Conf.UseSharedInbox)
		return inbox, inbox != ""
	})
	return lo.Uniq(inboxes), nil
}

// RecordDeliveryFailure is called once per given-up delivery, not per retry.
func (s *FollowerStore) RecordDeliveryFailure(ctx context.Context, localActorID int64, inbox, reason string) error {
	n, err := s.db.IncrementFollowerErrors(ctx, localActorID, inbox, reason)
	if err == nil && n > 0 {
		log.Warn().Int64("actor", localActorID).Str("inbox", inbox).Int64("followers", n).
			Msg("Followers: delivery given up, error counter incremented")
	}
	return err
}

func (s *FollowerStore) RecordDeliverySuccess(ctx context.Context, localActorID int64, inbox string) error {
	_, err := s.db.ResetFollowerErrors(ctx, localActorID, inbox)
	return err
}

// PruneFailing removes followers that reached the error threshold.
func (s *FollowerStore) PruneFailing(ctx context.Context) (int64, error) {
	n, err := s.db.PruneFollowers(ctx, s.conf.Delivery.FollowerErrorThreshold)
	if err == nil && n > 0 {
		log.Info().Int64("removed", n).Msg("Followers: pruned unreachable followers")
	}
	return n, err
}

// RefreshStale refetches profiles of followers cached before olderThan. It returns how
// many actors were refreshed.
func (s *FollowerStore) RefreshStale(ctx context.Context, olderThan time.Time, limit int) (int, error) {
	uris, err := s.db.ReadStaleFollowerActors(ctx, olderThan, limit)
	if err != nil {
		return 0, err
	}

	refreshed := 0
	for _, uri := range uris {
		remote, err := s.actors.Fetch(ctx, uri)
		if err != nil {
			log.Warn().Err(err).Str("actor", uri).Msg("Followers: refresh failed")
			continue
		}
		if _, err := s.db.UpdateFollowerProfile(ctx, uri, remote.InboxURI, remote.SharedInboxURI, remote.ProfileJSON); err != nil {
			return refreshed, err
		}
		refreshed++
	}
	return refreshed, nil
}
