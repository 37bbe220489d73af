package activitypub

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/deemkeen/fedcore/db"
	"github.com/deemkeen/fedcore/domain"
	"github.com/deemkeen/fedcore/util"
	"github.com/rs/zerolog/log"
	"github.com/samber/lo"
)

type EventType string

const (
	EventCreate     EventType = "create"
	EventUpdate     EventType = "update"
	EventDelete     EventType = "delete"
	EventDeleteUser EventType = "delete_user"
)

// Event is a content change reported by the host.
type Event struct {
	Type   EventType `json:"type" validate:"required,oneof=create update delete delete_user"`
	ItemID int64     `json:"itemId"`
	UserID int64     `json:"userId"`
}

func (e Event) activityType() domain.ActivityType {
	switch e.Type {
	case EventUpdate:
		return domain.ActivityUpdate
	case EventDelete:
		return domain.ActivityDelete
	default:
		return domain.ActivityCreate
	}
}

// Dispatcher turns content changes into activities and queues one signed delivery per
// recipient inbox.
type Dispatcher struct {
	conf        *util.AppConfig
	db          *db.DB
	migrator    *db.Migrator
	registry    *Registry
	content     ContentProvider
	transformer *Transformer
	builder     *Builder
	followers   *FollowerStore
	actors      *RemoteActors

	events chan Event
}

func NewDispatcher(conf *util.AppConfig, database *db.DB, migrator *db.Migrator, registry *Registry,
	content ContentProvider, transformer *Transformer, followers *FollowerStore, actors *RemoteActors) *Dispatcher {
	size := conf.Events.QueueSize
	if size <= 0 {
		size = 100
	}
	return &Dispatcher{
		conf:        conf,
		db:          database,
		migrator:    migrator,
		registry:    registry,
		content:     content,
		transformer: transformer,
		builder:     NewBuilder(conf),
		followers:   followers,
		actors:      actors,
		events:      make(chan Event, size),
	}
}

// Enqueue hands an event to the background loop without blocking. It returns false when
// the queue is full.
func (d *Dispatcher) Enqueue(ev Event) bool {
	select {
	case d.events <- ev:
		return true
	default:
		log.Warn().Str("type", string(ev.Type)).Int64("item", ev.ItemID).Msg("Dispatcher: event queue full, dropping event")
		return false
	}
}

// Run consumes events until ctx is done. Events blocked by a running migration are
// retried after the configured delay.
func (d *Dispatcher) Run(ctx context.Context) {
	log.Info().Msg("Dispatcher: started")
	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("Dispatcher: stopped")
			return
		case ev := <-d.events:
			err := d.HandleEvent(ctx, ev)
			switch {
			case err == nil:
			case domain.IsMigrationLocked(err):
				log.Info().Int64("item", ev.ItemID).Dur("retry", d.conf.Migration.RetryDelay).Msg("Dispatcher: migration running, deferring event")
				time.AfterFunc(d.conf.Migration.RetryDelay, func() {
					if ctx.Err() == nil {
						d.Enqueue(ev)
					}
				})
			default:
				log.Error().Err(err).Str("type", string(ev.Type)).Int64("item", ev.ItemID).Msg("Dispatcher: event failed")
			}
		}
	}
}

// HandleEvent processes one event synchronously.
func (d *Dispatcher) HandleEvent(ctx context.Context, ev Event) error {
	if ev.Type == EventDeleteUser {
		return d.removeUser(ctx, ev.UserID)
	}

	err := d.Dispatch(ctx, ev.ItemID, ev.activityType())
	if ev.Type == EventDelete && domain.IsNotFound(err) {
		// the host already removed the item
		return d.dispatchTombstone(ctx, ev.ItemID, ev.UserID)
	}
	return err
}

// Dispatch federates one content item as a Create, Update or Delete.
func (d *Dispatcher) Dispatch(ctx context.Context, itemID int64, activityType domain.ActivityType) error {
	if err := d.migrator.EnsureCurrent(ctx); err != nil {
		return err
	}

	item, err := d.content.Item(ctx, itemID)
	if err != nil {
		return err
	}
	if item.Status == domain.StatusTrash && activityType != domain.ActivityDelete {
		activityType = domain.ActivityDelete
	}

	actor, err := d.actingActor(ctx, item.AuthorId)
	if err != nil || actor == nil {
		return err
	}

	obj, err := d.transformer.Transform(ctx, item, actor)
	if err != nil {
		return fmt.Errorf("transforming item %d: %w", itemID, err)
	}
	actorURI := d.registry.URI(actor)
	activity, err := d.builder.Wrap(activityType, actorURI, obj)
	if err != nil {
		return fmt.Errorf("building %s for item %d: %w", activityType, itemID, err)
	}

	if len(activity.To) == 0 && len(activity.CC) == 0 {
		log.Debug().Int64("item", itemID).Msg("Dispatcher: local visibility, skipping delivery")
		return nil
	}

	inboxes, err := d.recipients(ctx, actor, activity)
	if err != nil {
		return err
	}
	if err := d.deliver(ctx, actor, activity, obj.ID, inboxes, true); err != nil {
		return err
	}

	if d.conf.Conf.ActorMode == util.ActorModeActorBlog && !actor.IsBlog() &&
		item.Kind == domain.KindPost &&
		(activityType == domain.ActivityCreate || activityType == domain.ActivityUpdate) {
		blog, err := d.registry.ResolveID(ctx, domain.BlogActorID)
		if err != nil {
			log.Warn().Err(err).Msg("Dispatcher: blog actor unavailable, not announcing")
			return nil
		}
		blogURI := d.registry.URI(blog)
		return d.Announce(ctx, blog, obj.ID, []string{domain.PublicAddress}, []string{FollowersURI(blogURI)})
	}
	return nil
}

// Announce shares objectID with the followers of actor. The object is referenced by id.
func (d *Dispatcher) Announce(ctx context.Context, actor *domain.Actor, objectID string, to, cc []string) error {
	activity, err := d.builder.Announce(d.registry.URI(actor), objectID, to, cc)
	if err != nil {
		return err
	}
	inboxes, err := d.followers.InboxAddresses(ctx, actor.Id)
	if err != nil {
		return err
	}
	return d.deliver(ctx, actor, activity, objectID, inboxes, true)
}

// actingActor picks the author, or the blog actor in blog mode. A nil actor with a nil
// error means the actor is disabled and nothing should be sent.
func (d *Dispatcher) actingActor(ctx context.Context, authorID int64) (*domain.Actor, error) {
	id := authorID
	if d.conf.Conf.ActorMode == util.ActorModeBlog {
		id = domain.BlogActorID
	}
	if !d.registry.IsEnabled(id) {
		log.Debug().Int64("actor", id).Msg("Dispatcher: actor disabled")
		return nil, nil
	}
	actor, err := d.registry.ResolveID(ctx, id)
	if domain.IsNotFound(err) {
		log.Debug().Int64("actor", id).Msg("Dispatcher: actor cannot publish")
		return nil, nil
	}
	return actor, err
}

// recipients is the union of the follower inboxes and the inboxes of actors mentioned in cc.
func (d *Dispatcher) recipients(ctx context.Context, actor *domain.Actor, activity *domain.Activity) ([]string, error) {
	inboxes, err := d.followers.InboxAddresses(ctx, actor.Id)
	if err != nil {
		return nil, fmt.Errorf("reading follower inboxes: %w", err)
	}

	followers := FollowersURI(d.registry.URI(actor))
	localPrefix := "https://" + d.conf.Conf.SslDomain + "/"
	mentioned := lo.Filter(activity.CC, func(iri string, _ int) bool {
		return iri != domain.PublicAddress && iri != followers && !strings.HasPrefix(iri, localPrefix)
	})
	for _, iri := range mentioned {
		remote, err := d.actors.Get(ctx, iri)
		if err != nil {
			log.Warn().Err(err).Str("actor", iri).Msg("Dispatcher: cannot resolve mentioned actor")
			continue
		}
		if d.conf.Conf.UseSharedInbox && remote.SharedInboxURI != "" {
			inboxes = append(inboxes, remote.SharedInboxURI)
		} else if remote.InboxURI != "" {
			inboxes = append(inboxes, remote.InboxURI)
		}
	}
	return lo.Uniq(inboxes), nil
}

// deliver serializes activity once and queues it for every inbox.
func (d *Dispatcher) deliver(ctx context.Context, actor *domain.Actor, activity *domain.Activity, objectURI string, inboxes []string, record bool) error {
	if activity.Type == domain.ActivityCreate || activity.Type == domain.ActivityUpdate {
		activity.Context = domain.DefaultContext
	}
	body, err := json.MarshalToString(activity)
	if err != nil {
		return fmt.Errorf("serializing activity: %w", err)
	}

	items := lo.Map(inboxes, func(inbox string, _ int) domain.DeliveryQueueItem {
		return domain.DeliveryQueueItem{ActorId: actor.Id, InboxURI: inbox, ActivityJSON: body}
	})
	if err := d.db.EnqueueDeliveries(ctx, items); err != nil {
		return fmt.Errorf("queueing deliveries: %w", err)
	}

	if record {
		err = d.db.InsertOutboxItem(ctx, &domain.OutboxItem{
			ActorId:      actor.Id,
			ActivityURI:  activity.ID,
			ActivityType: activity.Type,
			ObjectURI:    objectURI,
			ActivityJSON: body,
			Published:    activity.Published,
		})
		if err != nil {
			return fmt.Errorf("recording outbox item: %w", err)
		}
	}

	log.Info().Str("type", string(activity.Type)).Str("actor", activity.Actor).Int("recipients", len(items)).Msg("Dispatcher: queued activity")
	return nil
}

// dispatchTombstone sends a Delete referencing the id of an item the host no longer has.
func (d *Dispatcher) dispatchTombstone(ctx context.Context, itemID, userID int64) error {
	if err := d.migrator.EnsureCurrent(ctx); err != nil {
		return err
	}
	actor, err := d.actingActor(ctx, userID)
	if err != nil || actor == nil {
		return err
	}
	objectID := d.transformer.ObjectID(&domain.ContentItem{Id: itemID})
	activity, err := d.builder.Tombstone(d.registry.URI(actor), objectID)
	if err != nil {
		return err
	}
	inboxes, err := d.followers.InboxAddresses(ctx, actor.Id)
	if err != nil {
		return err
	}
	return d.deliver(ctx, actor, activity, objectID, inboxes, true)
}

// removeUser drops everything kept for a local actor whose user was deleted.
func (d *Dispatcher) removeUser(ctx context.Context, userID int64) error {
	if userID == domain.BlogActorID {
		return domain.InvalidParam("userId", "the blog actor cannot be deleted")
	}
	removed, err := d.followers.RemoveAllOf(ctx, userID)
	if err != nil {
		return err
	}
	if _, err := d.db.DeleteOutboxOf(ctx, userID); err != nil {
		return err
	}
	if err := d.db.DeleteActorKeys(ctx, userID); err != nil {
		return err
	}
	d.registry.ForgetKey(userID)
	log.Info().Int64("actor", userID).Int64("followers", removed).Msg("Dispatcher: removed local actor")
	return nil
}
