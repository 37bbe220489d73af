package activitypub

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"reflect"
	"strings"
	"time"

	"github.com/deemkeen/fedcore/db"
	"github.com/deemkeen/fedcore/domain"
	"github.com/deemkeen/fedcore/util"
	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog/log"
)

// InboundRequest is a POST to one of the inboxes. Request keeps the headers needed to
// verify the signature; Body is the already read payload.
type InboundRequest struct {
	Request        *http.Request
	Body           []byte
	TargetUsername string // empty for the shared inbox
}

type inboxJob struct {
	req      *InboundRequest
	activity *domain.InboundActivity
	raw      map[string]interface{}
	verified bool
}

// InboxProcessor authenticates inbound activities and applies their side effects.
type InboxProcessor struct {
	conf       *util.AppConfig
	db         *db.DB
	registry   *Registry
	followers  *FollowerStore
	dispatcher *Dispatcher
	actors     *RemoteActors
	verifier   *Verifier
	validate   *validator.Validate

	jobs chan inboxJob
}

func NewInboxProcessor(conf *util.AppConfig, database *db.DB, registry *Registry, followers *FollowerStore,
	dispatcher *Dispatcher, actors *RemoteActors, verifier *Verifier) *InboxProcessor {
	v := validator.New()
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})

	return &InboxProcessor{
		conf:       conf,
		db:         database,
		registry:   registry,
		followers:  followers,
		dispatcher: dispatcher,
		actors:     actors,
		verifier:   verifier,
		validate:   v,
		jobs:       make(chan inboxJob, conf.Inbox.QueueSize),
	}
}

// Start launches the inbox workers. Without it every job runs inline.
func (p *InboxProcessor) Start(ctx context.Context) {
	if !p.conf.Inbox.Async {
		return
	}
	for i := 0; i < p.conf.Inbox.Workers; i++ {
		go func() {
			for {
				select {
				case <-ctx.Done():
					return
				case job := <-p.jobs:
					p.process(ctx, job)
				}
			}
		}()
	}
	log.Info().Int("workers", p.conf.Inbox.Workers).Msg("Inbox: workers started")
}

// Accept runs the synchronous checks and hands the activity over for processing. A nil
// error means the request is answered with 202.
func (p *InboxProcessor) Accept(ctx context.Context, req *InboundRequest) error {
	if req.TargetUsername != "" {
		if _, err := p.registry.Resolve(ctx, req.TargetUsername); err != nil {
			return err
		}
	}

	var raw map[string]interface{}
	if err := json.Unmarshal(req.Body, &raw); err != nil {
		return domain.InvalidParam("body", "malformed JSON")
	}
	var activity domain.InboundActivity
	if err := json.Unmarshal(req.Body, &activity); err != nil {
		return domain.InvalidParam("body", err.Error())
	}
	if err := p.validate.Struct(&activity); err != nil {
		return validationError(err)
	}
	if !activity.HasObject() {
		return domain.MissingParam("object")
	}

	log.Debug().Str("type", string(activity.Type)).Str("actor", activity.Actor).Msg("Inbox: received")

	switch activity.Type {
	case domain.ActivityCreate, domain.ActivityUpdate:
		if err := p.checkObject(&activity); err != nil {
			return err
		}
	case domain.ActivityFollow:
		if _, err := p.registry.Resolve(ctx, activity.ObjectIRI()); err != nil {
			return err
		}
	}

	job := inboxJob{req: req, activity: &activity, raw: raw}
	if !p.conf.Conf.DeferSignatureVerification {
		if err := p.verify(ctx, req, &activity); err != nil {
			return err
		}
		job.verified = true
	}

	p.submit(ctx, job)
	return nil
}

// checkObject requires Create and Update to embed the object they carry.
func (p *InboxProcessor) checkObject(activity *domain.InboundActivity) error {
	if !activity.EmbeddedObject() {
		return domain.MissingParam("object")
	}
	var obj domain.InboundObject
	if err := json.Unmarshal(activity.Object, &obj); err != nil {
		return domain.InvalidParam("object", err.Error())
	}
	if activity.Type == domain.ActivityUpdate && isActorType(obj.Type) {
		if obj.ID == "" {
			return domain.MissingParam("id")
		}
		return nil
	}
	if err := p.validate.Struct(&obj); err != nil {
		return validationError(err)
	}
	return nil
}

func (p *InboxProcessor) verify(ctx context.Context, req *InboundRequest, activity *domain.InboundActivity) error {
	signer, err := p.verifier.VerifyRequest(ctx, req.Request, req.Body)
	if err != nil {
		return err
	}
	if signer.ActorURI == activity.Actor {
		return nil
	}
	// instance actors may sign for users of their own host, other users may not
	if !isInstanceActorType(signer.Type) {
		return domain.VerificationFailed(nil, "signer does not match activity actor")
	}
	signerHost, _ := extractDomain(signer.ActorURI)
	actorHost, _ := extractDomain(activity.Actor)
	if signerHost == "" || !strings.EqualFold(signerHost, actorHost) {
		return domain.VerificationFailed(nil, "signer does not match activity actor")
	}
	return nil
}

func isInstanceActorType(t string) bool {
	return t == "Application" || t == "Service"
}

func (p *InboxProcessor) submit(ctx context.Context, job inboxJob) {
	if p.conf.Inbox.Async {
		// the job outlives the HTTP request
		job.req.Request = job.req.Request.Clone(context.Background())
		select {
		case p.jobs <- job:
			return
		default:
			log.Warn().Str("id", job.activity.ID).Msg("Inbox: queue full, processing inline")
		}
	}
	p.process(ctx, job)
}

func (p *InboxProcessor) process(ctx context.Context, job inboxJob) {
	activity := job.activity
	if !job.verified {
		if err := p.verify(ctx, job.req, activity); err != nil {
			log.Warn().Err(err).Str("type", string(activity.Type)).Str("actor", activity.Actor).Msg("Inbox: dropping unverified activity")
			return
		}
	}

	var err error
	switch activity.Type {
	case domain.ActivityFollow:
		err = p.handleFollow(ctx, activity, job.raw)
	case domain.ActivityUndo:
		err = p.handleUndo(ctx, activity)
	case domain.ActivityCreate, domain.ActivityUpdate:
		err = p.handleCreateOrUpdate(ctx, activity)
	case domain.ActivityDelete:
		err = p.handleDelete(ctx, activity)
	case domain.ActivityLike, domain.ActivityAnnounce:
		err = p.handleInteraction(ctx, activity)
	case domain.ActivityAccept, domain.ActivityReject:
		log.Debug().Str("type", string(activity.Type)).Str("actor", activity.Actor).Msg("Inbox: nothing to do")
	default:
		log.Debug().Str("type", string(activity.Type)).Msg("Inbox: unsupported activity type")
	}
	if err != nil {
		log.Error().Err(err).Str("type", string(activity.Type)).Str("id", activity.ID).Msg("Inbox: failed to process activity")
	}
}

func (p *InboxProcessor) handleFollow(ctx context.Context, activity *domain.InboundActivity, raw map[string]interface{}) error {
	actor, err := p.registry.Resolve(ctx, activity.ObjectIRI())
	if err != nil {
		return err
	}
	follower, err := p.followers.AddFollower(ctx, actor.Id, activity.Actor, activity.ID)
	if err != nil {
		return err
	}
	log.Info().Str("follower", activity.Actor).Str("actor", actor.Username).Msg("Inbox: accepted Follow")
	return p.dispatcher.SendAccept(ctx, actor, raw, follower)
}

func (p *InboxProcessor) handleUndo(ctx context.Context, activity *domain.InboundActivity) error {
	if !activity.EmbeddedObject() {
		// only the id of the undone activity is known
		iri := activity.ObjectIRI()
		if _, err := p.followers.RemoveByFollowID(ctx, activity.Actor, iri); err != nil {
			return err
		}
		_, err := p.db.DeleteInteractionByActivityURI(ctx, iri, activity.Actor)
		return err
	}

	var inner domain.InboundActivity
	if err := json.Unmarshal(activity.Object, &inner); err != nil {
		return err
	}
	if inner.Actor != "" && inner.Actor != activity.Actor {
		return domain.VerificationFailed(nil, "cannot undo an activity of another actor")
	}

	switch inner.Type {
	case domain.ActivityFollow:
		actor, err := p.registry.Resolve(ctx, inner.ObjectIRI())
		if err == nil {
			removed, err := p.followers.RemoveFollower(ctx, actor.Id, activity.Actor)
			if err != nil {
				return err
			}
			log.Info().Str("follower", activity.Actor).Str("actor", actor.Username).Bool("removed", removed).Msg("Inbox: undid Follow")
			return nil
		}
		_, err = p.followers.RemoveByFollowID(ctx, activity.Actor, inner.ID)
		return err
	case domain.ActivityLike, domain.ActivityAnnounce:
		n, err := p.db.DeleteInteraction(ctx, inner.Type, inner.ObjectIRI(), activity.Actor)
		if err != nil || n > 0 {
			return err
		}
		_, err = p.db.DeleteInteractionByActivityURI(ctx, inner.ID, activity.Actor)
		return err
	default:
		log.Debug().Str("type", string(inner.Type)).Msg("Inbox: ignoring Undo")
		return nil
	}
}

func (p *InboxProcessor) handleCreateOrUpdate(ctx context.Context, activity *domain.InboundActivity) error {
	var obj domain.InboundObject
	if err := json.Unmarshal(activity.Object, &obj); err != nil {
		return err
	}

	if activity.Type == domain.ActivityUpdate && isActorType(obj.Type) {
		if obj.ID != activity.Actor {
			return domain.VerificationFailed(nil, "actors can only update themselves")
		}
		remote, err := p.actors.Fetch(ctx, obj.ID)
		if err != nil {
			return err
		}
		_, err = p.db.UpdateFollowerProfile(ctx, remote.ActorURI, remote.InboxURI, remote.SharedInboxURI, remote.ProfileJSON)
		return err
	}

	published, err := time.Parse(time.RFC3339, obj.Published)
	if err != nil {
		published = time.Now()
	}
	return p.db.UpsertExternalObject(ctx, &domain.ExternalObject{
		URI:       obj.ID,
		Type:      obj.Type,
		ActorURI:  activity.Actor,
		InReplyTo: obj.InReplyTo,
		Content:   obj.Content,
		Published: published,
		RawJSON:   string(activity.Object),
	})
}

func (p *InboxProcessor) handleDelete(ctx context.Context, activity *domain.InboundActivity) error {
	iri := activity.ObjectIRI()
	if iri == activity.Actor {
		removed, err := p.followers.RemoveActor(ctx, iri)
		if err != nil {
			return err
		}
		if err := p.actors.Forget(ctx, iri); err != nil {
			return err
		}
		if _, err := p.db.DeleteExternalObjectsByActor(ctx, iri); err != nil {
			return err
		}
		log.Info().Str("actor", iri).Int64("followers", removed).Msg("Inbox: remote actor deleted")
		return nil
	}
	_, err := p.db.DeleteExternalObject(ctx, iri, activity.Actor)
	return err
}

func (p *InboxProcessor) handleInteraction(ctx context.Context, activity *domain.InboundActivity) error {
	objectURI := activity.ObjectIRI()
	u, err := url.Parse(objectURI)
	if err != nil || !strings.EqualFold(u.Host, p.conf.Conf.SslDomain) {
		log.Debug().Str("object", objectURI).Msg("Inbox: ignoring interaction with a remote object")
		return nil
	}
	added, err := p.db.InsertInteraction(ctx, &domain.Interaction{
		Type:        activity.Type,
		ObjectURI:   objectURI,
		ActorURI:    activity.Actor,
		ActivityURI: activity.ID,
	})
	if err == nil && added {
		log.Info().Str("type", string(activity.Type)).Str("object", objectURI).Msg("Inbox: recorded interaction")
	}
	return err
}

func isActorType(t string) bool {
	switch t {
	case "Person", "Service", "Application", "Group", "Organization":
		return true
	}
	return false
}

// validationError names the first offending field.
func validationError(err error) error {
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) && len(verrs) > 0 {
		fe := verrs[0]
		if strings.HasPrefix(fe.Tag(), "required") {
			return domain.MissingParam(fe.Field())
		}
		return domain.InvalidParam(fe.Field(), fe.Tag())
	}
	return domain.InvalidParam("body", err.Error())
}
