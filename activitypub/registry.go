package activitypub

import (
	"context"
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"sync"

	"github.com/deemkeen/fedcore/db"
	"github.com/deemkeen/fedcore/domain"
	"github.com/deemkeen/fedcore/util"
	"github.com/rs/zerolog/log"
	"github.com/samber/lo"
)

// Registry is the directory of local actors: the blog actor plus one actor per
// publishing user. Keys are generated on first use and stored once.
type Registry struct {
	conf    *util.AppConfig
	db      *db.DB
	content ContentProvider
	keyBits int

	mu   sync.Mutex
	keys map[int64]*rsa.PrivateKey
}

func NewRegistry(conf *util.AppConfig, database *db.DB, content ContentProvider) *Registry {
	return &Registry{
		conf:    conf,
		db:      database,
		content: content,
		keyBits: util.KeyBits,
		keys:    make(map[int64]*rsa.PrivateKey),
	}
}

// Resolve accepts a numeric id, user@host (optionally acct: or @ prefixed), a bare
// username, or an actor URI with or without a key fragment.
func (r *Registry) Resolve(ctx context.Context, identifier string) (*domain.Actor, error) {
	id := strings.TrimSpace(identifier)
	id = strings.TrimPrefix(id, "acct:")
	id = strings.TrimPrefix(id, "@")
	if id == "" {
		return nil, domain.NotFound("actor %q", identifier)
	}

	if strings.Contains(id, "://") {
		return r.resolveURI(ctx, id)
	}

	if at := strings.LastIndexByte(id, '@'); at >= 0 {
		if !strings.EqualFold(id[at+1:], r.conf.Conf.SslDomain) {
			return nil, domain.NotFound("actor %s is not local", identifier)
		}
		return r.resolveUsername(ctx, id[:at])
	}

	if n, err := strconv.ParseInt(id, 10, 64); err == nil {
		return r.ResolveID(ctx, n)
	}
	return r.resolveUsername(ctx, id)
}

func (r *Registry) resolveURI(ctx context.Context, uri string) (*domain.Actor, error) {
	u, err := url.Parse(stripFragment(uri))
	if err != nil || !strings.EqualFold(u.Host, r.conf.Conf.SslDomain) {
		return nil, domain.NotFound("actor %s", uri)
	}

	parts := strings.Split(strings.Trim(u.Path, "/"), "/")
	if len(parts) != 2 {
		return nil, domain.NotFound("actor %s", uri)
	}
	switch parts[0] {
	case "users":
		return r.resolveUsername(ctx, parts[1])
	case "actors":
		n, err := strconv.ParseInt(parts[1], 10, 64)
		if err != nil {
			return nil, domain.NotFound("actor %s", uri)
		}
		return r.ResolveID(ctx, n)
	}
	return nil, domain.NotFound("actor %s", uri)
}

func (r *Registry) resolveUsername(ctx context.Context, username string) (*domain.Actor, error) {
	if username == r.conf.Blog.Identifier {
		return r.ResolveID(ctx, domain.BlogActorID)
	}
	user, err := r.content.UserByLogin(ctx, username)
	if err != nil {
		return nil, err
	}
	return r.userActor(user)
}

// ResolveID looks up a local actor by numeric id; 0 is the blog actor.
func (r *Registry) ResolveID(ctx context.Context, id int64) (*domain.Actor, error) {
	if id == domain.BlogActorID {
		if !r.IsEnabled(id) {
			return nil, domain.NotFound("blog actor is disabled")
		}
		return r.blogActor(), nil
	}
	user, err := r.content.User(ctx, id)
	if err != nil {
		return nil, err
	}
	return r.userActor(user)
}

// IsEnabled applies actor mode and the disabledActors list.
func (r *Registry) IsEnabled(id int64) bool {
	if lo.Contains(r.conf.Conf.DisabledActors, id) {
		return false
	}
	if id == domain.BlogActorID {
		return r.conf.Conf.ActorMode != util.ActorModeActor
	}
	return r.conf.Conf.ActorMode != util.ActorModeBlog
}

func (r *Registry) userActor(user *domain.User) (*domain.Actor, error) {
	if !user.CanPublish || !r.IsEnabled(user.Id) {
		return nil, domain.NotFound("actor %s", user.Login)
	}
	return &domain.Actor{
		Id:          user.Id,
		Type:        domain.ActorPerson,
		Username:    user.Login,
		DisplayName: user.DisplayName,
		Summary:     user.Bio,
		IconURL:     user.AvatarURL,
		ProfileURL:  user.ProfileURL,
		Fields:      user.Fields,
		CreatedAt:   user.CreatedAt,
	}, nil
}

func (r *Registry) blogActor() *domain.Actor {
	name := r.conf.Blog.Name
	if name == "" {
		name = r.conf.Conf.SslDomain
	}
	return &domain.Actor{
		Id:          domain.BlogActorID,
		Type:        domain.ActorGroup,
		Username:    r.conf.Blog.Identifier,
		DisplayName: name,
		Summary:     r.conf.Blog.Summary,
		IconURL:     r.conf.Blog.Icon,
		ProfileURL:  fmt.Sprintf("https://%s/", r.conf.Conf.SslDomain),
	}
}

// LocalActors lists every enabled local actor, blog actor first.
func (r *Registry) LocalActors(ctx context.Context) ([]domain.Actor, error) {
	var actors []domain.Actor
	if r.IsEnabled(domain.BlogActorID) {
		actors = append(actors, *r.blogActor())
	}
	if r.conf.Conf.ActorMode == util.ActorModeBlog {
		return actors, nil
	}

	users, err := r.content.Users(ctx)
	if err != nil {
		return nil, fmt.Errorf("listing users: %w", err)
	}
	for i := range users {
		if a, err := r.userActor(&users[i]); err == nil {
			actors = append(actors, *a)
		}
	}
	return actors, nil
}

// URI returns the canonical id of a local actor.
func (r *Registry) URI(actor *domain.Actor) string {
	return ActorURI(r.conf, actor.Username)
}

// PrivateKey returns the actor's key, generating and storing it on first use. Concurrent
// first use across processes converges on the pair that was stored first.
func (r *Registry) PrivateKey(ctx context.Context, actorID int64) (*rsa.PrivateKey, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if key, ok := r.keys[actorID]; ok {
		return key, nil
	}

	_, privatePem, err := r.loadOrCreateKeys(ctx, actorID)
	if err != nil {
		return nil, err
	}
	key, err := ParsePrivateKey(privatePem)
	if err != nil {
		return nil, fmt.Errorf("stored key of actor %d: %w", actorID, err)
	}
	r.keys[actorID] = key
	return key, nil
}

// ForgetKey drops the parsed key of a removed actor from memory.
func (r *Registry) ForgetKey(actorID int64) {
	r.mu.Lock()
	delete(r.keys, actorID)
	r.mu.Unlock()
}

func (r *Registry) PublicKeyPEM(ctx context.Context, actorID int64) (string, error) {
	publicPem, _, err := r.loadOrCreateKeys(ctx, actorID)
	return publicPem, err
}

// LoadKeys fills the PEM fields of actor.
func (r *Registry) LoadKeys(ctx context.Context, actor *domain.Actor) error {
	publicPem, privatePem, err := r.loadOrCreateKeys(ctx, actor.Id)
	if err != nil {
		return err
	}
	actor.PublicKeyPem = publicPem
	actor.PrivateKeyPem = privatePem
	return nil
}

func (r *Registry) loadOrCreateKeys(ctx context.Context, actorID int64) (string, string, error) {
	publicPem, privatePem, err := r.db.ReadActorKeys(ctx, actorID)
	if err == nil {
		return publicPem, privatePem, nil
	}
	if !domain.IsNotFound(err) {
		return "", "", err
	}

	log.Info().Int64("actor", actorID).Msg("Registry: generating key pair")
	pair, err := util.GeneratePemKeypair(r.keyBits)
	if err != nil {
		return "", "", err
	}
	return r.db.StoreActorKeysOnce(ctx, actorID, pair.Public, pair.Private)
}

// SignAs signs data with the actor's key (RSA PKCS#1 v1.5 over SHA-256).
func (r *Registry) SignAs(ctx context.Context, actor *domain.Actor, data []byte) ([]byte, error) {
	key, err := r.PrivateKey(ctx, actor.Id)
	if err != nil {
		return nil, err
	}
	digest := sha256.Sum256(data)
	return rsa.SignPKCS1v15(rand.Reader, key, crypto.SHA256, digest[:])
}

// ActorObject renders the public JSON document of a local actor.
func (r *Registry) ActorObject(ctx context.Context, actor *domain.Actor) (*domain.ActorObject, error) {
	publicPem, err := r.PublicKeyPEM(ctx, actor.Id)
	if err != nil {
		return nil, err
	}

	uri := r.URI(actor)
	obj := &domain.ActorObject{
		Context:                   domain.DefaultContext,
		ID:                        uri,
		Type:                      string(actor.Type),
		PreferredUsername:         actor.Username,
		Name:                      actor.DisplayName,
		Summary:                   actor.Summary,
		URL:                       actor.ProfileURL,
		Inbox:                     InboxURI(uri),
		Outbox:                    OutboxURI(uri),
		Followers:                 FollowersURI(uri),
		Following:                 FollowingURI(uri),
		ManuallyApprovesFollowers: false,
		Discoverable:              true,
		PublicKey: domain.PublicKey{
			ID:           KeyID(uri),
			Owner:        uri,
			PublicKeyPem: publicPem,
		},
	}
	if obj.URL == "" {
		obj.URL = uri
	}
	if r.conf.Conf.UseSharedInbox {
		obj.Endpoints.SharedInbox = SharedInboxURI(r.conf)
	}
	if !actor.CreatedAt.IsZero() {
		published := actor.CreatedAt.UTC()
		obj.Published = &published
	}
	if actor.IconURL != "" {
		obj.Icon = &domain.Image{Type: "Image", URL: actor.IconURL}
	}
	for _, f := range actor.Fields {
		obj.Attachment = append(obj.Attachment, domain.PropertyValue{Type: "PropertyValue", Name: f.Name, Value: f.Value})
	}
	return obj, nil
}
