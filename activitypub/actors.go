package activitypub

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/deemkeen/fedcore/db"
	"github.com/deemkeen/fedcore/domain"
	"github.com/deemkeen/fedcore/util"
	"github.com/dgraph-io/ristretto"
	"github.com/eko/gocache/lib/v4/cache"
	"github.com/eko/gocache/lib/v4/store"
	ristretto_store "github.com/eko/gocache/store/ristretto/v4"
	jsoniter "github.com/json-iterator/go"
	"github.com/rs/zerolog/log"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// maxActorDocument bounds what we read from a remote server.
const maxActorDocument = 1 << 20

// actorDocument is the subset of a remote actor (or key) document we use.
type actorDocument struct {
	ID                string      `json:"id"`
	Type              string      `json:"type"`
	PreferredUsername string      `json:"preferredUsername"`
	Name              string      `json:"name"`
	Summary           string      `json:"summary"`
	Inbox             string      `json:"inbox"`
	Outbox            string      `json:"outbox"`
	Icon              interface{} `json:"icon"`
	Endpoints         struct {
		SharedInbox string `json:"sharedInbox"`
	} `json:"endpoints"`
	PublicKey struct {
		ID           string `json:"id"`
		Owner        string `json:"owner"`
		PublicKeyPem string `json:"publicKeyPem"`
	} `json:"publicKey"`

	// set when the document is a standalone key
	Owner        string `json:"owner"`
	PublicKeyPem string `json:"publicKeyPem"`
}

// RemoteActors fetches remote actor documents and caches them in memory (ristretto) in
// front of the remote_actors table.
type RemoteActors struct {
	db     *db.DB
	client *http.Client
	cache  *cache.Cache[*domain.RemoteActor]
	ttl    time.Duration
}

func NewRemoteActors(conf *util.AppConfig, database *db.DB) (*RemoteActors, error) {
	ristrettoCache, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: 10000,
		MaxCost:     1000,
		BufferItems: 64,
	})
	if err != nil {
		return nil, fmt.Errorf("creating actor cache: %w", err)
	}

	return &RemoteActors{
		db:     database,
		client: &http.Client{Timeout: conf.Federation.FetchTimeout},
		cache:  cache.New[*domain.RemoteActor](ristretto_store.NewRistretto(ristrettoCache)),
		ttl:    conf.Federation.ActorCacheTTL,
	}, nil
}

// Get returns the actor from memory, from the database when fresh, or from its server.
func (r *RemoteActors) Get(ctx context.Context, actorURI string) (*domain.RemoteActor, error) {
	if cached, err := r.cache.Get(ctx, actorURI); err == nil && cached != nil {
		return cached, nil
	}

	stored, err := r.db.ReadRemoteActorByURI(ctx, actorURI)
	if err == nil && time.Since(stored.LastFetchedAt) < r.ttl {
		r.remember(ctx, stored)
		return stored, nil
	}
	if err != nil && !domain.IsNotFound(err) {
		return nil, err
	}

	return r.Fetch(ctx, actorURI)
}

// ResolveKey returns the owner of keyId.
func (r *RemoteActors) ResolveKey(ctx context.Context, keyId string, refresh bool) (*domain.RemoteActor, error) {
	actorURI := stripFragment(keyId)
	var actor *domain.RemoteActor
	var err error
	if refresh {
		actor, err = r.Fetch(ctx, actorURI)
	} else {
		actor, err = r.Get(ctx, actorURI)
	}
	if err != nil {
		return nil, err
	}
	if actor.PublicKeyId != "" && actor.PublicKeyId != keyId {
		return nil, fmt.Errorf("key %s does not belong to %s", keyId, actor.ActorURI)
	}
	return actor, nil
}

// Fetch dereferences actorURI. A standalone key document is followed to its owner once.
func (r *RemoteActors) Fetch(ctx context.Context, actorURI string) (*domain.RemoteActor, error) {
	origin, err := extractDomain(actorURI)
	if err != nil {
		return nil, err
	}
	doc, raw, err := r.fetchDocument(ctx, actorURI)
	if err != nil {
		return nil, err
	}

	if doc.Inbox == "" && doc.Owner != "" && doc.Owner != actorURI {
		// a key document may only point at an owner on its own host
		if err := sameOrigin(origin, doc.Owner); err != nil {
			return nil, fmt.Errorf("key %s: %w", actorURI, err)
		}
		doc, raw, err = r.fetchDocument(ctx, doc.Owner)
		if err != nil {
			return nil, err
		}
	}

	if doc.ID == "" || doc.Inbox == "" || doc.PublicKey.PublicKeyPem == "" {
		return nil, fmt.Errorf("actor %s missing required fields", actorURI)
	}
	if err := sameOrigin(origin, doc.ID); err != nil {
		return nil, fmt.Errorf("actor %s: %w", actorURI, err)
	}
	if doc.PublicKey.ID != "" {
		if err := sameOrigin(origin, doc.PublicKey.ID); err != nil {
			return nil, fmt.Errorf("key of actor %s: %w", actorURI, err)
		}
	}

	actor := &domain.RemoteActor{
		Username:       doc.PreferredUsername,
		Domain:         origin,
		ActorURI:       doc.ID,
		Type:           doc.Type,
		DisplayName:    doc.Name,
		Summary:        doc.Summary,
		InboxURI:       doc.Inbox,
		SharedInboxURI: doc.Endpoints.SharedInbox,
		OutboxURI:      doc.Outbox,
		PublicKeyId:    doc.PublicKey.ID,
		PublicKeyPem:   doc.PublicKey.PublicKeyPem,
		AvatarURL:      iconURL(doc.Icon),
		ProfileJSON:    string(raw),
		LastFetchedAt:  time.Now(),
	}

	if err := r.db.UpsertRemoteActor(ctx, actor); err != nil {
		return nil, fmt.Errorf("failed to store remote actor: %w", err)
	}
	r.remember(ctx, actor)
	if doc.ID != actorURI {
		// callers asked for the key URL or an alias
		r.rememberAs(ctx, actorURI, actor)
	}
	return actor, nil
}

// Forget drops every cached copy of the actor.
func (r *RemoteActors) Forget(ctx context.Context, actorURI string) error {
	_ = r.cache.Delete(ctx, actorURI)
	return r.db.DeleteRemoteActor(ctx, actorURI)
}

// Cleanup removes unfollowed actors that were not fetched within the cache TTL.
func (r *RemoteActors) Cleanup(ctx context.Context) (int64, error) {
	return r.db.DeleteStaleRemoteActors(ctx, time.Now().Add(-r.ttl))
}

func (r *RemoteActors) remember(ctx context.Context, actor *domain.RemoteActor) {
	r.rememberAs(ctx, actor.ActorURI, actor)
}

func (r *RemoteActors) rememberAs(ctx context.Context, key string, actor *domain.RemoteActor) {
	// ristretto may drop the write under pressure, the database copy is authoritative
	_ = r.cache.Set(ctx, key, actor, store.WithExpiration(r.ttl), store.WithCost(1))
}

func (r *RemoteActors) fetchDocument(ctx context.Context, uri string) (*actorDocument, []byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, uri, nil)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", domain.ActivityContentType+", "+domain.LinkedDataContentType)
	req.Header.Set("User-Agent", util.UserAgent())

	resp, err := r.client.Do(req)
	if err != nil {
		return nil, nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, nil, fmt.Errorf("actor fetch failed with status: %d", resp.StatusCode)
	}

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxActorDocument))
	if err != nil {
		return nil, nil, fmt.Errorf("failed to read response: %w", err)
	}

	var doc actorDocument
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, nil, fmt.Errorf("failed to parse actor JSON: %w", err)
	}
	log.Debug().Str("uri", uri).Str("type", doc.Type).Msg("Fetched remote document")
	return &doc, raw, nil
}

// iconURL accepts the icon as a bare URL, an Image object or a list of those.
func iconURL(icon interface{}) string {
	switch v := icon.(type) {
	case string:
		return v
	case map[string]interface{}:
		if u, ok := v["url"].(string); ok {
			return u
		}
	case []interface{}:
		for _, item := range v {
			if u := iconURL(item); u != "" {
				return u
			}
		}
	}
	return ""
}

// sameOrigin fails unless uri lives on host. Documents served by one instance
// must not speak for actors or keys of another.
func sameOrigin(host, uri string) error {
	other, err := extractDomain(uri)
	if err != nil {
		return err
	}
	if !strings.EqualFold(other, host) {
		return fmt.Errorf("%s is not served by %s", uri, host)
	}
	return nil
}

// extractDomain extracts the domain from an actor URI
// Example: "https://mastodon.social/users/alice" -> "mastodon.social"
func extractDomain(actorURI string) (string, error) {
	parsed, err := url.Parse(actorURI)
	if err != nil {
		return "", fmt.Errorf("invalid actor URI: %w", err)
	}
	if parsed.Host == "" {
		return "", fmt.Errorf("invalid actor URI: %s", actorURI)
	}
	return parsed.Host, nil
}
