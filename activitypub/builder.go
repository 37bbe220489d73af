package activitypub

import (
	"strings"

	"github.com/deemkeen/fedcore/domain"
	"github.com/deemkeen/fedcore/util"
	"github.com/google/uuid"
)

// Builder wraps objects into activities with fresh ids.
type Builder struct {
	conf *util.AppConfig
}

func NewBuilder(conf *util.AppConfig) *Builder {
	return &Builder{conf: conf}
}

func (b *Builder) newID() string {
	return ActivityURI(b.conf, uuid.New().String())
}

// Wrap embeds obj in a Create, Update or Delete and copies its addressing.
func (b *Builder) Wrap(t domain.ActivityType, actorURI string, obj *domain.Object) (*domain.Activity, error) {
	activity, err := domain.NewActivity(t, b.newID(), actorURI, obj)
	if err != nil {
		return nil, err
	}
	activity.To = append([]string{}, obj.To...)
	activity.CC = append([]string{}, obj.CC...)
	if t == domain.ActivityCreate && !obj.Published.IsZero() {
		activity.Published = obj.Published
	}
	return activity, nil
}

// Announce references objectID; the object is never embedded again.
func (b *Builder) Announce(actorURI, objectID string, to, cc []string) (*domain.Activity, error) {
	activity, err := domain.NewActivity(domain.ActivityAnnounce, b.newID(), actorURI, objectID)
	if err != nil {
		return nil, err
	}
	activity.To = to
	activity.CC = cc
	return activity, nil
}

// Tombstone deletes an object we can no longer render.
func (b *Builder) Tombstone(actorURI, objectID string) (*domain.Activity, error) {
	activity, err := domain.NewActivity(domain.ActivityDelete, b.newID(), actorURI, objectID)
	if err != nil {
		return nil, err
	}
	activity.To = []string{domain.PublicAddress}
	activity.CC = []string{FollowersURI(actorURI)}
	return activity, nil
}

// Accept answers a Follow, echoing it back.
func (b *Builder) Accept(actorURI string, follow map[string]interface{}, followerURI string) (*domain.Activity, error) {
	activity, err := domain.NewActivity(domain.ActivityAccept, b.newID(), actorURI, follow)
	if err != nil {
		return nil, err
	}
	activity.To = []string{followerURI}
	return activity, nil
}

// IsActivityPublic reports whether the public collection is addressed in to/cc of the
// activity or of its embedded object.
func IsActivityPublic(activity map[string]interface{}) bool {
	if addressesPublic(activity["to"]) || addressesPublic(activity["cc"]) {
		return true
	}
	if obj, ok := activity["object"].(map[string]interface{}); ok {
		return addressesPublic(obj["to"]) || addressesPublic(obj["cc"])
	}
	return false
}

func addressesPublic(field interface{}) bool {
	switch v := field.(type) {
	case string:
		return isPublicIRI(v)
	case []interface{}:
		for _, item := range v {
			if s, ok := item.(string); ok && isPublicIRI(s) {
				return true
			}
		}
	case []string:
		for _, s := range v {
			if isPublicIRI(s) {
				return true
			}
		}
	}
	return false
}

// Some servers shorten the public collection to its compact forms.
func isPublicIRI(iri string) bool {
	return iri == domain.PublicAddress || iri == "as:Public" || strings.EqualFold(iri, "Public")
}
