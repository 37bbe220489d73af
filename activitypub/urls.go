package activitypub

import (
	"fmt"
	"strings"

	"github.com/deemkeen/fedcore/util"
)

// Canonical URLs of local actors. Everything federated out is built from these.

func ActorURI(conf *util.AppConfig, username string) string {
	return fmt.Sprintf("https://%s/users/%s", conf.Conf.SslDomain, username)
}

func KeyID(actorURI string) string {
	return actorURI + "#main-key"
}

func InboxURI(actorURI string) string     { return actorURI + "/inbox" }
func OutboxURI(actorURI string) string    { return actorURI + "/outbox" }
func FollowersURI(actorURI string) string { return actorURI + "/followers" }
func FollowingURI(actorURI string) string { return actorURI + "/following" }

func SharedInboxURI(conf *util.AppConfig) string {
	return fmt.Sprintf("https://%s/inbox", conf.Conf.SslDomain)
}

// ActivityURI mints a new activity id.
func ActivityURI(conf *util.AppConfig, id string) string {
	return fmt.Sprintf("https://%s/activities/%s", conf.Conf.SslDomain, id)
}

func TagURI(conf *util.AppConfig, slug string) string {
	return fmt.Sprintf("https://%s/tag/%s", conf.Conf.SslDomain, slug)
}

// stripFragment turns a key id into the document URL that carries the key.
func stripFragment(uri string) string {
	if i := strings.IndexByte(uri, '#'); i >= 0 {
		return uri[:i]
	}
	return uri
}
