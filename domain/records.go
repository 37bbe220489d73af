package domain

import (
	"time"

	"github.com/google/uuid"
)

// Follower is a remote actor that completed a Follow handshake with a local actor.
type Follower struct {
	Id                uuid.UUID
	LocalActorId      int64
	ActorURI          string
	InboxURI          string
	SharedInboxURI    string
	FollowActivityURI string
	ActorJSON         string
	Errors            int
	LastError         string
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// DeliveryInbox prefers the shared inbox when one is known and allowed.
func (f *Follower) DeliveryInbox(useShared bool) string {
	if useShared && f.SharedInboxURI != "" {
		return f.SharedInboxURI
	}
	return f.InboxURI
}

// RemoteActor represents a cached federated actor
type RemoteActor struct {
	Id             uuid.UUID
	Username       string
	Domain         string
	ActorURI       string
	Type           string
	DisplayName    string
	Summary        string
	InboxURI       string
	SharedInboxURI string
	OutboxURI      string
	PublicKeyId    string
	PublicKeyPem   string
	AvatarURL      string
	ProfileJSON    string
	LastFetchedAt  time.Time
}

// Interaction is a Like or Announce of a local object by a remote actor.
type Interaction struct {
	Id          uuid.UUID
	Type        ActivityType
	ObjectURI   string
	ActorURI    string
	ActivityURI string
	CreatedAt   time.Time
}

// ExternalObject caches a remote object received through Create/Update.
type ExternalObject struct {
	URI       string
	Type      string
	ActorURI  string
	InReplyTo string
	Content   string
	Published time.Time
	RawJSON   string
	UpdatedAt time.Time
}

// DeliveryQueueItem represents an item in the delivery queue
type DeliveryQueueItem struct {
	Id           uuid.UUID
	ActorId      int64
	InboxURI     string
	ActivityJSON string
	Attempts     int
	NextRetryAt  time.Time
	LastError    string
	CreatedAt    time.Time
}

// OutboxItem is an activity this server dispatched, kept for the outbox collection and feed.
type OutboxItem struct {
	Id           uuid.UUID
	ActorId      int64
	ActivityURI  string
	ActivityType ActivityType
	ObjectURI    string
	ActivityJSON string
	Published    time.Time
}
