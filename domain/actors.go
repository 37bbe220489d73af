package domain

import (
	"time"
)

// BlogActorID is the numeric id of the synthetic blog actor.
const BlogActorID int64 = 0

type ActorType string

const (
	ActorPerson      ActorType = "Person"
	ActorGroup       ActorType = "Group"
	ActorApplication ActorType = "Application"
)

// Actor is a local identity. PrivateKeyPem never leaves the process.
type Actor struct {
	Id            int64
	Type          ActorType
	Username      string
	DisplayName   string
	Summary       string
	IconURL       string
	ProfileURL    string
	Fields        []ProfileField
	PublicKeyPem  string
	PrivateKeyPem string
	CreatedAt     time.Time
}

// ProfileField is an ordered key/value pair shown on the actor profile.
type ProfileField struct {
	Name  string
	Value string
}

func (a *Actor) IsBlog() bool {
	return a.Id == BlogActorID
}
