package domain

import (
	"encoding/json"
	"fmt"
	"time"
)

const (
	ActivityStreamsContext = "https://www.w3.org/ns/activitystreams"
	SecurityContext        = "https://w3id.org/security/v1"
	PublicAddress          = "https://www.w3.org/ns/activitystreams#Public"
	ActivityContentType    = "application/activity+json"
	LinkedDataContentType  = `application/ld+json; profile="https://www.w3.org/ns/activitystreams"`
)

type ObjectType string

const (
	ObjectNote    ObjectType = "Note"
	ObjectArticle ObjectType = "Article"
	ObjectPage    ObjectType = "Page"
)

type ActivityType string

const (
	ActivityCreate   ActivityType = "Create"
	ActivityUpdate   ActivityType = "Update"
	ActivityDelete   ActivityType = "Delete"
	ActivityFollow   ActivityType = "Follow"
	ActivityUndo     ActivityType = "Undo"
	ActivityLike     ActivityType = "Like"
	ActivityAnnounce ActivityType = "Announce"
	ActivityAccept   ActivityType = "Accept"
	ActivityReject   ActivityType = "Reject"
)

// DefaultContext is the @context of every object this server emits.
var DefaultContext = []interface{}{
	ActivityStreamsContext,
	SecurityContext,
	map[string]interface{}{
		"Hashtag":                   "as:Hashtag",
		"sensitive":                 "as:sensitive",
		"PropertyValue":             "schema:PropertyValue",
		"value":                     "schema:value",
		"schema":                    "http://schema.org#",
		"discoverable":              "http://joinmastodon.org/ns#discoverable",
		"manuallyApprovesFollowers": "as:manuallyApprovesFollowers",
	},
}

// Tag is a Hashtag or Mention entry.
type Tag struct {
	Type string `json:"type"`
	Href string `json:"href"`
	Name string `json:"name"`
}

// Attachment is an Image or Document media descriptor.
type Attachment struct {
	Type      string `json:"type"`
	MediaType string `json:"mediaType,omitempty"`
	URL       string `json:"url"`
	Name      string `json:"name,omitempty"`
	Width     int    `json:"width,omitempty"`
	Height    int    `json:"height,omitempty"`
}

// Object is the federated form of a content item.
type Object struct {
	Context      interface{}       `json:"@context,omitempty"`
	ID           string            `json:"id"`
	Type         ObjectType        `json:"type"`
	AttributedTo string            `json:"attributedTo"`
	Name         string            `json:"name,omitempty"`
	NameMap      map[string]string `json:"nameMap,omitempty"`
	Summary      string            `json:"summary,omitempty"`
	SummaryMap   map[string]string `json:"summaryMap,omitempty"`
	Content      string            `json:"content"`
	ContentMap   map[string]string `json:"contentMap,omitempty"`
	URL          string            `json:"url,omitempty"`
	To           []string          `json:"to"`
	CC           []string          `json:"cc"`
	Audience     string            `json:"audience,omitempty"`
	Tag          []Tag             `json:"tag"`
	Attachment   []Attachment      `json:"attachment"`
	InReplyTo    string            `json:"inReplyTo,omitempty"`
	Published    time.Time         `json:"published"`
	Updated      *time.Time        `json:"updated,omitempty"`
	Sensitive    bool              `json:"sensitive"`
}

// NewObject returns an empty Object of a supported type with non-nil collections.
func NewObject(t ObjectType, id, attributedTo string) (*Object, error) {
	switch t {
	case ObjectNote, ObjectArticle, ObjectPage:
	default:
		return nil, fmt.Errorf("unsupported object type %q", t)
	}
	if id == "" {
		return nil, fmt.Errorf("object id is required")
	}
	if attributedTo == "" {
		return nil, fmt.Errorf("object attributedTo is required")
	}
	return &Object{
		ID:           id,
		Type:         t,
		AttributedTo: attributedTo,
		To:           []string{},
		CC:           []string{},
		Tag:          []Tag{},
		Attachment:   []Attachment{},
	}, nil
}

// Activity is an outbound envelope. Object holds *Object, *Activity or an IRI string.
type Activity struct {
	Context   interface{}  `json:"@context,omitempty"`
	ID        string       `json:"id"`
	Type      ActivityType `json:"type"`
	Actor     string       `json:"actor"`
	Object    interface{}  `json:"object"`
	To        []string     `json:"to,omitempty"`
	CC        []string     `json:"cc,omitempty"`
	Published time.Time    `json:"published"`
}

// NewActivity validates the type/object combination: Create and Update must embed an
// Object, Announce/Like/Follow/Delete may reference one by IRI, Undo/Accept/Reject wrap
// another activity or its IRI.
func NewActivity(t ActivityType, id, actor string, object interface{}) (*Activity, error) {
	if id == "" || actor == "" {
		return nil, fmt.Errorf("activity id and actor are required")
	}

	switch obj := object.(type) {
	case *Object:
		if obj == nil {
			return nil, fmt.Errorf("%s: nil object", t)
		}
		switch t {
		case ActivityCreate, ActivityUpdate, ActivityDelete:
		default:
			return nil, fmt.Errorf("%s cannot embed a %s", t, obj.Type)
		}
	case *Activity:
		if obj == nil {
			return nil, fmt.Errorf("%s: nil object", t)
		}
		switch t {
		case ActivityUndo, ActivityAccept, ActivityReject:
		default:
			return nil, fmt.Errorf("%s cannot wrap an activity", t)
		}
	case string:
		if obj == "" {
			return nil, fmt.Errorf("%s: empty object IRI", t)
		}
		switch t {
		case ActivityCreate, ActivityUpdate:
			return nil, fmt.Errorf("%s requires an embedded object", t)
		case ActivityDelete, ActivityFollow, ActivityLike, ActivityAnnounce,
			ActivityUndo, ActivityAccept, ActivityReject:
		default:
			return nil, fmt.Errorf("unsupported activity type %q", t)
		}
	case map[string]interface{}:
		// a remote activity echoed back, e.g. the Follow inside an Accept
		if t != ActivityAccept && t != ActivityReject && t != ActivityUndo {
			return nil, fmt.Errorf("%s cannot wrap a raw object", t)
		}
	default:
		return nil, fmt.Errorf("%s: unsupported object %T", t, object)
	}

	return &Activity{
		Context:   ActivityStreamsContext,
		ID:        id,
		Type:      t,
		Actor:     actor,
		Object:    object,
		Published: time.Now().UTC().Truncate(time.Second),
	}, nil
}

// IRIs decodes an addressing field that may be a single string or an array.
type IRIs []string

func (i *IRIs) UnmarshalJSON(b []byte) error {
	var single string
	if err := json.Unmarshal(b, &single); err == nil {
		if single == "" {
			*i = nil
		} else {
			*i = IRIs{single}
		}
		return nil
	}
	var many []interface{}
	if err := json.Unmarshal(b, &many); err != nil {
		return fmt.Errorf("addressing must be a string or an array: %w", err)
	}
	out := make(IRIs, 0, len(many))
	for _, v := range many {
		switch s := v.(type) {
		case string:
			out = append(out, s)
		case map[string]interface{}:
			if id, ok := s["id"].(string); ok {
				out = append(out, id)
			}
		}
	}
	*i = out
	return nil
}

func (i IRIs) Contains(iri string) bool {
	for _, v := range i {
		if v == iri {
			return true
		}
	}
	return false
}

// InboundActivity is the parsed body of a POST to an inbox.
type InboundActivity struct {
	ID     string          `json:"id" validate:"required"`
	Type   ActivityType    `json:"type" validate:"required"`
	Actor  string          `json:"actor" validate:"required"`
	Object json.RawMessage `json:"object" validate:"required"`
	To     IRIs            `json:"to,omitempty"`
	CC     IRIs            `json:"cc,omitempty"`
}

// ObjectIRI returns the object when it is a bare IRI, or the id of an embedded object.
func (a *InboundActivity) ObjectIRI() string {
	var s string
	if err := json.Unmarshal(a.Object, &s); err == nil {
		return s
	}
	var ref struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(a.Object, &ref); err == nil {
		return ref.ID
	}
	return ""
}

// HasObject reports whether object carries an embedded object or a non-empty IRI.
// The validator only sees the raw bytes, so null and "" get past it.
func (a *InboundActivity) HasObject() bool {
	return a.EmbeddedObject() || a.ObjectIRI() != ""
}

// EmbeddedObject reports whether object is a JSON object rather than an IRI.
func (a *InboundActivity) EmbeddedObject() bool {
	for _, c := range a.Object {
		switch c {
		case ' ', '\t', '\r', '\n':
			continue
		case '{':
			return true
		default:
			return false
		}
	}
	return false
}

// InboundObject is the subset of a remote object the inbox cares about.
type InboundObject struct {
	ID           string      `json:"id" validate:"required"`
	Type         string      `json:"type" validate:"required"`
	AttributedTo string      `json:"attributedTo"`
	Actor        string      `json:"actor"`
	Object       interface{} `json:"object"`
	Content      string      `json:"content" validate:"required_without=InReplyTo"`
	InReplyTo    string      `json:"inReplyTo" validate:"required_without=Content"`
	Published    string      `json:"published" validate:"required"`
	To           IRIs        `json:"to,omitempty"`
	CC           IRIs        `json:"cc,omitempty"`
}

// PublicKey is the security vocabulary key attached to actors.
type PublicKey struct {
	ID           string `json:"id"`
	Owner        string `json:"owner"`
	PublicKeyPem string `json:"publicKeyPem"`
}

type Endpoints struct {
	SharedInbox string `json:"sharedInbox,omitempty"`
}

type Image struct {
	Type      string `json:"type"`
	MediaType string `json:"mediaType,omitempty"`
	URL       string `json:"url"`
}

type PropertyValue struct {
	Type  string `json:"type"`
	Name  string `json:"name"`
	Value string `json:"value"`
}

// ActorObject is the JSON representation of a local actor.
type ActorObject struct {
	Context                   interface{}     `json:"@context"`
	ID                        string          `json:"id"`
	Type                      string          `json:"type"`
	PreferredUsername         string          `json:"preferredUsername"`
	Name                      string          `json:"name"`
	Summary                   string          `json:"summary"`
	URL                       string          `json:"url"`
	Inbox                     string          `json:"inbox"`
	Outbox                    string          `json:"outbox"`
	Followers                 string          `json:"followers"`
	Following                 string          `json:"following"`
	ManuallyApprovesFollowers bool            `json:"manuallyApprovesFollowers"`
	Discoverable              bool            `json:"discoverable"`
	Published                 *time.Time      `json:"published,omitempty"`
	Icon                      *Image          `json:"icon,omitempty"`
	Endpoints                 Endpoints       `json:"endpoints"`
	PublicKey                 PublicKey       `json:"publicKey"`
	Attachment                []PropertyValue `json:"attachment,omitempty"`
}

// OrderedCollection is the collection root with a link to its first page.
type OrderedCollection struct {
	Context    interface{} `json:"@context"`
	ID         string      `json:"id"`
	Type       string      `json:"type"`
	TotalItems int         `json:"totalItems"`
	First      string      `json:"first,omitempty"`
	Last       string      `json:"last,omitempty"`
}

type OrderedCollectionPage struct {
	Context      interface{}   `json:"@context"`
	ID           string        `json:"id"`
	Type         string        `json:"type"`
	Actor        string        `json:"actor,omitempty"`
	PartOf       string        `json:"partOf"`
	TotalItems   int           `json:"totalItems"`
	First        string        `json:"first,omitempty"`
	Last         string        `json:"last,omitempty"`
	Next         string        `json:"next,omitempty"`
	Prev         string        `json:"prev,omitempty"`
	OrderedItems []interface{} `json:"orderedItems"`
}
