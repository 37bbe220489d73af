package domain

import (
	"time"
)

type Visibility string

const (
	VisibilityPublic      Visibility = "public"
	VisibilityQuietPublic Visibility = "quiet_public"
	VisibilityLocal       Visibility = "local"
)

type ContentKind string

const (
	KindPost  ContentKind = "post"
	KindPage  ContentKind = "page"
	KindOther ContentKind = "other"
)

type ContentStatus string

const (
	StatusPublish ContentStatus = "publish"
	StatusDraft   ContentStatus = "draft"
	StatusTrash   ContentStatus = "trash"
)

// User is a host content-system account. Every user that can publish maps to one local actor.
type User struct {
	Id          int64
	Login       string
	DisplayName string
	Bio         string
	AvatarURL   string
	ProfileURL  string
	CanPublish  bool
	Fields      []ProfileField
	CreatedAt   time.Time
}

// ContentItem is a post, page or other item owned by the host.
type ContentItem struct {
	Id             int64
	AuthorId       int64
	Kind           ContentKind
	Format         string // post format: standard, aside, status, image, audio, video...
	Status         ContentStatus
	Title          string
	Body           string
	BodyFormat     string // html or markdown
	Excerpt        string
	Permalink      string
	Shortlink      string
	Tags           []string
	Visibility     Visibility
	ContentWarning string
	Locale         string
	ThumbnailId    int64
	Enclosures     []Enclosure
	Published      time.Time
	Modified       time.Time
}

type Enclosure struct {
	URL       string
	MediaType string
}

// Media is an entry of the host media library.
type Media struct {
	Id        int64
	URL       string
	MediaType string
	Alt       string
	Title     string
	Width     int
	Height    int
}

// Kind returns the top-level MIME type: image, audio, video or other.
func (m *Media) Kind() string {
	for i := 0; i < len(m.MediaType); i++ {
		if m.MediaType[i] == '/' {
			return m.MediaType[:i]
		}
	}
	return m.MediaType
}
