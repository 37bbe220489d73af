package web

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/deemkeen/fedcore/activitypub"
	"github.com/deemkeen/fedcore/domain"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"
	"github.com/samber/lo"
)

// EventRequest is what the host posts on every content change. Item, User and Media
// optionally carry the current state so the federation store does not need to call back.
type EventRequest struct {
	Type   activitypub.EventType `json:"type" binding:"required,oneof=create update delete delete_user"`
	ItemID int64                 `json:"itemId"`
	UserID int64                 `json:"userId"`
	Item   *EventItem            `json:"item,omitempty"`
	User   *EventUser            `json:"user,omitempty"`
	Media  []EventMedia          `json:"media,omitempty" binding:"dive"`
}

type EventItem struct {
	ID             int64              `json:"id" binding:"required"`
	AuthorID       int64              `json:"authorId"`
	Kind           string             `json:"kind" binding:"omitempty,oneof=post page other"`
	Format         string             `json:"format"`
	Status         string             `json:"status" binding:"omitempty,oneof=publish draft trash"`
	Title          string             `json:"title"`
	Body           string             `json:"body"`
	BodyFormat     string             `json:"bodyFormat" binding:"omitempty,oneof=html markdown"`
	Excerpt        string             `json:"excerpt"`
	Permalink      string             `json:"permalink" binding:"omitempty,url"`
	Shortlink      string             `json:"shortlink"`
	Tags           []string           `json:"tags"`
	Visibility     string             `json:"visibility" binding:"omitempty,oneof=public quiet_public local"`
	ContentWarning string             `json:"contentWarning"`
	Locale         string             `json:"locale"`
	ThumbnailID    int64              `json:"thumbnailId"`
	Enclosures     []domain.Enclosure `json:"enclosures"`
	Published      time.Time          `json:"published"`
	Modified       time.Time          `json:"modified"`
}

type EventUser struct {
	ID          int64                 `json:"id" binding:"required,min=1"`
	Login       string                `json:"login" binding:"required"`
	DisplayName string                `json:"displayName"`
	Bio         string                `json:"bio"`
	AvatarURL   string                `json:"avatarUrl"`
	ProfileURL  string                `json:"profileUrl"`
	CanPublish  bool                  `json:"canPublish"`
	Fields      []domain.ProfileField `json:"fields"`
	CreatedAt   time.Time             `json:"createdAt"`
}

type EventMedia struct {
	ID        int64  `json:"id" binding:"required"`
	URL       string `json:"url" binding:"required"`
	MediaType string `json:"mediaType"`
	Alt       string `json:"alt"`
	Title     string `json:"title"`
	Width     int    `json:"width"`
	Height    int    `json:"height"`
}

func (s *Server) handleEvents(c *gin.Context) {
	var req EventRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		renderError(c, domain.InvalidParam("body", err.Error()))
		return
	}

	ev, err := s.storeEvent(c.Request.Context(), &req)
	if err != nil {
		renderError(c, err)
		return
	}
	if !s.dispatcher.Enqueue(ev) {
		c.AbortWithStatusJSON(http.StatusServiceUnavailable, domain.ErrorBody{
			Code:    "QUEUE_FULL",
			Message: "event queue is full, retry later",
			Data:    domain.ErrorBodyData{Status: http.StatusServiceUnavailable},
		})
		return
	}
	log.Debug().Str("type", string(ev.Type)).Int64("item", ev.ItemID).Int64("user", ev.UserID).Msg("Events: queued")
	c.JSON(http.StatusAccepted, gin.H{"queued": true})
}

// storeEvent saves any payload that came with the event and returns the event to queue.
func (s *Server) storeEvent(ctx context.Context, req *EventRequest) (activitypub.Event, error) {
	ev := activitypub.Event{Type: req.Type, ItemID: req.ItemID, UserID: req.UserID}

	if req.User != nil {
		if ev.UserID == 0 {
			ev.UserID = req.User.ID
		}
		if err := s.db.UpsertUser(ctx, req.User.toDomain()); err != nil {
			return ev, fmt.Errorf("storing user %d: %w", req.User.ID, err)
		}
	}

	if req.Type == activitypub.EventDeleteUser {
		if ev.UserID <= 0 {
			return ev, domain.MissingParam("userId")
		}
		if err := s.db.DeleteUser(ctx, ev.UserID); err != nil {
			return ev, fmt.Errorf("deleting user %d: %w", ev.UserID, err)
		}
		return ev, nil
	}

	for _, m := range req.Media {
		if err := s.db.UpsertMedia(ctx, m.toDomain()); err != nil {
			return ev, fmt.Errorf("storing media %d: %w", m.ID, err)
		}
	}
	if req.Item != nil {
		if ev.ItemID == 0 {
			ev.ItemID = req.Item.ID
		}
		if ev.UserID == 0 {
			ev.UserID = req.Item.AuthorID
		}
		if err := s.db.UpsertContentItem(ctx, req.Item.toDomain()); err != nil {
			return ev, fmt.Errorf("storing item %d: %w", req.Item.ID, err)
		}
	}
	if ev.ItemID == 0 {
		return ev, domain.MissingParam("itemId")
	}
	return ev, nil
}

func (i *EventItem) toDomain() *domain.ContentItem {
	published := lo.Ternary(i.Published.IsZero(), time.Now(), i.Published)
	return &domain.ContentItem{
		Id:             i.ID,
		AuthorId:       i.AuthorID,
		Kind:           domain.ContentKind(lo.Ternary(i.Kind == "", string(domain.KindPost), i.Kind)),
		Format:         i.Format,
		Status:         domain.ContentStatus(lo.Ternary(i.Status == "", string(domain.StatusPublish), i.Status)),
		Title:          i.Title,
		Body:           i.Body,
		BodyFormat:     i.BodyFormat,
		Excerpt:        i.Excerpt,
		Permalink:      i.Permalink,
		Shortlink:      i.Shortlink,
		Tags:           i.Tags,
		Visibility:     domain.Visibility(i.Visibility),
		ContentWarning: i.ContentWarning,
		Locale:         i.Locale,
		ThumbnailId:    i.ThumbnailID,
		Enclosures:     i.Enclosures,
		Published:      published,
		Modified:       lo.Ternary(i.Modified.IsZero(), published, i.Modified),
	}
}

func (u *EventUser) toDomain() *domain.User {
	return &domain.User{
		Id:          u.ID,
		Login:       u.Login,
		DisplayName: u.DisplayName,
		Bio:         u.Bio,
		AvatarURL:   u.AvatarURL,
		ProfileURL:  u.ProfileURL,
		CanPublish:  u.CanPublish,
		Fields:      u.Fields,
		CreatedAt:   u.CreatedAt,
	}
}

func (m *EventMedia) toDomain() *domain.Media {
	return &domain.Media{
		Id:        m.ID,
		URL:       m.URL,
		MediaType: m.MediaType,
		Alt:       m.Alt,
		Title:     m.Title,
		Width:     m.Width,
		Height:    m.Height,
	}
}
