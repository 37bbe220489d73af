package web

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/deemkeen/fedcore/domain"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/feeds"
	"github.com/samber/lo"
)

const feedSize = 50

func (s *Server) handleFeed(c *gin.Context) {
	actor, err := s.localActor(c)
	if err != nil {
		renderError(c, err)
		return
	}
	rss, err := s.GetRSS(c.Request.Context(), actor)
	if err != nil {
		renderError(c, err)
		return
	}
	c.Data(http.StatusOK, "application/rss+xml; charset=utf-8", []byte(rss))
}

// feedObject is the part of a dispatched object shown in the feed.
type feedObject struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Summary   string `json:"summary"`
	Content   string `json:"content"`
	URL       string `json:"url"`
	Published string `json:"published"`
}

// GetRSS renders the newest published objects of actor. Updates replace the entry of
// the original Create, deleted objects are left out.
func (s *Server) GetRSS(ctx context.Context, actor *domain.Actor) (string, error) {
	items, err := s.db.ReadOutbox(ctx, actor.Id, feedSize, 0)
	if err != nil {
		return "", fmt.Errorf("reading outbox of %s: %w", actor.Username, err)
	}

	items = lo.UniqBy(items, func(item domain.OutboxItem) string { return item.ObjectURI })
	items = lo.Filter(items, func(item domain.OutboxItem, _ int) bool {
		return item.ActivityType == domain.ActivityCreate || item.ActivityType == domain.ActivityUpdate
	})

	link := actor.ProfileURL
	if link == "" {
		link = s.registry.URI(actor)
	}
	title := actor.DisplayName
	if title == "" {
		title = actor.Username
	}
	author := &feeds.Author{Name: title}

	feed := &feeds.Feed{
		Title:       title,
		Link:        &feeds.Link{Href: link},
		Description: actor.Summary,
		Author:      author,
		Created:     time.Now(),
	}

	for _, item := range items {
		var activity struct {
			Object feedObject `json:"object"`
		}
		if err := json.UnmarshalFromString(item.ActivityJSON, &activity); err != nil {
			continue
		}
		obj := activity.Object
		published, err := time.Parse(time.RFC3339, obj.Published)
		if err != nil {
			published = item.Published
		}
		entry := &feeds.Item{
			Id:          obj.ID,
			Title:       obj.Name,
			Link:        &feeds.Link{Href: lo.Ternary(obj.URL != "", obj.URL, obj.ID)},
			Description: obj.Summary,
			Content:     obj.Content,
			Author:      author,
			Created:     published,
		}
		if entry.Title == "" {
			entry.Title = published.Format("2006-01-02 15:04")
		}
		feed.Items = append(feed.Items, entry)
	}

	return feed.ToRss()
}
