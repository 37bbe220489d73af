package web

import (
	"fmt"
	"net/http"
	"net/url"
	"strconv"

	"github.com/deemkeen/fedcore/activitypub"
	"github.com/deemkeen/fedcore/domain"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"
)

type followersQuery struct {
	page    int
	perPage int
	order   string
	full    bool
}

func parseFollowersQuery(c *gin.Context) followersQuery {
	q := followersQuery{
		page:    parseIntDefault(c.Query("page"), 1),
		perPage: parseIntDefault(c.Query("per_page"), activitypub.DefaultFollowersPerPage),
		order:   "desc",
		full:    c.Query("context") == "full",
	}
	if c.Query("order") == "asc" {
		q.order = "asc"
	}
	if q.page < 1 {
		q.page = 1
	}
	if q.perPage < 1 {
		q.perPage = activitypub.DefaultFollowersPerPage
	}
	if q.perPage > activitypub.MaxFollowersPerPage {
		q.perPage = activitypub.MaxFollowersPerPage
	}
	return q
}

func (q followersQuery) link(collection string, page int) string {
	v := url.Values{}
	v.Set("page", strconv.Itoa(page))
	v.Set("per_page", strconv.Itoa(q.perPage))
	v.Set("order", q.order)
	if q.full {
		v.Set("context", "full")
	}
	return collection + "?" + v.Encode()
}

func (s *Server) handleFollowers(c *gin.Context) {
	actor, err := s.localActor(c)
	if err != nil {
		renderError(c, err)
		return
	}
	page, err := s.followersPage(c, actor, parseFollowersQuery(c))
	if err != nil {
		renderError(c, err)
		return
	}
	renderActivity(c, http.StatusOK, page)
}

func (s *Server) followersPage(c *gin.Context, actor *domain.Actor, q followersQuery) (*domain.OrderedCollectionPage, error) {
	followers, total, err := s.followers.ListFollowers(c.Request.Context(), actor.Id, q.page, q.perPage, q.order)
	if err != nil {
		return nil, fmt.Errorf("listing followers: %w", err)
	}

	actorURI := s.registry.URI(actor)
	collection := activitypub.FollowersURI(actorURI)
	last := (total + q.perPage - 1) / q.perPage
	if last < 1 {
		last = 1
	}

	out := &domain.OrderedCollectionPage{
		Context:      domain.ActivityStreamsContext,
		ID:           q.link(collection, q.page),
		Type:         "OrderedCollectionPage",
		Actor:        actorURI,
		PartOf:       collection,
		TotalItems:   total,
		First:        q.link(collection, 1),
		Last:         q.link(collection, last),
		OrderedItems: make([]interface{}, 0, len(followers)),
	}
	if q.page < last {
		out.Next = q.link(collection, q.page+1)
	}
	if q.page > 1 {
		out.Prev = q.link(collection, q.page-1)
	}

	for _, f := range followers {
		if !q.full || f.ActorJSON == "" {
			out.OrderedItems = append(out.OrderedItems, f.ActorURI)
			continue
		}
		var doc map[string]interface{}
		if err := json.UnmarshalFromString(f.ActorJSON, &doc); err != nil {
			log.Warn().Err(err).Str("follower", f.ActorURI).Msg("Followers: cached profile unreadable")
			out.OrderedItems = append(out.OrderedItems, f.ActorURI)
			continue
		}
		delete(doc, "@context")
		out.OrderedItems = append(out.OrderedItems, doc)
	}
	return out, nil
}

func parseIntDefault(s string, def int) int {
	if s == "" {
		return def
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return def
	}
	return n
}
